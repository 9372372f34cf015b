package cache

import (
	"strconv"
	"time"
)

const (
	SeckillStockPrefix = "seckill:stock:"
	SeckillOrderPrefix = "seckill:order:"

	OrderStream   = "stream_orders"
	OrderGroup    = "OrdersGroup"
	OrderConsumer = "OrderConsumer"

	SeckillVoucherPrefix = "cache:seckill:voucher:"
	OrderLockPrefix      = "lock:order:"
)

const (
	NullTTL  = 2 * time.Minute
	LockTTL  = 10 * time.Second
	CacheTTL = 30 * time.Minute
)

// StockKey 缓存库存
func StockKey(voucherID int64) string {
	return SeckillStockPrefix + strconv.FormatInt(voucherID, 10)
}

// ClaimantKey 已抢购用户集合
func ClaimantKey(voucherID int64) string {
	return SeckillOrderPrefix + strconv.FormatInt(voucherID, 10)
}

func OrderLockKey(userID int64) string {
	return OrderLockPrefix + strconv.FormatInt(userID, 10)
}

func joinKey(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

// SeckillVoucherKey 秒杀券元数据缓存
func SeckillVoucherKey(voucherID int64) string {
	return joinKey(SeckillVoucherPrefix, voucherID)
}

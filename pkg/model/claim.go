package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// stream 字段名，与 Lua 脚本里 XADD 的字段保持一致
const (
	ClaimFieldOrderID   = "id"
	ClaimFieldUserID    = "userId"
	ClaimFieldVoucherID = "voucherId"
	ClaimFieldTraceCtx  = "trace_ctx"
)

// ClaimRecord 抢购成功后写入 stream 的一条记录，只追加不修改
type ClaimRecord struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
	TraceCtx  map[string]string
}

// ParseClaimRecord 从 stream entry 的 Values 解析 ClaimRecord
func ParseClaimRecord(values map[string]interface{}) (*ClaimRecord, error) {
	orderID, err := int64Field(values, ClaimFieldOrderID)
	if err != nil {
		return nil, err
	}
	userID, err := int64Field(values, ClaimFieldUserID)
	if err != nil {
		return nil, err
	}
	voucherID, err := int64Field(values, ClaimFieldVoucherID)
	if err != nil {
		return nil, err
	}

	rec := &ClaimRecord{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	if raw, ok := values[ClaimFieldTraceCtx].(string); ok && raw != "" {
		// trace 上下文是尽力而为，解析失败不影响落库
		_ = json.Unmarshal([]byte(raw), &rec.TraceCtx)
	}
	return rec, nil
}

// Order 由 ClaimRecord 构造待落库的订单
func (c *ClaimRecord) Order() *VoucherOrder {
	return &VoucherOrder{
		ID:        c.OrderID,
		UserID:    c.UserID,
		VoucherID: c.VoucherID,
		PayType:   PayTypeBalance,
		Status:    OrderStatusSettled,
	}
}

func int64Field(values map[string]interface{}, key string) (int64, error) {
	v, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("field %q has type %T", key, v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %v", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("field %q must be positive, got %d", key, n)
	}
	return n, nil
}

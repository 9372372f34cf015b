package service

import (
	"context"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
)

type ClaimOutcome int

const (
	ClaimAccepted ClaimOutcome = iota
	ClaimInsufficientStock
	ClaimDuplicate
	ClaimNoSuchVoucher
	ClaimNotStarted
	ClaimEnded
)

var claimReasons = map[ClaimOutcome]string{
	ClaimAccepted:          "accepted",
	ClaimInsufficientStock: "insufficient stock",
	ClaimDuplicate:         "duplicate purchase",
	ClaimNoSuchVoucher:     "no such voucher",
	ClaimNotStarted:        "sale not started",
	ClaimEnded:             "sale ended",
}

func (o ClaimOutcome) String() string {
	if r, ok := claimReasons[o]; ok {
		return r
	}
	return "unknown"
}

// ClaimResult 业务拒绝和校验拒绝都是数据而不是 error。
// OrderID 在 Materializer 落库前只是“已受理”。
type ClaimResult struct {
	Outcome ClaimOutcome
	OrderID int64
}

func (r ClaimResult) OK() bool {
	return r.Outcome == ClaimAccepted
}

func (r ClaimResult) Reason() string {
	return r.Outcome.String()
}

func rejected(o ClaimOutcome) ClaimResult {
	return ClaimResult{Outcome: o}
}

// Claimer 原子脚本和旧的加锁实现都满足
type Claimer interface {
	Claim(ctx context.Context, voucherID, userID int64) (ClaimResult, error)
}

// VoucherReader (nil, nil) 表示券不存在
type VoucherReader interface {
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
}

type IDGenerator interface {
	NextID(ctx context.Context, keyPrefix string) (int64, error)
}

// checkSaleWindow 不触碰缓存库存；ok=false 时 res 即为拒绝结果
func checkSaleWindow(ctx context.Context, vouchers VoucherReader, voucherID int64, now time.Time) (*model.SeckillVoucher, ClaimResult, bool, error) {
	sv, err := vouchers.GetSeckillVoucher(ctx, voucherID)
	if err != nil {
		return nil, ClaimResult{}, false, transient("load seckill voucher", err)
	}
	switch {
	case sv == nil:
		return nil, rejected(ClaimNoSuchVoucher), false, nil
	case sv.NotStarted(now):
		return sv, rejected(ClaimNotStarted), false, nil
	case sv.Ended(now):
		return sv, rejected(ClaimEnded), false, nil
	}
	return sv, ClaimResult{}, true, nil
}

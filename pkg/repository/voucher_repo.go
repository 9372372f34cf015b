package repository

import (
	"context"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrStockExhausted = errors.New("durable stock exhausted")
	ErrDuplicateOrder = errors.New("order already exists for user and voucher")
)

type VoucherRepo interface {
	GetVoucher(ctx context.Context, voucherID int64) (*model.Voucher, error)
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
	CreateSeckillVoucher(ctx context.Context, voucher *model.Voucher, seckill *model.SeckillVoucher) error
	ListUnfinishedSeckillVouchers(ctx context.Context, now time.Time, limit int) ([]*model.SeckillVoucher, error)
}

type voucherRepo struct {
	db *gorm.DB
}

func NewVoucherRepo(db *gorm.DB) VoucherRepo {
	return &voucherRepo{db: db}
}

func (r *voucherRepo) GetVoucher(ctx context.Context, voucherID int64) (*model.Voucher, error) {
	var v model.Voucher
	if err := r.db.WithContext(ctx).Where("id = ?", voucherID).First(&v).Error; err != nil {
		return nil, translateNotFound(err, "voucher %d", voucherID)
	}
	return &v, nil
}

// [Claim 前置校验 / 缓存回源]
func (r *voucherRepo) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	var sv model.SeckillVoucher
	if err := r.db.WithContext(ctx).Where("voucher_id = ?", voucherID).First(&sv).Error; err != nil {
		return nil, translateNotFound(err, "seckill voucher %d", voucherID)
	}
	return &sv, nil
}

// 同一事务写入 tb_voucher 和 tb_seckill_voucher
func (r *voucherRepo) CreateSeckillVoucher(ctx context.Context, voucher *model.Voucher, seckill *model.SeckillVoucher) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		voucher.Type = model.VoucherTypeSeckill
		if err := tx.Create(voucher).Error; err != nil {
			return errors.Wrap(err, "insert voucher")
		}

		seckill.VoucherID = voucher.ID
		if err := tx.Create(seckill).Error; err != nil {
			return errors.Wrap(err, "insert seckill voucher")
		}
		return nil
	})
}

// [StockReconciler] 未结束的秒杀
func (r *voucherRepo) ListUnfinishedSeckillVouchers(ctx context.Context, now time.Time, limit int) ([]*model.SeckillVoucher, error) {
	var list []*model.SeckillVoucher
	err := r.db.WithContext(ctx).
		Where("end_time >= ?", now).
		Order("voucher_id").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func translateNotFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

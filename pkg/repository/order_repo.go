package repository

import (
	"context"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type OrderRepo interface {
	OrderExists(ctx context.Context, userID, voucherID int64) (bool, error)
	SettleOrder(ctx context.Context, order *model.VoucherOrder) error
	GetOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error)
	CountOrders(ctx context.Context, voucherID int64) (int64, error)
	InsertDeadMessages(ctx context.Context, records []model.DeadMessage) error
}

type orderRepo struct {
	db *gorm.DB
}

func NewOrderRepo(db *gorm.DB) OrderRepo {
	return &orderRepo{db: db}
}

// [Materializer] 幂等检查
func (r *orderRepo) OrderExists(ctx context.Context, userID, voucherID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "count voucher orders")
	}
	return count > 0, nil
}

// [Materializer] 扣减 MySQL 库存 + 写订单，同一事务
func (r *orderRepo) SettleOrder(ctx context.Context, order *model.VoucherOrder) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. stock > 0 作为乐观条件
		res := tx.Model(&model.SeckillVoucher{}).
			Where("voucher_id = ? AND stock > 0", order.VoucherID).
			Update("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return errors.Wrap(res.Error, "decrement seckill stock")
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrStockExhausted, "voucher %d", order.VoucherID)
		}

		// 2. 写订单，唯一索引兜底重复
		if err := tx.Create(order).Error; err != nil {
			if isDuplicateError(err) {
				return errors.Wrapf(ErrDuplicateOrder, "user %d voucher %d", order.UserID, order.VoucherID)
			}
			return errors.Wrap(err, "insert voucher order")
		}
		return nil
	})
}

func (r *orderRepo) GetOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error) {
	var order model.VoucherOrder
	if err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		return nil, translateNotFound(err, "voucher order %d", orderID)
	}
	return &order, nil
}

// [StockReconciler]
func (r *orderRepo) CountOrders(ctx context.Context, voucherID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("voucher_id = ?", voucherID).
		Count(&count).Error
	return count, err
}

// [DeadLetterConsumer] 批量插入
func (r *orderRepo) InsertDeadMessages(ctx context.Context, records []model.DeadMessage) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(records, 100).Error
}

func isDuplicateError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

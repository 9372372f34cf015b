package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/pkg/errors"
)

type userVoucher struct {
	userID, voucherID int64
}

// Store 内存版 VoucherRepo + OrderRepo，语义与 MySQL 实现一致：
// 扣库存带 stock > 0 条件，(user_id, voucher_id) 唯一。
type Store struct {
	mu sync.Mutex

	vouchers map[int64]*model.Voucher
	seckills map[int64]*model.SeckillVoucher
	orders   map[int64]*model.VoucherOrder
	byUser   map[userVoucher]int64
	dead     []model.DeadMessage
	nextID   int64

	// 非 nil 时对应方法直接返回该错误
	GetErr    error
	ExistsErr error
	SettleErr error
	DeadErr   error

	SettleCalls int
	GetCalls    int
}

var (
	_ repository.VoucherRepo = (*Store)(nil)
	_ repository.OrderRepo   = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		vouchers: make(map[int64]*model.Voucher),
		seckills: make(map[int64]*model.SeckillVoucher),
		orders:   make(map[int64]*model.VoucherOrder),
		byUser:   make(map[userVoucher]int64),
		nextID:   1,
	}
}

// PutSeckill 直接写入一张秒杀券
func (s *Store) PutSeckill(sv model.SeckillVoucher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vouchers[sv.VoucherID] = &model.Voucher{ID: sv.VoucherID, Title: "seckill", Type: model.VoucherTypeSeckill}
	s.seckills[sv.VoucherID] = &sv
	if sv.VoucherID >= s.nextID {
		s.nextID = sv.VoucherID + 1
	}
}

func (s *Store) Stock(voucherID int64) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sv, ok := s.seckills[voucherID]; ok {
		return sv.Stock
	}
	return 0
}

func (s *Store) Orders() []model.VoucherOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]model.VoucherOrder, 0, len(s.orders))
	for _, o := range s.orders {
		list = append(list, *o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Store) DeadMessages() []model.DeadMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeadMessage(nil), s.dead...)
}

func (s *Store) GetVoucher(_ context.Context, voucherID int64) (*model.Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[voucherID]
	if !ok {
		return nil, errors.Wrapf(repository.ErrNotFound, "voucher %d", voucherID)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) GetSeckillVoucher(_ context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls++
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	sv, ok := s.seckills[voucherID]
	if !ok {
		return nil, errors.Wrapf(repository.ErrNotFound, "seckill voucher %d", voucherID)
	}
	cp := *sv
	return &cp, nil
}

func (s *Store) CreateSeckillVoucher(_ context.Context, voucher *model.Voucher, seckill *model.SeckillVoucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	voucher.ID = s.nextID
	voucher.Type = model.VoucherTypeSeckill
	s.nextID++
	seckill.VoucherID = voucher.ID

	v, sv := *voucher, *seckill
	s.vouchers[v.ID] = &v
	s.seckills[sv.VoucherID] = &sv
	return nil
}

func (s *Store) ListUnfinishedSeckillVouchers(_ context.Context, now time.Time, limit int) ([]*model.SeckillVoucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*model.SeckillVoucher
	for _, sv := range s.seckills {
		if !sv.EndTime.Before(now) {
			cp := *sv
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].VoucherID < list[j].VoucherID })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Store) OrderExists(_ context.Context, userID, voucherID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ExistsErr != nil {
		return false, s.ExistsErr
	}
	_, ok := s.byUser[userVoucher{userID, voucherID}]
	return ok, nil
}

func (s *Store) SettleOrder(_ context.Context, order *model.VoucherOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SettleCalls++
	if s.SettleErr != nil {
		return s.SettleErr
	}

	sv, ok := s.seckills[order.VoucherID]
	if !ok || sv.Stock <= 0 {
		return errors.Wrapf(repository.ErrStockExhausted, "voucher %d", order.VoucherID)
	}
	uv := userVoucher{order.UserID, order.VoucherID}
	if _, dup := s.byUser[uv]; dup {
		return errors.Wrapf(repository.ErrDuplicateOrder, "order %d", order.ID)
	}
	if _, dup := s.orders[order.ID]; dup {
		return errors.Wrapf(repository.ErrDuplicateOrder, "order %d", order.ID)
	}

	// 事务语义：两步都成功才生效
	sv.Stock--
	cp := *order
	cp.CreateTime = time.Now()
	s.orders[cp.ID] = &cp
	s.byUser[uv] = cp.ID
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID int64) (*model.VoucherOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errors.Wrapf(repository.ErrNotFound, "order %d", orderID)
	}
	cp := *o
	return &cp, nil
}

func (s *Store) CountOrders(_ context.Context, voucherID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.orders {
		if o.VoucherID == voucherID {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertDeadMessages(_ context.Context, records []model.DeadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeadErr != nil {
		return s.DeadErr
	}
	s.dead = append(s.dead, records...)
	return nil
}

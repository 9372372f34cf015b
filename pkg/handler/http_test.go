package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/service"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/testutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClaimer struct {
	res   service.ClaimResult
	err   error
	calls int
}

func (s *stubClaimer) Claim(_ context.Context, _, _ int64) (service.ClaimResult, error) {
	s.calls++
	return s.res, s.err
}

type stubVouchers struct {
	got    model.Voucher
	added  *model.SeckillVoucher
	addErr error
	sv     *model.SeckillVoucher
	order  *model.VoucherOrder
	err    error
}

func (s *stubVouchers) GetSeckillVoucher(_ context.Context, _ int64) (*model.SeckillVoucher, error) {
	return s.sv, s.err
}

func (s *stubVouchers) AddSeckillVoucher(_ context.Context, v *model.Voucher, sv *model.SeckillVoucher) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.got = *v
	v.ID = 42
	sv.VoucherID = 42
	s.added = sv
	return nil
}

func (s *stubVouchers) GetOrder(_ context.Context, _ int64) (*model.VoucherOrder, error) {
	return s.order, s.err
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res Result
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func TestSeckillOrderHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		claimer    *stubClaimer
		wantCode   int
		wantResult Result
		wantCalls  int
	}{
		{
			name:       "accepted",
			body:       `{"voucherId":7,"userId":1}`,
			claimer:    &stubClaimer{res: service.ClaimResult{Outcome: service.ClaimAccepted, OrderID: 86586258593857537}},
			wantCode:   http.StatusOK,
			wantResult: Result{Success: true, Data: "86586258593857537"},
			wantCalls:  1,
		},
		{
			name:       "insufficient stock",
			body:       `{"voucherId":7,"userId":3}`,
			claimer:    &stubClaimer{res: service.ClaimResult{Outcome: service.ClaimInsufficientStock}},
			wantCode:   http.StatusOK,
			wantResult: Result{ErrorMsg: "insufficient stock"},
			wantCalls:  1,
		},
		{
			name:       "duplicate",
			body:       `{"voucherId":9,"userId":5}`,
			claimer:    &stubClaimer{res: service.ClaimResult{Outcome: service.ClaimDuplicate}},
			wantCode:   http.StatusOK,
			wantResult: Result{ErrorMsg: "duplicate purchase"},
			wantCalls:  1,
		},
		{
			name:       "transient failure",
			body:       `{"voucherId":7,"userId":1}`,
			claimer:    &stubClaimer{err: &service.TransientError{Op: "seckill script", Err: errors.New("i/o timeout")}},
			wantCode:   http.StatusServiceUnavailable,
			wantResult: Result{ErrorMsg: "service busy, please retry"},
			wantCalls:  1,
		},
		{
			name:       "malformed body",
			body:       `{"voucherId":`,
			claimer:    &stubClaimer{},
			wantCode:   http.StatusBadRequest,
			wantResult: Result{ErrorMsg: "invalid request body"},
		},
		{
			name:       "non positive id",
			body:       `{"voucherId":0,"userId":1}`,
			claimer:    &stubClaimer{},
			wantCode:   http.StatusBadRequest,
			wantResult: Result{ErrorMsg: "voucherId and userId must be positive"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(tt.claimer, &stubVouchers{}, nil, testutil.Logger()).Handler()
			rec, res := do(t, h, http.MethodPost, "/voucher-order/seckill", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantResult, res)
			assert.Equal(t, tt.wantCalls, tt.claimer.calls)
		})
	}
}

func TestAddSeckillVoucherHandler(t *testing.T) {
	body := `{"title":"100 off 50","payValue":5000,"actualValue":10000,"stock":100,
		"beginTime":"2024-06-18T20:00:00Z","endTime":"2024-06-18T22:00:00Z"}`

	t.Run("created", func(t *testing.T) {
		vouchers := &stubVouchers{}
		h := NewServer(&stubClaimer{}, vouchers, nil, testutil.Logger()).Handler()
		rec, res := do(t, h, http.MethodPost, "/voucher/seckill", body)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, Result{Success: true, Data: "42"}, res)
		require.NotNil(t, vouchers.added)
		assert.Equal(t, int32(100), vouchers.added.Stock)
		assert.Equal(t, time.Date(2024, 6, 18, 22, 0, 0, 0, time.UTC), vouchers.added.EndTime.UTC())
	})

	t.Run("client cannot choose id or status", func(t *testing.T) {
		vouchers := &stubVouchers{}
		h := NewServer(&stubClaimer{}, vouchers, nil, testutil.Logger()).Handler()
		rec, _ := do(t, h, http.MethodPost, "/voucher/seckill",
			`{"id":9001,"status":3,"title":"t","payValue":1,"actualValue":2,"stock":1,
			"beginTime":"2024-06-18T20:00:00Z","endTime":"2024-06-18T22:00:00Z"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, vouchers.got.ID)
		assert.Zero(t, vouchers.got.Status)
		assert.Equal(t, "t", vouchers.got.Title)
	})

	t.Run("invalid voucher", func(t *testing.T) {
		vouchers := &stubVouchers{addErr: errors.Wrap(service.ErrInvalidVoucher, "stock must be positive")}
		h := NewServer(&stubClaimer{}, vouchers, nil, testutil.Logger()).Handler()
		rec, res := do(t, h, http.MethodPost, "/voucher/seckill", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMsg, "stock must be positive")
	})
}

func TestGetHandlers(t *testing.T) {
	end := time.Date(2024, 6, 18, 22, 0, 0, 0, time.UTC)
	vouchers := &stubVouchers{
		sv:    &model.SeckillVoucher{VoucherID: 7, Stock: 3, EndTime: end},
		order: &model.VoucherOrder{ID: 86586258593857537, UserID: 1, VoucherID: 7},
	}
	h := NewServer(&stubClaimer{}, vouchers, nil, testutil.Logger()).Handler()

	rec, res := do(t, h, http.MethodGet, "/voucher/seckill/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, res.Success)
	assert.Equal(t, float64(7), res.Data.(map[string]interface{})["voucherId"])

	rec, res = do(t, h, http.MethodGet, "/voucher-order/86586258593857537", "")
	require.Equal(t, http.StatusOK, rec.Code)
	// 订单号以字符串返回，避免 JS 精度丢失
	assert.Equal(t, "86586258593857537", res.Data.(map[string]interface{})["id"])

	rec, _ = do(t, h, http.MethodGet, "/voucher/seckill/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	vouchers.sv, vouchers.order = nil, nil
	rec, _ = do(t, h, http.MethodGet, "/voucher/seckill/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/voucher-order/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/_healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestLimiter(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	claimer := &stubClaimer{res: service.ClaimResult{Outcome: service.ClaimAccepted, OrderID: 1}}
	// 单 IP 突发 2 次，几乎不回填
	limiter := NewLimiter(rdb, testutil.Logger(), 1000, 1000, 0.001, 2)
	h := NewServer(claimer, &stubVouchers{}, limiter, testutil.Logger()).Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := do(t, h, http.MethodPost, "/voucher-order/seckill", `{"voucherId":7,"userId":1}`)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 2, claimer.calls)

	// 查询接口不限流
	rec, _ := do(t, h, http.MethodGet, "/_healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimiter_FailsOpen(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	mr.Close()
	claimer := &stubClaimer{res: service.ClaimResult{Outcome: service.ClaimAccepted, OrderID: 1}}
	limiter := NewLimiter(rdb, testutil.Logger(), 1, 1, 1, 1)
	h := NewServer(claimer, &stubVouchers{}, limiter, testutil.Logger()).Handler()

	rec, _ := do(t, h, http.MethodPost, "/voucher-order/seckill", `{"voucherId":7,"userId":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, claimer.calls)
}

func TestGetRealIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{name: "remote addr", want: "192.0.2.1"},
		{name: "single forwarded", header: map[string]string{"X-Forwarded-For": "203.0.113.5"}, want: "203.0.113.5"},
		{name: "forwarded chain", header: map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1, 10.0.0.2"}, want: "203.0.113.5"},
		{name: "real ip", header: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/voucher-order/seckill", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getRealIP(req))
		})
	}
}

func TestLimiter_ForwardedChainSharesBucket(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	claimer := &stubClaimer{res: service.ClaimResult{Outcome: service.ClaimAccepted, OrderID: 1}}
	limiter := NewLimiter(rdb, testutil.Logger(), 1000, 1000, 0.001, 1)
	h := NewServer(claimer, &stubVouchers{}, limiter, testutil.Logger()).Handler()

	// 同一客户端经不同代理链到达
	codes := make([]int, 0, 2)
	for _, xff := range []string{"203.0.113.5, 10.0.0.1", "203.0.113.5, 10.0.0.2"} {
		req := httptest.NewRequest(http.MethodPost, "/voucher-order/seckill", strings.NewReader(`{"voucherId":7,"userId":1}`))
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

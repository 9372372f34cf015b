package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/service"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// VoucherAPI 券的创建与查询，由 service.VoucherService 实现
type VoucherAPI interface {
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
	AddSeckillVoucher(ctx context.Context, voucher *model.Voucher, seckill *model.SeckillVoucher) error
	GetOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error)
}

// Result 统一返回结构
type Result struct {
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	ErrorMsg string      `json:"errorMsg,omitempty"`
}

func ok(data interface{}) Result { return Result{Success: true, Data: data} }

func fail(msg string) Result { return Result{Success: false, ErrorMsg: msg} }

type seckillOrderRequest struct {
	VoucherID int64 `json:"voucherId"`
	UserID    int64 `json:"userId"`
}

type addSeckillRequest struct {
	model.Voucher
	Stock     int32     `json:"stock"`
	BeginTime time.Time `json:"beginTime"`
	EndTime   time.Time `json:"endTime"`
}

type Server struct {
	claimer  service.Claimer
	vouchers VoucherAPI
	limiter  *Limiter
	log      *logrus.Logger
}

// NewServer limiter 为 nil 时不限流
func NewServer(claimer service.Claimer, vouchers VoucherAPI, limiter *Limiter, log *logrus.Logger) *Server {
	return &Server{claimer: claimer, vouchers: vouchers, limiter: limiter, log: log}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	var seckill http.Handler = http.HandlerFunc(s.seckillOrderHandler)
	if s.limiter != nil {
		seckill = s.limiter.Middleware(seckill)
	}
	r.Handle("/voucher-order/seckill", seckill).Methods(http.MethodPost)
	r.HandleFunc("/voucher-order/{id}", s.getOrderHandler).Methods(http.MethodGet)
	r.HandleFunc("/voucher/seckill", s.addSeckillVoucherHandler).Methods(http.MethodPost)
	r.HandleFunc("/voucher/seckill/{id}", s.getSeckillVoucherHandler).Methods(http.MethodGet)
	r.HandleFunc("/_healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })

	return &logHandler{log: s.log, next: r}
}

// 秒杀下单：只返回“已受理”的订单号，订单异步落库
func (s *Server) seckillOrderHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, s.log)

	var req seckillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid request body"))
		return
	}
	if req.VoucherID <= 0 || req.UserID <= 0 {
		writeJSON(w, http.StatusBadRequest, fail("voucherId and userId must be positive"))
		return
	}

	res, err := s.claimer.Claim(r.Context(), req.VoucherID, req.UserID)
	if err != nil {
		log.WithField("error", err).Error("seckill claim failed")
		if service.IsTransient(err) {
			writeJSON(w, http.StatusServiceUnavailable, fail("service busy, please retry"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, fail("internal error"))
		return
	}
	if !res.OK() {
		writeJSON(w, http.StatusOK, fail(res.Reason()))
		return
	}

	log.WithFields(logrus.Fields{
		"voucher_id": req.VoucherID,
		"user_id":    req.UserID,
		"order_id":   res.OrderID,
	}).Debug("seckill claim accepted")
	writeJSON(w, http.StatusOK, ok(strconv.FormatInt(res.OrderID, 10)))
}

func (s *Server) addSeckillVoucherHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, s.log)

	var req addSeckillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, fail("invalid request body"))
		return
	}

	// 主键和状态由服务端决定
	voucher := req.Voucher
	voucher.ID = 0
	voucher.Status = 0
	voucher.CreateTime, voucher.UpdateTime = time.Time{}, time.Time{}
	seckill := &model.SeckillVoucher{Stock: req.Stock, BeginTime: req.BeginTime, EndTime: req.EndTime}
	if err := s.vouchers.AddSeckillVoucher(r.Context(), &voucher, seckill); err != nil {
		if errors.Is(err, service.ErrInvalidVoucher) {
			writeJSON(w, http.StatusBadRequest, fail(err.Error()))
			return
		}
		log.WithField("error", err).Error("add seckill voucher failed")
		writeJSON(w, http.StatusInternalServerError, fail("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, ok(strconv.FormatInt(voucher.ID, 10)))
}

func (s *Server) getSeckillVoucherHandler(w http.ResponseWriter, r *http.Request) {
	id, okID := pathID(r)
	if !okID {
		writeJSON(w, http.StatusBadRequest, fail("invalid voucher id"))
		return
	}

	sv, err := s.vouchers.GetSeckillVoucher(r.Context(), id)
	if err != nil {
		requestLogger(r, s.log).WithField("error", err).Error("get seckill voucher failed")
		writeJSON(w, http.StatusInternalServerError, fail("internal error"))
		return
	}
	if sv == nil {
		writeJSON(w, http.StatusNotFound, fail("no such voucher"))
		return
	}
	writeJSON(w, http.StatusOK, ok(sv))
}

// 订单还未落库时同样返回 404，客户端轮询即可
func (s *Server) getOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, okID := pathID(r)
	if !okID {
		writeJSON(w, http.StatusBadRequest, fail("invalid order id"))
		return
	}

	order, err := s.vouchers.GetOrder(r.Context(), id)
	if err != nil {
		requestLogger(r, s.log).WithField("error", err).Error("get order failed")
		writeJSON(w, http.StatusInternalServerError, fail("internal error"))
		return
	}
	if order == nil {
		writeJSON(w, http.StatusNotFound, fail("order not found"))
		return
	}
	writeJSON(w, http.StatusOK, ok(order))
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(res)
}

package service

import (
	"github.com/pkg/errors"
)

// ErrTransient 基础设施暂时不可用（Redis/MySQL 不可达、超时、熔断），调用方应退避重试
var ErrTransient = errors.New("transient infrastructure failure")

// ErrInvalidVoucher 创建秒杀券的参数校验失败
var ErrInvalidVoucher = errors.New("invalid seckill voucher")

type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrTransient) 成立
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

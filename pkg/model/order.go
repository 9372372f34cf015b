package model

import (
	"time"
)

// Order Status Constants
const (
	OrderStatusSettled   = 1 // 已落库，待支付
	OrderStatusPaid      = 2
	OrderStatusUsed      = 3
	OrderStatusCancelled = 4
	OrderStatusRefunding = 5
	OrderStatusRefunded  = 6
)

// Pay Type Constants
const (
	PayTypeBalance = 1
	PayTypeAlipay  = 2
	PayTypeWechat  = 3
)

// VoucherOrder 秒杀订单，同一 (user_id, voucher_id) 只允许一行
type VoucherOrder struct {
	ID         int64      `gorm:"primaryKey;column:id;autoIncrement:false" json:"id,string"`
	UserID     int64      `gorm:"column:user_id;not null;uniqueIndex:uk_user_voucher,priority:1" json:"userId"`
	VoucherID  int64      `gorm:"column:voucher_id;not null;uniqueIndex:uk_user_voucher,priority:2" json:"voucherId"`
	PayType    int32      `gorm:"column:pay_type;type:tinyint;not null;default:1" json:"payType"`
	Status     int32      `gorm:"column:status;type:tinyint;not null;default:1" json:"status"`
	CreateTime time.Time  `gorm:"column:create_time;autoCreateTime" json:"createTime"`
	PayTime    *time.Time `gorm:"column:pay_time" json:"payTime,omitempty"`
	UseTime    *time.Time `gorm:"column:use_time" json:"useTime,omitempty"`
	RefundTime *time.Time `gorm:"column:refund_time" json:"refundTime,omitempty"`
	UpdateTime time.Time  `gorm:"column:update_time;autoUpdateTime" json:"updateTime"`
}

func (VoucherOrder) TableName() string {
	return "tb_voucher_order"
}

// DeadMessage 死信落库，对应 MySQL dead_messages 表
type DeadMessage struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	MsgID          string    `gorm:"column:msg_id;type:varchar(64);not null;index:idx_msg_id"`
	OriginalStream string    `gorm:"column:original_stream;type:varchar(128);not null"`
	ConsumerGroup  string    `gorm:"column:consumer_group;type:varchar(128);not null"`
	Payload        string    `gorm:"column:payload;type:text"`
	ErrorReason    string    `gorm:"column:error_reason;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (DeadMessage) TableName() string {
	return "dead_messages"
}

// OrderSettledEvent 落库成功后发往下游的事件
type OrderSettledEvent struct {
	OrderID   string `json:"order_id"`
	UserID    int64  `json:"user_id"`
	VoucherID int64  `json:"voucher_id"`
	Status    string `json:"status"`
	SettledAt int64  `json:"settled_at"`
}

package model

import (
	"time"
)

// Voucher Type Constants
const (
	VoucherTypeNormal  = 0
	VoucherTypeSeckill = 1
)

// Voucher 优惠券基础信息
type Voucher struct {
	ID          int64     `gorm:"primaryKey;column:id;autoIncrement" json:"id"`
	ShopID      int64     `gorm:"column:shop_id;index" json:"shopId"`
	Title       string    `gorm:"column:title;type:varchar(255);not null" json:"title"`
	SubTitle    string    `gorm:"column:sub_title;type:varchar(255)" json:"subTitle"`
	Rules       string    `gorm:"column:rules;type:varchar(1024)" json:"rules"`
	PayValue    int64     `gorm:"column:pay_value;not null" json:"payValue"`
	ActualValue int64     `gorm:"column:actual_value;not null" json:"actualValue"`
	Type        int32     `gorm:"column:type;type:tinyint;not null" json:"type"`
	Status      int32     `gorm:"column:status;type:tinyint;not null;default:1" json:"status"`
	CreateTime  time.Time `gorm:"column:create_time;autoCreateTime" json:"createTime"`
	UpdateTime  time.Time `gorm:"column:update_time;autoUpdateTime" json:"updateTime"`
}

func (Voucher) TableName() string {
	return "tb_voucher"
}

// SeckillVoucher 秒杀库存和售卖窗口，与 Voucher 一对一
type SeckillVoucher struct {
	VoucherID  int64     `gorm:"primaryKey;column:voucher_id;autoIncrement:false" json:"voucherId"`
	Stock      int32     `gorm:"column:stock;not null" json:"stock"`
	BeginTime  time.Time `gorm:"column:begin_time;not null" json:"beginTime"`
	EndTime    time.Time `gorm:"column:end_time;not null;index" json:"endTime"`
	CreateTime time.Time `gorm:"column:create_time;autoCreateTime" json:"createTime"`
	UpdateTime time.Time `gorm:"column:update_time;autoUpdateTime" json:"updateTime"`
}

func (SeckillVoucher) TableName() string {
	return "tb_seckill_voucher"
}

// NotStarted / Ended 基于调用方给定的时间判断售卖窗口
func (v *SeckillVoucher) NotStarted(now time.Time) bool {
	return now.Before(v.BeginTime)
}

func (v *SeckillVoucher) Ended(now time.Time) bool {
	return now.After(v.EndTime)
}

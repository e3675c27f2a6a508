package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/biz"
	"payment-service/internal/data/model"
	paymentErrors "payment-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// paymentRecordRepo 支付记录数据访问
type paymentRecordRepo struct {
	data *Data
	log  *log.Helper
}

// NewPaymentRecordRepo 创建支付记录 repo（返回 biz.PaymentRecordRepo 接口）
func NewPaymentRecordRepo(data *Data, logger log.Logger) biz.PaymentRecordRepo {
	return &paymentRecordRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// Insert 写入待支付记录
func (r *paymentRecordRepo) Insert(ctx context.Context, record *biz.PaymentRecord) error {
	m := toPaymentRecordModel(record)
	if err := r.data.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return paymentErrors.ErrDuplicateOrder(record.OrderNo)
		}
		return err
	}
	record.ID = m.ID
	record.CreatedAt = m.CreatedAt
	record.UpdatedAt = m.UpdatedAt
	return nil
}

// FindByOrderAndUser 查询订单最新的一条支付记录
func (r *paymentRecordRepo) FindByOrderAndUser(ctx context.Context, orderNo string, userID int64) (*biz.PaymentRecord, error) {
	var m model.PaymentRecord
	if err := r.data.db.WithContext(ctx).
		Where("order_no = ? AND user_id = ?", orderNo, userID).
		Order("id DESC").
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toPaymentRecord(&m), nil
}

// FindByInternalTransactionNo 通过内部交易号查询
func (r *paymentRecordRepo) FindByInternalTransactionNo(ctx context.Context, internalTransactionNo string) (*biz.PaymentRecord, error) {
	var m model.PaymentRecord
	if err := r.data.db.WithContext(ctx).
		Where("internal_transaction_no = ?", internalTransactionNo).
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toPaymentRecord(&m), nil
}

// CompareAndSetStatus 乐观锁更新：WHERE id = ? AND version = ? AND pay_status = ?
func (r *paymentRecordRepo) CompareAndSetStatus(ctx context.Context, t *biz.StatusTransition) (int64, error) {
	updates := map[string]interface{}{
		"pay_status": string(t.To),
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
		"active_key": nil,
	}
	if t.To == biz.PayStatusPending {
		// 重置回 PENDING 时重新占用 active_key
		var current model.PaymentRecord
		if err := r.data.db.WithContext(ctx).Select("order_no", "user_id").
			Where("id = ?", t.ID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, nil
			}
			return 0, err
		}
		updates["active_key"] = activeKey(current.OrderNo, current.UserID)
	}
	if t.Reset {
		updates["transaction_no"] = ""
		updates["actual_pay_amount"] = decimal.Zero
		updates["complete_time"] = nil
		updates["failure_time"] = nil
		updates["failure_code"] = ""
		updates["failure_reason"] = ""
		updates["cancel_reason"] = ""
	}
	if t.ActualPayAmount != nil {
		updates["actual_pay_amount"] = *t.ActualPayAmount
	}
	if t.TransactionNo != "" {
		updates["transaction_no"] = t.TransactionNo
	}
	if t.CompleteTime != nil {
		updates["complete_time"] = *t.CompleteTime
	}
	if t.FailureTime != nil {
		updates["failure_time"] = *t.FailureTime
		updates["failure_code"] = t.FailureCode
		updates["failure_reason"] = t.FailureReason
	}
	if t.CancelReason != "" {
		updates["cancel_reason"] = t.CancelReason
	}
	if t.OperatorID != "" {
		updates["operator_id"] = t.OperatorID
	}
	if t.ExpireTime != nil {
		updates["expire_time"] = *t.ExpireTime
	}

	result := r.data.db.WithContext(ctx).Model(&model.PaymentRecord{}).
		Where("id = ? AND version = ? AND pay_status = ?", t.ID, t.ExpectedVersion, string(t.From)).
		Updates(updates)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return 0, paymentErrors.ErrDuplicateOrder(fmt.Sprintf("record %d", t.ID))
		}
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		r.log.Warnf("compare and set missed: id=%d, expected_version=%d, from=%s, to=%s", t.ID, t.ExpectedVersion, t.From, t.To)
	}
	return result.RowsAffected, nil
}

// UpdateNotifyState 更新通知状态，通知次数 +1
func (r *paymentRecordRepo) UpdateNotifyState(ctx context.Context, id uint64, notifyStatus string) error {
	return r.data.db.WithContext(ctx).Model(&model.PaymentRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"notify_status":    notifyStatus,
			"notify_count":     gorm.Expr("notify_count + 1"),
			"last_notify_time": time.Now(),
		}).Error
}

// ListExpiredPending 查询已过期仍待支付的记录
func (r *paymentRecordRepo) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*biz.PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []model.PaymentRecord
	if err := r.data.db.WithContext(ctx).
		Where("pay_status = ? AND expire_time < ?", model.PayStatusPending, now).
		Order("expire_time ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	records := make([]*biz.PaymentRecord, 0, len(models))
	for i := range models {
		records = append(records, toPaymentRecord(&models[i]))
	}
	return records, nil
}

func activeKey(orderNo string, userID int64) string {
	return fmt.Sprintf("%s:%d", orderNo, userID)
}

func toPaymentRecordModel(record *biz.PaymentRecord) *model.PaymentRecord {
	m := &model.PaymentRecord{
		ID:                    record.ID,
		OrderNo:               record.OrderNo,
		UserID:                record.UserID,
		UserName:              record.UserName,
		InternalTransactionNo: record.InternalTransactionNo,
		TransactionNo:         record.TransactionNo,
		PayType:               record.PayType,
		PayScene:              record.PayScene,
		ClientIP:              record.ClientIP,
		NotifyURL:             record.NotifyURL,
		PayAmount:             record.PayAmount,
		ActualPayAmount:       record.ActualPayAmount,
		DiscountAmount:        record.DiscountAmount,
		CurrencyCode:          record.CurrencyCode,
		PayStatus:             string(record.PayStatus),
		Version:               record.Version,
		PayTime:               record.PayTime,
		ExpireTime:            record.ExpireTime,
		CompleteTime:          record.CompleteTime,
		FailureTime:           record.FailureTime,
		FailureCode:           record.FailureCode,
		FailureReason:         record.FailureReason,
		CancelReason:          record.CancelReason,
		OperatorID:            record.OperatorID,
		NotifyStatus:          record.NotifyStatus,
		NotifyCount:           record.NotifyCount,
		MaxNotifyCount:        record.MaxNotifyCount,
		CreatedAt:             record.CreatedAt,
		UpdatedAt:             record.UpdatedAt,
	}
	if record.PayStatus == biz.PayStatusPending {
		key := activeKey(record.OrderNo, record.UserID)
		m.ActiveKey = &key
	}
	return m
}

func toPaymentRecord(m *model.PaymentRecord) *biz.PaymentRecord {
	return &biz.PaymentRecord{
		ID:                    m.ID,
		OrderNo:               m.OrderNo,
		UserID:                m.UserID,
		UserName:              m.UserName,
		InternalTransactionNo: m.InternalTransactionNo,
		TransactionNo:         m.TransactionNo,
		PayType:               m.PayType,
		PayScene:              m.PayScene,
		ClientIP:              m.ClientIP,
		NotifyURL:             m.NotifyURL,
		PayAmount:             m.PayAmount,
		ActualPayAmount:       m.ActualPayAmount,
		DiscountAmount:        m.DiscountAmount,
		CurrencyCode:          m.CurrencyCode,
		PayStatus:             biz.PayStatus(m.PayStatus),
		Version:               m.Version,
		PayTime:               m.PayTime,
		ExpireTime:            m.ExpireTime,
		CompleteTime:          m.CompleteTime,
		FailureTime:           m.FailureTime,
		FailureCode:           m.FailureCode,
		FailureReason:         m.FailureReason,
		CancelReason:          m.CancelReason,
		OperatorID:            m.OperatorID,
		NotifyStatus:          m.NotifyStatus,
		NotifyCount:           m.NotifyCount,
		MaxNotifyCount:        m.MaxNotifyCount,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

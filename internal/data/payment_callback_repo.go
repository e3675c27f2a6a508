package data

import (
	"context"

	"payment-service/internal/biz"
	"payment-service/internal/constants"
	"payment-service/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
)

// paymentCallbackRepo 回调台账数据访问
type paymentCallbackRepo struct {
	data *Data
	log  *log.Helper
}

// NewPaymentCallbackRepo 创建回调台账 repo（返回 biz.PaymentCallbackRepo 接口）
func NewPaymentCallbackRepo(data *Data, logger log.Logger) biz.PaymentCallbackRepo {
	return &paymentCallbackRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// Create 追加一条台账记录
func (r *paymentCallbackRepo) Create(ctx context.Context, callback *biz.PaymentCallback) error {
	m := model.PaymentCallback{
		PaymentRecordID:       callback.PaymentRecordID,
		OrderNo:               callback.OrderNo,
		UserID:                callback.UserID,
		InternalTransactionNo: callback.InternalTransactionNo,
		TransactionNo:         callback.TransactionNo,
		PayType:               callback.PayType,
		PayAmount:             callback.PayAmount,
		CallbackAmount:        callback.CallbackAmount,
		CallbackBody:          string(callback.CallbackBody),
		Signature:             callback.Signature,
		CallbackStatus:        callback.CallbackStatus,
		ResultMessage:         callback.ResultMessage,
		RetryCount:            callback.RetryCount,
		MaxRetryCount:         callback.MaxRetryCount,
		ProcessTimeMs:         callback.ProcessTimeMs,
	}
	if m.CallbackStatus == "" {
		m.CallbackStatus = constants.CallbackStatusPending
	}
	// 非法 JSON 报文只保留原文
	if gjson.ValidBytes(callback.CallbackBody) {
		m.Payload = datatypes.JSON(callback.CallbackBody)
	}
	if err := r.data.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	callback.ID = m.ID
	callback.CreatedAt = m.CreatedAt
	callback.UpdatedAt = m.UpdatedAt
	return nil
}

// MarkProcessed 更新处理结果（只更新仍处于 PENDING 的记录）
func (r *paymentCallbackRepo) MarkProcessed(ctx context.Context, callback *biz.PaymentCallback) error {
	return r.data.db.WithContext(ctx).Model(&model.PaymentCallback{}).
		Where("id = ? AND callback_status = ?", callback.ID, constants.CallbackStatusPending).
		Updates(map[string]interface{}{
			"callback_status": callback.CallbackStatus,
			"result_message":  callback.ResultMessage,
			"process_time_ms": callback.ProcessTimeMs,
			"callback_amount": callback.CallbackAmount,
		}).Error
}

// ListByPaymentRecordID 按投递顺序返回台账
func (r *paymentCallbackRepo) ListByPaymentRecordID(ctx context.Context, paymentRecordID uint64) ([]*biz.PaymentCallback, error) {
	var models []model.PaymentCallback
	if err := r.data.db.WithContext(ctx).
		Where("payment_record_id = ?", paymentRecordID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	callbacks := make([]*biz.PaymentCallback, 0, len(models))
	for _, m := range models {
		callbacks = append(callbacks, &biz.PaymentCallback{
			ID:                    m.ID,
			PaymentRecordID:       m.PaymentRecordID,
			OrderNo:               m.OrderNo,
			UserID:                m.UserID,
			InternalTransactionNo: m.InternalTransactionNo,
			TransactionNo:         m.TransactionNo,
			PayType:               m.PayType,
			PayAmount:             m.PayAmount,
			CallbackAmount:        m.CallbackAmount,
			CallbackBody:          []byte(m.CallbackBody),
			Signature:             m.Signature,
			CallbackStatus:        m.CallbackStatus,
			ResultMessage:         m.ResultMessage,
			RetryCount:            m.RetryCount,
			MaxRetryCount:         m.MaxRetryCount,
			ProcessTimeMs:         m.ProcessTimeMs,
			CreatedAt:             m.CreatedAt,
			UpdatedAt:             m.UpdatedAt,
		})
	}
	return callbacks, nil
}

// CountByPaymentRecordID 统计某支付记录的回调次数
func (r *paymentCallbackRepo) CountByPaymentRecordID(ctx context.Context, paymentRecordID uint64) (int64, error) {
	var total int64
	if err := r.data.db.WithContext(ctx).Model(&model.PaymentCallback{}).
		Where("payment_record_id = ?", paymentRecordID).
		Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

package biz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"payment-service/internal/constants"
	paymentErrors "payment-service/internal/errors"
	"payment-service/internal/metrics"

	kratosErrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreatePaymentRequest 创建支付请求
type CreatePaymentRequest struct {
	OrderNo        string
	UserID         int64
	UserName       string
	Amount         decimal.Decimal
	DiscountAmount decimal.Decimal
	CurrencyCode   string
	PayType        string
	Scene          string
	ClientIP       string
	NotifyURL      string
}

// CallbackRequest 网关回调请求
type CallbackRequest struct {
	OrderNo               string
	TransactionNo         string // 网关交易号
	InternalTransactionNo string // 创建支付时返回的内部交易号
	UserID                int64
	RawBody               []byte
	Signature             string
}

// CallbackResult 回调处理结果
type CallbackResult struct {
	Accepted  bool      `json:"accepted"`
	Duplicate bool      `json:"duplicate"`
	PayStatus PayStatus `json:"pay_status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// PaymentTransactionUseCase 支付事务业务逻辑（状态机 + 幂等 + 乐观锁）
type PaymentTransactionUseCase struct {
	records   PaymentRecordRepo
	callbacks PaymentCallbackRepo
	cache     StatusCache
	idem      *IdempotencyCoordinator
	validator CallbackValidator
	publisher EventPublisher
	conf      *PaymentConfig
	log       *log.Helper
	metrics   *metrics.PaymentMetrics
	now       func() time.Time
}

// NewPaymentTransactionUseCase 创建支付事务 UseCase
func NewPaymentTransactionUseCase(
	records PaymentRecordRepo,
	callbacks PaymentCallbackRepo,
	cache StatusCache,
	idem *IdempotencyCoordinator,
	validator CallbackValidator,
	publisher EventPublisher,
	conf *PaymentConfig,
	logger log.Logger,
) *PaymentTransactionUseCase {
	return &PaymentTransactionUseCase{
		records:   records,
		callbacks: callbacks,
		cache:     cache,
		idem:      idem,
		validator: validator,
		publisher: publisher,
		conf:      conf,
		log:       log.NewHelper(logger),
		metrics:   metrics.GetMetrics(),
		now:       time.Now,
	}
}

// ========== 创建支付 ==========

// CreatePayment 创建支付意图；同一 (orderNo, userId) 待支付期间重复调用返回同一条记录
func (uc *PaymentTransactionUseCase) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentRecord, error) {
	if err := validateCreate(req, uc.conf.Channels); err != nil {
		return nil, err
	}

	key := paymentKey(req.OrderNo, req.UserID)
	create := func(ctx context.Context) (*PaymentRecord, error) {
		return uc.createPayment(ctx, req)
	}
	record, replayed, err := ExecuteIdempotent(ctx, uc.idem, key, create)
	if err != nil {
		uc.metrics.PaymentCreateTotal.WithLabelValues(constants.ResultFailed).Inc()
		return nil, err
	}
	if !replayed {
		uc.metrics.PaymentCreateTotal.WithLabelValues(constants.ResultSuccess).Inc()
		return record, nil
	}

	// 完成标记只说明之前创建过，当前状态以存储为准
	current, err := uc.records.FindByInternalTransactionNo(ctx, record.InternalTransactionNo)
	if err != nil {
		return nil, storeError(err)
	}
	switch {
	case current != nil && current.PayStatus == PayStatusPending && !uc.isExpired(current):
		uc.metrics.PaymentCreateTotal.WithLabelValues(constants.ResultReplayed).Inc()
		return current, nil
	case current != nil && current.PayStatus == PayStatusSuccess:
		uc.metrics.PaymentCreateTotal.WithLabelValues(constants.ResultFailed).Inc()
		return nil, paymentErrors.ErrOrderAlreadyPaid(req.OrderNo)
	}

	// 之前的记录已终结（取消/失败/过期/退款），允许重新发起
	uc.log.Infof("stale create marker, re-executing: key=%s, internal_transaction_no=%s", key, record.InternalTransactionNo)
	if err := uc.idem.Forget(ctx, key); err != nil {
		return nil, err
	}
	record, _, err = ExecuteIdempotent(ctx, uc.idem, key, create)
	if err != nil {
		uc.metrics.PaymentCreateTotal.WithLabelValues(constants.ResultFailed).Inc()
		return nil, err
	}
	uc.metrics.PaymentCreateTotal.WithLabelValues(constants.ResultSuccess).Inc()
	return record, nil
}

func (uc *PaymentTransactionUseCase) createPayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentRecord, error) {
	existing, err := uc.records.FindByOrderAndUser(ctx, req.OrderNo, req.UserID)
	if err != nil {
		return nil, storeError(err)
	}
	if existing != nil {
		switch existing.PayStatus {
		case PayStatusPending:
			if !uc.isExpired(existing) {
				return existing, nil
			}
			if _, err := uc.expire(ctx, existing); err != nil {
				return nil, err
			}
		case PayStatusSuccess:
			return nil, paymentErrors.ErrOrderAlreadyPaid(req.OrderNo)
		}
	}

	now := uc.now()
	currency := req.CurrencyCode
	if currency == "" {
		currency = constants.DefaultCurrencyCode
	}
	record := &PaymentRecord{
		OrderNo:               req.OrderNo,
		UserID:                req.UserID,
		UserName:              req.UserName,
		InternalTransactionNo: newInternalTransactionNo(now),
		PayType:               req.PayType,
		PayScene:              req.Scene,
		ClientIP:              req.ClientIP,
		NotifyURL:             req.NotifyURL,
		PayAmount:             req.Amount,
		ActualPayAmount:       decimal.Zero,
		DiscountAmount:        req.DiscountAmount,
		CurrencyCode:          currency,
		PayStatus:             PayStatusPending,
		Version:               0,
		PayTime:               &now,
		ExpireTime:            now.Add(uc.conf.ExpireDuration),
		NotifyStatus:          constants.NotifyStatusPending,
		MaxNotifyCount:        uc.conf.MaxNotifyCount,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := uc.records.Insert(ctx, record); err != nil {
		uc.log.Errorf("insert payment record failed: order_no=%s, user_id=%d, error=%v", req.OrderNo, req.UserID, err)
		return nil, storeError(err)
	}
	uc.log.Infof("payment created: order_no=%s, user_id=%d, internal_transaction_no=%s, amount=%s",
		record.OrderNo, record.UserID, record.InternalTransactionNo, record.PayAmount.String())

	uc.cacheView(uc.newStatusView(record))
	return record, nil
}

// ========== 回调处理 ==========

// HandleCallback 处理网关异步回调
// 每次投递都会留下一条台账记录；校验失败返回 Accepted=false 而不是错误。
func (uc *PaymentTransactionUseCase) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	if err := validateCallback(req); err != nil {
		return nil, err
	}
	start := uc.now()
	key := callbackKey(req.OrderNo, req.TransactionNo)

	result, replayed, err := ExecuteIdempotent(ctx, uc.idem, key, func(ctx context.Context) (*CallbackResult, error) {
		return uc.handleCallback(ctx, req, start)
	})
	if err != nil {
		if paymentErrors.IsCallbackValidationFailed(err) {
			return &CallbackResult{Accepted: false, Message: kratosErrors.FromError(err).Message}, nil
		}
		if paymentErrors.IsOperationPending(err) {
			uc.metrics.CallbackTotal.WithLabelValues("unknown", constants.ResultRejected).Inc()
			if ledgerErr := uc.appendLedger(ctx, uc.lookupQuietly(ctx, req.InternalTransactionNo), req,
				constants.CallbackStatusFailed, "operation pending", start); ledgerErr != nil {
				uc.log.Errorf("append callback ledger failed: key=%s, error=%v", key, ledgerErr)
			}
		}
		return nil, err
	}
	if !replayed {
		return result, nil
	}

	// 重复投递：不再执行状态机，但仍然留下台账
	record := uc.lookupQuietly(ctx, req.InternalTransactionNo)
	uc.metrics.CallbackTotal.WithLabelValues(channelOf(record), constants.ResultReplayed).Inc()
	if err := uc.appendLedger(ctx, record, req, constants.CallbackStatusSuccess, "duplicate delivery, already processed", start); err != nil {
		return nil, storeError(err)
	}
	duplicate := *result
	duplicate.Duplicate = true
	return &duplicate, nil
}

func (uc *PaymentTransactionUseCase) handleCallback(ctx context.Context, req *CallbackRequest, start time.Time) (*CallbackResult, error) {
	// 1. 只通过内部交易号定位记录
	record, err := uc.records.FindByInternalTransactionNo(ctx, req.InternalTransactionNo)
	if err != nil {
		return nil, storeError(err)
	}
	if record == nil {
		uc.log.Warnf("callback for unknown payment: order_no=%s, internal_transaction_no=%s", req.OrderNo, req.InternalTransactionNo)
		uc.metrics.CallbackTotal.WithLabelValues("unknown", constants.ResultRejected).Inc()
		if err := uc.appendLedger(ctx, nil, req, constants.CallbackStatusFailed, "payment not found", start); err != nil {
			return nil, storeError(err)
		}
		return nil, paymentErrors.ErrPaymentNotFound(req.InternalTransactionNo)
	}
	channel := record.PayType

	// 2. 交叉校验订单与用户
	if record.OrderNo != req.OrderNo || record.UserID != req.UserID {
		uc.log.Warnf("callback does not match payment: internal_transaction_no=%s, order_no=%s/%s, user_id=%d/%d",
			record.InternalTransactionNo, record.OrderNo, req.OrderNo, record.UserID, req.UserID)
		uc.metrics.CallbackTotal.WithLabelValues(channel, constants.ResultRejected).Inc()
		if err := uc.appendLedger(ctx, record, req, constants.CallbackStatusFailed, "order/user mismatch", start); err != nil {
			return nil, storeError(err)
		}
		return nil, paymentErrors.ErrInvalidArgument("callback order/user does not match payment")
	}

	// 3. 已成功：直接返回成功
	if record.PayStatus == PayStatusSuccess {
		uc.metrics.CallbackTotal.WithLabelValues(channel, constants.ResultReplayed).Inc()
		if err := uc.appendLedger(ctx, record, req, constants.CallbackStatusSuccess, "payment already succeeded", start); err != nil {
			return nil, storeError(err)
		}
		return &CallbackResult{Accepted: true, Duplicate: true, PayStatus: PayStatusSuccess}, nil
	}

	// 4. 其他终态不能被迟到的回调复活
	if record.PayStatus != PayStatusPending {
		uc.metrics.CallbackTotal.WithLabelValues(channel, constants.ResultRejected).Inc()
		if err := uc.appendLedger(ctx, record, req, constants.CallbackStatusFailed, "payment is "+string(record.PayStatus), start); err != nil {
			return nil, storeError(err)
		}
		return nil, paymentErrors.ErrPaymentStateInvalid(record.InternalTransactionNo, string(record.PayStatus))
	}
	if uc.isExpired(record) {
		if _, err := uc.expire(ctx, record); err != nil {
			uc.log.Warnf("lazy expiry failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
		}
		uc.metrics.CallbackTotal.WithLabelValues(channel, constants.ResultRejected).Inc()
		if err := uc.appendLedger(ctx, record, req, constants.CallbackStatusFailed, "payment expired", start); err != nil {
			return nil, storeError(err)
		}
		return nil, paymentErrors.ErrPaymentExpired(record.InternalTransactionNo)
	}

	// 5. 台账记录本次回调
	entry, err := uc.newLedgerEntry(ctx, record, req)
	if err != nil {
		return nil, storeError(err)
	}
	if err := uc.callbacks.Create(ctx, entry); err != nil {
		uc.log.Errorf("create callback ledger failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
		return nil, storeError(err)
	}

	// 6. 渠道校验
	outcome, err := uc.validator.Validate(channel, req.RawBody, req.Signature)
	if outcome != nil {
		entry.CallbackAmount = outcome.Amount
	}
	if err == nil && outcome.Success && outcome.Amount.GreaterThan(record.PayAmount) {
		err = paymentErrors.ErrCallbackValidationFailed("callback amount exceeds pay amount")
	}
	if err != nil {
		uc.log.Warnf("callback validation failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
		uc.metrics.CallbackTotal.WithLabelValues(channel, constants.ResultRejected).Inc()
		uc.finishLedger(ctx, entry, constants.CallbackStatusFailed, kratosErrors.FromError(err).Message, start)
		return nil, err
	}

	// 7. 按结果迁移状态
	now := uc.now()
	transition := &StatusTransition{TransactionNo: req.TransactionNo}
	if outcome.Success {
		amount := outcome.Amount
		transition.To = PayStatusSuccess
		transition.ActualPayAmount = &amount
		transition.CompleteTime = &now
	} else {
		transition.To = PayStatusFailed
		transition.FailureTime = &now
		transition.FailureCode = outcome.FailureCode
		transition.FailureReason = outcome.FailureReason
	}
	updated, err := uc.transition(ctx, record, transition)
	if err != nil {
		label := constants.ResultFailed
		if paymentErrors.IsConcurrentUpdate(err) {
			label = constants.ResultConflict
		}
		uc.metrics.CallbackTotal.WithLabelValues(channel, label).Inc()
		uc.finishLedger(ctx, entry, constants.CallbackStatusFailed, kratosErrors.FromError(err).Message, start)
		return nil, err
	}

	// 8. 台账标记已处理（与支付成败无关）
	uc.finishLedger(ctx, entry, constants.CallbackStatusSuccess, "processed: "+string(updated.PayStatus), start)
	uc.metrics.CallbackTotal.WithLabelValues(channel, constants.ResultSuccess).Inc()
	uc.metrics.CallbackDuration.WithLabelValues(channel).Observe(uc.now().Sub(start).Seconds())
	uc.log.Infof("callback processed: internal_transaction_no=%s, transaction_no=%s, status=%s, version=%d",
		updated.InternalTransactionNo, req.TransactionNo, updated.PayStatus, updated.Version)
	return &CallbackResult{Accepted: true, PayStatus: updated.PayStatus}, nil
}

// ========== 状态查询 ==========

// GetStatus 查询支付状态（缓存旁路）
func (uc *PaymentTransactionUseCase) GetStatus(ctx context.Context, orderNo string, userID int64) (*StatusView, error) {
	if orderNo == "" || userID <= 0 {
		return nil, paymentErrors.ErrInvalidArgument("order_no and user_id are required")
	}

	view, err := uc.cache.Get(ctx, orderNo, userID)
	if err != nil {
		uc.log.Warnf("status cache get failed: order_no=%s, user_id=%d, error=%v", orderNo, userID, err)
	} else if view != nil && !(view.PayStatus == PayStatusPending && uc.now().After(view.ExpireTime)) {
		return view, nil
	}

	record, err := uc.records.FindByOrderAndUser(ctx, orderNo, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if record == nil {
		return nil, paymentErrors.ErrPaymentNotFound(orderNo)
	}
	if uc.isExpired(record) {
		updated, err := uc.expire(ctx, record)
		switch {
		case err == nil:
			record = updated
		case paymentErrors.IsConcurrentUpdate(err):
			// 并发写入赢了，以最新状态为准
			latest, err := uc.records.FindByInternalTransactionNo(ctx, record.InternalTransactionNo)
			if err != nil {
				return nil, storeError(err)
			}
			if latest != nil {
				record = latest
			}
		default:
			uc.log.Warnf("lazy expiry failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
		}
	}

	view = uc.newStatusView(record)
	uc.cacheView(view)
	return view, nil
}

// ========== 取消 / 退款 ==========

// CancelPayment 取消待支付记录；已取消时幂等返回
func (uc *PaymentTransactionUseCase) CancelPayment(ctx context.Context, orderNo string, userID int64, reason, operatorID string) error {
	if orderNo == "" || userID <= 0 {
		return paymentErrors.ErrInvalidArgument("order_no and user_id are required")
	}
	record, err := uc.records.FindByOrderAndUser(ctx, orderNo, userID)
	if err != nil {
		return storeError(err)
	}
	if record == nil {
		return paymentErrors.ErrPaymentNotFound(orderNo)
	}

	key := fmt.Sprintf("%s:%s", constants.IdempotencyKeyCancel, record.InternalTransactionNo)
	_, _, err = ExecuteIdempotent(ctx, uc.idem, key, func(ctx context.Context) (*PaymentRecord, error) {
		current, err := uc.records.FindByInternalTransactionNo(ctx, record.InternalTransactionNo)
		if err != nil {
			return nil, storeError(err)
		}
		if current == nil {
			return nil, paymentErrors.ErrPaymentNotFound(record.InternalTransactionNo)
		}
		switch current.PayStatus {
		case PayStatusCancelled:
			return current, nil
		case PayStatusSuccess:
			return nil, paymentErrors.ErrOrderAlreadyPaid(orderNo)
		case PayStatusPending:
			if uc.isExpired(current) {
				return uc.expire(ctx, current)
			}
			return uc.transition(ctx, current, &StatusTransition{
				To:           PayStatusCancelled,
				CancelReason: reason,
				OperatorID:   operatorID,
			})
		default:
			return nil, paymentErrors.ErrPaymentStateInvalid(current.InternalTransactionNo, string(current.PayStatus))
		}
	})
	if err != nil {
		return err
	}
	uc.log.Infof("payment cancelled: order_no=%s, user_id=%d, operator=%s, reason=%s", orderNo, userID, operatorID, reason)
	return nil
}

// RefundPayment SUCCESS -> REFUNDED（仅状态，不涉及资金流水）
func (uc *PaymentTransactionUseCase) RefundPayment(ctx context.Context, orderNo string, userID int64, reason, operatorID string) (*PaymentRecord, error) {
	if orderNo == "" || userID <= 0 {
		return nil, paymentErrors.ErrInvalidArgument("order_no and user_id are required")
	}
	record, err := uc.records.FindByOrderAndUser(ctx, orderNo, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if record == nil {
		return nil, paymentErrors.ErrPaymentNotFound(orderNo)
	}

	key := fmt.Sprintf("%s:%s", constants.IdempotencyKeyRefund, record.InternalTransactionNo)
	refunded, _, err := ExecuteIdempotent(ctx, uc.idem, key, func(ctx context.Context) (*PaymentRecord, error) {
		current, err := uc.records.FindByInternalTransactionNo(ctx, record.InternalTransactionNo)
		if err != nil {
			return nil, storeError(err)
		}
		if current == nil {
			return nil, paymentErrors.ErrPaymentNotFound(record.InternalTransactionNo)
		}
		if current.PayStatus == PayStatusRefunded {
			return current, nil
		}
		return uc.transition(ctx, current, &StatusTransition{
			To:           PayStatusRefunded,
			CancelReason: reason,
			OperatorID:   operatorID,
		})
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

// ========== 运维只读接口 ==========

// ListCallbacks 查询最新一条支付记录的回调台账
func (uc *PaymentTransactionUseCase) ListCallbacks(ctx context.Context, orderNo string, userID int64) ([]*PaymentCallback, error) {
	record, err := uc.findRequired(ctx, orderNo, userID)
	if err != nil {
		return nil, err
	}
	callbacks, err := uc.callbacks.ListByPaymentRecordID(ctx, record.ID)
	if err != nil {
		return nil, storeError(err)
	}
	return callbacks, nil
}

// GetNotifyInfo 查询通知计数
func (uc *PaymentTransactionUseCase) GetNotifyInfo(ctx context.Context, orderNo string, userID int64) (*NotifyInfo, error) {
	record, err := uc.findRequired(ctx, orderNo, userID)
	if err != nil {
		return nil, err
	}
	return &NotifyInfo{
		InternalTransactionNo: record.InternalTransactionNo,
		NotifyStatus:          record.NotifyStatus,
		NotifyCount:           record.NotifyCount,
		MaxNotifyCount:        record.MaxNotifyCount,
	}, nil
}

// CacheStats 状态缓存命中统计
func (uc *PaymentTransactionUseCase) CacheStats() CacheStats {
	return uc.cache.Stats()
}

// ========== 维护任务 ==========

// ExpirePending 批量取消已过期的待支付记录，返回成功取消的条数
func (uc *PaymentTransactionUseCase) ExpirePending(ctx context.Context, limit int) (int, error) {
	records, err := uc.records.ListExpiredPending(ctx, uc.now(), limit)
	if err != nil {
		return 0, storeError(err)
	}
	expired := 0
	for _, record := range records {
		if _, err := uc.expire(ctx, record); err != nil {
			// 并发回调已经迁移了状态，跳过
			if paymentErrors.IsConcurrentUpdate(err) {
				continue
			}
			uc.log.Errorf("expire payment failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// ResetStatus 测试辅助：把记录重置为 PENDING 并清除相关完成标记，生产环境禁用
func (uc *PaymentTransactionUseCase) ResetStatus(ctx context.Context, orderNo string, userID int64) (*PaymentRecord, error) {
	if !uc.conf.AllowReset {
		return nil, paymentErrors.ErrResetNotAllowed()
	}
	record, err := uc.findRequired(ctx, orderNo, userID)
	if err != nil {
		return nil, err
	}

	expireTime := uc.now().Add(uc.conf.ExpireDuration)
	updated, err := uc.cas(ctx, record, &StatusTransition{
		To:         PayStatusPending,
		ExpireTime: &expireTime,
		Reset:      true,
	})
	if err != nil {
		return nil, err
	}

	keys := []string{
		paymentKey(orderNo, userID),
		fmt.Sprintf("%s:%s", constants.IdempotencyKeyCancel, record.InternalTransactionNo),
		fmt.Sprintf("%s:%s", constants.IdempotencyKeyRefund, record.InternalTransactionNo),
	}
	if record.TransactionNo != "" {
		keys = append(keys, callbackKey(orderNo, record.TransactionNo))
	}
	for _, key := range keys {
		if err := uc.idem.Forget(ctx, key); err != nil {
			return nil, err
		}
	}
	uc.log.Warnf("payment status reset: order_no=%s, user_id=%d, internal_transaction_no=%s", orderNo, userID, record.InternalTransactionNo)
	return updated, nil
}

// ========== 状态写入 ==========

// transition 校验状态机后执行 CAS
func (uc *PaymentTransactionUseCase) transition(ctx context.Context, record *PaymentRecord, t *StatusTransition) (*PaymentRecord, error) {
	if !record.PayStatus.CanTransitionTo(t.To) {
		return nil, paymentErrors.ErrPaymentStateInvalid(record.InternalTransactionNo, string(record.PayStatus))
	}
	return uc.cas(ctx, record, t)
}

// cas 所有状态写入的唯一出口；版本不匹配时不重试
func (uc *PaymentTransactionUseCase) cas(ctx context.Context, record *PaymentRecord, t *StatusTransition) (*PaymentRecord, error) {
	t.ID = record.ID
	t.ExpectedVersion = record.Version
	t.From = record.PayStatus

	rows, err := uc.records.CompareAndSetStatus(ctx, t)
	if err != nil {
		uc.log.Errorf("compare and set status failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
		return nil, storeError(err)
	}
	if rows == 0 {
		uc.metrics.PaymentCASConflict.Inc()
		uc.log.Warnf("optimistic lock lost: internal_transaction_no=%s, version=%d, %s -> %s",
			record.InternalTransactionNo, record.Version, t.From, t.To)
		return nil, paymentErrors.ErrConcurrentUpdate(record.InternalTransactionNo)
	}

	updated := record.applyTransition(t, uc.now())
	uc.metrics.PaymentTransitionTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	uc.refreshCache(updated)
	uc.notify(ctx, updated, t.From)
	return updated, nil
}

// expire 按策略把过期的待支付记录取消
func (uc *PaymentTransactionUseCase) expire(ctx context.Context, record *PaymentRecord) (*PaymentRecord, error) {
	updated, err := uc.transition(ctx, record, &StatusTransition{
		To:           PayStatusCancelled,
		CancelReason: constants.CancelReasonExpired,
		OperatorID:   constants.OperatorSystem,
	})
	if err != nil {
		return nil, err
	}
	uc.metrics.PaymentExpiredTotal.Inc()
	uc.log.Infof("payment expired: internal_transaction_no=%s, expire_time=%s", record.InternalTransactionNo, record.ExpireTime.Format(time.RFC3339))
	return updated, nil
}

func (uc *PaymentTransactionUseCase) isExpired(record *PaymentRecord) bool {
	return record.PayStatus == PayStatusPending && !record.ExpireTime.IsZero() && uc.now().After(record.ExpireTime)
}

// ========== 通知 ==========

// notify 发布状态变更事件并记录通知结果，失败不影响状态迁移
func (uc *PaymentTransactionUseCase) notify(ctx context.Context, record *PaymentRecord, from PayStatus) {
	if uc.publisher == nil || !uc.publisher.Enabled() {
		return
	}
	if record.NotifyCount >= record.MaxNotifyCount && record.MaxNotifyCount > 0 {
		return
	}
	event := &PaymentEvent{
		InternalTransactionNo: record.InternalTransactionNo,
		OrderNo:               record.OrderNo,
		UserID:                record.UserID,
		FromStatus:            from,
		PayStatus:             record.PayStatus,
		Version:               record.Version,
		ActualPayAmount:       record.ActualPayAmount,
		NotifyURL:             record.NotifyURL,
		OccurredAt:            uc.now(),
	}
	notifyStatus := constants.NotifyStatusSuccess
	if err := uc.publisher.PublishStatusChanged(ctx, event); err != nil {
		uc.log.Warnf("publish status changed failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
		notifyStatus = constants.NotifyStatusFailed
	}
	uc.metrics.NotifyTotal.WithLabelValues(strings.ToLower(notifyStatus)).Inc()
	if err := uc.records.UpdateNotifyState(ctx, record.ID, notifyStatus); err != nil {
		uc.log.Warnf("update notify state failed: internal_transaction_no=%s, error=%v", record.InternalTransactionNo, err)
		return
	}
	record.NotifyStatus = notifyStatus
	record.NotifyCount++
}

// ========== 台账 ==========

func (uc *PaymentTransactionUseCase) newLedgerEntry(ctx context.Context, record *PaymentRecord, req *CallbackRequest) (*PaymentCallback, error) {
	entry := &PaymentCallback{
		OrderNo:               req.OrderNo,
		UserID:                req.UserID,
		InternalTransactionNo: req.InternalTransactionNo,
		TransactionNo:         req.TransactionNo,
		CallbackBody:          req.RawBody,
		Signature:             req.Signature,
		CallbackStatus:        constants.CallbackStatusPending,
		MaxRetryCount:         constants.DefaultMaxRetryCount,
		CallbackAmount:        decimal.Zero,
	}
	if record != nil {
		entry.PaymentRecordID = record.ID
		entry.PayType = record.PayType
		entry.PayAmount = record.PayAmount
		count, err := uc.callbacks.CountByPaymentRecordID(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		entry.RetryCount = int32(count)
	}
	return entry, nil
}

// appendLedger 写入一条已完结的台账（短路路径使用）
func (uc *PaymentTransactionUseCase) appendLedger(ctx context.Context, record *PaymentRecord, req *CallbackRequest, status, message string, start time.Time) error {
	entry, err := uc.newLedgerEntry(ctx, record, req)
	if err != nil {
		return err
	}
	entry.CallbackStatus = status
	entry.ResultMessage = message
	entry.ProcessTimeMs = uc.now().Sub(start).Milliseconds()
	return uc.callbacks.Create(ctx, entry)
}

// finishLedger 回调处理结束时更新台账；失败只记录日志，台账行已存在
func (uc *PaymentTransactionUseCase) finishLedger(ctx context.Context, entry *PaymentCallback, status, message string, start time.Time) {
	entry.CallbackStatus = status
	entry.ResultMessage = message
	entry.ProcessTimeMs = uc.now().Sub(start).Milliseconds()
	if err := uc.callbacks.MarkProcessed(ctx, entry); err != nil {
		uc.log.Errorf("mark callback processed failed: callback_id=%d, status=%s, error=%v", entry.ID, status, err)
	}
}

// ========== 缓存 ==========

func (uc *PaymentTransactionUseCase) newStatusView(record *PaymentRecord) *StatusView {
	view := &StatusView{
		RecordID:              record.ID,
		OrderNo:               record.OrderNo,
		UserID:                record.UserID,
		InternalTransactionNo: record.InternalTransactionNo,
		TransactionNo:         record.TransactionNo,
		PayType:               record.PayType,
		PayStatus:             record.PayStatus,
		PayAmount:             record.PayAmount,
		ActualPayAmount:       record.ActualPayAmount,
		CurrencyCode:          record.CurrencyCode,
		Version:               record.Version,
		ExpireTime:            record.ExpireTime,
		CompleteTime:          record.CompleteTime,
		FailureCode:           record.FailureCode,
		FailureReason:         record.FailureReason,
	}
	// 读边界上的惰性过期：过期的待支付一律视为已取消
	if uc.isExpired(record) {
		view.PayStatus = PayStatusCancelled
		view.Expired = true
	}
	if record.PayStatus == PayStatusCancelled && record.CancelReason == constants.CancelReasonExpired {
		view.Expired = true
	}
	return view
}

// cacheView 写入状态视图；缓存中已有更新的版本时由缓存层忽略本次写入
func (uc *PaymentTransactionUseCase) cacheView(view *StatusView) error {
	// 使用独立的 context，请求取消不能让缓存停留在旧状态
	cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cacheCancel()
	if err := uc.cache.Set(cacheCtx, view); err != nil {
		// 缓存更新失败不影响主流程，只记录日志
		uc.log.Warnf("failed to update status cache: order_no=%s, user_id=%d, error=%v", view.OrderNo, view.UserID, err)
		return err
	}
	return nil
}

// refreshCache 状态迁移提交后写入新版本视图，写入失败时退化为删除
func (uc *PaymentTransactionUseCase) refreshCache(record *PaymentRecord) {
	if err := uc.cacheView(uc.newStatusView(record)); err == nil {
		return
	}
	cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cacheCancel()
	if err := uc.cache.Delete(cacheCtx, record.OrderNo, record.UserID); err != nil {
		uc.log.Warnf("failed to invalidate status cache: order_no=%s, user_id=%d, error=%v", record.OrderNo, record.UserID, err)
	}
}

// ========== 辅助函数 ==========

func (uc *PaymentTransactionUseCase) findRequired(ctx context.Context, orderNo string, userID int64) (*PaymentRecord, error) {
	if orderNo == "" || userID <= 0 {
		return nil, paymentErrors.ErrInvalidArgument("order_no and user_id are required")
	}
	record, err := uc.records.FindByOrderAndUser(ctx, orderNo, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if record == nil {
		return nil, paymentErrors.ErrPaymentNotFound(orderNo)
	}
	return record, nil
}

func (uc *PaymentTransactionUseCase) lookupQuietly(ctx context.Context, internalTransactionNo string) *PaymentRecord {
	record, err := uc.records.FindByInternalTransactionNo(ctx, internalTransactionNo)
	if err != nil {
		uc.log.Warnf("lookup payment failed: internal_transaction_no=%s, error=%v", internalTransactionNo, err)
		return nil
	}
	return record
}

func validateCreate(req *CreatePaymentRequest, channels map[string]*ChannelConfig) error {
	switch {
	case req == nil:
		return paymentErrors.ErrInvalidArgument("request is required")
	case strings.TrimSpace(req.OrderNo) == "":
		return paymentErrors.ErrInvalidArgument("order_no is required")
	case req.UserID <= 0:
		return paymentErrors.ErrInvalidArgument("user_id is required")
	case !req.Amount.IsPositive():
		return paymentErrors.ErrInvalidArgument("amount must be greater than 0")
	case strings.TrimSpace(req.PayType) == "":
		return paymentErrors.ErrInvalidArgument("pay_type is required")
	case req.DiscountAmount.IsNegative() || req.DiscountAmount.GreaterThan(req.Amount):
		return paymentErrors.ErrInvalidArgument("discount_amount out of range")
	}
	// 没有回调配置的渠道永远无法确认
	if _, ok := channels[req.PayType]; !ok {
		return paymentErrors.ErrInvalidArgument("unsupported pay_type: " + req.PayType)
	}
	return nil
}

func validateCallback(req *CallbackRequest) error {
	switch {
	case req == nil:
		return paymentErrors.ErrInvalidArgument("request is required")
	case req.OrderNo == "":
		return paymentErrors.ErrInvalidArgument("order_no is required")
	case req.TransactionNo == "":
		return paymentErrors.ErrInvalidArgument("transaction_no is required")
	case req.InternalTransactionNo == "":
		return paymentErrors.ErrInvalidArgument("internal_transaction_no is required")
	case req.UserID <= 0:
		return paymentErrors.ErrInvalidArgument("user_id is required")
	}
	return nil
}

// storeError 已分类的错误原样返回，其余视为存储层故障
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if kratosErrors.Reason(err) != "" {
		return err
	}
	return paymentErrors.ErrStoreUnavailable(err)
}

func paymentKey(orderNo string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d", constants.IdempotencyKeyPayment, orderNo, userID)
}

func callbackKey(orderNo, transactionNo string) string {
	return fmt.Sprintf("%s:%s:%s", constants.IdempotencyKeyCallback, orderNo, transactionNo)
}

func channelOf(record *PaymentRecord) string {
	if record == nil {
		return "unknown"
	}
	return record.PayType
}

// newInternalTransactionNo PT + 时间戳 + 随机串，全局唯一
func newInternalTransactionNo(now time.Time) string {
	return constants.InternalTransactionNoPrefix + now.Format("20060102150405") +
		strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

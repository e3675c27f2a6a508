package errors

import (
	"strconv"

	kratosErrors "github.com/go-kratos/kratos/v2/errors"
)

// Payment Service 错误码定义
// 错误码格式：SSMMEE (6位数字)
//   SS: 服务标识，Payment 固定为 20
//   MM: 模块标识，按业务划分
//   EE: 模块内错误序号
//
// 模块划分：
//   00: 通用模块
//   01: 支付记录模块
//   02: 回调模块
//   03: 幂等模块

// 通用模块错误码 (200000-200099)
const (
	// ErrCodeInvalidArgument 参数错误
	ErrCodeInvalidArgument = 200001
	// ErrCodeStoreUnavailable 存储不可用
	ErrCodeStoreUnavailable = 200002
	// ErrCodeResetNotAllowed 不允许重置
	ErrCodeResetNotAllowed = 200003
)

// 支付记录模块错误码 (200100-200199)
const (
	// ErrCodeDuplicateOrder 存在未完结的支付记录
	ErrCodeDuplicateOrder = 200101
	// ErrCodeOrderAlreadyPaid 订单已支付
	ErrCodeOrderAlreadyPaid = 200102
	// ErrCodePaymentNotFound 支付记录不存在
	ErrCodePaymentNotFound = 200103
	// ErrCodeConcurrentUpdate 乐观锁冲突
	ErrCodeConcurrentUpdate = 200104
	// ErrCodePaymentStateInvalid 支付状态不允许该操作
	ErrCodePaymentStateInvalid = 200105
	// ErrCodePaymentExpired 支付已过期
	ErrCodePaymentExpired = 200106
)

// 回调模块错误码 (200200-200299)
const (
	// ErrCodeCallbackValidationFailed 回调校验失败
	ErrCodeCallbackValidationFailed = 200201
)

// 幂等模块错误码 (200300-200399)
const (
	// ErrCodeOperationPending 同一幂等键的操作正在执行
	ErrCodeOperationPending = 200301
)

// 错误原因（稳定的错误类型标识）
const (
	ReasonInvalidArgument          = "INVALID_ARGUMENT"
	ReasonStoreUnavailable         = "STORE_UNAVAILABLE"
	ReasonResetNotAllowed          = "RESET_NOT_ALLOWED"
	ReasonDuplicateOrder           = "DUPLICATE_ORDER"
	ReasonOrderAlreadyPaid         = "ORDER_ALREADY_PAID"
	ReasonPaymentNotFound          = "PAYMENT_NOT_FOUND"
	ReasonConcurrentUpdate         = "CONCURRENT_UPDATE"
	ReasonPaymentStateInvalid      = "PAYMENT_STATE_INVALID"
	ReasonPaymentExpired           = "PAYMENT_EXPIRED"
	ReasonCallbackValidationFailed = "CALLBACK_VALIDATION_FAILED"
	ReasonOperationPending         = "OPERATION_PENDING"
)

func newError(httpCode int, bizCode int, reason, message string) *kratosErrors.Error {
	return kratosErrors.New(httpCode, reason, message).
		WithMetadata(map[string]string{"code": strconv.Itoa(bizCode)})
}

// ErrInvalidArgument 参数错误，调用方不应自动重试
func ErrInvalidArgument(message string) *kratosErrors.Error {
	return newError(400, ErrCodeInvalidArgument, ReasonInvalidArgument, message)
}

// ErrStoreUnavailable 存储层错误
func ErrStoreUnavailable(cause error) *kratosErrors.Error {
	return newError(503, ErrCodeStoreUnavailable, ReasonStoreUnavailable, "payment store unavailable").WithCause(cause)
}

// ErrResetNotAllowed 当前环境不允许重置
func ErrResetNotAllowed() *kratosErrors.Error {
	return newError(403, ErrCodeResetNotAllowed, ReasonResetNotAllowed, "reset status is disabled")
}

// ErrDuplicateOrder 已存在未完结的支付记录
func ErrDuplicateOrder(orderNo string) *kratosErrors.Error {
	return newError(409, ErrCodeDuplicateOrder, ReasonDuplicateOrder, "active payment already exists for order "+orderNo)
}

// ErrOrderAlreadyPaid 订单已支付
func ErrOrderAlreadyPaid(orderNo string) *kratosErrors.Error {
	return newError(409, ErrCodeOrderAlreadyPaid, ReasonOrderAlreadyPaid, "order "+orderNo+" already paid")
}

// ErrPaymentNotFound 支付记录不存在
func ErrPaymentNotFound(ref string) *kratosErrors.Error {
	return newError(404, ErrCodePaymentNotFound, ReasonPaymentNotFound, "payment not found: "+ref)
}

// ErrConcurrentUpdate 乐观锁冲突，调用方需重新读取后再决定是否重试
func ErrConcurrentUpdate(internalTransactionNo string) *kratosErrors.Error {
	return newError(409, ErrCodeConcurrentUpdate, ReasonConcurrentUpdate, "payment "+internalTransactionNo+" was modified concurrently")
}

// ErrPaymentStateInvalid 当前状态不允许该操作
func ErrPaymentStateInvalid(internalTransactionNo, status string) *kratosErrors.Error {
	return newError(409, ErrCodePaymentStateInvalid, ReasonPaymentStateInvalid, "payment "+internalTransactionNo+" is "+status)
}

// ErrPaymentExpired 支付已过期
func ErrPaymentExpired(internalTransactionNo string) *kratosErrors.Error {
	return newError(410, ErrCodePaymentExpired, ReasonPaymentExpired, "payment "+internalTransactionNo+" expired")
}

// ErrCallbackValidationFailed 回调签名或字段校验失败
func ErrCallbackValidationFailed(message string) *kratosErrors.Error {
	return newError(400, ErrCodeCallbackValidationFailed, ReasonCallbackValidationFailed, message)
}

// ErrOperationPending 幂等锁被占用，调用方应退避后重试
func ErrOperationPending(key string) *kratosErrors.Error {
	return newError(429, ErrCodeOperationPending, ReasonOperationPending, "operation in flight: "+key)
}

// IsInvalidArgument 判断错误类型
func IsInvalidArgument(err error) bool { return kratosErrors.Reason(err) == ReasonInvalidArgument }

// IsStoreUnavailable 判断错误类型
func IsStoreUnavailable(err error) bool { return kratosErrors.Reason(err) == ReasonStoreUnavailable }

// IsDuplicateOrder 判断错误类型
func IsDuplicateOrder(err error) bool { return kratosErrors.Reason(err) == ReasonDuplicateOrder }

// IsOrderAlreadyPaid 判断错误类型
func IsOrderAlreadyPaid(err error) bool { return kratosErrors.Reason(err) == ReasonOrderAlreadyPaid }

// IsPaymentNotFound 判断错误类型
func IsPaymentNotFound(err error) bool { return kratosErrors.Reason(err) == ReasonPaymentNotFound }

// IsConcurrentUpdate 判断错误类型
func IsConcurrentUpdate(err error) bool { return kratosErrors.Reason(err) == ReasonConcurrentUpdate }

// IsPaymentStateInvalid 判断错误类型
func IsPaymentStateInvalid(err error) bool {
	return kratosErrors.Reason(err) == ReasonPaymentStateInvalid
}

// IsPaymentExpired 判断错误类型
func IsPaymentExpired(err error) bool { return kratosErrors.Reason(err) == ReasonPaymentExpired }

// IsCallbackValidationFailed 判断错误类型
func IsCallbackValidationFailed(err error) bool {
	return kratosErrors.Reason(err) == ReasonCallbackValidationFailed
}

// IsOperationPending 判断错误类型
func IsOperationPending(err error) bool { return kratosErrors.Reason(err) == ReasonOperationPending }

// IsResetNotAllowed 判断错误类型
func IsResetNotAllowed(err error) bool { return kratosErrors.Reason(err) == ReasonResetNotAllowed }

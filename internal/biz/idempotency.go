package biz

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"payment-service/internal/constants"
	paymentErrors "payment-service/internal/errors"
	"payment-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// IdempotencyCoordinator 幂等执行协调器
// 锁只覆盖 "检查标记 + 执行" 的短窗口；完成标记的有效期覆盖网关重试窗口。
type IdempotencyCoordinator struct {
	store      IdempotencyStore
	lockExpiry time.Duration
	lockTries  int
	markerTTL  time.Duration
	log        *log.Helper
	metrics    *metrics.PaymentMetrics
}

// NewIdempotencyCoordinator 创建幂等协调器
func NewIdempotencyCoordinator(store IdempotencyStore, conf *PaymentConfig, logger log.Logger) *IdempotencyCoordinator {
	return &IdempotencyCoordinator{
		store:      store,
		lockExpiry: conf.LockExpiry,
		lockTries:  conf.LockTries,
		markerTTL:  conf.MarkerTTL,
		log:        log.NewHelper(logger),
		metrics:    metrics.GetMetrics(),
	}
}

// Forget 清除完成标记，之后同一幂等键可以再次执行
func (c *IdempotencyCoordinator) Forget(ctx context.Context, key string) error {
	if err := c.store.DeleteMarker(ctx, key); err != nil {
		return paymentErrors.ErrStoreUnavailable(err)
	}
	return nil
}

// ExecuteIdempotent 在幂等键下至多执行一次 op
// 返回值 replayed 为 true 时 result 来自之前成功执行写下的完成标记。
// op 失败不会写标记，新的调用可以重新执行。
func ExecuteIdempotent[T any](ctx context.Context, c *IdempotencyCoordinator, key string, op func(ctx context.Context) (T, error)) (result T, replayed bool, err error) {
	lockStart := time.Now()
	release, err := c.store.AcquireLock(ctx, key, c.lockExpiry, c.lockTries)
	if c.metrics != nil {
		c.metrics.LockAcquireDuration.Observe(time.Since(lockStart).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.LockAcquireTotal.WithLabelValues(constants.ResultFailed).Inc()
		}
		if errors.Is(err, ErrLockHeld) {
			c.log.Warnf("idempotency lock held: key=%s", key)
			return result, false, paymentErrors.ErrOperationPending(key)
		}
		c.log.Errorf("acquire idempotency lock failed: key=%s, error=%v", key, err)
		return result, false, paymentErrors.ErrStoreUnavailable(err)
	}
	if c.metrics != nil {
		c.metrics.LockAcquireTotal.WithLabelValues(constants.ResultSuccess).Inc()
	}
	defer func() {
		// 使用独立的 context 释放锁，调用方取消也不能让锁滞留
		releaseCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			c.log.Warnf("failed to release idempotency lock: key=%s, error=%v", key, err)
		}
	}()

	marker, err := c.store.GetMarker(ctx, key)
	if err != nil {
		c.log.Errorf("read completion marker failed: key=%s, error=%v", key, err)
		return result, false, paymentErrors.ErrStoreUnavailable(err)
	}
	if marker != nil {
		if err := json.Unmarshal(marker, &result); err != nil {
			c.log.Errorf("corrupted completion marker: key=%s, error=%v", key, err)
			return result, false, paymentErrors.ErrStoreUnavailable(err)
		}
		if c.metrics != nil {
			c.metrics.IdempotentReplay.WithLabelValues(scopeOf(key)).Inc()
		}
		return result, true, nil
	}

	result, err = op(ctx)
	if err != nil {
		return result, false, err
	}

	payload, err := json.Marshal(result)
	if err == nil {
		err = c.store.SetMarker(ctx, key, payload, c.markerTTL)
	}
	if err != nil {
		// 副作用已经提交，标记缺失只会让重试再次经过状态机校验
		c.log.Errorf("write completion marker failed: key=%s, error=%v", key, err)
	}
	return result, false, nil
}

func scopeOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

package data

import (
	"context"
	"errors"
	"time"

	"payment-service/internal/biz"
	"payment-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
)

// idempotencyStore 幂等锁（redsync）+ 完成标记（Redis 字符串）
type idempotencyStore struct {
	data *Data
	sync *redsync.Redsync
	log  *log.Helper
}

// NewIdempotencyStore 创建幂等存储（返回 biz.IdempotencyStore 接口）
func NewIdempotencyStore(data *Data, sync *redsync.Redsync, logger log.Logger) biz.IdempotencyStore {
	return &idempotencyStore{
		data: data,
		sync: sync,
		log:  log.NewHelper(logger),
	}
}

// AcquireLock 获取幂等锁，锁被占用时返回 biz.ErrLockHeld
func (s *idempotencyStore) AcquireLock(ctx context.Context, key string, expiry time.Duration, tries int) (biz.LockRelease, error) {
	if tries <= 0 {
		tries = 1
	}
	lockKey := constants.RedisKeyIdempotencyLock + key
	mutex := s.sync.NewMutex(lockKey,
		redsync.WithExpiry(expiry),
		redsync.WithTries(tries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, biz.ErrLockHeld
		}
		// 其他错误：锁 key 仍存在说明被别人持有，否则视为 Redis 故障
		if n, existsErr := s.data.rdb.Exists(ctx, lockKey).Result(); existsErr == nil && n > 0 {
			return nil, biz.ErrLockHeld
		}
		s.log.Errorf("acquire lock failed: key=%s, error=%v", lockKey, err)
		return nil, err
	}

	return func(ctx context.Context) error {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			if err == nil {
				err = redsync.ErrLockAlreadyExpired
			}
			return err
		}
		return nil
	}, nil
}

// GetMarker 读取完成标记，不存在返回 nil
func (s *idempotencyStore) GetMarker(ctx context.Context, key string) ([]byte, error) {
	val, err := s.data.rdb.Get(ctx, constants.RedisKeyIdempotencyDone+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return val, nil
}

// SetMarker 写入完成标记
func (s *idempotencyStore) SetMarker(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.data.rdb.Set(ctx, constants.RedisKeyIdempotencyDone+key, value, ttl).Err()
}

// DeleteMarker 删除完成标记
func (s *idempotencyStore) DeleteMarker(ctx context.Context, key string) error {
	return s.data.rdb.Del(ctx, constants.RedisKeyIdempotencyDone+key).Err()
}

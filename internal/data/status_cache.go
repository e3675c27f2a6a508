package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"payment-service/internal/biz"
	"payment-service/internal/constants"
	"payment-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
)

// statusCache 支付状态缓存（Redis），仅作为读加速，不是权威数据源
type statusCache struct {
	data    *Data
	ttl     time.Duration
	log     *log.Helper
	metrics *metrics.PaymentMetrics

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewStatusCache 创建状态缓存（返回 biz.StatusCache 接口）
func NewStatusCache(data *Data, conf *biz.PaymentConfig, logger log.Logger) biz.StatusCache {
	return &statusCache{
		data:    data,
		ttl:     conf.StatusCacheTTL,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// setIfNewerScript 缓存中已有更新的视图时放弃写入
// KEYS[1] 缓存 key；ARGV: record_id, version, view, ttl(ms)
var setIfNewerScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'record_id', 'version')
local rid = tonumber(ARGV[1])
local ver = tonumber(ARGV[2])
local curRid = tonumber(cur[1])
local curVer = tonumber(cur[2])
if curRid and curVer then
	if curRid > rid or (curRid == rid and curVer > ver) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'record_id', ARGV[1], 'version', ARGV[2], 'view', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

func statusKey(orderNo string, userID int64) string {
	return fmt.Sprintf("%s%s:%d", constants.RedisKeyPaymentStatus, orderNo, userID)
}

// Get 读取缓存，未命中返回 nil
func (c *statusCache) Get(ctx context.Context, orderNo string, userID int64) (*biz.StatusView, error) {
	val, err := c.data.rdb.HGet(ctx, statusKey(orderNo, userID), "view").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.record(&c.misses, "miss")
			return nil, nil
		}
		c.record(&c.errors, "error")
		return nil, err
	}

	var view biz.StatusView
	if err := json.Unmarshal(val, &view); err != nil {
		// 缓存内容损坏按未命中处理
		c.log.Warnf("corrupted status cache: order_no=%s, user_id=%d, error=%v", orderNo, userID, err)
		c.record(&c.misses, "miss")
		return nil, nil
	}
	c.record(&c.hits, "hit")
	return &view, nil
}

// Set 按 (record_id, version) 比较后写入，旧视图不会覆盖新视图
func (c *statusCache) Set(ctx context.Context, view *biz.StatusView) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return err
	}
	key := statusKey(view.OrderNo, view.UserID)
	written, err := setIfNewerScript.Run(ctx, c.data.rdb, []string{key},
		view.RecordID, view.Version, payload, c.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if written == 0 {
		c.log.Debugf("status cache holds a newer view: key=%s, record_id=%d, version=%d", key, view.RecordID, view.Version)
	}
	return nil
}

// Delete 状态变更后失效缓存
func (c *statusCache) Delete(ctx context.Context, orderNo string, userID int64) error {
	return c.data.rdb.Del(ctx, statusKey(orderNo, userID)).Err()
}

// Stats 进程内命中统计
func (c *statusCache) Stats() biz.CacheStats {
	return biz.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

func (c *statusCache) record(counter *atomic.Int64, result string) {
	counter.Add(1)
	if c.metrics != nil {
		c.metrics.StatusCacheTotal.WithLabelValues(result).Inc()
	}
}

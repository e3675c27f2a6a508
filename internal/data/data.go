package data

import (
	"fmt"
	"time"

	"payment-service/internal/conf"
	"payment-service/internal/data/model"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/google/wire"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewDB,
	NewRedis,
	NewRedsync,
	NewProducer,
	NewData,
	NewPaymentRecordRepo,
	NewPaymentCallbackRepo,
	NewStatusCache,
	NewIdempotencyStore,
	NewEventPublisher,
)

// Data 数据层结构体
type Data struct {
	db       *gorm.DB
	rdb      *redis.Client
	producer rocketmq.Producer // 未启用 RocketMQ 时为 nil
}

// NewDB 创建数据库连接
func NewDB(c *conf.Bootstrap) (*gorm.DB, error) {
	if c.Data == nil || c.Data.Database == nil {
		return nil, fmt.Errorf("database config is nil")
	}
	// TranslateError: 唯一索引冲突统一成 gorm.ErrDuplicatedKey
	db, err := gorm.Open(mysql.Open(c.Data.Database.Source), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	if c.Data.Database.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Migrate 同步表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.PaymentRecord{}, &model.PaymentCallback{})
}

// NewRedis 创建 Redis 连接
func NewRedis(c *conf.Bootstrap) (*redis.Client, error) {
	if c.Data == nil || c.Data.Redis == nil {
		return nil, fmt.Errorf("redis config is nil")
	}

	var readTimeout, writeTimeout time.Duration
	if c.Data.Redis.ReadTimeout != nil {
		readTimeout = c.Data.Redis.ReadTimeout.AsDuration()
	}
	if c.Data.Redis.WriteTimeout != nil {
		writeTimeout = c.Data.Redis.WriteTimeout.AsDuration()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Data.Redis.Addr,
		Password:     c.Data.Redis.Password,
		DB:           int(c.Data.Redis.Db),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// 测试连接
	if err := rdb.Ping(rdb.Context()).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}

// NewRedsync 基于同一个 Redis 创建分布式锁
func NewRedsync(rdb *redis.Client) *redsync.Redsync {
	return redsync.New(goredis.NewPool(rdb))
}

// NewProducer 创建 RocketMQ 生产者，未启用时返回 nil
func NewProducer(c *conf.Bootstrap, logger log.Logger) (rocketmq.Producer, error) {
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		log.NewHelper(logger).Info("rocketmq producer is disabled")
		return nil, nil
	}
	mq := c.Data.Rocketmq
	p, err := rocketmq.NewProducer(
		producer.WithNsResolver(primitive.NewPassthroughResolver(mq.NameServers)),
		producer.WithGroupName(mq.GroupName),
		producer.WithRetry(int(mq.RetryTimes)),
	)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewData 创建数据层实例
func NewData(logger log.Logger, db *gorm.DB, rdb *redis.Client, p rocketmq.Producer) (*Data, func(), error) {
	cleanup := func() {
		log.NewHelper(logger).Info("closing the data resources")
		if p != nil {
			if err := p.Shutdown(); err != nil {
				log.NewHelper(logger).Errorf("failed to shutdown rocketmq producer: %v", err)
			}
		}
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
		if err := rdb.Close(); err != nil {
			log.NewHelper(logger).Errorf("failed to close redis: %v", err)
		}
	}

	return &Data{
		db:       db,
		rdb:      rdb,
		producer: p,
	}, cleanup, nil
}

package conf

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bootstrap 配置根节点（对应 configs/config.yaml）
type Bootstrap struct {
	Server  *Server  `json:"server"`
	Data    *Data    `json:"data"`
	Payment *Payment `json:"payment"`
	Cron    *Cron    `json:"cron"`
	Log     *Log     `json:"log"`
}

// Server 传输层配置
type Server struct {
	Http *Server_HTTP `json:"http"`
}

// Server_HTTP HTTP 服务配置
type Server_HTTP struct {
	Network string    `json:"network"`
	Addr    string    `json:"addr"`
	Timeout *Duration `json:"timeout"`
}

// Data 数据层配置
type Data struct {
	Database *Data_Database `json:"database"`
	Redis    *Data_Redis    `json:"redis"`
	Rocketmq *Data_Rocketmq `json:"rocketmq"`
}

// Data_Database 数据库配置
type Data_Database struct {
	Driver      string `json:"driver"`
	Source      string `json:"source"`
	AutoMigrate bool   `json:"auto_migrate"`
}

// Data_Redis Redis 配置（锁、幂等标记、状态缓存共用）
type Data_Redis struct {
	Addr         string    `json:"addr"`
	Password     string    `json:"password"`
	Db           int32     `json:"db"`
	ReadTimeout  *Duration `json:"read_timeout"`
	WriteTimeout *Duration `json:"write_timeout"`
}

// Data_Rocketmq RocketMQ 配置
type Data_Rocketmq struct {
	Enabled       bool     `json:"enabled"`
	NameServers   []string `json:"name_servers"`
	GroupName     string   `json:"group_name"`
	Topic         string   `json:"topic"`          // 支付状态变更事件
	CallbackTopic string   `json:"callback_topic"` // 网关回调转发
	RetryTimes    int32    `json:"retry_times"`
}

// Payment 支付事务策略配置
type Payment struct {
	ExpireDuration *Duration                   `json:"expire_duration"`
	LockExpiry     *Duration                   `json:"lock_expiry"`
	LockTries      int32                       `json:"lock_tries"`
	MarkerTtl      *Duration                   `json:"marker_ttl"`
	StatusCacheTtl *Duration                   `json:"status_cache_ttl"`
	MaxNotifyCount int32                       `json:"max_notify_count"`
	AllowReset     bool                        `json:"allow_reset"`
	Channels       map[string]*Payment_Channel `json:"channels"`
}

// Payment_Channel 支付渠道回调解析配置
type Payment_Channel struct {
	Secret        string   `json:"secret"`
	StatusField   string   `json:"status_field"`
	AmountField   string   `json:"amount_field"`
	CodeField     string   `json:"code_field"`
	ReasonField   string   `json:"reason_field"`
	SuccessValues []string `json:"success_values"`
	FailureValues []string `json:"failure_values"`
}

// Cron 定时任务配置
type Cron struct {
	ExpireSweepSpec string `json:"expire_sweep_spec"`
	SweepBatchSize  int32  `json:"sweep_batch_size"`
}

// Log 日志配置
type Log struct {
	Level    string `json:"level"`
	Format   string `json:"format"`
	Output   string `json:"output"`
	FilePath string `json:"file_path"`
}

// Duration 支持 "5s"、"30m" 形式的时长配置
type Duration struct {
	time.Duration
}

// NewDuration 创建 Duration
func NewDuration(d time.Duration) *Duration {
	return &Duration{Duration: d}
}

// AsDuration 返回 time.Duration，nil 安全
func (d *Duration) AsDuration() time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}

// UnmarshalJSON 解析字符串时长或以秒为单位的数字
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}

// MarshalJSON 输出字符串时长
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

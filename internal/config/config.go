package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseDSN   string
	CORSOrigin    string
	FileServerURL string

	RoomTTLHours    int
	RoomMaxTTLHours int
	RoomMaxCapacity int

	RateLimitMessagesPerMinute int
	RateLimitRoomCreatePerHour int

	MaxMessageLength int
	MaxFileSizeMB    int
	HistoryLimit     int

	WSEventsPerSecond int
	WSEventBurst      int

	SessionInactiveMinutes int
	CleanupInterval        time.Duration
	TTLWarningInterval     time.Duration
	TTLWarningWindow       time.Duration
	DBTimeout              time.Duration
}

const defaultDSN = "host=localhost user=postgres password=postgres dbname=ghostrooms port=5432 sslmode=disable TimeZone=UTC"

var intDefaults = map[string]int{
	"ROOM_TTL_HOURS":                  24,
	"ROOM_MAX_TTL_HOURS":              168,
	"ROOM_MAX_CAPACITY":               50,
	"RATE_LIMIT_MESSAGES_PER_MINUTE":  10,
	"RATE_LIMIT_ROOM_CREATE_PER_HOUR": 20,
	"MAX_MESSAGE_LENGTH":              2000,
	"MAX_FILE_SIZE_MB":                10,
	"HISTORY_LIMIT":                   50,
	"WS_EVENTS_PER_SECOND":            20,
	"WS_EVENT_BURST":                  40,
	"SESSION_INACTIVE_MINUTES":        30,
}

var durationDefaults = map[string]time.Duration{
	"CLEANUP_INTERVAL":     10 * time.Minute,
	"TTL_WARNING_INTERVAL": time.Minute,
	"TTL_WARNING_WINDOW":   5 * time.Minute,
	"DB_TIMEOUT":           5 * time.Second,
}

// Load 按 默认值 → 配置文件（可选）→ 环境变量 的顺序加载配置。
// 非法或非正数的数值配置回退到默认值。
func Load(path string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DSN", defaultDSN)
	v.SetDefault("CORS_ORIGIN", "http://localhost:3000")
	v.SetDefault("FILE_SERVER_URL", "http://localhost:6969")
	for k, d := range intDefaults {
		v.SetDefault(k, d)
	}
	for k, d := range durationDefaults {
		v.SetDefault(k, d.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	getInt := func(key string) int {
		n := v.GetInt(key)
		if n <= 0 {
			return intDefaults[key]
		}
		return n
	}
	getDuration := func(key string) time.Duration {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil || d <= 0 {
			return durationDefaults[key]
		}
		return d
	}

	return Config{
		Port:                       v.GetString("APP_PORT"),
		Env:                        v.GetString("APP_ENV"),
		LogLevel:                   v.GetString("LOG_LEVEL"),
		DatabaseDSN:                v.GetString("DATABASE_DSN"),
		CORSOrigin:                 v.GetString("CORS_ORIGIN"),
		FileServerURL:              strings.TrimRight(v.GetString("FILE_SERVER_URL"), "/"),
		RoomTTLHours:               getInt("ROOM_TTL_HOURS"),
		RoomMaxTTLHours:            getInt("ROOM_MAX_TTL_HOURS"),
		RoomMaxCapacity:            getInt("ROOM_MAX_CAPACITY"),
		RateLimitMessagesPerMinute: getInt("RATE_LIMIT_MESSAGES_PER_MINUTE"),
		RateLimitRoomCreatePerHour: getInt("RATE_LIMIT_ROOM_CREATE_PER_HOUR"),
		MaxMessageLength:           getInt("MAX_MESSAGE_LENGTH"),
		MaxFileSizeMB:              getInt("MAX_FILE_SIZE_MB"),
		HistoryLimit:               getInt("HISTORY_LIMIT"),
		WSEventsPerSecond:          getInt("WS_EVENTS_PER_SECOND"),
		WSEventBurst:               getInt("WS_EVENT_BURST"),
		SessionInactiveMinutes:     getInt("SESSION_INACTIVE_MINUTES"),
		CleanupInterval:            getDuration("CLEANUP_INTERVAL"),
		TTLWarningInterval:         getDuration("TTL_WARNING_INTERVAL"),
		TTLWarningWindow:           getDuration("TTL_WARNING_WINDOW"),
		DBTimeout:                  getDuration("DB_TIMEOUT"),
	}, nil
}

// Validate 校验启动必需的配置项，生产环境额外拒绝通配的 CORS 来源。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.RoomMaxCapacity <= 0 {
		return errors.New("ROOM_MAX_CAPACITY must be positive")
	}
	if cfg.RoomTTLHours > cfg.RoomMaxTTLHours {
		return fmt.Errorf("ROOM_TTL_HOURS %d exceeds ROOM_MAX_TTL_HOURS %d", cfg.RoomTTLHours, cfg.RoomMaxTTLHours)
	}
	if cfg.Env == "prod" && strings.TrimSpace(cfg.CORSOrigin) == "*" {
		return errors.New("wildcard CORS_ORIGIN is not allowed in prod")
	}
	return nil
}

// MaxFileSizeBytes 返回附件大小上限（字节）。
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// SessionInactiveWindow 返回会话不活跃淘汰窗口。
func (c Config) SessionInactiveWindow() time.Duration {
	return time.Duration(c.SessionInactiveMinutes) * time.Minute
}

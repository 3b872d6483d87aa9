package db

import (
	"strings"
	"time"

	"ghostrooms/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Connect 负责建立数据库连接，并带有简单的重试来等待容器就绪。
// DSN 以 "sqlite:" 开头时使用 SQLite（开发与测试），否则连接 Postgres。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(dialector(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if isSQLite(dsn) {
					sqlDB.SetMaxOpenConns(1)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
					sqlDB.SetConnMaxLifetime(time.Hour)
				}
				return gdb, nil
			}
			err = err2
		}
		if isSQLite(dsn) {
			break
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

func isSQLite(dsn string) bool { return strings.HasPrefix(dsn, sqlitePrefix) }

func dialector(dsn string) gorm.Dialector {
	if isSQLite(dsn) {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return sqlite.Open(path + sep + "_foreign_keys=on")
	}
	return postgres.Open(dsn)
}

// Migrate 自动迁移房间、会话、消息与附件表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.Room{}, &models.Session{}, &models.Message{}, &models.Attachment{})
}

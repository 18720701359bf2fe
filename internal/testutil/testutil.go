// Package testutil provides in-memory backends for package tests: SQLite
// through gorm for the relational store and miniredis for Redis.
package testutil

import (
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
)

// NewDB opens a private in-memory SQLite database with every store table
// migrated. It is closed when the test ends.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// one connection keeps the shared in-memory database alive and
	// serialises writers the way a row lock would
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(pgrepo.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRedis starts miniredis and returns a client bound to it.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mini, client
}

// NewLogger returns a logger that discards output.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

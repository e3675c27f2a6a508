package data

import (
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testLogger = kratoslog.NewStdLogger(io.Discard)

// newTestData sqlite 内存库 + miniredis
func newTestData(t *testing.T) (*Data, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))

	t.Cleanup(func() {
		_ = rdb.Close()
		_ = sqlDB.Close()
	})
	return &Data{db: db, rdb: rdb}, mr
}

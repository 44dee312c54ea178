package db

import (
	"fmt"
	stdlog "log"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TypeSQLite = "sqlite"
	TypeMySQL  = "mysql"

	DefaultSQLiteDSN = "dispatch.db"
	DefaultMySQLDSN  = "root:@tcp(127.0.0.1:3306)/task_dispatch?charset=utf8mb4&parseTime=True&loc=UTC"
)

type Options struct {
	Type          string // "mysql" or "sqlite" (default)
	DSN           string
	SlowThreshold time.Duration
	LogLevel      logger.LogLevel
	Log           *zerolog.Logger // nil silences gorm
}

// NewGormDB opens the configured database. SQLite connections are pinned to
// a single connection with immediate transactions so concurrent requests queue
// on the pool instead of failing with SQLITE_BUSY.
func NewGormDB(opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Type) {
	case TypeMySQL:
		dsn := opts.DSN
		if dsn == "" {
			dsn = DefaultMySQLDSN
		}
		dialector = mysql.Open(dsn)
	case "", TypeSQLite:
		dialector = sqlite.Open(sqliteDSN(opts.DSN))
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.Type)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if opts.Log != nil {
		level := opts.LogLevel
		if level == 0 {
			level = logger.Warn
		}
		slow := opts.SlowThreshold
		if slow == 0 {
			slow = time.Second
		}
		gormLogger = logger.New(
			stdlog.New(opts.Log, "", 0),
			logger.Config{
				SlowThreshold:             slow,
				LogLevel:                  level,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, ok := dialector.(*sqlite.Dialector); ok {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gormDB, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = DefaultSQLiteDSN
	}
	if strings.Contains(dsn, "_txlock") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_txlock=immediate&_foreign_keys=1"
}

// AutoMigrate performs auto-migration for the given GORM models.
func AutoMigrate(gormDB *gorm.DB, models ...interface{}) error {
	if err := gormDB.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

func Close(gormDB *gorm.DB) error {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

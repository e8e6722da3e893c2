package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type Options struct {
	// PostgresDSN selects Postgres when set; otherwise SQLitePath is used.
	PostgresDSN string
	SQLitePath  string
	LogMode     string
}

type Service struct {
	db      *gorm.DB
	log     *logger.Logger
	dialect string
}

func Open(opts Options, logg *logger.Logger) (*Service, error) {
	serviceLog := logg.With("service", "DBService")

	level := gormLogger.Warn
	if strings.EqualFold(opts.LogMode, "test") {
		level = gormLogger.Silent
	}
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	}

	var (
		conn    *gorm.DB
		err     error
		dialect string
	)
	if dsn := strings.TrimSpace(opts.PostgresDSN); dsn != "" {
		dialect = "postgres"
		conn, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		path := strings.TrimSpace(opts.SQLitePath)
		if path == "" {
			path = "huddle.db"
		}
		dialect = "sqlite"
		conn, err = gorm.Open(sqlite.Open(path), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}
	serviceLog.Info("Database connected", "dialect", dialect)
	return &Service{db: conn, log: serviceLog, dialect: dialect}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Dialect() string { return s.dialect }

func (s *Service) AutoMigrate() error { return AutoMigrateAll(s.db) }

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

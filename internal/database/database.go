// Package database handles database connections and migrations.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/config"
	"courier/internal/middleware"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// The writer handles all mutations and gets the bigger pool; the optional
// reader serves replica-safe queries.
const (
	writerMaxOpenConns = 100
	readerMaxOpenConns = 50
	maxIdleConns       = 10
	connMaxLifetime    = 5 * time.Minute
)

// DB bundles the writer connection and an optional read-replica connection.
type DB struct {
	Write *gorm.DB
	Read  *gorm.DB
}

// Reader returns the replica connection when configured, else the writer.
func (d *DB) Reader() *gorm.DB {
	if d.Read != nil {
		return d.Read
	}
	return d.Write
}

// Close closes the underlying sql pools.
func (d *DB) Close() error {
	var firstErr error
	for _, g := range []*gorm.DB{d.Write, d.Read} {
		if g == nil {
			continue
		}
		if sqlDB, err := g.DB(); err == nil {
			if cerr := sqlDB.Close(); cerr != nil && firstErr == nil {
				firstErr = cerr
			}
		}
	}
	return firstErr
}

// CustomGormLogger integrates GORM with slog
type CustomGormLogger struct {
	logger *slog.Logger
	Config logger.Config
}

// LogMode sets the logging level and returns a new interface instance.
func (l *CustomGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newlogger := *l
	newlogger.Config.LogLevel = level
	return &newlogger
}

// Info logs an informational message with context.
func (l *CustomGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Warn logs a warning message with context.
func (l *CustomGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *CustomGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace logs trace-level information including SQL queries and execution time.
func (l *CustomGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.Config.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.Config.LogLevel >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		l.logger.ErrorContext(ctx, "GORM query error",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case elapsed > l.Config.SlowThreshold && l.Config.SlowThreshold != 0 && l.Config.LogLevel >= logger.Warn:
		l.logger.WarnContext(ctx, "GORM slow query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	case l.Config.LogLevel >= logger.Info:
		l.logger.InfoContext(ctx, "GORM query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

func gormLogger() logger.Interface {
	return &CustomGormLogger{
		logger: middleware.Logger,
		Config: logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	}
}

func dsn(host, port, user, password, name, sslMode string) string {
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, name, sslMode,
	)
}

// Connect opens the writer connection (and the reader when configured)
// and runs migrations in non-production environments.
func Connect(cfg *config.Config) (*DB, error) {
	writeDSN := dsn(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	write, err := gorm.Open(postgres.Open(writeDSN), &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{Write: write}

	if cfg.DBReadHost != "" {
		readDSN := dsn(cfg.DBReadHost, cfg.DBReadPort, cfg.DBReadUser, cfg.DBReadPassword, cfg.DBName, cfg.DBSSLMode)
		read, rerr := gorm.Open(postgres.Open(readDSN), &gorm.Config{Logger: gormLogger()})
		if rerr != nil {
			return nil, fmt.Errorf("failed to connect to read replica: %w", rerr)
		}
		db.Read = read
	}

	middleware.Logger.Info("Database connected successfully")

	isProduction := cfg.Env == "production" || cfg.Env == "prod"
	if !isProduction {
		// Keep AutoMigrate in non-production for developer/test ergonomics.
		if merr := Migrate(write); merr != nil {
			return nil, merr
		}
		middleware.Logger.Info("Database migration completed")
	}

	if sqlDB, derr := write.DB(); derr == nil {
		sqlDB.SetMaxOpenConns(writerMaxOpenConns)
		sqlDB.SetMaxIdleConns(maxIdleConns)
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
	}
	if db.Read != nil {
		if sqlDB, derr := db.Read.DB(); derr == nil {
			sqlDB.SetMaxOpenConns(readerMaxOpenConns)
			sqlDB.SetMaxIdleConns(maxIdleConns)
			sqlDB.SetConnMaxLifetime(connMaxLifetime)
		}
	}

	return db, nil
}

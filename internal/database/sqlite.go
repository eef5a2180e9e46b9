package database

import (
	"database/sql"
	"fmt"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/access"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/indexer"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/quota"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/storage"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/users"
	sqlite "github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "sqlite"), zap.String("path", path))
	}

	return db, nil
}

// OpenPostgres opens a lib/pq connection pool, hands it to gorm and performs schema migrations.
func OpenPostgres(dsn string, maxOpenConns int, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "postgres"), zap.Int("max_open_conns", maxOpenConns))
	}

	return db, nil
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&storage.CollabRecord{},
		&quota.UserPlan{},
		&indexer.PendingIndexRecord{},
		&access.WorkspaceMember{},
		&users.User{},
		&users.Identity{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

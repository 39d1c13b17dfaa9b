// Package usagedb is the relational store behind daily usage counters and
// issued API keys. It speaks sqlite for single-node installs and postgres
// for shared deployments.
package usagedb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// UsageCounter is one user's request count for one UTC day.
type UsageCounter struct {
	Day       string    `gorm:"primaryKey;type:varchar(10)"`  // UTC date, YYYY-MM-DD.
	UserID    string    `gorm:"primaryKey;type:varchar(191)"` // Identity issued by the session collaborator.
	Requests  int64     `gorm:"not null;default:0"`           // Admitted requests.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// Open connects to the configured database. sqlite DSNs that are plain paths
// get their parent directory created and a busy timeout applied.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DialectSQLite, "":
		if dsn == "" {
			return nil, errors.New("usagedb: sqlite dsn is required")
		}
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
				return nil, fmt.Errorf("usagedb: create db dir: %w", err)
			}
		}
		if !strings.Contains(dsn, "busy_timeout") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dsn)
	case DialectPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("usagedb: unsupported driver %q", driver)
	}
	conn, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("usagedb: open: %w", err)
	}
	if IsSQLite(conn) {
		// sqlite allows one writer; queue in the pool instead of failing busy.
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, fmt.Errorf("usagedb: pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return conn, nil
}

func IsSQLite(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == DialectSQLite
}

// Migrate creates the usage tables plus any extra models owned by other
// packages sharing the connection.
func Migrate(conn *gorm.DB, extra ...any) error {
	if conn == nil {
		return errors.New("usagedb: nil connection")
	}
	models := append([]any{&UsageCounter{}}, extra...)
	if err := conn.AutoMigrate(models...); err != nil {
		return fmt.Errorf("usagedb: migrate: %w", err)
	}
	return nil
}

func Close(conn *gorm.DB) error {
	if conn == nil {
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Store implements daily counters on top of UsageCounter rows.
type Store struct {
	db *gorm.DB
}

func NewStore(conn *gorm.DB) *Store {
	return &Store{db: conn}
}

func (s *Store) Current(ctx context.Context, day, userID string) (int64, error) {
	var row UsageCounter
	err := s.db.WithContext(ctx).Where("day = ? AND user_id = ?", day, userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usagedb: read counter: %w", err)
	}
	return row.Requests, nil
}

// IncrementIfBelow adds one to the counter unless it already reached limit.
// The guard lives in the UPDATE predicate so two writers can never both pass
// the boundary.
func (s *Store) IncrementIfBelow(ctx context.Context, day, userID string, limit int64) (int64, bool, error) {
	var (
		current int64
		allowed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := UsageCounter{Day: day, UserID: userID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		res := tx.Model(&UsageCounter{}).
			Where("day = ? AND user_id = ? AND requests < ?", day, userID, limit).
			Updates(map[string]any{
				"requests":   gorm.Expr("requests + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		allowed = res.RowsAffected == 1
		var row UsageCounter
		if err := tx.Where("day = ? AND user_id = ?", day, userID).Take(&row).Error; err != nil {
			return err
		}
		current = row.Requests
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("usagedb: increment counter: %w", err)
	}
	return current, allowed, nil
}

// PruneBefore deletes counters of days strictly older than day.
func (s *Store) PruneBefore(ctx context.Context, day string) error {
	if err := s.db.WithContext(ctx).Where("day < ?", day).Delete(&UsageCounter{}).Error; err != nil {
		return fmt.Errorf("usagedb: prune counters: %w", err)
	}
	return nil
}

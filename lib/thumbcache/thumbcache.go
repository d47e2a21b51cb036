// Package thumbcache keeps a ledger of captured thumbnails so repeated
// requests for the same memento and viewport can be answered from disk.
package thumbcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is one captured thumbnail.
type Entry struct {
	Key       string    `gorm:"column:cache_key;primaryKey"`
	URIM      string    `gorm:"column:urim;not null"`
	Path      string    `gorm:"column:path;not null"`
	Outcome   string    `gorm:"column:outcome"`
	Size      int64     `gorm:"column:size"`
	CreatedAt time.Time `gorm:"column:created_at;index;autoCreateTime:false"`
}

func (Entry) TableName() string { return "thumbnails" }

// Store is a SQLite backed ledger. Entries older than the expiration are
// treated as missing and removed by Prune.
type Store struct {
	db         *gorm.DB
	expiration time.Duration
	now        func() time.Time
}

// Open opens or creates the ledger at path. An expiration of zero keeps
// entries forever.
func Open(path string, expiration time.Duration) (*Store, error) {
	if path == "" {
		return nil, errors.New("thumbcache: empty database path")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("thumbcache: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one writer at a time; sqlite serialises anyway
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("thumbcache: migrate: %w", err)
	}
	return &Store{db: db, expiration: expiration, now: time.Now}, nil
}

// Get returns the entry for key. Expired entries are reported as missing.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if s.expired(e, s.now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put inserts or replaces the entry with the same key.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return errors.New("thumbcache: entry without key")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&e).Error
}

// Delete removes key from the ledger.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&Entry{}).Error
}

// Expired lists entries that expired at now, oldest first.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]Entry, error) {
	if s.expiration <= 0 {
		return nil, nil
	}
	var out []Entry
	err := s.db.WithContext(ctx).
		Where("created_at < ?", now.Add(-s.expiration).UTC()).
		Order("created_at").
		Find(&out).Error
	return out, err
}

// Prune deletes every entry that expired at now and reports how many went.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	if s.expiration <= 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("created_at < ?", now.Add(-s.expiration).UTC()).
		Delete(&Entry{})
	return res.RowsAffected, res.Error
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) expired(e Entry, now time.Time) bool {
	return s.expiration > 0 && now.Sub(e.CreatedAt) > s.expiration
}

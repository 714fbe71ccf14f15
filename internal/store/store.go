// Package store is the persistence gateway: typed operations over the
// credential, api-key, log, and settings tables. All reads and writes go
// through here; no other package touches gorm directly.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"all2api-go/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing gorm handle (tests use sqlite here).
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// HashKey computes the stored digest of a downstream API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ---- API keys ----

// CreateAPIKey inserts a key row. The caller supplies KeyHash/KeyPrefix;
// the plaintext never reaches the store.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.ApiKey) error {
	return s.db.WithContext(ctx).Create(key).Error
}

// FindAPIKey resolves an active API key by its full plaintext value.
func (s *Store) FindAPIKey(ctx context.Context, key string) (*models.ApiKey, error) {
	var row models.ApiKey
	err := s.db.WithContext(ctx).
		Where("key_hash = ? AND active = ?", HashKey(key), true).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// TouchAPIKey updates last-used without failing the request on error.
func (s *Store) TouchAPIKey(ctx context.Context, id uint) {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.ApiKey{}).
		Where("id = ?", id).
		Update("last_used_at", now).Error; err != nil {
		log.WithError(err).Warn("touch api key failed")
	}
}

// ---- Logs & accounting ----

// InsertLog writes one accounting row.
func (s *Store) InsertLog(ctx context.Context, row *models.ApiLog) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// CountRequestsSince counts a key's logged requests created at or after t.
// A zero t counts the lifetime total.
func (s *Store) CountRequestsSince(ctx context.Context, keyID uint, t time.Time) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&models.ApiLog{}).Where("api_key_id = ?", keyID)
	if !t.IsZero() {
		q = q.Where("created_at >= ?", t)
	}
	err := q.Count(&n).Error
	return n, err
}

// ModelTokens is a per-model token aggregate used for cost ceilings.
type ModelTokens struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// TokenTotalsSince aggregates a key's token usage per model since t, so the
// caller can apply the static price table. Zero t means lifetime.
func (s *Store) TokenTotalsSince(ctx context.Context, keyID uint, t time.Time) ([]ModelTokens, error) {
	var rows []ModelTokens
	q := s.db.WithContext(ctx).Model(&models.ApiLog{}).
		Select("model, SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens").
		Where("api_key_id = ?", keyID)
	if !t.IsZero() {
		q = q.Where("created_at >= ?", t)
	}
	err := q.Group("model").Scan(&rows).Error
	return rows, err
}

// DeleteLogsBefore prunes accounting rows older than the cutoff and
// returns how many were removed.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ApiLog{})
	return res.RowsAffected, res.Error
}

// ---- Settings ----

// GetSetting reads a site setting, empty string when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var row models.SiteSetting
	err := s.db.WithContext(ctx).Where("setting_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SetSetting upserts a site setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var row models.SiteSetting
	err := s.db.WithContext(ctx).Where("setting_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&models.SiteSetting{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	row.Value = value
	return s.db.WithContext(ctx).Save(&row).Error
}

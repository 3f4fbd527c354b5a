package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cogcore/orchestrator/types"
)

// profileRow is the persisted shape of one ProviderProfile rollup.
type profileRow struct {
	Provider       string `gorm:"primaryKey"`
	FeatureKey     string `gorm:"primaryKey"`
	Attempts       int64
	Successes      int64
	RollingSuccess float64
	RollingLatency float64
	RollingCost    float64
	QValue         float64
	UpdatedAt      time.Time
}

func (profileRow) TableName() string { return "provider_profiles" }

// metaRow holds small integer bookkeeping values, currently only the
// journal offset the last snapshot subsumes.
type metaRow struct {
	Key   string `gorm:"primaryKey"`
	Value int64
}

func (metaRow) TableName() string { return "ledger_meta" }

// stateDocRow holds small JSON state documents, used for the scheduler's
// snapshot-on-shutdown / restore-on-startup cycle.
type stateDocRow struct {
	Key string `gorm:"primaryKey"`
	Doc string
}

func (stateDocRow) TableName() string { return "state_docs" }

const journalOffsetKey = "journal_offset"

// Store is the durable side of C2: a pure-Go SQLite database behind gorm
// that snapshots the in-memory rollup table so ProviderProfiles survive a
// restart. The glebarez driver keeps the build cgo-free.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (creating if necessary) the SQLite file at dsn. Pass
// ":memory:" in tests.
func OpenStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger store pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // sqlite allows one writer; rollups are flushed serially anyway
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the tables if they don't already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&profileRow{}, &metaRow{}, &stateDocRow{}); err != nil {
		return fmt.Errorf("migrate ledger store: %w", err)
	}
	return nil
}

// SaveAll upserts every profile in one transaction. Called periodically by
// the background flusher, never on the hot Record path.
func (s *Store) SaveAll(ctx context.Context, profiles []types.ProviderProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	rows := make([]profileRow, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, profileRow{
			Provider:       p.Provider,
			FeatureKey:     p.FeatureKey,
			Attempts:       p.Attempts,
			Successes:      p.Successes,
			RollingSuccess: p.RollingSuccess,
			RollingLatency: p.RollingLatency,
			RollingCost:    p.RollingCost,
			QValue:         p.QValue,
			UpdatedAt:      p.UpdatedAt,
		})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("flush provider profiles: %w", err)
	}
	return nil
}

// LoadAll reads every persisted profile back, used once at startup.
func (s *Store) LoadAll(ctx context.Context) ([]types.ProviderProfile, error) {
	var rows []profileRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load ledger store: %w", err)
	}
	out := make([]types.ProviderProfile, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.ProviderProfile{
			Provider:       r.Provider,
			FeatureKey:     r.FeatureKey,
			Attempts:       r.Attempts,
			Successes:      r.Successes,
			RollingSuccess: r.RollingSuccess,
			RollingLatency: r.RollingLatency,
			RollingCost:    r.RollingCost,
			QValue:         r.QValue,
			UpdatedAt:      r.UpdatedAt,
		})
	}
	return out, nil
}

// SaveOffset tags the just-written snapshot with the journal offset it
// subsumes, so startup knows where journal replay must begin.
func (s *Store) SaveOffset(ctx context.Context, offset int64) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&metaRow{Key: journalOffsetKey, Value: offset}).Error
	if err != nil {
		return fmt.Errorf("save journal offset: %w", err)
	}
	return nil
}

// LoadOffset returns the journal offset the last snapshot subsumed, or 0
// when no snapshot has been taken yet.
func (s *Store) LoadOffset(ctx context.Context) (int64, error) {
	var row metaRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", journalOffsetKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load journal offset: %w", err)
	}
	return row.Value, nil
}

// SaveStateDoc upserts a small JSON state document by key.
func (s *Store) SaveStateDoc(ctx context.Context, key, doc string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&stateDocRow{Key: key, Doc: doc}).Error
	if err != nil {
		return fmt.Errorf("save state doc %s: %w", key, err)
	}
	return nil
}

// LoadStateDoc reads a state document back; ok=false when none exists.
func (s *Store) LoadStateDoc(ctx context.Context, key string) (string, bool, error) {
	var row stateDocRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load state doc %s: %w", key, err)
	}
	return row.Doc, true, nil
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/vidflow/router"
)

// healthRow holds the latest router health snapshot. Persistence is
// best-effort: correctness only needs convergence after a restart.
type healthRow struct {
	Key       string `gorm:"primaryKey;size:16"`
	Data      []byte
	UpdatedAt time.Time
}

func (healthRow) TableName() string { return "vf_health_snapshots" }

// HealthStore persists router health snapshots.
type HealthStore struct {
	pool *Pool
}

// NewHealthStore creates a health store and migrates its table.
func NewHealthStore(pool *Pool) (*HealthStore, error) {
	if err := pool.DB().AutoMigrate(&healthRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate health snapshots: %w", err)
	}
	return &HealthStore{pool: pool}, nil
}

// Save overwrites the current snapshot.
func (s *HealthStore) Save(snapshot map[string]router.HealthInfo) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.pool.DB().
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&healthRow{Key: "current", Data: data, UpdatedAt: time.Now().UTC()}).Error
}

// Load returns the last persisted snapshot, if any.
func (s *HealthStore) Load() (map[string]router.HealthInfo, bool, error) {
	var row healthRow
	err := s.pool.DB().Where("key = ?", "current").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap map[string]router.HealthInfo
	if err := json.Unmarshal(row.Data, &snap); err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

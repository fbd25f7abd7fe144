package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/vidflow/budget"
)

// budgetRow persists one UTC day's ledger as a JSON document keyed by date.
type budgetRow struct {
	Date      string `gorm:"primaryKey;size:10"`
	Data      []byte
	UpdatedAt time.Time
}

func (budgetRow) TableName() string { return "vf_budget_ledgers" }

// BudgetStore implements budget.Store on the shared database.
type BudgetStore struct {
	pool *Pool
}

// NewBudgetStore creates a budget store and migrates its table.
func NewBudgetStore(pool *Pool) (*BudgetStore, error) {
	if err := pool.DB().AutoMigrate(&budgetRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate budget ledgers: %w", err)
	}
	return &BudgetStore{pool: pool}, nil
}

// SaveLedger upserts the day's ledger.
func (s *BudgetStore) SaveLedger(snap budget.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.pool.DB().
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&budgetRow{Date: snap.Date, Data: data, UpdatedAt: time.Now().UTC()}).Error
}

// LoadLedger loads the ledger for a date, reporting whether it existed.
func (s *BudgetStore) LoadLedger(date string) (budget.Snapshot, bool, error) {
	var row budgetRow
	err := s.pool.DB().Where("date = ?", date).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return budget.Snapshot{}, false, nil
	}
	if err != nil {
		return budget.Snapshot{}, false, err
	}

	var snap budget.Snapshot
	if err := json.Unmarshal(row.Data, &snap); err != nil {
		return budget.Snapshot{}, false, err
	}
	return snap, true, nil
}

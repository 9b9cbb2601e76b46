// Package gtt implements durable good-till-triggered orders: a SQLite-backed
// store, a background price monitor, and an executor that routes triggered
// GTTs through the same kill-switch → risk-gate → broker pipeline as any
// manually placed order.
//
// The Store is the only writer of GTT rows. The Monitor reads snapshots;
// the Executor mutates exclusively through UpdateStatus, which rejects any
// transition outside the lifecycle graph:
//
//	ACTIVE    → TRIGGERED | CANCELLED | FAILED
//	TRIGGERED → COMPLETED | FAILED
//	FAILED    → ACTIVE            (manual retry only)
package gtt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"groww-trader/internal/broker"
	"groww-trader/pkg/types"
)

// gttRow is the persisted shape of a GTT order.
type gttRow struct {
	ID           int64   `gorm:"primaryKey;autoIncrement"`
	Symbol       string  `gorm:"index:idx_symbol_exchange"`
	Exchange     string  `gorm:"index:idx_symbol_exchange"`
	TriggerPrice float64 `gorm:"not null"`
	OrderType    string  `gorm:"not null"`
	Action       string  `gorm:"not null"`
	Quantity     int     `gorm:"not null"`
	LimitPrice   *float64
	Status       string    `gorm:"index:idx_status;default:ACTIVE"`
	CreatedAt    time.Time `gorm:"index:idx_created_at,sort:desc"`
	TriggeredAt  *time.Time
	CompletedAt  *time.Time
	OrderID      *string
	ErrorMessage *string
	TriggerLTP   *float64
	Notes        *string
}

func (gttRow) TableName() string { return "gtt_orders" }

// allowedTransitions is the lifecycle graph enforced at the store boundary.
var allowedTransitions = map[types.GTTStatus][]types.GTTStatus{
	types.GTTActive:    {types.GTTTriggered, types.GTTCancelled, types.GTTFailed},
	types.GTTTriggered: {types.GTTCompleted, types.GTTFailed},
	types.GTTFailed:    {types.GTTActive},
}

func transitionAllowed(from, to types.GTTStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store persists GTT orders in an embedded SQLite file. The schema is
// created idempotently at startup.
type Store struct {
	db *gorm.DB
}

// CreateParams are the caller-supplied fields of a new GTT.
type CreateParams struct {
	Symbol       string
	Exchange     types.Exchange
	TriggerPrice float64
	OrderType    types.OrderType // LIMIT or MARKET
	Action       types.Side
	Quantity     int
	LimitPrice   *float64 // required iff OrderType is LIMIT
	Notes        string
}

// UpdateFields are the optional columns set alongside a status transition.
type UpdateFields struct {
	OrderID      *string
	ErrorMessage *string
	TriggerLTP   *float64
}

// Statistics summarizes the table: per-status counts plus a trailing
// 24-hour activity slice.
type Statistics struct {
	Total            int64
	ByStatus         map[types.GTTStatus]int64
	CreatedLast24h   int64
	TriggeredLast24h int64
	SuccessRate      float64 // completed / (completed + failed)
}

// OpenStore opens (creating if needed) the SQLite file and migrates the
// schema.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create gtt db dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gtt db: %w", err)
	}
	if err := db.AutoMigrate(&gttRow{}); err != nil {
		return nil, fmt.Errorf("migrate gtt schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create validates the params, inserts an ACTIVE row, and returns the full
// record with its assigned id.
func (s *Store) Create(p CreateParams) (*types.GTT, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("create GTT: symbol must not be empty")
	}
	if p.TriggerPrice <= 0 {
		return nil, fmt.Errorf("create GTT: trigger price must be positive")
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("create GTT: quantity must be positive")
	}
	switch p.OrderType {
	case types.OrderTypeLimit:
		if p.LimitPrice == nil || *p.LimitPrice <= 0 {
			return nil, fmt.Errorf("create GTT: LIMIT orders require a positive limit price")
		}
	case types.OrderTypeMarket:
		if p.LimitPrice != nil {
			return nil, fmt.Errorf("create GTT: MARKET orders must not carry a limit price")
		}
	default:
		return nil, fmt.Errorf("create GTT: order type must be LIMIT or MARKET, got %q", p.OrderType)
	}
	if p.Action != types.BUY && p.Action != types.SELL {
		return nil, fmt.Errorf("create GTT: action must be BUY or SELL, got %q", p.Action)
	}

	row := gttRow{
		Symbol:       p.Symbol,
		Exchange:     string(p.Exchange),
		TriggerPrice: p.TriggerPrice,
		OrderType:    string(p.OrderType),
		Action:       string(p.Action),
		Quantity:     p.Quantity,
		LimitPrice:   p.LimitPrice,
		Status:       string(types.GTTActive),
		CreatedAt:    time.Now(),
	}
	if p.Notes != "" {
		notes := p.Notes
		row.Notes = &notes
	}
	if err := s.db.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create GTT: %w", err)
	}
	return rowToGTT(&row), nil
}

// Get fetches one GTT by id.
func (s *Store) Get(id int64) (*types.GTT, error) {
	var row gttRow
	err := s.db.First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &broker.GTTNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get GTT %d: %w", id, err)
	}
	return rowToGTT(&row), nil
}

// GetActive returns all ACTIVE GTTs oldest-first, so long-waiting triggers
// are evaluated before newer ones.
func (s *Store) GetActive() ([]types.GTT, error) {
	var rows []gttRow
	err := s.db.Where("status = ?", string(types.GTTActive)).
		Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get active GTTs: %w", err)
	}
	return rowsToGTTs(rows), nil
}

// GetBySymbol returns GTTs for a symbol, optionally narrowed by exchange
// and status, newest-first.
func (s *Store) GetBySymbol(symbol string, exchange *types.Exchange, status *types.GTTStatus) ([]types.GTT, error) {
	q := s.db.Where("symbol = ?", symbol)
	if exchange != nil {
		q = q.Where("exchange = ?", string(*exchange))
	}
	if status != nil {
		q = q.Where("status = ?", string(*status))
	}
	var rows []gttRow
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get GTTs for %s: %w", symbol, err)
	}
	return rowsToGTTs(rows), nil
}

// GetAll returns GTTs newest-first, optionally filtered by status and
// capped at limit (0 = no cap).
func (s *Store) GetAll(limit int, status *types.GTTStatus) ([]types.GTT, error) {
	q := s.db.Order("created_at DESC")
	if status != nil {
		q = q.Where("status = ?", string(*status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []gttRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get GTTs: %w", err)
	}
	return rowsToGTTs(rows), nil
}

// UpdateStatus transitions a GTT, stamping triggered_at on TRIGGERED and
// completed_at on any terminal state. Transitions outside the lifecycle
// graph are rejected. A FAILED → ACTIVE retry clears the error message.
func (s *Store) UpdateStatus(id int64, status types.GTTStatus, fields UpdateFields) (*types.GTT, error) {
	var updated *types.GTT
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row gttRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return &broker.GTTNotFoundError{ID: id}
			}
			return err
		}

		from := types.GTTStatus(row.Status)
		if !transitionAllowed(from, status) {
			return fmt.Errorf("GTT %d: transition %s → %s not allowed", id, from, status)
		}

		now := time.Now()
		row.Status = string(status)
		switch status {
		case types.GTTTriggered:
			row.TriggeredAt = &now
		case types.GTTCompleted, types.GTTFailed, types.GTTCancelled:
			row.CompletedAt = &now
		case types.GTTActive:
			// Manual retry: clear the failure artifacts.
			row.ErrorMessage = nil
			row.CompletedAt = nil
		}
		if fields.OrderID != nil {
			row.OrderID = fields.OrderID
		}
		if fields.ErrorMessage != nil {
			row.ErrorMessage = fields.ErrorMessage
		}
		if fields.TriggerLTP != nil {
			row.TriggerLTP = fields.TriggerLTP
		}

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		updated = rowToGTT(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Cancel transitions an ACTIVE GTT to CANCELLED; any other state is an
// error.
func (s *Store) Cancel(id int64) (*types.GTT, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Status != types.GTTActive {
		return nil, fmt.Errorf("GTT %d: cannot cancel from status %s", id, current.Status)
	}
	return s.UpdateStatus(id, types.GTTCancelled, UpdateFields{})
}

// Delete removes a row permanently. Intended for tests and maintenance.
func (s *Store) Delete(id int64) error {
	result := s.db.Delete(&gttRow{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete GTT %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return &broker.GTTNotFoundError{ID: id}
	}
	return nil
}

// Stats summarizes the table.
func (s *Store) Stats() (*Statistics, error) {
	stats := &Statistics{ByStatus: make(map[types.GTTStatus]int64)}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	if err := s.db.Model(&gttRow{}).
		Select("status, count(*) as count").Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("gtt stats: %w", err)
	}
	for _, c := range counts {
		stats.ByStatus[types.GTTStatus(c.Status)] = c.Count
		stats.Total += c.Count
	}

	dayAgo := time.Now().Add(-24 * time.Hour)
	s.db.Model(&gttRow{}).Where("created_at >= ?", dayAgo).Count(&stats.CreatedLast24h)
	s.db.Model(&gttRow{}).Where("triggered_at >= ?", dayAgo).Count(&stats.TriggeredLast24h)

	completed := stats.ByStatus[types.GTTCompleted]
	failed := stats.ByStatus[types.GTTFailed]
	if completed+failed > 0 {
		stats.SuccessRate = float64(completed) / float64(completed+failed)
	}
	return stats, nil
}

func rowToGTT(row *gttRow) *types.GTT {
	return &types.GTT{
		ID:           row.ID,
		Symbol:       row.Symbol,
		Exchange:     types.Exchange(row.Exchange),
		TriggerPrice: row.TriggerPrice,
		OrderType:    types.OrderType(row.OrderType),
		Action:       types.Side(row.Action),
		Quantity:     row.Quantity,
		LimitPrice:   row.LimitPrice,
		Status:       types.GTTStatus(row.Status),
		CreatedAt:    row.CreatedAt,
		TriggeredAt:  row.TriggeredAt,
		CompletedAt:  row.CompletedAt,
		OrderID:      row.OrderID,
		ErrorMessage: row.ErrorMessage,
		TriggerLTP:   row.TriggerLTP,
		Notes:        row.Notes,
	}
}

func rowsToGTTs(rows []gttRow) []types.GTT {
	out := make([]types.GTT, len(rows))
	for i := range rows {
		out[i] = *rowToGTT(&rows[i])
	}
	return out
}

// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/pipeflow/types"
)

// Record is the persisted row shape. The unique (workflow_id, version) index
// is the backstop guaranteeing gapless, strictly increasing histories even if
// two drivers race past the transactional latest-version check.
type Record struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID string `gorm:"size:64;index:idx_workflow_version,unique;not null"`
	Version    int    `gorm:"index:idx_workflow_version,unique;not null"`
	Status     string `gorm:"size:32;not null"`
	NodeID     string `gorm:"size:128;not null"`
	State      []byte `gorm:"type:blob;not null"`
	CreatedAt  time.Time
}

// TableName sets the table name.
func (Record) TableName() string {
	return "pipeflow_checkpoints"
}

// DatabaseConfig SQL 存储配置
type DatabaseConfig struct {
	// Driver: sqlite | postgres | mysql
	Driver string `yaml:"driver" json:"driver"`
	// DSN 连接串；sqlite 下为文件路径（或 :memory:）
	DSN string `yaml:"dsn" json:"dsn"`
}

// GormStore is a SQL-backed implementation of Store.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens a database per config and returns a migrated GormStore.
func Open(cfg DatabaseConfig, logger *zap.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "pipeflow.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return NewGormStore(db, logger)
}

// NewGormStore wraps an existing gorm.DB and runs migration.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "checkpoint_store")),
	}, nil
}

// Save implements Store. The latest-version check and insert run in one
// transaction; a duplicate-key error from the unique index is translated to
// VERSION_CONFLICT.
func (s *GormStore) Save(ctx context.Context, state *types.WorkflowState, expectedVersion int) (int, error) {
	version := expectedVersion + 1
	snapshot := state.Clone()
	snapshot.Version = version

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		row := tx.Model(&Record{}).
			Where("workflow_id = ?", state.WorkflowID).
			Select("COALESCE(MAX(version), 0)").
			Row()
		if scanErr := row.Scan(&latest); scanErr != nil {
			return fmt.Errorf("read latest version: %w", scanErr)
		}
		if latest != expectedVersion {
			return errVersionConflict(state.WorkflowID, expectedVersion, latest)
		}
		return tx.Create(&Record{
			WorkflowID: state.WorkflowID,
			Version:    version,
			Status:     string(snapshot.Status),
			NodeID:     snapshot.CurrentNodeID,
			State:      payload,
			CreatedAt:  time.Now().UTC(),
		}).Error
	})
	if err != nil {
		if types.IsErrorCode(err, types.ErrVersionConflict) {
			return 0, err
		}
		if isDuplicateKey(err) {
			return 0, errVersionConflict(state.WorkflowID, expectedVersion, -1)
		}
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	return version, nil
}

// Latest implements Store.
func (s *GormStore) Latest(ctx context.Context, workflowID string) (*types.Checkpoint, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound(workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return recordToCheckpoint(&rec)
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, workflowID string, version int) (*types.Checkpoint, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND version = ?", workflowID, version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound(workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint v%d: %w", version, err)
	}
	return recordToCheckpoint(&rec)
}

// History implements Store with keyset pagination on version.
func (s *GormStore) History(ctx context.Context, workflowID string) Iterator {
	return &gormIterator{store: s, workflowID: workflowID, batchSize: 64}
}

type gormIterator struct {
	store      *GormStore
	workflowID string
	batchSize  int
	cursor     int // last version returned
	buf        []*types.Checkpoint
}

func (it *gormIterator) Next(ctx context.Context) (*types.Checkpoint, bool, error) {
	if len(it.buf) == 0 {
		var recs []Record
		err := it.store.db.WithContext(ctx).
			Where("workflow_id = ? AND version > ?", it.workflowID, it.cursor).
			Order("version ASC").
			Limit(it.batchSize).
			Find(&recs).Error
		if err != nil {
			return nil, false, fmt.Errorf("load checkpoint history: %w", err)
		}
		if len(recs) == 0 {
			return nil, false, nil
		}
		for i := range recs {
			cp, derr := recordToCheckpoint(&recs[i])
			if derr != nil {
				return nil, false, derr
			}
			it.buf = append(it.buf, cp)
		}
		it.cursor = recs[len(recs)-1].Version
	}

	cp := it.buf[0]
	it.buf = it.buf[1:]
	return cp, true, nil
}

func (it *gormIterator) Reset() {
	it.cursor = 0
	it.buf = nil
}

func recordToCheckpoint(rec *Record) (*types.Checkpoint, error) {
	var state types.WorkflowState
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return nil, fmt.Errorf("decode state v%d: %w", rec.Version, err)
	}
	return &types.Checkpoint{
		WorkflowID: rec.WorkflowID,
		Version:    rec.Version,
		State:      &state,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// isDuplicateKey detects unique-index violations across the three dialects.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "unique_violation")
}

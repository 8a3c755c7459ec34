// Package audit persists the append-only decision trail. Every record is
// hash-chained to its predecessor so tampering with any stored row breaks
// verification of everything after it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Aidin1998/sentinex/pkg/models"
)

// Sink receives finalized audit records.
type Sink interface {
	Append(ctx context.Context, record *models.AuditRecord) error
}

// auditRow is the persisted shape of a record. Slice fields are stored as
// JSON text so the same schema works on postgres and sqlite.
type auditRow struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)"`
	DecisionID     string    `gorm:"type:varchar(36);index"`
	IdempotencyKey string    `gorm:"index"`
	SubjectID      string    `gorm:"index"`
	Status         string    `gorm:"not null"`
	Score          float64   `gorm:"not null"`
	Reasons        string    `gorm:"type:text"`
	PolicyVersion  string    `gorm:"index"`
	Degraded       bool      `gorm:"not null"`
	PolicyMissing  bool      `gorm:"not null"`
	InputHash      string    `gorm:"not null"`
	ToolsUsed      string    `gorm:"type:text"`
	RecordedAt     time.Time `gorm:"not null;index"`
	ChainPosition  uint64    `gorm:"uniqueIndex;not null"`
	PrevHash       string    `gorm:"not null"`
	Hash           string    `gorm:"not null"`
}

func (auditRow) TableName() string { return "audit_records" }

// Store writes audit records to a relational database as a hash chain.
// Appends are serialized; the chain has exactly one tail.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// Open connects to the audit database. DSNs that look like postgres
// connection strings get the postgres driver; anything else (file paths,
// ":memory:") is treated as sqlite.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return db, nil
}

// NewStore migrates the audit schema and returns a chain-writing store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&auditRow{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Append links the record to the current chain tail and persists it.
func (s *Store) Append(ctx context.Context, record *models.AuditRecord) error {
	if record == nil {
		return errors.New("audit: nil record")
	}
	row, err := newRow(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tail auditRow
		switch err := tx.Order("chain_position DESC").First(&tail).Error; {
		case err == nil:
			row.ChainPosition = tail.ChainPosition + 1
			row.PrevHash = tail.Hash
		case errors.Is(err, gorm.ErrRecordNotFound):
			row.ChainPosition = 1
		default:
			return fmt.Errorf("load chain tail: %w", err)
		}
		row.Hash, err = chainHash(row)
		if err != nil {
			return err
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	s.logger.Debug("audit record appended",
		zap.String("decision_id", row.DecisionID),
		zap.Uint64("chain_position", row.ChainPosition))
	return nil
}

// BySubject returns the most recent records for a subject, newest first.
func (s *Store) BySubject(ctx context.Context, subjectID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("chain_position DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return toRecords(rows)
}

// ByIdempotencyKey returns the records written for one idempotency key.
func (s *Store) ByIdempotencyKey(ctx context.Context, key string) ([]models.AuditRecord, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("chain_position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return toRecords(rows)
}

// ChainIssue describes one verification failure.
type ChainIssue struct {
	ChainPosition uint64 `json:"chain_position"`
	RecordID      string `json:"record_id"`
	Kind          string `json:"kind"`
	Description   string `json:"description"`
}

// ChainReport summarizes a full-chain verification pass.
type ChainReport struct {
	Records    int          `json:"records"`
	Valid      bool         `json:"valid"`
	Issues     []ChainIssue `json:"issues,omitempty"`
	VerifiedAt time.Time    `json:"verified_at"`
}

// VerifyChain recomputes every hash and link in chain order. A clean report
// proves no stored record was altered, dropped, or reordered.
func (s *Store) VerifyChain(ctx context.Context) (*ChainReport, error) {
	var rows []auditRow
	if err := s.db.WithContext(ctx).Order("chain_position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}

	report := &ChainReport{Records: len(rows), Valid: true, VerifiedAt: time.Now().UTC()}
	flag := func(row auditRow, kind, description string) {
		report.Valid = false
		report.Issues = append(report.Issues, ChainIssue{
			ChainPosition: row.ChainPosition,
			RecordID:      row.ID,
			Kind:          kind,
			Description:   description,
		})
	}

	prevHash := ""
	var prevPosition uint64
	for _, row := range rows {
		if row.ChainPosition != prevPosition+1 {
			flag(row, "gap", fmt.Sprintf("expected position %d, found %d", prevPosition+1, row.ChainPosition))
		}
		if row.PrevHash != prevHash {
			flag(row, "broken_link", "previous hash does not match prior record")
		}
		expected, err := chainHash(&row)
		if err != nil {
			return nil, err
		}
		if row.Hash != expected {
			flag(row, "hash_mismatch", "stored hash does not match record contents")
		}
		prevHash = row.Hash
		prevPosition = row.ChainPosition
	}
	return report, nil
}

func newRow(record *models.AuditRecord) (*auditRow, error) {
	reasons, err := json.Marshal(record.Reasons)
	if err != nil {
		return nil, fmt.Errorf("encode reasons: %w", err)
	}
	tools, err := json.Marshal(record.ToolsUsed)
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	return &auditRow{
		ID:             record.ID.String(),
		DecisionID:     record.DecisionID.String(),
		IdempotencyKey: record.IdempotencyKey,
		SubjectID:      record.SubjectID,
		Status:         string(record.Status),
		Score:          record.Score,
		Reasons:        string(reasons),
		PolicyVersion:  record.PolicyVersion,
		Degraded:       record.Degraded,
		PolicyMissing:  record.PolicyMissing,
		InputHash:      record.InputHash,
		ToolsUsed:      string(tools),
		// Truncate to microseconds so the timestamp survives a postgres
		// round trip with the hash still verifiable.
		RecordedAt: recordedAt.UTC().Truncate(time.Microsecond),
	}, nil
}

// chainHash covers every persisted field except Hash itself. Including
// PrevHash and ChainPosition is what makes the chain tamper-evident.
func chainHash(row *auditRow) (string, error) {
	payload := struct {
		ID             string    `json:"id"`
		DecisionID     string    `json:"decision_id"`
		IdempotencyKey string    `json:"idempotency_key"`
		SubjectID      string    `json:"subject_id"`
		Status         string    `json:"status"`
		Score          float64   `json:"score"`
		Reasons        string    `json:"reasons"`
		PolicyVersion  string    `json:"policy_version"`
		Degraded       bool      `json:"degraded"`
		PolicyMissing  bool      `json:"policy_missing"`
		InputHash      string    `json:"input_hash"`
		ToolsUsed      string    `json:"tools_used"`
		RecordedAt     time.Time `json:"recorded_at"`
		ChainPosition  uint64    `json:"chain_position"`
		PrevHash       string    `json:"prev_hash"`
	}{
		ID:             row.ID,
		DecisionID:     row.DecisionID,
		IdempotencyKey: row.IdempotencyKey,
		SubjectID:      row.SubjectID,
		Status:         row.Status,
		Score:          row.Score,
		Reasons:        row.Reasons,
		PolicyVersion:  row.PolicyVersion,
		Degraded:       row.Degraded,
		PolicyMissing:  row.PolicyMissing,
		InputHash:      row.InputHash,
		ToolsUsed:      row.ToolsUsed,
		RecordedAt:     row.RecordedAt.UTC(),
		ChainPosition:  row.ChainPosition,
		PrevHash:       row.PrevHash,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hash audit record: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func toRecords(rows []auditRow) ([]models.AuditRecord, error) {
	records := make([]models.AuditRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (r auditRow) toRecord() (models.AuditRecord, error) {
	var record models.AuditRecord
	if err := record.ID.UnmarshalText([]byte(r.ID)); err != nil {
		return record, fmt.Errorf("decode record id: %w", err)
	}
	if err := record.DecisionID.UnmarshalText([]byte(r.DecisionID)); err != nil {
		return record, fmt.Errorf("decode decision id: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Reasons), &record.Reasons); err != nil {
		return record, fmt.Errorf("decode reasons: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ToolsUsed), &record.ToolsUsed); err != nil {
		return record, fmt.Errorf("decode tools: %w", err)
	}
	record.IdempotencyKey = r.IdempotencyKey
	record.SubjectID = r.SubjectID
	record.Status = models.DecisionStatus(r.Status)
	record.Score = r.Score
	record.PolicyVersion = r.PolicyVersion
	record.Degraded = r.Degraded
	record.PolicyMissing = r.PolicyMissing
	record.InputHash = r.InputHash
	record.RecordedAt = r.RecordedAt
	return record, nil
}

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"tasksearch/internal/errs"
)

// Dimensions is the embedding vector size (matching OpenAI text-embedding-3-small).
// Every stored vector has exactly this length.
const Dimensions = 1536

// RecordStatus is the lifecycle state of a task embedding record.
// The set is closed; Valid gates anything arriving from outside.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusCompleted RecordStatus = "completed"
	StatusFailed    RecordStatus = "failed"
)

// Valid reports whether s is one of the three lifecycle states.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TaskEmbedding is one task text belonging to one parent entity, with its
// vector once generation completes.
//
// The record id is a content hash of (parent_id, text): re-ingesting the
// same text for the same parent hits the same primary key and is a no-op,
// while changed text lands under a new key. Rows are hard-deleted — a
// soft-delete tombstone would shadow the natural key forever and block
// re-ingestion of identical content.
type TaskEmbedding struct {
	RecordID     string           `json:"record_id" gorm:"type:char(64);primaryKey"`
	Text         string           `json:"text" gorm:"type:text;not null"`
	ParentID     string           `json:"parent_id" gorm:"type:varchar(255);not null;index"`
	Embedding    *pgvector.Vector `json:"-" gorm:"type:vector(1536)"`
	Status       RecordStatus     `json:"status" gorm:"type:varchar(16);not null;default:'pending';index"`
	ErrorMessage *string          `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt    time.Time        `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time        `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName sets the table name for GORM.
func (TaskEmbedding) TableName() string {
	return "task_embeddings"
}

// BeforeCreate hook fills in the content-derived record id when absent.
func (e *TaskEmbedding) BeforeCreate(tx *gorm.DB) error {
	if e.RecordID == "" {
		e.RecordID = NewRecordID(e.Text, e.ParentID)
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	return nil
}

// NewRecordID derives the stable record id for a (text, parent) pair.
// The parent id and text are domain-separated so ("ab","c") and ("a","bc")
// cannot collide.
func NewRecordID(text, parentID string) string {
	h := sha256.New()
	h.Write([]byte(parentID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// NewTaskEmbedding builds a pending record for the given task text,
// rejecting empty input before anything touches the queue or the store.
func NewTaskEmbedding(text, parentID string) (*TaskEmbedding, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.New(errs.KindValidation, "task text must not be empty")
	}
	if strings.TrimSpace(parentID) == "" {
		return nil, errs.New(errs.KindValidation, "parent_id must not be empty")
	}

	return &TaskEmbedding{
		RecordID: NewRecordID(text, parentID),
		Text:     text,
		ParentID: parentID,
		Status:   StatusPending,
	}, nil
}

// SearchResult is one ranked hit from a similarity search.
type SearchResult struct {
	RecordID   string  `json:"record_id"`
	Text       string  `json:"text"`
	ParentID   string  `json:"parent_id"`
	Similarity float64 `json:"similarity"`
}

// ParentSummary aggregates record counts per parent entity.
type ParentSummary struct {
	ParentID  string `json:"parent_id"`
	Records   int64  `json:"records"`
	Pending   int64  `json:"pending"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// RecordStatusView is the polling shape returned by the status boundary.
type RecordStatusView struct {
	RecordID     string       `json:"record_id"`
	Status       RecordStatus `json:"status"`
	ErrorMessage *string      `json:"error_message,omitempty"`
}

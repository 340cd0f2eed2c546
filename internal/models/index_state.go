package models

import "time"

// VectorIndexState is the single bookkeeping row behind ANN index builds:
// how many completed vectors the ivfflat index was sized for, and with how
// many lists. A rebuild is due when the corpus outgrows RowCount by an
// order of magnitude.
type VectorIndexState struct {
	ID       uint      `gorm:"primaryKey"`
	RowCount int64     `gorm:"not null"`
	Lists    int       `gorm:"not null"`
	BuiltAt  time.Time `gorm:"not null"`
}

// TableName sets the table name for GORM.
func (VectorIndexState) TableName() string {
	return "vector_index_states"
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"tasksearch/internal/errs"
	"tasksearch/internal/models"
)

const (
	vectorIndexName = "idx_task_embeddings_embedding"

	// ivfflat list bounds. Below minIndexLists the planner is better off
	// with a sequential scan anyway; above maxIndexLists recall degrades.
	minIndexLists = 10
	maxIndexLists = 1000

	// A rebuild is worth its cost once the table has outgrown the lists
	// the index was built with by this factor.
	indexGrowthFactor = 10
)

// IndexManager owns the ivfflat index over completed records. ivfflat
// clusters rows at build time, so an index built on a small table degrades
// as the table grows; Ensure rebuilds it when the row count has outgrown
// the last build.
type IndexManager struct {
	db *gorm.DB
}

// NewIndexManager creates an index manager over the given database.
func NewIndexManager(db *gorm.DB) *IndexManager {
	return &IndexManager{db: db}
}

// listsFor sizes the ivfflat cluster count for a table of n rows.
func listsFor(n int64) int {
	lists := int(math.Ceil(math.Sqrt(float64(n))))
	if lists < minIndexLists {
		return minIndexLists
	}
	if lists > maxIndexLists {
		return maxIndexLists
	}
	return lists
}

// Ensure builds or rebuilds the vector index if the completed row count
// warrants it, then refreshes planner statistics. Safe to call periodically.
func (m *IndexManager) Ensure(ctx context.Context) error {
	var completed int64
	err := m.db.WithContext(ctx).
		Model(&models.TaskEmbedding{}).
		Where("status = ?", models.StatusCompleted).
		Count(&completed).Error
	if err != nil {
		return storageErr("completed row count", err)
	}
	if completed == 0 {
		return nil
	}

	exists, err := m.indexExists(ctx)
	if err != nil {
		return err
	}

	var state models.VectorIndexState
	haveState := true
	if err := m.db.WithContext(ctx).First(&state, 1).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return storageErr("index state lookup", err)
		}
		haveState = false
	}

	if exists && haveState && completed < state.RowCount*indexGrowthFactor {
		return nil
	}

	lists := listsFor(completed)
	table := pq.QuoteIdentifier(models.TaskEmbedding{}.TableName())
	index := pq.QuoteIdentifier(vectorIndexName)

	if exists {
		if err := m.db.WithContext(ctx).
			Exec(fmt.Sprintf("DROP INDEX %s", index)).Error; err != nil {
			return storageErr("index drop", err)
		}
	}

	// Partial over completed rows: pending and failed records carry no
	// vector and must never surface in search.
	createSQL := fmt.Sprintf(
		"CREATE INDEX %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d) WHERE status = 'completed'",
		index, table, lists,
	)
	if err := m.db.WithContext(ctx).Exec(createSQL).Error; err != nil {
		return storageErr("index build", err)
	}

	if err := m.db.WithContext(ctx).
		Exec(fmt.Sprintf("ANALYZE %s", table)).Error; err != nil {
		return storageErr("statistics refresh", err)
	}

	if err := m.saveState(ctx, haveState, completed, lists); err != nil {
		return err
	}

	log.Printf("✓ Vector index rebuilt: %d completed rows, %d lists", completed, lists)
	return nil
}

func (m *IndexManager) indexExists(ctx context.Context) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM pg_indexes WHERE tablename = ? AND indexname = ?",
		models.TaskEmbedding{}.TableName(), vectorIndexName,
	).Scan(&count).Error
	if err != nil {
		return false, storageErr("index existence check", err)
	}
	return count > 0, nil
}

func (m *IndexManager) saveState(ctx context.Context, haveState bool, rowCount int64, lists int) error {
	builtAt := time.Now().UTC()
	update := func() error {
		return m.db.WithContext(ctx).
			Model(&models.VectorIndexState{}).
			Where("id = ?", 1).
			Updates(map[string]interface{}{
				"row_count": rowCount,
				"lists":     lists,
				"built_at":  builtAt,
			}).Error
	}

	var err error
	if haveState {
		err = update()
	} else {
		state := models.VectorIndexState{ID: 1, RowCount: rowCount, Lists: lists, BuiltAt: builtAt}
		err = m.db.WithContext(ctx).Create(&state).Error

		// Two processes racing the first build both try to insert id=1;
		// the loser updates instead.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			err = update()
		}
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "index state save failed", err)
	}
	return nil
}

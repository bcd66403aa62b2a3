package audit_test

import (
	"context"
	"testing"
	"time"

	"supplydesk-backend/internal/audit"
	"supplydesk-backend/internal/models"
	"supplydesk-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func write(t *testing.T, db *gorm.DB, id uint, at time.Time, status string) models.AuditEntry {
	t.Helper()
	e, err := audit.WriteLog(db, audit.LogOptions{
		EntityType: models.EntityRequest,
		EntityID:   id,
		Action:     models.AuditActionStatusChanged,
		After:      map[string]string{"status": status},
		At:         at,
	})
	require.NoError(t, err)
	return *e
}

func TestWriteLogKeepsTimestampsNonDecreasing(t *testing.T) {
	db := testutil.SetupTestDB(t)

	first := write(t, db, 1, t0, "new")
	// clock went backwards between two writers
	second := write(t, db, 1, t0.Add(-time.Minute), "approved")

	assert.True(t, second.Timestamp.Equal(first.Timestamp))
	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, "null", second.BeforeData)
}

func TestHistoryOrderAndPaging(t *testing.T) {
	db := testutil.SetupTestDB(t)
	log := audit.NewLog(db, 2)

	statuses := []string{"new", "approved", "in_progress", "delivered", "completed"}
	for i, s := range statuses {
		// two entries share a timestamp to exercise the id tie-break
		write(t, db, 7, t0.Add(time.Duration(i/2)*time.Second), s)
		write(t, db, 8, t0, "other")
	}

	entries, err := audit.Collect(log.History(context.Background(), models.EntityRequest, 7))
	require.NoError(t, err)
	require.Len(t, entries, len(statuses))

	for i, e := range entries {
		got, ok := audit.StatusOf(e)
		require.True(t, ok)
		assert.Equal(t, statuses[i], got)
		if i > 0 {
			assert.False(t, e.Timestamp.Before(entries[i-1].Timestamp))
		}
	}
}

func TestHistoryIsLazyAndRestartable(t *testing.T) {
	db := testutil.SetupTestDB(t)
	log := audit.NewLog(db, 1)

	for i := 0; i < 3; i++ {
		write(t, db, 3, t0.Add(time.Duration(i)*time.Minute), "new")
	}

	seq := log.History(context.Background(), models.EntityRequest, 3)

	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	all, err := audit.Collect(seq)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestWriteLogRollsBackWithTransaction(t *testing.T) {
	db := testutil.SetupTestDB(t)

	_ = db.Transaction(func(tx *gorm.DB) error {
		write(t, tx, 9, t0, "new")
		return assert.AnError
	})

	entries, err := audit.Collect(audit.NewLog(db, 10).History(context.Background(), models.EntityRequest, 9))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

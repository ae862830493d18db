package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/reproflow/workflow"
)

// --- InMemoryInterruptStore ---

func TestInMemoryInterruptStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryInterruptStore()

	interrupt := &Interrupt{
		ID:        "int_1",
		RunID:     "run_1",
		Status:    InterruptStatusPending,
		Trigger:   workflow.TriggerMaterialCheckpoint,
		Questions: []string{"approve?"},
		CreatedAt: time.Now(),
	}

	t.Run("Save and Load", func(t *testing.T) {
		err := store.Save(ctx, interrupt)
		require.NoError(t, err)

		loaded, err := store.Load(ctx, "int_1")
		require.NoError(t, err)
		assert.Equal(t, "int_1", loaded.ID)
		assert.Equal(t, []string{"approve?"}, loaded.Questions)
	})

	t.Run("Load returns a copy", func(t *testing.T) {
		loaded, err := store.Load(ctx, "int_1")
		require.NoError(t, err)
		loaded.Questions[0] = "mutated"

		again, err := store.Load(ctx, "int_1")
		require.NoError(t, err)
		assert.Equal(t, "approve?", again.Questions[0])
	})

	t.Run("Load not found", func(t *testing.T) {
		_, err := store.Load(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrInterruptNotFound)
	})

	t.Run("List by run and status", func(t *testing.T) {
		results, err := store.List(ctx, "run_1", InterruptStatusPending)
		require.NoError(t, err)
		assert.Len(t, results, 1)

		results, err = store.List(ctx, "run_1", InterruptStatusResolved)
		require.NoError(t, err)
		assert.Len(t, results, 0)

		results, err = store.List(ctx, "", "")
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("Update", func(t *testing.T) {
		interrupt.resolve(InterruptStatusResolved)
		err := store.Update(ctx, interrupt)
		require.NoError(t, err)

		loaded, err := store.Load(ctx, "int_1")
		require.NoError(t, err)
		assert.Equal(t, InterruptStatusResolved, loaded.Status)
		assert.NotNil(t, loaded.ResolvedAt)
	})

	t.Run("Update unknown", func(t *testing.T) {
		err := store.Update(ctx, &Interrupt{ID: "ghost"})
		assert.ErrorIs(t, err, ErrInterruptNotFound)
	})
}

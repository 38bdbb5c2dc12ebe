package database

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	empty, err := db.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NotNil(t, empty)

	ops := []models.PendingOperation{
		{ID: "c", Kind: models.KindDelete, Resource: "widgets", Payload: json.RawMessage(`{"id":"A"}`), EnqueuedAt: 300, RetryCount: 2},
		{ID: "a", Kind: models.KindCreate, Resource: "widgets", Payload: json.RawMessage(`{"name":"A"}`), EnqueuedAt: 100},
		{ID: "b", Kind: models.KindUpdate, Resource: "widgets", Payload: json.RawMessage(`{"id":"A","name":"A2"}`), EnqueuedAt: 200, RetryCount: 1},
	}
	require.NoError(t, db.SaveAll(ctx, ops))

	loaded, err := db.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	want := models.CloneOperations(ops)
	models.SortByEnqueuedAt(want)
	assert.Equal(t, want, loaded)
}

func TestSaveAllReplacesSet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveAll(ctx, []models.PendingOperation{testOperation("a", 1), testOperation("b", 2)}))
	require.NoError(t, db.SaveAll(ctx, []models.PendingOperation{testOperation("b", 2)}))

	loaded, err := db.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)

	require.NoError(t, db.SaveAll(ctx, nil))
	n, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSaveAllDuplicateIDRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveAll(ctx, []models.PendingOperation{testOperation("keep", 1)}))

	err := db.SaveAll(ctx, []models.PendingOperation{testOperation("dup", 1), testOperation("dup", 2)})
	require.Error(t, err)

	loaded, err := db.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "keep", loaded[0].ID)
}

func TestConcurrentLoadSeesWholeSets(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	small := []models.PendingOperation{testOperation("a", 1)}
	large := []models.PendingOperation{testOperation("a", 1), testOperation("b", 2), testOperation("c", 3)}
	require.NoError(t, db.SaveAll(ctx, small))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			set := small
			if i%2 == 0 {
				set = large
			}
			assert.NoError(t, db.SaveAll(ctx, set))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			loaded, err := db.LoadAll(ctx)
			assert.NoError(t, err)
			assert.Contains(t, []int{1, 3}, len(loaded))
		}
	}()
	wg.Wait()
}

func TestDB_ErrorPaths(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(DriverCGO, ":memory:", &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()

	t.Run("LoadAll_Error", func(t *testing.T) {
		_, err := db.LoadAll(ctx)
		assert.Error(t, err)
	})

	t.Run("SaveAll_Error", func(t *testing.T) {
		err := db.SaveAll(ctx, []models.PendingOperation{testOperation("a", 1)})
		assert.Error(t, err)
	})

	t.Run("Count_Error", func(t *testing.T) {
		_, err := db.Count(ctx)
		assert.Error(t, err)
	})
}

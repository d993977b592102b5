package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	tsconfig "github.com/tsingest-io/tsingest/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := tsconfig.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return &Store{db: testDB.Connection, clock: time.Now}
}

func TestAcquire_FirstAcquireSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.Acquire(ctx, "d1", "runner-a", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestAcquire_SecondOwnerRejectedWhileLive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.Acquire(ctx, "d1", "runner-a", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = s.Acquire(ctx, "d1", "runner-b", time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestAcquire_SameOwnerRenews(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.Acquire(ctx, "d1", "runner-a", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = s.Acquire(ctx, "d1", "runner-a", 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestAcquire_ExpiredLeaseReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.Acquire(ctx, "d1", "runner-a", -time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = s.Acquire(ctx, "d1", "runner-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRelease_ByNonHolderReturnsErrNotHeld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "d1", "runner-a", time.Hour)
	require.NoError(t, err)

	err = s.Release(ctx, "d1", "runner-b")
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestRelease_ThenReacquireByAnotherOwnerSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "d1", "runner-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "d1", "runner-a"))

	acquired, err := s.Acquire(ctx, "d1", "runner-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestIsHeld_ReflectsLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	held, err := s.IsHeld(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, held)

	_, err = s.Acquire(ctx, "d1", "runner-a", time.Hour)
	require.NoError(t, err)

	held, err = s.IsHeld(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, held)
}

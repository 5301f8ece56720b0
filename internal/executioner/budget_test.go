package executioner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_NeverFits(t *testing.T) {
	b := NewBudget(2, 1024)
	_, err := b.Acquire(context.Background(), 3, 0)
	assert.True(t, errors.Is(err, ErrNeverFits))

	_, err = b.Acquire(context.Background(), 1, 2048)
	assert.ErrorIs(t, err, ErrNeverFits)
}

func TestBudget_BlocksUntilReleased(t *testing.T) {
	b := NewBudget(1, 0)
	release, err := b.Acquire(context.Background(), 1, -1)
	require.NoError(t, err)

	cpus, _ := b.InUse()
	assert.Equal(t, int64(1), cpus)

	_, ok, err := b.TryAcquire(1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	acquired := make(chan func())
	go func() {
		r, err := b.Acquire(context.Background(), 1, 0)
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second reservation must wait")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release() // second call is a no-op

	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("second reservation never admitted")
	}
	cpus, mem := b.InUse()
	assert.Equal(t, int64(0), cpus)
	assert.Equal(t, int64(0), mem)
}

func TestBudget_ContextCancel(t *testing.T) {
	b := NewBudget(1, 100)
	release, err := b.Acquire(context.Background(), 1, 100)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, 1, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

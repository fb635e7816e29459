// SPDX-License-Identifier: MIT

package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetClearIsSet(t *testing.T) {
	f := NewFlag(filepath.Join(t.TempDir(), "ha_maintenance"))

	assert.False(t, f.IsSet())
	require.NoError(t, f.Set())
	assert.True(t, f.IsSet())
	require.NoError(t, f.Clear())
	assert.False(t, f.IsSet())

	// clearing twice is fine
	require.NoError(t, f.Clear())
}

func TestWatchEmitsTransitions(t *testing.T) {
	f := NewFlag(filepath.Join(t.TempDir(), "ha_maintenance"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := f.Watch(ctx, 50*time.Millisecond)

	// initial state
	select {
	case v := <-ch:
		assert.False(t, v)
	case <-ctx.Done():
		t.Fatal("no initial state emitted")
	}

	require.NoError(t, f.Set())
	select {
	case v := <-ch:
		assert.True(t, v)
	case <-ctx.Done():
		t.Fatal("set transition not observed")
	}

	require.NoError(t, f.Clear())
	select {
	case v := <-ch:
		assert.False(t, v)
	case <-ctx.Done():
		t.Fatal("clear transition not observed")
	}
}

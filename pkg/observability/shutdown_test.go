package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsInOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, 0)
	assert.Equal(t, 30*time.Second, sm.timeout)

	var order []string
	for _, name := range []string{"scheduler", "recorder", "database"} {
		name := name
		sm.RegisterShutdownFunc(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"scheduler", "recorder", "database"}, order)
}

func TestShutdownManager_JoinsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)
	ran := false
	sm.RegisterShutdownFunc("recorder", func(context.Context) error { return errors.New("queue not drained") })
	sm.RegisterShutdownFunc("database", func(context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recorder: queue not drained")
	assert.True(t, ran, "later functions still run")
}

func TestShutdownManager_StopsOnExpiredContext(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), &http.Server{}, time.Second)
	require.Len(t, sm.steps, 1, "the server is the first step")
	ran := false
	sm.RegisterShutdownFunc("late", func(context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before http server (2 steps skipped)")
	assert.False(t, ran)
}

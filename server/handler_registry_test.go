package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedpals/spooltag-agent/protocol"
)

func noopHandler(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
	return nil
}

func TestHandlerRegistry_Handle(t *testing.T) {
	registry := NewHandlerRegistry()

	t.Run("register valid handler", func(t *testing.T) {
		require.NoError(t, registry.Handle("test", noopHandler))
	})

	t.Run("register nil handler", func(t *testing.T) {
		assert.Error(t, registry.Handle("nil", nil))
	})

	t.Run("register handler with empty message type", func(t *testing.T) {
		assert.Error(t, registry.Handle("", noopHandler))
	})

	t.Run("register duplicate handler", func(t *testing.T) {
		require.NoError(t, registry.Handle("duplicate", noopHandler))
		assert.Error(t, registry.Handle("duplicate", noopHandler))
	})
}

func TestHandlerRegistry_Get(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Handle("test", noopHandler))

	h, ok := registry.Get("test")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = registry.Get("nonexistent")
	assert.False(t, ok)
}

func TestHandlerRegistry_MessageTypes(t *testing.T) {
	registry := NewHandlerRegistry()
	assert.Empty(t, registry.MessageTypes())

	for _, typ := range []string{"type3", "type1", "type2"} {
		require.NoError(t, registry.Handle(typ, noopHandler))
	}
	assert.Equal(t, []string{"type1", "type2", "type3"}, registry.MessageTypes())
}

func TestHandlerRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewHandlerRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			registry.Handle(fmt.Sprintf("type-%d", i), noopHandler)
		}(i)
		go func(i int) {
			defer wg.Done()
			registry.Get(fmt.Sprintf("type-%d", i))
			registry.MessageTypes()
		}(i)
	}
	wg.Wait()

	assert.Len(t, registry.MessageTypes(), 50)
}

func TestHandlerRegistry_HandleExecution(t *testing.T) {
	registry := NewHandlerRegistry()
	wantErr := errors.New("test error")

	var got protocol.WebSocketRequest
	require.NoError(t, registry.Handle("test", func(ctx context.Context, client *Client, req protocol.WebSocketRequest) error {
		got = req
		return wantErr
	}))

	h, ok := registry.Get("test")
	require.True(t, ok)
	err := h(context.Background(), nil, protocol.WebSocketRequest{ID: "req-1", Type: "test"})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, "req-1", got.ID)
}

func TestHandlerRegistry_Lifecycle(t *testing.T) {
	registry := NewHandlerRegistry()

	var started []int
	registry.RegisterLifecycle(func(ctx context.Context) { started = append(started, 1) })
	registry.RegisterLifecycle(func(ctx context.Context) { started = append(started, 2) })

	registry.StartLifecycleHandlers(context.Background())
	assert.Equal(t, []int{1, 2}, started)
}

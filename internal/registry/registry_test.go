package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.ToolsConfig{RatePerSecond: 100, RateBurst: 10}
	return New(cfg, 5*time.Second, zap.NewNop())
}

func echoSpec() schemas.ToolSpec {
	return schemas.ToolSpec{
		Name:        "echo",
		Description: "Returns its input value.",
		Parameters: []schemas.ParamSpec{
			{Name: "value", Type: "string", Description: "Value to return.", Required: true},
			{Name: "repeat", Type: "number", Description: "Optional repeat count."},
		},
	}
}

func TestRegisterAndCatalog(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register(schemas.ToolSpec{Name: "b_tool"}, func(ctx context.Context, p map[string]any) (any, error) {
		return nil, nil
	}))
	require.NoError(t, r.Register(schemas.ToolSpec{Name: "a_tool"}, func(ctx context.Context, p map[string]any) (any, error) {
		return nil, nil
	}))

	catalog := r.Catalog()
	require.Len(t, catalog, 2)
	assert.Equal(t, "a_tool", catalog[0].Name, "catalog should be sorted by name")
	assert.Equal(t, "b_tool", catalog[1].Name)
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	fn := func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }

	require.NoError(t, r.Register(echoSpec(), fn))
	err := r.Register(echoSpec(), fn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestInvokeUnknownTool(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Invoke(context.Background(), "no_such_tool", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrUnknownTool)

	var invErr *schemas.ToolInvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "no_such_tool", invErr.Tool)
}

func TestInvokeValidation(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(echoSpec(), func(ctx context.Context, p map[string]any) (any, error) {
		return p["value"], nil
	}))

	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{
			name:    "missing required",
			params:  map[string]any{},
			wantErr: "missing required parameter",
		},
		{
			name:    "wrong type for string",
			params:  map[string]any{"value": 42.0},
			wantErr: "must be a string",
		},
		{
			name:    "wrong type for number",
			params:  map[string]any{"value": "x", "repeat": "three"},
			wantErr: "must be a number",
		},
		{
			name:   "valid with optional omitted",
			params: map[string]any{"value": "hello"},
		},
		{
			name:   "valid with json number",
			params: map[string]any{"value": "hello", "repeat": 3.0},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := r.Invoke(context.Background(), "echo", tc.params)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				var invErr *schemas.ToolInvocationError
				assert.ErrorAs(t, err, &invErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "hello", result)
		})
	}
}

func TestInvokeWrapsToolError(t *testing.T) {
	r := newTestRegistry(t)
	boom := errors.New("upstream unavailable")
	require.NoError(t, r.Register(schemas.ToolSpec{Name: "flaky"}, func(ctx context.Context, p map[string]any) (any, error) {
		return nil, boom
	}))

	_, err := r.Invoke(context.Background(), "flaky", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var invErr *schemas.ToolInvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "flaky", invErr.Tool)
}

func TestInvokeTimeout(t *testing.T) {
	cfg := config.ToolsConfig{RatePerSecond: 100, RateBurst: 10}
	r := New(cfg, 20*time.Millisecond, zap.NewNop())

	require.NoError(t, r.Register(schemas.ToolSpec{Name: "slow"}, func(ctx context.Context, p map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "done", nil
		}
	}))

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestInvokeRespectsCancellation(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(schemas.ToolSpec{Name: "waiter"}, func(ctx context.Context, p map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, "waiter", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

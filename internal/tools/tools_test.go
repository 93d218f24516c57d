package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/llm"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Register(&Tool{
		Name:        "echo",
		Description: "Echo the text argument",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	})
	r.Register(&Tool{
		Name: "fail",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("backend down")
		},
	})
	r.Register(&Tool{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("nil map")
		},
	})
	return r
}

func TestRegistry_SpecsSorted(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, []string{"boom", "echo", "fail"}, r.Names())

	specs := r.Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "echo", specs[1].Name)
	assert.Equal(t, "Echo the text argument", specs[1].Description)
	assert.NotNil(t, specs[1].Parameters)
}

func TestDispatch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tool   string
		args   string
		want   string
		prefix string
	}{
		{name: "success", tool: "echo", args: `{"text":"hi"}`, want: "hi"},
		{name: "empty args", tool: "echo", args: "", want: ""},
		{name: "null args", tool: "echo", args: "null", want: ""},
		{name: "unknown tool", tool: "missing", args: "{}", want: `Error: unknown tool "missing"`},
		{name: "malformed args", tool: "echo", args: "{bad json", prefix: "Error: could not parse arguments for echo:"},
		{name: "non-object args", tool: "echo", args: "[1,2]", prefix: "Error: could not parse arguments for echo:"},
		{name: "handler error", tool: "fail", args: "{}", want: "Error executing fail: backend down"},
		{name: "handler panic", tool: "boom", args: "{}", want: "Error executing boom: panic: nil map"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Dispatch(ctx, tt.tool, tt.args)
			if tt.prefix != "" {
				assert.True(t, strings.HasPrefix(got, tt.prefix), "got %q", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatch_PanicLogsThroughRegistryLogger(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	r.Register(&Tool{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("nil map")
		},
	})

	assert.Equal(t, "Error executing boom: panic: nil map", r.Dispatch(context.Background(), "boom", "{}"))

	out := buf.String()
	assert.Contains(t, out, `msg="tool panicked"`)
	assert.Contains(t, out, "component=tools")
	assert.Contains(t, out, "tool=boom")
}

func TestDispatchAll_PreservesRequestOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{
		Name: "sleep",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ms, _ := args["ms"].(float64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return fmt.Sprintf("slept %.0f", ms), nil
		},
	})

	// Earlier calls sleep longer, so they finish last.
	calls := []llm.ToolCall{
		{ID: "c0", Name: "sleep", Arguments: `{"ms":60}`},
		{ID: "c1", Name: "sleep", Arguments: `{"ms":30}`},
		{ID: "c2", Name: "nope", Arguments: `{}`},
		{ID: "c3", Name: "sleep", Arguments: `{"ms":0}`},
	}

	results := r.DispatchAll(context.Background(), calls)
	require.Len(t, results, len(calls))
	for i, msg := range results {
		assert.Equal(t, llm.RoleTool, msg.Role)
		assert.Equal(t, calls[i].ID, msg.ToolCallID)
		assert.Equal(t, calls[i].Name, msg.Name)
	}
	assert.Equal(t, "slept 60", results[0].Content)
	assert.Equal(t, "slept 30", results[1].Content)
	assert.Equal(t, `Error: unknown tool "nope"`, results[2].Content)
	assert.Equal(t, "slept 0", results[3].Content)
}

func TestDispatchAll_RunsConcurrently(t *testing.T) {
	const n = 4
	var running, peak atomic.Int32
	release := make(chan struct{})

	r := NewRegistry(nil)
	r.Register(&Tool{
		Name: "wait",
		Handler: func(context.Context, map[string]any) (string, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			if cur == n {
				close(release)
			}
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			running.Add(-1)
			return "ok", nil
		},
	})

	calls := make([]llm.ToolCall, n)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "wait"}
	}

	results := r.DispatchAll(context.Background(), calls)
	require.Len(t, results, n)
	assert.EqualValues(t, n, peak.Load(), "all calls should be in flight at once")
}

func TestDispatchAll_Empty(t *testing.T) {
	assert.Empty(t, NewRegistry(nil).DispatchAll(context.Background(), nil))
}

func TestErrToolUnavailable(t *testing.T) {
	_, err := NewRegistry(nil).lookup("web_search")
	var target *ErrToolUnavailable
	require.ErrorAs(t, fmt.Errorf("dispatch: %w", err), &target)
	assert.Equal(t, "web_search", target.ToolName)
	assert.Equal(t, `tool "web_search" is not available`, err.Error())
}

func TestChatIDContext(t *testing.T) {
	assert.Equal(t, "default", ChatIDFromContext(context.Background()))
	ctx := WithChatID(context.Background(), "chat-42")
	assert.Equal(t, "chat-42", ChatIDFromContext(ctx))
}

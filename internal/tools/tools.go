// Package tools holds the tool registry and the dispatcher that executes
// model-requested tool calls. Dispatch never fails: every problem is
// turned into a result string the model can read and react to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/parley/internal/llm"
)

// Handler executes a tool with its decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools keyed by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry, replacing any tool with the same
// name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// lookup is Get with a typed error for missing tools.
func (r *Registry) lookup(name string) (*Tool, error) {
	if t := r.Get(name); t != nil {
		return t, nil
	}
	return nil, &ErrToolUnavailable{ToolName: name}
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the declarations sent to the model, sorted by name so
// the prompt is stable between turns.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Dispatch runs one tool call and returns its result text. Unknown tools,
// unparseable arguments, handler errors and handler panics all become
// "Error..." strings rather than Go errors.
func (r *Registry) Dispatch(ctx context.Context, name, rawArgs string) string {
	log := r.logger.With("tool", name)

	tool, err := r.lookup(name)
	if err != nil {
		log.Warn("model requested unknown tool")
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	args := map[string]any{}
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			log.Warn("unparseable tool arguments", "error", err, "args", rawArgs)
			return fmt.Sprintf("Error: could not parse arguments for %s: %v", name, err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	start := time.Now()
	result, err := safeCall(ctx, log, tool, args)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("tool failed", "error", err, "elapsed", elapsed)
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}

	log.Debug("tool completed", "elapsed", elapsed, "result_len", len(result))
	return result
}

// safeCall invokes the handler, converting a panic into an error.
func safeCall(ctx context.Context, log *slog.Logger, tool *Tool, args map[string]any) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("tool panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if tool.Handler == nil {
		return "", fmt.Errorf("tool has no handler")
	}
	return tool.Handler(ctx, args)
}

// DispatchAll executes a batch of tool calls concurrently, one goroutine
// per call, and returns one tool-result message per call in the order the
// calls were requested, whatever order they finish in.
func (r *Registry) DispatchAll(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))
	if len(calls) == 0 {
		return results
	}

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = llm.ToolResultMessage(call, r.Dispatch(ctx, call.Name, call.Arguments))
			return nil
		})
	}
	_ = g.Wait() // Dispatch never returns an error.

	return results
}

// Package agent implements the agent turn: the bounded loop that calls
// the active model, executes requested tools, and feeds results back
// until the model answers or the iteration cap is reached.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/recall"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

// MaxIterationsWarning is the reply when a turn hits the iteration cap.
const MaxIterationsWarning = "I wasn't able to finish that within my step limit. " +
	"Please try again, perhaps with a narrower request."

// EmptyReplyFallback replaces a final model response that carries
// neither text nor tool calls, so stored history never holds an empty
// assistant message.
const EmptyReplyFallback = "I don't have a response to that. Could you rephrase?"

// FailureReply is the reply when the model backend cannot be reached.
const FailureReply = "Sorry, I couldn't reach the language model just now. Please try again in a moment."

// Outcome says how a turn ended.
type Outcome string

const (
	// OutcomeReply means the model produced a final textual reply, or
	// returned nothing and Reply is EmptyReplyFallback.
	OutcomeReply Outcome = "reply"
	// OutcomeMaxIterations means the cap was hit and Reply is
	// MaxIterationsWarning.
	OutcomeMaxIterations Outcome = "max_iterations"
)

// TurnResult is the result of one turn.
type TurnResult struct {
	Reply string
	// History is the prior history plus everything this turn added. It
	// never includes the system prompt.
	History    []llm.Message
	Iterations int
	Outcome    Outcome
}

// ProviderSource supplies the active provider and model for a turn.
// *llm.Selector implements it.
type ProviderSource interface {
	Active() (llm.Provider, string)
}

// ProfileSource supplies the always-on profile facts block.
type ProfileSource interface {
	Profile(ctx context.Context) (string, error)
}

// UsageRecorder receives the token usage of each model call.
// *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop is the agent turn controller.
type Loop struct {
	providers ProviderSource
	tools     *tools.Registry
	store     memory.ConversationStore
	logger    *slog.Logger

	maxIterations int
	persona       string
	profile       ProfileSource
	retriever     recall.Retriever
	recallLimit   int
	extractor     *memory.Extractor
	usage         UsageRecorder

	tracer trace.Tracer
	now    func() time.Time
}

// NewLoop creates an agent loop. maxIterations below 1 is treated as 1.
func NewLoop(providers ProviderSource, registry *tools.Registry, store memory.ConversationStore, maxIterations int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxIterations < 1 {
		maxIterations = 1
	}
	return &Loop{
		providers:     providers,
		tools:         registry,
		store:         store,
		logger:        logger.With("component", "agent"),
		maxIterations: maxIterations,
		retriever:     recall.Nop{},
		recallLimit:   5,
		tracer:        otel.Tracer("github.com/nugget/parley/internal/agent"),
		now:           time.Now,
	}
}

// SetPersona replaces the built-in instructions with persona text.
func (l *Loop) SetPersona(persona string) { l.persona = persona }

// SetProfile sets the source of the always-on facts block.
func (l *Loop) SetProfile(p ProfileSource) { l.profile = p }

// SetRetriever enables memory retrieval, adding up to limit snippets to
// each turn's system prompt.
func (l *Loop) SetRetriever(r recall.Retriever, limit int) {
	if r == nil {
		r = recall.Nop{}
	}
	l.retriever = r
	if limit > 0 {
		l.recallLimit = limit
	}
}

// SetExtractor enables background fact extraction after each reply.
func (l *Loop) SetExtractor(e *memory.Extractor) { l.extractor = e }

// SetUsageRecorder enables token usage accounting.
func (l *Loop) SetUsageRecorder(r UsageRecorder) { l.usage = r }

// SetTracerProvider overrides the global tracer provider.
func (l *Loop) SetTracerProvider(tp trace.TracerProvider) {
	l.tracer = tp.Tracer("github.com/nugget/parley/internal/agent")
}

// RunTurn runs one turn against prior history. prior is not modified.
// A non-nil error is always a *llm.TransportError; everything else,
// including tool failures and the iteration cap, is a normal result.
func (l *Loop) RunTurn(ctx context.Context, prior []llm.Message, userText string) (*TurnResult, error) {
	provider, model := l.providers.Active()

	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("llm.provider", provider.ID()),
		attribute.String("llm.model", model),
		attribute.Int("agent.max_iterations", l.maxIterations),
		attribute.Int("agent.prior_messages", len(prior)),
	))
	defer span.End()

	turnID := newTurnID()
	span.SetAttributes(attribute.String("agent.turn_id", turnID))

	log := l.logger.With("provider", provider.ID(), "model", model, "turn_id", turnID)
	log.Info("turn started", "prior_messages", len(prior))
	start := time.Now()

	history := make([]llm.Message, 0, len(prior)+4)
	history = append(history, prior...)
	history = append(history, llm.UserMessage(userText))

	system := llm.SystemMessage(l.systemPrompt(ctx, userText))
	specs := l.tools.Specs()

	for iter := 1; iter <= l.maxIterations; iter++ {
		resp, err := l.complete(ctx, provider, model, iter, system, history, specs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transport error")
			log.Error("model call failed", "iteration", iter, "error", err)
			return nil, err
		}
		l.recordUsage(ctx, turnID, provider.ID(), model, iter, resp)

		empty := !resp.HasToolCalls() && strings.TrimSpace(resp.Content) == ""
		if empty {
			log.Warn("model returned an empty response", "iteration", iter)
			resp = &llm.Response{Content: EmptyReplyFallback, Message: llm.AssistantMessage(EmptyReplyFallback)}
		}

		history = append(history, assistantMessage(resp))

		if !resp.HasToolCalls() {
			log.Info("turn complete",
				"iterations", iter,
				"reply_len", len(resp.Content),
				"elapsed", time.Since(start))
			span.SetAttributes(
				attribute.Int("agent.iterations", iter),
				attribute.String("agent.outcome", string(OutcomeReply)),
			)

			if l.extractor != nil && !empty {
				l.extractor.Go(userText, resp.Content, history)
			}

			return &TurnResult{
				Reply:      resp.Content,
				History:    history,
				Iterations: iter,
				Outcome:    OutcomeReply,
			}, nil
		}

		history = append(history, l.dispatch(ctx, iter, resp.ToolCalls)...)
	}

	log.Warn("turn hit iteration cap", "iterations", l.maxIterations, "elapsed", time.Since(start))
	span.SetAttributes(
		attribute.Int("agent.iterations", l.maxIterations),
		attribute.String("agent.outcome", string(OutcomeMaxIterations)),
	)

	history = append(history, llm.AssistantMessage(MaxIterationsWarning))
	return &TurnResult{
		Reply:      MaxIterationsWarning,
		History:    history,
		Iterations: l.maxIterations,
		Outcome:    OutcomeMaxIterations,
	}, nil
}

// complete makes one model call. Non-transport errors from a provider
// are wrapped so callers only ever see *llm.TransportError.
func (l *Loop) complete(ctx context.Context, provider llm.Provider, model string, iter int,
	system llm.Message, history []llm.Message, specs []llm.ToolSpec,
) (*llm.Response, error) {
	ctx, span := l.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.provider", provider.ID()),
		attribute.String("llm.model", model),
		attribute.Int("agent.iteration", iter),
		attribute.Int("llm.messages", len(history)+1),
		attribute.Int("llm.tools", len(specs)),
	))
	defer span.End()

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, system)
	messages = append(messages, history...)

	resp, err := provider.Complete(ctx, model, messages, specs)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		var te *llm.TransportError
		if !errors.As(err, &te) {
			err = &llm.TransportError{Provider: provider.ID(), Model: model, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

// recordUsage stores the token counts of one call. Failures are logged
// only.
func (l *Loop) recordUsage(ctx context.Context, turnID, providerID, model string, iter int, resp *llm.Response) {
	if l.usage == nil {
		return
	}
	if resp.Model != "" {
		model = resp.Model
	}
	err := l.usage.Record(ctx, usage.Record{
		Timestamp:    l.now(),
		TurnID:       turnID,
		ChatID:       tools.ChatIDFromContext(ctx),
		Provider:     providerID,
		Model:        model,
		Iteration:    iter,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		l.logger.Warn("failed to record token usage", "turn_id", turnID, "error", err)
	}
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// assistantMessage returns the message to record for resp, rebuilding it
// from Content and ToolCalls when the provider left Message unset.
func assistantMessage(resp *llm.Response) llm.Message {
	msg := resp.Message
	if msg.Role == "" && msg.Content == "" && len(msg.ToolCalls) == 0 {
		msg = llm.Message{Content: resp.Content, ToolCalls: resp.ToolCalls}
	}
	msg.Role = llm.RoleAssistant
	return msg
}

func (l *Loop) dispatch(ctx context.Context, iter int, calls []llm.ToolCall) []llm.Message {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}

	ctx, span := l.tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.Int("agent.iteration", iter),
		attribute.StringSlice("tool.names", names),
	))
	defer span.End()

	l.logger.Debug("dispatching tools", "iteration", iter, "tools", names)
	return l.tools.DispatchAll(ctx, calls)
}

// systemPrompt builds the turn's system prompt. Profile and retrieval
// failures leave their block out; they never fail the turn.
func (l *Loop) systemPrompt(ctx context.Context, userText string) string {
	var profile string
	if l.profile != nil {
		p, err := l.profile.Profile(ctx)
		if err != nil {
			l.logger.Warn("profile facts unavailable", "error", err)
		}
		profile = p
	}

	retrieved := recall.Format(l.retriever.Retrieve(ctx, userText, l.recallLimit))
	return prompts.SystemPrompt(l.persona, profile, retrieved, l.now())
}

// Process runs a full turn for chatID: load history, run the turn, save
// the updated history. On a transport failure it returns FailureReply
// with the error and saves nothing. If the save fails the reply is still
// returned, with a *memory.PersistenceError.
func (l *Loop) Process(ctx context.Context, chatID, text string) (string, error) {
	ctx = tools.WithChatID(ctx, chatID)

	prior, err := l.store.Load(ctx, chatID)
	if err != nil {
		return FailureReply, err
	}

	result, err := l.RunTurn(ctx, prior, text)
	if err != nil {
		return FailureReply, err
	}

	if err := l.store.Save(ctx, chatID, result.History); err != nil {
		l.logger.Error("failed to save conversation", "chat_id", chatID, "error", err)
		return result.Reply, err
	}
	return result.Reply, nil
}

// Clear empties the stored history for chatID. Long-term facts and the
// retrieval index are untouched.
func (l *Loop) Clear(ctx context.Context, chatID string) error {
	if err := l.store.Clear(ctx, chatID); err != nil {
		return err
	}
	l.logger.Info("conversation cleared", "chat_id", chatID)
	return nil
}

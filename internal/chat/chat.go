package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/abiroot/ispbot/internal/conversation"
	"github.com/abiroot/ispbot/internal/knowledge"
	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/profile"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/tools"
)

// ragRetrievalTimeout bounds grounding retrieval so a slow vector search
// cannot block the whole turn.
const ragRetrievalTimeout = 5 * time.Second

// ragDisabledField is the session flag that administratively disables
// grounding retrieval for one context.
const ragDisabledField = "rag_disabled"

// Config contains all required parameters for the conversation engine.
type Config struct {
	Model         Model
	Registry      *tools.Registry
	Messages      conversation.Log
	Reconstructor *conversation.Reconstructor
	Retriever     *knowledge.Retriever
	Profiles      profile.Lookup // optional
	Sessions      *session.Store
	Logger        log.Logger

	SystemIdentity   string
	ContextWindow    int     // model context window, tokens
	MaxSteps         int     // tool-use loop bound (default 5)
	MaxOutputTokens  int     // per-step output bound
	Temperature      float32 // generation temperature
	MaxHistoryTurns  int     // persisted records loaded per turn
	MaxHistoryTokens int     // history truncation budget

	RAGTopK          int     // 0 disables retrieval
	RAGMinSimilarity float32 // similarity floor for grounding chunks

	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	RateLimiter          *rate.Limiter // nil = default 10 rps, burst 30
}

func (cfg Config) validate() error {
	if cfg.Model == nil {
		return errors.New("model is required")
	}
	if cfg.Registry == nil {
		return errors.New("tool registry is required")
	}
	if cfg.Messages == nil {
		return errors.New("message log is required")
	}
	if cfg.Reconstructor == nil {
		return errors.New("reconstructor is required")
	}
	if cfg.Retriever == nil {
		return errors.New("retriever is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.SystemIdentity == "" {
		return errors.New("system identity is required")
	}
	return nil
}

// Request is one user turn entering the engine.
type Request struct {
	ContextID string // conversation context (chat) identifier
	OwnerID   string // authenticated user identity; tools act on its behalf
	Input     string // user text
}

// Response is the outcome of one chat turn.
type Response struct {
	Text         string                    // primary reply
	Messages     []string                  // full multi-message delivery; first equals Text
	ToolCalls    []conversation.ToolCall   // tool invocations made during the turn
	ToolResults  []conversation.ToolResult // their outcomes, in execution order
	TokensUsed   int                       // provider-reported total across steps
	ResponseTime time.Duration             // wall time including retries
	Budget       TokenBudget               // context accounting of the final attempt
}

// Engine is the tool-calling orchestrator. All configuration is captured
// immutably at construction; Engine is safe for concurrent use.
type Engine struct {
	model     Model
	registry  *tools.Registry
	messages  conversation.Log
	history   *conversation.Reconstructor
	retriever *knowledge.Retriever
	profiles  profile.Lookup
	sessions  *session.Store
	logger    log.Logger

	assembler        *Assembler
	specs            []ToolSpec
	maxSteps         int
	maxOutputTokens  int
	temperature      float32
	maxHistoryTurns  int
	maxHistoryTokens int
	ragTopK          int
	ragMinSimilarity float32

	retryConfig RetryConfig
	breaker     *CircuitBreaker
	limiter     *rate.Limiter
}

// New creates the conversation engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 5
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 1024
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = 50
	}
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = 8000
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 32000
	}
	if cfg.RetryConfig.MaxRetries == 0 && cfg.RetryConfig.InitialInterval == 0 {
		cfg.RetryConfig = DefaultRetryConfig()
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = rate.NewLimiter(10, 30)
	}

	assembler, err := NewAssembler(cfg.SystemIdentity, cfg.ContextWindow)
	if err != nil {
		return nil, err
	}

	// Tool specs are cached at construction; the registry is fixed for the
	// engine's lifetime.
	all := cfg.Registry.All()
	specs := make([]ToolSpec, len(all))
	for i, t := range all {
		specs[i] = ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}

	e := &Engine{
		model:            cfg.Model,
		registry:         cfg.Registry,
		messages:         cfg.Messages,
		history:          cfg.Reconstructor,
		retriever:        cfg.Retriever,
		profiles:         cfg.Profiles,
		sessions:         cfg.Sessions,
		logger:           cfg.Logger,
		assembler:        assembler,
		specs:            specs,
		maxSteps:         cfg.MaxSteps,
		maxOutputTokens:  cfg.MaxOutputTokens,
		temperature:      cfg.Temperature,
		maxHistoryTurns:  cfg.MaxHistoryTurns,
		maxHistoryTokens: cfg.MaxHistoryTokens,
		ragTopK:          cfg.RAGTopK,
		ragMinSimilarity: cfg.RAGMinSimilarity,
		retryConfig:      cfg.RetryConfig,
		breaker:          NewCircuitBreaker(cfg.CircuitBreakerConfig),
		limiter:          cfg.RateLimiter,
	}

	e.logger.Info("conversation engine initialized",
		"tools", strings.Join(cfg.Registry.Names(), ", "),
		"max_steps", e.maxSteps,
		"rag_top_k", e.ragTopK)
	return e, nil
}

// Chat runs one user turn: retrieval, context assembly, the stepped tool
// loop, bounded retries on transient failures, and step-trace persistence.
// All failures cross this boundary as *Error.
func (e *Engine) Chat(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if req.ContextID == "" || req.OwnerID == "" {
		return nil, NewError(KindInvalidArgument, "contextID and ownerID are required", nil)
	}

	if err := e.breaker.Allow(); err != nil {
		return nil, NewError(KindUpstreamCall, "generation provider unavailable", err)
	}

	var lastErr *Error
	delay := e.retryConfig.InitialInterval

	for attempt := 0; attempt <= e.retryConfig.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, NewError(KindUnknown, "rate limit wait", err)
		}

		// Each attempt re-runs retrieval and assembly, not just the final
		// call: context may have shifted between attempts.
		resp, err := e.attempt(ctx, req)
		if err == nil {
			e.breaker.Success()
			resp.ResponseTime = time.Since(start)
			e.persistTrace(ctx, req, resp)
			e.logger.Debug("chat turn completed",
				"context_id", req.ContextID,
				"attempts", attempt+1,
				"tokens", resp.TokensUsed,
				"elapsed", resp.ResponseTime)
			return resp, nil
		}

		cerr := classify(err)
		e.breaker.Failure()

		if !cerr.Retryable() {
			e.logger.Error("chat turn failed",
				"context_id", req.ContextID,
				"code", cerr.Code(),
				"error", cerr)
			return nil, cerr
		}

		lastErr = cerr
		if attempt == e.retryConfig.MaxRetries {
			break
		}

		e.logger.Debug("retrying after transient failure",
			"context_id", req.ContextID,
			"attempt", attempt+1,
			"delay", delay,
			"error", cerr)

		select {
		case <-ctx.Done():
			return nil, NewError(KindUnknown, "context canceled during retry", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, e.retryConfig.MaxInterval)
		}
	}

	return nil, NewError(KindRetryExhausted,
		fmt.Sprintf("all %d attempts failed", e.retryConfig.MaxRetries+1), lastErr)
}

// attempt runs the full single-attempt algorithm: RAG, history
// reconstruction, assembly, and the bounded tool loop.
func (e *Engine) attempt(ctx context.Context, req Request) (*Response, error) {
	chunks := e.retrieveGrounding(ctx, req.ContextID, req.Input)

	history, err := e.history.Reconstruct(ctx, req.ContextID, e.maxHistoryTurns)
	if err != nil {
		return nil, NewError(KindUnknown, "history reconstruction failed", err)
	}
	history = truncateHistory(history, e.maxHistoryTokens)

	prof := e.lookupProfile(ctx, req.ContextID)
	asm := e.assembler.Assemble(prof, e.specs, chunks, history, req.Input)
	if asm.Budget.NearLimit {
		e.logger.Warn("context window near exhaustion",
			"context_id", req.ContextID,
			"estimated_tokens", asm.Budget.Estimated,
			"usage_percent", asm.Budget.UsagePercent)
	}

	return e.runToolLoop(ctx, req, asm)
}

// runToolLoop drives the stepped generation/tool-execution loop, bounded
// by maxSteps.
func (e *Engine) runToolLoop(ctx context.Context, req Request, asm Assembled) (*Response, error) {
	turns := asm.Turns
	ownerCtx := tools.ContextWithOwnerID(ctx, req.OwnerID)

	var (
		allCalls   []conversation.ToolCall
		allResults []conversation.ToolResult
		literals   []string
		tokens     int
		finalText  string
	)

	for step := 0; step < e.maxSteps; step++ {
		resp, err := e.model.Generate(ctx, &ModelRequest{
			System:          asm.System,
			Turns:           turns,
			Tools:           e.specs,
			MaxOutputTokens: e.maxOutputTokens,
			Temperature:     e.temperature,
		})
		if err != nil {
			return nil, err
		}
		tokens += resp.Usage.TotalTokens
		finalText = resp.Text

		if len(resp.ToolCalls) == 0 {
			break
		}

		results := make([]conversation.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			tool, ok := e.registry.Lookup(call.Name)
			if !ok {
				return nil, NewError(KindNoSuchTool,
					fmt.Sprintf("model requested unknown tool %q", call.Name), nil)
			}

			toolStart := time.Now()
			result, err := tool.Execute(ownerCtx, call.Input)
			if err != nil {
				switch {
				case errors.Is(err, tools.ErrInvalidInput):
					return nil, NewError(KindInvalidToolInput,
						fmt.Sprintf("tool %q rejected input", call.Name), err)
				case errors.Is(err, tools.ErrMissingOwner):
					return nil, NewError(KindInvalidArgument,
						fmt.Sprintf("tool %q executed without owner identity", call.Name), err)
				default:
					return nil, NewError(KindUnknown,
						fmt.Sprintf("tool %q execution failed", call.Name), err)
				}
			}
			e.logger.Debug("tool executed",
				"tool", call.Name,
				"elapsed", time.Since(toolStart))

			output, err := json.Marshal(result)
			if err != nil {
				return nil, NewError(KindTypeValidation,
					fmt.Sprintf("tool %q result not serializable", call.Name), err)
			}
			results = append(results, conversation.ToolResult{
				Ref:    call.Ref,
				Name:   call.Name,
				Output: output,
			})
			literals = append(literals, result.Literal()...)
		}

		allCalls = append(allCalls, resp.ToolCalls...)
		allResults = append(allResults, results...)

		// Replay the step to the model: call turn then result turn.
		turns = append(turns,
			conversation.Turn{Role: conversation.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls},
			conversation.Turn{Role: conversation.RoleTool, ToolResults: results},
		)
	}

	// A tool-supplied literal reply supersedes the model's freeform
	// commentary; the first literal is the primary text.
	messages := literals
	text := finalText
	if len(messages) > 0 {
		text = messages[0]
	} else if strings.TrimSpace(text) == "" {
		return nil, NewError(KindNoContent, "provider produced no usable content", nil)
	}

	return &Response{
		Text:        text,
		Messages:    messages,
		ToolCalls:   allCalls,
		ToolResults: allResults,
		TokensUsed:  tokens,
		Budget:      asm.Budget,
	}, nil
}

// retrieveGrounding fetches RAG chunks with graceful degradation: any
// retrieval failure logs and continues without grounding.
func (e *Engine) retrieveGrounding(ctx context.Context, contextID, query string) []knowledge.Scored {
	if e.ragTopK <= 0 {
		return nil
	}
	if disabled, _ := e.sessions.GetField(contextID, ragDisabledField); disabled == true {
		return nil
	}

	ragCtx, cancel := context.WithTimeout(ctx, ragRetrievalTimeout)
	defer cancel()

	chunks, err := e.retriever.Retrieve(ragCtx, contextID, query, e.ragTopK, e.ragMinSimilarity)
	if err != nil {
		if ctx.Err() != nil || ragCtx.Err() != nil {
			e.logger.Debug("grounding retrieval timed out, continuing without context",
				"context_id", contextID, "error", err)
		} else {
			e.logger.Warn("grounding retrieval failed, continuing without context",
				"context_id", contextID, "error", err)
		}
		return nil
	}
	return chunks
}

// lookupProfile fetches the personalization record; failures degrade to an
// unpersonalized prompt.
func (e *Engine) lookupProfile(ctx context.Context, contextID string) *profile.Profile {
	if e.profiles == nil {
		return nil
	}
	prof, err := e.profiles.Get(ctx, contextID)
	if err != nil {
		e.logger.Warn("profile lookup failed", "context_id", contextID, "error", err)
		return nil
	}
	return prof
}

// persistTrace appends the turn's full step trace to the message log.
// Persistence failures are logged but do not fail the turn; the reply has
// already been produced.
func (e *Engine) persistTrace(ctx context.Context, req Request, resp *Response) {
	if err := e.messages.Append(ctx, conversation.NewUserRecord(req.ContextID, req.Input)); err != nil {
		e.logger.Error("failed to persist user turn", "context_id", req.ContextID, "error", err)
		return
	}

	rec, err := conversation.NewAssistantRecord(req.ContextID, resp.Text, resp.ToolCalls, resp.ToolResults)
	if err != nil {
		e.logger.Error("failed to encode assistant turn", "context_id", req.ContextID, "error", err)
		return
	}
	if err := e.messages.Append(ctx, rec); err != nil {
		e.logger.Error("failed to persist assistant turn", "context_id", req.ContextID, "error", err)
	}
}

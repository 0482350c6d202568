package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abiroot/ispbot/internal/conversation"
	"github.com/abiroot/ispbot/internal/knowledge"
	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/tools"
)

// scriptedModel replays a fixed sequence of step outcomes and records every
// request it receives.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []func(*ModelRequest) (*ModelResponse, error)
	calls    int
	requests []*ModelRequest
}

func (m *scriptedModel) Generate(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	step := m.calls
	m.calls++
	if step >= len(m.steps) {
		step = len(m.steps) - 1 // repeat the last step
	}
	return m.steps[step](req)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func reply(text string) func(*ModelRequest) (*ModelResponse, error) {
	return func(*ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{Text: text, Usage: Usage{TotalTokens: 10}}, nil
	}
}

func fail(msg string) func(*ModelRequest) (*ModelResponse, error) {
	return func(*ModelRequest) (*ModelResponse, error) {
		return nil, errors.New(msg)
	}
}

func callTool(name string, input string) func(*ModelRequest) (*ModelResponse, error) {
	return func(*ModelRequest) (*ModelResponse, error) {
		return &ModelResponse{
			ToolCalls: []conversation.ToolCall{{Ref: "call-1", Name: name, Input: json.RawMessage(input)}},
			Usage:     Usage{TotalTokens: 5},
		}, nil
	}
}

// memLog is an in-memory conversation.Log.
type memLog struct {
	mu      sync.Mutex
	records []conversation.Record
}

func (m *memLog) Append(_ context.Context, rec *conversation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Sequence = int64(len(m.records) + 1)
	m.records = append(m.records, *rec)
	return nil
}

func (m *memLog) Recent(_ context.Context, contextID string, limit int) ([]conversation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []conversation.Record
	for _, rec := range m.records {
		if rec.ContextID == contextID {
			out = append(out, rec)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type stubSearcher struct {
	chunks []knowledge.Scored
	err    error
}

func (s *stubSearcher) Search(context.Context, string, []float32, int) ([]knowledge.Scored, error) {
	return s.chunks, s.err
}

type engineOption func(*Config)

func newTestEngine(t *testing.T, model Model, opts ...engineOption) (*Engine, *memLog) {
	t.Helper()

	logger := log.NewNop()
	msgLog := &memLog{}
	reconstructor, err := conversation.NewReconstructor(msgLog, logger)
	require.NoError(t, err)
	retriever, err := knowledge.NewRetriever(stubEmbedder{}, &stubSearcher{}, logger)
	require.NoError(t, err)

	cfg := Config{
		Model:          model,
		Registry:       tools.NewRegistry(),
		Messages:       msgLog,
		Reconstructor:  reconstructor,
		Retriever:      retriever,
		Sessions:       session.NewStore(time.Hour, logger),
		Logger:         logger,
		SystemIdentity: "You are a support assistant.",
		RetryConfig: RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	engine, err := New(cfg)
	require.NoError(t, err)
	return engine, msgLog
}

func testRequest() Request {
	return Request{ContextID: "ctx-1", OwnerID: "user-1", Input: "hello"}
}

func TestChatSimpleReply(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		reply("Hi! How can I help?"),
	}}
	engine, msgLog := newTestEngine(t, model)

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "Hi! How can I help?", resp.Text)
	assert.Empty(t, resp.Messages)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 10, resp.TokensUsed)
	assert.Equal(t, 1, model.callCount())

	// The turn trace is persisted: one user record, one assistant record.
	records, err := msgLog.Recent(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, conversation.RoleUser, records[0].Role)
	assert.Equal(t, conversation.RoleAssistant, records[1].Role)
}

func TestChatRetriesTransientFailuresThenSucceeds(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail("upstream returned 503 service unavailable"),
		fail("upstream returned 503 service unavailable"),
		reply("recovered"),
	}}
	engine, _ := newTestEngine(t, model)

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 3, model.callCount())
	assert.Greater(t, resp.ResponseTime, time.Duration(0))
}

func TestChatRetryExhausted(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail("upstream returned 503 service unavailable"),
	}}
	engine, msgLog := newTestEngine(t, model)

	_, err := engine.Chat(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, KindRetryExhausted, KindOf(err))

	// Exactly maxRetries + 1 total attempts.
	assert.Equal(t, 4, model.callCount())

	// The terminal error wraps the last transient failure.
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindUpstreamCall, KindOf(cerr.Cause))

	// Failed turns are never persisted.
	records, err := msgLog.Recent(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestChatFatalFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail("invalid argument: temperature out of range"),
	}}
	engine, _ := newTestEngine(t, model)

	_, err := engine.Chat(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Equal(t, 1, model.callCount())
}

func TestChatEachRetryReassemblesContext(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail("request timeout"),
		reply("ok"),
	}}
	engine, _ := newTestEngine(t, model)

	_, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)

	// Both attempts carried a fully assembled request, not a cached one.
	require.Len(t, model.requests, 2)
	for _, req := range model.requests {
		assert.NotEmpty(t, req.System)
		require.NotEmpty(t, req.Turns)
		assert.Equal(t, "hello", req.Turns[len(req.Turns)-1].Text)
	}
}

func TestChatValidatesRequest(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){reply("ok")}}
	engine, _ := newTestEngine(t, model)

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing context id", req: Request{OwnerID: "u", Input: "hi"}},
		{name: "missing owner id", req: Request{ContextID: "c", Input: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := engine.Chat(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, KindInvalidArgument, KindOf(err))
		})
	}
	assert.Equal(t, 0, model.callCount())
}

func TestChatUnknownToolIsFatal(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		callTool("no_such_tool", `{}`),
	}}
	engine, _ := newTestEngine(t, model)

	_, err := engine.Chat(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, KindNoSuchTool, KindOf(err))
	assert.Equal(t, 1, model.callCount())
}

func TestChatInvalidToolInputIsFatal(t *testing.T) {
	t.Parallel()

	type echoInput struct {
		Message string `json:"message"`
	}
	echo, err := tools.New("echo", "echoes the message",
		func(_ context.Context, in echoInput) (tools.Result, error) {
			return tools.Text(in.Message), nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(echo))

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		callTool("echo", `{"message": 42}`),
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) { cfg.Registry = registry })

	_, err = engine.Chat(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, KindInvalidToolInput, KindOf(err))
	assert.Equal(t, 1, model.callCount())
}

func TestChatToolLiteralSupersedesModelText(t *testing.T) {
	t.Parallel()

	type linkInput struct {
		Account string `json:"account"`
	}
	sendLink, err := tools.New("send_payment_link", "sends a payment link",
		func(_ context.Context, _ linkInput) (tools.Result, error) {
			return tools.Text("Here is your payment link: https://pay.example/abc"), nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(sendLink))

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		callTool("send_payment_link", `{"account":"A-100"}`),
		reply("I have sent the link."),
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) { cfg.Registry = registry })

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "Here is your payment link: https://pay.example/abc", resp.Text)
	assert.Equal(t, []string{"Here is your payment link: https://pay.example/abc"}, resp.Messages)
	require.Len(t, resp.ToolCalls, 1)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, "send_payment_link", resp.ToolCalls[0].Name)
	assert.Equal(t, resp.ToolCalls[0].Ref, resp.ToolResults[0].Ref)
}

func TestChatMultiMessageDelivery(t *testing.T) {
	t.Parallel()

	type noInput struct{}
	multi, err := tools.New("escalate", "escalates to a human",
		func(context.Context, noInput) (tools.Result, error) {
			return tools.MultiText("A human agent will contact you shortly.", "Your ticket number is T-42."), nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(multi))

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		callTool("escalate", `{}`),
		reply("done"),
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) { cfg.Registry = registry })

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)

	require.Equal(t, []string{
		"A human agent will contact you shortly.",
		"Your ticket number is T-42.",
	}, resp.Messages)
	assert.Equal(t, resp.Messages[0], resp.Text)
}

func TestChatStructuredResultFeedsNextStep(t *testing.T) {
	t.Parallel()

	type balanceInput struct {
		Account string `json:"account"`
	}
	balance, err := tools.New("get_balance", "fetches account balance",
		func(context.Context, balanceInput) (tools.Result, error) {
			return tools.Structured(map[string]any{"amount": 42.5, "currency": "USD"}), nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(balance))

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		callTool("get_balance", `{"account":"A-100"}`),
		reply("Your balance is 42.50 USD."),
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) { cfg.Registry = registry })

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)

	// Structured results leave the reply to the model.
	assert.Equal(t, "Your balance is 42.50 USD.", resp.Text)
	assert.Empty(t, resp.Messages)

	// The second step replayed the call and its result to the model.
	require.Equal(t, 2, model.callCount())
	secondReq := model.requests[1]
	var sawCall, sawResult bool
	for _, turn := range secondReq.Turns {
		if len(turn.ToolCalls) > 0 {
			sawCall = true
		}
		if len(turn.ToolResults) > 0 {
			sawResult = true
			assert.Equal(t, conversation.RoleTool, turn.Role)
		}
	}
	assert.True(t, sawCall)
	assert.True(t, sawResult)
}

func TestChatStepBound(t *testing.T) {
	t.Parallel()

	type noInput struct{}
	looping, err := tools.New("probe", "probes the network",
		func(context.Context, noInput) (tools.Result, error) {
			return tools.Structured(map[string]any{"status": "checking"}), nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(looping))

	// The model never stops asking for tools; the loop must cut it off.
	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		func(*ModelRequest) (*ModelResponse, error) {
			return &ModelResponse{
				Text:      "still checking",
				ToolCalls: []conversation.ToolCall{{Ref: "r", Name: "probe", Input: json.RawMessage(`{}`)}},
			}, nil
		},
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) { cfg.Registry = registry })

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 5, model.callCount())
	assert.Equal(t, "still checking", resp.Text)
	assert.Len(t, resp.ToolCalls, 5)
}

func TestChatNoContentIsRetriedThenSurfaced(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		reply("   "),
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) {
		cfg.RetryConfig = RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	})

	_, err := engine.Chat(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, KindRetryExhausted, KindOf(err))
	assert.Equal(t, 2, model.callCount())

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNoContent, KindOf(cerr.Cause))
}

func TestChatOwnerIdentityReachesTools(t *testing.T) {
	t.Parallel()

	type noInput struct{}
	var seenOwner string
	whoami, err := tools.New("whoami", "reports the acting identity",
		func(ctx context.Context, _ noInput) (tools.Result, error) {
			owner, err := tools.RequireOwnerID(ctx)
			if err != nil {
				return tools.Result{}, err
			}
			seenOwner = owner
			return tools.Text("you are " + owner), nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(whoami))

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		callTool("whoami", `{}`),
		reply("done"),
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) { cfg.Registry = registry })

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "user-1", seenOwner)
	assert.Equal(t, "you are user-1", resp.Text)
}

func TestChatPersistsToolTrace(t *testing.T) {
	t.Parallel()

	type noInput struct{}
	ping, err := tools.New("ping", "pings the service",
		func(context.Context, noInput) (tools.Result, error) {
			return tools.Structured(map[string]string{"status": "up"}), nil
		})
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(ping))

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		callTool("ping", `{}`),
		reply("All systems are up."),
	}}
	engine, msgLog := newTestEngine(t, model, func(cfg *Config) { cfg.Registry = registry })

	_, err = engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)

	records, err := msgLog.Recent(context.Background(), "ctx-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assistant := records[1]
	require.NotEmpty(t, assistant.ToolMeta)
	var meta struct {
		Calls   []conversation.ToolCall   `json:"calls"`
		Results []conversation.ToolResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(assistant.ToolMeta, &meta))
	require.Len(t, meta.Calls, 1)
	require.Len(t, meta.Results, 1)
	assert.Equal(t, "ping", meta.Calls[0].Name)
}

func TestChatGroundingFailureDegradesGracefully(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		reply("answered without grounding"),
	}}

	logger := log.NewNop()
	retriever, err := knowledge.NewRetriever(stubEmbedder{}, &stubSearcher{err: errors.New("vector index offline")}, logger)
	require.NoError(t, err)

	engine, _ := newTestEngine(t, model, func(cfg *Config) {
		cfg.Retriever = retriever
		cfg.RAGTopK = 3
		cfg.RAGMinSimilarity = 0.5
	})

	resp, err := engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "answered without grounding", resp.Text)
}

func TestChatGroundingAppearsInSystemPrompt(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		reply("grounded answer"),
	}}

	logger := log.NewNop()
	searcher := &stubSearcher{chunks: []knowledge.Scored{{
		Chunk:      knowledge.Chunk{Content: "Router reboot fixes most DSL drops."},
		Similarity: 0.91,
	}}}
	retriever, err := knowledge.NewRetriever(stubEmbedder{}, searcher, logger)
	require.NoError(t, err)

	engine, _ := newTestEngine(t, model, func(cfg *Config) {
		cfg.Retriever = retriever
		cfg.RAGTopK = 3
		cfg.RAGMinSimilarity = 0.5
	})

	_, err = engine.Chat(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, model.requests, 1)
	assert.Contains(t, model.requests[0].System, "Router reboot fixes most DSL drops.")
}

func TestChatOpenBreakerRejectsImmediately(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		fail("invalid argument: bad request"),
	}}
	engine, _ := newTestEngine(t, model, func(cfg *Config) {
		cfg.CircuitBreakerConfig = CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour}
	})

	_, err := engine.Chat(context.Background(), testRequest())
	require.Error(t, err)
	require.Equal(t, 1, model.callCount())

	// The breaker opened on the first failure; the next turn is rejected
	// without touching the provider.
	_, err = engine.Chat(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, KindUpstreamCall, KindOf(err))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, model.callCount())
}

func TestChatHistoryFlowsIntoPrompt(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []func(*ModelRequest) (*ModelResponse, error){
		reply("second answer"),
	}}
	engine, msgLog := newTestEngine(t, model)

	ctx := context.Background()
	require.NoError(t, msgLog.Append(ctx, conversation.NewUserRecord("ctx-1", "my internet is down")))

	_, err := engine.Chat(ctx, testRequest())
	require.NoError(t, err)

	require.Len(t, model.requests, 1)
	turns := model.requests[0].Turns
	require.Len(t, turns, 2)
	assert.Equal(t, "my internet is down", turns[0].Text)
	assert.Equal(t, "hello", turns[1].Text)
}

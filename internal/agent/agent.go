package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/ragchat/internal/ai"
	"github.com/xxxsen/ragchat/internal/model"
	appErr "github.com/xxxsen/ragchat/internal/pkg/errors"
)

type State int

const (
	StateStart State = iota
	StateAwaitingModel
	StateToolRequested
	StateToolExecuting
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateToolRequested:
		return "tool_requested"
	case StateToolExecuting:
		return "tool_executing"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	defaultMaxToolRounds      = 5
	defaultHistoryWindow      = 20
	maxCallsPerRound          = 8
	maxConsecutiveErrorRounds = 3
	toolConcurrency           = 4

	forceAnswerInstruction = "Tool budget exhausted. Answer the user now using only the information already gathered, " +
		"in the user's language. Do not request further tools."
	fallbackIntro   = "Non sono riuscito a completare la ricerca. Ecco le informazioni raccolte finora:"
	fallbackNothing = "Mi dispiace, al momento non riesco a rispondere alla tua domanda. Riprova tra poco."
	fallbackSnippet = 1500
)

// HistoryReader supplies prior turns of a session. *session.Store satisfies it.
type HistoryReader interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]model.Message, error)
}

type Config struct {
	SystemPrompt  string
	MaxToolRounds int
	HistoryWindow int
	Retry         RetryPolicy
}

// Agent drives one chatbot: a fixed system prompt and a toolset bound to the
// chatbot's collection. It is safe for concurrent use.
type Agent struct {
	name    string
	model   ai.IChatModel
	tools   *Toolset
	history HistoryReader
	cfg     Config
	sleep   sleepFunc
	jitter  func() float64
}

func New(name string, chatModel ai.IChatModel, tools *Toolset, history HistoryReader, cfg Config) *Agent {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	cfg.Retry = cfg.Retry.normalized()
	return &Agent{
		name:    name,
		model:   chatModel,
		tools:   tools,
		history: history,
		cfg:     cfg,
		sleep:   sleepContext,
		jitter:  defaultJitter,
	}
}

func (a *Agent) Name() string {
	return a.name
}

func (a *Agent) Collection() string {
	return a.tools.Collection()
}

type Result struct {
	Answer string
	// Rounds is the number of tool rounds executed.
	Rounds    int
	ToolCalls int
	// Forced is set when the answer was produced after the round budget or
	// the error budget ran out.
	Forced bool
	// MessagesReturned counts the messages produced by this turn: the user
	// message, tool requests, tool results and the answer.
	MessagesReturned int
	States           []State
}

type toolOutcome struct {
	call    ai.ToolCall
	content string
	err     error
}

type run struct {
	sessionID   string
	state       State
	messages    []ai.ChatMessage
	turnStart   int
	pending     []ai.ToolCall
	rounds      int
	toolCalls   int
	errorRounds int
	forced      bool
	gathered    []string
	answer      string
	states      []State
}

func (r *run) moveTo(s State) {
	r.state = s
	r.states = append(r.states, s)
}

// Run answers userMessage in the context of the session history. Nothing is
// persisted here; callers record the turn once Run returns successfully.
func (a *Agent) Run(ctx context.Context, sessionID, userMessage string) (*Result, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, fmt.Errorf("empty message: %w", appErr.ErrInvalid)
	}
	r := &run{sessionID: sessionID, states: []State{StateStart}}
	logger := logutil.GetLogger(ctx).With(zap.String("agent", a.name), zap.String("session_id", sessionID))
	for r.state != StateFinished {
		var err error
		switch r.state {
		case StateStart:
			err = a.start(ctx, r, userMessage)
		case StateAwaitingModel:
			err = a.awaitModel(ctx, r)
		case StateToolRequested:
			a.toolRequested(ctx, r)
		case StateToolExecuting:
			err = a.executeTools(ctx, r)
		}
		if err != nil {
			logger.Error("agent run failed", zap.String("state", r.state.String()), zap.Error(err))
			return nil, err
		}
	}
	logger.Info("agent run finished",
		zap.Int("rounds", r.rounds),
		zap.Int("tool_calls", r.toolCalls),
		zap.Bool("forced", r.forced),
	)
	return &Result{
		Answer:           r.answer,
		Rounds:           r.rounds,
		ToolCalls:        r.toolCalls,
		Forced:           r.forced,
		MessagesReturned: len(r.messages) - r.turnStart,
		States:           r.states,
	}, nil
}

func (a *Agent) start(ctx context.Context, r *run, userMessage string) error {
	r.messages = append(r.messages, ai.ChatMessage{Role: ai.RoleSystem, Content: a.cfg.SystemPrompt})
	if a.history != nil && r.sessionID != "" {
		history, err := a.history.GetHistory(ctx, r.sessionID, a.cfg.HistoryWindow)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, msg := range history {
			role := ai.RoleUser
			if msg.Role == model.RoleAssistant {
				role = ai.RoleAssistant
			}
			r.messages = append(r.messages, ai.ChatMessage{Role: role, Content: msg.Content})
		}
	}
	r.turnStart = len(r.messages)
	r.messages = append(r.messages, ai.ChatMessage{Role: ai.RoleUser, Content: userMessage})
	r.moveTo(StateAwaitingModel)
	return nil
}

func (a *Agent) awaitModel(ctx context.Context, r *run) error {
	req := &ai.ChatRequest{Messages: r.messages}
	final := r.rounds >= a.cfg.MaxToolRounds || r.errorRounds >= maxConsecutiveErrorRounds
	if final {
		r.forced = r.toolCalls > 0
		req.Messages = append(append([]ai.ChatMessage(nil), r.messages...), ai.ChatMessage{Role: ai.RoleSystem, Content: forceAnswerInstruction})
	} else {
		req.Tools = a.tools.Definitions()
	}
	resp, err := withRetry(ctx, "chat", a.cfg.Retry, a.sleep, a.jitter, func(ctx context.Context) (*ai.ChatResponse, error) {
		return a.model.Chat(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if final && len(r.gathered) > 0 {
			logutil.GetLogger(ctx).Warn("final answer call failed, synthesizing",
				zap.NamedError("bound", appErr.ErrLoopBoundExceeded), zap.Error(err))
			a.finishWithFallback(r)
			return nil
		}
		if errors.Is(err, appErr.ErrProviderUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", appErr.ErrProviderUnavailable, a.model.ModelName(), err)
	}
	if len(resp.ToolCalls) > 0 {
		if final {
			logutil.GetLogger(ctx).Warn("model still requests tools after budget",
				zap.NamedError("bound", appErr.ErrLoopBoundExceeded), zap.Int("rounds", r.rounds))
			a.finishWithFallback(r)
			return nil
		}
		r.messages = append(r.messages, ai.ChatMessage{Role: ai.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		r.pending = resp.ToolCalls
		r.moveTo(StateToolRequested)
		return nil
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		a.finishWithFallback(r)
		return nil
	}
	r.answer = answer
	r.messages = append(r.messages, ai.ChatMessage{Role: ai.RoleAssistant, Content: answer})
	r.moveTo(StateFinished)
	return nil
}

func (a *Agent) toolRequested(ctx context.Context, r *run) {
	r.rounds++
	logutil.GetLogger(ctx).Debug("tool round requested",
		zap.String("agent", a.name),
		zap.Int("round", r.rounds),
		zap.Int("calls", len(r.pending)),
	)
	r.moveTo(StateToolExecuting)
}

func (a *Agent) executeTools(ctx context.Context, r *run) error {
	calls := r.pending
	r.pending = nil
	outcomes := make([]toolOutcome, len(calls))
	var g errgroup.Group
	g.SetLimit(toolConcurrency)
	for i, call := range calls {
		i, call := i, call
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", r.rounds, i)
			calls[i].ID = call.ID
		}
		outcomes[i].call = call
		if i >= maxCallsPerRound {
			outcomes[i].err = fmt.Errorf("too many tool calls in one turn: %w", appErr.ErrInvalid)
			continue
		}
		g.Go(func() error {
			content, err := withRetry(ctx, "tool:"+call.Name, a.cfg.Retry, a.sleep, a.jitter, func(ctx context.Context) (string, error) {
				return a.tools.Execute(ctx, call)
			})
			outcomes[i].content, outcomes[i].err = content, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	failed := 0
	for _, out := range outcomes {
		r.toolCalls++
		content := out.content
		if out.err != nil {
			failed++
			content = "error: " + out.err.Error()
			logutil.GetLogger(ctx).Warn("tool call failed",
				zap.String("agent", a.name),
				zap.String("tool", out.call.Name),
				zap.Error(out.err),
			)
		} else {
			r.gathered = append(r.gathered, content)
		}
		r.messages = append(r.messages, ai.ChatMessage{
			Role:       ai.RoleTool,
			Content:    content,
			ToolCallID: out.call.ID,
			Name:       out.call.Name,
		})
	}
	if failed == len(outcomes) {
		r.errorRounds++
	} else {
		r.errorRounds = 0
	}
	r.moveTo(StateAwaitingModel)
	return nil
}

// finishWithFallback ends the run with an answer assembled from the tool
// results gathered so far.
func (a *Agent) finishWithFallback(r *run) {
	r.forced = true
	if len(r.gathered) == 0 {
		r.answer = fallbackNothing
	} else {
		var sb strings.Builder
		sb.WriteString(fallbackIntro)
		for _, item := range r.gathered {
			sb.WriteString("\n\n")
			sb.WriteString(truncate(item, fallbackSnippet))
		}
		r.answer = sb.String()
	}
	r.messages = append(r.messages, ai.ChatMessage{Role: ai.RoleAssistant, Content: r.answer})
	r.moveTo(StateFinished)
}

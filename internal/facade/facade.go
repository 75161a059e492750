// Package facade runs one workflow command at a time against the
// external agent runtime, intercepts tool-level questions through the
// broker, and parses the terminal result into a structured outcome.
package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autopilot/internal/logx"
	"autopilot/internal/model"
)

// MessageType classifies one streamed message from the agent runtime.
type MessageType string

const (
	MessageInit      MessageType = "init"
	MessageAssistant MessageType = "assistant"
	MessageToolCall  MessageType = "tool_call"
	MessageResult    MessageType = "result"
)

// ToolCall is a tool-level request from the agent, most importantly the
// "ask-user-question" tool that routes through the broker.
type ToolCall struct {
	// Respond delivers the answer map back into the stream and unblocks
	// the agent runtime. Implementations of Runtime must supply it.
	Respond func(answers map[string]string) error

	ID    string
	Name  string
	Phase int
	Step  model.Step
	Items []model.QuestionItem
}

// ResultSubtype classifies the terminal "result" message.
type ResultSubtype string

const (
	SubtypeSuccess ResultSubtype = "success"
)

// Message is one item streamed from the agent runtime.
type Message struct {
	ToolCall   *ToolCall
	Text       string
	SessionID  string
	Subtype    ResultSubtype
	ResultText string
	ErrorStrs  []string
	CostUSD    float64
	NumTurns   int
	IsError    bool
	Type       MessageType
}

// Runtime is the narrow interface the Agent Facade uses to talk to the
// external agent process. The concrete implementation (a CLI subprocess,
// an SDK client, a mock) is an external collaborator outside this spec's
// core.
type Runtime interface {
	// Stream runs prompt under opts and returns a channel of messages,
	// closed when the stream ends (naturally or via ctx cancellation).
	Stream(ctx context.Context, prompt string, opts RunOptions) (<-chan Message, error)
}

// RunOptions parameterizes one command.
type RunOptions struct {
	Command    string // discuss|plan|execute|verify|initialize|complete
	Depth      string
	Model      string
	AutoAnswer bool
}

// Subscriber receives every message re-emitted by a running command, in
// stream order.
type Subscriber func(Message)

// Outcome is the parsed terminal result of one command.
type Outcome struct {
	Error      string
	ResultText string
	SessionID  string
	Success    bool
	DurationMS int64
	CostUSD    float64
	NumTurns   int
}

// ErrAlreadyRunning is returned when Run is called while another
// command is still in flight.
var ErrAlreadyRunning = errors.New("facade: a command is already running")

// Facade enforces single-flight execution of workflow commands.
type Facade struct {
	runtime Runtime
	broker  QuestionBroker
	logger  *logx.Logger

	defaultTimeout time.Duration

	mu          sync.Mutex
	subscribers []Subscriber

	running int32 // atomic bool
	abort   atomic.Pointer[context.CancelFunc]
}

// QuestionBroker is the subset of broker.Broker the facade depends on.
type QuestionBroker interface {
	HandleQuestion(phase int, step model.Step, items []model.QuestionItem) (map[string]string, error)
}

// New constructs a Facade over runtime, delegating ask-user-question tool
// calls to broker.
func New(runtime Runtime, broker QuestionBroker, defaultTimeout time.Duration) *Facade {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &Facade{
		runtime:        runtime,
		broker:         broker,
		logger:         logx.NewLogger("facade"),
		defaultTimeout: defaultTimeout,
	}
}

// Subscribe registers a callback invoked for every message of every
// subsequent Run. Not safe to call concurrently with Run.
func (f *Facade) Subscribe(sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, sub)
}

func (f *Facade) emit(msg Message) {
	f.mu.Lock()
	subs := append([]Subscriber(nil), f.subscribers...)
	f.mu.Unlock()
	for _, s := range subs {
		s(msg)
	}
}

// Abort cancels the in-flight command, if any. A no-op otherwise.
func (f *Facade) Abort() {
	if p := f.abort.Load(); p != nil {
		(*p)()
	}
}

// Run executes one workflow command against the agent runtime. It fails
// fast with ErrAlreadyRunning if another command is already executing
// (at most one command may execute at any instant).
func (f *Facade) Run(ctx context.Context, prompt string, phase int, step model.Step, opts RunOptions) (*Outcome, error) {
	if !atomic.CompareAndSwapInt32(&f.running, 0, 1) {
		return nil, ErrAlreadyRunning
	}
	defer atomic.StoreInt32(&f.running, 0)

	timeout := f.defaultTimeout
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	f.abort.Store(&cancel)
	defer func() {
		cancel()
		f.abort.Store(nil)
	}()

	started := time.Now()

	stream, err := f.runtime.Stream(runCtx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("start command %s: %w", opts.Command, err)
	}

	outcome, streamErr := f.consume(runCtx, stream, phase, step, opts)

	if streamErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &Outcome{
				Success:    false,
				Error:      fmt.Sprintf("Command timed out after %dms", timeout.Milliseconds()),
				DurationMS: time.Since(started).Milliseconds(),
			}, nil
		}
		return nil, streamErr
	}

	outcome.DurationMS = time.Since(started).Milliseconds()
	return outcome, nil
}

func (f *Facade) consume(ctx context.Context, stream <-chan Message, phase int, step model.Step, opts RunOptions) (*Outcome, error) {
	var result *Message

	for msg := range stream {
		f.emit(msg)

		if msg.Type == MessageInit {
			continue
		}

		if msg.Type == MessageToolCall && msg.ToolCall != nil && msg.ToolCall.Name == "ask-user-question" {
			f.handleToolCall(ctx, msg.ToolCall, phase, step, opts)
			continue
		}

		if msg.Type == MessageResult {
			m := msg
			result = &m
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if result == nil {
		return &Outcome{Success: false, Error: "No result message received"}, nil
	}

	return classify(result), nil
}

func (f *Facade) handleToolCall(ctx context.Context, tc *ToolCall, phase int, step model.Step, opts RunOptions) {
	items := tc.Items
	if opts.AutoAnswer {
		answers := map[string]string{}
		for _, item := range items {
			if len(item.Options) > 0 {
				answers[item.Prompt] = item.Options[0].Label
			}
		}
		if tc.Respond != nil {
			if err := tc.Respond(answers); err != nil {
				f.logger.Warn("auto-answer respond failed: %v", err)
			}
		}
		return
	}

	answers, err := f.broker.HandleQuestion(phase, step, items)
	if err != nil {
		f.logger.Warn("question %s not answered: %v", tc.ID, err)
		return
	}
	if tc.Respond != nil {
		if err := tc.Respond(answers); err != nil {
			f.logger.Warn("respond to tool call %s failed: %v", tc.ID, err)
		}
	}
	_ = ctx
}

// classify applies the subtype classification rules from the spec:
// {subtype=success, is_error=false} -> success;
// {subtype=success, is_error=true}  -> failure with result preserved;
// anything else                    -> failure with joined error strings.
func classify(m *Message) *Outcome {
	out := &Outcome{
		SessionID:  m.SessionID,
		ResultText: m.ResultText,
		CostUSD:    m.CostUSD,
		NumTurns:   m.NumTurns,
	}

	if m.Subtype == SubtypeSuccess && !m.IsError {
		out.Success = true
		return out
	}

	if m.Subtype == SubtypeSuccess && m.IsError {
		out.Success = false
		out.Error = m.ResultText
		return out
	}

	out.Success = false
	if len(m.ErrorStrs) > 0 {
		joined := m.ErrorStrs[0]
		for _, s := range m.ErrorStrs[1:] {
			joined += "; " + s
		}
		out.Error = joined
	} else {
		out.Error = fmt.Sprintf("Command failed: %s", m.Subtype)
	}
	return out
}

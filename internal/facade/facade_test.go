package facade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/model"
)

// scriptedRuntime replays a fixed slice of messages and reports the
// prompt/opts it was invoked with.
type scriptedRuntime struct {
	messages []Message
	block    chan struct{} // if non-nil, Stream blocks on ctx.Done before sending anything
	lastOpts RunOptions
}

func (r *scriptedRuntime) Stream(ctx context.Context, prompt string, opts RunOptions) (<-chan Message, error) {
	r.lastOpts = opts
	out := make(chan Message, len(r.messages)+1)

	if r.block != nil {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		for _, m := range r.messages {
			select {
			case <-ctx.Done():
				return
			case out <- m:
			}
		}
	}()
	return out, nil
}

type fakeBroker struct {
	answers map[string]string
	err     error
	calls   int
}

func (b *fakeBroker) HandleQuestion(phase int, step model.Step, items []model.QuestionItem) (map[string]string, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.answers, nil
}

// TestRun_SuccessResultYieldsSuccessfulOutcome verifies the happy path:
// a success/non-error result message produces Success=true.
func TestRun_SuccessResultYieldsSuccessfulOutcome(t *testing.T) {
	rt := &scriptedRuntime{messages: []Message{
		{Type: MessageInit},
		{Type: MessageResult, Subtype: SubtypeSuccess, ResultText: "done"},
	}}
	f := New(rt, &fakeBroker{}, time.Second)

	outcome, err := f.Run(context.Background(), "do it", 1, model.StepPlan, RunOptions{Command: "plan"})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "done", outcome.ResultText)
}

// TestRun_SuccessSubtypeWithIsErrorYieldsFailure verifies the
// success-but-is_error classification rule.
func TestRun_SuccessSubtypeWithIsErrorYieldsFailure(t *testing.T) {
	rt := &scriptedRuntime{messages: []Message{
		{Type: MessageResult, Subtype: SubtypeSuccess, IsError: true, ResultText: "blew up"},
	}}
	f := New(rt, &fakeBroker{}, time.Second)

	outcome, err := f.Run(context.Background(), "p", 1, model.StepPlan, RunOptions{})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, "blew up", outcome.Error)
}

// TestRun_OtherSubtypeJoinsErrorStrings verifies the fallback failure
// classification joins multiple error strings.
func TestRun_OtherSubtypeJoinsErrorStrings(t *testing.T) {
	rt := &scriptedRuntime{messages: []Message{
		{Type: MessageResult, Subtype: "error_max_turns", ErrorStrs: []string{"turn limit", "aborted"}},
	}}
	f := New(rt, &fakeBroker{}, time.Second)

	outcome, err := f.Run(context.Background(), "p", 1, model.StepPlan, RunOptions{})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, "turn limit; aborted", outcome.Error)
}

// TestRun_NoResultMessageYieldsFailure verifies a stream that ends
// without any result message still returns a (non-error) failed outcome.
func TestRun_NoResultMessageYieldsFailure(t *testing.T) {
	rt := &scriptedRuntime{messages: []Message{{Type: MessageAssistant, Text: "thinking"}}}
	f := New(rt, &fakeBroker{}, time.Second)

	outcome, err := f.Run(context.Background(), "p", 1, model.StepPlan, RunOptions{})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, "No result message received", outcome.Error)
}

// TestRun_ToolCallRoutesThroughBrokerAndRespond verifies an
// ask-user-question tool call is answered via the broker and the answer
// is delivered back through Respond.
func TestRun_ToolCallRoutesThroughBrokerAndRespond(t *testing.T) {
	responded := make(chan map[string]string, 1)
	rt := &scriptedRuntime{messages: []Message{
		{Type: MessageToolCall, ToolCall: &ToolCall{
			ID:   "tc1",
			Name: "ask-user-question",
			Items: []model.QuestionItem{{Prompt: "ok?", Options: []model.Option{{Label: "yes"}}}},
			Respond: func(answers map[string]string) error {
				responded <- answers
				return nil
			},
		}},
		{Type: MessageResult, Subtype: SubtypeSuccess, ResultText: "done"},
	}}
	fb := &fakeBroker{answers: map[string]string{"ok?": "yes"}}
	f := New(rt, fb, time.Second)

	outcome, err := f.Run(context.Background(), "p", 1, model.StepPlan, RunOptions{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, fb.calls)

	select {
	case answers := <-responded:
		assert.Equal(t, "yes", answers["ok?"])
	case <-time.After(time.Second):
		t.Fatal("Respond was never called")
	}
}

// TestRun_AutoAnswerBypassesBrokerAndPicksFirstOption verifies
// AutoAnswer short-circuits broker dispatch with the first option of
// each question item.
func TestRun_AutoAnswerBypassesBrokerAndPicksFirstOption(t *testing.T) {
	responded := make(chan map[string]string, 1)
	rt := &scriptedRuntime{messages: []Message{
		{Type: MessageToolCall, ToolCall: &ToolCall{
			ID:   "tc1",
			Name: "ask-user-question",
			Items: []model.QuestionItem{{Prompt: "ok?", Options: []model.Option{{Label: "first"}, {Label: "second"}}}},
			Respond: func(answers map[string]string) error {
				responded <- answers
				return nil
			},
		}},
		{Type: MessageResult, Subtype: SubtypeSuccess},
	}}
	fb := &fakeBroker{}
	f := New(rt, fb, time.Second)

	_, err := f.Run(context.Background(), "p", 1, model.StepPlan, RunOptions{AutoAnswer: true})
	require.NoError(t, err)
	assert.Equal(t, 0, fb.calls)

	select {
	case answers := <-responded:
		assert.Equal(t, "first", answers["ok?"])
	case <-time.After(time.Second):
		t.Fatal("Respond was never called")
	}
}

// TestRun_SecondConcurrentCallFailsFast verifies single-flight
// enforcement: a Run already in progress blocks a second call with
// ErrAlreadyRunning.
func TestRun_SecondConcurrentCallFailsFast(t *testing.T) {
	rt := &scriptedRuntime{block: make(chan struct{})}
	f := New(rt, &fakeBroker{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		_, _ = f.Run(ctx, "p", 1, model.StepPlan, RunOptions{})
		close(done)
	}()

	<-started
	require.Eventually(t, func() bool {
		_, err := f.Run(context.Background(), "p2", 1, model.StepPlan, RunOptions{})
		return err == ErrAlreadyRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

// TestAbort_CancelsInFlightCommand verifies Abort cancels the run
// context of whatever command is currently executing.
func TestAbort_CancelsInFlightCommand(t *testing.T) {
	rt := &scriptedRuntime{block: make(chan struct{})}
	f := New(rt, &fakeBroker{}, time.Minute)

	done := make(chan struct{})
	go func() {
		_, _ = f.Run(context.Background(), "p", 1, model.StepPlan, RunOptions{})
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.Abort()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

// TestSubscribe_ReceivesEveryMessageInOrder verifies subscribers observe
// the full message stream in order.
func TestSubscribe_ReceivesEveryMessageInOrder(t *testing.T) {
	rt := &scriptedRuntime{messages: []Message{
		{Type: MessageInit},
		{Type: MessageAssistant, Text: "thinking"},
		{Type: MessageResult, Subtype: SubtypeSuccess},
	}}
	f := New(rt, &fakeBroker{}, time.Second)

	var seen []MessageType
	f.Subscribe(func(m Message) { seen = append(seen, m.Type) })

	_, err := f.Run(context.Background(), "p", 1, model.StepPlan, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []MessageType{MessageInit, MessageAssistant, MessageResult}, seen)
}

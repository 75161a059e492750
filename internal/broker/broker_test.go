package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/model"
)

// TestHandleQuestion_BlocksUntilAnswered verifies HandleQuestion suspends
// the caller until SubmitAnswer resolves the matching id.
func TestHandleQuestion_BlocksUntilAnswered(t *testing.T) {
	b := New()
	items := []model.QuestionItem{{Prompt: "proceed?", Options: []model.Option{{Label: "yes"}, {Label: "no"}}}}

	resultCh := make(chan map[string]string, 1)
	go func() {
		answers, err := b.HandleQuestion(1, model.StepVerify, items)
		require.NoError(t, err)
		resultCh <- answers
	}()

	require.Eventually(t, func() bool {
		return len(b.GetPending()) == 1
	}, time.Second, 5*time.Millisecond)

	pending := b.GetPending()
	require.Len(t, pending, 1)

	ok := b.SubmitAnswer(pending[0].ID, map[string]string{"proceed?": "yes"})
	assert.True(t, ok)

	select {
	case answers := <-resultCh:
		assert.Equal(t, "yes", answers["proceed?"])
	case <-time.After(time.Second):
		t.Fatal("HandleQuestion never returned")
	}

	assert.Empty(t, b.GetPending())
}

// TestSubmitAnswer_UnknownIDReturnsFalse verifies a stale or unknown
// submission is a no-op rather than a panic.
func TestSubmitAnswer_UnknownIDReturnsFalse(t *testing.T) {
	b := New()
	assert.False(t, b.SubmitAnswer("does-not-exist", nil))
}

// TestSubmitAnswer_DuplicateSubmitIsNoop verifies answering the same
// question twice only resolves the first call.
func TestSubmitAnswer_DuplicateSubmitIsNoop(t *testing.T) {
	b := New()
	items := []model.QuestionItem{{Prompt: "q"}}

	done := make(chan struct{})
	go func() {
		_, _ = b.HandleQuestion(1, model.StepPlan, items)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(b.GetPending()) == 1 }, time.Second, 5*time.Millisecond)
	id := b.GetPending()[0].ID

	assert.True(t, b.SubmitAnswer(id, map[string]string{"q": "a"}))
	assert.False(t, b.SubmitAnswer(id, map[string]string{"q": "b"}))

	<-done
}

// TestRejectAll_UnblocksEveryHandleWithRejectedError verifies shutdown
// semantics: every suspended caller resumes with a RejectedError.
func TestRejectAll_UnblocksEveryHandleWithRejectedError(t *testing.T) {
	b := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.HandleQuestion(1, model.StepDiscuss, []model.QuestionItem{{Prompt: "q"}})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(b.GetPending()) == 1 }, time.Second, 5*time.Millisecond)

	b.RejectAll(RejectShuttingDown)

	select {
	case err := <-errCh:
		require.Error(t, err)
		var rerr *RejectedError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, RejectShuttingDown, rerr.Reason)
	case <-time.After(time.Second):
		t.Fatal("HandleQuestion never returned")
	}

	assert.Empty(t, b.GetPending())
}

// TestGetPendingByID_ReturnsNilForUnknown verifies lookups for a missing
// id degrade gracefully instead of panicking.
func TestGetPendingByID_ReturnsNilForUnknown(t *testing.T) {
	b := New()
	assert.Nil(t, b.GetPendingByID("nope"))
}

// fakeListener records broker lifecycle callbacks for assertions.
type fakeListener struct {
	pending  []*model.Question
	answered []*model.Question
}

func (f *fakeListener) QuestionPending(q *model.Question)  { f.pending = append(f.pending, q) }
func (f *fakeListener) QuestionAnswered(q *model.Question) { f.answered = append(f.answered, q) }

// TestListener_ReceivesPendingAndAnsweredNotifications verifies registered
// listeners observe both lifecycle events.
func TestListener_ReceivesPendingAndAnsweredNotifications(t *testing.T) {
	b := New()
	l := &fakeListener{}
	b.AddListener(l)

	done := make(chan struct{})
	go func() {
		_, _ = b.HandleQuestion(2, model.StepExecute, []model.QuestionItem{{Prompt: "q"}})
		close(done)
	}()

	require.Eventually(t, func() bool { return len(b.GetPending()) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, l.pending, 1)

	id := b.GetPending()[0].ID
	b.SubmitAnswer(id, map[string]string{"q": "a"})
	<-done

	require.Len(t, l.answered, 1)
	assert.Equal(t, "a", l.answered[0].Answers["q"])
}

package orchestrator

import (
	"autopilot/internal/metrics"
	"autopilot/internal/model"
	"autopilot/internal/state"
)

// questionListener implements broker.Listener: it mirrors a question's
// pending/answered lifecycle into the persisted WorkflowState so that
// status and pending_questions always satisfy spec §3 invariant (i)
// (status is waiting_for_human iff pending_questions is non-empty), and
// records the question-lifecycle metrics alongside it.
type questionListener struct {
	store *state.Store
	m     *metrics.Metrics
}

// NewQuestionListener builds a broker.Listener that persists every
// question the broker raises and restores status once it's answered.
// Register it with broker.AddListener before the first HandleQuestion call.
func NewQuestionListener(store *state.Store, m *metrics.Metrics) *questionListener {
	return &questionListener{store: store, m: m}
}

func (l *questionListener) QuestionPending(q *model.Question) {
	_, _ = l.store.Apply(func(ws *model.WorkflowState) error {
		ws.PendingQuestions[q.ID] = q
		ws.Status = model.StatusWaitingForHuman
		return nil
	})
	if l.m != nil {
		l.m.QuestionsPending.Inc()
	}
}

func (l *questionListener) QuestionAnswered(q *model.Question) {
	_, _ = l.store.Apply(func(ws *model.WorkflowState) error {
		delete(ws.PendingQuestions, q.ID)
		if len(ws.PendingQuestions) == 0 && ws.Status == model.StatusWaitingForHuman {
			ws.Status = model.StatusRunning
		}
		return nil
	})
	if l.m == nil {
		return
	}
	l.m.QuestionsPending.Dec()
	if q.AnsweredAt != nil {
		l.m.QuestionWait.Observe(q.AnsweredAt.Sub(q.CreatedAt).Seconds())
	}
}

// Package broker implements the deferred-promise question broker: it
// correlates tool-level question events raised by the Agent Facade with
// the later human answer delivered through the Response Surface or the
// IPC answer poller.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/logx"
	"autopilot/internal/model"
)

// RejectReason identifies why a suspension handle was rejected rather
// than resolved with an answer.
type RejectReason string

const (
	RejectShuttingDown RejectReason = "ShuttingDown"
	RejectTimeout      RejectReason = "Timeout"
)

// RejectedError is returned to a suspended caller whose handle was rejected.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string { return fmt.Sprintf("question rejected: %s", e.Reason) }

// handle is the one-shot suspension primitive: at most one of resolve/
// reject is ever sent on it, and only once.
type handle struct {
	result chan answerOrReject
	once   sync.Once
}

type answerOrReject struct {
	answers map[string]string
	err     error
}

func newHandle() *handle {
	return &handle{result: make(chan answerOrReject, 1)}
}

func (h *handle) resolve(answers map[string]string) bool {
	sent := false
	h.once.Do(func() {
		h.result <- answerOrReject{answers: answers}
		sent = true
	})
	return sent
}

func (h *handle) reject(reason RejectReason) bool {
	sent := false
	h.once.Do(func() {
		h.result <- answerOrReject{err: &RejectedError{Reason: reason}}
		sent = true
	})
	return sent
}

// Listener receives broker lifecycle notifications. Implementations must
// not block.
type Listener interface {
	QuestionPending(q *model.Question)
	QuestionAnswered(q *model.Question)
}

// Broker holds the in-memory suspension handles and the corresponding
// question metadata for every currently-pending question.
type Broker struct {
	mu        sync.Mutex
	handles   map[string]*handle
	questions map[string]*model.Question
	listeners []Listener
	logger    *logx.Logger
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{
		handles:   map[string]*handle{},
		questions: map[string]*model.Question{},
		logger:    logx.NewLogger("broker"),
	}
}

// AddListener registers a listener for question:pending / question:answered
// notifications. Not safe to call concurrently with HandleQuestion.
func (b *Broker) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// HandleQuestion mints a question id, registers a suspension handle, emits
// question:pending, and blocks the caller until SubmitAnswer or Reject*
// is invoked for that id.
func (b *Broker) HandleQuestion(phase int, step model.Step, items []model.QuestionItem) (map[string]string, error) {
	q := &model.Question{
		ID:        uuid.NewString(),
		Phase:     phase,
		Step:      step,
		Items:     items,
		CreatedAt: time.Now().UTC(),
	}
	h := newHandle()

	b.mu.Lock()
	b.handles[q.ID] = h
	b.questions[q.ID] = q
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	b.logger.Info("question pending id=%s phase=%d step=%s", q.ID, phase, step)
	for _, l := range listeners {
		l.QuestionPending(q)
	}

	res := <-h.result

	if res.err != nil {
		return nil, res.err
	}
	return res.answers, nil
}

// SubmitAnswer resolves the pending question's handle. Returns false if
// no such pending question exists, or if it was already answered/rejected
// (a duplicate submit never mutates state).
func (b *Broker) SubmitAnswer(id string, answers map[string]string) bool {
	b.mu.Lock()
	h, ok := b.handles[id]
	q, hasQ := b.questions[id]
	if ok {
		delete(b.handles, id)
		delete(b.questions, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	resolved := h.resolve(answers)
	if !resolved {
		return false
	}

	if hasQ {
		now := time.Now().UTC()
		q.AnsweredAt = &now
		q.Answers = answers
		b.logger.Info("question answered id=%s", id)

		b.mu.Lock()
		listeners := append([]Listener(nil), b.listeners...)
		b.mu.Unlock()
		for _, l := range listeners {
			l.QuestionAnswered(q)
		}
	}
	return true
}

// GetPending returns metadata for every currently outstanding question.
func (b *Broker) GetPending() []*model.Question {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.Question, 0, len(b.questions))
	for _, q := range b.questions {
		out = append(out, q)
	}
	return out
}

// GetPendingByID returns metadata for one pending question, or nil.
func (b *Broker) GetPendingByID(id string) *model.Question {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.questions[id]
}

// RejectAll rejects every outstanding handle with reason; the controller
// calls it on shutdown. Every suspended HandleQuestion caller resumes with
// a RejectedError.
func (b *Broker) RejectAll(reason RejectReason) {
	b.mu.Lock()
	handles := b.handles
	b.handles = map[string]*handle{}
	b.questions = map[string]*model.Question{}
	b.mu.Unlock()

	for id, h := range handles {
		h.reject(reason)
		b.logger.Warn("question rejected id=%s reason=%s", id, reason)
	}
}

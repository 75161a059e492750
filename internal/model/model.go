// Package model defines the persisted data shapes shared across the
// orchestrator and its coupled subsystems: workflow state, phases,
// questions, errors, activity entries, events, and notification payloads.
package model

import "time"

// Status is the top-level workflow status.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusWaitingForHuman Status = "waiting_for_human"
	StatusError           Status = "error"
	StatusComplete        Status = "complete"
)

// Step identifies where within a phase the workflow currently is.
type Step string

const (
	StepIdle    Step = "idle"
	StepDiscuss Step = "discuss"
	StepPlan    Step = "plan"
	StepExecute Step = "execute"
	StepVerify  Step = "verify"
	StepDone    Step = "done"
)

// PhaseStatus is the lifecycle status of a single phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// SchemaVersion is bumped whenever the persisted WorkflowState shape changes.
const SchemaVersion = 1

// Commit is a single commit recorded against a phase.
type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

// Phase is one cohesive milestone within the roadmap.
type Phase struct {
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	DependsOn      []int                  `json:"depends_on,omitempty"`
	Name           string                 `json:"name"`
	Status         PhaseStatus            `json:"status"`
	Steps          map[Step]bool          `json:"steps"` // done-ness per {discuss,plan,execute,verify}
	Commits        []Commit               `json:"commits,omitempty"`
	Number         int                    `json:"number"`
	GapIterations  int                    `json:"gap_iterations"`
	Inserted       bool                   `json:"inserted,omitempty"`
}

// NewPhase constructs a fresh pending phase.
func NewPhase(number int, name string) *Phase {
	return &Phase{
		Number: number,
		Name:   name,
		Status: PhasePending,
		Steps: map[Step]bool{
			StepDiscuss: false,
			StepPlan:    false,
			StepExecute: false,
			StepVerify:  false,
		},
	}
}

// Option is one labeled choice offered for a question item.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionItem is a single prompt within a (possibly batched) question.
type QuestionItem struct {
	Prompt      string   `json:"prompt"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multi_select"`
}

// Question is a structured request for a human decision.
type Question struct {
	CreatedAt  time.Time          `json:"created_at"`
	AnsweredAt *time.Time         `json:"answered_at,omitempty"`
	Answers    map[string]string  `json:"answers,omitempty"`
	ID         string             `json:"id"`
	Phase      int                `json:"phase"`
	Step       Step               `json:"step"`
	Items      []QuestionItem     `json:"items"`
}

// ErrorRecord is one entry in the append-only error history.
type ErrorRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	Phase           int       `json:"phase"`
	Step            Step      `json:"step"`
	Message         string    `json:"message"`
	TruncatedOutput string    `json:"truncated_output,omitempty"`
}

// WorkflowState is the single persisted document describing run state.
type WorkflowState struct {
	StartedAt         time.Time            `json:"started_at"`
	LastUpdatedAt     time.Time            `json:"last_updated_at"`
	PendingQuestions  map[string]*Question `json:"pending_questions"`
	TunnelURL         string               `json:"tunnel_url,omitempty"`
	Status            Status               `json:"status"`
	CurrentStep       Step                 `json:"current_step"`
	Phases            []*Phase             `json:"phases"`
	ErrorHistory      []ErrorRecord        `json:"error_history"`
	SchemaVersion     int                  `json:"schema_version"`
	CurrentPhase      int                  `json:"current_phase"`
}

// Fresh constructs a brand-new, never-persisted workflow state.
func Fresh() *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		SchemaVersion:    SchemaVersion,
		Status:           StatusIdle,
		CurrentPhase:     0,
		CurrentStep:      StepIdle,
		Phases:           []*Phase{},
		PendingQuestions: map[string]*Question{},
		ErrorHistory:     []ErrorRecord{},
		StartedAt:        now,
		LastUpdatedAt:    now,
	}
}

// ActivityType classifies an Activity entry.
type ActivityType string

const (
	ActivityPhaseStarted     ActivityType = "phase-started"
	ActivityPhaseCompleted   ActivityType = "phase-completed"
	ActivityPhaseFailed      ActivityType = "phase-failed"
	ActivityStepStarted      ActivityType = "step-started"
	ActivityStepCompleted    ActivityType = "step-completed"
	ActivityQuestionPending  ActivityType = "question-pending"
	ActivityQuestionAnswered ActivityType = "question-answered"
	ActivityError            ActivityType = "error"
	ActivityBuildComplete    ActivityType = "build-complete"
)

// Activity is one user-facing entry in the rolling activity feed.
type Activity struct {
	Timestamp string         `json:"timestamp"`
	Type      ActivityType   `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Event is one append-only event-log record.
type Event struct {
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Seq       uint64 `json:"seq"`
}

// NotificationType classifies a Notification payload.
type NotificationType string

const (
	NotificationQuestion NotificationType = "question"
	NotificationProgress NotificationType = "progress"
	NotificationError    NotificationType = "error"
	NotificationComplete NotificationType = "complete"
)

// Severity is the urgency of a Notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is the adapter-agnostic outbound payload shape.
type Notification struct {
	CreatedAt   time.Time        `json:"created_at"`
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Severity    Severity         `json:"severity"`
	RespondURL  string           `json:"respond_url,omitempty"`
	Phase       string           `json:"phase,omitempty"`
	Step        string           `json:"step,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	NextSteps   string           `json:"next_steps,omitempty"`
	ErrorMsg    string           `json:"error_message,omitempty"`
	Options     []Option         `json:"options,omitempty"`
}

// Package core holds the execution domain vocabulary shared by the engine,
// queue, safety layer, and API: classification enums, the status machine,
// plan shapes, and event kinds.
package core

import "time"

// ============================================================================
// CLASSIFICATION
// ============================================================================

// SLAClass is the latency tier of an execution; it governs timeouts and the
// worker retry cap.
type SLAClass string

const (
	SLAFast   SLAClass = "FAST"
	SLAMedium SLAClass = "MEDIUM"
	SLALong   SLAClass = "LONG"
)

// MaxAttempts returns the worker attempt budget for the class.
func (s SLAClass) MaxAttempts() int {
	switch s {
	case SLAFast:
		return 2
	case SLAMedium:
		return 3
	case SLALong:
		return 5
	default:
		return 3
	}
}

// ParseSLAClass normalizes a caller-supplied class; unknown values report ok=false.
func ParseSLAClass(s string) (SLAClass, bool) {
	switch SLAClass(s) {
	case SLAFast, SLAMedium, SLALong:
		return SLAClass(s), true
	case "":
		return SLAMedium, true
	}
	return "", false
}

// ActionClass is the side-effect tier of a plan.
type ActionClass string

const (
	ActionRead        ActionClass = "READ"
	ActionMutate      ActionClass = "MUTATE"
	ActionDestructive ActionClass = "DESTRUCTIVE"
)

// Rank orders action classes by risk so the plan class is the max over steps.
func (a ActionClass) Rank() int {
	switch a {
	case ActionRead:
		return 0
	case ActionMutate:
		return 1
	case ActionDestructive:
		return 2
	default:
		return 1
	}
}

// Mutating reports whether steps of this class take the per-asset mutex.
func (a ActionClass) Mutating() bool {
	return a == ActionMutate || a == ActionDestructive
}

// Mode is the routing decision for a submitted execution.
type Mode string

const (
	ModeImmediate        Mode = "IMMEDIATE"
	ModeBackground       Mode = "BACKGROUND"
	ModeApprovalRequired Mode = "APPROVAL_REQUIRED"
)

// PreferenceMode is the caller's selection preference for Stage B scoring.
type PreferenceMode string

const (
	PreferFast     PreferenceMode = "FAST"
	PreferAccurate PreferenceMode = "ACCURATE"
	PreferThorough PreferenceMode = "THOROUGH"
	PreferCheap    PreferenceMode = "CHEAP"
	PreferSimple   PreferenceMode = "SIMPLE"
	PreferBalanced PreferenceMode = "BALANCED"
)

// ParsePreferenceMode defaults empty input to BALANCED.
func ParsePreferenceMode(s string) (PreferenceMode, bool) {
	switch PreferenceMode(s) {
	case PreferFast, PreferAccurate, PreferThorough, PreferCheap, PreferSimple, PreferBalanced:
		return PreferenceMode(s), true
	case "":
		return PreferBalanced, true
	}
	return "", false
}

// ============================================================================
// STATUS MACHINE
// ============================================================================

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusQueued          Status = "QUEUED"
	StatusRunning         Status = "RUNNING"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusApprovalPending Status = "APPROVAL_PENDING"
	StatusTimedOut        Status = "TIMED_OUT"
)

// Terminal reports whether the status is a leaf of the lifecycle graph.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

var legalTransitions = map[Status][]Status{
	StatusPending:         {StatusQueued, StatusRunning, StatusApprovalPending, StatusCancelled},
	StatusQueued:          {StatusRunning, StatusCancelled},
	StatusApprovalPending: {StatusQueued, StatusCancelled},
	StatusRunning:         {StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut},
}

// CanTransition reports whether from→to is a legal walk on the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ============================================================================
// PLAN SHAPES
// ============================================================================

// OnFailure values for a plan step.
const (
	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
)

// PlanStep is one ordered action of a plan. Inputs may carry secret
// references of the form {"type":"secret","path":"..."}.
type PlanStep struct {
	Tool      string                 `json:"tool"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	OnFailure string                 `json:"on_failure,omitempty"`
}

// ContinueOnFailure reports whether the plan proceeds past this step's
// terminal failure.
func (s PlanStep) ContinueOnFailure() bool {
	return s.OnFailure == OnFailureContinue
}

// Plan is the ordered step sequence produced by the external planner.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// Target references the asset a plan runs against.
type Target struct {
	AssetID     string `json:"asset_id,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Preferences carries caller hints; policy may cap them.
type Preferences struct {
	Mode     PreferenceMode `json:"mode,omitempty"`
	SLAClass SLAClass       `json:"sla_class,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// ============================================================================
// CANCELLATION & EVENTS
// ============================================================================

// CancelReason enumerates why an execution was asked to stop.
type CancelReason string

const (
	CancelUser             CancelReason = "USER"
	CancelStepTimeout      CancelReason = "STEP_TIMEOUT"
	CancelExecutionTimeout CancelReason = "EXECUTION_TIMEOUT"
	CancelParent           CancelReason = "PARENT_CANCELLED"
	CancelWorkerShutdown   CancelReason = "WORKER_SHUTDOWN"
	CancelApprovalExpired  CancelReason = "APPROVAL_EXPIRED"
)

// Event kinds appended to an execution's stream.
const (
	EventSubmitted         = "SUBMITTED"
	EventDuplicate         = "DUPLICATE_REPLAY"
	EventQueued            = "QUEUED"
	EventStarted           = "STARTED"
	EventStepStarted       = "STEP_STARTED"
	EventStepSucceeded     = "STEP_SUCCEEDED"
	EventStepFailed        = "STEP_FAILED"
	EventStepRetried       = "STEP_RETRIED"
	EventProgress          = "PROGRESS"
	EventApprovalRequested = "APPROVAL_REQUESTED"
	EventApprovalDecided   = "APPROVAL_DECIDED"
	EventRBACDecision      = "RBAC_DECISION"
	EventCancelRequested   = "CANCEL_REQUESTED"
	EventForcedCancel      = "FORCED_CANCEL"
	EventRequeued          = "REQUEUED"
	EventDeadLettered      = "DEAD_LETTERED"
	EventSucceeded         = "SUCCEEDED"
	EventFailed            = "FAILED"
	EventTimedOut          = "TIMED_OUT"
	EventCancelled         = "CANCELLED"
	EventTieBreakFallback  = "TIE_BREAK_FALLBACK"
)

// StepResult is the persisted outcome of one step.
type StepResult struct {
	Ordinal   int                    `json:"ordinal"`
	Tool      string                 `json:"tool"`
	Status    Status                 `json:"status"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at,omitempty"`
	EndedAt   time.Time              `json:"ended_at,omitempty"`
	Attempt   int                    `json:"attempt"`
}

// ============================================================================
// PERSISTENT ENTITIES
// ============================================================================

// Execution is the root entity the engine drives from PENDING to a terminal
// status. Rows are never deleted; terminal rows may be archived.
type Execution struct {
	ID              string       `json:"execution_id"`
	TenantID        string       `json:"tenant_id"`
	ActorID         string       `json:"actor_id"`
	IdempotencyKey  string       `json:"idempotency_key,omitempty"`
	SLAClass        SLAClass     `json:"sla_class"`
	Mode            Mode         `json:"mode"`
	ActionClass     ActionClass  `json:"action_class"`
	Priority        int          `json:"priority"`
	Status          Status       `json:"status"`
	Plan            Plan         `json:"plan"`
	Target          Target       `json:"target"`
	Results         []StepResult `json:"results,omitempty"`
	Error           string       `json:"error,omitempty"`
	CancelRequested bool         `json:"cancel_requested,omitempty"`
	CancelReason    CancelReason `json:"cancel_reason,omitempty"`
	RetryOf         string       `json:"retry_of,omitempty"`
	AttemptCount    int          `json:"attempt_count"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

// ExecutionStep is the persisted row for one plan step. Inputs may still
// carry secret references; resolved plaintext never lands here.
type ExecutionStep struct {
	StepID      string                 `json:"step_id"`
	ExecutionID string                 `json:"execution_id"`
	Ordinal     int                    `json:"ordinal"`
	ToolName    string                 `json:"tool_name"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Status      Status                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	Attempt     int                    `json:"attempt"`
}

// ApprovalState is the lifecycle of a human gate.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
	ApprovalExpired  ApprovalState = "EXPIRED"
)

// Approval gates an APPROVAL_REQUIRED execution; the execution cannot reach
// RUNNING until the state is APPROVED.
type Approval struct {
	ID                 string        `json:"approval_id"`
	ExecutionID        string        `json:"execution_id"`
	TenantID           string        `json:"tenant_id"`
	RequestedBy        string        `json:"requested_by"`
	RequiredPermission string        `json:"required_permission,omitempty"`
	State              ApprovalState `json:"state"`
	Reason             string        `json:"reason,omitempty"`
	DecidedBy          string        `json:"decided_by,omitempty"`
	DecidedAt          *time.Time    `json:"decided_at,omitempty"`
	RunbookURL         string        `json:"runbook_url,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// ExecutionEvent is one append-only audit record. Seq is a per-execution
// monotonic cursor so clients can resume reads with ?since=.
type ExecutionEvent struct {
	ID          string                 `json:"event_id"`
	ExecutionID string                 `json:"execution_id"`
	TenantID    string                 `json:"tenant_id"`
	Seq         int64                  `json:"seq"`
	Kind        string                 `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	TS          time.Time              `json:"ts"`
}

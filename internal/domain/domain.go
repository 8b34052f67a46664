package domain

import (
	"time"

	"millwork/internal/stage"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWorker Role = "worker"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is one of the four task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

type PresenceStatus string

const (
	Online  PresenceStatus = "online"
	Offline PresenceStatus = "offline"
)

// Order is a customer job moving through the production stages.
type Order struct {
	ID          string     `json:"id"`
	Number      int64      `json:"number"`
	Title       string     `json:"title"`
	Client      string     `json:"client,omitempty"`
	Description string     `json:"description,omitempty"`
	Value       int64      `json:"value"`
	Status      stage.ID   `json:"status" enum:"cutting,edging,drilling,sanding,priming,painting"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	TaskIDs     []int64    `json:"task_ids"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasTask reports whether seq is linked to the order.
func (o Order) HasTask(seq int64) bool {
	for _, id := range o.TaskIDs {
		if id == seq {
			return true
		}
	}
	return false
}

// Task is a unit of paid work bound to one order. Seq is the human-facing
// sequence id the ledger and the order's task list refer to.
type Task struct {
	ID                   string     `json:"id"`
	Seq                  int64      `json:"seq"`
	OrderID              string     `json:"order_id"`
	OrderNumber          int64      `json:"order_number"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	ResponsibleUserID    *string    `json:"responsible_user_id,omitempty"`
	AuthorID             *string    `json:"author_id,omitempty"`
	DueDate              time.Time  `json:"due_date"`
	Salary               int64      `json:"salary"`
	Priority             Priority   `json:"priority" enum:"low,medium,high"`
	Status               TaskStatus `json:"status" enum:"pending,in_progress,completed,cancelled"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ExecutionTimeSeconds *int64     `json:"execution_time_seconds,omitempty"`
	ProofURL             *string    `json:"proof_url,omitempty"`
}

// AutomationRule is the task template for one stage. A rule without a
// responsible user creates nothing.
type AutomationRule struct {
	Stage               stage.ID  `json:"stage" enum:"cutting,edging,drilling,sanding,priming,painting"`
	StageName           string    `json:"stage_name"`
	ResponsibleUserID   *string   `json:"responsible_user_id,omitempty"`
	TitleTemplate       string    `json:"title_template"`
	DescriptionTemplate string    `json:"description_template"`
	PaymentAmount       int64     `json:"payment_amount"`
	DurationDays        int       `json:"duration_days"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Inert reports whether applying the rule is a no-op.
func (r AutomationRule) Inert() bool {
	return r.ResponsibleUserID == nil || *r.ResponsibleUserID == ""
}

type User struct {
	ID             string         `json:"id"`
	FullName       string         `json:"full_name"`
	Role           Role           `json:"role" enum:"admin,worker"`
	Salary         int64          `json:"salary"`
	CompletedTasks []LedgerEntry  `json:"completed_tasks"`
	Status         PresenceStatus `json:"status" enum:"online,offline"`
	LastSeen       *time.Time     `json:"last_seen,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// LedgerEntry records one settled task for a worker.
type LedgerEntry struct {
	TaskSeq    int64     `json:"task_id"`
	Payment    int64     `json:"payment"`
	HasPenalty bool      `json:"has_penalty"`
	SettledAt  time.Time `json:"settled_at"`
}

type PresenceRecord struct {
	UserID     string         `json:"user_id"`
	FullName   string         `json:"full_name,omitempty"`
	Status     PresenceStatus `json:"status" enum:"online,offline"`
	LastSeenAt *time.Time     `json:"last_seen_at,omitempty"`
}

// EffectivelyOnline applies the staleness rule: a stored online status only
// counts while the last activity is within threshold of now.
func (p PresenceRecord) EffectivelyOnline(now time.Time, threshold time.Duration) bool {
	if p.Status != Online || p.LastSeenAt == nil {
		return false
	}
	return now.Sub(*p.LastSeenAt) <= threshold
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

type APIKey struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}

package server

import (
	"time"

	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/repo"
	"millwork/internal/stage"
)

// Request payloads

type CreateOrderRequest struct {
	Title       string     `json:"title"`
	Client      *string    `json:"client,omitempty"`
	Description *string    `json:"description,omitempty"`
	Value       int64      `json:"value,omitempty" minimum:"0"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Status      *string    `json:"status,omitempty" enum:"cutting,edging,drilling,sanding,priming,painting"`
}

type TransitionRequest struct {
	From string `json:"from,omitempty" doc:"Stage the caller believes the order is in"`
	To   string `json:"to" enum:"cutting,edging,drilling,sanding,priming,painting"`
}

type CreateTaskRequest struct {
	OrderID           string     `json:"order_id" doc:"Order uuid or six-digit order number"`
	Title             string     `json:"title"`
	Description       *string    `json:"description,omitempty"`
	ResponsibleUserID *string    `json:"responsible_user_id,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	Salary            int64      `json:"salary,omitempty"`
	Priority          *string    `json:"priority,omitempty" enum:"low,medium,high"`
}

type TaskStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed,cancelled"`
}

type CompleteTaskRequest struct {
	ProofURL *string `json:"proof_url,omitempty" format:"uri"`
}

type RuleRequest struct {
	ResponsibleUserID   *string `json:"responsible_user_id,omitempty"`
	TitleTemplate       string  `json:"title_template"`
	DescriptionTemplate string  `json:"description_template,omitempty"`
	PaymentAmount       int64   `json:"payment_amount,omitempty"`
	DurationDays        int     `json:"duration_days,omitempty"`
}

type UserRequest struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     string `json:"role,omitempty" enum:"admin,worker"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type StepResponse struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Partial is embedded in responses of best-effort operations. When Partial is
// set the operation applied Done and failed FailedSteps; the rest of the body
// describes the state after the successful steps.
type Partial struct {
	Partial     bool           `json:"partial,omitempty"`
	Done        []string       `json:"done_steps,omitempty"`
	FailedSteps []StepResponse `json:"failed_steps,omitempty"`
}

func partialFrom(pf *engine.PartialFailureError) Partial {
	if pf == nil {
		return Partial{}
	}
	out := Partial{Partial: true, Done: pf.Done}
	for _, f := range pf.Failed {
		out.FailedSteps = append(out.FailedSteps, StepResponse{Step: f.Step, Error: f.Err.Error()})
	}
	return out
}

type TransitionResponse struct {
	Order           domain.Order `json:"order"`
	From            stage.ID     `json:"from"`
	Noop            bool         `json:"noop"`
	Task            *domain.Task `json:"task,omitempty"`
	AutomationError string       `json:"automation_error,omitempty"`
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	out := TransitionResponse{Order: res.Order, From: res.From, Noop: res.Noop, Task: res.Task}
	if res.AutomationErr != nil {
		out.AutomationError = res.AutomationErr.Error()
	}
	return out
}

type TaskResponse struct {
	domain.Task
	Partial
}

type CompleteResponse struct {
	Task             domain.Task `json:"task"`
	Payment          int64       `json:"payment"`
	HasPenalty       bool        `json:"has_penalty"`
	Settled          bool        `json:"settled"`
	Duplicate        bool        `json:"duplicate"`
	AlreadyCompleted bool        `json:"already_completed"`
	Partial
}

func completeResponse(out engine.Outcome, pf *engine.PartialFailureError) CompleteResponse {
	return CompleteResponse{
		Task:             out.Task,
		Payment:          out.Payment,
		HasPenalty:       out.HasPenalty,
		Settled:          out.Settled,
		Duplicate:        out.Duplicate,
		AlreadyCompleted: out.AlreadyCompleted,
		Partial:          partialFrom(pf),
	}
}

type DeleteResponse struct {
	Task     domain.Task     `json:"task"`
	Reversed []repo.Reversal `json:"reversed,omitempty"`
	Partial
}

type ColumnResponse struct {
	Stage  stage.Stage    `json:"stage"`
	Orders []domain.Order `json:"orders"`
}

type BoardResponse struct {
	Columns []ColumnResponse `json:"columns"`
}

type LedgerResponse struct {
	UserID  string               `json:"user_id"`
	Salary  int64                `json:"salary"`
	Entries []domain.LedgerEntry `json:"entries"`
}

type PresenceResponse struct {
	Online []domain.PresenceRecord `json:"online"`
	All    []domain.PresenceRecord `json:"all,omitempty"`
}

type SweepResponse struct {
	Offline []string `json:"offline"`
}

type SeedResponse struct {
	Added int `json:"added"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

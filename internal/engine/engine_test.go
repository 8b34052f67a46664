package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"millwork/internal/config"
	"millwork/internal/db"
	"millwork/internal/domain"
	"millwork/internal/feed"
	"millwork/internal/logger"
	"millwork/internal/migrate"
	"millwork/internal/repo"
	"millwork/internal/stage"
)

type testEnv struct {
	eng   Engine
	repo  repo.Repo
	bus   *feed.Bus
	clock time.Time
}

// 12:00 in the shop's Moscow timezone.
var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{clock: baseTime, bus: feed.NewBus(nil)}
	env.repo = repo.New(conn, db.SQLite)
	env.repo.Now = func() time.Time { return env.clock }
	env.eng = New(env.repo, config.Default(), env.bus, nil)
	env.eng.Now = func() time.Time { return env.clock }
	ctx := context.Background()
	for _, u := range []UserInput{{ID: "boss", FullName: "Boss", Role: domain.RoleAdmin}, {ID: "w1", FullName: "Worker One"}} {
		if _, err := env.eng.UpsertUser(ctx, u); err != nil {
			t.Fatalf("user %s: %v", u.ID, err)
		}
	}
	return env
}

func (env *testEnv) order(t *testing.T, status stage.ID) domain.Order {
	t.Helper()
	o, err := env.eng.CreateOrder(context.Background(), OrderCreateOptions{Title: "Wardrobe", Client: "Petrova", Value: 85000, Status: status, ActorID: "boss"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func (env *testEnv) rule(t *testing.T, s stage.ID, user string, days int, pay int64) {
	t.Helper()
	if _, err := env.eng.UpsertRule(context.Background(), RuleInput{
		Stage: s, ResponsibleUserID: user, TitleTemplate: "Task for order #{order_id}",
		DescriptionTemplate: "Work on #{order_id}", PaymentAmount: pay, DurationDays: days, ActorID: "boss",
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}
}

func (env *testEnv) task(t *testing.T, o domain.Order, salary int64, due time.Time) domain.Task {
	t.Helper()
	task, err := env.eng.CreateTask(context.Background(), TaskCreateOptions{
		OrderID: o.ID, Title: "Assemble", ResponsibleUserID: "w1", DueDate: due, Salary: salary, ActorID: "boss",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) tasks(t *testing.T, orderID string) []domain.Task {
	t.Helper()
	tasks, err := env.repo.ListTasks(context.Background(), repo.TaskFilters{OrderID: orderID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}

func (env *testEnv) user(t *testing.T, id string) domain.User {
	t.Helper()
	u, err := env.repo.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u
}

func TestTransitionCreatesAutomatedTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	if o.Status != stage.Cutting {
		t.Fatalf("new order status = %s", o.Status)
	}
	env.rule(t, stage.Edging, "w1", 2, 500)

	res, err := env.eng.Transition(ctx, o.ID, stage.Cutting, stage.Edging, "boss")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Order.Status != stage.Edging || res.Noop || res.AutomationErr != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Task == nil {
		t.Fatalf("expected automated task")
	}
	task := res.Task
	if task.Salary != 500 || task.Status != domain.TaskPending || task.Priority != domain.PriorityMedium {
		t.Fatalf("task fields %+v", task)
	}
	if !task.DueDate.Equal(baseTime.Add(48 * time.Hour)) {
		t.Fatalf("due date = %s", task.DueDate)
	}
	if task.Title != "Task for order 100001" || task.Description != "Work on 100001 (Order: Wardrobe)" {
		t.Fatalf("templating: %q / %q", task.Title, task.Description)
	}
	stored, err := env.repo.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != stage.Edging || len(stored.TaskIDs) != 1 || stored.TaskIDs[0] != task.Seq {
		t.Fatalf("stored order %+v", stored)
	}
	if n := len(env.tasks(t, o.ID)); n != 1 {
		t.Fatalf("tasks = %d", n)
	}
}

func TestExpandTemplate(t *testing.T) {
	if got := ExpandTemplate("Task for order #{order_id}", "#{order_id}", 42); got != "Task for order 42" {
		t.Fatalf("got %q", got)
	}
	if got := ExpandTemplate("#{order_id}/#{order_id}", "#{order_id}", 7); got != "7/7" {
		t.Fatalf("every occurrence must be replaced, got %q", got)
	}
}

func TestTransitionToCurrentStageIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	env.rule(t, stage.Cutting, "w1", 1, 100)
	env.rule(t, stage.Edging, "w1", 1, 100)

	res, err := env.eng.Transition(ctx, o.ID, stage.Cutting, stage.Cutting, "boss")
	if err != nil || !res.Noop || res.Task != nil {
		t.Fatalf("same-stage transition: %+v %v", res, err)
	}
	if _, err := env.eng.Transition(ctx, o.ID, stage.Cutting, stage.Edging, "boss"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// A second drag from a stale view that still shows cutting.
	res, err = env.eng.Transition(ctx, o.ID, stage.Cutting, stage.Edging, "boss")
	if err != nil || !res.Noop {
		t.Fatalf("redundant transition: %+v %v", res, err)
	}
	if n := len(env.tasks(t, o.ID)); n != 1 {
		t.Fatalf("redundant moves created tasks: %d", n)
	}
}

func TestStaleNoopTransitionIsLogged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var buf bytes.Buffer
	env.eng.Log = logger.NewWithWriter("engine", &buf)
	o := env.order(t, "")
	if _, err := env.eng.Transition(ctx, o.ID, stage.Cutting, stage.Edging, "boss"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	buf.Reset()

	res, err := env.eng.Transition(ctx, o.ID, stage.Sanding, stage.Sanding, "boss")
	if err != nil || !res.Noop || res.From != stage.Edging {
		t.Fatalf("stale same-stage transition: %+v %v", res, err)
	}
	var stale bool
	dec := json.NewDecoder(&buf)
	for {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			break
		}
		if line["action"] == "order.transition_stale" && line["actual"] == string(stage.Edging) {
			stale = true
		}
	}
	if !stale {
		t.Fatal("stale view not logged")
	}
}

func TestBackwardTransitionRunsAutomation(t *testing.T) {
	env := newTestEnv(t)
	o := env.order(t, stage.Painting)
	env.rule(t, stage.Cutting, "w1", 1, 300)
	res, err := env.eng.Transition(context.Background(), o.ID, stage.Painting, stage.Cutting, "boss")
	if err != nil {
		t.Fatalf("backward move: %v", err)
	}
	if res.Order.Status != stage.Cutting || res.Task == nil || res.Task.Salary != 300 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTransitionRejectsUnknownStage(t *testing.T) {
	env := newTestEnv(t)
	o := env.order(t, "")
	_, err := env.eng.Transition(context.Background(), o.ID, "", "varnishing", "boss")
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	stored, _ := env.repo.GetOrder(context.Background(), o.ID)
	if stored.Status != stage.Cutting {
		t.Fatalf("order changed on rejected move: %s", stored.Status)
	}
	if _, err := env.eng.Transition(context.Background(), "missing", "", stage.Edging, "boss"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMissingOrInertRuleCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	env.rule(t, stage.Drilling, "", 1, 100)
	for _, to := range []stage.ID{stage.Edging, stage.Drilling} {
		res, err := env.eng.Transition(ctx, o.ID, "", to, "boss")
		if err != nil || res.Task != nil || res.AutomationErr != nil {
			t.Fatalf("%s: %+v %v", to, res, err)
		}
	}
	if n := len(env.tasks(t, o.ID)); n != 0 {
		t.Fatalf("tasks = %d", n)
	}
}

type faultyStore struct {
	Store
	updateStatus error
	insertTask   error
	setTasks     error
	markComplete error
	settle       error
	reverse      error
}

func (f *faultyStore) UpdateOrderStatus(ctx context.Context, id string, s stage.ID) error {
	if f.updateStatus != nil {
		return f.updateStatus
	}
	return f.Store.UpdateOrderStatus(ctx, id, s)
}

func (f *faultyStore) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if f.insertTask != nil {
		return domain.Task{}, f.insertTask
	}
	return f.Store.InsertTask(ctx, t)
}

func (f *faultyStore) SetOrderTasks(ctx context.Context, id string, ids []int64) error {
	if f.setTasks != nil {
		return f.setTasks
	}
	return f.Store.SetOrderTasks(ctx, id, ids)
}

func (f *faultyStore) MarkTaskCompleted(ctx context.Context, id string, at time.Time, exec int64, proof *string) (bool, error) {
	if f.markComplete != nil {
		return false, f.markComplete
	}
	return f.Store.MarkTaskCompleted(ctx, id, at, exec, proof)
}

func (f *faultyStore) SettleLedger(ctx context.Context, userID, actorID string, e domain.LedgerEntry) (bool, error) {
	if f.settle != nil {
		return false, f.settle
	}
	return f.Store.SettleLedger(ctx, userID, actorID, e)
}

func (f *faultyStore) ReverseLedger(ctx context.Context, seq int64, actorID string) ([]repo.Reversal, error) {
	if f.reverse != nil {
		return nil, f.reverse
	}
	return f.Store.ReverseLedger(ctx, seq, actorID)
}

func (env *testEnv) faulty() *faultyStore {
	f := &faultyStore{Store: env.repo}
	env.eng.Store = f
	return f
}

type spy struct {
	mu      sync.Mutex
	changes []feed.Change
}

func (s *spy) Apply(c feed.Change) {
	s.mu.Lock()
	s.changes = append(s.changes, c)
	s.mu.Unlock()
}

func (s *spy) Refresh(context.Context) error { return nil }

func TestFailedTransitionRollsBackEveryReadModel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	load := func(ctx context.Context) ([]domain.Order, error) {
		return env.repo.ListOrders(ctx, repo.OrderFilters{})
	}
	key := func(o domain.Order) string { return o.ID }
	board := feed.NewReadModel(key, load)
	list := feed.NewReadModel(key, load)
	watcher := &spy{}
	for _, m := range []*feed.ReadModel[domain.Order]{board, list} {
		if err := m.Refresh(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		env.bus.Subscribe(TableOrders, m)
	}
	env.bus.Subscribe(TableOrders, watcher)

	env.faulty().updateStatus = errors.New("connection reset")
	_, err := env.eng.Transition(ctx, o.ID, stage.Cutting, stage.Sanding, "boss")
	var re *RemoteUnavailableError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteUnavailableError, got %v", err)
	}
	if len(watcher.changes) != 1 || !watcher.changes[0].Optimistic {
		t.Fatalf("optimistic change not published: %+v", watcher.changes)
	}
	for _, m := range []*feed.ReadModel[domain.Order]{board, list} {
		got, ok := m.Get(o.ID)
		if !ok || got.Status != stage.Cutting {
			t.Fatalf("read model left optimistic: %+v", got)
		}
	}
}

func TestAutomationFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	env.rule(t, stage.Edging, "w1", 1, 100)
	env.faulty().insertTask = errors.New("insert failed")
	res, err := env.eng.Transition(ctx, o.ID, "", stage.Edging, "boss")
	if err != nil {
		t.Fatalf("transition must succeed: %v", err)
	}
	if res.AutomationErr == nil || res.Task != nil {
		t.Fatalf("automation error not reported: %+v", res)
	}
	stored, _ := env.repo.GetOrder(ctx, o.ID)
	if stored.Status != stage.Edging {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestUnlinkedAutomatedTaskIsPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	env.rule(t, stage.Edging, "w1", 1, 100)
	env.faulty().setTasks = errors.New("order locked")
	res, err := env.eng.Transition(ctx, o.ID, "", stage.Edging, "boss")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	var pf *PartialFailureError
	if !errors.As(res.AutomationErr, &pf) || pf.Failed[0].Step != "link_order" {
		t.Fatalf("expected link partial failure, got %v", res.AutomationErr)
	}
	if res.Task == nil || len(env.tasks(t, o.ID)) != 1 {
		t.Fatalf("task should exist unlinked")
	}
}

func TestPayout(t *testing.T) {
	rate := 0.10
	cases := []struct {
		salary  int64
		due     time.Time
		want    int64
		penalty bool
	}{
		{1000, baseTime.Add(-24 * time.Hour), 900, true},
		{1001, baseTime.Add(-time.Second), 901, true},
		{1000, baseTime, 1000, false},
		{1000, baseTime.Add(time.Hour), 1000, false},
		{0, baseTime.Add(-time.Hour), 0, true},
	}
	for _, tc := range cases {
		got, penalty := Payout(tc.salary, tc.due, baseTime, rate)
		if got != tc.want || penalty != tc.penalty {
			t.Errorf("Payout(%d, %s) = %d,%v want %d,%v", tc.salary, tc.due, got, penalty, tc.want, tc.penalty)
		}
	}
}

func TestCompleteLateTaskSettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	task := env.task(t, o, 1000, baseTime.Add(-24*time.Hour))
	env.clock = baseTime.Add(time.Hour)

	out, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{ActorID: "w1", ProofURL: "https://files.example/checklist.jpg"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Payment != 900 || !out.HasPenalty || !out.Settled || out.Duplicate {
		t.Fatalf("outcome %+v", out)
	}
	if out.Task.ExecutionTimeSeconds == nil || *out.Task.ExecutionTimeSeconds != 3600 {
		t.Fatalf("execution time %v", out.Task.ExecutionTimeSeconds)
	}
	u := env.user(t, "w1")
	if u.Salary != 900 || len(u.CompletedTasks) != 1 {
		t.Fatalf("ledger after first completion: %+v", u)
	}
	entry := u.CompletedTasks[0]
	if entry.TaskSeq != task.Seq || entry.Payment != 900 || !entry.HasPenalty {
		t.Fatalf("entry %+v", entry)
	}

	env.clock = baseTime.Add(2 * time.Hour)
	out, err = env.eng.CompleteTask(ctx, task.ID, CompleteOptions{ActorID: "w1"})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !out.Duplicate || out.Settled || !out.AlreadyCompleted {
		t.Fatalf("second outcome %+v", out)
	}
	u = env.user(t, "w1")
	if u.Salary != 900 || len(u.CompletedTasks) != 1 {
		t.Fatalf("duplicate completion changed ledger: %+v", u)
	}
	stored, _ := env.repo.GetTask(ctx, task.ID)
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(baseTime.Add(time.Hour)) {
		t.Fatalf("completed_at moved: %v", stored.CompletedAt)
	}
	if stored.ProofURL == nil || *stored.ProofURL != "https://files.example/checklist.jpg" {
		t.Fatalf("proof url %v", stored.ProofURL)
	}
}

func TestOnTimeTaskPaysInFull(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, env.order(t, ""), 1000, baseTime.Add(24*time.Hour))
	out, err := env.eng.CompleteTask(context.Background(), task.ID, CompleteOptions{ActorID: "w1"})
	if err != nil || out.Payment != 1000 || out.HasPenalty {
		t.Fatalf("outcome %+v %v", out, err)
	}
}

func TestDeleteCompletedTaskReversesSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	task := env.task(t, o, 1000, baseTime.Add(-24*time.Hour))
	if _, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{ActorID: "w1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	out, err := env.eng.DeleteTask(ctx, task.ID, "boss")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(out.Reversed) != 1 || out.Reversed[0].Entry.Payment != 900 {
		t.Fatalf("reversals %+v", out.Reversed)
	}
	u := env.user(t, "w1")
	if u.Salary != 0 || len(u.CompletedTasks) != 0 {
		t.Fatalf("ledger not reversed: %+v", u)
	}
	stored, _ := env.repo.GetOrder(ctx, o.ID)
	if stored.HasTask(task.Seq) {
		t.Fatalf("task still linked: %v", stored.TaskIDs)
	}
	if _, err := env.repo.GetTask(ctx, task.ID); err != repo.ErrNotFound {
		t.Fatalf("task not deleted: %v", err)
	}
}

func TestLedgerFailureStillCompletesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, env.order(t, ""), 1000, baseTime.Add(-time.Hour))
	f := env.faulty()
	f.settle = errors.New("ledger unavailable")

	_, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{ActorID: "w1"})
	var pf *PartialFailureError
	if !errors.As(err, &pf) || len(pf.Done) != 1 || pf.Done[0] != "status" || pf.Failed[0].Step != "ledger" {
		t.Fatalf("expected ledger partial failure, got %v", err)
	}
	stored, _ := env.repo.GetTask(ctx, task.ID)
	if stored.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", stored.Status)
	}

	f.settle = nil
	env.clock = baseTime.Add(time.Hour)
	out, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{ActorID: "w1"})
	if err != nil || !out.Settled || out.Payment != 900 {
		t.Fatalf("retry: %+v %v", out, err)
	}
	if u := env.user(t, "w1"); u.Salary != 900 {
		t.Fatalf("salary = %d", u.Salary)
	}
}

func TestStatusFailureStillSettles(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, env.order(t, ""), 400, baseTime.Add(time.Hour))
	env.faulty().markComplete = errors.New("write timeout")
	_, err := env.eng.CompleteTask(context.Background(), task.ID, CompleteOptions{ActorID: "w1"})
	var pf *PartialFailureError
	if !errors.As(err, &pf) || pf.Failed[0].Step != "status" {
		t.Fatalf("expected status partial failure, got %v", err)
	}
	if u := env.user(t, "w1"); u.Salary != 400 {
		t.Fatalf("ledger not written: %d", u.Salary)
	}
}

func TestCompleteCancelledTaskConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, env.order(t, ""), 100, baseTime.Add(time.Hour))
	if _, err := env.eng.SetTaskStatus(ctx, task.ID, domain.TaskCancelled, "boss"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var ce ConflictError
	if _, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{}); !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestSetTaskStatusGuardsCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, env.order(t, ""), 100, baseTime.Add(time.Hour))
	got, err := env.eng.SetTaskStatus(ctx, task.ID, domain.TaskInProgress, "w1")
	if err != nil || got.Status != domain.TaskInProgress {
		t.Fatalf("in_progress: %+v %v", got, err)
	}
	var ve ValidationError
	if _, err := env.eng.SetTaskStatus(ctx, task.ID, domain.TaskCompleted, "w1"); !errors.As(err, &ve) {
		t.Fatalf("completed via status move: %v", err)
	}
	if _, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	var ce ConflictError
	if _, err := env.eng.SetTaskStatus(ctx, task.ID, domain.TaskPending, "w1"); !errors.As(err, &ce) {
		t.Fatalf("reopening a completed task: %v", err)
	}
}

func TestLedgerReversalFailureStillDeletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, env.order(t, ""), 1000, baseTime.Add(time.Hour))
	if _, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	env.faulty().reverse = errors.New("ledger unavailable")
	_, err := env.eng.DeleteTask(ctx, task.ID, "boss")
	var pf *PartialFailureError
	if !errors.As(err, &pf) || pf.Failed[0].Step != "reverse_ledger" || len(pf.Done) != 2 {
		t.Fatalf("expected reversal partial failure, got %v", err)
	}
	if _, err := env.repo.GetTask(ctx, task.ID); err != repo.ErrNotFound {
		t.Fatalf("task should be deleted: %v", err)
	}
	if u := env.user(t, "w1"); u.Salary != 1000 {
		t.Fatalf("salary = %d", u.Salary)
	}
}

func TestDeleteReversesSettlementWhenStatusWriteFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, env.order(t, ""), 1000, baseTime.Add(time.Hour))
	f := env.faulty()
	f.markComplete = errors.New("write timeout")
	if _, err := env.eng.CompleteTask(ctx, task.ID, CompleteOptions{ActorID: "w1"}); err == nil {
		t.Fatal("expected status partial failure")
	}
	f.markComplete = nil

	out, err := env.eng.DeleteTask(ctx, task.ID, "boss")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(out.Reversed) != 1 || out.Reversed[0].Entry.Payment != 1000 {
		t.Fatalf("reversals %+v", out.Reversed)
	}
	if u := env.user(t, "w1"); u.Salary != 0 || len(u.CompletedTasks) != 0 {
		t.Fatalf("worker still credited: %+v", u)
	}
}

func TestTaskCreatedAfterPartialDeleteIsPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	first := env.task(t, o, 1000, baseTime.Add(time.Hour))
	if _, err := env.eng.CompleteTask(ctx, first.ID, CompleteOptions{ActorID: "w1"}); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	f := env.faulty()
	f.reverse = errors.New("ledger unavailable")
	if _, err := env.eng.DeleteTask(ctx, first.ID, "boss"); err == nil {
		t.Fatal("expected reversal partial failure")
	}
	f.reverse = nil

	second := env.task(t, o, 500, baseTime.Add(time.Hour))
	if second.Seq == first.Seq {
		t.Fatalf("seq %d reused after delete", second.Seq)
	}
	out, err := env.eng.CompleteTask(ctx, second.ID, CompleteOptions{ActorID: "w1"})
	if err != nil || !out.Settled || out.Duplicate {
		t.Fatalf("complete second: %+v %v", out, err)
	}
	if u := env.user(t, "w1"); u.Salary != 1500 || len(u.CompletedTasks) != 2 {
		t.Fatalf("worker = %+v", u)
	}
}

func TestConcurrentCompletionsForOneWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	o := env.order(t, "")
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, env.task(t, o, 250, baseTime.Add(time.Hour)).ID)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := env.eng.CompleteTask(ctx, id, CompleteOptions{}); err != nil {
					t.Errorf("complete %s: %v", id, err)
				}
			}(id)
		}
	}
	wg.Wait()
	u := env.user(t, "w1")
	if u.Salary != 8*250 || len(u.CompletedTasks) != 8 {
		t.Fatalf("salary=%d entries=%d", u.Salary, len(u.CompletedTasks))
	}
}

func TestGroupByStageKeepsUnknownStatuses(t *testing.T) {
	orders := []domain.Order{
		{ID: "a", Status: stage.Edging},
		{ID: "b", Status: "varnishing"},
		{ID: "c", Status: ""},
	}
	groups := GroupByStage(orders)
	if len(groups) != 6 {
		t.Fatalf("groups = %d", len(groups))
	}
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total != len(orders) || len(groups[stage.Cutting]) != 2 || len(groups[stage.Edging]) != 1 {
		t.Fatalf("grouping lost orders: %v", groups)
	}
}

func TestDueDateUsesShopCalendar(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("tz: %v", err)
	}
	// 12:00 local on the day before the spring DST switch.
	now := time.Date(2025, 3, 29, 11, 0, 0, 0, time.UTC)
	got := DueDate(now, berlin, 1)
	want := time.Date(2025, 3, 30, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("due = %s want %s", got, want)
	}
}

func TestSeedRulesIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.eng.SeedRules(ctx, "boss")
	if err != nil || n != 6 {
		t.Fatalf("seed: %d %v", n, err)
	}
	n, err = env.eng.SeedRules(ctx, "boss")
	if err != nil || n != 0 {
		t.Fatalf("reseed: %d %v", n, err)
	}
	rules, err := env.eng.ListRules(ctx)
	if err != nil || len(rules) != 6 {
		t.Fatalf("rules: %d %v", len(rules), err)
	}
	for i, r := range rules {
		if !r.Inert() || r.Stage != stage.IDs()[i] {
			t.Fatalf("seeded rule %+v", r)
		}
	}
}

func TestBoardHasSixColumns(t *testing.T) {
	env := newTestEnv(t)
	env.order(t, "")
	env.order(t, stage.Priming)
	cols, err := env.eng.Board(context.Background())
	if err != nil || len(cols) != 6 {
		t.Fatalf("board: %d %v", len(cols), err)
	}
	if len(cols[0].Orders) != 1 || len(cols[4].Orders) != 1 {
		t.Fatalf("columns %+v", cols)
	}
}

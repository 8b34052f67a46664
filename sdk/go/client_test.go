package millworksdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"millwork/internal/config"
	"millwork/internal/db"
	"millwork/internal/domain"
	"millwork/internal/engine"
	"millwork/internal/feed"
	"millwork/internal/migrate"
	"millwork/internal/presence"
	"millwork/internal/repo"
	"millwork/internal/server"
)

func newServer(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn, db.SQLite)
	bus := feed.NewBus(nil)
	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "boss", FullName: "Boss", Role: domain.RoleAdmin},
		{ID: "w1", FullName: "Worker One", Role: domain.RoleWorker},
	} {
		if err := r.UpsertUser(ctx, u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	handler, err := server.New(server.Config{
		Engine:   engine.New(r, config.Default(), bus, nil),
		Repo:     r,
		Presence: &presence.Service{Store: r, Bus: bus},
		Bus:      bus,
		BasePath: "/v1",
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret", AllowUserHeader: true},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		bus.Close()
		conn.Close()
	})
	return ts.URL + "/v1"
}

func clientAs(base, user string) *Client {
	c := New(base)
	c.UserID = user
	return c
}

func TestOrderAndTaskFlow(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	boss, worker := clientAs(base, "boss"), clientAs(base, "w1")

	o, err := boss.CreateOrder(ctx, OrderInput{Title: "Kitchen cabinets", Value: 12000})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if o.Status != "cutting" {
		t.Fatalf("status = %s", o.Status)
	}
	tr, err := boss.Transition(ctx, o.ID, "cutting", "edging")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if tr.Order.Status != "edging" || tr.Noop {
		t.Fatalf("transition = %+v", tr)
	}

	resp := "w1"
	task, err := boss.CreateTask(ctx, TaskInput{OrderID: o.ID, Title: "Edge panels", ResponsibleUserID: &resp, Salary: 500})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Partial.Partial {
		t.Fatalf("unexpected partial: %+v", task.Partial)
	}
	tasks, err := worker.ListTasks(ctx, o.ID)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list tasks = %d, %v", len(tasks), err)
	}

	done, err := worker.CompleteTask(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.Settled || done.Payment != 500 || done.HasPenalty {
		t.Fatalf("completion = %+v", done)
	}
	again, err := worker.CompleteTask(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("complete again: %v", err)
	}
	if !again.AlreadyCompleted || again.Settled {
		t.Fatalf("second completion = %+v", again)
	}

	events, err := boss.Events(ctx, 5)
	if err != nil || len(events) == 0 {
		t.Fatalf("events = %d, %v", len(events), err)
	}
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	_, err := clientAs(base, "w1").CreateOrder(ctx, OrderInput{Title: "Not mine to make"})
	if !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "forbidden" {
		t.Fatalf("code = %q", apiErr.Code)
	}
	if _, err := clientAs(base, "boss").Order(ctx, "999999"); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestTrackerOverHTTP(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	c := clientAs(base, "w1")
	tr := presence.NewTracker(c, presence.Options{HeartbeatInterval: time.Hour})
	if err := tr.Start(ctx, "w1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !tr.IsOnline("w1") {
		t.Fatalf("w1 should be online")
	}
	p, err := clientAs(base, "boss").Presence(ctx, false)
	if err != nil || len(p.Online) != 1 || p.Online[0].UserID != "w1" {
		t.Fatalf("presence = %+v, %v", p, err)
	}
	if _, err := tr.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	p, err = clientAs(base, "boss").Presence(ctx, true)
	if err != nil || len(p.Online) != 0 || len(p.All) == 0 {
		t.Fatalf("presence after stop = %+v, %v", p, err)
	}
}

func TestPresenceRejectsOtherUser(t *testing.T) {
	c := New("http://127.0.0.1:1/v1")
	c.UserID = "w1"
	if err := c.SetOnline(context.Background(), "w2"); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

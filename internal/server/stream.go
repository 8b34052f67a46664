package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"millwork/internal/feed"
)

// registerStream exposes committed changes as server-sent events. Clients
// merge them into their read models with the same rules as local writes.
func registerStream(api huma.API, bus *feed.Bus) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-changes",
		Method:      http.MethodGet,
		Path:        "/changes",
		Summary:     "Stream committed changes",
	}, map[string]any{
		"change": feed.Change{},
	}, func(ctx context.Context, input *struct {
		Tables string `query:"tables" doc:"Comma separated table names; empty for all"`
	}, send sse.Sender) {
		sub := bus.Tap(0)
		defer sub.Close()
		tables := map[string]bool{}
		for _, t := range strings.Split(input.Tables, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tables[t] = true
			}
		}
		id := 0
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-sub.Changes:
				if !ok {
					return
				}
				if c.Optimistic || (len(tables) > 0 && !tables[c.Table]) {
					continue
				}
				id++
				if err := send(sse.Message{ID: id, Data: c}); err != nil {
					return
				}
			}
		}
	})
}

package engine

import (
	"context"
	"fmt"
	"strings"

	"millwork/internal/domain"
	"millwork/internal/events"
	"millwork/internal/feed"
	"millwork/internal/stage"
)

type RuleInput struct {
	Stage               stage.ID
	ResponsibleUserID   string
	TitleTemplate       string
	DescriptionTemplate string
	PaymentAmount       int64
	DurationDays        int
	ActorID             string
}

// UpsertRule replaces the automation rule for a stage. An empty responsible
// user stores an inert rule.
func (e Engine) UpsertRule(ctx context.Context, in RuleInput) (domain.AutomationRule, error) {
	st, ok := stage.Lookup(in.Stage)
	if !ok {
		return domain.AutomationRule{}, ValidationError{Field: "stage", Msg: "unknown stage " + string(in.Stage)}
	}
	if strings.TrimSpace(in.TitleTemplate) == "" {
		return domain.AutomationRule{}, ValidationError{Field: "title_template", Msg: "required"}
	}
	if in.PaymentAmount < 0 {
		return domain.AutomationRule{}, ValidationError{Field: "payment_amount", Msg: "must not be negative"}
	}
	if in.DurationDays < 0 {
		return domain.AutomationRule{}, ValidationError{Field: "duration_days", Msg: "must not be negative"}
	}
	if in.ResponsibleUserID != "" {
		if _, err := e.Store.GetUser(ctx, in.ResponsibleUserID); err != nil {
			if IsNotFound(err) {
				return domain.AutomationRule{}, ValidationError{Field: "responsible_user_id", Msg: "unknown user " + in.ResponsibleUserID}
			}
			return domain.AutomationRule{}, storeErr("rule.upsert", err)
		}
	}
	rule := domain.AutomationRule{
		Stage:               st.ID,
		StageName:           st.DisplayName,
		ResponsibleUserID:   optionalString(in.ResponsibleUserID),
		TitleTemplate:       in.TitleTemplate,
		DescriptionTemplate: in.DescriptionTemplate,
		PaymentAmount:       in.PaymentAmount,
		DurationDays:        in.DurationDays,
		UpdatedAt:           e.now(),
	}
	if err := e.Store.UpsertRule(ctx, rule); err != nil {
		return domain.AutomationRule{}, storeErr("rule.upsert", err)
	}
	e.logEvent(ctx, events.RuleUpdated, "rule", string(rule.Stage), in.ActorID, events.Payload{
		"responsible_user_id": in.ResponsibleUserID, "payment_amount": in.PaymentAmount, "duration_days": in.DurationDays,
	})
	e.publish(feed.Update, TableRules, string(rule.Stage), rule, false)
	return rule, nil
}

// ListRules returns the stored rules in stage order.
func (e Engine) ListRules(ctx context.Context) ([]domain.AutomationRule, error) {
	rules, err := e.Store.ListRules(ctx)
	if err != nil {
		return nil, storeErr("rule.list", err)
	}
	byStage := make(map[stage.ID]domain.AutomationRule, len(rules))
	for _, r := range rules {
		byStage[r.Stage] = r
	}
	out := make([]domain.AutomationRule, 0, len(rules))
	for _, id := range stage.IDs() {
		if r, ok := byStage[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// SeedRules stores an inert rule for every stage that has none and returns
// how many were added.
func (e Engine) SeedRules(ctx context.Context, actorID string) (int, error) {
	placeholder := e.cfg().Automation.Placeholder
	added := 0
	for _, st := range stage.All() {
		rule := domain.AutomationRule{
			Stage:               st.ID,
			StageName:           st.DisplayName,
			TitleTemplate:       fmt.Sprintf("%s for order %s", st.DisplayName, placeholder),
			DescriptionTemplate: fmt.Sprintf("%s stage work for order %s", st.DisplayName, placeholder),
			DurationDays:        e.cfg().Automation.DefaultDurationDays,
			UpdatedAt:           e.now(),
		}
		ok, err := e.Store.InsertRuleIfMissing(ctx, rule)
		if err != nil {
			return added, storeErr("rule.seed", err)
		}
		if ok {
			added++
			e.publish(feed.Insert, TableRules, string(rule.Stage), rule, false)
		}
	}
	if added > 0 {
		e.logEvent(ctx, events.RuleUpdated, "rule", "", actorID, events.Payload{"seeded": added})
	}
	return added, nil
}

package repo

import (
	"context"
	"database/sql"

	"millwork/internal/domain"
	"millwork/internal/stage"
)

const ruleColumns = `stage_id,stage_name,responsible_user_id,title_template,description_template,payment_amount,duration_days,updated_at`

func scanRule(row rowScanner) (domain.AutomationRule, error) {
	var (
		rule        domain.AutomationRule
		stageID     string
		responsible sql.NullString
		updatedAt   string
	)
	err := row.Scan(&stageID, &rule.StageName, &responsible, &rule.TitleTemplate, &rule.DescriptionTemplate,
		&rule.PaymentAmount, &rule.DurationDays, &updatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.Stage = stage.ID(stageID)
	rule.ResponsibleUserID = stringPtr(responsible)
	rule.UpdatedAt, err = parseTime(updatedAt)
	return rule, err
}

// GetRule returns the automation rule for a stage or ErrNotFound.
func (r Repo) GetRule(ctx context.Context, id stage.ID) (domain.AutomationRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, r.q(`SELECT `+ruleColumns+` FROM automation_rules WHERE stage_id=?`), string(id)))
}

func (r Repo) ListRules(ctx context.Context) ([]domain.AutomationRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AutomationRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// UpsertRule keeps at most one rule per stage.
func (r Repo) UpsertRule(ctx context.Context, rule domain.AutomationRule) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO automation_rules(stage_id,stage_name,responsible_user_id,title_template,description_template,payment_amount,duration_days,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(stage_id) DO UPDATE SET stage_name=excluded.stage_name, responsible_user_id=excluded.responsible_user_id,
title_template=excluded.title_template, description_template=excluded.description_template,
payment_amount=excluded.payment_amount, duration_days=excluded.duration_days, updated_at=excluded.updated_at`),
		string(rule.Stage), rule.StageName, nullableStringPtr(rule.ResponsibleUserID), rule.TitleTemplate, rule.DescriptionTemplate,
		rule.PaymentAmount, rule.DurationDays, formatTime(rule.UpdatedAt))
	return err
}

// InsertRuleIfMissing seeds a rule without touching an existing one.
func (r Repo) InsertRuleIfMissing(ctx context.Context, rule domain.AutomationRule) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO automation_rules(stage_id,stage_name,responsible_user_id,title_template,description_template,payment_amount,duration_days,updated_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(stage_id) DO NOTHING`),
		string(rule.Stage), rule.StageName, nullableStringPtr(rule.ResponsibleUserID), rule.TitleTemplate, rule.DescriptionTemplate,
		rule.PaymentAmount, rule.DurationDays, formatTime(rule.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

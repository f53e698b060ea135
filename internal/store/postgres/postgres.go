package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulsewatch-backend/internal/alert"
	"pulsewatch-backend/internal/oncall"
	"pulsewatch-backend/internal/rules"
	"pulsewatch-backend/internal/store"
)

// Store is the pgx-backed implementation of store.Store. Status transitions
// are single UPDATE statements guarded by the expected status (and level), so
// the database is the linearization point for the alert state machine.
type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		dedup_key TEXT NOT NULL,
		severity TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		metric_type TEXT NOT NULL DEFAULT '',
		tags JSONB NOT NULL DEFAULT '{}',
		cause JSONB NOT NULL DEFAULT '{}',
		rule_id TEXT NOT NULL DEFAULT '',
		policy_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_level INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		seen_count INT NOT NULL DEFAULT 1,
		acked_by TEXT NOT NULL DEFAULT '',
		acked_at TIMESTAMPTZ,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		notes TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_dedup_key_idx ON alerts (dedup_key)`,
	`CREATE INDEX IF NOT EXISTS alerts_status_idx ON alerts (status)`,
	`CREATE TABLE IF NOT EXISTS notification_attempts (
		id BIGSERIAL PRIMARY KEY,
		alert_id TEXT NOT NULL,
		level INT NOT NULL,
		channel TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		attempt INT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notification_attempts_alert_idx ON notification_attempts (alert_id)`,
	`CREATE TABLE IF NOT EXISTS routing_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		conditions JSONB NOT NULL DEFAULT '{}',
		actions JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS oncall_schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		rotation_start TIMESTAMPTZ NOT NULL,
		period_seconds DOUBLE PRECISION NOT NULL,
		contacts JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS escalation_policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		levels JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const alertColumns = `id, dedup_key, severity, metric_name, metric_type, tags, cause,
	rule_id, policy_id, status, current_level, created_at, last_seen, seen_count,
	acked_by, acked_at, resolved_by, resolved_at, notes, updated_at`

func scanAlert(row pgx.Row) (alert.Alert, error) {
	var a alert.Alert
	err := row.Scan(
		&a.ID, &a.DedupKey, &a.Severity, &a.MetricName, &a.MetricType, &a.Tags, &a.Cause,
		&a.RuleID, &a.PolicyID, &a.Status, &a.Level, &a.CreatedAt, &a.LastSeen, &a.SeenCount,
		&a.AckedBy, &a.AckedAt, &a.ResolvedBy, &a.ResolvedAt, &a.Notes, &a.UpdatedAt,
	)
	return a, err
}

func terminalStatuses() []string {
	return []string{
		string(alert.StatusResolved),
		string(alert.StatusClosed),
		string(alert.StatusExhausted),
	}
}

func timerEligibleStatuses() []string {
	return []string{
		string(alert.StatusRouted),
		string(alert.StatusNotifying),
		string(alert.StatusEscalated),
	}
}

func (s *Store) CreateAlert(ctx context.Context, a *alert.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		a.ID, a.DedupKey, a.Severity, a.MetricName, a.MetricType, a.Tags, a.Cause,
		a.RuleID, a.PolicyID, a.Status, a.Level, a.CreatedAt, a.LastSeen, a.SeenCount,
		a.AckedBy, a.AckedAt, a.ResolvedBy, a.ResolvedAt, a.Notes, a.UpdatedAt,
	)
	return err
}

func (s *Store) GetAlert(ctx context.Context, id string) (alert.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, store.ErrNotFound
	}
	return a, err
}

func (s *Store) ListAlerts(ctx context.Context, f store.AlertFilter) ([]alert.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alerts`
	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		conds = append(conds, fmt.Sprintf("severity=$%d", len(args)))
	}
	if f.Metric != "" {
		args = append(args, f.Metric)
		conds = append(conds, fmt.Sprintf("metric_name=$%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []alert.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FindActiveByDedupKey(ctx context.Context, key string) (alert.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE dedup_key=$1 AND status <> ALL($2) LIMIT 1`,
		key, terminalStatuses(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, store.ErrNotFound
	}
	return a, err
}

func (s *Store) LastTerminalByDedupKey(ctx context.Context, key string) (alert.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE dedup_key=$1 AND status = ANY($2)
		ORDER BY updated_at DESC LIMIT 1`,
		key, terminalStatuses(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, store.ErrNotFound
	}
	return a, err
}

func (s *Store) RecordSeen(ctx context.Context, id string, at time.Time) (alert.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		UPDATE alerts SET seen_count = seen_count + 1, last_seen=$2, updated_at=$2
		WHERE id=$1
		RETURNING `+alertColumns, id, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, store.ErrNotFound
	}
	return a, err
}

func (s *Store) Transition(ctx context.Context, id string, from []alert.Status, to alert.Status, at time.Time) (alert.Alert, error) {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}
	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		UPDATE alerts SET status=$3, updated_at=$4
		WHERE id=$1 AND status = ANY($2)
		RETURNING `+alertColumns,
		id, fromStr, string(to), at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, s.missOrStale(ctx, id)
	}
	return a, err
}

func (s *Store) AdvanceLevel(ctx context.Context, id string, fromLevel, toLevel int, to alert.Status, at time.Time) (alert.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		UPDATE alerts SET status=$4, current_level=$3, updated_at=$5
		WHERE id=$1 AND current_level=$2 AND status = ANY($6)
		RETURNING `+alertColumns,
		id, fromLevel, toLevel, string(to), at, timerEligibleStatuses(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, s.missOrStale(ctx, id)
	}
	return a, err
}

func (s *Store) Acknowledge(ctx context.Context, id, by string, at time.Time) (alert.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		UPDATE alerts SET status=$4, acked_by=$2, acked_at=$3, updated_at=$3
		WHERE id=$1 AND status <> ALL($5)
		RETURNING `+alertColumns,
		id, by, at, string(alert.StatusAcknowledged),
		[]string{string(alert.StatusResolved), string(alert.StatusClosed)},
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, s.missOrStale(ctx, id)
	}
	return a, err
}

func (s *Store) Resolve(ctx context.Context, id, by, notes string, at time.Time) (alert.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `
		UPDATE alerts SET status=$5, resolved_by=$2, resolved_at=$3, updated_at=$3,
			notes = CASE WHEN $4 <> '' THEN $4 ELSE notes END
		WHERE id=$1 AND status=$6
		RETURNING `+alertColumns,
		id, by, at, notes, string(alert.StatusResolved), string(alert.StatusAcknowledged),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, s.missOrStale(ctx, id)
	}
	return a, err
}

// missOrStale decides which sentinel a zero-row CAS should surface.
func (s *Store) missOrStale(ctx context.Context, id string) error {
	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStaleTransition
}

func (s *Store) AppendAttempt(ctx context.Context, att alert.NotificationAttempt) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO notification_attempts (alert_id, level, channel, contact_id, attempt, outcome, error, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		att.AlertID, att.Level, att.Channel, att.ContactID, att.Attempt, string(att.Outcome), att.Error, att.At,
	)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, alertID string) ([]alert.NotificationAttempt, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT alert_id, level, channel, contact_id, attempt, outcome, error, at
		FROM notification_attempts WHERE alert_id=$1 ORDER BY at, id`, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []alert.NotificationAttempt{}
	for rows.Next() {
		var att alert.NotificationAttempt
		if err := rows.Scan(&att.AlertID, &att.Level, &att.Channel, &att.ContactID, &att.Attempt, &att.Outcome, &att.Error, &att.At); err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func (s *Store) CreateRule(ctx context.Context, r *rules.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = rules.StatusActive
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO routing_rules (id, name, priority, conditions, actions, status, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.Name, r.Priority, r.Conditions, r.Actions, r.Status, r.LastError, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *Store) GetRule(ctx context.Context, id string) (rules.Rule, error) {
	r, err := scanRule(s.Pool.QueryRow(ctx, `
		SELECT id, name, priority, conditions, actions, status, last_error, created_at, updated_at
		FROM routing_rules WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rules.Rule{}, store.ErrNotFound
	}
	return r, err
}

func scanRule(row pgx.Row) (rules.Rule, error) {
	var r rules.Rule
	err := row.Scan(&r.ID, &r.Name, &r.Priority, &r.Conditions, &r.Actions, &r.Status, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, name, priority, conditions, actions, status, last_error, created_at, updated_at
		FROM routing_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []rules.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRule(ctx context.Context, r rules.Rule) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE routing_rules
		SET name=$2, priority=$3, conditions=$4, actions=$5, status=$6, last_error=$7, updated_at=now()
		WHERE id=$1`,
		r.ID, r.Name, r.Priority, r.Conditions, r.Actions, r.Status, r.LastError,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM routing_rules WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkRuleInvalid(ctx context.Context, id, reason string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE routing_rules SET status=$2, last_error=$3, updated_at=now() WHERE id=$1`,
		id, rules.StatusInvalid, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc *oncall.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO oncall_schedules (id, name, rotation_start, period_seconds, contacts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sc.ID, sc.Name, sc.RotationStart, sc.PeriodSeconds, sc.Contacts, sc.CreatedAt,
	)
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (oncall.Schedule, error) {
	var sc oncall.Schedule
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, rotation_start, period_seconds, contacts, created_at
		FROM oncall_schedules WHERE id=$1`, id).
		Scan(&sc.ID, &sc.Name, &sc.RotationStart, &sc.PeriodSeconds, &sc.Contacts, &sc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return oncall.Schedule{}, store.ErrNotFound
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]oncall.Schedule, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, name, rotation_start, period_seconds, contacts, created_at
		FROM oncall_schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []oncall.Schedule{}
	for rows.Next() {
		var sc oncall.Schedule
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.RotationStart, &sc.PeriodSeconds, &sc.Contacts, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) CreatePolicy(ctx context.Context, p *oncall.Policy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO escalation_policies (id, name, levels, created_at)
		VALUES ($1,$2,$3,$4)`,
		p.ID, p.Name, p.Levels, p.CreatedAt,
	)
	return err
}

func (s *Store) GetPolicy(ctx context.Context, id string) (oncall.Policy, error) {
	var p oncall.Policy
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, levels, created_at FROM escalation_policies WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Levels, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return oncall.Policy{}, store.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPolicies(ctx context.Context) ([]oncall.Policy, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, name, levels, created_at FROM escalation_policies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []oncall.Policy{}
	for rows.Next() {
		var p oncall.Policy
		if err := rows.Scan(&p.ID, &p.Name, &p.Levels, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

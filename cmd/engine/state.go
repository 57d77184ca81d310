package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"warden/pkg/approval"
	"warden/pkg/audit"
	"warden/pkg/engine"
	"warden/pkg/events"
	"warden/pkg/usage"

	"github.com/google/uuid"
)

// Write-through persistence. The in-memory engine stays authoritative at
// runtime; these writers mirror every accepted mutation into Postgres so a
// restart reloads the same state via loadState.

func (s *Server) persistPolicy(r *http.Request, subject, kind string) error {
	pol, ok := s.Engine.Registry().Get(subject, kind)
	if !ok {
		return fmt.Errorf("policy %s/%s vanished after registration", subject, kind)
	}
	ctx := r.Context()
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO policies(subject, kind, max_amount, daily_limit, monthly_limit, cooldown_seconds, requires_approval, approval_threshold, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (subject, kind) DO UPDATE SET
			max_amount=EXCLUDED.max_amount,
			daily_limit=EXCLUDED.daily_limit,
			monthly_limit=EXCLUDED.monthly_limit,
			cooldown_seconds=EXCLUDED.cooldown_seconds,
			requires_approval=EXCLUDED.requires_approval,
			approval_threshold=EXCLUDED.approval_threshold,
			updated_at=now()
	`, subject, kind, amountString(pol.MaxAmount), amountString(pol.DailyLimit), amountString(pol.MonthlyLimit),
		int64(pol.Cooldown/time.Second), pol.RequiresApproval, pol.ApprovalThreshold); err != nil {
		return err
	}
	if _, err := s.DB.Exec(ctx, `DELETE FROM policy_approvers WHERE subject=$1 AND kind=$2`, subject, kind); err != nil {
		return err
	}
	for i, approver := range pol.Approvers {
		if _, err := s.DB.Exec(ctx, `
			INSERT INTO policy_approvers(subject, kind, position, approver) VALUES ($1,$2,$3,$4)
		`, subject, kind, i, approver); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) persistRequest(r *http.Request, req approval.Request) error {
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO approval_requests(id, initiator, subject, kind, amount, from_id, to_id, approvals, executed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET approvals=EXCLUDED.approvals, executed=EXCLUDED.executed
	`, req.ID, req.Initiator, req.Subject, req.Kind, amountString(req.Amount), req.From, req.To, req.Approvals, req.Executed, req.CreatedAt)
	return err
}

func (s *Server) persistVote(r *http.Request, req approval.Request, approver string) error {
	if _, err := s.DB.Exec(r.Context(), `
		INSERT INTO approval_votes(request_id, approver) VALUES ($1,$2)
		ON CONFLICT DO NOTHING
	`, req.ID, approver); err != nil {
		return err
	}
	return s.persistRequest(r, req)
}

func (s *Server) persistUsage(r *http.Request, subject, operator, kind string) {
	ctx := r.Context()
	daily, monthly := s.Engine.Tracker().Snapshot(subject, operator, kind)
	for scope, w := range map[string]struct {
		amount string
		count  int
		start  time.Time
	}{
		"daily":   {amountString(daily.Amount), daily.Count, daily.Start},
		"monthly": {amountString(monthly.Amount), monthly.Count, monthly.Start},
	} {
		if _, err := s.DB.Exec(ctx, `
			INSERT INTO usage_windows(subject, operator, kind, scope, amount, op_count, window_start)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (subject, operator, kind, scope) DO UPDATE SET
				amount=EXCLUDED.amount, op_count=EXCLUDED.op_count, window_start=EXCLUDED.window_start
		`, subject, operator, kind, scope, w.amount, w.count, w.start); err != nil {
			log.Printf("persist %s usage window for %s/%s: %v", scope, subject, operator, err)
		}
	}
	if at, ok := s.Engine.Tracker().LastOperation(subject, operator); ok {
		if _, err := s.DB.Exec(ctx, `
			INSERT INTO last_operations(subject, operator, at) VALUES ($1,$2,$3)
			ON CONFLICT (subject, operator) DO UPDATE SET at=EXCLUDED.at
		`, subject, operator, at); err != nil {
			log.Printf("persist last operation for %s/%s: %v", subject, operator, err)
		}
	}
}

func (s *Server) emit(r *http.Request, subject, operator, kind string, amount *big.Int, from, to string, d engine.Decision) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if err := s.Audit.Append(r.Context(), audit.Record{
		ID:        id,
		Subject:   subject,
		Operator:  operator,
		Kind:      kind,
		Amount:    amountString(amount),
		Allowed:   d.Allowed,
		Pending:   d.Pending,
		Reason:    d.Reason,
		RequestID: d.RequestID,
		CreatedAt: now,
	}); err != nil {
		log.Printf("append audit record: %v", err)
	}
	if err := s.Events.Publish(r.Context(), events.DecisionEvent{
		ID:        id,
		Subject:   subject,
		Operator:  operator,
		Kind:      kind,
		Amount:    amountString(amount),
		From:      from,
		To:        to,
		Allowed:   d.Allowed,
		Pending:   d.Pending,
		Reason:    d.Reason,
		RequestID: d.RequestID,
		EmittedAt: now,
	}); err != nil {
		log.Printf("publish decision event: %v", err)
	}
	s.Metrics.ObserveDecision(d.Allowed, d.Pending, d.Reason)
}

// loadState rebuilds the engine from Postgres at startup. Policies come
// first so approver configuration and pending requests can validate against
// them.
func loadState(ctx context.Context, db engineDB, eng *engine.Engine) error {
	if err := loadPolicies(ctx, db, eng); err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	if err := loadAccessLists(ctx, db, eng); err != nil {
		return fmt.Errorf("load access lists: %w", err)
	}
	if err := loadUsage(ctx, db, eng); err != nil {
		return fmt.Errorf("load usage windows: %w", err)
	}
	if err := loadRequests(ctx, db, eng); err != nil {
		return fmt.Errorf("load approval requests: %w", err)
	}
	return nil
}

func loadPolicies(ctx context.Context, db engineDB, eng *engine.Engine) error {
	rows, err := db.Query(ctx, `
		SELECT subject, kind, max_amount::text, daily_limit::text, monthly_limit::text, cooldown_seconds, requires_approval, approval_threshold
		FROM policies
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	type pending struct {
		subject, kind     string
		requiresApproval  bool
		approvalThreshold int
	}
	var approvalConfigs []pending
	for rows.Next() {
		var subject, kind, maxAmount, daily, monthly string
		var cooldownSec int64
		var requiresApproval bool
		var threshold int
		if err := rows.Scan(&subject, &kind, &maxAmount, &daily, &monthly, &cooldownSec, &requiresApproval, &threshold); err != nil {
			return err
		}
		if err := eng.Registry().Register(subject, kind,
			mustAmount(maxAmount), mustAmount(daily), mustAmount(monthly),
			time.Duration(cooldownSec)*time.Second); err != nil {
			return fmt.Errorf("register %s/%s: %w", subject, kind, err)
		}
		if requiresApproval || threshold > 0 {
			approvalConfigs = append(approvalConfigs, pending{subject, kind, requiresApproval, threshold})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, cfg := range approvalConfigs {
		approvers, err := loadApprovers(ctx, db, cfg.subject, cfg.kind)
		if err != nil {
			return err
		}
		if err := eng.Registry().ConfigureApprovals(cfg.subject, cfg.kind, cfg.requiresApproval, cfg.approvalThreshold, approvers); err != nil {
			return fmt.Errorf("configure approvals %s/%s: %w", cfg.subject, cfg.kind, err)
		}
	}
	return nil
}

func loadApprovers(ctx context.Context, db engineDB, subject, kind string) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT approver FROM policy_approvers WHERE subject=$1 AND kind=$2 ORDER BY position
	`, subject, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvers []string
	for rows.Next() {
		var approver string
		if err := rows.Scan(&approver); err != nil {
			return nil, err
		}
		approvers = append(approvers, approver)
	}
	return approvers, rows.Err()
}

func loadAccessLists(ctx context.Context, db engineDB, eng *engine.Engine) error {
	rows, err := db.Query(ctx, `SELECT identity, list FROM access_lists`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var identity, list string
		if err := rows.Scan(&identity, &list); err != nil {
			return err
		}
		switch list {
		case "blocked":
			eng.Lists().Block(identity)
		case "allowed":
			eng.Lists().Allow(identity)
		}
	}
	return rows.Err()
}

func loadUsage(ctx context.Context, db engineDB, eng *engine.Engine) error {
	rows, err := db.Query(ctx, `
		SELECT subject, operator, kind, scope, amount::text, op_count, window_start FROM usage_windows
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var subject, operator, kind, scope, amount string
		var count int
		var start time.Time
		if err := rows.Scan(&subject, &operator, &kind, &scope, &amount, &count, &start); err != nil {
			return err
		}
		eng.Tracker().Restore(subject, operator, kind, scope, toWindow(amount, count, start))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	lastOps, err := db.Query(ctx, `SELECT subject, operator, at FROM last_operations`)
	if err != nil {
		return err
	}
	defer lastOps.Close()
	for lastOps.Next() {
		var subject, operator string
		var at time.Time
		if err := lastOps.Scan(&subject, &operator, &at); err != nil {
			return err
		}
		eng.Tracker().SetLastOperation(subject, operator, at)
	}
	return lastOps.Err()
}

func loadRequests(ctx context.Context, db engineDB, eng *engine.Engine) error {
	rows, err := db.Query(ctx, `
		SELECT id, initiator, subject, kind, amount::text, from_id, to_id, approvals, executed, created_at
		FROM approval_requests
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var requests []approval.Request
	for rows.Next() {
		var req approval.Request
		var amount string
		if err := rows.Scan(&req.ID, &req.Initiator, &req.Subject, &req.Kind, &amount, &req.From, &req.To, &req.Approvals, &req.Executed, &req.CreatedAt); err != nil {
			return err
		}
		req.Amount = mustAmount(amount)
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range requests {
		voters, err := loadVoters(ctx, db, requests[i].ID)
		if err != nil {
			return err
		}
		requests[i].Voters = voters
		eng.Workflow().Restore(requests[i])
	}
	return nil
}

func loadVoters(ctx context.Context, db engineDB, requestID string) ([]string, error) {
	rows, err := db.Query(ctx, `
		SELECT approver FROM approval_votes WHERE request_id=$1 ORDER BY created_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var voters []string
	for rows.Next() {
		var voter string
		if err := rows.Scan(&voter); err != nil {
			return nil, err
		}
		voters = append(voters, voter)
	}
	return voters, rows.Err()
}

func mustAmount(raw string) *big.Int {
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

func toWindow(amount string, count int, start time.Time) usage.Window {
	return usage.Window{Amount: mustAmount(amount), Count: count, Start: start}
}

package main

import (
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warden/pkg/approval"
	"warden/pkg/audit"
	"warden/pkg/engine"
	"warden/pkg/httpx"
	"warden/pkg/policy"

	"github.com/go-chi/chi/v5"
)

type policyView struct {
	Subject           string   `json:"subject"`
	Kind              string   `json:"kind"`
	MaxAmount         string   `json:"max_amount"`
	DailyLimit        string   `json:"daily_limit"`
	MonthlyLimit      string   `json:"monthly_limit"`
	CooldownSeconds   int64    `json:"cooldown_seconds"`
	RequiresApproval  bool     `json:"requires_approval"`
	ApprovalThreshold int      `json:"approval_threshold"`
	Approvers         []string `json:"approvers"`
}

type requestView struct {
	ID        string    `json:"id"`
	Initiator string    `json:"initiator"`
	Subject   string    `json:"subject"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Approvals int       `json:"approvals"`
	Executed  bool      `json:"executed"`
	Voters    []string  `json:"voters"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject  string `json:"subject"`
		Operator string `json:"operator"`
		Kind     string `json:"kind"`
		Amount   string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	operator, code, msg := s.principal(r, req.Operator)
	if code != 0 {
		httpx.Error(w, code, msg)
		return
	}
	if req.Subject == "" || req.Kind == "" {
		httpx.Error(w, 400, "subject and kind required")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}

	decision := s.Engine.Validate(req.Subject, operator, req.Kind, amount)
	s.recordDecision(r, req.Subject, operator, req.Kind, amount, "", "", decision)
	httpx.WriteJSON(w, 200, decision)
}

func (s *Server) validateTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		From    string `json:"from"`
		To      string `json:"to"`
		Amount  string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	operator, code, msg := s.principal(r, req.From)
	if code != 0 {
		httpx.Error(w, code, msg)
		return
	}
	if req.Subject == "" || req.To == "" {
		httpx.Error(w, 400, "subject and to required")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}

	decision := s.Engine.ValidateTransfer(req.Subject, operator, req.To, amount)
	s.recordDecision(r, req.Subject, operator, policy.KindTransfer, amount, operator, req.To, decision)
	httpx.WriteJSON(w, 200, decision)
}

func (s *Server) registerPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject         string `json:"subject"`
		Kind            string `json:"kind"`
		MaxAmount       string `json:"max_amount"`
		DailyLimit      string `json:"daily_limit"`
		MonthlyLimit    string `json:"monthly_limit"`
		CooldownSeconds int64  `json:"cooldown_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	maxAmount, err := parseAmount(req.MaxAmount)
	if err != nil {
		httpx.Error(w, 400, "max_amount: "+err.Error())
		return
	}
	daily, err := parseAmount(req.DailyLimit)
	if err != nil {
		httpx.Error(w, 400, "daily_limit: "+err.Error())
		return
	}
	monthly, err := parseAmount(req.MonthlyLimit)
	if err != nil {
		httpx.Error(w, 400, "monthly_limit: "+err.Error())
		return
	}
	cooldown := time.Duration(req.CooldownSeconds) * time.Second

	if err := s.Engine.Registry().Register(req.Subject, req.Kind, maxAmount, daily, monthly, cooldown); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	if err := s.persistPolicy(r, req.Subject, req.Kind); err != nil {
		internalServerError(w, "persist policy", err)
		return
	}
	pol, _ := s.Engine.Registry().Get(req.Subject, req.Kind)
	httpx.WriteJSON(w, 201, toPolicyView(req.Subject, req.Kind, pol))
}

func (s *Server) configureApprovals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject          string   `json:"subject"`
		Kind             string   `json:"kind"`
		RequiresApproval bool     `json:"requires_approval"`
		Threshold        int      `json:"threshold"`
		Approvers        []string `json:"approvers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}

	err := s.Engine.Registry().ConfigureApprovals(req.Subject, req.Kind, req.RequiresApproval, req.Threshold, req.Approvers)
	switch {
	case errors.Is(err, policy.ErrNotFound):
		httpx.Error(w, 404, "policy not registered")
		return
	case err != nil:
		httpx.Error(w, 400, err.Error())
		return
	}
	if err := s.persistPolicy(r, req.Subject, req.Kind); err != nil {
		internalServerError(w, "persist approvals", err)
		return
	}
	pol, _ := s.Engine.Registry().Get(req.Subject, req.Kind)
	httpx.WriteJSON(w, 200, toPolicyView(req.Subject, req.Kind, pol))
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	kind := chi.URLParam(r, "kind")
	pol, ok := s.Engine.Registry().Get(subject, kind)
	if !ok {
		httpx.Error(w, 404, "policy not found")
		return
	}
	httpx.WriteJSON(w, 200, toPolicyView(subject, kind, pol))
}

func (s *Server) listPendingRequests(w http.ResponseWriter, r *http.Request) {
	pending := s.Engine.Workflow().Pending()
	items := make([]requestView, 0, len(pending))
	for _, req := range pending {
		items = append(items, toRequestView(req))
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.Engine.Workflow().Get(chi.URLParam(r, "id"))
	if !ok {
		httpx.Error(w, 404, "request not found")
		return
	}
	httpx.WriteJSON(w, 200, toRequestView(req))
}

func (s *Server) castApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Approver string `json:"approver"`
	}
	// Body is optional when authentication supplies the approver.
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	approver, code, msg := s.principal(r, body.Approver)
	if code != 0 {
		httpx.Error(w, code, msg)
		return
	}

	req, err := s.Engine.Workflow().Cast(id, approver)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		httpx.Error(w, 404, "request not found")
		return
	case errors.Is(err, approval.ErrAlreadyExecuted):
		httpx.Error(w, 409, "request already executed")
		return
	case errors.Is(err, approval.ErrNotApprover):
		httpx.Error(w, 403, "not an approver")
		return
	case errors.Is(err, approval.ErrDuplicateApproval):
		httpx.Error(w, 409, "duplicate approval")
		return
	case err != nil:
		internalServerError(w, "cast approval", err)
		return
	}

	if err := s.persistVote(r, req, approver); err != nil {
		internalServerError(w, "persist approval", err)
		return
	}
	if req.Executed {
		s.persistUsage(r, req.Subject, req.Initiator, req.Kind)
		s.emit(r, req.Subject, req.Initiator, req.Kind, req.Amount, req.From, req.To, engine.Decision{
			Allowed:   true,
			RequestID: req.ID,
		})
	}
	httpx.WriteJSON(w, 200, toRequestView(req))
}

func (s *Server) listBlocked(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": s.Engine.Lists().Blocked()})
}

func (s *Server) listAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": s.Engine.Lists().Allowed()})
}

func (s *Server) blockIdentity(w http.ResponseWriter, r *http.Request) {
	s.mutateList(w, r, "blocked", func(identity string) { s.Engine.Lists().Block(identity) })
}

func (s *Server) allowIdentity(w http.ResponseWriter, r *http.Request) {
	s.mutateList(w, r, "allowed", func(identity string) { s.Engine.Lists().Allow(identity) })
}

func (s *Server) mutateList(w http.ResponseWriter, r *http.Request, list string, apply func(string)) {
	var req struct {
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		httpx.Error(w, 400, "identity required")
		return
	}
	apply(identity)
	if _, err := s.DB.Exec(r.Context(), `
		INSERT INTO access_lists(identity, list) VALUES ($1,$2)
		ON CONFLICT DO NOTHING
	`, identity, list); err != nil {
		internalServerError(w, "persist access list", err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]string{"identity": identity, "list": list})
}

func (s *Server) unblockIdentity(w http.ResponseWriter, r *http.Request) {
	s.removeFromList(w, r, "blocked", func(identity string) { s.Engine.Lists().Unblock(identity) })
}

func (s *Server) disallowIdentity(w http.ResponseWriter, r *http.Request) {
	s.removeFromList(w, r, "allowed", func(identity string) { s.Engine.Lists().Disallow(identity) })
}

func (s *Server) removeFromList(w http.ResponseWriter, r *http.Request, list string, apply func(string)) {
	identity := chi.URLParam(r, "id")
	apply(identity)
	if _, err := s.DB.Exec(r.Context(), `DELETE FROM access_lists WHERE identity=$1 AND list=$2`, identity, list); err != nil {
		internalServerError(w, "remove access list entry", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"identity": identity, "list": list})
}

func (s *Server) recentAudit(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.Audit.Recent(r.Context(), subject, limit)
	if err != nil {
		internalServerError(w, "query audit records", err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": records})
}

// recordDecision persists side effects of a validation and emits the audit
// row, the decision event, and the metric. Persistence here is best-effort:
// the in-memory engine is authoritative at runtime and a write failure must
// not turn an allow into an error.
func (s *Server) recordDecision(r *http.Request, subject, operator, kind string, amount *big.Int, from, to string, d engine.Decision) {
	if d.Allowed {
		s.persistUsage(r, subject, operator, kind)
	}
	if d.Pending {
		if req, ok := s.Engine.Workflow().Get(d.RequestID); ok {
			if err := s.persistRequest(r, req); err != nil {
				log.Printf("persist approval request %s: %v", req.ID, err)
			}
		}
	}
	s.emit(r, subject, operator, kind, amount, from, to, d)
}

func toPolicyView(subject, kind string, pol policy.Policy) policyView {
	approvers := pol.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	return policyView{
		Subject:           subject,
		Kind:              kind,
		MaxAmount:         amountString(pol.MaxAmount),
		DailyLimit:        amountString(pol.DailyLimit),
		MonthlyLimit:      amountString(pol.MonthlyLimit),
		CooldownSeconds:   int64(pol.Cooldown / time.Second),
		RequiresApproval:  pol.RequiresApproval,
		ApprovalThreshold: pol.ApprovalThreshold,
		Approvers:         approvers,
	}
}

func toRequestView(req approval.Request) requestView {
	voters := req.Voters
	if voters == nil {
		voters = []string{}
	}
	return requestView{
		ID:        req.ID,
		Initiator: req.Initiator,
		Subject:   req.Subject,
		Kind:      req.Kind,
		Amount:    amountString(req.Amount),
		From:      req.From,
		To:        req.To,
		Approvals: req.Approvals,
		Executed:  req.Executed,
		Voters:    voters,
		CreatedAt: req.CreatedAt,
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("amount must be a decimal integer")
	}
	if n.Sign() < 0 {
		return nil, errors.New("amount must not be negative")
	}
	return n, nil
}

func amountString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func internalServerError(w http.ResponseWriter, what string, err error) {
	log.Printf("%s: %v", what, err)
	httpx.Error(w, 500, "internal error")
}

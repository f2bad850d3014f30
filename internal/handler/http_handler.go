package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-approvals/internal/identity"
	"github.com/pesio-ai/be-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/service"
)

const maxBodyBytes = 1 << 20

// Services groups the service layer the transports call into.
type Services struct {
	Workflows   *service.WorkflowService
	Rules       *service.RuleEngine
	Roles       *service.RoleRegistry
	Delegations *service.DelegationManager
	Ledger      *service.AuditLedger
	Compliance  *service.ComplianceService
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc Services
	log *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, log *logger.Logger) *HTTPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPHandler{svc: svc, log: log.Component("http")}
}

// RegisterRoutes mounts the API under /api/v1.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.SubmitForApproval)
			r.Get("/", h.GetWorkflowByTransaction)
			r.Get("/overdue", h.ListOverdue)
			r.Post("/overdue/escalate", h.EscalateAllOverdue)
			r.Get("/{id}", h.GetWorkflowStatus)
			r.Post("/{id}/actions", h.TakeAction)
			r.Post("/{id}/cancel", h.CancelWorkflow)
			r.Post("/{id}/bypass", h.BypassWorkflow)
			r.Post("/{id}/escalate", h.EscalateWorkflow)
			r.Post("/{id}/archive", h.ArchiveWorkflow)
		})

		r.Get("/approvals/pending", h.GetPendingApprovals)
		r.Get("/approvals/history", h.GetApprovalHistory)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeactivateRule)
			r.Get("/{id}/audit", h.entityTrail(repository.EntityRule))
		})

		r.Route("/roles", func(r chi.Router) {
			r.Get("/", h.ListRoles)
			r.Post("/", h.CreateRole)
			r.Get("/{id}", h.GetRole)
			r.Patch("/{id}", h.UpdateRole)
			r.Delete("/{id}", h.DeactivateRole)
			r.Get("/{id}/audit", h.entityTrail(repository.EntityRole))
		})

		r.Route("/delegations", func(r chi.Router) {
			r.Get("/", h.ListDelegations)
			r.Post("/", h.CreateDelegation)
			r.Delete("/{id}", h.RevokeDelegation)
			r.Get("/{id}/audit", h.entityTrail(repository.EntityDelegation))
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.SearchAudit)
			r.Get("/export", h.ExportAudit)
			r.Get("/verify", h.VerifyLedger)
			r.Get("/range", h.AuditByTimeRange)
			r.Get("/workflows/{id}", h.entityTrail(repository.EntityWorkflow))
			r.Get("/actors/{actorID}", h.AuditByActor)
			r.Get("/events/{eventType}", h.AuditByEventType)
			r.Get("/chains/{entityType}/{entityID}/verify", h.VerifyChain)
			r.Get("/{id}/verify", h.VerifyEntry)
			r.Put("/{id}", h.MutateAudit)
			r.Patch("/{id}", h.MutateAudit)
			r.Delete("/{id}", h.MutateAudit)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/compliance", h.ComplianceReport)
			r.Get("/suspicious", h.SuspiciousActivities)
			r.Get("/velocity", h.ApprovalVelocity)
		})
	})
}

// actor returns the authenticated caller as a service actor.
func actor(r *http.Request) service.Actor {
	c, _ := identity.FromContext(r.Context())
	return service.Actor{ID: c.ActorID, Request: c.RequestMeta()}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	return nil
}

// reasonBody is the payload of cancel, bypass and deactivate requests.
type reasonBody struct {
	Reason string `json:"reason"`
}

// decodeReason accepts an empty body.
func decodeReason(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return r.URL.Query().Get("reason"), nil
	}
	var body reasonBody
	if err := decode(w, r, &body); err != nil {
		return "", err
	}
	return body.Reason, nil
}

func pageOf(r *http.Request) (service.Page, error) {
	var p service.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, errors.InvalidInput("limit", "limit must be an integer")
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, errors.InvalidInput("offset", "offset must be an integer")
		}
		p.Offset = n
	}
	return p, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.InvalidInput(name, name+" must be an RFC 3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}

// periodOf reads a required start/end pair.
func periodOf(r *http.Request) (time.Time, time.Time, error) {
	start, err := timeParam(r, "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := timeParam(r, "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start == nil || end == nil {
		return time.Time{}, time.Time{}, errors.InvalidInput("start", "start and end are required")
	}
	return *start, *end, nil
}

func activeOnly(r *http.Request) bool {
	return r.URL.Query().Get("include_inactive") != "true"
}

// ── Workflows ────────────────────────────────────────────────────────────────

// SubmitForApproval handles submit for approval HTTP requests
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	var txn service.Transaction
	if err := decode(w, r, &txn); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	res, err := h.svc.Rules.SubmitForApproval(r.Context(), txn, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	status := http.StatusOK
	if res.RequiresApproval {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// GetWorkflowStatus returns a workflow with its actions.
func (h *HTTPHandler) GetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Workflows.GetWorkflowStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetWorkflowByTransaction looks up the live workflow of ?transaction_id=.
func (h *HTTPHandler) GetWorkflowByTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.URL.Query().Get("transaction_id")
	if txnID == "" {
		writeError(w, r, h.log, errors.InvalidInput("transaction_id", "transaction_id is required"))
		return
	}
	wf, err := h.svc.Workflows.GetWorkflowByTransaction(r.Context(), txnID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// TakeAction records an approver decision. The acting user is always the
// authenticated caller.
func (h *HTTPHandler) TakeAction(w http.ResponseWriter, r *http.Request) {
	var req service.ActionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	a := actor(r)
	req.WorkflowID = chi.URLParam(r, "id")
	req.ActorID = a.ID
	req.Request = a.Request

	res, err := h.svc.Workflows.TakeAction(r.Context(), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelWorkflow handles cancel requests.
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(w, r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.svc.Workflows.CancelWorkflow(r.Context(), chi.URLParam(r, "id"), reason, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BypassWorkflow handles emergency bypass requests.
func (h *HTTPHandler) BypassWorkflow(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(w, r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.svc.Workflows.BypassWorkflow(r.Context(), chi.URLParam(r, "id"), reason, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EscalateWorkflow escalates one overdue workflow.
func (h *HTTPHandler) EscalateWorkflow(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Workflows.EscalateOverdue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ArchiveWorkflow archives a terminal workflow.
func (h *HTTPHandler) ArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Workflows.ArchiveWorkflow(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListOverdue lists pending workflows past their due time.
func (h *HTTPHandler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.svc.Workflows.ListOverdue(r.Context())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs, "total": len(wfs)})
}

// EscalateAllOverdue runs the escalation sweep.
func (h *HTTPHandler) EscalateAllOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Workflows.EscalateAllOverdue(r.Context())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"escalated": n})
}

// GetPendingApprovals lists workflows waiting on the caller.
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.svc.Workflows.GetPendingApprovals(r.Context(), actor(r).ID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs, "total": len(wfs)})
}

// GetApprovalHistory lists the caller's past actions.
func (h *HTTPHandler) GetApprovalHistory(w http.ResponseWriter, r *http.Request) {
	actions, err := h.svc.Workflows.GetApprovalHistory(r.Context(), actor(r).ID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "total": len(actions)})
}

// ── Rules ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.Rules.ListRules(r.Context(), r.URL.Query().Get("owner"), activeOnly(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in service.RuleInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	rule, err := h.svc.Rules.CreateRule(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Rules.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var in service.RuleInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	rule, err := h.svc.Rules.UpdateRule(r.Context(), chi.URLParam(r, "id"), in, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(w, r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	rule, err := h.svc.Rules.DeactivateRule(r.Context(), chi.URLParam(r, "id"), reason, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ── Roles ────────────────────────────────────────────────────────────────────

// ListRoles lists an owner's roles, or with ?actor_id= the active roles of
// one actor.
func (h *HTTPHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	var (
		roles []*repository.ApprovalRole
		err   error
	)
	if actorID := r.URL.Query().Get("actor_id"); actorID != "" {
		roles, err = h.svc.Roles.RolesForActor(r.Context(), actorID)
	} else {
		roles, err = h.svc.Roles.ListRoles(r.Context(), r.URL.Query().Get("owner"), activeOnly(r))
	}
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles, "total": len(roles)})
}

func (h *HTTPHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var in service.RoleInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	role, err := h.svc.Roles.CreateRole(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (h *HTTPHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.svc.Roles.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (h *HTTPHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var upd service.RoleUpdate
	if err := decode(w, r, &upd); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	role, err := h.svc.Roles.UpdateRole(r.Context(), chi.URLParam(r, "id"), upd, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (h *HTTPHandler) DeactivateRole(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(w, r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	role, err := h.svc.Roles.DeactivateRole(r.Context(), chi.URLParam(r, "id"), reason, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// ── Delegations ──────────────────────────────────────────────────────────────

// ListDelegations lists delegations received by ?actor_id= (default the
// caller), or those issued from ?source_role_id=.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	var (
		dels []*repository.ApprovalDelegation
		err  error
	)
	q := r.URL.Query()
	if roleID := q.Get("source_role_id"); roleID != "" {
		dels, err = h.svc.Delegations.ListBySourceRole(r.Context(), roleID, activeOnly(r))
	} else {
		actorID := q.Get("actor_id")
		if actorID == "" {
			actorID = actor(r).ID
		}
		dels, err = h.svc.Delegations.ListForActor(r.Context(), actorID, activeOnly(r))
	}
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": dels, "total": len(dels)})
}

// CreateDelegation delegates one of the caller's roles.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var in service.DelegationInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	del, err := h.svc.Delegations.CreateDelegation(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, del)
}

func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(w, r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	del, err := h.svc.Delegations.RevokeDelegation(r.Context(), chi.URLParam(r, "id"), reason, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, del)
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) entityTrail(entityType repository.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := h.svc.Ledger.ByEntity(r.Context(), entityType, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
	}
}

// auditFilterOf reads the search filters shared by search and export.
func auditFilterOf(r *http.Request) (repository.AuditFilter, error) {
	q := r.URL.Query()
	f := repository.AuditFilter{
		EntityType:      repository.EntityType(q.Get("entity_type")),
		EntityID:        q.Get("entity_id"),
		ActorID:         q.Get("actor_id"),
		IncludeArchived: q.Get("include_archived") == "true",
		Descending:      q.Get("order") == "desc",
	}
	for _, et := range q["event_type"] {
		f.EventTypes = append(f.EventTypes, repository.EventType(et))
	}
	var err error
	if f.Start, err = timeParam(r, "start"); err != nil {
		return f, err
	}
	if f.End, err = timeParam(r, "end"); err != nil {
		return f, err
	}
	return f, nil
}

// SearchAudit runs a filtered, paginated ledger query.
func (h *HTTPHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	page, err := pageOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.svc.Ledger.Search(r.Context(), f, page)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExportAudit returns every matching entry with a checksum.
func (h *HTTPHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	export, err := h.svc.Ledger.Export(r.Context(), f)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.Header().Set("X-Export-Checksum", export.Checksum)
	writeJSON(w, http.StatusOK, export)
}

func (h *HTTPHandler) AuditByActor(w http.ResponseWriter, r *http.Request) {
	page, err := pageOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.svc.Ledger.ByActor(r.Context(), chi.URLParam(r, "actorID"), page)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) AuditByEventType(w http.ResponseWriter, r *http.Request) {
	page, err := pageOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.svc.Ledger.ByEventType(r.Context(), repository.EventType(chi.URLParam(r, "eventType")), page)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) AuditByTimeRange(w http.ResponseWriter, r *http.Request) {
	start, end, err := periodOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	page, err := pageOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	res, err := h.svc.Ledger.ByTimeRange(r.Context(), start, end, page)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyEntry recomputes one entry's hash.
func (h *HTTPHandler) VerifyEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.Ledger.VerifyEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "entry": entry})
}

// VerifyChain walks one entity's chain. A broken chain is reported as 422
// with the partial report.
func (h *HTTPHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Ledger.VerifyChain(r.Context(),
		repository.EntityType(chi.URLParam(r, "entityType")), chi.URLParam(r, "entityID"))
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeIntegrityViolation) && report != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"valid":  false,
				"report": report,
				"error":  errorBody(err),
			})
			return
		}
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "report": report})
}

// VerifyLedger checks every entry and link.
func (h *HTTPHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Ledger.VerifyAll(r.Context())
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	status := http.StatusOK
	if len(report.Violations) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"valid": len(report.Violations) == 0, "report": report})
}

// MutateAudit answers every update or delete of a ledger entry.
func (h *HTTPHandler) MutateAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	if r.Method == http.MethodDelete {
		err = h.svc.Ledger.Delete(r.Context(), id)
	} else {
		err = h.svc.Ledger.Update(r.Context(), id)
	}
	h.log.Warn().
		Str("audit_id", id).
		Str("method", r.Method).
		Str("actor_id", actor(r).ID).
		Msg("Rejected attempt to modify audit entry")
	writeError(w, r, h.log, err)
}

// ── Reports ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	start, end, err := periodOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	report, err := h.svc.Compliance.GenerateComplianceReport(r.Context(), start, end)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SuspiciousActivities takes ?end= (default now) and ?window= as a Go
// duration (default 24h).
func (h *HTTPHandler) SuspiciousActivities(w http.ResponseWriter, r *http.Request) {
	end, err := timeParam(r, "end")
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if end == nil {
		now := time.Now().UTC()
		end = &now
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		if window, err = time.ParseDuration(v); err != nil {
			writeError(w, r, h.log, errors.InvalidInput("window", "window must be a duration such as 24h"))
			return
		}
	}
	flagged, err := h.svc.Compliance.IdentifySuspiciousActivities(r.Context(), *end, window)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": flagged, "total": len(flagged)})
}

func (h *HTTPHandler) ApprovalVelocity(w http.ResponseWriter, r *http.Request) {
	start, end, err := periodOf(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	report, err := h.svc.Compliance.CalculateApprovalVelocity(r.Context(), start, end)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

/*
handlers.go - HTTP API handlers for the hire-purchase servicing engine

PURPOSE:
  Exposes contract servicing via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to contract.Service.

ENDPOINTS:
  Contracts:
    GET    /api/contracts                       List contracts (?status=&after=&limit=)
    POST   /api/contracts                       Create contract from JSON terms
    GET    /api/contracts/{id}                  Contract with balances (?date=)
    POST   /api/contracts/{id}/activate         Draft -> active
    PUT    /api/contracts/{id}/terms            Change terms and regenerate
    GET    /api/contracts/{id}/schedule         Installment lines

  Payments:
    POST   /api/contracts/{id}/payments         Allocate a payment
    GET    /api/contracts/{id}/allocations      Posted payments with allocations

  Settlement:
    GET    /api/contracts/{id}/settlement       Quote (?date=)
    POST   /api/contracts/{id}/settlement       Execute
    POST   /api/contracts/{id}/repossess        Issue repossession order

  Penalties:
    GET    /api/penalty-rules                   List rules
    POST   /api/penalty-rules                   Create rule
    POST   /api/penalties/run                   Run accrual (?date=)

  Reports:
    GET    /api/reports/aging                   Portfolio aging (?date=)
    GET    /api/reports/portfolio               Totals by status (?date=)
    POST   /api/sizing/preview                  Size and schedule without storing

REQUEST FLOW:
  1. Parse HTTP request
  2. Convert through the factory (validates terms)
  3. Call contract.Service
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Configuration errors, invalid payment, bad dates
  - 404: Contract, rule, settlement not found
  - 409: Duplicate payment, contract not active, schedule locked
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/hirepurchase-engine/contract"
	"github.com/warp/hirepurchase-engine/engine"
	"github.com/warp/hirepurchase-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc *contract.Service
	log logrus.FieldLogger

	// Track the last loaded demo scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler serving svc.
func NewHandler(svc *contract.Service, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{svc: svc, log: log}
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns contracts ordered by id.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.ContractFilter{
		Status:  engine.ContractStatus(q.Get("status")),
		AfterID: engine.ContractID(q.Get("after")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	contracts, err := h.svc.Contracts(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list contracts", err)
		return
	}

	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateContract stores a contract and its generated schedule.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := req.NewContract()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid contract terms", err)
		return
	}

	c, lines, err := h.svc.CreateContract(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to create contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateContractResponse{Contract: toContractDTO(c), Schedule: lines})
}

// GetContract returns a contract with balances and delinquency.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Summary(r.Context(), contractID(r), asOf)
	if err != nil {
		h.fail(w, r, "Failed to get contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailDTO(s, asOf))
}

// ActivateContract moves a draft contract into servicing.
func (h *Handler) ActivateContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Activate(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, "Failed to activate contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c))
}

// UpdateTerms applies a term change and regenerates the schedule.
func (h *Handler) UpdateTerms(w http.ResponseWriter, r *http.Request) {
	var req factory.TermChangeJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	change, err := req.TermChange()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid term change", err)
		return
	}

	c, lines, err := h.svc.RegenerateSchedule(r.Context(), contractID(r), change)
	if err != nil {
		h.fail(w, r, "Failed to regenerate schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, CreateContractResponse{Contract: toContractDTO(c), Schedule: lines})
}

// GetSchedule returns the installment lines.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	lines, err := h.svc.Schedule(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, "Failed to get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// PostPayment allocates a payment through the waterfall.
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p := engine.Payment{ID: engine.PaymentID(req.ID), Amount: req.Amount}
	if req.ReceivedOn != "" {
		d, err := engine.ParseDate(req.ReceivedOn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid received_on", err)
			return
		}
		p.ReceivedOn = d
	}

	res, err := h.svc.PostPayment(r.Context(), contractID(r), p)
	if err != nil {
		h.fail(w, r, "Failed to post payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResultDTO(res))
}

// ListAllocations returns posted payments with their allocations.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	payments, err := h.svc.Payments(r.Context(), contractID(r))
	if err != nil {
		h.fail(w, r, "Failed to list allocations", err)
		return
	}
	if payments == nil {
		payments = []engine.PaymentRecord{}
	}
	writeJSON(w, http.StatusOK, payments)
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// QuoteSettlement returns the payoff amount as of ?date=.
func (h *Handler) QuoteSettlement(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	id := contractID(r)
	q, err := h.svc.QuoteSettlement(r.Context(), id, date)
	if err != nil {
		h.fail(w, r, "Failed to quote settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, SettlementQuoteDTO{SettlementQuote: q, ContractID: string(id), TotalPayable: q.TotalPayable()})
}

// Settle executes an early settlement.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	date, ok := h.bodyDate(w, r, &req, &req.Date)
	if !ok {
		return
	}

	rec, err := h.svc.Settle(r.Context(), contractID(r), date)
	if err != nil {
		h.fail(w, r, "Failed to settle contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Repossess issues a repossession order. The body is optional.
func (h *Handler) Repossess(w http.ResponseWriter, r *http.Request) {
	var req RepossessionRequest
	date, ok := h.bodyDate(w, r, &req, &req.Date)
	if !ok {
		return
	}

	c, err := h.svc.Repossess(r.Context(), contractID(r), date)
	if err != nil {
		h.fail(w, r, "Failed to repossess contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c))
}

// bodyDate decodes an optional body into req and parses its date field,
// defaulting to the service's business date.
func (h *Handler) bodyDate(w http.ResponseWriter, r *http.Request, req any, field *string) (engine.Date, bool) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return engine.Date{}, false
	}
	if *field == "" {
		return h.svc.Today(), true
	}
	d, err := engine.ParseDate(*field)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return engine.Date{}, false
	}
	return d, true
}

// =============================================================================
// PENALTY HANDLERS
// =============================================================================

// ListPenaltyRules returns all penalty rules.
func (h *Handler) ListPenaltyRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.PenaltyRules(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list penalty rules", err)
		return
	}
	dtos := make([]factory.PenaltyRuleJSON, len(rules))
	for i, rule := range rules {
		dtos[i] = factory.PenaltyRuleToJSON(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePenaltyRule stores a penalty rule.
func (h *Handler) CreatePenaltyRule(w http.ResponseWriter, r *http.Request) {
	var req factory.PenaltyRuleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rule, err := req.PenaltyRule()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid penalty rule", err)
		return
	}

	saved, err := h.svc.SavePenaltyRule(r.Context(), rule)
	if err != nil {
		h.fail(w, r, "Failed to create penalty rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, factory.PenaltyRuleToJSON(saved))
}

// RunPenalties triggers penalty accrual for ?date= (default today).
func (h *Handler) RunPenalties(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	report, err := h.svc.RunPenaltyAccrual(r.Context(), date)
	if err != nil {
		h.fail(w, r, "Penalty run interrupted", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyRunDTO(report))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// AgingReport sums residual amounts of active contracts per aging bucket.
func (h *Handler) AgingReport(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	report, err := h.svc.AgingReport(r.Context(), date)
	if err != nil {
		h.fail(w, r, "Failed to build aging report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PortfolioReport totals contracts by status as of ?date.
func (h *Handler) PortfolioReport(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.PortfolioSummary(r.Context(), date)
	if err != nil {
		h.fail(w, r, "Failed to build portfolio summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// PreviewSizing sizes and generates a schedule without storing anything.
func (h *Handler) PreviewSizing(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := req.NewContract()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid contract terms", err)
		return
	}

	var sizing engine.InstallmentSizing
	if in.Installments != nil {
		sizing = *in.Installments
	} else if sizing, err = engine.SizeInstallments(in.Term); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to size installments", err)
		return
	}
	lines, err := engine.GenerateSchedule(in.Term, sizing)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to generate schedule", err)
		return
	}
	totals := engine.SumLines(lines)
	sizing.LastAmount = lines[len(lines)-1].AmountTotal
	sizing.TotalInterest = totals.Interest

	writeJSON(w, http.StatusOK, SizingPreviewDTO{
		Term:         in.Term,
		Installments: sizing,
		Totals:       totals,
		Schedule:     lines,
	})
}

// Health reports whether the store answers.
func (h *Handler) Health(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil {
			if err := pinger.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func contractID(r *http.Request) engine.ContractID {
	return engine.ContractID(chi.URLParam(r, "id"))
}

// dateParam reads ?date=, defaulting to the service's today.
func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request) (engine.Date, bool) {
	s := r.URL.Query().Get("date")
	if s == "" {
		return h.svc.Today(), true
	}
	d, err := engine.ParseDate(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
		return engine.Date{}, false
	}
	return d, true
}

// fail maps a service error to a status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicatePayment),
		errors.Is(err, engine.ErrContractNotActive),
		errors.Is(err, engine.ErrScheduleLocked):
		return http.StatusConflict
	case engine.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

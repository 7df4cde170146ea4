/*
scenarios.go - Demo portfolio loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	contracts for demos. Each scenario creates penalty rules, contracts,
	payments and settlements through contract.Service, so the data passes
	the same validation and produces the same events as real traffic.

AVAILABLE SCENARIOS:

	on-time:           Flat-rate contract paid on every due date
	late-payer:        Overdue contract with daily penalties accrued
	early-settlement:  Rule-of-78 contract settled half way through
	annuity-draft:     Effective-rate contract awaiting activation

HOW SCENARIOS WORK:
 1. Dates are anchored on the service's business date
 2. Rules and contracts are created via factory presets
 3. Payments are posted on their due dates
 4. Penalty runs and settlements execute as they would in production

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "late-payer"}

NOTE:

	Scenarios never delete data. Loading the same scenario twice is
	rejected with 409.

SEE ALSO:
  - factory/presets.go: Contract and penalty rule JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/hirepurchase-engine/engine"
	"github.com/warp/hirepurchase-engine/factory"
)

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Contracts   []string `json:"contracts"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "on-time",
		Name:        "On-Time Payer",
		Description: "Flat 10% over 12 months, every installment paid on its due date",
		Contracts:   []string{"demo-on-time"},
	},
	{
		ID:          "late-payer",
		Name:        "Late Payer",
		Description: "Four months without payment, daily 36.5% penalty accrued",
		Contracts:   []string{"demo-late-payer"},
	},
	{
		ID:          "early-settlement",
		Name:        "Early Settlement",
		Description: "Rule-of-78 contract settled after six installments",
		Contracts:   []string{"demo-early-settlement"},
	},
	{
		ID:          "annuity-draft",
		Name:        "Annuity Draft",
		Description: "Effective 12% annuity over 24 months, not yet activated",
		Contracts:   []string{"demo-annuity-draft"},
	},
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if _, err := h.svc.Contract(ctx, engine.ContractID(s.Contracts[0])); err == nil {
		writeError(w, http.StatusConflict, "Scenario already loaded", nil)
		return
	}

	var err error
	switch s.ID {
	case "on-time":
		err = h.loadOnTimeScenario(ctx)
	case "late-payer":
		err = h.loadLatePayerScenario(ctx)
	case "early-settlement":
		err = h.loadEarlySettlementScenario(ctx)
	case "annuity-draft":
		err = h.loadAnnuityDraftScenario(ctx)
	}
	if err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOnTimeScenario(ctx context.Context) error {
	base := h.svc.Today().AddMonths(-5)
	lines, err := h.createFromJSON(ctx, factory.FlatContractJSON("demo-on-time", "15000", "3000", "10", 12, base.String()), "")
	if err != nil {
		return err
	}
	return h.payDueLines(ctx, "demo-on-time", lines, len(lines))
}

func (h *Handler) loadLatePayerScenario(ctx context.Context) error {
	rule, err := factory.ParsePenaltyRule(factory.DailyPenaltyJSON("demo-daily-36", "36.5", 0))
	if err != nil {
		return err
	}
	if rule, err = h.svc.SavePenaltyRule(ctx, rule); err != nil {
		return err
	}

	base := h.svc.Today().AddMonths(-5)
	lines, err := h.createFromJSON(ctx, factory.FlatContractJSON("demo-late-payer", "9000", "1800", "12", 12, base.String()), rule.ID)
	if err != nil {
		return err
	}
	// One payment, then nothing
	if err := h.payDueLines(ctx, "demo-late-payer", lines, 1); err != nil {
		return err
	}
	_, err = h.svc.RunPenaltyAccrual(ctx, h.svc.Today())
	return err
}

func (h *Handler) loadEarlySettlementScenario(ctx context.Context) error {
	today := h.svc.Today()
	cj := factory.FlatContractJSON("demo-early-settlement", "24000", "4000", "9", 12, today.AddMonths(-7).String())
	var parsed factory.ContractJSON
	if err := json.Unmarshal([]byte(cj), &parsed); err != nil {
		return err
	}
	parsed.Method = string(engine.MethodRuleOf78)
	in, err := parsed.NewContract()
	if err != nil {
		return err
	}
	_, lines, err := h.svc.CreateContract(ctx, in)
	if err != nil {
		return err
	}
	if err := h.payDueLines(ctx, "demo-early-settlement", lines, 6); err != nil {
		return err
	}
	_, err = h.svc.Settle(ctx, "demo-early-settlement", today)
	return err
}

func (h *Handler) loadAnnuityDraftScenario(ctx context.Context) error {
	in, err := factory.ParseContract(factory.AnnuityContractJSON("demo-annuity-draft", "32000", "8000", "12", 24, h.svc.Today().String()))
	if err != nil {
		return err
	}
	in.Activate = false
	_, _, err = h.svc.CreateContract(ctx, in)
	return err
}

func (h *Handler) createFromJSON(ctx context.Context, jsonStr string, rule engine.PenaltyRuleID) ([]engine.InstallmentLine, error) {
	in, err := factory.ParseContract(jsonStr)
	if err != nil {
		return nil, err
	}
	in.PenaltyRuleID = rule
	_, lines, err := h.svc.CreateContract(ctx, in)
	return lines, err
}

// payDueLines pays up to limit lines that are already due, each on its due date.
func (h *Handler) payDueLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine, limit int) error {
	today := h.svc.Today()
	for i, line := range lines {
		if i >= limit || line.DueDate.After(today) {
			break
		}
		p := engine.Payment{
			ID:         engine.PaymentID(fmt.Sprintf("%s-pay-%d", id, line.Sequence)),
			Amount:     line.AmountTotal,
			ReceivedOn: line.DueDate,
		}
		if _, err := h.svc.PostPayment(ctx, id, p); err != nil {
			return err
		}
	}
	return nil
}

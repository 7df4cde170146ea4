// Package events carries contract lifecycle events to downstream systems
// (accounting, collections, notifications). Events are published after the
// state change has committed; a failed publish never rolls anything back.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/hirepurchase-engine/engine"
)

// Event types.
const (
	TypeScheduleGenerated   = "contract.schedule_generated"
	TypePaymentAllocated    = "contract.payment_allocated"
	TypePenaltyAccrued      = "contract.penalty_accrued"
	TypeContractSettled     = "contract.settled"
	TypeContractRepossessed = "contract.repossessed"
)

// Event is the envelope every payload travels in.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	ContractID engine.ContractID `json:"contract_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    any               `json:"payload"`
}

func New(eventType string, contractID engine.ContractID, payload any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		ContractID: contractID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// =============================================================================
// PAYLOADS
// =============================================================================

type ScheduleGenerated struct {
	Installments  int             `json:"installments"`
	FirstDueDate  engine.Date     `json:"first_due_date"`
	LevelAmount   decimal.Decimal `json:"level_amount"`
	TotalInterest decimal.Decimal `json:"total_interest"`
}

type PaymentAllocated struct {
	PaymentID   engine.PaymentID           `json:"payment_id"`
	Amount      decimal.Decimal            `json:"amount"`
	Unapplied   decimal.Decimal            `json:"unapplied"`
	Allocations []engine.PaymentAllocation `json:"allocations"`
}

type PenaltyAccrued struct {
	RunDate engine.Date            `json:"run_date"`
	Amount  decimal.Decimal        `json:"amount"`
	Balance decimal.Decimal        `json:"balance"`
	Charges []engine.PenaltyCharge `json:"charges"`
}

type ContractSettled struct {
	Quote engine.SettlementQuote `json:"quote"`
}

type ContractRepossessed struct {
	Date           engine.Date     `json:"date"`
	Outstanding    decimal.Decimal `json:"outstanding"`
	PenaltyBalance decimal.Decimal `json:"penalty_balance"`
}

// =============================================================================
// PUBLISHERS
// =============================================================================

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

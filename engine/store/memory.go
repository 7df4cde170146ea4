// Package store provides an in-memory engine.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/hirepurchase-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	data *memoryData
}

type memoryData struct {
	contracts   map[engine.ContractID]engine.Contract
	lines       map[engine.ContractID][]engine.InstallmentLine
	payments    map[engine.PaymentID]engine.PaymentRecord
	rules       map[engine.PenaltyRuleID]engine.PenaltyRule
	runs        map[runKey]engine.AccrualRun
	settlements map[engine.ContractID]engine.SettlementRecord
}

type runKey struct {
	ContractID engine.ContractID
	RunDate    string
}

func NewMemory() *Memory {
	return &Memory{data: newMemoryData()}
}

func newMemoryData() *memoryData {
	return &memoryData{
		contracts:   make(map[engine.ContractID]engine.Contract),
		lines:       make(map[engine.ContractID][]engine.InstallmentLine),
		payments:    make(map[engine.PaymentID]engine.PaymentRecord),
		rules:       make(map[engine.PenaltyRuleID]engine.PenaltyRule),
		runs:        make(map[runKey]engine.AccrualRun),
		settlements: make(map[engine.ContractID]engine.SettlementRecord),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d *memoryData) clone() *memoryData {
	c := newMemoryData()
	for k, v := range d.contracts {
		c.contracts[k] = v
	}
	for k, v := range d.lines {
		c.lines[k] = append([]engine.InstallmentLine(nil), v...)
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.rules {
		c.rules[k] = v
	}
	for k, v := range d.runs {
		c.runs[k] = v
	}
	for k, v := range d.settlements {
		c.settlements[k] = v
	}
	return c
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) SaveContract(ctx context.Context, c engine.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveContract(ctx, c)
}

func (m *Memory) GetContract(ctx context.Context, id engine.ContractID) (engine.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetContract(ctx, id)
}

func (m *Memory) ListContracts(ctx context.Context, f engine.ContractFilter) ([]engine.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListContracts(ctx, f)
}

func (m *Memory) ReplaceLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ReplaceLines(ctx, id, lines)
}

func (m *Memory) SaveLines(ctx context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveLines(ctx, id, lines)
}

func (m *Memory) LoadLines(ctx context.Context, id engine.ContractID) ([]engine.InstallmentLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LoadLines(ctx, id)
}

func (m *Memory) SavePayment(ctx context.Context, p engine.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SavePayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id engine.PaymentID) (engine.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetPayment(ctx, id)
}

func (m *Memory) ListPayments(ctx context.Context, id engine.ContractID) ([]engine.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListPayments(ctx, id)
}

func (m *Memory) SavePenaltyRule(ctx context.Context, r engine.PenaltyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SavePenaltyRule(ctx, r)
}

func (m *Memory) GetPenaltyRule(ctx context.Context, id engine.PenaltyRuleID) (engine.PenaltyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetPenaltyRule(ctx, id)
}

func (m *Memory) ListPenaltyRules(ctx context.Context) ([]engine.PenaltyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListPenaltyRules(ctx)
}

func (m *Memory) RecordAccrualRun(ctx context.Context, run engine.AccrualRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.RecordAccrualRun(ctx, run)
}

func (m *Memory) AccrualRunExists(ctx context.Context, id engine.ContractID, date engine.Date) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.AccrualRunExists(ctx, id, date)
}

func (m *Memory) ListAccrualRuns(ctx context.Context, date engine.Date) ([]engine.AccrualRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListAccrualRuns(ctx, date)
}

func (m *Memory) SaveSettlement(ctx context.Context, s engine.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveSettlement(ctx, s)
}

func (m *Memory) GetSettlement(ctx context.Context, id engine.ContractID) (engine.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetSettlement(ctx, id)
}

// =============================================================================
// UNLOCKED DATA (also the view handed to WithTx callbacks)
// =============================================================================

func (d *memoryData) SaveContract(_ context.Context, c engine.Contract) error {
	d.contracts[c.ID] = c
	return nil
}

func (d *memoryData) GetContract(_ context.Context, id engine.ContractID) (engine.Contract, error) {
	c, ok := d.contracts[id]
	if !ok {
		return engine.Contract{}, engine.ErrContractNotFound
	}
	return c, nil
}

func (d *memoryData) ListContracts(_ context.Context, f engine.ContractFilter) ([]engine.Contract, error) {
	var out []engine.Contract
	for _, c := range d.contracts {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.WithPenaltyRule && !c.HasPenaltyRule() {
			continue
		}
		if f.AfterID != "" && c.ID <= f.AfterID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (d *memoryData) ReplaceLines(_ context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	if _, ok := d.contracts[id]; !ok {
		return engine.ErrContractNotFound
	}
	d.lines[id] = append([]engine.InstallmentLine(nil), lines...)
	return nil
}

func (d *memoryData) SaveLines(_ context.Context, id engine.ContractID, lines []engine.InstallmentLine) error {
	existing, ok := d.lines[id]
	if !ok {
		return engine.ErrContractNotFound
	}
	bySeq := make(map[int]int, len(existing))
	for i, l := range existing {
		bySeq[l.Sequence] = i
	}
	updated := append([]engine.InstallmentLine(nil), existing...)
	for _, l := range lines {
		i, ok := bySeq[l.Sequence]
		if !ok {
			return fmt.Errorf("contract %s has no line %d", id, l.Sequence)
		}
		updated[i] = l
	}
	d.lines[id] = updated
	return nil
}

func (d *memoryData) LoadLines(_ context.Context, id engine.ContractID) ([]engine.InstallmentLine, error) {
	lines := append([]engine.InstallmentLine(nil), d.lines[id]...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].Sequence < lines[j].Sequence })
	return lines, nil
}

func (d *memoryData) SavePayment(_ context.Context, p engine.PaymentRecord) error {
	if _, exists := d.payments[p.ID]; exists {
		return engine.ErrDuplicatePayment
	}
	d.payments[p.ID] = p
	return nil
}

func (d *memoryData) GetPayment(_ context.Context, id engine.PaymentID) (engine.PaymentRecord, error) {
	p, ok := d.payments[id]
	if !ok {
		return engine.PaymentRecord{}, engine.ErrPaymentNotFound
	}
	return p, nil
}

func (d *memoryData) ListPayments(_ context.Context, id engine.ContractID) ([]engine.PaymentRecord, error) {
	var out []engine.PaymentRecord
	for _, p := range d.payments {
		if p.ContractID == id {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.Before(out[j].PostedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *memoryData) SavePenaltyRule(_ context.Context, r engine.PenaltyRule) error {
	d.rules[r.ID] = r
	return nil
}

func (d *memoryData) GetPenaltyRule(_ context.Context, id engine.PenaltyRuleID) (engine.PenaltyRule, error) {
	r, ok := d.rules[id]
	if !ok {
		return engine.PenaltyRule{}, engine.ErrPenaltyRuleNotFound
	}
	return r, nil
}

func (d *memoryData) ListPenaltyRules(_ context.Context) ([]engine.PenaltyRule, error) {
	out := make([]engine.PenaltyRule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) RecordAccrualRun(_ context.Context, run engine.AccrualRun) error {
	k := runKey{ContractID: run.ContractID, RunDate: run.RunDate.String()}
	if _, exists := d.runs[k]; exists {
		return engine.ErrAccrualAlreadyRun
	}
	d.runs[k] = run
	return nil
}

func (d *memoryData) AccrualRunExists(_ context.Context, id engine.ContractID, date engine.Date) (bool, error) {
	_, exists := d.runs[runKey{ContractID: id, RunDate: date.String()}]
	return exists, nil
}

func (d *memoryData) ListAccrualRuns(_ context.Context, date engine.Date) ([]engine.AccrualRun, error) {
	var out []engine.AccrualRun
	for k, run := range d.runs {
		if k.RunDate == date.String() {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

func (d *memoryData) SaveSettlement(_ context.Context, s engine.SettlementRecord) error {
	d.settlements[s.ContractID] = s
	return nil
}

func (d *memoryData) GetSettlement(_ context.Context, id engine.ContractID) (engine.SettlementRecord, error) {
	s, ok := d.settlements[id]
	if !ok {
		return engine.SettlementRecord{}, engine.ErrSettlementNotFound
	}
	return s, nil
}

var (
	_ engine.TxStore = (*Memory)(nil)
	_ engine.Store   = (*memoryData)(nil)
)

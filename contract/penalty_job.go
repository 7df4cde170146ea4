package contract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/hirepurchase-engine/engine"
	"github.com/warp/hirepurchase-engine/events"
)

// AccrualReport summarizes one penalty run.
type AccrualReport struct {
	RunDate      engine.Date             `json:"run_date"`
	Processed    int                     `json:"processed"`
	Skipped      int                     `json:"skipped"`
	Charged      int                     `json:"charged"`
	Failed       []*engine.ContractError `json:"-"`
	TotalAccrued decimal.Decimal         `json:"total_accrued"`
	Duration     time.Duration           `json:"duration"`
}

// FailedIDs lists the contracts that failed, in the order they were seen.
func (r AccrualReport) FailedIDs() []engine.ContractID {
	ids := make([]engine.ContractID, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ContractID
	}
	return ids
}

// batchResult is what one worker reports back for one batch.
type batchResult struct {
	processed int
	skipped   int
	charged   int
	accrued   decimal.Decimal
	failed    []*engine.ContractError
	events    []events.Event
}

// RunPenaltyAccrual accrues penalties for every active contract that has a
// penalty rule. Contracts are processed in batches of Settings.BatchSize on
// Settings.Workers goroutines; each batch commits in one transaction.
//
// A contract already accrued for today is skipped, so running the job twice
// on the same date charges nothing the second time. A failing contract is
// reported in Failed and never stops the rest of the portfolio.
func (s *Service) RunPenaltyAccrual(ctx context.Context, today engine.Date) (AccrualReport, error) {
	started := s.now()
	log := s.log.WithField("run_date", today.String())

	contracts, err := s.store.ListContracts(ctx, engine.ContractFilter{
		Status:          engine.StatusActive,
		WithPenaltyRule: true,
	})
	if err != nil {
		return AccrualReport{}, fmt.Errorf("list contracts for penalty run: %w", err)
	}
	ids := make([]engine.ContractID, len(contracts))
	for i, c := range contracts {
		ids[i] = c.ID
	}

	rules := newRuleCache(s.store)
	batches := engine.Batch(ids, s.settings.BatchSize)

	work := make(chan []engine.ContractID)
	results := make(chan batchResult, len(batches))
	var wg sync.WaitGroup
	for w := 0; w < s.settings.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range work {
				results <- s.accrueBatch(ctx, batch, rules, today)
			}
		}()
	}

feed:
	for _, batch := range batches {
		select {
		case work <- batch:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	close(results)

	report := AccrualReport{RunDate: today, TotalAccrued: decimal.Zero}
	var evs []events.Event
	for r := range results {
		report.Processed += r.processed
		report.Skipped += r.skipped
		report.Charged += r.charged
		report.TotalAccrued = report.TotalAccrued.Add(r.accrued)
		report.Failed = append(report.Failed, r.failed...)
		evs = append(evs, r.events...)
	}
	report.Duration = s.now().Sub(started)

	for _, f := range report.Failed {
		log.WithFields(logrus.Fields{"contract_id": f.ContractID, "op": f.Op}).WithError(f.Err).Error("penalty accrual failed")
	}
	log.WithFields(logrus.Fields{
		"contracts":     len(ids),
		"processed":     report.Processed,
		"skipped":       report.Skipped,
		"charged":       report.Charged,
		"failed":        len(report.Failed),
		"total_accrued": report.TotalAccrued.String(),
		"duration":      report.Duration.String(),
	}).Info("penalty run finished")

	s.metrics.penaltyRun(report.TotalAccrued.InexactFloat64(), len(report.Failed))
	if len(evs) > 0 {
		s.publish(ctx, evs...)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// pendingAccrual is one contract's computed outcome waiting to be stored.
type pendingAccrual struct {
	contract engine.Contract
	update   engine.PenaltyUpdate
}

func (s *Service) accrueBatch(ctx context.Context, ids []engine.ContractID, rules *ruleCache, today engine.Date) batchResult {
	unlock := s.locks.LockAll(ids)
	defer unlock()

	res := batchResult{accrued: decimal.Zero}
	fail := func(id engine.ContractID, op string, err error) {
		res.failed = append(res.failed, &engine.ContractError{ContractID: id, Op: op, Err: err})
	}

	contracts := make(map[engine.ContractID]engine.Contract, len(ids))
	views := make([]engine.ContractPenaltyView, 0, len(ids))
	for _, id := range ids {
		done, err := s.store.AccrualRunExists(ctx, id, today)
		if err != nil {
			fail(id, "check accrual run", err)
			continue
		}
		if done {
			res.skipped++
			continue
		}
		// Reload under the lock: a payment may have landed since listing.
		c, err := s.store.GetContract(ctx, id)
		if err != nil {
			fail(id, "load contract", err)
			continue
		}
		lines, err := s.store.LoadLines(ctx, id)
		if err != nil {
			fail(id, "load lines", err)
			continue
		}
		view := c.PenaltyView(lines)
		if !view.Active {
			res.skipped++
			continue
		}
		contracts[id] = c
		views = append(views, view)
	}

	lookup := func(id engine.ContractID) (engine.PenaltyRule, error) {
		return rules.get(ctx, contracts[id].PenaltyRuleID)
	}

	var pending []pendingAccrual
	for _, u := range engine.AccruePenalties(views, lookup, today) {
		if u.Err != nil {
			var ce *engine.ContractError
			if errors.As(u.Err, &ce) {
				res.failed = append(res.failed, ce)
			} else {
				fail(u.ContractID, "accrue penalty", u.Err)
			}
			continue
		}
		pending = append(pending, pendingAccrual{contract: contracts[u.ContractID], update: u})
	}
	if len(pending) == 0 {
		return res
	}

	stored := pending
	err := s.store.WithTx(ctx, func(tx engine.Store) error {
		for _, p := range pending {
			if err := s.storeAccrual(ctx, tx, p, today); err != nil {
				return fmt.Errorf("contract %s: %w", p.contract.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		// One bad contract must not roll back its batch neighbours.
		s.log.WithError(err).WithField("batch_size", len(pending)).Warn("batch commit failed, retrying per contract")
		stored = stored[:0:0]
		for _, p := range pending {
			err := s.store.WithTx(ctx, func(tx engine.Store) error {
				return s.storeAccrual(ctx, tx, p, today)
			})
			switch {
			case errors.Is(err, engine.ErrAccrualAlreadyRun):
				res.skipped++
			case err != nil:
				fail(p.contract.ID, "store accrual", err)
			default:
				stored = append(stored, p)
			}
		}
	}

	for _, p := range stored {
		res.processed++
		if !p.update.Changed() {
			continue
		}
		res.charged++
		res.accrued = res.accrued.Add(p.update.Accrued)
		res.events = append(res.events, events.New(events.TypePenaltyAccrued, p.contract.ID, events.PenaltyAccrued{
			RunDate: today,
			Amount:  p.update.Accrued,
			Balance: p.update.Penalty.Balance(),
			Charges: p.update.Charges,
		}))
	}
	return res
}

// storeAccrual writes one contract's outcome. The run record is written
// even when nothing was charged so the contract is skipped on a rerun.
func (s *Service) storeAccrual(ctx context.Context, tx engine.Store, p pendingAccrual, today engine.Date) error {
	u := p.update
	if u.Changed() {
		if err := tx.SaveLines(ctx, p.contract.ID, u.Lines); err != nil {
			return err
		}
		c := p.contract
		c.Penalty = u.Penalty
		c.UpdatedAt = s.now().UTC()
		if err := tx.SaveContract(ctx, c); err != nil {
			return err
		}
	}
	return tx.RecordAccrualRun(ctx, engine.AccrualRun{
		ID:         uuid.NewString(),
		ContractID: p.contract.ID,
		RunDate:    today,
		Accrued:    u.Accrued,
		Charges:    len(u.Charges),
		RecordedAt: s.now().UTC(),
	})
}

// ruleCache loads each penalty rule once per run.
type ruleCache struct {
	store engine.Store
	mu    sync.Mutex
	rules map[engine.PenaltyRuleID]engine.PenaltyRule
}

func newRuleCache(store engine.Store) *ruleCache {
	return &ruleCache{store: store, rules: make(map[engine.PenaltyRuleID]engine.PenaltyRule)}
}

func (c *ruleCache) get(ctx context.Context, id engine.PenaltyRuleID) (engine.PenaltyRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rules[id]; ok {
		return r, nil
	}
	r, err := c.store.GetPenaltyRule(ctx, id)
	if err != nil {
		return engine.PenaltyRule{}, err
	}
	c.rules[id] = r
	return r, nil
}

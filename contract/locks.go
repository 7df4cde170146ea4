package contract

import (
	"sort"
	"sync"

	"github.com/warp/hirepurchase-engine/engine"
)

// keyedMutex serializes work per contract. Regeneration, payment posting,
// settlement and penalty accrual all mutate the same lines and penalty
// state, so they must never overlap on one contract.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[engine.ContractID]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[engine.ContractID]*refLock)}
}

// Lock blocks until id is free and returns the matching unlock.
func (k *keyedMutex) Lock(id engine.ContractID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// LockAll locks several contracts in id order so concurrent callers
// cannot deadlock.
func (k *keyedMutex) LockAll(ids []engine.ContractID) func() {
	sorted := append([]engine.ContractID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	unlocks := make([]func(), 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		unlocks = append(unlocks, k.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

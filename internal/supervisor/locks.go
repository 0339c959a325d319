package supervisor

import "sync"

// lockTable provides one lock per trade identifier. Workers take the lock
// for the span of "fetch inputs -> decide -> persist transition" so that no
// two evaluations of the same trade ever interleave.
//
// Acquire methods hand back an unlock closure bound to the mutex that was
// actually taken, so forget can drop a trade's entry while a holder is still
// in flight without breaking its eventual release.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int64]*sync.Mutex)}
}

func (t *lockTable) lockFor(tradeID int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[tradeID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[tradeID] = l
	}
	return l
}

// tryAcquire attempts to take the trade's lock without blocking. A false
// return means a previous evaluation of the same trade is still in flight
// and this cycle must be skipped, not queued.
func (t *lockTable) tryAcquire(tradeID int64) (unlock func(), ok bool) {
	l := t.lockFor(tradeID)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// acquire blocks until the trade's lock is available. Used by the
// confirmation and override entry points, which must not be dropped.
func (t *lockTable) acquire(tradeID int64) (unlock func()) {
	l := t.lockFor(tradeID)
	l.Lock()
	return l.Unlock
}

// forget drops the lock entry for a trade that left the working set. A
// holder's deferred unlock still releases the mutex it took; late arrivals
// blocked on that mutex re-check the working set after acquiring and no-op.
func (t *lockTable) forget(tradeID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, tradeID)
}

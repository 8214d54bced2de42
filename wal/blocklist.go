package wal

import (
	"sync/atomic"
)

// Allocation is a contiguous LSN range owned by the allocating thread from
// Allocate until exactly one of Release or Discard. The write daemon only
// ever reads live allocations while scanning the list.
type Allocation struct {
	lsnOffset     uint64
	nextLsnOffset uint64
	block         *Block

	// buffer range of the block, for the wrap mirror at release
	bufOff uint64
	nbytes uint64

	next atomic.Pointer[Allocation]
	dead atomic.Bool
}

func (x *Allocation) LsnOffset() uint64 {
	return x.lsnOffset
}

func (x *Allocation) NextLsnOffset() uint64 {
	return x.nextLsnOffset
}

// Block returns the in-buffer block this range was mapped to.
func (x *Allocation) Block() *Block {
	return x.block
}

// poison terminates the chain of a killed list in place of nil, so "still the
// tail and nothing pushed since" collapses into a single compare-and-swap.
var poison = &Allocation{}

// blockList is the insertion-ordered set of in-flight allocations. Pushes
// are lock-free; removal marks a node dead in place, and dead nodes are
// physically unlinked only once they reach the front. The list always holds
// at least one node (possibly dead), so the tail's nextLsnOffset is the
// current end of the log.
//
// Unlinked nodes stay readable by concurrent walkers until the collector
// reclaims them, which is what the dead-in-place discipline relies on.
type blockList struct {
	head atomic.Pointer[Allocation]
	tail atomic.Pointer[Allocation]
}

// mkBlockList primes the list with a dead node at off, so the first real
// push has a predecessor to derive its LSN range from.
func mkBlockList(off uint64) *blockList {
	l := &blockList{}
	x := &Allocation{lsnOffset: off, nextLsnOffset: off}
	x.dead.Store(true)
	l.head.Store(x)
	l.tail.Store(x)
	return l
}

// peekRaw returns the most recently inserted node, live or dead.
func (l *blockList) peekRaw() *Allocation {
	t := l.tail.Load()
	for {
		next := t.next.Load()
		if next == nil || next == poison {
			return t
		}
		t = next
	}
}

// pushCallback appends x at the tail. cb runs against the true previous tail
// before each insertion attempt, so whatever it derives from the predecessor
// holds exactly when the insert wins its compare-and-swap. Returns false iff
// the list has been killed.
func (l *blockList) pushCallback(x *Allocation, cb func(prev *Allocation, n *Allocation)) bool {
	for {
		t := l.peekRaw()
		next := t.next.Load()
		if next == poison {
			return false
		}
		if next != nil {
			continue
		}
		cb(t, x)
		if t.next.CompareAndSwap(nil, x) {
			// The tail hint may lag; peekRaw chases it regardless.
			l.tail.CompareAndSwap(t, x)
			return true
		}
	}
}

// removeFast marks x dead and unlinks any dead prefix of the list. The last
// node is never unlinked, dead or not: it carries the current end offset.
func (l *blockList) removeFast(x *Allocation) {
	x.dead.Store(true)
	l.cleanHead()
}

func (l *blockList) cleanHead() {
	for {
		h := l.head.Load()
		if !h.dead.Load() {
			return
		}
		next := h.next.Load()
		if next == nil || next == poison {
			return
		}
		if !l.head.CompareAndSwap(h, next) {
			// Somebody else is cleaning; let them finish.
			return
		}
	}
}

// removeAndKill retires x and kills the list iff x is still the tail and no
// push has raced in. After a successful kill every future pushCallback
// returns false.
func (l *blockList) removeAndKill(x *Allocation) bool {
	if !x.next.CompareAndSwap(nil, poison) {
		return false
	}
	x.dead.Store(true)
	return true
}

// walk visits nodes oldest to newest, stopping early if f returns false.
func (l *blockList) walk(f func(x *Allocation) bool) {
	for x := l.head.Load(); x != nil && x != poison; x = x.next.Load() {
		if !f(x) {
			return
		}
	}
}

// oldestLive returns the lsnOffset of the oldest live node, or def if every
// node is dead.
func (l *blockList) oldestLive(def uint64) uint64 {
	off := def
	l.walk(func(x *Allocation) bool {
		if !x.dead.Load() {
			off = x.lsnOffset
			return false
		}
		return true
	})
	return off
}

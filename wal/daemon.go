package wal

import (
	"fmt"
	"time"

	"github.com/mit-pdos/go-dblog/segment"
	"github.com/mit-pdos/go-dblog/util"
)

// writeDaemon's only job is to write released log blocks to disk. In steady
// state new blocks are released during each write, keeping it busy most of
// the time; whenever the log is fully durable it sleeps. During a clean
// shutdown it exits only after everything has reached disk and the durable
// mark is current. It is the system's responsibility not to raise the stop
// flag while new log records might still be generated.
func (l *LogMgr) writeDaemon() {
	dlsn := l.lm.GetDurableMark()
	durableSid := l.lm.GetSegment(dlsn.Segment())
	if l.durableOffset.Load() != dlsn.Offset() {
		panic("wal: daemon started against a stale durable offset")
	}
	durableByte := durableSid.BufOffset(dlsn.Offset())
	activeFd, err := l.lm.OpenForWrite(durableSid)
	if err != nil {
		panic("wal: segment open failed: " + err.Error())
	}
	defer func() { activeFd.Close() }()

	updateDmark := func() {
		dlsn = durableSid.MakeLsn(l.durableOffset.Load())
		if err := l.lm.UpdateDurableMark(dlsn); err != nil {
			panic("wal: durable mark write failed: " + err.Error())
		}
	}

	lastMark := time.Now()
	for {
		// Publish the durable mark if somebody needs it or it has
		// gone stale.
		dmarkOffset := l.lm.GetDurableMark().Offset()
		canUpdate := dmarkOffset < l.durableOffset.Load()
		wantUpdate := dmarkOffset < l.waitingForDmark.Load()
		if canUpdate && (wantUpdate || time.Since(lastMark) > DMARKTIMEOUT) {
			updateDmark()
			lastMark = time.Now()
			if wantUpdate {
				l.condWrite.Broadcast()
			}
		}

		// The list holds a fluctuating, usually short, set of
		// allocations. Releasing marks a node dead without
		// necessarily unlinking it, and the list always keeps at
		// least one node, so the tail's nextLsnOffset is the end of
		// the log. Everything below the oldest live node is committed
		// and may go out.
		curOffset := l.CurLsnOffset()
		oldestOffset := l.list.oldestLive(curOffset)

		if oldestOffset == l.durableOffset.Load() {
			if l.daemonIdle(curOffset, oldestOffset, updateDmark) {
				return
			}
			continue
		}

		// Write out each segment-bounded chunk below the oldest live
		// block.
		for l.durableOffset.Load() < oldestOffset {
			var newSid *segment.ID
			var newOffset uint64
			var newByte uint64

			if durableSid.EndOffset < oldestOffset+MINBLOCKSZ {
				// The flush reaches the last MINBLOCKSZ bytes of
				// the segment; finish this segment and hop over
				// the dead zone once the successor exists.
				newSid = l.lm.GetSegment(durableSid.Segnum + 1)
				if newSid != nil {
					newOffset = newSid.StartOffset
					newByte = newSid.ByteOffset
				} else {
					// The boundary block is still in flight;
					// flush what the current segment holds.
					newSid = durableSid
					newOffset = util.Min(oldestOffset, durableSid.EndOffset)
					newByte = durableSid.BufOffset(newOffset)
				}
			} else {
				newSid = durableSid
				newOffset = oldestOffset
				newByte = durableSid.BufOffset(oldestOffset)
			}

			if newSid == durableSid && newByte == durableByte {
				// No byte progress possible yet; rescan the list.
				break
			}
			if durableByte != l.logbuf.readBegin.Load() || newByte < durableByte {
				panic("wal: flush window out of sync")
			}

			// Producers complete out of order and never advance
			// the window themselves; move the frontier to the
			// flush boundary now that the right value is known.
			l.logbuf.advanceWriter(newByte)

			// newByte == durableByte happens when a truncated
			// segment had nothing left to flush; rotate without a
			// write.
			if newByte > durableByte {
				nbytes := newByte - durableByte
				buf := l.logbuf.readBuf(durableByte, nbytes)
				fileOffset := durableSid.Offset(l.durableOffset.Load())
				n, err := activeFd.Pwrite(buf, fileOffset)
				if err != nil || uint64(n) < nbytes {
					panic(fmt.Sprintf("wal: incomplete log write: %d of %d bytes: %v",
						n, nbytes, err))
				}
				l.logbuf.advanceReader(newByte)
			}

			// Segment change: rotate the file descriptor.
			if newSid != durableSid {
				if err := activeFd.Close(); err != nil {
					panic("wal: segment close failed: " + err.Error())
				}
				fd, err := l.lm.OpenForWrite(newSid)
				if err != nil {
					panic("wal: segment open failed: " + err.Error())
				}
				activeFd = fd
			}

			l.mu.Lock()
			if l.durableOffset.Load() < l.waitingForDurable.Load() {
				l.condWrite.Broadcast()
			}
			durableSid = newSid
			l.durableOffset.Store(newOffset)
			durableByte = newByte
			l.mu.Unlock()
			util.DPrintf(5, "daemon: durable offset %d\n", newOffset)
		}
	}
}

// daemonIdle handles the nothing-to-flush case: wake satisfied waiters, wind
// the log down if shutdown has drained it, or sleep until the next kick.
// Returns true when the daemon should exit.
func (l *LogMgr) daemonIdle(curOffset uint64, oldestOffset uint64, updateDmark func()) bool {
	l.mu.Lock()

	// Before blocking: did somebody ask to move the durable mark, and can
	// we already satisfy them?
	dmarkOffset := l.lm.GetDurableMark().Offset()
	if dmarkOffset < l.waitingForDmark.Load() &&
		l.waitingForDmark.Load() <= l.durableOffset.Load() {
		l.mu.Unlock()
		return false
	}

	l.condWrite.Broadcast()

	if l.durableOffset.Load() == curOffset && l.shouldStop.Load() {
		if dmarkOffset < l.durableOffset.Load() {
			updateDmark()
		}

		// Push a sentinel and kill it: the kill succeeds only if the
		// sentinel is still the tail, which proves no allocation
		// raced with shutdown and seals the list in one step.
		x := &Allocation{}
		inserted := l.list.pushCallback(x, func(prev *Allocation, n *Allocation) {
			n.lsnOffset = prev.nextLsnOffset
			n.nextLsnOffset = prev.nextLsnOffset
			curOffset = prev.nextLsnOffset
		})
		if !inserted {
			panic("wal: sentinel insert on a killed list")
		}
		if oldestOffset == curOffset && l.list.removeAndKill(x) {
			if l.durableOffset.Load() < l.waitingForDurable.Load() {
				panic("wal: thread waiting for past-end durable LSN at log shutdown")
			}
			if l.lm.GetDurableMark().Offset() < l.waitingForDmark.Load() {
				panic("wal: thread waiting for past-end durable mark at log shutdown")
			}
			l.nthread -= 1
			l.condShut.Signal()
			l.mu.Unlock()
			util.DPrintf(1, "wal: write daemon exit\n")
			return true
		}
		// Another block slipped in; retire the sentinel and deal with
		// it.
		l.list.removeFast(x)
	}

	// Wait for a kick; spurious wakeups are acceptable.
	l.daemonWaitCount.Add(1)
	l.condDaemon.Wait()
	l.mu.Unlock()
	return false
}

package wal

import (
	"github.com/mit-pdos/go-dblog/util"
)

// Allocate obtains a contiguous LSN range sized for nrec records plus
// payloadBytes of payload, maps it into the log buffer, and returns the
// owned allocation. payloadBytes must be a multiple of LOGALIGN. The caller
// fills the block in place and must finish with exactly one of Release or
// Discard.
//
// The protocol runs in four stages: join the block list to acquire an LSN
// range, map the range to a segment, claim buffer space (the only stage that
// can block), and initialize the block header in place. A range that
// straddles its segment's end is rewritten as an empty skip block closing
// the segment, discarded, and retried in the successor; a range that fell
// into the dead zone between two segments has no physical home and is
// retried directly.
//
// Once the range is advertised in the list its buffer bytes are undefined
// until stage 4 commits. Backing out in between would leave uninitialized
// bytes at an already-promised offset and truncate the log there, so every
// abnormal path in that window is a panic rather than an error return.
//
// TODO: red-zone check so allocation cannot wedge the log by outrunning
// segment reclamation; needs a reserve sized to the worst-case in-flight
// requests plus one checkpoint.
func (l *LogMgr) Allocate(nrec uint32, payloadBytes uint64) *Allocation {
	if payloadBytes%LOGALIGN != 0 {
		panic("wal: unaligned payload size")
	}
	nbytes := BlockSize(nrec, payloadBytes)
	if util.SumOverflows(l.CurLsnOffset(), nbytes) {
		panic("wal: lsn offset space exhausted")
	}

	for {
		// Stage 1: join the block list. The callback derives the range
		// from the true previous tail, so ranges are contiguous and
		// gap-free even under contention. Never blocks.
		x := &Allocation{}
		inserted := l.list.pushCallback(x, func(prev *Allocation, n *Allocation) {
			n.lsnOffset = prev.nextLsnOffset
			n.nextLsnOffset = n.lsnOffset + nbytes
		})
		if !inserted {
			panic("wal: log insert after shutdown")
		}

		// Stage 2: map the range to a segment.
		rval := l.lm.AssignSegment(x.lsnOffset, x.nextLsnOffset)
		sid := rval.Sid
		if sid == nil {
			// Dead zone: the range lies between two segments and
			// maps to nothing on disk. Retire the node and retry.
			l.list.removeFast(x)
			continue
		}
		lsn := sid.MakeLsn(x.lsnOffset)

		tmpNbytes := nbytes
		tmpNrec := nrec
		tmpPayload := payloadBytes
		if !rval.FullSize {
			// The range straddles the segment end. Shrink the
			// request to an empty block spanning the remainder of
			// the segment; the skip record carries recovery over
			// to the successor.
			newsz := sid.EndOffset - x.lsnOffset
			if newsz >= nbytes || newsz < MINBLOCKSZ {
				panic("wal: bad overflow block size")
			}
			tmpNbytes = newsz
			tmpNrec = 0
			tmpPayload = 0
		}

		// Stage 3: claim buffer space.
		bufOff := sid.BufOffset(lsn.Offset())
		var buf []byte
		for {
			buf = l.logbuf.writeBuf(bufOff, tmpNbytes)
			if buf != nil {
				break
			}
			// The window still holds bytes the daemon has not
			// retired. Work out which durable LSN would free our
			// slice and wait for it. The buffer mapping is
			// nonlinear across segments so the target may guess
			// high; the retry re-checks the window either way.
			needed := uint64(0)
			if ws := l.logbuf.windowSize(); lsn.Offset() > ws {
				needed = lsn.Offset() - ws
			}
			l.mu.Lock()
			if dur := l.DurLsnOffset(); needed <= dur {
				// Keep the target ahead of the watermark so
				// the daemon's next completion is sure to
				// broadcast.
				needed = dur + 1
			}
			if l.waitingForDurable.Load() < needed {
				l.waitingForDurable.Store(needed)
			}
			l.kickDaemon()
			l.condWrite.Wait()
			l.mu.Unlock()
		}

		// Stage 4: initialize the block in place and commit.
		b := mkBlock(buf)
		x.block = b
		x.bufOff = bufOff
		x.nbytes = tmpNbytes
		b.SetLsn(lsn)
		b.SetNrec(tmpNrec)
		fillSkipRecord(b.Record(tmpNrec), rval.NextLsn, tmpPayload)
		b.SetChecksum(b.FullChecksum())

		if !rval.FullSize {
			// The undersized block only closes out the old
			// segment; drop it and start over in the new one.
			l.Discard(x)
			continue
		}

		util.DPrintf(5, "allocate: [%d, %d) seg %d\n",
			x.lsnOffset, x.nextLsnOffset, sid.Segnum)
		return x
	}
}

// Release commits the filled block: the allocation goes dead in the list and
// the daemon is free to retire every byte below the next live one.
func (l *LogMgr) Release(x *Allocation) {
	// The wrap mirror must be consistent before the daemon can observe
	// the node dead.
	l.logbuf.mirror(x.bufOff, x.nbytes)
	l.list.removeFast(x)

	// Hopefully the daemon is already awake, but be ready to give it a
	// kick if need be.
	if l.daemonKickCount.Load() < l.daemonWaitCount.Load() {
		l.mu.Lock()
		l.kickDaemon()
		l.mu.Unlock()
	}
}

// Discard rewrites the block in place as a minimal skip block and releases
// it. The range keeps its place in the LSN space and on disk; recovery reads
// it as an empty skip.
func (l *LogMgr) Discard(x *Allocation) {
	b := x.block
	nrec := b.Nrec()
	skip := b.Record(nrec)
	if skip.Type() != RECSKIP {
		panic("wal: discarding a block without a trailing skip")
	}
	b.Record(0).copyFrom(skip)
	b.Record(0).SetPayloadEnd(0)
	b.SetNrec(0)
	b.SetChecksum(b.FullChecksum())
	l.Release(x)
}

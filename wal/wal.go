// Package wal implements the allocation and durability core of the
// write-ahead log: lock-free LSN issuance, a bounded in-memory window over
// the tail of the log, and a single write daemon that retires released
// blocks to the segment files.
//
// The LSN offset space looks like:
//
//	[ durable | released, buffered | live allocations )
//	 ^          ^                    ^
//	 0          durableOffset        oldest live ... curLsnOffset
//
// Client threads allocate contiguous LSN ranges and fill them in place in
// the log buffer. The daemon writes out everything older than the oldest
// live allocation, advances the durable watermark that commit paths wait
// on, and periodically persists the durable mark that recovery reads.
package wal

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mit-pdos/go-dblog/segment"
	"github.com/mit-pdos/go-dblog/util"
)

// Wire-format sizes are owned by the segment package; aliased here for the
// block codec and its callers.
const (
	LOGALIGN   = segment.LOGALIGN
	BLOCKHDRSZ = segment.BLOCKHDRSZ
	RECHDRSZ   = segment.RECHDRSZ
	MINBLOCKSZ = segment.MINBLOCKSZ

	// DMARKTIMEOUT bounds how stale the on-disk durable mark may go while
	// the daemon is making progress.
	DMARKTIMEOUT = 100 * time.Millisecond
)

// Log record types. The core itself only ever writes RECSKIP; clients stamp
// the rest into the records they fill.
const (
	RECINVALID = uint16(iota)
	RECINSERT
	RECUPDATE
	RECDELETE
	RECCOMMENT
	RECSKIP
)

// SegmentMgr is the contract the core consumes from the log's recovery and
// segment machinery.
type SegmentMgr interface {
	GetDurableMark() segment.Lsn
	GetSegment(segnum uint32) *segment.ID
	AssignSegment(lo uint64, hi uint64) segment.Assignment
	UpdateDurableMark(lsn segment.Lsn) error
	OpenForWrite(sid *segment.ID) (segment.File, error)
}

// LogMgr hands out LSN ranges to transaction threads and drives them to
// disk.
type LogMgr struct {
	lm     SegmentMgr
	logbuf *logBuf
	list   *blockList

	mu         *sync.Mutex
	condWrite  *sync.Cond // durable offset or mark advanced
	condDaemon *sync.Cond // kicks the write daemon
	condShut   *sync.Cond

	durableOffset     atomic.Uint64
	waitingForDurable atomic.Uint64 // highest durable offset any thread waits on
	waitingForDmark   atomic.Uint64 // highest mark offset any thread waits on
	daemonWaitCount   atomic.Uint64
	daemonKickCount   atomic.Uint64
	shouldStop        atomic.Bool

	nthread uint64 // under mu, for shutdown join
}

func mkLogMgr(lm SegmentMgr, bufsz uint64) *LogMgr {
	dlsn := lm.GetDurableMark()
	sid := lm.GetSegment(dlsn.Segment())
	if sid == nil {
		panic("wal: durable mark names an uninstalled segment")
	}
	mu := new(sync.Mutex)
	l := &LogMgr{
		lm:         lm,
		logbuf:     mkLogBuf(bufsz, sid.BufOffset(dlsn.Offset())),
		list:       mkBlockList(dlsn.Offset()),
		mu:         mu,
		condWrite:  sync.NewCond(mu),
		condDaemon: sync.NewCond(mu),
		condShut:   sync.NewCond(mu),
	}
	l.durableOffset.Store(dlsn.Offset())
	util.DPrintf(1, "mkLogMgr: durable offset %d, window %d\n",
		dlsn.Offset(), l.logbuf.windowSize())
	return l
}

func (l *LogMgr) startDaemon() {
	l.mu.Lock()
	l.nthread += 1
	l.mu.Unlock()
	go func() { l.writeDaemon() }()
}

// MkLogMgr constructs the log core over an already-recovered segment manager
// and starts the write daemon. bufsz is the size of the sliding log window.
func MkLogMgr(lm SegmentMgr, bufsz uint64) *LogMgr {
	l := mkLogMgr(lm, bufsz)
	l.startDaemon()
	return l
}

// CurLsnOffset returns the offset the next allocation will start at.
func (l *LogMgr) CurLsnOffset() uint64 {
	return l.list.peekRaw().nextLsnOffset
}

// DurLsnOffset returns the durable watermark: every byte at a smaller LSN
// offset has reached its segment file.
func (l *LogMgr) DurLsnOffset() uint64 {
	return l.durableOffset.Load()
}

// kickDaemon wakes the write daemon if it happens to be asleep.
//
// The caller must hold l.mu.
func (l *LogMgr) kickDaemon() {
	if l.daemonKickCount.Load() < l.daemonWaitCount.Load() {
		l.daemonKickCount.Add(1)
		l.condDaemon.Signal()
	}
}

// WaitForDurable blocks until every byte below off is durable.
func (l *LogMgr) WaitForDurable(off uint64) {
	for l.DurLsnOffset() < off {
		l.mu.Lock()
		if l.waitingForDurable.Load() < off {
			l.waitingForDurable.Store(off)
		}
		l.kickDaemon()
		l.condWrite.Wait()
		l.mu.Unlock()
	}
}

// UpdateDurableMark waits until off is durable and the on-disk durable mark
// has caught up to it.
func (l *LogMgr) UpdateDurableMark(off uint64) {
	l.WaitForDurable(off)
	l.mu.Lock()
	for l.lm.GetDurableMark().Offset() < off {
		if l.waitingForDmark.Load() < off {
			l.waitingForDmark.Store(off)
		}
		l.kickDaemon()
		l.condWrite.Wait()
	}
	l.mu.Unlock()
}

// Shutdown drains the log and joins the write daemon: on return every
// allocated byte is on disk and the durable mark is current. The caller must
// ensure no Allocate call races with or follows it. An Allocate after the
// daemon has sealed the list panics; one whose range is pushed before that
// succeeds, and the drain then waits for that range to be released.
func (l *LogMgr) Shutdown() {
	l.mu.Lock()
	l.shouldStop.Store(true)
	l.kickDaemon()
	for l.nthread > 0 {
		l.condShut.Wait()
	}
	l.mu.Unlock()
	util.DPrintf(1, "wal: shutdown done\n")
}

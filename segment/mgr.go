package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-dblog/util"
)

// Config carries the construction parameters for a Mgr.
type Config struct {
	Dir         string
	SegmentSize uint64

	// OpenForWrite overrides how segment files are opened. Nil means a
	// plain positional-write descriptor on the segment's file under Dir.
	OpenForWrite func(sid *ID) (File, error)
}

// Mgr owns the segment descriptor cycle and the on-disk recovery state. Its
// descriptors are immutable once installed; only the slot they occupy is
// ever replaced.
type Mgr struct {
	dir    string
	segsz  uint64
	openFn func(sid *ID) (File, error)

	// mu serializes segment installs and durable mark writes; lookups are
	// lock-free off the slot pointers.
	mu    sync.Mutex
	slots [NumLogSegments]atomic.Pointer[ID]
	mark  atomic.Pointer[Lsn]

	markf *stateFile
	regf  *stateFile
}

// NewMgr opens (or creates) the log's recovery state in dir. A fresh
// directory gets segment 0 at offset 0 and a zero durable mark; otherwise the
// registry and mark are read back and the descriptor cycle reinstalled.
func NewMgr(cfg Config) (*Mgr, error) {
	if cfg.SegmentSize < MINBLOCKSZ || cfg.SegmentSize%LOGALIGN != 0 {
		return nil, fmt.Errorf("bad segment size %d", cfg.SegmentSize)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}
	m := &Mgr{
		dir:    cfg.Dir,
		segsz:  cfg.SegmentSize,
		openFn: cfg.OpenForWrite,
	}
	if m.openFn == nil {
		m.openFn = m.openSegmentFile
	}

	var err error
	m.markf, err = openStateFile(filepath.Join(cfg.Dir, markFile), markRecSz)
	if err != nil {
		return nil, err
	}
	m.regf, err = openStateFile(filepath.Join(cfg.Dir, registryFile), regRecSz)
	if err != nil {
		m.markf.close()
		return nil, err
	}
	if err := m.recover(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mgr) recover() error {
	markRec, err := m.markf.read()
	if err != nil {
		return err
	}
	if markRec == nil {
		// Fresh log: one segment at offset 0, mark at its start.
		sid := &ID{Segnum: 0, StartOffset: 0, EndOffset: m.segsz, ByteOffset: 0}
		m.slots[0].Store(sid)
		if err := m.persistRegistry(); err != nil {
			return err
		}
		dlsn := Lsn{Segnum: 0, Off: 0}
		if err := m.markf.write(encodeMark(dlsn)); err != nil {
			return err
		}
		m.mark.Store(&dlsn)
		util.DPrintf(1, "segment: fresh log in %s, segment size %d\n", m.dir, m.segsz)
		return nil
	}

	dlsn, err := decodeMark(markRec)
	if err != nil {
		return err
	}
	regRec, err := m.regf.read()
	if err != nil {
		return err
	}
	if regRec == nil {
		return fmt.Errorf("durable mark present but segment registry empty")
	}
	sids, err := decodeRegistry(regRec)
	if err != nil {
		return err
	}
	for _, sid := range sids {
		m.slots[sid.Segnum%NumLogSegments].Store(sid)
	}
	msid := m.GetSegment(dlsn.Segment())
	if msid == nil || dlsn.Offset() < msid.StartOffset || dlsn.Offset() > msid.EndOffset {
		return fmt.Errorf("durable mark %d outside segment %d", dlsn.Offset(), dlsn.Segment())
	}
	m.mark.Store(&dlsn)
	util.DPrintf(1, "segment: recovered %d segments, durable mark %d\n", len(sids), dlsn.Offset())
	return nil
}

func (m *Mgr) Close() error {
	err := m.markf.close()
	if err2 := m.regf.close(); err == nil {
		err = err2
	}
	return err
}

// GetSegment returns the descriptor for a dense segment number, or nil if its
// cycle slot holds a different generation.
func (m *Mgr) GetSegment(segnum uint32) *ID {
	sid := m.slots[segnum%NumLogSegments].Load()
	if sid == nil || sid.Segnum != segnum {
		return nil
	}
	return sid
}

// GetDurableMark returns the in-memory copy of the on-disk durable mark.
func (m *Mgr) GetDurableMark() Lsn {
	return *m.mark.Load()
}

// UpdateDurableMark persists lsn as the new durable mark. The mark never
// moves backwards.
func (m *Mgr) UpdateDurableMark(lsn Lsn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lsn.Offset() <= m.mark.Load().Offset() {
		return nil
	}
	if err := m.markf.write(encodeMark(lsn)); err != nil {
		return err
	}
	m.mark.Store(&lsn)
	util.DPrintf(5, "segment: durable mark now %d\n", lsn.Offset())
	return nil
}

// segmentContaining prefers the newest match: a truncated segment's nominal
// tail overlaps its successor's start, and the successor wins there.
func (m *Mgr) segmentContaining(off uint64) *ID {
	var best *ID
	for i := range m.slots {
		sid := m.slots[i].Load()
		if sid != nil && sid.Contains(off) && (best == nil || sid.Segnum > best.Segnum) {
			best = sid
		}
	}
	return best
}

func (m *Mgr) newestSegment() *ID {
	var newest *ID
	for i := range m.slots {
		sid := m.slots[i].Load()
		if sid != nil && (newest == nil || sid.Segnum > newest.Segnum) {
			newest = sid
		}
	}
	return newest
}

// installNext makes sure prev has a successor. If the successor is already
// installed it is returned as-is; otherwise a new segment is created with
// start as its first LSN offset. The caller that loses the race may find the
// winner chose a higher start than its own range, which is how dead zones are
// born.
func (m *Mgr) installNext(prev *ID, start uint64) *ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	segnum := prev.Segnum + 1
	if sid := m.slots[segnum%NumLogSegments].Load(); sid != nil && sid.Segnum == segnum {
		return sid
	}
	if start+MINBLOCKSZ <= prev.EndOffset {
		panic("segment: successor would overlap its predecessor")
	}
	// start may sit inside the last MINBLOCKSZ bytes of prev: that tail
	// fits no block, so prev truly ends at start and the buffer mapping
	// stays contiguous from there.
	sid := &ID{
		Segnum:      segnum,
		StartOffset: start,
		EndOffset:   start + m.segsz,
		ByteOffset:  prev.ByteOffset + util.Min(start, prev.EndOffset) - prev.StartOffset,
	}
	// Slot reuse evicts the descriptor NumLogSegments generations back;
	// reclamation policy lives outside this manager.
	m.slots[segnum%NumLogSegments].Store(sid)
	if err := m.persistRegistry(); err != nil {
		panic("segment: registry write failed: " + err.Error())
	}
	util.DPrintf(1, "segment: installed %d [%d, %d) byte %d\n",
		sid.Segnum, sid.StartOffset, sid.EndOffset, sid.ByteOffset)
	return sid
}

// persistRegistry rewrites the on-disk descriptor table. Caller holds mu.
func (m *Mgr) persistRegistry() error {
	var sids []*ID
	for i := range m.slots {
		if sid := m.slots[i].Load(); sid != nil {
			sids = append(sids, sid)
		}
	}
	return m.regf.write(encodeRegistry(sids))
}

// AssignSegment maps the LSN range [lo, hi) to a segment.
//
// The outcomes mirror the segment-change pattern around an install:
//
//	| ... segment i | dead zone | segment i+1 ... |
//	    |   A   |   B   |   C   |   D   |   E   |
//
// A fits entirely in segment i (FullSize). B straddles the end of i: its
// owner closes the segment with a skip block, so B comes back with
// FullSize == false and NextLsn pointing at segment i+1's start. C lost the
// install race and fell between the segments; it maps to nothing (Sid nil)
// and must be retried. D won the race, so segment i+1 starts exactly at D's
// offset. E lost the race but lands inside the new segment anyway.
func (m *Mgr) AssignSegment(lo uint64, hi uint64) Assignment {
	for {
		if sid := m.segmentContaining(lo); sid != nil {
			if hi <= sid.EndOffset {
				return Assignment{Sid: sid, NextLsn: sid.MakeLsn(hi), FullSize: true}
			}
			if sid.EndOffset-lo < MINBLOCKSZ {
				// The tail scrap cannot hold even a skip block:
				// the segment truly ends at lo and the range
				// moves wholesale into the successor.
				next := m.installNext(sid, lo)
				if next.StartOffset != lo {
					// A past-end racer placed the successor
					// elsewhere; the scrap belongs to no
					// segment.
					return Assignment{}
				}
				continue
			}
			// The range straddles the end of sid; the successor
			// begins where this range would have ended.
			next := m.installNext(sid, hi)
			return Assignment{
				Sid:     sid,
				NextLsn: Lsn{Segnum: next.Segnum, Off: next.StartOffset},
			}
		}

		newest := m.newestSegment()
		if lo < newest.EndOffset {
			// Between two installed segments: a dead zone.
			return Assignment{}
		}
		next := m.installNext(newest, lo)
		if lo < next.StartOffset {
			// Lost the install race and fell short of the winner's
			// start.
			return Assignment{}
		}
		// Won the install (next starts at lo) or landed inside the
		// winner's segment; resolve against it.
	}
}

// OpenForWrite opens the segment's backing file for positional writes.
func (m *Mgr) OpenForWrite(sid *ID) (File, error) {
	return m.openFn(sid)
}

// SegmentPath names the backing file of a segment.
func (m *Mgr) SegmentPath(segnum uint32) string {
	return filepath.Join(m.dir, fmt.Sprintf("seg-%08d.log", segnum))
}

func (m *Mgr) openSegmentFile(sid *ID) (File, error) {
	fd, err := unix.Open(m.SegmentPath(sid.Segnum), unix.O_CREAT|unix.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", sid.Segnum, err)
	}
	return &osFile{fd: fd}, nil
}

type osFile struct {
	fd int
}

func (f *osFile) Pwrite(p []byte, off int64) (int, error) {
	return unix.Pwrite(f.fd, p, off)
}

func (f *osFile) Close() error {
	return unix.Close(f.fd)
}

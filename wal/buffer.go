package wal

import (
	"sync/atomic"
)

// logBuf is a fixed-capacity sliding window over the byte stream of the log.
// Offsets are monotone buffer offsets (segment byte offsets); the physical
// index is offset mod cap.
//
// The backing store is twice the capacity and every block's range is
// mirrored into the opposite half when it is released, so a range that
// crosses the wrap point is still one contiguous slice for producers and for
// the daemon's flush reads.
type logBuf struct {
	data []byte
	cap  uint64

	// readBegin retires bytes once they reach disk; writeEnd is the
	// producer frontier. Both are advanced only by the daemon: producers
	// reserve slices but complete out of order, so the daemon moves the
	// frontier to the flush boundary itself.
	readBegin atomic.Uint64
	writeEnd  atomic.Uint64
}

func mkLogBuf(bufsz uint64, start uint64) *logBuf {
	if bufsz < MINBLOCKSZ || bufsz%LOGALIGN != 0 {
		panic("wal: bad log buffer size")
	}
	b := &logBuf{
		data: make([]byte, 2*bufsz),
		cap:  bufsz,
	}
	b.readBegin.Store(start)
	b.writeEnd.Store(start)
	return b
}

func (b *logBuf) windowSize() uint64 {
	return b.cap
}

// writeBuf reserves [off, off+n) for writing. Nil if the range would overlay
// bytes the daemon has not retired yet.
func (b *logBuf) writeBuf(off uint64, n uint64) []byte {
	if n > b.cap {
		panic("wal: block larger than the log window")
	}
	if off+n > b.readBegin.Load()+b.cap {
		return nil
	}
	p := off % b.cap
	return b.data[p : p+n]
}

// readBuf returns [off, off+n) for reading. The range must sit below the
// writer frontier.
func (b *logBuf) readBuf(off uint64, n uint64) []byte {
	if off+n > b.writeEnd.Load() {
		panic("wal: read past the writer frontier")
	}
	p := off % b.cap
	return b.data[p : p+n]
}

// mirror replicates [off, off+n) into the opposite half of the backing
// store, restoring data[i] == data[i+cap] for every byte of the range.
func (b *logBuf) mirror(off uint64, n uint64) {
	p := off % b.cap
	if p+n > b.cap {
		// the tail spilled into the upper half; replicate it down
		copy(b.data[0:p+n-b.cap], b.data[b.cap:p+n])
	}
	hi := p + n
	if hi > b.cap {
		hi = b.cap
	}
	copy(b.data[p+b.cap:hi+b.cap], b.data[p:hi])
}

// advanceWriter moves the producer frontier forward to off. Daemon only.
func (b *logBuf) advanceWriter(off uint64) {
	if off > b.writeEnd.Load() {
		b.writeEnd.Store(off)
	}
}

// advanceReader retires bytes below off, opening window space for producers.
// Daemon only.
func (b *logBuf) advanceReader(off uint64) {
	if off < b.readBegin.Load() {
		panic("wal: reader frontier moved backwards")
	}
	b.readBegin.Store(off)
}

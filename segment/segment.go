// Package segment is the log's segment and recovery machinery: it maps LSN
// offsets to segment descriptors, arbitrates the race to install new segments,
// hands out segment file handles, and persists the durable mark that recovery
// uses to locate the tail of the log.
package segment

// NumLogSegments is the size of the segment descriptor cycle. Segment numbers
// are dense; slot segnum % NumLogSegments holds the most recently installed
// descriptor for that residue.
const NumLogSegments = 16

// Log block wire format. Recovery scans blocks out of segment files, so the
// sizes live here alongside the machinery that owns the files.
const (
	// LOGALIGN is the alignment quantum; payload sizes are multiples of it.
	LOGALIGN = uint64(16)
	// BLOCKHDRSZ is the fixed header at the front of every log block.
	BLOCKHDRSZ = uint64(32)
	// RECHDRSZ is one record header.
	RECHDRSZ = uint64(16)
	// MINBLOCKSZ is an empty block: the header plus its trailing skip. A
	// segment tail smaller than this can hold no block at all, so the
	// true end of a segment is wherever its last block stopped.
	MINBLOCKSZ = BLOCKHDRSZ + RECHDRSZ
)

// Lsn is a log sequence number: a segment number plus a byte offset into the
// LSN space. Offsets are monotone over the whole log history and never reused.
type Lsn struct {
	Segnum uint32
	Off    uint64
}

func (l Lsn) Segment() uint32 {
	return l.Segnum
}

func (l Lsn) Offset() uint64 {
	return l.Off
}

// ID is an immutable segment descriptor.
type ID struct {
	Segnum      uint32
	StartOffset uint64 // inclusive, LSN space
	EndOffset   uint64 // exclusive, LSN space
	ByteOffset  uint64 // position of StartOffset in the log buffer mapping
}

// Contains reports whether the LSN offset lands inside this segment.
func (s *ID) Contains(off uint64) bool {
	return s.StartOffset <= off && off < s.EndOffset
}

// MakeLsn stamps an LSN offset with this segment's number. off may equal
// EndOffset: the end of a segment is a valid position for durability
// bookkeeping.
func (s *ID) MakeLsn(off uint64) Lsn {
	return Lsn{Segnum: s.Segnum, Off: off}
}

// Offset yields the position of an LSN offset within the segment's file.
func (s *ID) Offset(off uint64) int64 {
	return int64(off - s.StartOffset)
}

// BufOffset maps an LSN offset to its log buffer offset. The mapping is
// linear within a segment but skips the dead zones between segments.
func (s *ID) BufOffset(off uint64) uint64 {
	return s.ByteOffset + (off - s.StartOffset)
}

func (s *ID) size() uint64 {
	return s.EndOffset - s.StartOffset
}

// Assignment is the result of mapping an LSN range to a segment.
//
// Sid == nil means the range fell into a dead zone between two segments and
// has no physical home. FullSize == false means the range straddles the end
// of Sid; NextLsn then names the first offset of the successor segment.
type Assignment struct {
	Sid      *ID
	NextLsn  Lsn
	FullSize bool
}

// File is an open segment file. Pwrite is positional and does not move any
// file cursor; Close releases the descriptor.
type File interface {
	Pwrite(p []byte, off int64) (int, error)
	Close() error
}

package segment

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/tchajed/marshal"
	"golang.org/x/sys/unix"
)

const (
	markFile     = "log.mark"
	registryFile = "log.segments"

	markRecSz = uint64(24) // offset, segnum, crc

	// registry: entry count, then (segnum, start, end) per live segment,
	// zero padding, and a trailing crc word
	regEntrySz = uint64(24)
	regBodySz  = 8 + NumLogSegments*regEntrySz
	regRecSz   = regBodySz + 8
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func encodeMark(l Lsn) []byte {
	body := marshal.NewEnc(markRecSz - 8)
	body.PutInt(l.Off)
	body.PutInt(uint64(l.Segnum))
	sum := crc32.Checksum(body.Finish(), crcTable)

	enc := marshal.NewEnc(markRecSz)
	enc.PutInt(l.Off)
	enc.PutInt(uint64(l.Segnum))
	enc.PutInt(uint64(sum))
	return enc.Finish()
}

func decodeMark(b []byte) (Lsn, error) {
	dec := marshal.NewDec(b)
	off := dec.GetInt()
	segnum := dec.GetInt()
	sum := dec.GetInt()

	body := marshal.NewEnc(markRecSz - 8)
	body.PutInt(off)
	body.PutInt(segnum)
	if uint64(crc32.Checksum(body.Finish(), crcTable)) != sum {
		return Lsn{}, fmt.Errorf("durable mark checksum mismatch")
	}
	return Lsn{Segnum: uint32(segnum), Off: off}, nil
}

func encodeRegistry(sids []*ID) []byte {
	enc := marshal.NewEnc(regBodySz)
	enc.PutInt(uint64(len(sids)))
	for _, sid := range sids {
		enc.PutInt(uint64(sid.Segnum))
		enc.PutInt(sid.StartOffset)
		enc.PutInt(sid.EndOffset)
	}
	body := enc.Finish()

	tail := marshal.NewEnc(8)
	tail.PutInt(uint64(crc32.Checksum(body, crcTable)))
	return append([]byte(body), tail.Finish()...)
}

// decodeRegistry yields descriptors sorted by segment number. ByteOffset is a
// per-run notion, so the mapping is rebased: the oldest recovered segment
// starts at buffer offset zero and the rest follow contiguously.
func decodeRegistry(b []byte) ([]*ID, error) {
	body := b[:regBodySz]
	tail := marshal.NewDec(b[regBodySz:])
	if uint64(crc32.Checksum(body, crcTable)) != tail.GetInt() {
		return nil, fmt.Errorf("segment registry checksum mismatch")
	}

	dec := marshal.NewDec(body)
	n := dec.GetInt()
	if n > NumLogSegments {
		return nil, fmt.Errorf("segment registry holds %d entries", n)
	}
	var sids []*ID
	for i := uint64(0); i < n; i++ {
		segnum := dec.GetInt()
		start := dec.GetInt()
		end := dec.GetInt()
		if end <= start {
			return nil, fmt.Errorf("segment %d has empty range [%d, %d)", segnum, start, end)
		}
		sids = append(sids, &ID{
			Segnum:      uint32(segnum),
			StartOffset: start,
			EndOffset:   end,
		})
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i].Segnum < sids[j].Segnum })

	byteOff := uint64(0)
	for i, sid := range sids {
		sid.ByteOffset = byteOff
		sz := sid.size()
		if i+1 < len(sids) && sids[i+1].StartOffset < sid.EndOffset {
			// truncated segment: it truly ends where its successor
			// starts
			sz = sids[i+1].StartOffset - sid.StartOffset
		}
		byteOff += sz
	}
	return sids, nil
}

// stateFile is a small fixed-size record file, rewritten in place and fsynced
// on every update.
type stateFile struct {
	fd int
	sz uint64
}

func openStateFile(path string, sz uint64) (*stateFile, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &stateFile{fd: fd, sz: sz}, nil
}

// read returns the record bytes, or nil if the file is still empty.
func (f *stateFile) read() ([]byte, error) {
	b := make([]byte, f.sz)
	n, err := unix.Pread(f.fd, b, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if uint64(n) < f.sz {
		return nil, fmt.Errorf("truncated record: %d of %d bytes", n, f.sz)
	}
	return b, nil
}

func (f *stateFile) write(b []byte) error {
	if uint64(len(b)) != f.sz {
		panic("segment: state record has the wrong size")
	}
	n, err := unix.Pwrite(f.fd, b, 0)
	if err != nil {
		return err
	}
	if uint64(n) < f.sz {
		return fmt.Errorf("short state write: %d of %d bytes", n, f.sz)
	}
	return unix.Fsync(f.fd)
}

func (f *stateFile) close() error {
	return unix.Close(f.fd)
}

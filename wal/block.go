package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/mit-pdos/go-dblog/segment"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BlockSize is the number of log bytes a block with nrec records and
// payloadBytes of payload occupies: the header, the record headers, and
// their trailing skip.
func BlockSize(nrec uint32, payloadBytes uint64) uint64 {
	return BLOCKHDRSZ + uint64(nrec+1)*RECHDRSZ + payloadBytes
}

// Block is the in-buffer header of a contiguous LSN range. Its storage is a
// slice of the log buffer, not the heap, so every accessor reads and writes
// in place.
//
// Layout:
//
//	 0  lsn offset (8)
//	 8  segment number (4)
//	12  record count (4)
//	16  checksum (4)
//	20  reserved (12)
//	32  record headers, nrec+1 of them; the last one is the trailing skip
//	..  payload
type Block struct {
	buf []byte
}

func mkBlock(buf []byte) *Block {
	return &Block{buf: buf}
}

// Size is the number of log bytes the block occupies.
func (b *Block) Size() uint64 {
	return uint64(len(b.buf))
}

func (b *Block) Lsn() segment.Lsn {
	return segment.Lsn{
		Segnum: binary.LittleEndian.Uint32(b.buf[8:]),
		Off:    binary.LittleEndian.Uint64(b.buf[0:]),
	}
}

func (b *Block) SetLsn(l segment.Lsn) {
	binary.LittleEndian.PutUint64(b.buf[0:], l.Off)
	binary.LittleEndian.PutUint32(b.buf[8:], l.Segnum)
}

func (b *Block) Nrec() uint32 {
	return binary.LittleEndian.Uint32(b.buf[12:])
}

func (b *Block) SetNrec(n uint32) {
	binary.LittleEndian.PutUint32(b.buf[12:], n)
}

func (b *Block) Checksum() uint32 {
	return binary.LittleEndian.Uint32(b.buf[16:])
}

func (b *Block) SetChecksum(c uint32) {
	binary.LittleEndian.PutUint32(b.buf[16:], c)
}

// Record returns the i'th record header; index Nrec() is the trailing skip.
func (b *Block) Record(i uint32) Record {
	off := BLOCKHDRSZ + uint64(i)*RECHDRSZ
	return Record{buf: b.buf[off : off+RECHDRSZ]}
}

// Payload returns the payload area behind the record headers.
func (b *Block) Payload() []byte {
	return b.buf[BLOCKHDRSZ+uint64(b.Nrec()+1)*RECHDRSZ:]
}

// FullChecksum covers the header (checksum field read as zero) and every
// record header including the trailing skip.
func (b *Block) FullChecksum() uint32 {
	end := BLOCKHDRSZ + uint64(b.Nrec()+1)*RECHDRSZ
	tmp := make([]byte, end)
	copy(tmp, b.buf[:end])
	binary.LittleEndian.PutUint32(tmp[16:], 0)
	return crc32.Checksum(tmp, crcTable)
}

// Record is one 16-byte record header inside a block.
//
// Layout:
//
//	0  type (2)
//	2  reserved (2)
//	4  payload end (4)
//	8  next lsn offset (8); meaningful for skips
type Record struct {
	buf []byte
}

func (r Record) Type() uint16 {
	return binary.LittleEndian.Uint16(r.buf[0:])
}

func (r Record) SetType(t uint16) {
	binary.LittleEndian.PutUint16(r.buf[0:], t)
}

func (r Record) PayloadEnd() uint32 {
	return binary.LittleEndian.Uint32(r.buf[4:])
}

func (r Record) SetPayloadEnd(v uint32) {
	binary.LittleEndian.PutUint32(r.buf[4:], v)
}

func (r Record) NextLsnOffset() uint64 {
	return binary.LittleEndian.Uint64(r.buf[8:])
}

func (r Record) SetNextLsnOffset(v uint64) {
	binary.LittleEndian.PutUint64(r.buf[8:], v)
}

func (r Record) copyFrom(src Record) {
	copy(r.buf, src.buf)
}

// fillSkipRecord stamps r as the skip that tells recovery where the next
// valid record begins.
func fillSkipRecord(r Record, next segment.Lsn, payloadBytes uint64) {
	r.SetType(RECSKIP)
	r.SetPayloadEnd(uint32(payloadBytes))
	r.SetNextLsnOffset(next.Offset())
}

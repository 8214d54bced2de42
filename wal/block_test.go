package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-dblog/segment"
)

func TestBlockSize(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(MINBLOCKSZ, BlockSize(0, 0))
	assert.Equal(uint64(128), BlockSize(1, 64))
	assert.Equal(uint64(208), BlockSize(2, 128))
}

func TestBlockCodec(t *testing.T) {
	assert := assert.New(t)
	buf := make([]byte, BlockSize(1, 64))
	b := mkBlock(buf)

	lsn := segment.Lsn{Segnum: 2, Off: 4096}
	b.SetLsn(lsn)
	b.SetNrec(1)
	fillSkipRecord(b.Record(1), segment.Lsn{Segnum: 2, Off: 4224}, 64)
	b.SetChecksum(b.FullChecksum())

	assert.Equal(lsn, b.Lsn())
	assert.Equal(uint32(1), b.Nrec())
	assert.Equal(uint64(128), b.Size())
	assert.Len(b.Payload(), 64)

	skip := b.Record(1)
	assert.Equal(RECSKIP, skip.Type())
	assert.Equal(uint32(64), skip.PayloadEnd())
	assert.Equal(uint64(4224), skip.NextLsnOffset())
	assert.Equal(b.FullChecksum(), b.Checksum())
}

func TestBlockChecksumCoversRecords(t *testing.T) {
	assert := assert.New(t)
	buf := make([]byte, BlockSize(1, 64))
	b := mkBlock(buf)
	b.SetLsn(segment.Lsn{Segnum: 0, Off: 0})
	b.SetNrec(1)
	fillSkipRecord(b.Record(1), segment.Lsn{Off: 128}, 64)

	before := b.FullChecksum()
	b.Record(0).SetType(RECUPDATE)
	assert.NotEqual(before, b.FullChecksum())

	// the stored checksum itself is not part of the coverage
	b.SetChecksum(b.FullChecksum())
	stored := b.Checksum()
	assert.Equal(stored, b.FullChecksum())
}

func TestDiscardRewritesSkipInPlace(t *testing.T) {
	assert := assert.New(t)
	buf := make([]byte, BlockSize(2, 64))
	b := mkBlock(buf)
	b.SetLsn(segment.Lsn{Segnum: 0, Off: 512})
	b.SetNrec(2)
	b.Record(0).SetType(RECINSERT)
	b.Record(1).SetType(RECDELETE)
	fillSkipRecord(b.Record(2), segment.Lsn{Off: 512 + BlockSize(2, 64)}, 64)
	b.SetChecksum(b.FullChecksum())

	// mimic Discard's rewrite
	skip := b.Record(2)
	b.Record(0).copyFrom(skip)
	b.Record(0).SetPayloadEnd(0)
	b.SetNrec(0)
	b.SetChecksum(b.FullChecksum())

	require.Equal(t, uint32(0), b.Nrec())
	first := b.Record(0)
	assert.Equal(RECSKIP, first.Type())
	assert.Equal(uint32(0), first.PayloadEnd())
	assert.Equal(uint64(512+BlockSize(2, 64)), first.NextLsnOffset())
	assert.Equal(b.FullChecksum(), b.Checksum())
}

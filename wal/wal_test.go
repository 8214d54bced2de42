package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-dblog/segment"
)

type WalSuite struct {
	suite.Suite
	lm *segment.Mgr
	l  *LogMgr
}

func TestWal(t *testing.T) {
	suite.Run(t, new(WalSuite))
}

func (suite *WalSuite) TearDownTest() {
	if suite.l != nil {
		suite.l.Shutdown()
		suite.l = nil
	}
	if suite.lm != nil {
		suite.lm.Close()
		suite.lm = nil
	}
}

func (suite *WalSuite) mkLog(segsz uint64, bufsz uint64) *LogMgr {
	lm, err := segment.NewMgr(segment.Config{
		Dir:         suite.T().TempDir(),
		SegmentSize: segsz,
	})
	suite.Require().NoError(err)
	suite.lm = lm
	suite.l = MkLogMgr(lm, bufsz)
	return suite.l
}

func (suite *WalSuite) TestSingleAllocation() {
	l := suite.mkLog(1024, 4096)

	x := l.Allocate(1, 64)
	suite.Equal(uint64(0), x.LsnOffset())
	suite.Equal(uint64(128), x.NextLsnOffset())
	x.Block().Record(0).SetType(RECUPDATE)
	l.Release(x)

	l.WaitForDurable(128)
	suite.GreaterOrEqual(l.DurLsnOffset(), uint64(128))

	l.UpdateDurableMark(128)
	suite.GreaterOrEqual(suite.lm.GetDurableMark().Offset(), uint64(128))

	data, err := os.ReadFile(suite.lm.SegmentPath(0))
	suite.Require().NoError(err)
	suite.Require().GreaterOrEqual(len(data), 128)
	b := mkBlock(data[:128])
	suite.Equal(uint64(0), b.Lsn().Offset())
	suite.Equal(uint32(1), b.Nrec())
	suite.Equal(RECSKIP, b.Record(1).Type())
	suite.Equal(uint64(128), b.Record(1).NextLsnOffset())
}

func (suite *WalSuite) TestConcurrentAllocations() {
	l := suite.mkLog(1<<20, 1<<16)

	const nthread = 8
	const nblock = 100
	var mu sync.Mutex
	var ranges [][2]uint64

	// invariant sampler: both offsets are monotone and dur never passes cur
	stop := make(chan struct{})
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		var lastCur, lastDur uint64
		for {
			dur := l.DurLsnOffset()
			cur := l.CurLsnOffset()
			if dur > cur || cur < lastCur || dur < lastDur {
				suite.Failf("monotonicity violated",
					"dur %d cur %d lastDur %d lastCur %d", dur, cur, lastDur, lastCur)
				return
			}
			lastCur, lastDur = cur, dur
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < nthread; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < nblock; j++ {
				x := l.Allocate(1, 64)
				mu.Lock()
				ranges = append(ranges, [2]uint64{x.LsnOffset(), x.NextLsnOffset()})
				mu.Unlock()
				l.Release(x)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-samplerDone

	suite.Require().Len(ranges, nthread*nblock)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	next := uint64(0)
	for _, r := range ranges {
		suite.Require().Equal(next, r[0], "gap or overlap at offset %d", r[0])
		next = r[1]
	}
	suite.Equal(uint64(nthread*nblock*128), next)

	l.WaitForDurable(next)
	suite.GreaterOrEqual(l.DurLsnOffset(), next)
}

func (suite *WalSuite) TestSegmentOverflow() {
	l := suite.mkLog(1024, 4096)

	// 160-byte blocks: six fill [0, 960), the seventh straddles the end
	for i := 0; i < 6; i++ {
		x := l.Allocate(1, 96)
		suite.Equal(uint64(i)*160, x.LsnOffset())
		l.Release(x)
	}
	x := l.Allocate(1, 96)
	seg1 := suite.lm.GetSegment(1)
	suite.Require().NotNil(seg1, "overflow must install the successor")
	suite.Equal(seg1.StartOffset, x.LsnOffset())
	// the skip block closed [960, 1024) and the successor starts past the
	// straddler's would-be range
	suite.Equal(uint64(1120), x.LsnOffset())
	suite.Equal(uint64(1280), x.NextLsnOffset())
	l.Release(x)

	l.WaitForDurable(x.NextLsnOffset())

	// segment 0 is fully written, ending in the discarded skip block
	data, err := os.ReadFile(suite.lm.SegmentPath(0))
	suite.Require().NoError(err)
	suite.Require().Len(data, 1024)
	skip := mkBlock(data[960:1024])
	suite.Equal(uint64(960), skip.Lsn().Offset())
	suite.Equal(uint32(0), skip.Nrec())
	suite.Equal(RECSKIP, skip.Record(0).Type())
	suite.Equal(uint64(1120), skip.Record(0).NextLsnOffset())
	suite.Equal(skip.FullChecksum(), skip.Checksum())

	// the regular block landed at the start of segment 1's file
	data, err = os.ReadFile(suite.lm.SegmentPath(1))
	suite.Require().NoError(err)
	suite.Require().Len(data, 160)
	b := mkBlock(data)
	suite.Equal(uint64(1120), b.Lsn().Offset())
	suite.Equal(uint32(1), b.Nrec())
}

func (suite *WalSuite) TestSegmentTruncatedTail() {
	l := suite.mkLog(1024, 4096)

	// 144-byte blocks: seven fill [0, 1008) and leave a 16-byte tail no
	// skip block can occupy; the eighth moves wholesale into segment 1
	for i := 0; i < 7; i++ {
		l.Release(l.Allocate(1, 80))
	}
	x := l.Allocate(1, 80)
	seg1 := suite.lm.GetSegment(1)
	suite.Require().NotNil(seg1)
	suite.Equal(uint64(1008), seg1.StartOffset)
	suite.Equal(uint64(1008), x.LsnOffset())
	l.Release(x)

	l.WaitForDurable(x.NextLsnOffset())
	// nothing was ever written into the dead tail
	data, err := os.ReadFile(suite.lm.SegmentPath(0))
	suite.Require().NoError(err)
	suite.Len(data, 1008)
}

// gateFile blocks every Pwrite until the gate channel is closed.
type gateFile struct {
	inner *os.File
	gate  <-chan struct{}
}

func (f *gateFile) Pwrite(p []byte, off int64) (int, error) {
	<-f.gate
	return f.inner.WriteAt(p, off)
}

func (f *gateFile) Close() error {
	return f.inner.Close()
}

func (suite *WalSuite) TestBufferBackpressure() {
	gate := make(chan struct{})
	dir := suite.T().TempDir()
	lm, err := segment.NewMgr(segment.Config{
		Dir:         dir,
		SegmentSize: 4096,
		OpenForWrite: func(sid *segment.ID) (segment.File, error) {
			f, err := os.OpenFile(
				filepath.Join(dir, fmt.Sprintf("seg-%08d.log", sid.Segnum)),
				os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return nil, err
			}
			return &gateFile{inner: f, gate: gate}, nil
		},
	})
	suite.Require().NoError(err)
	suite.lm = lm
	l := MkLogMgr(lm, 512)
	suite.l = l

	// fill the whole window; the daemon is wedged in its first pwrite
	for i := 0; i < 4; i++ {
		l.Release(l.Allocate(1, 64))
	}

	// the fifth allocation does not fit until the daemon drains
	done := make(chan *Allocation, 1)
	go func() { done <- l.Allocate(1, 64) }()
	select {
	case <-done:
		suite.Fail("allocation got buffer space past the window")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	select {
	case x := <-done:
		suite.Equal(uint64(512), x.LsnOffset())
		l.Release(x)
	case <-time.After(5 * time.Second):
		suite.Require().Fail("allocation still blocked after the daemon drained")
	}
	l.WaitForDurable(640)
}

func (suite *WalSuite) TestWaitForDurableWakeup() {
	l := suite.mkLog(1<<20, 1<<16)

	done := make(chan struct{})
	go func() {
		l.WaitForDurable(10_000)
		close(done)
	}()

	for cur := uint64(0); cur < 12_000; {
		x := l.Allocate(1, 64)
		cur = x.NextLsnOffset()
		l.Release(x)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		suite.Require().Fail("waiter never woke up")
	}
	suite.GreaterOrEqual(l.DurLsnOffset(), uint64(10_000))
}

func (suite *WalSuite) TestDurableMarkCatchesUp() {
	l := suite.mkLog(1<<20, 1<<16)

	// under steady load the daemon publishes the mark on its own
	deadline := time.Now().Add(5 * time.Second)
	for suite.lm.GetDurableMark().Offset() == 0 {
		if time.Now().After(deadline) {
			suite.Require().Fail("durable mark never advanced under load")
		}
		l.Release(l.Allocate(1, 64))
	}
	suite.Greater(suite.lm.GetDurableMark().Offset(), uint64(0))
	suite.LessOrEqual(suite.lm.GetDurableMark().Offset(), l.DurLsnOffset())
}

func (suite *WalSuite) TestCleanShutdown() {
	l := suite.mkLog(4096, 4096)

	// 208-byte blocks cross several segment boundaries
	for i := 0; i < 50; i++ {
		x := l.Allocate(2, 128)
		x.Block().Record(0).SetType(RECINSERT)
		x.Block().Record(1).SetType(RECUPDATE)
		x.Block().SetChecksum(x.Block().FullChecksum())
		l.Release(x)
	}

	l.Shutdown()
	suite.Equal(l.CurLsnOffset(), l.DurLsnOffset())
	suite.Equal(l.DurLsnOffset(), suite.lm.GetDurableMark().Offset())
}

func (suite *WalSuite) TestAllocateAfterShutdownPanics() {
	l := suite.mkLog(1024, 4096)
	l.Release(l.Allocate(1, 64))
	l.Shutdown()
	suite.Panics(func() { l.Allocate(1, 64) })
}

func (suite *WalSuite) TestUnalignedPayloadPanics() {
	l := suite.mkLog(1024, 4096)
	suite.Panics(func() { l.Allocate(1, 7) })
}

func (suite *WalSuite) TestDiscardLeavesSkip() {
	l := suite.mkLog(1024, 4096)

	x := l.Allocate(1, 64)
	l.Discard(x)
	// the range still occupies the log
	suite.Equal(uint64(128), l.CurLsnOffset())

	l.WaitForDurable(128)
	data, err := os.ReadFile(suite.lm.SegmentPath(0))
	suite.Require().NoError(err)
	suite.Require().Len(data, 128)
	b := mkBlock(data)
	suite.Equal(uint32(0), b.Nrec())
	suite.Equal(RECSKIP, b.Record(0).Type())
	suite.Equal(uint64(128), b.Record(0).NextLsnOffset())
}

func (suite *WalSuite) TestOutOfOrderRelease() {
	l := suite.mkLog(1<<16, 1<<16)

	a := l.Allocate(1, 64)
	b := l.Allocate(1, 64)
	c := l.Allocate(1, 64)

	// releasing the newest first must not let it reach disk past a
	l.Release(c)
	l.Release(b)
	time.Sleep(20 * time.Millisecond)
	suite.Equal(uint64(0), l.DurLsnOffset())

	l.Release(a)
	l.WaitForDurable(c.NextLsnOffset())
	suite.GreaterOrEqual(l.DurLsnOffset(), uint64(3*128))
}

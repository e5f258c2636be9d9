package stgunit

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gospd/gospd/scsi"
	"github.com/gospd/gospd/transact"
	"github.com/gospd/gospd/transport"
)

// testBackend is a StorageUnitInterface that succeeds on everything,
// counts invocations and lets tests hook the read path.
type testBackend struct {
	caps     Capability
	readHook func(op *OperationContext, buf []byte, blockAddress uint64, blockCount uint32)

	reads   int32
	writes  int32
	flushes int32
	unmaps  int32
}

func (b *testBackend) Capabilities() Capability {
	if b.caps == 0 {
		return CapRead | CapWrite | CapFlush | CapUnmap
	}
	return b.caps
}

func (b *testBackend) Read(op *OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	atomic.AddInt32(&b.reads, 1)
	if b.readHook != nil {
		b.readHook(op, buf, blockAddress, blockCount)
	}
	return true
}

func (b *testBackend) Write(op *OperationContext, buf []byte, blockAddress uint64,
	blockCount uint32, flush bool, status *scsi.Status) bool {
	atomic.AddInt32(&b.writes, 1)
	return true
}

func (b *testBackend) Flush(op *OperationContext, blockAddress uint64, blockCount uint32,
	status *scsi.Status) bool {
	atomic.AddInt32(&b.flushes, 1)
	return true
}

func (b *testBackend) Unmap(op *OperationContext, descriptors []transact.UnmapDescriptor,
	status *scsi.Status) bool {
	atomic.AddInt32(&b.unmaps, 1)
	return true
}

func testParams() StorageUnitParams {
	return StorageUnitParams{
		BlockCount:     1024,
		BlockLength:    512,
		ProductID:      "gospd-test",
		CacheSupported: true,
		UnmapSupported: true,
	}
}

// newTestUnit builds a created unit wired to an in-memory channel instead
// of a real endpoint.
func newTestUnit(t *testing.T, l *transport.Loopback, params StorageUnitParams,
	iface StorageUnitInterface) *StorageUnit {
	t.Helper()
	u, err := Create("", params, iface)
	if err != nil {
		t.Fatal(err)
	}
	u.channel = l
	return u
}

func waitDone(t *testing.T, u *StorageUnit, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		u.WaitDispatcher()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("WaitDispatcher did not return in time")
	}
}

// A pool of 4 goroutines against a channel that yields 1000 reads and then
// closes must produce exactly 1000 responses and wind down on its own.
func TestDispatcherDrainsAllRequests(t *testing.T) {
	const requests = 1000

	l := transport.NewLoopback(requests)
	backend := &testBackend{}
	u := newTestUnit(t, l, testParams(), backend)

	for i := 0; i < requests; i++ {
		err := l.Inject(&transact.Request{
			Hint:         uint64(i),
			Kind:         transact.KindRead,
			BlockAddress: uint64(i % 1024),
			BlockCount:   1,
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	l.Finish()

	if err := u.StartDispatcher(4); err != nil {
		t.Fatal(err)
	}
	waitDone(t, u, 10*time.Second)

	if got := len(l.Responses()); got != requests {
		t.Fatalf("sent %d responses, want %d", got, requests)
	}
	if got := atomic.LoadInt32(&backend.reads); got != requests {
		t.Fatalf("backend served %d reads, want %d", got, requests)
	}
	if err := u.DispatcherError(); err != nil {
		t.Fatalf("dispatcher error = %v, want nil", err)
	}
	if err := u.Delete(); err != nil {
		t.Fatalf("Delete after natural exit: %v", err)
	}
}

// Shutdown followed by wait on a pool blocked in receive must return
// within a bounded time.
func TestShutdownUnblocksBlockedPool(t *testing.T) {
	l := transport.NewLoopback(4)
	u := newTestUnit(t, l, testParams(), &testBackend{})

	if err := u.StartDispatcher(4); err != nil {
		t.Fatal(err)
	}

	u.ShutdownDispatcher()
	u.ShutdownDispatcher() // idempotent
	waitDone(t, u, 5*time.Second)

	if err := u.Delete(); err != nil {
		t.Fatal(err)
	}
}

// One goroutine observing a transport fault records it and exits; the
// remaining goroutines keep serving requests until shutdown.
func TestWorkerFaultLeavesPoolServing(t *testing.T) {
	l := transport.NewLoopback(64)
	backend := &testBackend{}
	u := newTestUnit(t, l, testParams(), backend)

	if err := u.StartDispatcher(4); err != nil {
		t.Fatal(err)
	}

	fault := errors.New("receive: broken pipe")
	if err := l.InjectError(fault); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for u.DispatcherError() == nil {
		if time.Now().After(deadline) {
			t.Fatal("fault never reached the error register")
		}
		time.Sleep(time.Millisecond)
	}
	if got := u.DispatcherError(); !errors.Is(got, fault) {
		t.Fatalf("dispatcher error = %v, want %v", got, fault)
	}

	// The three healthy goroutines must still answer.
	const after = 16
	for i := 0; i < after; i++ {
		l.Inject(&transact.Request{Hint: uint64(i), Kind: transact.KindFlush}, nil)
	}
	for i := 0; i < after; i++ {
		select {
		case <-l.Responses():
		case <-time.After(5 * time.Second):
			t.Fatalf("pool stopped serving after fault, got %d of %d responses", i, after)
		}
	}

	u.ShutdownDispatcher()
	waitDone(t, u, 5*time.Second)
}

// Concurrent operations each get a private operation context: the data a
// callback writes for one request never shows up in another response, and
// the request seen through the context never mutates underneath it.
func TestOperationContextIsolation(t *testing.T) {
	const requests = 200

	l := transport.NewLoopback(requests)
	var seen sync.Map

	backend := &testBackend{}
	backend.readHook = func(op *OperationContext, buf []byte, blockAddress uint64, blockCount uint32) {
		if _, loaded := seen.LoadOrStore(op, struct{}{}); loaded {
			t.Error("operation context reused across in-flight calls")
		}
		for i := range buf {
			buf[i] = byte(blockAddress)
		}
		time.Sleep(time.Millisecond)
		if op.Request.BlockAddress != blockAddress {
			t.Errorf("request mutated under a running callback: %d != %d",
				op.Request.BlockAddress, blockAddress)
		}
		if buf[0] != byte(blockAddress) {
			t.Error("data buffer mutated by another goroutine")
		}
	}

	u := newTestUnit(t, l, testParams(), backend)
	for i := 0; i < requests; i++ {
		l.Inject(&transact.Request{
			Hint:         uint64(i),
			Kind:         transact.KindRead,
			BlockAddress: uint64(i % 251),
			BlockCount:   1,
		}, nil)
	}
	l.Finish()

	if err := u.StartDispatcher(4); err != nil {
		t.Fatal(err)
	}
	waitDone(t, u, 30*time.Second)

	for i := 0; i < requests; i++ {
		c := <-l.Responses()
		if !c.Response.Status.IsGood() {
			t.Fatalf("response %d failed: %+v", c.Response.Hint, c.Response.Status)
		}
		want := byte(c.Response.Hint % 251)
		if len(c.Data) == 0 || c.Data[0] != want {
			t.Fatalf("response %d carries foreign data", c.Response.Hint)
		}
	}
}

func serveOne(t *testing.T, u *StorageUnit, l *transport.Loopback,
	req *transact.Request, data []byte) transport.Completion {
	t.Helper()
	if err := l.Inject(req, data); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-l.Responses():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
		return transport.Completion{}
	}
}

func TestUnmapWithoutDescriptorsSkipsBackend(t *testing.T) {
	l := transport.NewLoopback(4)
	backend := &testBackend{}
	u := newTestUnit(t, l, testParams(), backend)
	if err := u.StartDispatcher(1); err != nil {
		t.Fatal(err)
	}
	defer func() { u.ShutdownDispatcher(); u.WaitDispatcher() }()

	c := serveOne(t, u, l, &transact.Request{Hint: 1, Kind: transact.KindUnmap}, nil)
	if !c.Response.Status.IsGood() {
		t.Fatalf("empty unmap failed: %+v", c.Response.Status)
	}
	if atomic.LoadInt32(&backend.unmaps) != 0 {
		t.Fatal("backend invoked for an empty descriptor batch")
	}
}

func TestReadOutOfRange(t *testing.T) {
	l := transport.NewLoopback(4)
	backend := &testBackend{}
	u := newTestUnit(t, l, testParams(), backend)
	if err := u.StartDispatcher(1); err != nil {
		t.Fatal(err)
	}
	defer func() { u.ShutdownDispatcher(); u.WaitDispatcher() }()

	c := serveOne(t, u, l, &transact.Request{
		Hint:         1,
		Kind:         transact.KindRead,
		BlockAddress: 2048,
		BlockCount:   1,
	}, nil)

	s := c.Response.Status
	if s.ScsiStatus != scsi.StatusCheckCondition ||
		s.SenseKey != scsi.SenseIllegalRequest || s.Asc != scsi.AscLbaOutOfRange {
		t.Fatalf("status = %+v, want LBA OUT OF RANGE", s)
	}
	if !s.InformationValid || s.Information != 2048 {
		t.Fatalf("information = %d/%v, want offending address", s.Information, s.InformationValid)
	}
	if atomic.LoadInt32(&backend.reads) != 0 {
		t.Fatal("backend invoked for an out of range read")
	}
}

func TestWriteProtectedUnit(t *testing.T) {
	params := testParams()
	params.WriteProtected = true

	l := transport.NewLoopback(4)
	backend := &testBackend{}
	u := newTestUnit(t, l, params, backend)
	if err := u.StartDispatcher(1); err != nil {
		t.Fatal(err)
	}
	defer func() { u.ShutdownDispatcher(); u.WaitDispatcher() }()

	data := make([]byte, 512)
	c := serveOne(t, u, l, &transact.Request{
		Hint:       1,
		Kind:       transact.KindWrite,
		BlockCount: 1,
	}, data)
	s := c.Response.Status
	if s.SenseKey != scsi.SenseDataProtect || s.Asc != scsi.AscWriteProtected {
		t.Fatalf("write status = %+v, want DATA PROTECT", s)
	}

	c = serveOne(t, u, l, &transact.Request{
		Hint:        2,
		Kind:        transact.KindUnmap,
		BlockCount:  1,
		Descriptors: []transact.UnmapDescriptor{{BlockAddress: 0, BlockCount: 1}},
	}, nil)
	s = c.Response.Status
	if s.SenseKey != scsi.SenseDataProtect || s.Asc != scsi.AscWriteProtected {
		t.Fatalf("unmap status = %+v, want DATA PROTECT", s)
	}
	if atomic.LoadInt32(&backend.writes) != 0 || atomic.LoadInt32(&backend.unmaps) != 0 {
		t.Fatal("backend invoked on a write protected unit")
	}
}

func TestFlushWithoutCacheIsNoop(t *testing.T) {
	params := testParams()
	params.CacheSupported = false

	l := transport.NewLoopback(4)
	backend := &testBackend{}
	u := newTestUnit(t, l, params, backend)
	if err := u.StartDispatcher(1); err != nil {
		t.Fatal(err)
	}
	defer func() { u.ShutdownDispatcher(); u.WaitDispatcher() }()

	c := serveOne(t, u, l, &transact.Request{Hint: 1, Kind: transact.KindFlush}, nil)
	if !c.Response.Status.IsGood() {
		t.Fatalf("flush failed: %+v", c.Response.Status)
	}
	if atomic.LoadInt32(&backend.flushes) != 0 {
		t.Fatal("backend flushed although no cache was negotiated")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	l := transport.NewLoopback(4)
	u := newTestUnit(t, l, testParams(), &testBackend{})
	if err := u.StartDispatcher(1); err != nil {
		t.Fatal(err)
	}
	defer func() { u.ShutdownDispatcher(); u.WaitDispatcher() }()

	c := serveOne(t, u, l, &transact.Request{Hint: 1, Kind: transact.Kind(99)}, nil)
	s := c.Response.Status
	if s.SenseKey != scsi.SenseIllegalRequest || s.Asc != scsi.AscInvalidCommandOperationCode {
		t.Fatalf("status = %+v, want INVALID COMMAND OPERATION CODE", s)
	}
}

func TestLifecycleGuards(t *testing.T) {
	l := transport.NewLoopback(4)
	u := newTestUnit(t, l, testParams(), &testBackend{})

	if err := u.StartDispatcher(2); err != nil {
		t.Fatal(err)
	}
	if err := u.StartDispatcher(2); !errors.Is(err, ErrDispatcherStarted) {
		t.Fatalf("second start = %v, want ErrDispatcherStarted", err)
	}
	if err := u.Delete(); !errors.Is(err, ErrDispatcherActive) {
		t.Fatalf("Delete while running = %v, want ErrDispatcherActive", err)
	}

	u.ShutdownDispatcher()
	waitDone(t, u, 5*time.Second)

	if err := u.Delete(); err != nil {
		t.Fatalf("Delete after stop: %v", err)
	}
	if err := u.Delete(); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

// Swapping the logger while the pool is serving and tracing must be safe.
// Run with -race to make this meaningful.
func TestSetLoggerWhileServing(t *testing.T) {
	const requests = 128

	l := transport.NewLoopback(requests)
	u := newTestUnit(t, l, testParams(), &testBackend{})
	u.SetDebugLog(DebugLogRequests | DebugLogResponses)

	if err := u.StartDispatcher(4); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				u.SetLogger(zerolog.New(io.Discard))
			}
		}
	}()

	for i := 0; i < requests; i++ {
		l.Inject(&transact.Request{Hint: uint64(i), Kind: transact.KindFlush}, nil)
	}
	for i := 0; i < requests; i++ {
		select {
		case <-l.Responses():
		case <-time.After(5 * time.Second):
			t.Fatal("pool stopped serving while the logger was being swapped")
		}
	}

	close(stop)
	wg.Wait()
	u.ShutdownDispatcher()
	waitDone(t, u, 5*time.Second)
}

func TestDeleteNeverStarted(t *testing.T) {
	u, err := Create("", testParams(), &testBackend{})
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Delete(); err != nil {
		t.Fatalf("Delete on a never started unit: %v", err)
	}
}

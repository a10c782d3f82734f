package canopen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/samsamfire/gocanopen/pkg/config"
	"github.com/samsamfire/gocanopen/pkg/nmt"
	"github.com/samsamfire/gocanopen/pkg/od"
	"github.com/samsamfire/gocanopen/pkg/sdo"
	"go.viam.com/test"
)

// fakeBus implements the bus interface against the real
// github.com/samsamfire/gocanopen/pkg/... types it depends on, recording
// calls instead of talking to a SocketCAN interface.
type fakeBus struct {
	mu sync.Mutex

	readErr  error
	writeErr error

	// readErrFor, if set, fails only the read matching that key; other
	// reads succeed regardless of readErr.
	readErrFor map[fakeRead]error

	reads     []fakeRead
	writes    []fakeWrite
	addedNode []fakeAddRemoteNode
	timeoutMs uint32
}

type fakeRead struct {
	index    any
	subindex any
}

type fakeWrite struct {
	index    any
	subindex any
	value    any
}

type fakeAddRemoteNode struct {
	nodeID   uint8
	odict    any
	useLocal bool
}

func (f *fakeBus) Connect(args ...any) error                      { return nil }
func (f *fakeBus) Disconnect()                                    {}
func (f *fakeBus) Command(nodeId uint8, command nmt.Command) error { return nil }
func (f *fakeBus) SetTimeout(timeoutMs uint32)                    { f.timeoutMs = timeoutMs }

func (f *fakeBus) Read(nodeId uint8, index any, subindex any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeRead{index, subindex}
	f.reads = append(f.reads, key)
	if f.readErrFor != nil {
		if err, ok := f.readErrFor[key]; ok {
			return nil, err
		}
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	return int64(0), nil
}

func (f *fakeBus) Write(nodeId uint8, index any, subindex any, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeWrite{index, subindex, value})
	return f.writeErr
}

func (f *fakeBus) AddRemoteNode(nodeId uint8, odict any, useLocal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedNode = append(f.addedNode, fakeAddRemoteNode{nodeId, odict, useLocal})
	return nil
}

func (f *fakeBus) GetOD(nodeId uint8) (*od.ObjectDictionary, error) {
	return nil, errNoLocalMirror
}

func (f *fakeBus) Configurator(nodeId uint8) *config.NodeConfigurator {
	return config.NewNodeConfigurator(nodeId, nil)
}

var errNoLocalMirror = &fakeGetODError{}

type fakeGetODError struct{}

func (*fakeGetODError) Error() string { return "fakeBus: no local OD mirror" }

func TestWriteCommandClampsRange(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, 4*time.Millisecond, golog.NewTestLogger(t))

	test.That(t, d.WriteCommand(1, 5000), test.ShouldBeNil)
	test.That(t, fb.writes[len(fb.writes)-1].value, test.ShouldEqual, int32(1000))

	test.That(t, d.WriteCommand(1, -5000), test.ShouldBeNil)
	test.That(t, fb.writes[len(fb.writes)-1].value, test.ShouldEqual, int32(-1000))
}

func TestSdoReadTimedOutFlagSetFromAbortTimeout(t *testing.T) {
	fb := &fakeBus{readErr: sdo.AbortTimeout}
	d := NewDriver(fb, 1, 5*time.Millisecond, golog.NewTestLogger(t))

	_, err := d.sdoRead(0x1000, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, d.ReadSdoTimedOut(), test.ShouldBeTrue)
}

func TestSdoReadTimedOutFlagClearsOnSuccess(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, 5*time.Millisecond, golog.NewTestLogger(t))
	d.sdoReadTimedOut.Store(true)

	_, err := d.sdoRead(0x1000, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ReadSdoTimedOut(), test.ShouldBeFalse)
}

func TestSnapshotNeverBlocksOnBus(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, time.Millisecond, golog.NewTestLogger(t))

	done := make(chan struct{})
	go func() {
		d.Snapshot()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("Snapshot blocked on the bus")
	}
}

func TestCANErrorStickyUntilReconstruction(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, time.Millisecond, golog.NewTestLogger(t))
	test.That(t, d.CANError(), test.ShouldBeFalse)
	d.SetCANError()
	test.That(t, d.CANError(), test.ShouldBeTrue)

	// A fresh Driver clears it.
	d2 := NewDriver(fb, 1, time.Millisecond, golog.NewTestLogger(t))
	test.That(t, d2.CANError(), test.ShouldBeFalse)
}

func TestSafetyStopWritesBothChannels(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, time.Millisecond, golog.NewTestLogger(t))

	test.That(t, d.SafetyStop(), test.ShouldBeNil)
	test.That(t, fb.writes, test.ShouldHaveLength, 2)
	test.That(t, fb.writes[0].value, test.ShouldEqual, uint8(1))
	test.That(t, fb.writes[1].value, test.ShouldEqual, uint8(2))
}

// Boot's PDO mapping step (configureFeedbackPDO) drives the real
// pkg/config.NodeConfigurator, which itself needs a live SDO client; that
// makes it bus-integration surface rather than something fakeBus can
// safely stand in for without risking a nil-client panic. Its call shape
// is covered by inspection against _examples/samsamfire-gocanopen's
// pkg/config/pdo.go. Boot is therefore not called by any test below, so its
// AddRemoteNode/SetTimeout calls are not exercised here either.

func TestRefreshFeedbackSkipsUpdateWhenMirrorUnavailable(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, time.Millisecond, golog.NewTestLogger(t))

	d.refreshFeedback()
	test.That(t, d.Snapshot().Timestamp.IsZero(), test.ShouldBeTrue)
}

func TestWaitForBootChecksDeviceTypeThenIdentity(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, 5*time.Millisecond, golog.NewTestLogger(t))

	test.That(t, d.WaitForBoot(context.Background(), 50*time.Millisecond), test.ShouldBeNil)
	test.That(t, fb.reads, test.ShouldResemble, []fakeRead{
		{index: objDeviceType, subindex: subZero},
		{index: objIdentity, subindex: subVendorID},
	})
}

// TestWaitForBootSurfacesVendorIdTimeout covers the boundary case of an SDO
// timeout on object 1018:1 (vendor id) on the rear slave: the device-type
// read must succeed while the identity read times out, and that alone must
// fail the boot wait.
func TestWaitForBootSurfacesVendorIdTimeout(t *testing.T) {
	fb := &fakeBus{
		readErrFor: map[fakeRead]error{
			{index: objIdentity, subindex: subVendorID}: sdo.AbortTimeout,
		},
	}
	d := NewDriver(fb, 2, 5*time.Millisecond, golog.NewTestLogger(t))

	err := d.WaitForBoot(context.Background(), 50*time.Millisecond)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWaitForBootHonorsContextCancellation(t *testing.T) {
	fb := &fakeBus{}
	d := NewDriver(fb, 1, time.Millisecond, golog.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := d.WaitForBoot(ctx, time.Second)
	elapsed := time.Since(start)

	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, elapsed, test.ShouldBeLessThan, 500*time.Millisecond)
}

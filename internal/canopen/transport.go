// Package canopen implements the CAN Transport, Roboteq Driver, and
// CANopen Controller from spec.md sections 4.1-4.3, on top of
// github.com/samsamfire/gocanopen's master/node abstractions.
package canopen

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/samsamfire/gocanopen/pkg/config"
	"github.com/samsamfire/gocanopen/pkg/network"
	"github.com/samsamfire/gocanopen/pkg/nmt"
	"github.com/samsamfire/gocanopen/pkg/od"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// netBus adapts *network.Network to the bus interface. The adapter exists
// only because AddRemoteNode's real signature returns the created
// *node.RemoteNode alongside the error; nothing here needs that handle.
type netBus struct {
	net *network.Network
}

func (n *netBus) Connect(args ...any) error                     { return n.net.Connect(args...) }
func (n *netBus) Disconnect()                                    { n.net.Disconnect() }
func (n *netBus) Command(nodeId uint8, command nmt.Command) error { return n.net.Command(nodeId, command) }
func (n *netBus) SetTimeout(timeoutMs uint32)                    { n.net.SetTimeout(timeoutMs) }
func (n *netBus) Read(nodeId uint8, index any, subindex any) (any, error) {
	return n.net.Read(nodeId, index, subindex)
}
func (n *netBus) Write(nodeId uint8, index any, subindex any, value any) error {
	return n.net.Write(nodeId, index, subindex, value)
}
func (n *netBus) GetOD(nodeId uint8) (*od.ObjectDictionary, error) {
	return n.net.GetOD(nodeId)
}
func (n *netBus) Configurator(nodeId uint8) *config.NodeConfigurator {
	return n.net.Configurator(nodeId)
}
func (n *netBus) AddRemoteNode(nodeId uint8, odict any, useLocal bool) error {
	_, err := n.net.AddRemoteNode(nodeId, odict, useLocal)
	return err
}

// schedFIFOPriority is the realtime scheduling priority attempted for the
// transport thread; spec.md section 4.1 step 1.
const schedFIFOPriority = 50

const readyTimeout = 2 * time.Second

var installLogrusBridgeOnce sync.Once

// logrusBridge forwards gocanopen's package-level logrus entries into a
// golog.Logger, so the transport thread's bus chatter lands in the same
// structured log stream as the rest of the module instead of logrus's
// default stderr writer.
type logrusBridge struct {
	logger golog.Logger
}

func (b logrusBridge) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (b logrusBridge) Fire(entry *logrus.Entry) error {
	fields := make([]interface{}, 0, len(entry.Data)*2)
	for k, v := range entry.Data {
		fields = append(fields, k, v)
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		b.logger.Errorw(entry.Message, fields...)
	case logrus.WarnLevel:
		b.logger.Warnw(entry.Message, fields...)
	case logrus.DebugLevel, logrus.TraceLevel:
		b.logger.Debugw(entry.Message, fields...)
	default:
		b.logger.Infow(entry.Message, fields...)
	}
	return nil
}

// installLogrusBridge routes gocanopen's package-level logrus logger
// through logger. gocanopen logs via the global logrus instance rather
// than an injectable one, so this is process-wide and only needs doing
// once per process.
func installLogrusBridge(logger golog.Logger) {
	installLogrusBridgeOnce.Do(func() {
		logrus.SetOutput(io.Discard)
		logrus.AddHook(logrusBridge{logger: logger})
	})
}

// Transport owns the bus context, CANopen master, and the dedicated
// realtime thread that runs the event loop. Its fields have a strict
// construction/destruction order and must all live on that one thread;
// callers only ever see the Transport value, never its innards.
type Transport struct {
	logger  golog.Logger
	channel string
	masterID uint8

	net    bus
	cancel context.CancelFunc
	done   chan struct{}

	readyCh chan error
}

// NewTransport constructs a Transport bound to the given SocketCAN
// interface and CANopen master node id. It does not touch the bus until
// Start is called.
func NewTransport(channel string, masterID uint8, logger golog.Logger) *Transport {
	if channel == "" {
		channel = "panther_can"
	}
	return &Transport{
		logger:   logger,
		channel:  channel,
		masterID: masterID,
	}
}

// Start spawns the dedicated realtime thread, brings up the CANopen master,
// resets the bus (NMT reset-node, broadcast) and blocks until the event
// loop signals readiness or readyTimeout elapses.
func (t *Transport) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.readyCh = make(chan error, 1)

	go t.runEventLoop(ctx)

	select {
	case err := <-t.readyCh:
		if err != nil {
			return errors.Wrap(err, "transport init failed")
		}
		return nil
	case <-time.After(readyTimeout):
		cancel()
		return errors.New("transport init failed: event loop did not signal ready in time")
	}
}

// runEventLoop is the body of the dedicated realtime thread. It attempts
// FIFO scheduling at schedFIFOPriority, continuing with a warning if the
// host denies it (spec.md section 4.1 step 1), then constructs the bus
// context, master, and resets it, signaling readiness exactly once.
func (t *Transport) runEventLoop(ctx context.Context) {
	defer close(t.done)

	installLogrusBridge(t.logger)

	if err := setRealtimeScheduling(schedFIFOPriority); err != nil {
		t.logger.Warnw("failed to set FIFO scheduling for CAN transport thread, continuing at default priority", "error", err)
	}

	net := network.NewNetwork(nil)
	if err := net.Connect("socketcan", t.channel, 1_000_000); err != nil {
		t.readyCh <- errors.Wrap(err, "failed to connect to CAN channel")
		return
	}

	// NMT reset-node, broadcast: signals all slaves to renegotiate.
	if err := net.Command(0, nmt.CommandResetNode); err != nil {
		net.Disconnect()
		t.readyCh <- errors.Wrap(err, "failed to broadcast NMT reset")
		return
	}

	t.net = &netBus{net: &net}
	t.readyCh <- nil

	<-ctx.Done()
	t.net.Disconnect()
}

// Stop tears the transport down in the reverse order of construction and
// waits for the event-loop thread to exit. Safe to call multiple times and
// safe to call after a failed Start.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
}

// Bus exposes the underlying CANopen master for Driver construction.
// Returns nil if Start has not completed successfully.
func (t *Transport) Bus() bus {
	return t.net
}

// setRealtimeScheduling attempts SCHED_FIFO at the given priority for the
// calling OS thread. The caller must already be locked to that OS thread
// (runtime.LockOSThread) for this to have the intended effect; we rely on
// the goroutine scheduler placing runEventLoop on its own thread in
// practice and treat failures here as non-fatal per spec.md section 4.1.
func setRealtimeScheduling(priority int) error {
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	return unix.SchedSetAttr(0, &attr, 0)
}

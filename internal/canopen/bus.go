package canopen

import (
	"github.com/samsamfire/gocanopen/pkg/config"
	"github.com/samsamfire/gocanopen/pkg/nmt"
	"github.com/samsamfire/gocanopen/pkg/od"
)

// bus is the narrow slice of github.com/samsamfire/gocanopen's
// pkg/network.Network that Transport and Driver depend on. Accepting this
// interface instead of *network.Network keeps Driver's SDO/PDO plumbing
// testable without a real SocketCAN interface. Transport itself still
// constructs a real *network.Network in runEventLoop.
type bus interface {
	Connect(args ...any) error
	Disconnect()
	Command(nodeId uint8, command nmt.Command) error

	// SetTimeout configures the SDO client's own protocol timeout. A
	// transfer that exceeds it self-aborts on the bus with AbortTimeout
	// instead of being abandoned client-side.
	SetTimeout(timeoutMs uint32)

	// Read/Write perform a blocking SDO upload/download.
	Read(nodeId uint8, index any, subindex any) (any, error)
	Write(nodeId uint8, index any, subindex any, value any) error

	// AddRemoteNode loads a node's object dictionary from a master
	// description file and, with useLocal true, keeps a local mirror of
	// it synced by RPDO reception so GetOD reads never touch the bus.
	AddRemoteNode(nodeId uint8, odict any, useLocal bool) error

	// GetOD returns the node's object dictionary, local mirror included.
	GetOD(nodeId uint8) (*od.ObjectDictionary, error)

	// Configurator returns the PDO/SDO configuration helper for a node.
	Configurator(nodeId uint8) *config.NodeConfigurator
}

package hal

import "time"

const (
	i2cMaxRetries  = 10
	i2cRetryTimeUs = 1000 // microseconds

	readPollSlice = 50 * time.Millisecond

	resetPowerOffDelay = 10 * time.Millisecond
	resetPowerOnDelay  = 100 * time.Millisecond
)

// IoctlOp is a power or mode control request to the transport
type IoctlOp int

const (
	IoctlPowerOff IoctlOp = iota
	IoctlPowerOn
	IoctlResetDevice
	IoctlEnableDownloadMode
)

// String returns a string representation of the ioctl
func (op IoctlOp) String() string {
	switch op {
	case IoctlPowerOff:
		return "PowerOff"
	case IoctlPowerOn:
		return "PowerOn"
	case IoctlResetDevice:
		return "ResetDevice"
	case IoctlEnableDownloadMode:
		return "EnableDownloadMode"
	default:
		return "Unknown"
	}
}

// Transport owns the physical link to the controller.
//
// Read blocks until one complete NCI packet has been received and returns its
// length. ReadAbort and WriteAbort unblock an in-flight call, which then
// returns a TransportAbortedError. ClearAbort drops a read abort that no
// Read consumed. Implementations must allow one Read and one Write to run
// concurrently.
type Transport interface {
	Init() error
	Read(buf []byte) (int, error)
	Write(p []byte) (int, error)
	Ioctl(op IoctlOp) error
	ReadAbort()
	ClearAbort()
	WriteAbort()
	Shutdown() error
}

// Fragmenter is implemented by transports that can split writes larger than
// the controller's I2C buffer.
type Fragmenter interface {
	SetFragmentation(enabled bool)
}

// i2cFragmentSize is the largest single I2C write when fragmentation is enabled
const i2cFragmentSize = 32

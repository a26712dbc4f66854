package hal

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tarm/serial"
)

const uartDefaultBaud = 115200

// UARTTransport carries NCI over a serial link. The link has no power
// control: power ioctls report NotSupported and reset is a no-op.
type UARTTransport struct {
	name        string
	baud        int
	logCallback LogCallback
	debug       bool

	port *serial.Port

	opened       atomic.Bool
	readAborted  atomic.Bool
	writeAborted atomic.Bool
}

func NewUARTTransport(name string, baud int, logCallback LogCallback, debugMode bool) *UARTTransport {
	if baud == 0 {
		baud = uartDefaultBaud
	}
	return &UARTTransport{
		name:        name,
		baud:        baud,
		logCallback: logCallback,
		debug:       debugMode,
	}
}

func (t *UARTTransport) Init() error {
	if t.opened.Load() {
		return nil
	}
	c := &serial.Config{Name: t.name, Baud: t.baud, ReadTimeout: readPollSlice}
	port, err := serial.OpenPort(c)
	if err != nil {
		return NewI2CReadError(fmt.Sprintf("failed to open serial port %s", t.name), err)
	}
	if err := port.Flush(); err != nil && t.logCallback != nil {
		t.logCallback(LogLevelWarning, fmt.Sprintf("Failed to flush %s: %v", t.name, err))
	}
	t.port = port
	t.readAborted.Store(false)
	t.writeAborted.Store(false)
	t.opened.Store(true)
	return nil
}

func (t *UARTTransport) ReadAbort() {
	t.readAborted.Store(true)
}

func (t *UARTTransport) ClearAbort() {
	t.readAborted.Store(false)
}

func (t *UARTTransport) WriteAbort() {
	t.writeAborted.Store(true)
}

// readFull fills buf, returning early only when aborted or closed
func (t *UARTTransport) readFull(buf []byte) error {
	off := 0
	for off < len(buf) {
		if !t.opened.Load() {
			return NewTransportAbortedError("transport closed")
		}
		if t.readAborted.CompareAndSwap(true, false) {
			return NewTransportAbortedError("read aborted")
		}
		n, err := t.port.Read(buf[off:])
		off += n
		if err != nil && err != io.EOF {
			return NewI2CReadError("serial read error", err)
		}
	}
	return nil
}

func (t *UARTTransport) Read(buf []byte) (int, error) {
	if len(buf) < nciMaxPacketSize {
		return 0, NewI2CReadError(fmt.Sprintf("read buffer too small: %d", len(buf)), nil)
	}
	if err := t.readFull(buf[:nciHeaderSize]); err != nil {
		return 0, err
	}
	if err := validateReceivedHeader(buf[:nciHeaderSize]); err != nil {
		return 0, err
	}
	payloadLen := int(buf[2])
	if err := t.readFull(buf[nciHeaderSize : nciHeaderSize+payloadLen]); err != nil {
		return 0, err
	}
	total := nciHeaderSize + payloadLen
	if t.debug && t.logCallback != nil {
		t.logCallback(LogLevelDebug, fmt.Sprintf("UART RX: %s", hex.EncodeToString(buf[:total])))
	}
	return total, nil
}

func (t *UARTTransport) Write(p []byte) (int, error) {
	if !t.opened.Load() {
		return 0, NewTransportAbortedError("transport closed")
	}
	if t.writeAborted.CompareAndSwap(true, false) {
		return 0, NewTransportAbortedError("write aborted")
	}
	if t.debug && t.logCallback != nil {
		t.logCallback(LogLevelDebug, fmt.Sprintf("UART TX: %s", hex.EncodeToString(p)))
	}
	n, err := t.port.Write(p)
	if err != nil {
		return n, NewI2CWriteError("serial write error", err)
	}
	return n, nil
}

func (t *UARTTransport) Ioctl(op IoctlOp) error {
	if !t.opened.Load() {
		return NewTransportAbortedError("transport closed")
	}
	if op == IoctlResetDevice {
		return t.port.Flush()
	}
	return NewNotSupportedError(fmt.Sprintf("ioctl %s not supported on UART", op))
}

func (t *UARTTransport) Shutdown() error {
	if !t.opened.CompareAndSwap(true, false) {
		return nil
	}
	if err := t.port.Close(); err != nil {
		return NewI2CWriteError("failed to close serial port", err)
	}
	return nil
}

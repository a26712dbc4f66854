//go:build linux

package hal

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// pn5xx kernel driver power control
const pn5xxSetPwr = 0xE901

// ChardevTransport talks to the controller through the pn5xx / nxpnfc kernel
// driver (/dev/pn544, /dev/nxpnfc).
type ChardevTransport struct {
	devicePath  string
	fd          int
	logCallback LogCallback
	debug       bool

	opened       atomic.Bool
	readAborted  atomic.Bool
	writeAborted atomic.Bool
	fragment     atomic.Bool
}

func NewChardevTransport(devicePath string, logCallback LogCallback, debugMode bool) *ChardevTransport {
	return &ChardevTransport{
		devicePath:  devicePath,
		fd:          -1,
		logCallback: logCallback,
		debug:       debugMode,
	}
}

func (t *ChardevTransport) logNCI(buf []byte, direction string) {
	if !t.debug || t.logCallback == nil {
		return
	}
	t.logCallback(LogLevelDebug, fmt.Sprintf("I2C %s: %s", direction, hex.EncodeToString(buf)))
}

// Init opens the device node
func (t *ChardevTransport) Init() error {
	if t.opened.Load() {
		return nil
	}
	fd, err := unix.Open(t.devicePath, unix.O_RDWR, 0)
	if err != nil {
		return NewI2CReadError(fmt.Sprintf("failed to open device %s", t.devicePath), err)
	}
	t.fd = fd
	t.readAborted.Store(false)
	t.writeAborted.Store(false)
	t.opened.Store(true)

	if t.logCallback != nil {
		t.logCallback(LogLevelInfo, fmt.Sprintf("Opened %s", t.devicePath))
	}
	return nil
}

// SetFragmentation enables splitting writes into I2C sized chunks
func (t *ChardevTransport) SetFragmentation(enabled bool) {
	t.fragment.Store(enabled)
}

func (t *ChardevTransport) ReadAbort() {
	t.readAborted.Store(true)
}

func (t *ChardevTransport) ClearAbort() {
	t.readAborted.Store(false)
}

func (t *ChardevTransport) WriteAbort() {
	t.writeAborted.Store(true)
}

// pollReadable waits up to timeout for the device to become readable
func (t *ChardevTransport) pollReadable(timeout time.Duration) (bool, error) {
	pfd := []unix.PollFd{{
		Fd:     int32(t.fd),
		Events: unix.POLLIN,
	}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, NewI2CPollError("I2C poll error", err)
	}
	return n > 0, nil
}

// Read blocks until one complete NCI packet has been read into buf
func (t *ChardevTransport) Read(buf []byte) (int, error) {
	if len(buf) < nciMaxPacketSize {
		return 0, NewI2CReadError(fmt.Sprintf("read buffer too small: %d", len(buf)), nil)
	}

	for {
		if !t.opened.Load() {
			return 0, NewTransportAbortedError("transport closed")
		}
		if t.readAborted.CompareAndSwap(true, false) {
			return 0, NewTransportAbortedError("read aborted")
		}

		ready, err := t.pollReadable(readPollSlice)
		if err != nil {
			return 0, err
		}
		if !ready {
			continue
		}

		// Read header first with retry logic for NACK handling
		var readN int
		for retry := 0; retry <= i2cMaxRetries; retry++ {
			readN, err = unix.Read(t.fd, buf[:nciHeaderSize])
			if err == nil {
				break
			}
			if err == unix.EINTR {
				continue
			}
			if err == unix.ENXIO && retry < i2cMaxRetries {
				if t.logCallback != nil {
					t.logCallback(LogLevelWarning, fmt.Sprintf("Read header NACKed: %v, retry %d/%d", err, retry+1, i2cMaxRetries))
				}
				time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				readN = 0
				err = nil
				break
			}
			return 0, NewI2CReadError("I2C read header error", err)
		}
		if err != nil {
			return 0, NewI2CReadError("I2C read failed after retries", err)
		}
		if readN == 0 {
			continue
		}

		if err := validateReceivedHeader(buf[:readN]); err != nil {
			if t.logCallback != nil {
				t.logCallback(LogLevelWarning, fmt.Sprintf("Invalid header %X: %v", buf[:readN], err))
			}
			t.flushReadBuffer()
			return 0, err
		}

		payloadLen := int(buf[2])
		if payloadLen > 0 {
			for retry := 0; retry <= i2cMaxRetries; retry++ {
				payloadN, err := unix.Read(t.fd, buf[nciHeaderSize:nciHeaderSize+payloadLen])
				if err == nil && payloadN == payloadLen {
					break
				}

				if err != nil {
					if err == unix.ENXIO && retry < i2cMaxRetries {
						// Address NACK, retry
						time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
						continue
					}
					return 0, NewI2CReadError("I2C read payload error", err)
				}

				if retry < i2cMaxRetries {
					time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
					continue
				}
				return 0, NewNCIIncompleteReadError(fmt.Sprintf("incomplete payload read: %d != %d", payloadN, payloadLen))
			}
		}

		total := nciHeaderSize + payloadLen
		t.logNCI(buf[:total], "RX")
		return total, nil
	}
}

// Write sends one NCI packet, split into fragments when enabled
func (t *ChardevTransport) Write(p []byte) (int, error) {
	if !t.opened.Load() {
		return 0, NewTransportAbortedError("transport closed")
	}
	t.logNCI(p, "TX")

	chunk := len(p)
	if t.fragment.Load() && chunk > i2cFragmentSize {
		chunk = i2cFragmentSize
	}

	written := 0
	for written < len(p) {
		end := written + chunk
		if end > len(p) {
			end = len(p)
		}
		n, err := t.writeChunk(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (t *ChardevTransport) writeChunk(tx []byte) (int, error) {
	var writeErr error
	for i := 0; i <= i2cMaxRetries; i++ {
		if t.writeAborted.CompareAndSwap(true, false) {
			return 0, NewTransportAbortedError("write aborted")
		}

		n, err := unix.Write(t.fd, tx)
		if err == nil && n == len(tx) {
			return n, nil
		}

		if err != nil {
			writeErr = err
			// Retry on NACK or arbitration lost
			if (err == unix.ENXIO || err == unix.EAGAIN) && i < i2cMaxRetries {
				time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
				if t.debug && t.logCallback != nil {
					t.logCallback(LogLevelDebug, fmt.Sprintf("Retrying to send data, try %d/%d", i+1, i2cMaxRetries))
				}
				continue
			}
			return 0, NewI2CWriteError("I2C write error", err)
		}

		writeErr = NewI2CWriteError(fmt.Sprintf("incomplete write: %d != %d", n, len(tx)), nil)
		if i < i2cMaxRetries {
			time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
		}
	}

	if _, ok := writeErr.(I2CError); !ok {
		return 0, NewI2CWriteError("I2C write failed after retries", writeErr)
	}
	return 0, writeErr
}

// Ioctl drives the VEN / firmware download lines through the kernel driver
func (t *ChardevTransport) Ioctl(op IoctlOp) error {
	if !t.opened.Load() {
		return NewTransportAbortedError("transport closed")
	}
	if t.logCallback != nil {
		t.logCallback(LogLevelDebug, fmt.Sprintf("Ioctl: %s", op))
	}

	switch op {
	case IoctlPowerOff:
		return t.setPower(0)
	case IoctlPowerOn:
		return t.setPower(1)
	case IoctlEnableDownloadMode:
		return t.setPower(2)
	case IoctlResetDevice:
		if err := t.setPower(0); err != nil {
			return err
		}
		time.Sleep(resetPowerOffDelay)
		if err := t.setPower(1); err != nil {
			return err
		}
		time.Sleep(resetPowerOnDelay)
		return nil
	default:
		return NewNotSupportedError(fmt.Sprintf("unsupported ioctl %d", op))
	}
}

func (t *ChardevTransport) setPower(value uintptr) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(t.fd),
		uintptr(pn5xxSetPwr),
		value,
	)
	if errno != 0 {
		return NewIoctlError("ioctl power control error", errno)
	}
	return nil
}

// Shutdown powers the controller off and closes the device node
func (t *ChardevTransport) Shutdown() error {
	if !t.opened.CompareAndSwap(true, false) {
		return nil
	}
	if err := t.setPower(0); err != nil && t.logCallback != nil {
		t.logCallback(LogLevelWarning, fmt.Sprintf("Error powering off during shutdown: %v", err))
	}
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		return NewI2CWriteError("failed to close device", err)
	}
	return nil
}

// flushReadBuffer reads and discards any pending data
func (t *ChardevTransport) flushReadBuffer() {
	buf := make([]byte, nciMaxPacketSize)
	deadline := time.Now().Add(100 * time.Millisecond)

	for time.Now().Before(deadline) {
		ready, err := t.pollReadable(0)
		if err != nil || !ready {
			return
		}

		r, err := unix.Read(t.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				time.Sleep(time.Millisecond)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return
		}
		if t.logCallback != nil {
			t.logCallback(LogLevelInfo, fmt.Sprintf("Flushed %d bytes", r))
		}
	}
}

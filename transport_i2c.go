package hal

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// PN54x 7-bit I2C address
	pn54xI2CAddr = 0x28

	i2cMaxClockFreq = 400 * physic.KiloHertz
)

// I2CConfig selects the bus and control pins for the raw I2C transport.
// Pin names are resolved with gpioreg, e.g. "GPIO23".
type I2CConfig struct {
	Bus    string
	Addr   uint16
	Speed  physic.Frequency
	IRQPin string
	VENPin string
	DWLPin string
}

// I2CTransport drives the controller from user space: IRQ edge wait, VEN
// for power and reset, DWL for download mode.
type I2CTransport struct {
	cfg         I2CConfig
	logCallback LogCallback
	debug       bool

	mu  sync.Mutex
	bus i2c.BusCloser
	dev *i2c.Dev
	irq gpio.PinIO
	ven gpio.PinIO
	dwl gpio.PinIO

	opened       atomic.Bool
	readAborted  atomic.Bool
	writeAborted atomic.Bool
	fragment     atomic.Bool
}

func NewI2CTransport(cfg I2CConfig, logCallback LogCallback, debugMode bool) *I2CTransport {
	if cfg.Addr == 0 {
		cfg.Addr = pn54xI2CAddr
	}
	if cfg.Speed == 0 {
		cfg.Speed = i2cMaxClockFreq
	}
	return &I2CTransport{
		cfg:         cfg,
		logCallback: logCallback,
		debug:       debugMode,
	}
}

func (t *I2CTransport) logNCI(buf []byte, direction string) {
	if !t.debug || t.logCallback == nil {
		return
	}
	t.logCallback(LogLevelDebug, fmt.Sprintf("I2C %s: %s", direction, hex.EncodeToString(buf)))
}

func lookupPin(name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, nil
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, NewInvalidParameterError(fmt.Sprintf("unknown GPIO pin %q", name))
	}
	return pin, nil
}

// Init registers the host drivers, opens the bus and claims the pins
func (t *I2CTransport) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opened.Load() {
		return nil
	}

	if _, err := host.Init(); err != nil {
		return NewI2CReadError("failed to initialize periph host", err)
	}

	bus, err := i2creg.Open(t.cfg.Bus)
	if err != nil {
		return NewI2CReadError(fmt.Sprintf("failed to open I2C bus %q", t.cfg.Bus), err)
	}
	if err := bus.SetSpeed(t.cfg.Speed); err != nil && t.logCallback != nil {
		t.logCallback(LogLevelWarning, fmt.Sprintf("Failed to set I2C speed: %v", err))
	}

	irq, err := lookupPin(t.cfg.IRQPin)
	if err != nil {
		bus.Close()
		return err
	}
	if irq == nil {
		bus.Close()
		return NewInvalidParameterError("IRQ pin is required")
	}
	if err := irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		bus.Close()
		return NewI2CPollError("failed to configure IRQ pin", err)
	}

	ven, err := lookupPin(t.cfg.VENPin)
	if err != nil {
		bus.Close()
		return err
	}
	dwl, err := lookupPin(t.cfg.DWLPin)
	if err != nil {
		bus.Close()
		return err
	}
	if dwl != nil {
		if err := dwl.Out(gpio.Low); err != nil {
			bus.Close()
			return NewIoctlError("failed to drive DWL pin", err)
		}
	}
	if ven != nil {
		if err := ven.Out(gpio.High); err != nil {
			bus.Close()
			return NewIoctlError("failed to drive VEN pin", err)
		}
	}

	t.bus = bus
	t.dev = &i2c.Dev{Addr: t.cfg.Addr, Bus: bus}
	t.irq = irq
	t.ven = ven
	t.dwl = dwl
	t.readAborted.Store(false)
	t.writeAborted.Store(false)
	t.opened.Store(true)

	if t.logCallback != nil {
		t.logCallback(LogLevelInfo, fmt.Sprintf("Opened I2C bus %q addr 0x%02X", t.cfg.Bus, t.cfg.Addr))
	}
	return nil
}

func (t *I2CTransport) SetFragmentation(enabled bool) {
	t.fragment.Store(enabled)
}

func (t *I2CTransport) ReadAbort() {
	t.readAborted.Store(true)
}

func (t *I2CTransport) ClearAbort() {
	t.readAborted.Store(false)
}

func (t *I2CTransport) WriteAbort() {
	t.writeAborted.Store(true)
}

// Read waits for IRQ and reads one NCI packet
func (t *I2CTransport) Read(buf []byte) (int, error) {
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

		if t.irq.Read() != gpio.High && !t.irq.WaitForEdge(readPollSlice) {
			continue
		}

		var err error
		for retry := 0; retry <= i2cMaxRetries; retry++ {
			if err = t.dev.Tx(nil, buf[:nciHeaderSize]); err == nil {
				break
			}
			time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
		}
		if err != nil {
			return 0, NewI2CReadError("I2C read header error", err)
		}

		if err := validateReceivedHeader(buf[:nciHeaderSize]); err != nil {
			if t.logCallback != nil {
				t.logCallback(LogLevelWarning, fmt.Sprintf("Invalid header %X: %v", buf[:nciHeaderSize], err))
			}
			return 0, err
		}

		payloadLen := int(buf[2])
		if payloadLen > 0 {
			for retry := 0; retry <= i2cMaxRetries; retry++ {
				if err = t.dev.Tx(nil, buf[nciHeaderSize:nciHeaderSize+payloadLen]); err == nil {
					break
				}
				time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
			}
			if err != nil {
				return 0, NewI2CReadError("I2C read payload error", err)
			}
		}

		total := nciHeaderSize + payloadLen
		t.logNCI(buf[:total], "RX")
		return total, nil
	}
}

// Write sends one NCI packet, retrying NACKed transfers
func (t *I2CTransport) Write(p []byte) (int, error) {
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

		var err error
		for retry := 0; retry <= i2cMaxRetries; retry++ {
			if t.writeAborted.CompareAndSwap(true, false) {
				return written, NewTransportAbortedError("write aborted")
			}
			if err = t.dev.Tx(p[written:end], nil); err == nil {
				break
			}
			if t.debug && t.logCallback != nil {
				t.logCallback(LogLevelDebug, fmt.Sprintf("Retrying to send data, try %d/%d", retry+1, i2cMaxRetries))
			}
			time.Sleep(time.Duration(i2cRetryTimeUs) * time.Microsecond)
		}
		if err != nil {
			return written, NewI2CWriteError("I2C write error", err)
		}
		written = end
	}
	return written, nil
}

// Ioctl toggles VEN and DWL
func (t *I2CTransport) Ioctl(op IoctlOp) error {
	if !t.opened.Load() {
		return NewTransportAbortedError("transport closed")
	}
	if t.ven == nil {
		return NewNotSupportedError("no VEN pin configured")
	}
	if t.logCallback != nil {
		t.logCallback(LogLevelDebug, fmt.Sprintf("Ioctl: %s", op))
	}

	switch op {
	case IoctlPowerOff:
		return t.drive(t.ven, gpio.Low)
	case IoctlPowerOn:
		if err := t.drive(t.dwl, gpio.Low); err != nil {
			return err
		}
		return t.drive(t.ven, gpio.High)
	case IoctlEnableDownloadMode:
		if t.dwl == nil {
			return NewNotSupportedError("no DWL pin configured")
		}
		if err := t.drive(t.dwl, gpio.High); err != nil {
			return err
		}
		return t.pulseVEN()
	case IoctlResetDevice:
		if err := t.drive(t.dwl, gpio.Low); err != nil {
			return err
		}
		return t.pulseVEN()
	default:
		return NewNotSupportedError(fmt.Sprintf("unsupported ioctl %d", op))
	}
}

func (t *I2CTransport) drive(pin gpio.PinIO, level gpio.Level) error {
	if pin == nil {
		return nil
	}
	if err := pin.Out(level); err != nil {
		return NewIoctlError(fmt.Sprintf("failed to drive %s", pin.Name()), err)
	}
	return nil
}

func (t *I2CTransport) pulseVEN() error {
	if err := t.drive(t.ven, gpio.Low); err != nil {
		return err
	}
	time.Sleep(resetPowerOffDelay)
	if err := t.drive(t.ven, gpio.High); err != nil {
		return err
	}
	time.Sleep(resetPowerOnDelay)
	return nil
}

// Shutdown powers the controller off and releases the bus
func (t *I2CTransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.opened.CompareAndSwap(true, false) {
		return nil
	}
	if err := t.drive(t.ven, gpio.Low); err != nil && t.logCallback != nil {
		t.logCallback(LogLevelWarning, fmt.Sprintf("Error powering off during shutdown: %v", err))
	}
	if err := t.irq.In(gpio.PullDown, gpio.NoEdge); err != nil && t.logCallback != nil {
		t.logCallback(LogLevelWarning, fmt.Sprintf("Error releasing IRQ pin: %v", err))
	}
	if err := t.bus.Close(); err != nil {
		return NewI2CWriteError("failed to close I2C bus", err)
	}
	return nil
}

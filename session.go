package hal

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
)

// RF_DISCOVER commands longer than this are not cached for replay
const maxCachedDiscoverLen = 50

// proprietary reset notification synthesized after a forced controller reset
var syntheticResetNtf = []byte{0x60, 0x00, 0x06, 0xA0, 0x00, 0xC7, 0xD4, 0x00, 0x00}

// Session is the HAL for one controller. All upper-layer entry points are
// serialized by mutex; the read loop runs outside of it.
type Session struct {
	mutex sync.Mutex

	t           Transport
	cfg         Config
	opts        options
	chip        *ChipProfile
	logCallback LogCallback
	debug       bool

	corr *correlator
	ee   *EEManager

	stateMu       sync.RWMutex
	state         State
	open          bool
	openCompleted bool
	nciVersion    uint8
	info          initInfo
	mfr           manufacturerInfo
	fwReported    uint32
	fwExpected    uint16
	clock         ClockProfile

	cbMu    sync.RWMutex
	stackCb StackCallback
	dataCb  DataCallback

	initRetries    int
	rfRecoveryRuns int
	recFwDownload  bool
	fwDownloaded   bool

	configAccess atomic.Bool
	configOK     atomic.Bool
	latch        latches

	discoverMu   sync.Mutex
	lastDiscover []byte
	recovering   atomic.Bool

	evMu   sync.Mutex
	events *eventLoop

	readerMu   sync.Mutex
	readerStop chan struct{}
	readerDone chan struct{}
}

var _ HAL = (*Session)(nil)

// NewSession creates a closed session on transport t. cfg may be nil, in
// which case every setting takes its default.
func NewSession(t Transport, cfg Config, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.chip == nil {
		o.chip = &PN553
	}
	if o.maxSendRetries < 1 {
		o.maxSendRetries = 1
	}
	if cfg == nil {
		cfg = NewMapConfig()
	}

	s := &Session{
		t:           t,
		cfg:         cfg,
		opts:        o,
		chip:        o.chip,
		logCallback: o.logCallback,
		debug:       o.debug,
	}
	s.corr = newCorrelator(t, o)
	s.corr.onReset = s.onControllerReset
	s.ee = newEEManager(sessionLink{s}, cfg, o)
	return s
}

func (s *Session) logf(level LogLevel, format string, args ...interface{}) {
	if s.logCallback != nil {
		s.logCallback(level, fmt.Sprintf(format, args...))
	}
}

func (s *Session) logNCI(buf []byte, direction string) {
	if !s.debug {
		return
	}
	s.logf(LogLevelDebug, "NCI %s: %s", direction, hex.EncodeToString(buf))
}

// GetState implements HAL.GetState
func (s *Session) GetState() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()
	if prev != st {
		s.logf(LogLevelDebug, "State %s -> %s", prev, st)
	}
}

// EE implements HAL.EE
func (s *Session) EE() *EEManager {
	return s.ee
}

func (s *Session) isOpen() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.open
}

func (s *Session) isOpenCompleted() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.open && s.openCompleted
}

func (s *Session) getNCIVersion() uint8 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.nciVersion
}

func (s *Session) getInitInfo() initInfo {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.info
}

func (s *Session) manufacturer() manufacturerInfo {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.mfr
}

// FirmwareVersion returns the version reported by the controller as
// rom<<16 | major<<8 | minor
func (s *Session) FirmwareVersion() uint32 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.fwReported
}

// NCIVersion returns the negotiated NCI version, e.g. 0x20
func (s *Session) NCIVersion() uint8 {
	return s.getNCIVersion()
}

func (s *Session) setCallbacks(stack StackCallback, data DataCallback) {
	s.cbMu.Lock()
	s.stackCb = stack
	s.dataCb = data
	s.cbMu.Unlock()
}

func (s *Session) stackCallback() StackCallback {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.stackCb
}

func (s *Session) dataCallback() DataCallback {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.dataCb
}

// eventLoop runs callbacks one at a time in posting order
type eventLoop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *eventLoop) post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// stop runs what is queued, then ends the loop
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.done
}

// startEvents starts the goroutine that delivers callbacks to the stack
func (s *Session) startEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.events == nil {
		s.events = newEventLoop()
	}
}

// stopEvents delivers what is queued and stops the event goroutine
func (s *Session) stopEvents() {
	s.evMu.Lock()
	events := s.events
	s.events = nil
	s.evMu.Unlock()
	if events != nil {
		events.stop()
	}
}

func (s *Session) post(fn func()) {
	s.evMu.Lock()
	events := s.events
	s.evMu.Unlock()
	if events != nil {
		events.post(fn)
	}
}

func (s *Session) postEvent(ev Event, status EventStatus) {
	s.logf(LogLevelDebug, "Posting %s (%s)", ev, status)
	s.post(func() {
		if cb := s.stackCallback(); cb != nil {
			cb(ev, status)
		}
	})
}

// deliver passes a packet to the upper data callback on the event goroutine
func (s *Session) deliver(pkt []byte) {
	s.post(func() {
		if cb := s.dataCallback(); cb != nil {
			cb(pkt)
		}
	})
}

// onControllerReset runs after the correlator reset the controller. A
// controller that stopped answering is reported as a command timeout.
func (s *Session) onControllerReset(cause error) {
	s.corr.clearUpper()
	if !s.isOpenCompleted() || s.dataCallback() == nil {
		return
	}
	s.logf(LogLevelError, "Controller reset after exhausted retries (%v), notifying stack", cause)
	status := EventStatusErrTransport
	if IsResponseTimeoutError(cause) {
		status = EventStatusErrCmdTimeout
	}
	s.deliver(append([]byte(nil), syntheticResetNtf...))
	s.postEvent(EventError, status)
}

// sendCommand sends cmd and converts a non-OK status into a StatusError
func (s *Session) sendCommand(cmd []byte) ([]byte, error) {
	rsp, err := s.corr.send(cmd)
	if err != nil {
		return nil, err
	}
	if st := responseStatus(rsp); st != StatusOK {
		return rsp, NewStatusError(fmt.Sprintf("command %02X%02X", cmd[0], cmd[1]), st)
	}
	return rsp, nil
}

// sendBlock sends an opaque configuration blob from the config file
func (s *Session) sendBlock(name string) error {
	blob, ok := configBytes(s.cfg, name)
	if !ok {
		return nil
	}
	s.logf(LogLevelDebug, "Applying %s", name)
	if _, err := s.sendCommand(blob); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Session) cacheDiscover(p []byte) {
	if !isPacket(p, nciMsgTypeCommand, nciGroupRF, nciRFDiscoverOID) {
		return
	}
	s.discoverMu.Lock()
	defer s.discoverMu.Unlock()
	if len(p) > maxCachedDiscoverLen {
		s.lastDiscover = nil
		return
	}
	s.lastDiscover = append(s.lastDiscover[:0], p...)
}

func (s *Session) cachedDiscover() []byte {
	s.discoverMu.Lock()
	defer s.discoverMu.Unlock()
	return append([]byte(nil), s.lastDiscover...)
}

// Write implements HAL.Write
func (s *Session) Write(data []byte) (int, error) {
	if len(data) > nciMaxPacketSize {
		return 0, NewInvalidParameterError(fmt.Sprintf("packet too long: %d", len(data)))
	}
	if len(data) < nciHeaderSize {
		return 0, NewInvalidParameterError(fmt.Sprintf("packet too short: %d", len(data)))
	}
	p := append([]byte(nil), data...)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isOpen() {
		return 0, NewCallerMisuseError("write while closed")
	}
	s.cacheDiscover(p)
	s.corr.markUpper(p)
	if err := s.corr.write(p); err != nil {
		s.corr.clearUpper()
		s.logf(LogLevelError, "Write failed: %v", err)
		return 0, err
	}
	return len(p), nil
}

// PreDiscover implements HAL.PreDiscover
func (s *Session) PreDiscover() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.isOpen() {
		return NewCallerMisuseError("pre-discover while closed")
	}
	s.postEvent(EventPreDiscoverComplete, EventStatusOK)
	return nil
}

// PowerCycle implements HAL.PowerCycle
func (s *Session) PowerCycle() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.isOpen() {
		return NewCallerMisuseError("power cycle while closed")
	}
	if err := s.t.Ioctl(IoctlResetDevice); err != nil {
		s.logf(LogLevelError, "Power cycle failed: %v", err)
		return err
	}
	s.postEvent(EventOpenComplete, EventStatusOK)
	return nil
}

// ControlGranted implements HAL.ControlGranted
func (s *Session) ControlGranted() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.isOpen() {
		return NewCallerMisuseError("control granted while closed")
	}
	if s.opts.controlGranted != nil {
		s.opts.controlGranted()
	}
	return nil
}

// RequestControl implements HAL.RequestControl
func (s *Session) RequestControl() {
	s.postEvent(EventRequestControl, EventStatusOK)
}

// ReleaseControl implements HAL.ReleaseControl
func (s *Session) ReleaseControl() {
	s.postEvent(EventReleaseControl, EventStatusOK)
}

// Close implements HAL.Close
func (s *Session) Close() error {
	if !s.isOpen() {
		return NewCallerMisuseError("close while closed")
	}
	// The EE worker takes the mutex to send commands
	s.ee.stop()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isOpen() {
		return NewCallerMisuseError("close while closed")
	}
	s.logf(LogLevelInfo, "Closing %s", s.chip)

	// Leave the controller in card emulation listen mode
	ceDiscover := []byte{
		0x21, 0x03, 0x07,
		0x03,       // Number of configurations
		0x80, 0x01, // NFC-A passive listen
		0x81, 0x01, // NFC-B passive listen
		0x82, 0x01, // NFC-F passive listen
	}
	if _, err := s.corr.send(ceDiscover); err != nil {
		s.logf(LogLevelWarning, "CE discovery failed: %v", err)
	}

	s.stateMu.Lock()
	s.open = false
	s.openCompleted = false
	s.stateMu.Unlock()

	if _, err := s.corr.send(buildCoreReset()); err != nil {
		s.logf(LogLevelWarning, "Core reset on close failed: %v", err)
	}

	s.postEvent(EventCloseComplete, EventStatusOK)
	s.teardown()
	s.logf(LogLevelInfo, "Closed")
	return nil
}

// teardown stops the reader, releases the transport and drains events
func (s *Session) teardown() {
	s.stopReader()
	s.t.WriteAbort()
	if err := s.t.Shutdown(); err != nil {
		s.logf(LogLevelWarning, "Transport shutdown failed: %v", err)
	}
	s.stopEvents()
	s.setCallbacks(nil, nil)

	s.stateMu.Lock()
	s.open = false
	s.openCompleted = false
	s.stateMu.Unlock()
	s.setState(StateClosed)
}

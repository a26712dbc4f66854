package hal

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// CORE_RESET_NTF of an NCI 2.0 controller: ROM 0x11, firmware 01.20
var testResetNtf = []byte{
	0x60, 0x00, 0x09,
	0x02,       // reason
	0x01,       // configuration status
	0x20,       // NCI version
	0x04,       // manufacturer id
	0x04,       // info length
	0x30, 0x11, // hardware, ROM
	0x01, 0x20, // firmware major, minor
}

// CORE_INIT 2.0 response: SCBR, 512 byte routing table, ISO-DEP and NFC-DEP
var testInitRsp2 = []byte{
	0x40, 0x01, 0x12,
	0x00,                   // status
	0x00, 0x08, 0x00, 0x00, // features
	0x01,       // max logical connections
	0x00, 0x02, // max routing table size
	0xFF,       // max control payload
	0xFF, 0x01, // HCI payload, credits
	0x00, 0x00, // max NFC-V frame
	0x02,       // interfaces
	0x02, 0x00, // ISO-DEP
	0x03, 0x00, // NFC-DEP
}

// CORE_INIT 1.x response with manufacturer info: ROM 0x11, firmware 01.10
var testInitRsp1 = []byte{
	0x40, 0x01, 0x13,
	0x00,
	0x00, 0x08, 0x00, 0x00,
	0x02, 0x02, 0x03, // interfaces
	0x01,       // max logical connections
	0x00, 0x02, // max routing table size
	0xFF,       // max control payload
	0x00, 0x01, // large parameter
	0x04,                   // manufacturer id
	0x30, 0x11, 0x01, 0x10, // manufacturer info
}

func okRsp(cmd []byte) []byte {
	return statusRsp(cmd, StatusOK)
}

func statusRsp(cmd []byte, st Status) []byte {
	return []byte{0x40 | cmd[0]&0x0F, cmd[1] & 0x3F, 0x01, byte(st)}
}

// controllerFunc answers one command with the packets the controller sends
type controllerFunc func(f *fakeTransport, cmd []byte) [][]byte

// fakeTransport is a scripted controller. Writes are answered synchronously
// by the handler; Read hands the answers to the read loop.
type fakeTransport struct {
	mu       sync.Mutex
	handler  controllerFunc
	params   map[uint16][]byte
	written  [][]byte
	ioctls   []IoctlOp
	writeErr error
	initErr  error

	rx    chan []byte
	abort chan struct{}

	reads    atomic.Int32
	maxReads atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handler: nci2Controller,
		params: map[uint16][]byte{
			nciParamClockSrc:         {ClockSourcePLL},
			nciParamClockSelCfg:      {0x01},
			nciParamClockTimeout:     {ClockTimeoutMin},
			nciParamMWEEPROM:         make([]byte, mwEEPROMSize),
			nciParamI2CFragmentation: {i2cFragmentationOff},
		},
		rx:    make(chan []byte, 256),
		abort: make(chan struct{}, 1),
	}
}

func (f *fakeTransport) setHandler(h controllerFunc) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Init() error {
	return f.initErr
}

func (f *fakeTransport) Read(buf []byte) (int, error) {
	n := f.reads.Add(1)
	defer f.reads.Add(-1)
	for {
		m := f.maxReads.Load()
		if n <= m || f.maxReads.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case p := <-f.rx:
		return copy(buf, p), nil
	case <-f.abort:
		return 0, NewTransportAbortedError("read aborted")
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return 0, err
	}
	cmd := append([]byte(nil), p...)
	f.written = append(f.written, cmd)
	h := f.handler
	f.mu.Unlock()

	if h != nil {
		for _, pkt := range h(f, cmd) {
			f.rx <- pkt
		}
	}
	return len(p), nil
}

func (f *fakeTransport) Ioctl(op IoctlOp) error {
	f.mu.Lock()
	f.ioctls = append(f.ioctls, op)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ReadAbort() {
	select {
	case f.abort <- struct{}{}:
	default:
	}
}

func (f *fakeTransport) ClearAbort() {
	select {
	case <-f.abort:
	default:
	}
}

func (f *fakeTransport) WriteAbort() {}

func (f *fakeTransport) Shutdown() error {
	return nil
}

// inject delivers an unsolicited packet
func (f *fakeTransport) inject(pkt []byte) {
	f.rx <- pkt
}

// count returns how many written packets start with prefix
func (f *fakeTransport) count(prefix ...byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.written {
		if bytes.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) ioctlCount(op IoctlOp) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.ioctls {
		if o == op {
			n++
		}
	}
	return n
}

// getConfig answers CORE_GET_CONFIG from params, skipping unknown ids
func (f *fakeTransport) getConfig(cmd []byte) []byte {
	payload := []byte{0x00, 0x00}
	found := 0
	i := 4
	f.mu.Lock()
	for n := 0; n < int(cmd[3]) && i < len(cmd); n++ {
		id := uint16(cmd[i])
		i++
		if id == 0xA0 && i < len(cmd) {
			id = id<<8 | uint16(cmd[i])
			i++
		}
		v, ok := f.params[id]
		if !ok {
			continue
		}
		payload = appendConfigID(payload, id)
		payload = append(payload, byte(len(v)))
		payload = append(payload, v...)
		found++
	}
	f.mu.Unlock()
	payload[1] = byte(found)
	return append([]byte{0x40, 0x03, byte(len(payload))}, payload...)
}

// nci2Controller behaves like a healthy NCI 2.0 controller
func nci2Controller(f *fakeTransport, cmd []byte) [][]byte {
	switch {
	case isPacket(cmd, nciMsgTypeCommand, nciGroupCore, nciCoreReset):
		return [][]byte{okRsp(cmd), testResetNtf}
	case isPacket(cmd, nciMsgTypeCommand, nciGroupCore, nciCoreInit):
		return [][]byte{testInitRsp2}
	case isPacket(cmd, nciMsgTypeCommand, nciGroupCore, nciCoreGetConfig):
		return [][]byte{f.getConfig(cmd)}
	case isPacket(cmd, nciMsgTypeCommand, nciGroupCore, nciCoreConnCreate):
		return [][]byte{{0x40, 0x04, 0x04, 0x00, 0xFF, 0x01, 0x03}}
	case packetMT(cmd) == nciMsgTypeData:
		return nil
	}
	return [][]byte{okRsp(cmd)}
}

// with wraps a controller so that commands starting with prefix get rsp
func with(base controllerFunc, prefix []byte, rsp func(cmd []byte) [][]byte) controllerFunc {
	return func(f *fakeTransport, cmd []byte) [][]byte {
		if bytes.HasPrefix(cmd, prefix) {
			return rsp(cmd)
		}
		return base(f, cmd)
	}
}

// stackRecorder collects stack events and data packets
type stackRecorder struct {
	events chan Event
	status chan EventStatus
	data   chan []byte
}

func newStackRecorder() *stackRecorder {
	return &stackRecorder{
		events: make(chan Event, 64),
		status: make(chan EventStatus, 64),
		data:   make(chan []byte, 64),
	}
}

func (r *stackRecorder) stack(ev Event, st EventStatus) {
	r.events <- ev
	r.status <- st
}

func (r *stackRecorder) dataCb(p []byte) {
	r.data <- p
}

// waitEvent returns the status of the next ev, skipping other events
func (r *stackRecorder) waitEvent(t *testing.T, ev Event) EventStatus {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.events:
			st := <-r.status
			if got == ev {
				return st
			}
		case <-deadline:
			t.Fatalf("no %s event", ev)
			return EventStatusFailed
		}
	}
}

func (r *stackRecorder) waitData(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-r.data:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no data delivered")
		return nil
	}
}

func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithResponseTimeout(50 * time.Millisecond),
		WithRetryBackoff(time.Millisecond),
		WithMaxSendRetries(2),
	}
	return append(opts, extra...)
}

// openSession opens a session on f and closes it when the test ends
func openSession(t *testing.T, f *fakeTransport, cfg Config, opts ...Option) (*Session, *stackRecorder) {
	t.Helper()
	s := NewSession(f, cfg, testOptions(opts...)...)
	r := newStackRecorder()
	if err := s.Open(r.stack, r.dataCb); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st := r.waitEvent(t, EventOpenComplete); st != EventStatusOK {
		t.Fatalf("OpenComplete status %s", st)
	}
	t.Cleanup(func() {
		if s.isOpen() {
			s.Close()
		}
	})
	return s, r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

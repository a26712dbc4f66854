package hal

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestDispatchDeliversUnsolicited(t *testing.T) {
	f := newFakeTransport()
	_, r := openSession(t, f, nil)

	ntfs := [][]byte{
		{0x61, 0x05, 0x04, 0x01, 0x02, 0x04, 0x00}, // RF_INTF_ACTIVATED_NTF, truncated
		{0x00, 0x00, 0x02, 0x90, 0x00},             // data on the static RF connection
	}
	for _, p := range ntfs {
		f.inject(p)
	}
	for _, want := range ntfs {
		if got := r.waitData(t); !bytes.Equal(got, want) {
			t.Errorf("delivered %X, want %X", got, want)
		}
	}
}

func TestDispatchSingleReadInFlight(t *testing.T) {
	f := newFakeTransport()
	s, _ := openSession(t, f, nil)

	if err := s.CoreInitialized(nil); err != nil {
		t.Fatalf("CoreInitialized: %v", err)
	}
	if n := f.maxReads.Load(); n != 1 {
		t.Errorf("%d concurrent reads, want 1", n)
	}
}

func TestInspectResponseTracksRejectedConfig(t *testing.T) {
	tests := []struct {
		name   string
		access bool
		pkt    []byte
		wantOK bool
	}{
		{"accepted", true, []byte{0x40, 0x02, 0x02, 0x00, 0x00}, true},
		{"rejected", true, []byte{0x40, 0x02, 0x02, 0x09, 0x00}, false},
		{"rejected outside config", false, []byte{0x40, 0x02, 0x02, 0x09, 0x00}, true},
		{"other group", true, []byte{0x41, 0x03, 0x01, 0x06}, false},
		{"notification", true, []byte{0x60, 0x07, 0x01, 0x09}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(newFakeTransport(), nil)
			s.configOK.Store(true)
			s.configAccess.Store(tt.access)
			s.inspectResponse(tt.pkt)
			if got := s.configOK.Load(); got != tt.wantOK {
				t.Errorf("configOK = %v, want %v", got, tt.wantOK)
			}
		})
	}
}

func TestLatchCapture(t *testing.T) {
	var l latches
	rsp := []byte{0x40, 0x03, 0x09, 0x00, 0x01, 0xA0, 0x0F, 0x04, 0x01, 0x02, 0x03, 0x04}

	l.capture(rsp)
	if l.take(&l.eeprom) != nil {
		t.Fatal("unarmed latch captured")
	}

	l.arm(&l.eeprom)
	l.capture(rsp)
	if got := l.take(&l.eeprom); !bytes.Equal(got, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("eeprom latch %X", got)
	}

	l.arm(&l.clock)
	l.capture(rsp)
	l.capture([]byte{0x40, 0x03, 0x02, 0x00, 0x00})
	if got := l.take(&l.clock); !bytes.Equal(got, rsp) {
		t.Errorf("clock latch %X, want the first response", got)
	}
}

func TestWriteCachesDiscover(t *testing.T) {
	f := newFakeTransport()
	s, _ := openSession(t, f, nil)

	discover := []byte{0x21, 0x03, 0x05, 0x02, 0x00, 0x01, 0x01, 0x01}
	if _, err := s.Write(discover); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := s.cachedDiscover(); !bytes.Equal(got, discover) {
		t.Errorf("cached %X", got)
	}

	if _, err := s.Write([]byte{0x20}); !IsInvalidParameterError(err) {
		t.Errorf("short write error = %v, want invalid parameter", err)
	}
}

func TestInternalCommandWaitsForUpperResponse(t *testing.T) {
	f := newFakeTransport()
	s, r := openSession(t, f, nil, WithResponseTimeout(time.Second))
	if err := s.CoreInitialized(nil); err != nil {
		t.Fatalf("CoreInitialized: %v", err)
	}

	held := make(chan []byte, 1)
	f.setHandler(with(nci2Controller, []byte{0x21, 0x03}, func(cmd []byte) [][]byte {
		held <- okRsp(cmd)
		return nil
	}))

	discover := []byte{0x21, 0x03, 0x03, 0x01, 0x00, 0x01}
	if _, err := s.Write(discover); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rsp := <-held

	ev := newEventRecorder()
	if err := s.EE().Register(ev); err != nil {
		t.Fatalf("Register: %v", err)
	}
	pushed := f.count(0x21, 0x01)
	if err := s.EE().AddAIDRouting(DHHandle, []byte{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10}, PowerSwitchOn, 0); err != nil {
		t.Fatalf("AddAIDRouting: %v", err)
	}
	if err := s.EE().UpdateNow(); err != nil {
		t.Fatalf("UpdateNow: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := f.count(0x21, 0x01); n != pushed {
		t.Fatal("routing pushed while the discovery response was outstanding")
	}

	f.inject(rsp)
	if got := r.waitData(t); !bytes.Equal(got, rsp) {
		t.Errorf("stack got %X, want %X", got, rsp)
	}
	if e := ev.wait(t, EEEventUpdated); e.Err != nil {
		t.Fatalf("update failed: %v", e.Err)
	}
	if n := f.count(0x21, 0x01); n == pushed {
		t.Error("routing never pushed")
	}

	for {
		select {
		case p := <-r.data:
			if bytes.HasPrefix(p, []byte{0x41, 0x01}) {
				t.Errorf("routing response %X leaked to the stack", p)
			}
		default:
			return
		}
	}
}

func TestDispatchDeliversDuringBringUp(t *testing.T) {
	f := newFakeTransport()
	generic := []byte{0x60, 0x07, 0x01, 0x00} // CORE_GENERIC_ERROR_NTF
	f.setHandler(with(nci2Controller, []byte{0x20, 0x01}, func([]byte) [][]byte {
		return [][]byte{testInitRsp2, generic}
	}))

	_, r := openSession(t, f, nil)
	if got := r.waitData(t); !bytes.Equal(got, generic) {
		t.Errorf("delivered %X, want %X", got, generic)
	}
}

func TestStopReaderClearsAbort(t *testing.T) {
	f := newFakeTransport()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	s := NewSession(f, nil, testOptions(
		WithDebug(true),
		WithLogCallback(func(level LogLevel, msg string) {
			if !strings.HasPrefix(msg, "NCI RX") {
				return
			}
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}),
	)...)

	// the abort lands while the loop is busy with a packet and no Read is
	// pending to consume it
	s.startReader()
	f.inject([]byte{0x60, 0x07, 0x01, 0x00})
	<-entered
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	s.stopReader()

	if len(f.abort) != 0 {
		t.Error("read abort left pending after the loop stopped")
	}
}

func TestControllerResetEventStatus(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(t *testing.T, s *Session, f *fakeTransport)
		want    EventStatus
	}{
		{
			name: "unanswered command",
			trigger: func(t *testing.T, s *Session, f *fakeTransport) {
				f.setHandler(with(nci2Controller, []byte{0x22, 0x00}, func([]byte) [][]byte { return nil }))
				if err := s.EE().Discover(); err != nil {
					t.Fatalf("Discover: %v", err)
				}
			},
			want: EventStatusErrCmdTimeout,
		},
		{
			name: "write failure",
			trigger: func(t *testing.T, s *Session, f *fakeTransport) {
				f.mu.Lock()
				f.writeErr = NewI2CWriteError("nack", nil)
				f.mu.Unlock()
				if _, err := s.Write([]byte{0x21, 0x03, 0x03, 0x01, 0x00, 0x01}); !IsRetriesExhaustedError(err) {
					t.Errorf("Write error = %v, want retries exhausted", err)
				}
				f.mu.Lock()
				f.writeErr = nil
				f.mu.Unlock()
			},
			want: EventStatusErrTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport()
			s, r := openSession(t, f, nil)
			resets := f.ioctlCount(IoctlResetDevice)

			tt.trigger(t, s, f)
			if st := r.waitEvent(t, EventError); st != tt.want {
				t.Errorf("error status %s, want %s", st, tt.want)
			}
			if got := r.waitData(t); !bytes.Equal(got, syntheticResetNtf) {
				t.Errorf("stack got %X, want the synthetic reset", got)
			}
			if n := f.ioctlCount(IoctlResetDevice) - resets; n != 1 {
				t.Errorf("%d resets, want 1", n)
			}
			f.setHandler(nci2Controller)
		})
	}
}

package hal

import (
	"bytes"
	"testing"
)

func TestParseRecoveryParams(t *testing.T) {
	buf := make([]byte, 48)
	buf[0] = recoveryModeInitLast
	buf[1] = rfStateDiscovery
	buf[2] = 4
	copy(buf[3:], []byte{0x21, 0x03, 0x01, 0x00})
	buf[35] = 4
	copy(buf[36:], []byte{0x20, 0x01, 0x00, 0x00})

	p := parseRecoveryParams(buf, RecoveryLayoutV1)
	if p.Mode != recoveryModeInitLast || p.RFState != rfStateDiscovery {
		t.Errorf("mode %d, rf state %d", p.Mode, p.RFState)
	}
	if !bytes.Equal(p.Discovery, []byte{0x21, 0x03, 0x01, 0x00}) {
		t.Errorf("discovery %X", p.Discovery)
	}
	if !bytes.Equal(p.LastCmd, []byte{0x20, 0x01, 0x00, 0x00}) {
		t.Errorf("last command %X", p.LastCmd)
	}
	if !p.Recovery() {
		t.Error("mode 3 not treated as recovery")
	}

	RecoveryLayoutV1.clearMode(buf)
	if buf[0] != recoveryModeNone {
		t.Error("mode not cleared")
	}
}

func TestParseRecoveryParamsBounds(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"nil", nil},
		{"mode only", []byte{0x01}},
		{"discovery overruns", []byte{0x01, 0x01, 0x20, 0x21, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parseRecoveryParams(tt.buf, RecoveryLayoutV1)
			if p.Discovery != nil || p.LastCmd != nil {
				t.Errorf("fields read past the block: %+v", p)
			}
		})
	}

	if parseRecoveryParams([]byte{0x04}, RecoveryLayoutV1).Recovery() {
		t.Error("mode above the maximum treated as recovery")
	}
}

func TestReplayLast(t *testing.T) {
	discover := []byte{0x21, 0x03, 0x03, 0x01, 0x00, 0x01}
	idle := []byte{0x21, 0x06, 0x01, 0x00}
	sleep := []byte{0x21, 0x06, 0x01, 0x01}

	tests := []struct {
		name string
		p    RecoveryParams
		want bool
	}{
		{"none", RecoveryParams{}, false},
		{"discover while discovering", RecoveryParams{RFState: rfStateDiscovery, LastCmd: discover}, false},
		{"discover while idle", RecoveryParams{RFState: rfStateIdle, LastCmd: discover}, true},
		{"deactivate to idle while idle", RecoveryParams{RFState: rfStateIdle, LastCmd: idle}, false},
		{"deactivate to sleep while idle", RecoveryParams{RFState: rfStateIdle, LastCmd: sleep}, true},
		{"set config", RecoveryParams{LastCmd: []byte{0x20, 0x02, 0x01, 0x00}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.replayLast(); got != tt.want {
				t.Errorf("replayLast = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRFRecoveryRunsBounded(t *testing.T) {
	f := newFakeTransport()
	d := &fakeDownloader{image: 0x0310}
	s := NewSession(f, nil, testOptions(WithChip(&PN548C2), WithFirmwareDownloader(d))...)
	defer s.stopReader()

	for i := 0; i < maxRFRecoveryRuns; i++ {
		if err := s.rfRecoverySequence(); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	if err := s.rfRecoverySequence(); !IsFirmwareError(err) {
		t.Errorf("run past the limit error = %v, want firmware error", err)
	}
	if d.downloads != maxRFRecoveryRuns {
		t.Errorf("%d downloads, want %d", d.downloads, maxRFRecoveryRuns)
	}
}

package hal

import (
	"bytes"
	"testing"
)

func TestLoadClockProfile(t *testing.T) {
	tests := []struct {
		name string
		cfg  *MapConfig
		want ClockProfile
	}{
		{
			name: "defaults",
			cfg:  NewMapConfig(),
			want: ClockProfile{Source: ClockSourcePLL, Frequency: ClockFreq19_2MHz, Timeout: ClockTimeoutMin},
		},
		{
			name: "xtal",
			cfg:  NewMapConfig().SetNumber(ConfSysClkSrcSel, uint64(ClockSourceXTAL)),
			want: ClockProfile{Source: ClockSourceXTAL, Frequency: ClockFreq19_2MHz, Timeout: ClockTimeoutMin},
		},
		{
			name: "out of range values",
			cfg: NewMapConfig().
				SetNumber(ConfSysClkSrcSel, 7).
				SetNumber(ConfSysClkFreqSel, 9).
				SetNumber(ConfSysClockTOCfg, 0),
			want: ClockProfile{Source: ClockSourcePLL, Frequency: ClockFreq19_2MHz, Timeout: ClockTimeoutMin},
		},
		{
			name: "26MHz",
			cfg: NewMapConfig().
				SetNumber(ConfSysClkFreqSel, uint64(ClockFreq26MHz)).
				SetNumber(ConfSysClockTOCfg, 3),
			want: ClockProfile{Source: ClockSourcePLL, Frequency: ClockFreq26MHz, Timeout: 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var warnings int
			got := loadClockProfile(tt.cfg, func(level LogLevel, _ string) {
				if level == LogLevelWarning {
					warnings++
				}
			})
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if tt.name == "out of range values" && warnings != 3 {
				t.Errorf("%d warnings, want 3", warnings)
			}
		})
	}
}

func TestBuildSetClock(t *testing.T) {
	pll := ClockProfile{Source: ClockSourcePLL, Frequency: ClockFreq19_2MHz, Timeout: 2}
	xtal := ClockProfile{Source: ClockSourceXTAL, Frequency: ClockFreq19_2MHz, Timeout: 2}

	tests := []struct {
		name string
		p    ClockProfile
		chip *ChipProfile
		want []byte
	}{
		{"PLL with source flag", pll, &PN547C2, []byte{0x20, 0x02, 0x09, 0x02, 0xA0, 0x03, 0x01, 0x11, 0xA0, 0x04, 0x01, 0x02}},
		{"PLL", pll, &PN553, []byte{0x20, 0x02, 0x09, 0x02, 0xA0, 0x03, 0x01, 0x01, 0xA0, 0x04, 0x01, 0x02}},
		{"XTAL", xtal, &PN547C2, []byte{0x20, 0x02, 0x05, 0x01, 0xA0, 0x03, 0x01, 0x08}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.buildSetClock(tt.chip); !bytes.Equal(got, tt.want) {
				t.Errorf("got %X, want %X", got, tt.want)
			}
		})
	}
}

func TestClockMatches(t *testing.T) {
	p := ClockProfile{Source: ClockSourcePLL, Frequency: ClockFreq19_2MHz, Timeout: 1}
	rsp := []byte{0x40, 0x03, 0x0E, 0x00, 0x03,
		0xA0, 0x02, 0x01, 0x02,
		0xA0, 0x03, 0x01, 0x11,
		0xA0, 0x04, 0x01, 0x01,
	}
	if !p.matches(&PN548C2, rsp) {
		t.Error("matching configuration reported as different")
	}
	if p.matches(&PN553, rsp) {
		t.Error("PLL flag difference not detected")
	}

	rsp[16] = 0x04
	if p.matches(&PN548C2, rsp) {
		t.Error("timeout difference not detected")
	}
	if p.matches(&PN548C2, rsp[:6]) {
		t.Error("truncated response matched")
	}
}

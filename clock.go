package hal

import "fmt"

// Clock sources
const (
	ClockSourceXTAL uint8 = 0x01
	ClockSourcePLL  uint8 = 0x02
)

// PLL input frequencies as encoded in NXP_SYS_CLK_FREQ_SEL
const (
	ClockFreq13MHz   uint8 = 0x01
	ClockFreq19_2MHz uint8 = 0x02
	ClockFreq24MHz   uint8 = 0x03
	ClockFreq26MHz   uint8 = 0x04
	ClockFreq38_4MHz uint8 = 0x05
	ClockFreq52MHz   uint8 = 0x06
)

// Clock request timeouts
const (
	ClockTimeoutMin uint8 = 0x01
	ClockTimeoutMax uint8 = 0x06
)

// Proprietary clock parameters
const (
	nciParamClockSrc     uint16 = 0xA002
	nciParamClockSelCfg  uint16 = 0xA003
	nciParamClockTimeout uint16 = 0xA004

	clockParamPLLBit = 0x10
	clockParamXTAL   = 0x08
	clockSetRetries  = 3
)

// ClockProfile is the system clock setup read from configuration
type ClockProfile struct {
	Source    uint8
	Frequency uint8
	Timeout   uint8
}

// loadClockProfile reads the clock keys, substituting defaults for missing
// or out of range values
func loadClockProfile(cfg Config, logCallback LogCallback) ClockProfile {
	p := ClockProfile{
		Source:    uint8(configNumber(cfg, ConfSysClkSrcSel, uint64(ClockSourcePLL))),
		Frequency: uint8(configNumber(cfg, ConfSysClkFreqSel, uint64(ClockFreq19_2MHz))),
		Timeout:   uint8(configNumber(cfg, ConfSysClockTOCfg, uint64(ClockTimeoutMin))),
	}

	if p.Source != ClockSourceXTAL && p.Source != ClockSourcePLL {
		if logCallback != nil {
			logCallback(LogLevelWarning, fmt.Sprintf("Invalid clock source %d, using PLL", p.Source))
		}
		p.Source = ClockSourcePLL
	}
	if p.Frequency < ClockFreq13MHz || p.Frequency > ClockFreq52MHz {
		if logCallback != nil {
			logCallback(LogLevelWarning, fmt.Sprintf("Invalid clock frequency %d, using 19.2MHz", p.Frequency))
		}
		p.Frequency = ClockFreq19_2MHz
	}
	if p.Timeout < ClockTimeoutMin || p.Timeout > ClockTimeoutMax {
		if logCallback != nil {
			logCallback(LogLevelWarning, fmt.Sprintf("Invalid clock timeout %d, using %d", p.Timeout, ClockTimeoutMin))
		}
		p.Timeout = ClockTimeoutMin
	}
	return p
}

// param returns the value written to A003
func (p ClockProfile) param(chip *ChipProfile) uint8 {
	if p.Source == ClockSourceXTAL {
		return clockParamXTAL
	}
	v := p.Frequency - 1
	if chip.ClockPLLFlag {
		v |= clockParamPLLBit
	}
	return v
}

// buildSetClock composes the CORE_SET_CONFIG for the profile
func (p ClockProfile) buildSetClock(chip *ChipProfile) []byte {
	if p.Source == ClockSourcePLL {
		return buildSetConfig(
			configParam{ID: nciParamClockSelCfg, Value: []byte{p.param(chip)}},
			configParam{ID: nciParamClockTimeout, Value: []byte{p.Timeout}},
		)
	}
	return buildSetConfig(configParam{ID: nciParamClockSelCfg, Value: []byte{clockParamXTAL}})
}

func buildGetClock() []byte {
	return buildGetConfig(nciParamClockSrc, nciParamClockSelCfg, nciParamClockTimeout)
}

// matches reports whether a GET_CONFIG clock response reflects the profile
func (p ClockProfile) matches(chip *ChipProfile, rsp []byte) bool {
	params, err := parseConfigTLVs(rsp)
	if err != nil {
		return false
	}
	sel, ok := params[nciParamClockSelCfg]
	if !ok || len(sel) != 1 || sel[0] != p.param(chip) {
		return false
	}
	if p.Source == ClockSourcePLL {
		to, ok := params[nciParamClockTimeout]
		if !ok || len(to) != 1 || to[0] != p.Timeout {
			return false
		}
	}
	return true
}

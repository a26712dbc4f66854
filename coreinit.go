package hal

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	// MW EEPROM area, byte 12 flags a completed firmware download
	nciParamMWEEPROM          uint16 = 0xA00F
	mwEEPROMSize                     = 32
	mwEEPROMFwDownloadedIndex        = 12
	mwEEPROMRetries                  = 4

	// China Tianjin RF setting lives in bit 6 of A085
	nciParamTianjinRF uint16 = 0xA085
	tianjinRFBit             = 0x40
	tianjinRFRetries         = 4

	maxSWPSwitchTimeout = 60
)

// errResumeLast ends a recovery pass once the replayed reset or init has
// produced the response the stack is waiting for
var errResumeLast = errors.New("resumed at last command")

// CoreInitialized implements HAL.CoreInitialized. params is the recovery
// parameter block; a nil or zero block means a normal start.
func (s *Session) CoreInitialized(params []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isOpen() {
		return NewCallerMisuseError("core initialized while closed")
	}

	rp := parseRecoveryParams(params, s.opts.recoveryLayout)
	recovering := rp.Recovery()
	if recovering {
		s.logf(LogLevelWarning, "Core initialized in recovery mode %d", rp.Mode)
		s.setState(StateRecovering)
	}

	s.configOK.Store(true)
	s.rfRecoveryRuns = 0
	s.recFwDownload = false
	s.initRetries = 0

	err := retry(maxCoreInitTries, func(attempt int) error {
		if attempt > 0 {
			s.initRetries++
			s.logf(LogLevelWarning, "Retrying core initialization, try %d/%d", attempt+1, maxCoreInitTries)
		}
		err := s.coreInitSequence(rp, recovering || attempt > 0)
		if err != nil && !errors.Is(err, errResumeLast) {
			s.configAccess.Store(false)
			s.logf(LogLevelError, "Core initialization failed: %v", err)
		}
		return err
	})
	s.configAccess.Store(false)
	s.rfRecoveryRuns = 0
	s.recFwDownload = false

	if errors.Is(err, errResumeLast) {
		err = nil
	}
	if err != nil {
		s.logf(LogLevelError, "Core initialization gave up after %d retries: %v", s.initRetries, err)
		if !recovering {
			s.postEvent(EventPostInitComplete, EventStatusFailed)
		}
		return err
	}
	s.initRetries = 0
	s.setState(StateReady)

	if recovering {
		s.opts.recoveryLayout.clearMode(params)
		if rsp := s.corr.lastResponse(); rsp != nil {
			s.deliver(append([]byte(nil), rsp...))
		}
	} else {
		s.postEvent(EventPostInitComplete, EventStatusOK)
	}

	if !s.configOK.Load() {
		return NewConfigurationError("controller rejected configuration values")
	}
	if t, ok := s.cfg.(ModificationTracker); ok && t.Modified() {
		t.MarkApplied()
	}
	return nil
}

// coreInitSequence is one pass of the post-init configuration. reinit first
// resets and reinitializes the controller.
func (s *Session) coreInitSequence(rp RecoveryParams, reinit bool) error {
	s.configAccess.Store(false)

	if reinit {
		if err := s.t.Ioctl(IoctlResetDevice); err != nil {
			s.logf(LogLevelWarning, "Controller reset failed: %v", err)
		}
		if _, err := s.coreReset(); err != nil {
			return fmt.Errorf("CORE_RESET: %w", err)
		}
		if rp.Mode == recoveryModeResetLast {
			s.logf(LogLevelInfo, "Last command was CORE_RESET")
			return permanent(errResumeLast)
		}
		if err := s.coreInitVersion(); err != nil {
			return fmt.Errorf("CORE_INIT: %w", err)
		}
		if rp.Mode == recoveryModeInitLast {
			s.logf(LogLevelInfo, "Last command was CORE_INIT")
			return permanent(errResumeLast)
		}
	}

	s.setState(StateProprietaryConfig)
	if err := s.proprietaryConfig(); err != nil {
		return err
	}

	s.setState(StateRoutingAndPowerConfig)
	if err := s.routingAndPowerConfig(rp); err != nil {
		return err
	}

	if rp.Recovery() {
		return s.recoveryTail(rp)
	}
	return nil
}

func (s *Session) proprietaryConfig() error {
	s.configAccess.Store(true)
	if err := s.sendBlock(ConfActPropExtn); err != nil {
		return err
	}

	eeprom, err := s.getMWEEPROM()
	if err != nil {
		return err
	}
	if len(eeprom) > mwEEPROMFwDownloadedIndex && eeprom[mwEEPROMFwDownloadedIndex] != 0 {
		s.fwDownloaded = true
	}

	clockMismatch, err := s.checkClock()
	if err != nil {
		return fmt.Errorf("clock check: %w", err)
	}
	if configModified(s.cfg) || s.fwDownloaded || clockMismatch {
		s.setClock()
	}

	s.resetSessionIdentity()

	s.configAccess.Store(true)
	if err := s.sendBlock(ConfNFCProfileExtn); err != nil {
		return err
	}

	if configModified(s.cfg) || s.fwDownloaded {
		s.fwDownloaded = false
		if err := s.applyFullConfig(eeprom); err != nil {
			return err
		}
	}

	if err := s.sendBlock(ConfCoreStandby); err != nil {
		return err
	}
	return s.sendBlock(ConfCoreConf)
}

// applyFullConfig pushes the settings that only change with the config file
// or the firmware
func (s *Session) applyFullConfig(eeprom []byte) error {
	if s.chip.TVDDConfig {
		if err := s.applyTVDD(); err != nil {
			return err
		}
	}

	s.configAccess.Store(false)
	for i := 1; i <= 6; i++ {
		if err := s.sendRFBlock(ConfRFConfBlockPrefix + strconv.Itoa(i)); err != nil {
			return err
		}
	}

	s.configAccess.Store(true)
	if err := s.sendBlock(ConfCoreConfExtn); err != nil {
		return err
	}
	if err := s.sendBlock(ConfCoreMFCKeySetting); err != nil {
		return err
	}

	s.configAccess.Store(false)
	if err := s.sendRFBlock(ConfCoreRFField); err != nil {
		return err
	}
	s.configAccess.Store(true)

	if s.chip.SWPSwitchTimeout {
		if err := s.applySWPSwitchTimeout(); err != nil {
			return err
		}
	}
	if s.chip.TianjinRF {
		if err := s.applyTianjinRF(); err != nil {
			return permanent(fmt.Errorf("China Tianjin RF setting: %w", err))
		}
	}

	if err := s.setMWEEPROM(eeprom); err != nil {
		s.logf(LogLevelError, "Updating MW EEPROM failed: %v", err)
	}
	return nil
}

func (s *Session) applyTVDD() error {
	var name string
	switch n, _ := s.cfg.Number(ConfExtTVDDCfg); n {
	case 0:
		return nil
	case 1:
		name = ConfExtTVDDCfg1
	case 2:
		name = ConfExtTVDDCfg2
	case 3:
		name = ConfExtTVDDCfg3
	default:
		s.logf(LogLevelError, "Wrong %s value %d", ConfExtTVDDCfg, n)
		return nil
	}
	s.logf(LogLevelDebug, "Performing TVDD settings")
	return s.sendBlock(name)
}

// sendRFBlock applies an RF tuning block. INVALID_PARAM from a chip with RF
// recovery starts the recovery download before the retry.
func (s *Session) sendRFBlock(name string) error {
	blob, ok := configBytes(s.cfg, name)
	if !ok {
		return nil
	}
	s.logf(LogLevelDebug, "Performing %s", name)
	rsp, err := s.corr.send(blob)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	st := responseStatus(rsp)
	if st == StatusOK {
		return nil
	}
	if st == StatusInvalidParam && s.chip.RFRecovery {
		s.logf(LogLevelError, "%s refused with %s, starting RF recovery", name, st)
		if rerr := s.rfRecoverySequence(); rerr != nil {
			s.logf(LogLevelError, "RF recovery failed: %v", rerr)
		}
	}
	return NewStatusError(name, st)
}

func (s *Session) getMWEEPROM() ([]byte, error) {
	var area []byte
	err := retry(mwEEPROMRetries, func(int) error {
		s.latch.arm(&s.latch.eeprom)
		rsp, err := s.sendCommand(buildGetConfig(nciParamMWEEPROM))
		area = s.latch.take(&s.latch.eeprom)
		if err != nil {
			s.logf(LogLevelError, "Unable to get the MW EEPROM data: %v", err)
			return err
		}
		if area == nil && len(rsp) > mwEEPROMOffset {
			area = append([]byte(nil), rsp[mwEEPROMOffset:]...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("MW EEPROM: %w", err)
	}
	return area, nil
}

// setMWEEPROM writes the area back with the download flag cleared
func (s *Session) setMWEEPROM(area []byte) error {
	value := make([]byte, mwEEPROMSize)
	copy(value, area)
	value[mwEEPROMFwDownloadedIndex] = 0
	cmd := buildSetConfig(configParam{ID: nciParamMWEEPROM, Value: value})

	return retry(mwEEPROMRetries, func(int) error {
		_, err := s.sendCommand(cmd)
		return err
	})
}

// checkClock reads the clock configuration and reports whether it differs
// from the profile
func (s *Session) checkClock() (bool, error) {
	s.latch.arm(&s.latch.clock)
	rsp, err := s.sendCommand(buildGetClock())
	got := s.latch.take(&s.latch.clock)
	if err != nil {
		return false, err
	}
	if got == nil {
		got = rsp
	}
	return !s.clock.matches(s.chip, got), nil
}

// setClock applies the clock profile. A controller that keeps refusing is
// logged, not fatal.
func (s *Session) setClock() {
	cmd := s.clock.buildSetClock(s.chip)
	err := retry(clockSetRetries+1, func(int) error {
		_, err := s.sendCommand(cmd)
		if err != nil {
			s.logf(LogLevelError, "Set clock failed: %v", err)
		}
		return err
	})
	if err != nil {
		s.logf(LogLevelError, "Set clock failed after %d tries", clockSetRetries+1)
	}
}

// resetSessionIdentity forces the eSE to rerun its SWP initialization
func (s *Session) resetSessionIdentity() {
	cmd := []byte{
		0x20, 0x02, 0x17, 0x02,
		0xA0, 0xEA, 0x08, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // SWP_INT_SESSION_ID_CFG
		0xA0, 0xEB, 0x08, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, // eSE session id
	}
	if _, err := s.sendCommand(cmd); err != nil {
		s.logf(LogLevelError, "Reset eSE session identity failed: %v", err)
	}
}

func (s *Session) applySWPSwitchTimeout() error {
	secs, ok := s.cfg.Number(ConfSWPSwitchTimeout)
	if !ok {
		return nil
	}
	if secs > maxSWPSwitchTimeout {
		s.logf(LogLevelError, "SWP switch timeout %d out of range", secs)
		return nil
	}
	ms := uint16(secs * 1000)
	cmd := []byte{0x20, 0x02, 0x06, 0x01, 0xA0, 0xF3, 0x02, byte(ms), byte(ms >> 8)}
	if _, err := s.sendCommand(cmd); err != nil {
		return fmt.Errorf("SWP switch timeout: %w", err)
	}
	return nil
}

// applyTianjinRF toggles the China Tianjin RF bit to match the config
func (s *Session) applyTianjinRF() error {
	return retry(tianjinRFRetries, func(int) error {
		s.latch.arm(&s.latch.rfSetting)
		rsp, err := s.corr.send(buildGetConfig(nciParamTianjinRF))
		got := s.latch.take(&s.latch.rfSetting)
		if err != nil {
			s.logf(LogLevelError, "Unable to get the RF setting: %v", err)
			return err
		}
		if got == nil {
			got = rsp
		}
		if responseStatus(got) != StatusOK || len(got) < 12 {
			s.logf(LogLevelError, "GET_CONFIG for China Tianjin RF failed")
			return nil
		}

		want, ok := s.cfg.Number(ConfChinaTianjinRFEnabled)
		if !ok {
			return nil
		}
		value := got[10]
		switch {
		case value&tianjinRFBit == 0 && want == 1:
			value |= tianjinRFBit
		case value&tianjinRFBit != 0 && want == 0:
			value &^= tianjinRFBit
		default:
			return nil
		}

		// A0 85 len followed by the four setting bytes
		param := append([]byte(nil), got[5:12]...)
		param[5] = value
		cmd := append([]byte{0x20, 0x02, 0x08, 0x01}, param...)
		if _, err := s.sendCommand(cmd); err != nil {
			s.logf(LogLevelError, "Unable to set the RF setting: %v", err)
			return err
		}
		return nil
	})
}

func (s *Session) routingAndPowerConfig(rp RecoveryParams) error {
	s.configAccess.Store(false)

	if rp.Recovery() && len(rp.LastCmd) == 0 {
		// P2P listen mode routing
		p2pRouting := []byte{0x21, 0x01, 0x07, 0x00, 0x01, 0x01, 0x03, 0x00, 0x01, 0x05}
		if _, err := s.sendCommand(p2pRouting); err != nil {
			return fmt.Errorf("P2P listen mode routing: %w", err)
		}
	}

	if v, ok := s.cfg.Number(ConfSWPFullPowerOn); ok {
		cmd := []byte{0x20, 0x02, 0x05, 0x01, 0xA0, 0xF1, 0x01, 0x01}
		if v != 1 {
			cmd[7] = 0x00
		}
		if _, err := s.sendCommand(cmd); err != nil {
			return fmt.Errorf("SWP full power mode: %w", err)
		}
	}

	if v, ok := s.cfg.Number(ConfAIDMatchingPlatform); ok && (v == 1 || v == 2) {
		cmd := []byte{0x20, 0x02, 0x05, 0x01, 0xA0, 0x91, 0x01, 0x01}
		if v == 2 {
			cmd[7] = 0x00
		}
		if _, err := s.sendCommand(cmd); err != nil {
			return fmt.Errorf("AID matching platform: %w", err)
		}
	}

	if err := s.ee.applyDefaults(sessionChannel{s}); err != nil {
		return fmt.Errorf("listen mode routing defaults: %w", err)
	}
	return nil
}

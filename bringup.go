package hal

import (
	"fmt"
)

const (
	// power cycles before open gives up
	maxPowerCycles = 3

	// CORE_SET_CONFIG for I2C fragmentation
	nciParamI2CFragmentation uint16 = 0xA005
	i2cFragmentationOn       uint8  = 0x10
	i2cFragmentationOff      uint8  = 0x00
)

// Open implements HAL.Open
func (s *Session) Open(stack StackCallback, data DataCallback) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isOpen() {
		s.logf(LogLevelInfo, "Already open")
		return nil
	}
	s.logf(LogLevelInfo, "Opening %s", s.chip)

	s.setCallbacks(stack, data)
	s.resetSessionState()
	s.startEvents()

	if err := s.t.Init(); err != nil {
		s.logf(LogLevelError, "Transport init failed: %v", err)
		s.failOpen(err)
		return err
	}

	s.stateMu.Lock()
	s.open = true
	s.stateMu.Unlock()
	s.startReader()

	if err := s.bringUp(); err != nil {
		s.logf(LogLevelError, "Open failed: %v", err)
		s.failOpen(err)
		return err
	}

	s.stateMu.Lock()
	s.openCompleted = true
	s.stateMu.Unlock()
	s.setState(StateOpened)
	s.ee.start()

	s.logf(LogLevelInfo, "Opened, NCI %X, firmware %06X", s.getNCIVersion(), s.FirmwareVersion())
	s.postEvent(EventOpenComplete, EventStatusOK)
	return nil
}

func (s *Session) resetSessionState() {
	s.stateMu.Lock()
	s.openCompleted = false
	s.nciVersion = nciVersionUnknown
	s.info = initInfo{}
	s.mfr = manufacturerInfo{}
	s.fwReported = 0
	s.fwExpected = 0
	s.stateMu.Unlock()

	s.clock = loadClockProfile(s.cfg, s.logCallback)
	s.initRetries = 0
	s.rfRecoveryRuns = 0
	s.recFwDownload = false
	s.fwDownloaded = false
	s.configAccess.Store(false)
	s.configOK.Store(true)
	s.recovering.Store(false)
	s.corr.reset()

	s.discoverMu.Lock()
	s.lastDiscover = nil
	s.discoverMu.Unlock()
}

// failOpen reports the failure and leaves nothing running
func (s *Session) failOpen(err error) {
	s.postEvent(EventOpenComplete, EventStatusFailed)
	s.teardown()
}

// bringUp drives Resetting through FirmwareDownload
func (s *Session) bringUp() error {
	forced := false
	if err := s.resetAndInit(); err != nil {
		if !IsRetriesExhaustedError(err) {
			return err
		}
		s.logf(LogLevelError, "Controller not responding, forcing firmware download")
		forced = true
	}

	if !forced {
		if err := s.configureFragmentation(); err != nil {
			return err
		}
	}
	return s.firmwareStage(forced)
}

// resetAndInit runs CORE_RESET and CORE_INIT, power cycling the controller
// between failed attempts
func (s *Session) resetAndInit() error {
	return retry(maxPowerCycles+1, func(attempt int) error {
		if attempt > 0 {
			s.logf(LogLevelWarning, "Power cycling controller, try %d/%d", attempt, maxPowerCycles)
			if err := s.t.Ioctl(IoctlResetDevice); err != nil {
				s.logf(LogLevelError, "Controller reset failed: %v", err)
			}
		}
		err := s.resetAndInitOnce()
		if IsRetriesExhaustedError(err) || IsTransportAbortedError(err) {
			return permanent(err)
		}
		if err != nil {
			s.logf(LogLevelError, "Reset/init failed: %v", err)
		}
		return err
	})
}

func (s *Session) resetAndInitOnce() error {
	s.setState(StateResetting)
	version, err := s.coreReset()
	if err != nil {
		return err
	}
	s.setState(StateInitializing)
	return s.coreInit(version)
}

// coreReset sends CORE_RESET and returns the NCI version the controller
// reports. NCI 2.0 controllers report it in CORE_RESET_NTF.
func (s *Session) coreReset() (uint8, error) {
	rsp, ntf, err := s.corr.sendAwait(buildCoreReset(), nciGroupCore, nciCoreReset, func(rsp []byte) bool {
		return len(rsp) >= 4 && rsp[2] == 1 && responseStatus(rsp) == StatusOK
	})
	if err != nil {
		return nciVersionUnknown, err
	}
	if st := responseStatus(rsp); st != StatusOK {
		return nciVersionUnknown, NewStatusError("CORE_RESET", st)
	}

	version, _, err := parseCoreResetRsp(rsp)
	if err != nil {
		return nciVersionUnknown, err
	}
	if ntf != nil {
		v, mfr, err := parseCoreResetNtf(ntf)
		if err != nil {
			return nciVersionUnknown, err
		}
		version = v
		s.stateMu.Lock()
		s.mfr = mfr
		s.fwReported = mfr.FirmwareVersion()
		s.stateMu.Unlock()
	}
	s.logf(LogLevelDebug, "CORE_RESET: NCI version %02X", version)
	return version, nil
}

// coreInit sends CORE_INIT 2.0 unless the reset already reported NCI 1.x.
// A refused 2.0 init is corrected once: reset again, then the 1.x variant.
func (s *Session) coreInit(version uint8) error {
	attempt := nciVersion2_0
	if version != nciVersionUnknown && version != nciVersion2_0 {
		attempt = version
	}
	rsp, err := s.corr.send(buildCoreInit(attempt))
	if err != nil {
		return err
	}

	if st := responseStatus(rsp); st != StatusOK {
		if attempt != nciVersion2_0 {
			return NewStatusError("CORE_INIT", st)
		}
		s.logf(LogLevelInfo, "CORE_INIT 2.0 refused (%s), reinitializing as NCI 1.x", st)
		s.setState(StateResetting)
		v, err := s.coreReset()
		if err != nil {
			return err
		}
		attempt = v
		if attempt == nciVersionUnknown || attempt == nciVersion2_0 {
			attempt = nciVersion1_0
		}
		s.setState(StateInitializing)
		if rsp, err = s.sendCommand(buildCoreInit(attempt)); err != nil {
			return err
		}
	}

	info, err := parseCoreInitRsp(rsp, attempt)
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	s.nciVersion = attempt
	s.info = info
	if info.HasManufacturer {
		s.mfr = info.Manufacturer
		s.fwReported = info.Manufacturer.FirmwareVersion()
	}
	s.stateMu.Unlock()
	return nil
}

// coreInitVersion reinitializes with the version negotiated at open
func (s *Session) coreInitVersion() error {
	_, err := s.sendCommand(buildCoreInit(s.getNCIVersion()))
	return err
}

// configureFragmentation aligns the controller's I2C fragmentation setting
// with NXP_I2C_FRAGMENTATION_ENABLED
func (s *Session) configureFragmentation() error {
	want := configNumber(s.cfg, ConfI2CFragmentationEnabled, 0) == 1
	if f, ok := s.t.(Fragmenter); ok {
		f.SetFragmentation(want)
	}

	rsp, err := s.sendCommand(buildGetConfig(nciParamI2CFragmentation))
	if err != nil {
		s.logf(LogLevelWarning, "Reading I2C fragmentation failed: %v", err)
		return nil
	}
	current := len(rsp) > 8 && rsp[8] == i2cFragmentationOn
	if current == want {
		return nil
	}

	value := i2cFragmentationOff
	if want {
		value = i2cFragmentationOn
	}
	s.logf(LogLevelInfo, "Setting I2C fragmentation to %v", want)
	if _, err := s.sendCommand(buildSetConfig(configParam{ID: nciParamI2CFragmentation, Value: []byte{value}})); err != nil {
		return err
	}
	if err := s.resetAndInitOnce(); err != nil {
		return err
	}
	s.postEvent(EventEnableI2CFragmentation, EventStatusOK)
	return nil
}

// firmwareStage runs VersionCheck, FirmwareDecision and FirmwareDownload.
// On the forced path nothing short of a successful download will do.
func (s *Session) firmwareStage(forced bool) error {
	s.setState(StateVersionCheck)

	d := s.opts.downloader
	if d == nil {
		if forced {
			return NewFirmwareDownloadError("controller unresponsive and no firmware downloader configured", nil)
		}
		s.logf(LogLevelDebug, "No firmware downloader configured, skipping version check")
		return nil
	}

	image, err := d.ImageVersion()
	if err != nil {
		if forced {
			return NewFirmwareDownloadError("reading image version", err)
		}
		s.logf(LogLevelWarning, "Reading image version failed: %v", err)
		return nil
	}

	s.stateMu.Lock()
	s.fwExpected = image
	reported := s.fwReported
	rom := s.mfr.ROMVersion
	s.stateMu.Unlock()

	s.logf(LogLevelInfo, "Firmware on controller %06X, image %04X", reported, image)
	if !forced && firmwareUpToDate(reported, image) {
		return nil
	}

	s.setState(StateFirmwareDecision)
	allow, reason := firmwareGate(gateInput{
		chip:       s.chip,
		image:      image,
		rom:        rom,
		nciVersion: s.getNCIVersion(),
		override:   configNumber(s.cfg, ConfFWProtectionOverride, 0) == 1,
		rfRecovery: s.recFwDownload,
		reported:   reported,
	})
	if !allow {
		s.logf(LogLevelWarning, "Firmware download refused: %s", reason)
		if forced {
			return NewFirmwareNotAllowedError(reason)
		}
		return nil
	}
	s.logf(LogLevelInfo, "Firmware download allowed: %s", reason)

	s.setState(StateFirmwareDownload)
	if err := s.downloadFirmware(); err != nil {
		s.logf(LogLevelError, "Firmware download failed: %v", err)
		if forced {
			return NewFirmwareDownloadError("forced download failed", err)
		}
		if rerr := s.resetAndInitOnce(); rerr != nil {
			return NewFirmwareDownloadError("controller unusable after failed download", rerr)
		}
		mfr := s.manufacturer()
		if !middlewareCompatible(s.chip, mfr) {
			return NewFirmwareMismatchError(fmt.Sprintf("resident firmware %02X.%02X (rom %02X) does not match middleware",
				mfr.FWMajor, mfr.FWMinor, mfr.ROMVersion))
		}
		s.logf(LogLevelWarning, "Continuing with resident firmware")
		return nil
	}

	return s.resetAndInit()
}

// downloadFirmware pauses the read loop and hands the transport to the
// downloader
func (s *Session) downloadFirmware() error {
	s.stopReader()
	defer s.startReader()

	if err := s.t.Ioctl(IoctlEnableDownloadMode); err != nil {
		return err
	}
	err := s.opts.downloader.Download(s.t, s.clock)
	if rerr := s.t.Ioctl(IoctlResetDevice); rerr != nil && err == nil {
		err = rerr
	}
	if err == nil {
		s.logf(LogLevelInfo, "Firmware download complete")
	}
	return err
}

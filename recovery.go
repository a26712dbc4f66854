package hal

import (
	"fmt"
)

// Recovery modes carried in the first byte of the CoreInitialized parameters
const (
	recoveryModeNone      uint8 = 0x00
	recoveryModeResetLast uint8 = 0x02 // last command was CORE_RESET
	recoveryModeInitLast  uint8 = 0x03 // last command was CORE_INIT
	recoveryModeMax       uint8 = 0x03

	rfStateIdle      uint8 = 0x00
	rfStateDiscovery uint8 = 0x01

	maxRFRecoveryRuns = 3
	maxCoreInitTries  = 4
)

// RecoveryLayout locates the fields of the recovery parameter block handed to
// CoreInitialized. The block is produced by the upper stack and its layout
// depends on the stack version.
type RecoveryLayout struct {
	Name         string
	Mode         int
	RFState      int
	DiscoveryLen int
	Discovery    int
	LastCmdLen   int
	LastCmd      int
}

// RecoveryLayoutV1 is the layout used by stacks that reserve 32 bytes for the
// discovery command
var RecoveryLayoutV1 = RecoveryLayout{
	Name:         "v1",
	Mode:         0,
	RFState:      1,
	DiscoveryLen: 2,
	Discovery:    3,
	LastCmdLen:   35,
	LastCmd:      36,
}

// RecoveryParams is the decoded recovery parameter block
type RecoveryParams struct {
	Mode      uint8
	RFState   uint8
	Discovery []byte
	LastCmd   []byte
}

// parseRecoveryParams decodes buf with layout l. Fields that fall outside buf
// are left empty.
func parseRecoveryParams(buf []byte, l RecoveryLayout) RecoveryParams {
	var p RecoveryParams
	at := func(i int) (uint8, bool) {
		if i < 0 || i >= len(buf) {
			return 0, false
		}
		return buf[i], true
	}
	slice := func(lenAt, from int) []byte {
		n, ok := at(lenAt)
		if !ok || n == 0 || from < 0 || from+int(n) > len(buf) {
			return nil
		}
		return append([]byte(nil), buf[from:from+int(n)]...)
	}

	p.Mode, _ = at(l.Mode)
	p.RFState, _ = at(l.RFState)
	p.Discovery = slice(l.DiscoveryLen, l.Discovery)
	p.LastCmd = slice(l.LastCmdLen, l.LastCmd)
	return p
}

// Recovery reports whether the upper stack is resuming after a crash
func (p RecoveryParams) Recovery() bool {
	return p.Mode > recoveryModeNone && p.Mode <= recoveryModeMax
}

// replayLast reports whether the last command must be sent again. A discover
// while discovery is active, or a deactivate to idle while idle, is already
// in effect.
func (p RecoveryParams) replayLast() bool {
	if len(p.LastCmd) < nciHeaderSize {
		return false
	}
	if isPacket(p.LastCmd, nciMsgTypeCommand, nciGroupRF, nciRFDiscoverOID) && p.RFState == rfStateDiscovery {
		return false
	}
	if isPacket(p.LastCmd, nciMsgTypeCommand, nciGroupRF, nciRFDeactivateOID) &&
		len(p.LastCmd) > 3 && p.LastCmd[3] == 0x00 && p.RFState == rfStateIdle {
		return false
	}
	return true
}

// clearMode marks the block as consumed for the upper stack
func (l RecoveryLayout) clearMode(buf []byte) {
	if l.Mode >= 0 && l.Mode < len(buf) {
		buf[l.Mode] = recoveryModeNone
	}
}

// recoveryTail restores the NFCEE connection, screen state, discovery and
// last command after the upper stack crashed mid-session
func (s *Session) recoveryTail(p RecoveryParams) error {
	s.logf(LogLevelInfo, "Restoring session, RF state %d", p.RFState)

	// DH to NFCC loopback connection
	connCreate := []byte{0x20, 0x04, 0x06, 0x03, 0x01, 0x01, 0x02, 0x01, 0x01}
	if _, err := s.sendCommand(connCreate); err != nil {
		return fmt.Errorf("core connection create: %w", err)
	}

	modeSetOn := []byte{0x22, 0x01, 0x02, 0x01, 0x01}
	if _, err := s.sendCommand(modeSetOn); err != nil {
		return fmt.Errorf("NFCC mode set: %w", err)
	}

	uiccSelect := []byte{0x22, 0x01, 0x02, 0x02, 0x01}
	if _, err := s.sendCommand(uiccSelect); err != nil {
		return fmt.Errorf("UICC select: %w", err)
	}

	screenState := []byte{0x2F, 0x15, 0x01, 0x01} // Screen off
	if p.RFState == rfStateDiscovery {
		screenState[3] = 0x00 // Screen on
	}
	if _, err := s.sendCommand(screenState); err != nil {
		return fmt.Errorf("screen state: %w", err)
	}

	if p.RFState == rfStateDiscovery {
		if len(p.Discovery) < nciHeaderSize {
			return NewInvalidParameterError("discovery active but no discovery command")
		}
		if _, err := s.sendCommand(p.Discovery); err != nil {
			return fmt.Errorf("discovery replay: %w", err)
		}
	}

	if !p.replayLast() {
		return nil
	}
	s.logf(LogLevelInfo, "Replaying last command %X", p.LastCmd)
	if _, err := s.corr.send(p.LastCmd); err != nil {
		return fmt.Errorf("last command replay: %w", err)
	}
	return nil
}

// rfRecoverySequence handles an RF block refused with INVALID_PARAM: the
// controller gets an interim firmware that moves its major number, and the
// caller retries so the real image is flashed next
func (s *Session) rfRecoverySequence() error {
	s.rfRecoveryRuns++
	if s.rfRecoveryRuns > maxRFRecoveryRuns {
		s.recFwDownload = false
		return NewFirmwareDownloadError(fmt.Sprintf("RF recovery gave up after %d runs", maxRFRecoveryRuns), nil)
	}
	prev := s.GetState()
	s.setState(StateRecovering)
	defer s.setState(prev)

	d := s.opts.downloader
	if d == nil {
		return NewFirmwareDownloadError("RF recovery needs a firmware downloader", nil)
	}

	var err error
	for _, rf := range []bool{true, false} {
		s.recFwDownload = rf
		if rerr := s.t.Ioctl(IoctlResetDevice); rerr != nil {
			s.logf(LogLevelWarning, "Controller reset failed: %v", rerr)
		}

		image, ierr := d.ImageVersion()
		if ierr != nil {
			err = NewFirmwareDownloadError("reading image version", ierr)
			continue
		}
		allow, reason := firmwareGate(gateInput{
			chip:       s.chip,
			image:      image,
			rom:        s.manufacturer().ROMVersion,
			nciVersion: s.getNCIVersion(),
			override:   configNumber(s.cfg, ConfFWProtectionOverride, 0) == 1,
			rfRecovery: s.recFwDownload,
			reported:   s.FirmwareVersion(),
		})
		if !allow {
			err = NewFirmwareNotAllowedError(reason)
			continue
		}

		s.logf(LogLevelWarning, "RF recovery run %d/%d: %s", s.rfRecoveryRuns, maxRFRecoveryRuns, reason)
		err = s.downloadFirmware()
		if err == nil {
			s.fwDownloaded = true
		}
		break
	}
	s.recFwDownload = false
	return err
}

// coreResetRecovery brings the controller back after an unsolicited
// CORE_RESET_NTF and restarts the discovery the stack had running
func (s *Session) coreResetRecovery(cause error) {
	defer s.recovering.Store(false)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.isOpenCompleted() {
		return
	}
	// the reset dropped whatever the stack had outstanding
	s.corr.clearUpper()

	discover := s.cachedDiscover()
	if len(discover) == 0 {
		s.logf(LogLevelError, "Core reset recovery: no discovery command to replay")
		s.postEvent(EventError, EventStatusFailed)
		return
	}

	prev := s.GetState()
	s.setState(StateRecovering)
	err := retry(maxCoreInitTries, func(attempt int) error {
		if err := s.t.Ioctl(IoctlResetDevice); err != nil {
			return permanent(err)
		}
		if _, err := s.coreReset(); err != nil {
			s.logf(LogLevelError, "Core reset recovery: CORE_RESET failed: %v", err)
			return err
		}
		if err := s.coreInitVersion(); err != nil {
			s.logf(LogLevelError, "Core reset recovery: CORE_INIT failed: %v", err)
			return err
		}
		if _, err := s.sendCommand(discover); err != nil {
			s.logf(LogLevelError, "Core reset recovery: discovery failed: %v", err)
			return err
		}
		return nil
	})
	if err != nil {
		s.logf(LogLevelError, "Core reset recovery after %v failed: %v", cause, err)
		s.setState(prev)
		s.postEvent(EventError, EventStatusErrTransport)
		return
	}
	s.logf(LogLevelInfo, "Core reset recovery complete")
	s.setState(prev)
}

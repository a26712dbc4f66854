package hal

import (
	"fmt"
	"sync"
	"time"
)

// pause before reissuing a read after a transport error
const readErrorPause = 10 * time.Millisecond

// latch captures the response to one outstanding proprietary query
type latch struct {
	armed bool
	data  []byte
}

// latches are filled in by the read loop for clock, RF setting and MW EEPROM
// queries
type latches struct {
	mu        sync.Mutex
	clock     latch
	rfSetting latch
	eeprom    latch
}

// mwEEPROMOffset is where the EEPROM area starts in a GET_CONFIG response
const mwEEPROMOffset = 8

func (l *latches) arm(which *latch) {
	l.mu.Lock()
	which.armed = true
	which.data = nil
	l.mu.Unlock()
}

func (l *latches) take(which *latch) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	which.armed = false
	return which.data
}

// capture stores a GET_CONFIG response in every armed latch
func (l *latches) capture(pkt []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clock.armed {
		l.clock.data = append([]byte(nil), pkt...)
		l.clock.armed = false
	}
	if l.rfSetting.armed {
		l.rfSetting.data = append([]byte(nil), pkt...)
		l.rfSetting.armed = false
	}
	if l.eeprom.armed && len(pkt) > mwEEPROMOffset {
		l.eeprom.data = append([]byte(nil), pkt[mwEEPROMOffset:]...)
		l.eeprom.armed = false
	}
}

// startReader starts the read loop. Exactly one transport read is in flight
// while it runs.
func (s *Session) startReader() {
	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	if s.readerStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.readerStop = stop
	s.readerDone = done
	go s.readLoop(stop, done)
}

// stopReader ends the read loop and waits for it to exit
func (s *Session) stopReader() {
	s.readerMu.Lock()
	stop, done := s.readerStop, s.readerDone
	s.readerStop = nil
	s.readerDone = nil
	s.readerMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.t.ReadAbort()
	<-done
	s.t.ClearAbort()
}

func (s *Session) readLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, nciMaxPacketSize)

	s.logf(LogLevelDebug, "Read loop started")
	for {
		select {
		case <-stop:
			s.logf(LogLevelDebug, "Read loop stopped")
			return
		default:
		}

		n, err := s.t.Read(buf)
		if err != nil {
			if IsTransportAbortedError(err) {
				continue
			}
			s.logf(LogLevelWarning, "Read failed: %v", err)
			select {
			case <-stop:
			case <-time.After(readErrorPause):
			}
			continue
		}
		if n < nciHeaderSize {
			continue
		}

		pkt := append([]byte(nil), buf[:n]...)
		s.dispatch(pkt)
	}
}

// dispatch classifies one received packet. It never sends a command.
func (s *Session) dispatch(pkt []byte) {
	s.logNCI(pkt, "RX")
	s.inspectResponse(pkt)

	if s.corr.resolve(pkt) {
		return
	}
	if s.corr.resolveNotification(pkt) {
		return
	}
	s.corr.releaseUpper(pkt)

	if isPacket(pkt, nciMsgTypeNotification, nciGroupCore, nciCoreReset) &&
		s.chip.CoreResetRecovery && s.isOpenCompleted() {
		if s.recovering.CompareAndSwap(false, true) {
			cause := NewNCIUnexpectedResetError(fmt.Sprintf("CORE_RESET_NTF %X", pkt))
			s.logf(LogLevelError, "%v, recovering", cause)
			go s.coreResetRecovery(cause)
		}
		return
	}

	s.ee.observe(pkt)

	// Packets during bring-up go upstream as soon as the stack can take them
	if s.isOpen() && s.dataCallback() != nil {
		s.deliver(pkt)
	}
}

// inspectResponse logs config status, feeds the query latches and tracks
// whether the controller accepted configuration values
func (s *Session) inspectResponse(pkt []byte) {
	if packetMT(pkt) != nciMsgTypeResponse || len(pkt) < 4 {
		return
	}
	st := Status(pkt[3])

	if packetGID(pkt) == nciGroupCore {
		switch packetOID(pkt) {
		case nciCoreSetConfig:
			s.logf(LogLevelDebug, "Set config response: %s", st)
		case nciCoreGetConfig:
			s.logf(LogLevelDebug, "Get config response: %s", st)
			s.latch.capture(pkt)
		}
	}

	if s.configAccess.Load() && st != StatusOK {
		s.logf(LogLevelError, "Invalid data from config: %s", st)
		s.configOK.Store(false)
	}
}

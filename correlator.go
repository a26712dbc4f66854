package hal

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// responseSlot is the single pending command slot
type responseSlot struct {
	gid       uint8
	oid       uint8
	ch        chan []byte
	delivered bool
}

// notificationSlot is armed while a notification is awaited
type notificationSlot struct {
	gid uint8
	oid uint8
	ch  chan []byte
}

// upperCommand is an upper-layer command whose response has not been
// forwarded yet
type upperCommand struct {
	gid  uint8
	done chan struct{}
}

// correlator pairs HAL-internal commands with their responses. At most one
// command is outstanding; the read loop resolves it.
type correlator struct {
	t           Transport
	logCallback LogCallback
	debug       bool
	timeout     time.Duration
	backoff     time.Duration
	maxRetries  int

	// onReset runs after retries were exhausted and the controller was reset
	onReset func(cause error)

	mu     sync.Mutex
	rsp    *responseSlot
	ntf    *notificationSlot
	upper  *upperCommand
	lastRx []byte

	writeMu sync.Mutex
}

func newCorrelator(t Transport, o options) *correlator {
	return &correlator{
		t:           t,
		logCallback: o.logCallback,
		debug:       o.debug,
		timeout:     o.responseTimeout,
		backoff:     o.retryBackoff,
		maxRetries:  o.maxSendRetries,
	}
}

func (c *correlator) logNCI(buf []byte, direction string) {
	if !c.debug || c.logCallback == nil {
		return
	}
	c.logCallback(LogLevelDebug, fmt.Sprintf("NCI %s: %s", direction, hex.EncodeToString(buf)))
}

// arm claims the response slot before anything is written
func (c *correlator) arm(cmd []byte) (*responseSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rsp != nil {
		return nil, NewCallerMisuseError(fmt.Sprintf("command %02X%02X issued while %02X%02X is outstanding",
			cmd[0], cmd[1], c.rsp.gid|0x20, c.rsp.oid))
	}
	c.rsp = &responseSlot{gid: packetGID(cmd), oid: packetOID(cmd), ch: make(chan []byte, 1)}
	return c.rsp, nil
}

func (c *correlator) disarm(slot *responseSlot) {
	c.mu.Lock()
	if c.rsp == slot {
		c.rsp = nil
	}
	c.mu.Unlock()
}

func (c *correlator) armNotification(gid, oid uint8) *notificationSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ntf = &notificationSlot{gid: gid, oid: oid, ch: make(chan []byte, 1)}
	return c.ntf
}

func (c *correlator) disarmNotification(slot *notificationSlot) {
	c.mu.Lock()
	if c.ntf == slot {
		c.ntf = nil
	}
	c.mu.Unlock()
}

// busy reports whether a command is outstanding
func (c *correlator) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rsp != nil
}

// rearm reopens the slot for a retry. A late response to the previous
// attempt still answers the command.
func (c *correlator) rearm(slot *responseSlot) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case rsp := <-slot.ch:
		return rsp, true
	default:
	}
	slot.delivered = false
	return nil, false
}

// resolve hands a response of the pending command's group to its waiter
func (c *correlator) resolve(pkt []byte) bool {
	if packetMT(pkt) != nciMsgTypeResponse {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rsp == nil || c.rsp.delivered || c.rsp.gid != packetGID(pkt) {
		return false
	}
	c.rsp.delivered = true
	c.lastRx = pkt
	c.rsp.ch <- pkt
	return true
}

// resolveNotification hands an awaited notification to its waiter and
// clears the awaiting flag
func (c *correlator) resolveNotification(pkt []byte) bool {
	if packetMT(pkt) != nciMsgTypeNotification {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ntf == nil || c.ntf.gid != packetGID(pkt) || c.ntf.oid != packetOID(pkt) {
		return false
	}
	c.ntf.ch <- pkt
	c.ntf = nil
	return true
}

// markUpper records an upper-layer command. Its response goes upstream and
// internal commands of any group wait for it.
func (c *correlator) markUpper(p []byte) {
	if packetMT(p) != nciMsgTypeCommand {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upper != nil {
		close(c.upper.done)
	}
	c.upper = &upperCommand{gid: packetGID(p), done: make(chan struct{})}
}

func (c *correlator) clearUpper() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upper != nil {
		close(c.upper.done)
		c.upper = nil
	}
}

// releaseUpper clears the upper-layer command answered by pkt
func (c *correlator) releaseUpper(pkt []byte) {
	if packetMT(pkt) != nciMsgTypeResponse {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upper != nil && c.upper.gid == packetGID(pkt) {
		close(c.upper.done)
		c.upper = nil
	}
}

// waitUpper blocks until the upper-layer command is answered, at most one
// response timeout
func (c *correlator) waitUpper() {
	c.mu.Lock()
	u := c.upper
	c.mu.Unlock()
	if u == nil {
		return
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-u.done:
		return
	case <-timer.C:
	}
	if c.logCallback != nil {
		c.logCallback(LogLevelWarning, fmt.Sprintf("Upper-layer command in group %X unanswered after %v, proceeding", u.gid, c.timeout))
	}
	c.mu.Lock()
	if c.upper == u {
		close(u.done)
		c.upper = nil
	}
	c.mu.Unlock()
}

// reset forgets everything a previous session left behind
func (c *correlator) reset() {
	c.clearUpper()
	c.mu.Lock()
	c.lastRx = nil
	c.mu.Unlock()
}

// lastResponse returns the most recent resolved response
func (c *correlator) lastResponse() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRx
}

func (c *correlator) writePacket(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.logNCI(p, "TX")
	n, err := c.t.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return NewI2CWriteError(fmt.Sprintf("incomplete write: %d != %d", n, len(p)), nil)
	}
	return nil
}

// send writes cmd and waits for its response. The status octet is not
// judged here. Write failures and timeouts are retried; once retries are
// exhausted the controller is reset.
func (c *correlator) send(cmd []byte) ([]byte, error) {
	if len(cmd) < nciHeaderSize || len(cmd) > nciMaxPacketSize {
		return nil, NewInvalidParameterError(fmt.Sprintf("invalid command length %d", len(cmd)))
	}
	c.waitUpper()
	slot, err := c.arm(cmd)
	if err != nil {
		return nil, err
	}
	defer c.disarm(slot)
	return c.exchange(cmd, slot)
}

func (c *correlator) exchange(cmd []byte, slot *responseSlot) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			if rsp, ok := c.rearm(slot); ok {
				return rsp, nil
			}
			if c.logCallback != nil {
				c.logCallback(LogLevelWarning, fmt.Sprintf("Retrying command %02X%02X, try %d/%d: %v",
					cmd[0], cmd[1], attempt, c.maxRetries, lastErr))
			}
			time.Sleep(c.backoff)
		}

		if err := c.writePacket(cmd); err != nil {
			if IsTransportAbortedError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		timer := time.NewTimer(c.timeout)
		select {
		case rsp := <-slot.ch:
			timer.Stop()
			return rsp, nil
		case <-timer.C:
			lastErr = NewResponseTimeoutError(fmt.Sprintf("no response to %02X%02X within %v", cmd[0], cmd[1], c.timeout))
		}
	}
	return nil, c.escalate(lastErr)
}

// sendAwait is send with a notification armed before the write. When need
// reports that the response announces a notification, it is awaited too.
func (c *correlator) sendAwait(cmd []byte, gid, oid uint8, need func(rsp []byte) bool) ([]byte, []byte, error) {
	if len(cmd) < nciHeaderSize || len(cmd) > nciMaxPacketSize {
		return nil, nil, NewInvalidParameterError(fmt.Sprintf("invalid command length %d", len(cmd)))
	}
	c.waitUpper()
	slot, err := c.arm(cmd)
	if err != nil {
		return nil, nil, err
	}
	defer c.disarm(slot)

	ntfSlot := c.armNotification(gid, oid)
	defer c.disarmNotification(ntfSlot)

	rsp, err := c.exchange(cmd, slot)
	if err != nil {
		return nil, nil, err
	}
	if !need(rsp) {
		return rsp, nil, nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case ntf := <-ntfSlot.ch:
		return rsp, ntf, nil
	case <-timer.C:
		return rsp, nil, NewResponseTimeoutError(fmt.Sprintf("no notification %02X%02X within %v", gid|0x60, oid, c.timeout))
	}
}

// write is the upper-layer pass-through: same retry and escalation, the
// response travels upstream
func (c *correlator) write(p []byte) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			if c.logCallback != nil {
				c.logCallback(LogLevelWarning, fmt.Sprintf("Retrying write, try %d/%d: %v", attempt, c.maxRetries, lastErr))
			}
			time.Sleep(c.backoff)
		}
		err := c.writePacket(p)
		if err == nil {
			return nil
		}
		if IsTransportAbortedError(err) {
			return err
		}
		lastErr = err
	}
	return c.escalate(lastErr)
}

// escalate resets the controller after retries ran out
func (c *correlator) escalate(cause error) error {
	if c.logCallback != nil {
		c.logCallback(LogLevelError, fmt.Sprintf("Command failed after %d attempts: %v, resetting controller", c.maxRetries, cause))
	}
	if err := c.t.Ioctl(IoctlResetDevice); err != nil {
		if c.logCallback != nil {
			c.logCallback(LogLevelError, fmt.Sprintf("Controller reset failed: %v", err))
		}
	} else if c.onReset != nil {
		c.onReset(cause)
	}
	return NewRetriesExhaustedError(c.maxRetries, cause)
}

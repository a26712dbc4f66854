package hal

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EEHandle identifies an execution environment. The host (DH) is 0x0400.
type EEHandle uint16

const (
	eeHandleGroup EEHandle = 0x0400
	DHHandle      EEHandle = eeHandleGroup | EEHandle(dhID)

	dhID uint8 = 0x00
)

func (h EEHandle) id() uint8 {
	return uint8(h & 0xFF)
}

func handleOf(id uint8) EEHandle {
	return eeHandleGroup | EEHandle(id)
}

func (h EEHandle) String() string {
	return fmt.Sprintf("0x%04X", uint16(h))
}

// EEStatus is the NFCEE state reported by discovery and mode set
type EEStatus uint8

const (
	EEStatusActive EEStatus = iota
	EEStatusInactive
	EEStatusRemoved
)

func (s EEStatus) String() string {
	switch s {
	case EEStatusActive:
		return "Active"
	case EEStatusInactive:
		return "Inactive"
	case EEStatusRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Technologies as used in routing masks
const (
	TechA uint8 = 0x01
	TechB uint8 = 0x02
	TechF uint8 = 0x04

	techAll uint8 = TechA | TechB | TechF
)

// Protocols as used in routing masks
const (
	ProtoT1T    uint8 = 0x01
	ProtoT2T    uint8 = 0x02
	ProtoT3T    uint8 = 0x04
	ProtoISODEP uint8 = 0x08
	ProtoNFCDEP uint8 = 0x10

	protoAll uint8 = ProtoT1T | ProtoT2T | ProtoT3T | ProtoISODEP | ProtoNFCDEP
)

// Power state bits carried in routing entries
const (
	PowerSwitchOn        uint8 = 0x01
	PowerSwitchOff       uint8 = 0x02
	PowerBatteryOff      uint8 = 0x04
	PowerScreenOffUnlock uint8 = 0x08
	PowerScreenOnLock    uint8 = 0x10
	PowerScreenOffLock   uint8 = 0x20
)

// AID entry info bits
const (
	AIDInfoPrefix         uint8 = 0x10
	AIDInfoSubset         uint8 = 0x20
	AIDInfoVendorSpecific uint8 = 0x40 // kept in the model, never routed

	aidQualifierMask = AIDInfoPrefix | AIDInfoSubset
)

const (
	aidMinLen     = 5
	aidMaxLen     = 16
	maxAIDEntries = 50

	routeBlocked uint8 = 0x40

	eeModeDisable uint8 = 0x00
	eeModeEnable  uint8 = 0x01
)

// RoutingMasks selects, per power state, which technologies or protocols are
// routed to an execution environment
type RoutingMasks struct {
	SwitchOn      uint8
	SwitchOff     uint8
	BatteryOff    uint8
	ScreenLock    uint8
	ScreenOff     uint8
	ScreenOffLock uint8
}

func (m *RoutingMasks) clear(bits uint8) {
	m.SwitchOn &^= bits
	m.SwitchOff &^= bits
	m.BatteryOff &^= bits
	m.ScreenLock &^= bits
	m.ScreenOff &^= bits
	m.ScreenOffLock &^= bits
}

func (m RoutingMasks) union() uint8 {
	return m.SwitchOn | m.SwitchOff | m.BatteryOff | m.ScreenLock | m.ScreenOff | m.ScreenOffLock
}

// power returns the power state bits for one technology or protocol. Screen
// states exist only on NCI 2.0 and only qualify a route that is on.
func (m RoutingMasks) power(bit uint8, screen bool) uint8 {
	var p uint8
	if m.SwitchOn&bit != 0 {
		p |= PowerSwitchOn
	}
	if m.SwitchOff&bit != 0 {
		p |= PowerSwitchOff
	}
	if m.BatteryOff&bit != 0 {
		p |= PowerBatteryOff
	}
	if screen && p&PowerSwitchOn != 0 {
		if m.ScreenLock&bit != 0 {
			p |= PowerScreenOnLock
		}
		if m.ScreenOff&bit != 0 {
			p |= PowerScreenOffUnlock
		}
		if m.ScreenOffLock&bit != 0 {
			p |= PowerScreenOffLock
		}
	}
	return p
}

type aidEntry struct {
	aid   []byte
	power uint8
	info  uint8
	route bool
}

type sysCodeEntry struct {
	code  [2]byte // wire order
	power uint8
	route bool
}

// eeControlBlock is the routing state of one execution environment
type eeControlBlock struct {
	id         uint8
	status     EEStatus
	connected  bool
	connID     uint8
	interfaces []uint8
	tech       RoutingMasks
	proto      RoutingMasks
	aids       []aidEntry
	sysCodes   []sysCodeEntry
}

func (c *eeControlBlock) findAID(aid []byte) int {
	for i, e := range c.aids {
		if bytes.Equal(e.aid, aid) {
			return i
		}
	}
	return -1
}

func (c *eeControlBlock) findSysCode(code [2]byte) int {
	for i, e := range c.sysCodes {
		if e.code == code {
			return i
		}
	}
	return -1
}

// EEInfo describes one discovered execution environment
type EEInfo struct {
	Handle     EEHandle
	Status     EEStatus
	Interfaces []uint8
}

// EEEventType names the result reported to EE handlers
type EEEventType int

const (
	EEEventRegister EEEventType = iota
	EEEventDeregister
	EEEventDiscover
	EEEventModeSet
	EEEventConnect
	EEEventData
	EEEventSendData
	EEEventDisconnect
	EEEventPowerAndLink
	EEEventSetTechRouting
	EEEventClearTechRouting
	EEEventSetProtoRouting
	EEEventClearProtoRouting
	EEEventAddAID
	EEEventRemoveAID
	EEEventAddSysCode
	EEEventRemoveSysCode
	EEEventUpdated
	EEEventRemainingSize
)

func (t EEEventType) String() string {
	switch t {
	case EEEventRegister:
		return "Register"
	case EEEventDeregister:
		return "Deregister"
	case EEEventDiscover:
		return "Discover"
	case EEEventModeSet:
		return "ModeSet"
	case EEEventConnect:
		return "Connect"
	case EEEventData:
		return "Data"
	case EEEventSendData:
		return "SendData"
	case EEEventDisconnect:
		return "Disconnect"
	case EEEventPowerAndLink:
		return "PowerAndLink"
	case EEEventSetTechRouting:
		return "SetTechRouting"
	case EEEventClearTechRouting:
		return "ClearTechRouting"
	case EEEventSetProtoRouting:
		return "SetProtoRouting"
	case EEEventClearProtoRouting:
		return "ClearProtoRouting"
	case EEEventAddAID:
		return "AddAID"
	case EEEventRemoveAID:
		return "RemoveAID"
	case EEEventAddSysCode:
		return "AddSysCode"
	case EEEventRemoveSysCode:
		return "RemoveSysCode"
	case EEEventUpdated:
		return "Updated"
	case EEEventRemainingSize:
		return "RemainingSize"
	default:
		return "Unknown"
	}
}

// EEEvent is delivered to every registered EEHandler on the EE worker
type EEEvent struct {
	Type   EEEventType
	Handle EEHandle
	Err    error
	Data   []byte
	Size   int
	EEs    []EEInfo
}

// EEHandler receives routing and NFCEE results
type EEHandler interface {
	HandleEEEvent(ev EEEvent)
}

// eeChannel sends on behalf of the EE manager
type eeChannel interface {
	command(cmd []byte) ([]byte, error)
	data(p []byte) error
}

// eeLink is what the EE manager needs from a session
type eeLink interface {
	exec(fn func(ch eeChannel) error) error
	nciVersion() uint8
	initInfo() initInfo
}

type sessionLink struct {
	s *Session
}

// exec serializes fn with the other upper-layer entry points
func (l sessionLink) exec(fn func(ch eeChannel) error) error {
	l.s.mutex.Lock()
	defer l.s.mutex.Unlock()
	if !l.s.isOpenCompleted() {
		return NewCallerMisuseError("session not open")
	}
	return fn(sessionChannel{l.s})
}

func (l sessionLink) nciVersion() uint8  { return l.s.getNCIVersion() }
func (l sessionLink) initInfo() initInfo { return l.s.getInitInfo() }

// sessionChannel sends directly; the caller holds the session mutex
type sessionChannel struct {
	s *Session
}

func (c sessionChannel) command(cmd []byte) ([]byte, error) { return c.s.sendCommand(cmd) }
func (c sessionChannel) data(p []byte) error                { return c.s.corr.write(p) }

type pendingDefault struct {
	id    uint8
	apply func(ecb *eeControlBlock)
}

// EEManager keeps the NFCEE list and the listen mode routing table. Calls
// validate and update the model synchronously; controller traffic and
// handler callbacks run on one worker goroutine.
type EEManager struct {
	link        eeLink
	cfg         Config
	logCallback LogCallback
	autoCommit  time.Duration

	mu              sync.Mutex
	ecbs            []*eeControlBlock
	handlers        []EEHandler
	pending         []pendingDefault
	discoverPending int
	discovering     bool
	lastPushed      []byte
	pushed          bool
	timer           *time.Timer

	loopMu sync.Mutex
	loop   *eventLoop

	updating atomic.Bool
}

func newEEManager(link eeLink, cfg Config, o options) *EEManager {
	m := &EEManager{
		link:        link,
		cfg:         cfg,
		logCallback: o.logCallback,
		autoCommit:  o.autoCommit,
	}
	m.resetModel()
	return m
}

func (m *EEManager) logf(level LogLevel, format string, args ...interface{}) {
	if m.logCallback != nil {
		m.logCallback(level, fmt.Sprintf(format, args...))
	}
}

func (m *EEManager) resetModel() {
	m.ecbs = []*eeControlBlock{{id: dhID, status: EEStatusActive}}
	m.pending = nil
	m.discoverPending = 0
	m.discovering = false
	m.lastPushed = nil
	m.pushed = false
}

// start runs the worker with a fresh model. The controller was just reset,
// so nothing survives from an earlier session.
func (m *EEManager) start() {
	m.mu.Lock()
	m.resetModel()
	m.mu.Unlock()

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.loop == nil {
		m.loop = newEventLoop()
	}
}

// stop drains queued work and ends the worker
func (m *EEManager) stop() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.loopMu.Lock()
	loop := m.loop
	m.loop = nil
	m.loopMu.Unlock()
	if loop != nil {
		loop.stop()
	}
	m.updating.Store(false)
}

func (m *EEManager) running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.loop != nil
}

func (m *EEManager) enqueue(fn func()) error {
	m.loopMu.Lock()
	loop := m.loop
	m.loopMu.Unlock()
	if loop == nil {
		return NewCallerMisuseError("EE manager not running")
	}
	loop.post(fn)
	return nil
}

// emit delivers ev to the handlers registered at the time it runs
func (m *EEManager) emit(ev EEEvent) {
	_ = m.enqueue(func() { m.deliver(ev) })
}

func (m *EEManager) deliver(ev EEEvent) {
	m.mu.Lock()
	handlers := append([]EEHandler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h.HandleEEEvent(ev)
	}
}

func (m *EEManager) nci2() bool {
	return m.link.nciVersion() == nciVersion2_0
}

// find returns the control block for h. Caller holds m.mu.
func (m *EEManager) find(h EEHandle) *eeControlBlock {
	if h&0xFF00 != eeHandleGroup {
		return nil
	}
	id := h.id()
	for _, ecb := range m.ecbs {
		if ecb.id == id {
			return ecb
		}
	}
	return nil
}

// lookup checks that the manager runs and h names a known environment.
// Caller holds m.mu.
func (m *EEManager) lookup(h EEHandle) (*eeControlBlock, error) {
	if !m.running() {
		return nil, NewCallerMisuseError("EE manager not running")
	}
	ecb := m.find(h)
	if ecb == nil || ecb.status == EEStatusRemoved {
		return nil, NewInvalidParameterError(fmt.Sprintf("unknown EE handle %s", h))
	}
	return ecb, nil
}

// changed arms the auto-commit timer. Caller holds m.mu.
func (m *EEManager) changed() {
	if m.autoCommit <= 0 {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.autoCommit, func() {
		if err := m.UpdateNow(); err != nil {
			m.logf(LogLevelWarning, "Routing auto-commit skipped: %v", err)
		}
	})
}

// Register adds h to the handlers that receive EE events
func (m *EEManager) Register(h EEHandler) error {
	if h == nil {
		return NewInvalidParameterError("nil EE handler")
	}
	m.mu.Lock()
	for _, r := range m.handlers {
		if r == h {
			m.mu.Unlock()
			return NewInvalidParameterError("EE handler already registered")
		}
	}
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()

	return m.enqueue(func() { h.HandleEEEvent(EEEvent{Type: EEEventRegister}) })
}

// Deregister removes h. The handler gets a final Deregister event.
func (m *EEManager) Deregister(h EEHandler) error {
	m.mu.Lock()
	idx := -1
	for i, r := range m.handlers {
		if r == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return NewInvalidParameterError("EE handler not registered")
	}
	m.handlers = append(m.handlers[:idx], m.handlers[idx+1:]...)
	m.mu.Unlock()

	if err := m.enqueue(func() { h.HandleEEEvent(EEEvent{Type: EEEventDeregister}) }); err != nil {
		h.HandleEEEvent(EEEvent{Type: EEEventDeregister})
	}
	return nil
}

// Info returns the known execution environments, the host first
func (m *EEManager) Info() []EEInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *EEManager) infoLocked() []EEInfo {
	out := make([]EEInfo, 0, len(m.ecbs))
	for _, ecb := range m.ecbs {
		out = append(out, EEInfo{
			Handle:     handleOf(ecb.id),
			Status:     ecb.status,
			Interfaces: append([]uint8(nil), ecb.interfaces...),
		})
	}
	return out
}

// SetDefaultTechRouting replaces the technology masks of h
func (m *EEManager) SetDefaultTechRouting(h EEHandle, masks RoutingMasks) error {
	if masks.union()&^techAll != 0 {
		return NewInvalidParameterError(fmt.Sprintf("unknown technology bits %02X", masks.union()&^techAll))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ecb, err := m.lookup(h)
	if err != nil {
		return err
	}
	ecb.tech = masks
	m.changed()
	m.emit(EEEvent{Type: EEEventSetTechRouting, Handle: h})
	return nil
}

// ClearDefaultTechRouting removes the technologies in mask from every power
// state of h
func (m *EEManager) ClearDefaultTechRouting(h EEHandle, mask uint8) error {
	if mask == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ecb, err := m.lookup(h)
	if err != nil {
		return err
	}
	ecb.tech.clear(mask)
	m.changed()
	m.emit(EEEvent{Type: EEEventClearTechRouting, Handle: h})
	return nil
}

// SetDefaultProtoRouting replaces the protocol masks of h
func (m *EEManager) SetDefaultProtoRouting(h EEHandle, masks RoutingMasks) error {
	if masks.union()&^protoAll != 0 {
		return NewInvalidParameterError(fmt.Sprintf("unknown protocol bits %02X", masks.union()&^protoAll))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ecb, err := m.lookup(h)
	if err != nil {
		return err
	}
	ecb.proto = masks
	m.changed()
	m.emit(EEEvent{Type: EEEventSetProtoRouting, Handle: h})
	return nil
}

func (m *EEManager) ClearDefaultProtoRouting(h EEHandle, mask uint8) error {
	if mask == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ecb, err := m.lookup(h)
	if err != nil {
		return err
	}
	ecb.proto.clear(mask)
	m.changed()
	m.emit(EEEvent{Type: EEEventClearProtoRouting, Handle: h})
	return nil
}

// checkAID applies the length rule. NCI 2.0 allows the empty AID as the
// default AID route.
func (m *EEManager) checkAID(aid []byte) error {
	switch {
	case len(aid) > aidMaxLen:
		return NewInvalidParameterError(fmt.Sprintf("AID too long: %d", len(aid)))
	case len(aid) == 0 && m.nci2():
		return nil
	case len(aid) < aidMinLen:
		return NewInvalidParameterError(fmt.Sprintf("AID too short: %d", len(aid)))
	}
	return nil
}

// AddAIDRouting routes aid to h. An AID routes to one environment only, so
// it is removed from every other one first.
func (m *EEManager) AddAIDRouting(h EEHandle, aid []byte, power, info uint8) error {
	if err := m.checkAID(aid); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ecb, err := m.lookup(h)
	if err != nil {
		return err
	}

	entry := aidEntry{
		aid:   append([]byte(nil), aid...),
		power: power,
		info:  info,
		route: info&AIDInfoVendorSpecific == 0,
	}
	if i := ecb.findAID(aid); i < 0 && len(ecb.aids) >= maxAIDEntries {
		return NewApplicationError(fmt.Sprintf("AID table of %s full", h))
	}
	if limit := int(m.link.initInfo().MaxRoutingTableSize); limit > 0 && entry.route {
		size := m.routingSizeLocked(aid) + len(aid) + 4
		if size > limit {
			return NewApplicationError(fmt.Sprintf("listen mode routing table full: %d > %d", size, limit))
		}
	}

	for _, other := range m.ecbs {
		if i := other.findAID(aid); i >= 0 {
			other.aids = append(other.aids[:i], other.aids[i+1:]...)
		}
	}
	ecb.aids = append(ecb.aids, entry)
	m.changed()
	m.emit(EEEvent{Type: EEEventAddAID, Handle: h})
	return nil
}

// RemoveAIDRouting drops aid from whichever environment it routes to
func (m *EEManager) RemoveAIDRouting(aid []byte) error {
	if err := m.checkAID(aid); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running() {
		return NewCallerMisuseError("EE manager not running")
	}
	for _, ecb := range m.ecbs {
		if i := ecb.findAID(aid); i >= 0 {
			ecb.aids = append(ecb.aids[:i], ecb.aids[i+1:]...)
			m.changed()
			m.emit(EEEvent{Type: EEEventRemoveAID, Handle: handleOf(ecb.id)})
			return nil
		}
	}
	return NewNotFoundError(fmt.Sprintf("AID %X not routed", aid))
}

func (m *EEManager) checkSysCode(code uint16) error {
	if code == 0 {
		return NewInvalidParameterError("system code 0")
	}
	if !m.nci2() && !m.link.initInfo().SCBRSupported() {
		return NewNotSupportedError("system code based routing not supported")
	}
	return nil
}

func sysCodeBytes(code uint16) [2]byte {
	return [2]byte{byte(code >> 8), byte(code)}
}

// AddSystemCodeRouting routes the Felica system code to h
func (m *EEManager) AddSystemCodeRouting(h EEHandle, code uint16, power uint8) error {
	if err := m.checkSysCode(code); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ecb, err := m.lookup(h)
	if err != nil {
		return err
	}
	m.addSysCodeLocked(ecb, sysCodeBytes(code), power)
	m.changed()
	m.emit(EEEvent{Type: EEEventAddSysCode, Handle: h})
	return nil
}

func (m *EEManager) addSysCodeLocked(ecb *eeControlBlock, code [2]byte, power uint8) {
	for _, other := range m.ecbs {
		if i := other.findSysCode(code); i >= 0 {
			other.sysCodes = append(other.sysCodes[:i], other.sysCodes[i+1:]...)
		}
	}
	ecb.sysCodes = append(ecb.sysCodes, sysCodeEntry{code: code, power: power, route: true})
}

func (m *EEManager) RemoveSystemCodeRouting(code uint16) error {
	if err := m.checkSysCode(code); err != nil {
		return err
	}
	wire := sysCodeBytes(code)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running() {
		return NewCallerMisuseError("EE manager not running")
	}
	for _, ecb := range m.ecbs {
		if i := ecb.findSysCode(wire); i >= 0 {
			ecb.sysCodes = append(ecb.sysCodes[:i], ecb.sysCodes[i+1:]...)
			m.changed()
			m.emit(EEEvent{Type: EEEventRemoveSysCode, Handle: handleOf(ecb.id)})
			return nil
		}
	}
	return NewNotFoundError(fmt.Sprintf("system code %04X not routed", code))
}

// UpdateNow pushes the routing table to the controller. Only one update may
// be in flight.
func (m *EEManager) UpdateNow() error {
	if !m.updating.CompareAndSwap(false, true) {
		return NewSemanticError("routing update in progress")
	}
	err := m.enqueue(func() {
		err := m.link.exec(func(ch eeChannel) error {
			return m.push(ch, false)
		})
		m.updating.Store(false)
		if err != nil {
			m.logf(LogLevelError, "Routing update failed: %v", err)
		}
		m.deliver(EEEvent{Type: EEEventUpdated, Err: err})
	})
	if err != nil {
		m.updating.Store(false)
	}
	return err
}

// GetLMRTRemainingSize reports the free listen mode routing table space as
// an EEEventRemainingSize
func (m *EEManager) GetLMRTRemainingSize() error {
	return m.enqueue(func() {
		sizes := m.TableSize()
		used := sizes[1] + sizes[2] + sizes[3] + sizes[4]
		m.deliver(EEEvent{Type: EEEventRemainingSize, Size: sizes[0] - used})
	})
}

// Discover asks the controller for its NFCEEs. EEEventDiscover follows once
// every announced NFCEE has reported.
func (m *EEManager) Discover() error {
	return m.enqueue(func() {
		err := m.link.exec(func(ch eeChannel) error {
			rsp, err := ch.command(buildEEDiscover(m.link.nciVersion()))
			if err != nil {
				return err
			}
			n := 0
			if len(rsp) > 4 {
				n = int(rsp[4])
			}
			m.mu.Lock()
			m.discovering = n > 0
			m.discoverPending = n
			m.mu.Unlock()
			return nil
		})
		m.mu.Lock()
		done := err != nil || !m.discovering
		info := m.infoLocked()
		m.mu.Unlock()
		if done {
			m.deliver(EEEvent{Type: EEEventDiscover, Err: err, EEs: info})
		}
	})
}

// ModeSet enables or disables an NFCEE
func (m *EEManager) ModeSet(h EEHandle, enable bool) error {
	m.mu.Lock()
	_, err := m.lookup(h)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if h == DHHandle {
		return NewInvalidParameterError("mode set on the host")
	}
	mode := eeModeDisable
	if enable {
		mode = eeModeEnable
	}
	return m.enqueue(func() {
		err := m.link.exec(func(ch eeChannel) error {
			_, err := ch.command(buildEEModeSet(h.id(), mode))
			return err
		})
		if err == nil {
			m.mu.Lock()
			if ecb := m.find(h); ecb != nil {
				ecb.status = EEStatusInactive
				if enable {
					ecb.status = EEStatusActive
				}
				m.changed()
			}
			m.mu.Unlock()
		}
		m.deliver(EEEvent{Type: EEEventModeSet, Handle: h, Err: err})
	})
}

// Connect opens a logical connection to h over iface
func (m *EEManager) Connect(h EEHandle, iface uint8) error {
	m.mu.Lock()
	ecb, err := m.lookup(h)
	if err == nil {
		switch {
		case ecb.id == dhID:
			err = NewInvalidParameterError("connect to the host")
		case ecb.connected:
			err = NewSemanticError(fmt.Sprintf("%s already connected", h))
		case ecb.status != EEStatusActive:
			err = NewSemanticError(fmt.Sprintf("%s not active", h))
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.enqueue(func() {
		var connID uint8
		err := m.link.exec(func(ch eeChannel) error {
			rsp, err := ch.command(buildConnCreate(h.id(), iface))
			if err != nil {
				return err
			}
			if len(rsp) < 7 {
				return NewNCIIncompleteMsgError("connection create response too short")
			}
			connID = rsp[6]
			return nil
		})
		if err == nil {
			m.mu.Lock()
			if ecb := m.find(h); ecb != nil {
				ecb.connected = true
				ecb.connID = connID
			}
			m.mu.Unlock()
		}
		m.deliver(EEEvent{Type: EEEventConnect, Handle: h, Err: err})
	})
}

// SendData sends data on the open connection to h
func (m *EEManager) SendData(h EEHandle, data []byte) error {
	if len(data) > nciMaxPayloadSize {
		return NewInvalidParameterError(fmt.Sprintf("data too long: %d", len(data)))
	}
	m.mu.Lock()
	ecb, err := m.lookup(h)
	var connID uint8
	if err == nil {
		if !ecb.connected {
			err = NewSemanticError(fmt.Sprintf("%s not connected", h))
		}
		connID = ecb.connID
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	pkt := buildDataPacket(connID, data)
	return m.enqueue(func() {
		err := m.link.exec(func(ch eeChannel) error {
			return ch.data(pkt)
		})
		if err != nil {
			m.logf(LogLevelError, "Send to %s failed: %v", h, err)
		}
		m.deliver(EEEvent{Type: EEEventSendData, Handle: h, Err: err})
	})
}

// Disconnect closes the connection to h
func (m *EEManager) Disconnect(h EEHandle) error {
	m.mu.Lock()
	ecb, err := m.lookup(h)
	var connID uint8
	if err == nil {
		if !ecb.connected {
			err = NewSemanticError(fmt.Sprintf("%s not connected", h))
		}
		connID = ecb.connID
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.enqueue(func() {
		err := m.link.exec(func(ch eeChannel) error {
			_, err := ch.command(buildConnClose(connID))
			return err
		})
		m.mu.Lock()
		if ecb := m.find(h); ecb != nil {
			ecb.connected = false
		}
		m.mu.Unlock()
		m.deliver(EEEvent{Type: EEEventDisconnect, Handle: h, Err: err})
	})
}

// PowerAndLinkCtrl sends NFCEE_POWER_AND_LINK_CNTRL with cfg to h
func (m *EEManager) PowerAndLinkCtrl(h EEHandle, cfg uint8) error {
	m.mu.Lock()
	ecb, err := m.lookup(h)
	if err == nil && ecb.status != EEStatusActive {
		err = NewSemanticError(fmt.Sprintf("%s not active", h))
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.enqueue(func() {
		err := m.link.exec(func(ch eeChannel) error {
			_, err := ch.command(buildEEPowerAndLink(h.id(), cfg))
			return err
		})
		m.deliver(EEEvent{Type: EEEventPowerAndLink, Handle: h, Err: err})
	})
}

// observe picks NFCEE notifications and connection data out of the receive
// path. It only queues work.
func (m *EEManager) observe(pkt []byte) {
	switch {
	case isPacket(pkt, nciMsgTypeNotification, nciGroupEE, nciEEDiscoverOID):
		p := append([]byte(nil), pkt...)
		_ = m.enqueue(func() { m.discovered(p) })
	case packetMT(pkt) == nciMsgTypeData:
		p := append([]byte(nil), pkt...)
		_ = m.enqueue(func() { m.received(p) })
	}
}

// discovered applies one NFCEE_DISCOVER_NTF:
// id, status, n interfaces, interfaces...
func (m *EEManager) discovered(ntf []byte) {
	if len(ntf) < 6 {
		m.logf(LogLevelWarning, "Short NFCEE discover notification %X", ntf)
		return
	}
	id := ntf[3]
	status := EEStatusRemoved
	switch ntf[4] {
	case 0x00:
		status = EEStatusActive
	case 0x01:
		status = EEStatusInactive
	}
	n := int(ntf[5])
	var ifaces []uint8
	if 6+n <= len(ntf) {
		ifaces = append(ifaces, ntf[6:6+n]...)
	}

	m.mu.Lock()
	ecb := m.find(handleOf(id))
	if ecb == nil {
		ecb = &eeControlBlock{id: id}
		m.ecbs = append(m.ecbs, ecb)
	}
	ecb.status = status
	ecb.interfaces = ifaces
	m.logf(LogLevelInfo, "NFCEE %02X discovered: %s, interfaces %X", id, status, ifaces)

	rest := m.pending[:0]
	for _, p := range m.pending {
		if p.id == id {
			p.apply(ecb)
			continue
		}
		rest = append(rest, p)
	}
	m.pending = rest
	m.changed()

	var done bool
	if m.discovering {
		m.discoverPending--
		if m.discoverPending <= 0 {
			m.discovering = false
			done = true
		}
	}
	info := m.infoLocked()
	m.mu.Unlock()

	if done {
		m.deliver(EEEvent{Type: EEEventDiscover, EEs: info})
	}
}

// received forwards data arriving on an NFCEE connection
func (m *EEManager) received(pkt []byte) {
	connID := pkt[0] & 0x0F
	m.mu.Lock()
	var h EEHandle
	found := false
	for _, ecb := range m.ecbs {
		if ecb.connected && ecb.connID == connID {
			h = handleOf(ecb.id)
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return
	}
	m.deliver(EEEvent{Type: EEEventData, Handle: h, Data: append([]byte(nil), pkt[nciHeaderSize:]...)})
}

// applyDefaults installs the configured default routes and pushes the table.
// ch is used directly because the caller already holds the session.
func (m *EEManager) applyDefaults(ch eeChannel) error {
	m.mu.Lock()
	isoRoute := uint8(configNumber(m.cfg, ConfDefaultISODEPRoute, uint64(dhID)))
	m.applyDefaultLocked(isoRoute, func(ecb *eeControlBlock) {
		ecb.proto.SwitchOn |= ProtoISODEP
	})

	if route, ok := m.cfg.Number(ConfDefaultNFCFRoute); ok {
		m.applyDefaultLocked(uint8(route), func(ecb *eeControlBlock) {
			ecb.tech.SwitchOn |= TechF
		})
	}

	if code, ok := m.cfg.Number(ConfDefaultSysCode); ok && code != 0 {
		if !m.nci2() && !m.link.initInfo().SCBRSupported() {
			m.logf(LogLevelWarning, "System code routing not supported, ignoring %s", ConfDefaultSysCode)
		} else {
			route := uint8(configNumber(m.cfg, ConfDefaultSysCodeRoute, uint64(dhID)))
			power := uint8(configNumber(m.cfg, ConfDefaultSysCodePwrState, uint64(PowerSwitchOn)))
			wire := sysCodeBytes(uint16(code))
			m.applyDefaultLocked(route, func(ecb *eeControlBlock) {
				m.addSysCodeLocked(ecb, wire, power)
			})
		}
	}
	m.mu.Unlock()

	return m.push(ch, true)
}

// applyDefaultLocked applies fn now or once the NFCEE has been discovered
func (m *EEManager) applyDefaultLocked(id uint8, fn func(ecb *eeControlBlock)) {
	if ecb := m.find(handleOf(id)); ecb != nil {
		fn(ecb)
		return
	}
	m.logf(LogLevelDebug, "Default route to %02X pending discovery", id)
	m.pending = append(m.pending, pendingDefault{id: id, apply: fn})
}

// push sends RF_SET_LISTEN_MODE_ROUTING, split at the controller's control
// payload limit. An unchanged table is not sent again unless forced.
func (m *EEManager) push(ch eeChannel, force bool) error {
	nci2 := m.nci2()
	info := m.link.initInfo()

	m.mu.Lock()
	var tlvs [][]byte
	var flat []byte
	for _, e := range m.routeEntriesLocked(nci2, info, true) {
		t := e.tlv(nci2)
		tlvs = append(tlvs, t)
		flat = append(flat, t...)
	}
	if !force && m.pushed && bytes.Equal(flat, m.lastPushed) {
		m.mu.Unlock()
		m.logf(LogLevelDebug, "Routing table unchanged, not sent")
		return nil
	}
	m.mu.Unlock()

	for _, cmd := range fragmentRouting(tlvs, int(info.MaxCtrlPayload)) {
		if _, err := ch.command(cmd); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.lastPushed = flat
	m.pushed = true
	m.mu.Unlock()
	m.logf(LogLevelDebug, "Routing table sent, %d entries", len(tlvs))
	return nil
}

package hal

import (
	"encoding/binary"
	"fmt"
)

// NCI packet limits
const (
	nciHeaderSize     = 3
	nciMaxPayloadSize = 255
	nciMaxPacketSize  = nciHeaderSize + nciMaxPayloadSize
)

// NCI message types and bit positions
const (
	nciMsgTypeBit          = 5
	nciMsgTypeData         = 0
	nciMsgTypeCommand      = 1
	nciMsgTypeResponse     = 2
	nciMsgTypeNotification = 3

	nciPBFMask = 0x10
)

// NCI Groups
const (
	nciGroupCore uint8 = 0x00
	nciGroupRF   uint8 = 0x01
	nciGroupEE   uint8 = 0x02
	nciGroupProp uint8 = 0x0F
)

// NCI Core commands (OID)
const (
	nciCoreReset          uint8 = 0x00
	nciCoreInit           uint8 = 0x01
	nciCoreSetConfig      uint8 = 0x02
	nciCoreGetConfig      uint8 = 0x03
	nciCoreConnCreate     uint8 = 0x04
	nciCoreConnClose      uint8 = 0x05
	nciCoreConnCredits    uint8 = 0x06
	nciCoreGenericError   uint8 = 0x07
	nciCoreInterfaceError uint8 = 0x08
)

// NCI RF commands (OID)
const (
	nciRFDiscoverMapOID     uint8 = 0x00
	nciRFSetListenRoutingID uint8 = 0x01
	nciRFDiscoverOID        uint8 = 0x03
	nciRFDeactivateOID      uint8 = 0x06
)

// NCI NFCEE commands (OID)
const (
	nciEEDiscoverOID     uint8 = 0x00
	nciEEModeSetOID      uint8 = 0x01
	nciEEStatusOID       uint8 = 0x02
	nciEEPowerAndLinkOID uint8 = 0x03
)

// NCI proprietary commands (OID)
const (
	nciProprietaryActOID         uint8 = 0x02
	nciProprietaryScreenStateOID uint8 = 0x15
)

// NCI versions
const (
	nciVersionUnknown uint8 = 0x00
	nciVersion1_0     uint8 = 0x10
	nciVersion1_1     uint8 = 0x11
	nciVersion2_0     uint8 = 0x20
)

// NCI RF interfaces
const (
	nciInterfaceEEDirect uint8 = 0x00
	nciInterfaceFrame    uint8 = 0x01
	nciInterfaceISODEP   uint8 = 0x02
	nciInterfaceNFCDEP   uint8 = 0x03
)

// Status is an NCI status code as carried in the first payload byte of a response
type Status uint8

const (
	StatusOK                  Status = 0x00
	StatusRejected            Status = 0x01
	StatusRFFrameCorrupted    Status = 0x02
	StatusFailed              Status = 0x03
	StatusNotInitialized      Status = 0x04
	StatusSyntaxError         Status = 0x05
	StatusSemanticError       Status = 0x06
	StatusInvalidParam        Status = 0x09
	StatusMessageSizeExceeded Status = 0x0A
)

var statusNames = [...]string{
	"STATUS_OK",
	"REJECTED",
	"RF_FRAME_CORRUPTED",
	"FAILED",
	"NOT_INITIALIZED",
	"SYNTAX_ERROR",
	"SEMANTIC_ERROR",
	"RFU",
	"RFU",
	"INVALID_PARAM",
	"MESSAGE_SIZE_EXCEEDED",
}

// String returns the diagnostic name of the status
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNDEFINED"
}

// NCI Packet Header
type nciHeader struct {
	MT_PBF_GID uint8 // Message Type (3 bits) | Packet Boundary Flag (1 bit) | Group ID (4 bits)
	OID_NAD    uint8 // Opcode ID (6 bits)
	Length     uint8
}

// buildNCIHeader creates an NCI header
func buildNCIHeader(mt, gid, oid uint8, length uint8) nciHeader {
	return nciHeader{
		MT_PBF_GID: ((mt & 0x07) << nciMsgTypeBit) | (gid & 0x0F),
		OID_NAD:    oid & 0x3F,
		Length:     length,
	}
}

// buildNCIPacket creates a complete NCI packet
func buildNCIPacket(header nciHeader, payload []byte) []byte {
	packet := make([]byte, nciHeaderSize+len(payload))
	packet[0] = header.MT_PBF_GID
	packet[1] = header.OID_NAD
	packet[2] = header.Length
	copy(packet[3:], payload)
	return packet
}

// buildCommand composes a command packet for the given group and opcode
func buildCommand(gid, oid uint8, payload []byte) []byte {
	header := buildNCIHeader(nciMsgTypeCommand, gid, oid, uint8(len(payload)))
	return buildNCIPacket(header, payload)
}

func packetMT(p []byte) uint8 {
	if len(p) == 0 {
		return 0xFF
	}
	return (p[0] >> nciMsgTypeBit) & 0x07
}

func packetGID(p []byte) uint8 {
	if len(p) == 0 {
		return 0xFF
	}
	return p[0] & 0x0F
}

func packetOID(p []byte) uint8 {
	if len(p) < 2 {
		return 0xFF
	}
	return p[1] & 0x3F
}

// isPacket reports whether p has the given message type, group and opcode
func isPacket(p []byte, mt, gid, oid uint8) bool {
	return len(p) >= nciHeaderSize && packetMT(p) == mt && packetGID(p) == gid && packetOID(p) == oid
}

// validateReceivedHeader rejects headers the controller never sends
func validateReceivedHeader(hdr []byte) error {
	if len(hdr) < nciHeaderSize {
		return NewNCIIncompleteReadError(fmt.Sprintf("incomplete header read: %d", len(hdr)))
	}
	mt := packetMT(hdr)
	if mt == nciMsgTypeCommand || mt > nciMsgTypeNotification || hdr[0]&nciPBFMask != 0 {
		return NewNCIInvalidHeaderError(fmt.Sprintf("invalid NCI header: MT=%d, PBF=%d", mt, hdr[0]&nciPBFMask))
	}
	if mt != nciMsgTypeData && (hdr[1]&^byte(0x3F)) != 0 {
		return NewNCIInvalidOIDError(fmt.Sprintf("invalid header OID byte %02X", hdr[1]))
	}
	return nil
}

// NCI Core Reset Command (keep configuration)
func buildCoreReset() []byte {
	return buildCommand(nciGroupCore, nciCoreReset, []byte{0x00})
}

// NCI Core Init Command for the given NCI version
func buildCoreInit(version uint8) []byte {
	if version == nciVersion2_0 {
		return buildCommand(nciGroupCore, nciCoreInit, []byte{
			0x00, // Feature enable
			0x00, // Proprietary feature enable
		})
	}
	return buildCommand(nciGroupCore, nciCoreInit, nil)
}

// configParam is one CORE_SET_CONFIG TLV. Proprietary parameters use two-byte IDs.
type configParam struct {
	ID    uint16
	Value []byte
}

func appendConfigID(buf []byte, id uint16) []byte {
	if id > 0xFF {
		return append(buf, byte(id>>8), byte(id))
	}
	return append(buf, byte(id))
}

func buildSetConfig(params ...configParam) []byte {
	payload := []byte{uint8(len(params))}
	for _, p := range params {
		payload = appendConfigID(payload, p.ID)
		payload = append(payload, uint8(len(p.Value)))
		payload = append(payload, p.Value...)
	}
	return buildCommand(nciGroupCore, nciCoreSetConfig, payload)
}

func buildGetConfig(ids ...uint16) []byte {
	payload := []byte{uint8(len(ids))}
	for _, id := range ids {
		payload = appendConfigID(payload, id)
	}
	return buildCommand(nciGroupCore, nciCoreGetConfig, payload)
}

// parseConfigTLVs parses the parameter list of a CORE_GET_CONFIG response.
// IDs of the form A0xx and 0xFF prefixed IDs are two bytes wide.
func parseConfigTLVs(rsp []byte) (map[uint16][]byte, error) {
	if len(rsp) < nciHeaderSize+2 {
		return nil, NewNCIIncompleteMsgError("get config response too short")
	}
	count := int(rsp[4])
	params := make(map[uint16][]byte, count)
	i := nciHeaderSize + 2
	for n := 0; n < count; n++ {
		if i >= len(rsp) {
			return nil, NewNCIInvalidDataError("truncated config TLV")
		}
		id := uint16(rsp[i])
		i++
		if id == 0xA0 || id == 0xFF {
			if i >= len(rsp) {
				return nil, NewNCIInvalidDataError("truncated config TLV id")
			}
			id = id<<8 | uint16(rsp[i])
			i++
		}
		if i >= len(rsp) {
			return nil, NewNCIInvalidDataError("truncated config TLV length")
		}
		l := int(rsp[i])
		i++
		if i+l > len(rsp) {
			return nil, NewNCIInvalidDataError(fmt.Sprintf("config TLV %04X overruns response", id))
		}
		params[id] = append([]byte(nil), rsp[i:i+l]...)
		i += l
	}
	return params, nil
}

// NCI Core Connection Create towards an NFCEE
func buildConnCreate(eeID, iface uint8) []byte {
	return buildCommand(nciGroupCore, nciCoreConnCreate, []byte{
		0x03, // Destination type: NFCEE
		0x01, // Number of destination parameters
		0x01, // Parameter type: NFCEE value
		0x02, // Parameter length
		eeID,
		iface,
	})
}

func buildConnClose(connID uint8) []byte {
	return buildCommand(nciGroupCore, nciCoreConnClose, []byte{connID})
}

// buildSetListenRouting composes one RF_SET_LISTEN_MODE_ROUTING fragment
func buildSetListenRouting(more bool, count int, entries []byte) []byte {
	payload := make([]byte, 0, 2+len(entries))
	if more {
		payload = append(payload, 0x01)
	} else {
		payload = append(payload, 0x00)
	}
	payload = append(payload, uint8(count))
	payload = append(payload, entries...)
	return buildCommand(nciGroupRF, nciRFSetListenRoutingID, payload)
}

// NFCEE discover, the enable parameter was dropped in NCI 2.0
func buildEEDiscover(version uint8) []byte {
	if version == nciVersion2_0 {
		return buildCommand(nciGroupEE, nciEEDiscoverOID, nil)
	}
	return buildCommand(nciGroupEE, nciEEDiscoverOID, []byte{0x01})
}

func buildEEModeSet(eeID, mode uint8) []byte {
	return buildCommand(nciGroupEE, nciEEModeSetOID, []byte{eeID, mode})
}

func buildEEPowerAndLink(eeID, cfg uint8) []byte {
	return buildCommand(nciGroupEE, nciEEPowerAndLinkOID, []byte{eeID, cfg})
}

// buildDataPacket composes a data packet on a logical connection
func buildDataPacket(connID uint8, payload []byte) []byte {
	header := buildNCIHeader(nciMsgTypeData, connID, 0, uint8(len(payload)))
	return buildNCIPacket(header, payload)
}

// responseStatus returns the status octet of a response packet
func responseStatus(rsp []byte) Status {
	if len(rsp) < 4 {
		return StatusFailed
	}
	return Status(rsp[3])
}

// manufacturerInfo is the four-byte NXP manufacturer specific information
type manufacturerInfo struct {
	HardwareVersion uint8
	ROMVersion      uint8
	FWMajor         uint8
	FWMinor         uint8
}

// FirmwareVersion packs rom, major and minor as the controller reports them
func (m manufacturerInfo) FirmwareVersion() uint32 {
	return uint32(m.ROMVersion)<<16 | uint32(m.FWMajor)<<8 | uint32(m.FWMinor)
}

func parseManufacturerInfo(b []byte) manufacturerInfo {
	var m manufacturerInfo
	if len(b) >= 4 {
		m.HardwareVersion = b[0]
		m.ROMVersion = b[1]
		m.FWMajor = b[2]
		m.FWMinor = b[3]
	}
	return m
}

// parseCoreResetRsp returns the NCI version carried by a CORE_RESET response.
// An NCI 2.0 controller only answers with a status and reports its version
// in the CORE_RESET notification that follows.
func parseCoreResetRsp(rsp []byte) (version uint8, awaitNtf bool, err error) {
	if len(rsp) < 4 {
		return nciVersionUnknown, false, NewNCIIncompleteMsgError("core reset response too short")
	}
	if rsp[2] == 1 {
		return nciVersionUnknown, true, nil
	}
	if len(rsp) < 5 {
		return nciVersionUnknown, false, NewNCIIncompleteMsgError("core reset response missing version")
	}
	return rsp[4], false, nil
}

// parseCoreResetNtf extracts version and manufacturer info from CORE_RESET_NTF
func parseCoreResetNtf(ntf []byte) (uint8, manufacturerInfo, error) {
	if len(ntf) < 8 {
		return nciVersionUnknown, manufacturerInfo{}, NewNCIIncompleteMsgError("core reset notification too short")
	}
	version := ntf[5]
	infoLen := int(ntf[7])
	if infoLen < 4 || len(ntf) < 8+4 {
		return version, manufacturerInfo{}, nil
	}
	return version, parseManufacturerInfo(ntf[8:12]), nil
}

// initInfo is the controller description from CORE_INIT_RSP
type initInfo struct {
	Version             uint8
	Features            [4]byte
	Interfaces          []uint8
	MaxLogicalConns     uint8
	MaxRoutingTableSize uint16
	MaxCtrlPayload      uint8
	Manufacturer        manufacturerInfo
	HasManufacturer     bool
}

// SCBRSupported reports system code based routing support (octet 1, bit 3)
func (i initInfo) SCBRSupported() bool {
	return i.Features[1]&0x08 != 0
}

func (i initInfo) supportsInterface(iface uint8) bool {
	for _, f := range i.Interfaces {
		if f == iface {
			return true
		}
	}
	return false
}

func parseCoreInitRsp(rsp []byte, version uint8) (initInfo, error) {
	info := initInfo{Version: version}
	if len(rsp) < 9 {
		return info, NewNCIIncompleteMsgError("core init response too short")
	}
	copy(info.Features[:], rsp[4:8])

	if version == nciVersion2_0 {
		// status, features[4], max conns, routing size[2], ctrl payload,
		// hci payload, hci credits, nfc-v frame[2], nintf, {intf, next, ext...}
		if len(rsp) < 17 {
			return info, NewNCIIncompleteMsgError("core init 2.0 response too short")
		}
		info.MaxLogicalConns = rsp[8]
		info.MaxRoutingTableSize = binary.LittleEndian.Uint16(rsp[9:11])
		info.MaxCtrlPayload = rsp[11]
		n := int(rsp[16])
		i := 17
		for k := 0; k < n; k++ {
			if i+1 >= len(rsp) {
				return info, NewNCIInvalidDataError("truncated interface list")
			}
			info.Interfaces = append(info.Interfaces, rsp[i])
			i += 2 + int(rsp[i+1])
		}
		return info, nil
	}

	// status, features[4], nintf, intfs..., max conns, routing size[2],
	// ctrl payload, large param[2], mfr id, mfr info[4]
	n := int(rsp[8])
	i := 9 + n
	if len(rsp) < i+7 {
		return info, NewNCIIncompleteMsgError("core init 1.x response too short")
	}
	info.Interfaces = append([]uint8(nil), rsp[9:9+n]...)
	info.MaxLogicalConns = rsp[i]
	info.MaxRoutingTableSize = binary.LittleEndian.Uint16(rsp[i+1 : i+3])
	info.MaxCtrlPayload = rsp[i+3]
	if len(rsp) >= i+7+4 {
		info.Manufacturer = parseManufacturerInfo(rsp[i+7 : i+11])
		info.HasManufacturer = true
	}
	return info, nil
}

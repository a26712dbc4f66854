package hal

// Routing entry record kinds, also the tags of the compact table dump
const (
	routeTech    byte = 'T'
	routeProto   byte = 'P'
	routeAID     byte = 'A'
	routeSysCode byte = 'S'
)

// NCI listen mode routing TLV types
const (
	lmrtTech    uint8 = 0x00
	lmrtProto   uint8 = 0x01
	lmrtAID     uint8 = 0x02
	lmrtSysCode uint8 = 0x03
)

// controller memory not available to AID entries
const aidTableReserved = 160

var (
	routeTechs  = []uint8{TechA, TechB, TechF}
	routeProtos = []uint8{ProtoT1T, ProtoT2T, ProtoT3T, ProtoISODEP, ProtoNFCDEP}

	// mask bit to NCI RF technology / protocol value
	nciTechValue = map[uint8]uint8{
		TechA: 0x00,
		TechB: 0x01,
		TechF: 0x02,
	}
	nciProtoValue = map[uint8]uint8{
		ProtoT1T:    0x01,
		ProtoT2T:    0x02,
		ProtoT3T:    0x03,
		ProtoISODEP: 0x04,
		ProtoNFCDEP: 0x05,
	}
)

// routeEntry is one row of the listen mode routing table
type routeEntry struct {
	kind  byte
	value uint8 // tech or proto mask bit
	aid   []byte
	code  [2]byte
	id    uint8
	power uint8
	block uint8
	qual  uint8
}

// compact returns the record as reported by Table
func (e routeEntry) compact() []byte {
	switch e.kind {
	case routeTech:
		return []byte{routeTech, e.value, e.id, e.power, 0}
	case routeProto:
		return []byte{routeProto, e.value, e.id, e.power, e.block}
	case routeAID:
		b := []byte{routeAID, uint8(len(e.aid))}
		b = append(b, e.aid...)
		return append(b, e.id, e.power, e.block, e.qual)
	case routeSysCode:
		return []byte{routeSysCode, 2, e.code[0], e.code[1], e.id, e.power, e.block}
	}
	return nil
}

// tlv returns the entry as sent in RF_SET_LISTEN_MODE_ROUTING. Blocking and
// AID qualifiers are NCI 2.0 only.
func (e routeEntry) tlv(nci2 bool) []byte {
	var flags uint8
	if nci2 {
		flags = e.block | e.qual
	}
	switch e.kind {
	case routeTech:
		return []byte{lmrtTech, 3, e.id, e.power, nciTechValue[e.value]}
	case routeProto:
		return []byte{lmrtProto | flags, 3, e.id, e.power, nciProtoValue[e.value]}
	case routeAID:
		b := []byte{lmrtAID | flags, uint8(len(e.aid) + 2), e.id, e.power}
		return append(b, e.aid...)
	case routeSysCode:
		return []byte{lmrtSysCode | flags, 4, e.id, e.power, e.code[0], e.code[1]}
	}
	return nil
}

func (m *EEManager) blockRoute() uint8 {
	if configNumber(m.cfg, ConfAIDBlockRoute, 0) == 1 {
		return routeBlocked
	}
	return 0
}

// routeEntriesLocked lists the routing entries in table order: per
// environment technologies, protocols, AIDs then system codes. pushOnly
// restricts the list to the host and active NFCEEs. Caller holds m.mu.
func (m *EEManager) routeEntriesLocked(nci2 bool, info initInfo, pushOnly bool) []routeEntry {
	var out []routeEntry
	block := m.blockRoute()

	for _, ecb := range m.ecbs {
		active := ecb.id == dhID || ecb.status == EEStatusActive
		if ecb.status == EEStatusRemoved || (pushOnly && !active) {
			continue
		}

		for _, t := range routeTechs {
			if (ecb.tech.SwitchOn|ecb.tech.SwitchOff|ecb.tech.BatteryOff)&t == 0 {
				continue
			}
			out = append(out, routeEntry{kind: routeTech, value: t, id: ecb.id, power: ecb.tech.power(t, nci2)})
		}

		for _, p := range routeProtos {
			if p == ProtoNFCDEP && ecb.id == dhID {
				// the host takes NFC-DEP whenever the controller offers the interface
				if !info.supportsInterface(nciInterfaceNFCDEP) {
					continue
				}
				power := ecb.proto.power(p, false)
				if power == 0 {
					power = PowerSwitchOn
				}
				out = append(out, routeEntry{kind: routeProto, value: p, id: dhID, power: power})
				continue
			}
			if (ecb.proto.SwitchOn|ecb.proto.SwitchOff|ecb.proto.BatteryOff)&p == 0 {
				continue
			}
			e := routeEntry{kind: routeProto, value: p, id: ecb.id}
			if p == ProtoISODEP {
				e.power = ecb.proto.power(p, nci2)
				e.block = block
			} else {
				e.power = ecb.proto.power(p, false)
			}
			out = append(out, e)
		}

		for _, a := range ecb.aids {
			if !a.route {
				continue
			}
			out = append(out, routeEntry{
				kind:  routeAID,
				aid:   a.aid,
				id:    ecb.id,
				power: a.power,
				block: block,
				qual:  a.info & aidQualifierMask,
			})
		}

		if !active {
			continue
		}
		for _, sc := range ecb.sysCodes {
			if !sc.route {
				continue
			}
			out = append(out, routeEntry{kind: routeSysCode, code: sc.code, id: ecb.id, power: sc.power, block: block})
		}
	}
	return out
}

// Table returns the routing table as consecutive compact records:
//
//	'T' tech id power 0
//	'P' proto id power block
//	'A' len aid... id power block qualifier
//	'S' 2 code[2] id power block
func (m *EEManager) Table() []byte {
	nci2 := m.nci2()
	info := m.link.initInfo()

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, e := range m.routeEntriesLocked(nci2, info, false) {
		out = append(out, e.compact()...)
	}
	return out
}

// TableSize returns the controller's routing table size followed by the
// bytes used by protocol, technology, AID and system code entries
func (m *EEManager) TableSize() [5]int {
	nci2 := m.nci2()
	info := m.link.initInfo()

	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := [5]int{int(info.MaxRoutingTableSize)}
	for _, e := range m.routeEntriesLocked(nci2, info, true) {
		n := len(e.tlv(nci2))
		switch e.kind {
		case routeProto:
			sizes[1] += n
		case routeTech:
			sizes[2] += n
		case routeAID:
			sizes[3] += n
		case routeSysCode:
			sizes[4] += n
		}
	}
	return sizes
}

// AIDTableSize returns the routing table space usable by AID entries
func (m *EEManager) AIDTableSize() int {
	limit := int(m.link.initInfo().MaxRoutingTableSize)
	if limit > aidTableReserved {
		return limit - aidTableReserved
	}
	return 0
}

// routingSizeLocked sums the TLV bytes that would be pushed, leaving out any
// entry for aid. Caller holds m.mu.
func (m *EEManager) routingSizeLocked(aid []byte) int {
	nci2 := m.nci2()
	size := 0
	for _, e := range m.routeEntriesLocked(nci2, m.link.initInfo(), true) {
		if e.kind == routeAID && string(e.aid) == string(aid) {
			continue
		}
		size += len(e.tlv(nci2))
	}
	return size
}

// fragmentRouting splits TLVs over as many RF_SET_LISTEN_MODE_ROUTING
// commands as the control payload limit needs. Every fragment but the last
// carries the more flag.
func fragmentRouting(tlvs [][]byte, maxPayload int) [][]byte {
	if maxPayload <= 0 {
		maxPayload = nciMaxPayloadSize
	}
	budget := maxPayload - 2 // more flag, entry count

	var cmds [][]byte
	var chunk []byte
	count := 0
	for _, t := range tlvs {
		if count > 0 && len(chunk)+len(t) > budget {
			cmds = append(cmds, buildSetListenRouting(true, count, chunk))
			chunk = nil
			count = 0
		}
		chunk = append(chunk, t...)
		count++
	}
	return append(cmds, buildSetListenRouting(false, count, chunk))
}

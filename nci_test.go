package hal

import (
	"bytes"
	"testing"
)

func TestBuildCommands(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"core reset", buildCoreReset(), []byte{0x20, 0x00, 0x01, 0x00}},
		{"core init 2.0", buildCoreInit(nciVersion2_0), []byte{0x20, 0x01, 0x02, 0x00, 0x00}},
		{"core init 1.0", buildCoreInit(nciVersion1_0), []byte{0x20, 0x01, 0x00}},
		{"get config", buildGetConfig(0x01, nciParamMWEEPROM), []byte{0x20, 0x03, 0x04, 0x02, 0x01, 0xA0, 0x0F}},
		{
			"set config",
			buildSetConfig(configParam{ID: nciParamI2CFragmentation, Value: []byte{0x10}}),
			[]byte{0x20, 0x02, 0x05, 0x01, 0xA0, 0x05, 0x01, 0x10},
		},
		{"conn create", buildConnCreate(0x02, 0x00), []byte{0x20, 0x04, 0x06, 0x03, 0x01, 0x01, 0x02, 0x02, 0x00}},
		{"conn close", buildConnClose(0x03), []byte{0x20, 0x05, 0x01, 0x03}},
		{"ee discover 1.0", buildEEDiscover(nciVersion1_0), []byte{0x22, 0x00, 0x01, 0x01}},
		{"ee discover 2.0", buildEEDiscover(nciVersion2_0), []byte{0x22, 0x00, 0x00}},
		{"ee mode set", buildEEModeSet(0x02, 0x01), []byte{0x22, 0x01, 0x02, 0x02, 0x01}},
		{"power and link", buildEEPowerAndLink(0xC0, 0x03), []byte{0x22, 0x03, 0x02, 0xC0, 0x03}},
		{"data", buildDataPacket(0x03, []byte{0x90, 0x00}), []byte{0x03, 0x00, 0x02, 0x90, 0x00}},
		{"empty routing", buildSetListenRouting(false, 0, nil), []byte{0x21, 0x01, 0x02, 0x00, 0x00}},
		{
			"routing fragment",
			buildSetListenRouting(true, 1, []byte{0x00, 0x03, 0x00, 0x01, 0x00}),
			[]byte{0x21, 0x01, 0x07, 0x01, 0x01, 0x00, 0x03, 0x00, 0x01, 0x00},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("got %X, want %X", tt.got, tt.want)
			}
		})
	}
}

func TestParseConfigTLVs(t *testing.T) {
	rsp := []byte{0x40, 0x03, 0x0A, 0x00, 0x02,
		0x01, 0x01, 0x7F,
		0xA0, 0x0F, 0x02, 0xAA, 0xBB,
	}
	params, err := parseConfigTLVs(rsp)
	if err != nil {
		t.Fatalf("parseConfigTLVs: %v", err)
	}
	if !bytes.Equal(params[0x01], []byte{0x7F}) {
		t.Errorf("param 01 = %X", params[0x01])
	}
	if !bytes.Equal(params[nciParamMWEEPROM], []byte{0xAA, 0xBB}) {
		t.Errorf("param A00F = %X", params[nciParamMWEEPROM])
	}

	if _, err := parseConfigTLVs(rsp[:11]); !IsNCIError(err) {
		t.Errorf("truncated TLV error = %v, want NCI error", err)
	}
}

func TestParseCoreResetRsp(t *testing.T) {
	v, await, err := parseCoreResetRsp([]byte{0x40, 0x00, 0x01, 0x00})
	if err != nil || !await || v != nciVersionUnknown {
		t.Errorf("NCI 2.0 response: version %02X, await %v, err %v", v, await, err)
	}
	v, await, err = parseCoreResetRsp([]byte{0x40, 0x00, 0x03, 0x00, 0x11, 0x01})
	if err != nil || await || v != nciVersion1_1 {
		t.Errorf("NCI 1.x response: version %02X, await %v, err %v", v, await, err)
	}
	if _, _, err := parseCoreResetRsp([]byte{0x40, 0x00}); err == nil {
		t.Error("short response accepted")
	}
}

func TestParseCoreResetNtf(t *testing.T) {
	v, mfr, err := parseCoreResetNtf(testResetNtf)
	if err != nil {
		t.Fatalf("parseCoreResetNtf: %v", err)
	}
	if v != nciVersion2_0 {
		t.Errorf("version %02X", v)
	}
	want := manufacturerInfo{HardwareVersion: 0x30, ROMVersion: 0x11, FWMajor: 0x01, FWMinor: 0x20}
	if mfr != want {
		t.Errorf("manufacturer info %+v, want %+v", mfr, want)
	}
}

func TestParseCoreInitRsp(t *testing.T) {
	info, err := parseCoreInitRsp(testInitRsp2, nciVersion2_0)
	if err != nil {
		t.Fatalf("2.0: %v", err)
	}
	if info.MaxRoutingTableSize != 0x200 || info.MaxCtrlPayload != 0xFF {
		t.Errorf("2.0: routing %d, payload %d", info.MaxRoutingTableSize, info.MaxCtrlPayload)
	}
	if !info.supportsInterface(nciInterfaceNFCDEP) || !info.SCBRSupported() {
		t.Errorf("2.0: interfaces %X, features %X", info.Interfaces, info.Features)
	}
	if info.HasManufacturer {
		t.Error("2.0: manufacturer info from CORE_INIT")
	}

	info, err = parseCoreInitRsp(testInitRsp1, nciVersion1_0)
	if err != nil {
		t.Fatalf("1.x: %v", err)
	}
	if !bytes.Equal(info.Interfaces, []byte{0x02, 0x03}) {
		t.Errorf("1.x: interfaces %X", info.Interfaces)
	}
	if !info.HasManufacturer || info.Manufacturer.FirmwareVersion() != 0x110110 {
		t.Errorf("1.x: manufacturer %+v", info.Manufacturer)
	}

	if _, err := parseCoreInitRsp(testInitRsp2[:12], nciVersion2_0); err == nil {
		t.Error("truncated 2.0 response accepted")
	}
}

func TestPacketFields(t *testing.T) {
	p := []byte{0x62, 0x00, 0x05}
	if packetMT(p) != nciMsgTypeNotification || packetGID(p) != nciGroupEE || packetOID(p) != nciEEDiscoverOID {
		t.Errorf("MT %d GID %d OID %d", packetMT(p), packetGID(p), packetOID(p))
	}
	if !isPacket(p, nciMsgTypeNotification, nciGroupEE, nciEEDiscoverOID) {
		t.Error("isPacket mismatch")
	}
	if isPacket(p[:2], nciMsgTypeNotification, nciGroupEE, nciEEDiscoverOID) {
		t.Error("short packet matched")
	}
	if responseStatus([]byte{0x40, 0x00}) != StatusFailed {
		t.Error("short response has a status")
	}
	if got := StatusInvalidParam.String(); got != "INVALID_PARAM" {
		t.Errorf("status name %q", got)
	}
}

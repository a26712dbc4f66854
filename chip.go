package hal

// Firmware major numbers shared by all families
const (
	fwMajorPN81A = 0x02
	fwMajorInfra = 0x02
)

// ChipProfile describes a controller family: firmware numbering and the
// proprietary features its bring-up sequence uses.
type ChipProfile struct {
	Name string

	MobileMajor  uint8
	MobileROM    uint8
	MWMajors     []uint8
	ClockPLLFlag bool // clock param carries the PLL source select (0x10)

	RFRecovery        bool // RF_CONF_BLK status 0x09 triggers the recovery download
	TVDDConfig        bool
	SWPSwitchTimeout  bool
	TianjinRF         bool
	CoreResetRecovery bool // replay discovery after an unsolicited CORE_RESET_NTF
	PN81ARomZeroRule  bool
}

var (
	PN547C2 = ChipProfile{
		Name:         "PN547C2",
		MobileMajor:  0x01,
		MobileROM:    0x08,
		MWMajors:     []uint8{0x01},
		ClockPLLFlag: true,
	}

	PN548C2 = ChipProfile{
		Name:              "PN548C2",
		MobileMajor:       0x01,
		MobileROM:         0x10,
		MWMajors:          []uint8{0x01},
		ClockPLLFlag:      true,
		RFRecovery:        true,
		TVDDConfig:        true,
		SWPSwitchTimeout:  true,
		TianjinRF:         true,
		CoreResetRecovery: true,
	}

	PN551 = ChipProfile{
		Name:             "PN551",
		MobileMajor:      0x05,
		MobileROM:        0x10,
		MWMajors:         []uint8{0x05},
		ClockPLLFlag:     true,
		RFRecovery:       true,
		TVDDConfig:       true,
		SWPSwitchTimeout: true,
		TianjinRF:        true,
	}

	PN553 = ChipProfile{
		Name:             "PN553",
		MobileMajor:      0x01,
		MobileROM:        0x11,
		MWMajors:         []uint8{0x01, 0x02},
		RFRecovery:       true,
		TVDDConfig:       true,
		SWPSwitchTimeout: true,
		TianjinRF:        true,
		PN81ARomZeroRule: true,
	}
)

func (c *ChipProfile) acceptsMWMajor(major uint8) bool {
	for _, m := range c.MWMajors {
		if m == major {
			return true
		}
	}
	return false
}

func (c *ChipProfile) String() string {
	return c.Name
}

package hal

import "fmt"

// FirmwareDownloader flashes the controller. Image parsing and the download
// protocol live behind this interface.
type FirmwareDownloader interface {
	// ImageVersion returns the major<<8 | minor version of the image on offer
	ImageVersion() (uint16, error)

	// Download flashes the image. The controller is already in download mode.
	Download(t Transport, clock ClockProfile) error
}

// gateInput is everything the download decision depends on
type gateInput struct {
	chip       *ChipProfile
	image      uint16 // image major<<8 | minor
	rom        uint8
	nciVersion uint8
	override   bool // NXP_FW_PROTECION_OVERRIDE == 1
	rfRecovery bool // RF recovery download in progress
	reported   uint32
}

// firmwareUpToDate reports whether the controller already runs the image
func firmwareUpToDate(reported uint32, image uint16) bool {
	return reported&0xFFFF == uint32(image)
}

// firmwareGate decides whether the image may be flashed. Rules are checked
// in order and the first match wins. Crossing from infra to mobile firmware
// needs the override flag; the reverse is never automatic.
func firmwareGate(in gateInput) (bool, string) {
	major := uint8(in.image >> 8)
	chip := in.chip

	switch {
	case major == chip.MobileMajor:
		return true, "mobile firmware"
	case major == fwMajorPN81A && in.nciVersion == nciVersion2_0:
		return true, "PN81A firmware on NCI 2.0"
	case chip.PN81ARomZeroRule && in.rom == 0 && major == fwMajorPN81A:
		return true, "PN81A firmware on blank ROM"
	case major == fwMajorInfra:
		if in.rom == PN553.MobileROM && in.nciVersion == nciVersion2_0 {
			return true, "infra firmware on PN553 ROM"
		}
		if in.override {
			return true, "infra firmware with protection override"
		}
		return false, "infra firmware without protection override"
	case chip.RFRecovery && in.rfRecovery:
		return true, "RF recovery download"
	case in.reported == 0:
		return true, "controller reported no firmware"
	default:
		return false, fmt.Sprintf("unexpected firmware major 0x%02X", major)
	}
}

// middlewareCompatible reports whether the resident firmware is usable with
// this middleware when an update could not be applied
func middlewareCompatible(chip *ChipProfile, mfr manufacturerInfo) bool {
	return mfr.ROMVersion == chip.MobileROM && chip.acceptsMWMajor(mfr.FWMajor)
}

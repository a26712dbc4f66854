package hal

// HAL represents the NFC Hardware Abstraction Layer interface exposed to the
// upper NFC stack
type HAL interface {
	// Open brings the controller up to the point where the stack can send
	// CORE_INIT dependent configuration. Completion is also posted as
	// EventOpenComplete.
	Open(stack StackCallback, data DataCallback) error

	// Write passes an NCI packet from the stack to the controller
	Write(data []byte) (int, error)

	// CoreInitialized applies the proprietary configuration after the stack
	// has initialized the core, or resumes an interrupted session when params
	// carry a recovery mode
	CoreInitialized(params []byte) error

	// PreDiscover is called before the stack starts RF discovery
	PreDiscover() error

	// Close shuts the controller down and releases the transport
	Close() error

	// ControlGranted hands control to the HAL after RequestControl
	ControlGranted() error

	// PowerCycle resets the controller without tearing down the session
	PowerCycle() error

	// RequestControl asks the stack for exclusive control
	RequestControl()

	// ReleaseControl returns control to the stack
	ReleaseControl()

	// GetState returns the current bring-up state
	GetState() State

	// EE returns the NFCEE routing manager bound to this session
	EE() *EEManager
}

// State represents the bring-up state of the controller session
type State int

const (
	StateClosed State = iota
	StateResetting
	StateInitializing
	StateVersionCheck
	StateFirmwareDecision
	StateFirmwareDownload
	StateOpened
	StateProprietaryConfig
	StateRoutingAndPowerConfig
	StateReady
	StateRecovering
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateResetting:
		return "Resetting"
	case StateInitializing:
		return "Initializing"
	case StateVersionCheck:
		return "VersionCheck"
	case StateFirmwareDecision:
		return "FirmwareDecision"
	case StateFirmwareDownload:
		return "FirmwareDownload"
	case StateOpened:
		return "Opened"
	case StateProprietaryConfig:
		return "ProprietaryConfig"
	case StateRoutingAndPowerConfig:
		return "RoutingAndPowerConfig"
	case StateReady:
		return "Ready"
	case StateRecovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

package hal

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

// String returns a string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelNone:
		return "NONE"
	case LogLevelError:
		return "ERROR"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// LogCallback is a function type for logging messages
type LogCallback func(level LogLevel, message string)

// Event is an asynchronous notification posted to the stack callback
type Event int

const (
	EventOpenComplete Event = iota
	EventCloseComplete
	EventPostInitComplete
	EventPreDiscoverComplete
	EventError
	EventRequestControl
	EventReleaseControl
	EventEnableI2CFragmentation
)

// String returns a string representation of the event
func (e Event) String() string {
	switch e {
	case EventOpenComplete:
		return "OpenComplete"
	case EventCloseComplete:
		return "CloseComplete"
	case EventPostInitComplete:
		return "PostInitComplete"
	case EventPreDiscoverComplete:
		return "PreDiscoverComplete"
	case EventError:
		return "Error"
	case EventRequestControl:
		return "RequestControl"
	case EventReleaseControl:
		return "ReleaseControl"
	case EventEnableI2CFragmentation:
		return "EnableI2CFragmentation"
	default:
		return "Unknown"
	}
}

// EventStatus qualifies an Event
type EventStatus int

const (
	EventStatusOK EventStatus = iota
	EventStatusFailed
	EventStatusErrTransport
	EventStatusErrCmdTimeout
)

// String returns a string representation of the event status
func (s EventStatus) String() string {
	switch s {
	case EventStatusOK:
		return "OK"
	case EventStatusFailed:
		return "Failed"
	case EventStatusErrTransport:
		return "ErrTransport"
	case EventStatusErrCmdTimeout:
		return "ErrCmdTimeout"
	default:
		return "Unknown"
	}
}

// StackCallback receives lifecycle events from the HAL
type StackCallback func(event Event, status EventStatus)

// DataCallback receives every NCI packet not consumed by the HAL itself.
// The slice is owned by the callee.
type DataCallback func(data []byte)

// ControlGrantedCallback is invoked when the stack grants control to the HAL
type ControlGrantedCallback func()

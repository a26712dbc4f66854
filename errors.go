package hal

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// Application error codes
	ErrCodeCallerMisuse     = -0x100
	ErrCodeInvalidParameter = -0x101
	ErrCodeNotSupported     = -0x102
	ErrCodeSemanticError    = -0x103
	ErrCodeNotFound         = -0x104

	// Configuration error codes
	ErrCodeConfiguration = -0x110

	// I2C / transport error codes (0x200 range)
	ErrCodeI2CWrite         = -0x201
	ErrCodeI2CRead          = -0x202
	ErrCodeI2CPoll          = -0x203
	ErrCodeTransportAborted = -0x205
	ErrCodeIoctl            = -0x206

	// NCI protocol error codes (0x300 range)
	ErrCodeNCIInvalidHeader    = -0x301
	ErrCodeNCIInvalidData      = -0x302
	ErrCodeNCIInvalidOID       = -0x303
	ErrCodeNCIIncompleteRead   = -0x304
	ErrCodeNCIIncompleteMsg    = -0x305
	ErrCodeNCIUnexpectedReset  = -0x306
	ErrCodeNCIResponseTimeout  = -0x307
	ErrCodeNCIRetriesExhausted = -0x308
	ErrCodeNCIStatus           = -0x309

	// Firmware error codes (0x400 range)
	ErrCodeFirmwareNotAllowed = -0x401
	ErrCodeFirmwareDownload   = -0x402
	ErrCodeFirmwareMismatch   = -0x403
)

// NFCError is the base interface for all NFC-related errors
type NFCError interface {
	error
	IsNFCError() bool
	Code() int
}

// HALError represents hardware-level errors that require recovery
type HALError interface {
	NFCError
	IsHALError() bool
}

// I2CError represents transport errors on the link to the controller (subclass of HALError)
type I2CError interface {
	HALError
	IsI2CError() bool
}

// NCIError represents NCI protocol errors (subclass of HALError)
type NCIError interface {
	HALError
	IsNCIError() bool
}

// TransientError represents temporary errors that can be retried
type TransientError interface {
	NFCError
	IsTransientError() bool
}

// ApplicationError represents caller-side conditions that are reported synchronously
type ApplicationError interface {
	NFCError
	IsApplicationError() bool
}

// baseError provides common functionality for all error types
type baseError struct {
	code    int
	message string
}

func (e *baseError) Error() string {
	return e.message
}

func (e *baseError) Code() int {
	return e.code
}

func (e *baseError) IsNFCError() bool {
	return true
}

// i2cError represents transport errors
type i2cError struct {
	baseError
	cause error
}

func (e *i2cError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *i2cError) IsHALError() bool {
	return true
}

func (e *i2cError) IsI2CError() bool {
	return true
}

func (e *i2cError) Unwrap() error {
	return e.cause
}

// nciError represents NCI protocol errors
type nciError struct {
	baseError
	cause error
}

func (e *nciError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *nciError) IsHALError() bool {
	return true
}

func (e *nciError) IsNCIError() bool {
	return true
}

func (e *nciError) Unwrap() error {
	return e.cause
}

// Transport error constructors

func NewI2CWriteError(message string, cause error) error {
	return &i2cError{
		baseError: baseError{code: ErrCodeI2CWrite, message: message},
		cause:     cause,
	}
}

func NewI2CReadError(message string, cause error) error {
	return &i2cError{
		baseError: baseError{code: ErrCodeI2CRead, message: message},
		cause:     cause,
	}
}

func NewI2CPollError(message string, cause error) error {
	return &i2cError{
		baseError: baseError{code: ErrCodeI2CPoll, message: message},
		cause:     cause,
	}
}

func NewIoctlError(message string, cause error) error {
	return &i2cError{
		baseError: baseError{code: ErrCodeIoctl, message: message},
		cause:     cause,
	}
}

// TransportAbortedError is returned by a transport whose read or write was
// aborted, or which has been shut down. It is never retried.
type TransportAbortedError struct {
	i2cError
}

func NewTransportAbortedError(message string) error {
	return &TransportAbortedError{
		i2cError: i2cError{baseError: baseError{code: ErrCodeTransportAborted, message: message}},
	}
}

// NCI error constructors

func NewNCIInvalidHeaderError(message string) error {
	return &nciError{
		baseError: baseError{code: ErrCodeNCIInvalidHeader, message: message},
	}
}

func NewNCIInvalidDataError(message string) error {
	return &nciError{
		baseError: baseError{code: ErrCodeNCIInvalidData, message: message},
	}
}

func NewNCIInvalidOIDError(message string) error {
	return &nciError{
		baseError: baseError{code: ErrCodeNCIInvalidOID, message: message},
	}
}

func NewNCIIncompleteReadError(message string) error {
	return &nciError{
		baseError: baseError{code: ErrCodeNCIIncompleteRead, message: message},
	}
}

func NewNCIIncompleteMsgError(message string) error {
	return &nciError{
		baseError: baseError{code: ErrCodeNCIIncompleteMsg, message: message},
	}
}

func NewNCIUnexpectedResetError(message string) error {
	return &nciError{
		baseError: baseError{code: ErrCodeNCIUnexpectedReset, message: message},
	}
}

// ResponseTimeoutError indicates no matching response arrived before the deadline
type ResponseTimeoutError struct {
	nciError
}

func (e *ResponseTimeoutError) IsTransientError() bool {
	return true
}

func NewResponseTimeoutError(message string) error {
	return &ResponseTimeoutError{
		nciError: nciError{baseError: baseError{code: ErrCodeNCIResponseTimeout, message: message}},
	}
}

// RetriesExhaustedError indicates the correlator gave up on a command after
// the configured number of attempts and escalated to a hardware reset.
type RetriesExhaustedError struct {
	nciError
	Attempts int
}

func NewRetriesExhaustedError(attempts int, cause error) error {
	return &RetriesExhaustedError{
		nciError: nciError{
			baseError: baseError{
				code:    ErrCodeNCIRetriesExhausted,
				message: fmt.Sprintf("command failed after %d attempts", attempts),
			},
			cause: cause,
		},
		Attempts: attempts,
	}
}

// StatusError carries a non-OK status byte returned by the controller
type StatusError struct {
	nciError
	Status Status
}

func NewStatusError(message string, status Status) error {
	return &StatusError{
		nciError: nciError{baseError: baseError{
			code:    ErrCodeNCIStatus,
			message: fmt.Sprintf("%s: %s", message, status),
		}},
		Status: status,
	}
}

// transientError represents temporary errors that should be retried
type transientError struct {
	baseError
}

func (e *transientError) IsTransientError() bool {
	return true
}

// NewTransientError creates a new transient error
func NewTransientError(message string) error {
	return &transientError{
		baseError: baseError{message: message},
	}
}

// applicationError represents caller-side conditions
type applicationError struct {
	baseError
}

func (e *applicationError) IsApplicationError() bool {
	return true
}

// NewApplicationError creates a new application error
func NewApplicationError(message string) error {
	return &applicationError{
		baseError: baseError{message: message},
	}
}

// Specific error types

// CallerMisuseError indicates an operation was called out of state
type CallerMisuseError struct {
	applicationError
}

func NewCallerMisuseError(message string) error {
	return &CallerMisuseError{
		applicationError: applicationError{
			baseError: baseError{code: ErrCodeCallerMisuse, message: message},
		},
	}
}

// InvalidParameterError indicates a rejected argument (bad handle, bad length)
type InvalidParameterError struct {
	applicationError
}

func NewInvalidParameterError(message string) error {
	return &InvalidParameterError{
		applicationError: applicationError{
			baseError: baseError{code: ErrCodeInvalidParameter, message: message},
		},
	}
}

// NotSupportedError indicates the controller or transport lacks a capability
type NotSupportedError struct {
	applicationError
}

func NewNotSupportedError(message string) error {
	return &NotSupportedError{
		applicationError: applicationError{
			baseError: baseError{code: ErrCodeNotSupported, message: message},
		},
	}
}

// SemanticError indicates a request that conflicts with work already in progress
type SemanticError struct {
	applicationError
}

func NewSemanticError(message string) error {
	return &SemanticError{
		applicationError: applicationError{
			baseError: baseError{code: ErrCodeSemanticError, message: message},
		},
	}
}

// NotFoundError indicates a routing entry that does not exist
type NotFoundError struct {
	applicationError
}

func NewNotFoundError(message string) error {
	return &NotFoundError{
		applicationError: applicationError{
			baseError: baseError{code: ErrCodeNotFound, message: message},
		},
	}
}

// ConfigurationError indicates configuration values the controller rejected
type ConfigurationError struct {
	baseError
}

func NewConfigurationError(message string) error {
	return &ConfigurationError{
		baseError: baseError{code: ErrCodeConfiguration, message: message},
	}
}

// FirmwareError reports a refused, failed or incompatible firmware update
type FirmwareError struct {
	baseError
	cause error
}

func (e *FirmwareError) IsHALError() bool {
	return true
}

func (e *FirmwareError) Unwrap() error {
	return e.cause
}

func NewFirmwareNotAllowedError(message string) error {
	return &FirmwareError{baseError: baseError{code: ErrCodeFirmwareNotAllowed, message: message}}
}

func NewFirmwareDownloadError(message string, cause error) error {
	return &FirmwareError{baseError: baseError{code: ErrCodeFirmwareDownload, message: message}, cause: cause}
}

func NewFirmwareMismatchError(message string) error {
	return &FirmwareError{baseError: baseError{code: ErrCodeFirmwareMismatch, message: message}}
}

// Helper functions for error type checking

// IsHALError checks if an error is a HAL error requiring reinitialization
func IsHALError(err error) bool {
	var halErr HALError
	return errors.As(err, &halErr) && halErr.IsHALError()
}

// IsI2CError checks if an error is a transport error
func IsI2CError(err error) bool {
	var i2cErr I2CError
	return errors.As(err, &i2cErr) && i2cErr.IsI2CError()
}

// IsNCIError checks if an error is an NCI protocol error
func IsNCIError(err error) bool {
	var nciErr NCIError
	return errors.As(err, &nciErr) && nciErr.IsNCIError()
}

// IsTransientError checks if an error is transient and can be retried
func IsTransientError(err error) bool {
	var transErr TransientError
	return errors.As(err, &transErr) && transErr.IsTransientError()
}

// IsApplicationError checks if an error is a caller-side condition
func IsApplicationError(err error) bool {
	var appErr ApplicationError
	return errors.As(err, &appErr) && appErr.IsApplicationError()
}

func IsTransportAbortedError(err error) bool {
	var target *TransportAbortedError
	return errors.As(err, &target)
}

func IsResponseTimeoutError(err error) bool {
	var target *ResponseTimeoutError
	return errors.As(err, &target)
}

// IsRetriesExhaustedError reports whether the correlator escalated to a reset
func IsRetriesExhaustedError(err error) bool {
	var target *RetriesExhaustedError
	return errors.As(err, &target)
}

func IsCallerMisuseError(err error) bool {
	var target *CallerMisuseError
	return errors.As(err, &target)
}

func IsInvalidParameterError(err error) bool {
	var target *InvalidParameterError
	return errors.As(err, &target)
}

func IsNotSupportedError(err error) bool {
	var target *NotSupportedError
	return errors.As(err, &target)
}

func IsSemanticError(err error) bool {
	var target *SemanticError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsFirmwareError(err error) bool {
	var target *FirmwareError
	return errors.As(err, &target)
}

// StatusOf extracts the controller status carried by err, if any
func StatusOf(err error) (Status, bool) {
	var target *StatusError
	if errors.As(err, &target) {
		return target.Status, true
	}
	return StatusOK, false
}

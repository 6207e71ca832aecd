package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Identity errors
// 12000-12999: Machine & Instance errors
// 13000-13999: Flag submission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Identity Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Machine & Instance Errors (12000-12999) ==========

	// Machine (12000-12099)
	MachineNotFound    ErrorCode = 12000
	MachineUnavailable ErrorCode = 12001

	// Instance lifecycle (12100-12199)
	InstanceNotFound      ErrorCode = 12100
	InstanceConflict      ErrorCode = 12101
	InstanceInvalidState  ErrorCode = 12102
	InstanceLimitExceeded ErrorCode = 12103
	InstanceExpired       ErrorCode = 12104
	NoActiveInstance      ErrorCode = 12105

	// Runtime (12200-12299)
	RuntimeFailure ErrorCode = 12200

	// ========== Flag Submission Errors (13000-13999) ==========

	FlagRateLimited  ErrorCode = 13000
	FlagRecordFailed ErrorCode = 13001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Identity
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Machine
	MachineNotFound:    "Machine not found",
	MachineUnavailable: "Machine not available",

	// Instance
	InstanceNotFound:      "Instance not found",
	InstanceConflict:      "You already have a running instance of this machine",
	InstanceInvalidState:  "Instance is not running",
	InstanceLimitExceeded: "Maximum instance lifetime reached",
	InstanceExpired:       "Instance has expired",
	NoActiveInstance:      "You need an active instance to submit flags",

	// Runtime
	RuntimeFailure: "Failed to operate instance runtime",

	// Flag
	FlagRateLimited:  "Too many flag attempts, please wait before trying again",
	FlagRecordFailed: "Failed to record flag submission",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == NoActiveInstance, c == InstanceExpired:
		return 403
	case c == NotFound, c == MachineNotFound, c == MachineUnavailable,
		c == InstanceNotFound:
		return 404
	case c == InstanceConflict, c == RecordAlreadyExists:
		return 409
	case c == InstanceInvalidState, c == InstanceLimitExceeded:
		return 400
	case c == TooManyRequests, c == FlagRateLimited:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	default:
		return 500
	}
}

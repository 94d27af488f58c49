package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — wrap these with NewDomainError for operation context.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrValidation    = fmt.Errorf("validation failed")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrSessionNotFound  = fmt.Errorf("session not found")
	ErrCustomerNotFound = fmt.Errorf("customer: %w", ErrNotFound)
	ErrProductNotFound  = fmt.Errorf("product: %w", ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("order: %w", ErrNotFound)
	ErrBackendDown      = fmt.Errorf("crm backend unreachable")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrParseGaveUp      = fmt.Errorf("intent parse exhausted all strategies")

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Odoo.CreateCustomer")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackendDown)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeValidation        ErrorCode = "VALIDATION"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeCustomerNotFound  ErrorCode = "CUSTOMER_NOT_FOUND"
	CodeProductNotFound   ErrorCode = "PRODUCT_NOT_FOUND"
	CodeOrderNotFound     ErrorCode = "ORDER_NOT_FOUND"
	CodeBackendDown       ErrorCode = "BACKEND_DOWN"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeParseGaveUp       ErrorCode = "PARSE_GAVE_UP"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrTimeout:           CodeTimeout,
	ErrInvalidInput:      CodeInvalidInput,
	ErrValidation:        CodeValidation,
	ErrProviderError:     CodeProviderError,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrCustomerNotFound:  CodeCustomerNotFound,
	ErrProductNotFound:   CodeProductNotFound,
	ErrOrderNotFound:     CodeOrderNotFound,
	ErrBackendDown:       CodeBackendDown,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrParseGaveUp:       CodeParseGaveUp,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
}

// chainOrder lists sentinels for errors.Is chain walking, most specific
// first so that wrapped categories (ErrCustomerNotFound wraps ErrNotFound)
// resolve to their own code.
var chainOrder = []error{
	ErrCustomerNotFound, ErrProductNotFound, ErrOrderNotFound,
	ErrSessionNotFound, ErrGatewayAuthFailed, ErrBackendDown,
	ErrRateLimit, ErrAuthInvalid, ErrConfigLoad, ErrDecryption,
	ErrParseGaveUp, ErrRPCMethodNotFound, ErrRPCInvalidPayload,
	ErrNotFound, ErrDuplicate, ErrTimeout, ErrInvalidInput,
	ErrValidation, ErrProviderError,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range chainOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}

package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the coarse error taxonomy callers map to protocol responses.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION_ERROR"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindConflict           ErrorKind = "CONFLICT"
	KindExpired            ErrorKind = "EXPIRED"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindInvalidTransition  ErrorKind = "INVALID_TRANSITION"
	KindStorageUnavailable ErrorKind = "STORAGE_UNAVAILABLE"
	KindAuditWriteFailed   ErrorKind = "AUDIT_WRITE_FAILED"
)

// Common error codes
const (
	ErrInvalidPayload          = "INVALID_PAYLOAD"
	ErrUnsupportedNetwork      = "UNSUPPORTED_NETWORK"
	ErrDuplicateTx             = "DUPLICATE_TRANSACTION"
	ErrCodeNonceNotFound       = "NONCE_NOT_FOUND"
	ErrCodeNonceUsed           = "NONCE_ALREADY_USED"
	ErrCodeNonceExpired        = "NONCE_EXPIRED"
	ErrCodeNonceNotConsumed    = "NONCE_NOT_CONSUMED"
	ErrCodeGenerationConflict  = "NONCE_GENERATION_CONFLICT"
	ErrCodePaymentNotFound     = "PAYMENT_NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeConfigNotFound      = "CONFIG_NOT_FOUND"
	ErrCodeConfigConflict      = "CONFIG_VERSION_CONFLICT"
	ErrCodeConfigInvalid       = "CONFIG_INVALID"
	ErrCodeStorage             = "STORAGE_UNAVAILABLE"
	ErrCodeAuditWrite          = "AUDIT_WRITE_FAILED"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeSettlementFailed    = "SETTLEMENT_FAILED"
	ErrCodeRecordNotFound      = "RECORD_NOT_FOUND"
	ErrCodeDuplicateRecord     = "DUPLICATE_RECORD"
	ErrCodeWindowNotFound      = "RATE_LIMIT_WINDOW_NOT_FOUND"
	ErrCodeUnsupportedIdentity = "UNSUPPORTED_IDENTIFIER_TYPE"
)

// X402Error is the tagged error returned by every operation.
type X402Error struct {
	Kind       ErrorKind     `json:"kind"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Data       interface{}   `json:"data,omitempty"`
	Err        error         `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// Is matches by Code, or by Kind when the target carries no Code.
func (e *X402Error) Is(target error) bool {
	t, ok := target.(*X402Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the caller may retry the same call unchanged.
func (e *X402Error) Retryable() bool {
	return e.Kind == KindStorageUnavailable
}

var (
	ErrValidation              = &X402Error{Kind: KindValidation}
	ErrNotFound                = &X402Error{Kind: KindNotFound}
	ErrConflict                = &X402Error{Kind: KindConflict}
	ErrExpired                 = &X402Error{Kind: KindExpired}
	ErrInvalidTransition       = &X402Error{Kind: KindInvalidTransition, Code: ErrCodeInvalidTransition}
	ErrRateLimited             = &X402Error{Kind: KindRateLimited, Code: ErrCodeRateLimited}
	ErrStorageUnavailable      = &X402Error{Kind: KindStorageUnavailable}
	ErrAuditWriteFailed        = &X402Error{Kind: KindAuditWriteFailed, Code: ErrCodeAuditWrite}
	ErrDuplicateTransaction    = &X402Error{Kind: KindConflict, Code: ErrDuplicateTx}
	ErrNonceNotFound           = &X402Error{Kind: KindNotFound, Code: ErrCodeNonceNotFound}
	ErrNonceAlreadyUsed        = &X402Error{Kind: KindConflict, Code: ErrCodeNonceUsed}
	ErrNonceExpired            = &X402Error{Kind: KindExpired, Code: ErrCodeNonceExpired}
	ErrNonceNotConsumed        = &X402Error{Kind: KindInvalidTransition, Code: ErrCodeNonceNotConsumed}
	ErrNonceGenerationConflict = &X402Error{Kind: KindConflict, Code: ErrCodeGenerationConflict}
	ErrPaymentNotFound         = &X402Error{Kind: KindNotFound, Code: ErrCodePaymentNotFound}
	ErrConfigNotFound          = &X402Error{Kind: KindNotFound, Code: ErrCodeConfigNotFound}
	ErrConfigConflict          = &X402Error{Kind: KindConflict, Code: ErrCodeConfigConflict}
	ErrVerificationFailed      = &X402Error{Kind: KindValidation, Code: ErrCodeVerificationFailed}
)

// NewError builds a tagged error.
func NewError(kind ErrorKind, code, message string) *X402Error {
	return &X402Error{Kind: kind, Code: code, Message: message}
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...interface{}) *X402Error {
	return &X402Error{Kind: KindValidation, Code: ErrInvalidPayload, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not an *X402Error.
func KindOf(err error) ErrorKind {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "" when err is not an *X402Error.
func CodeOf(err error) string {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	return IsKind(err, KindStorageUnavailable)
}

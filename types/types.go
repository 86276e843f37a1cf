package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentStatus represents the lifecycle state of a payment
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusVerified PaymentStatus = "VERIFIED"
	PaymentStatusSettled  PaymentStatus = "SETTLED"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusExpired  PaymentStatus = "EXPIRED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is defined from s.
// SETTLED counts as terminal even though it can still be refunded.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSettled, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusRefunded:
		return true
	}
	return false
}

// IdentifierType classifies a rate-limit subject
type IdentifierType string

const (
	IdentifierIP     IdentifierType = "IP"
	IdentifierWallet IdentifierType = "WALLET"
)

func (t IdentifierType) Valid() bool {
	return t == IdentifierIP || t == IdentifierWallet
}

// AuditEventType enumerates the occurrences recorded by the audit trail
type AuditEventType string

const (
	EventPaymentInitiated  AuditEventType = "PAYMENT_INITIATED"
	EventPaymentVerified   AuditEventType = "PAYMENT_VERIFIED"
	EventPaymentSettled    AuditEventType = "PAYMENT_SETTLED"
	EventPaymentFailed     AuditEventType = "PAYMENT_FAILED"
	EventPaymentExpired    AuditEventType = "PAYMENT_EXPIRED"
	EventPaymentRefunded   AuditEventType = "PAYMENT_REFUNDED"
	EventNonceGenerated    AuditEventType = "NONCE_GENERATED"
	EventNonceUsed         AuditEventType = "NONCE_USED"
	EventNonceRejected     AuditEventType = "NONCE_REJECTED"
	EventRateLimitChecked  AuditEventType = "RATE_LIMIT_CHECKED"
	EventRateLimitExceeded AuditEventType = "RATE_LIMIT_EXCEEDED"
	EventRateLimitReset    AuditEventType = "RATE_LIMIT_RESET"
	EventSecurityViolation AuditEventType = "SECURITY_VIOLATION"
	EventConfigUpdated     AuditEventType = "CONFIG_UPDATED"
)

// Payment is a single x402 payment record.
type Payment struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	TxHash      string         `gorm:"size:66;not null;uniqueIndex" json:"txHash"`
	FromAddress string         `gorm:"size:42;not null;index" json:"fromAddress"`
	ToAddress   string         `gorm:"size:42;not null" json:"toAddress"`
	Amount      string         `gorm:"size:78;not null" json:"amount"` // decimal string, arbitrary precision
	Currency    string         `gorm:"size:16;not null" json:"currency"`
	Decimals    int            `gorm:"not null" json:"decimals"`
	Resource    string         `gorm:"size:512;not null" json:"resource"`
	Nonce       string         `gorm:"size:32;not null;index" json:"nonce"`
	Network     string         `gorm:"size:64;not null" json:"network"`
	ChainID     int64          `gorm:"not null" json:"chainId"`
	BlockNumber *uint64        `json:"blockNumber,omitempty"`
	BlockHash   *string        `gorm:"size:66" json:"blockHash,omitempty"`
	Status      PaymentStatus  `gorm:"size:16;not null;index" json:"status"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updatedAt"`
	SettledAt   *time.Time     `json:"settledAt,omitempty"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Nonce is a single-use challenge token bound to one resource.
type Nonce struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	Value     string     `gorm:"size:32;not null;uniqueIndex" json:"value"`
	Resource  string     `gorm:"size:512;not null" json:"resource"`
	Used      bool       `gorm:"not null;default:false" json:"used"`
	CreatedAt time.Time  `gorm:"not null" json:"createdAt"`
	ExpiresAt time.Time  `gorm:"not null;index" json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	IPAddress *string    `gorm:"size:64" json:"ipAddress,omitempty"`
	UserAgent *string    `gorm:"size:512" json:"userAgent,omitempty"`
}

func (n *Nonce) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return nil
}

// Expired reports whether the nonce is past its expiry at now.
func (n *Nonce) Expired(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

// RateLimitWindow counts requests for one (identifier, identifierType, resource) key.
// Resource is stored as "" when the window is not scoped to a resource.
type RateLimitWindow struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	Identifier     string         `gorm:"size:255;not null;uniqueIndex:idx_rate_limit_key" json:"identifier"`
	IdentifierType IdentifierType `gorm:"size:16;not null;uniqueIndex:idx_rate_limit_key" json:"identifierType"`
	Resource       string         `gorm:"size:512;not null;default:'';uniqueIndex:idx_rate_limit_key" json:"resource,omitempty"`
	RequestCount   int64          `gorm:"not null;default:0" json:"requestCount"`
	WindowStart    time.Time      `gorm:"not null" json:"windowStart"`
	WindowEnd      time.Time      `gorm:"not null;index" json:"windowEnd"`
	Blocked        bool           `gorm:"not null;default:false" json:"blocked"`
	BlockedUntil   *time.Time     `gorm:"index" json:"blockedUntil,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updatedAt"`
}

func (w *RateLimitWindow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// BlockedAt reports whether the window is blocked at now.
func (w *RateLimitWindow) BlockedAt(now time.Time) bool {
	return w.BlockedUntil != nil && now.Before(*w.BlockedUntil)
}

// AuditEvent is an immutable record of a security- or payment-relevant occurrence.
type AuditEvent struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	EventType    AuditEventType `gorm:"size:32;not null;index" json:"eventType"`
	EventData    datatypes.JSON `json:"eventData"`
	PaymentID    *string        `gorm:"size:36;index" json:"paymentId,omitempty"`
	Payment      *Payment       `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	IPAddress    *string        `gorm:"size:64" json:"ipAddress,omitempty"`
	UserAgent    *string        `gorm:"size:512" json:"userAgent,omitempty"`
	Success      bool           `gorm:"not null" json:"success"`
	ErrorCode    *string        `gorm:"size:64" json:"errorCode,omitempty"`
	ErrorMessage *string        `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"createdAt"`
}

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// ConfigEntry is a versioned key/value system setting.
type ConfigEntry struct {
	Key         string         `gorm:"primaryKey;column:config_key;size:128" json:"key"`
	Value       datatypes.JSON `gorm:"not null" json:"value"`
	Description *string        `gorm:"type:text" json:"description,omitempty"`
	Version     int64          `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updatedAt"`
}

// RequestContext carries caller identity for audit and rate-limit keying.
type RequestContext struct {
	Identifier     string
	IdentifierType IdentifierType
	IPAddress      string
	UserAgent      string
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool      `json:"isValid"`
	InvalidReason string    `json:"invalidReason,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Recipient     string    `json:"recipient,omitempty"`
	Payer         string    `json:"payer,omitempty"`
	Extra         ExtraData `json:"extra,omitempty"`
}

// SettlementResult contains the result of payment settlement
type SettlementResult struct {
	Success     bool      `json:"success"`
	PaymentID   string    `json:"paymentId"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	BlockHash   string    `json:"blockHash,omitempty"`
	Error       string    `json:"error,omitempty"`
	Extra       ExtraData `json:"extra,omitempty"`
}

// ExtraData contains additional payment-specific data
type ExtraData map[string]interface{}

// X402Config contains global configuration for the guard
type X402Config struct {
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`
	RetryCount     int           `json:"retryCount,omitempty"`
	RetryBackoff   time.Duration `json:"retryBackoff,omitempty"`
	LogLevel       string        `json:"logLevel,omitempty"`
	EnableMetrics  bool          `json:"enableMetrics,omitempty"`
	ConfigCacheTTL time.Duration `json:"configCacheTtl,omitempty"`
	// NonceTTL and PaymentTimeout override nonce.default and payment.policy when set.
	NonceTTL       time.Duration `json:"nonceTtl,omitempty"`
	PaymentTimeout time.Duration `json:"paymentTimeout,omitempty"`
}

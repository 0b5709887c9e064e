package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTenantConfigNotFound   = errors.New("tenant email configuration not found")
	ErrDeliveryRecordNotFound = errors.New("delivery record not found")
	ErrQueueItemNotFound      = errors.New("queue item not found")
	ErrConcurrentUpdate       = errors.New("concurrent update conflict")
	ErrUnknownPlanTier        = errors.New("unknown plan tier")
	ErrUnknownStatus          = errors.New("unknown delivery status")
	ErrUnknownEventKind       = errors.New("unknown event kind")
	ErrInvalidScope           = errors.New("invalid record scope")
	ErrMissingAddress         = errors.New("recipient and sender are required")
	ErrProviderNotFound       = errors.New("email provider not configured")
)

// Classified send failure kinds. Each SendError unwraps to exactly one of these.
var (
	ErrEmailVerification       = errors.New("email identity not verified")
	ErrEmailQuotaExceeded      = errors.New("provider sending quota exceeded")
	ErrEmailBlacklisted        = errors.New("recipient is suppressed")
	ErrEmailInvalidRecipient   = errors.New("invalid recipient address")
	ErrEmailProviderConfig     = errors.New("email provider configuration error")
	ErrEmailProviderConnection = errors.New("email provider connection error")
	ErrUnclassifiedSend        = errors.New("email sending failed")
)

// ErrorKind names the classification of a send failure.
type ErrorKind string

const (
	KindVerification       ErrorKind = "EmailVerificationError"
	KindQuotaExceeded      ErrorKind = "EmailQuotaExceededError"
	KindBlacklisted        ErrorKind = "EmailBlacklistedError"
	KindInvalidRecipient   ErrorKind = "EmailInvalidRecipientError"
	KindProviderConfig     ErrorKind = "EmailProviderConfigError"
	KindProviderConnection ErrorKind = "EmailProviderConnectionError"
	KindUnclassified       ErrorKind = "UnclassifiedSendError"
)

var kindSentinels = map[ErrorKind]error{
	KindVerification:       ErrEmailVerification,
	KindQuotaExceeded:      ErrEmailQuotaExceeded,
	KindBlacklisted:        ErrEmailBlacklisted,
	KindInvalidRecipient:   ErrEmailInvalidRecipient,
	KindProviderConfig:     ErrEmailProviderConfig,
	KindProviderConnection: ErrEmailProviderConnection,
	KindUnclassified:       ErrUnclassifiedSend,
}

// SendError is a classified provider or transport failure.
// UserMessage is safe to show to end users; the raw cause is for logs only.
type SendError struct {
	Kind              ErrorKind
	Retryable         bool
	UserMessage       string
	UnverifiedAddress string
	Provider          string
	Cause             error
}

func (e *SendError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

// Unwrap exposes both the kind sentinel and the raw cause to errors.Is/As.
func (e *SendError) Unwrap() []error {
	var errs []error
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

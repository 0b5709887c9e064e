package classifier

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// Family groups providers that fail in the same shape.
type Family string

const (
	// FamilySES covers API providers that return structured errors (code, message, HTTP status).
	FamilySES Family = "ses"
	// FamilySMTP covers providers reached over SMTP, whose failures are reply text.
	FamilySMTP Family = "smtp"
)

// ProviderError is the structured failure of an API-style provider.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + e.Code + " (status " + strconv.Itoa(e.StatusCode) + "): " + e.Message
}

// Context carries what the caller knows about the failed send.
type Context struct {
	Provider  string
	Recipient string
	Sender    string
}

// Classifier maps a raw provider or transport failure to a classified SendError.
type Classifier interface {
	Family() Family
	Classify(err error, c Context) *domain.SendError
}

// signature is the part of an error the rule tables inspect.
type signature struct {
	code   string
	status int
	text   string
}

type tableClassifier struct {
	family Family
	rules  []rule
	sig    func(err error) signature
}

func (t *tableClassifier) Family() Family { return t.family }

func (t *tableClassifier) Classify(err error, c Context) *domain.SendError {
	if err == nil {
		return nil
	}
	var already *domain.SendError
	if errors.As(err, &already) {
		return already
	}

	s := t.sig(err)
	for _, r := range t.rules {
		if r.matches(s) {
			return build(r.kind, s.text, c, err)
		}
	}
	if isTransportFailure(err) {
		return build(domain.KindProviderConnection, s.text, c, err)
	}
	return build(domain.KindUnclassified, s.text, c, err)
}

// NewSES returns the classifier for structured API errors.
func NewSES() Classifier {
	return &tableClassifier{family: FamilySES, rules: sesRules, sig: sesSignature}
}

// NewSMTP returns the classifier for SMTP reply text.
func NewSMTP() Classifier {
	return &tableClassifier{family: FamilySMTP, rules: smtpRules, sig: smtpSignature}
}

func sesSignature(err error) signature {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return signature{code: pe.Code, status: pe.StatusCode, text: pe.Message}
	}
	return signature{text: err.Error()}
}

func smtpSignature(err error) signature {
	var te *textproto.Error
	if errors.As(err, &te) {
		return signature{code: strconv.Itoa(te.Code), text: strconv.Itoa(te.Code) + " " + te.Msg}
	}
	return signature{text: err.Error()}
}

func isTransportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// identityAddress finds an address directly after a colon-delimited identity list,
// e.g. "failed the check in region EU-NORTH-1: foo@bar.com".
var identityAddress = regexp.MustCompile(`:\s*([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)

func extractIdentity(text string) string {
	m := identityAddress.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

var retryableKinds = map[domain.ErrorKind]bool{
	domain.KindQuotaExceeded:      true,
	domain.KindProviderConnection: true,
	domain.KindUnclassified:       true,
}

var userMessages = map[domain.ErrorKind]string{
	domain.KindQuotaExceeded:      "Email provider sending limit reached, the message will be retried",
	domain.KindBlacklisted:        "Recipient address is on a suppression list and cannot receive email",
	domain.KindInvalidRecipient:   "Recipient email address is invalid",
	domain.KindProviderConfig:     "Email provider configuration error, contact your administrator",
	domain.KindProviderConnection: "Could not reach the email provider, the message will be retried",
	domain.KindUnclassified:       "Email sending failed",
}

func build(kind domain.ErrorKind, text string, c Context, cause error) *domain.SendError {
	se := &domain.SendError{
		Kind:        kind,
		Retryable:   retryableKinds[kind],
		UserMessage: userMessages[kind],
		Provider:    c.Provider,
		Cause:       cause,
	}
	if kind == domain.KindVerification {
		se.UnverifiedAddress = extractIdentity(text)
		if se.UnverifiedAddress != "" {
			se.UserMessage = "Sender verification required: " + se.UnverifiedAddress + " is not verified with the email provider"
		} else {
			se.UserMessage = "Sender verification required: the sending identity is not verified with the email provider"
		}
	}
	return se
}

// Registry dispatches to the classifier of a provider family. Unknown families use the SMTP
// text tables.
type Registry struct {
	byFamily map[Family]Classifier
	fallback Classifier
}

// NewRegistry indexes classifiers by family.
func NewRegistry(classifiers ...Classifier) *Registry {
	r := &Registry{byFamily: make(map[Family]Classifier, len(classifiers)), fallback: NewSMTP()}
	for _, c := range classifiers {
		r.byFamily[c.Family()] = c
	}
	return r
}

// Default returns a registry with the SES and SMTP classifiers.
func Default() *Registry {
	return NewRegistry(NewSES(), NewSMTP())
}

// Classify returns the retry verdict, the message safe to show users and the classified error.
func (r *Registry) Classify(err error, family Family, c Context) (bool, string, *domain.SendError) {
	if err == nil {
		return false, "", nil
	}
	cl, ok := r.byFamily[family]
	if !ok {
		cl = r.fallback
	}
	se := cl.Classify(err, c)
	return se.Retryable, se.UserMessage, se
}

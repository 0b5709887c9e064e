package classifier

import (
	"regexp"
	"strings"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// rule matches when every criterion it sets holds. Rules are evaluated in table order.
type rule struct {
	kind     domain.ErrorKind
	codes    []string
	statuses []int
	text     *regexp.Regexp
}

func (r rule) matches(s signature) bool {
	if len(r.codes) > 0 && !containsFold(r.codes, s.code) {
		return false
	}
	if len(r.statuses) > 0 && !containsInt(r.statuses, s.status) {
		return false
	}
	if r.text != nil && !r.text.MatchString(s.text) {
		return false
	}
	return len(r.codes) > 0 || len(r.statuses) > 0 || r.text != nil
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

var (
	connectionText = regexp.MustCompile(`(?i)connection (refused|reset|timed out|closed)|timed? ?out|no such host|network is unreachable|host unreachable|broken pipe|deadline exceeded`)
	authText       = regexp.MustCompile(`(?i)auth(entication)? (failed|unsuccessful|required|credentials invalid)|username and password not accepted|invalid credentials|login (failed|denied)|\b53[045] `)
)

var sesRules = []rule{
	{
		kind:  domain.KindVerification,
		codes: []string{"MessageRejected", "MailFromDomainNotVerifiedException"},
		text:  regexp.MustCompile(`(?i)not verified|failed the check|verification|:\s*[A-Za-z0-9._%+\-]+@`),
	},
	{kind: domain.KindVerification, text: regexp.MustCompile(`(?i)email address is not verified`)},
	{kind: domain.KindQuotaExceeded, codes: []string{"Throttling", "ThrottlingException", "TooManyRequestsException", "LimitExceededException"}},
	{kind: domain.KindQuotaExceeded, statuses: []int{429}},
	{kind: domain.KindQuotaExceeded, text: regexp.MustCompile(`(?i)maximum sending rate exceeded|daily message quota exceeded|rate exceeded|throttl`)},
	{kind: domain.KindBlacklisted, text: regexp.MustCompile(`(?i)suppression list|suppressed|blacklist`)},
	{kind: domain.KindInvalidRecipient, text: regexp.MustCompile(`(?i)missing final '@domain'|illegal address|invalid (email )?address|domain contains illegal character`)},
	{kind: domain.KindProviderConfig, codes: []string{"InvalidClientTokenId", "SignatureDoesNotMatch", "AccessDenied", "AccessDeniedException", "UnrecognizedClientException", "ConfigurationSetDoesNotExistException", "AccountSendingPausedException"}},
	{kind: domain.KindProviderConfig, statuses: []int{401, 403}},
	{kind: domain.KindProviderConnection, codes: []string{"ServiceUnavailable", "InternalFailure", "RequestTimeout", "RequestTimeoutException"}},
	{kind: domain.KindProviderConnection, statuses: []int{500, 502, 503, 504}},
	{kind: domain.KindProviderConnection, text: connectionText},
}

var smtpRules = []rule{
	{kind: domain.KindVerification, text: regexp.MustCompile(`(?i)not verified|unverified (sender|address|identity)|sender verify failed`)},
	{kind: domain.KindProviderConfig, codes: []string{"530", "534", "535"}},
	{kind: domain.KindProviderConfig, text: authText},
	{kind: domain.KindQuotaExceeded, text: regexp.MustCompile(`(?i)rate limit|rate exceeded|too many (messages|connections|recipients)|throttl|quota exceeded|try again later`)},
	{kind: domain.KindBlacklisted, text: regexp.MustCompile(`(?i)\b(black|block)list(ed)?\b|suppression list|suppressed|listed (on|at|by) `)},
	{kind: domain.KindInvalidRecipient, text: regexp.MustCompile(`(?i)invalid (recipient|address|mailbox)|user unknown|no such user|mailbox (unavailable|not found)|\b5\.1\.[13]\b|bad recipient|recipient address rejected`)},
	{kind: domain.KindProviderConnection, codes: []string{"421"}},
	{kind: domain.KindProviderConnection, text: connectionText},
}

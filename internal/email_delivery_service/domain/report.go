package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReportScope widens or narrows a reporting query.
type ReportScope string

const (
	ReportScopeTenant   ReportScope = "TENANT"
	ReportScopeGlobal   ReportScope = "GLOBAL"
	ReportScopeCombined ReportScope = "COMBINED"
)

// ParseReportScope defaults to TENANT when s is empty.
func ParseReportScope(s string) (ReportScope, error) {
	if strings.TrimSpace(s) == "" {
		return ReportScopeTenant, nil
	}
	sc := ReportScope(strings.ToUpper(strings.TrimSpace(s)))
	switch sc {
	case ReportScopeTenant, ReportScopeGlobal, ReportScopeCombined:
		return sc, nil
	}
	return "", fmt.Errorf("%w: unknown report scope %q", ErrInvalidScope, s)
}

const (
	DefaultReportLimit = 50
	MaxReportLimit     = 500
)

// ReportFilter selects delivery records for dashboards. Results are ordered by send time descending.
type ReportFilter struct {
	Scope    ReportScope
	TenantID *uuid.UUID
	Reason   string // substring of the bounce reason
	Status   *DeliveryStatus
	RuleID   *uuid.UUID
	Product  string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// Normalize applies defaults and checks the tenant requirement of tenant-bound scopes.
func (f *ReportFilter) Normalize() error {
	if f.Scope == "" {
		f.Scope = ReportScopeTenant
	}
	if f.Scope != ReportScopeGlobal && f.TenantID == nil {
		return fmt.Errorf("%w: %s scope requires a tenant", ErrInvalidScope, f.Scope)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultReportLimit
	}
	if f.Limit > MaxReportLimit {
		f.Limit = MaxReportLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return nil
}

// Matches applies the filter to one record; used by in-memory stores.
func (f ReportFilter) Matches(r *DeliveryRecord) bool {
	switch f.Scope {
	case ReportScopeTenant:
		if r.TenantID == nil || f.TenantID == nil || *r.TenantID != *f.TenantID {
			return false
		}
	case ReportScopeGlobal:
		if r.Scope != ScopeGlobal {
			return false
		}
	case ReportScopeCombined:
		if r.Scope != ScopeGlobal && (r.TenantID == nil || f.TenantID == nil || *r.TenantID != *f.TenantID) {
			return false
		}
	}
	if f.Reason != "" && !strings.Contains(strings.ToLower(r.BounceReason), strings.ToLower(f.Reason)) {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.RuleID != nil && (r.RuleID == nil || *r.RuleID != *f.RuleID) {
		return false
	}
	if f.Product != "" && r.Product != f.Product {
		return false
	}
	ts := r.CreatedAt
	if r.SentAt != nil {
		ts = *r.SentAt
	}
	if f.From != nil && ts.Before(*f.From) {
		return false
	}
	if f.To != nil && ts.After(*f.To) {
		return false
	}
	return true
}

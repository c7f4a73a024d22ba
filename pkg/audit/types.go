package audit

import (
	"fmt"
	"sort"
)

// Category groups event types for retention purposes. Every category must be mapped
// by the retention policy.
type Category string

const (
	CategoryAuthentication   Category = "AUTHENTICATION"
	CategoryAuthorization    Category = "AUTHORIZATION"
	CategoryDataAccess       Category = "DATA_ACCESS"
	CategoryDataModification Category = "DATA_MODIFICATION"
	CategoryConfiguration    Category = "CONFIGURATION"
	CategoryAdministration   Category = "ADMINISTRATION"
	CategoryFinancial        Category = "FINANCIAL"
	CategoryPrivacy          Category = "PRIVACY"
	CategorySecurity         Category = "SECURITY"
	CategorySystem           Category = "SYSTEM"
)

// AllCategories returns every known category in a stable order
func AllCategories() []Category {
	return []Category{
		CategoryAuthentication,
		CategoryAuthorization,
		CategoryDataAccess,
		CategoryDataModification,
		CategoryConfiguration,
		CategoryAdministration,
		CategoryFinancial,
		CategoryPrivacy,
		CategorySecurity,
		CategorySystem,
	}
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// EventType is the fine-grained type of an audit event
type EventType string

const (
	// Authentication
	EventTypeLogin           EventType = "LOGIN"
	EventTypeLogout          EventType = "LOGOUT"
	EventTypeLoginFailed     EventType = "LOGIN_FAILED"
	EventTypePasswordChanged EventType = "PASSWORD_CHANGED"
	EventTypeMFAEnabled      EventType = "MFA_ENABLED"

	// Authorization
	EventTypePermissionGranted EventType = "PERMISSION_GRANTED"
	EventTypePermissionRevoked EventType = "PERMISSION_REVOKED"
	EventTypeAccessDenied      EventType = "ACCESS_DENIED"

	// Data access
	EventTypeRecordViewed     EventType = "RECORD_VIEWED"
	EventTypeExportRequested  EventType = "EXPORT_REQUESTED"
	EventTypeExportDownloaded EventType = "EXPORT_DOWNLOADED"

	// Data modification
	EventTypeRecordCreated EventType = "RECORD_CREATED"
	EventTypeRecordUpdated EventType = "RECORD_UPDATED"
	EventTypeRecordDeleted EventType = "RECORD_DELETED"

	// Configuration
	EventTypeSettingsChanged EventType = "SETTINGS_CHANGED"
	EventTypeWebhookChanged  EventType = "WEBHOOK_CHANGED"

	// Administration
	EventTypeUserInvited EventType = "USER_INVITED"
	EventTypeUserRemoved EventType = "USER_REMOVED"
	EventTypeRoleChanged EventType = "ROLE_CHANGED"

	// Financial
	EventTypeSubscriptionChanged EventType = "SUBSCRIPTION_CHANGED"
	EventTypePaymentProcessed    EventType = "PAYMENT_PROCESSED"

	// Privacy
	EventTypeGDPRErasure    EventType = "GDPR_ERASURE"
	EventTypeConsentChanged EventType = "CONSENT_CHANGED"

	// Security
	EventTypeSecurityBreach     EventType = "SECURITY_BREACH"
	EventTypeSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventTypeIntegrityViolation EventType = "INTEGRITY_VIOLATION"

	// System
	EventTypeSystemStartup  EventType = "SYSTEM_STARTUP"
	EventTypeRetentionSweep EventType = "RETENTION_SWEEP"
)

// typeInfo holds the static classification of an event type
type typeInfo struct {
	category Category
	severity Severity
}

var eventTypes = map[EventType]typeInfo{
	EventTypeLogin:           {CategoryAuthentication, SeverityInfo},
	EventTypeLogout:          {CategoryAuthentication, SeverityInfo},
	EventTypeLoginFailed:     {CategoryAuthentication, SeverityWarning},
	EventTypePasswordChanged: {CategoryAuthentication, SeverityNotice},
	EventTypeMFAEnabled:      {CategoryAuthentication, SeverityNotice},

	EventTypePermissionGranted: {CategoryAuthorization, SeverityNotice},
	EventTypePermissionRevoked: {CategoryAuthorization, SeverityNotice},
	EventTypeAccessDenied:      {CategoryAuthorization, SeverityWarning},

	EventTypeRecordViewed:     {CategoryDataAccess, SeverityInfo},
	EventTypeExportRequested:  {CategoryDataAccess, SeverityNotice},
	EventTypeExportDownloaded: {CategoryDataAccess, SeverityNotice},

	EventTypeRecordCreated: {CategoryDataModification, SeverityInfo},
	EventTypeRecordUpdated: {CategoryDataModification, SeverityInfo},
	EventTypeRecordDeleted: {CategoryDataModification, SeverityNotice},

	EventTypeSettingsChanged: {CategoryConfiguration, SeverityNotice},
	EventTypeWebhookChanged:  {CategoryConfiguration, SeverityNotice},

	EventTypeUserInvited: {CategoryAdministration, SeverityNotice},
	EventTypeUserRemoved: {CategoryAdministration, SeverityNotice},
	EventTypeRoleChanged: {CategoryAdministration, SeverityWarning},

	EventTypeSubscriptionChanged: {CategoryFinancial, SeverityNotice},
	EventTypePaymentProcessed:    {CategoryFinancial, SeverityInfo},

	EventTypeGDPRErasure:    {CategoryPrivacy, SeverityNotice},
	EventTypeConsentChanged: {CategoryPrivacy, SeverityNotice},

	EventTypeSecurityBreach:     {CategorySecurity, SeverityCritical},
	EventTypeSuspiciousActivity: {CategorySecurity, SeverityWarning},
	EventTypeIntegrityViolation: {CategorySecurity, SeverityCritical},

	EventTypeSystemStartup:  {CategorySystem, SeverityInfo},
	EventTypeRetentionSweep: {CategorySystem, SeverityInfo},
}

// Category returns the category an event type belongs to
func (t EventType) Category() (Category, error) {
	info, ok := eventTypes[t]
	if !ok {
		return "", fmt.Errorf("unknown event type %q", t)
	}
	return info.category, nil
}

// DefaultSeverity returns the severity used when a producer does not supply one
func (t EventType) DefaultSeverity() Severity {
	if info, ok := eventTypes[t]; ok {
		return info.severity
	}
	return SeverityInfo
}

// AllEventTypes returns every known event type sorted by name
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(eventTypes))
	for t := range eventTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Severity of an event
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityNotice   Severity = "NOTICE"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for sorting
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityNotice:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Outcome represents the result of the audited action
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeDenied  Outcome = "DENIED"
)

// Payload is the structured body of an event. BeforeState and AfterState are not
// covered by the digest; Metadata is.
type Payload struct {
	EntityType  string                 `json:"entity_type,omitempty"`
	EntityID    string                 `json:"entity_id,omitempty"`
	Action      string                 `json:"action,omitempty"`
	BeforeState map[string]interface{} `json:"before_state,omitempty"`
	AfterState  map[string]interface{} `json:"after_state,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// clone returns a deep copy so callers can never alias an event's payload
func (p Payload) clone() Payload {
	return Payload{
		EntityType:  p.EntityType,
		EntityID:    p.EntityID,
		Action:      p.Action,
		BeforeState: cloneMap(p.BeforeState),
		AfterState:  cloneMap(p.AfterState),
		Metadata:    cloneMap(p.Metadata),
	}
}

// SecurityContext captures where a request came from. Not covered by the digest.
type SecurityContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(val)
		case []interface{}:
			cp := make([]interface{}, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

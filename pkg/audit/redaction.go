package audit

import "time"

// RedactionMarker replaces redacted values
const RedactionMarker = "[REDACTED]"

// RedactionFields selects which digest-excluded fields a redaction touches. Hashed
// fields are not selectable: redacting them would destroy the evidence.
type RedactionFields struct {
	IPAddress      bool
	UserAgent      bool
	States         bool
	ComplianceTags bool
}

// PIIFields covers every personal field outside the digest
var PIIFields = RedactionFields{IPAddress: true, UserAgent: true, States: true}

// Redactor strips PII from the mutable shell of an event
type Redactor struct {
	marker string
	now    func() time.Time
}

// NewRedactor creates a redactor. An empty marker uses RedactionMarker.
func NewRedactor(marker string) *Redactor {
	if marker == "" {
		marker = RedactionMarker
	}
	return &Redactor{
		marker: marker,
		now:    time.Now,
	}
}

// Marker returns the replacement string
func (r *Redactor) Marker() string {
	return r.marker
}

// Redact returns a copy of e with the selected fields replaced. The digest is
// carried over unchanged and stays valid.
func (r *Redactor) Redact(e Event, fields RedactionFields) Event {
	out := e
	sc := e.Security()
	if fields.IPAddress && sc.IPAddress != "" {
		sc.IPAddress = r.marker
	}
	if fields.UserAgent && sc.UserAgent != "" {
		sc.UserAgent = r.marker
	}
	out = out.withSecurity(sc)

	if fields.States {
		out = out.withStates(nil, nil)
	}
	if fields.ComplianceTags {
		out.complianceTags = nil
	}

	return out.markRedacted(r.now())
}

// RedactPII applies the full PII redaction used by retention sweeps
func (r *Redactor) RedactPII(e Event) Event {
	return r.Redact(e, PIIFields)
}

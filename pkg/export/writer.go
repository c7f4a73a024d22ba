package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/auditkeep/pkg/audit"
)

// Meta describes an export file. It goes into the JSON envelope and the PDF title
// block; CSV carries rows only.
type Meta struct {
	JobID          string       `json:"job_id"`
	OrganizationID string       `json:"organization_id"`
	RequestedBy    string       `json:"requested_by"`
	GeneratedAt    time.Time    `json:"generated_at"`
	Filter         FilterRecord `json:"filter"`
	Details        bool         `json:"include_details"`
}

// RowWriter serialises entry views one at a time. Close writes any trailer and
// must be called once all rows are written; it does not close the underlying
// writer.
type RowWriter interface {
	Write(v audit.EntryView) error
	Close() error
}

// NewRowWriter returns the serializer for format
func NewRowWriter(format Format, w io.Writer, meta Meta) (RowWriter, error) {
	switch format {
	case FormatCSV:
		return newCSVWriter(w, meta), nil
	case FormatJSON:
		return newJSONWriter(w, meta)
	case FormatPDF:
		return newPDFWriter(w, meta), nil
	}
	return nil, fmt.Errorf("no writer for format %q", format)
}

var csvBaseHeader = []string{
	"id", "timestamp", "category", "type", "severity", "outcome",
	"description", "actor_id", "resource", "action", "verified",
}

var csvDetailHeader = []string{
	"session_id", "ip_address", "user_agent", "compliance_tags",
	"retention_until", "digest", "redacted",
}

type csvWriter struct {
	w       *csv.Writer
	details bool
	started bool
}

func newCSVWriter(w io.Writer, meta Meta) *csvWriter {
	return &csvWriter{w: csv.NewWriter(w), details: meta.Details}
}

func (c *csvWriter) header() []string {
	if !c.details {
		return csvBaseHeader
	}
	return append(append([]string(nil), csvBaseHeader...), csvDetailHeader...)
}

func (c *csvWriter) Write(v audit.EntryView) error {
	if !c.started {
		c.started = true
		if err := c.w.Write(c.header()); err != nil {
			return err
		}
	}

	row := []string{
		v.ID,
		v.Timestamp.UTC().Format(time.RFC3339Nano),
		string(v.Category),
		string(v.Type),
		string(v.Severity),
		string(v.Outcome),
		csvSafe(v.Description),
		csvSafe(v.ActorID),
		csvSafe(v.Resource),
		csvSafe(v.Action),
		strconv.FormatBool(v.Verified),
	}
	if c.details {
		d := v.Details
		if d == nil {
			d = &audit.EntryDetails{}
		}
		row = append(row,
			csvSafe(d.SessionID),
			csvSafe(d.Security.IPAddress),
			csvSafe(d.Security.UserAgent),
			csvSafe(strings.Join(d.ComplianceTags, ";")),
			d.RetentionUntil.String(),
			string(d.Digest),
			strconv.FormatBool(d.Redacted),
		)
	}
	return c.w.Write(row)
}

func (c *csvWriter) Close() error {
	if !c.started {
		c.started = true
		if err := c.w.Write(c.header()); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

// csvSafe neutralises values a spreadsheet would evaluate as a formula
func csvSafe(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}

// jsonWriter streams {"metadata": ..., "events": [...], "count": n}
type jsonWriter struct {
	w     io.Writer
	count int
}

func newJSONWriter(w io.Writer, meta Meta) (*jsonWriter, error) {
	head, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export metadata: %w", err)
	}
	if _, err := fmt.Fprintf(w, "{\"metadata\":%s,\"events\":[", head); err != nil {
		return nil, err
	}
	return &jsonWriter{w: w}, nil
}

func (j *jsonWriter) Write(v audit.EntryView) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", v.ID, err)
	}
	if j.count > 0 {
		if _, err := io.WriteString(j.w, ","); err != nil {
			return err
		}
	}
	if _, err := j.w.Write(data); err != nil {
		return err
	}
	j.count++
	return nil
}

func (j *jsonWriter) Close() error {
	_, err := fmt.Fprintf(j.w, "],\"count\":%d}", j.count)
	return err
}

package export

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/platinummonkey/auditkeep/pkg/audit"
)

type pdfColumn struct {
	title string
	width float64
	value func(v audit.EntryView) string
}

var pdfColumns = []pdfColumn{
	{"Timestamp (UTC)", 36, func(v audit.EntryView) string { return v.Timestamp.UTC().Format("2006-01-02 15:04:05") }},
	{"Category", 30, func(v audit.EntryView) string { return string(v.Category) }},
	{"Type", 38, func(v audit.EntryView) string { return string(v.Type) }},
	{"Severity", 18, func(v audit.EntryView) string { return string(v.Severity) }},
	{"Outcome", 18, func(v audit.EntryView) string { return string(v.Outcome) }},
	{"Actor", 32, func(v audit.EntryView) string { return v.ActorID }},
	{"Resource", 36, func(v audit.EntryView) string { return v.Resource }},
	{"Description", 69, func(v audit.EntryView) string { return v.Description }},
}

const (
	pdfRowHeight  = 5.0
	pdfFontSize   = 7.0
	pdfTitleSize  = 12.0
	pdfMarginSize = 10.0
)

// pdfWriter lays rows out as a paged table. fpdf assembles the document in memory
// and writes it on Close, which the record limit keeps bounded.
type pdfWriter struct {
	w     io.Writer
	doc   *fpdf.Fpdf
	tr    func(string) string
	meta  Meta
	count int
}

func newPDFWriter(w io.Writer, meta Meta) *pdfWriter {
	doc := fpdf.New("L", "mm", "A4", "")
	doc.SetMargins(pdfMarginSize, pdfMarginSize, pdfMarginSize)
	doc.SetAutoPageBreak(true, pdfMarginSize+5)
	doc.SetTitle("Audit log export "+meta.JobID, true)
	doc.SetCreator("auditkeep", true)
	doc.SetCreationDate(meta.GeneratedAt)
	doc.AliasNbPages("")

	p := &pdfWriter{w: w, doc: doc, tr: doc.UnicodeTranslatorFromDescriptor(""), meta: meta}
	doc.SetHeaderFunc(p.header)
	doc.SetFooterFunc(p.footer)
	doc.AddPage()
	return p
}

func (p *pdfWriter) header() {
	p.doc.SetFont("Helvetica", "B", pdfTitleSize)
	p.doc.CellFormat(0, 7, p.tr("Audit log export"), "", 1, "L", false, 0, "")

	p.doc.SetFont("Helvetica", "", pdfFontSize)
	rangeText := "all time"
	if p.meta.Filter.DateFrom != nil && p.meta.Filter.DateTo != nil {
		rangeText = fmt.Sprintf("%s to %s",
			p.meta.Filter.DateFrom.UTC().Format(time.RFC3339),
			p.meta.Filter.DateTo.UTC().Format(time.RFC3339))
	}
	info := fmt.Sprintf("Organization %s | Job %s | Generated %s | Range %s",
		p.meta.OrganizationID, p.meta.JobID, p.meta.GeneratedAt.UTC().Format(time.RFC3339), rangeText)
	p.doc.CellFormat(0, 5, p.tr(info), "", 1, "L", false, 0, "")
	p.doc.Ln(2)

	p.doc.SetFont("Helvetica", "B", pdfFontSize)
	p.doc.SetFillColor(230, 230, 230)
	for _, col := range pdfColumns {
		p.doc.CellFormat(col.width, pdfRowHeight+1, col.title, "1", 0, "L", true, 0, "")
	}
	p.doc.Ln(-1)
	p.doc.SetFont("Helvetica", "", pdfFontSize)
}

func (p *pdfWriter) footer() {
	p.doc.SetY(-12)
	p.doc.SetFont("Helvetica", "I", pdfFontSize)
	p.doc.CellFormat(0, 5, fmt.Sprintf("Page %d/{nb}", p.doc.PageNo()), "", 0, "C", false, 0, "")
}

func (p *pdfWriter) Write(v audit.EntryView) error {
	for _, col := range pdfColumns {
		p.doc.CellFormat(col.width, pdfRowHeight, p.fit(col.value(v), col.width), "1", 0, "L", false, 0, "")
	}
	p.doc.Ln(-1)
	p.count++
	return p.doc.Error()
}

// fit truncates s to the column width
func (p *pdfWriter) fit(s string, width float64) string {
	s = p.tr(s)
	limit := width - 2
	if p.doc.GetStringWidth(s) <= limit {
		return s
	}
	for len(s) > 0 && p.doc.GetStringWidth(s+"...") > limit {
		s = s[:len(s)-1]
	}
	return s + "..."
}

func (p *pdfWriter) Close() error {
	if p.count == 0 {
		p.doc.CellFormat(0, pdfRowHeight, "No events matched the export filter.", "", 1, "L", false, 0, "")
	}
	p.doc.Ln(2)
	p.doc.SetFont("Helvetica", "I", pdfFontSize)
	p.doc.CellFormat(0, pdfRowHeight, fmt.Sprintf("%d events", p.count), "", 1, "L", false, 0, "")
	return p.doc.Output(p.w)
}

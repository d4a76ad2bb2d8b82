// Package export renders a comparison's redline report as a downloadable
// file. HTML is the common intermediate: the report template produces it,
// then headless Chromium prints it to PDF or pandoc converts it to DOCX.
package export

import (
	"errors"
	"fmt"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

var (
	// ErrUnsupportedFormat reports a format the renderer does not produce.
	ErrUnsupportedFormat = errors.New("export: unsupported format")
	// ErrPDFDependencyMissing reports that no Chromium binary is installed.
	ErrPDFDependencyMissing = errors.New("export: pdf dependency missing")
	// ErrDOCXDependencyMissing reports that pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export: docx dependency missing")
)

// Report is the assembled content of one comparison, ready to render. The
// caller resolves titles, labels, and review state; this package only formats.
type Report struct {
	ContractTitle string
	SourceLabel   string
	TargetLabel   string
	Similarity    float64
	GeneratedAt   time.Time
	Review        ReviewSummary
	Changes       []ChangeRow
}

// ReviewSummary mirrors the comparison's review progress counters.
type ReviewSummary struct {
	Total           int
	Reviewed        int
	Accepted        int
	Rejected        int
	PercentReviewed float64
}

// ChangeRow is one change as it appears in the report table.
type ChangeRow struct {
	Type         string
	Category     string
	Status       string
	Significant  bool
	Significance float64
	Before       string
	After        string
}

// Result is the rendered file.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Render produces the report in the requested format.
func Render(report Report, format Format) (*Result, error) {
	html, err := renderHTML(report)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	switch format {
	case FormatPDF:
		return renderPDF(html, report.ContractTitle)
	case FormatDOCX:
		return renderDOCX(html, report.ContractTitle)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// sanitizeFilename keeps letters, digits, hyphens, and underscores; spaces
// become hyphens and everything else is dropped.
func sanitizeFilename(title string) string {
	out := make([]rune, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == ' ':
			out = append(out, '-')
		case r == '-', r == '_':
			out = append(out, r)
		}
	}
	if len(out) > 50 {
		out = out[:50]
	}
	if len(out) == 0 {
		return "comparison"
	}
	return string(out)
}

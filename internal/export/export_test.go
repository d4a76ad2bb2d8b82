package export

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleReport() Report {
	return Report{
		ContractTitle: "Master Services Agreement",
		SourceLabel:   "v2 (original)",
		TargetLabel:   "v3 (redline)",
		Similarity:    0.87,
		GeneratedAt:   time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Review: ReviewSummary{
			Total: 3, Reviewed: 2, Accepted: 1, Rejected: 1, PercentReviewed: 66.7,
		},
		Changes: []ChangeRow{
			{Type: "modify", Category: "financial", Status: "accepted", Significant: true,
				Significance: 0.9, Before: "30 days", After: "45 days"},
			{Type: "insert", Category: "general", Status: "pending", After: "net of taxes"},
		},
	}
}

func TestRenderHTMLIncludesReportContent(t *testing.T) {
	html, err := renderHTML(sampleReport())
	if err != nil {
		t.Fatalf("renderHTML: %v", err)
	}

	for _, want := range []string{
		"Master Services Agreement",
		"v2 (original)",
		"v3 (redline)",
		"0.87",
		"3 changes, 2 reviewed (67%)",
		"30 days",
		"45 days",
		"net of taxes",
		`class="status-accepted"`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered report missing %q", want)
		}
	}
}

func TestRenderHTMLEscapesChangeText(t *testing.T) {
	report := sampleReport()
	report.Changes = []ChangeRow{
		{Type: "modify", Status: "pending", Before: "<script>alert(1)</script>", After: "safe"},
	}
	html, err := renderHTML(report)
	if err != nil {
		t.Fatalf("renderHTML: %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("change text must be escaped")
	}
	if !strings.Contains(html, "&lt;script&gt;") {
		t.Error("expected escaped markup in output")
	}
}

func TestRenderHTMLWithoutChanges(t *testing.T) {
	report := sampleReport()
	report.Changes = nil
	html, err := renderHTML(report)
	if err != nil {
		t.Fatalf("renderHTML: %v", err)
	}
	if !strings.Contains(html, "identical") {
		t.Error("empty change list should render the identical notice")
	}
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	_, err := Render(sampleReport(), Format("xlsx"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("got %v, want ErrUnsupportedFormat", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Master Services Agreement", "Master-Services-Agreement"},
		{"Q3/2026: fees & terms", "Q32026-fees--terms"},
		{"///", "comparison"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	if got := percentEncodeForDataURL("a b"); got != "a%20b" {
		t.Errorf("space must encode as %%20, got %q", got)
	}
	if got := percentEncodeForDataURL("<p>"); got != "%3Cp%3E" {
		t.Errorf("markup must percent-encode, got %q", got)
	}
	if got := percentEncodeForDataURL("a-z_."); got != "a-z_." {
		t.Errorf("unreserved characters must pass through, got %q", got)
	}
}

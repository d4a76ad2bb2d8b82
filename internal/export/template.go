package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04 MST")
	},
	"pct": func(v float64) string {
		return fmt.Sprintf("%.0f%%", v)
	},
	"score": func(v float64) string {
		return fmt.Sprintf("%.2f", v)
	},
}).Parse(reportHTML))

func renderHTML(report Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ContractTitle}} — redline report</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.5; max-width: 860px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #222; padding-bottom: 0.4rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 1.5rem; }
    .summary { background: #f5f5f5; padding: 0.8rem 1rem; margin-bottom: 1.5rem; }
    table { border-collapse: collapse; width: 100%; font-size: 0.9em; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; vertical-align: top; }
    th { background: #eee; }
    .before { color: #a31515; text-decoration: line-through; }
    .after { color: #09610f; }
    .status-accepted { color: #09610f; font-weight: bold; }
    .status-rejected { color: #a31515; font-weight: bold; }
    .significant { background: #fff7e0; }
  </style>
</head>
<body>
  <h1>{{.ContractTitle}}</h1>
  <div class="meta">{{.SourceLabel}} &rarr; {{.TargetLabel}} | similarity {{score .Similarity}} | generated {{formatDate .GeneratedAt}}</div>
  <div class="summary">
    {{.Review.Total}} changes, {{.Review.Reviewed}} reviewed ({{pct .Review.PercentReviewed}}):
    {{.Review.Accepted}} accepted, {{.Review.Rejected}} rejected.
  </div>
  {{if .Changes}}
  <table>
    <tr><th>Type</th><th>Category</th><th>Status</th><th>Before</th><th>After</th></tr>
    {{range .Changes}}
    <tr{{if .Significant}} class="significant"{{end}}>
      <td>{{lower .Type}}</td>
      <td>{{lower .Category}}</td>
      <td class="status-{{lower .Status}}">{{lower .Status}}</td>
      <td class="before">{{.Before}}</td>
      <td class="after">{{.After}}</td>
    </tr>
    {{end}}
  </table>
  {{else}}
  <p>The versions are identical.</p>
  {{end}}
</body>
</html>`

// Package report writes a per-session summary as Markdown and HTML.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/lamim/cs4/internal/metering"
	"github.com/lamim/cs4/internal/table"
	"github.com/lamim/cs4/pkg/models"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; margin: 1rem 0; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
img { max-width: 100%; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Report accumulates Markdown sections
type Report struct {
	Title     string
	Generated time.Time
	stages    [][]string
	sections  []string
}

// New creates an empty report
func New(title string) *Report {
	return &Report{Title: title, Generated: time.Now()}
}

// Empty reports whether nothing was added
func (r *Report) Empty() bool {
	return len(r.stages) == 0 && len(r.sections) == 0
}

// AddStage records one stage run in the stage summary
func (r *Report) AddStage(name string, s models.StageStats) {
	r.stages = append(r.stages, []string{
		name,
		strconv.Itoa(s.TotalRows),
		strconv.Itoa(s.SuccessCount),
		strconv.Itoa(s.FailureCount),
		strconv.Itoa(s.SkippedCount),
		s.Duration.Round(time.Millisecond).String(),
	})
}

// AddText adds a section of Markdown text
func (r *Report) AddText(heading, text string) {
	r.sections = append(r.sections, "## "+heading+"\n\n"+strings.TrimSpace(text)+"\n")
}

// AddTable adds a table section
func (r *Report) AddTable(heading string, t *table.Table) {
	rows := make([][]string, t.Len())
	for i := range rows {
		rows[i] = t.Rows[i]
	}
	r.sections = append(r.sections, "## "+heading+"\n\n"+markdownTable(t.Header, rows))
}

// AddUsage adds token usage and cost per model
func (r *Report) AddUsage(c metering.CostReport) {
	rows := make([][]string, 0, len(c.Lines))
	for _, l := range c.Lines {
		cost := "n/a"
		if l.Priced {
			cost = fmt.Sprintf("$%.4f", l.Cost)
		}
		rows = append(rows, []string{l.Model, strconv.Itoa(l.Tokens), cost})
	}
	body := markdownTable([]string{"Model", "Tokens", "Cost"}, rows)
	body += fmt.Sprintf("\nTotal cost: $%.4f\n", c.Total)
	r.sections = append(r.sections, "## Usage\n\n"+body)
}

// AddImage embeds a chart; path is written relative to the report
func (r *Report) AddImage(heading, path string) {
	r.sections = append(r.sections, fmt.Sprintf("## %s\n\n![%s](%s)\n", heading, heading, filepath.ToSlash(path)))
}

// Markdown renders the whole report
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\nGenerated %s\n\n", r.Title, r.Generated.Format(time.RFC1123))
	if len(r.stages) > 0 {
		b.WriteString("## Stages\n\n")
		b.WriteString(markdownTable([]string{"Stage", "Rows", "Succeeded", "Failed", "Skipped", "Duration"}, r.stages))
		b.WriteString("\n")
	}
	for _, s := range r.sections {
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// HTML renders the report to a standalone page
func (r *Report) HTML() ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(r.Markdown()), &body); err != nil {
		return nil, fmt.Errorf("failed to render markdown: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{r.Title, template.HTML(body.String())}) //nolint: gosec
	if err != nil {
		return nil, fmt.Errorf("failed to render page: %w", err)
	}
	return out.Bytes(), nil
}

// Write saves report.md and report.html into dir
func (r *Report) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(r.Markdown()), 0644); err != nil {
		return "", fmt.Errorf("failed to write markdown report: %w", err)
	}
	html, err := r.HTML()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "report.html")
	if err := os.WriteFile(path, html, 0644); err != nil {
		return "", fmt.Errorf("failed to write html report: %w", err)
	}
	return path, nil
}

func markdownTable(header []string, rows [][]string) string {
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := range header {
			cell := ""
			if i < len(cells) {
				cell = escapeCell(cells[i])
			}
			b.WriteString(" " + cell + " |")
		}
		b.WriteString("\n")
	}
	writeRow(header)
	b.WriteString("|" + strings.Repeat(" --- |", len(header)) + "\n")
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

// Package template renders run report e-mails
package template

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/egcx/egcx/internal/card"
	"github.com/egcx/egcx/internal/session"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// FailureLine is one failure in a report
type FailureLine struct {
	MessageID string
	URL       string
	Kind      string
	Error     string
}

// ReportData contains all data available to report templates
type ReportData struct {
	RunID      int64
	Status     string
	Date       string
	Duration   time.Duration
	Processed  int
	Total      int
	Skipped    int
	Extracted  int
	Failed     int
	Archived   int
	OutputPath string
	Error      string
	Cards      []*card.Card
	Failures   []FailureLine
}

// NewReportData flattens a session report. runErr is the error Run returned.
func NewReportData(r *session.Report, runErr error, outputPath string) ReportData {
	d := ReportData{
		RunID:      r.RunID,
		Status:     "completed",
		Date:       r.StartedAt.Format("January 2, 2006 15:04"),
		Duration:   r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
		Processed:  r.Progress.Processed,
		Total:      r.Progress.Total,
		Skipped:    r.Progress.Skipped,
		Extracted:  r.Progress.Extracted,
		Failed:     r.Progress.Failed,
		Archived:   r.Archived,
		OutputPath: outputPath,
		Cards:      r.Cards,
	}
	if runErr != nil {
		d.Status = "stopped"
		d.Error = runErr.Error()
	}
	for _, f := range r.Failures {
		line := FailureLine{MessageID: f.MessageID, URL: f.URL, Kind: f.Kind}
		if f.Err != nil {
			line.Error = f.Err.Error()
		}
		d.Failures = append(d.Failures, line)
	}
	return d
}

// Email represents a rendered email ready to send
type Email struct {
	Subject string
	Body    string
}

// Engine handles report rendering
type Engine struct {
	templates map[string]*template.Template
}

var funcs = template.FuncMap{"mask": Mask}

// NewEngine parses the embedded templates
func NewEngine() (*Engine, error) {
	e := &Engine{templates: make(map[string]*template.Template)}

	for _, name := range []string{"report"} {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}
		tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		e.templates[name] = tmpl
	}
	return e, nil
}

// RenderReport renders the run report e-mail
func (e *Engine) RenderReport(d ReportData) (*Email, error) {
	var buf bytes.Buffer
	if err := e.templates["report"].Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	return &Email{Subject: reportSubject(d), Body: buf.String()}, nil
}

func reportSubject(d ReportData) string {
	noun := "cards"
	if d.Extracted == 1 {
		noun = "card"
	}
	s := fmt.Sprintf("egcx: %d %s extracted", d.Extracted, noun)
	if d.Failed > 0 {
		s += fmt.Sprintf(", %d failed", d.Failed)
	}
	if d.Error != "" {
		s += " (run stopped)"
	}
	return s
}

// Mask hides all but the last four characters of a card number
func Mask(number string) string {
	if len(number) <= 4 {
		return number
	}
	return strings.Repeat("*", len(number)-4) + number[len(number)-4:]
}

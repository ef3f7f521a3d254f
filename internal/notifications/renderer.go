package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var renderedKinds = []domain.ChangeKind{
	domain.ChangeKindService,
	domain.ChangeKindIncident,
	domain.ChangeKindMaintenance,
}

// Renderer renders email subject and body for state change events.
// Output depends only on the event and the configured base URL. Display names missing
// from the event are replaced by ids.
type Renderer struct {
	templates map[domain.ChangeKind]*template.Template
	baseURL   string
}

// templateData is the value passed to email templates.
type templateData struct {
	Kind           domain.ChangeKind
	EntityID       string
	OrganizationID string
	Organization   string
	ServiceName    string
	Title          string
	Status         string
	OccurredAt     time.Time
	DetailsURL     string
}

// NewRenderer creates a new renderer and loads one template per change kind.
func NewRenderer(baseURL string) (*Renderer, error) {
	funcMap := template.FuncMap{
		"humanize":   humanizeStatus,
		"formatTime": formatTime,
	}

	r := &Renderer{
		templates: make(map[domain.ChangeKind]*template.Template, len(renderedKinds)),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}

	for _, kind := range renderedKinds {
		name := fmt.Sprintf("email_%s", kind)
		filename := fmt.Sprintf("templates/%s.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.templates[kind] = tmpl
	}

	return r, nil
}

// Render returns the subject and body for event.
func (r *Renderer) Render(event domain.StateChangeEvent) (subject, body string, err error) {
	tmpl, ok := r.templates[event.Kind]
	if !ok {
		return "", "", fmt.Errorf("%w: no template for kind %q", domain.ErrInvalidEvent, event.Kind)
	}

	data := templateData{
		Kind:           event.Kind,
		EntityID:       event.EntityID,
		OrganizationID: event.OrganizationID,
		Organization:   orDefault(event.OrganizationName, event.OrganizationID),
		ServiceName:    event.ServiceName,
		Title:          displayTitle(event),
		Status:         event.NewStatus,
		OccurredAt:     event.OccurredAt,
		DetailsURL:     r.detailsURL(event),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", tmpl.Name(), err)
	}

	return renderSubject(data), strings.TrimSpace(buf.String()), nil
}

func renderSubject(data templateData) string {
	status := humanizeStatus(data.Status)
	switch data.Kind {
	case domain.ChangeKindService:
		return fmt.Sprintf("Service Status Update: %s is now %s", data.Title, status)
	case domain.ChangeKindIncident:
		return fmt.Sprintf("Incident Update: %s - %s", data.Title, status)
	case domain.ChangeKindMaintenance:
		return fmt.Sprintf("Maintenance Update: %s - %s", data.Title, status)
	default:
		return fmt.Sprintf("Status Update: %s - %s", data.Title, status)
	}
}

func (r *Renderer) detailsURL(event domain.StateChangeEvent) string {
	if r.baseURL == "" {
		return ""
	}
	switch event.Kind {
	case domain.ChangeKindIncident:
		return fmt.Sprintf("%s/incidents/%s", r.baseURL, event.EntityID)
	case domain.ChangeKindMaintenance:
		return fmt.Sprintf("%s/maintenance/%s", r.baseURL, event.EntityID)
	default:
		return fmt.Sprintf("%s/status/%s", r.baseURL, orDefault(event.OrganizationSlug, event.OrganizationID))
	}
}

func displayTitle(event domain.StateChangeEvent) string {
	return orDefault(event.Title, event.EntityID)
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

// Template functions

// humanizeStatus turns "IN_PROGRESS" into "In Progress".
// A Caser is stateful, so each call gets its own.
func humanizeStatus(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(strings.ToLower(s), "_", " "))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

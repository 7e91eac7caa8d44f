// Package notification pages responders about routing events. Pages are
// rendered from {{key}} templates keyed by event type and handed to a Sender;
// the paging transport itself is external.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/eventbus"
)

const historyLimit = 500

var (
	ErrPageNotFound  = errors.New("page not found")
	ErrPageNotFailed = errors.New("page is not in failed status")
)

// Page is one rendered message sent to one recipient.
type Page struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id,omitempty"`
	CaseID     string     `json:"case_id,omitempty"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	TemplateID string     `json:"template_id"`
	Priority   string     `json:"priority"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Sender delivers a rendered page.
type Sender interface {
	SendPage(ctx context.Context, to, subject, body, priority string) error
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type Template struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// TemplateEngine renders templates with {{key}} substitution.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:       "critical_case",
			Subject:  "ESI {{esi}} CRITICAL: {{chief_complaint}}",
			Body:     "Resuscitation response needed for case {{case_id}} in zone {{zone}}. {{age}} {{sex}}, {{chief_complaint}}. Vitals: {{vitals}}.",
			Priority: "critical",
		},
		{
			ID:       "escalation",
			Subject:  "Escalated to you ({{role}}): ESI {{esi}} {{chief_complaint}}",
			Body:     "Case {{case_id}} in zone {{zone}} was not acknowledged and is now at escalation level {{level}}. {{age}} {{sex}}, {{chief_complaint}}. Vitals: {{vitals}}. Acknowledge by {{deadline}}.",
			Priority: "critical",
		},
		{
			ID:       "case_assigned",
			Subject:  "New ESI {{esi}} case assigned",
			Body:     "Case {{case_id}} in zone {{zone}} is assigned to you. {{age}} {{sex}}, {{chief_complaint}}. Acknowledge by {{deadline}}.",
			Priority: "high",
		},
	} {
		e.RegisterTemplate(t)
	}
	return e
}

func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Lookup returns the template registered under id.
func (e *TemplateEngine) Lookup(id string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[id]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render substitutes data into the template. Placeholders without data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// LogSender writes pages to the log. It stands in for a paging gateway.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendPage(_ context.Context, to, subject, body, priority string) error {
	s.Logger.Info().
		Str("to", to).
		Str("priority", priority).
		Str("subject", subject).
		Str("body", body).
		Msg("page sent")
	return nil
}

type PageCall struct {
	To       string
	Subject  string
	Body     string
	Priority string
}

// MockSender records calls and optionally fails them.
type MockSender struct {
	mu         sync.Mutex
	calls      []PageCall
	ShouldFail bool
	FailError  string
}

func (m *MockSender) SendPage(_ context.Context, to, subject, body, priority string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PageCall{To: to, Subject: subject, Body: body, Priority: priority})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockSender) Calls() []PageCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PageCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Pager
// ---------------------------------------------------------------------------

// Pager turns bus events into pages. Events addressed to a Recipient page
// that responder; Broadcast events page the broadcast group. Event types
// without a template are ignored.
type Pager struct {
	sender      Sender
	templates   *TemplateEngine
	broadcastTo []string
	logger      zerolog.Logger

	mu      sync.RWMutex
	history []*Page
	byID    map[string]*Page
}

func NewPager(sender Sender, templates *TemplateEngine, broadcastTo []string, logger zerolog.Logger) *Pager {
	return &Pager{
		sender:      sender,
		templates:   templates,
		broadcastTo: broadcastTo,
		logger:      logger.With().Str("component", "pager").Logger(),
		byID:        make(map[string]*Page),
	}
}

func (p *Pager) Publish(ctx context.Context, event eventbus.Event) error {
	tpl, ok := p.templates.Lookup(event.Type)
	if !ok {
		return nil
	}

	var recipients []string
	switch {
	case event.Broadcast:
		recipients = p.broadcastTo
	case event.Recipient != "":
		recipients = []string{event.Recipient}
	}
	if len(recipients) == 0 {
		return nil
	}

	data := make(map[string]string, len(event.Attributes)+1)
	for k, v := range event.Attributes {
		data[k] = v
	}
	data["case_id"] = event.CaseID

	subject, body, err := p.templates.Render(tpl.ID, data)
	if err != nil {
		return err
	}

	var errs []error
	for _, to := range recipients {
		page := &Page{
			ID:         uuid.New().String(),
			EventID:    event.ID,
			CaseID:     event.CaseID,
			Recipient:  to,
			Subject:    subject,
			Body:       body,
			TemplateID: tpl.ID,
			Priority:   tpl.Priority,
		}
		if err := p.send(ctx, page); err != nil {
			p.logger.Error().Err(err).Str("case_id", event.CaseID).Str("to", to).Msg("page failed")
			errs = append(errs, fmt.Errorf("page %s: %w", to, err))
		}
		p.record(page)
	}
	return errors.Join(errs...)
}

func (p *Pager) send(ctx context.Context, page *Page) error {
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}
	err := p.sender.SendPage(ctx, page.Recipient, page.Subject, page.Body, page.Priority)
	if err != nil {
		page.Status = "failed"
		page.Error = err.Error()
		return err
	}
	sentAt := time.Now().UTC()
	page.Status = "sent"
	page.SentAt = &sentAt
	page.Error = ""
	return nil
}

func (p *Pager) record(page *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, page)
	p.byID[page.ID] = page
	if len(p.history) > historyLimit {
		delete(p.byID, p.history[0].ID)
		p.history = p.history[1:]
	}
}

// Retry re-sends a failed page.
func (p *Pager) Retry(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	page, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}
	if page.Status != "failed" {
		return fmt.Errorf("%w: %s is %s", ErrPageNotFailed, id, page.Status)
	}
	return p.send(ctx, page)
}

// Recent returns up to limit of the newest pages, newest first.
func (p *Pager) Recent(limit int) []Page {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Page, 0, limit)
	for i := len(p.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *p.history[i])
	}
	return out
}

// Stats counts retained pages by status.
func (p *Pager) Stats() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]int)
	for _, page := range p.history {
		stats[page.Status]++
	}
	return stats
}

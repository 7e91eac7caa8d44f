package triage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/eventbus"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/websocket"
)

const (
	EventCriticalCase     = "critical_case"
	EventEscalation       = "escalation"
	EventCaseAssigned     = "case_assigned"
	EventCaseAcknowledged = "case_acknowledged"
)

type CriticalCaseNotice struct {
	CaseID         uuid.UUID      `json:"case_id"`
	PatientID      uuid.UUID      `json:"patient_id"`
	ESILevel       int            `json:"esi_level"`
	Zone           string         `json:"zone,omitempty"`
	PatientSummary PatientSummary `json:"patient_summary"`
}

type EscalationNotice struct {
	CaseID          uuid.UUID      `json:"case_id"`
	PatientID       uuid.UUID      `json:"patient_id"`
	ESILevel        int            `json:"esi_level"`
	EscalationLevel int            `json:"escalation_level"`
	AssignedTo      string         `json:"assigned_to"`
	AssignedRole    Role           `json:"assigned_role"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Zone            string         `json:"zone,omitempty"`
	PatientSummary  PatientSummary `json:"patient_summary"`
}

type CaseAssignedNotice struct {
	CaseID         uuid.UUID      `json:"case_id"`
	AssignedTo     string         `json:"assigned_to"`
	ESILevel       int            `json:"esi_level"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
	Zone           string         `json:"zone,omitempty"`
	PatientSummary PatientSummary `json:"patient_summary"`
}

type CaseAcknowledgedNotice struct {
	CaseID         uuid.UUID `json:"case_id"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	ResponseTimeMs *int64    `json:"response_time_ms,omitempty"`
	MetTarget      bool      `json:"met_target"`
	Zone           string    `json:"zone,omitempty"`
}

// EventSink receives routing events after the state change has committed.
// Delivery is best effort; implementations must not block the caller on
// transport failures.
type EventSink interface {
	CriticalCase(ctx context.Context, n CriticalCaseNotice)
	Escalation(ctx context.Context, n EscalationNotice)
	CaseAssigned(ctx context.Context, n CaseAssignedNotice)
	CaseAcknowledged(ctx context.Context, n CaseAcknowledgedNotice)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) CriticalCase(context.Context, CriticalCaseNotice)         {}
func (NopSink) Escalation(context.Context, EscalationNotice)             {}
func (NopSink) CaseAssigned(context.Context, CaseAssignedNotice)         {}
func (NopSink) CaseAcknowledged(context.Context, CaseAcknowledgedNotice) {}

// PublisherSink turns notices into eventbus events addressed to the case
// topics, the zone and the responder.
type PublisherSink struct {
	pub    eventbus.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewPublisherSink(pub eventbus.Publisher, logger zerolog.Logger) *PublisherSink {
	return &PublisherSink{pub: pub, logger: logger, now: time.Now}
}

func (s *PublisherSink) CriticalCase(ctx context.Context, n CriticalCaseNotice) {
	attrs := n.PatientSummary.Attributes()
	attrs["esi"] = strconv.Itoa(n.ESILevel)
	attrs["zone"] = n.Zone
	s.publish(ctx, eventbus.Event{
		Type:       EventCriticalCase,
		CaseID:     n.CaseID.String(),
		Topics:     caseTopics(n.Zone),
		Broadcast:  true,
		Attributes: attrs,
	}, n)
}

func (s *PublisherSink) Escalation(ctx context.Context, n EscalationNotice) {
	attrs := n.PatientSummary.Attributes()
	attrs["esi"] = strconv.Itoa(n.ESILevel)
	attrs["zone"] = n.Zone
	attrs["level"] = strconv.Itoa(n.EscalationLevel)
	attrs["role"] = string(n.AssignedRole)
	attrs["deadline"] = formatDeadline(n.Deadline)
	s.publish(ctx, eventbus.Event{
		Type:       EventEscalation,
		CaseID:     n.CaseID.String(),
		Topics:     append(caseTopics(n.Zone), websocket.ResponderTopic(n.AssignedTo)),
		Recipient:  n.AssignedTo,
		Attributes: attrs,
	}, n)
}

func (s *PublisherSink) CaseAssigned(ctx context.Context, n CaseAssignedNotice) {
	attrs := n.PatientSummary.Attributes()
	attrs["esi"] = strconv.Itoa(n.ESILevel)
	attrs["zone"] = n.Zone
	attrs["deadline"] = formatDeadline(n.Deadline)
	s.publish(ctx, eventbus.Event{
		Type:       EventCaseAssigned,
		CaseID:     n.CaseID.String(),
		Topics:     append(caseTopics(n.Zone), websocket.ResponderTopic(n.AssignedTo)),
		Recipient:  n.AssignedTo,
		Attributes: attrs,
	}, n)
}

func (s *PublisherSink) CaseAcknowledged(ctx context.Context, n CaseAcknowledgedNotice) {
	s.publish(ctx, eventbus.Event{
		Type:   EventCaseAcknowledged,
		CaseID: n.CaseID.String(),
		Topics: caseTopics(n.Zone),
		Attributes: map[string]string{
			"acknowledged_by": n.AcknowledgedBy,
			"met_target":      strconv.FormatBool(n.MetTarget),
		},
	}, n)
}

func (s *PublisherSink) publish(ctx context.Context, ev eventbus.Event, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", ev.Type).Msg("encode event payload")
		return
	}
	ev.ID = uuid.NewString()
	ev.Payload = body
	ev.OccurredAt = s.now().UTC()
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("event", ev.Type).
			Str("case_id", ev.CaseID).
			Msg("event delivery failed")
	}
}

func caseTopics(zone string) []string {
	topics := []string{websocket.TopicCases}
	if zone != "" {
		topics = append(topics, websocket.ZoneTopic(zone))
	}
	return topics
}

func formatDeadline(d *time.Time) string {
	if d == nil {
		return "no deadline"
	}
	return d.UTC().Format("15:04:05Z")
}

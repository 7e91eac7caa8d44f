package triage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- in-memory store --

type memTxKey struct{}

// memStore enforces the same pending-slot guard and unique rungs as the
// PostgreSQL schema. Transactions are serialised and roll back on error.
type memStore struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	cases       map[uuid.UUID]*TriageCase
	assignments map[uuid.UUID]*RoutingAssignment
	events      []*EscalationEvent
	audits      []*AuditLog

	failOn       map[string]error
	failEventFor map[uuid.UUID]bool
}

func newMemStore() *memStore {
	return &memStore{
		cases:        make(map[uuid.UUID]*TriageCase),
		assignments:  make(map[uuid.UUID]*RoutingAssignment),
		failOn:       make(map[string]error),
		failEventFor: make(map[uuid.UUID]bool),
	}
}

type memSnapshot struct {
	cases       map[uuid.UUID]TriageCase
	assignments map[uuid.UUID]RoutingAssignment
	events      int
	audits      int
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		cases:       make(map[uuid.UUID]TriageCase, len(m.cases)),
		assignments: make(map[uuid.UUID]RoutingAssignment, len(m.assignments)),
		events:      len(m.events),
		audits:      len(m.audits),
	}
	for id, c := range m.cases {
		s.cases[id] = *c
	}
	for id, a := range m.assignments {
		s.assignments[id] = *a
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases = make(map[uuid.UUID]*TriageCase, len(s.cases))
	for id, c := range s.cases {
		c := c
		m.cases[id] = &c
	}
	m.assignments = make(map[uuid.UUID]*RoutingAssignment, len(s.assignments))
	for id, a := range s.assignments {
		a := a
		m.assignments[id] = &a
	}
	m.events = m.events[:s.events]
	m.audits = m.audits[:s.audits]
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) fail(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failOn[method]
}

func (m *memStore) CreateCase(_ context.Context, c *TriageCase) error {
	if err := m.fail("CreateCase"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *memStore) GetCase(_ context.Context, id uuid.UUID) (*TriageCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetCaseForUpdate(ctx context.Context, id uuid.UUID) (*TriageCase, error) {
	return m.GetCase(ctx, id)
}

func (m *memStore) UpdateCase(_ context.Context, c *TriageCase) error {
	if err := m.fail("UpdateCase"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return ErrCaseNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *memStore) ListQueue(_ context.Context, limit, offset int) ([]*TriageCase, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TriageCase
	for _, c := range m.cases {
		if c.Status == StatusValidated && c.ESI() >= 3 {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ESI() != out[j].ESI() {
			return out[i].ESI() < out[j].ESI()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memStore) hasPendingLocked(caseID uuid.UUID) bool {
	for _, a := range m.assignments {
		if a.CaseID == caseID && a.Status == AssignmentPending {
			return true
		}
	}
	return false
}

func (m *memStore) ListStranded(_ context.Context, esi []int, validatedBefore time.Time, limit int) ([]*TriageCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[int]bool{}
	for _, e := range esi {
		want[e] = true
	}
	var out []*TriageCase
	for _, c := range m.cases {
		if !want[c.ESI()] || (c.Status != StatusValidated && c.Status != StatusAssigned) || !c.EscalationStatus.IsOpen() {
			continue
		}
		if c.ValidatedAt == nil || c.ValidatedAt.After(validatedBefore) || m.hasPendingLocked(c.ID) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ESI() != out[j].ESI() {
			return out[i].ESI() < out[j].ESI()
		}
		return out[i].ValidatedAt.Before(*out[j].ValidatedAt)
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreateAssignment(_ context.Context, a *RoutingAssignment) error {
	if err := m.fail("CreateAssignment"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.assignments {
		if x.CaseID != a.CaseID {
			continue
		}
		if (x.Status == AssignmentPending && a.Status == AssignmentPending) || x.EscalationLevel == a.EscalationLevel {
			return ErrAssignmentConflict
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *memStore) GetAssignment(_ context.Context, id uuid.UUID) (*RoutingAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetPendingAssignment(_ context.Context, caseID uuid.UUID) (*RoutingAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *RoutingAssignment
	for _, a := range m.assignments {
		if a.CaseID == caseID && a.Status == AssignmentPending {
			if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
				latest = a
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) ListAssignments(_ context.Context, caseID uuid.UUID) ([]*RoutingAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RoutingAssignment
	for _, a := range m.assignments {
		if a.CaseID == caseID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscalationLevel < out[j].EscalationLevel })
	return out, nil
}

func (m *memStore) MarkEscalated(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.Status != AssignmentPending {
		return ErrAssignmentNotPending
	}
	a.Status = AssignmentEscalated
	return nil
}

func (m *memStore) AcknowledgeAssignment(_ context.Context, id uuid.UUID, at time.Time, responseTimeMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.Status != AssignmentPending {
		return ErrAssignmentNotPending
	}
	a.Status = AssignmentAcknowledged
	a.AcknowledgedAt = &at
	a.ResponseTimeMs = &responseTimeMs
	return nil
}

func (m *memStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*RoutingAssignment, error) {
	if err := m.fail("ListOverdue"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RoutingAssignment
	for _, a := range m.assignments {
		if a.Status == AssignmentPending && a.EscalationDeadline != nil && a.EscalationDeadline.Before(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscalationDeadline.Before(*out[j].EscalationDeadline) })
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CreateEscalationEvent(_ context.Context, e *EscalationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEventFor[e.CaseID] {
		return errors.New("escalation_event insert failed")
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) ListEscalationEvents(_ context.Context, caseID uuid.UUID) ([]*EscalationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*EscalationEvent
	for _, e := range m.events {
		if e.CaseID == caseID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CreateAuditLog(_ context.Context, l *AuditLog) error {
	if err := m.fail("CreateAuditLog"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	cp := *l
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *memStore) ListAuditLogs(_ context.Context, caseID uuid.UUID) ([]*AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditLog
	for _, l := range m.audits {
		if l.CaseID != nil && *l.CaseID == caseID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

// put stores an assignment directly, bypassing the guards.
func (m *memStore) put(a *RoutingAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.assignments[a.ID] = &cp
}

func (m *memStore) auditActions(caseID uuid.UUID) []AuditAction {
	logs, _ := m.ListAuditLogs(context.Background(), caseID)
	out := make([]AuditAction, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

// checkConsistency asserts routing consistency across the whole store.
func (m *memStore) checkConsistency(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	byCase := map[uuid.UUID][]*RoutingAssignment{}
	for _, a := range m.assignments {
		byCase[a.CaseID] = append(byCase[a.CaseID], a)
	}
	for caseID, list := range byCase {
		pending := 0
		sort.Slice(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].EscalationLevel < list[j].EscalationLevel
		})
		for i, a := range list {
			if a.Status == AssignmentPending {
				pending++
			}
			if a.EscalationLevel != i {
				t.Errorf("case %s: assignment %d has level %d, want contiguous levels from 0", caseID, i, a.EscalationLevel)
			}
		}
		if pending > 1 {
			t.Errorf("case %s has %d pending assignments", caseID, pending)
		}
	}
	for id, c := range m.cases {
		if (c.ValidatedESI != nil) != c.Status.IsValidated() {
			t.Errorf("case %s: validated_esi set=%v with status %s", id, c.ValidatedESI != nil, c.Status)
		}
		if c.IsOverride && c.OverrideRationale == nil {
			t.Errorf("case %s: override without rationale", id)
		}
	}
}

// -- responder directory --

type fakeDirectory struct {
	mu         sync.Mutex
	responders []Responder
	calls      []string
	err        error
}

func (d *fakeDirectory) add(id string, role Role, zone string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responders = append(d.responders, Responder{ID: id, Role: role, Zone: zone, Available: true})
}

func (d *fakeDirectory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.responders {
		if r.ID == id {
			d.responders = append(d.responders[:i], d.responders[i+1:]...)
			return
		}
	}
}

func (d *fakeDirectory) FindAvailable(_ context.Context, role Role, zone string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, string(role)+"@"+zone)
	if d.err != nil {
		return "", false, d.err
	}
	for _, r := range d.responders {
		if r.Available && r.Role == role && (zone == "" || r.Zone == zone) {
			return r.ID, true, nil
		}
	}
	return "", false, nil
}

// -- event sink --

type recordingSink struct {
	mu           sync.Mutex
	critical     []CriticalCaseNotice
	escalations  []EscalationNotice
	assigned     []CaseAssignedNotice
	acknowledged []CaseAcknowledgedNotice
}

func (s *recordingSink) CriticalCase(_ context.Context, n CriticalCaseNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.critical = append(s.critical, n)
}

func (s *recordingSink) Escalation(_ context.Context, n EscalationNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, n)
}

func (s *recordingSink) CaseAssigned(_ context.Context, n CaseAssignedNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned = append(s.assigned, n)
}

func (s *recordingSink) CaseAcknowledged(_ context.Context, n CaseAcknowledgedNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acknowledged = append(s.acknowledged, n)
}

// -- clock --

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// -- fixture --

type fixture struct {
	svc   *Service
	store *memStore
	dir   *fakeDirectory
	sink  *recordingSink
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		dir:   &fakeDirectory{},
		sink:  &recordingSink{},
		clock: &testClock{t: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, f.store, f.dir, f.sink, zerolog.Nop(), Options{Now: f.clock.Now})
	return f
}

// withLadder registers one responder per rung in zone "A".
func (f *fixture) withLadder() *fixture {
	f.dir.add("dr-house", RolePhysician, "A")
	f.dir.add("dr-cuddy", RoleSeniorPhysician, "A")
	f.dir.add("rn-hadley", RoleChargeNurse, "A")
	return f
}

func (f *fixture) newCase(t *testing.T, draftESI int, zone string) *TriageCase {
	t.Helper()
	age := 54
	req := CreateCaseRequest{
		PatientID:      uuid.New(),
		Zone:           zone,
		PatientSummary: PatientSummary{ChiefComplaint: "chest pain", Age: &age, Sex: "M", KeyVitals: "HR 118, BP 92/60"},
	}
	if draftESI > 0 {
		req.AIDraftESI = &draftESI
	}
	c, err := f.svc.CreateCase(context.Background(), req, "nurse-joy")
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func (f *fixture) validate(t *testing.T, caseID uuid.UUID) *ValidateResult {
	t.Helper()
	res, err := f.svc.ValidateTriage(context.Background(), caseID, ValidateRequest{Action: ActionConfirm}, "nurse-joy")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return res
}

func (f *fixture) mustCase(t *testing.T, id uuid.UUID) *TriageCase {
	t.Helper()
	c, err := f.store.GetCase(context.Background(), id)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	return c
}

func (f *fixture) assignments(t *testing.T, caseID uuid.UUID) []*RoutingAssignment {
	t.Helper()
	list, err := f.store.ListAssignments(context.Background(), caseID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	return list
}

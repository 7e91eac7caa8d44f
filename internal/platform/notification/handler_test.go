package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/auth"
	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/eventbus"
)

func newPagesServer(p *Pager) *echo.Echo {
	e := echo.New()
	NewHandler(p).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func doPages(e *echo.Echo, method, target string, roles ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req = req.WithContext(auth.WithUser(req.Context(), "rn-hadley", roles, ""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ListPages(t *testing.T) {
	p := newTestPager(&MockSender{})
	for _, to := range []string{"dr-a", "dr-b", "dr-c"} {
		_ = p.Publish(context.Background(), eventbus.Event{Type: "case_assigned", Recipient: to})
	}
	e := newPagesServer(p)

	rec := doPages(e, http.MethodGet, "/api/v1/pages?limit=2", auth.RoleChargeNurse)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pages []Page
	if err := json.Unmarshal(rec.Body.Bytes(), &pages); err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 || pages[0].Recipient != "dr-c" {
		t.Errorf("expected the two newest pages, got %+v", pages)
	}

	if rec := doPages(e, http.MethodGet, "/api/v1/pages?limit=zero", auth.RoleChargeNurse); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", rec.Code)
	}
	if rec := doPages(e, http.MethodGet, "/api/v1/pages", auth.RolePhysician); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a physician, got %d", rec.Code)
	}
}

func TestHandler_StatsAndRetry(t *testing.T) {
	sender := &MockSender{ShouldFail: true, FailError: "gateway timeout"}
	p := newTestPager(sender)
	_ = p.Publish(context.Background(), eventbus.Event{Type: "escalation", Recipient: "dr-b"})
	failed := p.Recent(1)[0]
	e := newPagesServer(p)

	rec := doPages(e, http.MethodGet, "/api/v1/pages/stats", auth.RoleAdmin)
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats["failed"] != 1 {
		t.Fatalf("expected one failed page, got %s (%v)", rec.Body.String(), err)
	}

	if rec := doPages(e, http.MethodPost, "/api/v1/pages/"+failed.ID+"/retry", auth.RoleChargeNurse); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 while the gateway is down, got %d", rec.Code)
	}

	sender.ShouldFail = false
	if rec := doPages(e, http.MethodPost, "/api/v1/pages/"+failed.ID+"/retry", auth.RoleChargeNurse); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doPages(e, http.MethodPost, "/api/v1/pages/"+failed.ID+"/retry", auth.RoleChargeNurse); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a sent page, got %d", rec.Code)
	}
	if rec := doPages(e, http.MethodPost, "/api/v1/pages/missing/retry", auth.RoleChargeNurse); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

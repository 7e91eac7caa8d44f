package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/auth"
)

func httpStatus(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/triage-cases", nil), rec)

	if err := SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Fatal(err)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	slow := func(c echo.Context) error {
		select {
		case <-time.After(time.Second):
			return c.NoContent(http.StatusOK)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/triage-cases/overdue", nil), httptest.NewRecorder())
	if err := RequestTimeout(20*time.Millisecond)(slow)(c); httpStatus(err) != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), httptest.NewRecorder())
	fast := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return c.NoContent(http.StatusOK)
	}
	if err := RequestTimeout(time.Second)(fast)(c); err != nil {
		t.Errorf("unexpected error %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())
	ws := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("websocket requests must not get a deadline")
		}
		return nil
	}
	if err := RequestTimeout(time.Millisecond)(ws)(c); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestRequestTimeout_WaitsForSlowHandler(t *testing.T) {
	e := echo.New()
	finished := false
	stubborn := func(c echo.Context) error {
		time.Sleep(40 * time.Millisecond)
		finished = true
		return c.String(http.StatusOK, "late")
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/triage-cases/x/validate", nil), rec)
	if err := RequestTimeout(10*time.Millisecond)(stubborn)(c); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if !finished {
		t.Fatal("middleware returned before the handler finished")
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "late" {
		t.Errorf("expected the handler's own response, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRequestTimeout_Disabled(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/track-board", nil), httptest.NewRecorder())
	h := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("zero timeout must not set a deadline")
		}
		return nil
	}
	if err := RequestTimeout(0)(h)(c); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestBodyLimit(t *testing.T) {
	e := echo.New()
	read := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}

	small := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"esi":2}`))
	if err := BodyLimit("1K")(read)(e.NewContext(small, httptest.NewRecorder())); err != nil {
		t.Errorf("small body rejected: %v", err)
	}

	big := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 2048)))
	if err := BodyLimit("1K")(read)(e.NewContext(big, httptest.NewRecorder())); httpStatus(err) != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 from Content-Length, got %v", err)
	}

	chunked := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 2048)))
	chunked.ContentLength = -1
	if err := BodyLimit("1K")(read)(e.NewContext(chunked, httptest.NewRecorder())); httpStatus(err) != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 while reading, got %v", err)
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"512":  512,
		"64K":  64 << 10,
		"64kb": 64 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
		"":     defaultBodyLimit,
		"lots": defaultBodyLimit,
		"-5":   defaultBodyLimit,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestCaseAccess(t *testing.T) {
	var buf bytes.Buffer
	var recorded []AccessEntry
	rec := AccessRecorderFunc(func(e AccessEntry) error {
		recorded = append(recorded, e)
		return nil
	})

	e := echo.New()
	e.Use(RequestID())
	e.Use(CaseAccess(zerolog.New(&buf), rec))
	e.GET("/api/v1/triage-cases/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.POST("/api/v1/triage-cases/:id/acknowledge", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "already acknowledged")
	})
	e.GET("/api/v1/triage-cases/track-board", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	do := func(method, target string) {
		req := httptest.NewRequest(method, target, nil)
		req = req.WithContext(auth.WithUser(context.Background(), "dr-house", []string{auth.RolePhysician}, "A"))
		e.ServeHTTP(httptest.NewRecorder(), req)
	}
	do(http.MethodGet, "/api/v1/triage-cases/c-1")
	do(http.MethodPost, "/api/v1/triage-cases/c-1/acknowledge")
	do(http.MethodGet, "/api/v1/triage-cases/track-board")

	if len(recorded) != 2 {
		t.Fatalf("expected two case accesses, got %+v", recorded)
	}
	if recorded[0].Action != "read" || recorded[0].UserID != "dr-house" || recorded[0].CaseID != "c-1" {
		t.Errorf("unexpected read entry %+v", recorded[0])
	}
	if recorded[1].Action != "act" || recorded[1].StatusCode != http.StatusConflict {
		t.Errorf("unexpected acknowledge entry %+v", recorded[1])
	}
	if recorded[0].RequestID == "" {
		t.Error("expected the request id to be captured")
	}

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0], &line); err != nil {
		t.Fatal(err)
	}
	if line["type"] != "case_access" || line["case_id"] != "c-1" {
		t.Errorf("unexpected log line %v", line)
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"healthtrack-platform/internal/auth"
	"healthtrack-platform/internal/call"
	"healthtrack-platform/internal/directory"

	"github.com/gin-gonic/gin"
)

const (
	testPatient = "patient-1"
	testDoctor  = "doctor-1"
)

// identityAs stubs the auth middleware: every request carries a fixed
// authenticated identity.
func identityAs(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	}
}

type fixture struct {
	patient *gin.Engine
	doctor  *gin.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dirRepo := directory.NewMemoryRepo()
	dir := directory.NewService(dirRepo)
	now := time.Now().UTC()
	if err := dirRepo.UpsertDoctor(context.Background(), directory.Doctor{
		ID: testDoctor, Name: "Dr. Kim", Specialty: "cardiology",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed doctor: %v", err)
	}
	if _, err := dir.RequestConnection(context.Background(), testPatient, testDoctor); err != nil {
		t.Fatalf("request connection: %v", err)
	}
	if _, err := dir.AcceptConnection(context.Background(), testPatient, testDoctor); err != nil {
		t.Fatalf("accept connection: %v", err)
	}

	svc := call.NewService(call.NewMemoryRepo(), dir, call.Config{})
	h := Handlers{Call: svc, Directory: dir}

	router := func(userID, role string) *gin.Engine {
		r := gin.New()
		r.Use(identityAs(userID, role))
		r.POST("/v1/call/signal", h.Signal)
		r.GET("/v1/doctors", h.ListDoctors)
		r.POST("/v1/connections", h.RequestConnection)
		r.POST("/v1/connections/accept", h.AcceptConnection)
		return r
	}

	return fixture{
		patient: router(testPatient, "patient"),
		doctor:  router(testDoctor, "doctor"),
	}
}

func post(t *testing.T, r *gin.Engine, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
	return w, out
}

func signal(t *testing.T, r *gin.Engine, body map[string]any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	return post(t, r, "/v1/call/signal", body)
}

func field(t *testing.T, out map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(out[key], &s); err != nil {
		t.Fatalf("field %s: %v (%s)", key, err, out[key])
	}
	return s
}

func TestSignalEndpointFullFlow(t *testing.T) {
	f := newFixture(t)

	w, out := signal(t, f.patient, map[string]any{
		"action": "initiate_call", "doctor_id": testDoctor, "session_id": "sess-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("initiate: %d %s", w.Code, w.Body.String())
	}
	if field(t, out, "status") != "calling" {
		t.Fatalf("expected calling, got %s", out["status"])
	}

	// Ringing until the doctor accepts.
	_, out = signal(t, f.patient, map[string]any{"action": "get_call_status", "session_id": "sess-1"})
	if field(t, out, "status") != "calling" {
		t.Fatalf("expected calling, got %s", out["status"])
	}

	w, out = signal(t, f.doctor, map[string]any{"action": "accept_call", "session_id": "sess-1"})
	if w.Code != http.StatusOK || field(t, out, "status") != "active" {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}

	// Offer flows to the doctor and drains exactly once.
	w, _ = signal(t, f.patient, map[string]any{
		"action": "send_signal", "session_id": "sess-1",
		"signal": map[string]any{"kind": "offer", "payload": map[string]any{"type": "offer", "sdp": "o1"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("send_signal: %d %s", w.Code, w.Body.String())
	}

	_, out = signal(t, f.doctor, map[string]any{"action": "get_call_status", "session_id": "sess-1"})
	var sigs []call.Signal
	if err := json.Unmarshal(out["signal"], &sigs); err != nil {
		t.Fatalf("signal field: %v (%s)", err, out["signal"])
	}
	if len(sigs) != 1 || sigs[0].Kind != call.SignalOffer {
		t.Fatalf("expected one offer, got %v", sigs)
	}

	_, out = signal(t, f.doctor, map[string]any{"action": "get_call_status", "session_id": "sess-1"})
	if _, ok := out["signal"]; ok {
		t.Fatalf("offer delivered twice: %s", out["signal"])
	}

	// Hangup is idempotent.
	for i := 0; i < 2; i++ {
		w, out = signal(t, f.doctor, map[string]any{"action": "end_call", "session_id": "sess-1"})
		if w.Code != http.StatusOK || field(t, out, "status") != "ended" {
			t.Fatalf("end %d: %d %s", i, w.Code, w.Body.String())
		}
	}

	// Terminal sessions refuse further signals.
	w, out = signal(t, f.patient, map[string]any{
		"action": "send_signal", "session_id": "sess-1",
		"signal": map[string]any{"kind": "offer", "payload": map[string]any{"type": "offer", "sdp": "o2"}},
	})
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410 after end, got %d %s", w.Code, w.Body.String())
	}
	if field(t, out, "message") == "" {
		t.Fatalf("expected a message in the failure body")
	}
}

func TestSignalGeneratesSessionID(t *testing.T) {
	f := newFixture(t)

	w, out := signal(t, f.patient, map[string]any{"action": "initiate_call", "doctor_id": testDoctor})
	if w.Code != http.StatusOK {
		t.Fatalf("initiate: %d %s", w.Code, w.Body.String())
	}
	if field(t, out, "session_id") == "" {
		t.Fatalf("expected a generated session_id")
	}
}

func TestSignalErrorMapping(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		router *gin.Engine
		body   map[string]any
		code   int
	}{
		{"unknown action", f.patient, map[string]any{"action": "teleport"}, http.StatusBadRequest},
		{"unknown session", f.patient, map[string]any{"action": "get_call_status", "session_id": "nope"}, http.StatusNotFound},
		{"unconnected callee", f.patient, map[string]any{"action": "initiate_call", "doctor_id": "doctor-9", "session_id": "s9"}, http.StatusForbidden},
		{"missing signal body", f.patient, map[string]any{"action": "send_signal", "session_id": "s1"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, out := signal(t, tc.router, tc.body)
			if w.Code != tc.code {
				t.Fatalf("expected %d, got %d %s", tc.code, w.Code, w.Body.String())
			}
			var success bool
			if err := json.Unmarshal(out["success"], &success); err != nil || success {
				t.Fatalf("expected success=false, body %s", w.Body.String())
			}
		})
	}
}

func TestSignalOnlyCalleeAccepts(t *testing.T) {
	f := newFixture(t)

	signal(t, f.patient, map[string]any{"action": "initiate_call", "doctor_id": testDoctor, "session_id": "sess-1"})
	w, _ := signal(t, f.patient, map[string]any{"action": "accept_call", "session_id": "sess-1"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("caller accept must be forbidden, got %d %s", w.Code, w.Body.String())
	}
}

func TestSignalRejectSettles(t *testing.T) {
	f := newFixture(t)

	signal(t, f.patient, map[string]any{"action": "initiate_call", "doctor_id": testDoctor, "session_id": "sess-1"})
	w, out := signal(t, f.doctor, map[string]any{"action": "reject_call", "session_id": "sess-1"})
	if w.Code != http.StatusOK || field(t, out, "status") != "rejected" {
		t.Fatalf("reject: %d %s", w.Code, w.Body.String())
	}

	// A late accept observes the settled status.
	w, _ = signal(t, f.doctor, map[string]any{"action": "accept_call", "session_id": "sess-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("late accept must conflict, got %d %s", w.Code, w.Body.String())
	}
}

func TestDirectoryEndpoints(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/doctors", nil)
	w := httptest.NewRecorder()
	f.patient.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list doctors: %d %s", w.Code, w.Body.String())
	}
	var listing struct {
		Doctors []directory.Doctor `json:"doctors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listing); err != nil {
		t.Fatalf("list body: %v", err)
	}
	if len(listing.Doctors) != 1 || listing.Doctors[0].ID != testDoctor {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	// Duplicate connection request conflicts.
	w2, _ := post(t, f.patient, "/v1/connections", map[string]any{"doctor_id": testDoctor})
	if w2.Code != http.StatusConflict {
		t.Fatalf("duplicate connect: %d %s", w2.Code, w2.Body.String())
	}
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilSafety(t *testing.T) {
	var m *Metrics
	m.IncHookEvent("PreToolUse")
	m.IncHookMalformed()
	m.ObservePermissionOutcome("allow", time.Second)
	m.SetSessionsActive(3)
	m.SetPendingPermissions(1)
	m.IncBridgeRestart()
	m.IncBridgeRequest("connect", "ok")
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.IncHookEvent("PreToolUse")
	m.ObservePermissionOutcome("allow", 2*time.Second)
	m.SetSessionsActive(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`porthole_hook_events_total{event="PreToolUse"} 1`,
		`porthole_permission_decisions_total{outcome="allow"} 1`,
		`porthole_sessions_active 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

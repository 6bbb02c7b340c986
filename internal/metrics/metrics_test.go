package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder_Counters(t *testing.T) {
	r := NewPrometheusRecorder()

	r.RegistrationStarted()
	r.RegistrationFinished(OutcomeSuccess)
	r.AuthenticationStarted()
	r.AuthenticationFinished(OutcomeFailure)
	r.SessionIssued()
	r.HTTPRequest(http.MethodPost, "/webauthn/register/start", http.StatusOK, 5*time.Millisecond)

	body := scrape(t, r)

	assert.Contains(t, body, `passkey_registrations_started_total 1`)
	assert.Contains(t, body, `passkey_registrations_finished_total{outcome="success"} 1`)
	assert.Contains(t, body, `passkey_authentications_started_total 1`)
	assert.Contains(t, body, `passkey_authentications_finished_total{outcome="failure"} 1`)
	assert.Contains(t, body, `passkey_sessions_issued_total 1`)
	assert.Contains(t, body, `passkey_http_requests_total{method="POST",path="/webauthn/register/start",status="200"} 1`)
}

func TestPrometheusRecorder_IsolatedRegistries(t *testing.T) {
	// Two recorders must not share state. A second construction would
	// panic on duplicate registration if the registry were global.
	a := NewPrometheusRecorder()
	b := NewPrometheusRecorder()

	a.SessionIssued()
	a.SessionIssued()
	b.SessionIssued()

	assert.Contains(t, scrape(t, a), `passkey_sessions_issued_total 2`)
	assert.Contains(t, scrape(t, b), `passkey_sessions_issued_total 1`)
}

func TestNopRecorder(t *testing.T) {
	r := NewNop()

	r.RegistrationStarted()
	r.RegistrationFinished(OutcomeSuccess)
	r.AuthenticationStarted()
	r.AuthenticationFinished(OutcomeFailure)
	r.SessionIssued()
	r.HTTPRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)

	assert.Nil(t, r.Handler())
}

func scrape(t *testing.T, r *PrometheusRecorder) string {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.True(t, strings.Contains(body, "passkey_"), "expected passkey metrics in scrape output")
	return body
}

package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-passkey-backend/internal/cache"
	"github.com/sirosfoundation/go-passkey-backend/internal/metrics"
	"github.com/sirosfoundation/go-passkey-backend/internal/service"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage/memory"
	"github.com/sirosfoundation/go-passkey-backend/pkg/config"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
)

var testRP = virtualwebauthn.RelyingParty{
	Name:   "Example",
	ID:     testRPID,
	Origin: testOrigin,
}

func newTestRouter(t *testing.T, mutate ...func(*config.Config)) *gin.Engine {
	t.Helper()
	router, _ := newTestRouterWithRepo(t, mutate...)
	return router
}

// newTestRouterWithRepo additionally exposes the repository for tests that
// manipulate stored rows directly.
func newTestRouterWithRepo(t *testing.T, mutate ...func(*config.Config)) (*gin.Engine, *memory.Repository) {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.WebAuthn.RPID = testRPID
	cfg.WebAuthn.RPName = "Example"
	cfg.WebAuthn.RPOrigin = testOrigin
	// Ceremony-heavy tests would trip the per-IP throttle.
	cfg.RateLimit.Enabled = false
	for _, m := range mutate {
		m(cfg)
	}

	repo := memory.NewRepository()
	store := cache.NewMemoryStore()
	recorder := metrics.NewNop()

	services, err := service.NewServices(cfg, repo, store, recorder, zap.NewNop())
	require.NoError(t, err)

	handlers := NewHandlers(services, repo, store, zap.NewNop())
	return NewRouter(cfg, handlers, services.Session, recorder, zap.NewNop()), repo
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getWithToken(router *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// registerPasskey drives the full registration ceremony over HTTP and
// returns the authenticator, credential, and the hex credential ID the
// backend reported.
func registerPasskey(t *testing.T, router *gin.Engine, username string) (*virtualwebauthn.Authenticator, *virtualwebauthn.Credential, string) {
	t.Helper()

	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	rec := postJSON(router, "/webauthn/register/start", gin.H{"username": username})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var startResp struct {
		Challenge protocol.CredentialCreation `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &startResp))

	optionsJSON, err := json.Marshal(startResp.Challenge.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	attestation := virtualwebauthn.CreateAttestationResponse(testRP, auth, cred, *parsed)

	rec = postJSON(router, "/webauthn/register/finish", gin.H{
		"username":   username,
		"credential": json.RawMessage(attestation),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var finishResp struct {
		Success      bool   `json:"success"`
		CredentialID string `json:"credential_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &finishResp))
	require.True(t, finishResp.Success)
	require.NotEmpty(t, finishResp.CredentialID)

	auth.AddCredential(cred)
	return &auth, &cred, finishResp.CredentialID
}

// authenticate drives the authentication ceremony over HTTP and returns the
// issued session token.
func authenticate(t *testing.T, router *gin.Engine, username string, auth *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) string {
	t.Helper()

	rec := postJSON(router, "/webauthn/authenticate/start", gin.H{"username": username})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var startResp struct {
		Options protocol.CredentialAssertion `json:"options"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &startResp))

	optionsJSON, err := json.Marshal(startResp.Options.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	cred.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(testRP, *auth, *cred, *parsed)

	rec = postJSON(router, "/webauthn/authenticate/finish", gin.H{
		"username":   username,
		"credential": json.RawMessage(assertion),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var finishResp struct {
		SessionToken string `json:"session_token"`
		Success      bool   `json:"success"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &finishResp))
	require.True(t, finishResp.Success)
	require.NotEmpty(t, finishResp.SessionToken)

	return finishResp.SessionToken
}

func TestRegisterAndAuthenticateFlow(t *testing.T) {
	router := newTestRouter(t)

	auth, cred, credentialID := registerPasskey(t, router, "alice")
	token := authenticate(t, router, "alice", auth, cred)

	rec := getWithToken(router, http.MethodGet, "/webauthn/credentials", token)
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		Credentials []struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
		} `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Credentials, 1)
	assert.NotEmpty(t, listResp.Credentials[0].CreatedAt)

	// The hex ID from registration names the same credential as the
	// base64url ID from the listing.
	raw, err := hex.DecodeString(credentialID)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, raw)
}

func TestRegisterStart_MissingUsername(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(router, "/webauthn/register/start", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterFinish_NoChallenge(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(router, "/webauthn/register/finish", gin.H{
		"username":   "alice",
		"credential": gin.H{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Challenge not found or expired")
}

func TestAuthenticateStart_UnknownUser(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(router, "/webauthn/authenticate/start", gin.H{"username": "nobody"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication failed")
}

func TestAuthenticateStart_CorruptCredentials(t *testing.T) {
	router, repo := newTestRouterWithRepo(t)
	_, cred, _ := registerPasskey(t, router, "alice")

	// Strip the stored key material. The row survives, so this is data
	// corruption rather than a user without passkeys, and it must not
	// look like a failed login.
	stored, err := repo.GetCredentialByID(t.Context(), cred.ID)
	require.NoError(t, err)
	stored.PublicKey = nil
	require.NoError(t, repo.UpdateCredential(t.Context(), stored))

	rec := postJSON(router, "/webauthn/authenticate/start", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}

func TestAuthenticateFinish_NoChallenge(t *testing.T) {
	router := newTestRouter(t)
	registerPasskey(t, router, "alice")

	rec := postJSON(router, "/webauthn/authenticate/finish", gin.H{
		"username":   "alice",
		"credential": gin.H{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Challenge not found or expired")
}

func TestCredentials_RequireSession(t *testing.T) {
	router := newTestRouter(t)

	rec := getWithToken(router, http.MethodGet, "/webauthn/credentials", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = getWithToken(router, http.MethodGet, "/webauthn/credentials", "bogus")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteCredential(t *testing.T) {
	router := newTestRouter(t)

	auth, cred, _ := registerPasskey(t, router, "alice")
	token := authenticate(t, router, "alice", auth, cred)

	rec := getWithToken(router, http.MethodGet, "/webauthn/credentials", token)
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		Credentials []struct {
			ID string `json:"id"`
		} `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Credentials, 1)

	rec = getWithToken(router, http.MethodDelete, "/webauthn/credentials/"+listResp.Credentials[0].ID, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = getWithToken(router, http.MethodGet, "/webauthn/credentials", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"credentials":[]`)
}

func TestDeleteCredential_InvalidID(t *testing.T) {
	router := newTestRouter(t)

	auth, cred, _ := registerPasskey(t, router, "alice")
	token := authenticate(t, router, "alice", auth, cred)

	rec := getWithToken(router, http.MethodDelete, "/webauthn/credentials/!!!!", token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteCredential_OtherUsersCredential(t *testing.T) {
	router := newTestRouter(t)

	aliceAuth, aliceCred, _ := registerPasskey(t, router, "alice")
	aliceToken := authenticate(t, router, "alice", aliceAuth, aliceCred)

	bobAuth, bobCred, _ := registerPasskey(t, router, "bob")
	bobToken := authenticate(t, router, "bob", bobAuth, bobCred)

	// Find alice's credential ID through her own listing.
	rec := getWithToken(router, http.MethodGet, "/webauthn/credentials", aliceToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		Credentials []struct {
			ID string `json:"id"`
		} `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Credentials, 1)

	rec = getWithToken(router, http.MethodDelete, "/webauthn/credentials/"+listResp.Credentials[0].ID, bobToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Alice still has her passkey.
	rec = getWithToken(router, http.MethodGet, "/webauthn/credentials", aliceToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Credentials, 1)
}

func TestLogout(t *testing.T) {
	router := newTestRouter(t)

	auth, cred, _ := registerPasskey(t, router, "alice")
	token := authenticate(t, router, "alice", auth, cred)

	rec := getWithToken(router, http.MethodGet, "/webauthn/credentials", token)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webauthn/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// The token is dead from here on.
	rec = getWithToken(router, http.MethodGet, "/webauthn/credentials", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)

	rec := getWithToken(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRateLimit_CeremonyEndpoints(t *testing.T) {
	router := newTestRouter(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.MaxAttempts = 2
		cfg.RateLimit.WindowSeconds = 60
		cfg.RateLimit.LockoutSeconds = 300
	})

	var last int
	for i := 0; i < 10; i++ {
		rec := postJSON(router, "/webauthn/authenticate/start", gin.H{
			"username": fmt.Sprintf("ghost-%d", i),
		})
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

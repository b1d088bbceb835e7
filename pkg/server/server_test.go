package server

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/changeover/pkg/controller"
	"github.com/opsdesk/changeover/pkg/metrics"
	"github.com/opsdesk/changeover/pkg/storage/storagemock"
	"github.com/opsdesk/changeover/pkg/timer"
)

const (
	testIssuer   = "https://accounts.example.com"
	testAudience = "test-audience"
)

var start = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type authorizerFunc func(ctx context.Context, siteID, operator string) (bool, error)

func (f authorizerFunc) AuthorizeToggle(ctx context.Context, siteID, operator string) (bool, error) {
	return f(ctx, siteID, operator)
}

var allowAll = authorizerFunc(func(context.Context, string, string) (bool, error) { return true, nil })

// testOIDC signs ID tokens for a verifier backed by a static key.
type testOIDC struct {
	priv     *rsa.PrivateKey
	verifier tokenVerifier
}

func newTestOIDC(t *testing.T) *testOIDC {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&priv.PublicKey}}
	return &testOIDC{
		priv:     priv,
		verifier: oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testAudience}).Verify,
	}
}

func (o *testOIDC) token(t *testing.T, subject, email string) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: o.priv}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   subject,
		"email": email,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	token, err := obj.CompactSerialize()
	require.NoError(t, err)
	return token
}

func newTestServer(db *storagemock.MockDatabase, o *testOIDC) (*Server, *controller.Map) {
	m := controller.NewMap(db, nil, timer.NewManual(start), nil)
	return &Server{
		controllers:   m,
		storage:       db,
		adminEmails:   []string{"admin@example.com"},
		oidcAudiences: map[string]string{"google": testAudience},
		oidcVerifiers: map[string]tokenVerifier{"google": o.verifier},
	}, m
}

func newBypassServer(db *storagemock.MockDatabase) (*Server, *controller.Map) {
	m := controller.NewMap(db, nil, timer.NewManual(start), nil)
	return &Server{
		controllers: m,
		storage:     db,
		bypassAuth:  true,
	}, m
}

// newSiteController returns a controller that reports to db and is already
// registered with m.
func newSiteController(m *controller.Map, db *storagemock.MockDatabase, siteID string, auth controller.Authorizer) (*controller.PowerStateController, *timer.Manual) {
	clock := timer.NewManual(start)
	c := controller.New(controller.Config{
		SiteID: siteID,
		Clock:  clock,
		Collaborators: controller.Collaborators{
			Authorizer: auth,
			Persister:  db,
			Recorder:   db,
			Notifier:   db,
		},
	})
	m.SetController(siteID, c)
	return c, clock
}

func do(h http.Handler, method, target string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: authTokenCookie, Value: token})
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	srv := &Server{serverName: "changeover"}
	rr := do(srv.setupHandler(), http.MethodGet, "/healthz", nil, "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "changeover", rr.Header().Get("Server"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc, err := metrics.New(reg)
	require.NoError(t, err)
	mc.Rejected("asansol", "Busy")

	srv := &Server{gatherer: mc.Gatherer()}
	rr := do(srv.setupHandler(), http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `changeover_rejections_total{reason="Busy",site="asansol"} 1`)

	t.Run("NoGatherer", func(t *testing.T) {
		rr := do((&Server{}).setupHandler(), http.MethodGet, "/metrics", nil, "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

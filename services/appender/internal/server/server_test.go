package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"companionchat/internal/servicetoken"
	"companionchat/pkg/storage"
	"companionchat/pkg/transcript"
	"companionchat/services/appender/internal/app"
)

type harness struct {
	handler     http.Handler
	signer      *servicetoken.Signer
	transcripts *transcript.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}

	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{PrivateKeyPath: privatePath, Issuer: "chat"})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	verifier, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "appender",
		AllowedIssuers: []string{"chat"},
	})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	ts := transcript.NewStore(storage.NewMemoryStore())
	core, err := app.New(app.Config{Transcripts: ts})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &harness{
		handler:     New(Config{App: core, Verifier: verifier}).Router(),
		signer:      signer,
		transcripts: ts,
	}
}

func (h *harness) post(t *testing.T, body, audience string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/internal/history_entries", strings.NewReader(body))
	if audience != "" {
		token, err := h.signer.Sign(audience)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestHistoryEntriesAppends(t *testing.T) {
	h := newHarness(t)
	body := `{"username":"alice","chat_id":2,"model_history_entry":{"prompt":"Hi","model_response":"Hello"}}`
	rec := h.post(t, body, "appender")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		StatusCode int    `json:"status_code"`
		JobID      string `json:"job_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.StatusCode != http.StatusOK || resp.JobID == "" {
		t.Fatalf("unexpected body: %+v, %v", resp, err)
	}
	entries, err := h.transcripts.Load(context.Background(), "alice", 2)
	if err != nil || len(entries) != 1 || entries[0].ModelResponse != "Hello" {
		t.Fatalf("entry not stored: %+v, %v", entries, err)
	}
}

func TestHistoryEntriesRequiresServiceToken(t *testing.T) {
	h := newHarness(t)
	body := `{"username":"alice","chat_id":2,"model_history_entry":{"prompt":"Hi","model_response":"Hello"}}`
	if rec := h.post(t, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := h.post(t, body, "chat"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", rec.Code)
	}
}

func TestHistoryEntriesRejectsInvalidJob(t *testing.T) {
	h := newHarness(t)
	if rec := h.post(t, `{"username":"alice","chat_id":0}`, "appender"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := h.post(t, `{"username":`, "appender"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rec.Code)
	}
}

func TestEndpointUnmountedWithoutVerifier(t *testing.T) {
	core, err := app.New(app.Config{Transcripts: transcript.NewStore(storage.NewMemoryStore())})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	handler := New(Config{App: core}).Router()
	req := httptest.NewRequest(http.MethodPost, "/internal/history_entries", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

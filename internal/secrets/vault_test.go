package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const llmKeysPath = "/v1/secret/data/capibara/llm"

// kvEnvelope wraps a data map in the KV v2 response shape.
func kvEnvelope(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 2},
		},
	})
	return b
}

// fakeVault serves a single KV v2 entry holding LLM provider keys.
func fakeVault(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != wantToken {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != llmKeysPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(kvEnvelope(map[string]any{
			"groq_api_key":   "gsk_test_123",
			"openai_api_key": "sk_test_456",
		}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// clearVaultEnv keeps the host's Vault settings out of the tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T, cfg map[string]string) *VaultProvider {
	t.Helper()
	vp, err := NewVaultProvider(cfg)
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func TestVaultResolveField(t *testing.T) {
	clearVaultEnv(t)
	srv := fakeVault(t, "root-token")
	vp := newVault(t, map[string]string{"address": srv.URL, "token": "root-token"})

	secret, err := vp.Resolve(context.Background(), "vault://secret/data/capibara/llm#groq_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "gsk_test_123" {
		t.Errorf("Value = %q, want gsk_test_123", secret.Value)
	}
	if secret.Metadata["source"] != "vault" || secret.Metadata["field"] != "groq_api_key" {
		t.Errorf("metadata = %v", secret.Metadata)
	}
}

func TestVaultResolveWholeEntry(t *testing.T) {
	clearVaultEnv(t)
	srv := fakeVault(t, "root-token")
	vp := newVault(t, map[string]string{"address": srv.URL, "token": "root-token"})

	secret, err := vp.Resolve(context.Background(), "vault://secret/data/capibara/llm")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Without a field selector the whole data map comes back as JSON.
	var data map[string]any
	if err := json.Unmarshal([]byte(secret.Value), &data); err != nil {
		t.Fatalf("Value is not valid JSON: %v", err)
	}
	if data["groq_api_key"] != "gsk_test_123" || data["openai_api_key"] != "sk_test_456" {
		t.Errorf("data = %v", data)
	}
}

func TestVaultRejectsForeignScheme(t *testing.T) {
	clearVaultEnv(t)
	vp := newVault(t, map[string]string{"address": "http://localhost:8200", "token": "t"})

	_, err := vp.Resolve(context.Background(), "env://GROQ_API_KEY")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestVaultEmptyPath(t *testing.T) {
	clearVaultEnv(t)
	vp := newVault(t, map[string]string{"address": "http://localhost:8200", "token": "t"})

	_, err := vp.Resolve(context.Background(), "vault://")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestVaultUnknownPath(t *testing.T) {
	clearVaultEnv(t)
	srv := fakeVault(t, "root-token")
	vp := newVault(t, map[string]string{"address": srv.URL, "token": "root-token"})

	_, err := vp.Resolve(context.Background(), "vault://secret/data/capibara/missing")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestVaultMissingField(t *testing.T) {
	clearVaultEnv(t)
	srv := fakeVault(t, "root-token")
	vp := newVault(t, map[string]string{"address": srv.URL, "token": "root-token"})

	_, err := vp.Resolve(context.Background(), "vault://secret/data/capibara/llm#anthropic_api_key")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound for absent field, got %v", err)
	}
}

// A 403 is an auth problem, not a missing secret; callers should not
// treat it as "reference does not exist".
func TestVaultAccessDenied(t *testing.T) {
	clearVaultEnv(t)
	srv := fakeVault(t, "root-token")
	vp := newVault(t, map[string]string{"address": srv.URL, "token": "revoked-token"})

	_, err := vp.Resolve(context.Background(), "vault://secret/data/capibara/llm#groq_api_key")
	if err == nil {
		t.Fatal("expected error for denied access")
	}
	if errors.Is(err, ErrSecretNotFound) {
		t.Error("auth failure must not read as ErrSecretNotFound")
	}
}

func TestVaultEnvOverridesConfig(t *testing.T) {
	srv := fakeVault(t, "env-token")
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "")

	vp := newVault(t, map[string]string{
		"address": "http://ignored:8200",
		"token":   "ignored",
	})

	secret, err := vp.Resolve(context.Background(), "vault://secret/data/capibara/llm#openai_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if secret.Value != "sk_test_456" {
		t.Errorf("Value = %q, want sk_test_456", secret.Value)
	}
}

func TestVaultNamespaceHeader(t *testing.T) {
	clearVaultEnv(t)
	var gotNamespace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = r.Header.Get("X-Vault-Namespace")
		w.Write(kvEnvelope(map[string]any{"token": "v"}))
	}))
	t.Cleanup(srv.Close)

	vp := newVault(t, map[string]string{
		"address":   srv.URL,
		"token":     "root-token",
		"namespace": "team/platform",
	})
	if _, err := vp.Resolve(context.Background(), "vault://secret/data/capibara/gateway#token"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotNamespace != "team/platform" {
		t.Errorf("namespace header = %q, want team/platform", gotNamespace)
	}
}

func TestNewVaultProviderValidation(t *testing.T) {
	clearVaultEnv(t)

	tests := []struct {
		name string
		cfg  map[string]string
	}{
		{"missing address", map[string]string{"token": "t"}},
		{"missing token", map[string]string{"address": "http://localhost:8200"}},
		{"bad timeout", map[string]string{"address": "http://localhost:8200", "token": "t", "timeout": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewVaultProvider(tt.cfg); err == nil {
				t.Error("expected a config error")
			}
		})
	}
}

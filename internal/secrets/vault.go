package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	vaultScheme         = "vault://"
	defaultVaultTimeout = 5 * time.Second

	// Responses larger than this are truncated; a KV entry holding API
	// keys is nowhere near 1 MB.
	maxVaultResponse = 1 << 20
)

// VaultProvider resolves vault:// references against HashiCorp Vault
// KV v2, so provider API keys and the gateway token never live in the
// config file. A reference names the full KV v2 API path plus an
// optional field selector:
//
//	vault://secret/data/capibara/llm#groq_api_key
//
// Without a selector the whole data map is returned as JSON.
// Authentication is token-based. Safe for concurrent use.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider builds a Vault provider from the config map of a
// secrets provider entry. Recognized keys: address, token, namespace,
// timeout (Go duration) and tls_skip_verify. The VAULT_ADDR,
// VAULT_TOKEN and VAULT_NAMESPACE environment variables take
// precedence over their config counterparts.
func NewVaultProvider(cfg map[string]string) (*VaultProvider, error) {
	address := envOr("VAULT_ADDR", cfg["address"])
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set config key 'address' or VAULT_ADDR)")
	}

	token := envOr("VAULT_TOKEN", cfg["token"])
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set config key 'token' or VAULT_TOKEN)")
	}

	timeout := defaultVaultTimeout
	if raw := cfg["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid vault timeout %q: %w", raw, err)
		}
		timeout = d
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg["tls_skip_verify"] == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   strings.TrimRight(address, "/"),
		token:     token,
		namespace: envOr("VAULT_NAMESPACE", cfg["namespace"]),
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	if !strings.HasPrefix(credentialRef, vaultScheme) {
		return nil, fmt.Errorf("%w: vault provider only handles vault:// references, got %q",
			ErrSecretNotFound, credentialRef)
	}
	path, field, _ := strings.Cut(strings.TrimPrefix(credentialRef, vaultScheme), "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	data, err := p.readKV(ctx, path)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{"source": "vault", "path": path}

	if field != "" {
		metadata["field"] = field
		val, ok := data[field]
		if !ok {
			return nil, fmt.Errorf("%w: field %q not found in vault path %q",
				ErrSecretNotFound, field, path)
		}
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
		}
		return &Secret{Value: str, Metadata: metadata}, nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling vault data: %w", err)
	}
	return &Secret{Value: string(jsonBytes), Metadata: metadata}, nil
}

// readKV fetches one KV v2 entry and unwraps its response envelope
// ({"data": {"data": {...}, "metadata": {...}}}).
func (p *VaultProvider) readKV(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/%s", p.address, path), nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVaultResponse))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q (check token permissions)", path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("vault server error %d for path %q", resp.StatusCode, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}
	return envelope.Data.Data, nil
}

// envOr returns the environment variable's value when set, else the
// fallback from config.
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

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

// VaultConfig configures the Vault KV v2 provider. VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE override the matching fields.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration // Default: 5s
	TLSSkipVerify bool
}

// VaultProvider resolves "vault://<kv v2 api path>#<field>" references,
// e.g. "vault://secret/data/tripgate/slack#bot_token". Without a field the
// whole data map is returned as JSON.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultProvider creates a Vault provider using token authentication.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("VAULT_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required (set VAULT_TOKEN)")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &VaultProvider{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	raw, ok := strings.CutPrefix(ref, "vault://")
	if !ok {
		return nil, fmt.Errorf("%w: not a vault:// reference: %q", ErrSecretNotFound, ref)
	}
	path, field, _ := strings.Cut(raw, "#")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{"source": "vault", "path": path}
	if field == "" {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling vault data: %w", err)
		}
		return &Secret{Value: string(b), Metadata: meta}, nil
	}

	meta["field"] = field
	val, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return &Secret{Value: str, Metadata: meta}, nil
}

// read fetches the data map of a KV v2 secret.
func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
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

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault access denied for path %q", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}
	return envelope.Data.Data, nil
}

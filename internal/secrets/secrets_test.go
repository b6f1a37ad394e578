package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func kvV2(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{"data": data, "metadata": map[string]any{"version": 1}},
	})
	return b
}

// clearVaultEnv keeps the host environment out of the tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T, h http.HandlerFunc) *VaultProvider {
	t.Helper()
	clearVaultEnv(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL + "/", Token: "test-token", Namespace: "travel"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

// --- Resolver ---

func TestResolver_LiteralAndEnv(t *testing.T) {
	t.Setenv("TRIPGATE_TEST_SLACK_TOKEN", "xoxb-123")
	r := NewResolver()
	ctx := context.Background()

	if v, err := r.Value(ctx, "plain-value"); err != nil || v != "plain-value" {
		t.Errorf("literal = %q, %v", v, err)
	}
	if v, err := r.Value(ctx, ""); err != nil || v != "" {
		t.Errorf("empty = %q, %v", v, err)
	}
	s, err := r.Resolve(ctx, "env://TRIPGATE_TEST_SLACK_TOKEN")
	if err != nil || s.Value != "xoxb-123" || s.Metadata["source"] != "env" {
		t.Errorf("env = %+v, %v", s, err)
	}
	if _, err := r.Resolve(ctx, "env://TRIPGATE_TEST_UNSET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unset env: %v", err)
	}
	if _, err := r.Resolve(ctx, "vault://secret/data/x#y"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unregistered scheme: %v", err)
	}
}

// --- Vault ---

func TestVault_ResolveField(t *testing.T) {
	vp := newVault(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/tripgate/slack" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" || r.Header.Get("X-Vault-Namespace") != "travel" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(kvV2(map[string]any{"bot_token": "xoxb-vault", "retries": 3}))
	})
	r := NewResolver(vp)
	ctx := context.Background()

	s, err := r.Resolve(ctx, "vault://secret/data/tripgate/slack#bot_token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Value != "xoxb-vault" || s.Metadata["field"] != "bot_token" {
		t.Errorf("secret = %+v", s)
	}

	whole, err := r.Resolve(ctx, "vault://secret/data/tripgate/slack")
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(whole.Value), &m); err != nil || m["bot_token"] != "xoxb-vault" {
		t.Errorf("whole map = %q, %v", whole.Value, err)
	}

	if _, err := r.Resolve(ctx, "vault://secret/data/tripgate/slack#missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing field: %v", err)
	}
	if _, err := r.Resolve(ctx, "vault://secret/data/tripgate/slack#retries"); err == nil {
		t.Error("non-string field should fail")
	}
}

func TestVault_Errors(t *testing.T) {
	vp := newVault(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/secret/data/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/v1/secret/data/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	if _, err := vp.Resolve(ctx, "vault://secret/data/nothing#x"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("404: %v", err)
	}
	if _, err := vp.Resolve(ctx, "vault://secret/data/forbidden#x"); err == nil || errors.Is(err, ErrSecretNotFound) {
		t.Errorf("403: %v", err)
	}
	if _, err := vp.Resolve(ctx, "vault://secret/data/broken#x"); err == nil {
		t.Error("502 should fail")
	}
	if _, err := vp.Resolve(ctx, "vault://#x"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("empty path: %v", err)
	}
}

func TestNewVaultProvider_Validation(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(VaultConfig{Token: "t"}); err == nil {
		t.Error("missing address should fail")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault:8200"}); err == nil {
		t.Error("missing token should fail")
	}

	t.Setenv("VAULT_ADDR", "http://from-env:8200")
	t.Setenv("VAULT_TOKEN", "env-token")
	vp, err := NewVaultProvider(VaultConfig{Address: "http://from-config:8200"})
	if err != nil {
		t.Fatal(err)
	}
	if vp.address != "http://from-env:8200" || vp.token != "env-token" {
		t.Errorf("env override not applied: %s %s", vp.address, vp.token)
	}
}

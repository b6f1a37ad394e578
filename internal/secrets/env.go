package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves "env://VARIABLE_NAME" references.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok {
		return nil, fmt.Errorf("%w: not an env:// reference: %q", ErrSecretNotFound, ref)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set", ErrSecretNotFound, name)
	}
	return &Secret{Value: value, Metadata: map[string]string{"source": "env", "variable": name}}, nil
}

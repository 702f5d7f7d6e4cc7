package keypool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/craigbeachjrk/billpipe/pkg/kvtab"
)

// EnvSource reads secrets from environment variables. The secret name
// "gemini/parser-keys" maps to GEMINI_PARSER_KEYS.
type EnvSource struct{}

func (EnvSource) Fetch(_ context.Context, name string) (string, error) {
	env := strings.ToUpper(name)
	env = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(env)
	v := os.Getenv(env)
	if v == "" {
		return "", fmt.Errorf("keypool: env %s not set", env)
	}
	return v, nil
}

// TableSource reads secrets from a KV table (the deployed secret store).
type TableSource struct {
	Table kvtab.Table
}

func (s TableSource) Fetch(ctx context.Context, name string) (string, error) {
	e, err := s.Table.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return string(e.Value), nil
}

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Env reads secrets from environment variables named PREFIX + upper-cased key.
// Values from the optional env files take precedence over the process environment.
type Env struct {
	prefix string
	file   map[string]string
}

// NewEnv creates an Env provider. Env files that do not exist are an error.
func NewEnv(prefix string, envFiles ...string) (*Env, error) {
	e := &Env{prefix: prefix}
	if len(envFiles) > 0 {
		vals, err := godotenv.Read(envFiles...)
		if err != nil {
			return nil, fmt.Errorf("secrets: read env files: %w", err)
		}
		e.file = vals
	}
	return e, nil
}

// Name returns the variable name a key is looked up under.
func (e *Env) Name(key string) string {
	return e.prefix + strings.ToUpper(key)
}

func (e *Env) Get(_ context.Context, key string) (string, error) {
	name := e.Name(key)
	if v, ok := e.file[name]; ok && v != "" {
		return v, nil
	}
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

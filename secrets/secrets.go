// Package secrets resolves (project, name) pairs to their latest
// secret value. The managed store is an external collaborator; this
// package carries only the boundary interface and the in-process
// providers. Resolution failures are fatal to a run: no cached
// fallback, no version pinning.
package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves the latest value of a named secret.
type Resolver interface {
	Resolve(ctx context.Context, project, name string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	// Provider is "env" or "file".
	Provider string `json:"provider" mapstructure:"provider"`
	// Project scopes every lookup (the managed-store project).
	Project string `json:"project" mapstructure:"project"`
	// Dir is the secrets directory for the file provider.
	Dir string `json:"dir" mapstructure:"dir"`
}

// NotFoundError indicates a secret could not be resolved. Fatal.
type NotFoundError struct {
	Project string
	Name    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %s/%s not found", e.Project, e.Name)
}

func (e *NotFoundError) Permanent() bool { return true }

// New builds the configured provider.
func New(cfg Config) (Resolver, error) {
	switch cfg.Provider {
	case "", "env":
		return &EnvResolver{}, nil
	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file secrets provider requires dir")
		}
		return &FileResolver{Dir: cfg.Dir}, nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}
}

// EnvResolver reads secrets from the process environment as
// <PROJECT>_<NAME>, uppercased, with separators folded to underscores.
type EnvResolver struct{}

// Resolve implements Resolver.
func (r *EnvResolver) Resolve(ctx context.Context, project, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, ok := os.LookupEnv(envKey(project, name))
	if !ok || value == "" {
		return "", &NotFoundError{Project: project, Name: name}
	}
	return value, nil
}

func envKey(project, name string) string {
	key := strings.ToUpper(project + "_" + name)
	return strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(key)
}

// FileResolver reads secrets from <dir>/<project>/<name>, one file per
// secret, trailing whitespace trimmed.
type FileResolver struct {
	Dir string
}

// Resolve implements Resolver.
func (r *FileResolver) Resolve(ctx context.Context, project, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(r.Dir, project, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", &NotFoundError{Project: project, Name: name}
		}
		return "", fmt.Errorf("read secret %s/%s: %w", project, name, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", &NotFoundError{Project: project, Name: name}
	}
	return value, nil
}

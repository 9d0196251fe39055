package secrets

import (
	"fmt"
	"time"

	"github.com/camctl/cam/pkg/security"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
)

// Resolver answers env-var lookups for the scheduler and launcher.
// Values are stored encrypted; resolution picks the most specific row for
// the scope (repo+agent > repo > agent > global) and decrypts it.
type Resolver interface {
	// Resolve returns the plaintext value for name within scope, or
	// ("", false, nil) when no value is configured.
	Resolve(name string, scope types.EnvVarScope) (string, bool, error)
}

// StoreResolver implements Resolver over the env_vars table
type StoreResolver struct {
	store   storage.Store
	manager *security.SecretsManager
}

// NewStoreResolver creates a resolver backed by store, decrypting with manager
func NewStoreResolver(store storage.Store, manager *security.SecretsManager) *StoreResolver {
	return &StoreResolver{store: store, manager: manager}
}

// Resolve implements Resolver
func (r *StoreResolver) Resolve(name string, scope types.EnvVarScope) (string, bool, error) {
	row, err := r.store.LookupEnvVar(name, scope)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	if row == nil {
		return "", false, nil
	}

	plaintext, err := r.manager.Decrypt(row.Encrypted)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt %s: %w", name, err)
	}
	return string(plaintext), true, nil
}

// Static is a fixed name-to-value Resolver that ignores scope. Tests use it
// directly; the server falls back to an empty Static when no master key is
// configured, so every lookup misses and tasks needing secrets stay queued.
type Static map[string]string

// Resolve implements Resolver
func (s Static) Resolve(name string, _ types.EnvVarScope) (string, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

// Set encrypts and stores a value for the given scope. Used by the CLI; the
// scheduler only ever reads.
func (r *StoreResolver) Set(name, value string, scope types.EnvVarScope) error {
	encrypted, err := r.manager.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", name, err)
	}
	now := time.Now()
	return r.store.PutEnvVar(&types.EnvVar{
		Name:              name,
		RepositoryID:      scope.RepositoryID,
		AgentDefinitionID: scope.AgentDefinitionID,
		Encrypted:         encrypted,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

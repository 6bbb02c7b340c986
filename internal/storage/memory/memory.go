// Package memory implements the credential repository in process memory.
// It backs development mode and tests; the postgres package is the
// production implementation.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-passkey-backend/internal/domain"
	"github.com/sirosfoundation/go-passkey-backend/internal/storage"
)

// Repository implements storage.Repository with in-memory maps.
type Repository struct {
	mu          sync.RWMutex
	usersByName map[string]*domain.User
	usersByID   map[uuid.UUID]*domain.User
	credentials map[string]*domain.Credential // key: string(credential ID)
}

// NewRepository creates a new in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		usersByName: make(map[string]*domain.User),
		usersByID:   make(map[uuid.UUID]*domain.User),
		credentials: make(map[string]*domain.Credential),
	}
}

func (r *Repository) CreateUser(ctx context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.usersByName[username]; exists {
		return nil, storage.ErrConflict
	}

	user := domain.NewUser(username)
	r.usersByName[username] = user
	r.usersByID[user.ID] = user
	return copyUser(user), nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.usersByName[username]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyUser(user), nil
}

func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.usersByID[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyUser(user), nil
}

func (r *Repository) SaveCredential(ctx context.Context, credential *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.usersByID[credential.UserID]; !exists {
		return storage.ErrForeignKey
	}

	r.credentials[string(credential.ID)] = copyCredential(credential)
	return nil
}

func (r *Repository) GetCredentialsByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	creds := make([]*domain.Credential, 0)
	for _, cred := range r.credentials {
		if cred.UserID == userID {
			creds = append(creds, copyCredential(cred))
		}
	}
	return creds, nil
}

func (r *Repository) GetCredentialByID(ctx context.Context, credentialID []byte) (*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, exists := r.credentials[string(credentialID)]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyCredential(cred), nil
}

func (r *Repository) UpdateCredential(ctx context.Context, credential *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.credentials[string(credential.ID)]
	if !exists {
		return storage.ErrNotFound
	}

	existing.PublicKey = bytes.Clone(credential.PublicKey)
	existing.Counter = credential.Counter
	return nil
}

func (r *Repository) DeleteCredential(ctx context.Context, credentialID []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Idempotent
	delete(r.credentials, string(credentialID))
	return nil
}

// DeleteUser removes a user and cascades to its credentials, mirroring the
// ON DELETE CASCADE constraint of the relational schema.
func (r *Repository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, exists := r.usersByID[id]
	if !exists {
		return nil
	}

	delete(r.usersByName, user.Username)
	delete(r.usersByID, id)
	for key, cred := range r.credentials {
		if cred.UserID == id {
			delete(r.credentials, key)
		}
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error { return nil }

func (r *Repository) Close() error { return nil }

func copyUser(u *domain.User) *domain.User {
	c := *u
	return &c
}

func copyCredential(c *domain.Credential) *domain.Credential {
	cp := *c
	cp.ID = bytes.Clone(c.ID)
	cp.PublicKey = bytes.Clone(c.PublicKey)
	return &cp
}

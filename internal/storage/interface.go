// Package storage defines the persistent repository for users and their
// registered credentials.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-passkey-backend/internal/domain"
)

// Common errors
var (
	// ErrNotFound is returned when a user or credential does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a username is already taken.
	ErrConflict = errors.New("already exists")
	// ErrForeignKey is returned when a credential references a missing user.
	ErrForeignKey = errors.New("referenced user does not exist")
)

// Repository defines the interface for user and credential persistence.
// Deleting a user cascades to its credentials; the backing schema owns that
// referential integrity.
type Repository interface {
	// CreateUser creates a new user. Returns ErrConflict if the username
	// is already taken.
	CreateUser(ctx context.Context, username string) (*domain.User, error)

	// GetUserByUsername retrieves a user by username. Returns ErrNotFound
	// if absent.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// GetUserByID retrieves a user by ID. Returns ErrNotFound if absent.
	GetUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)

	// SaveCredential stores a new credential. Returns ErrForeignKey if the
	// owning user does not exist.
	SaveCredential(ctx context.Context, credential *domain.Credential) error

	// GetCredentialsByUser retrieves all credentials registered by a user.
	// No ordering is guaranteed.
	GetCredentialsByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Credential, error)

	// GetCredentialByID retrieves a credential by its authenticator-assigned
	// ID. Returns ErrNotFound if absent.
	GetCredentialByID(ctx context.Context, credentialID []byte) (*domain.Credential, error)

	// UpdateCredential replaces the public key and counter of an existing
	// credential, matched by ID.
	UpdateCredential(ctx context.Context, credential *domain.Credential) error

	// DeleteCredential removes a credential. Deleting a non-existent ID is
	// not an error.
	DeleteCredential(ctx context.Context, credentialID []byte) error

	// Ping checks if the storage is alive
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}

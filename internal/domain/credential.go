package domain

import (
	"time"

	"github.com/google/uuid"
)

// Credential is a registered passkey. The ID is assigned by the
// authenticator and is globally unique across users. PublicKey holds the
// serialized verification material produced by the protocol library; the
// backend never inspects it beyond round-tripping it through the library.
//
// Counter is the authenticator's signature counter. It starts at zero and
// may only grow: an assertion reporting a counter less than or equal to the
// stored value is treated as a replay or a cloned authenticator.
type Credential struct {
	ID        []byte    `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	PublicKey []byte    `json:"public_key"`
	Counter   uint32    `json:"counter"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCredential creates a Credential for the given user with the counter
// initialized to zero.
func NewCredential(id []byte, userID uuid.UUID, publicKey []byte) *Credential {
	return &Credential{
		ID:        id,
		UserID:    userID,
		PublicKey: publicKey,
		Counter:   0,
		CreatedAt: time.Now().UTC(),
	}
}

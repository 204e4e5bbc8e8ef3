// Package userstestutil creates invites and users for tests
package userstestutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/models/invites"
	"gitlab.com/arcanecrypto/lnbank/models/users"
)

// GenKey creates a new P-256 key
func GenKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// PublicKeyHex encodes the public part of the key the way users are
// identified
func PublicKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(elliptic.MarshalCompressed(elliptic.P256(), key.X, key.Y))
}

// GenPublicKey creates a fresh identity that isn't registered
func GenPublicKey(t *testing.T) string {
	return PublicKeyHex(GenKey(t))
}

// CreateInviteOrFail inserts an invite valid for a day
func CreateInviteOrFail(t *testing.T, q db.Queryer, userLimit int64) invites.Invite {
	invite, err := invites.Insert(context.Background(), q, invites.Invite{
		ID:        uuid.NewString(),
		UserLimit: userLimit,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	return invite
}

// CreateUserOrFail inserts a user with a fresh identity and invite
func CreateUserOrFail(t *testing.T, q db.Queryer) users.User {
	invite := CreateInviteOrFail(t, q, 1)
	return CreateUserWithKeyOrFail(t, q, invite.ID, GenPublicKey(t))
}

// CreateUserWithKeyOrFail inserts a user with the given identity
func CreateUserWithKeyOrFail(t *testing.T, q db.Queryer, inviteID, publicKey string) users.User {
	user, err := users.Insert(context.Background(), q, users.User{
		PublicKey: publicKey,
		InviteID:  inviteID,
	})
	require.NoError(t, err)
	return user
}

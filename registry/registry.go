// Package registry manages identities: invite gated registration, recovery
// names and recovery tokens that move an account to a new identity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/models/balance"
	"gitlab.com/arcanecrypto/lnbank/models/invites"
	"gitlab.com/arcanecrypto/lnbank/models/recoveries"
	"gitlab.com/arcanecrypto/lnbank/models/users"
)

var log = build.AddSubLogger("REGI")

var (
	// ErrInviteNotFound means the invite doesn't exist
	ErrInviteNotFound = errors.New("unknown invite code")
	// ErrInviteExpired means the invite can no longer be used
	ErrInviteExpired = errors.New("invite expired")
	// ErrInviteExhausted means the invite's user limit is reached
	ErrInviteExhausted = errors.New("invite user limit reached")
	// ErrRecoveryNotFound means the recovery doesn't exist, or was used
	ErrRecoveryNotFound = errors.New("unknown recovery code")
	// ErrRecoveryExpired means the recovery can no longer be used
	ErrRecoveryExpired = errors.New("recovery expired")
	// ErrUserNotFound means the identity isn't registered
	ErrUserNotFound = errors.New("user not found")
	// ErrIdentityInUse means the identity to recover to already has an
	// account
	ErrIdentityInUse = errors.New("identity is already registered")
	// ErrRecoverSelf means the recovery is for the account of the
	// identity redeeming it
	ErrRecoverSelf = errors.New("cannot recover to the same identity")
	// ErrInvalidRecoveryName means the name is empty, too long or has
	// characters other than letters and spaces
	ErrInvalidRecoveryName = errors.New("recovery name must be 1 to 20 letters and spaces")
	// ErrInvalidArgument means an admin operation got a bad parameter
	ErrInvalidArgument = errors.New("invalid argument")
)

// MaxRecoveryNameLength is the longest allowed recovery name
const MaxRecoveryNameLength = 20

var recoveryNameRegex = regexp.MustCompile(`^[A-Za-z ]+$`)

// Registry manages users, invites and recoveries
type Registry struct {
	db      *db.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a registry. m may be nil.
func New(d *db.DB, m *metrics.Metrics) *Registry {
	return &Registry{db: d, metrics: m, now: time.Now}
}

// Register creates a user for the identity, using up one slot of the
// invite. Registering an identity that already exists returns the
// existing user and doesn't touch the invite.
func (r *Registry) Register(ctx context.Context, inviteID, publicKey string) (users.User, error) {
	if publicKey == "" {
		return users.User{}, fmt.Errorf("%w: empty identity", ErrInvalidArgument)
	}

	var user users.User
	var existing bool
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		found, err := users.Get(ctx, tx, publicKey)
		if err == nil {
			user, existing = found, true
			return nil
		}
		if !errors.Is(err, users.ErrNotFound) {
			return err
		}

		// the row lock on the invite serializes registrations racing
		// for the same invite, so the count can't go stale
		invite, err := invites.GetForUpdate(ctx, tx, inviteID)
		if errors.Is(err, invites.ErrNotFound) {
			return ErrInviteNotFound
		}
		if err != nil {
			return err
		}
		if invite.Expired(r.now()) {
			return ErrInviteExpired
		}

		count, err := invites.CountUsers(ctx, tx, inviteID)
		if err != nil {
			return err
		}
		if count >= invite.UserLimit {
			return ErrInviteExhausted
		}

		user, err = users.Insert(ctx, tx, users.User{
			PublicKey: publicKey,
			InviteID:  inviteID,
		})
		return err
	})

	// the identity was registered concurrently
	if errors.Is(err, users.ErrAlreadyExists) {
		user, err = users.Get(ctx, r.db, publicKey)
		existing = true
	}
	if err != nil {
		r.metrics.Registration(registrationResult(err))
		return users.User{}, err
	}
	if existing {
		r.metrics.Registration("existing")
		return user, nil
	}

	r.metrics.Registration("created")
	log.WithFields(logrus.Fields{
		"userPk":   user.PublicKey,
		"inviteId": inviteID,
	}).Info("New user registered")
	return user, nil
}

func registrationResult(err error) string {
	switch {
	case errors.Is(err, ErrInviteNotFound):
		return "invite_not_found"
	case errors.Is(err, ErrInviteExpired):
		return "invite_expired"
	case errors.Is(err, ErrInviteExhausted):
		return "invite_exhausted"
	default:
		return "error"
	}
}

// Exists checks whether the identity is registered
func (r *Registry) Exists(ctx context.Context, publicKey string) (bool, error) {
	return users.Exists(ctx, r.db, publicKey)
}

// Get gets the user with the given identity
func (r *Registry) Get(ctx context.Context, publicKey string) (users.User, error) {
	user, err := users.Get(ctx, r.db, publicKey)
	if errors.Is(err, users.ErrNotFound) {
		return users.User{}, ErrUserNotFound
	}
	return user, err
}

// CreateInvite creates an invite that lets userLimit users register until
// it expires
func (r *Registry) CreateInvite(ctx context.Context, userLimit int64, expiry time.Duration) (invites.Invite, error) {
	if userLimit <= 0 {
		return invites.Invite{}, fmt.Errorf("%w: user limit must be positive", ErrInvalidArgument)
	}
	if expiry <= 0 {
		return invites.Invite{}, fmt.Errorf("%w: expiry must be positive", ErrInvalidArgument)
	}

	invite, err := invites.Insert(ctx, r.db, invites.Invite{
		ID:        uuid.NewString(),
		UserLimit: userLimit,
		ExpiresAt: r.now().Add(expiry),
	})
	if err != nil {
		return invites.Invite{}, err
	}
	log.WithFields(logrus.Fields{
		"inviteId":  invite.ID,
		"userLimit": userLimit,
		"expiresAt": invite.ExpiresAt,
	}).Info("Created invite")
	return invite, nil
}

// ListInvites lists all invites with how many users registered with them
func (r *Registry) ListInvites(ctx context.Context) ([]invites.WithUsage, error) {
	return invites.List(ctx, r.db)
}

// UserSummary is a user together with its current balance
type UserSummary struct {
	users.User
	BalanceMsat int64 `json:"balanceMsat"`
}

// ListUsers lists all users with their balances
func (r *Registry) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var summaries []UserSummary
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		all, err := users.List(ctx, tx)
		if err != nil {
			return err
		}
		balances, err := balance.ForAllUsers(ctx, tx)
		if err != nil {
			return err
		}
		byUser := make(map[string]int64, len(balances))
		for _, b := range balances {
			byUser[b.PublicKey] = b.BalanceMsat
		}

		summaries = make([]UserSummary, 0, len(all))
		for _, user := range all {
			summaries = append(summaries, UserSummary{User: user, BalanceMsat: byUser[user.PublicKey]})
		}
		return nil
	})
	return summaries, err
}

// ValidateRecoveryName checks that the name is 1 to 20 ASCII letters and
// spaces
func ValidateRecoveryName(name string) error {
	if len(name) == 0 || len(name) > MaxRecoveryNameLength || !recoveryNameRegex.MatchString(name) {
		return ErrInvalidRecoveryName
	}
	return nil
}

// SetRecoveryName sets the name an operator can find the user by when it
// loses its key. A nil name clears it.
func (r *Registry) SetRecoveryName(ctx context.Context, publicKey string, name *string) (users.User, error) {
	if name != nil {
		if err := ValidateRecoveryName(*name); err != nil {
			return users.User{}, err
		}
	}
	user, err := users.SetRecoveryName(ctx, r.db, publicKey, name)
	if errors.Is(err, users.ErrNotFound) {
		return users.User{}, ErrUserNotFound
	}
	return user, err
}

// CreateRecovery creates a single use token that moves the user's account
// to the identity that redeems it
func (r *Registry) CreateRecovery(ctx context.Context, userPK string, expiry time.Duration) (recoveries.Recovery, error) {
	if expiry <= 0 {
		return recoveries.Recovery{}, fmt.Errorf("%w: expiry must be positive", ErrInvalidArgument)
	}
	exists, err := users.Exists(ctx, r.db, userPK)
	if err != nil {
		return recoveries.Recovery{}, err
	}
	if !exists {
		return recoveries.Recovery{}, ErrUserNotFound
	}

	recovery, err := recoveries.Insert(ctx, r.db, recoveries.Recovery{
		ID:        uuid.NewString(),
		UserPK:    userPK,
		ExpiresAt: r.now().Add(expiry),
	})
	if err != nil {
		return recoveries.Recovery{}, err
	}
	log.WithFields(logrus.Fields{
		"userPk":     userPK,
		"recoveryId": recovery.ID,
		"expiresAt":  recovery.ExpiresAt,
	}).Info("Created recovery")
	return recovery, nil
}

// RedeemRecovery moves the account the recovery was created for to the new
// identity, together with all its invoices, offers, receives and sends,
// including pending ones. The recovery is deleted.
func (r *Registry) RedeemRecovery(ctx context.Context, recoveryID, newPublicKey string) (users.User, error) {
	if newPublicKey == "" {
		return users.User{}, fmt.Errorf("%w: empty identity", ErrInvalidArgument)
	}

	var user users.User
	var oldPublicKey string
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		recovery, err := recoveries.GetForUpdate(ctx, tx, recoveryID)
		if errors.Is(err, recoveries.ErrNotFound) {
			return ErrRecoveryNotFound
		}
		if err != nil {
			return err
		}
		if recovery.Expired(r.now()) {
			return ErrRecoveryExpired
		}
		if recovery.UserPK == newPublicKey {
			return ErrRecoverSelf
		}

		taken, err := users.Exists(ctx, tx, newPublicKey)
		if err != nil {
			return err
		}
		if taken {
			return ErrIdentityInUse
		}

		// wait for in flight ledger operations on the account
		if err := users.Lock(ctx, tx, recovery.UserPK); err != nil {
			return err
		}
		if err := recoveries.Delete(ctx, tx, recovery.ID); err != nil {
			return err
		}

		oldPublicKey = recovery.UserPK
		user, err = users.Rekey(ctx, tx, recovery.UserPK, newPublicKey)
		if errors.Is(err, users.ErrAlreadyExists) {
			return ErrIdentityInUse
		}
		return err
	})
	if err != nil {
		return users.User{}, err
	}

	log.WithFields(logrus.Fields{
		"oldUserPk":  oldPublicKey,
		"newUserPk":  user.PublicKey,
		"recoveryId": recoveryID,
	}).Info("Recovered account")
	return user, nil
}

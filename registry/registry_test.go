package registry_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/models/balance"
	"gitlab.com/arcanecrypto/lnbank/models/invites"
	"gitlab.com/arcanecrypto/lnbank/models/receives"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/testutil"
	"gitlab.com/arcanecrypto/lnbank/testutil/userstestutil"
)

var (
	testDB *db.DB
	reg    *registry.Registry
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	var err error
	testDB, err = testutil.InitDatabase(testutil.GetDatabaseConfig("registry"))
	if err != nil {
		testutil.SkipPackageWithoutDB("registry", err)
	}
	reg = registry.New(testDB, nil)

	code := m.Run()
	_ = testDB.Close()
	os.Exit(code)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown invite", func(t *testing.T) {
		_, err := reg.Register(ctx, uuid.NewString(), userstestutil.GenPublicKey(t))
		assert.True(t, errors.Is(err, registry.ErrInviteNotFound), err)
	})

	t.Run("expired invite", func(t *testing.T) {
		invite, err := invites.Insert(ctx, testDB, invites.Invite{
			ID:        uuid.NewString(),
			UserLimit: 5,
			ExpiresAt: time.Now().Add(-time.Second),
		})
		require.NoError(t, err)

		_, err = reg.Register(ctx, invite.ID, userstestutil.GenPublicKey(t))
		assert.True(t, errors.Is(err, registry.ErrInviteExpired), err)
	})

	t.Run("limit", func(t *testing.T) {
		invite, err := reg.CreateInvite(ctx, 2, time.Hour)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			pk := userstestutil.GenPublicKey(t)
			user, err := reg.Register(ctx, invite.ID, pk)
			require.NoError(t, err)
			assert.Equal(t, pk, user.PublicKey)
			assert.Equal(t, invite.ID, user.InviteID)
		}

		_, err = reg.Register(ctx, invite.ID, userstestutil.GenPublicKey(t))
		assert.True(t, errors.Is(err, registry.ErrInviteExhausted), err)
	})

	t.Run("registering twice returns the existing user", func(t *testing.T) {
		invite, err := reg.CreateInvite(ctx, 1, time.Hour)
		require.NoError(t, err)
		pk := userstestutil.GenPublicKey(t)

		first, err := reg.Register(ctx, invite.ID, pk)
		require.NoError(t, err)
		second, err := reg.Register(ctx, invite.ID, pk)
		require.NoError(t, err)
		assert.Equal(t, first.PublicKey, second.PublicKey)
		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

		count, err := invites.CountUsers(ctx, testDB, invite.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	})
}

func TestRegister_ConcurrentSingleUseInvite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		invite, err := reg.CreateInvite(ctx, 1, time.Hour)
		require.NoError(t, err)

		const racers = 4
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			i := i
			pk := userstestutil.GenPublicKey(t)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = reg.Register(ctx, invite.ID, pk)
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errors.Is(err, registry.ErrInviteExhausted), err)
		}
		assert.Equal(t, 1, succeeded)
	}
}

func TestCreateInvite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := reg.CreateInvite(ctx, 0, time.Hour)
	assert.True(t, errors.Is(err, registry.ErrInvalidArgument), err)
	_, err = reg.CreateInvite(ctx, 1, 0)
	assert.True(t, errors.Is(err, registry.ErrInvalidArgument), err)

	invite, err := reg.CreateInvite(ctx, 3, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 3, invite.UserLimit)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), invite.ExpiresAt, time.Minute)

	_, err = reg.Register(ctx, invite.ID, userstestutil.GenPublicKey(t))
	require.NoError(t, err)

	all, err := reg.ListInvites(ctx)
	require.NoError(t, err)
	var found bool
	for _, listed := range all {
		if listed.ID == invite.ID {
			found = true
			assert.EqualValues(t, 1, listed.Users)
		}
	}
	assert.True(t, found, "invite not listed")
}

func TestListUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	user := userstestutil.CreateUserOrFail(t, testDB)
	_, _, err := receives.Insert(ctx, testDB, receives.Receive{
		ID:         uuid.NewString(),
		UserPK:     user.PublicKey,
		AmountMsat: 4242,
	})
	require.NoError(t, err)

	summaries, err := reg.ListUsers(ctx)
	require.NoError(t, err)
	var found bool
	for _, summary := range summaries {
		if summary.PublicKey == user.PublicKey {
			found = true
			assert.EqualValues(t, 4242, summary.BalanceMsat)
		}
	}
	assert.True(t, found, "user not listed")
}

func TestSetRecoveryName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	user := userstestutil.CreateUserOrFail(t, testDB)

	valid := "Satoshi Nakamoto"
	updated, err := reg.SetRecoveryName(ctx, user.PublicKey, &valid)
	require.NoError(t, err)
	require.NotNil(t, updated.RecoveryName)
	assert.Equal(t, valid, *updated.RecoveryName)

	for _, invalid := range []string{"", strings.Repeat("a", 21), "bob123", "émile"} {
		invalid := invalid
		_, err := reg.SetRecoveryName(ctx, user.PublicKey, &invalid)
		assert.True(t, errors.Is(err, registry.ErrInvalidRecoveryName), invalid)
	}

	cleared, err := reg.SetRecoveryName(ctx, user.PublicKey, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.RecoveryName)

	_, err = reg.SetRecoveryName(ctx, userstestutil.GenPublicKey(t), &valid)
	assert.True(t, errors.Is(err, registry.ErrUserNotFound), err)
}

func TestRedeemRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ldgr := ledger.New(testDB, nil, nil)

	user := userstestutil.CreateUserOrFail(t, testDB)
	_, err := ldgr.Credit(ctx, receives.Receive{ID: uuid.NewString(), UserPK: user.PublicKey, AmountMsat: 100_000})
	require.NoError(t, err)
	paymentID := uuid.NewString()
	pending, err := ldgr.ReserveForSend(ctx, sends.Send{
		PaymentID:      &paymentID,
		UserPK:         user.PublicKey,
		AmountMsat:     10_000,
		FeeMsat:        100,
		PaymentRequest: "lnbcrt" + paymentID,
	})
	require.NoError(t, err)

	recovery, err := reg.CreateRecovery(ctx, user.PublicKey, time.Hour)
	require.NoError(t, err)

	t.Run("to own identity", func(t *testing.T) {
		_, err := reg.RedeemRecovery(ctx, recovery.ID, user.PublicKey)
		assert.True(t, errors.Is(err, registry.ErrRecoverSelf), err)
	})

	t.Run("to registered identity", func(t *testing.T) {
		other := userstestutil.CreateUserOrFail(t, testDB)
		_, err := reg.RedeemRecovery(ctx, recovery.ID, other.PublicKey)
		assert.True(t, errors.Is(err, registry.ErrIdentityInUse), err)
	})

	newPK := userstestutil.GenPublicKey(t)
	recovered, err := reg.RedeemRecovery(ctx, recovery.ID, newPK)
	require.NoError(t, err)
	assert.Equal(t, newPK, recovered.PublicKey)
	assert.Equal(t, user.InviteID, recovered.InviteID)

	exists, err := reg.Exists(ctx, user.PublicKey)
	require.NoError(t, err)
	assert.False(t, exists)

	current, err := balance.ForUser(ctx, testDB, newPK)
	require.NoError(t, err)
	assert.EqualValues(t, 100_000-10_100, current.MilliSats())

	moved, err := sends.Get(ctx, testDB, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, newPK, moved.UserPK)
	assert.Equal(t, sends.StatusPending, moved.Status)

	t.Run("is single use", func(t *testing.T) {
		_, err := reg.RedeemRecovery(ctx, recovery.ID, userstestutil.GenPublicKey(t))
		assert.True(t, errors.Is(err, registry.ErrRecoveryNotFound), err)
	})

	t.Run("pending send still finalizes", func(t *testing.T) {
		_, changed, err := ldgr.FinalizeSend(ctx, pending.ID, ledger.Failed("no route"))
		require.NoError(t, err)
		assert.True(t, changed)

		current, err := balance.ForUser(ctx, testDB, newPK)
		require.NoError(t, err)
		assert.EqualValues(t, 100_000, current.MilliSats())
	})
}

func TestRedeemRecovery_Expired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	user := userstestutil.CreateUserOrFail(t, testDB)

	recovery, err := reg.CreateRecovery(ctx, user.PublicKey, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = reg.RedeemRecovery(ctx, recovery.ID, userstestutil.GenPublicKey(t))
	assert.True(t, errors.Is(err, registry.ErrRecoveryExpired), err)

	_, err = reg.RedeemRecovery(ctx, uuid.NewString(), userstestutil.GenPublicKey(t))
	assert.True(t, errors.Is(err, registry.ErrRecoveryNotFound), err)

	_, err = reg.CreateRecovery(ctx, userstestutil.GenPublicKey(t), time.Hour)
	assert.True(t, errors.Is(err, registry.ErrUserNotFound), err)
}

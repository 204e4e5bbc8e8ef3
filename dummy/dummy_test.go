package dummy_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/lnbank/api/auth"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/dummy"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/policy"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/testutil"
	"gitlab.com/arcanecrypto/lnbank/testutil/lntestutil"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var testDB *db.DB

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	var err error
	testDB, err = testutil.InitDatabase(testutil.GetDatabaseConfig("dummy"))
	if err != nil {
		testutil.SkipPackageWithoutDB("dummy", err)
	}

	code := m.Run()
	_ = testDB.Close()
	os.Exit(code)
}

func TestFillWithData(t *testing.T) {
	ctx := context.Background()
	node := lntestutil.NewMockNode()
	ldgr := ledger.New(testDB, nil, nil)
	reg := registry.New(testDB, nil)
	trckr := tracker.New(tracker.Config{
		DB:              testDB,
		Node:            node,
		Ledger:          ldgr,
		Policy:          policy.Default(),
		DispatchTimeout: time.Second,
	})
	conf := dummy.Config{
		Registry: reg,
		Ledger:   ldgr,
		Tracker:  trckr,
		Users:    4,
		OnlyOnce: true,
	}

	users, err := dummy.FillWithData(ctx, conf)
	require.NoError(t, err)
	require.Len(t, users, 4)

	for _, user := range users {
		assert.Equal(t, user.PublicKey, auth.EncodePublicKey(&user.Key.PublicKey))
		assert.NotEmpty(t, user.PrivateKeyHex())

		balance, err := trckr.Balance(ctx, user.PublicKey)
		require.NoError(t, err)
		assert.Positive(t, balance.MilliSats())

		sends, err := trckr.ListSends(ctx, user.PublicKey, 10, 0)
		require.NoError(t, err)
		require.Len(t, sends, 1)
		assert.True(t, sends[0].Internal)
	}
	assert.Empty(t, node.Payments(), "dummy payments never leave the node")

	t.Run("only once", func(t *testing.T) {
		again, err := dummy.FillWithData(ctx, conf)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

package flags

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/lnbank/policy"
)

func TestConcat(t *testing.T) {
	type args struct {
		first []cli.Flag
		rest  [][]cli.Flag
	}
	tests := []struct {
		name string
		args args
		want []cli.Flag
	}{{
		name: "Concat one list",
		args: args{
			first: []cli.Flag{cli.StringFlag{Name: "foo"}},
		},
		want: []cli.Flag{cli.StringFlag{Name: "foo"}},
	}, {
		name: "Concat three lists",
		args: args{
			first: []cli.Flag{cli.StringFlag{Name: "foo"}},
			rest: [][]cli.Flag{
				{cli.StringFlag{Name: "bar"}},
				{cli.BoolFlag{Name: "baz"}},
			},
		},
		want: []cli.Flag{cli.StringFlag{Name: "foo"}, cli.StringFlag{Name: "bar"}, cli.BoolFlag{Name: "baz"}},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Concat(tt.args.first, tt.args.rest...))
		})
	}

	t.Run("does not mutate the first list", func(t *testing.T) {
		first := make([]cli.Flag, 1, 10)
		first[0] = cli.StringFlag{Name: "foo"}
		_ = Concat(first, []cli.Flag{cli.StringFlag{Name: "bar"}})
		assert.Equal(t, []cli.Flag{cli.StringFlag{Name: "foo"}}, first)
	})
}

// run runs a command taking the given flags with the given arguments, and
// calls action with its context
func run(t *testing.T, flags []cli.Flag, args []string, action func(c *cli.Context) error) error {
	t.Helper()
	app := cli.NewApp()
	app.Flags = CommonFlags
	app.Commands = []cli.Command{{
		Name:   "cmd",
		Flags:  flags,
		Action: action,
	}}
	return app.Run(append([]string{"lnbank", "cmd"}, args...))
}

func TestReadPolicy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var read policy.Policy
		err := run(t, Policy, nil, func(c *cli.Context) (err error) {
			read, err = ReadPolicy(c)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, policy.Default(), read)
	})

	t.Run("from flags", func(t *testing.T) {
		var read policy.Policy
		err := run(t, Policy, []string{
			"--policy.fee-ppm", "2500",
			"--policy.base-fee-msat", "0",
			"--policy.invoice-expiry-secs", "60",
			"--policy.max-amount-sats", "5000",
			"--policy.max-pending", "3",
		}, func(c *cli.Context) (err error) {
			read, err = ReadPolicy(c)
			return err
		})
		require.NoError(t, err)
		assert.EqualValues(t, 2500, read.FeePPM)
		assert.Zero(t, read.BaseFeeMsat)
		assert.Equal(t, time.Minute, read.InvoiceExpiry)
		assert.EqualValues(t, 5000, read.MaxAmountSats)
		assert.EqualValues(t, 3, read.MaxPendingPerUser)
	})

	t.Run("min above max", func(t *testing.T) {
		err := run(t, Policy, []string{
			"--policy.min-amount-sats", "10",
			"--policy.max-amount-sats", "5",
		}, func(c *cli.Context) error {
			_, err := ReadPolicy(c)
			return err
		})
		assert.Error(t, err)
	})
}

func TestReadDbConf(t *testing.T) {
	t.Run("migrations path without scheme", func(t *testing.T) {
		err := run(t, Db, []string{
			"--db.user", "lnbank",
			"--db.migrationspath", "db/migrations/",
		}, func(c *cli.Context) error {
			conf, err := ReadDbConf(c)
			require.NoError(t, err)
			assert.Equal(t, "lnbank", conf.User)
			assert.Equal(t, "lnbank", conf.Name)
			assert.Equal(t, 5432, conf.Port)
			assert.Equal(t, "file:db/migrations", conf.MigrationsPath)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("embedded migrations", func(t *testing.T) {
		err := run(t, Db, []string{"--db.user", "lnbank"}, func(c *cli.Context) error {
			conf, err := ReadDbConf(c)
			require.NoError(t, err)
			assert.Empty(t, conf.MigrationsPath)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestReadNetwork(t *testing.T) {
	tests := []struct {
		flag string
		want string
		err  bool
	}{
		{flag: "mainnet", want: chaincfg.MainNetParams.Name},
		{flag: "testnet", want: chaincfg.TestNet3Params.Name},
		{flag: "regtest", want: chaincfg.RegressionNetParams.Name},
		{flag: "foonet", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			app := cli.NewApp()
			app.Flags = CommonFlags
			var network chaincfg.Params
			var readErr error
			app.Action = func(c *cli.Context) error {
				network, readErr = ReadNetwork(c)
				return nil
			}
			require.NoError(t, app.Run([]string{"lnbank", "--network", tt.flag}))
			if tt.err {
				assert.Error(t, readErr)
				return
			}
			require.NoError(t, readErr)
			assert.Equal(t, tt.want, network.Name)
		})
	}
}

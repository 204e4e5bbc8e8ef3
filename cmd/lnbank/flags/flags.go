// Package flags provides functionality for managing flags for lnbank
package flags

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/lnbank/api/auth"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/policy"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

var log = build.AddSubLogger("FLAG")

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{
	cli.StringFlag{
		Name:   "network",
		Usage:  "the network lnd is running on e.g. mainnet, testnet, etc.",
		Value:  "regtest",
		EnvVar: "NETWORK",
	},
}, logging)

// ReadDbConf reads the approriate flags for connecting to the DB. Flags
// declared by a parent command are found too.
func ReadDbConf(c *cli.Context) (db.DatabaseConfig, error) {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}
	if conf.User == "" {
		return db.DatabaseConfig{}, errors.New("db.user is not set")
	}

	// if no scheme was supplied to migrations path, default to file:
	if conf.MigrationsPath != "" {
		parsedPath, err := url.Parse(conf.MigrationsPath)
		if err != nil {
			return db.DatabaseConfig{}, fmt.Errorf("could not parse migrations path into URL: %w", err)
		}
		if len(parsedPath.Scheme) == 0 {
			conf.MigrationsPath = "file:" + path.Clean(conf.MigrationsPath)
		}
	}
	return conf, nil
}

// ReadNetwork reads the network flag, erroring if an invalid value is passed
func ReadNetwork(c *cli.Context) (chaincfg.Params, error) {
	var network chaincfg.Params
	networkString := c.GlobalString("network")
	switch networkString {
	case "mainnet":
		network = chaincfg.MainNetParams
	case "testnet", "testnet3":
		network = chaincfg.TestNet3Params
	case "signet":
		network = chaincfg.SigNetParams
	case "simnet":
		network = chaincfg.SimNetParams
	case "regtest", "":
		network = chaincfg.RegressionNetParams
	default:
		return chaincfg.Params{}, fmt.Errorf("unknown network: %s. Valid: mainnet, testnet, signet, simnet, regtest", networkString)
	}
	return network, nil
}

// ReadLnConf reads the approriate flags for constructing a LND configuration
func ReadLnConf(c *cli.Context) (ln.LightningConfig, error) {
	network, err := ReadNetwork(c)
	if err != nil {
		return ln.LightningConfig{}, err
	}

	return ln.LightningConfig{
		LndDir:       c.String("lnd.dir"),
		TLSCertPath:  c.String("lnd.certpath"),
		MacaroonPath: c.String("lnd.macaroonpath"),
		Network:      network,
		RPCHost:      c.String("lnd.rpchost"),
		RPCPort:      c.Int("lnd.rpcport"),
	}, nil
}

// ReadPolicy reads the fee and limit policy
func ReadPolicy(c *cli.Context) (policy.Policy, error) {
	p := policy.Policy{
		FeePPM:            c.Int64("policy.fee-ppm"),
		BaseFeeMsat:       c.Int64("policy.base-fee-msat"),
		InvoiceExpiry:     time.Duration(c.Int64("policy.invoice-expiry-secs")) * time.Second,
		MinAmountSats:     c.Int64("policy.min-amount-sats"),
		MaxAmountSats:     c.Int64("policy.max-amount-sats"),
		MaxPendingPerUser: c.Int64("policy.max-pending"),
	}
	if err := p.Validate(); err != nil {
		return policy.Policy{}, err
	}
	log.WithFields(logrus.Fields{
		"feePpm":            p.FeePPM,
		"baseFeeMsat":       p.BaseFeeMsat,
		"invoiceExpiry":     p.InvoiceExpiry,
		"minAmountSats":     p.MinAmountSats,
		"maxAmountSats":     p.MaxAmountSats,
		"maxPendingPerUser": p.MaxPendingPerUser,
	}).Debug("Read policy")
	return p, nil
}

// Lnd is a list of flags that apply to functionality that needs LND
var Lnd = []cli.Flag{
	cli.StringFlag{
		Name:   "lnd.dir",
		Usage:  "path to lnd's base directory",
		Value:  ln.DefaultLndDir,
		EnvVar: "LND_DIR",
	},
	cli.StringFlag{
		Name:      "lnd.certpath",
		Usage:     "path to tls.cert",
		EnvVar:    "LND_TLS_CERT_PATH",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:      "lnd.macaroonpath",
		Usage:     "path to macaroon file",
		EnvVar:    "LND_MACAROON_PATH",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:   "lnd.rpchost",
		Value:  "localhost",
		Usage:  "host of ln daemon",
		EnvVar: "LND_RPC_HOST",
	},
	cli.IntFlag{
		Name:   "lnd.rpcport",
		Usage:  "Port of ln daemon",
		Value:  10009,
		EnvVar: "LND_RPC_PORT",
	},
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:   "db.user",
		Usage:  "Database user",
		EnvVar: "DATABASE_USER",
	},
	cli.StringFlag{
		Name:   "db.password",
		Usage:  "Database password",
		EnvVar: "DATABASE_PASSWORD",
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "lnbank",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:   "db.host",
		Usage:  "Database host to connect to",
		Value:  "localhost",
		EnvVar: "DATABASE_HOST",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     "Path to DB migrations. Defaults to the migrations built into the binary",
		TakesFile: true,
	},
}

// Policy is the fee and limit policy for users
var Policy = []cli.Flag{
	cli.Int64Flag{
		Name:   "policy.fee-ppm",
		Usage:  "Proportional fee charged on sends, in parts per million",
		Value:  policy.Default().FeePPM,
		EnvVar: "FEE_PPM",
	},
	cli.Int64Flag{
		Name:   "policy.base-fee-msat",
		Usage:  "Fee charged on every send, in millisatoshis",
		Value:  policy.Default().BaseFeeMsat,
		EnvVar: "BASE_FEE_MSAT",
	},
	cli.Int64Flag{
		Name:   "policy.invoice-expiry-secs",
		Usage:  "Default invoice expiry, in seconds",
		Value:  int64(policy.Default().InvoiceExpiry / time.Second),
		EnvVar: "INVOICE_EXPIRY_SECS",
	},
	cli.Int64Flag{
		Name:   "policy.min-amount-sats",
		Usage:  "Smallest amount that can be received or sent",
		Value:  policy.Default().MinAmountSats,
		EnvVar: "MIN_AMOUNT_SATS",
	},
	cli.Int64Flag{
		Name:   "policy.max-amount-sats",
		Usage:  "Largest amount that can be received or sent",
		Value:  policy.Default().MaxAmountSats,
		EnvVar: "MAX_AMOUNT_SATS",
	},
	cli.Int64Flag{
		Name:   "policy.max-pending",
		Usage:  "How many pending invoices and sends a user can have at once",
		Value:  policy.Default().MaxPendingPerUser,
		EnvVar: "MAX_PENDING_PAYMENTS_PER_USER",
	},
}

// Api is a list of flags for the HTTP APIs
var Api = []cli.Flag{
	cli.StringFlag{
		Name:   "api.address",
		Usage:  "Address the client API listens on",
		Value:  ":5000",
		EnvVar: "API_ADDRESS",
	},
	cli.StringFlag{
		Name:   "api.admin-address",
		Usage:  "Address the unauthenticated admin API listens on. Keep it on localhost",
		Value:  "127.0.0.1:5001",
		EnvVar: "ADMIN_API_ADDRESS",
	},
	cli.StringSliceFlag{
		Name:   "api.cors-origin",
		Usage:  "Origin browsers may call the client API from. Can be repeated, all origins are allowed if unset",
		EnvVar: "API_CORS_ORIGINS",
	},
	cli.Float64Flag{
		Name:  "api.rate-limit",
		Usage: "Requests per second each identity can make",
		Value: auth.DefaultRequestsPerSecond,
	},
	cli.IntFlag{
		Name:  "api.rate-burst",
		Usage: "Requests each identity can make in a burst",
		Value: auth.DefaultBurst,
	},
	cli.StringFlag{
		Name:      "api.tls-cert-file",
		EnvVar:    "TLS_CERT_FILE",
		Usage:     "Path to TLS cert file. The client API is served over plain HTTP if unset",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:      "api.tls-key-file",
		EnvVar:    "TLS_KEY_FILE",
		Usage:     "Path to TLS key file",
		TakesFile: true,
	},
	cli.DurationFlag{
		Name:  "api.dispatch-timeout",
		Usage: "How long to wait for the node to take a payment before leaving it pending",
		Value: 30 * time.Second,
	},
	cli.StringFlag{
		Name:  "sweep.schedule",
		Usage: "Cron schedule for expiring stale invoices",
		Value: tracker.DefaultSweepSchedule,
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:   "logging.level",
		Value:  logrus.InfoLevel.String(),
		Usage:  "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
		EnvVar: "LOG_LEVEL",
	},
	cli.StringFlag{
		Name:  "logging.httplevel",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for HTTP requests {trace, debug, info, warn, error, fatal, panic}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Usage:     "What directory to write log files to. Logs are only written to stdout if unset",
	},
}

// Package ln connects lnbank to its Lightning node. It defines the narrow
// command and event interface the ledger needs from a node, and implements
// it on top of lnd.
package ln

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"gitlab.com/arcanecrypto/lnbank/build"
)

var log = build.AddSubLogger("LNDN")

// LightningConfig is a struct containing all possible options for configuring
// a connection to lnd
type LightningConfig struct {
	LndDir      string
	TLSCertPath string
	// MacaroonPath corresponds to the --adminmacaroonpath startup option of
	// lnd
	MacaroonPath string
	Network      chaincfg.Params
	RPCHost      string
	RPCPort      int
}

// RPCServer is the host:port of the lnd gRPC server
func (l LightningConfig) RPCServer() string {
	return fmt.Sprintf("%s:%d", l.RPCHost, l.RPCPort)
}

func (l LightningConfig) String() string {
	return fmt.Sprintf("LndDir=%s TLSCertPath=%s MacaroonPath=%s Network=%s RPCServer=%s",
		l.LndDir, l.TLSCertPath, l.MacaroonPath, l.Network.Name, l.RPCServer())
}

const (
	// DefaultRPCHost is the host lnd listens for gRPC on by default
	DefaultRPCHost = "localhost"
	// DefaultRPCPort is the port lnd listens for gRPC on by default
	DefaultRPCPort = 10009

	dialTimeout = 5 * time.Second
)

// DefaultLndDir is the default location of .lnd
var DefaultLndDir = func() string {
	if dir := os.Getenv("LND_DIR"); dir != "" {
		return dir
	}
	return btcutil.AppDataDir("lnd", false)
}()

// DefaultRelativeMacaroonPath is where lnd keeps its admin macaroon for the
// given network, relative to the lnd directory
func DefaultRelativeMacaroonPath(network chaincfg.Params) string {
	name := network.Name
	if name == "testnet3" {
		name = "testnet"
	}
	return filepath.Join("data", "chain", "bitcoin", name, "admin.macaroon")
}

// withDefaults fills in cert and macaroon paths from the lnd directory
func (l LightningConfig) withDefaults() LightningConfig {
	cfg := l
	if cfg.LndDir == "" {
		cfg.LndDir = DefaultLndDir
	}
	cfg.LndDir = cleanAndExpandPath(cfg.LndDir)
	cfg.TLSCertPath = cleanAndExpandPath(cfg.TLSCertPath)
	cfg.MacaroonPath = cleanAndExpandPath(cfg.MacaroonPath)

	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.LndDir, "tls.cert")
	}
	if cfg.MacaroonPath == "" {
		cfg.MacaroonPath = filepath.Join(cfg.LndDir, DefaultRelativeMacaroonPath(cfg.Network))
	}
	if cfg.RPCHost == "" {
		cfg.RPCHost = DefaultRPCHost
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = DefaultRPCPort
	}
	return cfg
}

// Dial opens a new authenticated gRPC connection to lnd
func Dial(options LightningConfig) (*grpc.ClientConn, error) {
	cfg := options.withDefaults()

	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, errors.Wrap(err, "cannot get node tls credentials")
	}

	macaroonBytes, err := ioutil.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read macaroon file")
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal macaroon")
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create macaroon credentials")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithBlock(),
		grpc.WithPerRPCCredentials(macCred),
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	log.WithField("config", cfg.String()).Info("Connecting to lnd")

	conn, err := grpc.DialContext(ctx, cfg.RPCServer(), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "cannot dial to lnd")
	}

	log.Infof("Opened connection to lnd on %s", cfg.RPCServer())
	return conn, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

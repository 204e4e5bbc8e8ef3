package actions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"gitlab.com/arcanecrypto/lnbank/api"
	"gitlab.com/arcanecrypto/lnbank/api/apiadmin"
	"gitlab.com/arcanecrypto/lnbank/async"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/cmd/lnbank/flags"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/dummy"
	"gitlab.com/arcanecrypto/lnbank/events"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/models/nodestate"
	"gitlab.com/arcanecrypto/lnbank/reconciler"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
	shutdownTimeout  = 10 * time.Second
)

// awaitLndMacaroonFile waits for the creation of the macaroon file in the given
// configuration
func awaitLndMacaroonFile(config ln.LightningConfig) error {
	macaroon := config.MacaroonPath
	if macaroon == "" {
		lndDir := config.LndDir
		if lndDir == "" {
			lndDir = ln.DefaultLndDir
		}
		macaroon = filepath.Join(lndDir, ln.DefaultRelativeMacaroonPath(config.Network))
	}
	retry := func() bool {
		_, err := os.Stat(macaroon)
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration,
		retry, fmt.Sprintf("couldn't read macaroon file %q", macaroon))
}

// connectLnd dials lnd and checks that it runs on our network
func connectLnd(ctx context.Context, c *cli.Context, database *db.DB) (*ln.LndNode, func(), error) {
	lnConfig, err := flags.ReadLnConf(c)
	if err != nil {
		return nil, nil, err
	}
	if err := awaitLndMacaroonFile(lnConfig); err != nil {
		return nil, nil, err
	}
	conn, err := ln.Dial(lnConfig)
	if err != nil {
		return nil, nil, err
	}

	var cursors ln.CursorStore
	if database != nil {
		cursors = nodestate.NewCursorStore(database)
	}
	node := ln.NewLndNode(conn, lnConfig.Network, cursors)

	var checkErr error
	retry := func() bool {
		checkErr = node.CheckNetwork(ctx)
		return checkErr == nil || !errors.Is(checkErr, ln.ErrNodeUnavailable)
	}
	if err := async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach lnd"); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if checkErr != nil {
		_ = conn.Close()
		return nil, nil, checkErr
	}
	log.Info("lnd is properly started")
	return node, func() { _ = conn.Close() }, nil
}

// listen serves handler on address until ctx is done
func listen(ctx context.Context, name, address string, handler http.Handler, certFile, keyFile string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"server":  name,
			"address": address,
			"tls":     certFile != "",
		}).Info("Listening")
		if certFile != "" {
			errs <- server.ListenAndServeTLS(certFile, keyFile)
		} else {
			errs <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.WithField("server", name).Info("Shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve starts the client and admin APIs together with the reconciler and
// the expiry sweeper
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the custodial ledger",
		Flags: flags.Concat([]cli.Flag{
			cli.BoolFlag{
				Name:  "db.migrateup",
				Usage: "Apply migrations before starting",
			},
			cli.BoolFlag{
				Name:  "dummy.gen-data",
				Usage: "Fill the DB with users and payments. Only on regtest",
			},
			cli.BoolFlag{
				Name:  "dummy.force",
				Usage: "Don't ask for confirmation before generating dummy data",
			},
			cli.BoolFlag{
				Name:  "dummy.only-once",
				Usage: "Only generate dummy data if the DB has no users",
			},
			cli.IntFlag{
				Name:  "dummy.users",
				Value: 10,
				Usage: "Number of dummy users to create",
			},
		}, flags.Db, flags.Lnd, flags.Policy, flags.Api),
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pol, err := flags.ReadPolicy(c)
			if err != nil {
				return err
			}
			network, err := flags.ReadNetwork(c)
			if err != nil {
				return err
			}
			httpLevel, err := build.ToLogLevel(c.GlobalString("logging.httplevel"))
			if err != nil {
				return err
			}

			return withDb(c, func(database *db.DB) error {
				// verify that we can reach the DB before doing anything else
				status, err := database.MigrationStatus()
				if err != nil && !c.Bool("db.migrateup") {
					return fmt.Errorf("could not query DB migration status: %w", err)
				}
				if c.Bool("db.migrateup") {
					if err := database.MigrateUp(); err != nil {
						return err
					}
				} else if status.Dirty {
					return fmt.Errorf("DB is dirty at migration version %d", status.Version)
				}

				node, closeNode, err := connectLnd(ctx, c, database)
				if err != nil {
					return err
				}
				defer closeNode()

				m, err := metrics.New()
				if err != nil {
					return err
				}
				bus := events.NewBus()
				ldgr := ledger.New(database, bus, m)
				reg := registry.New(database, m)
				trckr := tracker.New(tracker.Config{
					DB:              database,
					Node:            node,
					Ledger:          ldgr,
					Policy:          pol,
					Events:          bus,
					Metrics:         m,
					DispatchTimeout: c.Duration("api.dispatch-timeout"),
				})
				recon := reconciler.New(reconciler.Config{
					DB:      database,
					Node:    node,
					Ledger:  ldgr,
					Metrics: m,
				})

				apiConf := api.Config{
					LogLevel:          httpLevel,
					Network:           &network,
					CorsOrigins:       c.StringSlice("api.cors-origin"),
					RequestsPerSecond: c.Float64("api.rate-limit"),
					Burst:             c.Int("api.rate-burst"),
				}
				if c.Bool("dummy.gen-data") {
					if err := genDummyData(ctx, c, network, reg, ldgr, trckr); err != nil {
						return err
					}
				}

				app, err := api.NewApp(apiConf, api.Deps{
					Registry: reg,
					Tracker:  trckr,
					Events:   bus,
					Metrics:  m,
				})
				if err != nil {
					return err
				}
				adminApp, err := api.NewAdminApp(apiConf, apiadmin.Deps{
					Registry: reg,
					Ledger:   ldgr,
					Tracker:  trckr,
					Operator: node,
					Metrics:  m,
				})
				if err != nil {
					return err
				}

				group, ctx := errgroup.WithContext(ctx)
				group.Go(func() error {
					return recon.Run(ctx)
				})
				group.Go(func() error {
					return tracker.NewSweeper(trckr, c.String("sweep.schedule")).Run(ctx)
				})
				group.Go(func() error {
					return listen(ctx, "client", c.String("api.address"), app.Router,
						c.String("api.tls-cert-file"), c.String("api.tls-key-file"))
				})
				group.Go(func() error {
					return listen(ctx, "admin", c.String("api.admin-address"), adminApp.Router, "", "")
				})

				err = group.Wait()
				log.WithError(err).Info("Stopped")
				return err
			})
		},
	}
	return serve
}

func genDummyData(ctx context.Context, c *cli.Context, network chaincfg.Params,
	reg *registry.Registry, ldgr *ledger.Ledger, trckr *tracker.Tracker) error {
	if network.Name != chaincfg.RegressionNetParams.Name {
		return fmt.Errorf("dummy data can only be generated on regtest, not %s", network.Name)
	}
	if !c.Bool("dummy.force") {
		fmt.Println("Are you sure you want to fill the DB with dummy data? (y/n)")
		if !askForConfirmation() {
			log.Info("Not generating dummy data")
			return nil
		}
	}
	created, err := dummy.FillWithData(ctx, dummy.Config{
		Registry: reg,
		Ledger:   ldgr,
		Tracker:  trckr,
		Users:    c.Int("dummy.users"),
		OnlyOnce: c.Bool("dummy.only-once"),
	})
	if err != nil {
		return fmt.Errorf("could not generate dummy data: %w", err)
	}
	for _, user := range created {
		log.WithFields(logrus.Fields{
			"publicKey":  user.PublicKey,
			"privateKey": user.PrivateKeyHex(),
		}).Info("Created dummy user")
	}
	return nil
}

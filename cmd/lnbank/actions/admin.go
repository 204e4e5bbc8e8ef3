package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/lnbank/cmd/lnbank/flags"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/payreq"
	"gitlab.com/arcanecrypto/lnbank/registry"
	"gitlab.com/arcanecrypto/lnbank/tracker"
)

const day = 24 * time.Hour

// printJSON writes v to stdout as indented JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// withRegistry runs fn with a registry on the DB from the flags
func withRegistry(c *cli.Context, fn func(ctx context.Context, reg *registry.Registry) error) error {
	return withDb(c, func(database *db.DB) error {
		return fn(context.Background(), registry.New(database, nil))
	})
}

// Invite returns commands for managing invites
func Invite() cli.Command {
	return cli.Command{
		Name:  "invite",
		Usage: "Manage invites",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:  "create",
				Usage: "creates an invite",
				Flags: []cli.Flag{
					cli.Int64Flag{
						Name:  "limit",
						Usage: "how many users can register with the invite",
						Value: 1,
					},
					cli.IntFlag{
						Name:  "expiry-days",
						Usage: "how many days the invite is valid for",
						Value: 7,
					},
				},
				Action: func(c *cli.Context) error {
					return withRegistry(c, func(ctx context.Context, reg *registry.Registry) error {
						invite, err := reg.CreateInvite(ctx, c.Int64("limit"),
							time.Duration(c.Int("expiry-days"))*day)
						if err != nil {
							return err
						}
						return printJSON(invite)
					})
				},
			},
			{
				Name:  "list",
				Usage: "lists all invites and how many have used them",
				Action: func(c *cli.Context) error {
					return withRegistry(c, func(ctx context.Context, reg *registry.Registry) error {
						invites, err := reg.ListInvites(ctx)
						if err != nil {
							return err
						}
						return printJSON(invites)
					})
				},
			},
		},
	}
}

// User returns commands for inspecting users
func User() cli.Command {
	return cli.Command{
		Name:  "user",
		Usage: "Inspect users",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:  "list",
				Usage: "lists all users with their balances",
				Action: func(c *cli.Context) error {
					return withRegistry(c, func(ctx context.Context, reg *registry.Registry) error {
						users, err := reg.ListUsers(ctx)
						if err != nil {
							return err
						}
						return printJSON(users)
					})
				},
			},
		},
	}
}

// Recovery returns commands for helping users that lost their key
func Recovery() cli.Command {
	return cli.Command{
		Name:  "recovery",
		Usage: "Recover accounts for users that lost their key",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:      "create",
				Usage:     "creates a recovery the user can redeem with a new key",
				ArgsUsage: "PUBLIC_KEY",
				Flags: []cli.Flag{
					cli.IntFlag{
						Name:  "expiry-days",
						Usage: "how many days the recovery is valid for",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					publicKey := c.Args().First()
					if publicKey == "" {
						return errors.New("you must provide the public key of the user")
					}
					return withRegistry(c, func(ctx context.Context, reg *registry.Registry) error {
						recovery, err := reg.CreateRecovery(ctx, publicKey,
							time.Duration(c.Int("expiry-days"))*day)
						if err != nil {
							return err
						}
						return printJSON(recovery)
					})
				},
			},
		},
	}
}

// Send returns commands for resolving sends by hand
func Send() cli.Command {
	return cli.Command{
		Name:  "send",
		Usage: "Resolve stuck sends",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:      "fail",
				Usage:     "fails a pending send and gives the reserved amount back to the user. Only use this for payments the node will never complete",
				ArgsUsage: "SEND_ID",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:  "reason",
						Value: "failed by operator",
					},
					cli.BoolFlag{
						Name:  "force",
						Usage: "Don't ask for confirmation",
					},
				},
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return errors.New("you must provide the ID of the send")
					}
					if !c.Bool("force") {
						fmt.Printf("Are you sure the payment of send %s will never complete? y/n\n", id)
						if !askForConfirmation() {
							return nil
						}
					}
					return withDb(c, func(database *db.DB) error {
						ldgr := ledger.New(database, nil, nil)
						send, err := ldgr.FailSend(context.Background(), id, c.String("reason"))
						if err != nil {
							return err
						}
						return printJSON(ledger.PaymentFromSend(send))
					})
				},
			},
		},
	}
}

// Sweep returns a command that expires stale invoices once
func Sweep() cli.Command {
	return cli.Command{
		Name:  "sweep",
		Usage: "Marks pending invoices past their expiry as expired",
		Flags: flags.Db,
		Action: func(c *cli.Context) error {
			network, err := flags.ReadNetwork(c)
			if err != nil {
				return err
			}
			return withDb(c, func(database *db.DB) error {
				// expiring doesn't involve the node
				trckr := tracker.New(tracker.Config{
					DB:       database,
					Ledger:   ledger.New(database, nil, nil),
					Resolver: payreq.NewResolver(&network),
				})
				count, err := trckr.ExpireStaleInvoices(context.Background())
				if err != nil {
					return err
				}
				fmt.Printf("expired %d invoices\n", count)
				return nil
			})
		},
	}
}

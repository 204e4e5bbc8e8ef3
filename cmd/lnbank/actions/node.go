package actions

import (
	"context"
	"errors"

	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/lnbank/cmd/lnbank/flags"
	"gitlab.com/arcanecrypto/lnbank/ln"
)

// withOperator runs fn against lnd. The node commands move operator funds
// and never touch the ledger, so no DB is needed.
func withOperator(c *cli.Context, fn func(ctx context.Context, operator ln.Operator) (interface{}, error)) error {
	ctx := context.Background()
	node, closeNode, err := connectLnd(ctx, c, nil)
	if err != nil {
		return err
	}
	defer closeNode()

	result, err := fn(ctx, node)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// Node returns commands for inspecting the node
func Node() cli.Command {
	return cli.Command{
		Name:  "node",
		Usage: "Inspect the Lightning node",
		Flags: flags.Lnd,
		Subcommands: []cli.Command{
			{
				Name:  "info",
				Usage: "shows general information about the node",
				Action: func(c *cli.Context) error {
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						return operator.Info(ctx)
					})
				},
			},
			{
				Name:  "balances",
				Usage: "shows the channel and on-chain balances of the node",
				Action: func(c *cli.Context) error {
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						return operator.Balance(ctx)
					})
				},
			},
		},
	}
}

// Peer returns commands for managing the peers of the node
func Peer() cli.Command {
	return cli.Command{
		Name:  "peer",
		Usage: "Manage the peers of the node",
		Flags: flags.Lnd,
		Subcommands: []cli.Command{
			{
				Name:  "list",
				Usage: "lists connected peers",
				Action: func(c *cli.Context) error {
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						return operator.ListPeers(ctx)
					})
				},
			},
			{
				Name:      "connect",
				Usage:     "connects to a peer",
				ArgsUsage: "PUBKEY HOST",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return errors.New("you must provide the public key and host of the peer")
					}
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						pubkey := c.Args().Get(0)
						return map[string]string{"connected": pubkey},
							operator.ConnectPeer(ctx, pubkey, c.Args().Get(1))
					})
				},
			},
			{
				Name:      "disconnect",
				Usage:     "disconnects from a peer",
				ArgsUsage: "PUBKEY",
				Action: func(c *cli.Context) error {
					pubkey := c.Args().First()
					if pubkey == "" {
						return errors.New("you must provide the public key of the peer")
					}
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						return map[string]string{"disconnected": pubkey},
							operator.DisconnectPeer(ctx, pubkey)
					})
				},
			},
		},
	}
}

// Channel returns commands for managing the channels of the node
func Channel() cli.Command {
	return cli.Command{
		Name:  "channel",
		Usage: "Manage the channels of the node",
		Flags: flags.Lnd,
		Subcommands: []cli.Command{
			{
				Name:  "list",
				Usage: "lists open channels",
				Action: func(c *cli.Context) error {
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						return operator.ListChannels(ctx)
					})
				},
			},
			{
				Name:      "open",
				Usage:     "opens a channel to a connected peer",
				ArgsUsage: "PUBKEY",
				Flags: []cli.Flag{
					cli.Int64Flag{
						Name:     "amount",
						Usage:    "channel capacity in satoshis",
						Required: true,
					},
					cli.Int64Flag{
						Name:  "push",
						Usage: "satoshis to give to the peer",
					},
					cli.BoolFlag{
						Name:  "private",
						Usage: "don't announce the channel",
					},
				},
				Action: func(c *cli.Context) error {
					pubkey := c.Args().First()
					if pubkey == "" {
						return errors.New("you must provide the public key of the peer")
					}
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						point, err := operator.OpenChannel(ctx, ln.OpenChannelRequest{
							PublicKey: pubkey,
							AmountSat: c.Int64("amount"),
							PushSat:   c.Int64("push"),
							Private:   c.Bool("private"),
						})
						return map[string]string{"channelPoint": point}, err
					})
				},
			},
			{
				Name:      "close",
				Usage:     "closes a channel",
				ArgsUsage: "CHANNEL_POINT",
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "force",
						Usage: "force close the channel",
					},
				},
				Action: func(c *cli.Context) error {
					channelPoint := c.Args().First()
					if _, err := ln.ParseChannelPoint(channelPoint); err != nil {
						return err
					}
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						txid, err := operator.CloseChannel(ctx, channelPoint, c.Bool("force"))
						return map[string]string{"txid": txid}, err
					})
				},
			},
		},
	}
}

// Onchain returns commands for the on-chain wallet of the node
func Onchain() cli.Command {
	return cli.Command{
		Name:  "onchain",
		Usage: "Use the on-chain wallet of the node",
		Flags: flags.Lnd,
		Subcommands: []cli.Command{
			{
				Name:  "address",
				Usage: "generates a new address",
				Action: func(c *cli.Context) error {
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						address, err := operator.NewAddress(ctx)
						return map[string]string{"address": address}, err
					})
				},
			},
			{
				Name:      "send",
				Usage:     "sends coins on-chain",
				ArgsUsage: "ADDRESS",
				Flags: []cli.Flag{
					cli.Int64Flag{
						Name:  "amount",
						Usage: "satoshis to send",
					},
					cli.BoolFlag{
						Name:  "all",
						Usage: "send the entire wallet balance",
					},
					cli.Uint64Flag{
						Name:  "sat-per-vbyte",
						Usage: "fee rate, lnd estimates it if unset",
					},
				},
				Action: func(c *cli.Context) error {
					address := c.Args().First()
					if address == "" {
						return errors.New("you must provide an address")
					}
					if c.Int64("amount") <= 0 && !c.Bool("all") {
						return errors.New("you must provide an amount or --all")
					}
					return withOperator(c, func(ctx context.Context, operator ln.Operator) (interface{}, error) {
						txid, err := operator.SendOnchain(ctx, ln.SendOnchainRequest{
							Address:     address,
							AmountSat:   c.Int64("amount"),
							SatPerVbyte: c.Uint64("sat-per-vbyte"),
							SendAll:     c.Bool("all"),
						})
						return map[string]string{"txid": txid}, err
					})
				},
			},
		},
	}
}

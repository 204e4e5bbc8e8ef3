package ln

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnrpc"
)

// Operator covers node management that bypasses the ledger entirely. The
// funds involved belong to the operator.
type Operator interface {
	Info(ctx context.Context) (NodeInfo, error)
	Balance(ctx context.Context) (Balances, error)
	ListPeers(ctx context.Context) ([]Peer, error)
	ConnectPeer(ctx context.Context, pubkey, host string) error
	DisconnectPeer(ctx context.Context, pubkey string) error
	ListChannels(ctx context.Context) ([]Channel, error)
	OpenChannel(ctx context.Context, req OpenChannelRequest) (string, error)
	CloseChannel(ctx context.Context, channelPoint string, force bool) (string, error)
	NewAddress(ctx context.Context) (string, error)
	SendOnchain(ctx context.Context, req SendOnchainRequest) (string, error)
}

// NodeInfo describes the node
type NodeInfo struct {
	PublicKey          string `json:"publicKey"`
	Alias              string `json:"alias"`
	Network            string `json:"network"`
	BlockHeight        uint32 `json:"blockHeight"`
	SyncedToChain      bool   `json:"syncedToChain"`
	NumPeers           uint32 `json:"numPeers"`
	NumActiveChannels  uint32 `json:"numActiveChannels"`
	NumPendingChannels uint32 `json:"numPendingChannels"`
}

// Peer is a connected peer
type Peer struct {
	PublicKey string `json:"publicKey"`
	Address   string `json:"address"`
	Inbound   bool   `json:"inbound"`
}

// Channel is an open channel
type Channel struct {
	ChannelPoint     string `json:"channelPoint"`
	RemotePublicKey  string `json:"remotePublicKey"`
	Active           bool   `json:"active"`
	CapacitySat      int64  `json:"capacitySat"`
	LocalBalanceSat  int64  `json:"localBalanceSat"`
	RemoteBalanceSat int64  `json:"remoteBalanceSat"`
}

// OpenChannelRequest describes a channel to open
type OpenChannelRequest struct {
	PublicKey string `json:"publicKey" binding:"required,hexadecimal,len=66"`
	AmountSat int64  `json:"amountSat" binding:"required,gt=0"`
	PushSat   int64  `json:"pushSat" binding:"gte=0"`
	Private   bool   `json:"private"`
}

// SendOnchainRequest describes an on-chain payment from the node wallet
type SendOnchainRequest struct {
	Address     string `json:"address" binding:"required"`
	AmountSat   int64  `json:"amountSat" binding:"gte=0"`
	SatPerVbyte uint64 `json:"satPerVbyte"`
	SendAll     bool   `json:"sendAll"`
}

// Info gets general information about lnd
func (l *LndNode) Info(ctx context.Context) (NodeInfo, error) {
	info, err := l.lncli.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return NodeInfo{}, wrapRPCError(err, "could not get info")
	}
	return NodeInfo{
		PublicKey:          info.IdentityPubkey,
		Alias:              info.Alias,
		Network:            l.network.Name,
		BlockHeight:        info.BlockHeight,
		SyncedToChain:      info.SyncedToChain,
		NumPeers:           info.NumPeers,
		NumActiveChannels:  info.NumActiveChannels,
		NumPendingChannels: info.NumPendingChannels,
	}, nil
}

// ListPeers lists connected peers
func (l *LndNode) ListPeers(ctx context.Context) ([]Peer, error) {
	res, err := l.lncli.ListPeers(ctx, &lnrpc.ListPeersRequest{})
	if err != nil {
		return nil, wrapRPCError(err, "could not list peers")
	}
	peers := make([]Peer, 0, len(res.Peers))
	for _, p := range res.Peers {
		peers = append(peers, Peer{
			PublicKey: p.PubKey,
			Address:   p.Address,
			Inbound:   p.Inbound,
		})
	}
	return peers, nil
}

// ConnectPeer connects to the given peer
func (l *LndNode) ConnectPeer(ctx context.Context, pubkey, host string) error {
	_, err := l.lncli.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{Pubkey: pubkey, Host: host},
		Perm: true,
	})
	return wrapRPCError(err, "could not connect peer")
}

// DisconnectPeer disconnects from the given peer
func (l *LndNode) DisconnectPeer(ctx context.Context, pubkey string) error {
	_, err := l.lncli.DisconnectPeer(ctx, &lnrpc.DisconnectPeerRequest{PubKey: pubkey})
	return wrapRPCError(err, "could not disconnect peer")
}

// ListChannels lists open channels
func (l *LndNode) ListChannels(ctx context.Context) ([]Channel, error) {
	res, err := l.lncli.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, wrapRPCError(err, "could not list channels")
	}
	channels := make([]Channel, 0, len(res.Channels))
	for _, c := range res.Channels {
		channels = append(channels, Channel{
			ChannelPoint:     c.ChannelPoint,
			RemotePublicKey:  c.RemotePubkey,
			Active:           c.Active,
			CapacitySat:      c.Capacity,
			LocalBalanceSat:  c.LocalBalance,
			RemoteBalanceSat: c.RemoteBalance,
		})
	}
	return channels, nil
}

// OpenChannel opens a channel and returns its channel point once the
// funding transaction is published
func (l *LndNode) OpenChannel(ctx context.Context, req OpenChannelRequest) (string, error) {
	pubkey, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	point, err := l.lncli.OpenChannelSync(ctx, &lnrpc.OpenChannelRequest{
		NodePubkey:         pubkey,
		LocalFundingAmount: req.AmountSat,
		PushSat:            req.PushSat,
		Private:            req.Private,
	})
	if err != nil {
		return "", wrapRPCError(err, "could not open channel")
	}

	txid := point.GetFundingTxidStr()
	if txid == "" {
		hash, err := chainhash.NewHash(point.GetFundingTxidBytes())
		if err != nil {
			return "", fmt.Errorf("invalid funding txid: %w", err)
		}
		txid = hash.String()
	}
	return fmt.Sprintf("%s:%d", txid, point.OutputIndex), nil
}

// ParseChannelPoint parses a channel point in txid:index form
func ParseChannelPoint(channelPoint string) (*lnrpc.ChannelPoint, error) {
	parts := strings.Split(channelPoint, ":")
	if len(parts) != 2 {
		return nil, errors.New("channel point must be on the form txid:index")
	}
	if _, err := chainhash.NewHashFromStr(parts[0]); err != nil {
		return nil, fmt.Errorf("invalid txid: %w", err)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid output index: %w", err)
	}
	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: parts[0]},
		OutputIndex: uint32(index),
	}, nil
}

// CloseChannel starts closing the channel and returns the closing txid
func (l *LndNode) CloseChannel(ctx context.Context, channelPoint string, force bool) (string, error) {
	point, err := ParseChannelPoint(channelPoint)
	if err != nil {
		return "", err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := l.lncli.CloseChannel(streamCtx, &lnrpc.CloseChannelRequest{
		ChannelPoint: point,
		Force:        force,
	})
	if err != nil {
		return "", wrapRPCError(err, "could not close channel")
	}

	update, err := stream.Recv()
	if err != nil {
		return "", wrapRPCError(err, "could not close channel")
	}
	if pending := update.GetClosePending(); pending != nil {
		hash, err := chainhash.NewHash(pending.Txid)
		if err != nil {
			return "", fmt.Errorf("invalid closing txid: %w", err)
		}
		return hash.String(), nil
	}
	if closed := update.GetChanClose(); closed != nil {
		hash, err := chainhash.NewHash(closed.ClosingTxid)
		if err != nil {
			return "", fmt.Errorf("invalid closing txid: %w", err)
		}
		return hash.String(), nil
	}
	return "", errors.New("unexpected close channel update")
}

// NewAddress generates a new address in the node wallet
func (l *LndNode) NewAddress(ctx context.Context) (string, error) {
	res, err := l.lncli.NewAddress(ctx, &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH,
	})
	if err != nil {
		return "", wrapRPCError(err, "could not create address")
	}
	return res.Address, nil
}

// SendOnchain sends coins from the node wallet
func (l *LndNode) SendOnchain(ctx context.Context, req SendOnchainRequest) (string, error) {
	res, err := l.lncli.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:        req.Address,
		Amount:      req.AmountSat,
		SatPerVbyte: req.SatPerVbyte,
		SendAll:     req.SendAll,
	})
	if err != nil {
		return "", wrapRPCError(err, "could not send coins")
	}
	return res.Txid, nil
}

package lntestutil

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"gitlab.com/arcanecrypto/lnbank/ln"
)

var _ ln.Operator = (*MockNode)(nil)

// Info describes the mock node
func (m *MockNode) Info(context.Context) (ln.NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ln.NodeInfo{
		PublicKey:         hex.EncodeToString(m.key.PubKey().SerializeCompressed()),
		Alias:             "mocknode",
		Network:           m.network.Name,
		SyncedToChain:     true,
		NumPeers:          uint32(len(m.peers)),
		NumActiveChannels: uint32(len(m.channels)),
	}, nil
}

// ListPeers lists peers added with ConnectPeer
func (m *MockNode) ListPeers(context.Context) ([]ln.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]ln.Peer, len(m.peers))
	copy(peers, m.peers)
	return peers, nil
}

// ConnectPeer adds a peer
func (m *MockNode) ConnectPeer(_ context.Context, pubkey, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		if p.PublicKey == pubkey {
			return fmt.Errorf("already connected to peer: %s", pubkey)
		}
	}
	m.peers = append(m.peers, ln.Peer{PublicKey: pubkey, Address: host})
	return nil
}

// DisconnectPeer removes a peer
func (m *MockNode) DisconnectPeer(_ context.Context, pubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.peers {
		if p.PublicKey == pubkey {
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("peer is not connected: %s", pubkey)
}

// ListChannels lists channels opened with OpenChannel
func (m *MockNode) ListChannels(context.Context) ([]ln.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]ln.Channel, len(m.channels))
	copy(channels, m.channels)
	return channels, nil
}

// OpenChannel opens a channel that is active right away
func (m *MockNode) OpenChannel(_ context.Context, req ln.OpenChannelRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txid := chainhash.DoubleHashH([]byte(fmt.Sprintf("%s:%d", req.PublicKey, len(m.channels))))
	point := fmt.Sprintf("%s:0", txid)
	m.channels = append(m.channels, ln.Channel{
		ChannelPoint:     point,
		RemotePublicKey:  req.PublicKey,
		Active:           true,
		CapacitySat:      req.AmountSat,
		LocalBalanceSat:  req.AmountSat - req.PushSat,
		RemoteBalanceSat: req.PushSat,
	})
	return point, nil
}

// CloseChannel removes a channel and returns a fake closing txid
func (m *MockNode) CloseChannel(_ context.Context, channelPoint string, _ bool) (string, error) {
	if _, err := ln.ParseChannelPoint(channelPoint); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.channels {
		if c.ChannelPoint == channelPoint {
			m.channels = append(m.channels[:i], m.channels[i+1:]...)
			return chainhash.DoubleHashH([]byte("close:" + channelPoint)).String(), nil
		}
	}
	return "", fmt.Errorf("channel not found: %s", channelPoint)
}

// NewAddress returns a fixed regtest address
func (m *MockNode) NewAddress(context.Context) (string, error) {
	return "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", nil
}

// SendOnchain returns a fake txid
func (m *MockNode) SendOnchain(_ context.Context, req ln.SendOnchainRequest) (string, error) {
	if req.AmountSat == 0 && !req.SendAll {
		return "", fmt.Errorf("amount or send all is required")
	}
	return chainhash.DoubleHashH([]byte(fmt.Sprintf("%s:%d", req.Address, req.AmountSat))).String(), nil
}

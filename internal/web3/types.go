package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// DepositState mirrors the vault contract's per-escrow state enum.
type DepositState uint8

const (
	DepositNone DepositState = iota
	DepositFunded
	DepositReleased
	DepositRefunded
	DepositDisputed
)

// Settled reports whether funds already left the vault.
func (s DepositState) Settled() bool {
	return s == DepositReleased || s == DepositRefunded
}

// Deposit is the vault's view of one escrow.
type Deposit struct {
	Amount *big.Int
	State  DepositState
}

// Attestation is a decoded DeviceAttested event.
type Attestation struct {
	Key         [32]byte
	Kind        string
	Outcome     bool
	Device      common.Address
	TxHash      common.Hash
	BlockNumber uint64
}

// Vault is the escrow vault contract surface used by custody.
type Vault interface {
	Deposit(ctx context.Context, key [32]byte) (Deposit, error)
	Release(ctx context.Context, key [32]byte) (common.Hash, error)
	Refund(ctx context.Context, key [32]byte) (common.Hash, error)
	FlagDispute(ctx context.Context, key [32]byte) (common.Hash, error)
	WatchAttestations(ctx context.Context, sink chan<- Attestation) (*EventSubscription, error)
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	if e == nil {
		return nil
	}
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client defines what the daemon needs from one configured chain.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Vault(ctx context.Context, address, signerKeyHex string) (Vault, error)
	Close()
}

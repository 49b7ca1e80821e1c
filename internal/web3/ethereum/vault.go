package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"AgentEscrow/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// VaultABI is the escrow vault contract interface.
const VaultABI = `[
  {"type":"function","name":"deposits","stateMutability":"view",
   "inputs":[{"name":"key","type":"bytes32"}],
   "outputs":[{"name":"amount","type":"uint256"},{"name":"state","type":"uint8"}]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"flagDispute","stateMutability":"nonpayable","inputs":[{"name":"key","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"DeviceAttested","anonymous":false,"inputs":[
    {"name":"key","type":"bytes32","indexed":true},
    {"name":"kind","type":"string","indexed":false},
    {"name":"outcome","type":"bool","indexed":false},
    {"name":"device","type":"address","indexed":false}]}
]`

const attestedEvent = "DeviceAttested"

// Vault is a bound escrow vault contract.
type Vault struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	filterer bind.ContractFilterer
	auth     *bind.TransactOpts
}

// NewVault binds the vault at address. transactor, filterer and auth may be
// nil for read-only use.
func NewVault(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer, auth *bind.TransactOpts) (*Vault, error) {
	parsed, err := abi.JSON(strings.NewReader(VaultABI))
	if err != nil {
		return nil, fmt.Errorf("解析托管合约 ABI 失败: %w", err)
	}
	return &Vault{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, caller, transactor, filterer),
		filterer: filterer,
		auth:     auth,
	}, nil
}

// Address returns the bound contract address.
func (v *Vault) Address() common.Address { return v.address }

// Deposit reads the vault's record for key.
func (v *Vault) Deposit(ctx context.Context, key [32]byte) (web3.Deposit, error) {
	var out []any
	if err := v.contract.Call(&bind.CallOpts{Context: ctx}, &out, "deposits", key); err != nil {
		return web3.Deposit{}, fmt.Errorf("查询托管存款失败: %w", err)
	}
	if len(out) != 2 {
		return web3.Deposit{}, fmt.Errorf("托管存款返回值数量异常: %d", len(out))
	}
	amount := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	state := *abi.ConvertType(out[1], new(uint8)).(*uint8)
	return web3.Deposit{Amount: amount, State: web3.DepositState(state)}, nil
}

// Release pays the seller out of the vault.
func (v *Vault) Release(ctx context.Context, key [32]byte) (common.Hash, error) {
	return v.transact(ctx, "release", key)
}

// Refund returns the deposit to the buyer.
func (v *Vault) Refund(ctx context.Context, key [32]byte) (common.Hash, error) {
	return v.transact(ctx, "refund", key)
}

// FlagDispute freezes the deposit until resolution.
func (v *Vault) FlagDispute(ctx context.Context, key [32]byte) (common.Hash, error) {
	return v.transact(ctx, "flagDispute", key)
}

func (v *Vault) transact(ctx context.Context, method string, key [32]byte) (common.Hash, error) {
	if v.auth == nil {
		return common.Hash{}, errors.New("托管合约未配置签名器")
	}
	opts := *v.auth
	opts.Context = ctx
	tx, err := v.contract.Transact(&opts, method, key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("调用托管合约 %s 失败: %w", method, err)
	}
	return tx.Hash(), nil
}

// WatchAttestations subscribes to DeviceAttested logs and forwards decoded
// attestations to sink until ctx is done or the subscription fails.
func (v *Vault) WatchAttestations(ctx context.Context, sink chan<- web3.Attestation) (*web3.EventSubscription, error) {
	if v.filterer == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}
	query := gethcore.FilterQuery{
		Addresses: []common.Address{v.address},
		Topics:    [][]common.Hash{{v.abi.Events[attestedEvent].ID}},
	}
	logs := make(chan coretypes.Log, 64)
	sub, err := v.filterer.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅设备证明事件失败: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Err():
				return
			case log := <-logs:
				attestation, err := v.DecodeAttestation(log)
				if err != nil {
					continue
				}
				select {
				case sink <- attestation:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return web3.NewEventSubscription(logs, sub), nil
}

// DecodeAttestation unpacks one DeviceAttested log.
func (v *Vault) DecodeAttestation(log coretypes.Log) (web3.Attestation, error) {
	if len(log.Topics) < 2 || log.Topics[0] != v.abi.Events[attestedEvent].ID {
		return web3.Attestation{}, errors.New("不是设备证明事件")
	}
	var decoded struct {
		Key     [32]byte
		Kind    string
		Outcome bool
		Device  common.Address
	}
	if err := v.contract.UnpackLog(&decoded, attestedEvent, log); err != nil {
		return web3.Attestation{}, fmt.Errorf("解析设备证明事件失败: %w", err)
	}
	return web3.Attestation{
		Key:         log.Topics[1],
		Kind:        decoded.Kind,
		Outcome:     decoded.Outcome,
		Device:      decoded.Device,
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}, nil
}

var _ web3.Vault = (*Vault)(nil)

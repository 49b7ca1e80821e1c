package ethereum

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"

	"AgentEscrow/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeCaller struct {
	output []byte
	last   gethcore.CallMsg
}

func (f *fakeCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeCaller) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.last = call
	return f.output, nil
}

func parsedVaultABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(VaultABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func TestVaultDepositDecodesCallResult(t *testing.T) {
	parsed := parsedVaultABI(t)
	output, err := parsed.Methods["deposits"].Outputs.Pack(big.NewInt(50000), uint8(web3.DepositFunded))
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	caller := &fakeCaller{output: output}
	address := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	vault, err := NewVault(address, caller, nil, nil, nil)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	var key [32]byte
	key[0] = 0xab
	deposit, err := vault.Deposit(context.Background(), key)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if deposit.Amount.Int64() != 50000 || deposit.State != web3.DepositFunded {
		t.Fatalf("unexpected deposit: %+v", deposit)
	}
	if caller.last.To == nil || *caller.last.To != address {
		t.Fatalf("call not addressed to vault")
	}
	if !bytes.Equal(caller.last.Data[:4], parsed.Methods["deposits"].ID) {
		t.Fatalf("unexpected selector %x", caller.last.Data[:4])
	}
}

func TestVaultTransactRequiresSigner(t *testing.T) {
	vault, err := NewVault(common.Address{}, &fakeCaller{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if _, err := vault.Release(context.Background(), [32]byte{}); err == nil {
		t.Fatalf("expected error without signer")
	}
	if _, err := vault.WatchAttestations(context.Background(), make(chan web3.Attestation)); err == nil {
		t.Fatalf("expected error without filterer")
	}
}

func TestDecodeAttestation(t *testing.T) {
	parsed := parsedVaultABI(t)
	event := parsed.Events["DeviceAttested"]
	device := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	data, err := event.Inputs.NonIndexed().Pack("automated_trigger", false, device)
	if err != nil {
		t.Fatalf("pack event: %v", err)
	}
	key := common.HexToHash("0x1234")
	log := coretypes.Log{
		Topics:      []common.Hash{event.ID, key},
		Data:        data,
		TxHash:      common.HexToHash("0xbeef"),
		BlockNumber: 42,
	}

	vault, err := NewVault(common.Address{}, &fakeCaller{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	attestation, err := vault.DecodeAttestation(log)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if attestation.Kind != "automated_trigger" || attestation.Outcome || attestation.Device != device {
		t.Fatalf("unexpected attestation: %+v", attestation)
	}
	if attestation.Key != key || attestation.BlockNumber != 42 {
		t.Fatalf("unexpected key or block: %+v", attestation)
	}

	log.Topics = []common.Hash{common.HexToHash("0x01")}
	if _, err := vault.DecodeAttestation(log); err == nil {
		t.Fatalf("expected error for foreign log")
	}
}

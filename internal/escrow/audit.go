package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	xerrors "AgentEscrow/internal/errors"
)

// GenesisHash 是每条托管审计链首条记录的 previous_hash。
const GenesisHash = "genesis"

// Seal 根据上一条记录填充序号与哈希。prev 为空表示链首。
func Seal(entry *AuditLogEntry, prev *AuditLogEntry) error {
	entry.Sequence = 1
	entry.PreviousHash = GenesisHash
	if prev != nil {
		entry.Sequence = prev.Sequence + 1
		entry.PreviousHash = prev.EntryHash
	}
	hash, err := entryHash(*entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash
	return nil
}

// 时间戳按毫秒参与哈希，与存储精度一致。
func entryHash(entry AuditLogEntry) (string, error) {
	hashable := struct {
		EscrowID     string            `json:"escrow_id"`
		Sequence     int64             `json:"sequence"`
		Action       Event             `json:"action"`
		Outcome      Outcome           `json:"outcome"`
		FromStatus   Status            `json:"from_status"`
		ToStatus     Status            `json:"to_status"`
		Actor        string            `json:"actor"`
		Data         map[string]string `json:"data"`
		PreviousHash string            `json:"previous_hash"`
		Timestamp    int64             `json:"timestamp"`
	}{
		EscrowID:     entry.EscrowID,
		Sequence:     entry.Sequence,
		Action:       entry.Action,
		Outcome:      entry.Outcome,
		FromStatus:   entry.FromStatus,
		ToStatus:     entry.ToStatus,
		Actor:        entry.Actor,
		Data:         entry.Data,
		PreviousHash: entry.PreviousHash,
		Timestamp:    entry.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("序列化审计记录失败: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyChain 校验一条托管审计链的序号、链接与哈希。
func VerifyChain(entries []AuditLogEntry) error {
	prevHash := GenesisHash
	for i, entry := range entries {
		want := int64(i + 1)
		if entry.Sequence != want {
			return chainBroken(entry, fmt.Sprintf("序号应为 %d，实际为 %d", want, entry.Sequence))
		}
		if entry.PreviousHash != prevHash {
			return chainBroken(entry, "previous_hash 与上一条记录不符")
		}
		hash, err := entryHash(entry)
		if err != nil {
			return xerrors.Wrap(CodeAuditChainBroken, err, "计算审计哈希失败")
		}
		if hash != entry.EntryHash {
			return chainBroken(entry, "entry_hash 与内容不符")
		}
		prevHash = entry.EntryHash
	}
	return nil
}

func chainBroken(entry AuditLogEntry, message string) error {
	return xerrors.New(CodeAuditChainBroken, message,
		xerrors.WithMetadata("escrow_id", entry.EscrowID),
		xerrors.WithMetadata("sequence", fmt.Sprint(entry.Sequence)),
	)
}

package custody

import (
	"context"
	"log/slog"

	"AgentEscrow/internal/web3"
	"AgentEscrow/pkg/logger"
)

// DeviceAttestation 是链上设备证明在托管领域中的表示。
type DeviceAttestation struct {
	EscrowID string
	Kind     string
	Outcome  bool
	Device   string
	TxHash   string
}

// AttestationSource 提供设备证明事件流。
type AttestationSource interface {
	WatchAttestations(ctx context.Context, sink chan<- web3.Attestation) (*web3.EventSubscription, error)
}

// WatchAttestations 持续消费设备证明，直到 ctx 结束或订阅出错。
// 处理失败只记录日志，不中断订阅。
func WatchAttestations(ctx context.Context, source AttestationSource, handle func(context.Context, DeviceAttestation) error) error {
	log := logger.Named("custody")
	sink := make(chan web3.Attestation, 16)
	sub, err := source.WatchAttestations(ctx, sink)
	if err != nil {
		return custodyError(err, "订阅设备证明失败", BackendSmartContract)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return nil
			}
			return custodyError(err, "设备证明订阅中断", BackendSmartContract)
		case att := <-sink:
			escrowID, err := EscrowIDFromKey(att.Key)
			if err != nil {
				log.Warn("无法识别的托管键", slog.String("tx", att.TxHash.Hex()))
				continue
			}
			event := DeviceAttestation{
				EscrowID: escrowID,
				Kind:     att.Kind,
				Outcome:  att.Outcome,
				Device:   att.Device.Hex(),
				TxHash:   att.TxHash.Hex(),
			}
			if err := handle(ctx, event); err != nil {
				log.Warn("处理设备证明失败",
					slog.String("escrow_id", escrowID),
					slog.String("kind", att.Kind),
					slog.Any("error", err),
				)
			}
		}
	}
}

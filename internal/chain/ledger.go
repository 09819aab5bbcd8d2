package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/CedrosPay/accessgate/internal/logger"
)

// Ledger is the RPC surface the verifier depends on.
// GetTransaction returns (nil, nil) when the ledger has no record of the signature.
type Ledger interface {
	GetTransaction(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (*Transaction, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error)
}

// RPCLedger adapts a solana-go RPC client to Ledger.
type RPCLedger struct {
	client *rpc.Client
}

// NewRPCLedger dials nothing; requests are made lazily against rpcURL.
func NewRPCLedger(rpcURL string) *RPCLedger {
	return &RPCLedger{client: rpc.New(rpcURL)}
}

// Close releases the underlying HTTP transport.
func (l *RPCLedger) Close() error {
	return l.client.Close()
}

// GetTransaction fetches and normalizes a transaction, accepting both legacy and v0 messages.
func (l *RPCLedger) GetTransaction(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (*Transaction, error) {
	maxVersion := uint64(0)
	res, err := l.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	tx, err := FromRPC(sig.String(), res)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("signature", sig.String()).Msg("chain.transaction_decode_failed")
		return nil, err
	}
	return tx, nil
}

// GetSlot is the liveness probe.
func (l *RPCLedger) GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return l.client.GetSlot(ctx, commitment)
}

// GetSignatureStatus returns the status of sig, or nil when it is unknown.
func (l *RPCLedger) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	out, err := l.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// FromRPC converts a getTransaction result into a Transaction.
func FromRPC(signature string, res *rpc.GetTransactionResult) (*Transaction, error) {
	if res == nil || res.Transaction == nil {
		return nil, errors.New("chain: empty transaction envelope")
	}
	decoded, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("chain: decode transaction: %w", err)
	}

	out := &Transaction{
		Signature: signature,
		Slot:      res.Slot,
	}
	if res.BlockTime != nil {
		bt := res.BlockTime.Time().UTC()
		out.BlockTime = &bt
	}

	compiled := make([]CompiledInstruction, 0, len(decoded.Message.Instructions))
	for _, ci := range decoded.Message.Instructions {
		accounts := make([]int, len(ci.Accounts))
		for i, a := range ci.Accounts {
			accounts[i] = int(a)
		}
		compiled = append(compiled, CompiledInstruction{
			ProgramIDIndex: int(ci.ProgramIDIndex),
			Accounts:       accounts,
			Data:           []byte(ci.Data),
		})
	}
	static := keysToStrings(decoded.Message.AccountKeys)

	if decoded.Message.IsVersioned() {
		vm := &VersionedMessage{
			StaticAccountKeys: static,
			Instructions:      compiled,
		}
		if res.Meta != nil {
			vm.LoadedWritable = keysToStrings(res.Meta.LoadedAddresses.Writable)
			vm.LoadedReadonly = keysToStrings(res.Meta.LoadedAddresses.ReadOnly)
		}
		out.Message = Message{Format: FormatVersioned, Versioned: vm}
	} else {
		out.Message = Message{Format: FormatLegacy, Legacy: &LegacyMessage{
			AccountKeys:  static,
			Instructions: compiled,
		}}
	}

	if meta := res.Meta; meta != nil {
		out.Err = meta.Err
		out.PreBalances = meta.PreBalances
		out.PostBalances = meta.PostBalances
		if out.PreTokenBalances, err = convertTokenBalances(meta.PreTokenBalances); err != nil {
			return nil, fmt.Errorf("chain: pre token balances: %w", err)
		}
		if out.PostTokenBalances, err = convertTokenBalances(meta.PostTokenBalances); err != nil {
			return nil, fmt.Errorf("chain: post token balances: %w", err)
		}
	}
	return out, nil
}

func keysToStrings(keys []solana.PublicKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func convertTokenBalances(in []rpc.TokenBalance) ([]TokenBalance, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		tb := TokenBalance{
			AccountIndex: int(b.AccountIndex),
			Mint:         b.Mint.String(),
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			amount, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("account %d amount %q: %w", b.AccountIndex, b.UiTokenAmount.Amount, err)
			}
			tb.Amount = amount
		}
		out = append(out, tb)
	}
	return out, nil
}

func commitmentFromString(value string, fallback rpc.CommitmentType) rpc.CommitmentType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "processed":
		return rpc.CommitmentProcessed
	case "confirmed":
		return rpc.CommitmentConfirmed
	case "finalized", "finalised":
		return rpc.CommitmentFinalized
	default:
		return fallback
	}
}

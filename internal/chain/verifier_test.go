package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	apierrors "github.com/CedrosPay/accessgate/internal/errors"
)

type fakeLedger struct {
	mu        sync.Mutex
	slotErr   error
	txErr     error
	tx        *Transaction
	visibleAt int // lookup number at which tx appears; 0 = immediately
	lookups   int
	probes    int
	status    *rpc.SignatureStatusesResult
}

func (f *fakeLedger) GetTransaction(_ context.Context, _ solana.Signature, _ rpc.CommitmentType) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.txErr != nil {
		return nil, f.txErr
	}
	if f.tx == nil || f.lookups < f.visibleAt {
		return nil, nil
	}
	return f.tx, nil
}

func (f *fakeLedger) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return 42, f.slotErr
}

func (f *fakeLedger) GetSignatureStatus(context.Context, solana.Signature) (*rpc.SignatureStatusesResult, error) {
	return f.status, nil
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testSignature() string {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return sig.String()
}

func TestVerifyTransaction_BoundedRetry(t *testing.T) {
	ledger := &fakeLedger{}
	sleeper := &recordingSleeper{}
	v := NewVerifier(ledger, nil, WithSleeper(sleeper.sleep))

	tx, err := v.VerifyTransaction(context.Background(), testSignature(), Options{MaxRetries: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx != nil {
		t.Fatalf("expected nil transaction, got %+v", tx)
	}
	if ledger.lookups != 3 {
		t.Fatalf("expected 3 lookups, got %d", ledger.lookups)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sleeper.delays, want)
	}
	for i := range want {
		if sleeper.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, sleeper.delays[i], want[i])
		}
	}
}

func TestVerifyTransaction_DefaultBudgetIsCapped(t *testing.T) {
	ledger := &fakeLedger{}
	sleeper := &recordingSleeper{}
	v := NewVerifier(ledger, nil, WithSleeper(sleeper.sleep))

	if _, err := v.VerifyTransaction(context.Background(), testSignature(), Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ledger.lookups != DefaultMaxRetries {
		t.Fatalf("expected %d lookups, got %d", DefaultMaxRetries, ledger.lookups)
	}
	for _, d := range sleeper.delays {
		if d > DefaultRetryCap {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}
	if last := sleeper.delays[len(sleeper.delays)-1]; last != DefaultRetryCap {
		t.Fatalf("last delay = %v, want %v", last, DefaultRetryCap)
	}
}

func TestVerifyTransaction_FoundAfterRetries(t *testing.T) {
	want := legacyTx()
	ledger := &fakeLedger{tx: want, visibleAt: 2}
	sleeper := &recordingSleeper{}
	v := NewVerifier(ledger, nil, WithSleeper(sleeper.sleep))

	got, err := v.VerifyTransaction(context.Background(), testSignature(), Options{MaxRetries: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatal("expected the ledger transaction")
	}
	if ledger.lookups != 2 || len(sleeper.delays) != 1 {
		t.Fatalf("lookups=%d delays=%v", ledger.lookups, sleeper.delays)
	}
}

func TestVerifyTransaction_InvalidSignature(t *testing.T) {
	v := NewVerifier(&fakeLedger{}, nil)
	_, err := v.VerifyTransaction(context.Background(), "not-a-signature", Options{})
	if !apierrors.HasCode(err, apierrors.ErrCodeInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
}

func TestVerifyTransaction_UnexpectedErrorIsNotRetried(t *testing.T) {
	ledger := &fakeLedger{txErr: errors.New("invalid params: bad encoding")}
	v := NewVerifier(ledger, nil, WithSleeper((&recordingSleeper{}).sleep))

	_, err := v.VerifyTransaction(context.Background(), testSignature(), Options{MaxRetries: 5})
	if !apierrors.HasCode(err, apierrors.ErrCodeRPCUnavailable) {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if ledger.lookups != 1 {
		t.Fatalf("expected a single lookup, got %d", ledger.lookups)
	}
}

func TestVerifyTransaction_FailsOverToFallback(t *testing.T) {
	primary := &fakeLedger{slotErr: errors.New("connection refused")}
	fallback := &fakeLedger{tx: legacyTx()}
	v := NewVerifier(primary, fallback)

	tx, err := v.VerifyTransaction(context.Background(), testSignature(), Options{MaxRetries: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx == nil {
		t.Fatal("expected transaction from fallback")
	}
	if primary.lookups != 0 || fallback.lookups != 1 {
		t.Fatalf("primary lookups=%d fallback lookups=%d", primary.lookups, fallback.lookups)
	}
}

func TestVerifyTransaction_NoHealthyEndpoint(t *testing.T) {
	primary := &fakeLedger{slotErr: errors.New("connection refused")}
	v := NewVerifier(primary, nil)

	_, err := v.VerifyTransaction(context.Background(), testSignature(), Options{})
	if !apierrors.HasCode(err, apierrors.ErrCodeRPCUnavailable) {
		t.Fatalf("expected rpc unavailable, got %v", err)
	}
	if v.Health(context.Background()) == nil {
		t.Fatal("expected Health to fail")
	}
}

func TestIsTransactionConfirmed(t *testing.T) {
	tests := []struct {
		name   string
		status *rpc.SignatureStatusesResult
		want   bool
	}{
		{"unknown", nil, false},
		{"processed", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed}, false},
		{"confirmed", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, true},
		{"finalized", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}, true},
		{"failed", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized, Err: map[string]interface{}{"InstructionError": nil}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(&fakeLedger{status: tt.status}, nil)
			got, err := v.IsTransactionConfirmed(context.Background(), testSignature())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsTransactionConfirmed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsValidAddress(t *testing.T) {
	if !IsValidAddress(testRecipient) {
		t.Error("expected recipient to be valid")
	}
	for _, addr := range []string{"", "abc", "0OIl"} {
		if IsValidAddress(addr) {
			t.Errorf("expected %q to be invalid", addr)
		}
	}
}

func TestFromRPC_LegacyTransaction(t *testing.T) {
	payer := solana.MustPublicKeyFromBase58(testPayer)
	memoProgram := solana.MustPublicKeyFromBase58(MemoProgramID)
	memo := "PAY:merchant:content1:1718000000000:0123456789abcdef"

	built, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(memoProgram, solana.AccountMetaSlice{solana.NewAccountMeta(payer, true, true)}, []byte(memo))},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	built.Signatures = []solana.Signature{{1}}
	raw, err := built.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}

	payload := map[string]interface{}{
		"slot":        1234,
		"blockTime":   1718000000,
		"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
		"meta": map[string]interface{}{
			"err":               nil,
			"fee":               5000,
			"preBalances":       []uint64{10_000, 1},
			"postBalances":      []uint64{5_000, 1},
			"preTokenBalances":  []interface{}{},
			"postTokenBalances": []interface{}{},
		},
	}
	body, _ := json.Marshal(payload)
	var res rpc.GetTransactionResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	tx, err := FromRPC("sig", &res)
	if err != nil {
		t.Fatalf("FromRPC: %v", err)
	}
	if tx.Message.Format != FormatLegacy {
		t.Fatalf("format = %s", tx.Message.Format)
	}
	if tx.Slot != 1234 || tx.BlockTime == nil || tx.BlockTime.Unix() != 1718000000 {
		t.Fatalf("slot/blockTime not decoded: %+v", tx)
	}
	if tx.FeePayer() != testPayer {
		t.Fatalf("FeePayer() = %q", tx.FeePayer())
	}
	if tx.Failed() {
		t.Fatal("expected successful transaction")
	}
	if got := ExtractMemo(tx); got != memo {
		t.Fatalf("ExtractMemo() = %q, want %q", got, memo)
	}
}

func TestFromRPC_RejectsUnparseableTokenAmount(t *testing.T) {
	payer := solana.MustPublicKeyFromBase58(testPayer)
	built, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(solana.MustPublicKeyFromBase58(MemoProgramID),
			solana.AccountMetaSlice{solana.NewAccountMeta(payer, true, true)}, []byte("memo"))},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	built.Signatures = []solana.Signature{{1}}
	raw, err := built.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}

	balance := func(amount string) []interface{} {
		return []interface{}{map[string]interface{}{
			"accountIndex":  0,
			"owner":         testPayer,
			"mint":          testPayer,
			"uiTokenAmount": map[string]interface{}{"amount": amount, "decimals": 6, "uiAmountString": amount},
		}}
	}
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"max u64", "18446744073709551615", false},
		{"not a number", "12.5", true},
		{"beyond u64", "18446744073709551616", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]interface{}{
				"slot":        1,
				"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
				"meta": map[string]interface{}{
					"err":               nil,
					"preBalances":       []uint64{1, 1},
					"postBalances":      []uint64{1, 1},
					"preTokenBalances":  balance("0"),
					"postTokenBalances": balance(tt.amount),
				},
			})
			var res rpc.GetTransactionResult
			if err := json.Unmarshal(body, &res); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			tx, err := FromRPC("sig", &res)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got balances %+v", tx.PostTokenBalances)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromRPC: %v", err)
			}
			if tx.PostTokenBalances[0].Amount != math.MaxUint64 {
				t.Fatalf("amount = %d", tx.PostTokenBalances[0].Amount)
			}
		})
	}
}

func TestTransactionDeltasDoNotWrap(t *testing.T) {
	const owner, mint = "owner", "mint"
	tests := []struct {
		name      string
		pre, post []uint64
		want      int64
	}{
		{"credit", []uint64{100}, []uint64{250}, 150},
		{"debit", []uint64{250}, []uint64{100}, -150},
		{"credit beyond int64", []uint64{0}, []uint64{math.MaxUint64}, math.MaxInt64},
		{"debit beyond int64", []uint64{math.MaxUint64}, []uint64{0}, math.MinInt64},
		{"large equal balances", []uint64{math.MaxUint64 - 1}, []uint64{math.MaxUint64 - 1}, 0},
		{"split accounts saturate", []uint64{0, 0}, []uint64{math.MaxUint64, 5}, math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &Transaction{}
			for i, v := range tt.pre {
				tx.PreTokenBalances = append(tx.PreTokenBalances, TokenBalance{AccountIndex: i, Owner: owner, Mint: mint, Amount: v})
			}
			for i, v := range tt.post {
				tx.PostTokenBalances = append(tx.PostTokenBalances, TokenBalance{AccountIndex: i, Owner: owner, Mint: mint, Amount: v})
			}
			if got := tx.TokenDelta(owner, mint); got != tt.want {
				t.Errorf("TokenDelta = %d, want %d", got, tt.want)
			}

			lamports := &Transaction{
				PreBalances:  []uint64{tt.pre[0]},
				PostBalances: []uint64{tt.post[0]},
				Message:      Message{Format: FormatLegacy, Legacy: &LegacyMessage{AccountKeys: []string{owner}}},
			}
			if got := lamports.LamportDelta(owner); got != tt.want {
				t.Errorf("LamportDelta = %d, want %d", got, tt.want)
			}
		})
	}
}

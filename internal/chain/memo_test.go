package chain

import (
	"encoding/base64"
	"testing"
)

const (
	testPayer     = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testRecipient = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
)

func legacyTx(instructions ...CompiledInstruction) *Transaction {
	return &Transaction{
		Message: Message{
			Format: FormatLegacy,
			Legacy: &LegacyMessage{
				AccountKeys:  []string{testPayer, testRecipient, MemoProgramID},
				Instructions: instructions,
			},
		},
	}
}

func TestExtractMemo_RoundTrip(t *testing.T) {
	memo := "PAY:merchant:content1:1718000000000:0123456789abcdef"
	tx := legacyTx(
		CompiledInstruction{ProgramIDIndex: 1, Accounts: []int{0}},
		CompiledInstruction{ProgramIDIndex: 2, Accounts: []int{0}, Data: []byte(memo)},
	)

	if got := ExtractMemo(tx); got != memo {
		t.Fatalf("ExtractMemo() = %q, want %q", got, memo)
	}
}

func TestExtractMemo_VersionedLoadedProgram(t *testing.T) {
	memo := "PAY:abcdefgh:ijklmnop:1:ffffffffffffffff"
	tx := &Transaction{
		Message: Message{
			Format: FormatVersioned,
			Versioned: &VersionedMessage{
				StaticAccountKeys: []string{testPayer},
				LoadedWritable:    []string{testRecipient},
				LoadedReadonly:    []string{MemoProgramIDV1},
				Instructions: []CompiledInstruction{
					{ProgramIDIndex: 2, Data: []byte(memo)},
				},
			},
		},
	}

	if got := ExtractMemo(tx); got != memo {
		t.Fatalf("ExtractMemo() = %q, want %q", got, memo)
	}
	keys := tx.AccountKeys()
	if len(keys) != 3 || keys[1] != testRecipient {
		t.Fatalf("AccountKeys() = %v", keys)
	}
}

func TestExtractMemo_Decoding(t *testing.T) {
	tests := []struct {
		name string
		ix   Instruction
		want string
	}{
		{
			name: "base64 payload",
			ix:   Instruction{ProgramID: MemoProgramID, Encoded: base64.StdEncoding.EncodeToString([]byte("hello memo"))},
			want: "hello memo",
		},
		{
			name: "literal payload",
			ix:   Instruction{ProgramID: MemoProgramID, Encoded: "PAY:a:b:1:2"},
			want: "PAY:a:b:1:2",
		},
		{
			name: "padding stripped",
			ix:   Instruction{ProgramID: MemoProgramID, Data: []byte("  memo\x00\x00 ")},
			want: "memo",
		},
		{
			name: "invalid utf8",
			ix:   Instruction{ProgramID: MemoProgramID, Data: []byte{0xff, 0xfe, 0xfd}},
			want: "",
		},
		{
			name: "other program",
			ix:   Instruction{ProgramID: testRecipient, Data: []byte("not a memo")},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &Transaction{ParsedInstructions: []Instruction{tt.ix}}
			if got := ExtractMemo(tx); got != tt.want {
				t.Errorf("ExtractMemo() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractMemo_NoMemo(t *testing.T) {
	tx := legacyTx(CompiledInstruction{ProgramIDIndex: 1, Accounts: []int{0}})
	if got := ExtractMemo(tx); got != "" {
		t.Fatalf("ExtractMemo() = %q, want empty", got)
	}
}

func TestInstructions_OutOfRangeIndex(t *testing.T) {
	tx := legacyTx(CompiledInstruction{ProgramIDIndex: 9, Accounts: []int{0, 7}})
	ixs := tx.Instructions()
	if len(ixs) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(ixs))
	}
	if ixs[0].ProgramID != "" || ixs[0].Accounts[0] != testPayer || ixs[0].Accounts[1] != "" {
		t.Fatalf("unexpected resolution: %+v", ixs[0])
	}
}

func TestBalanceDeltas(t *testing.T) {
	tx := legacyTx()
	tx.PreBalances = []uint64{5_000_000, 1_000, 1}
	tx.PostBalances = []uint64{3_995_000, 1_001_000, 1}
	tx.PreTokenBalances = []TokenBalance{{AccountIndex: 3, Owner: testRecipient, Mint: "mint", Amount: 10}}
	tx.PostTokenBalances = []TokenBalance{{AccountIndex: 3, Owner: testRecipient, Mint: "mint", Amount: 260}}

	if got := tx.LamportDelta(testRecipient); got != 1_000_000 {
		t.Errorf("LamportDelta(recipient) = %d", got)
	}
	if got := tx.LamportDelta(testPayer); got != -1_005_000 {
		t.Errorf("LamportDelta(payer) = %d", got)
	}
	if got := tx.TokenDelta(testRecipient, "mint"); got != 250 {
		t.Errorf("TokenDelta = %d", got)
	}
	if got := tx.TokenDelta(testRecipient, "other"); got != 0 {
		t.Errorf("TokenDelta(other mint) = %d", got)
	}
	if tx.FeePayer() != testPayer {
		t.Errorf("FeePayer() = %q", tx.FeePayer())
	}
}

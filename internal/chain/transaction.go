package chain

import (
	"math"
	"math/bits"
	"time"
)

// MessageFormat tags which instruction layout a transaction message used on the wire.
type MessageFormat string

const (
	FormatLegacy    MessageFormat = "legacy"
	FormatVersioned MessageFormat = "versioned"
)

// CompiledInstruction references its program and accounts by index into the
// message's account key list.
type CompiledInstruction struct {
	ProgramIDIndex int
	Accounts       []int
	Data           []byte
}

// LegacyMessage is the flat pre-v0 layout: every account key is inline.
type LegacyMessage struct {
	AccountKeys  []string
	Instructions []CompiledInstruction
}

// VersionedMessage is the v0 layout: instruction indexes cover the static keys
// followed by addresses loaded from lookup tables (writable, then readonly).
type VersionedMessage struct {
	StaticAccountKeys []string
	LoadedWritable    []string
	LoadedReadonly    []string
	Instructions      []CompiledInstruction
}

// Message is a tagged variant over the two wire layouts. Exactly one of
// Legacy or Versioned is set, matching Format.
type Message struct {
	Format    MessageFormat
	Legacy    *LegacyMessage
	Versioned *VersionedMessage
}

// Instruction is the layout-independent form used by memo extraction and matching.
// Data carries raw bytes; Encoded carries a textual payload (base64 or literal)
// when the source supplied one instead.
type Instruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
	Encoded   string
}

// TokenBalance is an SPL token balance snapshot for one account in a transaction.
type TokenBalance struct {
	AccountIndex int
	Owner        string
	Mint         string
	Amount       uint64
}

// Transaction is a ledger transaction normalized away from the RPC client's types.
type Transaction struct {
	Signature         string
	Slot              uint64
	BlockTime         *time.Time
	Message           Message
	Err               interface{} // ledger execution error; nil on success
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance

	// ParsedInstructions holds instructions the RPC already decoded (jsonParsed
	// encoding). They are appended after the compiled ones.
	ParsedInstructions []Instruction
}

// Failed reports whether the ledger marked the transaction as errored.
func (t *Transaction) Failed() bool {
	return t != nil && t.Err != nil
}

// AccountKeys returns the full account list that instruction indexes and
// balance arrays refer to.
func (m Message) AccountKeys() []string {
	switch m.Format {
	case FormatVersioned:
		if m.Versioned == nil {
			return nil
		}
		keys := make([]string, 0, len(m.Versioned.StaticAccountKeys)+len(m.Versioned.LoadedWritable)+len(m.Versioned.LoadedReadonly))
		keys = append(keys, m.Versioned.StaticAccountKeys...)
		keys = append(keys, m.Versioned.LoadedWritable...)
		keys = append(keys, m.Versioned.LoadedReadonly...)
		return keys
	default:
		if m.Legacy == nil {
			return nil
		}
		return m.Legacy.AccountKeys
	}
}

func (m Message) compiled() []CompiledInstruction {
	switch m.Format {
	case FormatVersioned:
		if m.Versioned != nil {
			return m.Versioned.Instructions
		}
	default:
		if m.Legacy != nil {
			return m.Legacy.Instructions
		}
	}
	return nil
}

// Instructions normalizes the message into resolved instructions. Indexes that
// fall outside the key list resolve to an empty string rather than failing.
func (m Message) Instructions() []Instruction {
	keys := m.AccountKeys()
	compiled := m.compiled()
	out := make([]Instruction, 0, len(compiled))
	for _, ci := range compiled {
		ix := Instruction{
			ProgramID: keyAt(keys, ci.ProgramIDIndex),
			Data:      ci.Data,
		}
		if len(ci.Accounts) > 0 {
			ix.Accounts = make([]string, len(ci.Accounts))
			for i, idx := range ci.Accounts {
				ix.Accounts[i] = keyAt(keys, idx)
			}
		}
		out = append(out, ix)
	}
	return out
}

// Instructions returns every instruction of the transaction in a single list.
func (t *Transaction) Instructions() []Instruction {
	if t == nil {
		return nil
	}
	out := t.Message.Instructions()
	return append(out, t.ParsedInstructions...)
}

// AccountKeys returns the transaction's resolved account keys.
func (t *Transaction) AccountKeys() []string {
	if t == nil {
		return nil
	}
	return t.Message.AccountKeys()
}

// FeePayer is the first account key, or "" when the message has none.
func (t *Transaction) FeePayer() string {
	return keyAt(t.AccountKeys(), 0)
}

// LamportDelta returns the change in lamports of account across the transaction.
func (t *Transaction) LamportDelta(account string) int64 {
	if t == nil {
		return 0
	}
	var pre, post uint64
	for i, key := range t.AccountKeys() {
		if key != account || i >= len(t.PreBalances) || i >= len(t.PostBalances) {
			continue
		}
		pre = addSaturating(pre, t.PreBalances[i])
		post = addSaturating(post, t.PostBalances[i])
	}
	return signedDelta(pre, post)
}

// TokenDelta returns the net change of mint held by token accounts owned by owner.
func (t *Transaction) TokenDelta(owner, mint string) int64 {
	if t == nil {
		return 0
	}
	var pre, post uint64
	for _, b := range t.PostTokenBalances {
		if b.Owner == owner && b.Mint == mint {
			post = addSaturating(post, b.Amount)
		}
	}
	for _, b := range t.PreTokenBalances {
		if b.Owner == owner && b.Mint == mint {
			pre = addSaturating(pre, b.Amount)
		}
	}
	return signedDelta(pre, post)
}

func addSaturating(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// signedDelta returns post-pre clamped to the int64 range.
func signedDelta(pre, post uint64) int64 {
	if post >= pre {
		if d := post - pre; d <= math.MaxInt64 {
			return int64(d)
		}
		return math.MaxInt64
	}
	if d := pre - post; d <= math.MaxInt64 {
		return -int64(d)
	}
	return math.MinInt64
}

func keyAt(keys []string, idx int) string {
	if idx < 0 || idx >= len(keys) {
		return ""
	}
	return keys[idx]
}

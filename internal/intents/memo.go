package intents

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/CedrosPay/accessgate/internal/money"
)

// MemoPrefix starts every intent memo.
const MemoPrefix = "PAY:"

// GenerateMemo builds PAY:<merchant[:8]>:<content[:8]>:<unix ms>:<16 hex chars>.
func GenerateMemo(r io.Reader, merchantID, contentID string, now time.Time) (string, error) {
	suffix, err := randomHex(r, 8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s:%s:%d:%s", MemoPrefix, truncate(merchantID, 8), truncate(contentID, 8), now.UnixMilli(), suffix), nil
}

// GenerateNonce returns 16 random bytes, hex encoded.
func GenerateNonce(r io.Reader) (string, error) {
	return randomHex(r, 16)
}

func randomHex(r io.Reader, n int) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("intents: read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PaymentURIParams describes a Solana Pay transfer request.
type PaymentURIParams struct {
	Base      string // URI scheme, normally "solana:"
	Recipient string
	Amount    money.Money
	Label     string
	Message   string
	Memo      string
}

// BuildPaymentURI renders a Solana Pay transfer request URI. The amount is in
// major units; SPL assets add the spl-token parameter.
func BuildPaymentURI(p PaymentURIParams) string {
	base := p.Base
	if base == "" {
		base = "solana:"
	}

	params := []struct{ key, value string }{
		{"amount", p.Amount.ToMajor()},
	}
	if !p.Amount.Asset.Native() {
		params = append(params, struct{ key, value string }{"spl-token", p.Amount.Asset.Mint})
	}
	params = append(params,
		struct{ key, value string }{"label", p.Label},
		struct{ key, value string }{"message", p.Message},
		struct{ key, value string }{"memo", p.Memo},
	)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(p.Recipient)
	for i, kv := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(kv.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.value))
	}
	return b.String()
}

package chain

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// Memo program addresses. The v1 program is still seen on older wallets.
const (
	MemoProgramID   = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	MemoProgramIDV1 = "Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo"
)

// ExtractMemo returns the text of the first memo instruction in tx, or "" when
// there is none or its payload cannot be decoded. It performs no I/O.
func ExtractMemo(tx *Transaction) string {
	for _, ix := range tx.Instructions() {
		if ix.ProgramID != MemoProgramID && ix.ProgramID != MemoProgramIDV1 {
			continue
		}
		if memo := decodeMemo(ix); memo != "" {
			return memo
		}
	}
	return ""
}

func decodeMemo(ix Instruction) string {
	var text string
	switch {
	case len(ix.Data) > 0:
		if !utf8.Valid(ix.Data) {
			return ""
		}
		text = string(ix.Data)
	case ix.Encoded != "":
		text = ix.Encoded
		if decoded, err := base64.StdEncoding.DecodeString(ix.Encoded); err == nil && len(decoded) > 0 && utf8.Valid(decoded) {
			text = string(decoded)
		}
	default:
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "\x00", ""))
}

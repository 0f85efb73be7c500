// Package b58 wraps base58 encode/decode with the length assertions the
// domain's public-key and signature fields require.
package b58

import (
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	// PubkeyLen is the byte length of a Solana-style account address.
	PubkeyLen = 32
	// SignatureLen is the byte length of a transaction signature.
	SignatureLen = 64
)

// Encode returns the base58 text form of raw.
func Encode(raw []byte) string {
	return base58.Encode(raw)
}

// DecodePubkey decodes s and asserts the result is exactly PubkeyLen bytes.
func DecodePubkey(s string) ([]byte, error) {
	return decodeExact(s, PubkeyLen)
}

// DecodeSignature decodes s and asserts the result is exactly SignatureLen bytes.
func DecodeSignature(s string) ([]byte, error) {
	return decodeExact(s, SignatureLen)
}

func decodeExact(s string, n int) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58 decode: %w", err)
	}
	if len(raw) != n {
		return nil, fmt.Errorf("base58 decode: got %d bytes, want %d", len(raw), n)
	}
	return raw, nil
}

// Package decode implements the Instruction Decoder: it parses a single
// on-chain instruction's opaque byte payload and fixed account-index
// layout into a CreateInstructionPayload, per spec §4.1.
package decode

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"pumpfeed/internal/classify"
)

// discriminatorLen is the byte width of the instruction-kind tag at the
// start of every instruction payload.
const discriminatorLen = 8

// createDiscriminator is the fixed 8-byte tag identifying a "create"
// instruction. Treated as a literal constant per spec §4.1.
var createDiscriminator = [discriminatorLen]byte{0x18, 0x1e, 0xc8, 0x28, 0x05, 0x1c, 0x07, 0x77}

// Fixed positional account indices, per spec §4.1 and §9 (a program
// upgrade would require a spec revision, not a runtime flag).
const (
	accountIndexMint         = 0
	accountIndexBondingCurve = 2
	accountIndexCreator      = 7
	minAccounts              = 8
)

// CreateInstructionPayload is the decoded form of one "create" instruction.
type CreateInstructionPayload struct {
	Name         string
	Symbol       string
	URI          string
	MintAddress  string
	BondingCurve string
	Creator      string
}

// ErrNotApplicable indicates the instruction is not a "create" variant;
// this is not an error, just a negative match, and is returned as a
// distinguishable sentinel so callers can skip it without logging.
var ErrNotApplicable = fmt.Errorf("instruction is not a create variant")

// Decode parses payload (the instruction's raw bytes) and accounts (the
// instruction's own ordered account-key list, already resolved from the
// transaction-wide key list by the caller) into a CreateInstructionPayload.
//
// Returns ErrNotApplicable when the discriminator doesn't match "create".
// Returns a classify.DecodeError-wrapped error when the discriminator
// matches but the payload or account list is malformed.
func Decode(payload []byte, accounts []string) (*CreateInstructionPayload, error) {
	if len(payload) < discriminatorLen {
		return nil, ErrNotApplicable
	}
	var disc [discriminatorLen]byte
	copy(disc[:], payload[:discriminatorLen])
	if disc != createDiscriminator {
		return nil, ErrNotApplicable
	}

	if len(accounts) < minAccounts {
		return nil, fmt.Errorf("%w: accounts truncated, have %d want at least %d", classify.DecodeError, len(accounts), minAccounts)
	}

	r := &reader{buf: payload[discriminatorLen:]}

	name, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("%w: name: %v", classify.DecodeError, err)
	}
	symbol, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("%w: symbol: %v", classify.DecodeError, err)
	}
	uri, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("%w: uri: %v", classify.DecodeError, err)
	}

	// Trailing bytes are tolerated (spec §4.1/§9 open question): upstream
	// may add fields later without invalidating the layout this decoder
	// understands.

	return &CreateInstructionPayload{
		Name:         name,
		Symbol:       symbol,
		URI:          uri,
		MintAddress:  accounts[accountIndexMint],
		BondingCurve: accounts[accountIndexBondingCurve],
		Creator:      accounts[accountIndexCreator],
	}, nil
}

// reader walks buf field by field, tracking position.
type reader struct {
	buf []byte
	pos int
}

// readString reads a 32-bit little-endian length prefix followed by that
// many raw UTF-8 bytes.
func (r *reader) readString() (string, error) {
	const lenPrefixBytes = 4
	if r.pos+lenPrefixBytes > len(r.buf) {
		return "", fmt.Errorf("length prefix truncated at offset %d", r.pos)
	}
	n := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+lenPrefixBytes])
	r.pos += lenPrefixBytes

	if uint64(r.pos)+uint64(n) > uint64(len(r.buf)) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes at offset %d", n, len(r.buf)-r.pos, r.pos)
	}
	raw := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)

	if !utf8.Valid(raw) {
		return "", fmt.Errorf("invalid UTF-8 at offset %d", r.pos-int(n))
	}
	return string(raw), nil
}

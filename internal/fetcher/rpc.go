package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mr-tron/base58"
)

// decodeInstructionData decodes the RPC's base58-encoded instruction
// payload. Unlike internal/b58 (which asserts a fixed 32/64-byte length
// for keys and signatures), instruction payloads are variable length.
func decodeInstructionData(encoded string) ([]byte, error) {
	return base58.Decode(encoded)
}

// Instruction is one instruction as returned by the RPC (top-level or
// inner), with its account-index array still relative to the
// transaction-wide AccountKeys list.
type Instruction struct {
	ProgramIDIndex int
	Data           []byte
	Accounts       []int
}

// InnerInstructionSet groups the inner instructions invoked by the
// top-level instruction at Index.
type InnerInstructionSet struct {
	Index        int
	Instructions []Instruction
}

// TransactionRecord is the decoded form of the RPC's getTransaction result:
// the account-key list plus every top-level and inner instruction.
type TransactionRecord struct {
	Signature         string
	AccountKeys       []string
	Instructions      []Instruction
	InnerInstructions []InnerInstructionSet
}

// ResolvedInstruction is one instruction matching the target program id,
// with its account-index array already resolved into account-key strings.
type ResolvedInstruction struct {
	Data     []byte
	Accounts []string
}

// ProgramInstructions walks top-level instructions then inner
// instructions in order, yielding only those whose program id equals
// programID, each paired with its own account-key list already resolved
// from AccountKeys (spec §4.4 step 2).
func (t *TransactionRecord) ProgramInstructions(programID string) []ResolvedInstruction {
	resolve := func(instr Instruction) []string {
		accounts := make([]string, len(instr.Accounts))
		for i, idx := range instr.Accounts {
			if idx >= 0 && idx < len(t.AccountKeys) {
				accounts[i] = t.AccountKeys[idx]
			}
		}
		return accounts
	}
	matches := func(instr Instruction) bool {
		return instr.ProgramIDIndex >= 0 &&
			instr.ProgramIDIndex < len(t.AccountKeys) &&
			t.AccountKeys[instr.ProgramIDIndex] == programID
	}

	var out []ResolvedInstruction
	for _, instr := range t.Instructions {
		if matches(instr) {
			out = append(out, ResolvedInstruction{Data: instr.Data, Accounts: resolve(instr)})
		}
	}
	for _, set := range t.InnerInstructions {
		for _, instr := range set.Instructions {
			if matches(instr) {
				out = append(out, ResolvedInstruction{Data: instr.Data, Accounts: resolve(instr)})
			}
		}
	}
	return out
}

// RPCClient is the request/response collaborator the Fetcher drives.
// Implemented by httpRPCClient for production; faked in tests.
type RPCClient interface {
	GetTransaction(ctx context.Context, signature string) (*TransactionRecord, error)
}

// httpRPCClient calls a Solana-style JSON-RPC getTransaction method,
// requesting the highest-compatible schema version so both legacy and
// versioned transactions are returned (spec §4.2).
type httpRPCClient struct {
	url        string
	httpClient *http.Client
}

func newHTTPRPCClient(url string, client *http.Client) *httpRPCClient {
	return &httpRPCClient{url: url, httpClient: client}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result *rpcTransactionResult `json:"result"`
	Error  *rpcError             `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcTransactionResult struct {
	Transaction struct {
		Message struct {
			AccountKeys  []string           `json:"accountKeys"`
			Instructions []rpcInstruction   `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
	Meta struct {
		InnerInstructions []rpcInnerInstructionSet `json:"innerInstructions"`
	} `json:"meta"`
}

type rpcInstruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Data           string `json:"data"` // base58-encoded
	Accounts       []int  `json:"accounts"`
}

type rpcInnerInstructionSet struct {
	Index        int              `json:"index"`
	Instructions []rpcInstruction `json:"instructions"`
}

// NotFoundError marks a getTransaction call whose commitment level hasn't
// caught up yet (spec §4.2 NotFound).
type NotFoundError struct{ Signature string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("transaction %s not found", e.Signature) }

// RateLimitedError marks an HTTP 429 (or RPC-level rate-limit) response.
type RateLimitedError struct{ Status int }

func (e *RateLimitedError) Error() string { return fmt.Sprintf("rate limited (status %d)", e.Status) }

// TransportError marks a connection-level failure (reset, DNS, TLS).
type TransportError struct{ Cause error }

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// MalformedError marks an unparseable response body.
type MalformedError struct{ Cause error }

func (e *MalformedError) Error() string { return fmt.Sprintf("malformed response: %v", e.Cause) }
func (e *MalformedError) Unwrap() error { return e.Cause }

func (c *httpRPCClient) GetTransaction(ctx context.Context, signature string) (*TransactionRecord, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params: []any{
			signature,
			map[string]any{
				"encoding":                       "json",
				"commitment":                     "confirmed",
				"maxSupportedTransactionVersion": 0,
			},
		},
	})
	if err != nil {
		return nil, &MalformedError{Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{Status: resp.StatusCode}
	}
	if resp.StatusCode >= 500 {
		return nil, &TransportError{Cause: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &MalformedError{Cause: err}
	}
	if parsed.Error != nil {
		return nil, &MalformedError{Cause: fmt.Errorf("rpc error %d: %s", parsed.Error.Code, parsed.Error.Message)}
	}
	if parsed.Result == nil {
		return nil, &NotFoundError{Signature: signature}
	}

	record := &TransactionRecord{
		Signature:   signature,
		AccountKeys: parsed.Result.Transaction.Message.AccountKeys,
	}
	for _, instr := range parsed.Result.Transaction.Message.Instructions {
		decoded, decErr := decodeInstructionData(instr.Data)
		if decErr != nil {
			return nil, &MalformedError{Cause: decErr}
		}
		record.Instructions = append(record.Instructions, Instruction{
			ProgramIDIndex: instr.ProgramIDIndex,
			Data:           decoded,
			Accounts:       instr.Accounts,
		})
	}
	for _, set := range parsed.Result.Meta.InnerInstructions {
		converted := InnerInstructionSet{Index: set.Index}
		for _, instr := range set.Instructions {
			decoded, decErr := decodeInstructionData(instr.Data)
			if decErr != nil {
				return nil, &MalformedError{Cause: decErr}
			}
			converted.Instructions = append(converted.Instructions, Instruction{
				ProgramIDIndex: instr.ProgramIDIndex,
				Data:           decoded,
				Accounts:       instr.Accounts,
			})
		}
		record.InnerInstructions = append(record.InnerInstructions, converted)
	}

	return record, nil
}

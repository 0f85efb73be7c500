package fetcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPCClient struct {
	calls   atomic.Int32
	respond func(n int32) (*TransactionRecord, error)
}

func (f *fakeRPCClient) GetTransaction(_ context.Context, signature string) (*TransactionRecord, error) {
	n := f.calls.Add(1)
	record, err := f.respond(n)
	if record != nil {
		record.Signature = signature
	}
	return record, err
}

func newTestFetcher(client RPCClient) *Fetcher {
	cfg := Config{
		MaxInflight:    2,
		QueueHighWater: 10,
		Timeout:        time.Second,
		MaxRetries:     3,
	}
	return newWithClient(client, cfg, nil, zerolog.Nop())
}

func TestFetchSucceedsFirstTry(t *testing.T) {
	client := &fakeRPCClient{respond: func(n int32) (*TransactionRecord, error) {
		return &TransactionRecord{AccountKeys: []string{"a"}}, nil
	}}
	f := newTestFetcher(client)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	f.Submit("sig1")
	result := <-f.Results()
	cancel()

	assert.Equal(t, "sig1", result.Signature)
	require.NotNil(t, result.Record)
	assert.NoError(t, result.Err)
}

func TestFetchRetriesNotFoundThenSucceeds(t *testing.T) {
	client := &fakeRPCClient{respond: func(n int32) (*TransactionRecord, error) {
		if n < 3 {
			return nil, &NotFoundError{Signature: "sig1"}
		}
		return &TransactionRecord{AccountKeys: []string{"a"}}, nil
	}}
	f := newTestFetcher(client)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer cancel()

	f.Submit("sig1")
	select {
	case result := <-f.Results():
		require.NotNil(t, result.Record)
		assert.NoError(t, result.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestFetchDropsAfterExhaustingRetries(t *testing.T) {
	client := &fakeRPCClient{respond: func(n int32) (*TransactionRecord, error) {
		return nil, &NotFoundError{Signature: "sig1"}
	}}
	f := newTestFetcher(client)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer cancel()

	f.Submit("sig1")
	select {
	case result := <-f.Results():
		assert.Nil(t, result.Record)
		assert.Error(t, result.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestMalformedResponseIsNotRetried(t *testing.T) {
	client := &fakeRPCClient{respond: func(n int32) (*TransactionRecord, error) {
		return nil, &MalformedError{Cause: assertErr}
	}}
	f := newTestFetcher(client)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer cancel()

	f.Submit("sig1")
	<-f.Results()
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestQueueShedsOldestPastHighWater(t *testing.T) {
	shed := 0
	q := newQueue(2, func(n int) { shed += n })
	q.Push("a")
	q.Push("b")
	q.Push("c")

	assert.Equal(t, 1, shed)
	sig, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "b", sig)
}

func TestProgramInstructionsResolvesWalksTopLevelThenInner(t *testing.T) {
	record := &TransactionRecord{
		AccountKeys: []string{"progA", "mint", "progB"},
		Instructions: []Instruction{
			{ProgramIDIndex: 0, Data: []byte("top"), Accounts: []int{1}},
			{ProgramIDIndex: 2, Data: []byte("other"), Accounts: []int{1}},
		},
		InnerInstructions: []InnerInstructionSet{
			{Index: 0, Instructions: []Instruction{
				{ProgramIDIndex: 0, Data: []byte("inner"), Accounts: []int{1}},
			}},
		},
	}

	matches := record.ProgramInstructions("progA")
	require.Len(t, matches, 2)
	assert.Equal(t, []byte("top"), matches[0].Data)
	assert.Equal(t, []byte("inner"), matches[1].Data)
	assert.Equal(t, []string{"mint"}, matches[0].Accounts)
}

var assertErr = &testError{"boom"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

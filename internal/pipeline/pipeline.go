// Package pipeline implements the Event Pipeline (spec §4.4): it joins
// the Log Subscription Client's notifications to the Transaction
// Fetcher's results, decodes create instructions, and publishes the
// resulting TokenCreatedEvent values to the broadcast hub.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pumpfeed/internal/b58"
	"pumpfeed/internal/decode"
	"pumpfeed/internal/fetcher"
	"pumpfeed/internal/logsub"
	"pumpfeed/internal/metrics"
	"pumpfeed/internal/types"
)

// Submitter is the Fetcher's signature-intake side.
type Submitter interface {
	Submit(signature string)
}

// Publisher is the broadcast hub's publish side.
type Publisher interface {
	Publish(event *types.TokenCreatedEvent)
}

// Pipeline wires notifications to fetch submissions, and fetch results to
// decoded, published events.
type Pipeline struct {
	programID string
	submitter Submitter
	results   <-chan fetcher.Result
	publisher Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds a Pipeline targeting the given program id.
func New(programID string, submitter Submitter, results <-chan fetcher.Result, publisher Publisher, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		programID: programID,
		submitter: submitter,
		results:   results,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Run consumes notifications until ctx is cancelled or notifications
// closes, submitting create-marked signatures to the Fetcher, and
// concurrently drains fetch results into decoded, published events. It
// blocks until both sides have finished.
func (p *Pipeline) Run(ctx context.Context, notifications <-chan types.LogNotification) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.consumeNotifications(ctx, notifications)
	}()

	p.consumeResults(ctx)
	<-done
}

func (p *Pipeline) consumeNotifications(ctx context.Context, notifications <-chan types.LogNotification) {
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if !logsub.IsCreateLog(n.Logs) {
				continue
			}
			p.submitter.Submit(n.Signature)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) consumeResults(ctx context.Context) {
	for {
		select {
		case result, ok := <-p.results:
			if !ok {
				return
			}
			p.handleResult(result)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handleResult(result fetcher.Result) {
	if result.Err != nil {
		p.logger.Debug().Str("signature", result.Signature).Err(result.Err).Msg("transaction fetch did not yield a record")
		return
	}

	event := p.buildEvent(result.Record)
	if event == nil {
		return
	}

	p.publisher.Publish(event)
	if p.metrics != nil {
		p.metrics.PipelineEventsPublishedTotal.Inc()
	}
}

// buildEvent walks the transaction's instructions looking for a create
// variant, returning the first one that decodes successfully. A
// transaction carrying more than one create instruction yields at most
// one event: subsequent creates in the same transaction are ignored
// (spec §4.4).
func (p *Pipeline) buildEvent(record *fetcher.TransactionRecord) *types.TokenCreatedEvent {
	for _, instr := range record.ProgramInstructions(p.programID) {
		payload, err := decode.Decode(instr.Data, instr.Accounts)
		if err != nil {
			if errors.Is(err, decode.ErrNotApplicable) {
				if p.metrics != nil {
					p.metrics.DecoderNotApplicableTotal.Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.DecoderErrorsTotal.Inc()
			}
			p.logger.Warn().Str("signature", record.Signature).Err(err).Msg("failed to decode create instruction")
			continue
		}

		if err := validatePayload(record.Signature, payload); err != nil {
			if p.metrics != nil {
				p.metrics.DecoderErrorsTotal.Inc()
			}
			p.logger.Warn().Str("signature", record.Signature).Err(err).Msg("decoded create instruction failed base58 validation")
			continue
		}

		if p.metrics != nil {
			p.metrics.DecoderSuccessTotal.Inc()
		}
		return toEvent(record.Signature, payload)
	}
	return nil
}

// validatePayload asserts that every pubkey field decodes from base58 to
// exactly b58.PubkeyLen bytes and the transaction signature to
// b58.SignatureLen bytes, so a published event's identifiers are always
// well-formed Solana addresses rather than merely whatever bytes the
// decoder lifted off the wire.
func validatePayload(signature string, payload *decode.CreateInstructionPayload) error {
	if _, err := b58.DecodePubkey(payload.MintAddress); err != nil {
		return fmt.Errorf("mint address: %w", err)
	}
	if _, err := b58.DecodePubkey(payload.Creator); err != nil {
		return fmt.Errorf("creator: %w", err)
	}
	if _, err := b58.DecodePubkey(payload.BondingCurve); err != nil {
		return fmt.Errorf("bonding curve: %w", err)
	}
	if _, err := b58.DecodeSignature(signature); err != nil {
		return fmt.Errorf("transaction signature: %w", err)
	}
	return nil
}

func toEvent(signature string, payload *decode.CreateInstructionPayload) *types.TokenCreatedEvent {
	return &types.TokenCreatedEvent{
		EventType:            types.EventTypeTokenCreated,
		Timestamp:            types.MarshalTimestamp(time.Now()),
		TransactionSignature: signature,
		Token: types.Token{
			MintAddress: payload.MintAddress,
			Name:        payload.Name,
			Symbol:      payload.Symbol,
			URI:         payload.URI,
			Creator:     payload.Creator,
			Supply:      types.InitialSupply,
			Decimals:    types.InitialDecimals,
		},
		PumpData: types.PumpData{
			BondingCurve:         payload.BondingCurve,
			VirtualSolReserves:   types.InitialVirtualSolReserves,
			VirtualTokenReserves: types.InitialVirtualTokenReserves,
		},
	}
}

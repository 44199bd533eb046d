package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
)

const deltaBuffer = 16

// Driver turns finalized utterances into lazy streams of tagged text deltas.
// Each Start opens one streaming generation call under a fresh, strictly
// increasing generation sequence; Cancel invalidates a sequence without
// waiting for the underlying call to unwind.
type Driver struct {
	llm    repositories.LanguageModel
	config Config
	logger *zap.Logger

	seq atomic.Uint64

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

// NewDriver creates a generation driver around a streaming language model.
func NewDriver(llm repositories.LanguageModel, config Config, logger *zap.Logger) *Driver {
	return &Driver{
		llm:     llm,
		config:  config.withDefaults(),
		logger:  logger,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// Start opens a streaming generation call for the utterance plus bounded
// conversation history. It returns the new generation sequence and a finite
// channel of deltas; the channel closes at end of generation, after an
// error-marked delta if the engine failed mid-stream. Fragments are relayed
// as they arrive, never batched.
func (d *Driver) Start(ctx context.Context, utterance Utterance, history []repositories.ChatMessage) (uint64, <-chan TextDelta, error) {
	seq := d.seq.Add(1)

	genCtx, cancel := context.WithCancel(ctx)

	request := repositories.GenerationRequest{
		System:    d.config.SystemPrompt,
		History:   history,
		Utterance: utterance.Text,
	}

	chunks, err := d.llm.StreamGenerate(genCtx, request)
	if err != nil {
		cancel()
		return seq, nil, &EngineError{Stage: "generation", Err: err}
	}

	d.mu.Lock()
	d.cancels[seq] = cancel
	d.mu.Unlock()

	deltas := make(chan TextDelta, deltaBuffer)
	go d.relay(genCtx, seq, chunks, deltas)

	d.logger.Debug("generation started",
		zap.Uint64("generation_seq", seq),
		zap.Int("utterance_seq", utterance.Seq),
		zap.Int("history_messages", len(history)))

	return seq, deltas, nil
}

// Cancel stops relaying deltas for the sequence and, best effort, closes the
// underlying engine call. It returns immediately and is idempotent; deltas
// already in flight are discarded downstream by tag comparison.
func (d *Driver) Cancel(seq uint64) {
	d.mu.Lock()
	cancel, ok := d.cancels[seq]
	delete(d.cancels, seq)
	d.mu.Unlock()

	if ok {
		cancel()
		d.logger.Debug("generation cancelled", zap.Uint64("generation_seq", seq))
	}
}

func (d *Driver) relay(ctx context.Context, seq uint64, chunks <-chan repositories.GenerationChunk, deltas chan<- TextDelta) {
	defer close(deltas)
	defer d.Cancel(seq)

	for chunk := range chunks {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("generation engine error mid-stream",
				zap.Uint64("generation_seq", seq),
				zap.Error(chunk.Err))
			select {
			case deltas <- TextDelta{GenerationSeq: seq, Err: &EngineError{Stage: "generation", Err: chunk.Err}}:
			case <-ctx.Done():
			}
			return
		}
		if chunk.Text == "" {
			continue
		}

		select {
		case deltas <- TextDelta{GenerationSeq: seq, Text: chunk.Text}:
		case <-ctx.Done():
			return
		}
	}
}

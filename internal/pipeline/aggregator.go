package pipeline

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
)

// AggregatorCallbacks are invoked from the aggregator's event loop, one at a
// time, in engine emission order.
type AggregatorCallbacks struct {
	// OnPartial delivers the in-flight transcript snapshot.
	OnPartial func(text string)
	// OnFinal hands over a finalized utterance, consumed exactly once.
	OnFinal func(utterance Utterance)
	// OnFault reports a recognition transport fault. The owner decides
	// whether to call Restart or tear the session down.
	OnFault func(err error)
}

// Aggregator consumes incremental recognition events for one connection and
// produces finalized utterances. It owns the recognition stream and rotates
// it between utterances, the engine call being single-utterance paced.
type Aggregator struct {
	stt         repositories.SpeechToText
	audioConfig repositories.AudioConfig
	callbacks   AggregatorCallbacks
	logger      *zap.Logger

	mu      sync.Mutex
	stream  repositories.RecognitionStream
	partial string
	nextSeq int
	closed  bool
}

// NewAggregator builds an aggregator; no engine call is made until Start.
func NewAggregator(stt repositories.SpeechToText, audioConfig repositories.AudioConfig, callbacks AggregatorCallbacks, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		stt:         stt,
		audioConfig: audioConfig,
		callbacks:   callbacks,
		logger:      logger,
	}
}

// Start opens the first recognition stream and begins consuming its events.
func (a *Aggregator) Start(ctx context.Context) error {
	return a.openStream(ctx)
}

// Restart re-establishes the recognition stream after a transport fault.
func (a *Aggregator) Restart(ctx context.Context) error {
	a.mu.Lock()
	if a.stream != nil {
		a.stream.Close()
		a.stream = nil
	}
	a.mu.Unlock()
	return a.openStream(ctx)
}

func (a *Aggregator) openStream(ctx context.Context) error {
	stream, err := a.stt.OpenStream(ctx, a.audioConfig)
	if err != nil {
		return &TransportFault{Stage: "recognition", Err: err}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		stream.Close()
		return ErrSessionClosed
	}
	a.stream = stream
	a.mu.Unlock()

	go a.consume(ctx, stream)
	return nil
}

// Feed forwards one audio frame to the recognition engine in arrival order.
// Frames arriving between stream rotations are dropped rather than buffered;
// the engine keeps whatever buffering it needs.
func (a *Aggregator) Feed(frame AudioFrame) error {
	a.mu.Lock()
	stream := a.stream
	closed := a.closed
	a.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	if stream == nil {
		a.logger.Debug("dropping audio frame, no recognition stream", zap.Int("frame_seq", frame.Seq))
		return nil
	}
	if err := stream.Send(frame.Data); err != nil {
		return &TransportFault{Stage: "recognition", Err: err}
	}
	return nil
}

// EndOfAudio half-closes the recognition stream, forcing the engine to
// settle the current utterance. The final arrives through the event loop.
func (a *Aggregator) EndOfAudio() error {
	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.CloseSend(); err != nil {
		return &TransportFault{Stage: "recognition", Err: err}
	}
	return nil
}

// CurrentUtterance returns the in-flight partial transcript snapshot.
func (a *Aggregator) CurrentUtterance() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partial
}

// Close releases the recognition stream. Safe to call more than once.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()

	if stream != nil {
		return stream.Close()
	}
	return nil
}

// consume drains one recognition stream. When the stream ends without a
// fault, a fresh one is opened so the next utterance can begin immediately.
func (a *Aggregator) consume(ctx context.Context, stream repositories.RecognitionStream) {
	for event := range stream.Events() {
		switch event.Type {
		case repositories.TranscriptPartial:
			a.mu.Lock()
			a.partial = event.Text
			a.mu.Unlock()
			if a.callbacks.OnPartial != nil {
				a.callbacks.OnPartial(event.Text)
			}

		case repositories.TranscriptFinal:
			a.finalize(event.Text)

		case repositories.TranscriptEndOfUtterance:
			// Some engines signal end of speech without repeating the text;
			// the latest snapshot is the utterance.
			a.mu.Lock()
			text := a.partial
			a.mu.Unlock()
			a.finalize(text)

		case repositories.TranscriptFault:
			a.logger.Warn("recognition stream fault", zap.Error(event.Err))
			if a.callbacks.OnFault != nil {
				a.callbacks.OnFault(&TransportFault{Stage: "recognition", Err: event.Err})
			}
			return
		}
	}

	a.mu.Lock()
	closed := a.closed
	current := a.stream == stream
	if current {
		a.stream = nil
	}
	a.mu.Unlock()

	if closed || !current || ctx.Err() != nil {
		return
	}

	// Normal end of one engine call; rotate so the next turn has a stream.
	if err := a.openStream(ctx); err != nil {
		if a.callbacks.OnFault != nil {
			a.callbacks.OnFault(err)
		}
	}
}

func (a *Aggregator) finalize(text string) {
	text = strings.TrimSpace(text)

	a.mu.Lock()
	a.partial = ""
	if text == "" || a.closed {
		a.mu.Unlock()
		return
	}
	seq := a.nextSeq
	a.nextSeq++
	a.mu.Unlock()

	a.logger.Debug("utterance finalized",
		zap.Int("utterance_seq", seq),
		zap.String("text", text))

	if a.callbacks.OnFinal != nil {
		a.callbacks.OnFinal(Utterance{Seq: seq, Text: text})
	}
}

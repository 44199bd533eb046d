package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/entities"
	"github.com/koelabs/koe/server/domain/repositories"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateResponding
	StateInterrupting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateResponding:
		return "responding"
	case StateInterrupting:
		return "interrupting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one client connection's pipeline: it wires the transcript
// aggregator into the generation driver and synthesis chunker, serializes
// audio segments back to the client in order, and implements barge-in
// cancellation across all three stages.
type Session struct {
	ID     string
	connID string

	config    Config
	logger    *zap.Logger
	llm       repositories.LanguageModel
	tts       repositories.TextToSpeech
	transport ClientTransport

	ctx    context.Context
	cancel context.CancelFunc

	state         atomic.Int32
	activeSeq     atomic.Uint64
	lastCancelled atomic.Uint64

	aggregator *Aggregator
	driver     *Driver

	// mu guards the per-turn fields below and conversation writes; the
	// conversation is only ever mutated between turns.
	mu           sync.Mutex
	chunker      *Chunker
	turnDone     chan struct{}
	conversation *entities.Conversation
	sttFaults    int

	outbound  chan AudioSegment
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSession builds and starts a session for one client connection: the
// recognition stream opens immediately and the outbound pump begins waiting
// for segments. The caller releases everything through Close.
func NewSession(
	ctx context.Context,
	connID string,
	stt repositories.SpeechToText,
	llm repositories.LanguageModel,
	tts repositories.TextToSpeech,
	transport ClientTransport,
	audioConfig repositories.AudioConfig,
	config Config,
	logger *zap.Logger,
) (*Session, error) {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		ID:           uuid.NewString(),
		connID:       connID,
		config:       config,
		llm:          llm,
		tts:          tts,
		transport:    transport,
		ctx:          ctx,
		cancel:       cancel,
		conversation: entities.NewConversation(),
		outbound:     make(chan AudioSegment, config.OutboundQueueSize),
	}
	s.logger = logger.With(zap.String("session_id", s.ID), zap.String("conn_id", connID))
	s.driver = NewDriver(llm, config, s.logger)
	s.aggregator = NewAggregator(stt, audioConfig, AggregatorCallbacks{
		OnPartial: s.handlePartial,
		OnFinal:   s.handleFinal,
		OnFault:   s.handleRecognitionFault,
	}, s.logger)

	if err := s.aggregator.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.pump()

	s.logger.Info("session started")
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ActiveGenerationSeq returns the generation sequence currently allowed to
// produce output. Zero means no generation has started.
func (s *Session) ActiveGenerationSeq() uint64 {
	return s.activeSeq.Load()
}

// OnAudioFrame forwards one inbound client audio frame to recognition.
func (s *Session) OnAudioFrame(frame AudioFrame) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.state.CompareAndSwap(int32(StateIdle), int32(StateListening))

	if err := s.aggregator.Feed(frame); err != nil {
		if err == ErrSessionClosed {
			return err
		}
		s.handleRecognitionFault(err)
	}
	return nil
}

// EndOfUtterance handles the client's end-of-stream control: the recognition
// engine settles whatever it heard and finalization follows through the
// aggregator's event loop.
func (s *Session) EndOfUtterance() error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	if err := s.aggregator.EndOfAudio(); err != nil {
		s.handleRecognitionFault(err)
	}
	return nil
}

// Close cancels all in-flight work, releases the engine streams, and waits
// for the session's goroutines to finish. Idempotent and deterministic.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancelActiveGeneration()
		s.aggregator.Close()
		s.cancel()
		s.wg.Wait()
		s.logger.Info("session closed")
	})
	return nil
}

func (s *Session) handlePartial(text string) {
	if s.State() == StateClosed {
		return
	}
	s.writeEvent(SessionEvent{Type: EventTranscriptPartial, Text: text})
}

// handleFinal runs on the aggregator's event loop, so finalized utterances
// are processed strictly in order.
func (s *Session) handleFinal(utterance Utterance) {
	if s.State() == StateClosed {
		return
	}

	s.writeEvent(SessionEvent{Type: EventTranscriptFinal, Text: utterance.Text})

	// Barge-in: the user finished a new utterance while we were still
	// responding to the previous one.
	if s.state.CompareAndSwap(int32(StateResponding), int32(StateInterrupting)) {
		s.logger.Info("barge-in, cancelling active generation",
			zap.Uint64("generation_seq", s.activeSeq.Load()),
			zap.Int("utterance_seq", utterance.Seq))
		done := s.cancelActiveGeneration()
		s.awaitCancellation(done)
	}

	s.startGeneration(utterance)
}

func (s *Session) handleRecognitionFault(err error) {
	if s.State() == StateClosed {
		return
	}

	s.mu.Lock()
	s.sttFaults++
	faults := s.sttFaults
	s.mu.Unlock()

	if faults <= s.config.MaxRecognizerRetries {
		s.logger.Warn("recognition fault, re-establishing stream",
			zap.Int("attempt", faults), zap.Error(err))
		if rerr := s.aggregator.Restart(s.ctx); rerr == nil {
			return
		}
	}

	s.logger.Error("recognition unrecoverable, terminating session", zap.Error(err))
	s.writeEvent(SessionEvent{Type: EventSessionError, Text: "speech recognition unavailable"})
	go s.Close()
}

// cancelActiveGeneration invalidates the active generation across all
// stages. Non-blocking: consumers drop stale work by tag, the canceller
// never waits for in-flight engine calls to unwind.
func (s *Session) cancelActiveGeneration() <-chan struct{} {
	seq := s.activeSeq.Load()
	if seq == 0 {
		return nil
	}
	s.lastCancelled.Store(seq)
	s.driver.Cancel(seq)

	s.mu.Lock()
	chunker := s.chunker
	done := s.turnDone
	s.mu.Unlock()

	if chunker != nil {
		chunker.Cancel()
	}
	return done
}

// awaitCancellation waits for the cancelled turn to acknowledge, bounded by
// the configured grace period.
func (s *Session) awaitCancellation(done <-chan struct{}) {
	if done == nil {
		return
	}
	timer := time.NewTimer(s.config.CancelGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Debug("cancellation grace period elapsed")
	case <-s.ctx.Done():
	}
}

func (s *Session) startGeneration(utterance Utterance) {
	s.mu.Lock()
	history := s.conversation.Window(s.config.ContextWindow)
	s.mu.Unlock()

	seq, deltas, err := s.driver.Start(s.ctx, utterance, history)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("generation call failed, speaking fallback",
			zap.Uint64("generation_seq", seq), zap.Error(err))
		if s.config.FallbackResponse == "" {
			s.writeEvent(SessionEvent{Type: EventTurnComplete, GenerationSeq: seq})
			s.state.Store(int32(StateListening))
			return
		}
		fallback := make(chan TextDelta, 1)
		fallback <- TextDelta{GenerationSeq: seq, Text: s.config.FallbackResponse, Err: &EngineError{Stage: "generation", Err: err}}
		close(fallback)
		deltas = fallback
	}

	s.activeSeq.Store(seq)
	chunker := NewChunker(s.ctx, seq, s.tts, s.config, s.logger)
	done := make(chan struct{})

	s.mu.Lock()
	s.chunker = chunker
	s.turnDone = done
	s.mu.Unlock()

	s.state.Store(int32(StateResponding))

	s.wg.Add(1)
	go s.respond(seq, utterance, deltas, chunker, done)
}

// respond relays one generation's deltas into the chunker and drains its
// ordered segments into the outbound queue. It runs to completion even when
// cancelled, so resources release deterministically.
func (s *Session) respond(seq uint64, utterance Utterance, deltas <-chan TextDelta, chunker *Chunker, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	started := time.Now()
	s.writeEvent(SessionEvent{Type: EventSpeakingStart, GenerationSeq: seq})

	drained := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(drained)
		for segment := range chunker.Segments() {
			s.enqueue(segment)
		}
	}()

	var response strings.Builder
	var genErr error
	for delta := range deltas {
		if delta.Err != nil {
			genErr = delta.Err
			if delta.Text == "" {
				break
			}
		}
		response.WriteString(delta.Text)
		if delta.Text != "" && !s.isCancelled(seq) {
			s.writeEvent(SessionEvent{Type: EventGenerationPartial, Text: delta.Text, GenerationSeq: seq})
		}
		chunker.Feed(TextDelta{GenerationSeq: seq, Text: delta.Text})
	}

	// A turn that failed before producing anything still answers with the
	// configured fallback instead of hanging silently.
	if genErr != nil && response.Len() == 0 && s.config.FallbackResponse != "" && !s.isCancelled(seq) {
		chunker.Feed(TextDelta{GenerationSeq: seq, Text: s.config.FallbackResponse})
	}

	chunker.Flush()
	<-drained

	if s.isCancelled(seq) || s.ctx.Err() != nil {
		s.logger.Debug("turn abandoned", zap.Uint64("generation_seq", seq))
		return
	}

	if genErr == nil {
		s.mu.Lock()
		s.conversation.AddTurn(entities.Turn{
			User:       utterance.Text,
			Assistant:  response.String(),
			DurationMs: time.Since(started).Milliseconds(),
		})
		s.mu.Unlock()
	}

	s.writeEvent(SessionEvent{Type: EventSpeakingEnd, Text: response.String(), GenerationSeq: seq})
	s.writeEvent(SessionEvent{Type: EventTurnComplete, GenerationSeq: seq})

	// Keep listening for the next turn; a barge-in already moved the state on.
	s.state.CompareAndSwap(int32(StateResponding), int32(StateListening))

	s.logger.Info("turn complete",
		zap.Uint64("generation_seq", seq),
		zap.Int("utterance_seq", utterance.Seq),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()))
}

func (s *Session) isCancelled(seq uint64) bool {
	return s.lastCancelled.Load() >= seq
}

// enqueue places a segment on the bounded outbound queue. Stale segments are
// dropped outright; on overflow the oldest queued segment is evicted so a
// slow client never stalls synthesis.
func (s *Session) enqueue(segment AudioSegment) {
	if s.isCancelled(segment.GenerationSeq) {
		return
	}
	for {
		select {
		case s.outbound <- segment:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		select {
		case evicted := <-s.outbound:
			s.logger.Warn("outbound queue full, dropping oldest segment",
				zap.Uint64("generation_seq", evicted.GenerationSeq),
				zap.Int("unit_index", evicted.UnitIndex))
		default:
		}
	}
}

// pump serializes segments to the client transport in order, dropping any
// that were invalidated while queued.
func (s *Session) pump() {
	defer s.wg.Done()

	for {
		select {
		case segment := <-s.outbound:
			if s.isCancelled(segment.GenerationSeq) {
				continue
			}
			if err := s.transport.WriteSegment(segment); err != nil {
				s.logger.Warn("client transport closed", zap.Error(err))
				go s.Close()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) writeEvent(event SessionEvent) {
	if err := s.transport.WriteEvent(event); err != nil {
		s.logger.Debug("failed to write session event",
			zap.String("event", string(event.Type)), zap.Error(err))
	}
}

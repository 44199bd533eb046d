package pipeline

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/koelabs/koe/server/domain/repositories"
)

const (
	unitQueueBuffer  = 32
	unitAudioBuffer  = 8
	segmentOutBuffer = 16
	terminalPunctSet = "。！？．.!?;；"
	softPunctSet     = "。！？．.!?;；，,、:："
)

// unitStream is one synthesis unit's ordered audio feed. Units enter the
// queue in unitIndex order, so draining the queue head-to-tail preserves
// emission order even while later units synthesize concurrently.
type unitStream struct {
	index int
	audio chan []byte
}

// Chunker groups one generation's text deltas into synthesis-worthy units
// and drives one independent synthesis call per unit. Units synthesize
// concurrently, bounded by Config.SynthesisConcurrency, but segments release
// strictly in increasing unitIndex order.
//
// Feed and Flush must be called from a single goroutine; Cancel may be
// called from any.
type Chunker struct {
	seq    uint64
	tts    repositories.TextToSpeech
	config Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu       sync.Mutex
	buffer   []rune
	nextUnit int
	done     bool

	units    chan unitStream
	segments chan AudioSegment
}

// NewChunker creates a chunker bound to one generation sequence and starts
// its ordered emitter.
func NewChunker(ctx context.Context, seq uint64, tts repositories.TextToSpeech, config Config, logger *zap.Logger) *Chunker {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	c := &Chunker{
		seq:      seq,
		tts:      tts,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(config.SynthesisConcurrency)),
		units:    make(chan unitStream, unitQueueBuffer),
		segments: make(chan AudioSegment, segmentOutBuffer),
	}

	go c.emit()
	return c
}

// Segments is the ordered outbound audio for this generation. The channel
// closes once every unit has been released, skipped, or abandoned.
func (c *Chunker) Segments() <-chan AudioSegment {
	return c.segments
}

// Feed accumulates a delta and cuts any synthesis units it completes.
// Deltas tagged for another generation are dropped.
func (c *Chunker) Feed(delta TextDelta) {
	if delta.GenerationSeq != c.seq || delta.Text == "" {
		return
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.buffer = append(c.buffer, []rune(delta.Text)...)

	var units []string
	for {
		cut := c.boundary(c.buffer)
		if cut <= 0 {
			break
		}
		units = append(units, string(c.buffer[:cut]))
		c.buffer = c.buffer[cut:]
	}
	c.mu.Unlock()

	for _, unit := range units {
		c.submit(unit)
	}
}

// Flush forces synthesis of the trailing partial unit and marks the end of
// this generation's input. Segments for already-submitted units keep
// flowing until done.
func (c *Chunker) Flush() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	trailing := strings.TrimSpace(string(c.buffer))
	c.buffer = nil
	c.mu.Unlock()

	if trailing != "" {
		c.submit(trailing)
	}
	close(c.units)
}

// Cancel abandons all pending and in-flight synthesis for this generation.
// It returns immediately; eventual results are discarded by tag. Idempotent.
func (c *Chunker) Cancel() {
	c.mu.Lock()
	c.done = true
	c.buffer = nil
	c.mu.Unlock()

	c.cancel()
}

// boundary returns the rune count of the next complete unit in buf, or 0 if
// none is ready. A terminal punctuation mark completes a unit immediately;
// past MaxUnitLen the cut falls on the soft punctuation nearest the target
// length, searching forward first, matching how the original clause cutter
// behaved.
func (c *Chunker) boundary(buf []rune) int {
	limit := len(buf)
	if limit > c.config.MaxUnitLen {
		limit = c.config.MaxUnitLen
	}
	for i := 0; i < limit; i++ {
		if strings.ContainsRune(terminalPunctSet, buf[i]) {
			return i + 1
		}
	}
	if len(buf) < c.config.MaxUnitLen {
		return 0
	}

	target := c.config.UnitTargetLen
	window := c.config.PunctuationWindow

	end := target + window
	if end > len(buf) {
		end = len(buf)
	}
	for i := target; i < end; i++ {
		if strings.ContainsRune(softPunctSet, buf[i]) {
			return i + 1
		}
	}
	start := target - window
	if start < 0 {
		start = 0
	}
	for i := target - 1; i >= start; i-- {
		if strings.ContainsRune(softPunctSet, buf[i]) {
			return i + 1
		}
	}
	return target
}

// submit assigns the unit the next index and starts its synthesis call.
func (c *Chunker) submit(text string) {
	c.mu.Lock()
	index := c.nextUnit
	c.nextUnit++
	c.mu.Unlock()

	out := make(chan []byte, unitAudioBuffer)

	select {
	case c.units <- unitStream{index: index, audio: out}:
	case <-c.ctx.Done():
		close(out)
		return
	}

	c.logger.Debug("synthesis unit submitted",
		zap.Uint64("generation_seq", c.seq),
		zap.Int("unit_index", index),
		zap.Int("unit_runes", len([]rune(text))))

	c.wg.Add(1)
	go c.synthesize(SynthesisUnit{GenerationSeq: c.seq, UnitIndex: index, Text: text}, out)
}

func (c *Chunker) synthesize(unit SynthesisUnit, out chan<- []byte) {
	defer c.wg.Done()
	defer close(out)

	if err := c.sem.Acquire(c.ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	audio, err := c.tts.Synthesize(c.ctx, unit.Text)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		// Skip the unit rather than retry; a silence gap bounds latency,
		// retrying forever does not.
		c.logger.Warn("synthesis unit failed, skipping",
			zap.Uint64("generation_seq", unit.GenerationSeq),
			zap.Int("unit_index", unit.UnitIndex),
			zap.Error(&EngineError{Stage: "synthesis", Err: err}))
		return
	}

	for chunk := range audio {
		select {
		case out <- chunk:
		case <-c.ctx.Done():
			return
		}
	}
}

// emit releases segments strictly in unitIndex order: the head unit drains
// completely before the next is touched, while later units synthesize ahead
// into their own buffers.
func (c *Chunker) emit() {
	defer close(c.segments)

	for {
		select {
		case unit, ok := <-c.units:
			if !ok {
				return
			}
			if !c.drain(unit) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Chunker) drain(unit unitStream) bool {
	for {
		select {
		case chunk, ok := <-unit.audio:
			if !ok {
				return true
			}
			select {
			case c.segments <- AudioSegment{GenerationSeq: c.seq, UnitIndex: unit.index, Audio: chunk}:
			case <-c.ctx.Done():
				return false
			}
		case <-c.ctx.Done():
			return false
		}
	}
}

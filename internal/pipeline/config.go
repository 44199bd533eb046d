package pipeline

import "time"

const (
	defaultContextWindow        = 8
	defaultMaxUnitLen           = 120
	defaultUnitTargetLen        = 60
	defaultPunctuationWindow    = 20
	defaultCancelGrace          = 150 * time.Millisecond
	defaultOutboundQueueSize    = 64
	defaultSynthesisConcurrency = 3
	defaultMaxRecognizerRetries = 3
)

// Config carries the pipeline tunables. The zero value is usable; every
// field falls back to a sensible default.
type Config struct {
	// ContextWindow is the number of most recent turns included in each
	// generation request, bounding request size.
	ContextWindow int

	// MaxUnitLen is the hard cap, in runes, on a synthesis unit. A delta
	// stream with no sentence punctuation still cuts a unit at this length.
	MaxUnitLen int

	// UnitTargetLen is the preferred cut position when the cap forces a cut;
	// the chunker searches for soft punctuation around it.
	UnitTargetLen int

	// PunctuationWindow is how far, in runes, the soft-punctuation search
	// extends on either side of UnitTargetLen.
	PunctuationWindow int

	// CancelGrace bounds how long a barge-in waits for the cancelled
	// generation to acknowledge before the new one starts producing output.
	CancelGrace time.Duration

	// OutboundQueueSize bounds segments buffered for a slow client. On
	// overflow, stale-generation segments are dropped first, then the oldest.
	OutboundQueueSize int

	// SynthesisConcurrency bounds concurrent synthesis calls per generation.
	SynthesisConcurrency int

	// MaxRecognizerRetries bounds recognition stream re-establishment after
	// transport faults before the session is terminated.
	MaxRecognizerRetries int

	// SystemPrompt is prepended to every generation request.
	SystemPrompt string

	// FallbackResponse is spoken when a generation call fails outright.
	// Empty means the turn ends in silence.
	FallbackResponse string
}

func (c Config) withDefaults() Config {
	if c.ContextWindow == 0 {
		c.ContextWindow = defaultContextWindow
	}
	if c.MaxUnitLen == 0 {
		c.MaxUnitLen = defaultMaxUnitLen
	}
	if c.UnitTargetLen == 0 {
		c.UnitTargetLen = defaultUnitTargetLen
	}
	if c.PunctuationWindow == 0 {
		c.PunctuationWindow = defaultPunctuationWindow
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = defaultCancelGrace
	}
	if c.OutboundQueueSize == 0 {
		c.OutboundQueueSize = defaultOutboundQueueSize
	}
	if c.SynthesisConcurrency == 0 {
		c.SynthesisConcurrency = defaultSynthesisConcurrency
	}
	if c.MaxRecognizerRetries == 0 {
		c.MaxRecognizerRetries = defaultMaxRecognizerRetries
	}
	// An environment-supplied target past the cap would index past the
	// buffer in the boundary search.
	if c.UnitTargetLen > c.MaxUnitLen {
		c.UnitTargetLen = c.MaxUnitLen
	}
	if c.PunctuationWindow > c.UnitTargetLen {
		c.PunctuationWindow = c.UnitTargetLen
	}
	return c
}

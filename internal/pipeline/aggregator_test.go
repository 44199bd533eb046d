package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/koelabs/koe/server/domain/repositories"
)

type recordedCallbacks struct {
	mu       sync.Mutex
	partials []string
	finals   []Utterance
	faults   []error
}

func (r *recordedCallbacks) callbacks() AggregatorCallbacks {
	return AggregatorCallbacks{
		OnPartial: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.partials = append(r.partials, text)
		},
		OnFinal: func(utterance Utterance) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finals = append(r.finals, utterance)
		},
		OnFault: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.faults = append(r.faults, err)
		},
	}
}

func (r *recordedCallbacks) finalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finals)
}

func (r *recordedCallbacks) faultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.faults)
}

func TestAggregatorPartialsAndFinals(t *testing.T) {
	logger := zaptest.NewLogger(t)
	stt := &fakeSTT{}
	recorded := &recordedCallbacks{}

	agg := NewAggregator(stt, repositories.AudioConfig{SampleRate: 16000}, recorded.callbacks(), logger)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer agg.Close()

	stream := stt.stream(0)
	stream.emitPartial("hel")
	stream.emitPartial("hello")
	stream.emitFinal("hello there")

	if !waitUntil(t, 2*time.Second, func() bool { return recorded.finalCount() == 1 }) {
		t.Fatal("final never arrived")
	}

	recorded.mu.Lock()
	defer recorded.mu.Unlock()
	if len(recorded.partials) != 2 || recorded.partials[1] != "hello" {
		t.Errorf("partials = %v", recorded.partials)
	}
	if recorded.finals[0].Seq != 0 || recorded.finals[0].Text != "hello there" {
		t.Errorf("final = %+v", recorded.finals[0])
	}
}

func TestAggregatorSkipsEmptyFinal(t *testing.T) {
	logger := zaptest.NewLogger(t)
	stt := &fakeSTT{}
	recorded := &recordedCallbacks{}

	agg := NewAggregator(stt, repositories.AudioConfig{}, recorded.callbacks(), logger)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer agg.Close()

	stream := stt.stream(0)
	stream.emitFinal("   ")
	stream.emitFinal("real words")

	if !waitUntil(t, 2*time.Second, func() bool { return recorded.finalCount() == 1 }) {
		t.Fatal("final never arrived")
	}

	recorded.mu.Lock()
	defer recorded.mu.Unlock()
	if recorded.finals[0].Text != "real words" || recorded.finals[0].Seq != 0 {
		t.Errorf("whitespace final should be skipped, got %+v", recorded.finals)
	}
}

func TestAggregatorRotatesStreamAfterEngineEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	stt := &fakeSTT{}
	recorded := &recordedCallbacks{}

	agg := NewAggregator(stt, repositories.AudioConfig{}, recorded.callbacks(), logger)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer agg.Close()

	// The engine ends one single-utterance call; a fresh stream must open so
	// the next turn has somewhere to go.
	stt.stream(0).emitFinal("turn one")
	stt.stream(0).Close()

	if !waitUntil(t, 2*time.Second, func() bool { return stt.streamCount() == 2 }) {
		t.Fatalf("stream was not rotated, count = %d", stt.streamCount())
	}

	stt.stream(1).emitFinal("turn two")
	if !waitUntil(t, 2*time.Second, func() bool { return recorded.finalCount() == 2 }) {
		t.Fatal("second final never arrived")
	}

	recorded.mu.Lock()
	defer recorded.mu.Unlock()
	if recorded.finals[1].Seq != 1 {
		t.Errorf("second utterance seq = %d, want 1", recorded.finals[1].Seq)
	}
}

func TestAggregatorFeedAndEndOfAudio(t *testing.T) {
	logger := zaptest.NewLogger(t)
	stt := &fakeSTT{}
	recorded := &recordedCallbacks{}

	agg := NewAggregator(stt, repositories.AudioConfig{}, recorded.callbacks(), logger)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer agg.Close()

	for i := 0; i < 3; i++ {
		if err := agg.Feed(AudioFrame{Data: []byte{byte(i)}, Seq: i}); err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
	}
	if got := stt.stream(0).frameCount(); got != 3 {
		t.Errorf("forwarded frames = %d, want 3", got)
	}

	if err := agg.EndOfAudio(); err != nil {
		t.Fatalf("EndOfAudio failed: %v", err)
	}
	stt.stream(0).mu.Lock()
	sendDone := stt.stream(0).sendDone
	stt.stream(0).mu.Unlock()
	if !sendDone {
		t.Error("EndOfAudio did not half-close the stream")
	}
}

func TestAggregatorFaultReportsAndRestarts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	stt := &fakeSTT{}
	recorded := &recordedCallbacks{}

	agg := NewAggregator(stt, repositories.AudioConfig{}, recorded.callbacks(), logger)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer agg.Close()

	stt.stream(0).emitFault(errors.New("connection reset"))

	if !waitUntil(t, 2*time.Second, func() bool { return recorded.faultCount() == 1 }) {
		t.Fatal("fault never reported")
	}

	if err := agg.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if stt.streamCount() != 2 {
		t.Errorf("stream count after restart = %d, want 2", stt.streamCount())
	}

	stt.stream(1).emitFinal("recovered")
	if !waitUntil(t, 2*time.Second, func() bool { return recorded.finalCount() == 1 }) {
		t.Fatal("final after restart never arrived")
	}
}

func TestAggregatorCloseReleasesStream(t *testing.T) {
	logger := zaptest.NewLogger(t)
	stt := &fakeSTT{}
	recorded := &recordedCallbacks{}

	agg := NewAggregator(stt, repositories.AudioConfig{}, recorded.callbacks(), logger)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := agg.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := agg.Feed(AudioFrame{Data: []byte{1}}); err != ErrSessionClosed {
		t.Errorf("Feed after Close = %v, want ErrSessionClosed", err)
	}
}

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koelabs/koe/server/domain/repositories"
)

// fakeRecognitionStream is a hand-driven recognition stream: tests push
// transcript events and inspect what the pipeline sent.
type fakeRecognitionStream struct {
	events chan repositories.TranscriptEvent

	mu        sync.Mutex
	frames    [][]byte
	sendDone  bool
	closeOnce sync.Once
}

func newFakeRecognitionStream() *fakeRecognitionStream {
	return &fakeRecognitionStream{
		events: make(chan repositories.TranscriptEvent, 16),
	}
}

func (s *fakeRecognitionStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, audio)
	return nil
}

func (s *fakeRecognitionStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendDone = true
	return nil
}

func (s *fakeRecognitionStream) Events() <-chan repositories.TranscriptEvent {
	return s.events
}

func (s *fakeRecognitionStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeRecognitionStream) emitPartial(text string) {
	s.events <- repositories.TranscriptEvent{Type: repositories.TranscriptPartial, Text: text}
}

func (s *fakeRecognitionStream) emitFinal(text string) {
	s.events <- repositories.TranscriptEvent{Type: repositories.TranscriptFinal, Text: text}
}

func (s *fakeRecognitionStream) emitFault(err error) {
	s.events <- repositories.TranscriptEvent{Type: repositories.TranscriptFault, Err: err}
}

func (s *fakeRecognitionStream) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// fakeSTT hands out fakeRecognitionStreams and remembers them so the test can
// drive whichever one the pipeline currently holds.
type fakeSTT struct {
	mu       sync.Mutex
	streams  []*fakeRecognitionStream
	failOpen bool
}

func (f *fakeSTT) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen {
		return nil, fmt.Errorf("recognizer unavailable")
	}
	stream := newFakeRecognitionStream()
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeSTT) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	return "transcript", nil
}

func (f *fakeSTT) stream(i int) *fakeRecognitionStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeSTT) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// fakeGeneration scripts one StreamGenerate call.
type fakeGeneration struct {
	chunks []repositories.GenerationChunk
	// hold keeps the stream open after the scripted chunks until the request
	// context is cancelled, simulating a long-running generation.
	hold bool
}

type fakeLLM struct {
	mu        sync.Mutex
	script    []fakeGeneration
	calls     int
	requests  []repositories.GenerationRequest
	failStart bool
}

func (f *fakeLLM) StreamGenerate(ctx context.Context, request repositories.GenerationRequest) (<-chan repositories.GenerationChunk, error) {
	f.mu.Lock()
	if f.failStart {
		f.mu.Unlock()
		return nil, fmt.Errorf("generation unavailable")
	}
	var gen fakeGeneration
	if f.calls < len(f.script) {
		gen = f.script[f.calls]
	}
	f.calls++
	f.requests = append(f.requests, request)
	f.mu.Unlock()

	out := make(chan repositories.GenerationChunk, len(gen.chunks)+1)
	go func() {
		defer close(out)
		for _, chunk := range gen.chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if gen.hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) request(i int) repositories.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// fakeTTS synthesizes each unit into a single audio chunk derived from its
// text. Optional per-unit delays let ordering tests slow down early units.
type fakeTTS struct {
	mu     sync.Mutex
	calls  []string
	delays map[string]time.Duration
	fail   map[string]bool
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	delay := f.delays[text]
	fail := f.fail[text]
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("synthesis unavailable")
	}

	out := make(chan []byte, 1)
	go func() {
		defer close(out)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- []byte("audio:" + text):
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (f *fakeTTS) Voices(ctx context.Context) ([]repositories.Voice, error) {
	return []repositories.Voice{{ID: "fake", Name: "Fake"}}, nil
}

func (f *fakeTTS) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeTransport records everything the session writes. A non-nil gate makes
// WriteSegment block until the gate closes, simulating a stalled client.
type fakeTransport struct {
	mu       sync.Mutex
	events   []SessionEvent
	segments []AudioSegment
	gate     chan struct{}
}

func (f *fakeTransport) WriteSegment(segment AudioSegment) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, segment)
	return nil
}

func (f *fakeTransport) WriteEvent(event SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeTransport) eventsOfType(eventType SessionEventType) []SessionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SessionEvent
	for _, event := range f.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func (f *fakeTransport) segmentsFor(seq uint64) []AudioSegment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AudioSegment
	for _, segment := range f.segments {
		if segment.GenerationSeq == seq {
			out = append(out, segment)
		}
	}
	return out
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/koelabs/koe/server/domain/repositories"
)

func testConfig() Config {
	return Config{
		CancelGrace:      100 * time.Millisecond,
		FallbackResponse: "Sorry, say that again?",
	}
}

func newTestSession(t *testing.T, stt *fakeSTT, llm *fakeLLM, tts *fakeTTS, transport *fakeTransport, config Config) *Session {
	t.Helper()
	logger := zaptest.NewLogger(t)
	session, err := NewSession(
		context.Background(), "conn-1",
		stt, llm, tts, transport,
		repositories.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "en-US"},
		config, logger,
	)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestSessionSingleTurn(t *testing.T) {
	stt := &fakeSTT{}
	llm := &fakeLLM{script: []fakeGeneration{
		{chunks: []repositories.GenerationChunk{
			{Text: "Nice to "},
			{Text: "meet you."},
		}},
	}}
	tts := &fakeTTS{}
	transport := &fakeTransport{}

	session := newTestSession(t, stt, llm, tts, transport, testConfig())

	if err := session.OnAudioFrame(AudioFrame{Data: []byte{1, 2, 3}, Seq: 1}); err != nil {
		t.Fatalf("OnAudioFrame failed: %v", err)
	}
	if got := session.State(); got != StateListening {
		t.Errorf("state after audio = %v, want listening", got)
	}
	if got := stt.stream(0).frameCount(); got != 1 {
		t.Errorf("forwarded frames = %d, want 1", got)
	}

	stt.stream(0).emitPartial("hel")
	stt.stream(0).emitFinal("hello")

	if !waitUntil(t, 2*time.Second, func() bool {
		return len(transport.eventsOfType(EventTurnComplete)) == 1
	}) {
		t.Fatal("turn never completed")
	}

	if got := transport.eventsOfType(EventTranscriptPartial); len(got) != 1 || got[0].Text != "hel" {
		t.Errorf("partial events = %v", got)
	}
	if got := transport.eventsOfType(EventTranscriptFinal); len(got) != 1 || got[0].Text != "hello" {
		t.Errorf("final events = %v", got)
	}
	if got := transport.eventsOfType(EventSpeakingStart); len(got) != 1 {
		t.Errorf("speaking_start events = %v", got)
	}
	speakingEnd := transport.eventsOfType(EventSpeakingEnd)
	if len(speakingEnd) != 1 || speakingEnd[0].Text != "Nice to meet you." {
		t.Errorf("speaking_end events = %v", speakingEnd)
	}
	genPartials := transport.eventsOfType(EventGenerationPartial)
	if len(genPartials) != 2 {
		t.Errorf("generation_partial events = %d, want one per delta", len(genPartials))
	}
	var streamed strings.Builder
	for _, partial := range genPartials {
		streamed.WriteString(partial.Text)
	}
	if streamed.String() != "Nice to meet you." {
		t.Errorf("generation partials reassemble to %q", streamed.String())
	}
	if segments := transport.segmentsFor(1); len(segments) == 0 {
		t.Error("no audio segments delivered for the turn")
	}
	if got := session.State(); got != StateListening {
		t.Errorf("state after turn = %v, want listening", got)
	}
}

func TestSessionCarriesConversationContext(t *testing.T) {
	stt := &fakeSTT{}
	llm := &fakeLLM{script: []fakeGeneration{
		{chunks: []repositories.GenerationChunk{{Text: "First answer."}}},
		{chunks: []repositories.GenerationChunk{{Text: "Second answer."}}},
	}}
	tts := &fakeTTS{}
	transport := &fakeTransport{}

	newTestSession(t, stt, llm, tts, transport, testConfig())

	stt.stream(0).emitFinal("question one")
	if !waitUntil(t, 2*time.Second, func() bool {
		return len(transport.eventsOfType(EventTurnComplete)) == 1
	}) {
		t.Fatal("first turn never completed")
	}

	stt.stream(0).emitFinal("question two")
	if !waitUntil(t, 2*time.Second, func() bool {
		return len(transport.eventsOfType(EventTurnComplete)) == 2
	}) {
		t.Fatal("second turn never completed")
	}

	first := llm.request(0)
	if len(first.History) != 0 {
		t.Errorf("first request history = %v, want empty", first.History)
	}
	second := llm.request(1)
	if len(second.History) != 2 {
		t.Fatalf("second request history length = %d, want 2", len(second.History))
	}
	if second.History[0].Role != repositories.UserRole || second.History[0].Content != "question one" {
		t.Errorf("history[0] = %+v", second.History[0])
	}
	if second.History[1].Role != repositories.AssistantRole || second.History[1].Content != "First answer." {
		t.Errorf("history[1] = %+v", second.History[1])
	}
}

func TestSessionBargeIn(t *testing.T) {
	stt := &fakeSTT{}
	llm := &fakeLLM{script: []fakeGeneration{
		// First generation streams one clause then stays open until cancelled.
		{chunks: []repositories.GenerationChunk{{Text: "Let me think. "}}, hold: true},
		{chunks: []repositories.GenerationChunk{{Text: "Quick reply!"}}},
	}}
	tts := &fakeTTS{}
	transport := &fakeTransport{}

	session := newTestSession(t, stt, llm, tts, transport, testConfig())

	stt.stream(0).emitFinal("first question")
	if !waitUntil(t, 2*time.Second, func() bool {
		return len(transport.segmentsFor(1)) > 0
	}) {
		t.Fatal("first generation never produced audio")
	}

	// The user talks over the in-flight response.
	stt.stream(0).emitFinal("actually never mind")
	if !waitUntil(t, 2*time.Second, func() bool {
		return len(transport.eventsOfType(EventTurnComplete)) == 1
	}) {
		t.Fatal("interrupting turn never completed")
	}

	turnComplete := transport.eventsOfType(EventTurnComplete)
	if turnComplete[0].GenerationSeq != 2 {
		t.Errorf("completed generation = %d, want 2", turnComplete[0].GenerationSeq)
	}
	speakingEnd := transport.eventsOfType(EventSpeakingEnd)
	if len(speakingEnd) != 1 || speakingEnd[0].GenerationSeq != 2 {
		t.Errorf("speaking_end events = %v, want exactly one for generation 2", speakingEnd)
	}
	if got := session.ActiveGenerationSeq(); got != 2 {
		t.Errorf("active generation = %d, want 2", got)
	}

	// The abandoned turn must not enter the conversation context.
	stt.stream(0).emitFinal("third question")
	if !waitUntil(t, 2*time.Second, func() bool { return llm.callCount() == 3 }) {
		t.Fatal("third generation never started")
	}
	third := llm.request(2)
	if len(third.History) != 2 {
		t.Fatalf("third request history length = %d, want 2", len(third.History))
	}
	if third.History[0].Content != "actually never mind" {
		t.Errorf("history[0] = %+v, cancelled turn leaked into context", third.History[0])
	}
}

func TestSessionEvictsOldestWhenClientStalls(t *testing.T) {
	stt := &fakeSTT{}
	llm := &fakeLLM{script: []fakeGeneration{
		{chunks: []repositories.GenerationChunk{
			{Text: "One. Two. Three. Four. Five. Six."},
		}},
	}}
	tts := &fakeTTS{}
	gate := make(chan struct{})
	transport := &fakeTransport{gate: gate}

	config := testConfig()
	config.OutboundQueueSize = 2
	newTestSession(t, stt, llm, tts, transport, config)

	// Release the stalled pump no matter how the test exits, or Close would
	// wait on it forever. Runs before the session's own cleanup.
	var gateOnce sync.Once
	releaseClient := func() { gateOnce.Do(func() { close(gate) }) }
	t.Cleanup(releaseClient)

	stt.stream(0).emitFinal("count to six")

	// The turn must run to completion while the client accepts nothing:
	// the bounded queue evicts, it never blocks synthesis.
	if !waitUntil(t, 2*time.Second, func() bool {
		return len(transport.eventsOfType(EventTurnComplete)) == 1
	}) {
		t.Fatal("turn never completed against a stalled client")
	}
	if got := len(tts.synthesized()); got != 6 {
		t.Errorf("synthesized units = %d, want all 6 despite the stall", got)
	}

	releaseClient()
	if !waitUntil(t, 2*time.Second, func() bool {
		delivered := transport.segmentsFor(1)
		return len(delivered) > 0 && delivered[len(delivered)-1].UnitIndex == 5
	}) {
		t.Fatal("newest segment never delivered after the client recovered")
	}

	delivered := transport.segmentsFor(1)
	if len(delivered) >= 6 {
		t.Errorf("delivered %d segments, want evictions to have dropped some", len(delivered))
	}
	for i := 1; i < len(delivered); i++ {
		if delivered[i].UnitIndex <= delivered[i-1].UnitIndex {
			t.Errorf("segments out of order: unit %d after %d",
				delivered[i].UnitIndex, delivered[i-1].UnitIndex)
		}
	}
}

func TestSessionFallbackOnGenerationFailure(t *testing.T) {
	stt := &fakeSTT{}
	llm := &fakeLLM{failStart: true}
	tts := &fakeTTS{}
	transport := &fakeTransport{}

	newTestSession(t, stt, llm, tts, transport, testConfig())

	stt.stream(0).emitFinal("hello?")
	if !waitUntil(t, 2*time.Second, func() bool {
		return len(transport.eventsOfType(EventTurnComplete)) == 1
	}) {
		t.Fatal("fallback turn never completed")
	}

	speakingEnd := transport.eventsOfType(EventSpeakingEnd)
	if len(speakingEnd) != 1 || speakingEnd[0].Text != "Sorry, say that again?" {
		t.Errorf("speaking_end = %v, want the fallback response", speakingEnd)
	}
	if got := tts.synthesized(); len(got) != 1 || got[0] != "Sorry, say that again?" {
		t.Errorf("synthesized = %v", got)
	}
}

func TestSessionRecognitionFaultRecovery(t *testing.T) {
	stt := &fakeSTT{}
	llm := &fakeLLM{}
	tts := &fakeTTS{}
	transport := &fakeTransport{}

	config := testConfig()
	config.MaxRecognizerRetries = 1
	session := newTestSession(t, stt, llm, tts, transport, config)

	stt.stream(0).emitFault(errFault("reset"))
	if !waitUntil(t, 2*time.Second, func() bool { return stt.streamCount() == 2 }) {
		t.Fatal("recognition stream was not re-established")
	}
	if got := session.State(); got == StateClosed {
		t.Fatal("session closed on a recoverable fault")
	}

	// A second fault exceeds the retry budget and terminates the session.
	stt.stream(1).emitFault(errFault("reset again"))
	if !waitUntil(t, 2*time.Second, func() bool { return session.State() == StateClosed }) {
		t.Fatal("session did not close after retries ran out")
	}
	if got := transport.eventsOfType(EventSessionError); len(got) != 1 {
		t.Errorf("error events = %v, want exactly one", got)
	}
}

func TestSessionClosedRejectsInput(t *testing.T) {
	stt := &fakeSTT{}
	llm := &fakeLLM{}
	tts := &fakeTTS{}
	transport := &fakeTransport{}

	session := newTestSession(t, stt, llm, tts, transport, testConfig())
	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := session.OnAudioFrame(AudioFrame{Data: []byte{1}}); err != ErrSessionClosed {
		t.Errorf("OnAudioFrame after Close = %v, want ErrSessionClosed", err)
	}
	if err := session.EndOfUtterance(); err != ErrSessionClosed {
		t.Errorf("EndOfUtterance after Close = %v, want ErrSessionClosed", err)
	}
}

type errFault string

func (e errFault) Error() string { return string(e) }

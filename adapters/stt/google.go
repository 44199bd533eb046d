package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/koelabs/koe/server/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	logger *zap.Logger
}

// Ensure GoogleSpeechToText implements the SpeechToText interface
var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a Google Cloud recognizer. Credentials come
// from the usual GOOGLE_APPLICATION_CREDENTIALS environment.
func NewGoogleSpeechToText(logger *zap.Logger) *GoogleSpeechToText {
	return &GoogleSpeechToText{logger: logger}
}

// OpenStream opens one streaming recognize call with interim results on, so
// partial hypotheses flow to the pipeline as the user speaks.
func (g *GoogleSpeechToText) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.RecognitionStream, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("unsupported audio encoding: %s", config.Encoding)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(config.SampleRate),
					LanguageCode:    config.Language,
				},
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	gs := &googleRecognitionStream{
		client: client,
		stream: stream,
		logger: g.logger,
		events: make(chan repositories.TranscriptEvent, 8),
	}
	go gs.receive()

	return gs, nil
}

type googleRecognitionStream struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	logger *zap.Logger
	events chan repositories.TranscriptEvent

	mu        sync.Mutex
	sendDone  bool
	closed    bool
	closeOnce sync.Once
}

func (gs *googleRecognitionStream) Send(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}

	gs.mu.Lock()
	if gs.sendDone || gs.closed {
		gs.mu.Unlock()
		return nil
	}
	gs.mu.Unlock()

	if err := gs.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (gs *googleRecognitionStream) CloseSend() error {
	gs.mu.Lock()
	if gs.sendDone {
		gs.mu.Unlock()
		return nil
	}
	gs.sendDone = true
	gs.mu.Unlock()

	if err := gs.stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send stream: %w", err)
	}
	return nil
}

func (gs *googleRecognitionStream) Events() <-chan repositories.TranscriptEvent {
	return gs.events
}

func (gs *googleRecognitionStream) Close() error {
	gs.closeOnce.Do(func() {
		gs.mu.Lock()
		gs.closed = true
		gs.mu.Unlock()

		gs.stream.CloseSend()
		gs.client.Close()
	})
	return nil
}

func (gs *googleRecognitionStream) receive() {
	defer close(gs.events)
	defer gs.Close()

	for {
		resp, err := gs.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			gs.mu.Lock()
			closed := gs.closed
			gs.mu.Unlock()
			if closed {
				return
			}
			gs.events <- repositories.TranscriptEvent{
				Type: repositories.TranscriptFault,
				Err:  fmt.Errorf("failed to receive response: %w", err),
			}
			return
		}

		// END_OF_SINGLE_UTTERANCE precedes the final result, which carries
		// the settled text itself; forwarding both would finalize twice.
		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			gs.logger.Debug("recognizer detected end of utterance")
			continue
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			transcript := result.Alternatives[0].Transcript
			eventType := repositories.TranscriptPartial
			if result.IsFinal {
				eventType = repositories.TranscriptFinal
			}
			gs.events <- repositories.TranscriptEvent{Type: eventType, Text: transcript}
		}
	}
}

// TranscribeAudio converts a complete clip to text by pushing it through one
// streaming call, mirroring the live path.
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", fmt.Errorf("no audio data received")
	}

	stream, err := g.OpenStream(ctx, config)
	if err != nil {
		return "", fmt.Errorf("failed to initialize streaming: %w", err)
	}
	defer stream.Close()

	if err := stream.Send(audioData); err != nil {
		return "", fmt.Errorf("failed to stream audio data: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return "", err
	}

	var final string
	for event := range stream.Events() {
		switch event.Type {
		case repositories.TranscriptFinal:
			final = event.Text
		case repositories.TranscriptFault:
			return "", event.Err
		}
	}

	if final == "" {
		return "", fmt.Errorf("no speech detected in audio")
	}
	return final, nil
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "AMR":
		return speechpb.RecognitionConfig_AMR, nil
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

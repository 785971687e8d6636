package gcp

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lessonreel/lessonreel-backend/internal/logger"
)

type SpeechConfig struct {
	LanguageCode string
	VoiceName    string
	SpeakingRate float64
}

// TextToSpeech synthesizes narration audio for generated lesson scripts.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string, cfg SpeechConfig) ([]byte, error)
	Close() error
}

type ttsService struct {
	log    *logger.Logger
	client *texttospeech.Client
}

func NewTextToSpeech(log *logger.Logger) (TextToSpeech, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.TextToSpeech")

	ctx := context.Background()
	opts := ClientOptionsFromEnv()

	c, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create texttospeech client: %w", err)
	}
	return &ttsService{log: slog, client: c}, nil
}

func (s *ttsService) Synthesize(ctx context.Context, text string, cfg SpeechConfig) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty synthesis input")
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.SpeakingRate == 0 {
		cfg.SpeakingRate = 1.0
	}

	resp, err := s.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: cfg.LanguageCode,
			Name:         cfg.VoiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
			SpeakingRate:  cfg.SpeakingRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	if len(resp.GetAudioContent()) == 0 {
		return nil, fmt.Errorf("synthesize speech: empty audio content")
	}
	return resp.GetAudioContent(), nil
}

func (s *ttsService) Close() error {
	return s.client.Close()
}

// IsRetryableGRPC reports whether a gRPC failure is worth a broker-level
// redelivery rather than a terminal failure.
func IsRetryableGRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

// Package executors provides the stage-executor implementations consumed by
// the pipeline worker. The live set calls real generation providers; the
// mock set is deterministic and in-process. The set is chosen once at
// wiring time, never by runtime provider probing.
package executors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lessonreel/lessonreel-backend/internal/clients/gcp"
	"github.com/lessonreel/lessonreel-backend/internal/clients/openai"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/pipeline"
	"github.com/lessonreel/lessonreel-backend/internal/types"
)

// NewLiveSet wires the full executor chain against real collaborators.
func NewLiveSet(log *logger.Logger, ai openai.Client, tts gcp.TextToSpeech, bucket gcp.BucketService) pipeline.ExecutorSet {
	return pipeline.ExecutorSet{
		types.StatusValidating:        pipeline.NewValidationExecutor(),
		types.StatusExtractingTopic:   &topicExtractor{log: log.With("executor", "TopicExtractor"), ai: ai},
		types.StatusRetrievingContext: &contextRetriever{log: log.With("executor", "ContextRetriever"), ai: ai},
		types.StatusGeneratingScript:  &scriptGenerator{log: log.With("executor", "ScriptGenerator"), ai: ai},
		types.StatusSynthesizingAudio: &audioSynthesizer{log: log.With("executor", "AudioSynthesizer"), tts: tts, bucket: bucket},
		types.StatusRenderingVideo:    &videoRenderer{log: log.With("executor", "VideoRenderer"), ai: ai, bucket: bucket},
	}
}

// classifyAI maps provider failures onto the pipeline's error taxonomy.
// Rate limits and 5xx are transient; schema/validation rejections from the
// provider can never succeed on retry.
func classifyAI(err error, detail string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return pipeline.TransientWrap(err, detail)
		}
		return pipeline.PermanentWrap(err, detail)
	}
	return pipeline.TransientWrap(err, detail)
}

type topicExtractor struct {
	log *logger.Logger
	ai  openai.Client
}

func (e *topicExtractor) Execute(ctx context.Context, sc pipeline.StageContext) (*pipeline.StageResult, error) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topic":     map[string]any{"type": "string"},
			"subtopics": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"subject":   map[string]any{"type": "string"},
		},
		"required":             []string{"topic", "subtopics", "subject"},
		"additionalProperties": false,
	}
	out, err := e.ai.GenerateJSON(ctx,
		"You extract the core teachable topic from a student's question.",
		fmt.Sprintf("Grade level: %d\nQuestion: %s", sc.GradeLevel, sc.Query),
		"topic_extraction", schema)
	if err != nil {
		return nil, classifyAI(err, "topic extraction")
	}
	topic, _ := out["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		return nil, pipeline.Permanent("topic extraction produced no topic for query %q", sc.Query)
	}
	return &pipeline.StageResult{Outputs: map[string]any{
		"topic":     topic,
		"subtopics": out["subtopics"],
		"subject":   out["subject"],
	}}, nil
}

type contextRetriever struct {
	log *logger.Logger
	ai  openai.Client
}

func (e *contextRetriever) Execute(ctx context.Context, sc pipeline.StageContext) (*pipeline.StageResult, error) {
	topic, _ := sc.Outputs["topic"].(string)
	if topic == "" {
		return nil, pipeline.Permanent("context retrieval requires a topic from the prior stage")
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key_facts":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"misconceptions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"grade_framing":  map[string]any{"type": "string"},
			"suggested_hook": map[string]any{"type": "string"},
		},
		"required":             []string{"key_facts", "misconceptions", "grade_framing", "suggested_hook"},
		"additionalProperties": false,
	}
	out, err := e.ai.GenerateJSON(ctx,
		"You assemble accurate background context a lesson writer will rely on.",
		fmt.Sprintf("Topic: %s\nGrade level: %d\nOriginal question: %s", topic, sc.GradeLevel, sc.Query),
		"teaching_context", schema)
	if err != nil {
		return nil, classifyAI(err, "context retrieval")
	}
	return &pipeline.StageResult{Outputs: map[string]any{"teaching_context": out}}, nil
}

type scriptGenerator struct {
	log *logger.Logger
	ai  openai.Client
}

func (e *scriptGenerator) Execute(ctx context.Context, sc pipeline.StageContext) (*pipeline.StageResult, error) {
	topic, _ := sc.Outputs["topic"].(string)
	script, err := e.ai.GenerateText(ctx,
		fmt.Sprintf("You write short, engaging narration scripts for grade %d students. One narrator, no stage directions.", sc.GradeLevel),
		fmt.Sprintf("Topic: %s\nStudent question: %s\nContext: %v", topic, sc.Query, sc.Outputs["teaching_context"]))
	if err != nil {
		return nil, classifyAI(err, "script generation")
	}
	script = strings.TrimSpace(script)
	if script == "" {
		return nil, pipeline.Permanent("script generation returned empty narration")
	}
	return &pipeline.StageResult{Outputs: map[string]any{"script": script}}, nil
}

type audioSynthesizer struct {
	log    *logger.Logger
	tts    gcp.TextToSpeech
	bucket gcp.BucketService
}

func (e *audioSynthesizer) Execute(ctx context.Context, sc pipeline.StageContext) (*pipeline.StageResult, error) {
	script, _ := sc.Outputs["script"].(string)
	if script == "" {
		return nil, pipeline.Permanent("audio synthesis requires a script from the prior stage")
	}
	audio, err := e.tts.Synthesize(ctx, script, gcp.SpeechConfig{})
	if err != nil {
		if gcp.IsRetryableGRPC(err) {
			return nil, pipeline.TransientWrap(err, "audio synthesis")
		}
		return nil, pipeline.PermanentWrap(err, "audio synthesis")
	}
	key := fmt.Sprintf("audio/%s.mp3", sc.RequestID)
	url, err := e.bucket.UploadArtifact(ctx, key, audio, "audio/mpeg")
	if err != nil {
		return nil, pipeline.TransientWrap(err, "audio artifact upload")
	}
	return &pipeline.StageResult{Outputs: map[string]any{"audio_url": url}}, nil
}

type videoRenderer struct {
	log    *logger.Logger
	ai     openai.Client
	bucket gcp.BucketService
}

func (e *videoRenderer) Execute(ctx context.Context, sc pipeline.StageContext) (*pipeline.StageResult, error) {
	script, _ := sc.Outputs["script"].(string)
	topic, _ := sc.Outputs["topic"].(string)
	if script == "" {
		return nil, pipeline.Permanent("video rendering requires a script from the prior stage")
	}
	providerURL, err := e.ai.GenerateVideo(ctx,
		fmt.Sprintf("Educational explainer video about %s, narrated for a grade %d student. Narration: %s", topic, sc.GradeLevel, script),
		45)
	if err != nil {
		return nil, classifyAI(err, "video rendering")
	}

	// Re-home the provider-hosted asset: provider URLs expire.
	data, err := fetchAsset(ctx, providerURL)
	if err != nil {
		return nil, pipeline.TransientWrap(err, "video asset download")
	}
	key := fmt.Sprintf("video/%s.mp4", sc.RequestID)
	url, err := e.bucket.UploadArtifact(ctx, key, data, "video/mp4")
	if err != nil {
		return nil, pipeline.TransientWrap(err, "video artifact upload")
	}
	return &pipeline.StageResult{
		OutputReference: url,
		Outputs: map[string]any{
			"video_url":        url,
			"result_reference": url,
		},
	}, nil
}

func fetchAsset(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch asset: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

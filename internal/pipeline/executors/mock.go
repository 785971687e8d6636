package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/lessonreel/lessonreel-backend/internal/pipeline"
	"github.com/lessonreel/lessonreel-backend/internal/types"
)

// NewMockSet returns deterministic in-process executors. Used when
// PIPELINE_PROVIDER=mock so the whole pipeline can run end to end with no
// provider credentials, and by integration-style tests.
func NewMockSet() pipeline.ExecutorSet {
	return pipeline.ExecutorSet{
		types.StatusValidating:        pipeline.NewValidationExecutor(),
		types.StatusExtractingTopic:   mockExecutor(mockExtractTopic),
		types.StatusRetrievingContext: mockExecutor(mockRetrieveContext),
		types.StatusGeneratingScript:  mockExecutor(mockGenerateScript),
		types.StatusSynthesizingAudio: mockExecutor(mockSynthesizeAudio),
		types.StatusRenderingVideo:    mockExecutor(mockRenderVideo),
	}
}

type mockExecutor func(sc pipeline.StageContext) (*pipeline.StageResult, error)

func (f mockExecutor) Execute(ctx context.Context, sc pipeline.StageContext) (*pipeline.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.TransientWrap(err, "mock executor canceled")
	}
	return f(sc)
}

func mockExtractTopic(sc pipeline.StageContext) (*pipeline.StageResult, error) {
	topic := strings.TrimSpace(sc.Query)
	if topic == "" {
		return nil, pipeline.Permanent("mock topic extraction got an empty query")
	}
	// Deterministic: the "topic" is just the first handful of words.
	words := strings.Fields(topic)
	if len(words) > 6 {
		words = words[:6]
	}
	return &pipeline.StageResult{Outputs: map[string]any{
		"topic":     strings.Join(words, " "),
		"subtopics": []any{"overview", "examples"},
		"subject":   "general",
	}}, nil
}

func mockRetrieveContext(sc pipeline.StageContext) (*pipeline.StageResult, error) {
	topic, _ := sc.Outputs["topic"].(string)
	return &pipeline.StageResult{Outputs: map[string]any{
		"teaching_context": map[string]any{
			"key_facts":      []any{fmt.Sprintf("%s is a topic students ask about", topic)},
			"misconceptions": []any{},
			"grade_framing":  fmt.Sprintf("grade %d", sc.GradeLevel),
			"suggested_hook": fmt.Sprintf("Have you ever wondered about %s?", topic),
		},
	}}, nil
}

func mockGenerateScript(sc pipeline.StageContext) (*pipeline.StageResult, error) {
	topic, _ := sc.Outputs["topic"].(string)
	script := fmt.Sprintf("Today we are going to learn about %s. Let's dive in!", topic)
	return &pipeline.StageResult{Outputs: map[string]any{"script": script}}, nil
}

func mockSynthesizeAudio(sc pipeline.StageContext) (*pipeline.StageResult, error) {
	if _, ok := sc.Outputs["script"].(string); !ok {
		return nil, pipeline.Permanent("mock audio synthesis requires a script")
	}
	return &pipeline.StageResult{Outputs: map[string]any{
		"audio_url": fmt.Sprintf("mock://artifacts/audio/%s.mp3", sc.RequestID),
	}}, nil
}

func mockRenderVideo(sc pipeline.StageContext) (*pipeline.StageResult, error) {
	url := fmt.Sprintf("mock://artifacts/video/%s.mp4", sc.RequestID)
	return &pipeline.StageResult{
		OutputReference: url,
		Outputs: map[string]any{
			"video_url":        url,
			"result_reference": url,
		},
	}, nil
}

package ocr

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/msfg/taxdoc/internal/preprocess"
)

const vertexSystemPrompt = `You are a transcription service for scanned US tax
forms. Return the exact text visible in the image, preserving line breaks and
reading order. Do not summarize, translate, or add commentary. If a value is
illegible, emit the characters you can read and nothing else.`

// VertexEngine transcribes crops with a Vertex AI generative model. It is the
// most accurate and most expensive rung of the ladder, so the ensemble only
// reaches it after both local engines disagree or fail.
type VertexEngine struct {
	model  *genai.GenerativeModel
	client *genai.Client
}

func NewVertexEngine(ctx context.Context, projectID, region, modelName string) (*VertexEngine, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("vertex: projectID and region are required")
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(vertexSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	return &VertexEngine{model: model, client: client}, nil
}

func (e *VertexEngine) Name() string { return "vertex" }

func (e *VertexEngine) Close() error { return e.client.Close() }

func (e *VertexEngine) Recognize(ctx context.Context, req Request) (Result, error) {
	resp, err := e.model.GenerateContent(ctx,
		genai.ImageData("png", req.Image),
		genai.Text("Transcribe this form region."),
	)
	if err != nil {
		return Result{}, fmt.Errorf("vertex generate: %w", err)
	}

	text := collectText(resp)
	if text == "" {
		return Result{}, fmt.Errorf("vertex: empty response")
	}

	// The model reports no recognition confidence; rate the transcription by
	// how much it looks like tax-form text.
	return Result{
		Text:       text,
		Confidence: 0.5 + 0.5*preprocess.TextQuality(text),
	}, nil
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

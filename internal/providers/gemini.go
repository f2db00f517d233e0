package providers

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// GeminiProvider calls a Gemini vision model through Vertex AI. The page
// artifact is passed inline; single-page PDFs are accepted natively.
type GeminiProvider struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

func NewGeminiProvider(ctx context.Context, projectID, region, modelName string) (*GeminiProvider, error) {
	if projectID == "" {
		return nil, fmt.Errorf("gemini provider requires MATHSCAN_GEMINI_PROJECT: %w", ErrAuth)
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemInstruction)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		// Force JSON output; low temperature for structured extraction.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	return &GeminiProvider{client: client, model: model, name: modelName}, nil
}

func (g *GeminiProvider) ExtractPage(ctx context.Context, req ExtractRequest) (ExtractResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "gemini", Model: g.name, Key: "vertex"}
	resp, err := g.model.GenerateContent(ctx,
		genai.Blob{MIMEType: req.Image.MIMEType, Data: req.Image.Data},
		genai.Text(req.Prompt),
	)
	if err != nil {
		return ExtractResponse{}, info, fmt.Errorf("gemini generate content: %w", err)
	}
	text := collectText(resp)
	if text == "" {
		return ExtractResponse{}, info, fmt.Errorf("gemini returned no text parts")
	}
	return ExtractResponse{Text: text}, info, nil
}

func (g *GeminiProvider) Close() error {
	return g.client.Close()
}

// collectText concatenates all text parts of the first candidate.
func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

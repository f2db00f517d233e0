package providers

import (
	"context"
	"fmt"
)

// MockProvider returns deterministic responses so the pipeline can run end
// to end without network access or credentials.
type MockProvider struct{}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) ExtractPage(ctx context.Context, req ExtractRequest) (ExtractResponse, ProviderInfo, error) {
	_ = ctx
	text := fmt.Sprintf(`{
  "page_number": %d,
  "tasks": [
    {"task_number": "1", "task_text": "2 + 3 = ?", "has_image": false, "confidence": 0.99}
  ],
  "page_info": {"total_tasks": 1, "processing_notes": "deterministic mock output"}
}`, req.PageNumber)
	return ExtractResponse{Text: text}, ProviderInfo{Name: "mock", Model: "mock-vision-v1", Key: "mock"}, nil
}

package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama instance running a vision model
// such as llava. No API key required.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

func (o *OllamaProvider) ExtractPage(ctx context.Context, req ExtractRequest) (ExtractResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "ollama", Model: o.model, Key: "local"}
	payload, _ := json.Marshal(map[string]any{
		"model":  o.model,
		"prompt": SystemInstruction + "\n\n" + req.Prompt,
		"images": []string{base64.StdEncoding.EncodeToString(req.Image.Data)},
		"format": "json",
		"stream": false,
	})
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return ExtractResponse{}, info, fmt.Errorf("ollama extract request failed: %w: %w", err, ErrTransient)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return ExtractResponse{}, info, statusError("ollama", resp.StatusCode, body)
	}
	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ExtractResponse{}, info, fmt.Errorf("decode ollama response: %w", err)
	}
	if strings.TrimSpace(parsed.Response) == "" {
		return ExtractResponse{}, info, fmt.Errorf("ollama returned empty response")
	}
	return ExtractResponse{Text: parsed.Response}, info, nil
}

package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OpenAIProvider sends page images to OpenAI-compatible chat completion APIs
// as base64 data URLs.
type OpenAIProvider struct {
	keyName string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider(keyName, model string) *OpenAIProvider {
	baseURL := os.Getenv("MATHSCAN_OPENAI_BASE_URL")
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		keyName: keyName,
		apiKey:  resolveOpenAIKey(keyName),
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OpenAIProvider) ExtractPage(ctx context.Context, req ExtractRequest) (ExtractResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "openai", Model: o.model, Key: o.keyName}
	if o.apiKey == "" {
		return ExtractResponse{}, info, fmt.Errorf("openai key missing for alias %q: %w", o.keyName, ErrAuth)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", req.Image.MIMEType, base64.StdEncoding.EncodeToString(req.Image.Data))
	payload, _ := json.Marshal(map[string]any{
		"model":           o.model,
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": SystemInstruction},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": req.Prompt},
				{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
			}},
		},
	})
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return ExtractResponse{}, info, fmt.Errorf("openai extract request failed: %w: %w", err, ErrTransient)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return ExtractResponse{}, info, statusError("openai", resp.StatusCode, body)
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ExtractResponse{}, info, fmt.Errorf("decode openai response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return ExtractResponse{}, info, fmt.Errorf("openai returned empty choices")
	}
	return ExtractResponse{Text: parsed.Choices[0].Message.Content}, info, nil
}

// statusError maps an HTTP status to the classification sentinels.
func statusError(provider string, code int, body []byte) error {
	msg := fmt.Sprintf("%s extract error %d: %s", provider, code, truncate(string(body), 300))
	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", msg, ErrRateLimited)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, ErrAuth)
	case code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%s: %w", msg, ErrMalformedRequest)
	case code >= 500:
		return fmt.Errorf("%s: %w", msg, ErrTransient)
	default:
		return fmt.Errorf("%s", msg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func resolveOpenAIKey(alias string) string {
	if alias != "" {
		if v := os.Getenv("MATHSCAN_OPENAI_KEY_" + strings.ToUpper(alias)); v != "" {
			return v
		}
	}
	return os.Getenv("OPENAI_API_KEY")
}

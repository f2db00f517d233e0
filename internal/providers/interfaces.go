package providers

import "context"

type ProviderInfo struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Key   string `json:"key"`
}

// PageImage is the rendered page artifact handed to a provider.
type PageImage struct {
	Data     []byte
	MIMEType string
}

type ExtractRequest struct {
	PageNumber int
	Image      PageImage
	Prompt     string
}

type ExtractResponse struct {
	Text string
}

// VisionProvider sends one page image plus a prompt to a vision-capable
// model and returns its raw structured text. Implementations classify their
// failures via the sentinel errors in this package so the retry layer can
// tell retryable from fatal.
type VisionProvider interface {
	ExtractPage(ctx context.Context, req ExtractRequest) (ExtractResponse, ProviderInfo, error)
}

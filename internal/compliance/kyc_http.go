package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPKYCConfig configures the identity service client.
type HTTPKYCConfig struct {
	BaseURL string        `envconfig:"KYC_BASE_URL"`
	APIKey  string        `envconfig:"KYC_API_KEY"`
	Timeout time.Duration `envconfig:"KYC_TIMEOUT" default:"5s"`
}

// HTTPKYCClient reads verification status from the identity service.
type HTTPKYCClient struct {
	config     HTTPKYCConfig
	httpClient *http.Client
}

// NewHTTPKYCClient creates a new identity service client.
func NewHTTPKYCClient(cfg HTTPKYCConfig) *HTTPKYCClient {
	return &HTTPKYCClient{config: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// KYCStatus implements KYCSource.
func (c *HTTPKYCClient) KYCStatus(ctx context.Context, creatorID string) (KYCStatus, error) {
	endpoint := c.config.BaseURL + "/v1/creators/" + url.PathEscape(creatorID) + "/verification"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return KYCStatus{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return KYCStatus{}, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return KYCStatus{}, nil
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return KYCStatus{}, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return KYCStatus{}, fmt.Errorf("kyc api error: status=%d body=%s", httpResp.StatusCode, string(body))
	}

	var status KYCStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return KYCStatus{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return status, nil
}

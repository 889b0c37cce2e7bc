package pseudonym

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// VfpsConfig configures a connection to a Vfps pseudonym service over its
// HTTP/JSON transcoding endpoint.
type VfpsConfig struct {
	// Address is the base URL of the service, for example
	// "http://vfps:8080".
	Address string

	Username string
	Password string

	Timeout    time.Duration
	RetryCount int
	Logger     zerolog.Logger
}

// VfpsClient resolves pseudonyms against a Vfps service. Pseudonyms in Vfps
// live in namespaces, which map onto the domain of the Client interface.
type VfpsClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	retryCount int
	logger     zerolog.Logger
}

func NewVfpsClient(cfg VfpsConfig) (*VfpsClient, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("pseudonym: Vfps address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.RetryCount
	if retries < 0 {
		retries = 0
	}
	return &VfpsClient{
		baseURL:    strings.TrimRight(cfg.Address, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		retryCount: retries,
		logger:     cfg.Logger,
	}, nil
}

type vfpsPseudonym struct {
	Namespace      string `json:"namespace,omitempty"`
	OriginalValue  string `json:"originalValue,omitempty"`
	PseudonymValue string `json:"pseudonymValue,omitempty"`
}

type vfpsResponse struct {
	Pseudonym vfpsPseudonym `json:"pseudonym"`
}

type vfpsCreateRequest struct {
	Namespace     string `json:"namespace"`
	OriginalValue string `json:"originalValue"`
}

func (c *VfpsClient) GetOrCreatePseudonymFor(ctx context.Context, value, domain string) (string, error) {
	payload, err := json.Marshal(vfpsCreateRequest{Namespace: domain, OriginalValue: value})
	if err != nil {
		return "", fmt.Errorf("pseudonym: encoding Vfps request: %w", err)
	}
	target := c.baseURL + "/v1/pseudonyms"
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if resp.Pseudonym.PseudonymValue == "" {
		return "", fmt.Errorf("pseudonym: Vfps response carries no pseudonym value")
	}
	return resp.Pseudonym.PseudonymValue, nil
}

func (c *VfpsClient) GetOriginalValueFor(ctx context.Context, pseudonym, domain string) (string, error) {
	target := c.baseURL + "/v1/namespaces/" + url.PathEscape(domain) +
		"/pseudonyms/" + url.PathEscape(pseudonym)
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil || resp.Pseudonym.OriginalValue == "" {
		c.logger.Warn().Err(err).
			Str("namespace", domain).
			Msg("failed to resolve original value, keeping the pseudonym")
		return pseudonym, nil
	}
	return resp.Pseudonym.OriginalValue, nil
}

// do runs the request with bounded exponential backoff on transport errors
// and 5xx responses.
func (c *VfpsClient) do(ctx context.Context, build func() (*http.Request, error)) (*vfpsResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("pseudonym: building Vfps request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("pseudonym: calling Vfps: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("pseudonym: Vfps returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("pseudonym: Vfps returned status %d", resp.StatusCode)
		}
		if readErr != nil {
			lastErr = fmt.Errorf("pseudonym: reading Vfps response: %w", readErr)
			continue
		}

		var decoded vfpsResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("pseudonym: decoding Vfps response: %w", err)
		}
		return &decoded, nil
	}
	return nil, lastErr
}

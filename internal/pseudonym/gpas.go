package pseudonym

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// gPAS protocol revisions. The wire format of the FHIR gateway changed
// twice: 1.10.1 and earlier use GET with query parameters, 1.10.2 switched
// to POST with a Parameters body, and 1.10.3 renamed the operations and
// values parts as Identifiers.
type gpasProtocol int

const (
	gpasProtocolV1 gpasProtocol = iota
	gpasProtocolV2
	gpasProtocolV2x
)

// GPasConfig configures a connection to a gPAS FHIR gateway.
type GPasConfig struct {
	// BaseURL is the FHIR base of the gateway, for example
	// "https://gpas.example.com/ttp-fhir/fhir/gpas".
	BaseURL string
	// Version is the gPAS release the gateway runs, for example "1.10.3".
	// It selects the wire protocol.
	Version string

	Username string
	Password string

	Timeout    time.Duration
	RetryCount int
	Logger     zerolog.Logger
}

// GPasClient resolves pseudonyms against a gPAS FHIR gateway.
type GPasClient struct {
	baseURL    string
	protocol   gpasProtocol
	username   string
	password   string
	httpClient *http.Client
	retryCount int
	logger     zerolog.Logger
}

// NewGPasClient builds a client for the protocol revision matching
// cfg.Version.
func NewGPasClient(cfg GPasConfig) (*GPasClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pseudonym: gPAS base URL is required")
	}
	protocol, err := gpasProtocolForVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.RetryCount
	if retries < 0 {
		retries = 0
	}
	return &GPasClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		protocol:   protocol,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		retryCount: retries,
		logger:     cfg.Logger,
	}, nil
}

func gpasProtocolForVersion(version string) (gpasProtocol, error) {
	if version == "" {
		return gpasProtocolV2x, nil
	}
	switch {
	case compareVersions(version, "1.10.2") < 0:
		return gpasProtocolV1, nil
	case compareVersions(version, "1.10.3") < 0:
		return gpasProtocolV2, nil
	default:
		return gpasProtocolV2x, nil
	}
}

// compareVersions orders dotted numeric version strings. Each segment
// compares by its leading digits, so pre-release suffixes like "2-rc1"
// compare as 2. Missing or fully non-numeric segments compare as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av = numericPrefix(as[i])
		}
		if i < len(bs) {
			bv = numericPrefix(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func numericPrefix(segment string) int {
	segment = strings.TrimSpace(segment)
	end := 0
	for end < len(segment) && segment[end] >= '0' && segment[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(segment[:end])
	return n
}

// ----- FHIR Parameters wire types -----

type gpasIdentifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type gpasParameter struct {
	Name            string          `json:"name"`
	ValueString     string          `json:"valueString,omitempty"`
	ValueIdentifier *gpasIdentifier `json:"valueIdentifier,omitempty"`
	Part            []gpasParameter `json:"part,omitempty"`
}

type gpasParameters struct {
	ResourceType string          `json:"resourceType"`
	Parameter    []gpasParameter `json:"parameter,omitempty"`
}

func (p *gpasParameters) find(name string) *gpasParameter {
	for i := range p.Parameter {
		if p.Parameter[i].Name == name {
			return &p.Parameter[i]
		}
	}
	return nil
}

func (p *gpasParameter) part(name string) *gpasParameter {
	for i := range p.Part {
		if p.Part[i].Name == name {
			return &p.Part[i]
		}
	}
	return nil
}

func (p *gpasParameter) stringValue() string {
	if p.ValueString != "" {
		return p.ValueString
	}
	if p.ValueIdentifier != nil {
		return p.ValueIdentifier.Value
	}
	return ""
}

// ----- resolution -----

// GetOrCreatePseudonymFor asks gPAS for the pseudonym of value in domain,
// creating one if none exists yet. Failure here is fatal for the caller:
// handing out the original value in place of a pseudonym would defeat the
// de-identification.
func (c *GPasClient) GetOrCreatePseudonymFor(ctx context.Context, value, domain string) (string, error) {
	switch c.protocol {
	case gpasProtocolV1:
		return c.createV1(ctx, value, domain)
	case gpasProtocolV2:
		return c.createV2(ctx, value, domain, "$pseudonymize-allow-create", false)
	default:
		return c.createV2(ctx, value, domain, "$pseudonymizeAllowCreate", true)
	}
}

// GetOriginalValueFor resolves a pseudonym back to its original value. If
// the lookup fails the pseudonym itself is returned so a de-pseudonymization
// pass degrades to leaving unknown values in place.
func (c *GPasClient) GetOriginalValueFor(ctx context.Context, pseudonym, domain string) (string, error) {
	var original string
	var err error
	switch c.protocol {
	case gpasProtocolV1:
		original, err = c.reverseV1(ctx, pseudonym, domain)
	case gpasProtocolV2:
		original, err = c.reverseV2(ctx, pseudonym, domain, "$de-pseudonymize", false)
	default:
		original, err = c.reverseV2(ctx, pseudonym, domain, "$dePseudonymize", true)
	}
	if err != nil {
		c.logger.Warn().Err(err).
			Str("domain", domain).
			Msg("failed to resolve original value, keeping the pseudonym")
		return pseudonym, nil
	}
	return original, nil
}

func (c *GPasClient) createV1(ctx context.Context, value, domain string) (string, error) {
	query := url.Values{"domain": {domain}, "original": {value}}
	params, err := c.get(ctx, "$pseudonymize-allow-create", query)
	if err != nil {
		return "", err
	}
	if p := params.find(value); p != nil && p.ValueString != "" {
		return p.ValueString, nil
	}
	return "", fmt.Errorf("pseudonym: gPAS response carries no pseudonym for the requested value")
}

func (c *GPasClient) reverseV1(ctx context.Context, pseudonym, domain string) (string, error) {
	query := url.Values{"domain": {domain}, "pseudonym": {pseudonym}}
	params, err := c.get(ctx, "$de-pseudonymize", query)
	if err != nil {
		return "", err
	}
	if p := params.find(pseudonym); p != nil && p.ValueString != "" {
		return p.ValueString, nil
	}
	return "", fmt.Errorf("pseudonym: gPAS response carries no original for the requested pseudonym")
}

func (c *GPasClient) createV2(ctx context.Context, value, domain, operation string, asIdentifier bool) (string, error) {
	request := gpasParameters{
		ResourceType: "Parameters",
		Parameter: []gpasParameter{
			{Name: "target", ValueString: domain},
			valueParameter("original", value, asIdentifier),
		},
	}
	params, err := c.post(ctx, operation, request)
	if err != nil {
		return "", err
	}
	if p := params.find("pseudonym"); p != nil {
		if part := p.part("pseudonym"); part != nil {
			if resolved := part.stringValue(); resolved != "" {
				return resolved, nil
			}
		}
	}
	return "", fmt.Errorf("pseudonym: gPAS response carries no pseudonym for the requested value")
}

func (c *GPasClient) reverseV2(ctx context.Context, pseudonym, domain, operation string, asIdentifier bool) (string, error) {
	request := gpasParameters{
		ResourceType: "Parameters",
		Parameter: []gpasParameter{
			{Name: "target", ValueString: domain},
			valueParameter("pseudonym", pseudonym, asIdentifier),
		},
	}
	params, err := c.post(ctx, operation, request)
	if err != nil {
		return "", err
	}
	if p := params.find("pseudonym-result-set"); p != nil {
		if part := p.part("original"); part != nil {
			if resolved := part.stringValue(); resolved != "" {
				return resolved, nil
			}
		}
	}
	return "", fmt.Errorf("pseudonym: gPAS response carries no original for the requested pseudonym")
}

func valueParameter(name, value string, asIdentifier bool) gpasParameter {
	if asIdentifier {
		return gpasParameter{Name: name, ValueIdentifier: &gpasIdentifier{Value: value}}
	}
	return gpasParameter{Name: name, ValueString: value}
}

// ----- transport -----

func (c *GPasClient) get(ctx context.Context, operation string, query url.Values) (*gpasParameters, error) {
	target := c.baseURL + "/" + operation + "?" + query.Encode()
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
}

func (c *GPasClient) post(ctx context.Context, operation string, body gpasParameters) (*gpasParameters, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("pseudonym: encoding gPAS request: %w", err)
	}
	target := c.baseURL + "/" + operation
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/fhir+json")
		return req, nil
	})
}

// do runs the request with bounded exponential backoff. Only transport
// errors and 5xx responses are retried; 4xx responses fail immediately.
func (c *GPasClient) do(ctx context.Context, build func() (*http.Request, error)) (*gpasParameters, error) {
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
			return nil, fmt.Errorf("pseudonym: building gPAS request: %w", err)
		}
		req.Header.Set("Accept", "application/fhir+json")
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("pseudonym: calling gPAS: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("pseudonym: gPAS returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("pseudonym: gPAS returned status %d", resp.StatusCode)
		}
		if readErr != nil {
			lastErr = fmt.Errorf("pseudonym: reading gPAS response: %w", readErr)
			continue
		}

		var params gpasParameters
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("pseudonym: decoding gPAS response: %w", err)
		}
		return &params, nil
	}
	return nil, lastErr
}

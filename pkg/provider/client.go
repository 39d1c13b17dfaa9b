package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/keyamuha-ux/collede/pkg/config"
	"github.com/keyamuha-ux/collede/pkg/llmclient"
	"github.com/keyamuha-ux/collede/pkg/version"
	openai "github.com/sashabaranov/go-openai"
)

const defaultListTimeout = 60 * time.Second

type ModelCard struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func IsAuthError(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func IsRateLimited(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// Client lists models from OpenAI-compatible providers.
type Client struct {
	HTTPClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultListTimeout
	}
	return &Client{HTTPClient: &http.Client{Timeout: timeout}}
}

// ListModels calls GET {apiBaseUrl}/models with the provider credential.
func (c *Client) ListModels(ctx context.Context, p config.Provider) ([]ModelCard, error) {
	base := strings.TrimRight(strings.TrimSpace(p.APIBaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("provider %s has no api base url", p.ID)
	}
	cfg := openai.DefaultConfig(p.APIKey)
	cfg.BaseURL = base
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultListTimeout}
	}
	cfg.HTTPClient = llmclient.NewSession(llmclient.WithUserAgent(version.UserAgent())).Client(httpClient)

	list, err := openai.NewClientWithConfig(cfg).ListModels(ctx)
	if err != nil {
		return nil, wrapOpenAIError(p, err)
	}
	cards := make([]ModelCard, 0, len(list.Models))
	for _, m := range list.Models {
		id := NormalizeModelID(m.ID)
		if id == "" {
			continue
		}
		cards = append(cards, ModelCard{
			ID:      id,
			Name:    id,
			Created: m.CreatedAt,
			OwnedBy: m.OwnedBy,
		})
	}
	return cards, nil
}

func wrapOpenAIError(p config.Provider, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPError{Provider: p.Name, StatusCode: apiErr.HTTPStatusCode, Body: strings.TrimSpace(apiErr.Message)}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		body := ""
		if reqErr.Err != nil {
			body = strings.TrimSpace(reqErr.Err.Error())
		}
		return &HTTPError{Provider: p.Name, StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return fmt.Errorf("list models from %s: %w", p.Name, err)
}

func NormalizeModelID(model string) string {
	model = strings.TrimSpace(model)
	return strings.TrimPrefix(model, "models/")
}

// knownEndpointSuffixes are stripped when an operator pastes a full endpoint
// instead of the API root.
var knownEndpointSuffixes = []string{
	"/chat/completions",
	"/completions",
	"/embeddings",
	"/models",
}

// NormalizeBaseURL strips trailing slashes and known endpoint subpaths and
// appends /v1 to bare OpenAI or local hosts.
func NormalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("api base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("api base url must use http or https")
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base url must include a host")
	}
	p := strings.TrimRight(u.Path, "/")
	for stripped := true; stripped; {
		stripped = false
		for _, suffix := range knownEndpointSuffixes {
			if strings.HasSuffix(strings.ToLower(p), suffix) {
				p = strings.TrimRight(p[:len(p)-len(suffix)], "/")
				stripped = true
			}
		}
	}
	if p == "" && wantsV1(u.Hostname()) {
		p = "/v1"
	}
	u.Path = p
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

func wantsV1(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1", "host.docker.internal":
		return true
	}
	return host == "openai.com" || strings.HasSuffix(host, ".openai.com")
}

// EndpointURL joins an endpoint path such as /chat/completions onto a
// normalized base url.
func EndpointURL(base, endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid provider base url: %w", err)
	}
	u.Path = path.Join("/", u.Path, endpoint)
	return u.String(), nil
}

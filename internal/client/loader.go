package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultLoadTimeout = 10 * time.Second

var (
	// ErrPageNotFound is returned when the relay has no record of the page.
	ErrPageNotFound  = errors.New("client: page not found")
	errMissingBase   = errors.New("client: relay base url is required")
	errUnexpectedRsp = errors.New("client: unexpected response")
)

// PageSnapshot is the stored state of a page as served by the relay.
type PageSnapshot struct {
	ID               string `json:"id"`
	RoomID           string `json:"room_id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	SelectedLanguage string `json:"selected_language"`
}

// PageLoader fetches the stored state of a page.
type PageLoader interface {
	LoadPage(ctx context.Context, pageID string) (PageSnapshot, error)
}

// HTTPPageLoader reads pages through the relay's GET /pages/:pageId route.
type HTTPPageLoader struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// NewHTTPPageLoader builds a loader for the relay at baseURL. A nil httpClient
// selects a client with a ten second timeout.
func NewHTTPPageLoader(baseURL, token string, httpClient *http.Client) (*HTTPPageLoader, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errMissingBase
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse relay base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultLoadTimeout}
	}
	return &HTTPPageLoader{baseURL: parsed, token: token, httpClient: httpClient}, nil
}

// LoadPage implements PageLoader.
func (l *HTTPPageLoader) LoadPage(ctx context.Context, pageID string) (PageSnapshot, error) {
	endpoint := l.baseURL.JoinPath("pages", pageID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return PageSnapshot{}, fmt.Errorf("client: build page request: %w", err)
	}
	if l.token != "" {
		request.Header.Set("Authorization", "Bearer "+l.token)
	}

	response, err := l.httpClient.Do(request)
	if err != nil {
		return PageSnapshot{}, fmt.Errorf("client: load page %s: %w", pageID, err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return PageSnapshot{}, ErrPageNotFound
	case http.StatusUnauthorized:
		return PageSnapshot{}, ErrAuth
	default:
		return PageSnapshot{}, fmt.Errorf("%w: status %d", errUnexpectedRsp, response.StatusCode)
	}

	var snapshot PageSnapshot
	if err := json.NewDecoder(response.Body).Decode(&snapshot); err != nil {
		return PageSnapshot{}, fmt.Errorf("client: decode page %s: %w", pageID, err)
	}
	return snapshot, nil
}

// RelayHTTPBase derives the relay's HTTP origin from its websocket URL.
func RelayHTTPBase(websocketURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(websocketURL))
	if err != nil {
		return "", fmt.Errorf("client: parse relay url: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("client: unsupported relay scheme %q", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

package provider

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

	"go.uber.org/zap"
)

const (
	sessionHeader  = "X-Session-Token"
	maxErrorBody   = 4096
	defaultTimeout = 30 * time.Second
)

// GatewayFactory connects accounts through a provider gateway: a sidecar
// service that owns the provider sessions and exposes them over JSON/HTTP.
type GatewayFactory struct {
	baseURL    string
	httpClient *http.Client
}

// NewGatewayFactory creates a factory for the gateway at baseURL. A nil
// httpClient gets a pooled client with a 30s timeout.
func NewGatewayFactory(baseURL string, httpClient *http.Client) *GatewayFactory {
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 10,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   defaultTimeout,
		}
	}
	return &GatewayFactory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type sessionResponse struct {
	Token string `json:"token"`
}

// Connect opens a gateway session for the account.
func (f *GatewayFactory) Connect(ctx context.Context, creds Credentials) (Client, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}

	c := &gatewayClient{factory: f, account: creds.Name}
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", creds.Name, err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("gateway returned an empty session token for %s", creds.Name)
	}
	c.token = resp.Token

	logger.Debug("Opened gateway session", zap.String("account", creds.Name))
	return c, nil
}

type gatewayClient struct {
	factory *GatewayFactory
	account string
	token   string
}

type recommendationsResponse struct {
	Channels []ChannelRef `json:"channels"`
}

type spamBotResponse struct {
	Reply string `json:"reply"`
}

func (c *gatewayClient) Resolve(ctx context.Context, username string) (ChannelRef, error) {
	var ref ChannelRef
	query := url.Values{"username": {username}}
	if err := c.do(ctx, http.MethodGet, "/v1/resolve", query, nil, &ref); err != nil {
		return ChannelRef{}, err
	}
	return ref, nil
}

func (c *gatewayClient) GetRecommendations(ctx context.Context, ref ChannelRef) ([]ChannelRef, error) {
	var resp recommendationsResponse
	path := fmt.Sprintf("/v1/channels/%d/recommendations", ref.ID)
	query := url.Values{"access_hash": {strconv.FormatInt(ref.AccessHash, 10)}}
	if err := c.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *gatewayClient) SpamBotReply(ctx context.Context) (string, error) {
	var resp spamBotResponse
	if err := c.do(ctx, http.MethodGet, "/v1/spam-status", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Reply, nil
}

func (c *gatewayClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodDelete, "/v1/sessions/current", nil, nil, nil); err != nil {
		return fmt.Errorf("failed to close session for %s: %w", c.account, err)
	}
	return nil
}

func (c *gatewayClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := c.factory.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(sessionHeader, c.token)
	}

	resp, err := c.factory.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp)
		logger.Debug("Gateway returned an error",
			zap.String("account", c.account),
			zap.String("path", path),
			zap.Int("statusCode", resp.StatusCode),
			zap.Error(apiErr))
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response for %s: %w", path, err)
	}
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Seconds int    `json:"seconds"`
}

// decodeError maps a non-2xx gateway response onto the provider error types.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		body.Message = strings.TrimSpace(string(raw))
	}
	message := strings.TrimSpace(strings.Join([]string{body.Error, body.Message}, " "))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case 420, http.StatusTooManyRequests:
		seconds := body.Seconds
		if seconds <= 0 {
			if retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				seconds = retryAfter
			}
		}
		if seconds > 0 {
			return &FloodWaitError{Seconds: seconds}
		}
		return &APIError{Code: resp.StatusCode, Message: message}
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrSessionInvalid, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	default:
		return &APIError{Code: resp.StatusCode, Message: message}
	}
}

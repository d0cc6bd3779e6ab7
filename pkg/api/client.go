package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/catalog"
	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// Client talks to the lobby REST backend. Every call passes through one shared rate limiter.
type Client struct {
	http         *http.Client
	baseURL      string
	defaultLimit int
	limiter      *rate.Limiter
	logger       *zap.Logger
}

func NewClient(cfg *config.CatalogConfig, logger *zap.Logger) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultLimit: cfg.PageSize,
		limiter:      rate.NewLimiter(limit, burst),
		logger:       logger,
	}
}

// FetchGames loads one catalog page. Non-2xx responses come back as *catalog.FetchError.
func (c *Client) FetchGames(ctx context.Context, filter models.CatalogFilter, credential string) (*models.GamePage, error) {
	fp := filter.Fingerprint(c.defaultLimit)

	var page models.GamePage
	if err := c.do(ctx, http.MethodGet, "/games?"+fp, credential, nil, &page); err != nil {
		return nil, catalog.AsFetchError(fp, err)
	}
	if page.Games == nil {
		page.Games = []models.Game{}
	}

	c.logger.Debug("Catalog page fetched",
		zap.String("fingerprint", fp),
		zap.Int("games", len(page.Games)),
		zap.Int("total", page.Total))
	return &page, nil
}

// FetchNotifications returns the raw backfill records for the current session.
func (c *Client) FetchNotifications(ctx context.Context, credential string) ([]map[string]interface{}, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/notifications", credential, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}

	var records []map[string]interface{}
	if err := decodeNumbers(raw, &records); err == nil {
		return records, nil
	}
	var wrapped struct {
		Notifications []map[string]interface{} `json:"notifications"`
	}
	if err := decodeNumbers(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return wrapped.Notifications, nil
}

// decodeNumbers keeps numbers as json.Number so 64-bit ids reach the store intact.
func decodeNumbers(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// MarkNotificationsRead acknowledges read state on the backend.
func (c *Client) MarkNotificationsRead(ctx context.Context, credential string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string][]string{"ids": ids}
	if err := c.do(ctx, http.MethodPost, "/notifications/read", credential, body, nil); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, credential string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &catalog.FetchError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(unwrapData(data), out)
}

// unwrapData strips a {"data": ...} envelope when the backend uses one.
func unwrapData(data []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return env.Data
	}
	return data
}

func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}

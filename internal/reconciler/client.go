package reconciler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/settings"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	maxFrameBytes   = 1 << 20
	maxSnapshotBody = 8 << 20
)

var (
	// ErrRequestFailed reports a non-success HTTP status from the alert service.
	ErrRequestFailed  = errors.New("reconciler: request failed")
	errMissingBaseURL = errors.New("reconciler: base url is required")
)

// StreamError is the server's terminal `event: error` frame.
type StreamError struct {
	Code string
}

func (e *StreamError) Error() string {
	return "reconciler: stream terminated by server: " + e.Code
}

type ClientConfig struct {
	BaseURL     string
	Category    alerts.Category
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client is the HTTP transport for snapshots, the push stream, and settings.
type Client struct {
	baseURL     string
	category    alerts.Category
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	category := cfg.Category
	if category == "" {
		category = alerts.CategoryPrice
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		category:    category,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Snapshot fetches the most recent alerts of the category, newest first.
func (c *Client) Snapshot(ctx context.Context) ([]alerts.Alert, error) {
	response, err := c.do(ctx, http.MethodGet, "/api/alerts/"+url.PathEscape(c.category.String()), nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, statusError(response)
	}
	var snapshot []alerts.Alert
	if err := json.NewDecoder(io.LimitReader(response.Body, maxSnapshotBody)).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Stream runs one push-stream connection until it ends. It satisfies StreamFunc.
func (c *Client) Stream(ctx context.Context, onOpen func(), onAlert func(alerts.Alert)) error {
	response, err := c.do(ctx, http.MethodGet, "/api/alerts/"+url.PathEscape(c.category.String())+"/stream", nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return statusError(response)
	}
	onOpen()
	return readEvents(response.Body, func(event, data string) error {
		if event == "error" {
			var payload struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal([]byte(data), &payload)
			return &StreamError{Code: payload.Error}
		}
		var alert alerts.Alert
		if err := json.Unmarshal([]byte(data), &alert); err != nil {
			c.logger.Warn("skipping undecodable stream frame", zap.Error(err))
			return nil
		}
		alert.Timestamp = alerts.NormalizeTimestamp(alert.Timestamp)
		onAlert(alert)
		return nil
	})
}

// LoadSettings reads the user's notification preferences.
func (c *Client) LoadSettings(ctx context.Context, userID string) (settings.Preferences, error) {
	response, err := c.do(ctx, http.MethodGet, "/api/notifications/settings?userId="+url.QueryEscape(userID), nil)
	if err != nil {
		return settings.Preferences{}, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return settings.Preferences{}, statusError(response)
	}
	var prefs settings.Preferences
	if err := json.NewDecoder(response.Body).Decode(&prefs); err != nil {
		return settings.Preferences{}, fmt.Errorf("decode settings: %w", err)
	}
	return prefs, nil
}

// SaveSettings writes the user's notification preferences and returns the stored values.
func (c *Client) SaveSettings(ctx context.Context, userID string, prefs settings.Preferences) (settings.Preferences, error) {
	body, err := json.Marshal(map[string]any{
		"userId":    userID,
		"enabled":   prefs.Enabled,
		"threshold": prefs.Threshold,
	})
	if err != nil {
		return settings.Preferences{}, err
	}
	response, err := c.do(ctx, http.MethodPost, "/api/notifications/settings", body)
	if err != nil {
		return settings.Preferences{}, err
	}
	defer response.Body.Close()
	var payload struct {
		Success   bool    `json:"success"`
		Enabled   bool    `json:"enabled"`
		Threshold float64 `json:"threshold"`
	}
	if response.StatusCode != http.StatusOK {
		return settings.Preferences{}, statusError(response)
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return settings.Preferences{}, fmt.Errorf("decode settings response: %w", err)
	}
	if !payload.Success {
		return settings.Preferences{}, fmt.Errorf("%w: save not acknowledged", ErrRequestFailed)
	}
	return settings.Preferences{Enabled: payload.Enabled, Threshold: payload.Threshold}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return c.httpClient.Do(request)
}

func statusError(response *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&payload)
	if payload.Error != "" {
		return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, response.StatusCode, payload.Error)
	}
	return fmt.Errorf("%w: status %d", ErrRequestFailed, response.StatusCode)
}

// readEvents parses an event stream, dispatching one callback per frame. Comment
// lines are skipped and multi-line data is joined with newlines.
func readEvents(body io.Reader, dispatch func(event, data string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	event := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if err := dispatch(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event = ""
			data = data[:0]
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errStreamClosed
}

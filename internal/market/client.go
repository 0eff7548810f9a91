package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPageDelay   = 200 * time.Millisecond
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

var (
	// ErrUpstream reports a non-success response from the price-data API.
	ErrUpstream       = errors.New("market: upstream request failed")
	errMissingInfoURL = errors.New("market: token info url is required")
	errMissingListURL = errors.New("market: token list url is required")
)

// MarketData is one venue's quote for a token.
type MarketData struct {
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Token is the price-data API's view of a ticker.
type Token struct {
	Ticker      string       `json:"ticker"`
	MarketsData []MarketData `json:"marketsData,omitempty"`
}

type Config struct {
	TokenInfoURL string
	TokenListURL string
	HTTPClient   *http.Client
	PageDelay    time.Duration
	Logger       *zap.Logger
}

// Client talks to the external price-data and token-list APIs.
type Client struct {
	infoURL    string
	listURL    string
	httpClient *http.Client
	pageDelay  time.Duration
	logger     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.TokenInfoURL) == "" {
		return nil, errMissingInfoURL
	}
	if strings.TrimSpace(cfg.TokenListURL) == "" {
		return nil, errMissingListURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	pageDelay := cfg.PageDelay
	if pageDelay <= 0 {
		pageDelay = defaultPageDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		infoURL:    strings.TrimRight(cfg.TokenInfoURL, "/"),
		listURL:    cfg.TokenListURL,
		httpClient: httpClient,
		pageDelay:  pageDelay,
		logger:     logger,
	}, nil
}

// CleanTicker strips quote characters and surrounding whitespace.
func CleanTicker(raw string) string {
	return strings.TrimSpace(strings.NewReplacer(`"`, "", `'`, "").Replace(raw))
}

// TokenInfo returns nil without error when the ticker is empty or unknown upstream.
func (c *Client) TokenInfo(ctx context.Context, ticker string) (*Token, error) {
	cleaned := CleanTicker(ticker)
	if cleaned == "" {
		return nil, nil
	}
	endpoint := fmt.Sprintf("%s/%s/info", c.infoURL, url.PathEscape(cleaned))
	var token Token
	status, err := c.getJSON(ctx, endpoint, &token)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		c.logger.Warn("token info request failed", zap.String("ticker", cleaned), zap.Error(err))
		return nil, err
	}
	if token.Ticker == "" {
		token.Ticker = cleaned
	}
	return &token, nil
}

type tokenListPage struct {
	Result []struct {
		Tick string `json:"tick"`
	} `json:"result"`
	Next string `json:"next"`
}

// ListTickers follows the list API's next cursors until it is empty or repeats.
// progress, when set, receives the running count after each page. Tickers are
// returned de-duplicated in first-seen order.
func (c *Client) ListTickers(ctx context.Context, progress func(collected int)) ([]string, error) {
	seen := make(map[string]struct{})
	tickers := make([]string, 0)
	collected := 0
	next := ""
	for {
		endpoint, err := c.pageURL(next)
		if err != nil {
			return nil, err
		}
		var page tokenListPage
		if _, err := c.getJSON(ctx, endpoint, &page); err != nil {
			return nil, err
		}
		for _, entry := range page.Result {
			collected++
			if _, ok := seen[entry.Tick]; ok {
				continue
			}
			seen[entry.Tick] = struct{}{}
			tickers = append(tickers, entry.Tick)
		}
		if progress != nil {
			progress(collected)
		}
		if page.Next == "" || page.Next == next {
			return tickers, nil
		}
		next = page.Next

		timer := time.NewTimer(c.pageDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) pageURL(next string) (string, error) {
	if next == "" {
		return c.listURL, nil
	}
	parsed, err := url.Parse(c.listURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("next", next)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, target any) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Accept", "application/json")
	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBytes))
		return response.StatusCode, fmt.Errorf("%w: status %d", ErrUpstream, response.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(target); err != nil {
		return response.StatusCode, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	return response.StatusCode, nil
}

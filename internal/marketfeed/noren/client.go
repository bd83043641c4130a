// Package noren provides a market feed adapter for Noren-protocol vendors.
package noren

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"papertrader/internal/domain"
)

// REST endpoints relative to the vendor base URL.
const (
	EndpointUserDetails     = "/UserDetails"
	EndpointCreateWsSession = "/CreateWsSession"
	EndpointGetQuotes       = "/GetQuotes"
	EndpointTPSeries        = "/TPSeries"

	defaultRequestTimeout = 10 * time.Second
	historyTimeLayout     = "02-01-2006 15:04:05"
)

// Client is an HTTP client for the vendor REST API.
// Every call posts a form body of jData=<json>&jKey=<session token>.
type Client struct {
	baseURL      string
	userID       string
	accountID    string
	sessionToken string
	httpClient   *http.Client
	logger       *zap.Logger
}

// ClientConfig holds configuration for creating a new Client.
type ClientConfig struct {
	// BaseURL is the vendor REST endpoint.
	BaseURL string
	// UserID is the vendor user identifier.
	UserID string
	// AccountID is the vendor account identifier.
	AccountID string
	// SessionToken is the vendor session token obtained at login.
	SessionToken string
	// Timeout bounds each request.
	Timeout time.Duration
	// Logger is the logger instance.
	Logger *zap.Logger
}

// NewClient creates a new vendor API client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		userID:       cfg.UserID,
		accountID:    cfg.AccountID,
		sessionToken: cfg.SessionToken,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// HasCredentials reports whether user, account and token are all set.
func (c *Client) HasCredentials() bool {
	return c.userID != "" && c.accountID != "" && c.sessionToken != ""
}

// APIError represents a vendor error reply.
type APIError struct {
	Stat    string `json:"stat"`
	Message string `json:"emsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("noren api error: %s", e.Message)
}

// statusReply is the envelope common to every object reply.
type statusReply struct {
	Stat    string `json:"stat"`
	Message string `json:"emsg"`
}

// Request posts payload to endpoint and returns the raw reply body.
// Replies carrying stat Not_Ok are returned as *APIError.
func (c *Client) Request(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var form bytes.Buffer
	form.WriteString("jData=")
	form.Write(data)
	form.WriteString("&jKey=")
	form.WriteString(c.sessionToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &form)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.logger.Debug("sending request", zap.String("endpoint", endpoint))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp.StatusCode, body)
	}

	// Array replies (history) carry no envelope on success.
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var status statusReply
		if err := json.Unmarshal(trimmed, &status); err == nil && status.Stat == "Not_Ok" {
			return nil, c.apiError(status)
		}
	}

	return body, nil
}

// parseError parses a non-200 reply.
func (c *Client) parseError(statusCode int, body []byte) error {
	var status statusReply
	if err := json.Unmarshal(body, &status); err != nil || status.Message == "" {
		return fmt.Errorf("http %d: %s", statusCode, string(body))
	}
	return c.apiError(status)
}

func (c *Client) apiError(status statusReply) error {
	c.logger.Warn("api error", zap.String("message", status.Message))
	return &APIError{Stat: status.Stat, Message: status.Message}
}

// ValidateSession checks the session token against the lightweight user details call.
func (c *Client) ValidateSession(ctx context.Context) error {
	_, err := c.Request(ctx, EndpointUserDetails, map[string]string{"uid": c.userID})
	return err
}

// CreateWebSocketSession asks the vendor to prepare a streaming session.
// The socket handshake is refused until this succeeds.
func (c *Client) CreateWebSocketSession(ctx context.Context) error {
	_, err := c.Request(ctx, EndpointCreateWsSession, map[string]string{
		"uid":   c.userID,
		"actid": c.accountID,
	})
	return err
}

// quoteReply is the GetQuotes reply.
type quoteReply struct {
	statusReply
	Exchange      string      `json:"exch"`
	Token         string      `json:"token"`
	LastPrice     flexDecimal `json:"lp"`
	PercentChange flexDecimal `json:"pc"`
	Open          flexDecimal `json:"o"`
	High          flexDecimal `json:"h"`
	Low           flexDecimal `json:"l"`
	Close         flexDecimal `json:"c"`
	BidPrice      flexDecimal `json:"bp1"`
	AskPrice      flexDecimal `json:"sp1"`
	Volume        flexInt     `json:"v"`
}

// GetQuote fetches a point-in-time quote for key.
func (c *Client) GetQuote(ctx context.Context, key domain.InstrumentKey) (domain.PriceTick, error) {
	body, err := c.Request(ctx, EndpointGetQuotes, map[string]string{
		"uid":   c.userID,
		"exch":  key.Exchange,
		"token": key.Token,
	})
	if err != nil {
		return domain.PriceTick{}, err
	}

	var reply quoteReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return domain.PriceTick{}, fmt.Errorf("parse response: %w", err)
	}
	if !reply.LastPrice.set || !reply.LastPrice.IsPositive() {
		return domain.PriceTick{}, fmt.Errorf("quote for %s has no last price", key)
	}

	return domain.PriceTick{
		Exchange:      key.Exchange,
		Token:         key.Token,
		LastPrice:     reply.LastPrice.Decimal,
		PercentChange: reply.PercentChange.Decimal,
		Open:          reply.Open.Decimal,
		High:          reply.High.Decimal,
		Low:           reply.Low.Decimal,
		Close:         reply.Close.Decimal,
		BidPrice:      reply.BidPrice.Decimal,
		AskPrice:      reply.AskPrice.Decimal,
		Volume:        reply.Volume.value,
		Traded:        true,
		Timestamp:     time.Now(),
	}, nil
}

// seriesRow is one TPSeries candle.
type seriesRow struct {
	Stat   string      `json:"stat"`
	Time   string      `json:"time"`
	Epoch  flexInt     `json:"ssboe"`
	Open   flexDecimal `json:"into"`
	High   flexDecimal `json:"inth"`
	Low    flexDecimal `json:"intl"`
	Close  flexDecimal `json:"intc"`
	Volume flexInt     `json:"intv"`
}

// TimePriceSeries fetches OHLCV bars between from and to.
// Bars are returned oldest first.
func (c *Client) TimePriceSeries(ctx context.Context, key domain.InstrumentKey, from, to time.Time, interval int) ([]domain.Bar, error) {
	payload := map[string]string{
		"uid":   c.userID,
		"exch":  key.Exchange,
		"token": key.Token,
		"st":    strconv.FormatInt(from.Unix(), 10),
		"et":    strconv.FormatInt(to.Unix(), 10),
	}
	if interval > 0 {
		payload["intrv"] = strconv.Itoa(interval)
	}

	body, err := c.Request(ctx, EndpointTPSeries, payload)
	if err != nil {
		return nil, err
	}

	var rows []seriesRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	bars := make([]domain.Bar, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.Stat != "" && row.Stat != "Ok" {
			continue
		}
		bars = append(bars, domain.Bar{
			Time:   row.time(),
			Open:   row.Open.Decimal,
			High:   row.High.Decimal,
			Low:    row.Low.Decimal,
			Close:  row.Close.Decimal,
			Volume: row.Volume.value,
		})
	}

	return bars, nil
}

func (r seriesRow) time() time.Time {
	if r.Epoch.set {
		return time.Unix(r.Epoch.value, 0).UTC()
	}
	t, err := time.Parse(historyTimeLayout, r.Time)
	if err != nil {
		return time.Time{}
	}
	return t
}

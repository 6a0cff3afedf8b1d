// Package bridge talks to an MT5 terminal through its REST bridge.
package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"signal-trader/pkg/broker"
)

// MT5 trade server return codes the bridge passes through.
const (
	RetcodePlaced = 10008
	RetcodeDone   = 10009
)

// Config holds bridge endpoint and order defaults.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string // optional; when set requests carry an HMAC signature
	ClientID  string // identifies this instance to the bridge
	Timeout   time.Duration
	RPS       float64 // request rate cap; 0 disables

	Deviation int    // max price deviation in points
	Magic     int64  // expert magic number stamped on orders
	Comment   string // order comment
}

// Client is a broker.Broker backed by the MT5 REST bridge.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ broker.Broker = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Deviation == 0 {
		cfg.Deviation = 20
	}
	if cfg.Magic == 0 {
		cfg.Magic = 234000
	}
	if cfg.Comment == "" {
		cfg.Comment = "TG_BOT_ORDER"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return c
}

func (c *Client) Name() string { return "MT5" }

type orderRequest struct {
	Symbol    string   `json:"symbol"`
	Type      string   `json:"type"`
	Volume    float64  `json:"volume"`
	SL        *float64 `json:"sl,omitempty"`
	TP        *float64 `json:"tp,omitempty"`
	Deviation int      `json:"deviation"`
	Magic     int64    `json:"magic"`
	Comment   string   `json:"comment"`
	ClientID  string   `json:"client_id,omitempty"`
	RequestID string   `json:"request_id"`
}

type orderResponse struct {
	OrderID int64   `json:"order_id"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	Retcode int     `json:"retcode"`
	Comment string  `json:"comment"`
	Error   string  `json:"error"`
}

// PlaceOrder sends a market order. Rejections reported by the terminal come
// back as a Result without an order id; transport failures return ErrNoResult.
func (c *Client) PlaceOrder(ctx context.Context, req broker.Request) (*broker.Result, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: bridge URL not configured", broker.ErrNoResult)
	}
	side := strings.ToUpper(string(req.Side))
	if side != string(broker.SideBuy) && side != string(broker.SideSell) {
		return &broker.Result{Retcode: -1, Comment: "Application error: Invalid order type"}, nil
	}

	requestID := req.ClientID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	payload, err := json.Marshal(orderRequest{
		Symbol:    req.Instrument,
		Type:      side,
		Volume:    req.Volume,
		SL:        req.StopLoss,
		TP:        req.TakeProfit,
		Deviation: c.cfg.Deviation,
		Magic:     c.cfg.Magic,
		Comment:   c.cfg.Comment,
		ClientID:  c.cfg.ClientID,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode order request: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", broker.ErrNoResult, err)
		}
	}

	body, status, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/orders", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrNoResult, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode bridge response (HTTP %d): %v", broker.ErrNoResult, status, err)
	}

	comment := resp.Comment
	if comment == "" {
		comment = resp.Error
	}
	res := &broker.Result{
		OrderID: resp.OrderID,
		Price:   resp.Price,
		Volume:  resp.Volume,
		Comment: comment,
		Retcode: resp.Retcode,
	}
	if status >= http.StatusBadRequest || !acceptedRetcode(resp.Retcode) {
		// The terminal may echo an order ticket on rejection; it is not a fill.
		res.OrderID = 0
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if c.cfg.APISecret != "" {
		req.Header.Set("X-Signature", sign(payload, c.cfg.APISecret))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, res.StatusCode, err
	}
	if len(body) == 0 {
		return nil, res.StatusCode, errors.New("empty response body")
	}
	return body, res.StatusCode, nil
}

// acceptedRetcode treats a missing retcode as success so bridges that only
// report an order id still work.
func acceptedRetcode(code int) bool {
	return code == 0 || code == RetcodeDone || code == RetcodePlaced
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

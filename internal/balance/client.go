package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/provadorai/provador/internal/model"
)

const idempotencyKeyHeader = "Idempotency-Key"

// HTTPFetcher reads the balance endpoint of a running server.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, storeID string) (model.Account, error) {
	u := f.baseURL + "/api/stores/" + url.PathEscape(storeID) + "/balance"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.Account{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return model.Account{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Account{}, fmt.Errorf("balance: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var v model.BalanceView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return model.Account{}, fmt.Errorf("decode balance: %w", err)
	}
	return model.Account{
		StoreID:      storeID,
		Plan:         v.Plan,
		PlanCredits:  v.PlanCredits,
		ExtraCredits: v.ExtraCredits,
		TrialEndsAt:  v.TrialEndsAt,
		PlanRenewsAt: v.PlanRenewsAt,
		Version:      v.Version,
	}, nil
}

// HTTPConsumer calls the consume endpoint of a running server.
type HTTPConsumer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPConsumer(baseURL string, client *http.Client) *HTTPConsumer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPConsumer{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Consume returns refusals (no credits, unknown store) as an unsuccessful
// result. Other non-2xx responses are errors.
func (c *HTTPConsumer) Consume(ctx context.Context, storeID, idempotencyKey string) (model.ConsumeResult, error) {
	u := c.baseURL + "/api/stores/" + url.PathEscape(storeID) + "/consume"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return model.ConsumeResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(idempotencyKeyHeader, idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return model.ConsumeResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPaymentRequired, http.StatusNotFound:
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.ConsumeResult{}, fmt.Errorf("consume: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res model.ConsumeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return model.ConsumeResult{}, fmt.Errorf("decode consume result: %w", err)
	}
	return res, nil
}

// FeedSubscriber dials the change feed WebSocket of a running server.
type FeedSubscriber struct {
	baseURL string
	client  *http.Client
}

func NewFeedSubscriber(baseURL string, client *http.Client) *FeedSubscriber {
	return &FeedSubscriber{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *FeedSubscriber) Subscribe(ctx context.Context, storeID string) (Subscription, error) {
	u := s.baseURL + "/api/stores/" + url.PathEscape(storeID) + "/feed"
	conn, _, err := ws.Dial(ctx, u, &ws.DialOptions{HTTPClient: s.client})
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return &feedConn{conn: conn}, nil
}

type feedConn struct {
	conn *ws.Conn
}

func (c *feedConn) Next(ctx context.Context) (model.ChangeEvent, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return model.ChangeEvent{}, err
	}
	var e model.ChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	return e, nil
}

func (c *feedConn) Close() error {
	return c.conn.Close(ws.StatusNormalClosure, "")
}

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/internal/domain"
	"github.com/vadiminshakov/payledger/pkg/retrier"
)

const (
	// DefaultTonCenterURL public TON Center v2 endpoint.
	DefaultTonCenterURL = "https://toncenter.com/api/v2"

	defaultTimeout     = 10 * time.Second
	defaultMaxRetries  = 2
	defaultRetryDelay  = 500 * time.Millisecond
	maxResponseBytes   = 4 << 20
	transactionsMethod = "/getTransactions"
)

// TransactionSource lists incoming transactions of an address.
type TransactionSource interface {
	// ListTransactions returns recent transactions of address, newest first.
	ListTransactions(ctx context.Context, address string, limit int) ([]domain.ChainTransaction, error)
}

// TonCenterClient reads transactions from the TON Center HTTP API.
type TonCenterClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	retrier    *retrier.Retrier
	logger     *zap.Logger
}

// NewTonCenterClient creates a client. Zero timeout or negative retries fall back to defaults.
func NewTonCenterClient(apiURL, apiKey string, timeout time.Duration, retries int, logger *zap.Logger) *TonCenterClient {
	if apiURL == "" {
		apiURL = DefaultTonCenterURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retries < 0 {
		retries = defaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &TonCenterClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
	c.retrier = retrier.New(
		retrier.WithMaxRetries(retries),
		retrier.WithInitialInterval(defaultRetryDelay),
		retrier.WithOnRetry(func(attempt int, err error) {
			c.logger.Warn("retrying toncenter request",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}),
	)
	return c
}

type transactionsResponse struct {
	OK     bool             `json:"ok"`
	Result []tonTransaction `json:"result"`
	Error  string           `json:"error,omitempty"`
	Code   int              `json:"code,omitempty"`
}

type tonTransaction struct {
	Utime         int64            `json:"utime"`
	TransactionID tonTransactionID `json:"transaction_id"`
	InMsg         *tonMessage      `json:"in_msg"`
}

type tonTransactionID struct {
	LT   string `json:"lt"`
	Hash string `json:"hash"`
}

type tonMessage struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Value       string `json:"value"`
	Message     string `json:"message"`
}

// ListTransactions implements TransactionSource. Every failure, including a
// malformed or unsuccessful response, wraps domain.ErrUpstreamUnavailable.
// The API only pages by (lt, hash) pairs, so no single-hash lookup is sent.
func (c *TonCenterClient) ListTransactions(ctx context.Context, address string, limit int) ([]domain.ChainTransaction, error) {
	if address == "" {
		return nil, errors.New("address is required")
	}

	query := url.Values{}
	query.Set("address", address)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.apiURL + transactionsMethod + "?" + query.Encode()

	txs, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) ([]domain.ChainTransaction, error) {
		return c.fetch(ctx, endpoint)
	})
	if err != nil {
		return nil, errors.Wrap(domain.ErrUpstreamUnavailable, err.Error())
	}
	return txs, nil
}

func (c *TonCenterClient) fetch(ctx context.Context, endpoint string) ([]domain.ChainTransaction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retrier.Permanent(errors.Wrap(err, "failed to create HTTP request"))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("toncenter returned status %d: %s", resp.StatusCode, truncate(string(body), 256))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, statusErr
		}
		return nil, retrier.Permanent(statusErr)
	}

	var parsed transactionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, retrier.Permanent(errors.Wrap(err, "failed to unmarshal response"))
	}
	if !parsed.OK {
		return nil, retrier.Permanent(fmt.Errorf("toncenter error: %s (code %d)", parsed.Error, parsed.Code))
	}

	txs := make([]domain.ChainTransaction, 0, len(parsed.Result))
	for _, raw := range parsed.Result {
		tx, err := raw.toDomain()
		if err != nil {
			return nil, retrier.Permanent(err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (t tonTransaction) toDomain() (domain.ChainTransaction, error) {
	if t.TransactionID.Hash == "" {
		return domain.ChainTransaction{}, errors.New("transaction without hash")
	}

	tx := domain.ChainTransaction{
		Hash:      t.TransactionID.Hash,
		Timestamp: time.Unix(t.Utime, 0).UTC(),
	}

	if t.TransactionID.LT != "" {
		lt, err := strconv.ParseUint(t.TransactionID.LT, 10, 64)
		if err != nil {
			return domain.ChainTransaction{}, errors.Wrapf(err, "invalid lt for %s", tx.Hash)
		}
		tx.LT = lt
	}

	if t.InMsg != nil {
		tx.Source = t.InMsg.Source
		tx.Destination = t.InMsg.Destination
		tx.Memo = t.InMsg.Message
		if t.InMsg.Value != "" {
			value, err := strconv.ParseUint(t.InMsg.Value, 10, 64)
			if err != nil {
				return domain.ChainTransaction{}, errors.Wrapf(err, "invalid value for %s", tx.Hash)
			}
			tx.Value = value
		}
	}

	return tx, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

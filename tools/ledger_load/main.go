// Command ledger_load hammers a running payledger with concurrent balance
// adjustments while holding ledger stream connections open, then checks that
// every adjustment was applied exactly once.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type adjustRequest struct {
	UserID string          `json:"user_id"`
	Delta  decimal.Decimal `json:"delta"`
	Ref    string          `json:"ref"`
	Reason string          `json:"reason"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

func main() {
	var (
		baseURL     string
		listeners   int
		writers     int
		adjustments int
		delta       string
		replays     int
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "payledger base URL")
	flag.IntVar(&listeners, "conns", 100, "number of ledger stream connections to hold open")
	flag.IntVar(&writers, "writers", 16, "number of concurrent writers")
	flag.IntVar(&adjustments, "n", 50, "adjustments per writer")
	flag.StringVar(&delta, "delta", "0.1", "amount added by each adjustment")
	flag.IntVar(&replays, "replays", 1, "extra submissions of every reference")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	step, err := decimal.NewFromString(delta)
	if err != nil || !step.IsPositive() {
		logger.Fatal("invalid delta", zap.String("delta", delta))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     listeners + writers + 10,
			MaxIdleConnsPerHost: writers + 10,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	userID := "load-" + uuid.NewString()
	baseURL = strings.TrimRight(baseURL, "/")

	var events, streamErrs atomic.Int64
	streamCtx, cancelStreams := context.WithCancel(ctx)
	defer cancelStreams()

	streams := new(errgroup.Group)
	for i := 0; i < listeners; i++ {
		streams.Go(func() error {
			if err := follow(streamCtx, client, baseURL+"/ledger/stream?user_id="+userID, &events); err != nil && streamCtx.Err() == nil {
				streamErrs.Add(1)
			}
			return nil
		})
	}

	logger.Info("starting ledger load",
		zap.String("user_id", userID),
		zap.Int("writers", writers),
		zap.Int("adjustments", adjustments),
		zap.Int("conns", listeners))

	var applied, duplicates atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < adjustments; i++ {
				req := adjustRequest{
					UserID: userID,
					Delta:  step,
					Ref:    fmt.Sprintf("load-%d-%d", w, i),
					Reason: "load test",
				}
				for attempt := 0; attempt <= replays; attempt++ {
					ok, err := adjust(gctx, client, baseURL, req)
					if err != nil {
						return err
					}
					if ok {
						applied.Add(1)
					} else {
						duplicates.Add(1)
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatal("load failed", zap.Error(err))
	}
	elapsed := time.Since(start)

	// give streams a moment to drain before closing them
	time.Sleep(2 * time.Second)
	cancelStreams()
	_ = streams.Wait()

	got, err := balance(ctx, client, baseURL, userID)
	if err != nil {
		logger.Fatal("read balance", zap.Error(err))
	}
	want := step.Mul(decimal.NewFromInt(int64(writers * adjustments)))

	logger.Info("ledger load finished",
		zap.Int64("applied", applied.Load()),
		zap.Int64("duplicates", duplicates.Load()),
		zap.Int64("stream_events", events.Load()),
		zap.Int64("stream_errs", streamErrs.Load()),
		zap.String("balance", got.String()),
		zap.String("expected", want.String()),
		zap.Duration("elapsed", elapsed),
		zap.Float64("adjustments_per_sec", float64(applied.Load()+duplicates.Load())/elapsed.Seconds()))

	if !got.Equal(want) || applied.Load() != int64(writers*adjustments) {
		logger.Fatal("balance mismatch")
	}
}

func adjust(ctx context.Context, client *http.Client, baseURL string, req adjustRequest) (bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/balance/adjust", bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return false, err
		}
		var out struct {
			Applied bool   `json:"applied"`
			Error   string `json:"error"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		_ = resp.Body.Close()
		if err != nil {
			return false, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return out.Applied, nil
		case http.StatusConflict:
			continue
		default:
			return false, fmt.Errorf("adjust %s: status %d: %s", req.Ref, resp.StatusCode, out.Error)
		}
	}
}

func balance(ctx context.Context, client *http.Client, baseURL, userID string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/balance?user_id="+userID, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("balance: status %d", resp.StatusCode)
	}
	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// follow counts ledger events until ctx is done or the stream breaks.
func follow(ctx context.Context, client *http.Client, url string, events *atomic.Int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "event: ledger") {
			events.Add(1)
		}
	}
}

package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mkravets/ledgerd/internal/domain"
	"github.com/mkravets/ledgerd/internal/infra/observability"
	"github.com/mkravets/ledgerd/internal/infra/resilience"
	"github.com/mkravets/ledgerd/internal/port"
)

var tracer = otel.Tracer("infra/currency")

// ratesResponse is the wire shape of the rate endpoint.
type ratesResponse struct {
	Base  string            `json:"base"`
	Rates map[string]string `json:"rates"`
}

// RateClient fetches rate tables from the external rates API. It is the
// only component here allowed to do network I/O.
type RateClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	bulkhead   *resilience.Bulkhead
	metrics    *observability.Metrics
	logger     *zap.Logger
	group      singleflight.Group
}

// NewRateClient creates an HTTP rate source for the given API base URL.
func NewRateClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *RateClient {
	return &RateClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics:    metrics,
		logger:     logger,
	}
}

// FetchRates fetches the rate table for a base currency with retry, circuit
// breaker, and tracing. Concurrent callers share a single in-flight fetch.
func (c *RateClient) FetchRates(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	ctx, span := tracer.Start(ctx, "RateClient.FetchRates")
	defer span.End()
	span.SetAttributes(attribute.String("currency.base", base))

	v, err, _ := c.group.Do("rates:"+base, func() (any, error) {
		if err := c.bulkhead.Acquire(ctx); err != nil {
			return nil, err
		}
		defer c.bulkhead.Release()

		var parsed ratesResponse
		err := resilience.Do(ctx, c.cb, c.cfg, func() error {
			url := fmt.Sprintf("%s/v1/rates?base=%s", c.baseURL, base)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("rates API returned status %d", resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&parsed)
		})
		if err != nil {
			return nil, err
		}

		rates := make(map[string]decimal.Decimal, len(parsed.Rates))
		for cur, raw := range parsed.Rates {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				c.logger.Warn("skipping malformed rate",
					zap.String("currency", cur),
					zap.String("raw", raw),
				)
				continue
			}
			rates[cur] = d
		}
		return rates, nil
	})
	if err != nil {
		c.metrics.IncrExternalError("rates")
		return nil, &domain.ErrExternalService{Service: "rates", Err: err}
	}
	return v.(map[string]decimal.Decimal), nil
}

// Refresher periodically pulls a fresh rate table from a source into a
// Store. The source stays behind an interface so tests can substitute it.
type Refresher struct {
	source port.RateSource
	store  *Store
	logger *zap.Logger
}

// NewRefresher creates a rate refresher writing into store.
func NewRefresher(source port.RateSource, store *Store, logger *zap.Logger) *Refresher {
	return &Refresher{
		source: source,
		store:  store,
		logger: logger,
	}
}

// Refresh fetches and installs a fresh table for the store's base currency.
func (r *Refresher) Refresh(ctx context.Context) error {
	rates, err := r.source.FetchRates(ctx, r.store.base)
	if err != nil {
		return err
	}
	r.store.SetRates(rates)
	r.logger.Debug("currency rates refreshed",
		zap.Int("rates", len(rates)),
	)
	return nil
}

// Run refreshes immediately and then on the given interval until the
// context is cancelled. Failures are logged and retried next tick; the
// conversion path keeps serving the last good table.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("initial rate refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("rate refresh failed", zap.Error(err))
			}
		}
	}
}

package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"coinflow/config"
	"coinflow/logger"
	"coinflow/models"

	"golang.org/x/time/rate"
)

const limiterBurst = 3

// ErrStreamConsumed is reported when a record stream is ranged a second time.
var ErrStreamConsumed = errors.New("record stream already consumed")

// ExtractionError reports a failed fetch of one resource.
type ExtractionError struct {
	Resource models.Resource
	Cause    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Resource, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// StatusError is the cause of an ExtractionError for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client reads the market, trending and global endpoints of the CoinGecko
// public API.
type Client struct {
	cfg        config.CoingeckoConfig
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
	now        func() time.Time
}

// NewClient builds a client from the source section of cfg. A non-positive
// requests_per_minute disables client side rate limiting.
func NewClient(cfg *config.Config) *Client {
	src := cfg.Source.Coingecko

	transport := &http.Transport{
		MaxIdleConns:    src.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost: src.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout: src.ConnectionPool.IdleConnTimeout,
	}
	httpClient := &http.Client{
		Transport: headerTransport{
			agent:  "coinflow/" + cfg.Coinflow.Version,
			apiKey: src.APIKey,
			base:   transport,
		},
		Timeout: src.Timeout,
	}

	limit := rate.Inf
	if src.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(src.RequestsPerMinute))
	}

	return &Client{
		cfg:        src,
		baseURL:    strings.TrimRight(src.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, limiterBurst),
		log:        logger.GetLogger(),
		now:        time.Now,
	}
}

// FetchMarketSnapshot streams the first page of the market listing ordered by
// market cap. Empty currency or non-positive perPage fall back to config.
func (c *Client) FetchMarketSnapshot(ctx context.Context, currency string, perPage int) iter.Seq2[models.MarketSnapshotRecord, error] {
	if currency == "" {
		currency = c.cfg.Currency
	}
	if perPage <= 0 {
		perPage = c.cfg.PerPage
	}
	q := url.Values{}
	q.Set("vs_currency", currency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", "1")
	q.Set("sparkline", "false")
	q.Set("price_change_percentage", "1h,24h,7d,30d")

	return stream(ctx, c, models.ResourceMarket, "coins/markets", q,
		func(dec *json.Decoder, at time.Time, emit func(models.MarketSnapshotRecord) bool) error {
			return decodeArray(dec, func(rec models.MarketSnapshotRecord) bool {
				if rec.ID == "" {
					c.log.WithComponent("coingecko").WithFields(logger.Fields{
						"symbol": rec.Symbol,
					}).Warn("skipping market record without id")
					return true
				}
				rec.ExtractedAt = at
				return emit(rec)
			})
		})
}

type trendingEnvelope struct {
	Item models.TrendingItem `json:"item"`
}

// FetchTrending streams the trending list, ranking items by position.
func (c *Client) FetchTrending(ctx context.Context) iter.Seq2[models.TrendingCoinRecord, error] {
	return stream(ctx, c, models.ResourceTrending, "search/trending", nil,
		func(dec *json.Decoder, at time.Time, emit func(models.TrendingCoinRecord) bool) error {
			return decodeField(dec, "coins", func(dec *json.Decoder) error {
				rank := 0
				return decodeArray(dec, func(env trendingEnvelope) bool {
					rank++
					return emit(models.TrendingCoinRecord{
						TrendingItem: env.Item,
						Rank:         rank,
						ExtractedAt:  at,
					})
				})
			})
		})
}

// FetchGlobalStats returns the single aggregate statistics record.
func (c *Client) FetchGlobalStats(ctx context.Context) (models.GlobalStatsRecord, error) {
	body, at, err := c.get(ctx, models.ResourceGlobal, "global", nil)
	if err != nil {
		return models.GlobalStatsRecord{}, err
	}
	defer body.Close()

	var envelope struct {
		Data *models.GlobalStatsPayload `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return models.GlobalStatsRecord{}, &ExtractionError{Resource: models.ResourceGlobal, Cause: fmt.Errorf("decode response: %w", err)}
	}
	if envelope.Data == nil {
		return models.GlobalStatsRecord{}, &ExtractionError{Resource: models.ResourceGlobal, Cause: errors.New("response has no data object")}
	}

	c.log.WithComponent("coingecko").WithFields(logger.Fields{
		"resource":                models.ResourceGlobal,
		"active_cryptocurrencies": envelope.Data.ActiveCryptocurrencies,
	}).Debug("global stats fetched")
	return models.NewGlobalStatsRecord(*envelope.Data, at), nil
}

// get issues one GET and returns the open body of a 2xx response together
// with the extraction instant shared by every record decoded from it.
func (c *Client) get(ctx context.Context, resource models.Resource, path string, query url.Values) (io.ReadCloser, time.Time, error) {
	fail := func(err error) (io.ReadCloser, time.Time, error) {
		return nil, time.Time{}, &ExtractionError{Resource: resource, Cause: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fail(fmt.Errorf("rate limiter: %w", err))
	}

	endpoint := c.baseURL + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fail(fmt.Errorf("build request: %w", err))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return fail(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))})
	}

	logger.LogPerformanceEntry(c.log.WithFields(logger.Fields{"resource": resource}), "coingecko", "http_get", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})
	return resp.Body, c.now().UTC(), nil
}

// stream wraps a response decoder as a lazy, single-use record sequence. The
// request is issued on the first range; a failed request yields one error and
// no records.
func stream[T any](ctx context.Context, c *Client, resource models.Resource, path string, query url.Values,
	decode func(dec *json.Decoder, at time.Time, emit func(T) bool) error) iter.Seq2[T, error] {
	var used atomic.Bool
	return func(yield func(T, error) bool) {
		var zero T
		if used.Swap(true) {
			yield(zero, &ExtractionError{Resource: resource, Cause: ErrStreamConsumed})
			return
		}

		body, at, err := c.get(ctx, resource, path, query)
		if err != nil {
			yield(zero, err)
			return
		}
		defer body.Close()

		count := 0
		stopped := false
		err = decode(json.NewDecoder(body), at, func(rec T) bool {
			count++
			if !yield(rec, nil) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
		if err != nil {
			yield(zero, &ExtractionError{Resource: resource, Cause: fmt.Errorf("decode response after %d records: %w", count, err)})
			return
		}
		logger.LogDataFlowEntry(c.log.WithComponent("coingecko"), "coingecko", string(resource), count, "records")
	}
}

// decodeArray decodes a JSON array element by element, stopping early when
// emit returns false.
func decodeArray[T any](dec *json.Decoder, emit func(T) bool) error {
	if err := expectDelim(dec, '['); err != nil {
		return err
	}
	for dec.More() {
		var v T
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if !emit(v) {
			return nil
		}
	}
	_, err := dec.Token()
	return err
}

// decodeField walks a JSON object and hands the value of key to fn. Other
// members are skipped and an object without key decodes to nothing.
func decodeField(dec *json.Decoder, key string, fn func(dec *json.Decoder) error) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		if name == key {
			return fn(dec)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
	_, err := dec.Token()
	return err
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// Records adapts already materialised records to the stream shape the loader
// consumes.
func Records[T any](recs ...T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

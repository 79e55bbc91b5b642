package oaipmh

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/dhxiv/pkg/fn"
	"github.com/WessleyAI/dhxiv/pkg/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single page request.
	DefaultTimeout = 60 * time.Second
	// DefaultRetryAfter is used when a 503 carries no usable Retry-After.
	DefaultRetryAfter = 20 * time.Second
	// DefaultUserAgent identifies the harvester to the repository.
	DefaultUserAgent = "dhxiv/1.0 (OAI-PMH harvester)"
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	// RequestInterval is the minimum spacing between page requests.
	// Zero disables pacing.
	RequestInterval time.Duration
	// MaxRetries is how many times a 503 response is retried. Zero means
	// a 503 ends the harvest.
	MaxRetries        int
	DefaultRetryAfter time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Registry
}

// Client harvests records from one OAI-PMH endpoint.
type Client struct {
	endpoint   string
	http       *http.Client
	userAgent  string
	limiter    *rate.Limiter
	retry      fn.RetryOpts
	retryAfter time.Duration
	log        *slog.Logger

	pages    *metrics.Counter
	pageTime *metrics.Histogram
	listSize *metrics.Gauge
	reg      *metrics.Registry
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = DefaultRetryAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	c := &Client{
		endpoint:   opts.Endpoint,
		http:       hc,
		userAgent:  opts.UserAgent,
		retryAfter: opts.DefaultRetryAfter,
		log:        opts.Logger.With("component", "oaipmh"),
		reg:        opts.Metrics,
		pages:      opts.Metrics.Counter("dhxiv_oai_pages_total", "OAI-PMH pages fetched."),
		pageTime:   opts.Metrics.Histogram("dhxiv_oai_page_duration_seconds", "OAI-PMH page request latency.", nil),
		listSize:   opts.Metrics.Gauge("dhxiv_oai_complete_list_size", "Record count reported by the last resumption token."),
		retry: fn.RetryOpts{
			MaxAttempts: opts.MaxRetries + 1,
			InitialWait: opts.DefaultRetryAfter,
			Retryable:   isUnavailable,
		},
	}
	if opts.RequestInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(opts.RequestInterval), 1)
	}
	return c
}

// Endpoint returns the base URL the client harvests from.
func (c *Client) Endpoint() string { return c.endpoint }

func isUnavailable(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusServiceUnavailable
}

// ListRecords returns a lazy sequence over every record matching p,
// following resumption tokens until the list is complete. A noRecordsMatch
// reply yields an empty sequence. Any other failure is yielded once as the
// final element.
func (c *Client) ListRecords(ctx context.Context, p Params) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		q := p.values()
		for n := 1; ; n++ {
			pg, err := c.fetch(ctx, q)
			if err != nil {
				var oe *OAIError
				if errors.As(err, &oe) && oe.Code == CodeNoRecordsMatch {
					c.log.Info("no records match", "from", p.From, "until", p.Until, "set", p.Set)
					return
				}
				yield(Record{}, fmt.Errorf("oaipmh: page %d: %w", n, err))
				return
			}
			c.log.Debug("fetched page",
				"page", n,
				"records", len(pg.records),
				"cursor", pg.cursor,
				"complete_list_size", pg.size,
			)
			if size, err := strconv.Atoi(pg.size); err == nil {
				c.listSize.Set(int64(size))
			}
			for _, r := range pg.records {
				if !yield(r, nil) {
					return
				}
			}
			if pg.token == "" {
				return
			}
			q = url.Values{"verb": {"ListRecords"}, "resumptionToken": {pg.token}}
		}
	}
}

func (c *Client) fetch(ctx context.Context, q url.Values) (*page, error) {
	return fn.Retry(ctx, c.retry, func(ctx context.Context) fn.Result[*page] {
		pg, err := c.get(ctx, q)
		if err != nil && isUnavailable(err) {
			c.log.Warn("repository unavailable", "error", err)
		}
		return fn.FromPair(pg, err)
	}).Unwrap()
}

func (c *Client) get(ctx context.Context, q url.Values) (*page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.endpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("oaipmh: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oaipmh: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.reg.Counter(metrics.WithLabels("dhxiv_oai_http_errors_total", "status", strconv.Itoa(resp.StatusCode)),
			"Non-200 OAI-PMH responses.").Inc()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        u,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now(), c.retryAfter),
		}
	}

	pg, err := parsePage(resp.Body)
	c.pageTime.Since(start)
	if err != nil {
		return nil, err
	}
	c.pages.Inc()
	return pg, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/INLOpen/discover/compressors"
	"github.com/INLOpen/discover/core"
	"github.com/cristalhq/hedgedhttp"
)

// maxErrorBodySize bounds how much of a failed response is kept in a StatusError.
const maxErrorBodySize = 4096

// HTTPOptions configure an HTTPClient. Only URL is required.
type HTTPOptions struct {
	URL     string
	Timeout time.Duration
	// Compression names the codec applied to request bodies and accepted
	// for responses: none, snappy, lz4 or zstd.
	Compression string
	// HedgeAt and HedgeUpTo enable hedged requests: when a request has not
	// completed after HedgeAt another one is sent, up to HedgeUpTo in flight.
	HedgeAt   time.Duration
	HedgeUpTo int
	// Transport is the base round tripper. http.DefaultTransport when nil.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// HTTPClient is a Querier speaking the legacy JSON query body of the
// analytical backend: POST {url}/{dataset}/query.
type HTTPClient struct {
	baseURL    *url.URL
	client     *http.Client
	compressor core.Compressor
	hedgeStats *hedgedhttp.Stats
	logger     *slog.Logger
}

var _ Querier = (*HTTPClient)(nil)

// NewHTTPClient creates a new backend client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if opts.URL == "" {
		return nil, errors.New("backend url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", opts.URL, err)
	}
	compressor, err := compressors.ForName(opts.Compression)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	c := &HTTPClient{
		baseURL:    base,
		compressor: compressor,
		logger:     logger.With("component", "BackendHTTPClient"),
	}
	if opts.HedgeAt > 0 && opts.HedgeUpTo > 1 {
		hedged, stats, err := hedgedhttp.NewRoundTripperAndStats(opts.HedgeAt, opts.HedgeUpTo, rewindBody{next: transport})
		if err != nil {
			return nil, fmt.Errorf("failed to create hedged transport: %w", err)
		}
		transport = hedged
		c.hedgeStats = stats
	}
	c.client = &http.Client{Transport: transport, Timeout: opts.Timeout}
	return c, nil
}

// rewindBody gives every attempt of a hedged request its own copy of the
// body; the attempts share the original request otherwise.
type rewindBody struct {
	next http.RoundTripper
}

func (t rewindBody) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.GetBody == nil {
		return t.next.RoundTrip(req)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	attempt := req.Clone(req.Context())
	attempt.Body = body
	return t.next.RoundTrip(attempt)
}

// legacyBody is the JSON request body of the backend's query endpoint.
type legacyBody struct {
	Dataset         string              `json:"dataset"`
	From            string              `json:"from_date,omitempty"`
	To              string              `json:"to_date,omitempty"`
	FilterKeys      map[string][]uint64 `json:"filter_keys,omitempty"`
	SelectedColumns []core.Expr         `json:"selected_columns,omitempty"`
	Aggregations    []core.Aggregation  `json:"aggregations,omitempty"`
	Conditions      []core.Clause       `json:"conditions,omitempty"`
	Having          []core.Clause       `json:"having,omitempty"`
	GroupBy         []string            `json:"groupby,omitempty"`
	OrderBy         []string            `json:"orderby,omitempty"`
	Limit           int                 `json:"limit,omitempty"`
	Offset          int                 `json:"offset,omitempty"`
	LimitBy         []any               `json:"limitby,omitempty"`
	Granularity     int                 `json:"granularity,omitempty"`
	Sample          float64             `json:"sample,omitempty"`
	Turbo           bool                `json:"turbo,omitempty"`
}

// EncodeQuery renders q as a legacy query body.
func EncodeQuery(q *core.RawQuery) ([]byte, error) {
	body := legacyBody{
		Dataset:         q.Dataset,
		FilterKeys:      q.FilterKeys,
		SelectedColumns: q.SelectedColumns,
		Aggregations:    q.Aggregations,
		Conditions:      q.Conditions,
		Having:          q.Having,
		GroupBy:         q.GroupBy,
		OrderBy:         q.OrderBy,
		Limit:           q.Limit,
		Offset:          q.Offset,
		Granularity:     q.Rollup,
		Sample:          q.Sample,
		Turbo:           q.Turbo,
	}
	if !q.Start.IsZero() {
		body.From = q.Start.UTC().Format(time.RFC3339)
	}
	if !q.End.IsZero() {
		body.To = q.End.UTC().Format(time.RFC3339)
	}
	if q.LimitBy != nil {
		body.LimitBy = []any{q.LimitBy.Count, q.LimitBy.Column}
	}
	return json.Marshal(body)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("backend returned status %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsStatusError checks if an error is, or wraps, a StatusError.
func IsStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}

// RawQuery implements Querier.
func (c *HTTPClient) RawQuery(ctx context.Context, q *core.RawQuery) (*core.RawResult, error) {
	payload, err := EncodeQuery(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	var body bytes.Buffer
	if err := c.compressor.CompressTo(&body, payload); err != nil {
		return nil, fmt.Errorf("failed to compress query: %w", err)
	}

	endpoint := c.baseURL.JoinPath(q.Dataset, "query")
	if q.Referrer != "" {
		endpoint.RawQuery = url.Values{"referrer": {q.Referrer}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.compressor.Type() != core.CompressionNone {
		encoding := c.compressor.Type().String()
		req.Header.Set("Content-Encoding", encoding)
		req.Header.Set("Accept-Encoding", encoding)
	}
	if q.Referrer != "" {
		req.Header.Set("Referer", q.Referrer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	reader, err := c.decode(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, reader)
	}

	var result core.RawResult
	if err := json.NewDecoder(reader).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode backend response: %w", err)
	}
	c.logger.Debug("Backend query completed", "dataset", q.Dataset, "referrer", q.Referrer, "rows", len(result.Data))
	return &result, nil
}

func (c *HTTPClient) decode(encoding string, raw []byte) (io.ReadCloser, error) {
	if encoding == "" {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	decompressor, err := compressors.ForName(encoding)
	if err != nil {
		return nil, fmt.Errorf("unsupported response encoding: %w", err)
	}
	r, err := decompressor.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backend response: %w", err)
	}
	return r, nil
}

func statusError(code int, body io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		return &StatusError{StatusCode: code, Type: payload.Error.Type, Message: payload.Error.Message}
	}
	return &StatusError{StatusCode: code, Message: strings.TrimSpace(string(raw))}
}

// HedgedRoundTrips returns the number of requests made by callers and the
// number actually sent, hedges included. Both are zero without hedging.
func (c *HTTPClient) HedgedRoundTrips() (requested, actual uint64) {
	if c.hedgeStats == nil {
		return 0, 0
	}
	return c.hedgeStats.RequestedRoundTrips(), c.hedgeStats.ActualRoundTrips()
}

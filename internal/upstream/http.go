package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"adsmetrics-proxy/internal/apperr"
	"adsmetrics-proxy/internal/model"
)

// DefaultTimeout bounds one upstream request.
const DefaultTimeout = 30 * time.Second

// HTTPOptions configures HTTPClient.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond paces calls per customer on our side of the wire.
	// Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	Client            *http.Client
	Logger            *zap.Logger
}

// HTTPClient fetches metrics from the advertising API over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	rps      rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Fetcher = (*HTTPClient)(nil)

// NewHTTPClient validates opts and returns a client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	httpClient := opts.Client
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL:    base,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     logger.Named("upstream"),
		now:        time.Now,
		rps:        rate.Limit(opts.RequestsPerSecond),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

func (c *HTTPClient) limiter(customerID string) *rate.Limiter {
	if c.rps <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[customerID]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[customerID] = l
	}
	return l
}

type metricsResponse struct {
	Rows []model.RawEntityCounters `json:"rows"`
}

type errorResponse struct {
	Error struct {
		Status  string `json:"status"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchEntities calls GET {base}/v1/customers/{id}/metrics.
func (c *HTTPClient) FetchEntities(ctx context.Context, req FetchRequest) ([]model.RawEntityCounters, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "invalid fetch request", err)
	}
	if l := c.limiter(req.CustomerID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "wait for upstream pacing", err)
		}
	}

	query := url.Values{}
	query.Set("level", strings.ToLower(string(req.EntityType)))
	query.Set("start", req.Range.Start)
	query.Set("end", req.Range.End)
	if !req.Scope.IsAll() {
		query.Set("scope", req.Scope.String())
	}
	endpoint := fmt.Sprintf("%s/v1/customers/%s/metrics?%s", c.baseURL, url.PathEscape(req.CustomerID), query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("api-key", c.apiKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(req.Credential.AccessToken); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if req.ManagerID != "" {
		httpReq.Header.Set("login-customer-id", req.ManagerID)
	}

	started := c.now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperr.Wrap(apperr.CodeTransient, "upstream request cancelled", ctxErr)
		}
		return nil, apperr.Wrap(apperr.CodeTransient, "upstream request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "read upstream response", err)
	}
	c.logger.Debug("upstream response",
		zap.String("customer_id", req.CustomerID),
		zap.String("entity_type", string(req.EntityType)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", c.now().Sub(started)),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp, body)
	}

	var decoded metricsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, apperr.Wrap(apperr.CodeTransient, "decode upstream response", err)
	}
	rows := decoded.Rows[:0]
	for _, row := range decoded.Rows {
		if row.EntityType == "" {
			row.EntityType = req.EntityType
		}
		row = row.InScope(req.Scope)
		if row.EntityType != req.EntityType || row.EntityID == "" || !req.Range.Contains(row.Date) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// classify maps a non-200 response onto the error taxonomy.
func (c *HTTPClient) classify(resp *http.Response, body []byte) error {
	var decoded errorResponse
	_ = json.Unmarshal(body, &decoded)
	reason := strings.ToUpper(decoded.Error.Reason)
	cause := fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(firstNonEmpty(decoded.Error.Message, string(body))))
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())

	switch {
	case reason == "QUOTA_EXCEEDED" && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden):
		return apperr.QuotaExceeded(retryAfter, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.RateLimited(retryAfter, cause)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Wrap(apperr.CodeAuth, "upstream credential rejected", cause)
	case resp.StatusCode >= 500:
		return apperr.Wrap(apperr.CodeTransient, "upstream unavailable", cause)
	}
	return apperr.Wrap(apperr.CodeUnknown, "unexpected upstream response", cause)
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means no hint.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}


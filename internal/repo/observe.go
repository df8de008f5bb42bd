package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/reliastack/incident-engine/internal/cache"
	"github.com/reliastack/incident-engine/internal/config"
	"github.com/reliastack/incident-engine/internal/utils"
)

// DependencyEdge is a directed dependency between two services as reported
// by the observability backend's service graph.
type DependencyEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	CallRate  float64 `json:"call_rate"`
	ErrorRate float64 `json:"error_rate"`
}

// SLOValue is the measured value of an SLO metric over a window.
type SLOValue struct {
	Service string  `json:"service"`
	Metric  string  `json:"metric"`
	Value   float64 `json:"value"`
}

// ObserveClient talks to the metrics/log/trace backend for the two lookups
// the engine needs at evaluation time: measured SLO metric values and the
// service dependency graph. All calls carry a bounded timeout; callers are
// expected to degrade to partial results when a lookup fails.
type ObserveClient struct {
	baseURL          string
	sloValuePath     string
	serviceGraphPath string
	httpClient       *http.Client
	cache            cache.Provider
	graphTTL         time.Duration
	sloTTL           time.Duration
	log              *slog.Logger
}

// NewObserveClient constructs a client for the configured backend. The
// cache provider may be a NoopProvider; lookups then always go upstream.
func NewObserveClient(cfg config.ObserveClientConfig, cacheCfg config.CacheConfig, provider cache.Provider, log *slog.Logger) *ObserveClient {
	return &ObserveClient{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		sloValuePath:     cfg.SLOValuePath,
		serviceGraphPath: cfg.ServiceGraphPath,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:    provider,
		graphTTL: cacheCfg.ServiceGraphTTL,
		sloTTL:   cacheCfg.SLOValueTTL,
		log:      log,
	}
}

// FetchSLOValue returns the measured value of metric for service over
// [start, end].
func (c *ObserveClient) FetchSLOValue(ctx context.Context, service, metric string, start, end time.Time) (float64, error) {
	const op = "repo.FetchSLOValue"
	if c.baseURL == "" {
		return 0, utils.UpstreamTimeoutError(op, "observe backend not configured", nil)
	}

	key := fmt.Sprintf("slo:%s:%s:%d:%d", service, metric, start.Unix(), end.Unix())
	if raw, err := c.cache.Get(ctx, key); err == nil {
		var cached SLOValue
		if json.Unmarshal(raw, &cached) == nil {
			return cached.Value, nil
		}
	}

	payload := map[string]any{
		"service": service,
		"metric":  metric,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}
	var response SLOValue
	if err := c.postJSON(ctx, c.resolvePath(c.sloValuePath), payload, &response); err != nil {
		return 0, classify(op, "slo value lookup", err)
	}

	if encoded, err := json.Marshal(SLOValue{Service: service, Metric: metric, Value: response.Value}); err == nil {
		if err := c.cache.Set(ctx, key, encoded, c.sloTTL); err != nil {
			c.log.Debug("slo value cache write failed", "error", err)
		}
	}
	return response.Value, nil
}

// FetchServiceGraph returns the dependency edges touching any of the given
// services. Results are cached since the graph changes far slower than
// correlation passes run.
func (c *ObserveClient) FetchServiceGraph(ctx context.Context, services []string) ([]DependencyEdge, error) {
	const op = "repo.FetchServiceGraph"
	if c.baseURL == "" {
		return nil, utils.UpstreamTimeoutError(op, "observe backend not configured", nil)
	}

	sorted := append([]string(nil), services...)
	sort.Strings(sorted)
	key := "svcgraph:" + strings.Join(sorted, ",")

	if raw, err := c.cache.Get(ctx, key); err == nil {
		var cached []DependencyEdge
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	}

	payload := map[string]any{"services": sorted}
	var response struct {
		Edges []DependencyEdge `json:"edges"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.serviceGraphPath), payload, &response); err != nil {
		return nil, classify(op, "service graph lookup", err)
	}

	if encoded, err := json.Marshal(response.Edges); err == nil {
		if err := c.cache.Set(ctx, key, encoded, c.graphTTL); err != nil {
			c.log.Debug("service graph cache write failed", "error", err)
		}
	}
	return response.Edges, nil
}

func (c *ObserveClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *ObserveClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("observe backend returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify maps transport timeouts to the upstream-timeout kind so callers
// can tell "slow collaborator" apart from other failures.
func classify(op, msg string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return utils.UpstreamTimeoutError(op, msg+" timed out", err)
	}
	return utils.UpstreamTimeoutError(op, msg+" failed", err)
}

package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/logfields"
)

const healthRequestTimeout = 10 * time.Second

// HealthGate polls an HTTP endpoint until it reports readiness or the
// attempt budget is exhausted.
// A probe succeeds when the endpoint answers with a 2xx status. If a jq
// filter is configured, the response body must additionally be JSON for
// which the filter yields a truthy value (not null, not false).
type HealthGate struct {
	url          string
	pollInterval time.Duration
	maxAttempts  int
	filter       *gojq.Query
	clt          *http.Client
	logger       *zap.Logger
}

// NewHealthGate returns a HealthGate for url.
// jqFilter may be empty, then only the HTTP status is evaluated.
func NewHealthGate(url string, pollInterval time.Duration, maxAttempts int, jqFilter string) (*HealthGate, error) {
	var filter *gojq.Query

	if jqFilter != "" {
		var err error

		filter, err = gojq.Parse(jqFilter)
		if err != nil {
			return nil, fmt.Errorf("parsing health jq filter: %w", err)
		}
	}

	return &HealthGate{
		url:          url,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		filter:       filter,
		clt:          &http.Client{Timeout: healthRequestTimeout},
		logger:       zap.L().Named("healthgate"),
	}, nil
}

// Wait blocks until a probe succeeds.
// It returns an error when maxAttempts probes failed or ctx was
// cancelled.
func (h *HealthGate) Wait(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		lastErr = h.probe(ctx)
		if lastErr == nil {
			h.logger.Debug(
				"health probe succeeded",
				logfields.Event("health_probe_succeeded"),
				zap.Int("attempt", attempt),
			)

			return nil
		}

		h.logger.Debug(
			"health probe failed",
			logfields.Event("health_probe_failed"),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt == h.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.pollInterval):
		}
	}

	return fmt.Errorf("instance did not become healthy after %d probes: %w",
		h.maxAttempts, lastErr)
}

func (h *HealthGate) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}

	resp, err := h.clt.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	if h.filter == nil {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading health response: %w", err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("health response is not valid json: %w", err)
	}

	iter := h.filter.RunWithContext(ctx, doc)

	v, ok := iter.Next()
	if !ok {
		return fmt.Errorf("health jq filter produced no result")
	}

	if err, isErr := v.(error); isErr {
		return fmt.Errorf("health jq filter failed: %w", err)
	}

	if v == nil || v == false {
		return fmt.Errorf("health jq filter evaluated to %v", v)
	}

	return nil
}

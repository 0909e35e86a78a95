package depsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/forksyncd/internal/fserr"
	"github.com/simplesurance/forksyncd/internal/logfields"
)

const indexLoggerName = "package_index"

const indexHTTPTimeout = 30 * time.Second

// ErrUnknownPackage is returned when the index does not know a declared
// dependency at all.
var ErrUnknownPackage = errors.New("package not found in index")

// PackageIndex lists the published versions of a package.
type PackageIndex interface {
	Versions(ctx context.Context, name string) ([]Version, error)
}

// HTTPIndex queries a PyPI-style JSON API.
// Transient failures are returned as fserr.RetryableError.
type HTTPIndex struct {
	baseURL string
	clt     *http.Client
	logger  *zap.Logger
}

func NewHTTPIndex(baseURL string) *HTTPIndex {
	return &HTTPIndex{
		baseURL: baseURL,
		clt:     &http.Client{Timeout: indexHTTPTimeout},
		logger:  zap.L().Named(indexLoggerName),
	}
}

func (i *HTTPIndex) Versions(ctx context.Context, name string) ([]Version, error) {
	reqURL := fmt.Sprintf("%s/%s/json", i.baseURL, url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := i.clt.Do(req)
	if err != nil {
		return nil, fserr.NewRetryableAnytimeError(
			fmt.Errorf("querying package index failed: %w", err),
		)
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, name)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fserr.NewRetryableAnytimeError(
			fmt.Errorf("package index returned status %d for %s", resp.StatusCode, name),
		)

	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("package index returned status %d for %s", resp.StatusCode, name)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fserr.NewRetryableAnytimeError(err)
	}

	var payload struct {
		Releases map[string]json.RawMessage `json:"releases"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing package index response for %s failed: %w", name, err)
	}

	result := make([]Version, 0, len(payload.Releases))
	for versionStr := range payload.Releases {
		version, err := ParseVersion(versionStr)
		if err != nil {
			// pre-releases and other non-release versions are not
			// candidates for pinning
			i.logger.Debug(
				"skipping unparsable version",
				logfields.Event("index_version_skipped"),
				zap.String("package", name),
				zap.String("version", versionStr),
			)

			continue
		}

		result = append(result, *version)
	}

	return result, nil
}

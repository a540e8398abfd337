package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"aksjeimport/internal"
	"aksjeimport/internal/config"
)

const maxAttempts = 5

// Client bulk-inserts shareholder batches through a PostgREST endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
	backoff    time.Duration
	log        logrus.FieldLogger
}

type remoteRow struct {
	ImportID string `json:"import_id"`
	LineNo   int    `json:"line_no"`
	internal.ShareholderRecord
}

func NewClient(cfg config.Config, log logrus.FieldLogger) (*Client, error) {
	base := strings.TrimSpace(cfg.RemoteRESTURL)
	if base == "" {
		return nil, errors.New("missing REMOTE_REST_URL")
	}
	if strings.TrimSpace(cfg.RemoteAPIKey) == "" {
		return nil, errors.New("missing REMOTE_API_KEY")
	}
	table := strings.Trim(strings.TrimSpace(cfg.RemoteTable), "/")
	if table == "" {
		table = "shareholders"
	}
	endpoint, err := url.JoinPath(base, table)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.RemoteTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     cfg.RemoteAPIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(cfg.RemoteRateLimitRPS),
		backoff:    250 * time.Millisecond,
		log:        log.WithField("component", "remote"),
	}, nil
}

func (c *Client) Name() string { return "remote" }

// WriteBatch posts the batch as one JSON array. firstLine is the source row
// number of batch[0].
func (c *Client) WriteBatch(ctx context.Context, importID string, firstLine int, batch []internal.ShareholderRecord) error {
	rows := make([]remoteRow, len(batch))
	for i, rec := range batch {
		rows[i] = remoteRow{ImportID: importID, LineNo: firstLine + i, ShareholderRecord: rec}
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return c.post(ctx, body)
}

func (c *Client) post(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=minimal")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if attempt < maxAttempts {
				backoff := c.retryDelay(attempt)
				c.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "backoff": backoff}).Warn("remote insert retry")
				if err := sleepCtx(ctx, backoff); err != nil {
					return err
				}
			}
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
			backoff := c.retryDelay(attempt)
			c.log.WithFields(logrus.Fields{"status": resp.StatusCode, "attempt": attempt, "backoff": backoff}).Warn("remote insert retry")
			lastErr = fmt.Errorf("remote status %d", resp.StatusCode)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("remote api error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	if lastErr == nil {
		lastErr = errors.New("remote request failed")
	}
	return lastErr
}

func (c *Client) retryDelay(attempt int) time.Duration {
	return c.backoff*time.Duration(1<<(attempt-1)) + time.Duration(rand.Intn(100))*time.Millisecond
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Package remote is a typed client for the shared store's PostgREST
// surface. All writes are idempotent under their conflict keys so a cycle
// interrupted mid-flight can safely repeat them.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/pkg/logger"
)

const (
	// PageSize is the Range window used by paginated selects.
	PageSize = 1000
	// upsertBatchSize bounds a single POST so one oversized payload cannot
	// stall the whole push pass.
	upsertBatchSize = 500
)

type Client struct {
	baseURL string
	key     string
	http    *http.Client
	log     logger.ZapLogger
}

func NewClient(baseURL, key string, timeout time.Duration, log logger.ZapLogger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: trimSlash(baseURL),
		key:     key,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Eq builds a PostgREST equality filter set.
func Eq(filters map[string]string) url.Values {
	params := url.Values{}
	for field, value := range filters {
		params.Set(field, "eq."+value)
	}
	return params
}

// SelectAll fetches every row matching params, transparently paginating
// with Range headers until a short page is returned. On a failed page it
// returns the rows gathered so far together with the error, so callers can
// distinguish a partial result from a complete one — rows are never
// silently dropped.
func SelectAll[T any](ctx context.Context, c *Client, table string, params url.Values) ([]T, error) {
	var out []T
	offset := 0
	for {
		req, err := c.newRequest(ctx, http.MethodGet, table, params, nil)
		if err != nil {
			return out, err
		}
		req.Header.Set("Range", fmt.Sprintf("%d-%d", offset, offset+PageSize-1))

		body, err := c.do(req)
		if err != nil {
			return out, fmt.Errorf("select %s page at offset %d: %w", table, offset, err)
		}

		var page []T
		if err := json.Unmarshal(body, &page); err != nil {
			return out, fmt.Errorf("decode %s page at offset %d: %w", table, offset, err)
		}
		out = append(out, page...)
		if len(page) < PageSize {
			return out, nil
		}
		offset += PageSize
	}
}

// Upsert posts rows with merge-duplicates semantics under the given
// conflict key, in batches. A failed batch degrades to one-row-at-a-time
// submission so a single malformed row cannot block the rest; per-row
// failures are logged and counted, not fatal. Returns the number of rows
// applied.
func (c *Client) Upsert(ctx context.Context, table string, rows []any, onConflict string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	params := url.Values{}
	params.Set("on_conflict", onConflict)

	applied := 0
	var errs []error
	for start := 0; start < len(rows); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(rows))
		batch := rows[start:end]

		if err := c.upsertOnce(ctx, table, params, batch); err == nil {
			applied += len(batch)
			continue
		} else {
			c.log.Warn("batch upsert failed, retrying one row at a time",
				zap.String("table", table),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
		}

		for _, row := range batch {
			if err := c.upsertOnce(ctx, table, params, []any{row}); err != nil {
				c.log.Error("row upsert failed", zap.String("table", table), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

func (c *Client) upsertOnce(ctx context.Context, table string, params url.Values, rows []any) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode %s upsert: %w", table, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, table, params, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	_, err = c.do(req)
	return err
}

// Patch partially updates every row matching the equality filters.
func (c *Client) Patch(ctx context.Context, table string, fields map[string]any, filters map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s patch: %w", table, err)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, table, Eq(filters), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("patch %s: %w", table, err)
	}
	return nil
}

// Insert adds a single row.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode %s insert: %w", table, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, table, nil, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// Delete removes every row matching the equality filters. Used only for
// tombstone cleanup; real deletions propagate as tombstones.
func (c *Client) Delete(ctx context.Context, table string, filters map[string]string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, table, Eq(filters), nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, table string, params url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + "/rest/v1/" + table
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, table, err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("remote store returned %d: %s", res.StatusCode, string(body))
	}
	return body, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

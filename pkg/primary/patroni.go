package primary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// patroniClient switches the Patroni-managed Postgres cluster backing DNS
// aggregation to this node.
type patroniClient interface {
	Switchover(ctx context.Context, candidate string) error
}

// httpPatroniClient talks to Patroni's REST API (the only control surface
// Patroni exposes; no Go client library for it exists in the pack).
type httpPatroniClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPPatroniClient(baseURL string) *httpPatroniClient {
	return &httpPatroniClient{baseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// Switchover POSTs /switchover naming candidate as the new leader. Patroni
// returns 200 on success and 412 if the requested candidate is already
// leader; both are treated as success, tolerating an already
// leader" instruction.
func (c *httpPatroniClient) Switchover(ctx context.Context, candidate string) error {
	body, _ := json.Marshal(map[string]string{"candidate": candidate})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/switchover", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("patroni switchover request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	return fmt.Errorf("patroni switchover: unexpected status %d", resp.StatusCode)
}

// switchDatabaseLeader retries the switchover up to 5 times
// step 4), tolerating transient failures between attempts.
func (c *Controller) switchDatabaseLeader(ctx context.Context) error {
	if c.patroni == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		if err := c.patroni.Switchover(ctx, c.cfg.NodeName); err == nil {
			return nil
		} else if isAlreadyLeader(err) {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-time.After(time.Second * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("switch database leader after 5 attempts: %w", lastErr)
}

func isAlreadyLeader(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already leader")
}

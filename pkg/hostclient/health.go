package hostclient

import (
	"context"
	"net/http"
	"time"
)

// Health checks the service's health endpoint, caching a positive or
// negative result for cfg.HealthCheckTTL so a burst of callers (e.g. every
// worker-registry tick) doesn't hammer a downstream health endpoint.
// HealthCheckTTL of zero disables caching.
func (c *Client) Health(ctx context.Context) (bool, error) {
	c.healthMu.Lock()
	if c.cfg.HealthCheckTTL > 0 && time.Since(c.lastHealthCheck) < c.cfg.HealthCheckTTL {
		healthy := c.lastHealthy
		c.healthMu.Unlock()
		return healthy, nil
	}
	c.healthMu.Unlock()

	httpClient, _, err := c.acquiredState()
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false, err
	}

	resp, err := httpClient.Do(req)
	healthy := err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp != nil {
		resp.Body.Close()
	}

	c.healthMu.Lock()
	c.lastHealthCheck = time.Now()
	c.lastHealthy = healthy
	c.healthMu.Unlock()

	return healthy, nil
}

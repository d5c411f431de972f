package platform

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for registry calls. The registry
// contract is a single synchronous attempt; retries stay at zero unless
// configuration raises them.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns the backoff shape used when retries are
// enabled; MaxRetries itself comes from configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      0,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// RetryableHTTPClient wraps an HTTP client with bounded retries.
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
}

// NewRetryableHTTPClient creates an HTTP client retrying up to maxRetries
// times with exponential backoff.
func NewRetryableHTTPClient(timeout time.Duration, maxRetries int) *RetryableHTTPClient {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	return &RetryableHTTPClient{
		client:      &http.Client{Timeout: timeout},
		retryConfig: cfg,
	}
}

// Do executes the request, retrying transport failures and retryable
// status codes. Request bodies are rebuilt between attempts via GetBody.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		attemptReq := req
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq = req.Clone(req.Context())
			attemptReq.Body = body
		}

		resp, err := c.client.Do(attemptReq)
		if err != nil {
			lastErr = err
			if attempt < c.retryConfig.MaxRetries {
				delay := c.calculateDelay(attempt)
				log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Int("max_retries", c.retryConfig.MaxRetries).
					Dur("delay", delay).
					Str("url", req.URL.String()).
					Msg("registry request failed, retrying")
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		if c.shouldRetry(resp.StatusCode) && attempt < c.retryConfig.MaxRetries {
			resp.Body.Close()
			delay := c.calculateDelay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("max_retries", c.retryConfig.MaxRetries).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("registry returned retryable status, retrying")
			time.Sleep(delay)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func (c *RetryableHTTPClient) shouldRetry(statusCode int) bool {
	for _, code := range c.retryConfig.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// calculateDelay applies exponential backoff with ±25% jitter, capped at
// MaxDelay.
func (c *RetryableHTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.InitialDelay) * math.Pow(c.retryConfig.BackoffFactor, float64(attempt))
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter
	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}
	return time.Duration(delay)
}

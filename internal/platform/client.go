package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratus-run/stratus/pkg/api"
)

// Client talks to a stratus registry over its v1 HTTP API. Every call is
// a single synchronous request/response exchange unless the underlying
// HTTPDoer was built with retries.
type Client struct {
	BaseURL string
	Token   string
	HTTP    HTTPDoer
}

// HTTPDoer is satisfied by *http.Client and by RetryableHTTPClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New returns a client performing one attempt per call with the given
// request timeout. Zero timeout means 30s.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CreateSoftwareEnvironment registers (or redefines) a named software
// environment. The name is validated locally before any request is made.
func (c *Client) CreateSoftwareEnvironment(ctx context.Context, spec api.EnvironmentSpec) (*api.RegistrationResult, error) {
	if err := ValidateEnvironment(spec); err != nil {
		return nil, err
	}
	var out api.RegistrationResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/software-environments", spec, &out); err != nil {
		return nil, err
	}
	log.Debug().Str("name", out.Name).Int64("revision", out.Revision).Msg("software environment registered")
	return &out, nil
}

// CreateJobConfiguration registers (or redefines) a named job
// configuration referencing a software environment by name. The registry
// validates the reference; only shape is checked locally.
func (c *Client) CreateJobConfiguration(ctx context.Context, spec api.JobSpec, files []api.FilePayload) (*api.RegistrationResult, error) {
	if err := ValidateJob(spec); err != nil {
		return nil, err
	}
	var out api.RegistrationResult
	req := api.CreateJobRequest{Job: spec, Files: files}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/job-configurations", req, &out); err != nil {
		return nil, err
	}
	log.Debug().Str("name", out.Name).Str("software", spec.Software).Msg("job configuration registered")
	return &out, nil
}

func (c *Client) ListSoftwareEnvironments(ctx context.Context) ([]api.EnvironmentRecord, error) {
	var out api.EnvironmentListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/software-environments", nil, &out); err != nil {
		return nil, err
	}
	return out.Environments, nil
}

func (c *Client) ListJobConfigurations(ctx context.Context) ([]api.JobRecord, error) {
	var out api.JobListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/job-configurations", nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) GetSoftwareEnvironment(ctx context.Context, name string) (*api.EnvironmentRecord, error) {
	var out api.EnvironmentRecord
	if err := c.doJSON(ctx, http.MethodGet, "/v1/software-environments/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSoftwareEnvironment(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/software-environments/"+url.PathEscape(name), nil, nil)
}

func (c *Client) DeleteJobConfiguration(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/job-configurations/"+url.PathEscape(name), nil, nil)
}

// Heartbeat pings the registry.
func (c *Client) Heartbeat(ctx context.Context) (*api.HeartbeatResponse, error) {
	var out api.HeartbeatResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/heartbeat", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateEnvironment checks spec shape locally. A usable environment
// needs a container image or conda dependencies; the registry owns the
// rest of the policy.
func ValidateEnvironment(spec api.EnvironmentSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return &ValidationError{Field: "name", Message: "environment name is required"}
	}
	return nil
}

// ValidateJob checks spec shape locally.
func ValidateJob(spec api.JobSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return &ValidationError{Field: "name", Message: "job name is required"}
	}
	if strings.TrimSpace(spec.Software) == "" {
		return &ValidationError{Field: "software", Message: "software environment reference is required"}
	}
	if len(spec.Command) == 0 {
		return &ValidationError{Field: "command", Message: "command must not be empty"}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var req *http.Request
	var err error
	u := c.BaseURL + path
	if body != nil {
		buf, e := json.Marshal(body)
		if e != nil {
			return e
		}
		req, err = http.NewRequestWithContext(ctx, method, u, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return err
		}
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		errBody, _ := io.ReadAll(resp.Body)
		return &TransportError{Op: method + " " + path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))}
	}
	if resp.StatusCode >= 300 {
		var er api.ErrorResponse
		reason := ""
		errBody, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(errBody, &er) == nil && er.Error != "" {
			reason = er.Error
		} else {
			reason = strings.TrimSpace(string(errBody))
		}
		return &RejectionError{Status: resp.StatusCode, Reason: reason}
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
	return nil
}

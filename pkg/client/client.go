package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/risehq/rise/pkg/types"
)

// DefaultTimeout bounds a single API call. Log streaming uses its own
// client without a timeout.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the Rise HTTP API. The token is a UI/CLI bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		stream:  &http.Client{},
	}
}

// CreateDeploymentRequest registers a new deployment.
type CreateDeploymentRequest struct {
	Project     string `json:"project"`
	Image       string `json:"image,omitempty"`
	ImageDigest string `json:"image_digest,omitempty"`
	Group       string `json:"group,omitempty"`
	HTTPPort    int    `json:"http_port"`
	ExpiresIn   string `json:"expires_in,omitempty"`
}

// CreatedDeployment is the server's answer to a create: the row id for
// status reports, the tag to push, and credentials to push with.
type CreatedDeployment struct {
	ID                  uuid.UUID                  `json:"id"`
	DeploymentID        string                     `json:"deployment_id"`
	ImageTag            string                     `json:"image_tag"`
	RegistryCredentials *types.RegistryCredentials `json:"registry_credentials"`
}

// StopResult reports which deployments a stop call affected.
type StopResult struct {
	Stopped       int      `json:"stopped"`
	DeploymentIDs []string `json:"deployment_ids"`
}

// IngressToken is an RS256 token for one project's URL.
type IngressToken struct {
	Token    string `json:"token"`
	Audience string `json:"audience"`
}

// LogOptions filter the log stream.
type LogOptions struct {
	Follow     bool
	Timestamps bool
	TailLines  int64
	SinceSecs  int64
}

// CreateDeployment registers a deployment. Pre-built images (Image or
// ImageDigest set) skip the build pipeline.
func (c *Client) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (*CreatedDeployment, error) {
	var out CreatedDeployment
	if err := c.do(ctx, http.MethodPost, "/deployments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus reports build progress for a deployment by row id. Only the
// client-settable statuses are accepted.
func (c *Client) UpdateStatus(ctx context.Context, id uuid.UUID, status types.DeploymentStatus, errorMessage string) (*types.Deployment, error) {
	body := map[string]string{"status": string(status)}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}
	var out types.Deployment
	if err := c.do(ctx, http.MethodPatch, "/deployments/"+id.String()+"/status", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeployments lists a project's deployments, optionally one group's.
func (c *Client) ListDeployments(ctx context.Context, project, group string) ([]*types.Deployment, error) {
	path := "/projects/" + url.PathEscape(project) + "/deployments"
	if group != "" {
		path += "?group=" + url.QueryEscape(group)
	}
	var out struct {
		Deployments []*types.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// GetDeployment fetches one deployment by CLI name or row id.
func (c *Client) GetDeployment(ctx context.Context, project, deployment string) (*types.Deployment, error) {
	var out types.Deployment
	if err := c.do(ctx, http.MethodGet, deploymentPath(project, deployment), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rollback creates a new deployment running the referenced deployment's
// image.
func (c *Client) Rollback(ctx context.Context, project, deployment string) (*types.Deployment, error) {
	var out types.Deployment
	if err := c.do(ctx, http.MethodPost, deploymentPath(project, deployment)+"/rollback", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopGroup stops every running or in-flight deployment in the group.
func (c *Client) StopGroup(ctx context.Context, project, group string) (*StopResult, error) {
	path := "/projects/" + url.PathEscape(project) + "/deployments/stop"
	if group != "" {
		path += "?group=" + url.QueryEscape(group)
	}
	var out StopResult
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngressToken exchanges the UI token for an RS256 token apps behind the
// ingress accept.
func (c *Client) IngressToken(ctx context.Context, project, group string) (*IngressToken, error) {
	path := "/auth/ingress?project=" + url.QueryEscape(project)
	if group != "" {
		path += "&group=" + url.QueryEscape(group)
	}
	var out IngressToken
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs opens the deployment's log stream. The caller closes it.
func (c *Client) Logs(ctx context.Context, project, deployment string, opts LogOptions) (io.ReadCloser, error) {
	q := url.Values{}
	if opts.Follow {
		q.Set("follow", "true")
	}
	if opts.Timestamps {
		q.Set("timestamps", "true")
	}
	if opts.TailLines > 0 {
		q.Set("tail", strconv.FormatInt(opts.TailLines, 10))
	}
	if opts.SinceSecs > 0 {
		q.Set("since", strconv.FormatInt(opts.SinceSecs, 10))
	}
	path := deploymentPath(project, deployment) + "/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

func deploymentPath(project, deployment string) string {
	return "/projects/" + url.PathEscape(project) + "/deployments/" + url.PathEscape(deployment)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
}

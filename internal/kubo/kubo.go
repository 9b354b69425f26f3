// Package kubo talks to a local Kubo (go-ipfs) daemon over its HTTP RPC API and
// reads the daemon's on-disk repository configuration.
package kubo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"

	"github.com/arteranos/loader/internal/version"
)

const (
	apiPrefix = "/api/v0/"

	// Type values of an ls link
	LinkTypeDir  = 1
	LinkTypeFile = 2
)

var ErrEmptyResponse = errors.New("kubo: empty response")

// APIError is the error body the RPC API returns with non-2xx statuses.
type APIError struct {
	Message    string `json:"Message"`
	Code       int    `json:"Code"`
	Type       string `json:"Type"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kubo: %s (status %d)", e.Message, e.StatusCode)
}

// Identity is the subset of `id` the loader cares about.
type Identity struct {
	ID           string   `json:"ID"`
	PublicKey    string   `json:"PublicKey"`
	Addresses    []string `json:"Addresses"`
	AgentVersion string   `json:"AgentVersion"`
}

// Link is one entry of a directory listing.
type Link struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size int64  `json:"Size"`
	Type int    `json:"Type"`
}

// Client is a thin RPC client. It does not retry; callers decide on retry policy.
type Client struct {
	http *req.Client
}

// New returns a client for the daemon API at baseURL, e.g. http://127.0.0.1:5001.
func New(baseURL string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	http := req.C().
		SetBaseURL(baseURL).
		SetUserAgent(version.UserAgent()).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)

	return &Client{http: http}
}

// ForPort returns a client for a daemon listening on the loopback interface.
func ForPort(port int) *Client {
	return New(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// GetConfig fetches the running daemon's configuration. The loader only uses it
// to tell whether the API answers.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.call(ctx, "config/show", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOwnIdentity returns the peer identity of the daemon answering the API.
func (c *Client) GetOwnIdentity(ctx context.Context) (*Identity, error) {
	var out Identity
	if err := c.call(ctx, "id", nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("id: %w", ErrEmptyResponse)
	}
	return &out, nil
}

// ResolveName resolves an /ipns/ or /ipfs/ name to a bare root content id.
func (c *Client) ResolveName(ctx context.Context, name string) (string, error) {
	var out struct {
		Path string `json:"Path"`
	}
	params := map[string]string{"arg": name, "recursive": "true"}
	if err := c.call(ctx, "resolve", params, &out); err != nil {
		return "", fmt.Errorf("resolve %q: %w", name, err)
	}
	if out.Path == "" {
		return "", fmt.Errorf("resolve %q: %w", name, ErrEmptyResponse)
	}
	return strings.TrimPrefix(out.Path, "/ipfs/"), nil
}

// ReadFile streams the bytes stored at path (`<cid>/<sub/path>`). The caller
// closes the returned reader.
func (c *Client) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		SetQueryParam("arg", path).
		Post(apiPrefix + "cat")
	if err != nil {
		return nil, fmt.Errorf("cat %q: %w", path, err)
	}
	if resp.IsErrorState() {
		defer resp.Body.Close()
		return nil, fmt.Errorf("cat %q: %w", path, decodeError(resp))
	}
	return resp.Body, nil
}

// ListDirectory returns the links directly below cid.
func (c *Client) ListDirectory(ctx context.Context, cid string) ([]Link, error) {
	var out struct {
		Objects []struct {
			Hash  string `json:"Hash"`
			Links []Link `json:"Links"`
		} `json:"Objects"`
	}
	if err := c.call(ctx, "ls", map[string]string{"arg": cid}, &out); err != nil {
		return nil, fmt.Errorf("ls %q: %w", cid, err)
	}

	var links []Link
	for _, obj := range out.Objects {
		links = append(links, obj.Links...)
	}
	return links, nil
}

// AddFileHashOnly computes the content id the daemon would assign to the local
// file without storing or announcing it.
func (c *Client) AddFileHashOnly(ctx context.Context, path string) (string, error) {
	var out struct {
		Name string `json:"Name"`
		Hash string `json:"Hash"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"only-hash": "true", "pin": "false", "quieter": "true"}).
		SetFile("file", path).
		SetSuccessResult(&out).
		Post(apiPrefix + "add")
	if err != nil {
		return "", fmt.Errorf("add %q: %w", path, err)
	}
	if resp.IsErrorState() {
		return "", fmt.Errorf("add %q: %w", path, decodeError(resp))
	}
	if out.Hash == "" {
		return "", fmt.Errorf("add %q: %w", path, ErrEmptyResponse)
	}
	return out.Hash, nil
}

func (c *Client) call(ctx context.Context, cmd string, params map[string]string, out any) error {
	r := c.http.R().SetContext(ctx).SetSuccessResult(out)
	if len(params) > 0 {
		r.SetQueryParams(params)
	}

	resp, err := r.Post(apiPrefix + cmd)
	if err != nil {
		return err
	}
	if resp.IsErrorState() {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *req.Response) error {
	apiErr := &APIError{StatusCode: resp.GetStatusCode()}
	body, _ := resp.ToBytes()
	if jerr := json.Unmarshal(body, apiErr); jerr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	slog.Debug("kubo api error", "status", apiErr.StatusCode, "message", apiErr.Message)
	return apiErr
}

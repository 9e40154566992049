package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"pkt.systems/moorage/internal/shipohoy"
)

// apiVersion prefixes every request path. The compat endpoints under it
// speak the Docker Engine wire format.
const apiVersion = "v4.0.0"

type createRequest struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	WorkingDir string            `json:"WorkingDir,omitempty"`
	Labels     map[string]string `json:"Labels"`
	Tty        bool              `json:"Tty"`
	OpenStdin  bool              `json:"OpenStdin"`
	HostConfig *hostConfig       `json:"HostConfig,omitempty"`
}

type hostConfig struct {
	UsernsMode  string   `json:"UsernsMode,omitempty"`
	Memory      int64    `json:"Memory,omitempty"`
	CPUPeriod   int64    `json:"CpuPeriod,omitempty"`
	CPUQuota    int64    `json:"CpuQuota,omitempty"`
	CPUShares   int64    `json:"CpuShares,omitempty"`
	SecurityOpt []string `json:"SecurityOpt,omitempty"`
	CapDrop     []string `json:"CapDrop,omitempty"`
	CapAdd      []string `json:"CapAdd,omitempty"`
}

type createResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

type inspectContainer struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Running  bool   `json:"Running"`
		Status   string `json:"Status"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
}

type execCreateRequest struct {
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Cmd          []string `json:"Cmd"`
	Env          []string `json:"Env,omitempty"`
	WorkingDir   string   `json:"WorkingDir,omitempty"`
	Tty          bool     `json:"Tty"`
}

type execCreateResponse struct {
	ID string `json:"Id"`
}

type execInspect struct {
	Running  bool `json:"Running"`
	ExitCode int  `json:"ExitCode"`
}

type buildResponse struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// apiError is a non-2xx response.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("podman API error (%d): %s", e.StatusCode, e.Message)
}

// client talks to the Podman service over a unix socket or TCP.
type client struct {
	address string
	baseURL *url.URL
	http    *http.Client
}

func newClient(address string) (*client, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("podman address is required")
	}
	baseURL, transport, err := dialTarget(addr)
	if err != nil {
		return nil, err
	}
	return &client{address: addr, baseURL: baseURL, http: &http.Client{Transport: transport}}, nil
}

func dialTarget(addr string) (*url.URL, *http.Transport, error) {
	if socket, ok := strings.CutPrefix(addr, "unix://"); ok {
		if socket == "" {
			return nil, nil, errors.New("podman unix socket path is required")
		}
		dialer := &net.Dialer{}
		return &url.URL{Scheme: "http", Host: "podman"}, &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
		}, nil
	}
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		addr = "http://" + rest
	} else if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("podman address %q: %w", addr, err)
	}
	return u, &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

// do issues a raw request. A transport failure means the service is gone
// and is classified as unavailable; HTTP statuses are left to the caller.
func (c *client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := *c.baseURL
	u.Path = path.Join("/", apiVersion, endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, shipohoy.Unavailable(method+" "+endpoint, err)
	}
	return res, nil
}

// call sends in as JSON (when non-nil) and decodes a 2xx body into out
// (when non-nil). It returns the status code so callers can treat 304 as
// success. Non-2xx responses other than 304 are classified for op and id.
func (c *client) call(ctx context.Context, op, id, method, endpoint string, query url.Values, in, out any) (int, error) {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	res, err := c.do(ctx, method, endpoint, query, body, contentType)
	if err != nil {
		return 0, classify(op, id, err)
	}
	defer func() { _ = res.Body.Close() }()
	switch {
	case res.StatusCode == http.StatusNotModified:
		return res.StatusCode, nil
	case res.StatusCode >= 300:
		return res.StatusCode, classify(op, id, readAPIError(res))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, shipohoy.Failed(op, id, fmt.Errorf("decode response: %w", err))
		}
	}
	return res.StatusCode, nil
}

func (c *client) ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", "", http.MethodGet, "/libpod/_ping", nil, nil, nil)
	return err
}

func readAPIError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = res.Status
	}
	return &apiError{StatusCode: res.StatusCode, Message: msg}
}

// classify maps err for op on id to a shipohoy error. Errors that are
// already classified pass through.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *shipohoy.Error
	if errors.As(err, &rerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return shipohoy.NotFound(op, id, err)
	}
	return shipohoy.Failed(op, id, err)
}

// candidateAddresses returns primary followed by the usual rootless and
// rootful socket locations, without duplicates.
func candidateAddresses(primary string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	add(primary)
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		add("unix://" + path.Join(dir, "podman", "podman.sock"))
	}
	add("unix://" + path.Join("/run", "user", fmt.Sprint(os.Getuid()), "podman", "podman.sock"))
	add("unix:///run/podman/podman.sock")
	return out
}

func imagePath(image string) string {
	return strings.ReplaceAll(url.PathEscape(strings.TrimSpace(image)), "%2F", "/")
}

func containerPath(id string, parts ...string) string {
	return path.Join(append([]string{"/containers", url.PathEscape(id)}, parts...)...)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

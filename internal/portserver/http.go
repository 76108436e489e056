package portserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Default timeouts for wire calls. Health probes use the shorter probe
// timeout so a dead peer is detected quickly.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultProbeTimeout   = 2 * time.Second
)

// OriginHeader carries the advertised address of the node that fanned
// out a propagated route operation. Handlers use it to tell a peer's
// push apart from an operator's request; it is request metadata, never
// persisted.
const OriginHeader = "X-Midimesh-Origin"

type originContextKey struct{}

// WithOrigin returns a context that stamps the origin header onto every
// request issued with it.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originContextKey{}, origin)
}

func contextOrigin(ctx context.Context) string {
	origin, _ := ctx.Value(originContextKey{}).(string)
	return origin
}

// HTTPClient implements Client against a concrete server address over
// the HTTP wire contract. One instance per server address reuses the
// underlying connections.
type HTTPClient struct {
	baseURL func() (string, error)
	http    *http.Client
	probe   *http.Client
}

// NewHTTPClient creates a client for the port server at addr
// ("host:port").
func NewHTTPClient(addr string) *HTTPClient {
	base := "http://" + addr
	return newHTTPClient(func() (string, error) { return base, nil })
}

// NewDynamicClient creates a client whose base URL is resolved on every
// call. Used for the local native server, whose localhost port can
// change across restarts.
func NewDynamicClient(resolve func() (string, error)) *HTTPClient {
	return newHTTPClient(resolve)
}

func newHTTPClient(resolve func() (string, error)) *HTTPClient {
	return &HTTPClient{
		baseURL: resolve,
		http:    &http.Client{Timeout: DefaultRequestTimeout},
		probe:   &http.Client{Timeout: DefaultProbeTimeout},
	}
}

// errorBody is the error envelope returned by port servers.
type errorBody struct {
	Error string `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, client *http.Client, method, path string, body, out any) error {
	base, err := c.baseURL()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if origin := contextOrigin(ctx); origin != "" {
		req.Header.Set(OriginHeader, origin)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Error != "" {
			return fmt.Errorf("%s: %w", eb.Error, ErrNotFound)
		}
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, eb.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Health probes the server for liveness.
func (c *HTTPClient) Health(ctx context.Context) (*HealthStatus, error) {
	var hs HealthStatus
	if err := c.do(ctx, c.probe, http.MethodGet, "/health", nil, &hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// ListPorts enumerates the server's ports, assigning stable type-index
// identifiers to ports the server enumerates only by array position.
func (c *HTTPClient) ListPorts(ctx context.Context) (*PortList, error) {
	var pl PortList
	if err := c.do(ctx, c.http, http.MethodGet, "/ports", nil, &pl); err != nil {
		return nil, err
	}
	for i := range pl.Inputs {
		if pl.Inputs[i].ID == "" {
			pl.Inputs[i].ID = MakePortID(PortTypeInput, pl.Inputs[i].Index)
		}
		if pl.Inputs[i].Type == "" {
			pl.Inputs[i].Type = PortTypeInput
		}
	}
	for i := range pl.Outputs {
		if pl.Outputs[i].ID == "" {
			pl.Outputs[i].ID = MakePortID(PortTypeOutput, pl.Outputs[i].Index)
		}
		if pl.Outputs[i].Type == "" {
			pl.Outputs[i].Type = PortTypeOutput
		}
	}
	return &pl, nil
}

// openPortRequest is the body of POST /port/{id}.
type openPortRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// OpenPort opens a port. "Already open" responses are success.
func (c *HTTPClient) OpenPort(ctx context.Context, portID, name, portType string) error {
	return c.do(ctx, c.http, http.MethodPost, "/port/"+url.PathEscape(portID),
		openPortRequest{Name: name, Type: portType}, nil)
}

// ClosePort closes a port. Callers tolerate ErrNotFound.
func (c *HTTPClient) ClosePort(ctx context.Context, portID string) error {
	return c.do(ctx, c.http, http.MethodDelete, "/port/"+url.PathEscape(portID), nil, nil)
}

// messagesResponse is the body of GET /port/{id}/messages.
type messagesResponse struct {
	Messages [][]byte `json:"messages"`
}

// rawMessages mirrors messagesResponse for servers that encode bytes as
// JSON number arrays rather than base64 strings.
type rawMessages struct {
	Messages [][]int `json:"messages"`
}

// GetMessages drains the port's queued messages.
func (c *HTTPClient) GetMessages(ctx context.Context, portID string) ([][]byte, error) {
	path := "/port/" + url.PathEscape(portID) + "/messages"

	base, err := c.baseURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// MIDI bytes arrive as JSON number arrays on the wire.
	var raw rawMessages
	if err := json.Unmarshal(data, &raw); err == nil {
		out := make([][]byte, 0, len(raw.Messages))
		for _, msg := range raw.Messages {
			b := make([]byte, len(msg))
			for i, v := range msg {
				b[i] = byte(v)
			}
			out = append(out, b)
		}
		return out, nil
	}

	var mr messagesResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return mr.Messages, nil
}

// sendRequest is the body of POST /port/{id}/send.
type sendRequest struct {
	Message []int `json:"message"`
}

// SendMessage writes one raw MIDI message to the port.
func (c *HTTPClient) SendMessage(ctx context.Context, portID string, message []byte) error {
	msg := make([]int, len(message))
	for i, b := range message {
		msg[i] = int(b)
	}
	return c.do(ctx, c.http, http.MethodPost, "/port/"+url.PathEscape(portID)+"/send",
		sendRequest{Message: msg}, nil)
}

// routesResponse is the body of GET /routes.
type routesResponse struct {
	Routes []Route `json:"routes"`
}

// GetRoutes fetches the server's route set.
func (c *HTTPClient) GetRoutes(ctx context.Context) ([]Route, error) {
	var rr routesResponse
	if err := c.do(ctx, c.http, http.MethodGet, "/routes", nil, &rr); err != nil {
		return nil, err
	}
	return rr.Routes, nil
}

// CreateRoute creates a route in the server's routing store.
func (c *HTTPClient) CreateRoute(ctx context.Context, route Route) error {
	return c.do(ctx, c.http, http.MethodPost, "/routes", route, nil)
}

// UpdateRoute replaces a route in the server's routing store.
func (c *HTTPClient) UpdateRoute(ctx context.Context, route Route) error {
	return c.do(ctx, c.http, http.MethodPut, "/routes/"+url.PathEscape(route.ID), route, nil)
}

// DeleteRoute removes a route from the server's routing store.
func (c *HTTPClient) DeleteRoute(ctx context.Context, routeID string) error {
	return c.do(ctx, c.http, http.MethodDelete, "/routes/"+url.PathEscape(routeID), nil, nil)
}

// virtualPortsResponse is the body of GET /virtual-ports.
type virtualPortsResponse struct {
	VirtualPorts []VirtualPortConfig `json:"virtualPorts"`
}

// GetVirtualPorts fetches the server's declared virtual ports.
func (c *HTTPClient) GetVirtualPorts(ctx context.Context) ([]VirtualPortConfig, error) {
	var vr virtualPortsResponse
	if err := c.do(ctx, c.http, http.MethodGet, "/virtual-ports", nil, &vr); err != nil {
		return nil, err
	}
	return vr.VirtualPorts, nil
}

// CreateVirtualPort declares a virtual port on the server.
func (c *HTTPClient) CreateVirtualPort(ctx context.Context, vp VirtualPortConfig) error {
	return c.do(ctx, c.http, http.MethodPost, "/virtual-ports", vp, nil)
}

// DeleteVirtualPort removes a declared virtual port.
func (c *HTTPClient) DeleteVirtualPort(ctx context.Context, id string) error {
	return c.do(ctx, c.http, http.MethodDelete, "/virtual-ports/"+url.PathEscape(id), nil, nil)
}

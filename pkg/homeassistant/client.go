// Package homeassistant is a small REST client for the Home Assistant API.
// It implements tools.ServiceClient so registry bindings with
// service "homeassistant" are executed against a live instance.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-go-golems/glitchcube/pkg/security"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// ServiceName is the binding service name the client is registered under.
const ServiceName = "homeassistant"

// ActionGetState reads a single entity. Every other action is a service call
// of the form "domain.service".
const ActionGetState = "state.get"

var (
	ErrBadAction = errors.New("bad home assistant action")
	ErrStatus    = errors.New("home assistant returned an error status")
)

type Config struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type Client struct {
	base *url.URL
	http *http.Client
}

var _ tools.ServiceClient = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base, err := security.ParseEndpoint(cfg.URL, security.HomeNetwork)
	if err != nil {
		return nil, errors.Wrap(err, "home assistant url")
	}
	traced := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	httpClient := traced
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, traced)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	}
	return &Client{base: base, http: httpClient}, nil
}

// Call dispatches action. "state.get" needs an entity_id parameter and
// returns the entity state object. "domain.service" posts params to
// /api/services/domain/service and returns the list of changed states.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	if action == ActionGetState {
		entityID, _ := params["entity_id"].(string)
		if entityID == "" {
			return nil, errors.Wrap(ErrBadAction, "state.get needs entity_id")
		}
		var state State
		if err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &state); err != nil {
			return nil, err
		}
		return state, nil
	}

	domain, service, ok := strings.Cut(action, ".")
	if !ok || domain == "" || service == "" {
		return nil, errors.Wrapf(ErrBadAction, "%q", action)
	}
	var changed []State
	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	if err := c.do(ctx, http.MethodPost, path, params, &changed); err != nil {
		return nil, err
	}
	return changed, nil
}

// Ping checks that the API answers and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var msg struct {
		Message string `json:"message"`
	}
	return c.do(ctx, http.MethodGet, "/api/", nil, &msg)
}

// State is an entity state as returned by /api/states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed,omitempty"`
}

// do sends one request. path must already be escaped: JoinPath unescapes it
// into URL.Path and keeps the escaped form as RawPath.
func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "could not encode request")
		}
		body = bytes.NewReader(b)
	}
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "could not create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close home assistant response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(ErrStatus, "%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "could not decode response")
	}
	return nil
}

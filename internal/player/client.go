// Package player talks to the local media-playback service.
//
// The service exposes a small REST surface of GET requests:
//
//	/api/v1/getState                           -> {"volume": 40, ...}
//	/api/v1/commands/?cmd=volume&volume=N
//	/api/v1/commands/?cmd=stop
//	/api/v1/commands/?cmd=playplaylist&name=X
package player

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client defines the operations the scheduler needs from the playback service
type Client interface {
	GetVolume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, volume int) error
	Stop(ctx context.Context) error
	PlayPlaylist(ctx context.Context, name string) error
}

// maxBody bounds how much of a response is read
const maxBody = 1 << 20

// HTTPClient implements Client against the playback service REST API
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a client for the service at baseURL.
// A zero timeout leaves requests unbounded.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid player URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid player URL %q: scheme must be http or https", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	return &HTTPClient{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("player"),
	}, nil
}

type stateResponse struct {
	Volume json.RawMessage `json:"volume"`
}

// GetVolume reads the current volume from the service state
func (c *HTTPClient) GetVolume(ctx context.Context) (int, error) {
	const op = OpGetVolume

	body, err := c.get(ctx, op, "/api/v1/getState", nil)
	if err != nil {
		return 0, err
	}

	var state stateResponse
	if err := json.Unmarshal(body, &state); err != nil {
		return 0, &Error{Op: op, Kind: BadResponse, Msg: "malformed state payload", Err: err}
	}
	volume, err := parseVolume(state.Volume)
	if err != nil {
		return 0, &Error{Op: op, Kind: BadResponse, Msg: "unusable volume field", Err: err}
	}

	c.logger.Debug("Current volume", zap.Int("volume", volume))
	return volume, nil
}

// SetVolume sets the volume, which must be within 0-100
func (c *HTTPClient) SetVolume(ctx context.Context, volume int) error {
	const op = OpSetVolume
	if volume < 0 || volume > 100 {
		return badResponse(op, "volume %d out of range 0-100", volume)
	}
	_, err := c.command(ctx, op, url.Values{"cmd": {"volume"}, "volume": {strconv.Itoa(volume)}})
	return err
}

// Stop stops playback
func (c *HTTPClient) Stop(ctx context.Context) error {
	_, err := c.command(ctx, OpStop, url.Values{"cmd": {"stop"}})
	return err
}

// PlayPlaylist replaces the queue with the named playlist and starts it
func (c *HTTPClient) PlayPlaylist(ctx context.Context, name string) error {
	_, err := c.command(ctx, OpPlayPlaylist, url.Values{"cmd": {"playplaylist"}, "name": {name}})
	return err
}

func (c *HTTPClient) command(ctx context.Context, op string, query url.Values) ([]byte, error) {
	return c.get(ctx, op, "/api/v1/commands/", query)
}

func (c *HTTPClient) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, unreachable(op, err)
	}

	c.logger.Debug("Sending player request", zap.String("op", op), zap.String("url", u.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Player request failed", zap.String("op", op), zap.Error(err))
		return nil, unreachable(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, unreachable(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Player returned error status",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode))
		return nil, badResponse(op, "unexpected status %d", resp.StatusCode)
	}

	c.logger.Debug("Received player response", zap.String("op", op), zap.ByteString("body", body))
	return body, nil
}

// parseVolume accepts a JSON number or numeric string in 0-100; fractions truncate
func parseVolume(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("volume missing")
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	text = strings.TrimSpace(text)

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("volume %s is not a number", raw)
	}
	if math.IsNaN(f) || f < 0 || f > 100 {
		return 0, fmt.Errorf("volume %s out of range 0-100", text)
	}
	return int(f), nil
}

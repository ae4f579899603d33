package myenergi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/icholy/digest"

	"github.com/raterudder/myenergi/pkg/common"
	"github.com/raterudder/myenergi/pkg/log"
)

// Call describes a single API command. Order and Sep are optional, see
// BuildURI.
type Call struct {
	Command string
	Params  map[string]string
	Order   []string
	Sep     string
}

// Response is the result of an asynchronous Call.
type Response struct {
	Body json.RawMessage
	Err  error
}

// Transport holds a digest-authenticated session for a single hub serial.
// It does not retry, retries are left to the caller.
type Transport struct {
	client  *http.Client
	apiRoot string
	workers chan struct{}
}

// NewTransport returns a Transport authenticating as serial/password against
// apiRoot. At most workers requests are in flight through RequestAsync.
func NewTransport(apiRoot, serial, password string, workers int, timeout time.Duration) *Transport {
	if workers < 1 {
		workers = 1
	}
	return &Transport{
		client: common.HTTPClient(timeout, &digest.Transport{
			Username: serial,
			Password: password,
		}),
		apiRoot: apiRoot,
		workers: make(chan struct{}, workers),
	}
}

// Request performs the call and returns the raw JSON body. Any network
// failure or non-2xx status is returned as a *TransportError.
func (t *Transport) Request(ctx context.Context, call Call) (json.RawMessage, error) {
	uri, err := BuildURI(t.apiRoot, call.Command, call.Params, call.Order, call.Sep)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "myenergi request", slog.String("command", call.Command), slog.String("uri", uri))

	resp, err := t.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "myenergi request failed", slog.String("command", call.Command), slog.Any("error", err))
		return nil, &TransportError{Command: call.Command, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Ctx(ctx).ErrorContext(ctx, "myenergi request returned error status", slog.String("command", call.Command), slog.Int("status", resp.StatusCode))
		return nil, &TransportError{Command: call.Command, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Command: call.Command, Err: err}
	}
	if !json.Valid(body) {
		log.Ctx(ctx).ErrorContext(ctx, "myenergi response is not json", slog.String("command", call.Command), slog.String("body", string(body)))
		return nil, &TransportError{Command: call.Command, Err: errors.New("response is not valid json")}
	}
	return body, nil
}

// RequestAsync runs Request on a bounded worker and delivers the result on
// the returned channel, which always receives exactly one Response. If ctx
// ends before a worker frees up the context error is delivered.
func (t *Transport) RequestAsync(ctx context.Context, call Call) <-chan Response {
	ch := make(chan Response, 1)
	go func() {
		select {
		case t.workers <- struct{}{}:
		case <-ctx.Done():
			ch <- Response{Err: ctx.Err()}
			return
		}
		defer func() { <-t.workers }()

		body, err := t.Request(ctx, call)
		ch <- Response{Body: body, Err: err}
	}()
	return ch
}

// await waits for the response of an asynchronous call or for ctx to end.
func await(ctx context.Context, ch <-chan Response) (json.RawMessage, error) {
	select {
	case resp := <-ch:
		return resp.Body, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

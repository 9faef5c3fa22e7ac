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
	"time"

	helpy "github.com/haqury/helpy"

	"teleop-gateway/internal/protocol"
)

// rest talks to the gateway's HTTP API while the WebSocket is down.
type rest struct {
	base   string
	token  string
	client *http.Client
}

type errorBody struct {
	Error   protocol.Kind `json:"error"`
	Message string        `json:"message"`
}

func (r *rest) move(ctx context.Context, id, action string, params map[string]any) (protocol.Ack, error) {
	body, err := json.Marshal(map[string]any{"id": id, "parameters": params})
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("encode command: %w", err)
	}
	return r.command(ctx, "/api/v1/move/"+url.PathEscape(action), body)
}

func (r *rest) emergencyStop(ctx context.Context, id string) (protocol.Ack, error) {
	return r.command(ctx, "/api/v1/emergency_stop?id="+url.QueryEscape(id), nil)
}

func (r *rest) command(ctx context.Context, path string, body []byte) (protocol.Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(body))
	if err != nil {
		return protocol.Ack{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	data, status, _, err := r.do(req)
	if err != nil {
		return protocol.Ack{}, err
	}
	if err := decodeError(data); err != nil {
		return protocol.Ack{}, err
	}

	var resp helpy.ApiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return protocol.Ack{}, fmt.Errorf("decode response (HTTP %d): %w", status, err)
	}
	return protocol.Ack{
		CommandID: resp.Metadata["command_id"],
		Action:    resp.Metadata["action"],
		Status:    resp.Status,
		Message:   resp.Message,
		At:        resp.Timestamp * 1000,
	}, nil
}

func (r *rest) snapshot(ctx context.Context, source string) (protocol.Frame, error) {
	u := r.base + "/api/v1/video/snapshot"
	if source != "" {
		u += "?source=" + url.QueryEscape(source)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return protocol.Frame{}, err
	}
	data, status, header, err := r.do(req)
	if err != nil {
		return protocol.Frame{}, err
	}
	if status != http.StatusOK {
		if err := decodeError(data); err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{}, fmt.Errorf("snapshot: HTTP %d", status)
	}

	seq, _ := strconv.ParseUint(header.Get("X-Frame-Sequence"), 10, 64)
	return protocol.Frame{
		Source:      header.Get("X-Frame-Source"),
		Sequence:    seq,
		ContentType: header.Get("Content-Type"),
		ProducedAt:  protocol.Millis(time.Now()),
		Payload:     data,
	}, nil
}

func (r *rest) do(req *http.Request) ([]byte, int, http.Header, error) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, resp.Header, nil
}

// decodeError returns the kinded error carried by an error body, if any.
func decodeError(data []byte) error {
	var e errorBody
	if json.Unmarshal(data, &e) != nil || e.Error == "" {
		return nil
	}
	return protocol.Errorf(e.Error, "%s", e.Message)
}

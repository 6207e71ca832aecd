package runtime

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
)

// AgentConfig configures the provisioning agent client.
type AgentConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Agent drives a remote provisioning agent over HTTP.
//
//	POST   {base}/v1/environments       {"machine_id","instance_id"} -> {"runtime_id","address"}
//	DELETE {base}/v1/environments/{id}  -> 204, or 404 when already gone
type Agent struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAgent creates an agent client.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Agent{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type startRequest struct {
	MachineID  string `json:"machine_id"`
	InstanceID string `json:"instance_id"`
}

func (a *Agent) Start(ctx context.Context, machineID, instanceID string) (Handle, error) {
	body, err := json.Marshal(startRequest{MachineID: machineID, InstanceID: instanceID})
	if err != nil {
		return Handle{}, err
	}
	status, payload, err := a.do(ctx, http.MethodPost, "/v1/environments", body)
	if err != nil {
		return Handle{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return Handle{}, fmt.Errorf("agent start returned %d: %s", status, truncate(payload))
	}
	var handle Handle
	if err := json.Unmarshal(payload, &handle); err != nil {
		return Handle{}, fmt.Errorf("decode agent start response failed: %w", err)
	}
	if handle.RuntimeID == "" {
		return Handle{}, fmt.Errorf("agent start returned empty runtime id")
	}
	return handle, nil
}

func (a *Agent) Stop(ctx context.Context, runtimeID string) error {
	status, payload, err := a.do(ctx, http.MethodDelete, "/v1/environments/"+url.PathEscape(runtimeID), nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("agent stop returned %d: %s", status, truncate(payload))
	}
}

func (a *Agent) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body failed: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

var _ Runtime = (*Agent)(nil)

package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"healthtrack-platform/internal/call"
)

// HTTPRelayClient talks to the relay's action-dispatched signaling endpoint.
type HTTPRelayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPRelayClient(baseURL, accessToken string) *HTTPRelayClient {
	return &HTTPRelayClient{
		baseURL: baseURL,
		token:   accessToken,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type signalRequest struct {
	Action    string       `json:"action"`
	DoctorID  string       `json:"doctor_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Signal    *call.Signal `json:"signal,omitempty"`
}

type signalResponse struct {
	Success bool          `json:"success"`
	Status  call.Status   `json:"status,omitempty"`
	Signal  []call.Signal `json:"signal,omitempty"`
	Message string        `json:"message,omitempty"`
}

func (c *HTTPRelayClient) Initiate(ctx context.Context, doctorID, sessionID string) (call.Status, error) {
	res, err := c.do(ctx, signalRequest{Action: "initiate_call", DoctorID: doctorID, SessionID: sessionID})
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (c *HTTPRelayClient) Accept(ctx context.Context, sessionID string) (call.Status, error) {
	res, err := c.do(ctx, signalRequest{Action: "accept_call", SessionID: sessionID})
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (c *HTTPRelayClient) Reject(ctx context.Context, sessionID string) (call.Status, error) {
	res, err := c.do(ctx, signalRequest{Action: "reject_call", SessionID: sessionID})
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (c *HTTPRelayClient) SendSignal(ctx context.Context, sessionID string, sig call.Signal) error {
	_, err := c.do(ctx, signalRequest{Action: "send_signal", SessionID: sessionID, Signal: &sig})
	return err
}

func (c *HTTPRelayClient) Poll(ctx context.Context, sessionID string) (call.Status, []call.Signal, error) {
	res, err := c.do(ctx, signalRequest{Action: "get_call_status", SessionID: sessionID})
	if err != nil {
		return "", nil, err
	}
	return res.Status, res.Signal, nil
}

func (c *HTTPRelayClient) End(ctx context.Context, sessionID string) (call.Status, error) {
	res, err := c.do(ctx, signalRequest{Action: "end_call", SessionID: sessionID})
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (c *HTTPRelayClient) do(ctx context.Context, reqBody signalRequest) (signalResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return signalResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/call/signal", bytes.NewReader(body))
	if err != nil {
		return signalResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return signalResponse{}, fmt.Errorf("relay %s: %w", reqBody.Action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return signalResponse{}, fmt.Errorf("relay %s: %w", reqBody.Action, err)
	}

	var out signalResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return signalResponse{}, fmt.Errorf("relay %s: bad response: %w", reqBody.Action, err)
	}
	if !out.Success {
		if out.Message == "" {
			out.Message = resp.Status
		}
		return signalResponse{}, fmt.Errorf("relay %s: %s", reqBody.Action, out.Message)
	}
	return out, nil
}

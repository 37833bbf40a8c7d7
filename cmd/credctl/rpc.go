package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sbtgate/crypto"
	"sbtgate/services/credentiald/server"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

var (
	rpcNow        = time.Now
	rpcHTTPClient = &http.Client{Timeout: 30 * time.Second}
)

// callRPC posts a JSON-RPC request, signing the body when key is set.
func callRPC(ctx context.Context, url string, key *crypto.PrivateKey, method string, params []json.RawMessage) (json.RawMessage, error) {
	if params == nil {
		params = []json.RawMessage{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != nil {
		ts := rpcNow().Unix()
		sig, err := crypto.SignRequest(key, ts, body)
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(server.HeaderTimestamp, fmt.Sprintf("%d", ts))
		req.Header.Set(server.HeaderSignature, "0x"+hex.EncodeToString(sig))
	}

	resp, err := rpcHTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}

// parseParams accepts either a JSON array or a single JSON value.
func parseParams(raw string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var params []json.RawMessage
		if err := json.Unmarshal(trimmed, &params); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return params, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("invalid params: not JSON")
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

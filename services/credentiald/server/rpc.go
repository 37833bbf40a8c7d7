package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"sbtgate/native/credential"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeReplayed       = -32010
	codeRateLimited    = -32020

	codeNotInitialized         = -32030
	codeAlreadyInitialized     = -32031
	codeInsufficientReputation = -32032
	codeCooldownActive         = -32033
	codeAlreadyHolding         = -32034
	codeNotHolding             = -32035
	codeInvalidConfig          = -32036
	codeForbidden              = -32037
	codeCustodyIdentity        = -32038
	codeSettlementFailure      = -32040
)

// RPCRequest is a JSON-RPC 2.0 request with positional params.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func invalidParams(format string, args ...interface{}) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

// rpcStatus maps an engine error to an HTTP status and JSON-RPC code.
func rpcStatus(err error) (int, int) {
	var pe *paramError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, credential.ErrUnauthorized):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, credential.ErrNotInitialized):
		return http.StatusConflict, codeNotInitialized
	case errors.Is(err, credential.ErrAlreadyInitialized):
		return http.StatusConflict, codeAlreadyInitialized
	case errors.Is(err, credential.ErrInsufficientReputation):
		return http.StatusConflict, codeInsufficientReputation
	case errors.Is(err, credential.ErrCooldownActive):
		return http.StatusConflict, codeCooldownActive
	case errors.Is(err, credential.ErrAlreadyHoldingCredential):
		return http.StatusConflict, codeAlreadyHolding
	case errors.Is(err, credential.ErrNotHoldingCredential):
		return http.StatusConflict, codeNotHolding
	case errors.Is(err, credential.ErrCustodyIdentity):
		return http.StatusConflict, codeCustodyIdentity
	case errors.Is(err, credential.ErrInvalidConfig):
		return http.StatusBadRequest, codeInvalidConfig
	case errors.Is(err, credential.ErrSettlementFailure):
		return http.StatusServiceUnavailable, codeSettlementFailure
	default:
		return http.StatusInternalServerError, codeServerError
	}
}

func requireParams(params []json.RawMessage, n int) error {
	if len(params) != n {
		return invalidParams("expected %d params, got %d", n, len(params))
	}
	return nil
}

func parseIdentity(raw json.RawMessage) (credential.Identity, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return credential.Identity{}, invalidParams("identity must be a string")
	}
	id, err := credential.ParseIdentity(strings.TrimSpace(s))
	if err != nil {
		return credential.Identity{}, invalidParams("invalid identity: %v", err)
	}
	return id, nil
}

// parseUint64 accepts JSON numbers and decimal strings.
func parseUint64(raw json.RawMessage, name string) (uint64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, invalidParams("%s must be an unsigned integer", name)
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, invalidParams("%s must be an unsigned integer", name)
	}
	return v, nil
}

func parseBool(raw json.RawMessage, name string) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, invalidParams("%s must be a boolean", name)
	}
	return b, nil
}

// Result views. Counters are encoded as decimal strings so 64-bit values
// survive JavaScript clients.

type configView struct {
	CredentialID    uint64 `json:"credentialId,string"`
	Threshold       uint64 `json:"threshold,string"`
	CooldownSeconds uint64 `json:"cooldownSeconds,string"`
	Owner           string `json:"owner"`
}

func newConfigView(cfg *credential.Config) configView {
	return configView{
		CredentialID:    cfg.CredentialID,
		Threshold:       cfg.Threshold,
		CooldownSeconds: cfg.CooldownSeconds,
		Owner:           cfg.Owner.String(),
	}
}

type reputationView struct {
	Identity    string `json:"identity"`
	Score       uint64 `json:"score,string"`
	UpdateCount uint64 `json:"updateCount,string"`
}

type delegateView struct {
	Identity string `json:"identity"`
	Approved bool   `json:"approved"`
}

type mintView struct {
	Identity  string `json:"identity"`
	IntentID  string `json:"intentId"`
	Serial    uint64 `json:"serial,string"`
	MintedAt  uint64 `json:"mintedAt,string"`
	MintCount uint64 `json:"mintCount,string"`
}

type revokeView struct {
	Identity string `json:"identity"`
	Custody  string `json:"custody"`
	IntentID string `json:"intentId"`
	Serial   uint64 `json:"serial,string"`
}

type recordView struct {
	Identity        string `json:"identity"`
	Score           uint64 `json:"score,string"`
	UpdateCount     uint64 `json:"updateCount,string"`
	LastMintTime    uint64 `json:"lastMintTime,string"`
	HoldsCredential bool   `json:"holdsCredential"`
	MintCount       uint64 `json:"mintCount,string"`
	Serial          uint64 `json:"serial,string"`
	Delegate        bool   `json:"delegate"`
}

type methodHandler func(ctx context.Context, call credential.Call, params []json.RawMessage) (interface{}, error)

type method struct {
	handler methodHandler
	// authenticated methods act on behalf of the caller.
	authenticated bool
}

func (s *Server) methods() map[string]method {
	return map[string]method{
		"cred_bootstrap":       {handler: s.rpcBootstrap, authenticated: true},
		"cred_setScore":        {handler: s.rpcSetScore, authenticated: true},
		"cred_approveDelegate": {handler: s.rpcApproveDelegate, authenticated: true},
		"cred_delegateBoost":   {handler: s.rpcDelegateBoost, authenticated: true},
		"cred_mint":            {handler: s.rpcMint, authenticated: true},
		"cred_revoke":          {handler: s.rpcRevoke, authenticated: true},
		"cred_getScore":        {handler: s.rpcGetScore},
		"cred_getUpdateCount":  {handler: s.rpcGetUpdateCount},
		"cred_isReputable":     {handler: s.rpcIsReputable},
		"cred_hasCredential":   {handler: s.rpcHasCredential},
		"cred_isDelegate":      {handler: s.rpcIsDelegate},
		"cred_getConfig":       {handler: s.rpcGetConfig},
		"cred_getRecord":       {handler: s.rpcGetRecord},
	}
}

func (s *Server) rpcBootstrap(ctx context.Context, call credential.Call, params []json.RawMessage) (interface{}, error) {
	if err := requireParams(params, 3); err != nil {
		return nil, err
	}
	credentialID, err := parseUint64(params[0], "credentialId")
	if err != nil {
		return nil, err
	}
	threshold, err := parseUint64(params[1], "threshold")
	if err != nil {
		return nil, err
	}
	cooldown, err := parseUint64(params[2], "cooldownSeconds")
	if err != nil {
		return nil, err
	}
	if cooldown > maxCooldownSeconds {
		return nil, invalidParams("cooldownSeconds too large")
	}
	cfg, err := s.engine.Bootstrap(ctx, call, credentialID, threshold, secondsToDuration(cooldown))
	if err != nil {
		return nil, err
	}
	return newConfigView(cfg), nil
}

func (s *Server) rpcSetScore(ctx context.Context, call credential.Call, params []json.RawMessage) (interface{}, error) {
	if err := requireParams(params, 2); err != nil {
		return nil, err
	}
	id, err := parseIdentity(params[0])
	if err != nil {
		return nil, err
	}
	value, err := parseUint64(params[1], "score")
	if err != nil {
		return nil, err
	}
	rec, err := s.engine.SetScore(ctx, call, id, value)
	if err != nil {
		return nil, err
	}
	return reputationView{Identity: id.String(), Score: rec.Score, UpdateCount: rec.UpdateCount}, nil
}

func (s *Server) rpcApproveDelegate(ctx context.Context, call credential.Call, params []json.RawMessage) (interface{}, error) {
	if err := requireParams(params, 2); err != nil {
		return nil, err
	}
	id, err := parseIdentity(params[0])
	if err != nil {
		return nil, err
	}
	approved, err := parseBool(params[1], "approved")
	if err != nil {
		return nil, err
	}
	if err := s.engine.ApproveDelegate(ctx, call, id, approved); err != nil {
		return nil, err
	}
	return delegateView{Identity: id.String(), Approved: approved}, nil
}

func (s *Server) rpcDelegateBoost(ctx context.Context, call credential.Call, params []json.RawMessage) (interface{}, error) {
	if err := requireParams(params, 2); err != nil {
		return nil, err
	}
	target, err := parseIdentity(params[0])
	if err != nil {
		return nil, err
	}
	amount, err := parseUint64(params[1], "amount")
	if err != nil {
		return nil, err
	}
	rec, err := s.engine.DelegateBoost(ctx, call, target, amount)
	if err != nil {
		return nil, err
	}
	return reputationView{Identity: target.String(), Score: rec.Score, UpdateCount: rec.UpdateCount}, nil
}

func (s *Server) rpcMint(ctx context.Context, call credential.Call, params []json.RawMessage) (interface{}, error) {
	if err := requireParams(params, 0); err != nil {
		return nil, err
	}
	res, err := s.engine.Mint(ctx, call)
	if err != nil {
		return nil, err
	}
	return mintView{
		Identity:  call.Caller.String(),
		IntentID:  res.Receipt.IntentID,
		Serial:    res.Receipt.Serial,
		MintedAt:  res.Record.LastMintTime,
		MintCount: res.Record.MintCount,
	}, nil
}

func (s *Server) rpcRevoke(ctx context.Context, call credential.Call, params []json.RawMessage) (interface{}, error) {
	if err := requireParams(params, 1); err != nil {
		return nil, err
	}
	target, err := parseIdentity(params[0])
	if err != nil {
		return nil, err
	}
	receipt, err := s.engine.Revoke(ctx, call, target)
	if err != nil {
		return nil, err
	}
	return revokeView{
		Identity: target.String(),
		Custody:  s.engine.Custody().String(),
		IntentID: receipt.IntentID,
		Serial:   receipt.Serial,
	}, nil
}

func (s *Server) identityQuery(params []json.RawMessage) (credential.Identity, error) {
	if err := requireParams(params, 1); err != nil {
		return credential.Identity{}, err
	}
	return parseIdentity(params[0])
}

func (s *Server) rpcGetScore(_ context.Context, _ credential.Call, params []json.RawMessage) (interface{}, error) {
	id, err := s.identityQuery(params)
	if err != nil {
		return nil, err
	}
	score, err := s.engine.GetScore(id)
	if err != nil {
		return nil, err
	}
	return strconv.FormatUint(score, 10), nil
}

func (s *Server) rpcGetUpdateCount(_ context.Context, _ credential.Call, params []json.RawMessage) (interface{}, error) {
	id, err := s.identityQuery(params)
	if err != nil {
		return nil, err
	}
	count, err := s.engine.GetUpdateCount(id)
	if err != nil {
		return nil, err
	}
	return strconv.FormatUint(count, 10), nil
}

func (s *Server) rpcIsReputable(_ context.Context, _ credential.Call, params []json.RawMessage) (interface{}, error) {
	id, err := s.identityQuery(params)
	if err != nil {
		return nil, err
	}
	return s.engine.IsReputable(id)
}

func (s *Server) rpcHasCredential(ctx context.Context, _ credential.Call, params []json.RawMessage) (interface{}, error) {
	id, err := s.identityQuery(params)
	if err != nil {
		return nil, err
	}
	return s.engine.HasCredential(ctx, id)
}

func (s *Server) rpcIsDelegate(_ context.Context, _ credential.Call, params []json.RawMessage) (interface{}, error) {
	id, err := s.identityQuery(params)
	if err != nil {
		return nil, err
	}
	return s.engine.IsDelegate(id)
}

func (s *Server) rpcGetConfig(_ context.Context, _ credential.Call, params []json.RawMessage) (interface{}, error) {
	if err := requireParams(params, 0); err != nil {
		return nil, err
	}
	cfg, err := s.engine.Config()
	if err != nil {
		return nil, err
	}
	return newConfigView(cfg), nil
}

func (s *Server) rpcGetRecord(_ context.Context, _ credential.Call, params []json.RawMessage) (interface{}, error) {
	id, err := s.identityQuery(params)
	if err != nil {
		return nil, err
	}
	rec, err := s.engine.Record(id)
	if err != nil {
		return nil, err
	}
	return recordView{
		Identity:        id.String(),
		Score:           rec.Reputation.Score,
		UpdateCount:     rec.Reputation.UpdateCount,
		LastMintTime:    rec.Mint.LastMintTime,
		HoldsCredential: rec.Mint.HoldsCredential,
		MintCount:       rec.Mint.MintCount,
		Serial:          rec.Mint.Serial,
		Delegate:        rec.Delegate,
	}, nil
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/authz"
	"github.com/agentweave/agentweave-go/internal/identity"
	"github.com/agentweave/agentweave-go/internal/task"
)

// JSON-RPC 2.0 error codes.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// errData is the structured payload attached to application-level errors.
type errData struct {
	Kind string `json:"kind"`
}

type sendParams struct {
	TaskType string          `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
	Messages []task.Message  `json:"messages"`
}

type taskIDParams struct {
	TaskID string `json:"task_id"`
}

// handleRPC demultiplexes the JSON-RPC task protocol. The request ID, string
// or number, is echoed back verbatim.
func (s *Server) handleRPC(c *gin.Context) {
	caller, ok := PeerID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		s.reply(c, nil, nil, &rpcError{Code: codeParse, Message: "parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(c, req.ID, nil, &rpcError{Code: codeInvalidRequest, Message: "invalid request"})
		return
	}

	var (
		result any
		rerr   *rpcError
	)
	switch req.Method {
	case "task.send":
		result, rerr = s.rpcSend(c, caller, req.Params)
	case "task.status":
		result, rerr = s.rpcStatus(req.Params)
	case "task.cancel":
		result, rerr = s.rpcCancel(req.Params)
	default:
		rerr = &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
	s.reply(c, req.ID, result, rerr)
}

func (s *Server) reply(c *gin.Context, id json.RawMessage, result any, rerr *rpcError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		Result:  result,
		Error:   rerr,
		ID:      id,
	})
}

func (s *Server) rpcSend(c *gin.Context, caller spiffeid.ID, raw json.RawMessage) (any, *rpcError) {
	var params sendParams
	if err := json.Unmarshal(raw, &params); err != nil || params.TaskType == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: task_type is required"}
	}

	t, err := s.opts.Dispatcher.Dispatch(c.Request.Context(), caller, DispatchRequest{
		TaskType: params.TaskType,
		Payload:  params.Payload,
		Messages: params.Messages,
	})
	if err != nil {
		return nil, s.dispatchError(err)
	}
	return t.Snapshot(), nil
}

func (s *Server) rpcStatus(raw json.RawMessage) (any, *rpcError) {
	var params taskIDParams
	if err := json.Unmarshal(raw, &params); err != nil || params.TaskID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: task_id is required"}
	}
	t, err := s.opts.Tasks.Get(params.TaskID)
	if err != nil {
		return nil, s.dispatchError(err)
	}
	return t.Snapshot(), nil
}

func (s *Server) rpcCancel(raw json.RawMessage) (any, *rpcError) {
	var params taskIDParams
	if err := json.Unmarshal(raw, &params); err != nil || params.TaskID == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params: task_id is required"}
	}
	t, err := s.opts.Tasks.Cancel(params.TaskID)
	if err != nil {
		return nil, s.dispatchError(err)
	}
	return t.Snapshot(), nil
}

// dispatchError maps domain errors onto the application error code with a
// structured kind. Identity failures surface as an opaque transport error;
// the cause goes only to logs and audit.
func (s *Server) dispatchError(err error) *rpcError {
	switch {
	case errors.Is(err, authz.ErrDenied):
		return &rpcError{Code: codeServerError, Message: safeDenialMessage(err),
			Data: errData{Kind: "access-denied"}}
	case errors.Is(err, ErrUnknownCapability):
		return &rpcError{Code: codeServerError, Message: err.Error(),
			Data: errData{Kind: "unknown-capability"}}
	case errors.Is(err, task.ErrNotFound):
		return &rpcError{Code: codeServerError, Message: "task not found",
			Data: errData{Kind: "task-not-found"}}
	case errors.Is(err, task.ErrIllegalTransition):
		return &rpcError{Code: codeServerError, Message: err.Error(),
			Data: errData{Kind: "illegal-transition"}}
	case errors.Is(err, identity.ErrUnavailable) || errors.Is(err, identity.ErrCredentialExpired):
		s.logger.Error("identity unavailable during request", zap.Error(err))
		return &rpcError{Code: codeServerError, Message: "transport error",
			Data: errData{Kind: "transport-error"}}
	default:
		s.logger.Error("request failed", zap.Error(err))
		return &rpcError{Code: codeServerError, Message: "internal error",
			Data: errData{Kind: "internal"}}
	}
}

// safeDenialMessage keeps the denial reason, which the policy engine already
// considers safe for callers, and nothing else.
func safeDenialMessage(err error) string {
	return err.Error()
}

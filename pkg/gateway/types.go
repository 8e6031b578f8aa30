package gateway

import "encoding/json"

// JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	AnswerError    = -32000
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// answerParams is the payload of the agent.answer method.
type answerParams struct {
	Question string `json:"question"`
}

// answerResult mirrors the query agent's result on the wire.
type answerResult struct {
	SQL  string `json:"sql"`
	Rows string `json:"rows"`
}

// Package gateway runs the query agent behind a websocket JSON-RPC surface,
// so the orchestrator can reach it in another process exactly as it would
// in-process. Server and Client sit on opposite ends of that split and both
// speak the Answerer contract.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/omopmed/medquery/pkg/queryagent"
)

// Answerer resolves one atomic sub-question.
type Answerer interface {
	Answer(ctx context.Context, question string) (queryagent.Result, error)
}

// ServerConfig holds gateway server configuration.
type ServerConfig struct {
	Addr     string
	Answerer Answerer
	Logger   zerolog.Logger
}

// Server exposes an Answerer over websocket JSON-RPC.
type Server struct {
	addr     string
	answerer Answerer
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Answerer == nil {
		return nil, fmt.Errorf("answerer is required")
	}
	return &Server{
		addr:     cfg.Addr,
		answerer: cfg.Answerer,
		logger:   cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Handler returns the http handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe blocks serving the gateway until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.addr).Msg("Gateway listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	connID, _ := gonanoid.New()
	logger := s.logger.With().Str("conn_id", connID).Logger()
	logger.Debug().Str("remote", r.RemoteAddr).Msg("Gateway connection opened")

	c := &serverConn{conn: conn}
	defer func() {
		conn.Close()
		logger.Debug().Msg("Gateway connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Gateway read ended")
			}
			return
		}

		var req RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.writeError(logger, "", ParseError, "parse error")
			continue
		}

		// Each request is answered on its own goroutine so slow questions
		// do not block pipelined ones on the same connection.
		go s.dispatch(r.Context(), logger, c, req)
	}
}

type serverConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *serverConn) writeResponse(logger zerolog.Logger, resp RPCResponse) {
	resp.JSONRPC = "2.0"
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(resp); err != nil {
		logger.Warn().Err(err).Msg("Gateway write failed")
	}
}

func (c *serverConn) writeError(logger zerolog.Logger, id string, code int, message string) {
	c.writeResponse(logger, RPCResponse{ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) dispatch(ctx context.Context, logger zerolog.Logger, c *serverConn, req RPCRequest) {
	switch req.Method {
	case "health.ping":
		c.writeResponse(logger, RPCResponse{ID: req.ID, Result: json.RawMessage(`"pong"`)})

	case "agent.answer":
		var params answerParams
		if err := json.Unmarshal(req.Params, &params); err != nil || strings.TrimSpace(params.Question) == "" {
			c.writeError(logger, req.ID, InvalidParams, "agent.answer requires a question")
			return
		}

		result, err := s.answerer.Answer(ctx, params.Question)
		if err != nil {
			c.writeError(logger, req.ID, AnswerError, err.Error())
			return
		}

		payload, err := json.Marshal(answerResult{SQL: result.SQL, Rows: result.Rows})
		if err != nil {
			c.writeError(logger, req.ID, InternalError, err.Error())
			return
		}
		c.writeResponse(logger, RPCResponse{ID: req.ID, Result: payload})

	default:
		c.writeError(logger, req.ID, MethodNotFound, fmt.Sprintf("unknown method %s", req.Method))
	}
}

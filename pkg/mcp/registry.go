package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Registry owns a set of tool clients keyed by server name and presents
// their tools as one flat namespace of qualified ids ("server:tool").
type Registry struct {
	opts   SessionOptions
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry(opts SessionOptions, logger zerolog.Logger) *Registry {
	return &Registry{
		opts:    opts,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Register adds a server spec. Names must be unique; the spec is consumed
// when ConnectAll opens the session.
func (r *Registry) Register(spec ServerSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.Contains(spec.Name, ":") {
		return fmt.Errorf("server name %q must not contain ':'", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[spec.Name]; exists {
		return fmt.Errorf("server %q already registered", spec.Name)
	}
	r.clients[spec.Name] = NewClient(spec, r.opts, r.logger)
	return nil
}

// ConnectAll connects every registered client concurrently. Failures are
// aggregated per server and do not prevent other clients from being
// attempted; callers decide whether a partially connected registry is
// acceptable. The returned map contains an entry only for servers that
// failed.
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	clients := make(map[string]*Client, len(r.clients))
	for name, c := range r.clients {
		clients[name] = c
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	var failMu sync.Mutex
	failures := make(map[string]error)

	for name, client := range clients {
		wg.Add(1)
		go func(name string, client *Client) {
			defer wg.Done()
			if err := client.Connect(ctx); err != nil {
				r.logger.Error().Err(err).Str("server", name).Msg("Failed to connect tool server")
				failMu.Lock()
				failures[name] = err
				failMu.Unlock()
			}
		}(name, client)
	}
	wg.Wait()

	return failures
}

// Connected reports whether the named server has a live client.
func (r *Registry) Connected(server string) bool {
	r.mu.RLock()
	client, ok := r.clients[server]
	r.mu.RUnlock()
	return ok && client.Connected()
}

// ConnectedCount returns how many registered servers are currently connected.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, client := range r.clients {
		if client.Connected() {
			n++
		}
	}
	return n
}

// Call routes a qualified tool id to the owning client. The id is split on
// the first ':' only, so tool names may themselves contain colons. An empty
// server or tool portion is rejected as malformed rather than routed to the
// server lookup, stricter than treating ":tool" as an unknown server.
func (r *Registry) Call(ctx context.Context, qualifiedID string, args map[string]interface{}) (ToolResult, error) {
	server, tool, ok := strings.Cut(qualifiedID, ":")
	if !ok || server == "" || tool == "" {
		return ToolResult{}, &MalformedIDError{ID: qualifiedID}
	}

	r.mu.RLock()
	client, registered := r.clients[server]
	r.mu.RUnlock()

	if !registered || !client.Connected() {
		return ToolResult{}, &NotConnectedError{Server: server}
	}
	return client.Invoke(ctx, tool, args)
}

// ListTools returns the flat qualified-id namespace, rebuilt from the live
// clients on every call: ids from disconnected servers never appear, and
// ids cannot collide because server names are unique.
func (r *Registry) ListTools() map[string]ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ToolDescriptor)
	for _, client := range r.clients {
		if !client.Connected() {
			continue
		}
		for _, desc := range client.Tools() {
			out[desc.ID] = desc
		}
	}
	return out
}

// Shutdown disconnects every client concurrently. Best effort: disconnect
// errors are logged inside the clients and never surface here.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Disconnect()
		}(client)
	}
	wg.Wait()
}

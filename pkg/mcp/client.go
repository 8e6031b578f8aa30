package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Client is the capability-level facade over one tool server session.
// It owns the session exclusively; all tool invocations for that server
// funnel through here.
type Client struct {
	spec   ServerSpec
	opts   SessionOptions
	logger zerolog.Logger

	mu      sync.RWMutex
	session *Session
	info    ServerInfo
	tools   map[string]ToolDescriptor // keyed by bare tool name
}

// NewClient creates a disconnected client for the given server spec.
func NewClient(spec ServerSpec, opts SessionOptions, logger zerolog.Logger) *Client {
	return &Client{
		spec:   spec,
		opts:   opts,
		logger: logger.With().Str("server", spec.Name).Logger(),
		tools:  make(map[string]ToolDescriptor),
	}
}

// Connect opens the session, performs the handshake and discovers tools.
// The sequence is atomic: if any step fails the session is closed and the
// client stays disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return nil
	}

	session, err := Open(c.spec, c.opts, c.logger)
	if err != nil {
		return err
	}

	info, err := session.Handshake(ctx)
	if err != nil {
		_ = session.Close()
		return err
	}

	tools, err := discoverTools(ctx, session, c.spec.Name)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("tool discovery on %q failed: %w", c.spec.Name, err)
	}

	c.session = session
	c.info = info
	c.tools = tools

	c.logger.Info().Int("tools", len(tools)).Msg("Connected to tool server")
	return nil
}

// Connected reports whether a live session exists.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// ServerInfo returns the identity reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// DiscoverTools re-issues the list-tools request and replaces the client's
// entire tool set with the result. Discovery is not additive: tools the
// server no longer advertises disappear from the client's view.
func (c *Client) DiscoverTools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return nil, &NotConnectedError{Server: c.spec.Name}
	}

	tools, err := discoverTools(ctx, session, c.spec.Name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	return sortedTools(tools), nil
}

// Tools returns the currently discovered tool set, sorted by name.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedTools(c.tools)
}

// Invoke calls a discovered tool and returns its content as a tagged
// ToolResult. Unknown tool names fail with *UnknownToolError before anything
// is written to the subprocess. Arguments are validated against the tool's
// declared input schema when one was advertised.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]interface{}) (ToolResult, error) {
	c.mu.RLock()
	session := c.session
	desc, known := c.tools[tool]
	c.mu.RUnlock()

	if session == nil {
		return ToolResult{}, &NotConnectedError{Server: c.spec.Name}
	}
	if !known {
		return ToolResult{}, &UnknownToolError{Server: c.spec.Name, Tool: tool}
	}

	if err := validateArguments(desc, args); err != nil {
		return ToolResult{}, err
	}

	raw, err := session.Request(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return ToolResult{}, err
	}

	return parseCallResult(raw)
}

// Disconnect tears the session down. It runs on cleanup paths that must not
// fail, so errors are logged and swallowed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.tools = make(map[string]ToolDescriptor)
	c.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing tool server session")
	}
}

func discoverTools(ctx context.Context, session *Session, server string) (map[string]ToolDescriptor, error) {
	raw, err := session.Request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, &ProtocolError{Server: server, Reason: fmt.Sprintf("malformed tools/list response: %v", err)}
	}

	tools := make(map[string]ToolDescriptor, len(listResult.Tools))
	for _, t := range listResult.Tools {
		if t.Name == "" {
			continue
		}
		tools[t.Name] = ToolDescriptor{
			ID:          server + ":" + t.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return tools, nil
}

func validateArguments(desc ToolDescriptor, args map[string]interface{}) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(desc.InputSchema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		// An unparseable schema is the server's defect, not the caller's.
		return nil
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("arguments for tool %q rejected by input schema: %s", desc.Name, strings.Join(msgs, "; "))
	}
	return nil
}

func parseCallResult(raw json.RawMessage) (ToolResult, error) {
	var callResult struct {
		Content []ContentItem `json:"content"`
		IsError bool          `json:"isError"`
	}
	if err := json.Unmarshal(raw, &callResult); err != nil {
		return ToolResult{}, fmt.Errorf("malformed tools/call response: %w", err)
	}

	if callResult.IsError {
		msg := make([]string, 0, len(callResult.Content))
		for _, item := range callResult.Content {
			if item.Text != "" {
				msg = append(msg, item.Text)
			}
		}
		return ToolResult{}, &RemoteError{Code: -1, Message: strings.Join(msg, "; ")}
	}

	// One text item collapses to the plain-text variant; everything else is
	// returned whole. See ToolResult for why this asymmetry is deliberate.
	if len(callResult.Content) == 1 && callResult.Content[0].Type == "text" {
		return ToolResult{Kind: ResultText, Text: callResult.Content[0].Text}, nil
	}
	return ToolResult{Kind: ResultStructured, Items: callResult.Content}, nil
}

func sortedTools(tools map[string]ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

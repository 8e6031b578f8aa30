package mcp

import "encoding/json"

// ServerSpec describes how to launch one tool server subprocess.
// It is immutable after creation: the registry consumes it exactly once
// when opening a session.
type ServerSpec struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Dir         string            `json:"dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
}

// ServerInfo is the identity a tool server reports during the handshake.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// ToolDescriptor describes one callable tool discovered on a server.
// ID is the qualified form "serverName:toolName" used for registry routing.
type ToolDescriptor struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResultKind discriminates the variants of a ToolResult.
type ResultKind int

const (
	// ResultText is a single text payload.
	ResultText ResultKind = iota
	// ResultStructured is a list of content items.
	ResultStructured
)

// ContentItem is one element of a multi-part tool response.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the tagged-variant outcome of a tool call, decided once at
// the protocol boundary. A response carrying exactly one text item collapses
// to ResultText with Text set; anything else is ResultStructured with every
// item preserved in Items. Callers that need the raw shape must check Kind,
// since the single-text unwrapping is a deliberate ergonomic asymmetry.
type ToolResult struct {
	Kind  ResultKind    `json:"kind"`
	Text  string        `json:"text,omitempty"`
	Items []ContentItem `json:"items,omitempty"`
}

// String renders the result as plain text regardless of variant.
func (r ToolResult) String() string {
	if r.Kind == ResultText {
		return r.Text
	}
	out := ""
	for i, item := range r.Items {
		if i > 0 {
			out += "\n"
		}
		out += item.Text
	}
	return out
}

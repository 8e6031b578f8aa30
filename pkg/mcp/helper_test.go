package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// The test binary doubles as a fake tool server: when re-executed with
// MCP_FAKE_SERVER=1 it speaks newline-delimited JSON-RPC on stdio instead of
// running the test suite.
func TestMain(m *testing.M) {
	if os.Getenv("MCP_FAKE_SERVER") == "1" {
		runFakeServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func fakeServerSpec(name string) ServerSpec {
	return ServerSpec{
		Name:        name,
		Command:     os.Args[0],
		Env:         map[string]string{"MCP_FAKE_SERVER": "1"},
		Description: "in-process fake OMOP tool server",
	}
}

func testSessionOptions() SessionOptions {
	opts := DefaultSessionOptions()
	opts.RequestTimeout = 2 * time.Second
	opts.HandshakeTimeout = 2 * time.Second
	opts.ShutdownGrace = time.Second
	return opts
}

func runFakeServer() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	out := bufio.NewWriter(os.Stdout)

	reply := func(id *int64, result interface{}, rpcErr *rpcError) {
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": id}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		data, _ := json.Marshal(resp)
		fmt.Fprintf(out, "%s\n", data)
		out.Flush()
	}

	for scanner.Scan() {
		var req struct {
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
			ID     *int64                 `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.ID == nil {
			continue // notification
		}

		switch req.Method {
		case "initialize":
			reply(req.ID, map[string]interface{}{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]string{"name": "fake-omop", "version": "0.0.1"},
			}, nil)

		case "tools/list":
			reply(req.ID, map[string]interface{}{
				"tools": []map[string]interface{}{
					{
						"name":        "query_omop_database",
						"description": "Execute a SQL query against the OMOP CDM",
						"inputSchema": map[string]interface{}{
							"type":       "object",
							"properties": map[string]interface{}{"sql_query": map[string]string{"type": "string"}},
							"required":   []string{"sql_query"},
						},
					},
					{
						"name":        "describe_table",
						"description": "Describe one OMOP table",
					},
					{
						"name":        "multi",
						"description": "Returns multiple content items",
					},
					{
						"name":        "sleep",
						"description": "Never replies",
					},
				},
			}, nil)

		case "tools/call":
			name, _ := req.Params["name"].(string)
			args, _ := req.Params["arguments"].(map[string]interface{})
			switch name {
			case "sleep":
				// No reply on purpose; drives the timeout path.
			case "multi":
				reply(req.ID, map[string]interface{}{
					"content": []map[string]string{
						{"type": "text", "text": "part one"},
						{"type": "text", "text": "part two"},
					},
				}, nil)
			case "query_omop_database":
				sql, _ := args["sql_query"].(string)
				switch {
				case strings.Contains(sql, "bad_column"):
					reply(req.ID, map[string]interface{}{
						"isError": true,
						"content": []map[string]string{{
							"type": "text",
							"text": `Binder Error: Table "person" does not have a column named "bad_column"`,
						}},
					}, nil)
				case strings.Contains(sql, "RPCFAIL"):
					reply(req.ID, nil, &rpcError{Code: -32000, Message: "execution rejected"})
				default:
					reply(req.ID, map[string]interface{}{
						"content": []map[string]string{{"type": "text", "text": "count\n42"}},
					}, nil)
				}
			default:
				reply(req.ID, map[string]interface{}{
					"content": []map[string]string{{"type": "text", "text": "described " + name}},
				}, nil)
			}

		default:
			reply(req.ID, nil, &rpcError{Code: -32601, Message: "method not found"})
		}
	}
}

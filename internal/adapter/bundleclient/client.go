// Package bundleclient implements the bundleclient.Client port against an
// external bundle-catalog MCP server, invoking its "prepare" tool the same
// way the rest of the pack exposes MCP tools (internal/adapter/mcp uses
// mark3labs/mcp-go server-side; this is the matching client side).
package bundleclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/amplifier-gateway/internal/port/cache"
	"github.com/Strob0t/amplifier-gateway/internal/port/runtimeclient"
	"github.com/Strob0t/amplifier-gateway/internal/resilience"
)

// prepareCacheTTL bounds how long a prepared mount plan is reused for an
// unchanged (bundle, behaviors, provider override) key before the bundle
// catalog is asked again.
const prepareCacheTTL = 5 * time.Minute

// toolCaller narrows mcp-go's client surface to the one RPC this package
// drives.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Client resolves bundle/behavior selections into mount plans via a single
// long-lived MCP connection, shared across sessions.
type Client struct {
	caller  toolCaller
	breaker *resilience.Breaker
	group   singleflight.Group
	cache   cache.Cache
}

// New wraps an already-connected MCP client (typically built with
// mcpclient.NewSSEMCPClient or NewStdioMCPClient against the bundle
// catalog's endpoint) for the gateway's prepare calls. resultCache is
// optional; pass nil to skip result caching entirely.
func New(caller toolCaller, breaker *resilience.Breaker, resultCache cache.Cache) *Client {
	return &Client{caller: caller, breaker: breaker, cache: resultCache}
}

// Dial connects to an SSE-transport bundle catalog server at url and
// returns a ready-to-use Client.
func Dial(ctx context.Context, url string, breaker *resilience.Breaker, resultCache cache.Cache) (*Client, error) {
	c, err := mcpclient.NewSSEMCPClient(url)
	if err != nil {
		return nil, fmt.Errorf("bundleclient: dial %s: %w", url, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("bundleclient: start session: %w", err)
	}
	return New(c, breaker, resultCache), nil
}

// Prepare implements bundleclient.Client. A result cache hit (when one is
// configured) skips both the singleflight group and the MCP round trip
// entirely; misses fall through to the existing singleflight-coalesced
// call, since a repeated (bundle, behaviors, provider override) key is
// common across a session's lifetime (e.g. resuming the same bundle after
// a context compaction).
func (c *Client) Prepare(ctx context.Context, bundle string, behaviors []string, providerOverride map[string]string) (runtimeclient.MountPlan, error) {
	key := prepareKey(bundle, behaviors, providerOverride)

	if c.cache != nil {
		if cached, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			var plan runtimeclient.MountPlan
			if err := json.Unmarshal(cached, &plan); err == nil {
				return plan, nil
			}
		}
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		var plan runtimeclient.MountPlan
		err := c.breaker.Execute(func() error {
			req := mcp.CallToolRequest{}
			req.Params.Name = "prepare"
			req.Params.Arguments = map[string]any{
				"bundle":            bundle,
				"behaviors":         behaviors,
				"provider_override": providerOverride,
			}

			res, err := c.caller.CallTool(ctx, req)
			if err != nil {
				return err
			}
			if res.IsError {
				return fmt.Errorf("bundleclient: prepare tool returned an error result")
			}
			return json.Unmarshal([]byte(extractText(res)), &plan)
		})
		return plan, err
	})
	if err != nil {
		return runtimeclient.MountPlan{}, fmt.Errorf("bundleclient: prepare %s: %w", bundle, err)
	}
	plan := result.(runtimeclient.MountPlan)

	if c.cache != nil {
		if encoded, err := json.Marshal(plan); err == nil {
			_ = c.cache.Set(ctx, key, encoded, prepareCacheTTL)
		}
	}
	return plan, nil
}

func extractText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "{}"
}

func prepareKey(bundle string, behaviors []string, providerOverride map[string]string) string {
	data, _ := json.Marshal(struct {
		Bundle    string            `json:"bundle"`
		Behaviors []string          `json:"behaviors"`
		Provider  map[string]string `json:"provider"`
	}{bundle, behaviors, providerOverride})
	return string(data)
}

package bundleclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/amplifier-gateway/internal/resilience"
)

type fakeCaller struct {
	calls atomic.Int32
	text  string
}

func (f *fakeCaller) CallTool(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls.Add(1)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Text: f.text}},
	}, nil
}

func TestPrepare_ParsesMountPlan(t *testing.T) {
	fake := &fakeCaller{text: `{"bundle":"foundation","behaviors":["sessions"],"agent_config":{"model":"x"}}`}
	c := New(fake, resilience.NewBreaker(3, 0), nil)

	plan, err := c.Prepare(context.Background(), "foundation", []string{"sessions"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Bundle != "foundation" {
		t.Errorf("expected bundle foundation, got %q", plan.Bundle)
	}
	if plan.AgentConfig["model"] != "x" {
		t.Errorf("expected agent_config.model=x, got %+v", plan.AgentConfig)
	}
}

func TestPrepare_DedupsConcurrentIdenticalCalls(t *testing.T) {
	fake := &fakeCaller{text: `{"bundle":"foundation"}`}
	c := New(fake, resilience.NewBreaker(3, 0), nil)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = c.Prepare(context.Background(), "foundation", nil, nil)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	if fake.calls.Load() > 5 {
		t.Errorf("expected singleflight to limit calls, got %d", fake.calls.Load())
	}
}

func TestPrepare_ServesRepeatCallsFromCache(t *testing.T) {
	fake := &fakeCaller{text: `{"bundle":"foundation","behaviors":["sessions"]}`}
	store := newFakeCache()
	c := New(fake, resilience.NewBreaker(3, 0), store)

	if _, err := c.Prepare(context.Background(), "foundation", []string{"sessions"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Prepare(context.Background(), "foundation", []string{"sessions"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fake.calls.Load() != 1 {
		t.Errorf("expected the second call to be served from cache, got %d underlying calls", fake.calls.Load())
	}
}

func TestPrepare_DistinctKeysBypassCache(t *testing.T) {
	fake := &fakeCaller{text: `{"bundle":"foundation"}`}
	store := newFakeCache()
	c := New(fake, resilience.NewBreaker(3, 0), store)

	if _, err := c.Prepare(context.Background(), "foundation", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Prepare(context.Background(), "other-bundle", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fake.calls.Load() != 2 {
		t.Errorf("expected a distinct bundle key to miss the cache, got %d underlying calls", fake.calls.Load())
	}
}

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

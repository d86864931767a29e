// Package bundleclient defines the gateway-side contract for the external
// bundle-discovery collaborator (spec §6.5's prepare call), modeled as an
// MCP tool invocation against a bundle-catalog server.
package bundleclient

import (
	"context"

	"github.com/Strob0t/amplifier-gateway/internal/port/runtimeclient"
)

// Client resolves a (bundle, behaviors) pair into a mount plan.
type Client interface {
	Prepare(ctx context.Context, bundle string, behaviors []string, providerOverride map[string]string) (runtimeclient.MountPlan, error)
}

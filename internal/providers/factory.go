// Package providers provides a factory for creating price provider instances.
package providers

import (
	"fmt"

	"cardvault/config"
	"cardvault/internal/cache"
	"cardvault/internal/core"
	"cardvault/internal/fetch"
)

// Deps carries the shared collaborators a provider may need.
type Deps struct {
	Fetcher *fetch.Fetcher
	Cache   cache.Cache
	Config  *config.Config
}

// Builder creates a provider instance from the shared dependencies
type Builder func(deps Deps) (core.RawPriceProvider, error)

// registry holds all registered provider builders
var registry = make(map[string]Builder)

// Register allows provider packages to register themselves
// This should be called from init() functions in provider packages
func Register(kind string, builder Builder) {
	registry[kind] = builder
}

// Create instantiates a provider by its source kind
func Create(kind string, deps Deps) (core.RawPriceProvider, error) {
	builder, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown provider kind: %s", kind)
	}
	return builder(deps)
}

// ListRegistered returns a list of all registered provider kinds
func ListRegistered() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

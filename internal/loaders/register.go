// Package loaders wires the built-in loader plugins into a registry.
package loaders

import (
	"github.com/lexara/sixworker/internal/loader"
	"github.com/lexara/sixworker/internal/loaders/iowaasbestos"
	"github.com/lexara/sixworker/internal/loaders/iowabusiness"
	"github.com/lexara/sixworker/internal/loaders/medfacilities"
)

// NewRegistry returns a registry with every built-in loader registered.
func NewRegistry() *loader.Registry {
	reg := loader.NewRegistry()
	iowabusiness.Register(reg)
	iowaasbestos.Register(reg)
	medfacilities.Register(reg)
	return reg
}

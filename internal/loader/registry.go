package loader

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lexara/sixworker/internal/domain"
	"github.com/lexara/sixworker/internal/graph"
)

// Factory builds a loader for one job type from its per-source config and
// the shared runtime deps.
type Factory func(cfg Config, deps Deps) (Loader, error)

// Config carries the per-source settings a factory may honor. FieldMapping
// renames input columns to the loader's canonical field names.
type Config struct {
	SourceName   string
	SourceType   string
	FieldMapping map[string]string
}

// Deps is passed to loader factories at construction time.
type Deps struct {
	Graph    GraphClient
	GeoCache GeoCache
	Log      *slog.Logger
}

// GraphClient is the propose-fact surface loaders depend on.
type GraphClient interface {
	ProposeFact(ctx domain.Context, fact graph.Fact) (graph.ProposeResponse, error)
	ProposeGeographicFact(ctx domain.Context, fact graph.GeographicFact) (graph.ProposeResponse, error)
}

// GeoCache resolves geographic node names to node IDs and refreshes single
// keys after the store creates a new node.
type GeoCache interface {
	City(name string) (string, bool)
	State(name string) (string, bool)
	County(name string) (string, bool)
	ZipCode(code string) (string, bool)
	RefreshCity(ctx domain.Context, name string) error
}

// Registry maps job types to loader factories. The zero value is unusable;
// use NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a job type to a factory. Re-registering a type replaces
// the previous factory.
func (r *Registry) Register(jobType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[jobType] = f
}

// Resolve builds a loader for jobType. Unknown types name the registered
// alternatives in the error.
func (r *Registry) Resolve(jobType string, cfg Config, deps Deps) (Loader, error) {
	r.mu.RLock()
	f, ok := r.factories[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=loader.resolve: %q (registered: %v): %w", jobType, r.Types(), domain.ErrNoLoader)
	}
	l, err := f(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("op=loader.resolve: %q: %w", jobType, err)
	}
	return l, nil
}

// Types lists the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

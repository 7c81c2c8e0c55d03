package schema

import (
	_ "embed"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"cartograph-backend/internal/errors"
)

// DefaultDomainID is the fallback domain used when no schema is configured
// or classification cannot resolve one.
const DefaultDomainID = "encyclopedia"

//go:embed defaults/encyclopedia.yaml
var defaultSchemaYAML []byte

// Registry loads domain schemas from a directory and serves them by ID.
// Initialization is lazy with double-checked locking; after a successful
// load the registry is read-only unless hot reload is enabled.
type Registry struct {
	dir       string
	hotReload bool
	logger    *zap.Logger

	mu      sync.RWMutex
	loaded  bool
	schemas map[string]*DomainSchema
}

// NewRegistry creates a registry over the schema directory. An empty dir
// serves only the embedded default. hotReload reloads from disk on every
// access and is meant for development.
func NewRegistry(dir string, hotReload bool, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:       dir,
		hotReload: hotReload,
		logger:    logger,
	}
}

// Load eagerly loads all schemas, replacing any previous load. The daemon
// calls this at startup so schema errors fail fast.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

// Reset clears the loaded state so the next access reloads from disk.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.schemas = nil
}

// Get returns the schema for a domain ID (case-insensitive, trimmed).
func (r *Registry) Get(domainID string) (*DomainSchema, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[NormalizeDomainID(domainID)]
	if !ok {
		return nil, errors.NotFound("UNKNOWN_DOMAIN", "no schema registered for domain").
			WithResource(domainID).
			Build()
	}
	return s, nil
}

// List returns all loaded schemas ordered by domain ID.
func (r *Registry) List() ([]*DomainSchema, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DomainSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DomainID < out[j].DomainID })
	return out, nil
}

// ForEntityType returns every schema that declares the entity type.
func (r *Registry) ForEntityType(entityType string) ([]*DomainSchema, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}

	var out []*DomainSchema
	for _, s := range all {
		if s.SupportsEntityType(entityType) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Default returns the fallback schema. A schema file may override the
// embedded encyclopedia by declaring the same domain ID.
func (r *Registry) Default() (*DomainSchema, error) {
	return r.Get(DefaultDomainID)
}

// ensureLoaded performs the double-checked lazy load. With hot reload
// enabled it reloads on every access instead.
func (r *Registry) ensureLoaded() error {
	if r.hotReload {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.loadLocked()
	}

	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	schemas := make(map[string]*DomainSchema)

	embedded, err := parseSchema(defaultSchemaYAML, "embedded:encyclopedia")
	if err != nil {
		return err
	}
	schemas[NormalizeDomainID(embedded.DomainID)] = embedded

	if r.dir != "" {
		if err := r.loadDir(schemas); err != nil {
			return err
		}
	}

	r.schemas = schemas
	r.loaded = true
	r.logger.Info("domain schemas loaded",
		zap.Int("count", len(schemas)),
		zap.String("dir", r.dir))
	return nil
}

func (r *Registry) loadDir(schemas map[string]*DomainSchema) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("schema directory missing, serving embedded default only",
				zap.String("dir", r.dir))
			return nil
		}
		return errors.Internal("SCHEMA_DIR_READ", "failed to read schema directory").
			WithResource(r.dir).
			WithCause(err).
			Build()
	}

	fromFile := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isSchemaFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return errors.Internal("SCHEMA_FILE_READ", "failed to read schema file").
				WithResource(path).
				WithCause(err).
				Build()
		}

		s, err := parseSchema(raw, path)
		if err != nil {
			return err
		}

		// A file may override the embedded default; two files declaring the
		// same domain is a configuration error.
		id := NormalizeDomainID(s.DomainID)
		if prev, ok := fromFile[id]; ok {
			return errors.Validation("DUPLICATE_DOMAIN", "domain declared by more than one schema file").
				WithResource(s.DomainID).
				WithDetails(prev + " and " + path).
				Build()
		}
		fromFile[id] = path
		schemas[id] = s
	}
	return nil
}

func parseSchema(raw []byte, source string) (*DomainSchema, error) {
	var s DomainSchema
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, errors.Validation("SCHEMA_PARSE", "failed to parse schema YAML").
			WithResource(source).
			WithCause(err).
			Build()
	}
	s.DomainID = NormalizeDomainID(s.DomainID)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func isSchemaFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

package steps

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// Config holds capability settings.
type Config struct {
	// HTTPTimeout bounds every outbound HTTP call.
	HTTPTimeout time.Duration `yaml:"http_timeout" json:"http_timeout"`

	// MaxResponseBytes caps how much of an HTTP response body is kept.
	MaxResponseBytes int64 `yaml:"max_response_bytes" json:"max_response_bytes"`

	// HonorWait makes wait steps sleep. Otherwise they only record the requested delay.
	HonorWait bool `yaml:"honor_wait" json:"honor_wait"`

	// MaxWait caps the sleep of a single wait step when HonorWait is set.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`

	// ConditionTimeout bounds branch condition evaluation.
	ConditionTimeout time.Duration `yaml:"condition_timeout" json:"condition_timeout"`

	// HTTPClient overrides the client used by HTTP capabilities.
	HTTPClient *http.Client `yaml:"-" json:"-"`
}

// DefaultConfig returns the default capability settings.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:      10 * time.Second,
		MaxResponseBytes: 1 << 20,
		HonorWait:        false,
		MaxWait:          30 * time.Second,
		ConditionTimeout: time.Second,
	}
}

// Registry maps step kinds to capabilities. It is safe for concurrent use.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// capabilities maps a step kind to its capability.
	capabilities map[engine.StepKind]engine.Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[engine.StepKind]engine.Capability),
	}
}

// NewDefaultRegistry creates a registry with every built-in capability registered.
// Lookup kinds without a provider fail outside dry-run.
func NewDefaultRegistry(cfg Config, providers Providers) *Registry {
	defaults := DefaultConfig()
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaults.MaxResponseBytes
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaults.MaxWait
	}
	if cfg.ConditionTimeout <= 0 {
		cfg.ConditionTimeout = defaults.ConditionTimeout
	}

	r := NewRegistry()
	r.mustRegister(engine.KindGeoIP, newGeoIPCapability(providers.GeoIP))
	r.mustRegister(engine.KindWhois, newWhoisCapability(providers.Whois))
	r.mustRegister(engine.KindVirusTotal, newReputationCapability(providers.Reputation))
	r.mustRegister(engine.KindReverseGeocode, newGeocodeCapability(providers.Geocode))
	r.mustRegister(engine.KindHTTPGet, newHTTPCapability(http.MethodGet, cfg))
	r.mustRegister(engine.KindHTTPPost, newHTTPCapability(http.MethodPost, cfg))
	r.mustRegister(engine.KindKeywordMatch, engine.CapabilityFunc(keywordMatch))
	r.mustRegister(engine.KindBranch, newBranchCapability(NewConditionEvaluator(cfg.ConditionTimeout)))
	r.mustRegister(engine.KindWait, newWaitCapability(cfg))
	r.mustRegister(engine.KindOutput, engine.CapabilityFunc(renderOutput))
	return r
}

// Register registers or replaces the capability of a step kind.
func (r *Registry) Register(kind engine.StepKind, capability engine.Capability) error {
	if err := kind.Validate(); err != nil {
		return fmt.Errorf("failed to register capability: %w", err)
	}
	if capability == nil {
		return fmt.Errorf("failed to register capability: nil capability for %s", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[kind] = capability
	return nil
}

func (r *Registry) mustRegister(kind engine.StepKind, capability engine.Capability) {
	if err := r.Register(kind, capability); err != nil {
		panic(err)
	}
}

// Resolve implements engine.CapabilityResolver.
func (r *Registry) Resolve(kind engine.StepKind) (engine.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capability, ok := r.capabilities[kind]
	if !ok {
		return nil, fmt.Errorf("no capability registered for step kind %s", kind)
	}
	return capability, nil
}

// Kinds returns the registered step kinds in sorted order.
func (r *Registry) Kinds() []engine.StepKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]engine.StepKind, 0, len(r.capabilities))
	for k := range r.capabilities {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

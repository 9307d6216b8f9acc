package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// EndpointConfig describes one JSON lookup endpoint. URL is a template rendered
// with .value (the indicator, ip or domain) and, for geocoding, .lat and .lon.
type EndpointConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// RemoteConfig configures the HTTP-backed lookup providers.
type RemoteConfig struct {
	GeoIP      EndpointConfig `yaml:"geoip" json:"geoip"`
	Whois      EndpointConfig `yaml:"whois" json:"whois"`
	Reputation EndpointConfig `yaml:"reputation" json:"reputation"`
	Geocode    EndpointConfig `yaml:"geocode" json:"geocode"`

	// Timeout bounds each lookup call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// CacheSize is the number of lookup responses kept. 0 disables caching.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// CacheTTL is how long a cached response stays valid.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// RemoteLookup answers lookups by calling JSON HTTP endpoints. It implements every
// provider interface; endpoints without a URL are left unset in Providers.
type RemoteLookup struct {
	cfg    RemoteConfig
	client *http.Client
	cache  *expirable.LRU[string, map[string]interface{}]
}

// NewRemoteLookup creates a remote lookup. client may be nil.
func NewRemoteLookup(cfg RemoteConfig, client *http.Client) *RemoteLookup {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	r := &RemoteLookup{cfg: cfg, client: client}
	if cfg.CacheSize > 0 {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = 15 * time.Minute
		}
		r.cache = expirable.NewLRU[string, map[string]interface{}](cfg.CacheSize, nil, ttl)
	}
	return r
}

// Providers returns the provider set backed by the configured endpoints.
func (r *RemoteLookup) Providers() Providers {
	var p Providers
	if r.cfg.GeoIP.URL != "" {
		p.GeoIP = r
	}
	if r.cfg.Whois.URL != "" {
		p.Whois = r
	}
	if r.cfg.Reputation.URL != "" {
		p.Reputation = r
	}
	if r.cfg.Geocode.URL != "" {
		p.Geocode = r
	}
	return p
}

// LookupIP implements GeoIPProvider.
func (r *RemoteLookup) LookupIP(ctx context.Context, ip string) (map[string]interface{}, error) {
	return r.fetch(ctx, "geoip", r.cfg.GeoIP, map[string]interface{}{"value": ip})
}

// LookupDomain implements WhoisProvider.
func (r *RemoteLookup) LookupDomain(ctx context.Context, domain string) (map[string]interface{}, error) {
	return r.fetch(ctx, "whois", r.cfg.Whois, map[string]interface{}{"value": domain})
}

// Reputation implements ReputationProvider.
func (r *RemoteLookup) Reputation(ctx context.Context, indicator string) (map[string]interface{}, error) {
	return r.fetch(ctx, "reputation", r.cfg.Reputation, map[string]interface{}{"value": indicator})
}

// ReverseGeocode implements GeocodeProvider.
func (r *RemoteLookup) ReverseGeocode(ctx context.Context, lat, lon float64) (map[string]interface{}, error) {
	return r.fetch(ctx, "geocode", r.cfg.Geocode, map[string]interface{}{
		"lat": strconv.FormatFloat(lat, 'f', -1, 64),
		"lon": strconv.FormatFloat(lon, 'f', -1, 64),
	})
}

func (r *RemoteLookup) fetch(ctx context.Context, name string, endpoint EndpointConfig, vars map[string]interface{}) (map[string]interface{}, error) {
	if endpoint.URL == "" {
		return nil, ErrNoProvider
	}
	escaped := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		escaped[k] = url.PathEscape(fmt.Sprint(v))
	}
	target, err := renderTemplate(name, endpoint.URL, escaped)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if cached, ok := r.cache.Get(target); ok {
			return engine.CopyMap(cached), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range endpoint.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s endpoint returned status %d", name, resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%s endpoint returned invalid JSON: %w", name, err)
	}

	if r.cache != nil {
		r.cache.Add(target, engine.CopyMap(data))
	}
	return data, nil
}

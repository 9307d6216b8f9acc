package steps

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// GeoIPProvider resolves an IP address to location data.
type GeoIPProvider interface {
	LookupIP(ctx context.Context, ip string) (map[string]interface{}, error)
}

// WhoisProvider returns registration data for a domain.
type WhoisProvider interface {
	LookupDomain(ctx context.Context, domain string) (map[string]interface{}, error)
}

// ReputationProvider returns reputation data for an IP, domain or file hash.
type ReputationProvider interface {
	Reputation(ctx context.Context, indicator string) (map[string]interface{}, error)
}

// GeocodeProvider resolves coordinates to a place.
type GeocodeProvider interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (map[string]interface{}, error)
}

// Providers bundles the external collaborators of the lookup capabilities.
// Any of them may be nil.
type Providers struct {
	GeoIP      GeoIPProvider
	Whois      WhoisProvider
	Reputation ReputationProvider
	Geocode    GeocodeProvider
}

// ErrNoProvider is returned when a lookup kind runs for real without a provider.
var ErrNoProvider = errors.New("no provider configured")

// subjectFallback returns the subject id when the subject is of the given kind.
func subjectFallback(req engine.CapabilityRequest, kinds ...string) (string, bool) {
	sk, _ := req.Context["subjectKind"].(string)
	id, _ := req.Context["subjectId"].(string)
	if id == "" {
		return "", false
	}
	for _, k := range kinds {
		if sk == k {
			return id, true
		}
	}
	return "", false
}

func simulated(key string, data map[string]interface{}) *engine.CapabilityResult {
	data["simulated"] = true
	return &engine.CapabilityResult{
		Output:    map[string]interface{}{key: data},
		Simulated: true,
	}
}

type geoIPCapability struct {
	provider GeoIPProvider
}

func newGeoIPCapability(p GeoIPProvider) *geoIPCapability {
	return &geoIPCapability{provider: p}
}

func (c *geoIPCapability) Execute(ctx context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	ip, ok := stringParam(req, "ip")
	if !ok {
		ip, ok = subjectFallback(req, "ip")
	}
	if req.DryRun {
		return simulated("geoip", map[string]interface{}{"ip": ip, "country": "ZZ", "city": "Simulated"}), nil
	}
	if !ok {
		return nil, fmt.Errorf("missing required parameter ip")
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip address %q", ip)
	}
	if parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() {
		return &engine.CapabilityResult{
			Output: map[string]interface{}{"geoip": map[string]interface{}{"ip": ip, "scope": "private"}},
		}, nil
	}
	if c.provider == nil {
		return nil, fmt.Errorf("geoip: %w", ErrNoProvider)
	}
	data, err := c.provider.LookupIP(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup failed: %w", err)
	}
	return &engine.CapabilityResult{Output: map[string]interface{}{"geoip": data}}, nil
}

type whoisCapability struct {
	provider WhoisProvider
}

func newWhoisCapability(p WhoisProvider) *whoisCapability {
	return &whoisCapability{provider: p}
}

func (c *whoisCapability) Execute(ctx context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	domain, ok := stringParam(req, "domain")
	if !ok {
		domain, ok = subjectFallback(req, "domain")
	}
	if req.DryRun {
		return simulated("whois", map[string]interface{}{"domain": domain, "registrar": "Simulated Registrar"}), nil
	}
	if !ok {
		return nil, fmt.Errorf("missing required parameter domain")
	}
	if c.provider == nil {
		return nil, fmt.Errorf("whois: %w", ErrNoProvider)
	}
	data, err := c.provider.LookupDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("whois lookup failed: %w", err)
	}
	return &engine.CapabilityResult{Output: map[string]interface{}{"whois": data}}, nil
}

type reputationCapability struct {
	provider ReputationProvider
}

func newReputationCapability(p ReputationProvider) *reputationCapability {
	return &reputationCapability{provider: p}
}

func (c *reputationCapability) Execute(ctx context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	indicator, ok := stringParam(req, "indicator")
	if !ok {
		indicator, ok = subjectFallback(req, "ip", "domain", "hash")
	}
	if req.DryRun {
		return simulated("virustotal", map[string]interface{}{"indicator": indicator, "malicious": int64(0), "harmless": int64(0)}), nil
	}
	if !ok {
		return nil, fmt.Errorf("missing required parameter indicator")
	}
	if c.provider == nil {
		return nil, fmt.Errorf("virustotal: %w", ErrNoProvider)
	}
	data, err := c.provider.Reputation(ctx, indicator)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup failed: %w", err)
	}
	return &engine.CapabilityResult{Output: map[string]interface{}{"virustotal": data}}, nil
}

type geocodeCapability struct {
	provider GeocodeProvider
}

func newGeocodeCapability(p GeocodeProvider) *geocodeCapability {
	return &geocodeCapability{provider: p}
}

func (c *geocodeCapability) Execute(ctx context.Context, req engine.CapabilityRequest) (*engine.CapabilityResult, error) {
	lat, hasLat, err := floatParam(req, "lat")
	if err != nil {
		return nil, err
	}
	lon, hasLon, err := floatParam(req, "lon")
	if err != nil {
		return nil, err
	}
	if req.DryRun {
		return simulated("geocode", map[string]interface{}{"lat": lat, "lon": lon, "place": "Simulated Place"}), nil
	}
	if !hasLat || !hasLon {
		return nil, fmt.Errorf("missing required parameters lat and lon")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinates out of range: %v,%v", lat, lon)
	}
	if c.provider == nil {
		return nil, fmt.Errorf("reverse_geocode: %w", ErrNoProvider)
	}
	data, err := c.provider.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return nil, fmt.Errorf("reverse geocode failed: %w", err)
	}
	return &engine.CapabilityResult{Output: map[string]interface{}{"geocode": data}}, nil
}

package attack

import (
	"net"

	geoip2 "github.com/oschwald/geoip2-golang"

	"github.com/c360/sensorgate/errors"
)

// GeoResolver maps an IP address to an ISO country code. Implementations are
// external collaborators; lookup failures are expected for private and
// malformed addresses.
type GeoResolver interface {
	CountryCode(ip string) (string, error)
}

// MaxMindResolver resolves countries from a local MaxMind database file.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the database at path (e.g. GeoLite2-City.mmdb).
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "MaxMindResolver", "NewMaxMindResolver", "open database")
	}
	return &MaxMindResolver{reader: reader}, nil
}

// CountryCode returns the ISO country code for ip.
func (r *MaxMindResolver) CountryCode(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", errors.WrapInvalid(errors.ErrGeoLookupFailed, "MaxMindResolver", "CountryCode",
			"parse ip "+ip)
	}
	record, err := r.reader.City(parsed)
	if err != nil {
		return "", errors.WrapTransient(err, "MaxMindResolver", "CountryCode", "lookup city")
	}
	if record.Country.IsoCode == "" {
		return "", errors.WrapTransient(errors.ErrGeoLookupFailed, "MaxMindResolver", "CountryCode",
			"no country for "+ip)
	}
	return record.Country.IsoCode, nil
}

// Close releases the database handle.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}

// BotnetChecker is a pluggable secondary reputation source. The default
// implementation has no external data and reports every IP as clean; that
// explicit no-op is not a positive signal.
type BotnetChecker interface {
	IsKnownBotnet(ip string) bool
}

// NoopBotnetChecker reports every IP as clean.
type NoopBotnetChecker struct{}

// IsKnownBotnet always returns false.
func (NoopBotnetChecker) IsKnownBotnet(string) bool { return false }

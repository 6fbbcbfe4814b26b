package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

type Location struct {
	Country string
	State   string
	City    string
}

// Locator resolves a client IP to a location. A miss is not an error:
// callers leave all geo fields absent when ok is false.
type Locator interface {
	Lookup(ip string) (loc Location, ok bool)
}

type nop struct{}

func (nop) Lookup(string) (Location, bool) { return Location{}, false }

// Nop returns a Locator that never matches, for deployments without a
// geolocation database.
func Nop() Locator { return nop{} }

// MaxMind reads locations from a GeoIP2/GeoLite2 city database file.
type MaxMind struct {
	reader *geoip2.Reader
}

func Open(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo database: %w", err)
	}
	return &MaxMind{reader: reader}, nil
}

// Lookup resolves country, state and city in a single query.
// The result is all-or-nothing: anything short of a country match is
// reported as a miss.
func (m *MaxMind) Lookup(ip string) (Location, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, false
	}

	record, err := m.reader.City(parsed)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("geo lookup failed")
		return Location{}, false
	}

	loc := Location{
		Country: record.Country.Names["en"],
		City:    record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		loc.State = record.Subdivisions[0].Names["en"]
	}
	if loc.Country == "" {
		return Location{}, false
	}
	return loc, true
}

func (m *MaxMind) Close() error {
	return m.reader.Close()
}

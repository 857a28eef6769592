// Package market describes the index markets the engine serves: which city,
// which index category, what currency the index quotes in, and how the
// upstream data is time-shifted.
package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Category identifies the index family. The numeric value is the category id
// the on-chain oracle uses.
type Category uint8

const (
	RealEstate Category = 0
	AirQuality Category = 1
)

var (
	ErrUnknownCategory = errors.New("market: unknown index category")
	ErrInvalidCity     = errors.New("market: invalid city identifier")
	ErrInvalidKey      = errors.New("market: invalid market key")
	ErrUnknownMarket   = errors.New("market: unknown market")
	ErrDuplicateMarket = errors.New("market: duplicate market")
)

// cityRegex matches lower-case city identifiers such as "hongkong".
var cityRegex = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// ParseCategory accepts the slug ("realestate"), the display name
// ("Real Estate") or the numeric id ("0").
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "realestate", "0":
		return RealEstate, nil
	case "airquality", "1":
		return AirQuality, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Slug is the lower-case form used in collection names and query strings.
func (c Category) Slug() string {
	if c == AirQuality {
		return "airquality"
	}
	return "realestate"
}

// String is the display name.
func (c Category) String() string {
	if c == AirQuality {
		return "Air Quality"
	}
	return "Real Estate"
}

func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Slug())
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint8
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownCategory, data)
		}
		s = fmt.Sprint(n)
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Market is one tradable index.
type Market struct {
	City        string   `json:"name"`
	DisplayName string   `json:"displayName,omitempty"`
	Code        string   `json:"code,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Category    Category `json:"type"`
	Timezone    float64  `json:"timezone"`  // hours added to upstream timestamps
	TimeDelay   int      `json:"timeDelay"` // days added to upstream timestamps
}

// Key identifies the market in storage: "{city}_{category}".
func (m Market) Key() string {
	return Key(m.City, m.Category)
}

// Key builds a market key.
func Key(city string, c Category) string {
	return city + "_" + c.Slug()
}

// ParseKey splits a market key back into city and category.
func ParseKey(key string) (string, Category, error) {
	i := strings.LastIndex(key, "_")
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	city := key[:i]
	if !cityRegex.MatchString(city) {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCity, city)
	}
	c, err := ParseCategory(key[i+1:])
	if err != nil {
		return "", 0, err
	}
	return city, c, nil
}

// Validate checks the identifier and currency fields.
func (m Market) Validate() error {
	if !cityRegex.MatchString(m.City) {
		return fmt.Errorf("%w: %q", ErrInvalidCity, m.City)
	}
	if m.Category != RealEstate && m.Category != AirQuality {
		return fmt.Errorf("%w: %d", ErrUnknownCategory, m.Category)
	}
	return nil
}

// DefaultMarkets are the markets listed when no markets file is configured.
var DefaultMarkets = []Market{
	{City: "hongkong", DisplayName: "Hong Kong", Code: "HKG", Currency: "HKD", Category: RealEstate},
	{City: "singapore", DisplayName: "Singapore", Code: "SG", Currency: "SGD", Category: RealEstate},
	{City: "dubai", DisplayName: "Dubai", Code: "DB", Currency: "AED", Category: RealEstate},
	{City: "london", DisplayName: "London", Code: "LDN", Currency: "GBP", Category: RealEstate},
}

// Registry holds the configured markets keyed by Market.Key.
type Registry struct {
	markets map[string]Market
}

// NewRegistry validates and indexes markets.
func NewRegistry(markets []Market) (*Registry, error) {
	r := &Registry{markets: make(map[string]Market, len(markets))}
	for _, m := range markets {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.markets[m.Key()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMarket, m.Key())
		}
		r.markets[m.Key()] = m
	}
	return r, nil
}

// LoadRegistry reads a JSON array of markets, the cities file format of the
// resolver: [{"name":"hongkong","type":"realestate","timezone":8,"timeDelay":0}].
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	var markets []Market
	if err := json.Unmarshal(data, &markets); err != nil {
		return nil, fmt.Errorf("parse markets file %s: %w", path, err)
	}
	return NewRegistry(markets)
}

// Lookup resolves a city and index query pair, e.g. ("hongkong", "realestate").
func (r *Registry) Lookup(city, index string) (Market, error) {
	c, err := ParseCategory(index)
	if err != nil {
		return Market{}, err
	}
	return r.Get(Key(strings.ToLower(city), c))
}

// Get returns the market with the given key.
func (r *Registry) Get(key string) (Market, error) {
	m, ok := r.markets[key]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, key)
	}
	return m, nil
}

// List returns all markets ordered by key.
func (r *Registry) List() []Market {
	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

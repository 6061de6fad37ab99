package egress

import (
	"strings"
)

const (
	defaultCountry = "us"
	defaultState   = "california"
)

// validUSStates limits state targeting to names the providers accept.
var validUSStates = map[string]bool{
	"alabama": true, "alaska": true, "arizona": true, "arkansas": true,
	"california": true, "colorado": true, "connecticut": true, "delaware": true,
	"florida": true, "georgia": true, "hawaii": true, "idaho": true,
	"illinois": true, "indiana": true, "iowa": true, "kansas": true,
	"kentucky": true, "louisiana": true, "maine": true, "maryland": true,
	"massachusetts": true, "michigan": true, "minnesota": true, "mississippi": true,
	"missouri": true, "montana": true, "nebraska": true, "nevada": true,
	"new_hampshire": true, "new_jersey": true, "new_mexico": true, "new_york": true,
	"north_carolina": true, "north_dakota": true, "ohio": true, "oklahoma": true,
	"oregon": true, "pennsylvania": true, "rhode_island": true, "south_carolina": true,
	"south_dakota": true, "tennessee": true, "texas": true, "utah": true,
	"vermont": true, "virginia": true, "washington": true, "west_virginia": true,
	"wisconsin": true, "wyoming": true,
}

// Location is a geographic egress target parsed from the x-location header.
type Location struct {
	Country    string
	State      string
	City       string
	PostalCode string
}

// IsZero reports whether no component is set.
func (l Location) IsZero() bool {
	return l == Location{}
}

// String renders the location from most to least specific.
func (l Location) String() string {
	var parts []string
	for _, p := range []string{l.PostalCode, l.City, l.State, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "no location"
	}
	return strings.Join(parts, ", ")
}

// field returns a component by its hierarchy field name.
func (l Location) field(name string) string {
	switch name {
	case "postal_code":
		return l.PostalCode
	case "city":
		return l.City
	case "state":
		return l.State
	case "country":
		return l.Country
	}
	return ""
}

// ParseLocation parses the hierarchical x-location header format, e.g.
// "postalcode_90210_city_los_angeles_state_california_country_us". Values may
// span several underscore-separated words; the next recognized key ends them.
func ParseLocation(raw string) Location {
	var loc Location
	if raw == "" {
		return loc
	}

	parts := strings.Split(raw, "_")
	isKey := func(s string) bool {
		switch s {
		case "postalcode", "city", "state", "country":
			return true
		}
		return false
	}

	i := 0
	for i < len(parts) {
		key := strings.ToLower(parts[i])
		if !isKey(key) {
			i++
			continue
		}

		var valueParts []string
		j := i + 1
		for j < len(parts) && !isKey(strings.ToLower(parts[j])) {
			valueParts = append(valueParts, strings.ToLower(parts[j]))
			j++
		}
		if len(valueParts) > 0 {
			value := strings.Join(valueParts, "_")
			switch key {
			case "postalcode":
				loc.PostalCode = value
			case "city":
				loc.City = value
			case "state":
				loc.State = value
			case "country":
				loc.Country = value
			}
		}
		i = j
	}
	return loc
}

// ValidateAndDefault normalizes a parsed location: an invalid country falls
// back to the default, non-US locations lose state and postal code, and an
// unknown US state falls back to the default state.
func ValidateAndDefault(loc Location) Location {
	country := strings.ToLower(loc.Country)
	if len(country) != 2 || !isAlpha(country) {
		country = defaultCountry
		loc.State = defaultState
	}
	loc.Country = country

	if country != "us" {
		loc.PostalCode = ""
		loc.State = ""
		return loc
	}

	if loc.State != "" {
		state := strings.ToLower(loc.State)
		if !validUSStates[state] {
			state = defaultState
		}
		loc.State = state
	}
	return loc
}

// defaultHierarchyFields is the fallback order when a provider config names
// none and its template gives no hint.
var defaultHierarchyFields = []string{"postal_code", "city", "state"}

// BuildHierarchy orders candidate locations from most to least specific. Each
// field spec is tried with the country; "a+b" specs combine fields; a
// country-only candidate always terminates the list. Specs whose fields the
// location does not carry are skipped.
func BuildHierarchy(loc Location, fields []string) []Location {
	if loc.Country == "" {
		return nil
	}
	if fields == nil {
		fields = defaultHierarchyFields
	}

	var hierarchy []Location
	for _, spec := range fields {
		candidate := Location{Country: loc.Country}
		complete := true
		for _, field := range strings.Split(spec, "+") {
			value := loc.field(field)
			if value == "" {
				complete = false
				break
			}
			switch field {
			case "postal_code":
				candidate.PostalCode = value
			case "city":
				candidate.City = value
			case "state":
				candidate.State = value
			}
		}
		if complete {
			hierarchy = append(hierarchy, candidate)
		}
	}

	return append(hierarchy, Location{Country: loc.Country})
}

// DetectHierarchyFields infers hierarchy fields from the placeholders a
// template uses. Templates without location placeholders need no hierarchy.
func DetectHierarchyFields(template string) []string {
	var fields []string
	if strings.Contains(template, "{postal_code}") {
		fields = append(fields, "postal_code")
	}
	if strings.Contains(template, "{city}") || strings.Contains(template, "{city_compacted}") {
		fields = append(fields, "city")
	}
	if strings.Contains(template, "{state}") {
		fields = append(fields, "state")
	}
	return fields
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return s != ""
}

package egress

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([^}]+)\}`)

// templateValues builds the placeholder substitutions for one session and
// location. State targeting only exists for US locations; city_compacted is
// the city with every separator removed, for providers that want it dense.
func templateValues(sessionID string, loc *Location) map[string]string {
	values := map[string]string{"session_id": sessionID}
	if loc == nil || loc.IsZero() {
		return values
	}

	country := strings.ToLower(loc.Country)
	if country != "" {
		values["country"] = country
	}
	if loc.State != "" && country == "us" {
		values["state"] = strings.ReplaceAll(strings.ToLower(loc.State), " ", "_")
	}
	if loc.City != "" {
		city := strings.ToLower(loc.City)
		values["city"] = strings.ReplaceAll(city, " ", "_")
		compacted := strings.NewReplacer("-", "", "_", "", " ", "").Replace(city)
		values["city_compacted"] = compacted
	}
	if loc.PostalCode != "" {
		values["postal_code"] = loc.PostalCode
	}
	return values
}

// renderTemplate substitutes placeholders and drops the segments around
// placeholders that have no value, so "cc-{country}-city-{city}" with only a
// country renders to "cc-us" instead of "cc-us-city-". Leading and trailing
// separators left over from dropped segments are stripped.
func renderTemplate(template string, values map[string]string) string {
	var parts []string
	current := template

	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		placeholder := match[1]
		before, after, _ := strings.Cut(current, "{"+placeholder+"}")
		if value, ok := values[placeholder]; ok && value != "" {
			parts = append(parts, before+value)
		}
		current = after
	}
	if current != "" {
		parts = append(parts, current)
	}

	return strings.Trim(strings.Join(parts, ""), "-_")
}

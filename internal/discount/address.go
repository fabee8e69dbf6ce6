package discount

import (
	"regexp"
	"strings"
)

var postalCodeRe = regexp.MustCompile(`^\d{4,6}\s+`)

// ExtractCity pulls a lowercase city name out of a free-form address.
// Addresses look like "Mannerheimintie 5, 00100 Helsinki": the city is
// the last comma-separated segment with any leading postal code removed.
// A bare city name passes through unchanged.
func ExtractCity(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	parts := strings.Split(addr, ",")
	last := strings.TrimSpace(parts[len(parts)-1])
	last = postalCodeRe.ReplaceAllString(last, "")
	// Some geocoders append the country after the city.
	if fields := strings.Fields(last); len(fields) > 0 {
		last = fields[0]
	}
	return strings.ToLower(last)
}

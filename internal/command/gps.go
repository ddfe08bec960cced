package command

import (
	"regexp"
	"strconv"
	"strings"
)

// gpsPattern matches a latitude/longitude pair in free text or map-link URLs
// (e.g. "59.3293,18.0686", "@59.3293,18.0686,12z", "59,3293, 18,0686").
// Both numbers must carry a fractional part; the decimal separator may be a
// point or a Swedish decimal comma.
var gpsPattern = regexp.MustCompile(`(-?\d{1,3}[.,]\d+)[\s;,]+(-?\d{1,3}[.,]\d+)`)

// ParseGPS extracts the first valid coordinate pair from raw text. It
// normalizes decimal commas, validates -90<=lat<=90 and -180<=lon<=180, and
// returns the text with the matched span removed so callers can classify the
// remainder.
func ParseGPS(raw string) (lat, lon float64, rest string, ok bool) {
	matches := gpsPattern.FindAllStringSubmatchIndex(raw, -1)
	for _, m := range matches {
		latStr := raw[m[2]:m[3]]
		lonStr := raw[m[4]:m[5]]

		la, err := parseCoordinate(latStr)
		if err != nil {
			continue
		}
		lo, err := parseCoordinate(lonStr)
		if err != nil {
			continue
		}
		if la < -90 || la > 90 || lo < -180 || lo > 180 {
			continue
		}

		rest = strings.TrimSpace(strings.TrimSpace(raw[:m[0]]) + " " + strings.TrimSpace(raw[m[1]:]))
		return la, lo, rest, true
	}
	return 0, 0, raw, false
}

func parseCoordinate(s string) (float64, error) {
	s = strings.Replace(s, ",", ".", 1)
	return strconv.ParseFloat(s, 64)
}

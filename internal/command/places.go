package command

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultRadiusKm = 10
	maxRadiusKm     = 50
)

// PlaceQuery is a resolved "find nearby X" request.
type PlaceQuery struct {
	Category string
	RadiusKm int
}

var searchKeywords = []string{
	"find", "nearest", "closest", "nearby", "where is", "search for",
	"hitta", "närmaste", "närliggande", "var finns", "sök efter",
}

// categoryTokens maps message words to canonical place categories. Tokens
// match on word boundaries, so common plural and definite forms carry their
// own entries.
var categoryTokens = []struct {
	token    string
	category string
}{
	{"gas station", "gas station"},
	{"gas stations", "gas station"},
	{"petrol station", "gas station"},
	{"petrol stations", "gas station"},
	{"bensinstation", "gas station"},
	{"bensinstationen", "gas station"},
	{"bensinmack", "gas station"},
	{"bensinmacken", "gas station"},
	{"grocery store", "grocery store"},
	{"grocery stores", "grocery store"},
	{"grocery", "grocery store"},
	{"groceries", "grocery store"},
	{"supermarket", "grocery store"},
	{"supermarkets", "grocery store"},
	{"mataffär", "grocery store"},
	{"mataffären", "grocery store"},
	{"matbutik", "grocery store"},
	{"matbutiken", "grocery store"},
	{"livsmedelsbutik", "grocery store"},
	{"livsmedelsbutiken", "grocery store"},
	{"restaurant", "restaurant"},
	{"restaurants", "restaurant"},
	{"restaurang", "restaurant"},
	{"restaurangen", "restaurant"},
	{"restauranger", "restaurant"},
	{"pizzeria", "restaurant"},
	{"cafe", "cafe"},
	{"cafes", "cafe"},
	{"café", "cafe"},
	{"kafé", "cafe"},
	{"coffee shop", "cafe"},
	{"coffee shops", "cafe"},
	{"fik", "cafe"},
	{"fika", "cafe"},
	{"fiket", "cafe"},
	{"pharmacy", "pharmacy"},
	{"pharmacies", "pharmacy"},
	{"apotek", "pharmacy"},
	{"apoteket", "pharmacy"},
	{"hospital", "hospital"},
	{"hospitals", "hospital"},
	{"sjukhus", "hospital"},
	{"sjukhuset", "hospital"},
	{"vårdcentral", "hospital"},
	{"vårdcentralen", "hospital"},
	{"hotel", "hotel"},
	{"hotels", "hotel"},
	{"hotell", "hotel"},
	{"hotellet", "hotel"},
	{"hostel", "hotel"},
	{"hostels", "hotel"},
	{"vandrarhem", "hotel"},
	{"vandrarhemmet", "hotel"},
	{"atm", "atm"},
	{"atms", "atm"},
	{"bankomat", "atm"},
	{"bankomaten", "atm"},
	{"cash machine", "atm"},
	{"cash machines", "atm"},
	{"parking", "parking"},
	{"parkering", "parking"},
	{"parkeringen", "parking"},
	{"mack", "gas station"},
	{"macken", "gas station"},
	{"toilet", "toilet"},
	{"toilets", "toilet"},
	{"toalett", "toilet"},
	{"toaletten", "toilet"},
}

var weatherWords = []string{
	"weather", "forecast", "temperature", "rain", "raining", "rainy",
	"snow", "snowing", "wind", "windy",
	"väder", "vädret", "prognos", "prognosen", "temperatur", "temperaturen",
	"regn", "regnar", "snö", "snöar", "blåst", "blåser",
}

var shelterWords = []string{
	"emergency shelter", "shelter", "shelters", "cabin", "cabins", "emergency",
	"skyddsrum", "skyddsrummet", "stuga", "stugan", "stugor",
	"nödrum", "nödläge",
}

var radiusPattern = regexp.MustCompile(`(?:within|inom)\s+(\d{1,3})|(\d{1,3})\s*km\b`)

// MatchPlaceSearch reports a nearby-search request. It requires both a search
// keyword and a resolvable category; the radius is optional and defaults to
// DefaultRadiusKm.
func MatchPlaceSearch(text string) (PlaceQuery, bool) {
	t := normalize(text)

	hasKeyword := false
	for _, kw := range searchKeywords {
		if containsWord(t, kw) {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		return PlaceQuery{}, false
	}

	return ResolvePlaceQuery(t)
}

// ResolvePlaceQuery builds a query from any text naming a place category,
// without requiring a search keyword. Text trailing a coordinate pair is
// matched this way, so "59.33, 18.06 pizzeria" searches.
func ResolvePlaceQuery(text string) (PlaceQuery, bool) {
	t := normalize(text)
	category, ok := ResolveCategory(t)
	if !ok {
		return PlaceQuery{}, false
	}
	return PlaceQuery{Category: category, RadiusKm: parseRadius(t)}, true
}

// ResolveCategory looks up a place category token in text. Text is normalized
// internally so callers can pass raw remainders.
func ResolveCategory(text string) (string, bool) {
	t := normalize(text)
	for _, entry := range categoryTokens {
		if containsWord(t, entry.token) {
			return entry.category, true
		}
	}
	return "", false
}

func parseRadius(t string) int {
	m := radiusPattern.FindStringSubmatch(t)
	if m == nil {
		return DefaultRadiusKm
	}
	digits := m[1]
	if digits == "" {
		digits = m[2]
	}
	radius, err := strconv.Atoi(digits)
	if err != nil || radius <= 0 {
		return DefaultRadiusKm
	}
	if radius > maxRadiusKm {
		return maxRadiusKm
	}
	return radius
}

// IsWeatherQuery detects natural-language weather questions.
func IsWeatherQuery(text string) bool {
	t := normalize(text)
	for _, w := range weatherWords {
		if containsWord(t, w) {
			return true
		}
	}
	return false
}

// IsShelterQuery detects requests for the nearest emergency shelter or cabin.
func IsShelterQuery(text string) bool {
	t := normalize(text)
	for _, w := range shelterWords {
		if containsWord(t, w) {
			return true
		}
	}
	return false
}

// containsWord reports whether phrase occurs in text with no letter or digit
// directly adjoining the match, so "wind" never fires inside "window".
func containsWord(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return false
		}
		i += from
		if !adjoinsWord(text, i, i+len(phrase)) {
			return true
		}
		from = i + 1
	}
}

func adjoinsWord(text string, start, end int) bool {
	if r, _ := utf8.DecodeLastRuneInString(text[:start]); unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	if r, _ := utf8.DecodeRuneInString(text[end:]); unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return false
}

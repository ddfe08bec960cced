// Package command classifies inbound message text. Every predicate is pure
// and side-effect-free; the gateway applies them in its fixed priority order.
package command

import "strings"

var confirmWords = map[string]bool{
	"yes": true, "y": true,
	"ja": true, "j": true,
}

var stopWords = map[string]bool{
	"stop": true, "unsubscribe": true,
	"avsluta": true,
}

var helpWords = map[string]bool{
	"help": true, "info": true,
	"hjälp": true,
}

var moreWords = map[string]bool{
	"more": true, "more info": true, "tell me more": true,
}

var locationQueries = map[string]bool{
	"where am i": true, "my location": true,
	"var är jag": true, "min position": true,
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func IsConfirm(text string) bool {
	return confirmWords[normalize(text)]
}

func IsStop(text string) bool {
	return stopWords[normalize(text)]
}

func IsHelp(text string) bool {
	return helpWords[normalize(text)]
}

func IsMore(text string) bool {
	return moreWords[normalize(text)]
}

// IsLocationQuery matches the "where am I" command, with or without a
// trailing question mark.
func IsLocationQuery(text string) bool {
	t := normalize(text)
	t = strings.TrimRight(t, "?")
	t = strings.TrimSpace(t)
	return locationQueries[t]
}

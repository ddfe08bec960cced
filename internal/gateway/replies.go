package gateway

import (
	"fmt"
	"strings"

	"github.com/voxlinkco/textpilot/internal/geo"
	"github.com/voxlinkco/textpilot/internal/ratelimit"
)

// replySet holds every canned reply the dispatcher can send, in one
// language. Entries with verbs are fmt templates.
type replySet struct {
	optIn          string // signup prompt, also reused as the reminder
	activatedBonus string // %d bonus credits
	activated      string
	stopConfirmed  string
	help           string // %d credit balance
	limitMinute    string
	limitHour      string
	limitDay       string
	noCredits      string
	positionSaved  string
	needLocation   string
	noLastReply    string
	whereAmI       string // lat, lon, lat, lon
	noPlaces       string // category
	nearbyHeader   string // category
	sheltersHeader string
	weatherNow     string // observation summary
	imageFailed    string
	genericError   string
}

var replySets = map[string]replySet{
	"en": {
		optIn:          "Welcome to TextPilot, your assistant by SMS. Reply YES to start. Msg rates may apply. Reply STOP to cancel, HELP for help.",
		activatedBonus: "You're in! We added %d free credits to get you started. Text me anything, or send your GPS position to unlock local search and weather.",
		activated:      "Welcome back! Your subscription is active again. Text me anything.",
		stopConfirmed:  "You are unsubscribed and won't receive further messages. Reply YES anytime to come back.",
		help:           "Text me any question. Commands: MORE expands my last answer, STOP unsubscribes, position sharing unlocks local search. Balance: %d credits.",
		limitMinute:    "Easy there! You're sending messages too fast. Wait a minute and try again.",
		limitHour:      "You've hit the hourly message limit. Try again in a while.",
		limitDay:       "You've hit the daily message limit. Try again tomorrow.",
		noCredits:      "You're out of credits. Top up to keep chatting.",
		positionSaved:  "Position saved. Ask me for nearby places or weather and I'll use it.",
		needLocation:   "I don't have a recent position for you. Share your location first, then ask again.",
		noLastReply:    "There's nothing to expand yet. Ask me something first.",
		whereAmI:       "Your last saved position is %.4f, %.4f\nhttps://maps.google.com/?q=%.4f,%.4f",
		noPlaces:       "I couldn't find any %s near your position.",
		nearbyHeader:   "Nearest %s:",
		sheltersHeader: "Nearest shelters:",
		weatherNow:     "Right now: %s",
		imageFailed:    "I couldn't receive your image. Please try sending it again.",
		genericError:   "Sorry, something went wrong on my end. Please try again.",
	},
	"sv": {
		optIn:          "Välkommen till TextPilot, din assistent via SMS. Svara JA för att börja. Meddelandeavgifter kan tillkomma. Svara AVSLUTA för att avbryta, HJÄLP för hjälp.",
		activatedBonus: "Nu kör vi! Du har fått %d gratis krediter. Skriv vad som helst, eller skicka din GPS-position för lokal sökning och väder.",
		activated:      "Välkommen tillbaka! Din prenumeration är aktiv igen. Skriv vad som helst.",
		stopConfirmed:  "Du är avregistrerad och får inga fler meddelanden. Svara JA när som helst för att komma tillbaka.",
		help:           "Skriv en fråga. Kommandon: MORE utökar mitt senaste svar, AVSLUTA avregistrerar dig, dela position för lokal sökning. Saldo: %d krediter.",
		limitMinute:    "Lugn! Du skickar för snabbt. Vänta en minut och försök igen.",
		limitHour:      "Du har nått timgränsen för meddelanden. Försök igen om en stund.",
		limitDay:       "Du har nått dagsgränsen för meddelanden. Försök igen imorgon.",
		noCredits:      "Dina krediter är slut. Fyll på för att fortsätta.",
		positionSaved:  "Position sparad. Fråga om närliggande platser eller väder så använder jag den.",
		needLocation:   "Jag har ingen aktuell position för dig. Dela din plats först och fråga sedan igen.",
		noLastReply:    "Det finns inget att utöka ännu. Fråga mig något först.",
		whereAmI:       "Din senast sparade position är %.4f, %.4f\nhttps://maps.google.com/?q=%.4f,%.4f",
		noPlaces:       "Jag hittade inga %s nära din position.",
		nearbyHeader:   "Närmast %s:",
		sheltersHeader: "Närmaste skyddsrum:",
		weatherNow:     "Just nu: %s",
		imageFailed:    "Jag kunde inte ta emot din bild. Försök skicka den igen.",
		genericError:   "Tyvärr, något gick fel hos mig. Försök igen.",
	},
}

// replyFor resolves the catalog for a language, falling back to English.
func replyFor(language string) replySet {
	if set, ok := replySets[strings.ToLower(strings.TrimSpace(language))]; ok {
		return set
	}
	return replySets["en"]
}

func (r replySet) limited(window string) string {
	switch window {
	case ratelimit.WindowMinute:
		return r.limitMinute
	case ratelimit.WindowHour:
		return r.limitHour
	default:
		return r.limitDay
	}
}

func formatPlaces(r replySet, category string, places []geo.Place) string {
	var b strings.Builder
	fmt.Fprintf(&b, r.nearbyHeader, category)
	for i, p := range places {
		fmt.Fprintf(&b, "\n%d. %s", i+1, p.Name)
		if p.Address != "" {
			fmt.Fprintf(&b, ", %s", p.Address)
		}
		if p.Rating > 0 {
			fmt.Fprintf(&b, " (%.1f)", p.Rating)
		}
	}
	return b.String()
}

func formatShelters(r replySet, hits []geo.ShelterHit) string {
	var b strings.Builder
	b.WriteString(r.sheltersHeader)
	for i, h := range hits {
		fmt.Fprintf(&b, "\n%d. %s (%s) %.1f km", i+1, h.Name, h.Kind, h.DistanceKm)
	}
	return b.String()
}

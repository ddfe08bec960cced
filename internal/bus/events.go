package bus

import "time"

// MediaItem is an inbound attachment. Channels fetch the payload at the edge
// and hand it over base64-encoded so consumers never re-request provider URLs
// that require credentials.
type MediaItem struct {
	URL         string
	ContentType string
	Data        string // base64
}

type InboundMessage struct {
	Channel     string
	From        string // normalized sender address, the identity
	To          string // receiving address, decides language for new accounts
	Body        string
	Timestamp   time.Time
	Media       []MediaItem
	MediaFailed bool // attachments were sent but none could be fetched
	Metadata    map[string]any
}

// Identity returns the sender address the rest of the system keys off.
func (m *InboundMessage) Identity() string {
	return m.From
}

type OutboundMessage struct {
	Channel string
	To      string
	Body    string
}

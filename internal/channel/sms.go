package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voxlinkco/textpilot/internal/bus"
	"github.com/voxlinkco/textpilot/internal/config"
)

const smsChannelName = "sms"

const (
	smsInboundMediaMaxBytes = 5 << 20 // 5MB
	smsInboundMediaTimeout  = 10 * time.Second
	smsSendMaxRetries       = 3
	smsMaxBodyRunes         = 612 // four segments
	smsSingleSegmentRunes   = 160
	smsMultiSegmentRunes    = 153
)

// SMSClient delivers a message through the SMS provider API.
type SMSClient interface {
	SendMessage(ctx context.Context, to, body string) error
}

// SMSClientFactory creates SMSClient instances (allows mocking)
type SMSClientFactory func(cfg config.SMSConfig) SMSClient

type twilioClient struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

func newDefaultSMSClient(cfg config.SMSConfig) SMSClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultSMSBaseURL
	}
	return &twilioClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type twilioErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type twilioAPIError struct {
	Status  int
	Code    int
	Message string
}

func (e *twilioAPIError) Error() string {
	return fmt.Sprintf("sms api error %d (status %d): %s", e.Code, e.Status, e.Message)
}

func (e *twilioAPIError) IsRetryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (c *twilioClient) SendMessage(ctx context.Context, to, body string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("sms recipient is required")
	}
	return c.sendWithRetry(ctx, to, body)
}

func (c *twilioClient) sendWithRetry(ctx context.Context, to, body string) error {
	var lastErr error
	for attempt := 1; attempt <= smsSendMaxRetries; attempt++ {
		err := c.sendOnce(ctx, to, body)
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.shouldRetry(err) || attempt == smsSendMaxRetries {
			return err
		}

		backoff := time.Duration(attempt*attempt) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return lastErr
}

func (c *twilioClient) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *twilioAPIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}

	return true
}

func (c *twilioClient) sendOnce(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create sms request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var parsed twilioErrorResponse
	_ = json.Unmarshal(raw, &parsed)
	message := parsed.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	return &twilioAPIError{Status: resp.StatusCode, Code: parsed.Code, Message: message}
}

// SMSChannel receives provider webhooks and sends replies through the
// provider REST API.
type SMSChannel struct {
	BaseChannel
	cfg           config.SMSConfig
	client        SMSClient
	clientFactory SMSClientFactory
	server        *http.Server
	cancel        context.CancelFunc
}

func NewSMSChannel(cfg config.SMSConfig, b *bus.MessageBus) (*SMSChannel, error) {
	return NewSMSChannelWithFactory(cfg, b, newDefaultSMSClient)
}

func NewSMSChannelWithFactory(cfg config.SMSConfig, b *bus.MessageBus, factory SMSClientFactory) (*SMSChannel, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, fmt.Errorf("sms account sid is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("sms auth token is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("sms sending number is required")
	}

	return &SMSChannel{
		BaseChannel:   NewBaseChannel(smsChannelName, b, cfg.AllowFrom),
		cfg:           cfg,
		clientFactory: factory,
	}, nil
}

func (s *SMSChannel) SetClient(client SMSClient) {
	s.client = client
}

func (s *SMSChannel) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.client == nil {
		s.client = s.clientFactory(s.cfg)
	}

	port := s.cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	path := s.cfg.WebhookPath
	if path == "" {
		path = config.DefaultWebhookPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleWebhook)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, port),
		Handler: mux,
	}

	go func() {
		log.Printf("[sms] webhook server listening on %s%s", s.server.Addr, path)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[sms] server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()

	return nil
}

func (s *SMSChannel) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		_ = s.server.Close()
	}
	log.Printf("[sms] stopped")
	return nil
}

func (s *SMSChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	from := strings.TrimSpace(r.FormValue("From"))
	to := strings.TrimSpace(r.FormValue("To"))
	if from == "" || to == "" {
		http.Error(w, "From and To are required", http.StatusBadRequest)
		return
	}

	if !s.IsAllowed(from) {
		log.Printf("[sms] rejected message from %s", from)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var media []bus.MediaItem
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	for i := 0; i < numMedia; i++ {
		mediaURL := r.FormValue(fmt.Sprintf("MediaUrl%d", i))
		if mediaURL == "" {
			continue
		}
		declaredType := r.FormValue(fmt.Sprintf("MediaContentType%d", i))
		data, mediaType, err := s.downloadMedia(r.Context(), mediaURL, declaredType)
		if err != nil {
			log.Printf("[sms] download media %d from %s failed: %v", i, from, err)
			continue
		}
		media = append(media, bus.MediaItem{
			URL:         mediaURL,
			ContentType: mediaType,
			Data:        data,
		})
	}

	s.bus.Inbound <- bus.InboundMessage{
		Channel:     smsChannelName,
		From:        from,
		To:          to,
		Body:        r.FormValue("Body"),
		Timestamp:   time.Now(),
		Media:       media,
		MediaFailed: numMedia > 0 && len(media) == 0,
		Metadata: map[string]any{
			"message_sid": r.FormValue("MessageSid"),
		},
	}

	w.WriteHeader(http.StatusNoContent)
}

// downloadMedia fetches a provider media URL. Provider media endpoints
// require the account credentials.
func (s *SMSChannel) downloadMedia(ctx context.Context, mediaURL, declaredType string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("create media request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	httpClient := &http.Client{Timeout: smsInboundMediaTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request media: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, smsInboundMediaMaxBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("read media response: %w", err)
	}
	if int64(len(body)) > smsInboundMediaMaxBytes {
		return "", "", fmt.Errorf("media exceeds %d bytes", smsInboundMediaMaxBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("media request failed with status %d", resp.StatusCode)
	}

	mediaType := declaredType
	if mediaType == "" {
		mediaType = resp.Header.Get("Content-Type")
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
	}

	return base64.StdEncoding.EncodeToString(body), mediaType, nil
}

func (s *SMSChannel) Send(msg bus.OutboundMessage) error {
	if s.client == nil {
		return fmt.Errorf("sms client not initialized")
	}

	to := strings.TrimSpace(msg.To)
	if to == "" {
		return fmt.Errorf("sms recipient is required")
	}

	body := normalizeBody(msg.Body)
	if body == "" {
		return nil
	}
	if segments := estimateSegments(body); segments > 1 {
		log.Printf("[sms] reply to %s spans %d segments", to, segments)
	}

	return s.client.SendMessage(context.Background(), to, body)
}

// gsmExtraRunes are the non-ASCII characters the GSM 03.38 charset carries.
// Anything outside ASCII and this set forces the costlier UCS-2 encoding,
// so normalizeBody drops it.
var gsmExtraRunes = map[rune]bool{
	'Å': true, 'å': true, 'Ä': true, 'ä': true, 'Ö': true, 'ö': true,
	'É': true, 'é': true, 'è': true, 'ù': true, 'ì': true, 'ò': true,
	'à': true, 'Æ': true, 'æ': true, 'Ø': true, 'ø': true, 'ß': true,
	'Ñ': true, 'ñ': true, 'Ü': true, 'ü': true, 'Ç': true,
	'£': true, '¥': true, '€': true, '§': true, '¿': true, '¡': true,
}

var smsPunctuation = map[rune]string{
	'‘': "'", '’': "'",
	'“': `"`, '”': `"`,
	'–': "-", '—': "-",
	'…': "...",
	'•': "-",
	' ': " ",
}

// normalizeBody rewrites a reply so it survives the SMS wire: smart
// punctuation becomes ASCII, characters outside the GSM charset are dropped,
// runs of blank lines collapse, and the result is capped at four segments.
func normalizeBody(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if repl, ok := smsPunctuation[r]; ok {
			b.WriteString(repl)
			continue
		}
		if r == '\n' || (r >= 32 && r < 127) || gsmExtraRunes[r] {
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " ")
		if line == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}

	return truncateRunes(strings.TrimSpace(strings.Join(out, "\n")), smsMaxBodyRunes)
}

func truncateRunes(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max])
}

// estimateSegments reports how many SMS segments a body occupies. A single
// segment carries 160 characters; concatenated messages lose 7 characters
// per segment to the reassembly header.
func estimateSegments(body string) int {
	runes := utf8.RuneCountInString(body)
	if runes <= smsSingleSegmentRunes {
		return 1
	}
	return (runes + smsMultiSegmentRunes - 1) / smsMultiSegmentRunes
}

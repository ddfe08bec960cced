package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/voxlinkco/textpilot/internal/ai"
	"github.com/voxlinkco/textpilot/internal/bus"
	"github.com/voxlinkco/textpilot/internal/channel"
	"github.com/voxlinkco/textpilot/internal/command"
	"github.com/voxlinkco/textpilot/internal/config"
	"github.com/voxlinkco/textpilot/internal/cron"
	"github.com/voxlinkco/textpilot/internal/geo"
	"github.com/voxlinkco/textpilot/internal/ratelimit"
	"github.com/voxlinkco/textpilot/internal/store"
)

// Credit costs per billable operation.
const (
	costReply       = 1
	costImage       = 1
	costPlaceSearch = 1
	costWeather     = 1
	costExpand      = 1
)

// Internal housekeeping jobs registered on startup.
const (
	cleanupJobName = "__internal_store_cleanup"
	cleanupJobMsg  = "__internal:store:cleanup"
	cleanupExpr    = "0 0 * * * *" // hourly
	sweepJobName   = "__internal_ratelimit_sweep"
	sweepJobMsg    = "__internal:ratelimit:sweep"
	sweepExpr      = "0 */10 * * * *" // every 10 minutes
)

const shelterResults = 3

// Options for creating a Gateway
type Options struct {
	AIClient      ai.Client
	WeatherClient geo.WeatherClient
	PlacesClient  geo.PlacesClient
	SignalChan    chan os.Signal // for testing signal handling
	WithoutSMS    bool           // skip the SMS channel, for local chat
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	limiter    *ratelimit.Limiter
	ai         ai.Client
	weather    geo.WeatherClient
	places     geo.PlacesClient
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	// Message bus
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	// Store
	dbPath := strings.TrimSpace(cfg.Store.Path)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "textpilot.db")
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	// Rate limiter
	g.limiter = ratelimit.New(ratelimit.Limits{
		PerMinute: cfg.Limits.PerMinute,
		PerHour:   cfg.Limits.PerHour,
		PerDay:    cfg.Limits.PerDay,
	})

	// AI and geo clients (injectable for testing)
	g.ai = opts.AIClient
	if g.ai == nil {
		client, err := ai.NewClient(cfg.AI)
		if err != nil {
			_ = g.store.Close()
			return nil, fmt.Errorf("create ai client: %w", err)
		}
		g.ai = client
	}
	g.weather = opts.WeatherClient
	if g.weather == nil {
		g.weather = geo.NewWeatherClient(cfg.Weather)
	}
	g.places = opts.PlacesClient
	if g.places == nil {
		g.places = geo.NewPlacesClient(cfg.Places)
	}

	// Signal channel for testing
	g.signalChan = opts.SignalChan

	// Cron
	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = g.handleCronJob

	// Channels
	if !opts.WithoutSMS {
		chMgr, err := channel.NewChannelManager(cfg.SMS, g.bus)
		if err != nil {
			_ = g.store.Close()
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
		g.channels = chMgr
	}

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	if g.channels == nil {
		return fmt.Errorf("no channels configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureInternalJobs(); err != nil {
		log.Printf("[gateway] ensure internal jobs warning: %v", err)
	}

	go g.processLoop(ctx)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			go g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound is the dispatch boundary: whatever goes wrong below it, the
// sender gets an apology and the loop keeps running.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[gateway] panic handling message from %s: %v", msg.From, r)
			g.send(msg, replyFor(g.cfg.SMS.Language(msg.To)).genericError)
		}
	}()

	log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.From, truncate(msg.Body, 80))
	g.dispatch(ctx, msg)
}

// dispatch runs one inbound message through the decision chain. Branch
// order matters: signup and consent come before everything, rate limiting
// before any billable work, explicit commands before the AI fallback.
func (g *Gateway) dispatch(ctx context.Context, msg bus.InboundMessage) {
	identity := msg.Identity()
	body := strings.TrimSpace(msg.Body)

	account, err := g.store.GetAccount(ctx, identity)
	if err != nil {
		log.Printf("[gateway] load account %s: %v", identity, err)
		g.send(msg, replyFor(g.cfg.SMS.Language(msg.To)).genericError)
		return
	}

	// First contact: create a pending account and ask for consent.
	if account == nil {
		language := g.cfg.SMS.Language(msg.To)
		if _, err := g.store.CreateAccount(ctx, identity, language); err != nil {
			log.Printf("[gateway] create account %s: %v", identity, err)
			g.send(msg, replyFor(language).genericError)
			return
		}
		log.Printf("[gateway] new pending account %s", identity)
		g.send(msg, replyFor(language).optIn)
		return
	}

	replies := replyFor(account.Language)

	// Not yet (or no longer) subscribed: only a confirmation gets through.
	if account.Status != store.StatusActive {
		if command.IsConfirm(body) {
			first, err := g.store.Activate(ctx, identity, g.cfg.Credits.SignupBonus)
			if err != nil {
				log.Printf("[gateway] activate %s: %v", identity, err)
				g.send(msg, replies.genericError)
				return
			}
			if first {
				log.Printf("[gateway] account %s activated with %d bonus credits", identity, g.cfg.Credits.SignupBonus)
				g.send(msg, fmt.Sprintf(replies.activatedBonus, g.cfg.Credits.SignupBonus))
			} else {
				log.Printf("[gateway] account %s reactivated", identity)
				g.send(msg, replies.activated)
			}
			return
		}
		g.send(msg, replies.optIn)
		return
	}

	// Rate limit before any billable work.
	if allowed, window := g.limiter.Allow(identity); !allowed {
		log.Printf("[gateway] rate limited %s (%s)", identity, window)
		g.send(msg, replies.limited(window))
		return
	}

	// Attachments win over text commands.
	if len(msg.Media) > 0 {
		g.handleImage(ctx, msg, account, replies, body)
		return
	}

	if body == "" {
		// All attachments failed to fetch and there was no caption.
		if msg.MediaFailed {
			g.send(msg, replies.imageFailed)
		}
		return
	}

	if command.IsStop(body) {
		if err := g.store.Deactivate(ctx, identity); err != nil {
			log.Printf("[gateway] deactivate %s: %v", identity, err)
			g.send(msg, replies.genericError)
			return
		}
		log.Printf("[gateway] account %s unsubscribed", identity)
		g.send(msg, replies.stopConfirmed)
		return
	}

	if command.IsHelp(body) {
		balance, err := g.store.Balance(ctx, identity)
		if err != nil {
			log.Printf("[gateway] balance %s: %v", identity, err)
			g.send(msg, replies.genericError)
			return
		}
		g.send(msg, fmt.Sprintf(replies.help, balance))
		return
	}

	// Raw body here: coordinates arrive before any trimming matters.
	if lat, lon, rest, ok := command.ParseGPS(msg.Body); ok {
		g.handleGPS(ctx, msg, account, replies, lat, lon, rest)
		return
	}

	if query, ok := command.MatchPlaceSearch(body); ok {
		g.handlePlaceSearch(ctx, msg, account, replies, query, body)
		return
	}

	if command.IsLocationQuery(body) {
		fix, err := g.store.GetFix(ctx, identity)
		if err != nil {
			log.Printf("[gateway] load fix %s: %v", identity, err)
			g.send(msg, replies.genericError)
			return
		}
		if fix == nil {
			g.send(msg, replies.needLocation)
			return
		}
		g.send(msg, fmt.Sprintf(replies.whereAmI, fix.Lat, fix.Lon, fix.Lat, fix.Lon))
		return
	}

	if command.IsMore(body) {
		g.handleMore(ctx, msg, account, replies)
		return
	}

	if command.IsWeatherQuery(body) {
		g.handleWeather(ctx, msg, account, replies, body)
		return
	}

	g.handleChat(ctx, msg, account, replies, body)
}

// handleImage answers a question about the first attachment. An empty
// caption falls back to a stock question in the account language.
func (g *Gateway) handleImage(ctx context.Context, msg bus.InboundMessage, account *store.Account, replies replySet, body string) {
	identity := msg.Identity()

	ok, err := g.store.DebitUsage(ctx, identity, costImage, "Image analysis")
	if err != nil {
		log.Printf("[gateway] debit %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if !ok {
		g.send(msg, replies.noCredits)
		return
	}

	question := body
	if question == "" {
		question = ai.DefaultImageQuestion(account.Language)
	}
	item := msg.Media[0]

	instructions := g.agentInstructions(ctx, identity)
	reply, err := g.ai.Complete(ctx, ai.Request{
		System:   ai.ChatSystemPrompt(account.Language, account.Categories, instructions),
		Message:  question,
		Image:    &ai.Image{Data: item.Data, ContentType: item.ContentType},
		Identity: identity,
	})
	if err != nil {
		g.refund(ctx, identity, costImage, "Image analysis refund")
		log.Printf("[gateway] image analysis for %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}

	if err := g.store.AppendExchange(ctx, identity, &question, reply); err != nil {
		log.Printf("[gateway] append session %s: %v", identity, err)
	}
	g.send(msg, reply)
}

// handleGPS saves the fix, then serves whatever trails the coordinates.
// Weather and shelter lookups at a just-shared position are free.
func (g *Gateway) handleGPS(ctx context.Context, msg bus.InboundMessage, account *store.Account, replies replySet, lat, lon float64, rest string) {
	identity := msg.Identity()

	if err := g.store.SaveFix(ctx, identity, lat, lon); err != nil {
		log.Printf("[gateway] save fix %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	log.Printf("[gateway] fix saved for %s: %.4f, %.4f", identity, lat, lon)

	if query, ok := command.ResolvePlaceQuery(rest); ok {
		g.searchAndReply(ctx, msg, replies, query, lat, lon, rest)
		return
	}

	if command.IsWeatherQuery(rest) {
		obs, err := g.weather.Current(ctx, lat, lon)
		if err != nil {
			log.Printf("[gateway] weather for %s: %v", identity, err)
			g.send(msg, replies.genericError)
			return
		}
		g.send(msg, fmt.Sprintf(replies.weatherNow, obs.Summary()))
		return
	}

	if command.IsShelterQuery(rest) {
		hits, err := geo.NearestShelters(lat, lon, shelterResults)
		if err != nil {
			log.Printf("[gateway] shelters for %s: %v", identity, err)
			g.send(msg, replies.genericError)
			return
		}
		g.send(msg, formatShelters(replies, hits))
		return
	}

	g.send(msg, replies.positionSaved)
}

// handlePlaceSearch serves "find X nearby" without fresh coordinates in the
// message. It needs a recent fix on file.
func (g *Gateway) handlePlaceSearch(ctx context.Context, msg bus.InboundMessage, account *store.Account, replies replySet, query command.PlaceQuery, body string) {
	identity := msg.Identity()

	fix, err := g.store.GetFix(ctx, identity)
	if err != nil {
		log.Printf("[gateway] load fix %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if fix == nil {
		g.send(msg, replies.needLocation)
		return
	}
	g.searchAndReply(ctx, msg, replies, query, fix.Lat, fix.Lon, body)
}

func (g *Gateway) searchAndReply(ctx context.Context, msg bus.InboundMessage, replies replySet, query command.PlaceQuery, lat, lon float64, userMsg string) {
	identity := msg.Identity()

	ok, err := g.store.DebitUsage(ctx, identity, costPlaceSearch, "Place search")
	if err != nil {
		log.Printf("[gateway] debit %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if !ok {
		g.send(msg, replies.noCredits)
		return
	}

	places, err := g.places.Nearby(ctx, lat, lon, query.Category, query.RadiusKm)
	if err != nil {
		g.refund(ctx, identity, costPlaceSearch, "Place search refund")
		log.Printf("[gateway] place search for %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if len(places) == 0 {
		g.send(msg, fmt.Sprintf(replies.noPlaces, query.Category))
		return
	}

	reply := formatPlaces(replies, query.Category, places)
	if err := g.store.AppendExchange(ctx, identity, &userMsg, reply); err != nil {
		log.Printf("[gateway] append session %s: %v", identity, err)
	}
	g.send(msg, reply)
}

// handleMore expands the previous answer. It only replaces the stored reply;
// the user message window stays as it was.
func (g *Gateway) handleMore(ctx context.Context, msg bus.InboundMessage, account *store.Account, replies replySet) {
	identity := msg.Identity()

	sctx, err := g.store.GetContext(ctx, identity)
	if err != nil {
		log.Printf("[gateway] load session %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if sctx == nil || strings.TrimSpace(sctx.LastReply) == "" {
		g.send(msg, replies.noLastReply)
		return
	}

	ok, err := g.store.DebitUsage(ctx, identity, costExpand, "Follow-up expansion")
	if err != nil {
		log.Printf("[gateway] debit %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if !ok {
		g.send(msg, replies.noCredits)
		return
	}

	reply, err := g.ai.Complete(ctx, ai.Request{
		System:    ai.ExpandSystemPrompt(account.Language, account.Categories),
		History:   sctx.Messages,
		LastReply: sctx.LastReply,
		Message:   "Tell me more.",
		Identity:  identity,
	})
	if err != nil {
		g.refund(ctx, identity, costExpand, "Follow-up expansion refund")
		log.Printf("[gateway] expansion for %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}

	if err := g.store.AppendExchange(ctx, identity, nil, reply); err != nil {
		log.Printf("[gateway] append session %s: %v", identity, err)
	}
	g.send(msg, reply)
}

// handleWeather answers a natural-language weather question at the last
// saved position.
func (g *Gateway) handleWeather(ctx context.Context, msg bus.InboundMessage, account *store.Account, replies replySet, body string) {
	identity := msg.Identity()

	fix, err := g.store.GetFix(ctx, identity)
	if err != nil {
		log.Printf("[gateway] load fix %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if fix == nil {
		g.send(msg, replies.needLocation)
		return
	}

	ok, err := g.store.DebitUsage(ctx, identity, costWeather, "Weather lookup")
	if err != nil {
		log.Printf("[gateway] debit %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if !ok {
		g.send(msg, replies.noCredits)
		return
	}

	obs, err := g.weather.Current(ctx, fix.Lat, fix.Lon)
	if err != nil {
		g.refund(ctx, identity, costWeather, "Weather lookup refund")
		log.Printf("[gateway] weather for %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}

	reply := fmt.Sprintf(replies.weatherNow, obs.Summary())
	if err := g.store.AppendExchange(ctx, identity, &body, reply); err != nil {
		log.Printf("[gateway] append session %s: %v", identity, err)
	}
	g.send(msg, reply)
}

// handleChat is the default branch: one AI reply conditioned on the session
// window and either the active agent or the account's categories.
func (g *Gateway) handleChat(ctx context.Context, msg bus.InboundMessage, account *store.Account, replies replySet, body string) {
	identity := msg.Identity()

	ok, err := g.store.DebitUsage(ctx, identity, costReply, "AI reply")
	if err != nil {
		log.Printf("[gateway] debit %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}
	if !ok {
		g.send(msg, replies.noCredits)
		return
	}

	var history []string
	lastReply := ""
	if sctx, err := g.store.GetContext(ctx, identity); err != nil {
		log.Printf("[gateway] load session %s: %v", identity, err)
	} else if sctx != nil {
		history = sctx.Messages
		lastReply = sctx.LastReply
	}

	instructions := g.agentInstructions(ctx, identity)
	reply, err := g.ai.Complete(ctx, ai.Request{
		System:    ai.ChatSystemPrompt(account.Language, account.Categories, instructions),
		History:   history,
		LastReply: lastReply,
		Message:   body,
		Identity:  identity,
	})
	if err != nil {
		g.refund(ctx, identity, costReply, "AI reply refund")
		log.Printf("[gateway] ai reply for %s: %v", identity, err)
		g.send(msg, replies.genericError)
		return
	}

	if err := g.store.AppendExchange(ctx, identity, &body, reply); err != nil {
		log.Printf("[gateway] append session %s: %v", identity, err)
	}
	g.send(msg, reply)
}

// ChatOnce pushes one message through the dispatcher and returns the reply,
// for the local chat command. No channel needs to be running.
func (g *Gateway) ChatOnce(ctx context.Context, identity, text string) (string, error) {
	msg := bus.InboundMessage{
		Channel:   "local",
		From:      identity,
		To:        "local",
		Body:      text,
		Timestamp: time.Now(),
	}
	g.dispatch(ctx, msg)

	var parts []string
	for {
		select {
		case out := <-g.bus.Outbound:
			parts = append(parts, out.Body)
		default:
			return strings.Join(parts, "\n"), nil
		}
	}
}

func (g *Gateway) agentInstructions(ctx context.Context, identity string) string {
	agent, err := g.store.GetActiveAgent(ctx, identity)
	if err != nil {
		log.Printf("[gateway] load agent %s: %v", identity, err)
		return ""
	}
	if agent == nil {
		return ""
	}
	return agent.Instructions
}

func (g *Gateway) refund(ctx context.Context, identity string, amount int, description string) {
	if err := g.store.RefundUsage(ctx, identity, amount, description); err != nil {
		log.Printf("[gateway] refund %s: %v", identity, err)
	}
}

func (g *Gateway) send(msg bus.InboundMessage, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: msg.Channel,
		To:      msg.From,
		Body:    body,
	}
}

func (g *Gateway) handleCronJob(job cron.CronJob) (string, error) {
	switch job.Payload.Message {
	case cleanupJobMsg:
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sessions, err := g.store.CleanupExpiredSessions(ctx)
		if err != nil {
			return "", err
		}
		fixes, err := g.store.CleanupExpiredFixes(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d sessions, %d fixes", sessions, fixes), nil
	case sweepJobMsg:
		return fmt.Sprintf("removed %d idle senders", g.limiter.Sweep()), nil
	}

	// Operator jobs deliver their message to a recipient.
	if job.Payload.Deliver && job.Payload.Channel != "" {
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: job.Payload.Channel,
			To:      job.Payload.To,
			Body:    job.Payload.Message,
		}
		return "delivered", nil
	}
	return "", fmt.Errorf("job %q has no deliverable payload", job.Name)
}

func (g *Gateway) ensureInternalJobs() error {
	jobs := g.cron.ListJobs()
	hasCleanup := false
	hasSweep := false
	for _, job := range jobs {
		if job.Payload.Message == cleanupJobMsg || job.Name == cleanupJobName {
			hasCleanup = true
		}
		if job.Payload.Message == sweepJobMsg || job.Name == sweepJobName {
			hasSweep = true
		}
	}

	if !hasCleanup {
		_, err := g.cron.AddJob(cleanupJobName, cron.Schedule{Kind: "cron", Expr: cleanupExpr}, cron.Payload{Message: cleanupJobMsg})
		if err != nil {
			return err
		}
	}
	if !hasSweep {
		_, err := g.cron.AddJob(sweepJobName, cron.Schedule{Kind: "cron", Expr: sweepExpr}, cron.Payload{Message: sweepJobMsg})
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if g.channels != nil {
		_ = g.channels.StopAll()
	}
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

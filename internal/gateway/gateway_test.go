package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxlinkco/textpilot/internal/ai"
	"github.com/voxlinkco/textpilot/internal/bus"
	"github.com/voxlinkco/textpilot/internal/config"
	"github.com/voxlinkco/textpilot/internal/cron"
	"github.com/voxlinkco/textpilot/internal/geo"
	"github.com/voxlinkco/textpilot/internal/store"
)

// fakeAI records requests and returns a canned reply.
type fakeAI struct {
	reply    string
	err      error
	panicMsg string
	reqs     []ai.Request
}

func (f *fakeAI) Complete(ctx context.Context, req ai.Request) (string, error) {
	f.reqs = append(f.reqs, req)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeWeather struct {
	obs   *geo.Observation
	err   error
	calls int
	lat   float64
	lon   float64
}

func (f *fakeWeather) Current(ctx context.Context, lat, lon float64) (*geo.Observation, error) {
	f.calls++
	f.lat, f.lon = lat, lon
	if f.err != nil {
		return nil, f.err
	}
	return f.obs, nil
}

type fakePlaces struct {
	places   []geo.Place
	err      error
	calls    int
	category string
	radiusKm int
}

func (f *fakePlaces) Nearby(ctx context.Context, lat, lon float64, category string, radiusKm int) ([]geo.Place, error) {
	f.calls++
	f.category = category
	f.radiusKm = radiusKm
	if f.err != nil {
		return nil, f.err
	}
	return f.places, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "textpilot.db")
	cfg.AI.APIKey = "test-key"
	cfg.SMS.DefaultLanguage = "en"
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *fakeAI, *fakeWeather, *fakePlaces) {
	t.Helper()
	fa := &fakeAI{reply: "stub reply"}
	fw := &fakeWeather{obs: &geo.Observation{Description: "clear sky", TemperatureC: 21, WindSpeedKmh: 11}}
	fp := &fakePlaces{places: []geo.Place{{Name: "Pizzeria Roma", Address: "Storgatan 1", Rating: 4.5}}}

	g, err := NewWithOptions(cfg, Options{
		AIClient:      fa,
		WeatherClient: fw,
		PlacesClient:  fp,
		WithoutSMS:    true,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { _ = g.store.Close() })
	return g, fa, fw, fp
}

// sendIn pushes one message through dispatch and returns the reply, or ""
// when nothing was sent.
func sendIn(t *testing.T, g *Gateway, from, body string) string {
	t.Helper()
	g.dispatch(context.Background(), bus.InboundMessage{
		Channel:   "test",
		From:      from,
		To:        "+46700000001",
		Body:      body,
		Timestamp: time.Now(),
	})
	return drainReply(g)
}

func drainReply(g *Gateway) string {
	select {
	case out := <-g.bus.Outbound:
		return out.Body
	default:
		return ""
	}
}

func activateAccount(t *testing.T, g *Gateway, identity string, bonus int) {
	t.Helper()
	ctx := context.Background()
	if _, err := g.store.CreateAccount(ctx, identity, "en"); err != nil {
		t.Fatalf("CreateAccount error: %v", err)
	}
	if _, err := g.store.Activate(ctx, identity, bonus); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
}

func balanceOf(t *testing.T, g *Gateway, identity string) int {
	t.Helper()
	n, err := g.store.Balance(context.Background(), identity)
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	return n
}

func TestDispatch_FirstContactCreatesPendingAccount(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))

	reply := sendIn(t, g, "+46700111111", "Hello there")
	if !strings.Contains(reply, "Reply YES") {
		t.Errorf("reply = %q, want signup prompt", reply)
	}

	account, err := g.store.GetAccount(context.Background(), "+46700111111")
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account == nil || account.Status != store.StatusPending {
		t.Fatalf("account = %+v, want pending", account)
	}
	if len(fa.reqs) != 0 {
		t.Errorf("ai called %d times before consent", len(fa.reqs))
	}
}

func TestDispatch_ConfirmActivatesWithBonus(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111112"

	sendIn(t, g, id, "hi")
	reply := sendIn(t, g, id, "YES")
	if !strings.Contains(reply, "10 free credits") {
		t.Errorf("reply = %q, want bonus confirmation", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}

	txs, err := g.store.Transactions(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("Transactions error: %v", err)
	}
	if len(txs) != 1 || txs[0].Kind != store.KindPurchase {
		t.Errorf("transactions = %+v, want one purchase", txs)
	}
}

func TestDispatch_ReactivationSkipsBonus(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111113"

	sendIn(t, g, id, "hi")
	sendIn(t, g, id, "yes")
	sendIn(t, g, id, "STOP")

	reply := sendIn(t, g, id, "yes")
	if strings.Contains(reply, "free credits") {
		t.Errorf("reply = %q, bonus granted twice", reply)
	}
	if !strings.Contains(reply, "Welcome back") {
		t.Errorf("reply = %q, want reactivation message", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_InactiveGetsReminder(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111114"

	sendIn(t, g, id, "hi")
	reply := sendIn(t, g, id, "what is the weather?")
	if !strings.Contains(reply, "Reply YES") {
		t.Errorf("reply = %q, want signup reminder", reply)
	}
	if len(fa.reqs) != 0 {
		t.Errorf("ai called %d times before consent", len(fa.reqs))
	}
	if got := balanceOf(t, g, id); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.PerMinute = 1
	g, _, _, _ := newTestGateway(t, cfg)
	id := "+46700111115"
	activateAccount(t, g, id, 10)

	if reply := sendIn(t, g, id, "first question"); reply != "stub reply" {
		t.Fatalf("first reply = %q, want stub reply", reply)
	}
	reply := sendIn(t, g, id, "second question")
	if !strings.Contains(reply, "too fast") {
		t.Errorf("reply = %q, want minute limit message", reply)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9 (limited message must not debit)", got)
	}
}

func TestDispatch_EmptyBodyIgnored(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111116"
	activateAccount(t, g, id, 10)

	if reply := sendIn(t, g, id, "   "); reply != "" {
		t.Errorf("reply = %q, want silence", reply)
	}
	if len(fa.reqs) != 0 {
		t.Errorf("ai called for empty message")
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

// A captionless picture whose attachments all failed to download must get an
// apology, not silence.
func TestDispatch_LostMediaGetsApology(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111144"
	activateAccount(t, g, id, 10)

	g.dispatch(context.Background(), bus.InboundMessage{
		Channel:     "test",
		From:        id,
		To:          "+46700000001",
		Body:        "",
		MediaFailed: true,
		Timestamp:   time.Now(),
	})

	reply := drainReply(g)
	if !strings.Contains(reply, "couldn't receive your image") {
		t.Errorf("reply = %q, want image apology", reply)
	}
	if len(fa.reqs) != 0 {
		t.Errorf("ai called for lost media")
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_StopAndHelpAreFree(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111117"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "HELP")
	if !strings.Contains(reply, "10 credits") {
		t.Errorf("help reply = %q, want balance", reply)
	}

	reply = sendIn(t, g, id, "stop")
	if !strings.Contains(reply, "unsubscribed") {
		t.Errorf("stop reply = %q, want confirmation", reply)
	}

	account, err := g.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account.Status != store.StatusInactive {
		t.Errorf("status = %q, want inactive", account.Status)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_EndToEndFunnel(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111142"
	ctx := context.Background()

	reply := sendIn(t, g, id, "Hello")
	if !strings.Contains(reply, "Reply YES") {
		t.Fatalf("first contact reply = %q, want opt-in prompt", reply)
	}
	account, err := g.store.GetAccount(ctx, id)
	if err != nil || account == nil {
		t.Fatalf("GetAccount = %+v, %v", account, err)
	}
	if account.Status != store.StatusPending {
		t.Fatalf("status = %q, want pending", account.Status)
	}

	reply = sendIn(t, g, id, "YES")
	if !strings.Contains(reply, "free credits") {
		t.Errorf("activation reply = %q", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Fatalf("balance after activation = %d, want 10", got)
	}

	reply = sendIn(t, g, id, "what should I see in Kiruna?")
	if reply != "stub reply" {
		t.Errorf("chat reply = %q, want stub reply", reply)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance after chat = %d, want 9", got)
	}
	sctx, err := g.store.GetContext(ctx, id)
	if err != nil || sctx == nil {
		t.Fatalf("GetContext = %+v, %v", sctx, err)
	}
	if len(sctx.Messages) != 1 || sctx.LastReply != "stub reply" {
		t.Fatalf("session = %+v, want one message and the reply", sctx)
	}

	fa.reply = "a longer answer"
	reply = sendIn(t, g, id, "MORE")
	if reply != "a longer answer" {
		t.Errorf("expansion reply = %q", reply)
	}
	if got := balanceOf(t, g, id); got != 8 {
		t.Errorf("balance after MORE = %d, want 8", got)
	}
	sctx, err = g.store.GetContext(ctx, id)
	if err != nil || sctx == nil {
		t.Fatalf("GetContext = %+v, %v", sctx, err)
	}
	if len(sctx.Messages) != 1 {
		t.Errorf("window grew on MORE: %v", sctx.Messages)
	}
	if sctx.LastReply != "a longer answer" {
		t.Errorf("LastReply = %q, want the expansion", sctx.LastReply)
	}

	reply = sendIn(t, g, id, "STOP")
	if !strings.Contains(reply, "unsubscribed") {
		t.Errorf("stop reply = %q", reply)
	}

	aiCalls := len(fa.reqs)
	reply = sendIn(t, g, id, "are you still there?")
	if !strings.Contains(reply, "Reply YES") {
		t.Errorf("post-stop reply = %q, want opt-in reminder", reply)
	}
	if len(fa.reqs) != aiCalls {
		t.Errorf("ai called for an inactive account")
	}
	if got := balanceOf(t, g, id); got != 8 {
		t.Errorf("balance after deactivation = %d, want 8", got)
	}
}

func TestDispatch_ChatDebitsAndRecordsSession(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111118"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "what is the capital of Sweden?")
	if reply != "stub reply" {
		t.Errorf("reply = %q, want stub reply", reply)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9", got)
	}

	sctx, err := g.store.GetContext(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContext error: %v", err)
	}
	if sctx == nil || len(sctx.Messages) != 1 || sctx.Messages[0] != "what is the capital of Sweden?" {
		t.Fatalf("session = %+v, want one user message", sctx)
	}
	if sctx.LastReply != "stub reply" {
		t.Errorf("last reply = %q, want stub reply", sctx.LastReply)
	}

	if len(fa.reqs) != 1 {
		t.Fatalf("ai calls = %d, want 1", len(fa.reqs))
	}
	if fa.reqs[0].Message != "what is the capital of Sweden?" {
		t.Errorf("ai message = %q", fa.reqs[0].Message)
	}
}

func TestDispatch_ChatFailureRefundsAndApologizes(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	fa.err = errors.New("model overloaded")
	id := "+46700111119"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "hello?")
	if !strings.Contains(reply, "something went wrong") {
		t.Errorf("reply = %q, want apology", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10 after refund", got)
	}

	sctx, err := g.store.GetContext(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContext error: %v", err)
	}
	if sctx != nil {
		t.Errorf("session = %+v, want none after failed reply", sctx)
	}
}

func TestDispatch_NoCreditsStopsChat(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111120"
	activateAccount(t, g, id, 1)

	sendIn(t, g, id, "first")
	reply := sendIn(t, g, id, "second")
	if !strings.Contains(reply, "out of credits") {
		t.Errorf("reply = %q, want no-credits message", reply)
	}
	if len(fa.reqs) != 1 {
		t.Errorf("ai calls = %d, want 1", len(fa.reqs))
	}
	if got := balanceOf(t, g, id); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestDispatch_ImageAnalysis(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111121"
	activateAccount(t, g, id, 10)

	g.dispatch(context.Background(), bus.InboundMessage{
		Channel: "test",
		From:    id,
		To:      "+46700000001",
		Media: []bus.MediaItem{{
			ContentType: "image/jpeg",
			Data:        base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff, 0xd9}),
		}},
		Timestamp: time.Now(),
	})

	if reply := drainReply(g); reply != "stub reply" {
		t.Errorf("reply = %q, want stub reply", reply)
	}
	if len(fa.reqs) != 1 {
		t.Fatalf("ai calls = %d, want 1", len(fa.reqs))
	}
	req := fa.reqs[0]
	if req.Image == nil || req.Image.ContentType != "image/jpeg" {
		t.Errorf("image = %+v, want jpeg attachment", req.Image)
	}
	if req.Message != "What is in this image?" {
		t.Errorf("message = %q, want default image question", req.Message)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9", got)
	}
}

func TestDispatch_ImageFailureRefunds(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	fa.err = errors.New("vision unavailable")
	id := "+46700111122"
	activateAccount(t, g, id, 10)

	g.dispatch(context.Background(), bus.InboundMessage{
		Channel:   "test",
		From:      id,
		To:        "+46700000001",
		Body:      "what breed is this dog?",
		Media:     []bus.MediaItem{{ContentType: "image/png", Data: "aGk="}},
		Timestamp: time.Now(),
	})

	if reply := drainReply(g); !strings.Contains(reply, "something went wrong") {
		t.Errorf("reply = %q, want apology", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10 after refund", got)
	}
}

func TestDispatch_GPSSavesFix(t *testing.T) {
	g, _, fw, fp := newTestGateway(t, testConfig(t))
	id := "+46700111123"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "59.3293, 18.0686")
	if !strings.Contains(reply, "Position saved") {
		t.Errorf("reply = %q, want position saved", reply)
	}

	fix, err := g.store.GetFix(context.Background(), id)
	if err != nil {
		t.Fatalf("GetFix error: %v", err)
	}
	if fix == nil || fix.Lat != 59.3293 || fix.Lon != 18.0686 {
		t.Fatalf("fix = %+v, want 59.3293, 18.0686", fix)
	}
	if fw.calls != 0 || fp.calls != 0 {
		t.Errorf("collaborators called for bare coordinates")
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_GPSWithWeatherIsFree(t *testing.T) {
	g, _, fw, _ := newTestGateway(t, testConfig(t))
	id := "+46700111124"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "67.8558 20.2253 what's the weather?")
	if !strings.Contains(reply, "Right now: clear sky") {
		t.Errorf("reply = %q, want weather summary", reply)
	}
	if fw.calls != 1 || fw.lat != 67.8558 || fw.lon != 20.2253 {
		t.Errorf("weather called %d times at %.4f, %.4f", fw.calls, fw.lat, fw.lon)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10 (weather at shared position is free)", got)
	}
}

func TestDispatch_GPSWithPlaceSearchDebits(t *testing.T) {
	g, _, _, fp := newTestGateway(t, testConfig(t))
	id := "+46700111125"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "59.3293, 18.0686 find pizzeria")
	if !strings.Contains(reply, "Pizzeria Roma") {
		t.Errorf("reply = %q, want search results", reply)
	}
	if fp.calls != 1 || fp.category != "restaurant" {
		t.Errorf("places calls = %d category = %q, want 1 restaurant", fp.calls, fp.category)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9", got)
	}
}

func TestDispatch_GPSWithBareCategorySearches(t *testing.T) {
	g, _, _, fp := newTestGateway(t, testConfig(t))
	id := "+46700111138"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "59.3293, 18.0686 pizzeria")
	if !strings.Contains(reply, "Pizzeria Roma") {
		t.Errorf("reply = %q, want search results", reply)
	}
	if fp.calls != 1 || fp.category != "restaurant" {
		t.Errorf("places calls = %d category = %q, want 1 restaurant", fp.calls, fp.category)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9", got)
	}
}

func TestDispatch_GPSWithShelterIsFree(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111126"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "68.3570 18.7820 shelter")
	if !strings.Contains(reply, "Nearest shelters:") {
		t.Errorf("reply = %q, want shelter list", reply)
	}
	if !strings.Contains(reply, "km") {
		t.Errorf("reply = %q, want distances", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_GPSBeatsMore(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111139"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "59.3293, 18.0686 more")
	if !strings.Contains(reply, "Position saved") {
		t.Errorf("reply = %q, want position confirmation", reply)
	}
	if len(fa.reqs) != 0 {
		t.Errorf("ai called for a coordinate message")
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_MediaBeatsStopText(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111140"
	activateAccount(t, g, id, 10)

	g.dispatch(context.Background(), bus.InboundMessage{
		Channel: "test",
		From:    id,
		To:      "+46700000001",
		Body:    "stop",
		Media: []bus.MediaItem{{
			ContentType: "image/jpeg",
			Data:        base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff, 0xd9}),
		}},
		Timestamp: time.Now(),
	})

	if reply := drainReply(g); reply != "stub reply" {
		t.Errorf("reply = %q, want image analysis", reply)
	}
	if len(fa.reqs) != 1 || fa.reqs[0].Image == nil {
		t.Fatalf("ai requests = %+v, want one vision request", fa.reqs)
	}
	if fa.reqs[0].Message != "stop" {
		t.Errorf("question = %q, want the caption text", fa.reqs[0].Message)
	}

	account, err := g.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account.Status != store.StatusActive {
		t.Errorf("status = %q, want still active", account.Status)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9", got)
	}
}

func TestDispatch_RateLimitBeatsStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.PerMinute = 1
	g, _, _, _ := newTestGateway(t, cfg)
	id := "+46700111141"
	activateAccount(t, g, id, 10)

	sendIn(t, g, id, "hello there")
	reply := sendIn(t, g, id, "stop")
	if !strings.Contains(reply, "too fast") {
		t.Errorf("reply = %q, want rate limit notice", reply)
	}

	account, err := g.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account.Status != store.StatusActive {
		t.Errorf("status = %q, want still active", account.Status)
	}
}

func TestDispatch_PlaceSearchRequiresFix(t *testing.T) {
	g, _, _, fp := newTestGateway(t, testConfig(t))
	id := "+46700111127"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "find pharmacy")
	if !strings.Contains(reply, "Share your location") {
		t.Errorf("reply = %q, want location request", reply)
	}
	if fp.calls != 0 {
		t.Errorf("places called without a fix")
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}

	sendIn(t, g, id, "59.3293, 18.0686")
	reply = sendIn(t, g, id, "find pharmacy")
	if !strings.Contains(reply, "Pizzeria Roma") {
		t.Errorf("reply = %q, want search results", reply)
	}
	if fp.calls != 1 || fp.category != "pharmacy" {
		t.Errorf("places calls = %d category = %q, want 1 pharmacy", fp.calls, fp.category)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9", got)
	}
}

func TestDispatch_PlaceSearchNoResults(t *testing.T) {
	g, _, _, fp := newTestGateway(t, testConfig(t))
	fp.places = nil
	id := "+46700111128"
	activateAccount(t, g, id, 10)
	sendIn(t, g, id, "59.3293, 18.0686")

	reply := sendIn(t, g, id, "nearest atm")
	if !strings.Contains(reply, "couldn't find any atm") {
		t.Errorf("reply = %q, want empty-result message", reply)
	}
}

func TestDispatch_PlaceSearchFailureRefunds(t *testing.T) {
	g, _, _, fp := newTestGateway(t, testConfig(t))
	fp.err = errors.New("api down")
	id := "+46700111129"
	activateAccount(t, g, id, 10)
	sendIn(t, g, id, "59.3293, 18.0686")

	reply := sendIn(t, g, id, "find cafe")
	if !strings.Contains(reply, "something went wrong") {
		t.Errorf("reply = %q, want apology", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10 after refund", got)
	}
}

func TestDispatch_WhereAmI(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111130"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "where am i?")
	if !strings.Contains(reply, "Share your location") {
		t.Errorf("reply = %q, want location request", reply)
	}

	sendIn(t, g, id, "59.3293, 18.0686")
	reply = sendIn(t, g, id, "where am I")
	if !strings.Contains(reply, "https://maps.google.com/?q=59.3293,18.0686") {
		t.Errorf("reply = %q, want maps link", reply)
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_MoreRequiresHistory(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111131"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "MORE")
	if !strings.Contains(reply, "nothing to expand") {
		t.Errorf("reply = %q, want nothing-to-expand message", reply)
	}
	if len(fa.reqs) != 0 {
		t.Errorf("ai called with no previous reply")
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_MoreReplacesLastReplyOnly(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111132"
	activateAccount(t, g, id, 10)

	sendIn(t, g, id, "tell me about Kiruna")
	fa.reply = "expanded detail"

	reply := sendIn(t, g, id, "more")
	if reply != "expanded detail" {
		t.Errorf("reply = %q, want expanded detail", reply)
	}

	sctx, err := g.store.GetContext(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContext error: %v", err)
	}
	if len(sctx.Messages) != 1 || sctx.Messages[0] != "tell me about Kiruna" {
		t.Errorf("messages = %v, MORE must not grow the window", sctx.Messages)
	}
	if sctx.LastReply != "expanded detail" {
		t.Errorf("last reply = %q, want expanded detail", sctx.LastReply)
	}

	last := fa.reqs[len(fa.reqs)-1]
	if last.LastReply != "stub reply" {
		t.Errorf("expansion conditioned on %q, want previous reply", last.LastReply)
	}
	if !strings.Contains(last.System, "previous answer") {
		t.Errorf("system = %q, want expansion prompt", last.System)
	}
	if got := balanceOf(t, g, id); got != 8 {
		t.Errorf("balance = %d, want 8", got)
	}
}

func TestDispatch_WeatherQueryNeedsFix(t *testing.T) {
	g, _, fw, _ := newTestGateway(t, testConfig(t))
	id := "+46700111133"
	activateAccount(t, g, id, 10)

	reply := sendIn(t, g, id, "what is the weather")
	if !strings.Contains(reply, "Share your location") {
		t.Errorf("reply = %q, want location request", reply)
	}
	if fw.calls != 0 {
		t.Errorf("weather called without a fix")
	}
	if got := balanceOf(t, g, id); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestDispatch_WeatherQueryAtSavedFix(t *testing.T) {
	g, _, fw, _ := newTestGateway(t, testConfig(t))
	id := "+46700111134"
	activateAccount(t, g, id, 10)
	sendIn(t, g, id, "59.3293, 18.0686")

	reply := sendIn(t, g, id, "how is the weather today?")
	if !strings.Contains(reply, "Right now: clear sky") {
		t.Errorf("reply = %q, want weather summary", reply)
	}
	if fw.calls != 1 || fw.lat != 59.3293 {
		t.Errorf("weather calls = %d at lat %.4f", fw.calls, fw.lat)
	}
	if got := balanceOf(t, g, id); got != 9 {
		t.Errorf("balance = %d, want 9", got)
	}

	sctx, err := g.store.GetContext(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContext error: %v", err)
	}
	if sctx == nil || len(sctx.Messages) != 1 || !strings.Contains(sctx.LastReply, "clear sky") {
		t.Errorf("session = %+v, want weather exchange recorded", sctx)
	}
}

func TestDispatch_ActiveAgentDrivesSystemPrompt(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	id := "+46700111135"
	activateAccount(t, g, id, 10)

	ctx := context.Background()
	agent, err := g.store.CreateAgent(ctx, id, "fishing-guide", "", "You are a fishing guide for northern Sweden.")
	if err != nil {
		t.Fatalf("CreateAgent error: %v", err)
	}
	if err := g.store.ActivateAgent(ctx, id, agent.ID); err != nil {
		t.Fatalf("ActivateAgent error: %v", err)
	}

	sendIn(t, g, id, "best lake this week?")
	if len(fa.reqs) != 1 {
		t.Fatalf("ai calls = %d, want 1", len(fa.reqs))
	}
	if !strings.Contains(fa.reqs[0].System, "fishing guide") {
		t.Errorf("system = %q, want agent instructions", fa.reqs[0].System)
	}
}

func TestHandleInbound_RecoversFromPanic(t *testing.T) {
	g, fa, _, _ := newTestGateway(t, testConfig(t))
	fa.panicMsg = "boom"
	id := "+46700111136"
	activateAccount(t, g, id, 10)

	g.handleInbound(context.Background(), bus.InboundMessage{
		Channel:   "test",
		From:      id,
		To:        "+46700000001",
		Body:      "hello",
		Timestamp: time.Now(),
	})

	if reply := drainReply(g); !strings.Contains(reply, "something went wrong") {
		t.Errorf("reply = %q, want apology after panic", reply)
	}
}

func TestChatOnce(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	reply, err := g.ChatOnce(ctx, "local-user", "hello")
	if err != nil {
		t.Fatalf("ChatOnce error: %v", err)
	}
	if !strings.Contains(reply, "Reply YES") {
		t.Errorf("reply = %q, want signup prompt", reply)
	}

	reply, _ = g.ChatOnce(ctx, "local-user", "yes")
	if !strings.Contains(reply, "free credits") {
		t.Errorf("reply = %q, want activation", reply)
	}

	reply, _ = g.ChatOnce(ctx, "local-user", "what can you do?")
	if reply != "stub reply" {
		t.Errorf("reply = %q, want stub reply", reply)
	}
}

func TestHandleCronJob_Housekeeping(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))

	result, err := g.handleCronJob(cron.CronJob{Payload: cron.Payload{Message: cleanupJobMsg}})
	if err != nil {
		t.Fatalf("cleanup job error: %v", err)
	}
	if result != "removed 0 sessions, 0 fixes" {
		t.Errorf("result = %q", result)
	}

	result, err = g.handleCronJob(cron.CronJob{Payload: cron.Payload{Message: sweepJobMsg}})
	if err != nil {
		t.Fatalf("sweep job error: %v", err)
	}
	if result != "removed 0 idle senders" {
		t.Errorf("result = %q", result)
	}
}

func TestHandleCronJob_Delivery(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))

	result, err := g.handleCronJob(cron.CronJob{
		Name: "morning-digest",
		Payload: cron.Payload{
			Message: "Good morning! Forecast on request.",
			Deliver: true,
			Channel: "sms",
			To:      "+46700111137",
		},
	})
	if err != nil {
		t.Fatalf("delivery job error: %v", err)
	}
	if result != "delivered" {
		t.Errorf("result = %q, want delivered", result)
	}

	select {
	case out := <-g.bus.Outbound:
		if out.Channel != "sms" || out.To != "+46700111137" {
			t.Errorf("outbound = %+v", out)
		}
		if out.Body != "Good morning! Forecast on request." {
			t.Errorf("body = %q", out.Body)
		}
	default:
		t.Fatal("no outbound message queued")
	}

	if _, err := g.handleCronJob(cron.CronJob{Name: "broken", Payload: cron.Payload{Message: "x"}}); err == nil {
		t.Error("expected error for undeliverable job")
	}
}

func TestEnsureInternalJobs(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	g.cron = cron.NewService(filepath.Join(t.TempDir(), "jobs.json"))
	g.cron.OnJob = g.handleCronJob

	if err := g.ensureInternalJobs(); err != nil {
		t.Fatalf("ensureInternalJobs error: %v", err)
	}
	if got := len(g.cron.ListJobs()); got != 2 {
		t.Fatalf("jobs = %d, want 2", got)
	}

	// Idempotent on restart.
	if err := g.ensureInternalJobs(); err != nil {
		t.Fatalf("ensureInternalJobs error: %v", err)
	}
	if got := len(g.cron.ListJobs()); got != 2 {
		t.Errorf("jobs = %d after second run, want 2", got)
	}
	if got := len(g.cron.UserJobs()); got != 0 {
		t.Errorf("user-visible jobs = %d, want 0", got)
	}
}

func TestDispatch_SwedishAccountGetsSwedishReplies(t *testing.T) {
	cfg := testConfig(t)
	cfg.SMS.DefaultLanguage = "sv"
	g, _, _, _ := newTestGateway(t, cfg)
	id := "+46700111138"

	reply := sendIn(t, g, id, "hej")
	if !strings.Contains(reply, "Svara JA") {
		t.Errorf("reply = %q, want Swedish signup prompt", reply)
	}

	reply = sendIn(t, g, id, "ja")
	if !strings.Contains(reply, "krediter") {
		t.Errorf("reply = %q, want Swedish activation", reply)
	}
}

// Every command the Swedish catalog tells users to text must be handled by
// the command path, never billed as chat.
func TestDispatch_SwedishAdvertisedCommandsWork(t *testing.T) {
	cfg := testConfig(t)
	cfg.SMS.DefaultLanguage = "sv"
	g, fa, _, _ := newTestGateway(t, cfg)
	id := "+46700111143"

	sendIn(t, g, id, "hej")
	sendIn(t, g, id, "JA")
	start := balanceOf(t, g, id)

	reply := sendIn(t, g, id, "HJÄLP")
	if !strings.Contains(reply, "Saldo") {
		t.Errorf("reply = %q, want Swedish help text", reply)
	}

	reply = sendIn(t, g, id, "AVSLUTA")
	if !strings.Contains(reply, "avregistrerad") {
		t.Errorf("reply = %q, want Swedish stop confirmation", reply)
	}
	account, err := g.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount error: %v", err)
	}
	if account.Status != store.StatusInactive {
		t.Errorf("status = %q, want %q", account.Status, store.StatusInactive)
	}

	if got := balanceOf(t, g, id); got != start {
		t.Errorf("balance = %d after free commands, want %d", got, start)
	}
	if len(fa.reqs) != 0 {
		t.Errorf("ai calls = %d, want 0", len(fa.reqs))
	}
}

func TestGateway_Run_RequiresChannels(t *testing.T) {
	g, _, _, _ := newTestGateway(t, testConfig(t))
	if err := g.Run(context.Background()); err == nil {
		t.Error("expected error running without channels")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	cfg.SMS.AccountSID = "AC123"
	cfg.SMS.AuthToken = "token"
	cfg.SMS.From = "+46700000000"
	cfg.SMS.Port = 38085
	sigCh := make(chan os.Signal, 1)

	fa := &fakeAI{reply: "ok"}
	g, err := NewWithOptions(cfg, Options{
		AIClient:      fa,
		WeatherClient: &fakeWeather{},
		PlacesClient:  &fakePlaces{},
		SignalChan:    sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	g.cron = cron.NewService(filepath.Join(t.TempDir(), "jobs.json"))
	g.cron.OnJob = g.handleCronJob

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not exit after signal")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

// Package bridge converts the noisy presence and voice event stream from the
// chat platform into debounced, coalesced Time Engine calls. Two independent
// sub-machines (gaming, social) share no state.
package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"example.com/timeslice/internal/domain"
)

// Interval categories the bridge writes.
const (
	GamingCategory = "Gaming"
	CallCategory   = "Discord Call"
)

// Default debounce windows. Game start uses the longest window to absorb
// games that are only briefly in view; voice drop is the cleanest signal and
// gets the shortest.
const (
	DefaultGameStartDelay = 120 * time.Second
	DefaultGameStopDelay  = 60 * time.Second
	DefaultCallStopDelay  = 30 * time.Second
)

// TimeKeeper is the capability set the bridge needs from the Time Engine.
// Injecting it (rather than calling the engine directly) lets tests drive the
// debounce logic with deterministic fakes.
type TimeKeeper interface {
	StartSlice(ctx context.Context, input domain.StartSliceInput) (*domain.TimeInterval, bool, error)
	StopSliceIfExists(ctx context.Context, input domain.StopSliceInput) (*domain.TimeInterval, error)
	SleepActive(ctx context.Context, at time.Time) (bool, error)
}

// Config tunes the bridge.
type Config struct {
	// DenyList names activities that never count as a trackable game.
	DenyList []string
	// VoiceChannels lists tracked channels as "guildID:channelID".
	VoiceChannels []string

	GameStartDelay time.Duration
	GameStopDelay  time.Duration
	CallStopDelay  time.Duration

	// CallTimeout bounds engine calls made from timer callbacks.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GameStartDelay <= 0 {
		c.GameStartDelay = DefaultGameStartDelay
	}
	if c.GameStopDelay <= 0 {
		c.GameStopDelay = DefaultGameStopDelay
	}
	if c.CallStopDelay <= 0 {
		c.CallStopDelay = DefaultCallStopDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	return c
}

// Activity is one entry of a presence update's activity list.
type Activity struct {
	Name    string `json:"name"`
	Playing bool   `json:"playing"`
}

// PresenceEvent is the normalised presence signal.
type PresenceEvent struct {
	Activities []Activity `json:"activities"`
	// ForceStartNow bypasses the start debounce for deterministic triggers.
	ForceStartNow bool `json:"force_start_now"`
}

// VoiceEvent is the normalised voice-channel membership signal. An empty
// ChannelID means the user left voice.
type VoiceEvent struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	// ForceStart starts a call interval even when one is already marked active.
	ForceStart bool `json:"force_start"`
}

// gamingState tracks the gaming sub-machine. Pending timer handles are
// superseded, never duplicated: every scheduling action cancels the previous
// handle of the same kind first.
type gamingState struct {
	active       bool
	currentGame  string
	pendingStart Timer
	pendingStop  Timer
}

// socialState tracks the social sub-machine.
type socialState struct {
	active      bool
	inCall      bool
	pendingStop Timer
}

// Bridge holds the per-user session state. It is created once at process
// start and safe to reconstruct from scratch: state is re-derived from the
// next live event.
type Bridge struct {
	keeper  TimeKeeper
	clock   Clock
	logger  *log.Logger
	cfg     Config
	denied  map[string]struct{}
	tracked map[string]struct{}

	// mu serialises event handlers against timer callbacks, which fire on an
	// independent schedule.
	mu     sync.Mutex
	gaming gamingState
	social socialState
}

// New constructs a Bridge.
func New(keeper TimeKeeper, clock Clock, logger *log.Logger, cfg Config) *Bridge {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[bridge] ", log.LstdFlags)
	}
	cfg = cfg.withDefaults()

	denied := make(map[string]struct{}, len(cfg.DenyList))
	for _, name := range cfg.DenyList {
		denied[name] = struct{}{}
	}
	tracked := make(map[string]struct{}, len(cfg.VoiceChannels))
	for _, channel := range cfg.VoiceChannels {
		tracked[channel] = struct{}{}
	}

	return &Bridge{
		keeper:  keeper,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		denied:  denied,
		tracked: tracked,
	}
}

// HandlePresence processes one presence update.
func (b *Bridge) HandlePresence(ctx context.Context, evt PresenceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	game, deniedOnly := b.pickGame(evt.Activities)
	if deniedOnly {
		// Every running activity is deny-listed: no state change at all.
		return
	}

	if game == "" {
		b.cancelPendingStartLocked()
		if !b.gaming.active {
			return
		}
		b.schedulePendingStopLocked()
		return
	}

	b.cancelPendingStopLocked()

	if evt.ForceStartNow {
		b.cancelPendingStartLocked()
		b.startGamingLocked(ctx, game)
		return
	}

	b.cancelPendingStartLocked()
	recordTimer("game_start", "scheduled")
	gameName := game
	b.gaming.pendingStart = b.clock.AfterFunc(b.cfg.GameStartDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.gaming.pendingStart = nil
		recordTimer("game_start", "fired")
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
		defer cancel()
		b.startGamingLocked(ctx, gameName)
	})
}

// HandleVoice processes one voice membership update.
func (b *Bridge) HandleVoice(ctx context.Context, evt VoiceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inTrackedChannel(evt) {
		b.social.inCall = true
		if b.social.pendingStop != nil {
			b.social.pendingStop.Stop()
			b.social.pendingStop = nil
			recordTimer("call_stop", "cancelled")
		}
		// Voice join is a sharp signal: start immediately, no debounce.
		if !b.social.active || evt.ForceStart {
			b.startSocialLocked(ctx)
		}
		return
	}

	b.social.inCall = false
	if b.social.pendingStop != nil {
		b.social.pendingStop.Stop()
		recordTimer("call_stop", "cancelled")
	}
	recordTimer("call_stop", "scheduled")
	b.social.pendingStop = b.clock.AfterFunc(b.cfg.CallStopDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.social.pendingStop = nil
		recordTimer("call_stop", "fired")
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
		defer cancel()
		b.stopSocialLocked(ctx)
	})
}

// pickGame returns the first trackable game name. deniedOnly is true when
// activities exist but every one of them is deny-listed.
func (b *Bridge) pickGame(activities []Activity) (string, bool) {
	playing := 0
	for _, activity := range activities {
		if !activity.Playing {
			continue
		}
		playing++
		if _, denied := b.denied[activity.Name]; !denied {
			return activity.Name, false
		}
	}
	return "", playing > 0
}

func (b *Bridge) inTrackedChannel(evt VoiceEvent) bool {
	if evt.ChannelID == "" {
		return false
	}
	_, ok := b.tracked[evt.GuildID+":"+evt.ChannelID]
	return ok
}

func (b *Bridge) cancelPendingStartLocked() {
	if b.gaming.pendingStart != nil {
		b.gaming.pendingStart.Stop()
		b.gaming.pendingStart = nil
		recordTimer("game_start", "cancelled")
	}
}

func (b *Bridge) cancelPendingStopLocked() {
	if b.gaming.pendingStop != nil {
		b.gaming.pendingStop.Stop()
		b.gaming.pendingStop = nil
		recordTimer("game_stop", "cancelled")
	}
}

func (b *Bridge) schedulePendingStopLocked() {
	if b.gaming.pendingStop != nil {
		b.gaming.pendingStop.Stop()
		recordTimer("game_stop", "cancelled")
	}
	recordTimer("game_stop", "scheduled")
	b.gaming.pendingStop = b.clock.AfterFunc(b.cfg.GameStopDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.gaming.pendingStop = nil
		recordTimer("game_stop", "fired")
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
		defer cancel()
		b.stopGamingLocked(ctx)
	})
}

// startGamingLocked opens the PRIMARY Gaming interval and a SEGMENT interval
// named after the game. A locked Sleep interval covering now on PRIMARY
// suppresses the start entirely.
func (b *Bridge) startGamingLocked(ctx context.Context, game string) {
	asleep, err := b.keeper.SleepActive(ctx, b.clock.Now())
	if err != nil {
		b.logger.Printf("sleep check failed, skipping gaming start: %v", err)
		return
	}
	if asleep {
		b.logger.Printf("sleep interval active, gaming start suppressed (game=%s)", game)
		return
	}

	if _, _, err := b.keeper.StartSlice(ctx, domain.StartSliceInput{
		Category:  GamingCategory,
		Dimension: domain.DimensionPrimary,
		Source:    domain.SourceExternalTimer,
	}); err != nil {
		b.logger.Printf("gaming start failed: %v", err)
		return
	}
	if _, _, err := b.keeper.StartSlice(ctx, domain.StartSliceInput{
		Category:  game,
		Dimension: domain.DimensionSegment,
		Source:    domain.SourceExternalTimer,
	}); err != nil {
		b.logger.Printf("segment start failed (game=%s): %v", game, err)
	}

	b.gaming.active = true
	b.gaming.currentGame = game
}

// stopGamingLocked closes the PRIMARY Gaming interval and any open SEGMENT.
func (b *Bridge) stopGamingLocked(ctx context.Context) {
	category := GamingCategory
	if _, err := b.keeper.StopSliceIfExists(ctx, domain.StopSliceInput{
		Dimension: domain.DimensionPrimary,
		Category:  &category,
	}); err != nil {
		b.logger.Printf("gaming stop failed: %v", err)
	}
	if _, err := b.keeper.StopSliceIfExists(ctx, domain.StopSliceInput{
		Dimension: domain.DimensionSegment,
	}); err != nil {
		b.logger.Printf("segment stop failed: %v", err)
	}

	b.gaming.active = false
	b.gaming.currentGame = ""
}

func (b *Bridge) startSocialLocked(ctx context.Context) {
	if _, _, err := b.keeper.StartSlice(ctx, domain.StartSliceInput{
		Category:  CallCategory,
		Dimension: domain.DimensionSocial,
		Source:    domain.SourceExternalTimer,
	}); err != nil {
		b.logger.Printf("call start failed: %v", err)
		return
	}
	b.social.active = true
}

func (b *Bridge) stopSocialLocked(ctx context.Context) {
	category := CallCategory
	if _, err := b.keeper.StopSliceIfExists(ctx, domain.StopSliceInput{
		Dimension: domain.DimensionSocial,
		Category:  &category,
	}); err != nil {
		b.logger.Printf("call stop failed: %v", err)
	}
	b.social.active = false
}

// GamingActive reports the gaming flag and current game. Exposed for tests
// and debug endpoints.
func (b *Bridge) GamingActive() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gaming.active, b.gaming.currentGame
}

// SocialActive reports the social flags.
func (b *Bridge) SocialActive() (active, inCall bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.social.active, b.social.inCall
}

package bridge_test

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/timeslice/internal/bridge"
	"example.com/timeslice/internal/domain"
)

// fakeClock drives timers manually. Advance releases the lock before firing
// callbacks so they may call back into the clock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) bridge.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && !timer.deadline.After(c.now) {
			timer.fired = true
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

// fakeKeeper records engine calls.
type fakeKeeper struct {
	mu      sync.Mutex
	starts  []domain.StartSliceInput
	stops   []domain.StopSliceInput
	asleep  bool
	started map[string]bool // dimension -> open
}

func newFakeKeeper() *fakeKeeper {
	return &fakeKeeper{started: make(map[string]bool)}
}

func (k *fakeKeeper) StartSlice(_ context.Context, input domain.StartSliceInput) (*domain.TimeInterval, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.starts = append(k.starts, input)
	k.started[string(input.Dimension)] = true
	return &domain.TimeInterval{ID: "fake", Category: input.Category, Dimension: input.Dimension}, false, nil
}

func (k *fakeKeeper) StopSliceIfExists(_ context.Context, input domain.StopSliceInput) (*domain.TimeInterval, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stops = append(k.stops, input)
	k.started[string(input.Dimension)] = false
	return nil, nil
}

func (k *fakeKeeper) SleepActive(context.Context, time.Time) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.asleep, nil
}

func (k *fakeKeeper) startCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.starts)
}

func (k *fakeKeeper) stopCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.stops)
}

func (k *fakeKeeper) startsCopy() []domain.StartSliceInput {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]domain.StartSliceInput(nil), k.starts...)
}

func (k *fakeKeeper) stopsCopy() []domain.StopSliceInput {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]domain.StopSliceInput(nil), k.stops...)
}

func newTestBridge(keeper *fakeKeeper, clock *fakeClock) *bridge.Bridge {
	return bridge.New(keeper, clock, log.New(io.Discard, "", 0), bridge.Config{
		DenyList:      []string{"Spotify"},
		VoiceChannels: []string{"guild-1:channel-1"},
	})
}

func playing(name string) bridge.PresenceEvent {
	return bridge.PresenceEvent{Activities: []bridge.Activity{{Name: name, Playing: true}}}
}

func noGame() bridge.PresenceEvent {
	return bridge.PresenceEvent{}
}

func TestForceStartBypassesDebounce(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Hades")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)

	starts := keeper.startsCopy()
	require.Len(t, starts, 2)
	require.Equal(t, bridge.GamingCategory, starts[0].Category)
	require.Equal(t, domain.DimensionPrimary, starts[0].Dimension)
	require.Equal(t, domain.SourceExternalTimer, starts[0].Source)
	require.Equal(t, "Hades", starts[1].Category)
	require.Equal(t, domain.DimensionSegment, starts[1].Dimension)

	active, game := b.GamingActive()
	require.True(t, active)
	require.Equal(t, "Hades", game)
}

func TestGameStartIsDebounced(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	b.HandlePresence(context.Background(), playing("Hades"))
	require.Zero(t, keeper.startCount(), "start must wait out the debounce window")

	clock.Advance(119 * time.Second)
	require.Zero(t, keeper.startCount())

	clock.Advance(2 * time.Second)
	require.Equal(t, 2, keeper.startCount())

	active, game := b.GamingActive()
	require.True(t, active)
	require.Equal(t, "Hades", game)
}

func TestGameFlappingCancelsPendingStart(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	b.HandlePresence(context.Background(), playing("Hades"))
	clock.Advance(30 * time.Second)
	b.HandlePresence(context.Background(), noGame())

	clock.Advance(10 * time.Minute)
	require.Zero(t, keeper.startCount(), "cancelled pending start must never fire")
	active, _ := b.GamingActive()
	require.False(t, active)
}

func TestGameStopIsDebouncedAndCancellable(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Hades")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)

	// Presence blip: game disappears, reappears within the stop window.
	b.HandlePresence(context.Background(), noGame())
	clock.Advance(30 * time.Second)
	reappear := playing("Hades")
	reappear.ForceStartNow = true
	b.HandlePresence(context.Background(), reappear)

	clock.Advance(10 * time.Minute)
	require.Zero(t, keeper.stopCount(), "reappearing game must cancel the pending stop")
	active, _ := b.GamingActive()
	require.True(t, active)
}

func TestGameStopFiresAfterWindow(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Hades")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)

	b.HandlePresence(context.Background(), noGame())
	clock.Advance(61 * time.Second)

	stops := keeper.stopsCopy()
	require.Len(t, stops, 2)
	require.Equal(t, domain.DimensionPrimary, stops[0].Dimension)
	require.NotNil(t, stops[0].Category)
	require.Equal(t, bridge.GamingCategory, *stops[0].Category)
	require.Equal(t, domain.DimensionSegment, stops[1].Dimension)
	require.Nil(t, stops[1].Category, "segment stop closes whatever is open")

	active, game := b.GamingActive()
	require.False(t, active)
	require.Empty(t, game)
}

func TestDenyListedOnlyPresenceIsIgnored(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Hades")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)

	// Only a deny-listed activity running: must not be read as "no game".
	b.HandlePresence(context.Background(), playing("Spotify"))
	clock.Advance(10 * time.Minute)

	require.Zero(t, keeper.stopCount(), "deny-listed-only update must not schedule a stop")
	active, _ := b.GamingActive()
	require.True(t, active)
}

func TestDenyListedGameNeverStarts(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Spotify")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)
	clock.Advance(10 * time.Minute)

	require.Zero(t, keeper.startCount())
}

func TestSleepGateSuppressesGamingStart(t *testing.T) {
	keeper := newFakeKeeper()
	keeper.asleep = true
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Hades")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)

	require.Zero(t, keeper.startCount(), "a locked sleep interval gates gaming starts")
	active, _ := b.GamingActive()
	require.False(t, active)
}

func TestSleepGateDoesNotBlockStops(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Hades")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)

	keeper.mu.Lock()
	keeper.asleep = true
	keeper.mu.Unlock()

	b.HandlePresence(context.Background(), noGame())
	clock.Advance(61 * time.Second)

	require.Equal(t, 2, keeper.stopCount(), "stops are never gated on sleep")
}

func TestVoiceJoinStartsImmediately(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: "channel-1"})

	starts := keeper.startsCopy()
	require.Len(t, starts, 1)
	require.Equal(t, bridge.CallCategory, starts[0].Category)
	require.Equal(t, domain.DimensionSocial, starts[0].Dimension)

	active, inCall := b.SocialActive()
	require.True(t, active)
	require.True(t, inCall)
}

func TestVoiceLeaveStopsAfterDebounce(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: "channel-1"})
	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: ""})

	require.Zero(t, keeper.stopCount())
	clock.Advance(31 * time.Second)

	stops := keeper.stopsCopy()
	require.Len(t, stops, 1)
	require.Equal(t, domain.DimensionSocial, stops[0].Dimension)
	require.NotNil(t, stops[0].Category)
	require.Equal(t, bridge.CallCategory, *stops[0].Category)

	active, inCall := b.SocialActive()
	require.False(t, active)
	require.False(t, inCall)
}

func TestVoiceRejoinCancelsPendingStop(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	join := bridge.VoiceEvent{GuildID: "guild-1", ChannelID: "channel-1"}
	b.HandleVoice(context.Background(), join)
	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: ""})
	clock.Advance(15 * time.Second)
	b.HandleVoice(context.Background(), join)

	clock.Advance(10 * time.Minute)
	require.Zero(t, keeper.stopCount(), "rejoin within the window must cancel the stop")
	require.Equal(t, 1, keeper.startCount(), "rejoin while active must not double-start")
}

func TestUntrackedChannelCountsAsLeave(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: "channel-1"})
	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: "lobby"})

	clock.Advance(31 * time.Second)
	require.Equal(t, 1, keeper.stopCount())
}

func TestVoiceForceStartRestartsActiveCall(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	join := bridge.VoiceEvent{GuildID: "guild-1", ChannelID: "channel-1"}
	b.HandleVoice(context.Background(), join)
	join.ForceStart = true
	b.HandleVoice(context.Background(), join)

	require.Equal(t, 2, keeper.startCount())
}

func TestGamingAndSocialAreIndependent(t *testing.T) {
	keeper := newFakeKeeper()
	clock := newFakeClock()
	b := newTestBridge(keeper, clock)

	evt := playing("Hades")
	evt.ForceStartNow = true
	b.HandlePresence(context.Background(), evt)
	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: "channel-1"})

	// Leaving voice must not disturb the gaming machine.
	b.HandleVoice(context.Background(), bridge.VoiceEvent{GuildID: "guild-1", ChannelID: ""})
	clock.Advance(31 * time.Second)

	active, _ := b.GamingActive()
	require.True(t, active)
	social, _ := b.SocialActive()
	require.False(t, social)
}

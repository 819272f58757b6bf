package feed

import (
	"context"
	"encoding/json"

	"example.com/timeslice/internal/bridge"
)

// presencePayload is the raw gateway shape for presence updates.
type presencePayload struct {
	UserID     string `json:"user_id"`
	Activities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"activities"`
	ForceStartNow bool `json:"force_start_now"`
}

// voicePayload is the raw gateway shape for voice membership changes.
type voicePayload struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// BridgeHandler normalises raw gateway payloads into bridge events. The
// platform multiplexes many users; only the tracked user's events are acted
// on.
type BridgeHandler struct {
	bridge        *bridge.Bridge
	trackedUserID string
}

// NewBridgeHandler constructs a BridgeHandler.
func NewBridgeHandler(b *bridge.Bridge, trackedUserID string) *BridgeHandler {
	return &BridgeHandler{bridge: b, trackedUserID: trackedUserID}
}

// Handle dispatches a decoded gateway event to the bridge.
func (h *BridgeHandler) Handle(ctx context.Context, event Event) error {
	switch event.EventType {
	case EventPresenceUpdated:
		var payload presencePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		if !h.tracked(event.UserID, payload.UserID) {
			return nil
		}
		activities := make([]bridge.Activity, 0, len(payload.Activities))
		for _, activity := range payload.Activities {
			activities = append(activities, bridge.Activity{
				Name:    activity.Name,
				Playing: activity.Type == "playing",
			})
		}
		h.bridge.HandlePresence(ctx, bridge.PresenceEvent{
			Activities:    activities,
			ForceStartNow: payload.ForceStartNow,
		})
		return nil

	case EventVoiceStateChange:
		var payload voicePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		if !h.tracked(event.UserID, payload.UserID) {
			return nil
		}
		h.bridge.HandleVoice(ctx, bridge.VoiceEvent{
			GuildID:   payload.GuildID,
			ChannelID: payload.ChannelID,
		})
		return nil
	}

	// Unknown event types are committed and dropped.
	return nil
}

func (h *BridgeHandler) tracked(headerUserID, payloadUserID string) bool {
	userID := headerUserID
	if userID == "" {
		userID = payloadUserID
	}
	return userID == h.trackedUserID
}

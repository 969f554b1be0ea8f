package app

import (
	"testing"

	"go.aimuz.me/voicelink/livevoice/realtime"
)

func mustAgentResponse(t *testing.T, actionTypes ...string) realtime.Event {
	t.Helper()
	var ev realtime.AgentResponseEvent
	for _, typ := range actionTypes {
		ev.Payload.Actions = append(ev.Payload.Actions, realtime.Action{Type: typ})
	}
	return ev
}

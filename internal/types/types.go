// Package types provides shared type definitions for the application.
package types

import "time"

// Author identifies who produced a transcript message.
type Author string

const (
	AuthorAssistant Author = "assistant"
	AuthorUser      Author = "user"
)

// Message is one entry of the conversation transcript.
type Message struct {
	Text   string `json:"text"`
	Author Author `json:"author"`
}

// IntegrationStatus describes an external system the agent can drive
// (calendar, booking, database) and its latest reported step.
type IntegrationStatus struct {
	Key         string `json:"key"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
	Status      string `json:"status"`
}

// DefaultIntegrations returns the integrations known at startup.
func DefaultIntegrations() []IntegrationStatus {
	return []IntegrationStatus{
		{
			Key:         "calendar",
			Title:       "Calendar",
			Description: "Checks availability in the calendar",
			Status:      "Idle calendar",
		},
		{
			Key:         "booking",
			Title:       "Booking",
			Description: "Books appointments",
			Status:      "Idle booking",
		},
		{
			Key:         "",
			Title:       "Data base",
			Description: "Stores client records",
			Status:      "Idle database",
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Live Voice Types
// ─────────────────────────────────────────────────────────────────────────────

// VoiceStatus is a snapshot of the voice channel for presentation.
type VoiceStatus struct {
	Connected      bool          `json:"connected"`
	Recording      bool          `json:"recording"`
	Speaking       bool          `json:"speaking"`
	SessionID      string        `json:"sessionId"`
	Endpoint       string        `json:"endpoint"`
	LastResponseID string        `json:"lastResponseId,omitempty"`
	Uptime         time.Duration `json:"uptime"`
}

// CaptureStats counts processed microphone frames.
type CaptureStats struct {
	FramesSent  int64 `json:"framesSent"`  // frames handed to the socket
	FramesGated int64 `json:"framesGated"` // frames dropped as silence
	FramesError int64 `json:"framesError"` // frames that failed to send
}

// Package app composes the live voice components into one assistant.
package app

// Event names for the presentation layer.
const (
	EventTranscript   = "transcript"
	EventSpeaking     = "assistant-speaking"
	EventRecording    = "recording"
	EventConnection   = "connection-state"
	EventIntegrations = "integrations"
	EventError        = "error"
)

// MicErrorMessage is shown in the transcript when the microphone cannot
// be opened.
const MicErrorMessage = "Microphone access error"

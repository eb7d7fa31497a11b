package upstream

import "encoding/json"

// EventKind tags the inbound event union produced by the read loop.
type EventKind string

const (
	KindAudioDelta     EventKind = "audio_delta"
	KindTextDelta      EventKind = "text_delta"
	KindResponseDone   EventKind = "response_done"
	KindResponseFailed EventKind = "response_failed"
	KindError          EventKind = "error"
	KindClosed         EventKind = "closed"
	KindUnknown        EventKind = "unknown"
)

// Event is one inbound upstream frame after decoding. Unknown frame
// types are passed through undecoded in Raw so the relay can forward
// them verbatim.
type Event struct {
	Kind      EventKind
	Audio     string
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Raw       json.RawMessage
}

// Wire shapes of the frames the client decodes. Field names follow the
// upstream realtime protocol.

type envelope struct {
	Type string `json:"type"`
}

type deltaFrame struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type responseDoneFrame struct {
	Type     string `json:"type"`
	Response struct {
		Status string `json:"status"`
	} `json:"response"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voxtask/voxtask/internal/tasks"
)

// MessageType identifies room payload variants on the pub/sub topic.
type MessageType string

const (
	// Client → relay.
	TypeAudioAppend    MessageType = "input_audio_buffer.append"
	TypeAudioCommit    MessageType = "input_audio_buffer.commit"
	TypeResponseCreate MessageType = "response.create"

	// Relay → subscribers.
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeResponseText MessageType = "response_text"
	TypeMessage      MessageType = "message"
)

// Data-channel payloads travel out-of-band from audio on the same room.
const (
	TypeInitialTasks      MessageType = "initialTasks"
	TypeTaskUpdate        MessageType = "taskUpdate"
	TypeTaskReview        MessageType = "taskReview"
	TypeOnboardingControl MessageType = "onboardingControl"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioAppend carries one client microphone chunk. The nested data
// object mirrors the browser client's wire shape.
type AudioAppend struct {
	Type MessageType `json:"type"`
	Data AudioData   `json:"data"`
}

type AudioData struct {
	Data string `json:"data"`
}

type AudioCommit struct {
	Type MessageType `json:"type"`
}

type ResponseCreate struct {
	Type MessageType `json:"type"`
}

// AudioChunk is one bounded fragment of an upstream audio delta,
// published in chunkIndex order per delta.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	Data        string      `json:"data"`
	ChunkIndex  int         `json:"chunkIndex"`
	TotalChunks int         `json:"totalChunks"`
	IsLast      bool        `json:"isLast"`
}

type ResponseText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// ErrorNotice is published as a generic message so clients see an
// explicit failure instead of a silent hang.
type ErrorNotice struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DataMessage is the agent ↔ application data-channel payload.
type DataMessage struct {
	Type             MessageType    `json:"type"`
	Tasks            tasks.Snapshot `json:"tasks,omitempty"`
	Timestamp        int64          `json:"timestamp,omitempty"`
	UserID           string         `json:"userId,omitempty"`
	RepeatOnboarding bool           `json:"repeatOnboarding,omitempty"`
}

// ParseRoomMessage decodes a raw frame from a room participant and
// validates the variants the relay understands. The returned value is
// one of AudioAppend, AudioCommit, ResponseCreate or DataMessage.
func ParseRoomMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioAppend:
		var msg AudioAppend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data.Data == "" {
			return nil, errors.New("audio append carries no data")
		}
		return msg, nil
	case TypeAudioCommit:
		return AudioCommit{Type: TypeAudioCommit}, nil
	case TypeResponseCreate:
		return ResponseCreate{Type: TypeResponseCreate}, nil
	case TypeInitialTasks, TypeTaskUpdate, TypeTaskReview, TypeOnboardingControl:
		return parseDataMessage(raw, env.Type)
	default:
		return nil, ErrUnsupportedType
	}
}

func parseDataMessage(raw []byte, mt MessageType) (DataMessage, error) {
	var msg DataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return DataMessage{}, err
	}
	msg.Type = mt
	if mt == TypeInitialTasks || mt == TypeTaskUpdate {
		for i, task := range msg.Tasks {
			if strings.TrimSpace(task.Name) == "" {
				return DataMessage{}, fmt.Errorf("task %d has no name", i)
			}
			if task.Status != "" && !tasks.ValidStatus(task.Status) {
				return DataMessage{}, fmt.Errorf("task %q has invalid status %q", task.Name, task.Status)
			}
		}
	}
	return msg, nil
}

// TypeOf reports the room message type of a parsed value, for metrics
// labels and dispatch.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case AudioAppend:
		return m.Type, true
	case AudioCommit:
		return m.Type, true
	case ResponseCreate:
		return m.Type, true
	case AudioChunk:
		return m.Type, true
	case ResponseText:
		return m.Type, true
	case DataMessage:
		return m.Type, true
	default:
		return "", false
	}
}

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type VoiceCommand struct {
	Text    string         `json:"text"`
	Context map[string]any `json:"context"`
}

// CameraFrame carries one base64-encoded still image.
type CameraFrame struct {
	Frame string `json:"frame"`
}

type AudioChunk struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"is_final"`
}

type Ping struct{}

type RoomRequest struct {
	Room string `json:"room"`
}

type BroadcastRequest struct {
	Room    string         `json:"room,omitempty"`
	Message map[string]any `json:"message"`
}

type Face struct {
	ID         string      `json:"id"`
	BBox       []float64   `json:"bbox"`
	Confidence float64     `json:"confidence"`
	Landmarks  [][]float64 `json:"landmarks,omitempty"`
}

type Recognition struct {
	Identity   string   `json:"identity"`
	Confidence float64  `json:"confidence"`
	Distance   *float64 `json:"distance,omitempty"`
}

// Emotion is the detected dominant emotion. The backend sends either a bare
// label string or an object with scores; both decode here.
type Emotion struct {
	Label       string             `json:"emotion"`
	Confidence  float64            `json:"confidence,omitempty"`
	AllEmotions map[string]float64 `json:"all_emotions,omitempty"`
}

func (e *Emotion) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var label string
		if err := json.Unmarshal(data, &label); err != nil {
			return err
		}
		*e = Emotion{Label: label}
		return nil
	}
	type plain Emotion
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Emotion(p)
	return nil
}

type VisionUpdate struct {
	Faces       []Face        `json:"faces"`
	Recognition []Recognition `json:"recognition,omitempty"`
	Emotion     *Emotion      `json:"emotion"`
}

type SystemNotice struct {
	Event        string `json:"event"`
	Message      string `json:"message"`
	ConnectionID string `json:"connection_id,omitempty"`
	Username     string `json:"username,omitempty"`
}

type VoiceResponse struct {
	Text       string           `json:"text"`
	Intent     string           `json:"intent"`
	Audio      *string          `json:"audio,omitempty"`
	Actions    []map[string]any `json:"actions,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
}

type Transcription struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

type RoomNotice struct {
	Room string `json:"room"`
}

type BroadcastNotice struct {
	From    string         `json:"from"`
	Message map[string]any `json:"message"`
}

type ErrorNotice struct {
	Message string  `json:"message"`
	Details *string `json:"details,omitempty"`
}

// inboundPayloads lists the backend types whose fields are checked on
// decode. broadcast carries whatever another client sent and is not.
var inboundPayloads = map[MessageType]func() any{
	TypeVisionUpdate:  func() any { return new(VisionUpdate) },
	TypeSystem:        func() any { return new(SystemNotice) },
	TypeVoiceResponse: func() any { return new(VoiceResponse) },
	TypeTranscription: func() any { return new(Transcription) },
	TypeRoomJoined:    func() any { return new(RoomNotice) },
	TypeRoomLeft:      func() any { return new(RoomNotice) },
	TypeError:         func() any { return new(ErrorNotice) },
}

func validatePayload(typ MessageType, payload []byte) error {
	newPayload, ok := inboundPayloads[typ]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(payload, newPayload()); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, typ, err)
	}
	return nil
}

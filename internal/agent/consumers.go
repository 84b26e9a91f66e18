package agent

import (
	"strings"

	"jarvis-link/internal/channel"
	"jarvis-link/internal/model"
)

// registerConsumers subscribes the console and health views to inbound
// traffic. Handlers run on the read goroutine and only log, print and
// record timestamps.
func (a *Agent) registerConsumers(d *channel.Dispatcher) {
	d.On(model.TypeSystem, a.onSystem)
	d.On(model.TypePong, func(env model.Envelope) {
		a.health.MarkPong(env.Timestamp())
	})
	d.On(model.TypeVoiceResponse, a.onVoiceResponse)
	d.On(model.TypeTranscription, a.onTranscription)
	d.On(model.TypeVisionUpdate, a.onVisionUpdate)
	d.On(model.TypeRoomJoined, func(env model.Envelope) { a.onRoom(env, "joined") })
	d.On(model.TypeRoomLeft, func(env model.Envelope) { a.onRoom(env, "left") })
	d.On(model.TypeBroadcast, a.onBroadcast)
	d.On(model.TypeError, a.onError)
}

func (a *Agent) onSystem(env model.Envelope) {
	var n model.SystemNotice
	if err := env.DecodePayload(&n); err != nil {
		a.logger.Warn("decode system notice", "error", err)
		return
	}
	a.logger.Info("server notice", "event", n.Event, "connection_id", n.ConnectionID, "username", n.Username)
	if n.Message != "" {
		a.printf("* %s\n", n.Message)
	}
}

func (a *Agent) onVoiceResponse(env model.Envelope) {
	var r model.VoiceResponse
	if err := env.DecodePayload(&r); err != nil {
		a.logger.Warn("decode voice response", "error", err)
		return
	}
	a.health.MarkResponse(env.Timestamp())
	a.logger.Debug("voice response", "intent", r.Intent, "actions", len(r.Actions), "has_audio", r.Audio != nil)
	a.printf("jarvis> %s\n", r.Text)
}

func (a *Agent) onTranscription(env model.Envelope) {
	var tr model.Transcription
	if err := env.DecodePayload(&tr); err != nil {
		a.logger.Warn("decode transcription", "error", err)
		return
	}
	if tr.IsFinal {
		a.printf("you (heard)> %s\n", tr.Text)
	}
	a.logger.Debug("transcription", "final", tr.IsFinal, "confidence", tr.Confidence)
}

func (a *Agent) onVisionUpdate(env model.Envelope) {
	var vu model.VisionUpdate
	if err := env.DecodePayload(&vu); err != nil {
		a.logger.Warn("decode vision update", "error", err)
		return
	}
	a.health.MarkVision(env.Timestamp())

	emotion := ""
	if vu.Emotion != nil {
		emotion = vu.Emotion.Label
	}
	var known []string
	for _, r := range vu.Recognition {
		if r.Identity != "" && r.Identity != "unknown" {
			known = append(known, r.Identity)
		}
	}
	a.logger.Info("vision update", "faces", len(vu.Faces), "emotion", emotion, "recognized", strings.Join(known, ","), "client_id", env.ClientID())
}

func (a *Agent) onRoom(env model.Envelope, verb string) {
	var n model.RoomNotice
	if err := env.DecodePayload(&n); err != nil {
		a.logger.Warn("decode room notice", "error", err)
		return
	}
	a.printf("* %s room %s\n", verb, n.Room)
}

func (a *Agent) onBroadcast(env model.Envelope) {
	var b model.BroadcastNotice
	if err := env.DecodePayload(&b); err != nil {
		a.logger.Warn("decode broadcast", "error", err)
		return
	}
	text, _ := b.Message["text"].(string)
	if text == "" {
		a.logger.Info("broadcast received", "from", b.From, "fields", len(b.Message))
		return
	}
	a.printf("[%s] %s\n", b.From, text)
}

func (a *Agent) onError(env model.Envelope) {
	var e model.ErrorNotice
	if err := env.DecodePayload(&e); err != nil {
		a.logger.Warn("decode error notice", "error", err)
		return
	}
	details := ""
	if e.Details != nil {
		details = *e.Details
	}
	a.logger.Warn("server reported error", "message", e.Message, "details", details)
	a.printf("! %s\n", e.Message)
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"jarvis-link/internal/channel"
	"jarvis-link/internal/model"
)

var errQuit = errors.New("quit requested")

const consoleHelp = `commands:
  <text>                    send a voice command
  /record, /stop            start or finish an audio recording
  /camera on|off            start or stop camera frames
  /connect, /disconnect     open or close the channel
  /reconnect                retry after the channel gave up
  /join <room>, /leave <room>
  /broadcast <room> <text>
  /status, /help, /quit
`

// handleLine runs one console line. It returns errQuit for /quit; every
// other failure is reported on the console and is not fatal.
func (a *Agent) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return a.report(a.sendVoiceCommand(ctx, line))
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		a.printf("%s", consoleHelp)
	case "/status":
		a.printStatus()
	case "/connect":
		return a.report(a.channel.Connect())
	case "/disconnect":
		a.channel.Disconnect()
	case "/reconnect":
		return a.report(a.channel.Reconnect())
	case "/record":
		if a.audio == nil {
			return a.report(errors.New("audio capture is not configured"))
		}
		if err := a.audio.Start(context.WithoutCancel(ctx)); err != nil {
			return a.report(err)
		}
		a.printf("* recording, /stop to send\n")
	case "/stop":
		if a.audio == nil {
			return a.report(errors.New("audio capture is not configured"))
		}
		return a.report(a.audio.Stop(ctx))
	case "/camera":
		return a.report(a.toggleCamera(ctx, args))
	case "/join", "/leave":
		if len(args) != 1 {
			return a.report(fmt.Errorf("usage: %s <room>", cmd))
		}
		typ := model.TypeJoinRoom
		if cmd == "/leave" {
			typ = model.TypeLeaveRoom
		}
		return a.report(a.send(ctx, typ, model.RoomRequest{Room: args[0]}))
	case "/broadcast":
		if len(args) < 2 {
			return a.report(errors.New("usage: /broadcast <room> <text>"))
		}
		return a.report(a.send(ctx, model.TypeBroadcast, model.BroadcastRequest{
			Room:    args[0],
			Message: map[string]any{"text": strings.Join(args[1:], " ")},
		}))
	default:
		return a.report(fmt.Errorf("unknown command %s, try /help", cmd))
	}
	return nil
}

func (a *Agent) sendVoiceCommand(ctx context.Context, text string) error {
	return a.send(ctx, model.TypeVoiceCommand, model.VoiceCommand{
		Text: text,
		Context: map[string]any{
			"client_id":  a.cfg.ClientID,
			"session_id": a.sessionID,
		},
	})
}

func (a *Agent) send(ctx context.Context, typ model.MessageType, payload any) error {
	env, err := model.NewEnvelope(typ, payload, a.clock.Now())
	if err != nil {
		return err
	}
	return a.channel.Send(ctx, env)
}

func (a *Agent) toggleCamera(ctx context.Context, args []string) error {
	if a.camera == nil {
		return errors.New("camera capture is not configured")
	}
	if len(args) != 1 {
		return errors.New("usage: /camera on|off")
	}
	switch args[0] {
	case "on":
		if err := a.camera.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		a.printf("* camera on\n")
	case "off":
		if err := a.camera.Stop(); err != nil {
			return err
		}
		a.printf("* camera off\n")
	default:
		return errors.New("usage: /camera on|off")
	}
	return nil
}

func (a *Agent) printStatus() {
	st := a.channel.Stats()
	a.printf("channel: %s (attempt %d/%d) sent=%d dropped=%d received=%d parse_errors=%d\n",
		a.channel.State(), a.channel.Attempt(), a.channel.Policy().MaxAttempts,
		st.Sent, st.Dropped, st.Received, st.ParseErrors)
	if a.camera != nil {
		cs := a.camera.Stats()
		a.printf("camera: active=%t sent=%d dropped=%d errors=%d\n", a.camera.Active(), cs.Sent, cs.Dropped, cs.Errors)
	}
	if a.audio != nil {
		as := a.audio.Stats()
		a.printf("audio: recording=%t sessions=%d sent=%d dropped=%d\n", a.audio.Active(), as.Sessions, as.Sent, as.Dropped)
	}
}

func (a *Agent) report(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrNotConnected):
		a.printf("! not connected, message dropped\n")
	default:
		a.printf("! %v\n", err)
	}
	return nil
}

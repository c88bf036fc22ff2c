package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/pkg/provider/vad"
	"github.com/MrWong99/moodwire/pkg/types"
)

// ErrParse is returned for inbound messages that cannot be decoded.
var ErrParse = errors.New("router: parse")

// Inbound message types.
const (
	TypeLandmarks  = "landmarks"
	TypeAudioChunk = "audio_chunk"
	TypeSTTText    = "stt_text"
	TypeVADResult  = "vad_result"
	TypePause      = "pause"
	TypeResume     = "resume"
	TypeEnd        = "end"
	TypePing       = "ping"
	TypeGetStatus  = "get_status"
)

// inbound is the envelope of a client message.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decode(b []byte) (inbound, error) {
	var m inbound
	if err := json.Unmarshal(b, &m); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if m.Type == "" {
		return inbound{}, fmt.Errorf("%w: missing type", ErrParse)
	}
	return m, nil
}

// msTime converts a unix-millisecond timestamp, falling back to def when
// unset.
func msTime(ms int64, def time.Time) time.Time {
	if ms <= 0 {
		return def
	}
	return time.UnixMilli(ms)
}

// landmarkPayload is the object form of landmark data. The bare array form
// carries only points.
type landmarkPayload struct {
	Timestamp int64         `json:"timestamp"`
	Points    []types.Point `json:"points"`
	Landmarks []types.Point `json:"landmarks"`
}

func parseLandmarks(raw json.RawMessage, now time.Time) (types.LandmarkFrame, error) {
	raw = bytes.TrimSpace(raw)
	f := types.LandmarkFrame{Timestamp: now}
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &f.Points); err != nil {
			return f, fmt.Errorf("%w: landmarks: %v", ErrParse, err)
		}
	} else {
		var p landmarkPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return f, fmt.Errorf("%w: landmarks: %v", ErrParse, err)
		}
		f.Timestamp = msTime(p.Timestamp, now)
		f.Points = p.Points
		if len(f.Points) == 0 {
			f.Points = p.Landmarks
		}
	}
	if len(f.Points) == 0 {
		return f, fmt.Errorf("%w: landmarks: no points", ErrParse)
	}
	return f, nil
}

// vadPayload is a client-side voice activity classification. Duration is in
// milliseconds.
type vadPayload struct {
	Timestamp int64    `json:"timestamp"`
	IsSpeech  bool     `json:"isSpeech"`
	Duration  float64  `json:"duration"`
	Energy    *float64 `json:"energy"`
}

func parseVADResult(raw json.RawMessage, now time.Time) (types.VoiceEvent, error) {
	var p vadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.VoiceEvent{}, fmt.Errorf("%w: vad_result: %v", ErrParse, err)
	}
	if p.Duration <= 0 {
		return types.VoiceEvent{}, fmt.Errorf("%w: vad_result: duration must be positive", ErrParse)
	}
	d := time.Duration(p.Duration * float64(time.Millisecond))
	return types.VoiceEvent{
		// Without a client timestamp the event is taken to end now.
		Timestamp: msTime(p.Timestamp, now.Add(-d)),
		IsSpeech:  p.IsSpeech,
		Duration:  d,
		Energy:    p.Energy,
	}, nil
}

type sttPayload struct {
	Text  string `json:"text"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

func parseSTT(raw json.RawMessage, now time.Time) (types.SpeechSnippet, error) {
	var p sttPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.SpeechSnippet{}, fmt.Errorf("%w: stt_text: %v", ErrParse, err)
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return types.SpeechSnippet{}, fmt.Errorf("%w: stt_text: empty text", ErrParse)
	}
	return types.SpeechSnippet{
		Start: msTime(p.Start, now),
		End:   msTime(p.End, now),
		Text:  text,
	}, nil
}

// audioPayload is base64 PCM16 mono audio at the configured sample rate.
type audioPayload struct {
	Timestamp int64  `json:"timestamp"`
	Audio     string `json:"audio"`
}

func parseAudio(raw json.RawMessage, now time.Time) (time.Time, []byte, error) {
	var p audioPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: audio_chunk: %v", ErrParse, err)
	}
	pcm, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: audio_chunk: %v", ErrParse, err)
	}
	return msTime(p.Timestamp, now), pcm, nil
}

func (rt *Router) handleLandmarks(ctx context.Context, sess *session.Session, c *wsConn, msg inbound, log *slog.Logger) {
	if msg.Type != TypeLandmarks {
		rt.reply(ctx, c, log, unknownType(msg.Type))
		return
	}
	f, err := parseLandmarks(msg.Data, rt.now())
	if err != nil {
		rt.reply(ctx, c, log, session.ErrorMessage(session.CodeParseError, err.Error()))
		return
	}
	sess.Frames.Append(f)
}

func (rt *Router) handleVoice(ctx context.Context, sess *session.Session, c *wsConn, msg inbound, log *slog.Logger) {
	now := rt.now()
	switch msg.Type {
	case TypeVADResult:
		ev, err := parseVADResult(msg.Data, now)
		if err != nil {
			rt.reply(ctx, c, log, session.ErrorMessage(session.CodeParseError, err.Error()))
			return
		}
		sess.Voice.Append(ev)

	case TypeSTTText:
		sn, err := parseSTT(msg.Data, now)
		if err != nil {
			rt.reply(ctx, c, log, session.ErrorMessage(session.CodeParseError, err.Error()))
			return
		}
		sess.Speech.Append(sn)

	case TypeAudioChunk:
		start, pcm, err := parseAudio(msg.Data, now)
		if err != nil {
			rt.reply(ctx, c, log, session.ErrorMessage(session.CodeParseError, err.Error()))
			return
		}
		events, err := rt.segment(sess, start, pcm)
		if err != nil {
			log.Warn("audio chunk rejected", "error", err)
			rt.reply(ctx, c, log, session.ErrorMessage(session.CodeAudioError, err.Error()))
			return
		}
		sess.Voice.Append(events...)

	default:
		rt.reply(ctx, c, log, unknownType(msg.Type))
	}
}

// segment runs pcm through the session's VAD segmenter.
func (rt *Router) segment(sess *session.Session, start time.Time, pcm []byte) ([]types.VoiceEvent, error) {
	if rt.cfg.VAD == nil {
		return nil, errors.New("router: audio_chunk not supported, no VAD configured")
	}
	seg, err := sess.Segmenter(func() (*vad.Segmenter, error) {
		return vad.NewSegmenter(rt.cfg.VAD, rt.cfg.VADConfig)
	})
	if err != nil {
		return nil, err
	}
	return seg.Feed(start, pcm)
}

func unknownType(t string) session.Message {
	return session.ErrorMessage(session.CodeUnknownType, fmt.Sprintf("unsupported message type %q", t))
}

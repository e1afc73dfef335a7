package transport

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/veldt-labs/cascade/internal/frame"
)

// Serializer encodes frames for the wire. The encoding is lossless for
// category, payload, timestamp, and metadata; frame IDs are local to a
// process and are reassigned on decode.
type Serializer struct{}

func NewSerializer() *Serializer { return &Serializer{} }

type envelope struct {
	Kind      string         `msgpack:"kind"`
	Category  string         `msgpack:"category"`
	Timestamp time.Time      `msgpack:"timestamp"`
	Meta      map[string]any `msgpack:"meta,omitempty"`

	Audio        *audioPayload  `msgpack:"audio,omitempty"`
	Image        *imagePayload  `msgpack:"image,omitempty"`
	Text         string         `msgpack:"text,omitempty"`
	Fields       map[string]any `msgpack:"fields,omitempty"`
	TurnID       string         `msgpack:"turn_id,omitempty"`
	Error        *errorPayload  `msgpack:"error,omitempty"`
	Backpressure *bpPayload     `msgpack:"backpressure,omitempty"`
	Settings     map[string]any `msgpack:"settings,omitempty"`
	Start        *startPayload  `msgpack:"start,omitempty"`
}

type audioPayload struct {
	PCM        []byte `msgpack:"pcm"`
	SampleRate int    `msgpack:"sample_rate"`
	Channels   int    `msgpack:"channels"`
}

type imagePayload struct {
	Data   []byte `msgpack:"data"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Format string `msgpack:"format"`
}

type errorPayload struct {
	Proc    string `msgpack:"proc"`
	Message string `msgpack:"message"`
	Fatal   bool   `msgpack:"fatal"`
}

type bpPayload struct {
	Source     string `msgpack:"source"`
	QueueDepth int    `msgpack:"queue_depth"`
}

type startPayload struct {
	AllowInterruptions bool `msgpack:"allow_interruptions"`
	EnableMetrics      bool `msgpack:"enable_metrics"`
	AudioInSampleRate  int  `msgpack:"audio_in_sample_rate"`
	AudioOutSampleRate int  `msgpack:"audio_out_sample_rate"`
}

func (s *Serializer) Marshal(f frame.Frame) ([]byte, error) {
	env := envelope{
		Kind:      frame.Kind(f),
		Category:  f.Category().String(),
		Timestamp: f.Timestamp(),
		Meta:      f.Meta(),
	}
	switch v := f.(type) {
	case *frame.AudioFrame:
		env.Audio = &audioPayload{PCM: v.PCM, SampleRate: v.SampleRate, Channels: v.NumChannels}
	case *frame.ImageFrame:
		env.Image = &imagePayload{Data: v.Data, Width: v.Width, Height: v.Height, Format: v.Format}
	case *frame.TextFrame:
		env.Text = v.Text
	case *frame.MessageFrame:
		env.Fields = v.Fields
	case *frame.TurnStartFrame:
		env.TurnID = v.TurnID
	case *frame.TurnEndFrame:
		env.TurnID = v.TurnID
	case *frame.ErrorFrame:
		env.Error = &errorPayload{Proc: v.Proc, Message: v.Message, Fatal: v.Fatal}
	case *frame.BackpressureFrame:
		env.Backpressure = &bpPayload{Source: v.Source, QueueDepth: v.QueueDepth}
	case *frame.SettingsFrame:
		env.Settings = v.Settings
	case *frame.StartFrame:
		env.Start = &startPayload{
			AllowInterruptions: v.AllowInterruptions,
			EnableMetrics:      v.EnableMetrics,
			AudioInSampleRate:  v.AudioInSampleRate,
			AudioOutSampleRate: v.AudioOutSampleRate,
		}
	case *frame.EndFrame, *frame.CancelFrame, *frame.HeartbeatFrame,
		*frame.InterruptStartFrame, *frame.InterruptStopFrame:
		// pure signals, no payload
	default:
		return nil, fmt.Errorf("unserializable frame kind %q", frame.Kind(f))
	}
	return msgpack.Marshal(env)
}

func (s *Serializer) Unmarshal(data []byte) (frame.Frame, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	var f frame.Frame
	switch env.Kind {
	case "audio":
		if env.Audio == nil {
			return nil, fmt.Errorf("audio frame without payload")
		}
		f = frame.NewAudio(env.Audio.PCM, env.Audio.SampleRate, env.Audio.Channels)
	case "image":
		if env.Image == nil {
			return nil, fmt.Errorf("image frame without payload")
		}
		f = frame.NewImage(env.Image.Data, env.Image.Width, env.Image.Height, env.Image.Format)
	case "text":
		f = frame.NewText(env.Text)
	case "message":
		f = frame.NewMessage(env.Fields)
	case "turn-start":
		ts := frame.NewTurnStart()
		ts.TurnID = env.TurnID
		f = ts
	case "turn-end":
		f = frame.NewTurnEnd(env.TurnID)
	case "error":
		if env.Error == nil {
			return nil, fmt.Errorf("error frame without payload")
		}
		f = frame.NewError(env.Error.Proc, env.Error.Message, env.Error.Fatal)
	case "backpressure":
		if env.Backpressure == nil {
			return nil, fmt.Errorf("backpressure frame without payload")
		}
		f = frame.NewBackpressure(env.Backpressure.Source, env.Backpressure.QueueDepth)
	case "settings":
		f = frame.NewSettings(env.Settings)
	case "start":
		sf := frame.NewStart()
		if env.Start != nil {
			sf.AllowInterruptions = env.Start.AllowInterruptions
			sf.EnableMetrics = env.Start.EnableMetrics
			sf.AudioInSampleRate = env.Start.AudioInSampleRate
			sf.AudioOutSampleRate = env.Start.AudioOutSampleRate
		}
		f = sf
	case "end":
		f = frame.NewEnd()
	case "cancel":
		f = frame.NewCancel()
	case "heartbeat":
		f = frame.NewHeartbeat()
	case "interrupt-start":
		f = frame.NewInterruptStart()
	case "interrupt-stop":
		f = frame.NewInterruptStop()
	default:
		return nil, fmt.Errorf("unknown frame kind %q", env.Kind)
	}
	frame.Restore(f, env.Timestamp, frame.Meta(env.Meta))
	return f, nil
}

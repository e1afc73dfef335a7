package frame

import "github.com/google/uuid"

// StartFrame is the first frame a pipeline delivers to every stage. It
// carries the stream parameters stages need before any data arrives.
type StartFrame struct {
	systemBase
	AllowInterruptions bool
	EnableMetrics      bool
	AudioInSampleRate  int
	AudioOutSampleRate int
}

func NewStart() *StartFrame {
	return &StartFrame{
		systemBase:         newSystem(),
		AllowInterruptions: true,
		AudioInSampleRate:  16000,
		AudioOutSampleRate: 24000,
	}
}

// CancelFrame aborts the whole stream. Stages discard their queues without
// draining.
type CancelFrame struct{ systemBase }

func NewCancel() *CancelFrame { return &CancelFrame{systemBase: newSystem()} }

// InterruptStartFrame preempts the current turn: queued frames produced
// before the interruption are discarded and in-flight derived work is
// abandoned.
type InterruptStartFrame struct{ systemBase }

func NewInterruptStart() *InterruptStartFrame {
	return &InterruptStartFrame{systemBase: newSystem()}
}

// InterruptStopFrame marks the end of an interruption window.
type InterruptStopFrame struct{ systemBase }

func NewInterruptStop() *InterruptStopFrame {
	return &InterruptStopFrame{systemBase: newSystem()}
}

// ErrorFrame reports a stage failure upstream toward the pipeline owner.
type ErrorFrame struct {
	systemBase
	Proc    string
	Message string
	Fatal   bool
}

func NewError(proc, message string, fatal bool) *ErrorFrame {
	f := &ErrorFrame{systemBase: newSystem(), Proc: proc, Message: message, Fatal: fatal}
	f.dir = Upstream
	return f
}

// BackpressureFrame signals upstream that a sink cannot keep up with the
// frames it is being handed.
type BackpressureFrame struct {
	systemBase
	Source     string
	QueueDepth int
}

func NewBackpressure(source string, depth int) *BackpressureFrame {
	f := &BackpressureFrame{systemBase: newSystem(), Source: source, QueueDepth: depth}
	f.dir = Upstream
	return f
}

// SettingsFrame delivers a dynamic settings update to capability stages.
// Stages apply the keys they understand and forward the rest.
type SettingsFrame struct {
	systemBase
	Settings map[string]any
}

func NewSettings(settings map[string]any) *SettingsFrame {
	return &SettingsFrame{systemBase: newSystem(), Settings: settings}
}

// EndFrame closes the stream in order: it is queued behind pending Data
// frames and each stage stops after forwarding it.
type EndFrame struct{ controlBase }

func NewEnd() *EndFrame { return &EndFrame{controlBase: newControl()} }

// HeartbeatFrame is a liveness marker queued periodically by the task.
type HeartbeatFrame struct{ controlBase }

func NewHeartbeat() *HeartbeatFrame { return &HeartbeatFrame{controlBase: newControl()} }

// TurnStartFrame brackets the beginning of a conversational turn.
type TurnStartFrame struct {
	controlBase
	TurnID string
}

func NewTurnStart() *TurnStartFrame {
	return &TurnStartFrame{controlBase: newControl(), TurnID: uuid.NewString()}
}

// TurnEndFrame brackets the end of a conversational turn.
type TurnEndFrame struct {
	controlBase
	TurnID string
}

func NewTurnEnd(turnID string) *TurnEndFrame {
	return &TurnEndFrame{controlBase: newControl(), TurnID: turnID}
}

// AudioFrame carries raw PCM samples.
type AudioFrame struct {
	dataBase
	PCM         []byte
	SampleRate  int
	NumChannels int
}

func NewAudio(pcm []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{dataBase: newData(), PCM: pcm, SampleRate: sampleRate, NumChannels: channels}
}

// ImageFrame carries an encoded image buffer.
type ImageFrame struct {
	dataBase
	Data   []byte
	Width  int
	Height int
	Format string
}

func NewImage(data []byte, width, height int, format string) *ImageFrame {
	return &ImageFrame{dataBase: newData(), Data: data, Width: width, Height: height, Format: format}
}

// TextFrame carries a text chunk or token.
type TextFrame struct {
	dataBase
	Text string
}

func NewText(text string) *TextFrame {
	return &TextFrame{dataBase: newData(), Text: text}
}

// MessageFrame carries a structured message.
type MessageFrame struct {
	dataBase
	Fields map[string]any
}

func NewMessage(fields map[string]any) *MessageFrame {
	return &MessageFrame{dataBase: newData(), Fields: fields}
}

// Kind names the concrete frame type for logs and wire envelopes.
func Kind(f Frame) string {
	switch f.(type) {
	case *StartFrame:
		return "start"
	case *CancelFrame:
		return "cancel"
	case *InterruptStartFrame:
		return "interrupt-start"
	case *InterruptStopFrame:
		return "interrupt-stop"
	case *ErrorFrame:
		return "error"
	case *BackpressureFrame:
		return "backpressure"
	case *SettingsFrame:
		return "settings"
	case *EndFrame:
		return "end"
	case *HeartbeatFrame:
		return "heartbeat"
	case *TurnStartFrame:
		return "turn-start"
	case *TurnEndFrame:
		return "turn-end"
	case *AudioFrame:
		return "audio"
	case *ImageFrame:
		return "image"
	case *TextFrame:
		return "text"
	case *MessageFrame:
		return "message"
	default:
		return "unknown"
	}
}

// Clone produces an independent copy of a Data or Control frame with a fresh
// ID, used when a Parallel pipeline duplicates a frame per branch. Payload
// buffers are copied so branches never alias each other.
func Clone(f Frame) Frame {
	var out Frame
	switch v := f.(type) {
	case *AudioFrame:
		out = NewAudio(append([]byte(nil), v.PCM...), v.SampleRate, v.NumChannels)
	case *ImageFrame:
		out = NewImage(append([]byte(nil), v.Data...), v.Width, v.Height, v.Format)
	case *TextFrame:
		out = NewText(v.Text)
	case *MessageFrame:
		fields := make(map[string]any, len(v.Fields))
		for k, val := range v.Fields {
			fields[k] = val
		}
		out = NewMessage(fields)
	case *EndFrame:
		out = NewEnd()
	case *HeartbeatFrame:
		out = NewHeartbeat()
	case *TurnStartFrame:
		c := &TurnStartFrame{controlBase: newControl(), TurnID: v.TurnID}
		out = c
	case *TurnEndFrame:
		out = NewTurnEnd(v.TurnID)
	default:
		return f
	}
	Restore(out, f.Timestamp(), f.Meta().Clone())
	SetDirection(out, f.Direction())
	return out
}

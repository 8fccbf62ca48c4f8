// Package livekit joins LiveKit rooms as the intake agent participant.
package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/transport"
	media "github.com/livekit/media-sdk"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"
)

const decodeSampleRate = 48000

var errNoParticipant = errors.New("no patient joined the room")

// Config holds LiveKit connection settings.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	// AgentIdentity is the participant identity the service joins with.
	AgentIdentity string
	// InputSampleRate is the PCM rate handed to the orchestrator.
	InputSampleRate int
	// OutputSampleRate is the PCM rate of synthesized replies.
	OutputSampleRate int
	// ParticipantWait bounds how long Connect waits for the patient.
	ParticipantWait time.Duration
	TurnTopic       string
	CaptionTopic    string
	EventBuffer     int
}

// DefaultConfig returns defaults matching the browser client.
func DefaultConfig() Config {
	return Config{
		AgentIdentity:    "medical-assistant",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		ParticipantWait:  60 * time.Second,
		TurnTopic:        "lk.turn",
		CaptionTopic:     "lk.transcription",
		EventBuffer:      256,
	}
}

// Enabled reports whether credentials are configured.
func (c Config) Enabled() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// Adapter implements transport.Adapter for LiveKit rooms.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter creates a LiveKit adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	def := DefaultConfig()
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = def.InputSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = def.OutputSampleRate
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.TurnTopic == "" {
		cfg.TurnTopic = def.TurnTopic
	}
	if cfg.CaptionTopic == "" {
		cfg.CaptionTopic = def.CaptionTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

// Connect joins room, publishes the reply track and waits for the patient.
func (a *Adapter) Connect(ctx context.Context, room domain.RoomRef) (transport.Conn, error) {
	c := &Conn{
		cfg:          a.cfg,
		room:         room.Name,
		patient:      room.Participant,
		events:       make(chan transport.Event, a.cfg.EventBuffer),
		participants: make(chan string, 1),
		logger:       a.logger.With("room", room.Name),
	}

	lkRoom, err := lksdk.ConnectToRoom(a.cfg.URL, lksdk.ConnectInfo{
		APIKey:              a.cfg.APIKey,
		APISecret:           a.cfg.APISecret,
		RoomName:            room.Name,
		ParticipantIdentity: a.cfg.AgentIdentity,
		ParticipantName:     "Medical Assistant",
		ParticipantKind:     lksdk.ParticipantAgent,
	}, c.callbacks(), lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("connect to livekit room: %w", err)
	}
	c.lkRoom = lkRoom

	track, err := lkmedia.NewPCMLocalTrack(a.cfg.OutputSampleRate, 1, nil)
	if err != nil {
		lkRoom.Disconnect()
		return nil, fmt.Errorf("create reply track: %w", err)
	}
	if _, err := lkRoom.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "assistant-voice",
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		_ = track.Close()
		lkRoom.Disconnect()
		return nil, fmt.Errorf("publish reply track: %w", err)
	}
	c.track = track

	if err := c.waitForPatient(ctx); err != nil {
		_ = c.Disconnect()
		return nil, err
	}
	c.logger.Info("LiveKit room joined", "patient", c.patientIdentity())
	return c, nil
}

// Conn is a joined LiveKit room.
type Conn struct {
	cfg    Config
	room   string
	lkRoom *lksdk.Room
	track  *lkmedia.PCMLocalTrack
	logger *slog.Logger

	participants chan string

	disconnectOnce sync.Once

	mu      sync.Mutex
	patient string
	remotes []*lkmedia.PCMRemoteTrack
	events  chan transport.Event
	closed  bool
}

var (
	_ transport.Conn       = (*Conn)(nil)
	_ transport.TextSender = (*Conn)(nil)
)

func (c *Conn) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			select {
			case c.participants <- rp.Identity():
			default:
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			if rp.Identity() == c.patientIdentity() {
				c.finish("patient left")
			}
		},
		OnDisconnected: func() {
			c.finish("room disconnected")
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: c.onTrackSubscribed,
			OnDataPacket:      c.onDataPacket,
		},
	}
}

func (c *Conn) waitForPatient(ctx context.Context) error {
	for _, rp := range c.lkRoom.GetRemoteParticipants() {
		if c.acceptPatient(rp.Identity()) {
			return nil
		}
	}

	wait := c.cfg.ParticipantWait
	if wait <= 0 {
		wait = DefaultConfig().ParticipantWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case identity := <-c.participants:
			if c.acceptPatient(identity) {
				return nil
			}
		case <-timer.C:
			return errNoParticipant
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acceptPatient records identity as the patient unless a specific identity
// was requested and this is someone else.
func (c *Conn) acceptPatient(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patient != "" && c.patient != identity {
		return false
	}
	c.patient = identity
	return true
}

func (c *Conn) patientIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patient
}

func (c *Conn) onTrackSubscribed(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio || rp.Identity() != c.patientIdentity() {
		return
	}
	remote, err := lkmedia.NewPCMRemoteTrack(track, &pcmWriter{conn: c})
	if err != nil {
		c.logger.Error("Failed to decode patient track", "error", err, "track_id", track.ID())
		return
	}
	c.mu.Lock()
	c.remotes = append(c.remotes, remote)
	c.mu.Unlock()
	c.logger.Info("Patient audio subscribed", "track_id", track.ID())
}

type turnPayload struct {
	Transcript string `json:"transcript"`
}

// chatPayload is the browser client's chat message; a typed message ends
// the patient turn with its text.
type chatPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *Conn) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	packet, ok := data.(*lksdk.UserDataPacket)
	if !ok {
		return
	}
	if ev, ok := c.parseDataPacket(packet); ok {
		c.emit(ev)
		return
	}
	c.logger.Debug("Ignoring data packet", "topic", packet.Topic, "sender", params.SenderIdentity)
}

func (c *Conn) parseDataPacket(packet *lksdk.UserDataPacket) (transport.Event, bool) {
	if packet.Topic == c.cfg.TurnTopic {
		var p turnPayload
		if err := json.Unmarshal(packet.Payload, &p); err != nil {
			return transport.Event{}, false
		}
		return transport.Event{Kind: transport.EventTurnEnd, Transcript: p.Transcript}, true
	}
	var chat chatPayload
	if err := json.Unmarshal(packet.Payload, &chat); err != nil || chat.Type != "chat" {
		return transport.Event{}, false
	}
	return transport.Event{Kind: transport.EventTurnEnd, Transcript: chat.Message}, true
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// SendAudio plays PCM16 at the configured output rate into the room.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrConnClosed
	}

	// 20 ms frames.
	frame := c.cfg.OutputSampleRate / 50
	for _, samples := range chunk(bytesToSamples(pcm), frame) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.track.WriteSample(media.PCM16Sample(samples)); err != nil {
			return fmt.Errorf("write reply sample: %w", err)
		}
	}
	return nil
}

// SendText publishes a caption on the transcription topic.
func (c *Conn) SendText(_ context.Context, speaker domain.Speaker, text string) error {
	payload, err := json.Marshal(map[string]string{"role": string(speaker), "text": text})
	if err != nil {
		return err
	}
	return c.lkRoom.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(c.cfg.CaptionTopic),
	)
}

// Disconnect leaves the room and releases tracks.
func (c *Conn) Disconnect() error {
	var err error
	c.disconnectOnce.Do(func() {
		c.finish("closed by server")
		c.mu.Lock()
		remotes := c.remotes
		c.remotes = nil
		c.mu.Unlock()

		for _, r := range remotes {
			r.Close()
		}
		if c.track != nil {
			err = c.track.Close()
		}
		if c.lkRoom != nil {
			c.lkRoom.Disconnect()
		}
	})
	return err
}

// emit queues ev without blocking SDK callbacks. Audio is dropped when the
// consumer falls behind.
func (c *Conn) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Transport event dropped", "kind", ev.Kind.String())
	}
}

// finish delivers a final disconnect and closes Events once.
func (c *Conn) finish(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	ev := transport.Event{Kind: transport.EventDisconnect, Reason: reason}
	select {
	case c.events <- ev:
	default:
		// Make room: the disconnect matters more than a stale frame.
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
	close(c.events)
	c.logger.Info("LiveKit connection finished", "reason", reason)
}

// pcmWriter receives decoded patient audio from the SDK.
type pcmWriter struct {
	conn *Conn
}

func (w *pcmWriter) String() string {
	return "intake-patient-pcm"
}

func (w *pcmWriter) SampleRate() int {
	return decodeSampleRate
}

func (w *pcmWriter) WriteSample(sample media.PCM16Sample) error {
	samples := downsample(sample, decodeSampleRate/w.conn.cfg.InputSampleRate)
	if len(samples) == 0 {
		return nil
	}
	w.conn.emit(transport.Event{Kind: transport.EventAudioFrame, Audio: samplesToBytes(samples)})
	return nil
}

func (w *pcmWriter) Close() error {
	return nil
}

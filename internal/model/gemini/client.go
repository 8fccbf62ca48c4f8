// Package gemini implements the model session contract on top of the
// Gemini Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/model"
	"github.com/ashureev/intake-voice/internal/profile"
	"google.golang.org/genai"
)

// OutputSampleRate is the PCM rate of Live API audio replies.
const OutputSampleRate = 24000

var (
	errMissingAPIKey = errors.New("gemini: api key is required")
	errMissingModel  = errors.New("gemini: model name is required")
)

// Config holds configuration for the Gemini Live client.
type Config struct {
	APIKey      string
	Model       string
	Voice       string
	Temperature float32
	// InputSampleRate is the PCM rate of patient audio sent to the model.
	InputSampleRate int
	// MaxReplyBytes bounds the buffered audio of a single reply.
	MaxReplyBytes  int
	ConnectTimeout time.Duration
	EventBuffer    int
}

// DefaultConfig returns the defaults of the intake assistant.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-2.0-flash-exp",
		Voice:           "Puck",
		Temperature:     0.8,
		InputSampleRate: 16000,
		MaxReplyBytes:   OutputSampleRate * 2 * 60, // one minute of PCM16
		ConnectTimeout:  10 * time.Second,
		EventBuffer:     64,
	}
}

// Client opens Gemini Live sessions.
type Client struct {
	genai  *genai.Client
	cfg    Config
	logger *slog.Logger
}

var _ model.Opener = (*Client)(nil)

// NewClient creates a Gemini client. It does not contact the API; use Ping.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}
	if cfg.Model == "" {
		return nil, errMissingModel
	}
	def := DefaultConfig()
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = def.InputSampleRate
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{genai: gc, cfg: cfg, logger: logger}, nil
}

// Ping checks that the configured model is visible to the API key.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.genai.Models.Get(ctx, c.cfg.Model, nil); err != nil {
		return fmt.Errorf("gemini model %q unavailable: %w", c.cfg.Model, err)
	}
	return nil
}

// Open connects a Live session configured from p.
func (c *Client) Open(ctx context.Context, p profile.Profile) (model.Session, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	live, err := c.genai.Live.Connect(connectCtx, c.cfg.Model, c.connectConfig(p))
	if err != nil {
		return nil, fmt.Errorf("connect gemini live: %w", err)
	}

	s := newSession(live, c.cfg, c.logger.With("model", c.cfg.Model))
	go s.receiveLoop()
	return s, nil
}

func (c *Client) connectConfig(p profile.Profile) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        genai.NewContentFromText(p.SystemPrompt(), genai.RoleUser),
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	// Turns are delimited by the patient, not by server-side VAD.
	cfg.RealtimeInputConfig = &genai.RealtimeInputConfig{
		AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
	}
	if c.cfg.Temperature > 0 {
		cfg.Temperature = genai.Ptr(c.cfg.Temperature)
	}
	if c.cfg.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.cfg.Voice},
			},
		}
	}
	return cfg
}

// liveConn is the part of *genai.Session a session drives.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type session struct {
	live      liveConn
	events    chan model.Event
	done      chan struct{}
	closeOnce sync.Once

	// sendMu serializes writes on the underlying websocket and guards assembler
	// resets triggered by outgoing text turns.
	sendMu    sync.Mutex
	assembler *turnAssembler
	audioMIME string
	logger    *slog.Logger

	// activity is true between ActivityStart and ActivityEnd.
	activity bool
}

func newSession(live liveConn, cfg Config, logger *slog.Logger) *session {
	return &session{
		live:      live,
		events:    make(chan model.Event, cfg.EventBuffer),
		done:      make(chan struct{}),
		assembler: newTurnAssembler(cfg.MaxReplyBytes),
		audioMIME: fmt.Sprintf("audio/pcm;rate=%d", cfg.InputSampleRate),
		logger:    logger,
	}
}

func (s *session) Events() <-chan model.Event {
	return s.events
}

func (s *session) Send(ctx context.Context, in model.Input) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return model.ErrSessionClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	switch {
	case len(in.Audio) > 0:
		if !s.activity {
			if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}}); err != nil {
				return fmt.Errorf("send activity start: %w", err)
			}
			s.activity = true
		}
		if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: s.audioMIME, Data: in.Audio},
		}); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	case in.EndTurn:
		if !s.activity {
			return nil
		}
		s.activity = false
		if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}}); err != nil {
			return fmt.Errorf("send activity end: %w", err)
		}
	case in.Text != "":
		s.assembler.userTurnSent()
		if err := s.live.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{genai.NewContentFromText(in.Text, genai.RoleUser)},
		}); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	return nil
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.live.Close()
	})
	return err
}

func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			select {
			case <-s.done:
				// Closed locally; the read error is expected.
			default:
				s.emit(model.Event{Kind: model.EventError, Err: fmt.Errorf("gemini receive: %w", err)})
			}
			return
		}
		if msg.GoAway != nil {
			s.logger.Warn("Gemini requested disconnect", "time_left", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}

		s.sendMu.Lock()
		events := s.assembler.apply(msg.ServerContent)
		s.sendMu.Unlock()

		for _, ev := range events {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *session) emit(ev model.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Package recording tees patient audio from a transport into WAV files.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/transport"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	errCaptionsUnsupported = errors.New("transport does not support captions")
	unsafeName             = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// Adapter wraps another adapter and records every connection's inbound audio.
type Adapter struct {
	next       transport.Adapter
	dir        string
	sampleRate int
	logger     *slog.Logger
	now        func() time.Time
}

var _ transport.Adapter = (*Adapter)(nil)

// Wrap returns next decorated with WAV recording into dir. sampleRate is the
// rate of the PCM16 mono frames next produces.
func Wrap(next transport.Adapter, dir string, sampleRate int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{next: next, dir: dir, sampleRate: sampleRate, logger: logger, now: time.Now}
}

// Connect connects through the wrapped adapter and starts recording.
func (a *Adapter) Connect(ctx context.Context, room domain.RoomRef) (transport.Conn, error) {
	inner, err := a.next.Connect(ctx, room)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(a.dir, fileName(room.Name, a.now()))
	w, err := newWriter(path, a.sampleRate)
	if err != nil {
		// Recording is best effort; the session goes ahead without it.
		a.logger.Error("Failed to start recording", "room", room.Name, "error", err)
		return inner, nil
	}

	c := &Conn{
		Conn:   inner,
		events: make(chan transport.Event, cap(inner.Events())+1),
		stop:   make(chan struct{}),
		writer: w,
		logger: a.logger.With("room", room.Name, "path", path),
	}
	go c.tee()
	return c, nil
}

func fileName(room string, at time.Time) string {
	name := unsafeName.ReplaceAllString(room, "_")
	return fmt.Sprintf("%s_%s.wav", name, at.UTC().Format("20060102T150405Z"))
}

// Conn forwards everything to the wrapped connection and writes inbound
// audio frames to disk.
type Conn struct {
	transport.Conn
	events   chan transport.Event
	stop     chan struct{}
	stopOnce sync.Once
	writer   *writer
	logger   *slog.Logger
}

var (
	_ transport.Conn       = (*Conn)(nil)
	_ transport.TextSender = (*Conn)(nil)
)

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// Disconnect stops forwarding and disconnects the wrapped connection. The
// recording is finalized once the wrapped event stream ends.
func (c *Conn) Disconnect() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.Conn.Disconnect()
}

// SendText delegates captions to the wrapped connection when it supports them.
func (c *Conn) SendText(ctx context.Context, speaker domain.Speaker, text string) error {
	sender, ok := c.Conn.(transport.TextSender)
	if !ok {
		return errCaptionsUnsupported
	}
	return sender.SendText(ctx, speaker, text)
}

func (c *Conn) tee() {
	defer close(c.events)
	defer func() {
		if err := c.writer.Close(); err != nil {
			c.logger.Error("Failed to finalize recording", "error", err)
			return
		}
		c.logger.Info("Recording saved", "samples", c.writer.samples)
	}()

	for ev := range c.Conn.Events() {
		if ev.Kind == transport.EventAudioFrame && c.writer.ok() {
			if err := c.writer.Write(ev.Audio); err != nil {
				c.logger.Error("Recording stopped", "error", err)
			}
		}
		select {
		case c.events <- ev:
		case <-c.stop:
			// Nobody reads after Disconnect; keep draining so the file closes.
		}
	}
}

type writer struct {
	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	samples int
	err     error
}

func newWriter(path string, sampleRate int) (*writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &writer{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

func (w *writer) ok() bool {
	return w.err == nil
}

// Write appends little-endian PCM16 samples.
func (w *writer) Write(pcm []byte) error {
	n := len(pcm) / 2
	if cap(w.buf.Data) < n {
		w.buf.Data = make([]int, n)
	}
	w.buf.Data = w.buf.Data[:n]
	for i := 0; i < n; i++ {
		w.buf.Data[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	if err := w.enc.Write(w.buf); err != nil {
		w.err = fmt.Errorf("write samples: %w", err)
		return w.err
	}
	w.samples += n
	return nil
}

// Close writes the WAV header and closes the file.
func (w *writer) Close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("close encoder: %w", encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close file: %w", fileErr)
	}
	return nil
}

package gemini

import (
	"bytes"
	"strings"

	"github.com/ashureev/intake-voice/internal/model"
	"google.golang.org/genai"
)

// turnAssembler folds streamed server content into model events. Reply audio
// is buffered until the model marks its turn complete.
type turnAssembler struct {
	input      strings.Builder
	replyText  strings.Builder
	replyAudio bytes.Buffer
	maxAudio   int
}

func newTurnAssembler(maxAudio int) *turnAssembler {
	return &turnAssembler{maxAudio: maxAudio}
}

func (a *turnAssembler) apply(sc *genai.LiveServerContent) []model.Event {
	if sc == nil {
		return nil
	}
	var events []model.Event

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		a.input.WriteString(sc.InputTranscription.Text)
		events = append(events, model.Event{
			Kind: model.EventPartialTranscript,
			Text: strings.TrimSpace(a.input.String()),
		})
	}

	if sc.Interrupted {
		a.resetReply()
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				a.appendAudio(part.InlineData.Data)
			}
			if part.Text != "" && !part.Thought {
				a.replyText.WriteString(part.Text)
			}
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		a.replyText.WriteString(sc.OutputTranscription.Text)
	}

	if sc.TurnComplete {
		if a.replyAudio.Len() > 0 || a.replyText.Len() > 0 {
			audio := make([]byte, a.replyAudio.Len())
			copy(audio, a.replyAudio.Bytes())
			events = append(events, model.Event{
				Kind:  model.EventReplyReady,
				Text:  strings.TrimSpace(a.replyText.String()),
				Audio: audio,
			})
		}
		a.resetReply()
		a.input.Reset()
	}
	return events
}

func (a *turnAssembler) appendAudio(data []byte) {
	if a.maxAudio > 0 && a.replyAudio.Len()+len(data) > a.maxAudio {
		// Keep the head of the reply; the tail is dropped.
		data = data[:max(0, a.maxAudio-a.replyAudio.Len())]
	}
	a.replyAudio.Write(data)
}

func (a *turnAssembler) resetReply() {
	a.replyText.Reset()
	a.replyAudio.Reset()
}

// userTurnSent clears the running input transcript after a text turn.
func (a *turnAssembler) userTurnSent() {
	a.input.Reset()
}

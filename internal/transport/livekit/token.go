package livekit

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
)

var errNotConfigured = errors.New("livekit credentials are not configured")

// ConnectionDetails is returned to the browser so it can join a room.
type ConnectionDetails struct {
	ServerURL        string `json:"serverUrl"`
	RoomName         string `json:"roomName"`
	ParticipantName  string `json:"participantName"`
	ParticipantToken string `json:"participantToken"`
	// Identity is not sent to the browser; it binds the agent to the patient.
	Identity string `json:"-"`
}

// TokenIssuer mints participant tokens for new intake rooms.
type TokenIssuer struct {
	cfg Config
	ttl time.Duration
	// DispatchAgent embeds an agent dispatch for an external worker named
	// AgentName in the room configuration.
	DispatchAgent bool
	AgentName     string
}

// NewTokenIssuer creates a token issuer. ttl defaults to 15 minutes.
func NewTokenIssuer(cfg Config, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{cfg: cfg, ttl: ttl, AgentName: cfg.AgentIdentity}
}

// Issue creates a fresh room and a token for a patient to join it.
// participantName defaults to a random voice_assistant_user name.
func (t *TokenIssuer) Issue(participantName string) (*ConnectionDetails, error) {
	if !t.cfg.Enabled() {
		return nil, errNotConfigured
	}
	roomSuffix, err := randomSuffix()
	if err != nil {
		return nil, err
	}
	userSuffix, err := randomSuffix()
	if err != nil {
		return nil, err
	}
	identity := "voice_assistant_user_" + userSuffix
	if participantName == "" {
		participantName = identity
	}

	details := &ConnectionDetails{
		ServerURL:       t.cfg.URL,
		RoomName:        "voice_assistant_room_" + roomSuffix,
		ParticipantName: participantName,
		Identity:        identity,
	}
	token, err := t.token(details)
	if err != nil {
		return nil, err
	}
	details.ParticipantToken = token
	return details, nil
}

func (t *TokenIssuer) token(d *ConnectionDetails) (string, error) {
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           d.RoomName,
		CanPublish:     boolPtr(true),
		CanPublishData: boolPtr(true),
		CanSubscribe:   boolPtr(true),
	}
	at := auth.NewAccessToken(t.cfg.APIKey, t.cfg.APISecret).
		SetVideoGrant(grant).
		SetIdentity(d.Identity).
		SetName(d.ParticipantName).
		SetValidFor(t.ttl)
	if t.DispatchAgent && t.AgentName != "" {
		at.SetRoomConfig(&livekit.RoomConfiguration{
			Agents: []*livekit.RoomAgentDispatch{{AgentName: t.AgentName}},
		})
	}
	jwt, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign participant token: %w", err)
	}
	return jwt, nil
}

// ReceiveWebhook validates and decodes a LiveKit webhook request.
func ReceiveWebhook(r *http.Request, cfg Config) (*livekit.WebhookEvent, error) {
	if !cfg.Enabled() {
		return nil, errNotConfigured
	}
	event, err := webhook.ReceiveWebhookEvent(r, auth.NewSimpleKeyProvider(cfg.APIKey, cfg.APISecret))
	if err != nil {
		return nil, fmt.Errorf("receive webhook: %w", err)
	}
	return event, nil
}

func randomSuffix() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10_000))
	if err != nil {
		return "", fmt.Errorf("generate room suffix: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func boolPtr(b bool) *bool {
	return &b
}

package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the envelope version written by Emit.
const CurrentVersion = 1

// ActorRef identifies who produced the event.
type ActorRef struct {
	UserID uuid.UUID `json:"userId"`
	Role   string    `json:"role,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a stored or published envelope.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var envelope PayloadEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return PayloadEnvelope{}, err
	}
	return envelope, nil
}

// PayloadVersion is Version, treating rows written before versioning as v1.
func (e PayloadEnvelope) PayloadVersion() int {
	if e.Version == 0 {
		return CurrentVersion
	}
	return e.Version
}

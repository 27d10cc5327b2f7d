package event

import (
	"encoding/json"
	"fmt"

	"github.com/synctv-org/synctv/internal/models"
)

// Envelope wraps an event with its publishing node for cross-node pub/sub.
// Receivers drop envelopes whose NodeID equals their own (self-echo
// suppression): the publisher already delivered the event locally.
type Envelope struct {
	NodeID models.NodeID `json:"node_id"`
	Event  Event         `json:"-"`
}

type wireEnvelope struct {
	NodeID models.NodeID   `json:"node_id"`
	Event  json.RawMessage `json:"event"`
}

// MarshalEnvelope encodes an envelope for the room:{room_id} channel.
func MarshalEnvelope(nodeID models.NodeID, e Event) ([]byte, error) {
	raw, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{NodeID: nodeID, Event: raw})
}

// UnmarshalEnvelope decodes a pub/sub payload back into an envelope.
func UnmarshalEnvelope(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode pubsub envelope: %w", err)
	}
	e, err := Unmarshal(w.Event)
	if err != nil {
		return nil, err
	}
	return &Envelope{NodeID: w.NodeID, Event: e}, nil
}

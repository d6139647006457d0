package audit

import (
	"encoding/json"
	"fmt"

	"github.com/admo/meshkernel/internal/core"
)

// ReplayState is the store state reconstructed from an audit record
// sequence. Replaying the same records always yields the same state.
type ReplayState struct {
	Observations map[string]*core.Observation
	Beliefs      map[string]map[string]interface{} // belief_id -> derivation payload
	Arbitrations map[string]string                 // arbitration_id -> status
	Applied      map[string]string                 // containment key -> intent_id
	Reverted     map[string]string                 // containment key -> reason
}

// Replay folds records in append order into a ReplayState.
func Replay(records []*Record) (*ReplayState, error) {
	st := &ReplayState{
		Observations: make(map[string]*core.Observation),
		Beliefs:      make(map[string]map[string]interface{}),
		Arbitrations: make(map[string]string),
		Applied:      make(map[string]string),
		Reverted:     make(map[string]string),
	}

	for i, rec := range records {
		switch rec.EventKind {
		case KindObservationAccepted:
			obs, err := observationFromPayload(rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("replay record %d: %w", i, err)
			}
			st.Observations[obs.ObservationID] = obs

		case KindBeliefDerived:
			if id, ok := rec.Payload["belief_id"].(string); ok {
				st.Beliefs[id] = rec.Payload
			}

		case KindArbitrationCreated:
			if id, ok := rec.Payload["arbitration_id"].(string); ok {
				st.Arbitrations[id] = string(core.ArbitrationOpen)
			}
		case KindArbitrationResolved:
			if id, ok := rec.Payload["arbitration_id"].(string); ok {
				st.Arbitrations[id] = string(core.ArbitrationResolved)
			}
		case KindArbitrationRejected:
			if id, ok := rec.Payload["arbitration_id"].(string); ok {
				st.Arbitrations[id] = string(core.ArbitrationRejected)
			}

		case KindContainmentApplied:
			key, _ := rec.Payload["key"].(string)
			intentID, _ := rec.Payload["intent_id"].(string)
			if key != "" {
				st.Applied[key] = intentID
				delete(st.Reverted, key)
			}
		case KindContainmentReverted:
			key, _ := rec.Payload["key"].(string)
			reason, _ := rec.Payload["reason"].(string)
			if key != "" {
				st.Reverted[key] = reason
			}
		}
	}
	return st, nil
}

// ActiveContainments returns keys applied but not reverted.
func (st *ReplayState) ActiveContainments() []string {
	var out []string
	for key := range st.Applied {
		if _, reverted := st.Reverted[key]; !reverted {
			out = append(out, key)
		}
	}
	return out
}

// observationFromPayload recovers the full observation embedded in an
// observation_accepted record. In-memory records carry the typed
// struct; records rehydrated from a durable sink carry a JSON map.
func observationFromPayload(payload map[string]interface{}) (*core.Observation, error) {
	raw, ok := payload["observation"]
	if !ok {
		return nil, fmt.Errorf("observation_accepted record carries no observation")
	}
	if obs, ok := raw.(*core.Observation); ok {
		return obs, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var obs core.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

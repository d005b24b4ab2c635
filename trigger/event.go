package trigger

import (
	"encoding/json"
	"fmt"
)

// Event is an inbound contact event. Raw holds the event exactly as
// received so it can be forwarded to the workflow engine untouched.
type Event struct {
	Raw    json.RawMessage
	Params Params
}

type contactEnvelope struct {
	Details *struct {
		Parameters json.RawMessage `json:"Parameters"`
	} `json:"Details"`
}

// ParseEvent decodes a raw event. Only malformed JSON is an error: an event
// without Details.Parameters, or whose parameters are not an object, yields
// an empty parameter bag.
func ParseEvent(raw []byte) (Event, error) {
	if !json.Valid(raw) {
		return Event{}, fmt.Errorf("trigger: event is not valid JSON")
	}
	ev := Event{Raw: append(json.RawMessage(nil), raw...), Params: Params{}}

	var env contactEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Arrays, scalars and mistyped Details all carry no parameters.
		return ev, nil
	}
	if env.Details == nil || len(env.Details.Parameters) == 0 {
		return ev, nil
	}
	var params map[string]any
	if err := json.Unmarshal(env.Details.Parameters, &params); err != nil || params == nil {
		return ev, nil
	}
	ev.Params = params
	return ev, nil
}

// NewEvent builds an event from a parameter bag, wrapping it in the
// Details.Parameters envelope Connect uses.
func NewEvent(params Params) (Event, error) {
	if params == nil {
		params = Params{}
	}
	raw, err := json.Marshal(map[string]any{
		"Details": map[string]any{"Parameters": params},
	})
	if err != nil {
		return Event{}, fmt.Errorf("trigger: encode event: %w", err)
	}
	return Event{Raw: raw, Params: params}, nil
}

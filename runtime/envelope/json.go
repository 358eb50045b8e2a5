// Wire codec for envelopes. The encoding is self-describing JSON with an
// explicit kind discriminator and stable snake_case field names. Unknown
// top-level fields are preserved in a sidecar and re-emitted on encode so
// envelopes written by newer runtimes survive a round trip (§ forward
// compatibility of the wire contract).
package envelope

import (
	"encoding/json"
	"fmt"

	"goa.design/calf/runtime/model"
)

// Wire field names.
const (
	fieldKind               = "kind"
	fieldTraceID            = "trace_id"
	fieldMessageHistory     = "message_history"
	fieldLatestMessage      = "latest_message"
	fieldFinalResponse      = "final_response_topic"
	fieldResponseID         = "response_id"
	fieldDelegationStack    = "delegation_stack"
	fieldGroupchat          = "groupchat_data"
	fieldPatchSettings      = "patch_model_settings"
	fieldPatchRequestParams = "patch_model_request_params"
)

// Encode serializes the envelope for the broker.
func Encode(e *Envelope) ([]byte, error) {
	data, err := e.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode deserializes a broker payload into an envelope and validates it.
func Decode(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// MarshalJSON emits the known fields then merges the preserved unknown
// fields. Known fields win on conflict.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(e.extra)+10)
	for k, v := range e.extra {
		obj[k] = json.RawMessage(v)
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		obj[key] = raw
		return nil
	}
	if err := put(fieldKind, e.Kind); err != nil {
		return nil, err
	}
	if err := put(fieldTraceID, e.TraceID); err != nil {
		return nil, err
	}
	if e.MessageHistory != nil {
		if err := put(fieldMessageHistory, e.MessageHistory); err != nil {
			return nil, err
		}
	}
	if e.LatestMessage != nil {
		if err := put(fieldLatestMessage, e.LatestMessage); err != nil {
			return nil, err
		}
	}
	if e.FinalResponseTopic != "" {
		if err := put(fieldFinalResponse, e.FinalResponseTopic); err != nil {
			return nil, err
		}
	}
	if e.ResponseID != "" {
		if err := put(fieldResponseID, e.ResponseID); err != nil {
			return nil, err
		}
	}
	if e.DelegationStack != nil {
		if err := put(fieldDelegationStack, e.DelegationStack); err != nil {
			return nil, err
		}
	}
	if e.Groupchat != nil {
		if err := put(fieldGroupchat, e.Groupchat); err != nil {
			return nil, err
		}
	}
	if e.PatchSettings != nil {
		if err := put(fieldPatchSettings, e.PatchSettings); err != nil {
			return nil, err
		}
	}
	if e.PatchRequestParams != nil {
		if err := put(fieldPatchRequestParams, e.PatchRequestParams); err != nil {
			return nil, err
		}
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes the known fields and stashes the rest in the
// unknown-field sidecar.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := obj[key]
		if !ok {
			return nil
		}
		delete(obj, key)
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}
	if err := take(fieldKind, &e.Kind); err != nil {
		return err
	}
	if err := take(fieldTraceID, &e.TraceID); err != nil {
		return err
	}
	if err := take(fieldMessageHistory, &e.MessageHistory); err != nil {
		return err
	}
	if err := take(fieldLatestMessage, &e.LatestMessage); err != nil {
		return err
	}
	if err := take(fieldFinalResponse, &e.FinalResponseTopic); err != nil {
		return err
	}
	if err := take(fieldResponseID, &e.ResponseID); err != nil {
		return err
	}
	if err := take(fieldDelegationStack, &e.DelegationStack); err != nil {
		return err
	}
	if err := take(fieldGroupchat, &e.Groupchat); err != nil {
		return err
	}
	if err := take(fieldPatchSettings, &e.PatchSettings); err != nil {
		return err
	}
	if err := take(fieldPatchRequestParams, &e.PatchRequestParams); err != nil {
		return err
	}
	if len(obj) > 0 {
		e.extra = make(map[string]rawField, len(obj))
		for k, v := range obj {
			e.extra[k] = rawField(v)
		}
	}
	// Re-link the latest message to the history tail when they are equal so
	// AppendLatest stays idempotent after a decode.
	if e.LatestMessage != nil {
		if n := len(e.MessageHistory); n > 0 && sameMessage(e.MessageHistory[n-1], e.LatestMessage) {
			e.LatestMessage = e.MessageHistory[n-1]
		}
	}
	return nil
}

// sameMessage compares two messages structurally via their encodings. Used
// only at decode time to restore the latest-equals-tail aliasing.
func sameMessage(a, b *model.Message) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

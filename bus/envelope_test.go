package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestGetIDPrefersRequestID(t *testing.T) {
	r := &Request{RequestID: "new", ID: "legacy"}
	assert.Equal(t, "new", r.GetID())

	r = &Request{ID: "legacy"}
	assert.Equal(t, "legacy", r.GetID())
}

func TestResponseGetIDPrefersRequestID(t *testing.T) {
	r := &Response{RequestID: "new", ID: "legacy"}
	assert.Equal(t, "new", r.GetID())

	r = &Response{ID: "legacy"}
	assert.Equal(t, "legacy", r.GetID())
}

func TestResponseErr(t *testing.T) {
	r := &Response{Success: true}
	assert.NoError(t, r.Err())

	r = &Response{Error: "operation denied"}
	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation denied")
}

func TestWrapUnwrapPayload(t *testing.T) {
	type challengePayload struct {
		ChallengeID string `json:"challenge_id"`
	}

	data, err := WrapPayload("challenge.issued", challengePayload{ChallengeID: "ch-1"})
	require.NoError(t, err)

	typ, inner := UnwrapPayload(data)
	assert.Equal(t, "challenge.issued", typ)

	var got challengePayload
	require.NoError(t, json.Unmarshal(inner, &got))
	assert.Equal(t, "ch-1", got.ChallengeID)
}

func TestUnwrapPayloadPassthrough(t *testing.T) {
	raw := json.RawMessage(`{"credential":"abc"}`)
	typ, inner := UnwrapPayload(raw)
	assert.Empty(t, typ)
	assert.Equal(t, raw, inner)

	typ, inner = UnwrapPayload(nil)
	assert.Empty(t, typ)
	assert.Empty(t, inner)
}

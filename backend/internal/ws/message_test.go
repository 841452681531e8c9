package ws

import (
	"errors"
	"testing"
	"time"

	"termcollab/backend/internal/collab"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FullMessage(t *testing.T) {
	raw := []byte(`{"type":"input","data":{"id":"op1","keys":"ls\n"},"user_id":"u1","timestamp":"2024-01-01T00:00:01Z","id":7}`)
	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeInput, m.Type)
	assert.Equal(t, "ls\n", m.Data["keys"])
	assert.Equal(t, "u1", m.Sender())
	assert.Equal(t, "2024-01-01T00:00:01Z", m.Timestamp)
	require.NotNil(t, m.ID)
	assert.Equal(t, int64(7), *m.ID)
}

func TestDecode_Defaults(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)
	m, err := Decode([]byte(`{"type":"leave"}`))
	require.NoError(t, err)
	assert.NotNil(t, m.Data)
	assert.Empty(t, m.Data)
	assert.Nil(t, m.UserID)
	assert.Nil(t, m.ID)

	ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	require.NoError(t, err)
	assert.True(t, ts.After(before))
}

func TestDecode_ChatAliasNormalized(t *testing.T) {
	m, err := Decode([]byte(`{"type":"chat","data":{"text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, m.Type)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"malformed":    `{"type":`,
		"missing type": `{"data":{}}`,
		"empty type":   `{"type":""}`,
		"unknown type": `{"type":"resize"}`,
		"not object":   `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "got %v", err)
		})
	}
}

func TestEncode_InverseOfDecode(t *testing.T) {
	id := int64(3)
	user := "u2"
	orig := Message{
		Type:      TypeSessionUpdate,
		Data:      map[string]any{"state": map[string]any{"cols": float64(80)}},
		UserID:    &user,
		Timestamp: "2024-01-01T00:00:02Z",
		ID:        &id,
	}
	raw, err := Encode(orig)
	require.NoError(t, err)

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}

func TestEncode_NullUserAndNoID(t *testing.T) {
	raw, err := Encode(Message{Type: TypeSyncResponse, Timestamp: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sync_response","data":{},"user_id":null,"timestamp":"2024-01-01T00:00:00Z"}`, string(raw))
}

func TestEncode_UnknownType(t *testing.T) {
	_, err := Encode(Message{Type: "resize"})
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestFormatTimestamp_SortsWithinSameSecond(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	whole := FormatTimestamp(base)
	tenth := FormatTimestamp(base.Add(100 * time.Millisecond))
	later := FormatTimestamp(base.Add(120 * time.Millisecond))

	assert.Equal(t, "2026-01-01T00:00:05.100000000Z", tenth)
	assert.Len(t, whole, len(later))
	assert.Less(t, whole, tenth)
	assert.Less(t, tenth, later)

	winner := collab.ResolveInputConflict([]collab.Operation{
		{ID: "late", Type: collab.OpTypeInput, Timestamp: later},
		{ID: "early", Type: collab.OpTypeInput, Timestamp: tenth},
	})
	require.Len(t, winner, 1)
	assert.Equal(t, "late", winner[0].ID)
}

func TestDecode_DefaultTimestampIsFixedWidth(t *testing.T) {
	m, err := Decode([]byte(`{"type":"input","data":{}}`))
	require.NoError(t, err)
	assert.Len(t, m.Timestamp, len(TimestampLayout)-len("Z07:00")+1)
	_, err = time.Parse(TimestampLayout, m.Timestamp)
	assert.NoError(t, err)
}

package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-1609459200000"

func TestRecordingID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		ok   bool
	}{
		{"valid", validID, true},
		{"empty", "", false},
		{"hash too short", validID[1:], false},
		{"suffix too short", validID[:len(validID)-1], false},
		{"missing separator", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1609459200000", false},
		{"non digit suffix", validID[:41] + "160945920000x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := RecordingID(tc.id)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRecordingID)
			}
		})
	}
}

func TestRecordingIDList(t *testing.T) {
	second := validID[:39] + "b" + validID[40:]

	ids, err := RecordingIDList(validID + ", " + second)
	require.NoError(t, err)
	assert.Equal(t, []string{validID, second}, ids)

	_, err = RecordingIDList(validID + ",nope")
	assert.ErrorIs(t, err, ErrInvalidRecordingID)
}

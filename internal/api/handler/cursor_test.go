package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minatran/wabulk-be/internal/api/storage"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	original := &storage.JobCursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC),
		JobID:     "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
	}

	encoded := EncodeJobCursor(original)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.True(t, decoded.CreatedAt.Equal(original.CreatedAt))
	assert.Equal(t, original.JobID, decoded.JobID)
}

func TestDecodeJobCursor(t *testing.T) {
	tests := []struct {
		name    string
		cursor  string
		wantErr bool
		wantNil bool
	}{
		{
			name:    "empty cursor decodes to nil",
			cursor:  "",
			wantNil: true,
		},
		{
			name:    "not base64",
			cursor:  "%%%not-base64%%%",
			wantErr: true,
		},
		{
			name:    "missing separator",
			cursor:  "bm9zZXBhcmF0b3I=", // "noseparator"
			wantErr: true,
		},
		{
			name:    "non-numeric timestamp",
			cursor:  "YWJjfGpvYi0x", // "abc|job-1"
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeJobCursor(tt.cursor)

			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cursor)
			}
		})
	}
}

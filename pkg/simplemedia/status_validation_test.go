package simplemedia

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to MediaStatus
		want     bool
	}{
		{StatusUploading, StatusProcessing, true},
		{StatusUploading, StatusFailed, true},
		{StatusUploading, StatusReady, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusReady, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusUploading, false},
		{StatusReady, StatusProcessing, false},
		{StatusReady, StatusFailed, false},
		{StatusFailed, StatusUploading, true},
		{StatusFailed, StatusReady, false},
		{MediaStatus("archived"), StatusReady, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, validTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransition(t *testing.T) {
	m := &Media{ID: uuid.New(), Status: StatusReady}
	err := checkTransition(m, StatusProcessing)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), m.ID.String())
}

func TestCanServeMedia(t *testing.T) {
	assert.NoError(t, canServeMedia(StatusReady))
	for _, s := range []MediaStatus{StatusUploading, StatusProcessing, StatusFailed} {
		err := canServeMedia(s)
		assert.True(t, errors.Is(err, ErrNotReady), "status %s", s)
	}
	assert.ErrorIs(t, canServeMedia(MediaStatus("bogus")), ErrConflict)
}

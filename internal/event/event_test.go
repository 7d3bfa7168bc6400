package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "CrawlWarning", typ: CrawlWarning},
		{want: "CrawlComplete", typ: CrawlComplete},
		{want: "BucketEnqueued", typ: BucketEnqueued},
		{want: "BucketStarted", typ: BucketStarted},
		{want: "BucketFinishedOK", typ: BucketFinishedOK},
		{want: "BucketFinishedPartial", typ: BucketFinishedPartial},
		{want: "BucketFinishedFailed", typ: BucketFinishedFailed},
		{want: "BucketCancelled", typ: BucketCancelled},
		{want: "WorkerExited", typ: WorkerExited},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
}

func TestTypeTerminal(t *testing.T) {
	terminal := []Type{BucketFinishedOK, BucketFinishedPartial, BucketFinishedFailed, BucketCancelled}
	for _, typ := range terminal {
		assert.True(t, typ.Terminal(), typ.String())
	}

	nonTerminal := []Type{CrawlWarning, CrawlComplete, BucketEnqueued, BucketStarted, WorkerExited}
	for _, typ := range nonTerminal {
		assert.False(t, typ.Terminal(), typ.String())
	}
}

func TestEventZeroValue(t *testing.T) {
	var e Event
	assert.Equal(t, Type(0), e.Type)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.Path)
	assert.Zero(t, e.Entries)
	assert.Zero(t, e.Bytes)
	require.NoError(t, e.Err)
	assert.Zero(t, e.WorkerID)
}

func TestEventFields(t *testing.T) {
	now := time.Now()
	e := Event{
		Type:       BucketFinishedOK,
		Timestamp:  now,
		BucketID:   7,
		WorkerID:   3,
		Bytes:      1024,
		Entries:    12,
		ExitStatus: 0,
		Duration:   2 * time.Second,
	}
	assert.Equal(t, BucketFinishedOK, e.Type)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, 7, e.BucketID)
	assert.Equal(t, int64(1024), e.Bytes)
	assert.Equal(t, 3, e.WorkerID)
}

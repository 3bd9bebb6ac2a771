package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newRecord() MutationRecord {
	return MutationRecord{
		ID:         "m-1",
		Operation:  OpUpdate,
		Collection: "logEntries",
		TargetID:   "log-1",
		Payload:    Payload{"note": "checked pump", "count": float64(3)},
		CreatedAt:  baseTime.Add(-5 * time.Minute),
		Status:     StatusPending,
	}
}

func TestMutationRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *MutationRecord)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *MutationRecord) {}},
		{name: "missing id", mutate: func(r *MutationRecord) { r.ID = "" }, wantErr: true},
		{name: "unknown operation", mutate: func(r *MutationRecord) { r.Operation = "upsert" }, wantErr: true},
		{name: "missing collection", mutate: func(r *MutationRecord) { r.Collection = "" }, wantErr: true},
		{name: "missing target", mutate: func(r *MutationRecord) { r.TargetID = "" }, wantErr: true},
		{name: "zero created_at", mutate: func(r *MutationRecord) { r.CreatedAt = time.Time{} }, wantErr: true},
		{name: "negative retry count", mutate: func(r *MutationRecord) { r.RetryCount = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecord()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckSyncTimestamp(t *testing.T) {
	now := baseTime
	created := now.Add(-5 * time.Minute)

	require.NoError(t, CheckSyncTimestamp(created, now, now, DefaultClockSkewTolerance))
	require.NoError(t, CheckSyncTimestamp(created, now.Add(30*time.Second), now, DefaultClockSkewTolerance))

	err := CheckSyncTimestamp(created, created.Add(-2*time.Hour), now, DefaultClockSkewTolerance)
	assert.True(t, errors.Is(err, ErrBackdated))

	err = CheckSyncTimestamp(created, now.Add(2*time.Minute), now, DefaultClockSkewTolerance)
	assert.True(t, errors.Is(err, ErrFutureTimestamp))
}

func TestStampForSync(t *testing.T) {
	r := newRecord()
	stamped := r.StampForSync(baseTime, DefaultClockSkewTolerance)

	require.NotNil(t, stamped.SyncTimestamp)
	assert.Equal(t, baseTime, *stamped.SyncTimestamp)
	assert.False(t, stamped.TimestampViolation)
	assert.Nil(t, r.SyncTimestamp, "original record must not change")

	// A record created ahead of the local clock cannot be stamped without backdating.
	future := newRecord()
	future.CreatedAt = baseTime.Add(10 * time.Minute)
	stamped = future.StampForSync(baseTime, DefaultClockSkewTolerance)
	assert.True(t, stamped.TimestampViolation)
	assert.False(t, stamped.SyncTimestamp.Before(baseTime))
}

func TestStampBatch(t *testing.T) {
	records := []MutationRecord{newRecord(), newRecord(), newRecord()}
	stamped := StampBatch(records, baseTime, DefaultClockSkewTolerance)

	require.Len(t, stamped, 3)
	assert.Equal(t, baseTime, *stamped[0].SyncTimestamp)
	for i := 1; i < len(stamped); i++ {
		assert.True(t, stamped[i].SyncTimestamp.After(*stamped[i-1].SyncTimestamp),
			"stamp %d must follow stamp %d", i, i-1)
		assert.False(t, stamped[i].TimestampViolation)
	}
	assert.Nil(t, records[0].SyncTimestamp, "input is not mutated")
}

func TestApply(t *testing.T) {
	r := newRecord()

	t.Run("success marks synced", func(t *testing.T) {
		got := Apply(r, Outcome{Success: true}, 3)
		assert.Equal(t, StatusSynced, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Equal(t, StatusPending, r.Status, "input is not mutated")
	})

	t.Run("failure increments retry count", func(t *testing.T) {
		got := Apply(r, Outcome{Error: "timeout"}, 3)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "timeout", got.LastError)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 0, r.RetryCount)
	})

	t.Run("ceiling moves to dead letter", func(t *testing.T) {
		got := r
		for i := 0; i < 3; i++ {
			got = Apply(got, Outcome{Error: "timeout"}, 3)
		}
		assert.Equal(t, 3, got.RetryCount)
		assert.True(t, got.IsDeadLetter())
	})

	t.Run("permanent failure dead-letters immediately", func(t *testing.T) {
		got := Apply(r, Outcome{Permanent: true, Error: "unauthorized"}, 3)
		assert.Equal(t, 1, got.RetryCount)
		assert.True(t, got.IsDeadLetter())
	})

	t.Run("payload is copied", func(t *testing.T) {
		got := Apply(r, Outcome{Success: true}, 3)
		got.Payload["note"] = "changed"
		assert.Equal(t, "checked pump", r.Payload["note"])
	})
}

func TestPayload_RoundTrip(t *testing.T) {
	p := Payload{"a": "x", "nested": map[string]any{"b": []any{float64(1), "two"}}}
	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	empty, err := UnmarshalPayload([]byte("null"))
	require.NoError(t, err)
	assert.NotNil(t, empty)
}

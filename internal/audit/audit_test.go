package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseEntry() Entry {
	return Entry{
		ID:           "aud_1",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ActorType:    ActorUser,
		ActorID:      "usr_1",
		Action:       "device.decommissioned",
		ResourceType: "device",
		Result:       ResultSuccess,
		PrevChecksum: "abc",
	}
}

func TestChecksumIsDeterministic(t *testing.T) {
	r := NewRecorder(nil, "signing-key")
	e := baseEntry()
	assert.Equal(t, r.checksum(&e), r.checksum(&e))
}

func TestChecksumCoversSignedFields(t *testing.T) {
	r := NewRecorder(nil, "signing-key")
	base := baseEntry()
	want := r.checksum(&base)

	mutations := map[string]func(*Entry){
		"actor":         func(e *Entry) { e.ActorID = "usr_2" },
		"action":        func(e *Entry) { e.Action = "device.maintenance_entered" },
		"result":        func(e *Entry) { e.Result = ResultDenied },
		"timestamp":     func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		"prev checksum": func(e *Entry) { e.PrevChecksum = "xyz" },
	}
	for name, mutate := range mutations {
		e := baseEntry()
		mutate(&e)
		assert.NotEqual(t, want, r.checksum(&e), name)
	}
}

func TestChecksumDependsOnKey(t *testing.T) {
	e := baseEntry()
	a := NewRecorder(nil, "key-a").checksum(&e)
	b := NewRecorder(nil, "key-b").checksum(&e)
	assert.NotEqual(t, a, b)
}

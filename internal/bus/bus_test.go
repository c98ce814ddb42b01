package bus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrderPerReceiver(t *testing.T) {
	b := New(nil)
	r := b.Subscribe(0)

	b.Publish("actions.submitted", map[string]any{"id": "1"})
	b.Publish("actions.running", map[string]any{"id": "1"})
	b.Publish("actions.completed", map[string]any{"id": "1"})

	var kinds []string
	for i := 0; i < 3; i++ {
		select {
		case env := <-r.C():
			kinds = append(kinds, env.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for envelope")
		}
	}
	assert.Equal(t, []string{"actions.submitted", "actions.running", "actions.completed"}, kinds)
}

func TestSlowReceiverLagsWithoutBlockingPublisher(t *testing.T) {
	b := New(nil)
	r := b.Subscribe(MinReceiverCapacity)

	for i := 0; i < MinReceiverCapacity+10; i++ {
		b.Publish("noise", map[string]any{"i": i})
	}

	assert.True(t, r.Lagged())
	stats := b.Stats()
	assert.EqualValues(t, MinReceiverCapacity+10, stats.Published)
	assert.EqualValues(t, 1, stats.Lagged)
}

func TestSubscribeDoesNotReplayPastEnvelopes(t *testing.T) {
	b := New(nil)
	b.Publish("actions.submitted", map[string]any{"id": "1"})

	r := b.Subscribe(0)
	select {
	case env := <-r.C():
		t.Fatalf("unexpected replay: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	env := Envelope{Time: time.Unix(0, 0).UTC(), Kind: "k", Payload: map[string]any{"a": 1.0}}
	require.Equal(t, env.Fingerprint(), env.Fingerprint())

	other := env
	other.Kind = "k2"
	assert.NotEqual(t, env.Fingerprint(), other.Fingerprint())
}

func TestJournalAppendsOneLinePerEnvelope(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	b := New(nil)
	require.NoError(t, b.EnableJournal(path))

	b.Publish("actions.submitted", map[string]any{"id": "1"})
	b.Publish("actions.completed", map[string]any{"id": "1"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, c := range data {
		if c == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	r := b.Subscribe(0)
	r.Close()

	_, ok := <-r.C()
	assert.False(t, ok)
	assert.EqualValues(t, 0, b.Stats().Receivers)
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyEvent(t *testing.T) {
	t.Parallel()
	event := signedEvent(t, 1, "hello")
	require.NoError(t, VerifyEvent(event))
}

func TestVerifyEventTamperedContent(t *testing.T) {
	t.Parallel()
	event := signedEvent(t, 1, "hello")
	event.Content = "tampered"
	assert.ErrorIs(t, VerifyEvent(event), ErrEventID)
}

func TestVerifyEventForeignSignature(t *testing.T) {
	t.Parallel()
	event := signedEvent(t, 1, "hello")
	other := signedEvent(t, 1, "other")
	event.Sig = other.Sig
	assert.ErrorIs(t, VerifyEvent(event), ErrEventSignature)
}

func TestVerifyEventBadEncoding(t *testing.T) {
	t.Parallel()
	event := signedEvent(t, 1, "hello")
	event.PubKey = "not hex"
	event.ID = event.GetID()
	assert.Error(t, VerifyEvent(event))
}

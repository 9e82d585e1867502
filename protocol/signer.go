package protocol

import (
	"fmt"

	"github.com/ekzyis/nip44"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// KindEncryptedDirectMessage is the event kind of an encrypted direct message.
const KindEncryptedDirectMessage = 4

// EncryptionScheme selects the content encryption used for direct messages.
type EncryptionScheme string

const (
	SchemeNIP04 = EncryptionScheme("nip04")
	SchemeNIP44 = EncryptionScheme("nip44")
)

// EventSigner represents a signer that can create and sign events.
type EventSigner struct {
	PublicKey  string
	privateKey string
}

// NewEventSigner creates a new EventSigner.
func NewEventSigner(privateKey string) (*EventSigner, error) {
	myPublicKey, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("could not generate public key: %w", err)
	}
	signer := &EventSigner{
		privateKey: privateKey,
		PublicKey:  myPublicKey,
	}
	return signer, nil
}

// CreateEvent creates a new Event with the provided kind and tags. The
// public key and the current timestamp are set automatically.
func (s *EventSigner) CreateEvent(kind int, tags nostr.Tags) nostr.Event {
	return nostr.Event{
		PubKey:    s.PublicKey,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
	}
}

// CreateDirectMessage builds a signed direct message to the target public
// key, with the content encrypted under the selected scheme. The event is
// tagged with the recipient so relays route it correctly.
func (s *EventSigner) CreateDirectMessage(
	targetPublicKey string,
	message string,
	scheme EncryptionScheme,
) (nostr.Event, error) {
	content, err := s.encrypt(targetPublicKey, message, scheme)
	if err != nil {
		return nostr.Event{}, err
	}
	event := s.CreateEvent(KindEncryptedDirectMessage, nostr.Tags{{"p", targetPublicKey}})
	event.Content = content
	// calling Sign sets the event ID field and the event Sig field
	if err := event.Sign(s.privateKey); err != nil {
		return nostr.Event{}, fmt.Errorf("could not sign event: %w", err)
	}
	return event, nil
}

func (s *EventSigner) encrypt(targetPublicKey, message string, scheme EncryptionScheme) (string, error) {
	switch scheme {
	case SchemeNIP44:
		privateKeyBytes, targetPublicKeyBytes, err := GetEncryptionKeys(s.privateKey, targetPublicKey)
		if err != nil {
			return "", fmt.Errorf("could not get encryption keys: %w", err)
		}
		conversationKey, err := nip44.GenerateConversationKey(privateKeyBytes, targetPublicKeyBytes)
		if err != nil {
			return "", fmt.Errorf("could not compute shared key: %w", err)
		}
		encrypted, err := nip44.Encrypt(conversationKey, message, &nip44.EncryptOptions{
			Salt:    nil,
			Version: 0,
		})
		if err != nil {
			return "", fmt.Errorf("could not encrypt message: %w", err)
		}
		return encrypted, nil
	case SchemeNIP04, EncryptionScheme(""):
		sharedKey, err := nip04.ComputeSharedSecret(targetPublicKey, s.privateKey)
		if err != nil {
			return "", fmt.Errorf("could not compute shared secret: %w", err)
		}
		encrypted, err := nip04.Encrypt(message, sharedKey)
		if err != nil {
			return "", fmt.Errorf("could not encrypt message: %w", err)
		}
		return encrypted, nil
	default:
		return "", fmt.Errorf("unsupported encryption scheme %q", scheme)
	}
}

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrEventID is returned when the event id does not match the hash of
	// the canonical serialization.
	ErrEventID = errors.New("event id does not match serialized event")
	// ErrEventSignature is returned when the schnorr signature does not
	// verify against the event id and pubkey.
	ErrEventSignature = errors.New("invalid event signature")
)

// VerifyEvent checks that the event id is the SHA-256 of the canonical
// serialization and that sig is a valid schnorr signature of the id under
// pubkey. Performed once per event ingested from a relay.
func VerifyEvent(event *nostr.Event) error {
	hash := sha256.Sum256(event.Serialize())
	if hex.EncodeToString(hash[:]) != event.ID {
		return ErrEventID
	}
	publicKeyBytes, err := hex.DecodeString(event.PubKey)
	if err != nil {
		return fmt.Errorf("could not decode public key: %w", err)
	}
	publicKey, err := schnorr.ParsePubKey(publicKeyBytes)
	if err != nil {
		return fmt.Errorf("could not parse public key: %w", err)
	}
	signatureBytes, err := hex.DecodeString(event.Sig)
	if err != nil {
		return fmt.Errorf("could not decode signature: %w", err)
	}
	signature, err := schnorr.ParseSignature(signatureBytes)
	if err != nil {
		return fmt.Errorf("could not parse signature: %w", err)
	}
	if !signature.Verify(hash[:], publicKey) {
		return ErrEventSignature
	}
	return nil
}

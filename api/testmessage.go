package api

import (
	"encoding/json"
	"net/http"

	"github.com/nbd-wtf/go-nostr"

	"github.com/asmogo/nostrmux/protocol"
)

// TestMessage is the request body of the crypto wiring check. The receiver
// field keeps its historical spelling for client compatibility.
type TestMessage struct {
	SenderPrivateKey  string `json:"sender_private_key,omitempty"`
	ReceiverPublicKey string `json:"reciever_public_key"`
	Message           string `json:"message"`
	Scheme            string `json:"scheme,omitempty"`
}

// TestMessageResponse carries the signed, encrypted DM and the keypair that
// produced it.
type TestMessageResponse struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	EventJSON  string `json:"event_json"`
}

// handleTestMessage builds an encrypted direct message to validate the
// crypto wiring end to end, without touching any relay.
func (s *Server) handleTestMessage(w http.ResponseWriter, r *http.Request) {
	var body TestMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.ReceiverPublicKey == "" {
		writeError(w, http.StatusBadRequest, "receiver public key is required")
		return
	}
	privateKey := body.SenderPrivateKey
	if privateKey == "" {
		privateKey = nostr.GeneratePrivateKey()
	}
	signer, err := protocol.NewEventSigner(privateKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid private key")
		return
	}
	event, err := signer.CreateDirectMessage(
		body.ReceiverPublicKey,
		body.Message,
		protocol.EncryptionScheme(body.Scheme),
	)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TestMessageResponse{
		PrivateKey: privateKey,
		PublicKey:  signer.PublicKey,
		EventJSON:  string(encoded),
	})
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON array or
	// does not match the arity of its tag.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrame is returned for well-formed frames whose tag is not
	// part of the protocol. Callers drop these with a warning.
	ErrUnknownFrame = errors.New("unknown frame tag")
)

// ClientFrameKind enumerates the frames a client may send.
type ClientFrameKind string

const (
	ClientRequest = ClientFrameKind("REQ")
	ClientClose   = ClientFrameKind("CLOSE")
	ClientPublish = ClientFrameKind("EVENT")
)

// RelayFrameKind enumerates the frames a relay may deliver.
type RelayFrameKind string

const (
	RelayEvent       = RelayFrameKind("EVENT")
	RelayNotice      = RelayFrameKind("NOTICE")
	RelayEndOfStored = RelayFrameKind("EOSE")
	RelayResult      = RelayFrameKind("OK")
)

// ClientFrame is a decoded client-to-relay frame.
type ClientFrame struct {
	Kind           ClientFrameKind
	SubscriptionID string
	Filters        nostr.Filters
	Event          *nostr.Event
}

// CommandResult is the payload of an OK frame.
type CommandResult struct {
	EventID  string
	Accepted bool
	Message  string
}

// RelayFrame is a decoded relay-to-client frame.
type RelayFrame struct {
	Kind           RelayFrameKind
	SubscriptionID string
	Event          *nostr.Event
	Notice         string
	Result         *CommandResult
}

// frameLabel extracts the tag of a frame, distinguishing malformed JSON
// from frames that are arrays but carry an unknown tag.
func frameLabel(raw []byte) (string, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if len(elements) == 0 {
		return "", fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}
	var label string
	if err := json.Unmarshal(elements[0], &label); err != nil {
		return "", fmt.Errorf("%w: non-string tag", ErrMalformedFrame)
	}
	return label, nil
}

// ParseClientFrame decodes a frame received from an inbound client.
func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	label, err := frameLabel(raw)
	if err != nil {
		return nil, err
	}
	switch label {
	case "REQ", "CLOSE", "EVENT":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, label)
	}
	envelope := nostr.ParseMessage(raw)
	if envelope == nil {
		return nil, fmt.Errorf("%w: bad %s arity", ErrMalformedFrame, label)
	}
	switch message := envelope.(type) {
	case *nostr.ReqEnvelope:
		if len(message.Filters) == 0 {
			return nil, fmt.Errorf("%w: REQ without filters", ErrMalformedFrame)
		}
		return &ClientFrame{
			Kind:           ClientRequest,
			SubscriptionID: message.SubscriptionID,
			Filters:        message.Filters,
		}, nil
	case *nostr.CloseEnvelope:
		return &ClientFrame{Kind: ClientClose, SubscriptionID: string(*message)}, nil
	case *nostr.EventEnvelope:
		return &ClientFrame{Kind: ClientPublish, Event: &message.Event}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, label)
	}
}

// ParseRelayFrame decodes a frame received from an upstream relay.
func ParseRelayFrame(raw []byte) (*RelayFrame, error) {
	label, err := frameLabel(raw)
	if err != nil {
		return nil, err
	}
	switch label {
	case "EVENT", "NOTICE", "EOSE", "OK":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, label)
	}
	envelope := nostr.ParseMessage(raw)
	if envelope == nil {
		return nil, fmt.Errorf("%w: bad %s arity", ErrMalformedFrame, label)
	}
	switch message := envelope.(type) {
	case *nostr.EventEnvelope:
		if message.SubscriptionID == nil {
			return nil, fmt.Errorf("%w: EVENT without subscription id", ErrMalformedFrame)
		}
		return &RelayFrame{
			Kind:           RelayEvent,
			SubscriptionID: *message.SubscriptionID,
			Event:          &message.Event,
		}, nil
	case *nostr.NoticeEnvelope:
		return &RelayFrame{Kind: RelayNotice, Notice: string(*message)}, nil
	case *nostr.EOSEEnvelope:
		return &RelayFrame{Kind: RelayEndOfStored, SubscriptionID: string(*message)}, nil
	case *nostr.OKEnvelope:
		return &RelayFrame{
			Kind: RelayResult,
			Result: &CommandResult{
				EventID:  message.EventID,
				Accepted: message.OK,
				Message:  message.Reason,
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, label)
	}
}

// BuildReq encodes a subscription request frame.
func BuildReq(subscriptionID string, filters nostr.Filters) ([]byte, error) {
	envelope := nostr.ReqEnvelope{SubscriptionID: subscriptionID, Filters: filters}
	data, err := envelope.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("could not encode REQ: %w", err)
	}
	return data, nil
}

// BuildClose encodes an unsubscribe frame.
func BuildClose(subscriptionID string) ([]byte, error) {
	envelope := nostr.CloseEnvelope(subscriptionID)
	data, err := envelope.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("could not encode CLOSE: %w", err)
	}
	return data, nil
}

// BuildEvent encodes an event delivery frame for the given subscription id.
func BuildEvent(subscriptionID string, event *nostr.Event) ([]byte, error) {
	envelope := nostr.EventEnvelope{SubscriptionID: &subscriptionID, Event: *event}
	data, err := envelope.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("could not encode EVENT: %w", err)
	}
	return data, nil
}

// BuildEOSE encodes an end-of-stored-events frame.
func BuildEOSE(subscriptionID string) ([]byte, error) {
	envelope := nostr.EOSEEnvelope(subscriptionID)
	data, err := envelope.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("could not encode EOSE: %w", err)
	}
	return data, nil
}

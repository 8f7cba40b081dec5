package a2a

import (
	"errors"
	"fmt"
)

// ErrInvalidMessageSignature rejects an envelope whose signature is
// missing or fails verification.
var ErrInvalidMessageSignature = errors.New("invalid message signature")

// NoActiveConnectionError reports a send without an established
// connection to the target.
type NoActiveConnectionError struct {
	AgentID string
}

func (e *NoActiveConnectionError) Error() string {
	return fmt.Sprintf("no active connection to agent %s", e.AgentID)
}

// ReplayError reports a message id that was already processed.
type ReplayError struct {
	MessageID string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("duplicate message %s: possible replay attack", e.MessageID)
}

// UnknownMessageTypeError reports an unroutable envelope type.
type UnknownMessageTypeError struct {
	Type MessageType
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// UnknownPeerError reports a target agent that was never registered.
type UnknownPeerError struct {
	AgentID string
}

func (e *UnknownPeerError) Error() string {
	return fmt.Sprintf("unknown peer agent %s", e.AgentID)
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSynchronizerInput indicates that a synchronizer input is malformed.
var ErrInvalidSynchronizerInput = errors.New("protocol: invalid synchronizer input")

// SynchronizerType names one replicated resource log.
type SynchronizerType string

const (
	SynchronizerUsers            SynchronizerType = "users"
	SynchronizerCollaborations   SynchronizerType = "collaborations"
	SynchronizerNodeUpdates      SynchronizerType = "node_updates"
	SynchronizerNodeTombstones   SynchronizerType = "node_tombstones"
	SynchronizerNodeInteractions SynchronizerType = "node_interactions"
	SynchronizerNodeReactions    SynchronizerType = "node_reactions"
	SynchronizerDocumentUpdates  SynchronizerType = "document_updates"
)

// RootSynchronizerTypes lists the synchronizers opened once per collaborated root.
var RootSynchronizerTypes = []SynchronizerType{
	SynchronizerNodeUpdates,
	SynchronizerNodeTombstones,
	SynchronizerNodeInteractions,
	SynchronizerNodeReactions,
	SynchronizerDocumentUpdates,
}

// RootScoped reports whether the synchronizer reads a single root's log.
func (synchronizerType SynchronizerType) RootScoped() bool {
	switch synchronizerType {
	case SynchronizerNodeUpdates, SynchronizerNodeTombstones, SynchronizerNodeInteractions,
		SynchronizerNodeReactions, SynchronizerDocumentUpdates:
		return true
	default:
		return false
	}
}

// Known reports whether the synchronizer type is supported.
func (synchronizerType SynchronizerType) Known() bool {
	return synchronizerType == SynchronizerUsers ||
		synchronizerType == SynchronizerCollaborations ||
		synchronizerType.RootScoped()
}

// SynchronizerInput selects a log and its scope.
type SynchronizerInput struct {
	Type   SynchronizerType `json:"type"`
	RootID string           `json:"rootId,omitempty"`
}

// Validate checks that the input names a known log with the scope it requires.
func (input SynchronizerInput) Validate() error {
	if !input.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSynchronizerInput, input.Type)
	}
	if input.Type.RootScoped() {
		if err := ValidateIdentifier("root id", input.RootID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSynchronizerInput, err)
		}
	}
	return nil
}

// Key returns a stable identifier for the input, used as synchronizer id and cursor key.
func (input SynchronizerInput) Key() string {
	if input.Type.RootScoped() {
		return string(input.Type) + ":" + input.RootID
	}
	return string(input.Type)
}

// MessageType discriminates socket frames.
type MessageType string

const (
	MessageSynchronizerInput  MessageType = "synchronizer_input"
	MessageSynchronizerRemove MessageType = "synchronizer_remove"
	MessageSynchronizerOutput MessageType = "synchronizer_output"
	MessageSynchronizerError  MessageType = "synchronizer_error"
)

// MessageHeader is decoded first to route a frame by type.
type MessageHeader struct {
	Type MessageType `json:"type"`
}

// SynchronizerInputMessage opens a synchronizer or acknowledges delivery by moving its cursor.
type SynchronizerInputMessage struct {
	Type   MessageType       `json:"type"`
	ID     string            `json:"id"`
	Input  SynchronizerInput `json:"input"`
	Cursor Revision          `json:"cursor"`
}

// SynchronizerRemoveMessage closes a synchronizer.
type SynchronizerRemoveMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

// SynchronizerItem is one log entry with the cursor a subscriber stores after consuming it.
type SynchronizerItem struct {
	Cursor Revision        `json:"cursor"`
	Data   json.RawMessage `json:"data"`
}

// SynchronizerOutputMessage is a page of log items pushed to one subscriber.
type SynchronizerOutputMessage struct {
	Type   MessageType        `json:"type"`
	ID     string             `json:"id"`
	UserID string             `json:"userId"`
	Items  []SynchronizerItem `json:"items"`
}

// SynchronizerErrorMessage tells a subscriber that a synchronizer could not be opened or was closed.
type SynchronizerErrorMessage struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id"`
	Reason string      `json:"reason"`
}

// LastCursor returns the cursor of the final item, or zero for an empty page.
func (message SynchronizerOutputMessage) LastCursor() Revision {
	if len(message.Items) == 0 {
		return ZeroRevision
	}
	return message.Items[len(message.Items)-1].Cursor
}

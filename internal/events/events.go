package events

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/nebula/internal/eventbus"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind names a server-side event.
type Kind string

const (
	KindUserCreated            Kind = "user_created"
	KindUserUpdated            Kind = "user_updated"
	KindCollaborationCreated   Kind = "collaboration_created"
	KindCollaborationUpdated   Kind = "collaboration_updated"
	KindNodeCreated            Kind = "node_created"
	KindNodeUpdated            Kind = "node_updated"
	KindNodeDeleted            Kind = "node_deleted"
	KindNodeInteractionUpdated Kind = "node_interaction_updated"
	KindNodeReactionCreated    Kind = "node_reaction_created"
	KindNodeReactionDeleted    Kind = "node_reaction_deleted"
	KindDocumentUpdated        Kind = "document_updated"
)

// ErrUnknownKind indicates that a mirrored event has an unsupported kind.
var ErrUnknownKind = errors.New("events: unknown kind")

// Event is published after a server write commits.
type Event interface {
	Kind() Kind
	Workspace() string
}

// Bus is the server event bus.
type Bus = eventbus.Bus[Event]

// UserChanged is published when a workspace user row gains a revision.
type UserChanged struct {
	Created     bool   `msgpack:"created"`
	UserID      string `msgpack:"user_id"`
	WorkspaceID string `msgpack:"workspace_id"`
}

func (e UserChanged) Kind() Kind {
	if e.Created {
		return KindUserCreated
	}
	return KindUserUpdated
}

func (e UserChanged) Workspace() string { return e.WorkspaceID }

// CollaborationChanged is published when a collaboration row gains a revision.
type CollaborationChanged struct {
	Created        bool   `msgpack:"created"`
	NodeID         string `msgpack:"node_id"`
	CollaboratorID string `msgpack:"collaborator_id"`
	WorkspaceID    string `msgpack:"workspace_id"`
}

func (e CollaborationChanged) Kind() Kind {
	if e.Created {
		return KindCollaborationCreated
	}
	return KindCollaborationUpdated
}

func (e CollaborationChanged) Workspace() string { return e.WorkspaceID }

// NodeCreated is published after a node and its first update are stored.
type NodeCreated struct {
	NodeID      string `msgpack:"node_id"`
	RootID      string `msgpack:"root_id"`
	WorkspaceID string `msgpack:"workspace_id"`
}

func (NodeCreated) Kind() Kind { return KindNodeCreated }
func (e NodeCreated) Workspace() string { return e.WorkspaceID }

// NodeUpdated is published after a node update is appended.
type NodeUpdated struct {
	NodeID      string `msgpack:"node_id"`
	RootID      string `msgpack:"root_id"`
	WorkspaceID string `msgpack:"workspace_id"`
}

func (NodeUpdated) Kind() Kind { return KindNodeUpdated }
func (e NodeUpdated) Workspace() string { return e.WorkspaceID }

// NodeDeleted is published after a tombstone is written.
type NodeDeleted struct {
	NodeID      string `msgpack:"node_id"`
	RootID      string `msgpack:"root_id"`
	WorkspaceID string `msgpack:"workspace_id"`
}

func (NodeDeleted) Kind() Kind { return KindNodeDeleted }
func (e NodeDeleted) Workspace() string { return e.WorkspaceID }

// NodeInteractionUpdated is published after seen/opened timestamps change.
type NodeInteractionUpdated struct {
	NodeID         string `msgpack:"node_id"`
	CollaboratorID string `msgpack:"collaborator_id"`
	RootID         string `msgpack:"root_id"`
	WorkspaceID    string `msgpack:"workspace_id"`
}

func (NodeInteractionUpdated) Kind() Kind { return KindNodeInteractionUpdated }
func (e NodeInteractionUpdated) Workspace() string { return e.WorkspaceID }

// NodeReactionChanged is published when a reaction is created or soft-deleted.
type NodeReactionChanged struct {
	Deleted        bool   `msgpack:"deleted"`
	NodeID         string `msgpack:"node_id"`
	CollaboratorID string `msgpack:"collaborator_id"`
	RootID         string `msgpack:"root_id"`
	WorkspaceID    string `msgpack:"workspace_id"`
}

func (e NodeReactionChanged) Kind() Kind {
	if e.Deleted {
		return KindNodeReactionDeleted
	}
	return KindNodeReactionCreated
}

func (e NodeReactionChanged) Workspace() string { return e.WorkspaceID }

// DocumentUpdated is published after a document update is appended.
type DocumentUpdated struct {
	DocumentID  string `msgpack:"document_id"`
	RootID      string `msgpack:"root_id"`
	WorkspaceID string `msgpack:"workspace_id"`
}

func (DocumentUpdated) Kind() Kind { return KindDocumentUpdated }
func (e DocumentUpdated) Workspace() string { return e.WorkspaceID }

// Codec encodes server events for the cross-host mirror.
type Codec struct{}

var _ eventbus.Codec[Event] = Codec{}

// Encode implements eventbus.Codec.
func (Codec) Encode(event Event) (string, []byte, error) {
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return "", nil, err
	}
	return string(event.Kind()), payload, nil
}

// Decode implements eventbus.Codec.
func (Codec) Decode(kind string, payload []byte) (Event, error) {
	switch Kind(kind) {
	case KindUserCreated, KindUserUpdated:
		return decodeInto[UserChanged](payload)
	case KindCollaborationCreated, KindCollaborationUpdated:
		return decodeInto[CollaborationChanged](payload)
	case KindNodeCreated:
		return decodeInto[NodeCreated](payload)
	case KindNodeUpdated:
		return decodeInto[NodeUpdated](payload)
	case KindNodeDeleted:
		return decodeInto[NodeDeleted](payload)
	case KindNodeInteractionUpdated:
		return decodeInto[NodeInteractionUpdated](payload)
	case KindNodeReactionCreated, KindNodeReactionDeleted:
		return decodeInto[NodeReactionChanged](payload)
	case KindDocumentUpdated:
		return decodeInto[DocumentUpdated](payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func decodeInto[T Event](payload []byte) (Event, error) {
	var event T
	if err := msgpack.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return event, nil
}

// NewBus constructs a server bus, optionally mirrored through broadcaster.
func NewBus(hostID string, broadcaster eventbus.Broadcaster, cfg eventbus.Config[Event]) (*Bus, error) {
	cfg.HostID = hostID
	cfg.Broadcaster = broadcaster
	if cfg.Codec == nil {
		cfg.Codec = Codec{}
	}
	return eventbus.New(cfg)
}

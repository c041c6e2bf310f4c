// Package events defines the replica's local events as a closed sum type.
//
// Every consumer that needs to react to events implements Visitor, so adding an event kind
// fails to compile until each consumer decides how to handle it.
package events

import (
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/eventbus"
)

// Kind names a local event.
type Kind string

const (
	KindUserCreated            Kind = "user_created"
	KindUserUpdated            Kind = "user_updated"
	KindCollaborationCreated   Kind = "collaboration_created"
	KindCollaborationUpdated   Kind = "collaboration_updated"
	KindCollaborationDeleted   Kind = "collaboration_deleted"
	KindNodeCreated            Kind = "node_created"
	KindNodeUpdated            Kind = "node_updated"
	KindNodeDeleted            Kind = "node_deleted"
	KindNodeInteractionUpdated Kind = "node_interaction_updated"
	KindNodeReactionCreated    Kind = "node_reaction_created"
	KindNodeReactionDeleted    Kind = "node_reaction_deleted"
	KindDocumentUpdated        Kind = "document_updated"
	KindNodeCounterUpdated     Kind = "node_counter_updated"
	KindNodeCounterDeleted     Kind = "node_counter_deleted"
	KindRadarDataUpdated       Kind = "radar_data_updated"
	KindMutationFailed         Kind = "mutation_failed"
)

// Event is one local event. The interface is sealed to the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// Bus carries local events within one workspace runtime.
type Bus = eventbus.Bus[Event]

// NewBus constructs an unmirrored local bus.
func NewBus() (*Bus, error) {
	return eventbus.New(eventbus.Config[Event]{})
}

// UserChanged carries a user row after it was inserted or replaced by a newer revision.
type UserChanged struct {
	Created bool
	User    localdb.User
}

// CollaborationChanged carries an active collaboration after it was inserted or replaced.
type CollaborationChanged struct {
	Created       bool
	Collaboration localdb.Collaboration
}

// CollaborationDeleted is published once per revoked root, after its rows were cascaded away.
type CollaborationDeleted struct {
	Collaboration localdb.Collaboration
}

// NodeChanged carries the node state after a local write or an applied update.
type NodeChanged struct {
	Created bool
	Node    localdb.Node
}

// NodeDeleted carries the last known state of a removed node.
type NodeDeleted struct {
	Node localdb.Node
}

// NodeInteractionUpdated carries an interaction row after it changed.
type NodeInteractionUpdated struct {
	Interaction localdb.NodeInteraction
}

// NodeReactionChanged carries a reaction after it was created, restored or soft-deleted.
type NodeReactionChanged struct {
	Reaction localdb.NodeReaction
}

// DocumentUpdated signals that a document gained an update.
type DocumentUpdated struct {
	Document localdb.Document
}

// NodeCounterUpdated carries a counter whose stored count changed.
type NodeCounterUpdated struct {
	Counter localdb.NodeCounter
}

// NodeCounterDeleted lists counters removed in one transaction.
type NodeCounterDeleted struct {
	Counters []localdb.CounterKey
}

// RadarDataUpdated signals that the in-memory unread view changed.
type RadarDataUpdated struct{}

// MutationFailed carries an outbox entry that was permanently rejected.
type MutationFailed struct {
	Failure localdb.MutationFailure
}

func (e UserChanged) Kind() Kind {
	if e.Created {
		return KindUserCreated
	}
	return KindUserUpdated
}

func (e CollaborationChanged) Kind() Kind {
	if e.Created {
		return KindCollaborationCreated
	}
	return KindCollaborationUpdated
}

func (CollaborationDeleted) Kind() Kind { return KindCollaborationDeleted }

func (e NodeChanged) Kind() Kind {
	if e.Created {
		return KindNodeCreated
	}
	return KindNodeUpdated
}

func (NodeDeleted) Kind() Kind            { return KindNodeDeleted }
func (NodeInteractionUpdated) Kind() Kind { return KindNodeInteractionUpdated }

func (e NodeReactionChanged) Kind() Kind {
	if e.Reaction.DeletedAt != nil {
		return KindNodeReactionDeleted
	}
	return KindNodeReactionCreated
}

func (DocumentUpdated) Kind() Kind    { return KindDocumentUpdated }
func (NodeCounterUpdated) Kind() Kind { return KindNodeCounterUpdated }
func (NodeCounterDeleted) Kind() Kind { return KindNodeCounterDeleted }
func (RadarDataUpdated) Kind() Kind   { return KindRadarDataUpdated }
func (MutationFailed) Kind() Kind     { return KindMutationFailed }

func (UserChanged) sealed()            {}
func (CollaborationChanged) sealed()   {}
func (CollaborationDeleted) sealed()   {}
func (NodeChanged) sealed()            {}
func (NodeDeleted) sealed()            {}
func (NodeInteractionUpdated) sealed() {}
func (NodeReactionChanged) sealed()    {}
func (DocumentUpdated) sealed()        {}
func (NodeCounterUpdated) sealed()     {}
func (NodeCounterDeleted) sealed()     {}
func (RadarDataUpdated) sealed()       {}
func (MutationFailed) sealed()         {}

// Visitor handles every event type.
type Visitor[R any] interface {
	UserChanged(UserChanged) R
	CollaborationChanged(CollaborationChanged) R
	CollaborationDeleted(CollaborationDeleted) R
	NodeChanged(NodeChanged) R
	NodeDeleted(NodeDeleted) R
	NodeInteractionUpdated(NodeInteractionUpdated) R
	NodeReactionChanged(NodeReactionChanged) R
	DocumentUpdated(DocumentUpdated) R
	NodeCounterUpdated(NodeCounterUpdated) R
	NodeCounterDeleted(NodeCounterDeleted) R
	RadarDataUpdated(RadarDataUpdated) R
	MutationFailed(MutationFailed) R
}

// Dispatch routes event to the matching visitor method.
func Dispatch[R any](event Event, visitor Visitor[R]) R {
	switch typed := event.(type) {
	case UserChanged:
		return visitor.UserChanged(typed)
	case CollaborationChanged:
		return visitor.CollaborationChanged(typed)
	case CollaborationDeleted:
		return visitor.CollaborationDeleted(typed)
	case NodeChanged:
		return visitor.NodeChanged(typed)
	case NodeDeleted:
		return visitor.NodeDeleted(typed)
	case NodeInteractionUpdated:
		return visitor.NodeInteractionUpdated(typed)
	case NodeReactionChanged:
		return visitor.NodeReactionChanged(typed)
	case DocumentUpdated:
		return visitor.DocumentUpdated(typed)
	case NodeCounterUpdated:
		return visitor.NodeCounterUpdated(typed)
	case NodeCounterDeleted:
		return visitor.NodeCounterDeleted(typed)
	case RadarDataUpdated:
		return visitor.RadarDataUpdated(typed)
	case MutationFailed:
		return visitor.MutationFailed(typed)
	default:
		panic("events: unhandled event type")
	}
}

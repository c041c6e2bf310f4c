package commands

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nebula/internal/client/events"
	"github.com/MarcoPoloResearchLab/nebula/internal/client/localdb"
	"github.com/MarcoPoloResearchLab/nebula/internal/protocol"
	"gorm.io/gorm"
)

const (
	opMarkNodeSeen   = "commands.mark_node_seen"
	opMarkNodeOpened = "commands.mark_node_opened"
)

// MarkNodeSeen records that the local user saw nodeID. A repeat within the debounce window
// succeeds without writing.
func (s *Service) MarkNodeSeen(ctx context.Context, nodeID string) (Result, error) {
	return s.markInteraction(ctx, opMarkNodeSeen, nodeID, interactionKind{
		last:     func(row *localdb.NodeInteraction) **time.Time { return &row.LastSeenAt },
		first:    func(row *localdb.NodeInteraction) **time.Time { return &row.FirstSeenAt },
		mutation: protocol.MutationMarkNodeSeen,
		payload: func(at time.Time) any {
			return protocol.MarkNodeSeenData{NodeID: nodeID, SeenAt: at}
		},
	})
}

// MarkNodeOpened records that the local user opened nodeID. A repeat within the debounce window
// succeeds without writing.
func (s *Service) MarkNodeOpened(ctx context.Context, nodeID string) (Result, error) {
	return s.markInteraction(ctx, opMarkNodeOpened, nodeID, interactionKind{
		last:     func(row *localdb.NodeInteraction) **time.Time { return &row.LastOpenedAt },
		first:    func(row *localdb.NodeInteraction) **time.Time { return &row.FirstOpenedAt },
		mutation: protocol.MutationMarkNodeOpened,
		payload: func(at time.Time) any {
			return protocol.MarkNodeOpenedData{NodeID: nodeID, OpenedAt: at}
		},
	})
}

type interactionKind struct {
	last     func(row *localdb.NodeInteraction) **time.Time
	first    func(row *localdb.NodeInteraction) **time.Time
	mutation protocol.MutationType
	payload  func(at time.Time) any
}

func (s *Service) markInteraction(ctx context.Context, operation, nodeID string, kind interactionKind) (Result, error) {
	if err := protocol.ValidateIdentifier("node id", nodeID); err != nil {
		return Result{}, newServiceError(operation, reasonInvalidInput, err)
	}
	return s.execute(ctx, operation, func(tx *gorm.DB) (Result, []events.Event, error) {
		node, err := s.loadNode(tx, operation, nodeID)
		if err != nil {
			return Result{}, nil, err
		}

		var before *localdb.NodeInteraction
		var previous localdb.NodeInteraction
		err = tx.Where("node_id = ? AND collaborator_id = ?", nodeID, s.userID).Take(&previous).Error
		switch {
		case err == nil:
			before = &previous
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return Result{}, nil, err
		}

		now := s.timestamp()
		if before != nil {
			if last := *kind.last(before); last != nil && s.debounce > 0 && now.Sub(*last) < s.debounce {
				return Result{Success: true, NodeID: nodeID}, nil, nil
			}
		}

		after := localdb.NodeInteraction{NodeID: nodeID, CollaboratorID: s.userID, RootID: node.RootID}
		if before != nil {
			after = *before
		}
		if *kind.first(&after) == nil {
			*kind.first(&after) = &now
		}
		*kind.last(&after) = &now

		if before == nil {
			err = tx.Create(&after).Error
		} else {
			err = tx.Model(&localdb.NodeInteraction{}).
				Where("node_id = ? AND collaborator_id = ?", nodeID, s.userID).
				Updates(map[string]any{
					"first_seen_at":   after.FirstSeenAt,
					"last_seen_at":    after.LastSeenAt,
					"first_opened_at": after.FirstOpenedAt,
					"last_opened_at":  after.LastOpenedAt,
				}).Error
		}
		if err != nil {
			return Result{}, nil, err
		}

		change, err := s.counters.InteractionChanged(tx, before, after)
		if err != nil {
			return Result{}, nil, err
		}
		mutation, err := s.outbox.Append(tx, kind.mutation, kind.payload(now))
		if err != nil {
			return Result{}, nil, err
		}
		published := append([]events.Event{events.NodeInteractionUpdated{Interaction: after}}, change.Events()...)
		return Result{Success: true, NodeID: nodeID, MutationID: mutation.ID}, published, nil
	})
}

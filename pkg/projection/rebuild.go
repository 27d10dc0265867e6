package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/store"
)

// Rebuild seeds the read model from the event store. It pages through the
// global log from the last checkpoint (or the beginning) and writes every
// aggregate of this handler's type that appears. It can run while the bus
// subscription is live: both paths replay full histories.
func (h *Handler[S]) Rebuild(ctx context.Context) (int, error) {
	from, err := h.resumePosition(ctx)
	if err != nil {
		return 0, err
	}
	h.opts.logger.InfoContext(ctx, "projection rebuild started",
		"projection", h.opts.name,
		"from_sequence", from,
	)

	written := 0
	for {
		page, err := h.store.LoadAllEvents(ctx, from, h.opts.batchSize)
		if err != nil {
			return written, fmt.Errorf("projection %s: load events after %d: %w", h.opts.name, from, err)
		}
		if len(page) == 0 {
			break
		}

		for _, id := range h.aggregatesIn(page) {
			state, last, err := store.Rebuild(ctx, h.store, h.codec, id, h.aggregateType)
			if err != nil {
				return written, fmt.Errorf("projection %s: rebuild %s: %w", h.opts.name, id, err)
			}
			if last == store.NoEvents {
				continue
			}
			if err := h.upsert(ctx, id, false, state); err != nil {
				return written, err
			}
			written++
		}

		from = page[len(page)-1].SequenceNumber
		if err := h.checkpoint(ctx, from); err != nil {
			return written, err
		}
		if len(page) < h.opts.batchSize {
			break
		}
	}

	h.opts.logger.InfoContext(ctx, "projection rebuild finished",
		"projection", h.opts.name,
		"aggregates", written,
		"sequence_number", from,
	)
	return written, nil
}

// Reset forgets the stored checkpoint so the next Rebuild starts from the
// beginning of the log.
func (h *Handler[S]) Reset(ctx context.Context) error {
	h.position.Store(0)
	if h.opts.checkpoints == nil {
		return nil
	}
	if err := h.opts.checkpoints.DeleteCheckpoint(ctx, h.opts.name); err != nil {
		return fmt.Errorf("projection %s: delete checkpoint: %w", h.opts.name, err)
	}
	return nil
}

func (h *Handler[S]) resumePosition(ctx context.Context) (int64, error) {
	if h.opts.checkpoints == nil {
		return 0, nil
	}
	cp, err := h.opts.checkpoints.LoadCheckpoint(ctx, h.opts.name)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("projection %s: load checkpoint: %w", h.opts.name, err)
	}
	h.advance(cp.Position)
	return cp.Position, nil
}

// aggregatesIn returns the distinct aggregates of this handler's type in
// page, in order of first appearance.
func (h *Handler[S]) aggregatesIn(page []store.Envelope) []domain.AggregateID {
	seen := make(map[domain.AggregateID]bool)
	var ids []domain.AggregateID
	for _, env := range page {
		if env.AggregateType != h.aggregateType || seen[env.AggregateID] {
			continue
		}
		seen[env.AggregateID] = true
		ids = append(ids, env.AggregateID)
	}
	return ids
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"labplane/internal/store"
)

// NOTIFY channels fed by the invocations_notify trigger.
const (
	invocationsChannel = "labplane_invocations"
	stopsChannel       = "labplane_stops"
)

// Listener reconnect bounds.
const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

// recentTTL is how long a relayed id suppresses a duplicate from a replay
// or a late notification.
const recentTTL = 10 * time.Minute

const invocationSelect = `SELECT i.id, i.server_id, i.user_id, i.kind, i.lab_id, i.lab_bundle, i.created_at FROM invocations i`

func (s *Store) CreateInvocation(ctx context.Context, inv *store.Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Kind == "" {
		inv.Kind = store.InvocationKindStart
	}
	bundle, err := encodeBundle(inv.Lab.Files)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO invocations (id, server_id, user_id, kind, lab_id, lab_bundle)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		inv.ID, inv.ServerID, inv.UserID, inv.Kind, inv.Lab.ID, bundle,
	).Scan(&inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invocation %s: %w", inv.ID, err)
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (*store.Invocation, error) {
	query := `SELECT id, server_id, user_id, kind, lab_id, lab_bundle, created_at FROM invocations WHERE id = $1`

	var inv store.Invocation
	var bundle []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&inv.ID, &inv.ServerID, &inv.UserID, &inv.Kind, &inv.Lab.ID, &bundle, &inv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if inv.Lab.Files, err = decodeBundle(bundle); err != nil {
		return nil, err
	}
	return &inv, nil
}

// RequestStop flips the invocation to a stop request. The trigger only
// notifies on an actual change, so repeated requests publish once.
func (s *Store) RequestStop(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE invocations SET kind = $2 WHERE id = $1`, id, store.InvocationKindStop)
	if err != nil {
		return fmt.Errorf("failed to request stop for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SubscribeInvocations(ctx context.Context, serverID string) (<-chan store.Invocation, error) {
	notes, err := s.listen(ctx, invocationsChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan store.Invocation)
	go s.relay(ctx, notes, out, func(inv *store.Invocation) bool {
		return inv.ServerID == serverID && inv.Kind == store.InvocationKindStart
	}, func(ctx context.Context) ([]store.Invocation, error) {
		return s.pendingStarts(ctx, serverID)
	})
	return out, nil
}

func (s *Store) SubscribeStops(ctx context.Context) (<-chan store.Invocation, error) {
	notes, err := s.listen(ctx, stopsChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan store.Invocation)
	go s.relay(ctx, notes, out, func(inv *store.Invocation) bool {
		return inv.Kind == store.InvocationKindStop
	}, s.pendingStops)
	return out, nil
}

// pendingStarts returns the start invocations for serverID that no worker
// has handled: nothing was recorded for them, oldest first.
func (s *Store) pendingStarts(ctx context.Context, serverID string) ([]store.Invocation, error) {
	query := invocationSelect + `
		WHERE i.server_id = $1 AND i.kind = $2
		  AND NOT EXISTS (SELECT 1 FROM executions e WHERE e.id = i.id)
		  AND NOT EXISTS (SELECT 1 FROM execution_messages m WHERE m.execution_id = i.id)
		ORDER BY i.created_at, i.id
	`
	return s.queryInvocations(ctx, query, serverID, store.InvocationKindStart)
}

// pendingStops returns the stop requests of executions still running.
func (s *Store) pendingStops(ctx context.Context) ([]store.Invocation, error) {
	query := invocationSelect + `
		JOIN executions e ON e.id = i.id
		WHERE i.kind = $1 AND e.status = $2
		ORDER BY i.created_at, i.id
	`
	return s.queryInvocations(ctx, query, store.InvocationKindStop, store.ExecutionStatusExecuting)
}

func (s *Store) queryInvocations(ctx context.Context, query string, args ...any) ([]store.Invocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending invocations: %w", err)
	}
	defer rows.Close()

	var invs []store.Invocation
	for rows.Next() {
		var inv store.Invocation
		var bundle []byte
		if err := rows.Scan(&inv.ID, &inv.ServerID, &inv.UserID, &inv.Kind, &inv.Lab.ID, &bundle, &inv.CreatedAt); err != nil {
			return nil, err
		}
		if inv.Lab.Files, err = decodeBundle(bundle); err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// listen opens a dedicated LISTEN connection that is closed with ctx.
func (s *Store) listen(ctx context.Context, channel string) (<-chan *pq.Notification, error) {
	listener := pq.NewListener(s.url, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("postgres listener on %s: %v", channel, err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	return listener.Notify, nil
}

// relay replays pending invocations, then loads the invocation named by each
// notification and forwards the ones keep accepts. The replay runs again
// after every reconnect, since notifications sent in the gap are lost.
func (s *Store) relay(ctx context.Context, notes <-chan *pq.Notification, out chan<- store.Invocation, keep func(*store.Invocation) bool, pending func(context.Context) ([]store.Invocation, error)) {
	defer close(out)
	recent := newRecentIDs(recentTTL)

	send := func(inv store.Invocation) bool {
		recent.add(inv.ID)
		select {
		case out <- inv:
			return true
		case <-ctx.Done():
			return false
		}
	}
	replay := func() bool {
		if pending == nil {
			return true
		}
		invs, err := pending(ctx)
		if err != nil {
			log.Printf("Failed to replay pending invocations: %v", err)
			return true
		}
		for _, inv := range invs {
			if recent.has(inv.ID) {
				continue
			}
			if !send(inv) {
				return false
			}
		}
		return true
	}

	if !replay() {
		return
	}
	for {
		var note *pq.Notification
		var ok bool
		select {
		case <-ctx.Done():
			return
		case note, ok = <-notes:
			if !ok {
				return
			}
		}
		if note == nil {
			log.Printf("postgres listener reconnected, replaying pending invocations")
			if !replay() {
				return
			}
			continue
		}
		if recent.has(note.Extra) {
			continue
		}

		inv, err := s.GetInvocation(ctx, note.Extra)
		if err != nil {
			log.Printf("Failed to load invocation %s from %s: %v", note.Extra, note.Channel, err)
			continue
		}
		if !keep(inv) {
			continue
		}
		if !send(*inv) {
			return
		}
	}
}

// recentIDs remembers relayed invocation ids for a while.
type recentIDs struct {
	ttl   time.Duration
	now   func() time.Time
	seen  map[string]time.Time
	limit int
}

func newRecentIDs(ttl time.Duration) *recentIDs {
	return &recentIDs{ttl: ttl, now: time.Now, seen: make(map[string]time.Time), limit: 1024}
}

func (r *recentIDs) has(id string) bool {
	at, ok := r.seen[id]
	return ok && r.now().Sub(at) < r.ttl
}

func (r *recentIDs) add(id string) {
	now := r.now()
	if len(r.seen) >= r.limit {
		for k, at := range r.seen {
			if now.Sub(at) >= r.ttl {
				delete(r.seen, k)
			}
		}
		if len(r.seen) >= r.limit/2 {
			r.limit *= 2
		}
	}
	r.seen[id] = now
}

// Package memory implements store.Store in process memory.
// It backs the tests and the single-process dev mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"labplane/internal/store"
)

// Store is an in-memory store.Store. It is safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	invocations map[string]store.Invocation
	executions  map[string]store.Execution
	messages    map[string]*messageLog
	byHash      map[string]string
	labsByHash  map[string]map[string]struct{}
	labs        map[string]store.LabRecord

	nextSub  int
	invSubs  map[int]*subscriber
	stopSubs map[int]*subscriber
}

var _ store.Store = (*Store)(nil)

// New creates an empty store using the wall clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty store whose timestamps come from now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:         now,
		invocations: make(map[string]store.Invocation),
		executions:  make(map[string]store.Execution),
		messages:    make(map[string]*messageLog),
		byHash:      make(map[string]string),
		labsByHash:  make(map[string]map[string]struct{}),
		labs:        make(map[string]store.LabRecord),
		invSubs:     make(map[int]*subscriber),
		stopSubs:    make(map[int]*subscriber),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// --- invocations ---

func (s *Store) CreateInvocation(ctx context.Context, inv *store.Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Kind == "" {
		inv.Kind = store.InvocationKindStart
	}

	s.mu.Lock()
	if _, ok := s.invocations[inv.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("invocation %s already exists", inv.ID)
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now().UTC()
	}
	s.invocations[inv.ID] = *inv
	var subs []*subscriber
	if inv.Kind == store.InvocationKindStart {
		for _, sub := range s.invSubs {
			if sub.serverID == inv.ServerID {
				subs = append(subs, sub)
			}
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(*inv)
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (*store.Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) RequestStop(ctx context.Context, id string) error {
	s.mu.Lock()
	inv, ok := s.invocations[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if inv.Kind == store.InvocationKindStop {
		s.mu.Unlock()
		return nil
	}
	inv.Kind = store.InvocationKindStop
	s.invocations[id] = inv
	subs := make([]*subscriber, 0, len(s.stopSubs))
	for _, sub := range s.stopSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(inv)
	}
	return nil
}

func (s *Store) SubscribeInvocations(ctx context.Context, serverID string) (<-chan store.Invocation, error) {
	return s.subscribe(ctx, s.invSubs, serverID), nil
}

func (s *Store) SubscribeStops(ctx context.Context) (<-chan store.Invocation, error) {
	return s.subscribe(ctx, s.stopSubs, ""), nil
}

// subscribe registers a subscriber seeded with the invocations it would have
// missed: unhandled starts for serverID, or stops of executions still running.
func (s *Store) subscribe(ctx context.Context, subs map[int]*subscriber, serverID string) <-chan store.Invocation {
	sub := &subscriber{serverID: serverID, notify: make(chan struct{}, 1)}

	s.mu.Lock()
	if serverID != "" {
		sub.queue = s.pendingStartsLocked(serverID)
	} else {
		sub.queue = s.pendingStopsLocked()
	}
	if len(sub.queue) > 0 {
		sub.notify <- struct{}{}
	}
	id := s.nextSub
	s.nextSub++
	subs[id] = sub
	s.mu.Unlock()

	out := make(chan store.Invocation)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(subs, id)
			s.mu.Unlock()
		}()
		sub.run(ctx, out)
	}()
	return out
}

// pendingStartsLocked returns the start invocations for serverID that no
// worker has handled yet, oldest first.
func (s *Store) pendingStartsLocked(serverID string) []store.Invocation {
	var out []store.Invocation
	for id, inv := range s.invocations {
		if inv.ServerID != serverID || inv.Kind != store.InvocationKindStart {
			continue
		}
		if _, ok := s.executions[id]; ok {
			continue
		}
		if l := s.messages[id]; l != nil && len(l.entries) > 0 {
			continue
		}
		out = append(out, inv)
	}
	sortByCreation(out)
	return out
}

// pendingStopsLocked returns the stop requests of executions still running.
func (s *Store) pendingStopsLocked() []store.Invocation {
	var out []store.Invocation
	for id, inv := range s.invocations {
		if inv.Kind != store.InvocationKindStop {
			continue
		}
		if exec, ok := s.executions[id]; ok && exec.Status == store.ExecutionStatusExecuting {
			out = append(out, inv)
		}
	}
	sortByCreation(out)
	return out
}

func sortByCreation(invs []store.Invocation) {
	sort.Slice(invs, func(i, j int) bool {
		if !invs[i].CreatedAt.Equal(invs[j].CreatedAt) {
			return invs[i].CreatedAt.Before(invs[j].CreatedAt)
		}
		return invs[i].ID < invs[j].ID
	})
}

// subscriber buffers published invocations so publishers never block on a slow reader.
type subscriber struct {
	serverID string

	mu     sync.Mutex
	queue  []store.Invocation
	notify chan struct{}
}

func (sub *subscriber) push(inv store.Invocation) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, inv)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run(ctx context.Context, out chan<- store.Invocation) {
	defer close(out)
	for {
		sub.mu.Lock()
		pending := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, inv := range pending {
			select {
			case out <- inv:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-sub.notify:
		case <-ctx.Done():
			return
		}
	}
}

// --- result index ---

func (s *Store) GetExecutionByFingerprint(ctx context.Context, fingerprint string) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[fingerprint]
	if !ok {
		return nil, store.ErrNotFound
	}
	exec, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &exec, nil
}

func (s *Store) PutFingerprint(ctx context.Context, fingerprint, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[fingerprint] = executionID
	return nil
}

func (s *Store) LabsForFingerprint(ctx context.Context, fingerprint string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.labsByHash[fingerprint]))
	for id := range s.labsByHash[fingerprint] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) AssociateLab(ctx context.Context, fingerprint, labID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.labsByHash[fingerprint]
	if !ok {
		set = make(map[string]struct{})
		s.labsByHash[fingerprint] = set
	}
	set[labID] = struct{}{}
	if _, ok := s.labs[labID]; !ok {
		s.labs[labID] = store.LabRecord{ID: labID}
	}
	return nil
}

func (s *Store) MarkLabsCachedRun(ctx context.Context, labIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range labIDs {
		s.labs[id] = store.LabRecord{ID: id, HasCachedRun: true}
	}
	return nil
}

func (s *Store) GetLab(ctx context.Context, labID string) (*store.LabRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lab, ok := s.labs[labID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &lab, nil
}

// --- execution ledger ---

func (s *Store) CreateExecution(ctx context.Context, execution *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.ID]; ok {
		return fmt.Errorf("execution %s already exists", execution.ID)
	}
	if execution.Status == "" {
		execution.Status = store.ExecutionStatusExecuting
	}
	execution.StartedAt = s.now().UTC()
	execution.FinishedAt = nil
	s.executions[execution.ID] = *execution
	return nil
}

func (s *Store) CompleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if exec.Status == store.ExecutionStatusFinished {
		return nil
	}
	now := s.now().UTC()
	exec.Status = store.ExecutionStatusFinished
	exec.FinishedAt = &now
	s.executions[executionID] = exec
	return nil
}

func (s *Store) GetExecutionByID(ctx context.Context, id string) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &exec, nil
}

// messageLog is the seq-ordered log of one execution with its unique keys.
type messageLog struct {
	entries []store.ExecutionMessage
	ids     map[string]struct{}
	seqs    map[int64]struct{}
}

func (s *Store) AddMessage(ctx context.Context, msg *store.ExecutionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.messages[msg.ExecutionID]
	if !ok {
		l = &messageLog{ids: make(map[string]struct{}), seqs: make(map[int64]struct{})}
		s.messages[msg.ExecutionID] = l
	}
	_, dupID := l.ids[msg.ID]
	_, dupSeq := l.seqs[msg.Seq]
	if dupID || dupSeq {
		return fmt.Errorf("message %s (seq %d) already recorded for execution %s", msg.ID, msg.Seq, msg.ExecutionID)
	}
	msg.Timestamp = s.now().UTC()
	l.ids[msg.ID] = struct{}{}
	l.seqs[msg.Seq] = struct{}{}
	l.entries = append(l.entries, *msg)
	if n := len(l.entries); n > 1 && l.entries[n-2].Seq > msg.Seq {
		sort.SliceStable(l.entries, func(i, j int) bool { return l.entries[i].Seq < l.entries[j].Seq })
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, executionID string, afterSeq int64, limit int) ([]store.ExecutionMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.messages[executionID]
	if !ok {
		return nil, nil
	}
	var out []store.ExecutionMessage
	for _, m := range l.entries {
		if m.Seq <= afterSeq {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

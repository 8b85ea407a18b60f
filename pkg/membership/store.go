package membership

import (
	"sort"
	"sync"

	"sdfs/pkg/metrics"
	"sdfs/pkg/types"

	"go.uber.org/zap"
)

// Store is the node's view of the group: a deduplicated, sorted list of
// member ids that always contains self. All access goes through one mutex.
type Store struct {
	self    types.NodeID
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	members     []types.NodeID
	epoch       uint64
	subscribers []chan struct{}
}

// New returns a store seeded with self only.
func New(self types.NodeID, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	s := &Store{
		self:    self,
		logger:  logger.With(zap.String("component", "membership")),
		metrics: m,
		members: []types.NodeID{self},
	}
	m.Members.Set(1)
	return s
}

func (s *Store) Self() types.NodeID { return s.self }

// Add inserts id. It reports whether the list changed.
func (s *Store) Add(id types.NodeID) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	if _, ok := s.indexLocked(id); ok {
		s.mu.Unlock()
		return false
	}
	next := append(append([]types.NodeID(nil), s.members...), id)
	s.commitLocked(types.Canonical(next), "add")
	s.mu.Unlock()
	return true
}

// Remove deletes id. Removing a non-member or self is a no-op that returns false.
func (s *Store) Remove(id types.NodeID) bool {
	if id == s.self {
		s.logger.Warn("Refusing to remove self from membership", zap.String("node", string(id)))
		return false
	}
	s.mu.Lock()
	idx, ok := s.indexLocked(id)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("Remove of non-member ignored", zap.String("node", string(id)))
		return false
	}
	next := make([]types.NodeID, 0, len(s.members)-1)
	next = append(next, s.members[:idx]...)
	next = append(next, s.members[idx+1:]...)
	s.commitLocked(next, "remove")
	s.mu.Unlock()
	return true
}

// ReplaceAll installs ids as the whole list, with self re-inserted. It
// reports whether the list changed.
func (s *Store) ReplaceAll(ids []types.NodeID) bool {
	next := types.Canonical(append(append([]types.NodeID(nil), ids...), s.self))
	s.mu.Lock()
	defer s.mu.Unlock()
	if equal(next, s.members) {
		return false
	}
	s.commitLocked(next, "replace")
	return true
}

// Snapshot returns a copy of the current sorted list.
func (s *Store) Snapshot() []types.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.NodeID(nil), s.members...)
}

// View returns the snapshot together with the epoch it belongs to.
func (s *Store) View() ([]types.NodeID, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.NodeID(nil), s.members...), s.epoch
}

// RankOf returns the index of id in the sorted list.
func (s *Store) RankOf(id types.NodeID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexLocked(id)
}

func (s *Store) Contains(id types.NodeID) bool {
	_, ok := s.RankOf(id)
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Epoch counts effective changes since the store was created.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Coordinator returns the rank-0 member.
func (s *Store) Coordinator() types.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[0]
}

// IsCoordinator reports whether self is rank 0.
func (s *Store) IsCoordinator() bool {
	return s.Coordinator() == s.self
}

// Subscribe returns a channel that receives after every effective change.
// Notifications coalesce: a slow reader sees one pending signal.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) indexLocked(id types.NodeID) (int, bool) {
	i := sort.Search(len(s.members), func(i int) bool { return s.members[i] >= id })
	if i < len(s.members) && s.members[i] == id {
		return i, true
	}
	return 0, false
}

func (s *Store) commitLocked(next []types.NodeID, kind string) {
	s.members = next
	s.epoch++

	s.metrics.Members.Set(float64(len(next)))
	s.metrics.MembershipEpoch.Set(float64(s.epoch))
	s.metrics.MembershipEvents.WithLabelValues(kind).Inc()

	s.logger.Info("New member list",
		zap.String("change", kind),
		zap.Uint64("epoch", s.epoch),
		zap.Int("size", len(next)),
		zap.String("members", types.JoinIDs(next)))

	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func equal(a, b []types.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"sdfs/pkg/membership"
	"sdfs/pkg/placement"
	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type roleKey struct {
	id   types.NodeID
	role transport.Role
}

type mapResolver struct {
	mu    sync.RWMutex
	addrs map[roleKey]string
}

func (m *mapResolver) set(id types.NodeID, role transport.Role, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs[roleKey{id, role}] = addr
}

func (m *mapResolver) Resolve(id types.NodeID, role transport.Role) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.addrs[roleKey{id, role}]
	if !ok {
		return "", fmt.Errorf("no %s endpoint for %s", role, id)
	}
	return addr, nil
}

type peer struct {
	id          types.NodeID
	members     *membership.Store
	files       *storage.Store
	coordinator *Coordinator
	replicator  *Replicator
}

type cluster struct {
	peers    []*peer
	resolver *mapResolver
}

func newCluster(t *testing.T, n int, cfg Config) *cluster {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	resolver := &mapResolver{addrs: make(map[roleKey]string)}
	ids := make([]types.NodeID, n)
	for i := range ids {
		ids[i] = types.NodeID(fmt.Sprintf("127.0.0.1:%d", 10000+i*10))
	}

	c := &cluster{resolver: resolver}
	for _, id := range ids {
		logger := zaptest.NewLogger(t)
		members := membership.New(id, logger, nil)
		members.ReplaceAll(ids)

		files, err := storage.New(afero.NewMemMapFs(), 1<<20, logger)
		require.NoError(t, err)

		p := &peer{
			id:          id,
			members:     members,
			files:       files,
			coordinator: NewCoordinator(members, files, resolver, cfg, logger, nil),
			replicator:  NewReplicator(members, files, resolver, cfg, logger, nil),
		}

		signalLn, err := transport.Listen("127.0.0.1:0")
		require.NoError(t, err)
		pushLn, err := transport.Listen("127.0.0.1:0")
		require.NoError(t, err)
		resolver.set(id, transport.RoleSignal, signalLn.Addr().String())
		resolver.set(id, transport.RolePush, pushLn.Addr().String())

		go p.coordinator.SignalServer().Serve(ctx, signalLn)
		go p.replicator.PushServer().Serve(ctx, pushLn)
		c.peers = append(c.peers, p)
	}
	return c
}

func (c *cluster) peer(id types.NodeID) *peer {
	for _, p := range c.peers {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (c *cluster) holders(filename string) []types.NodeID {
	var out []types.NodeID
	for _, p := range c.peers {
		if p.files.Has(filename) {
			out = append(out, p.id)
		}
	}
	return types.Canonical(out)
}

func commitLocal(t *testing.T, s *storage.Store, name, content string) {
	p, err := s.Hold(strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	_, err = s.Commit(p, name)
	require.NoError(t, err)
}

// storedVersions returns the contents of the n most recent versions of name.
func storedVersions(t *testing.T, s *storage.Store, name string, n int) [][]byte {
	set, err := s.OpenVersions(name, n)
	require.NoError(t, err)
	defer set.Close()
	var buf bytes.Buffer
	_, err = set.WriteTo(&buf)
	require.NoError(t, err)
	return decodeHistory(t, &buf)
}

func decodeHistory(t *testing.T, r io.Reader) [][]byte {
	var out [][]byte
	_, err := storage.ReadHistory(r, 0, func(size int64, body io.Reader) error {
		data := make([]byte, size)
		if _, err := io.ReadFull(body, data); err != nil {
			return err
		}
		out = append(out, data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestMailboxBuffersAndOrders(t *testing.T) {
	m := newMailbox(time.Minute, time.Minute)
	m.Deliver("a", true, true)
	m.Deliver("a", false, true)

	keep, err := m.Wait(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.True(t, keep)
	keep, err = m.Wait(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.False(t, keep)
	assert.Equal(t, 0, m.pending())
}

func TestMailboxDeliversToWaiter(t *testing.T) {
	m := newMailbox(time.Minute, time.Minute)
	done := make(chan bool, 1)
	go func() {
		keep, err := m.Wait(context.Background(), "a", time.Second)
		if err == nil {
			done <- keep
		}
	}()
	time.Sleep(20 * time.Millisecond)
	m.Deliver("a", true, true)

	select {
	case keep := <-done:
		assert.True(t, keep)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the signal")
	}
	assert.Equal(t, 0, m.pending())
}

func TestMailboxTimeoutAndExpiry(t *testing.T) {
	m := newMailbox(time.Minute, time.Minute)
	_, err := m.Wait(context.Background(), "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSignalTimeout)

	now := time.Now()
	m.now = func() time.Time { return now }
	m.Deliver("b", true, true)
	now = now.Add(2 * time.Minute)
	_, err = m.Wait(context.Background(), "b", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSignalTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Wait(ctx, "c", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailboxOrphanSignalExpiresEarly(t *testing.T) {
	m := newMailbox(time.Minute, time.Second)
	now := time.Now()
	m.now = func() time.Time { return now }

	// a late signal for a put this node never saw
	m.Deliver("doc.txt", false, false)
	// a signal for a put that is still receiving its body
	m.Deliver("other.txt", true, true)
	assert.Equal(t, 2, m.pending())

	now = now.Add(2 * time.Second)
	_, err := m.Wait(context.Background(), "doc.txt", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrSignalTimeout)

	keep, err := m.Wait(context.Background(), "other.txt", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, 0, m.pending())
}

func TestStaleSignalNotTakenByLaterPut(t *testing.T) {
	c := newCluster(t, 2, Config{ReplicationFactor: 2, SignalTimeout: 10 * time.Second})
	follower := c.peers[1]
	require.False(t, follower.members.IsCoordinator())

	m := follower.coordinator.mailbox
	m.mu.Lock()
	m.orphanTTL = 50 * time.Millisecond
	m.mu.Unlock()

	// no put of late.txt is in flight, so the signal is an orphan
	require.NoError(t, sendSignal(context.Background(), c.resolver, follower.id, "late.txt", false, time.Second))
	assert.Equal(t, 1, m.pending())
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := follower.coordinator.Put(ctx, "late.txt", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, follower.files.Has("late.txt"))
	assert.Equal(t, 0, m.pending())
}

func TestPutKeepsExactlyOwners(t *testing.T) {
	c := newCluster(t, 5, Config{ReplicationFactor: 2, SignalTimeout: 2 * time.Second})
	body := "payload"

	var wg sync.WaitGroup
	results := make(map[types.NodeID]PutResult)
	var mu sync.Mutex
	for _, p := range c.peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			res, err := p.coordinator.Put(context.Background(), "doc.txt", strings.NewReader(body), int64(len(body)))
			assert.NoError(t, err)
			mu.Lock()
			results[p.id] = res
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	snapshot := c.peers[0].members.Snapshot()
	owners := types.Canonical(placement.OwnerIDs("doc.txt", snapshot, 2))
	assert.Equal(t, owners, c.holders("doc.txt"))
	for _, o := range owners {
		assert.True(t, results[o].Kept)
		assert.Equal(t, 1, results[o].Version)
	}

	rc, size, err := c.peer(owners[0]).coordinator.Get("doc.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	assert.Equal(t, int64(len(body)), size)
}

func TestPutWithoutSignalTimesOut(t *testing.T) {
	c := newCluster(t, 3, Config{ReplicationFactor: 2, SignalTimeout: 100 * time.Millisecond})
	follower := c.peers[2]
	require.False(t, follower.members.IsCoordinator())

	_, err := follower.coordinator.Put(context.Background(), "lonely.txt", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrSignalTimeout)
	assert.False(t, follower.files.Has("lonely.txt"))
}

func TestPutSingleNodeKeeps(t *testing.T) {
	c := newCluster(t, 1, Config{ReplicationFactor: 4})
	res, err := c.peers[0].coordinator.Put(context.Background(), "solo.txt", strings.NewReader("abc"), 3)
	require.NoError(t, err)
	assert.True(t, res.Kept)

	res, err = c.peers[0].coordinator.Put(context.Background(), "solo.txt", strings.NewReader("def"), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)

	set, err := c.peers[0].coordinator.GetVersions("solo.txt", 2)
	require.NoError(t, err)
	defer set.Close()
	var buf bytes.Buffer
	_, err = set.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("abc"), []byte("def")}, decodeHistory(t, &buf))
}

func TestRereplicateAndCleanup(t *testing.T) {
	c := newCluster(t, 5, Config{ReplicationFactor: 2})
	snapshot := c.peers[0].members.Snapshot()
	owners := placement.OwnerIDs("data.bin", snapshot, 2)

	var stray *peer
	for _, p := range c.peers {
		if p.id != owners[0] && p.id != owners[1] {
			stray = p
			break
		}
	}
	require.NotNil(t, stray)
	commitLocal(t, stray.files, "data.bin", "v1")
	commitLocal(t, stray.files, "data.bin", "v2")

	// not confirmed yet, so cleanup keeps the only copy
	assert.Empty(t, stray.replicator.Cleanup())
	assert.True(t, stray.files.Has("data.bin"))

	assert.Equal(t, 2, stray.replicator.Rereplicate(context.Background()))
	for _, o := range owners {
		assert.Equal(t, [][]byte{[]byte("v1"), []byte("v2")}, storedVersions(t, c.peer(o).files, "data.bin", 2))
	}

	// holders are cached for this epoch
	assert.Equal(t, 0, stray.replicator.Rereplicate(context.Background()))

	assert.Equal(t, []string{"data.bin"}, stray.replicator.Cleanup())
	assert.Equal(t, types.Canonical(owners), c.holders("data.bin"))
}

func TestRereplicateDeclinedWhenOwnerHasFile(t *testing.T) {
	c := newCluster(t, 3, Config{ReplicationFactor: 3})
	src := c.peers[0]
	for _, p := range c.peers {
		commitLocal(t, p.files, "shared.txt", "same-"+string(p.id))
	}

	assert.Equal(t, 0, src.replicator.Rereplicate(context.Background()))
	// the receivers kept their own history
	got := storedVersions(t, c.peers[1].files, "shared.txt", 1)
	assert.Equal(t, "same-"+string(c.peers[1].id), string(got[0]))
}

func TestRereplicateDoesNotRaceInFlightPut(t *testing.T) {
	c := newCluster(t, 3, Config{ReplicationFactor: 3, SignalTimeout: 2 * time.Second})
	var coord, fast, slow *peer
	for _, p := range c.peers {
		switch {
		case p.members.IsCoordinator():
			coord = p
		case fast == nil:
			fast = p
		default:
			slow = p
		}
	}
	require.NotNil(t, coord)
	require.NotNil(t, slow)

	body := "body"
	pr, pw := io.Pipe()
	type outcome struct {
		res PutResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := slow.coordinator.Put(context.Background(), "race.txt", pr, int64(len(body)))
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return slow.files.Receiving("race.txt") }, time.Second, 5*time.Millisecond)

	for _, p := range []*peer{coord, fast} {
		res, err := p.coordinator.Put(context.Background(), "race.txt", strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		require.Equal(t, PutResult{Kept: true, Version: 1}, res)
	}

	// the slow owner is still receiving, so it must not take a replica
	assert.Equal(t, 0, fast.replicator.Rereplicate(context.Background()))
	_, epoch := fast.members.View()
	assert.False(t, fast.replicator.known(epoch, "race.txt", slow.id))
	assert.True(t, fast.replicator.known(epoch, "race.txt", coord.id))

	_, err := pw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, PutResult{Kept: true, Version: 1}, out.res)
	case <-time.After(3 * time.Second):
		t.Fatal("slow put never finished")
	}
	count, err := slow.files.VersionCount("race.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, slow.files.Receiving("race.txt"))

	// once the put has landed the offer is declined as already held
	assert.Equal(t, 0, fast.replicator.Rereplicate(context.Background()))
	assert.True(t, fast.replicator.known(epoch, "race.txt", slow.id))
}

func TestRereplicateAfterMembershipChange(t *testing.T) {
	c := newCluster(t, 4, Config{ReplicationFactor: 2})
	src := c.peers[0]
	commitLocal(t, src.files, "moving.txt", "content")
	src.replicator.Rereplicate(context.Background())

	// drop one owner from the source's view; the cache resets with the epoch
	snapshot := src.members.Snapshot()
	owners := placement.OwnerIDs("moving.txt", snapshot, 2)
	var victim types.NodeID
	for _, o := range owners {
		if o != src.id {
			victim = o
			break
		}
	}
	require.NotEmpty(t, victim)
	src.members.Remove(victim)
	c.peer(victim).files.Delete("moving.txt")

	src.replicator.Rereplicate(context.Background())
	newOwners := placement.OwnerIDs("moving.txt", src.members.Snapshot(), 2)
	for _, o := range newOwners {
		assert.True(t, c.peer(o).files.Has("moving.txt"), "owner %s missing replica", o)
	}
}

func TestReplicatorRunStops(t *testing.T) {
	c := newCluster(t, 1, Config{ReplicationFactor: 1, RereplicateInterval: 10 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.peers[0].replicator.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("replicator did not stop")
	}
}

package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/weave/store"
)

// fakeLeases is a scriptable LeaseStore.
type fakeLeases struct {
	mu       sync.Mutex
	owner    map[string]string
	renewErr error
	renewals int
	released int
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{owner: make(map[string]string)}
}

func (f *fakeLeases) AcquireLease(_ context.Context, instanceID, owner string, _ time.Duration) (*store.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.owner[instanceID]; ok && cur != owner {
		return nil, nil
	}
	f.owner[instanceID] = owner
	return &store.Lease{InstanceID: instanceID, Owner: owner}, nil
}

func (f *fakeLeases) RenewLease(_ context.Context, instanceID, owner string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	if f.renewErr != nil {
		return false, f.renewErr
	}
	return f.owner[instanceID] == owner, nil
}

func (f *fakeLeases) ReleaseLease(_ context.Context, instanceID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner[instanceID] == owner {
		delete(f.owner, instanceID)
		f.released++
	}
	return nil
}

func (f *fakeLeases) setOwner(instanceID, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner[instanceID] = owner
}

func TestAcquireSkipsHeldInstance(t *testing.T) {
	leases := newFakeLeases()
	leases.setOwner("i-1", "other-engine")
	m := NewManager("engine-a", leases)

	g, err := m.Acquire(context.Background(), "i-1")
	require.NoError(t, err)
	require.Nil(t, g, "held instance is skipped, not an error")
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	leases := newFakeLeases()
	m := NewManager("engine-a", leases, WithHeartbeatInterval(5*time.Millisecond))

	g, err := m.Acquire(context.Background(), "i-1")
	require.NoError(t, err)
	require.NotNil(t, g)

	require.Eventually(t, func() bool {
		leases.mu.Lock()
		defer leases.mu.Unlock()
		return leases.renewals >= 2
	}, time.Second, time.Millisecond)

	select {
	case <-g.Lost():
		t.Fatal("lease must not be lost while renewals succeed")
	default:
	}
	require.NoError(t, m.Release(context.Background(), g))
	require.Equal(t, 1, leases.released)
}

func TestLostChannelClosesWhenOwnershipChanges(t *testing.T) {
	leases := newFakeLeases()
	m := NewManager("engine-a", leases, WithHeartbeatInterval(5*time.Millisecond))

	g, err := m.Acquire(context.Background(), "i-1")
	require.NoError(t, err)
	require.NotNil(t, g)

	leases.setOwner("i-1", "engine-b")
	select {
	case <-g.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost channel did not close after takeover")
	}

	// Release after loss is a no-op and must not drop engine-b's lease.
	require.NoError(t, m.Release(context.Background(), g))
	leases.mu.Lock()
	defer leases.mu.Unlock()
	require.Equal(t, "engine-b", leases.owner["i-1"])
}

func TestLostChannelClosesOnRenewError(t *testing.T) {
	leases := newFakeLeases()
	m := NewManager("engine-a", leases, WithHeartbeatInterval(5*time.Millisecond))

	g, err := m.Acquire(context.Background(), "i-1")
	require.NoError(t, err)
	require.NotNil(t, g)

	leases.mu.Lock()
	leases.renewErr = errors.New("store unavailable")
	leases.mu.Unlock()

	select {
	case <-g.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost channel did not close on renewal error")
	}
}

package client

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entsync/entsync/pkg/ecs"
	"github.com/entsync/entsync/pkg/logger"
	"github.com/entsync/entsync/pkg/network"
	syncpkg "github.com/entsync/entsync/pkg/sync"
	"github.com/entsync/entsync/pkg/transport"
	"github.com/entsync/entsync/pkg/transport/mem"
)

type Position struct {
	X float32
	Y float32
}

type ListPrograms struct{}

type ProgramList struct {
	Revision uint64
	Programs []string
}

type AddProgram struct {
	Name string
}

type AddProgramResult struct {
	OK bool
}

func testLogger() *logger.Logger {
	l := logger.New("client-test", "0.0.0")
	l.DisableConsoleOutput()
	return l
}

type fixture struct {
	engine   *syncpkg.Engine
	provider *mem.Provider
	addr     string
	stop     func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := mem.New()
	log := testLogger()
	net := network.New(provider, transport.DefaultSettings(), log)
	world := ecs.NewWorld()
	engine := syncpkg.NewEngine(world, net, syncpkg.SyncSettings{EnableMessageConflation: false}, log)

	const addr = "client-test"
	require.NoError(t, net.Listen(context.Background(), addr))
	t.Cleanup(net.Stop)

	return &fixture{engine: engine, provider: provider, addr: addr}
}

// startTicking drives the engine loop on a background goroutine. World
// access from the test must stop the loop first.
func (f *fixture) startTicking(t *testing.T) {
	t.Helper()
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stopped:
				return
			default:
				f.engine.Tick(time.Now())
				time.Sleep(time.Millisecond)
			}
		}
	}()
	f.stop = func() {
		select {
		case <-stopped:
		default:
			close(stopped)
			<-done
		}
	}
	t.Cleanup(f.stop)
}

func (f *fixture) connect(t *testing.T) *Client {
	t.Helper()
	c, err := Connect(context.Background(), f.provider, f.addr, transport.DefaultSettings(), testLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestWelcomeAssignsConnectionID(t *testing.T) {
	f := newFixture(t)
	f.startTicking(t)

	c := f.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := c.WaitForWelcome(ctx)
	require.NoError(t, err)
	assert.False(t, id.IsServer())
}

func TestSubscribeMirrorsComponents(t *testing.T) {
	f := newFixture(t)
	syncpkg.RegisterComponent[Position](f.engine)

	entity := f.engine.World().Spawn()
	require.NoError(t, f.engine.World().Insert(entity, "Position", Position{X: 1, Y: 2}))
	f.engine.Tick(time.Now())

	f.startTicking(t)
	c := f.connect(t)

	_, err := c.Subscribe("Position", nil)
	require.NoError(t, err)

	waitUntil(t, func() bool {
		_, ok := Component[Position](c, entity)
		return ok
	}, "snapshot in cache")

	got, ok := Component[Position](c, entity)
	require.True(t, ok)
	assert.Equal(t, Position{X: 1, Y: 2}, got)
}

func TestMutateRoundTrip(t *testing.T) {
	f := newFixture(t)
	syncpkg.RegisterComponent[Position](f.engine)
	entity := f.engine.World().Spawn()
	f.startTicking(t)

	c := f.connect(t)
	_, err := c.Subscribe("Position", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := Mutate(ctx, c, entity, Position{X: 7, Y: 8})
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StatusOk, resp.Status)

	// The write comes back as an update and lands in the cache.
	waitUntil(t, func() bool {
		got, ok := Component[Position](c, entity)
		return ok && got == Position{X: 7, Y: 8}
	}, "update in cache")
}

func TestMutateForbiddenSurfacesStatus(t *testing.T) {
	f := newFixture(t)
	syncpkg.RegisterComponent[Position](f.engine)
	f.engine.SetMutationAuthorizer(syncpkg.ServerOnlyMutations())
	entity := f.engine.World().Spawn()
	f.startTicking(t)

	c := f.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := Mutate(ctx, c, entity, Position{X: 9, Y: 9})
	require.NoError(t, err)
	assert.Equal(t, syncpkg.StatusForbidden, resp.Status)
}

func TestRequestResponse(t *testing.T) {
	f := newFixture(t)
	syncpkg.HandleRequests(f.engine, func(_ network.ConnectionID, _ ListPrograms) ProgramList {
		return ProgramList{Revision: 1, Programs: []string{"pick", "place"}}
	})
	f.startTicking(t)

	c := f.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	list, err := Request[ListPrograms, ProgramList](ctx, c, ListPrograms{})
	require.NoError(t, err)
	assert.Equal(t, []string{"pick", "place"}, list.Programs)
}

func TestQueryCachesUntilInvalidated(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Uint64
	syncpkg.HandleRequests(f.engine, func(_ network.ConnectionID, _ ListPrograms) ProgramList {
		return ProgramList{Revision: calls.Add(1)}
	})
	syncpkg.HandleInvalidatingRequests(f.engine, func(_ network.ConnectionID, _ AddProgram) AddProgramResult {
		return AddProgramResult{OK: true}
	}, "programs")
	f.startTicking(t)

	c := f.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := Query[ListPrograms, ProgramList](ctx, c, ListPrograms{}, "programs")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Revision)

	// A second query is served from cache without touching the server.
	second, err := Query[ListPrograms, ProgramList](ctx, c, ListPrograms{}, "programs")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Revision)
	assert.Equal(t, uint64(1), calls.Load())

	// A successful mutating request broadcasts the bound tag, so the next
	// query refetches.
	result, err := Request[AddProgram, AddProgramResult](ctx, c, AddProgram{Name: "weld-seam"})
	require.NoError(t, err)
	require.True(t, result.OK)

	waitUntil(t, func() bool {
		got, err := Query[ListPrograms, ProgramList](ctx, c, ListPrograms{}, "programs")
		return err == nil && got.Revision == 2
	}, "refetched query")
}

func TestObserveQueryRefiresOnInvalidation(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Uint64
	syncpkg.HandleRequests(f.engine, func(_ network.ConnectionID, _ ListPrograms) ProgramList {
		return ProgramList{Revision: calls.Add(1)}
	})
	syncpkg.HandleInvalidatingRequests(f.engine, func(_ network.ConnectionID, _ AddProgram) AddProgramResult {
		return AddProgramResult{OK: true}
	}, "programs")
	f.startTicking(t)

	c := f.connect(t)

	var revisions []uint64
	var mu sync.Mutex
	cancel, err := ObserveQuery(c, ListPrograms{}, func(list ProgramList, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		revisions = append(revisions, list.Revision)
		mu.Unlock()
	}, "programs")
	require.NoError(t, err)
	defer cancel()

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(revisions) == 1
	}, "initial fetch")

	// The observer refires when a successful mutating request invalidates
	// the tag server-side.
	ctx, ctxCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ctxCancel()
	result, err := Request[AddProgram, AddProgramResult](ctx, c, AddProgram{Name: "pick-place"})
	require.NoError(t, err)
	require.True(t, result.OK)

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(revisions) == 2 && revisions[1] == 2
	}, "refetch after invalidation")
}

func TestControlHandshake(t *testing.T) {
	f := newFixture(t)
	syncpkg.EnableControlArbiter(f.engine)
	root := f.engine.World().Spawn()
	f.startTicking(t)

	c1 := f.connect(t)
	c2 := f.connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c1.RequestControl(ctx, root)
	require.NoError(t, err)
	assert.True(t, resp.Granted)

	resp, err = c2.RequestControl(ctx, root)
	require.NoError(t, err)
	assert.False(t, resp.Granted)
	require.NotNil(t, resp.Reason)

	resp, err = c1.ReleaseControl(ctx, root)
	require.NoError(t, err)
	assert.True(t, resp.Granted)

	resp, err = c2.RequestControl(ctx, root)
	require.NoError(t, err)
	assert.True(t, resp.Granted)
}

func TestEntityRemovedClearsCache(t *testing.T) {
	f := newFixture(t)
	syncpkg.RegisterComponent[Position](f.engine)
	entity := f.engine.World().Spawn()
	require.NoError(t, f.engine.World().Insert(entity, "Position", Position{X: 1}))
	f.engine.Tick(time.Now())

	f.startTicking(t)
	c := f.connect(t)
	_, err := c.Subscribe("*", &entity)
	require.NoError(t, err)

	waitUntil(t, func() bool {
		_, ok := Component[Position](c, entity)
		return ok
	}, "snapshot in cache")

	f.stop()
	f.engine.World().Despawn(entity)
	f.engine.Tick(time.Now())

	waitUntil(t, func() bool {
		_, ok := Component[Position](c, entity)
		return !ok
	}, "cache cleared after despawn")
}

package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	fail   bool
}

func (r *recorder) Send(data []byte) error {
	if r.fail {
		return errors.New("send failed")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, env)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) received() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.frames...)
}

func setup(t *testing.T, n int) (*Service, *registry.Registry, []*registry.Connection, []*recorder) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	svc := New(zerolog.Nop(), reg)
	reg.AddPurger(svc)

	conns := make([]*registry.Connection, n)
	recs := make([]*recorder, n)
	for i := range conns {
		recs[i] = &recorder{}
		conns[i] = registry.NewConnection("", registry.RoleApp, "", registry.Metadata{}, recs[i])
		reg.Register(conns[i])
	}
	return svc, reg, conns, recs
}

func note(action string) *protocol.Envelope {
	return &protocol.Envelope{Type: "filesnotify", Action: action, RequestID: "n-" + action}
}

func TestSubscribe_Idempotent(t *testing.T) {
	svc, _, conns, recs := setup(t, 1)

	assert.True(t, svc.Subscribe("A", conns[0].ID))
	assert.False(t, svc.Subscribe("A", conns[0].ID))
	assert.Equal(t, []string{conns[0].ID}, svc.Subscribers("A"))

	assert.Equal(t, 1, svc.Notify("A", note("readFileRequest")))
	assert.Len(t, recs[0].received(), 1, "one subscription, one delivery")
}

func TestSubscribe_RejectsEmptyAndDeadConnections(t *testing.T) {
	svc, _, _, _ := setup(t, 0)

	assert.False(t, svc.Subscribe("", "c1"))
	assert.False(t, svc.Subscribe("A", ""))
	assert.False(t, svc.Subscribe("A", "not-registered"))
	assert.Empty(t, svc.Subscribers("A"))
	assert.Empty(t, svc.SubscriptionsOf("not-registered"))
}

func TestNotify_NoSubscribersIsNoop(t *testing.T) {
	svc, _, _, recs := setup(t, 2)

	assert.NotPanics(t, func() {
		assert.Equal(t, 0, svc.Notify("nobody", note("readFileRequest")))
	})

	// A later subscriber must not receive what was sent before it existed.
	svc2, _, conns, late := setup(t, 1)
	svc2.Notify("A", note("early"))
	svc2.Subscribe("A", conns[0].ID)
	assert.Empty(t, late[0].received())
	for _, r := range recs {
		assert.Empty(t, r.received())
	}
}

func TestNotify_AllSubscribers(t *testing.T) {
	svc, _, conns, recs := setup(t, 3)
	svc.Subscribe("A", conns[0].ID)
	svc.Subscribe("A", conns[1].ID)
	svc.Subscribe("B", conns[2].ID)

	assert.Equal(t, 2, svc.Notify("A", note("readFileRequest")))
	assert.Len(t, recs[0].received(), 1)
	assert.Len(t, recs[1].received(), 1)
	assert.Empty(t, recs[2].received())
}

func TestNotify_SkipsFailingSubscriber(t *testing.T) {
	svc, _, conns, recs := setup(t, 2)
	recs[0].fail = true
	svc.Subscribe("A", conns[0].ID)
	svc.Subscribe("A", conns[1].ID)

	assert.Equal(t, 1, svc.Notify("A", note("x")))
	assert.Len(t, recs[1].received(), 1)
}

func TestNotify_PerAgentOrder(t *testing.T) {
	svc, _, conns, recs := setup(t, 2)
	svc.Subscribe("A", conns[0].ID)
	svc.Subscribe("A", conns[1].ID)

	for i := 0; i < 100; i++ {
		svc.Notify("A", note(fmt.Sprintf("op%03d", i)))
	}

	for _, r := range recs {
		got := r.received()
		require.Len(t, got, 100)
		for i, env := range got {
			assert.Equal(t, fmt.Sprintf("op%03d", i), env.Action)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	svc, _, conns, recs := setup(t, 1)
	svc.Subscribe("A", conns[0].ID)

	svc.Unsubscribe("A", conns[0].ID)
	svc.Unsubscribe("A", conns[0].ID)
	svc.Unsubscribe("ghost", conns[0].ID)

	assert.Equal(t, 0, svc.Notify("A", note("x")))
	assert.Empty(t, recs[0].received())
	assert.False(t, svc.IsSubscribed("A", conns[0].ID))

	assert.True(t, svc.Subscribe("A", conns[0].ID), "resubscribe after topic removal")
	assert.Equal(t, 1, svc.Notify("A", note("y")))
}

func TestPurgeConnection_ViaRegistry(t *testing.T) {
	svc, reg, conns, _ := setup(t, 2)
	svc.Subscribe("A", conns[0].ID)
	svc.Subscribe("B", conns[0].ID)
	svc.Subscribe("A", conns[1].ID)

	reg.Unregister(conns[0].ID)

	assert.Empty(t, svc.SubscriptionsOf(conns[0].ID))
	assert.Equal(t, []string{conns[1].ID}, svc.Subscribers("A"))
	assert.Empty(t, svc.Subscribers("B"))
}

func TestConcurrentSubscribeNotify(t *testing.T) {
	svc, _, conns, _ := setup(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := conns[i%len(conns)]
			switch i % 3 {
			case 0:
				svc.Subscribe("A", c.ID)
			case 1:
				svc.Unsubscribe("A", c.ID)
			default:
				svc.Notify("A", note("x"))
			}
		}(i)
	}
	wg.Wait()

	for _, id := range svc.Subscribers("A") {
		assert.True(t, svc.IsSubscribed("A", id))
	}
}

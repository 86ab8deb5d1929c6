package fanout

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/metric"
	"github.com/amoahfrank/firewatch/telemetry"
)

func change(nodeID string, seq uint64, status telemetry.Status) telemetry.StatusChange {
	return telemetry.StatusChange{NodeID: nodeID, Seq: seq, Status: status}
}

func drain(ch <-chan telemetry.StatusChange) []telemetry.StatusChange {
	var out []telemetry.StatusChange
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestHub_DeliversToInterestedObservers(t *testing.T) {
	h := NewHub()
	a, err := h.Attach("a")
	require.NoError(t, err)
	b, err := h.Attach("b")
	require.NoError(t, err)
	all, err := h.Attach("all")
	require.NoError(t, err)

	require.NoError(t, h.SubscribeToNode("a", "n1"))
	require.NoError(t, h.SubscribeToNode("b", "n2"))
	require.NoError(t, h.SubscribeToNode("all", AllNodes))

	assert.Equal(t, 2, h.Dispatch(change("n1", 1, telemetry.StatusAlert)))

	assert.Len(t, drain(a.C), 1)
	assert.Empty(t, drain(b.C))
	assert.Len(t, drain(all.C), 1)
}

func TestHub_AtMostOncePerObserver(t *testing.T) {
	h := NewHub()
	o, err := h.Attach("o")
	require.NoError(t, err)
	require.NoError(t, h.SubscribeToNode("o", "n1"))
	require.NoError(t, h.SubscribeToNode("o", AllNodes))

	assert.Equal(t, 1, h.Dispatch(change("n1", 1, telemetry.StatusWarning)))
	assert.Len(t, drain(o.C), 1)
}

func TestHub_DiscardsStaleSequence(t *testing.T) {
	h := NewHub()
	o, err := h.Attach("o")
	require.NoError(t, err)
	require.NoError(t, h.SubscribeToNode("o", "n1"))

	h.Dispatch(change("n1", 2, telemetry.StatusAlert))
	h.Dispatch(change("n1", 1, telemetry.StatusNormal))
	h.Dispatch(change("n1", 2, telemetry.StatusAlert))
	h.Dispatch(change("n1", 3, telemetry.StatusOffline))

	got := drain(o.C)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)
}

func TestHub_PreservesPerNodeOrder(t *testing.T) {
	h := NewHub(WithBufferSize(16))
	o, err := h.Attach("o")
	require.NoError(t, err)
	require.NoError(t, h.SubscribeToNode("o", AllNodes))

	for seq := uint64(1); seq <= 5; seq++ {
		h.Dispatch(change("n1", seq, telemetry.StatusWarning))
		h.Dispatch(change("n2", seq, telemetry.StatusWarning))
	}

	last := map[string]uint64{}
	for _, c := range drain(o.C) {
		assert.Greater(t, c.Seq, last[c.NodeID])
		last[c.NodeID] = c.Seq
	}
	assert.Equal(t, uint64(5), last["n1"])
	assert.Equal(t, uint64(5), last["n2"])
}

func TestHub_SlowObserverDoesNotBlockOthers(t *testing.T) {
	m := metric.NewMetrics()
	h := NewHub(WithBufferSize(1), WithMetrics(m))
	slow, err := h.Attach("slow")
	require.NoError(t, err)
	fast, err := h.Attach("fast")
	require.NoError(t, err)
	require.NoError(t, h.SubscribeToNode("slow", "n1"))
	require.NoError(t, h.SubscribeToNode("fast", "n1"))

	h.Dispatch(change("n1", 1, telemetry.StatusWarning))
	assert.Len(t, drain(fast.C), 1)

	// slow never reads; its buffer of one is full
	assert.Equal(t, 1, h.Dispatch(change("n1", 2, telemetry.StatusAlert)))
	assert.Len(t, drain(fast.C), 1)

	got := drain(slow.C)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.DispatchDeliveries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchDrops))
}

func TestHub_UnsubscribeAndDetach(t *testing.T) {
	m := metric.NewMetrics()
	h := NewHub(WithMetrics(m))
	o, err := h.Attach("o")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ObserversActive))

	require.NoError(t, h.SubscribeToNode("o", "n1"))
	require.NoError(t, h.SubscribeToNode("o", "n2"))
	assert.Equal(t, []string{"n1", "n2"}, h.Subscriptions("o"))

	require.NoError(t, h.UnsubscribeFromNode("o", "n1"))
	assert.Equal(t, 0, h.Dispatch(change("n1", 1, telemetry.StatusAlert)))

	h.Detach("o")
	_, open := <-o.C
	assert.False(t, open)
	assert.Equal(t, 0, h.Observers())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ObserversActive))

	h.Detach("o")
	assert.Equal(t, 0, h.Dispatch(change("n2", 1, telemetry.StatusAlert)))
}

func TestHub_Errors(t *testing.T) {
	h := NewHub()
	_, err := h.Attach("")
	assert.True(t, errors.IsInvalid(err))

	_, err = h.Attach("o")
	require.NoError(t, err)
	_, err = h.Attach("o")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	assert.ErrorIs(t, h.SubscribeToNode("missing", "n1"), errors.ErrUnknownObserver)
	assert.ErrorIs(t, h.UnsubscribeFromNode("missing", "n1"), errors.ErrUnknownObserver)
	assert.ErrorIs(t, h.SubscribeToNode("o", "bad node/id"), errors.ErrInvalidReading)
}

func TestHub_ConcurrentDispatchAndAttach(t *testing.T) {
	h := NewHub(WithBufferSize(1024))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("o%d", i)
			o, err := h.Attach(id)
			if !assert.NoError(t, err) {
				return
			}
			_ = h.SubscribeToNode(id, AllNodes)
			for seq := uint64(1); seq <= 50; seq++ {
				h.Dispatch(change(fmt.Sprintf("n%d", i), seq, telemetry.StatusWarning))
			}
			h.Detach(id)
			for range o.C {
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, h.Observers())
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	o, err := h.Attach("o")
	require.NoError(t, err)
	h.Close()
	_, open := <-o.C
	assert.False(t, open)
	assert.Equal(t, 0, h.Observers())
}

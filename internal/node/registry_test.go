package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedInvoker returns queued outcomes in order, repeating the last one.
type scriptedInvoker struct {
	calls    int
	outcomes []error
}

func (s *scriptedInvoker) Invoke(context.Context, Invocation) (Result, error) {
	idx := s.calls
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	s.calls++
	if err := s.outcomes[idx]; err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]any{"ok": true}}, nil
}

func TestRegistry_InvokeUnregisteredService(t *testing.T) {
	r := NewRegistry(5, 2, time.Minute)

	_, err := r.Invoke(context.Background(), "ghost", Invocation{})
	require.Error(t, err)
	assert.False(t, IsTransient(err), "a missing service is a wiring error, not a blip")
	assert.Contains(t, err.Error(), `"ghost" is not registered`)
}

func TestRegistry_InvokeThroughBreaker(t *testing.T) {
	r := NewRegistry(2, 2, time.Minute)
	inv := &scriptedInvoker{outcomes: []error{Transient(errAgent)}}
	r.Register(ServiceInfo{Name: "outreach", BaseURL: "http://outreach:8080"}, inv)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.Invoke(ctx, "outreach", Invocation{})
		require.Error(t, err)
	}

	// Breaker is now open: the invoker is no longer reached and the
	// fail-fast error is transient so retry loops back off.
	_, err := r.Invoke(ctx, "outreach", Invocation{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 2, inv.calls)

	info, ok := r.Lookup("outreach")
	require.True(t, ok)
	assert.Equal(t, "open", info.BreakerState)
}

func TestRegistry_ReRegistrationResetsBreaker(t *testing.T) {
	r := NewRegistry(1, 2, time.Minute)
	r.Register(ServiceInfo{Name: "crm"}, &scriptedInvoker{outcomes: []error{errAgent}})

	_, err := r.Invoke(context.Background(), "crm", Invocation{})
	require.Error(t, err)
	_, err = r.Invoke(context.Background(), "crm", Invocation{})
	assert.ErrorIs(t, err, ErrBreakerOpen)

	r.Register(ServiceInfo{Name: "crm"}, &scriptedInvoker{outcomes: []error{nil}})
	result, err := r.Invoke(context.Background(), "crm", Invocation{})
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["ok"])
}

func TestRegistry_Services(t *testing.T) {
	r := NewRegistry(5, 2, time.Minute)
	r.Register(ServiceInfo{Name: "outreach"}, &scriptedInvoker{outcomes: []error{nil}})
	r.Register(ServiceInfo{Name: "crm"}, &scriptedInvoker{outcomes: []error{nil}})

	services := r.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "crm", services[0].Name)
	assert.Equal(t, "outreach", services[1].Name)
	for _, svc := range services {
		assert.Equal(t, "closed", svc.BreakerState)
		assert.False(t, svc.RegisteredAt.IsZero())
	}

	_, ok := r.Lookup("ghost")
	assert.False(t, ok)
}

package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/flow"
	"github.com/glimte/procflow/interceptors"
)

const policyLocation = contracts.Location("api-policy/source")

type notifications struct {
	mu  sync.Mutex
	got []Notification
}

func (n *notifications) OnNotification(_ context.Context, notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notification)
}

func (n *notifications) actions() []Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Action, len(n.got))
	for i, notification := range n.got {
		out[i] = notification.Action
	}
	return out
}

func transform(t *testing.T, stackDepth *int) contracts.Step {
	return contracts.NewStep(policyLocation.Child("0"), func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
		top, ok := e.FlowStack().Peek()
		require.True(t, ok)
		assert.Equal(t, "api-policy/source[before next]", top.Name)
		*stackDepth = e.FlowStack().Len()
		return e.WithPayload("transformed").WithVariable("policy", "applied"), nil
	})
}

func TestPolicyChain(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps flow stack and fires notifications", func(t *testing.T) {
		listener := &notifications{}
		var depth int
		chain, err := New(policyLocation, []contracts.Step{transform(t, &depth)}, WithListener(listener))
		require.NoError(t, err)

		event := contracts.NewEvent("original")
		out, err := chain.Process(ctx, event)
		require.NoError(t, err)

		assert.Equal(t, 1, depth)
		assert.Zero(t, event.FlowStack().Len())
		assert.Equal(t, "transformed", out.Payload())
		assert.Equal(t, []Action{ProcessStart, ProcessEnd}, listener.actions())
		assert.Equal(t, "procflow", listener.got[0].ServerID)
		assert.Same(t, out, listener.got[1].Event)
	})

	t.Run("restores message when not propagating", func(t *testing.T) {
		var depth int
		chain, err := New(policyLocation, []contracts.Step{transform(t, &depth)}, WithPropagateMessageTransformations(false))
		require.NoError(t, err)

		out, err := chain.ProcessAsync(ctx, contracts.NewEvent("original")).Wait()
		require.NoError(t, err)
		assert.Equal(t, "original", out.Payload())
		v, ok := out.Variable("policy")
		assert.True(t, ok)
		assert.Equal(t, "applied", v)
	})

	t.Run("failure pops the stack and reports the chain error", func(t *testing.T) {
		cause := errors.New("rejected")
		listener := &notifications{}
		chain, err := New(policyLocation, []contracts.Step{
			contracts.NewStep(policyLocation.Child("0"), func(context.Context, *contracts.Event) (*contracts.Event, error) {
				return nil, cause
			}),
		}, WithListener(listener))
		require.NoError(t, err)

		var chainErr error
		chain.OnChainError(func(_ context.Context, err error) { chainErr = err })

		event := contracts.NewEvent(nil)
		_, err = chain.Process(ctx, event)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, chainErr, cause)
		assert.Zero(t, event.FlowStack().Len())

		require.Len(t, listener.got, 2)
		assert.Equal(t, ProcessEnd, listener.got[1].Action)
		assert.ErrorIs(t, listener.got[1].Err, cause)
	})

	t.Run("delegates component error callbacks to intercepted steps", func(t *testing.T) {
		failing := contracts.NewStep(policyLocation.Child("1"), func(context.Context, *contracts.Event) (*contracts.Event, error) {
			return nil, errors.New("inner")
		})
		manager := interceptors.NewManager(interceptors.Singleton("noop", interceptors.Base{}))
		chain, err := New(policyLocation, []contracts.Step{failing}, WithFlowOptions(flow.WithInterceptors(manager)))
		require.NoError(t, err)

		var component contracts.Location
		chain.OnError(func(_ context.Context, err error) {
			var pe *interceptors.PipelineError
			if errors.As(err, &pe) {
				component = pe.Component
			}
		})

		_, err = chain.Process(ctx, contracts.NewEvent(nil))
		require.Error(t, err)
		assert.Equal(t, policyLocation.Child("1"), component)
	})

	t.Run("nested policies unwind in order", func(t *testing.T) {
		var names []string
		innermost := contracts.NewStep("inner/0", func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
			for _, el := range e.FlowStack().Elements() {
				names = append(names, el.Name)
			}
			return e, nil
		})
		inner, err := New("inner", []contracts.Step{innermost})
		require.NoError(t, err)
		outer, err := New("outer", []contracts.Step{inner})
		require.NoError(t, err)

		event := contracts.NewEvent(nil)
		_, err = outer.Process(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, []string{"inner[before next]", "outer[before next]"}, names)
		assert.Zero(t, event.FlowStack().Len())
	})
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/params"
)

func appendStep(loc contracts.Location, suffix string, options ...contracts.StepOption) contracts.Step {
	return contracts.NewStep(loc, func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
		return e.WithPayload(fmt.Sprint(e.Payload()) + suffix), nil
	}, options...)
}

type closingStep struct {
	contracts.Step
	closed bool
}

func (s *closingStep) Close() error {
	s.closed = true
	return nil
}

func TestChain(t *testing.T) {
	ctx := context.Background()

	t.Run("runs steps in order", func(t *testing.T) {
		chain, err := New("flow", []contracts.Step{appendStep("flow/0", "a"), appendStep("flow/1", "b")})
		require.NoError(t, err)

		out, err := chain.Process(ctx, contracts.NewEvent(">"))
		require.NoError(t, err)
		assert.Equal(t, ">ab", out.Payload())

		out, err = chain.ProcessAsync(ctx, contracts.NewEvent(">")).Wait()
		require.NoError(t, err)
		assert.Equal(t, ">ab", out.Payload())
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		cause := errors.New("broken")
		var reached bool
		steps := []contracts.Step{
			contracts.NewStep("flow/0", func(context.Context, *contracts.Event) (*contracts.Event, error) {
				return nil, cause
			}),
			contracts.NewStep("flow/1", func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
				reached = true
				return e, nil
			}),
		}
		chain, err := New("flow", steps)
		require.NoError(t, err)

		var reported []error
		chain.OnError(func(_ context.Context, err error) { reported = append(reported, err) })

		_, err = chain.Process(ctx, contracts.NewEvent(nil))
		assert.ErrorIs(t, err, cause)
		_, err = chain.ProcessAsync(ctx, contracts.NewEvent(nil)).Wait()
		assert.ErrorIs(t, err, cause)

		assert.False(t, reached)
		assert.Len(t, reported, 2)
	})

	t.Run("recovers step panics", func(t *testing.T) {
		chain, err := New("flow", []contracts.Step{
			contracts.NewStep("flow/0", func(context.Context, *contracts.Event) (*contracts.Event, error) {
				panic("boom")
			}),
		})
		require.NoError(t, err)

		_, err = chain.Process(ctx, contracts.NewEvent(nil))
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("wraps steps with interceptors", func(t *testing.T) {
		var seen []contracts.Location
		manager := interceptors.NewManager(interceptors.Singleton("record", interceptors.Funcs{
			BeforeFunc: func(_ context.Context, loc contracts.Location, _ *params.View, _ *interceptors.InterceptionEvent) error {
				seen = append(seen, loc)
				return nil
			},
		}, interceptors.Exclude("flow/skipped")))

		chain, err := New("flow", []contracts.Step{
			appendStep("flow/0", "a"),
			appendStep("flow/skipped", "b"),
		}, WithInterceptors(manager))
		require.NoError(t, err)

		_, ok := chain.Steps()[0].(*interceptors.Chain)
		assert.True(t, ok)

		out, err := chain.Process(ctx, contracts.NewEvent(""))
		require.NoError(t, err)
		assert.Equal(t, "ab", out.Payload())
		assert.Equal(t, []contracts.Location{"flow/0"}, seen)
	})

	t.Run("processing type and close", func(t *testing.T) {
		closer := &closingStep{Step: appendStep("flow/1", "b", contracts.WithProcessingType(contracts.ProcessingIO))}
		chain, err := New("flow", []contracts.Step{appendStep("flow/0", "a"), closer})
		require.NoError(t, err)

		assert.Equal(t, contracts.ProcessingBlocking, chain.ProcessingType())
		require.NoError(t, chain.Close())
		assert.True(t, closer.closed)
	})

	t.Run("rejects empty and nil steps", func(t *testing.T) {
		_, err := New("flow", nil)
		assert.ErrorIs(t, err, ErrNoSteps)
		_, err = New("flow", []contracts.Step{nil})
		assert.Error(t, err)
	})
}

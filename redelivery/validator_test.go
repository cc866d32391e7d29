package redelivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/store"
)

func TestValidator(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects a repeated correlation id", func(t *testing.T) {
		v, err := NewValidator("orders/validator")
		require.NoError(t, err)
		defer v.Close()

		event := contracts.NewEvent("x", contracts.WithCorrelationID("c-1"))
		out, err := v.Process(ctx, event)
		require.NoError(t, err)
		assert.Same(t, event, out)

		_, err = v.Process(ctx, contracts.NewEvent("y", contracts.WithCorrelationID("c-1")))
		var dup *DuplicateMessageError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "c-1", dup.MessageID)
		assert.Equal(t, contracts.ErrorTypeDuplicateMessage, interceptors.TypeOf(err))

		_, err = v.Process(ctx, contracts.NewEvent("z", contracts.WithCorrelationID("c-2")))
		assert.NoError(t, err)
	})

	t.Run("stores the value expression", func(t *testing.T) {
		ids := store.NewMemoryStore[string]()
		defer ids.Close()

		v, err := NewValidator("orders/validator",
			WithIDStore(ids),
			WithValidatorIDExpression("#[vars.orderId]"),
			WithValueExpression("#[payload]"),
		)
		require.NoError(t, err)

		_, err = v.Process(ctx, contracts.NewEvent("body", contracts.WithVariables(map[string]interface{}{"orderId": "o-9"})))
		require.NoError(t, err)

		stored, err := ids.Retrieve(ctx, "o-9")
		require.NoError(t, err)
		assert.Equal(t, "body", stored)
	})

	t.Run("invalid expression fails at build", func(t *testing.T) {
		_, err := NewValidator("orders/validator", WithValidatorIDExpression("#[vars.]"))
		assert.Error(t, err)
	})
}

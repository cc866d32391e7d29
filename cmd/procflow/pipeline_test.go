package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/procflow/config"
	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/redelivery"
)

func testDeps(t *testing.T, cfg *config.Config) pipelineDeps {
	t.Helper()
	expressions, err := expression.NewManager()
	require.NoError(t, err)
	manager, err := cfg.BuildManager(config.Dependencies{Expressions: expressions})
	require.NoError(t, err)
	return pipelineDeps{cfg: cfg, manager: manager, expressions: expressions, logger: discardLogger()}
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("upper-cases every word", func(t *testing.T) {
		p, err := buildPipeline(testDeps(t, config.Default()))
		require.NoError(t, err)
		defer p.Close()

		out, err := p.Process(ctx, contracts.NewEvent("hello  fork join"))
		require.NoError(t, err)
		assert.Equal(t, "HELLO FORK JOIN", out.Payload())
		words, _ := out.Variable("words")
		assert.Equal(t, 3, words)
	})

	t.Run("non text payload fails", func(t *testing.T) {
		p, err := buildPipeline(testDeps(t, config.Default()))
		require.NoError(t, err)
		defer p.Close()

		_, err = p.Process(ctx, contracts.NewEvent(42))
		assert.ErrorContains(t, err, "expected a text payload")
	})

	t.Run("redelivery rejects a message that keeps failing", func(t *testing.T) {
		cfg := config.Default()
		cfg.Redelivery.Enabled = true
		cfg.Redelivery.MaxRedeliveryCount = 1
		deps := testDeps(t, cfg)
		deps.extra = []contracts.Step{contracts.NewStep(root.Child("processors").Child("3"),
			func(context.Context, *contracts.Event) (*contracts.Event, error) {
				return nil, errors.New("downstream down")
			})}

		p, err := buildPipeline(deps)
		require.NoError(t, err)
		defer p.Close()

		for i := 0; i < 2; i++ {
			_, err = p.Process(ctx, contracts.NewEvent("same line"))
			assert.ErrorContains(t, err, "downstream down")
		}
		_, err = p.Process(ctx, contracts.NewEvent("same line"))
		var exhausted *redelivery.RedeliveryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, contracts.ErrorTypeRedeliveryExhausted, interceptors.TypeOf(err))
	})
}

func TestRunStdin(t *testing.T) {
	p, err := buildPipeline(testDeps(t, config.Default()))
	require.NoError(t, err)
	defer p.Close()

	var out bytes.Buffer
	require.NoError(t, runStdin(context.Background(), p, strings.NewReader("a b\nc\n"), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "A B", first["payload"])
	assert.NotEmpty(t, first["correlationId"])
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Interceptors = []config.InterceptorConfig{{Kind: config.KindLogging}, {Kind: config.KindMetrics}}

	var out, errOut bytes.Buffer
	err := run(context.Background(), cfg, strings.NewReader("x y\n"), &out, &errOut)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"payload":"X Y"`)
	assert.Contains(t, errOut.String(), "step processed successfully")
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/glimte/procflow/config"
	"github.com/glimte/procflow/contracts"
	"github.com/glimte/procflow/expression"
	"github.com/glimte/procflow/flow"
	"github.com/glimte/procflow/health"
	"github.com/glimte/procflow/interceptors"
	"github.com/glimte/procflow/policy"
	"github.com/glimte/procflow/redelivery"
	"github.com/glimte/procflow/routing"
)

const root = contracts.Location("procflow")

// pipeline is the demo processing chain: split a line into words, upper-case
// the words in parallel, join them back and record the word count
type pipeline struct {
	processor contracts.Processor
	closers   []io.Closer
}

func (p *pipeline) Process(ctx context.Context, event *contracts.Event) (*contracts.Event, error) {
	return p.processor.Process(ctx, event)
}

func (p *pipeline) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type pipelineDeps struct {
	cfg         *config.Config
	manager     *interceptors.Manager
	expressions *expression.Manager
	logger      *slog.Logger
	// extra steps appended after the demo steps, e.g. a broker publisher
	extra []contracts.Step
	// redelivery options besides the configured ones
	redeliveryOptions []redelivery.Option
	// optional; receives checks for the stores the pipeline opens
	checks *health.Registry
}

func buildPipeline(deps pipelineDeps) (*pipeline, error) {
	processors := root.Child("processors")

	split := contracts.NewStep(processors.Child("0"), func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
		line, ok := e.Payload().(string)
		if !ok {
			return nil, fmt.Errorf("expected a text payload, got %T", e.Payload())
		}
		return e.WithPayload(strings.Fields(line)), nil
	})

	upper := contracts.NewStep(processors.Child("1").Child("route"), func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
		word, _ := e.Payload().(string)
		return e.WithPayload(strings.ToUpper(word)), nil
	})
	wrappedUpper, err := deps.manager.Wrap(upper)
	if err != nil {
		return nil, err
	}
	forEach, err := routing.NewParallelForEach(processors.Child("1"), wrappedUpper,
		deps.cfg.ForkJoinOptions(deps.expressions, deps.logger)...)
	if err != nil {
		return nil, err
	}

	join := contracts.NewStep(processors.Child("2"), func(_ context.Context, e *contracts.Event) (*contracts.Event, error) {
		messages, _ := e.Payload().([]contracts.Message)
		words := make([]string, 0, len(messages))
		for _, m := range messages {
			words = append(words, fmt.Sprint(m.Payload))
		}
		return e.WithPayload(strings.Join(words, " ")).WithVariable("words", len(words)), nil
	}, contracts.WithParameters(map[string]string{"correlation": "#[correlationId]"}))

	steps := append([]contracts.Step{split, forEach, join}, deps.extra...)
	chain, err := policy.New(root, steps,
		policy.WithLogger(deps.logger),
		policy.WithFlowOptions(flow.WithInterceptors(deps.manager), flow.WithLogger(deps.logger)),
		policy.WithListener(policy.ListenerFunc(func(_ context.Context, n policy.Notification) {
			deps.logger.Debug("pipeline notification", "action", string(n.Action), "location", n.Location.String(), "error", n.Err)
		})),
	)
	if err != nil {
		return nil, err
	}

	p := &pipeline{processor: chain, closers: []io.Closer{chain}}
	if !deps.cfg.Redelivery.Enabled {
		return p, nil
	}

	var client io.Closer
	options := deps.cfg.RedeliveryOptions(nil, deps.expressions, deps.logger)
	if deps.cfg.Redelivery.Store == "redis" {
		redisClient := deps.cfg.NewRedisClient()
		client = redisClient
		if deps.checks != nil {
			deps.checks.Register(health.NewRedisChecker(redisClient))
		}
		options = deps.cfg.RedeliveryOptions(redisClient, deps.expressions, deps.logger)
	}
	options = append(options, deps.redeliveryOptions...)

	policyLocation := root.Child("redelivery")
	redeliveryPolicy, err := redelivery.New(policyLocation, chain, options...)
	if err != nil {
		p.Close()
		if client != nil {
			client.Close()
		}
		return nil, err
	}
	if client != nil {
		p.closers = append(p.closers, client)
	}
	p.closers = append(p.closers, redeliveryPolicy)
	p.processor = redeliveryPolicy
	return p, nil
}

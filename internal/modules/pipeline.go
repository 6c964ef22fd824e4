package modules

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"agentworld.ai/internal/world"
)

// DefaultCallTimeout bounds one module invocation when the manifest carries
// no tighter limit.
const DefaultCallTimeout = 2 * time.Second

// Pipeline drives module execution around kernel steps. Invocations fan out
// on a worker pool; their results are applied back to the kernel
// sequentially in canonical (module key, subscription index) order, so the
// journal stays deterministic regardless of scheduling.
type Pipeline struct {
	registry *Registry
	sandbox  Sandbox
	pool     *workerpool.WorkerPool
	log      zerolog.Logger
	timeout  time.Duration

	limiters map[string]*rate.Limiter
}

func NewPipeline(registry *Registry, sandbox Sandbox, workers int, log zerolog.Logger) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		registry: registry,
		sandbox:  sandbox,
		pool:     workerpool.New(workers),
		log:      log.With().Str("component", "module-pipeline").Logger(),
		timeout:  DefaultCallTimeout,
		limiters: map[string]*rate.Limiter{},
	}
}

// Stop drains the worker pool.
func (p *Pipeline) Stop() { p.pool.StopWait() }

var _ world.ModulePipeline = (*Pipeline)(nil)

// callResult pairs an invocation with its raw sandbox outcome. Results are
// produced concurrently and consumed in input order.
type callResult struct {
	inv Invocation
	raw []byte
	err error
}

// BeforeAction runs pre_action subscriptions for the action about to apply.
func (p *Pipeline) BeforeAction(k *world.Kernel, submitter string, act world.Action) error {
	matched, err := p.registry.MatchPreAction(act)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}
	results := p.invokeAll(k, matched, StagePreAction, nil, &act)
	return p.applyResults(k, results)
}

// AfterEvent runs post_event subscriptions for a committed event. Applied
// governance proposals are handed to the registry first, so a proposal that
// registers a module takes effect before any module sees later events.
func (p *Pipeline) AfterEvent(k *world.Kernel, ev *world.Event) error {
	if ev.Kind == world.EvProposalApplied {
		if applied, ok := ev.Data.(*world.ProposalAppliedEvent); ok {
			if err := p.registry.ApplyProposal(applied.Content); err != nil {
				// Shadow already validated this content; a failure here
				// means registry and journal have diverged.
				return err
			}
		}
	}
	matched, err := p.registry.MatchPostEvent(ev)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}
	results := p.invokeAll(k, matched, StagePostEvent, ev, nil)
	return p.applyResults(k, results)
}

// invokeAll builds every input on the kernel goroutine, fans the sandbox
// calls out on the pool, and returns results in the matched order.
func (p *Pipeline) invokeAll(k *world.Kernel, matched []Invocation, stage string, ev *world.Event, act *world.Action) []callResult {
	results := make([]callResult, len(matched))
	var wg sync.WaitGroup
	for i, inv := range matched {
		i, inv := i, inv
		results[i].inv = inv
		m := inv.Record.Manifest

		if !p.limiterFor(m).Allow() {
			results[i].err = callErr(CodePolicyDenied, "%s exceeded call rate %d/s", m.Key(), m.Limits.MaxCallRate)
			continue
		}

		in := InvocationInput{
			Ctx: InvocationContext{ModuleID: m.ModuleID, Time: uint64(k.Time()), Stage: stage},
		}
		if ev != nil {
			in.Event = ev
		}
		if act != nil {
			in.Action = act
		}
		if m.Kind == KindStateful {
			in.State = k.ModuleState(m.Key())
		}
		input, err := EncodeInput(in)
		if err != nil {
			results[i].err = callErr(CodeInvalidOutput, "encode input for %s: %v", m.Key(), err)
			continue
		}

		wg.Add(1)
		p.pool.Submit(func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			defer cancel()
			results[i].raw, results[i].err = p.sandbox.Invoke(ctx, m, input)
		})
	}
	wg.Wait()
	return results
}

// applyResults folds invocation outcomes back into the kernel, in order.
// Failures commit a ModuleCallFailed event and never partially apply.
func (p *Pipeline) applyResults(k *world.Kernel, results []callResult) error {
	for _, res := range results {
		m := res.inv.Record.Manifest
		if res.err != nil {
			if err := p.recordFailure(k, m, AsCallError(res.err)); err != nil {
				return err
			}
			continue
		}
		out, err := DecodeOutput(res.raw)
		if err != nil {
			if err := p.recordFailure(k, m, AsCallError(err)); err != nil {
				return err
			}
			continue
		}
		if ce := p.checkOutput(m, out); ce != nil {
			if err := p.recordFailure(k, m, ce); err != nil {
				return err
			}
			continue
		}
		if err := p.applyOutput(k, m, out); err != nil {
			return err
		}
	}
	return nil
}

// checkOutput enforces the manifest limits before anything from the output
// is applied. A breach fails the whole call.
func (p *Pipeline) checkOutput(m Manifest, out *InvocationOutput) *CallError {
	if uint64(len(out.Effects)) > m.Limits.MaxEffects {
		return callErr(CodeEffectLimitExceeded, "%d > %d effects", len(out.Effects), m.Limits.MaxEffects)
	}
	if uint64(len(out.Emits)) > m.Limits.MaxEmits {
		return callErr(CodeEmitLimitExceeded, "%d > %d emits", len(out.Emits), m.Limits.MaxEmits)
	}
	if m.Kind == KindPure && out.NewState != nil {
		return callErr(CodeInvalidOutput, "pure module %s returned new_state", m.Key())
	}
	return nil
}

func (p *Pipeline) applyOutput(k *world.Kernel, m Manifest, out *InvocationOutput) error {
	for _, eff := range out.Effects {
		// Effects outside the module's granted capabilities are dropped;
		// the remaining output still applies.
		if !containsString(m.RequiredCaps, eff.CapRef) {
			if err := p.recordFailure(k, m, callErr(CodeCapsDenied, "effect needs cap %q not granted to %s", eff.CapRef, m.Key())); err != nil {
				return err
			}
			continue
		}
		if _, err := k.SubmitAction(eff.Action, world.SystemSubmitter); err != nil {
			if err := p.recordFailure(k, m, callErr(CodePolicyDenied, "effect rejected: %v", err)); err != nil {
				return err
			}
			// The remaining effects of this call are skipped.
			return nil
		}
	}
	for _, emit := range out.Emits {
		payload := &world.ModuleEmittedEvent{
			ModuleID:   m.ModuleID,
			Topic:      emit.Topic,
			PayloadHex: hex.EncodeToString(emit.Payload),
		}
		if _, err := k.AppendSystemEvent(world.EvModuleEmitted, payload); err != nil {
			return err
		}
	}
	if m.Kind == KindStateful && out.NewState != nil {
		k.SetModuleState(m.Key(), out.NewState)
	}
	return nil
}

func (p *Pipeline) recordFailure(k *world.Kernel, m Manifest, ce *CallError) error {
	p.log.Warn().
		Str("module", m.Key()).
		Str("code", ce.Code).
		Str("detail", ce.Detail).
		Msg("module call failed")
	payload := &world.ModuleCallFailedEvent{
		ModuleID: m.ModuleID,
		Version:  m.Version,
		Code:     ce.Code,
		Detail:   ce.Detail,
	}
	_, err := k.AppendSystemEvent(world.EvModuleCallFailed, payload)
	return err
}

func (p *Pipeline) limiterFor(m Manifest) *rate.Limiter {
	key := m.Key()
	if l := p.limiters[key]; l != nil {
		return l
	}
	per := m.Limits.MaxCallRate
	if per == 0 {
		per = DefaultLimits().MaxCallRate
	}
	l := rate.NewLimiter(rate.Limit(per), int(per))
	p.limiters[key] = l
	return l
}

package consensus

import (
	"fmt"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/world"
)

// KernelExecutor is the production execution hook: it drives a world kernel
// with the actions of each committed block and chains the execution hashes.
// Heights must arrive contiguously; re-delivery of the last applied height
// returns the stored result without touching the kernel.
type KernelExecutor struct {
	log    zerolog.Logger
	kernel *world.Kernel
	pipe   world.ModulePipeline

	lastApplied  uint64
	prevExecHash string
	results      map[uint64]*ExecResult
}

func NewKernelExecutor(kernel *world.Kernel, pipe world.ModulePipeline, log zerolog.Logger) *KernelExecutor {
	return &KernelExecutor{
		log:     log.With().Str("component", "executor").Str("world", kernel.WorldID()).Logger(),
		kernel:  kernel,
		pipe:    pipe,
		results: map[uint64]*ExecResult{},
	}
}

func (x *KernelExecutor) LastApplied() uint64 { return x.lastApplied }

var _ ExecutionHook = (*KernelExecutor)(nil)

// ExecuteCommit applies one committed block.
func (x *KernelExecutor) ExecuteCommit(c *Commit) (*ExecResult, error) {
	h := c.Block.Height
	if h == x.lastApplied {
		if res := x.results[h]; res != nil {
			return res, nil
		}
	}
	if h != x.lastApplied+1 {
		return nil, fmt.Errorf("commit height %d breaks contiguity, last applied %d", h, x.lastApplied)
	}
	if c.Block.WorldID != x.kernel.WorldID() {
		return nil, fmt.Errorf("commit for world %s, kernel runs %s", c.Block.WorldID, x.kernel.WorldID())
	}
	if len(c.Payloads) != len(c.Refs) {
		return nil, fmt.Errorf("commit %d: %d payloads for %d refs", h, len(c.Payloads), len(c.Refs))
	}
	root, err := ActionRoot(c.Refs)
	if err != nil {
		return nil, err
	}
	if root != c.Block.ActionRoot {
		return nil, fmt.Errorf("commit %d: action root does not reproduce", h)
	}

	var applied, skipped uint64
	drop := make(map[uint64]struct{}, len(c.Refs))
	for i, env := range c.Payloads {
		if codec.HashHex(env) != c.Refs[i].PayloadHash {
			return nil, fmt.Errorf("commit %d: payload %d hash mismatch", h, i)
		}
		dec, err := DecodePayload(env)
		if err != nil {
			return nil, fmt.Errorf("commit %d: %w", h, err)
		}
		if dec.Skip {
			skipped++
			continue
		}
		if _, err := x.kernel.ApplyCommittedWith(dec.Action, dec.Submitter, x.pipe); err != nil {
			return nil, fmt.Errorf("commit %d: apply %s: %w", h, dec.Action.Type, err)
		}
		applied++
		drop[c.Refs[i].ActionID] = struct{}{}
	}
	// Committed actions leave the local pending queue; ids from other nodes
	// simply miss.
	x.kernel.DropPending(drop)

	stateRoot, err := x.kernel.StateRootHex()
	if err != nil {
		return nil, err
	}
	execHash, err := ExecBlockHash(c.Block.WorldID, h, x.prevExecHash, stateRoot, x.kernel.JournalLen())
	if err != nil {
		return nil, err
	}
	res := &ExecResult{
		StateRoot:     stateRoot,
		ExecBlockHash: execHash,
		JournalLen:    x.kernel.JournalLen(),
		EventsApplied: applied,
		Skipped:       skipped,
	}
	x.lastApplied = h
	x.prevExecHash = execHash
	x.results[h] = res
	x.log.Debug().
		Uint64("height", h).
		Uint64("applied", applied).
		Uint64("skipped", skipped).
		Str("state_root", stateRoot).
		Msg("commit executed")
	return res, nil
}

package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is one entry of a writer's replication stream. (writer_epoch,
// sequence) is strictly increasing per writer; the guard rejects anything
// stale.
type Record struct {
	WorldID     string `json:"world_id"`
	WriterID    string `json:"writer_id"`
	WriterEpoch uint64 `json:"writer_epoch"`
	Sequence    uint64 `json:"sequence"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Size        uint64 `json:"size"`
	TsMs        int64  `json:"ts_ms"`
}

const guardFile = "writer_guard.json"

// Guard is the persistent single-writer state. One guard instance per world
// per node.
type Guard struct {
	dir string

	WriterID     string `json:"writer_id,omitempty"`
	WriterEpoch  uint64 `json:"writer_epoch"`
	LastSequence uint64 `json:"last_sequence"`
}

func LoadGuard(dir string) (*Guard, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create guard dir: %w", err)
	}
	g := &Guard{dir: dir}
	b, err := os.ReadFile(filepath.Join(dir, guardFile))
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, g); err != nil {
		return nil, fmt.Errorf("parse guard state: %w", err)
	}
	g.dir = dir
	return g, nil
}

func (g *Guard) save() error {
	b, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(g.dir, guardFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Accepts reports whether r advances the guard. Records with epoch 0 never
// do.
func (g *Guard) Accepts(r Record) bool {
	if r.WriterEpoch == 0 {
		return false
	}
	if r.WriterEpoch > g.WriterEpoch {
		return true
	}
	return r.WriterEpoch == g.WriterEpoch &&
		r.WriterID == g.WriterID &&
		r.Sequence > g.LastSequence
}

// Apply advances the guard past an accepted record and persists it.
func (g *Guard) Apply(r Record) error {
	if !g.Accepts(r) {
		return fmt.Errorf("stale record (%s epoch=%d seq=%d) against guard (%s epoch=%d seq=%d)",
			r.WriterID, r.WriterEpoch, r.Sequence, g.WriterID, g.WriterEpoch, g.LastSequence)
	}
	g.WriterID = r.WriterID
	g.WriterEpoch = r.WriterEpoch
	g.LastSequence = r.Sequence
	return g.save()
}

// AllocateLocal hands out the next (epoch, sequence) for the local writer
// and persists the advance. A fresh guard seeds its epoch from the wall
// clock mixed with the node nonce so restarts never reuse an epoch; a writer
// change bumps the epoch; otherwise the sequence increments within the
// current epoch.
func (g *Guard) AllocateLocal(writerID string, nonce uint64) (epoch, seq uint64, err error) {
	switch {
	case g.WriterEpoch == 0:
		epoch = seedEpoch(nonce)
		seq = 1
	case g.WriterID != writerID:
		epoch = g.WriterEpoch + 1
		seq = 1
	default:
		epoch = g.WriterEpoch
		seq = g.LastSequence + 1
	}
	g.WriterID = writerID
	g.WriterEpoch = epoch
	g.LastSequence = seq
	if err := g.save(); err != nil {
		return 0, 0, err
	}
	return epoch, seq, nil
}

// seedEpoch folds a node-local nonce into the millisecond clock; never 0.
func seedEpoch(nonce uint64) uint64 {
	e := uint64(time.Now().UnixMilli()) ^ nonce
	if e == 0 {
		e = 1
	}
	return e
}

// Package snapshot writes world snapshots to disk as zstd-compressed JSON:
// a one-line header for cheap inspection, then the full state document.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"agentworld.ai/internal/world"
)

type Header struct {
	Version   int    `json:"version"`
	WorldID   string `json:"world_id"`
	Time      uint64 `json:"time"`
	StateRoot string `json:"state_root,omitempty"`
}

// PathFor names a snapshot file by world time, zero-padded so lexical order
// is chronological.
func PathFor(worldDir string, t world.WorldTime) string {
	return filepath.Join(worldDir, "snapshots", fmt.Sprintf("snapshot-%020d.json.zst", uint64(t)))
}

func Write(path string, snap *world.SnapshotV1, stateRoot string) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(Header{
		Version:   int(snap.Version),
		WorldID:   snap.WorldID,
		Time:      uint64(snap.Time),
		StateRoot: stateRoot,
	})
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return nil
}

func Read(path string) (*world.SnapshotV1, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, Header{}, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	headerLine, err := br.ReadBytes('\n')
	if err != nil {
		return nil, Header{}, fmt.Errorf("read snapshot header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(headerLine, &h); err != nil {
		return nil, Header{}, fmt.Errorf("parse snapshot header: %w", err)
	}

	var snap world.SnapshotV1
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return nil, Header{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, h, nil
}

// Latest returns the newest snapshot path under worldDir, or "" when none
// exists.
func Latest(worldDir string) (string, error) {
	dir := filepath.Join(worldDir, "snapshots")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

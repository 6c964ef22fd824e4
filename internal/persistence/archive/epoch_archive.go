// Package archive keeps one snapshot per consensus epoch so operators can
// rewind a world without replaying the full journal.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type EpochArchiveMeta struct {
	Epoch     uint64 `json:"epoch"`
	WorldID   string `json:"world_id"`
	Height    uint64 `json:"height"`
	Time      uint64 `json:"time"`
	StateRoot string `json:"state_root,omitempty"`
	Snapshot  string `json:"snapshot"`
	CreatedAt string `json:"created_at"`
}

// ArchiveEpochSnapshot copies an epoch-boundary snapshot into
// `worldDir/archives/epoch_<NNN>/`. It returns archived=false when the
// height is not an epoch boundary.
func ArchiveEpochSnapshot(worldDir, snapshotPath, worldID string, height, worldTime uint64, stateRoot string, epochHeights uint64) (epoch uint64, archivedPath string, archived bool, err error) {
	if epochHeights == 0 || height == 0 {
		return 0, "", false, nil
	}
	if height%epochHeights != 0 {
		return 0, "", false, nil
	}
	epoch = height / epochHeights

	archiveDir := filepath.Join(worldDir, "archives", fmt.Sprintf("epoch_%06d", epoch))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return 0, "", false, err
	}

	meta := EpochArchiveMeta{
		Epoch:     epoch,
		WorldID:   worldID,
		Height:    height,
		Time:      worldTime,
		StateRoot: stateRoot,
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	mb, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return 0, "", false, err
	}
	if err := os.WriteFile(filepath.Join(archiveDir, "meta.json"), mb, 0o644); err != nil {
		return 0, "", false, err
	}
	return epoch, dst, true, nil
}

// ReadEpochMeta loads the metadata for one archived epoch.
func ReadEpochMeta(worldDir string, epoch uint64) (EpochArchiveMeta, error) {
	var meta EpochArchiveMeta
	path := filepath.Join(worldDir, "archives", fmt.Sprintf("epoch_%06d", epoch), "meta.json")
	b, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

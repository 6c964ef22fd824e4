package snapshot

import (
	"testing"

	"agentworld.ai/internal/world"
)

func seededKernel(t *testing.T) *world.Kernel {
	t.Helper()
	k := world.NewKernel("w-snap", world.DefaultGameplayPolicy())
	step := func(submitter string, act world.Action) {
		t.Helper()
		if _, err := k.SubmitAction(act, submitter); err != nil {
			t.Fatalf("submit %s: %v", act.Type, err)
		}
		if _, err := k.Step(); err != nil {
			t.Fatalf("step %s: %v", act.Type, err)
		}
	}
	step("op", world.NewAction(world.ActRegisterLocation, &world.RegisterLocationData{
		LocationID: "loc-a", Name: "Alpha",
	}))
	step("a1", world.NewAction(world.ActRegisterAgent, &world.RegisterAgentData{
		AgentID: "a1", LocationID: "loc-a",
	}))
	return k
}

func TestSnapshotRoundTrip(t *testing.T) {
	k := seededKernel(t)
	root, err := k.StateRootHex()
	if err != nil {
		t.Fatal(err)
	}

	path := PathFor(t.TempDir(), k.Time())
	if err := Write(path, k.Snapshot(), root); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, header, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if header.WorldID != "w-snap" || header.StateRoot != root {
		t.Fatalf("header %+v", header)
	}
	if header.Time != uint64(k.Time()) {
		t.Fatalf("header time %d, want %d", header.Time, k.Time())
	}

	restored, err := world.FromSnapshot(snap, k.Journal())
	if err != nil {
		t.Fatal(err)
	}
	gotRoot, err := restored.StateRootHex()
	if err != nil {
		t.Fatal(err)
	}
	if gotRoot != root {
		t.Fatalf("restored root %s != %s", gotRoot, root)
	}
}

func TestLatestPicksNewest(t *testing.T) {
	dir := t.TempDir()
	k := seededKernel(t)
	root, err := k.StateRootHex()
	if err != nil {
		t.Fatal(err)
	}

	if err := Write(PathFor(dir, 1), k.Snapshot(), root); err != nil {
		t.Fatal(err)
	}
	if err := Write(PathFor(dir, 12), k.Snapshot(), root); err != nil {
		t.Fatal(err)
	}

	latest, err := Latest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if latest != PathFor(dir, 12) {
		t.Fatalf("latest %s", latest)
	}

	empty, err := Latest(t.TempDir())
	if err != nil || empty != "" {
		t.Fatalf("empty dir: %q %v", empty, err)
	}
}

// Command admin inspects a node's on-disk state: indexed commits, audit
// rows and snapshots. It operates on the data directory directly and never
// talks to a running node.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentworld.ai/internal/persistence/auditdb"
	"agentworld.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "commits":
			commitsCmd(os.Args[2:])
			return
		case "audits":
			auditsCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "data", "node data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := *dataDir
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func openIndex(dataDir, worldID string) *auditdb.SQLiteAudit {
	db, err := auditdb.Open(filepath.Join(dataDir, worldID, "index", "audit.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	return db
}

func commitsCmd(args []string) {
	fs := flag.NewFlagSet("commits", flag.ExitOnError)
	dataDir := fs.String("data", "data", "node data directory")
	worldID := fs.String("world", "w-main", "world id")
	limit := fs.Uint64("limit", 20, "how many recent commits to print")
	height := fs.Uint64("height", 0, "print a single height instead")
	_ = fs.Parse(args)

	db := openIndex(*dataDir, *worldID)
	defer db.Close()

	printRow := func(h uint64) bool {
		row, ok, err := db.Commit(h)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		if !ok {
			return false
		}
		fmt.Printf("height=%d slot=%d epoch=%d proposer=%s actions=%d state_root=%s\n",
			row.Height, row.Slot, row.Epoch, row.Proposer, row.Actions, row.StateRoot)
		return true
	}

	if *height != 0 {
		if !printRow(*height) {
			fmt.Fprintf(os.Stderr, "no commit at height %d\n", *height)
			os.Exit(1)
		}
		return
	}
	top, err := db.LatestCommitHeight()
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	if top == 0 {
		fmt.Println("no commits indexed")
		return
	}
	from := uint64(1)
	if top > *limit {
		from = top - *limit + 1
	}
	for h := from; h <= top; h++ {
		printRow(h)
	}
}

func auditsCmd(args []string) {
	fs := flag.NewFlagSet("audits", flag.ExitOnError)
	dataDir := fs.String("data", "data", "node data directory")
	worldID := fs.String("world", "w-main", "world id")
	kind := fs.String("kind", "", "count rows of one event kind")
	actor := fs.String("actor", "", "list event kinds attributed to one actor")
	_ = fs.Parse(args)

	if *kind == "" && *actor == "" {
		fmt.Fprintln(os.Stderr, "need -kind or -actor")
		os.Exit(2)
	}

	db := openIndex(*dataDir, *worldID)
	defer db.Close()

	if *kind != "" {
		n, err := db.AuditCount(*kind)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %d\n", *kind, n)
	}
	if *actor != "" {
		kinds, err := db.AuditsByActor(*actor)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		if len(kinds) == 0 {
			fmt.Printf("no audit rows for %s\n", *actor)
			return
		}
		fmt.Printf("%s: %s\n", *actor, strings.Join(kinds, ", "))
	}
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "data", "node data directory")
	worldID := fs.String("world", "w-main", "world id")
	path := fs.String("path", "", "explicit snapshot path (default: newest)")
	_ = fs.Parse(args)

	p := *path
	if p == "" {
		var err error
		p, err = snapshot.Latest(filepath.Join(*dataDir, *worldID))
		if err != nil {
			fmt.Fprintln(os.Stderr, "find snapshot:", err)
			os.Exit(1)
		}
	}
	if p == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found")
		os.Exit(1)
	}
	snap, header, err := snapshot.Read(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("%s\nworld=%s time=%d state_root=%s\nagents=%d locations=%d facilities=%d contracts=%d proposals=%d pending=%d\n",
		filepath.Base(p), header.WorldID, snap.Time, header.StateRoot,
		len(snap.Agents), len(snap.Locations), len(snap.Facilities), len(snap.Contracts), len(snap.Proposals), len(snap.Pending))
}

// Command watch tails a running node over its websocket endpoint and prints
// replicated commits and membership changes as they happen.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/network"
	"agentworld.ai/internal/node"
	"agentworld.ai/internal/replication"
)

func main() {
	var (
		url     = flag.String("url", "ws://127.0.0.1:8080/v1/ws", "node websocket endpoint")
		worldID = flag.String("world", "w-main", "world id")
		debug   = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.WarnLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	client, err := network.DialWS(*url, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer client.Close()

	commits, err := client.Subscribe(replication.Topic(*worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "subscribe:", err)
		os.Exit(1)
	}
	members, err := client.Subscribe(node.MembershipTopic(*worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "subscribe:", err)
		os.Exit(1)
	}
	revocations, err := client.Subscribe(node.RevocationTopic(*worldID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "subscribe:", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("watching %s on %s\n", *worldID, *url)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, m := range commits.Drain() {
				printCommit(m.Payload)
			}
			for _, m := range members.Drain() {
				printMember(m.Payload)
			}
			for _, m := range revocations.Drain() {
				printRevocation(m.Payload)
			}
		}
	}
}

func printCommit(raw []byte) {
	var msg replication.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		fmt.Printf("?? undecodable replication message (%d bytes)\n", len(raw))
		return
	}
	var p replication.ReplicatedCommitPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		fmt.Printf("commit writer=%s epoch=%d seq=%d hash=%s\n",
			msg.Record.WriterID, msg.Record.WriterEpoch, msg.Record.Sequence, msg.Record.ContentHash)
		return
	}
	fmt.Printf("commit height=%d slot=%d node=%s actions=%d root=%s\n",
		p.Height, p.Slot, p.NodeID, len(p.Actions), p.ExecutionStateRoot)
}

func printMember(raw []byte) {
	var m node.MemberAnnouncement
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	fmt.Printf("member %s role=%s\n", m.NodeID, m.Role)
}

func printRevocation(raw []byte) {
	var r node.MemberRevocation
	if err := json.Unmarshal(raw, &r); err != nil {
		return
	}
	fmt.Printf("revoked %s reason=%q\n", r.NodeID, r.Reason)
}

package node

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentworld.ai/internal/codec"
)

// Membership topics carry who participates in a world. Revocations evict a
// node; reconcile messages re-announce the full local view after a partition.
func MembershipTopic(worldID string) string  { return "world/" + worldID + "/membership" }
func RevocationTopic(worldID string) string  { return "world/" + worldID + "/membership-revocation" }
func ReconcileTopic(worldID string) string   { return "world/" + worldID + "/membership-reconcile" }

// MemberAnnouncement is one membership message.
type MemberAnnouncement struct {
	WorldID      string `json:"world_id"`
	NodeID       string `json:"node_id"`
	Role         Role   `json:"role"`
	PublicKeyHex string `json:"public_key_hex,omitempty"`
	TsMs         int64  `json:"ts_ms"`
}

// MemberRevocation evicts one node from the membership view.
type MemberRevocation struct {
	WorldID string `json:"world_id"`
	NodeID  string `json:"node_id"`
	Reason  string `json:"reason,omitempty"`
	TsMs    int64  `json:"ts_ms"`
}

// ReconcileMessage re-broadcasts a sender's complete membership view.
type ReconcileMessage struct {
	WorldID string               `json:"world_id"`
	NodeID  string               `json:"node_id"`
	Members []MemberAnnouncement `json:"members"`
	TsMs    int64                `json:"ts_ms"`
}

// AlertSink receives operational alerts the node cannot act on itself.
type AlertSink interface {
	Alert(kind, detail string)
}

// LogAlertSink writes alerts to the node logger.
type LogAlertSink struct{ Log zerolog.Logger }

func (s LogAlertSink) Alert(kind, detail string) {
	s.Log.Warn().Str("alert", kind).Msg(detail)
}

// membershipView is the node's mutable picture of who else is out there.
type membershipView struct {
	mu      sync.Mutex
	worldID string
	members map[string]MemberAnnouncement
	revoked map[string]struct{}
	alerts  AlertSink
}

func newMembershipView(worldID string, alerts AlertSink) *membershipView {
	return &membershipView{
		worldID: worldID,
		members: map[string]MemberAnnouncement{},
		revoked: map[string]struct{}{},
		alerts:  alerts,
	}
}

func (v *membershipView) handleAnnouncement(raw []byte) error {
	var m MemberAnnouncement
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("malformed membership message: %w", err)
	}
	if m.WorldID != v.worldID || m.NodeID == "" {
		return nil
	}
	if m.PublicKeyHex != "" {
		if _, err := codec.NormalizePublicKeyHex(m.PublicKeyHex); err != nil {
			return fmt.Errorf("member %s: %w", m.NodeID, err)
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, gone := v.revoked[m.NodeID]; gone {
		return nil
	}
	prev, known := v.members[m.NodeID]
	if known && prev.TsMs > m.TsMs {
		return nil
	}
	v.members[m.NodeID] = m
	return nil
}

func (v *membershipView) handleRevocation(raw []byte) error {
	var r MemberRevocation
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("malformed revocation: %w", err)
	}
	if r.WorldID != v.worldID || r.NodeID == "" {
		return nil
	}
	v.mu.Lock()
	_, known := v.members[r.NodeID]
	delete(v.members, r.NodeID)
	v.revoked[r.NodeID] = struct{}{}
	v.mu.Unlock()
	if known && v.alerts != nil {
		v.alerts.Alert("member_revoked", fmt.Sprintf("node %s revoked: %s", r.NodeID, r.Reason))
	}
	return nil
}

func (v *membershipView) handleReconcile(raw []byte) error {
	var r ReconcileMessage
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("malformed reconcile: %w", err)
	}
	if r.WorldID != v.worldID {
		return nil
	}
	for _, m := range r.Members {
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		if err := v.handleAnnouncement(b); err != nil {
			return err
		}
	}
	return nil
}

// Members returns the live membership, id-sorted.
func (v *membershipView) Members() []MemberAnnouncement {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]MemberAnnouncement, 0, len(v.members))
	for _, m := range v.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (v *membershipView) snapshot(nodeID string) ReconcileMessage {
	return ReconcileMessage{
		WorldID: v.worldID,
		NodeID:  nodeID,
		Members: v.Members(),
		TsMs:    time.Now().UnixMilli(),
	}
}

package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentworld.ai/internal/codec"
	"agentworld.ai/internal/network"
)

// Pull protocols for lagging nodes: fetch-commit serves the stored gossip
// message for one height, fetch-blob serves raw CAS content.
const (
	ProtocolFetchCommit = "/aw/node/replication/fetch-commit/1.0.0"
	ProtocolFetchBlob   = "/aw/node/replication/fetch-blob/1.0.0"
)

// FetchCommitRequest asks for one committed height. In signed mode the
// request carries a signature over its JSON with signature_hex cleared.
type FetchCommitRequest struct {
	WorldID      string `json:"world_id"`
	Height       uint64 `json:"height"`
	PublicKeyHex string `json:"public_key_hex,omitempty"`
	SignatureHex string `json:"signature_hex,omitempty"`
}

func (q FetchCommitRequest) signingBytes() ([]byte, error) {
	q.SignatureHex = ""
	return json.Marshal(q)
}

func (q *FetchCommitRequest) Sign(kp *codec.Keypair) error {
	q.PublicKeyHex = kp.PublicHex
	b, err := q.signingBytes()
	if err != nil {
		return err
	}
	q.SignatureHex = kp.SignHex(b)
	return nil
}

func (q FetchCommitRequest) verify() bool {
	if q.PublicKeyHex == "" || q.SignatureHex == "" {
		return false
	}
	b, err := q.signingBytes()
	if err != nil {
		return false
	}
	return codec.VerifyHex(q.PublicKeyHex, q.SignatureHex, b)
}

type FetchCommitResponse struct {
	Found   bool     `json:"found"`
	Message *Message `json:"message,omitempty"`
}

type FetchBlobRequest struct {
	WorldID string `json:"world_id"`
	Hash    string `json:"hash"`
}

type FetchBlobResponse struct {
	Found bool   `json:"found"`
	Blob  []byte `json:"blob,omitempty"`
}

// RegisterHandlers serves both pull protocols off this replicator's state.
func (r *Replicator) RegisterHandlers() error {
	if err := r.net.RegisterHandler(ProtocolFetchCommit, r.handleFetchCommit); err != nil {
		return err
	}
	return r.net.RegisterHandler(ProtocolFetchBlob, r.handleFetchBlob)
}

func (r *Replicator) handleFetchCommit(payload []byte) ([]byte, error) {
	var req FetchCommitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed fetch-commit request: %w", err)
	}
	if req.WorldID != r.cfg.WorldID {
		return nil, fmt.Errorf("unknown world %q", req.WorldID)
	}
	if r.cfg.Signed {
		if !req.verify() {
			return nil, errors.New("fetch-commit request is not signed by a known key")
		}
		if _, ok := r.allow[req.PublicKeyHex]; !ok {
			return nil, errors.New("fetch-commit requester not in allowlist")
		}
	}
	msg, ok := r.CommitMessage(req.Height)
	if !ok {
		return json.Marshal(FetchCommitResponse{Found: false})
	}
	return json.Marshal(FetchCommitResponse{Found: true, Message: msg})
}

func (r *Replicator) handleFetchBlob(payload []byte) ([]byte, error) {
	var req FetchBlobRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("malformed fetch-blob request: %w", err)
	}
	if req.WorldID != r.cfg.WorldID {
		return nil, fmt.Errorf("unknown world %q", req.WorldID)
	}
	b, err := r.store.Get(req.Hash)
	if errors.Is(err, ErrNotFound) {
		return json.Marshal(FetchBlobResponse{Found: false})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(FetchBlobResponse{Found: true, Blob: b})
}

// CatchUp pulls heights from `from` upward until a peer reports no further
// commit, handing each fetched message to deliver after the usual ingest
// checks. Transient request failures back off and retry a few times before
// giving up on the round.
func (r *Replicator) CatchUp(ctx context.Context, from uint64, deliver func(*Message) error) error {
	backoff := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	for height := from; ; height++ {
		req := FetchCommitRequest{WorldID: r.cfg.WorldID, Height: height}
		if r.cfg.Signed {
			if err := req.Sign(r.cfg.Keypair); err != nil {
				return err
			}
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		var resp FetchCommitResponse
		fetched := false
		for attempt := 0; attempt <= len(backoff); attempt++ {
			raw, err := r.net.Request(ctx, ProtocolFetchCommit, body)
			if err == nil {
				if err := json.Unmarshal(raw, &resp); err != nil {
					return fmt.Errorf("malformed fetch-commit response: %w", err)
				}
				fetched = true
				break
			}
			if errors.Is(err, network.ErrProtocolUnavailable) || attempt == len(backoff) {
				return fmt.Errorf("fetch commit %d: %w", height, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff[attempt]):
			}
		}
		if !fetched || !resp.Found {
			return nil
		}
		if resp.Message == nil {
			return fmt.Errorf("fetch commit %d: empty message", height)
		}
		wire, err := json.Marshal(resp.Message)
		if err != nil {
			return err
		}
		if err := r.Ingest(wire); err != nil {
			return err
		}
		if deliver != nil {
			if err := deliver(resp.Message); err != nil {
				return err
			}
		}
	}
}

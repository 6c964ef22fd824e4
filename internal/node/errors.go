package node

import (
	"errors"
	"fmt"

	"agentworld.ai/internal/network"
)

// ErrorKind classifies unrecoverable and recoverable node faults.
type ErrorKind string

const (
	KindInvalidConfig               ErrorKind = "invalid_config"
	KindReplication                 ErrorKind = "replication"
	KindConsensus                   ErrorKind = "consensus"
	KindIo                          ErrorKind = "io"
	KindSignature                   ErrorKind = "signature"
	KindNetworkProtocolUnavailable  ErrorKind = "network_protocol_unavailable"
	KindNetworkRequestFailed        ErrorKind = "network_request_failed"
	KindDistributedValidationFailed ErrorKind = "distributed_validation_failed"
)

// NodeError wraps a subsystem failure with its kind and the operation that
// produced it.
type NodeError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *NodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Is matches any NodeError of the same kind, so callers can test with
// errors.Is(err, &NodeError{Kind: KindConsensus}).
func (e *NodeError) Is(target error) bool {
	t, ok := target.(*NodeError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E wraps err as a NodeError, mapping network sentinel errors to their
// dedicated kinds.
func E(kind ErrorKind, op string, err error) *NodeError {
	if errors.Is(err, network.ErrProtocolUnavailable) {
		kind = KindNetworkProtocolUnavailable
	}
	var rf *network.RequestFailedError
	if errors.As(err, &rf) {
		kind = KindNetworkRequestFailed
	}
	return &NodeError{Kind: kind, Op: op, Err: err}
}

// Package sync defines the wire types shared by the replication log, the
// cluster applier and the client sync protocol.
package sync

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/concord/internal/vclock"
)

// Operation is the kind of mutation a log entry records.
type Operation string

// Operation values. The names are part of the wire format.
const (
	OpInsert                   Operation = "Insert"
	OpUpdate                   Operation = "Update"
	OpDelete                   Operation = "Delete"
	OpCreateCollection         Operation = "CreateCollection"
	OpDeleteCollection         Operation = "DeleteCollection"
	OpTruncateCollection       Operation = "TruncateCollection"
	OpCreateDatabase           Operation = "CreateDatabase"
	OpDeleteDatabase           Operation = "DeleteDatabase"
	OpPutBlobChunk             Operation = "PutBlobChunk"
	OpDeleteBlob               Operation = "DeleteBlob"
	OpColumnarInsert           Operation = "ColumnarInsert"
	OpColumnarDelete           Operation = "ColumnarDelete"
	OpColumnarCreateCollection Operation = "ColumnarCreateCollection"
	OpColumnarDropCollection   Operation = "ColumnarDropCollection"
	OpColumnarTruncate         Operation = "ColumnarTruncate"
)

var knownOperations = map[Operation]bool{
	OpInsert: true, OpUpdate: true, OpDelete: true,
	OpCreateCollection: true, OpDeleteCollection: true, OpTruncateCollection: true,
	OpCreateDatabase: true, OpDeleteDatabase: true,
	OpPutBlobChunk: true, OpDeleteBlob: true,
	OpColumnarInsert: true, OpColumnarDelete: true, OpColumnarCreateCollection: true,
	OpColumnarDropCollection: true, OpColumnarTruncate: true,
}

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !knownOperations[op] {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// IsDocumentWrite reports whether op upserts a document.
func (op Operation) IsDocumentWrite() bool {
	return op == OpInsert || op == OpUpdate
}

// LogEntry is one record in the replication log. Sequence is assigned by the
// log that stores the entry. OriginNode and OriginSequence identify the entry
// on the node that first sequenced it and survive re-gossip. Vector is the
// document's causal state after a document write.
type LogEntry struct {
	Sequence       uint64                `json:"sequence"`
	NodeID         string                `json:"node_id"`
	OriginNode     string                `json:"origin_node,omitempty"`
	Database       string                `json:"database"`
	Collection     string                `json:"collection"`
	Operation      Operation             `json:"operation"`
	Key            string                `json:"key"`
	Data           json.RawMessage       `json:"data,omitempty"`
	Timestamp      uint64                `json:"timestamp"`
	OriginSequence uint64                `json:"origin_sequence,omitempty"`
	Vector         *vclock.VersionVector `json:"vector,omitempty"`
}

// CausalVector returns the document vector the entry carries, or a vector
// holding only the author's origin sequence when it carries none.
func (e LogEntry) CausalVector() vclock.VersionVector {
	if e.Vector != nil {
		return e.Vector.Clone()
	}
	return vclock.WithNode(e.NodeID, e.OriginSequence)
}

// Origin returns the node whose sequence space OriginSequence belongs to.
func (e LogEntry) Origin() string {
	if e.OriginNode != "" {
		return e.OriginNode
	}
	return e.NodeID
}

// ChangeOp is the subset of operations exchanged with sync clients.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "Insert"
	ChangeUpdate ChangeOp = "Update"
	ChangeDelete ChangeOp = "Delete"
)

// SyncChange is one document mutation exchanged with a sync client.
type SyncChange struct {
	Database      string                 `json:"database"`
	Collection    string                 `json:"collection"`
	DocumentKey   string                 `json:"document_key"`
	Operation     ChangeOp               `json:"operation"`
	DocumentData  json.RawMessage        `json:"document_data,omitempty"`
	ParentVectors []vclock.VersionVector `json:"parent_vectors,omitempty"`
	Vector        vclock.VersionVector   `json:"vector"`
	Timestamp     uint64                 `json:"timestamp"`
	IsDelta       bool                   `json:"is_delta"`
	DeltaPatch    json.RawMessage        `json:"delta_patch,omitempty"`
}

// LogOperation maps a client change operation to a log operation.
func (c ChangeOp) LogOperation() (Operation, bool) {
	switch c {
	case ChangeInsert:
		return OpInsert, true
	case ChangeUpdate:
		return OpUpdate, true
	case ChangeDelete:
		return OpDelete, true
	default:
		return "", false
	}
}

// ChangeOperation maps a log operation to the client-facing operation.
// Creates become Insert and drops become Delete.
func ChangeOperation(op Operation) ChangeOp {
	switch op {
	case OpInsert, OpColumnarInsert, OpCreateCollection, OpCreateDatabase, OpColumnarCreateCollection:
		return ChangeInsert
	case OpUpdate:
		return ChangeUpdate
	default:
		return ChangeDelete
	}
}

// IsDeleteLike reports whether op removes data.
func IsDeleteLike(op Operation) bool {
	return ChangeOperation(op) == ChangeDelete
}

// Capabilities are the sync features a peer supports.
type Capabilities struct {
	DeltaSync    bool `json:"delta_sync"`
	CRDTTypes    bool `json:"crdt_types"`
	Compression  bool `json:"compression"`
	MaxBatchSize int  `json:"max_batch_size"`
}

// DefaultMaxBatchSize is the advertised batch cap in bytes.
const DefaultMaxBatchSize = 1048576

// ServerCapabilities returns what this server supports.
func ServerCapabilities() Capabilities {
	return Capabilities{
		DeltaSync:    true,
		CRDTTypes:    true,
		Compression:  true,
		MaxBatchSize: DefaultMaxBatchSize,
	}
}

// RegisterRequest opens a sync session.
type RegisterRequest struct {
	DeviceID      string        `json:"device_id"`
	APIKey        string        `json:"api_key"`
	Subscriptions []string      `json:"subscriptions,omitempty"`
	FilterQuery   string        `json:"filter_query,omitempty"`
	Capabilities  *Capabilities `json:"capabilities,omitempty"`
}

// RegisterResponse is returned when a session opens.
type RegisterResponse struct {
	SessionID    string               `json:"session_id"`
	ServerVector vclock.VersionVector `json:"server_vector"`
	Capabilities Capabilities         `json:"capabilities"`
}

// PullRequest asks for changes since the session's last sequence.
type PullRequest struct {
	SessionID    string               `json:"session_id"`
	ClientVector vclock.VersionVector `json:"client_vector"`
	Limit        int                  `json:"limit,omitempty"`
}

// PullResponse carries a page of changes.
type PullResponse struct {
	Changes      []SyncChange         `json:"changes"`
	ServerVector vclock.VersionVector `json:"server_vector"`
	HasMore      bool                 `json:"has_more"`
	Conflicts    []ConflictRecord     `json:"conflicts"`
}

// PushRequest uploads client changes.
type PushRequest struct {
	SessionID    string               `json:"session_id"`
	Changes      []SyncChange         `json:"changes"`
	ClientVector vclock.VersionVector `json:"client_vector"`
}

// PushResponse reports what the server did with a push.
type PushResponse struct {
	ServerVector vclock.VersionVector `json:"server_vector"`
	Conflicts    []ConflictRecord     `json:"conflicts"`
	Accepted     int                  `json:"accepted"`
	Rejected     int                  `json:"rejected"`
}

// AckRequest confirms the vector a client has applied.
type AckRequest struct {
	SessionID     string               `json:"session_id"`
	AppliedVector vclock.VersionVector `json:"applied_vector"`
}

// AckResponse confirms an ack.
type AckResponse struct {
	Success bool `json:"success"`
}

// ConflictsResponse lists pending conflicts for a session's device.
type ConflictsResponse struct {
	Conflicts []ConflictRecord `json:"conflicts"`
}

// Resolution choices accepted by ResolveRequest.
const (
	ResolveLocal  = "local"
	ResolveRemote = "remote"
	ResolveMerged = "merged"
)

// ResolveRequest settles a surfaced conflict.
type ResolveRequest struct {
	SessionID   string          `json:"session_id"`
	DocumentKey string          `json:"document_key"`
	Resolution  string          `json:"resolution"`
	MergedData  json.RawMessage `json:"merged_data,omitempty"`
}

// ResolveResponse confirms a resolution.
type ResolveResponse struct {
	Success     bool   `json:"success"`
	DocumentKey string `json:"document_key"`
	Resolution  string `json:"resolution"`
}

// ReplicationMessage carries log entries from one node to another.
type ReplicationMessage struct {
	FromNode        string     `json:"from_node"`
	Entries         []LogEntry `json:"entries"`
	HasMore         bool       `json:"has_more"`
	CurrentSequence uint64     `json:"current_sequence"`
}

// ApplyResult summarizes what an applier did with a message.
type ApplyResult struct {
	Received      int `json:"received"`
	Accepted      int `json:"accepted"`
	Skipped       int `json:"skipped"`
	Applied       int `json:"applied"`
	ShardFiltered int `json:"shard_filtered"`
	Failed        int `json:"failed"`
	Persisted     int `json:"persisted"`
}

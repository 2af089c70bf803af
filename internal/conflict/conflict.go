// Package conflict detects concurrent writes to the same document and
// resolves them under a configurable strategy.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/concord/internal/vclock"
)

// Info describes two concurrent versions of one document.
type Info struct {
	DocumentKey  string               `json:"document_key"`
	Database     string               `json:"database"`
	Collection   string               `json:"collection"`
	LocalVector  vclock.VersionVector `json:"local_vector"`
	RemoteVector vclock.VersionVector `json:"remote_vector"`
	LocalData    json.RawMessage      `json:"local_data,omitempty"`
	RemoteData   json.RawMessage      `json:"remote_data,omitempty"`
	DetectedAt   time.Time            `json:"detected_at"`
}

// Detect reports whether the two vectors are concurrent. Equal, dominating
// and dominated vectors are ordinary causal updates, not conflicts.
func Detect(local, remote vclock.VersionVector) bool {
	return local.Compare(remote) == vclock.Concurrent
}

// NewInfo builds an Info stamped with the current time.
func NewInfo(database, collection, key string, local, remote vclock.VersionVector, localData, remoteData json.RawMessage) Info {
	return Info{
		DocumentKey:  key,
		Database:     database,
		Collection:   collection,
		LocalVector:  local,
		RemoteVector: remote,
		LocalData:    localData,
		RemoteData:   remoteData,
		DetectedAt:   time.Now().UTC(),
	}
}

// Outcome identifies which side a resolution keeps.
type Outcome int

const (
	LocalWins Outcome = iota
	RemoteWins
	Merged
	KeepBoth
)

// String returns the outcome name used on the wire.
func (o Outcome) String() string {
	switch o {
	case LocalWins:
		return "local_wins"
	case RemoteWins:
		return "remote_wins"
	case Merged:
		return "merged"
	case KeepBoth:
		return "keep_both"
	default:
		return "unknown"
	}
}

// Resolution is the result of resolving a conflict. Value is set for Merged;
// Local and Remote are set for KeepBoth.
type Resolution struct {
	Outcome Outcome
	Value   json.RawMessage
	Local   json.RawMessage
	Remote  json.RawMessage
}

// ApplyResolution materializes the document to store for res. A nil result
// means the chosen side has no document (for example a delete).
func ApplyResolution(res Resolution, local, remote json.RawMessage) json.RawMessage {
	switch res.Outcome {
	case LocalWins:
		return local
	case RemoteWins:
		return remote
	case Merged:
		return res.Value
	case KeepBoth:
		marker, err := json.Marshal(map[string]json.RawMessage{
			"_conflict": json.RawMessage("true"),
			"_local":    orNull(res.Local),
			"_remote":   orNull(res.Remote),
		})
		if err != nil {
			return nil
		}
		return marker
	default:
		return nil
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

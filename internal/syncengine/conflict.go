package syncengine

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/sigerd/fieldsync/internal/records"
)

// pullOutcome is the decision for one local record matched by a pulled record.
type pullOutcome struct {
	Changed bool
	// RemoteWon reports that the remote version replaced the local one.
	RemoteWon bool
	Updated   records.Record
}

// resolvePull applies last-writer-wins on updated_at. The remote version replaces
// local state only when strictly newer; a local record that is newer stays dirty
// and is pushed on the next cycle.
func resolvePull(local records.Record, remote RemoteRecord) pullOutcome {
	updated := local
	changed := false
	if updated.RemoteID == "" && remote.RemoteID != "" {
		updated.RemoteID = remote.RemoteID
		changed = true
	}

	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		updated.Payload = remote.Payload
		updated.Status = remote.Status
		if updated.Status == "" {
			updated.Status = records.StatusActive
		}
		if remote.HumanID != "" {
			updated.HumanID = remote.HumanID
		}
		updated.UpdatedAt = remote.UpdatedAt
		updated.Synced = true
		return pullOutcome{Changed: true, RemoteWon: true, Updated: updated}
	case remote.UpdatedAt.Equal(local.UpdatedAt) && !local.Synced && sameState(local, remote):
		updated.Synced = true
		changed = true
	}
	return pullOutcome{Changed: changed, Updated: updated}
}

// sameState reports whether the remote copy already holds exactly the local state.
func sameState(local records.Record, remote RemoteRecord) bool {
	remoteStatus := remote.Status
	if remoteStatus == "" {
		remoteStatus = records.StatusActive
	}
	return local.Status == remoteStatus &&
		local.HumanID == remote.HumanID &&
		samePayload(local.Payload, remote.Payload)
}

// samePayload compares payloads as JSON values, since key order may differ after
// the remote mapping layer.
func samePayload(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var left, right any
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

// sameEntityByHumanID reports whether a local record and a remote copy that share
// a human id are one entity. An echoed local key decides. Without one, a local
// record not yet linked to the remote store is the same entity only when the
// remote copy holds its state or its creation time; otherwise the two records
// collide on the human id.
func sameEntityByHumanID(local records.Record, remote RemoteRecord) bool {
	if local.RemoteID != "" {
		return local.RemoteID == remote.RemoteID
	}
	if remote.LocalKey != "" {
		return remote.LocalKey == local.IdentityKey()
	}
	return sameState(local, remote) || local.CreatedAt.Equal(remote.CreatedAt)
}

// cachedRemote restates a cache record as the remote copy it mirrors.
func cachedRemote(cached records.Record) RemoteRecord {
	return RemoteRecord{
		RemoteID:   cached.RemoteID,
		EntityType: cached.EntityType,
		HumanID:    cached.HumanID,
		LocalKey:   cached.OriginKey,
		Status:     cached.Status,
		CreatedAt:  cached.CreatedAt,
		UpdatedAt:  cached.UpdatedAt,
		Payload:    cached.Payload,
	}
}

package records

import "context"

// ResolveForWrite finds the local record a mutation of key must apply to. key may
// come from a merged listing and so name a cache record; in that case the local
// copy of the same remote record is returned, or, when the device has none yet,
// an unsaved adoption of the cache record (empty LocalKey) carrying its remote
// identity. Deleted records are returned as found; callers decide.
func ResolveForWrite(ctx context.Context, tx Store, entityType EntityType, key string) (Record, bool, error) {
	local := tx.Namespace(NamespaceLocal)
	record, found, err := local.Get(ctx, entityType, key)
	if err != nil || found {
		return record, found, err
	}

	cached, found, err := tx.Namespace(NamespaceCache).Get(ctx, entityType, key)
	if err != nil || !found {
		return Record{}, false, err
	}
	linked, err := LinkedLocal(ctx, local, cached)
	if err != nil {
		return Record{}, false, err
	}
	if linked.LocalKey != "" {
		return linked, true, nil
	}
	return Adopt(cached), true, nil
}

// LinkedLocal returns the local record mirroring a cache record, or the zero
// Record when the device holds no copy. local must be a local-namespace store.
func LinkedLocal(ctx context.Context, local Store, cached Record) (Record, error) {
	if cached.RemoteID != "" {
		record, found, err := First(local.Scan(ctx, cached.EntityType, Filter{RemoteID: cached.RemoteID, IncludeDeleted: true}))
		if err != nil || found {
			return record, err
		}
	}
	if cached.OriginKey != "" {
		record, found, err := local.Get(ctx, cached.EntityType, cached.OriginKey)
		if err != nil || found {
			return record, err
		}
	}
	return Record{}, nil
}

// Adopt turns a cache record into a new local record carrying the same remote
// identity. The result has no local key until it is Put.
func Adopt(cached Record) Record {
	return Record{
		EntityType: cached.EntityType,
		RemoteID:   cached.RemoteID,
		HumanID:    cached.HumanID,
		OriginKey:  cached.OriginKey,
		Status:     cached.Status,
		CreatedAt:  cached.CreatedAt,
		UpdatedAt:  cached.UpdatedAt,
		Payload:    cached.Payload,
	}
}

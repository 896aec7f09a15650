package playlist

type mintFunc func() (string, error)

type resolutionKind int

const (
	// resolutionReused claims a live record that still sits elsewhere in the
	// playlist and has not been visited yet.
	resolutionReused resolutionKind = iota
	// resolutionMoved reclaims a record previously displaced into the
	// move-candidate pool.
	resolutionMoved
	// resolutionNew materializes a brand-new record.
	resolutionNew
)

type resolution struct {
	kind   resolutionKind
	record ItemRecord
}

// mergeOutcome is the result of reconciling a proposed playlist against the
// live persisted state. Items carries the full final contents in order,
// Deletes the records displaced and never reclaimed.
type mergeOutcome struct {
	Record  Record
	Items   []ItemRecord
	Deletes []ItemRecord
	Changed bool
}

// mergeContents reconciles proposed contents against the live playlist in a
// single left-to-right pass. Identity is preserved across moves: a live
// record pushed out of its slot becomes a move candidate and is reclaimed,
// storage key intact, when a later proposed entry names its id. All state is
// local to the call.
//
// nextStorageID and nextItemID mint fresh identifiers; they are only invoked
// for entries that resolve as new, so no-op merges allocate nothing.
func mergeContents(live *Record, liveItems []ItemRecord, proposed Playlist, nextStorageID, nextItemID mintFunc) (mergeOutcome, error) {
	candidates := make(map[string]ItemRecord)
	liveByID := make(map[string]ItemRecord, len(liveItems))
	claimed := make(map[string]bool)
	for _, record := range liveItems {
		liveByID[record.ItemID] = record
	}

	resolve := func(entry Item) resolution {
		if entry.ID != "" {
			if candidate, ok := candidates[entry.ID]; ok {
				delete(candidates, entry.ID)
				return resolution{kind: resolutionMoved, record: candidate}
			}
			if record, ok := liveByID[entry.ID]; ok && !claimed[entry.ID] {
				return resolution{kind: resolutionReused, record: record}
			}
		}
		return resolution{kind: resolutionNew}
	}

	outcome := mergeOutcome{}
	changed := live == nil

	finalItems := make([]ItemRecord, 0, len(proposed.Items))
	finalIDs := make(map[string]bool, len(proposed.Items))

	playlistID := proposed.ID
	if live != nil {
		playlistID = live.PlaylistID
	}

	for position, entry := range proposed.Items {
		if position < len(liveItems) {
			liveRecord := liveItems[position]
			if entry.ID != "" && entry.ID == liveRecord.ItemID {
				record := liveRecord
				if record.ContentID != entry.ContentID {
					record.ContentID = entry.ContentID
					changed = true
				}
				record.Position = position
				claimed[record.ItemID] = true
				finalItems = append(finalItems, record)
				finalIDs[record.ItemID] = true
				continue
			}
			// The live occupant of this slot is displaced; keep it around in
			// case a later proposed entry reclaims it by id.
			if !claimed[liveRecord.ItemID] {
				candidates[liveRecord.ItemID] = liveRecord
			}
			changed = true
		} else {
			changed = true
		}

		resolved := resolve(entry)
		record := resolved.record
		if resolved.kind == resolutionNew {
			storageID, err := nextStorageID()
			if err != nil {
				return mergeOutcome{}, err
			}
			logicalID := entry.ID
			if logicalID == "" {
				minted, err := nextItemID()
				if err != nil {
					return mergeOutcome{}, err
				}
				logicalID = minted
			}
			record = ItemRecord{
				StorageID:  storageID,
				PlaylistID: playlistID,
				ItemID:     logicalID,
			}
		}
		record.ContentID = entry.ContentID
		record.Position = position
		claimed[record.ItemID] = true
		finalItems = append(finalItems, record)
		finalIDs[record.ItemID] = true
	}

	if len(proposed.Items) < len(liveItems) {
		changed = true
	}

	for _, record := range liveItems {
		if !finalIDs[record.ItemID] {
			outcome.Deletes = append(outcome.Deletes, record)
		}
	}

	header := Record{PlaylistID: playlistID, SnapshotID: string(initialSnapshotID)}
	if live != nil {
		header = *live
	} else {
		header.DisplayName = proposed.DisplayName
		header.OwnerID = proposed.OwnerID
	}
	if proposed.DisplayName != "" && proposed.DisplayName != header.DisplayName {
		header.DisplayName = proposed.DisplayName
		changed = true
	}

	if changed {
		current, err := NewSnapshotID(header.SnapshotID)
		if err != nil {
			return mergeOutcome{}, err
		}
		next, err := current.Next()
		if err != nil {
			return mergeOutcome{}, err
		}
		header.SnapshotID = next.String()
	}

	outcome.Record = header
	outcome.Items = finalItems
	outcome.Changed = changed
	return outcome, nil
}

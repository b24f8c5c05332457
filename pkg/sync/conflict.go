package sync

import (
	"context"
	"sync"
	"time"

	"github.com/loom-mesh/mesh/pkg/state"
)

// localRecord is the Synchronizer's own view of an actor's last known
// (version, lastModified), maintained independently of the store so that
// conflict detection can compare against the value that existed before an
// incoming write landed rather than re-reading the (already overwritten)
// store.
type localRecord struct {
	version      int64
	lastModified time.Time
}

type actorTracker struct {
	mu      sync.Mutex
	records map[string]localRecord
}

func newActorTracker() actorTracker {
	return actorTracker{records: make(map[string]localRecord)}
}

func (t *actorTracker) get(actorID string) (localRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[actorID]
	return r, ok
}

func (t *actorTracker) set(actorID string, r localRecord) {
	t.mu.Lock()
	t.records[actorID] = r
	t.mu.Unlock()
}

// handleRemoteActor applies spec.md §4.3's conflict-detection rule to an
// incoming actor document and, for a detected conflict, resolves it per
// the configured ResolutionStrategy.
func (s *Synchronizer) handleRemoteActor(doc remoteActorDoc) {
	local, known := s.actors.get(doc.ActorID)

	switch {
	case !known:
		// First observation of this actor; accept it as the baseline.
		s.actors.set(doc.ActorID, localRecord{version: doc.Version, lastModified: doc.LastModified})
		return

	case doc.Version == local.version+1:
		// Normal forward progress, not a conflict.
		s.actors.set(doc.ActorID, localRecord{version: doc.Version, lastModified: doc.LastModified})
		return

	case doc.Version <= local.version:
		// Stale; ignore.
		return

	case doc.Version > local.version+1 && doc.LastModified.After(local.lastModified):
		s.resolveConflict(doc, local)
		return

	default:
		// remoteVersion > localVersion+1 but its lastModified is not newer
		// than the local record's. Not flagged as a conflict; the later
		// write wins by substrate semantics, so we still adopt it as the
		// new baseline.
		s.actors.set(doc.ActorID, localRecord{version: doc.Version, lastModified: doc.LastModified})
	}
}

func (s *Synchronizer) resolveConflict(remote remoteActorDoc, local localRecord) {
	actor, err := s.state.Get(context.Background(), remote.ActorID)
	if err != nil {
		s.emitError(remote.ActorID, err)
		return
	}

	winner := resolve(s.cfg.Resolution, local, actor, remote)

	s.logger.Warn().Str("actorId", remote.ActorID).
		Int64("localVersion", local.version).Int64("remoteVersion", remote.Version).
		Int64("winnerVersion", winner.Version).Str("strategy", string(s.cfg.Resolution)).
		Msg("conflict detected")

	s.emit(Event{
		Type:  EventConflictDetected,
		Key:   remote.ActorID,
		Actor: winner,
	})

	s.actors.set(remote.ActorID, localRecord{version: winner.Version, lastModified: winner.LastModified})

	if !s.cfg.AutoResolve {
		return
	}
	if err := s.writeResolvedActor(remote.ActorID, winner); err != nil {
		s.emitError(remote.ActorID, err)
	}
}

// resolve picks the winning actor state per strategy. local carries only
// the version/lastModified the Synchronizer last observed; the full local
// state document, if available, comes from actorBeforeRemote (nil if the
// local store never held this actor).
func resolve(strategy ResolutionStrategy, local localRecord, actorBeforeRemote *state.ActorState, remote remoteActorDoc) *state.ActorState {
	remoteState := &state.ActorState{
		ActorID: remote.ActorID, ActorType: remote.ActorType, State: remote.State,
		Version: remote.Version, LastModified: remote.LastModified, Metadata: remote.Metadata,
	}
	if actorBeforeRemote == nil {
		return remoteState
	}

	localState := &state.ActorState{
		ActorID: actorBeforeRemote.ActorID, ActorType: actorBeforeRemote.ActorType,
		State: actorBeforeRemote.State, Version: local.version,
		LastModified: local.lastModified, Metadata: actorBeforeRemote.Metadata,
	}

	switch strategy {
	case HighestVersion:
		if remoteState.Version >= localState.Version {
			return remoteState
		}
		return localState

	case Merge:
		merged := make(map[string]any, len(localState.State)+len(remoteState.State))
		for k, v := range localState.State {
			merged[k] = v
		}
		for k, v := range remoteState.State {
			merged[k] = v
		}
		maxVersion := localState.Version
		if remoteState.Version > maxVersion {
			maxVersion = remoteState.Version
		}
		return &state.ActorState{
			ActorID: remoteState.ActorID, ActorType: remoteState.ActorType,
			State: merged, Version: maxVersion + 1, LastModified: nowFunc(),
			Metadata: remoteState.Metadata,
		}

	default: // LastWriteWins
		if remoteState.LastModified.After(localState.LastModified) {
			return remoteState
		}
		return localState
	}
}

// writeResolvedActor persists the conflict winner back to the local store
// as a new authoritative record, as directed by Config.AutoResolve. The
// write goes through the self-write tracker so the resulting substrate
// write does not loop back as another remote-change event.
func (s *Synchronizer) writeResolvedActor(actorID string, winner *state.ActorState) error {
	s.selfWrites.mark(actorPath(actorID))
	_, err := s.state.Set(context.Background(), actorID, winner.State)
	return err
}

// nowFunc is a seam for tests that need deterministic merge timestamps.
var nowFunc = time.Now

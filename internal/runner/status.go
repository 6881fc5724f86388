package runner

import (
	"context"
	"sort"
	"time"

	"github.com/AI-enthusiasts/opencode-ctl/internal/errors"
	"github.com/AI-enthusiasts/opencode-ctl/internal/store"
)

// Listing is a point-in-time view of all tracked sessions.
type Listing struct {
	// TakenAt is when the snapshot was captured.
	TakenAt time.Time

	// Sessions is sorted by creation time, oldest first.
	Sessions []*store.Session
}

// determineStatus classifies a session by probing the live process and
// its API. Liveness wins over everything: a dead process is dead no
// matter what the store last recorded. For a live process the API is
// consulted for pending permissions first, then busy state; an
// unreachable API maps to error.
func (r *Runner) determineStatus(ctx context.Context, sess *store.Session, now time.Time) store.Status {
	if !store.IsProcessAlive(sess.PID) {
		return store.StatusDead
	}

	api := r.clientFor(sess)
	perms, err := api.ListPermissions(ctx)
	if err != nil {
		return store.StatusError
	}
	if len(perms) > 0 {
		return store.StatusWaitingPermission
	}

	infos, err := api.ListSessions(ctx)
	if err != nil {
		return store.StatusError
	}
	window := r.cfg.Session.BusyWindow()
	for _, info := range infos {
		updated := time.UnixMilli(info.Updated)
		if now.Sub(updated) <= window && info.Busy {
			return store.StatusRunning
		}
	}
	return store.StatusIdle
}

// refresh reclassifies every session in the store and returns the IDs
// of sessions found dead. The caller decides whether dead records are
// reaped before the store is persisted.
func (r *Runner) refresh(ctx context.Context, s *store.Store, now time.Time) []string {
	var dead []string
	for _, sess := range s.Sessions {
		sess.Status = r.determineStatus(ctx, sess, now)
		if sess.Status == store.StatusDead {
			dead = append(dead, sess.ID)
		}
	}
	return dead
}

// enrich fills in the uncommitted-changes fields for a session. The
// probe runs fresh every call and its results are never persisted.
func (r *Runner) enrich(ctx context.Context, sess *store.Session) {
	if sess.Workdir == "" {
		return
	}
	dirty, files := r.prober.Check(ctx, sess.Workdir)
	sess.HasPendingChanges = dirty
	sess.ChangedFiles = files
}

// List snapshots every tracked session. Each record's status is
// recomputed, dead sessions are reaped, and survivors carry fresh
// uncommitted-changes data. The whole pass runs in a single store
// transaction; with session.snapshot_listing disabled the git probes
// move outside the lock for fresher results at the cost of the
// snapshot no longer being a single point in time.
func (r *Runner) List(ctx context.Context) (*Listing, error) {
	now := time.Now()
	listing := &Listing{TakenAt: now}

	err := r.mgr.Update(func(s *store.Store) error {
		dead := r.refresh(ctx, s, now)
		for _, id := range dead {
			r.logger.Info("reaping dead session", "session_id", id)
			s.Remove(id)
		}
		for _, sess := range s.Sessions {
			copied := *sess
			listing.Sessions = append(listing.Sessions, &copied)
		}
		if r.cfg.Session.SnapshotListing {
			for _, sess := range listing.Sessions {
				r.enrich(ctx, sess)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !r.cfg.Session.SnapshotListing {
		for _, sess := range listing.Sessions {
			r.enrich(ctx, sess)
		}
	}

	sort.Slice(listing.Sessions, func(i, j int) bool {
		return listing.Sessions[i].CreatedAt.Before(listing.Sessions[j].CreatedAt)
	})
	return listing, nil
}

// Snapshot is a read-only List: statuses are recomputed for display
// but nothing is persisted and dead sessions are not reaped. Used by
// occtl watch, which must not write the store it is watching.
func (r *Runner) Snapshot(ctx context.Context) (*Listing, error) {
	now := time.Now()
	listing := &Listing{TakenAt: now}

	err := r.mgr.View(func(s *store.Store) error {
		for _, sess := range s.Sessions {
			copied := *sess
			copied.Status = r.determineStatus(ctx, &copied, now)
			listing.Sessions = append(listing.Sessions, &copied)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, sess := range listing.Sessions {
		r.enrich(ctx, sess)
	}
	sort.Slice(listing.Sessions, func(i, j int) bool {
		return listing.Sessions[i].CreatedAt.Before(listing.Sessions[j].CreatedAt)
	})
	return listing, nil
}

// Get returns a single session with recomputed status and fresh
// uncommitted-changes data. A session found dead is removed from the
// store but still returned so callers can report what happened to it.
func (r *Runner) Get(ctx context.Context, id string) (*store.Session, error) {
	now := time.Now()
	var result *store.Session

	err := r.mgr.Update(func(s *store.Store) error {
		sess := s.Get(id)
		if sess == nil {
			return errors.NewNotFoundError("session", id)
		}
		sess.Status = r.determineStatus(ctx, sess, now)
		if sess.Status == store.StatusDead {
			r.logger.Info("reaping dead session", "session_id", id)
			s.Remove(id)
		}
		copied := *sess
		result = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.enrich(ctx, result)
	return result, nil
}

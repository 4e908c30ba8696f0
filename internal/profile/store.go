// Package profile is the document-style profile store: point reads, full and
// merge writes, and live per-record subscriptions.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	ident "github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/permerr"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/repo"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/pubsub"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

var (
	ErrNotFound = repo.ErrNotFound
	// ErrSubscriptionClosed is delivered when the change feed ends without
	// the subscriber cancelling it.
	ErrSubscriptionClosed = errors.New("profile subscription closed")
)

// Repository is the persistence a Store needs.
type Repository interface {
	Get(ctx context.Context, id string) (*entity.Profile, error)
	Put(ctx context.Context, p *entity.Profile) error
	Merge(ctx context.Context, id string, patch entity.Patch) (*entity.Profile, error)
	CreateIfAbsent(ctx context.Context, p *entity.Profile) (bool, error)
}

// Snapshot is one emission of a profile subscription. Err is set when the
// subscription failed; no further snapshots follow it.
type Snapshot struct {
	Profile *entity.Profile
	Exists  bool
	Err     error
}

// Store wraps the repository with access rules, the permission-error
// channel and change notifications.
type Store struct {
	repo     Repository
	bus      pubsub.Bus
	reporter permerr.Reporter
	logger   *zap.SugaredLogger
}

func NewStore(r Repository, bus pubsub.Bus, reporter permerr.Reporter, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = utilities.Nop()
	}
	return &Store{repo: r, bus: bus, reporter: reporter, logger: logger}
}

// Path is the document path reported for denied writes.
func Path(id string) string { return "users/" + id }

func (s *Store) Get(ctx context.Context, id string) (*entity.Profile, error) {
	return s.repo.Get(ctx, id)
}

// authorize allows a principal to write its own record, and admins to write
// any record. Only admins may grant the admin role. A denial is reported once
// on the permission-error channel and returned.
func (s *Store) authorize(ctx context.Context, actor ident.Principal, id string, op permerr.Operation, grantsAdmin bool, payload any) error {
	allowed := actor.ID != "" && actor.ID == id && !grantsAdmin
	if !allowed && actor.ID != "" {
		ap, err := s.repo.Get(ctx, actor.ID)
		switch {
		case err == nil:
			allowed = ap.Role == entity.RoleAdmin
		case !errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("profile: load actor: %w", err)
		}
	}
	if allowed {
		return nil
	}
	if s.reporter == nil {
		return permerr.ErrPermissionDenied
	}
	return s.reporter.Report(Path(id), op, payload)
}

// Set writes the whole record.
func (s *Store) Set(ctx context.Context, actor ident.Principal, p entity.Profile) (*entity.Profile, error) {
	if err := checkRole(p.Role); err != nil {
		return nil, err
	}
	op := permerr.OpUpdate
	if _, err := s.repo.Get(ctx, p.ID); errors.Is(err, repo.ErrNotFound) {
		op = permerr.OpCreate
	}
	if err := s.authorize(ctx, actor, p.ID, op, p.Role == entity.RoleAdmin, p); err != nil {
		return nil, err
	}
	if err := s.repo.Put(ctx, &p); err != nil {
		return nil, fmt.Errorf("profile: put: %w", err)
	}
	s.publish(ctx, &p)
	return &p, nil
}

// Merge applies a partial write. A missing record is created.
func (s *Store) Merge(ctx context.Context, actor ident.Principal, id string, patch entity.Patch) (*entity.Profile, error) {
	if patch.Role != nil {
		if err := checkRole(*patch.Role); err != nil {
			return nil, err
		}
	}
	grantsAdmin := patch.Role != nil && *patch.Role == entity.RoleAdmin
	if err := s.authorize(ctx, actor, id, permerr.OpUpdate, grantsAdmin, patch); err != nil {
		return nil, err
	}
	p, err := s.repo.Merge(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("profile: merge: %w", err)
	}
	s.publish(ctx, p)
	return p, nil
}

// Complete validates the completion form and merges it into the record.
func (s *Store) Complete(ctx context.Context, actor ident.Principal, id string, c Completion) (*entity.Profile, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return s.Merge(ctx, actor, id, c.Patch())
}

// CreateMinimal writes the name, e-mail and photo of a principal that has no
// record yet. It reports whether a record was created.
func (s *Store) CreateMinimal(ctx context.Context, actor ident.Principal, principal ident.Principal) (bool, error) {
	p := entity.Profile{
		ID:          principal.ID,
		DisplayName: principal.DisplayName,
		Email:       principal.Email,
		PhotoURL:    principal.PhotoURL,
	}
	if err := s.authorize(ctx, actor, p.ID, permerr.OpCreate, false, p); err != nil {
		return false, err
	}
	created, err := s.repo.CreateIfAbsent(ctx, &p)
	if err != nil {
		return false, fmt.Errorf("profile: create: %w", err)
	}
	if created {
		s.logger.Infow("profile created", "profile_id", p.ID)
		s.publish(ctx, &p)
	}
	return created, nil
}

func (s *Store) publish(ctx context.Context, p *entity.Profile) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		s.logger.Errorw("encode profile change", "profile_id", p.ID, "err", err)
		return
	}
	if err := s.bus.Publish(ctx, pubsub.ProfileTopic(p.ID), payload); err != nil {
		s.logger.Warnw("publish profile change", "profile_id", p.ID, "err", err)
	}
}

// Subscribe emits the current value of the record, then every change in the
// order the store published them, until cancel is called or a snapshot with
// Err is emitted. fn is called from a single goroutine. cancel stops the
// subscription and waits for it; fn is never called after cancel returns.
func (s *Store) Subscribe(ctx context.Context, id string, fn func(Snapshot)) (cancel func(), err error) {
	if s.bus == nil {
		return nil, errors.New("profile: no change feed configured")
	}
	ctx, stop := context.WithCancel(ctx)
	// subscribe before the initial read so no write between the two is lost
	sub, err := s.bus.Subscribe(ctx, pubsub.ProfileTopic(id))
	if err != nil {
		stop()
		return nil, fmt.Errorf("profile: subscribe: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()
		s.feed(ctx, id, sub, fn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			_ = sub.Close()
			wg.Wait()
		})
	}, nil
}

func (s *Store) feed(ctx context.Context, id string, sub pubsub.Subscription, fn func(Snapshot)) {
	emit := func(snap Snapshot) bool {
		if ctx.Err() != nil {
			return false
		}
		fn(snap)
		return snap.Err == nil
	}

	p, err := s.repo.Get(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if !emit(Snapshot{}) {
			return
		}
	case err != nil:
		emit(Snapshot{Err: fmt.Errorf("profile: read: %w", err)})
		return
	default:
		if !emit(Snapshot{Profile: p, Exists: true}) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				emit(Snapshot{Err: ErrSubscriptionClosed})
				return
			}
			var next entity.Profile
			if err := json.Unmarshal(msg, &next); err != nil {
				emit(Snapshot{Err: fmt.Errorf("profile: decode change: %w", err)})
				return
			}
			if !emit(Snapshot{Profile: &next, Exists: true}) {
				return
			}
		}
	}
}

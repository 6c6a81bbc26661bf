package idpsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// RealmLister is the subset of the realm repository the scheduler needs,
// kept narrow so tests can fake it.
type RealmLister interface {
	List(ctx context.Context, p pgstore.Pagination) ([]*pgstore.Realm, error)
}

// SyncRecorder receives one event per completed sync pass; nil disables
// recording.
type SyncRecorder interface {
	RecordIdPSync(realm string, err error, d time.Duration)
}

// Scheduler runs one SyncRealm pass per realm on that realm's own cron
// schedule. Realms are (re)loaded from the database on every Refresh
// call so a newly-configured realm starts syncing without a process
// restart.
type Scheduler struct {
	syncer *Syncer
	realms RealmLister
	logger *slog.Logger
	cron   *cron.Cron
	jobs   map[int64]cron.EntryID
	rec    SyncRecorder
}

// SetRecorder attaches a per-pass metrics recorder. Called once during
// wiring, before Start.
func (s *Scheduler) SetRecorder(rec SyncRecorder) { s.rec = rec }

// NewScheduler builds a Scheduler. Start must be called to begin running
// entries; Refresh (re)reads realm configs and (re)schedules their jobs.
func NewScheduler(syncer *Syncer, realms RealmLister, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		syncer: syncer,
		realms: realms,
		logger: logger,
		cron:   cron.New(),
		jobs:   make(map[int64]cron.EntryID),
	}
}

// Start begins running scheduled entries in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop ends the scheduler, waiting for any in-flight sync to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Refresh lists every realm (active or not), decodes its IdPSyncConfig, and
// (re)schedules its sync job. A realm whose schedule changed is
// unregistered and re-added under the new expression; a realm with no
// configured schedule is dropped from the scheduler if it was present.
func (s *Scheduler) Refresh(ctx context.Context) error {
	realms, err := s.realms.List(ctx, pgstore.Pagination{Limit: 10000})
	if err != nil {
		return err
	}

	seen := make(map[int64]bool, len(realms))
	for _, realm := range realms {
		seen[realm.ID] = true

		cfg, err := ParseConfig(realm.IdPSyncConfig)
		if err != nil {
			s.logger.Error("idpsync: invalid sync config, skipping", "realm", realm.Name, "error", err)
			continue
		}
		if cfg == nil || cfg.Schedule == "" {
			s.unschedule(realm.ID)
			continue
		}

		entryID, err := s.cron.AddFunc(cfg.Schedule, func() {
			s.runOne(context.Background(), realm, *cfg)
		})
		if err != nil {
			s.logger.Error("idpsync: invalid cron schedule, skipping", "realm", realm.Name, "schedule", cfg.Schedule, "error", err)
			continue
		}
		s.unschedule(realm.ID)
		s.jobs[realm.ID] = entryID
	}

	for id := range s.jobs {
		if !seen[id] {
			s.unschedule(id)
		}
	}
	return nil
}

func (s *Scheduler) unschedule(realmID int64) {
	if entryID, ok := s.jobs[realmID]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, realmID)
	}
}

func (s *Scheduler) runOne(ctx context.Context, realm *pgstore.Realm, cfg Config) {
	src := NewKeycloakAdapter(cfg)
	started := time.Now()
	err := s.syncer.SyncRealm(ctx, realm, src)
	if s.rec != nil {
		s.rec.RecordIdPSync(realm.Name, err, time.Since(started))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("idpsync: sync failed", "realm", realm.Name, "error", err)
	}
}

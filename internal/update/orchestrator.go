// Package update pulls a new revision of the code base into the working tree
// and reloads the components that can be swapped without dropping sockets.
package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/audit"
	"github.com/novamd/bridge-server-go/internal/config"
	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/metrics"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/notifier"
)

// RevisionFile in the working tree holds the revision last applied.
const RevisionFile = ".revision"

// Reloadable is a component that can rebuild its state from disk or the
// datastore while the process keeps running.
type Reloadable interface {
	Name() string
	Reload(ctx context.Context) error
}

// socketOwner is implemented by components holding live network sockets.
type socketOwner interface {
	OwnsSockets() bool
}

type SessionSource interface {
	Snapshot() []model.SessionInfo
}

type Options struct {
	WorkDir    string
	StagingDir string
	// MutableDirs are relative to WorkDir and never overwritten by an update.
	MutableDirs   []string
	AdminIDs      []string
	FetchAttempts int
	FetchBackoff  time.Duration
}

type Result struct {
	ID                  string        `json:"id"`
	Updated             bool          `json:"updated"`
	FromRevision        string        `json:"fromRevision,omitempty"`
	ToRevision          string        `json:"toRevision,omitempty"`
	FilesChanged        int           `json:"filesChanged"`
	DependenciesChanged bool          `json:"dependenciesChanged"`
	RestartRequired     bool          `json:"restartRequired"`
	Reloaded            []string      `json:"reloaded"`
	SessionsBefore      int           `json:"sessionsBefore"`
	SessionsAfter       int           `json:"sessionsAfter"`
	LostSessions        []string      `json:"lostSessions,omitempty"`
	Duration            time.Duration `json:"duration"`
}

type Status struct {
	Running    bool    `json:"running"`
	LastResult *Result `json:"lastResult,omitempty"`
	LastError  string  `json:"lastError,omitempty"`
}

type Orchestrator struct {
	sessions  SessionSource
	fetcher   Fetcher
	installer Installer
	notifier  notifier.Notifier
	metrics   *metrics.Metrics
	opts      Options

	running atomic.Bool

	mu         sync.Mutex
	reloadable []Reloadable
	lastResult *Result
	lastErr    string
}

func NewOrchestrator(sessions SessionSource, fetcher Fetcher, installer Installer, n notifier.Notifier, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.FetchAttempts <= 0 {
		opts.FetchAttempts = config.UpdateFetchAttempts
	}
	if opts.FetchBackoff <= 0 {
		opts.FetchBackoff = config.UpdateFetchBackoff
	}
	return &Orchestrator{
		sessions:  sessions,
		fetcher:   fetcher,
		installer: installer,
		notifier:  n,
		metrics:   m,
		opts:      opts,
	}
}

// Register adds a component to the reload whitelist. Components that own
// sockets are refused since reloading them would drop connections.
func (o *Orchestrator) Register(r Reloadable) error {
	if so, ok := r.(socketOwner); ok && so.OwnsSockets() {
		return fmt.Errorf("%s owns live sockets and cannot be hot-reloaded", r.Name())
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reloadable = append(o.reloadable, r)
	return nil
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Running: o.running.Load(), LastResult: o.lastResult, LastError: o.lastErr}
}

// PerformUpdate runs an update to completion. A call made while another
// update is running fails with UpdateInProgress before touching any file.
func (o *Orchestrator) PerformUpdate(ctx context.Context, force bool) (*Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, apperrors.UpdateInProgress()
	}
	defer o.running.Store(false)
	return o.perform(ctx, force)
}

// Trigger starts an update in the background.
func (o *Orchestrator) Trigger(force bool) error {
	if !o.running.CompareAndSwap(false, true) {
		return apperrors.UpdateInProgress()
	}
	go func() {
		defer o.running.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), config.UpdateStepTimeout)
		defer cancel()
		if _, err := o.perform(ctx, force); err != nil {
			log.Error().Err(err).Msg("background update failed")
		}
	}()
	return nil
}

func (o *Orchestrator) perform(ctx context.Context, force bool) (*Result, error) {
	started := time.Now()
	res := &Result{ID: uuid.NewString()}
	stage := filepath.Join(o.opts.StagingDir, res.ID)
	defer func() {
		if err := os.RemoveAll(stage); err != nil {
			log.Warn().Err(err).Str("updateId", res.ID).Msg("failed to remove staging dir")
		}
	}()

	before := o.sessions.Snapshot()
	res.SessionsBefore = len(before)
	res.FromRevision = readRevision(o.opts.WorkDir)

	log.Info().Str("updateId", res.ID).Bool("force", force).Int("sessions", res.SessionsBefore).Msg("update started")

	err := o.apply(ctx, res, stage, force)

	after := o.sessions.Snapshot()
	res.SessionsAfter = len(after)
	res.LostSessions = lostSessions(before, after)
	res.Duration = time.Since(started)
	for _, id := range res.LostSessions {
		log.Warn().Str("updateId", res.ID).Str("sessionId", id).Msg("session lost during update")
	}

	o.finish(ctx, res, err)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) apply(ctx context.Context, res *Result, stage string, force bool) error {
	mutableBackup := filepath.Join(stage, "state")
	saved, err := backupDirs(o.opts.WorkDir, mutableBackup, o.opts.MutableDirs)
	if err != nil {
		return apperrors.UpdateFailed("backup", err)
	}

	src := filepath.Join(stage, "src")
	revision, err := o.fetch(ctx, src)
	if err != nil {
		return apperrors.UpdateFailed("fetch", err)
	}
	res.ToRevision = revision

	if !force && revision != "" && revision == res.FromRevision {
		log.Info().Str("updateId", res.ID).Str("revision", revision).Msg("already up to date")
		return nil
	}

	oldManifest := hashFiles(o.opts.WorkDir, manifestFiles)
	changes, err := applyTree(src, o.opts.WorkDir, filepath.Join(stage, "files"), o.opts.MutableDirs)
	rollback := func(step string, cause error) error {
		o.rollback(res.ID, changes, mutableBackup, saved)
		restoreRevision(o.opts.WorkDir, res.FromRevision)
		return apperrors.UpdateFailed(step, cause)
	}
	if err != nil {
		return rollback("copy", err)
	}
	res.FilesChanged = changes.Len()
	res.DependenciesChanged = hashFiles(o.opts.WorkDir, manifestFiles) != oldManifest

	if res.DependenciesChanged {
		if o.installer != nil {
			if err := o.installer.Install(ctx, o.opts.WorkDir); err != nil {
				return rollback("install", err)
			}
		} else {
			res.RestartRequired = true
		}
	}

	if err := writeRevision(o.opts.WorkDir, revision); err != nil {
		return rollback("record revision", err)
	}

	reloaded, err := o.reload(ctx)
	res.Reloaded = reloaded
	if err != nil {
		rbErr := rollback("reload", err)
		if _, reErr := o.reload(ctx); reErr != nil {
			log.Error().Err(reErr).Str("updateId", res.ID).Msg("reload after rollback failed")
		}
		return rbErr
	}

	res.Updated = true
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, dest string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.FetchAttempts; attempt++ {
		if err := os.RemoveAll(dest); err != nil {
			return "", err
		}
		revision, err := o.fetcher.Fetch(ctx, dest)
		if err == nil {
			return revision, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("fetch failed")
		if attempt == o.opts.FetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", errors.Join(lastErr, ctx.Err())
		case <-time.After(o.opts.FetchBackoff):
		}
	}
	return "", lastErr
}

func (o *Orchestrator) reload(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	targets := append([]Reloadable(nil), o.reloadable...)
	o.mu.Unlock()

	var reloaded []string
	for _, r := range targets {
		if err := r.Reload(ctx); err != nil {
			return reloaded, fmt.Errorf("%s: %w", r.Name(), err)
		}
		reloaded = append(reloaded, r.Name())
	}
	return reloaded, nil
}

func (o *Orchestrator) rollback(id string, changes *changeSet, mutableBackup string, saved []string) {
	if changes != nil {
		if err := changes.revert(o.opts.WorkDir); err != nil {
			log.Error().Err(err).Str("updateId", id).Msg("working tree rollback incomplete")
		}
	}
	if err := restoreDirs(o.opts.WorkDir, mutableBackup, saved); err != nil {
		log.Error().Err(err).Str("updateId", id).Msg("state rollback incomplete")
	}
	log.Warn().Str("updateId", id).Msg("update rolled back")
}

func (o *Orchestrator) finish(ctx context.Context, res *Result, err error) {
	o.mu.Lock()
	o.lastResult = res
	o.lastErr = ""
	if err != nil {
		o.lastErr = err.Error()
	}
	o.mu.Unlock()

	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "failed"
	case res.Updated:
		outcome = "succeeded"
	}
	o.metrics.UpdateFinished(outcome)

	audit.Log(ctx, audit.Event{
		Type: audit.EventUpdateRun,
		Details: map[string]interface{}{
			"updateId": res.ID,
			"outcome":  outcome,
			"from":     res.FromRevision,
			"to":       res.ToRevision,
			"files":    res.FilesChanged,
			"lost":     len(res.LostSessions),
		},
	})

	var text string
	if err != nil {
		text = fmt.Sprintf("❌ Update failed and was rolled back.\n\n%s\nSessions: %d → %d",
			err.Error(), res.SessionsBefore, res.SessionsAfter)
	} else if !res.Updated {
		text = fmt.Sprintf("ℹ️ Already up to date (%s).\nSessions: %d", shortRevision(res.ToRevision), res.SessionsAfter)
	} else {
		text = fmt.Sprintf("✅ Update applied: %s → %s\nFiles changed: %d\nReloaded: %s\nSessions: %d → %d",
			shortRevision(res.FromRevision), shortRevision(res.ToRevision), res.FilesChanged,
			strings.Join(res.Reloaded, ", "), res.SessionsBefore, res.SessionsAfter)
		if len(res.LostSessions) > 0 {
			text += fmt.Sprintf("\n⚠️ Lost sessions: %d", len(res.LostSessions))
		}
		if res.RestartRequired {
			text += "\n🔁 Dependencies changed, a restart is required."
		}
	}
	for _, id := range o.opts.AdminIDs {
		o.notifier.SendMessage(ctx, strings.TrimSpace(id), text)
	}

	log.Info().
		Str("updateId", res.ID).
		Str("outcome", outcome).
		Int("files", res.FilesChanged).
		Int("sessionsBefore", res.SessionsBefore).
		Int("sessionsAfter", res.SessionsAfter).
		Dur("duration", res.Duration).
		Msg("update finished")
}

// lostSessions returns the ids present before but missing after.
func lostSessions(before, after []model.SessionInfo) []string {
	present := make(map[string]bool, len(after))
	for _, s := range after {
		present[s.SessionID] = true
	}
	var lost []string
	for _, s := range before {
		if !present[s.SessionID] {
			lost = append(lost, s.SessionID)
		}
	}
	return lost
}

func readRevision(workDir string) string {
	data, err := os.ReadFile(filepath.Join(workDir, RevisionFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeRevision(workDir, revision string) error {
	return os.WriteFile(filepath.Join(workDir, RevisionFile), []byte(revision+"\n"), 0o644)
}

func restoreRevision(workDir, revision string) {
	var err error
	if revision == "" {
		err = os.Remove(filepath.Join(workDir, RevisionFile))
		if os.IsNotExist(err) {
			err = nil
		}
	} else {
		err = writeRevision(workDir, revision)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to restore revision file")
	}
}

func shortRevision(rev string) string {
	if rev == "" {
		return "unknown"
	}
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

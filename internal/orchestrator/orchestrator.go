// Package orchestrator drives the discover, confirm, fetch, archive,
// sync pipeline. One cycle moves through the stages in order; a failure
// in one tracked image never takes down the rest of the cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airone01/isod/internal/archive"
	"github.com/airone01/isod/internal/catalog"
	"github.com/airone01/isod/internal/config"
	"github.com/airone01/isod/internal/drive"
	"github.com/airone01/isod/internal/export"
	"github.com/airone01/isod/internal/fetch"
	"github.com/airone01/isod/internal/naming"
	"github.com/airone01/isod/internal/resolver"
)

// Stage is where a cycle currently stands.
type Stage string

const (
	StageIdle                 Stage = "idle"
	StageDiscovering          Stage = "discovering"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
	StageFetching             Stage = "fetching"
	StageArchiving            Stage = "archiving"
	StageSyncing              Stage = "syncing"
	StageFailed               Stage = "failed"
)

// Status is a snapshot of the orchestrator state.
type Status struct {
	Stage       Stage
	CycleID     string
	FailedStage Stage
	Err         error
}

// Proposal is one new release found during discovery, pending approval.
type Proposal struct {
	CanonicalName string
	Descriptor    *resolver.ReleaseDescriptor
	Approved      bool
}

// CycleReport summarizes one executed cycle.
type CycleReport struct {
	CycleID      string
	Added        []string
	Retired      []string
	Synced       *drive.ApplyResult
	DrivePlan    *drive.Plan
	BytesFetched int64
	// Failures maps identity strings to what went wrong with them.
	Failures map[string]error
}

// Orchestrator wires the pipeline together. Construct one per process;
// it shares the archive's single-writer lock.
type Orchestrator struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	scheme   *naming.Scheme
	resolver *resolver.Resolver
	fetcher  *fetch.Pool
	archive  *archive.Archive
	logger   *slog.Logger

	mu        sync.Mutex
	stage     Stage
	cycleID   string
	failedAt  Stage
	lastErr   error
	proposals map[string]*Proposal
}

// New assembles an orchestrator from its parts.
func New(cfg *config.Config, cat *catalog.Catalog, res *resolver.Resolver, pool *fetch.Pool, arc *archive.Archive, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		catalog:   cat,
		scheme:    cat.Scheme(),
		resolver:  res,
		fetcher:   pool,
		archive:   arc,
		logger:    logger,
		stage:     StageIdle,
		proposals: make(map[string]*Proposal),
	}
}

// Orderings maps every cataloged distro to its version ordering, for
// retention and drive planning.
func Orderings(cat *catalog.Catalog) map[string]naming.Ordering {
	out := make(map[string]naming.Ordering)
	for _, name := range cat.Names() {
		if e, ok := cat.Get(name); ok {
			out[e.Distro] = e.Ordering
		}
	}
	return out
}

// Status returns the current pipeline snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Stage: o.stage, CycleID: o.cycleID, FailedStage: o.failedAt, Err: o.lastErr}
}

func (o *Orchestrator) setStage(s Stage) {
	o.mu.Lock()
	o.stage = s
	o.mu.Unlock()
}

func (o *Orchestrator) fail(at Stage, err error) error {
	o.mu.Lock()
	o.stage = StageFailed
	o.failedAt = at
	o.lastErr = err
	o.mu.Unlock()
	return err
}

// Discover resolves the latest release for every tracked family and
// proposes the ones not yet archived. The orchestrator then waits in
// awaiting_confirmation until Approve or Reject; nothing is downloaded
// yet. Per-family resolve failures are reported without blocking the
// other families.
func (o *Orchestrator) Discover(ctx context.Context) ([]Proposal, map[string]error, error) {
	o.mu.Lock()
	if o.stage != StageIdle && o.stage != StageAwaitingConfirmation && o.stage != StageFailed {
		stage := o.stage
		o.mu.Unlock()
		return nil, nil, fmt.Errorf("cycle already running (stage %s)", stage)
	}
	o.cycleID = uuid.NewString()
	o.stage = StageDiscovering
	o.failedAt = ""
	o.lastErr = nil
	o.proposals = make(map[string]*Proposal)
	o.mu.Unlock()

	// Families resolve concurrently under the same worker limit the
	// fetch pool uses. Results and failures funnel through one mutex.
	workers := o.cfg.Fetch.Workers
	if workers < 1 {
		workers = 1
	}
	failures := make(map[string]error)
	var (
		wg       sync.WaitGroup
		resMu    sync.Mutex
		fatalErr error
	)
	sem := make(chan struct{}, workers)
	for _, tracked := range o.cfg.Tracked {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tracked config.TrackedConfig) {
			defer wg.Done()
			defer func() { <-sem }()
			o.discoverFamily(ctx, tracked, &resMu, failures, &fatalErr)
		}(tracked)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		o.setStage(StageIdle)
		return nil, failures, err
	}
	if fatalErr != nil {
		return nil, failures, o.fail(StageDiscovering, fatalErr)
	}

	props := o.Proposals()
	if len(props) == 0 {
		o.setStage(StageIdle)
	} else {
		o.setStage(StageAwaitingConfirmation)
	}
	return props, failures, nil
}

// discoverFamily resolves one tracked family and records either a
// proposal or a per-family failure. fatal is set for errors that must
// abort the whole discovery, such as an unreadable archive index.
func (o *Orchestrator) discoverFamily(ctx context.Context, tracked config.TrackedConfig, mu *sync.Mutex, failures map[string]error, fatal *error) {
	setFailure := func(key string, err error) {
		mu.Lock()
		failures[key] = err
		mu.Unlock()
	}
	setFatal := func(err error) {
		mu.Lock()
		if *fatal == nil {
			*fatal = err
		}
		mu.Unlock()
	}

	entry, ok := o.catalog.Get(tracked.Distro)
	if !ok {
		setFailure(tracked.Distro, fmt.Errorf("distro %q not in catalog", tracked.Distro))
		return
	}

	desc, err := o.resolver.Resolve(ctx, entry, tracked.Arch, tracked.Variant)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		setFailure(familyKey(entry.Distro, tracked), err)
		o.logger.Warn("discovery failed for family", "distro", entry.Distro, "error", err)
		return
	}

	name, err := o.scheme.Format(desc.Identity)
	if err != nil {
		setFailure(desc.Identity.String(), err)
		return
	}

	archived, err := o.archive.Has(desc.Identity)
	if err != nil {
		setFatal(err)
		return
	}
	if archived {
		o.logger.Debug("latest release already archived", "name", name)
		return
	}

	o.mu.Lock()
	o.proposals[name] = &Proposal{CanonicalName: name, Descriptor: desc}
	o.mu.Unlock()
	o.logger.Info("proposing new release", "name", name, "url", desc.DownloadURL)
}

// Proposals returns the current proposals sorted by name.
func (o *Orchestrator) Proposals() []Proposal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Proposal, 0, len(o.proposals))
	for _, p := range o.proposals {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out
}

// Approve marks proposals for fetching. With no arguments every
// pending proposal is approved.
func (o *Orchestrator) Approve(names ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(names) == 0 {
		for _, p := range o.proposals {
			p.Approved = true
		}
		return nil
	}
	for _, name := range names {
		p, ok := o.proposals[name]
		if !ok {
			return fmt.Errorf("no pending proposal %q", name)
		}
		p.Approved = true
	}
	return nil
}

// Reject discards proposals. With no arguments everything pending is
// rejected and the cycle returns to idle.
func (o *Orchestrator) Reject(names ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(names) == 0 {
		o.proposals = make(map[string]*Proposal)
	} else {
		for _, name := range names {
			if _, ok := o.proposals[name]; !ok {
				return fmt.Errorf("no pending proposal %q", name)
			}
			delete(o.proposals, name)
		}
	}
	if len(o.proposals) == 0 && o.stage == StageAwaitingConfirmation {
		o.stage = StageIdle
	}
	return nil
}

// Execute runs the approved proposals through fetch and archive, then
// enforces retention and syncs the drive when one is configured. It is
// valid to call with zero approved proposals; retention and drive sync
// still run so the drive converges on the archive.
func (o *Orchestrator) Execute(ctx context.Context) (*CycleReport, error) {
	o.mu.Lock()
	if o.stage != StageAwaitingConfirmation && o.stage != StageIdle {
		stage := o.stage
		o.mu.Unlock()
		return nil, fmt.Errorf("not ready to execute (stage %s)", stage)
	}
	if o.cycleID == "" {
		o.cycleID = uuid.NewString()
	}
	var approved []*Proposal
	for _, p := range o.proposals {
		if p.Approved {
			approved = append(approved, p)
		}
	}
	report := &CycleReport{CycleID: o.cycleID, Failures: make(map[string]error)}
	o.stage = StageFetching
	o.mu.Unlock()

	run := &archive.CycleRun{CycleID: report.CycleID, StartTime: time.Now().UTC(), Status: "running"}
	if err := o.archive.Index().CreateCycleRun(run); err != nil {
		o.logger.Warn("failed to record cycle run", "error", err)
	}

	requests := make([]fetch.Request, 0, len(approved))
	for _, p := range approved {
		d := p.Descriptor
		requests = append(requests, fetch.Request{
			Identity:       d.Identity,
			CanonicalName:  p.CanonicalName,
			URLs:           append([]string{d.DownloadURL}, d.MirrorURLs...),
			ChecksumAlgo:   d.Checksum.Algo,
			ChecksumDigest: d.Checksum.Digest,
		})
	}
	results := o.fetcher.Execute(ctx, requests)
	if err := ctx.Err(); err != nil {
		o.finishRun(run, report, "failed", err.Error())
		return report, o.fail(StageFetching, err)
	}

	o.setStage(StageArchiving)
	publishedAt := make(map[string]time.Time, len(approved))
	for _, p := range approved {
		publishedAt[p.CanonicalName] = p.Descriptor.PublishedAt
	}
	for _, r := range results {
		if r.Err != nil {
			report.Failures[r.Request.Identity.String()] = r.Err
			continue
		}
		rec, err := o.archive.Admit(ctx, r.Staged, publishedAt[r.Request.CanonicalName])
		if err != nil {
			report.Failures[r.Request.Identity.String()] = err
			o.logger.Error("admission failed", "name", r.Request.CanonicalName, "error", err)
			continue
		}
		report.Added = append(report.Added, rec.CanonicalName)
		report.BytesFetched += r.Staged.Size
	}

	retired, err := o.archive.EnforceRetention(o.cfg.Archive.KeepLatest)
	if err != nil {
		o.finishRun(run, report, "failed", err.Error())
		return report, o.fail(StageArchiving, err)
	}
	report.Retired = retired

	if o.cfg.Drive.MountPath != "" {
		o.setStage(StageSyncing)
		if err := o.syncDrive(ctx, report); err != nil {
			o.finishRun(run, report, "failed", err.Error())
			return report, o.fail(StageSyncing, err)
		}
	}

	status := "success"
	if len(report.Failures) > 0 {
		status = "partial"
		if len(requests) > 0 && len(report.Added) == 0 {
			status = "failed"
		}
	}
	o.finishRun(run, report, status, "")

	o.mu.Lock()
	o.stage = StageIdle
	o.proposals = make(map[string]*Proposal)
	o.mu.Unlock()
	return report, nil
}

func (o *Orchestrator) finishRun(run *archive.CycleRun, report *CycleReport, status, errMsg string) {
	run.EndTime = time.Now().UTC()
	run.ImagesAdded = len(report.Added)
	run.ImagesRemoved = len(report.Retired)
	run.ImagesFailed = len(report.Failures)
	run.BytesFetched = report.BytesFetched
	run.Status = status
	run.ErrorMessage = errMsg
	if run.ID != 0 {
		if err := o.archive.Index().UpdateCycleRun(run); err != nil {
			o.logger.Warn("failed to update cycle run", "error", err)
		}
	}
}

// planDrive scans the drive and builds a convergence plan without
// touching anything on it.
func (o *Orchestrator) planDrive(root string) (drive.Plan, *drive.Manifest, error) {
	manifest := drive.LoadManifest(root, o.logger)
	state, err := drive.Scan(root, o.scheme, manifest, o.logger)
	if err != nil {
		return drive.Plan{}, nil, err
	}

	records, err := o.archive.Index().ListImages("")
	if err != nil {
		return drive.Plan{}, nil, err
	}
	desired := make([]drive.Desired, 0, len(records))
	for _, rec := range records {
		if !o.driveWanted(rec) {
			continue
		}
		desired = append(desired, drive.Desired{
			Name: rec.CanonicalName,
			Identity: naming.Identity{
				Distro: rec.Distro, Version: rec.Version,
				Arch: rec.Arch, Variant: rec.Variant,
			},
			Size:       rec.Size,
			Digest:     rec.Digest,
			SourcePath: o.archive.ImagePath(rec.CanonicalName),
		})
	}

	free, err := drive.FreeBytes(root)
	if err != nil {
		return drive.Plan{}, nil, err
	}
	if o.cfg.Drive.ReserveSpace != "" {
		reserve, perr := export.ParseSize(o.cfg.Drive.ReserveSpace)
		if perr != nil {
			return drive.Plan{}, nil, fmt.Errorf("drive.reserve_space: %w", perr)
		}
		free -= reserve
		if free < 0 {
			free = 0
		}
	}

	return drive.BuildPlan(desired, state, free, Orderings(o.catalog)), manifest, nil
}

// driveWanted reports whether the drive should carry the image. With
// no wanted list configured the drive mirrors the whole archive;
// otherwise only images matching a wanted entry are planned, so the
// rest never competes for drive space.
func (o *Orchestrator) driveWanted(rec archive.ImageRecord) bool {
	if len(o.cfg.Drive.Wanted) == 0 {
		return true
	}
	for _, w := range o.cfg.Drive.Wanted {
		if w.Matches(rec.Distro, rec.Version, rec.Arch, rec.Variant) {
			return true
		}
	}
	return false
}

// PlanDrive returns what a drive sync would do, without doing it.
func (o *Orchestrator) PlanDrive() (drive.Plan, error) {
	if o.cfg.Drive.MountPath == "" {
		return drive.Plan{}, fmt.Errorf("drive.mount_path is not configured")
	}
	plan, _, err := o.planDrive(o.cfg.Drive.MountPath)
	return plan, err
}

// SyncDrive converges the configured drive on the archive without
// running discovery first.
func (o *Orchestrator) SyncDrive(ctx context.Context) (*drive.ApplyResult, drive.Plan, error) {
	if o.cfg.Drive.MountPath == "" {
		return nil, drive.Plan{}, fmt.Errorf("drive.mount_path is not configured")
	}
	root := o.cfg.Drive.MountPath
	plan, manifest, err := o.planDrive(root)
	if err != nil {
		return nil, plan, err
	}
	res, err := drive.Apply(ctx, root, plan, manifest, o.logger)
	return res, plan, err
}

// syncDrive converges the configured drive on the archive contents.
func (o *Orchestrator) syncDrive(ctx context.Context, report *CycleReport) error {
	root := o.cfg.Drive.MountPath
	plan, manifest, err := o.planDrive(root)
	if err != nil {
		return err
	}
	report.DrivePlan = &plan
	if plan.Shortfall > 0 {
		o.logger.Warn("drive too small for full archive",
			"shortfall_bytes", plan.Shortfall, "dropped", len(plan.Dropped))
	}

	res, err := drive.Apply(ctx, root, plan, manifest, o.logger)
	if res != nil {
		report.Synced = res
		for _, ferr := range res.Failed {
			report.Failures["drive:"+root] = errors.Join(report.Failures["drive:"+root], ferr)
		}
	}
	return err
}

// RunCycle performs a full cycle. With auto-approve configured it goes
// straight through; otherwise it stops at awaiting_confirmation and
// returns the proposals for a human to approve.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, []Proposal, error) {
	props, failures, err := o.Discover(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(props) > 0 && !o.cfg.AutoApprove {
		return nil, props, nil
	}
	if err := o.Approve(); err != nil {
		return nil, nil, err
	}
	report, err := o.Execute(ctx)
	if report != nil {
		for k, v := range failures {
			report.Failures[k] = v
		}
	}
	return report, nil, err
}

func familyKey(distro string, t config.TrackedConfig) string {
	key := distro
	if t.Arch != "" {
		key += "/" + t.Arch
	}
	if t.Variant != "" {
		key += "/" + t.Variant
	}
	return key
}

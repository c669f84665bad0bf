package scheduler

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opst/kite/pkg/api"
	"github.com/opst/kite/pkg/config"
	"github.com/opst/kite/pkg/domain"
	"github.com/opst/kite/pkg/ingest"
	"github.com/opst/kite/pkg/rules"
	"github.com/opst/kite/pkg/runtime"
	"github.com/opst/kite/pkg/utils/rfctime"
)

// Scheduler turns node events into dispatched child nodes: it matches
// events against the scheduler entries, evaluates job rules, creates
// the child in the state store, and hands the rendered job to the
// runtime adapter.
type Scheduler struct {
	conf     *config.Config
	store    api.Client
	runtimes map[string]runtime.Runtime
	renderer runtime.Renderer
	logger   *log.Logger

	// per-runtime submission semaphores; adapters fan out independently
	pools map[string]chan struct{}

	wg sync.WaitGroup
}

func New(
	conf *config.Config,
	store api.Client,
	runtimes map[string]runtime.Runtime,
	renderer runtime.Renderer,
	logger *log.Logger,
) *Scheduler {
	pools := map[string]chan struct{}{}
	for name, rt := range conf.Runtimes() {
		if _, ok := runtimes[name]; !ok {
			continue // adapter not selected on this instance
		}
		pools[name] = make(chan struct{}, rt.Pool())
	}
	return &Scheduler{
		conf:     conf,
		store:    store,
		runtimes: runtimes,
		renderer: renderer,
		logger:   logger,
		pools:    pools,
	}
}

// Drain waits for outstanding dispatches, bounded by the context.
func (s *Scheduler) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// MatchEvent reports whether an event satisfies a pattern: every
// present pattern field has to equal the event's value.
func MatchEvent(pattern *config.EventPattern, event api.Event) bool {
	if pattern.Channel() != event.Channel {
		return false
	}
	if pattern.Name() != "" && pattern.Name() != event.Name {
		return false
	}
	if pattern.Kind() != "" && pattern.Kind() != event.Kind.String() {
		return false
	}
	if pattern.State() != "" && pattern.State() != event.State.String() {
		return false
	}
	if pattern.Result() != "" && pattern.Result() != event.Result.String() {
		return false
	}
	return true
}

// Schedule handles one incoming event. Delivering the same event twice
// yields no extra children: creation is guarded by a store query for an
// existing child with the same (parent, name, platform, attempt).
func (s *Scheduler) Schedule(ctx context.Context, event api.Event) error {
	var node *domain.Node

	for _, entry := range s.conf.Scheduler() {
		if !MatchEvent(entry.Event(), event) {
			continue
		}
		if _, ok := s.runtimes[entry.Runtime().Name()]; !ok {
			continue
		}

		if node == nil {
			fetched, err := s.store.GetNode(ctx, event.ID)
			if err != nil {
				return err
			}
			node = &fetched
		}

		if err := s.schedule(ctx, entry, event, *node); err != nil {
			s.logger.Printf(
				"%s %s %s: %v",
				event.ID, entry.Runtime().Name(), entry.Job().Name(), err,
			)
		}
	}
	return nil
}

func (s *Scheduler) schedule(
	ctx context.Context,
	entry *config.SchedulerEntry,
	event api.Event,
	node domain.Node,
) error {
	job := entry.Job()

	// the jobfilter is an additional AND predicate over job names;
	// a synthetic (retry) event's filter overrides the node's own
	filter := node.JobFilter
	if 0 < len(event.JobFilter) {
		filter = event.JobFilter
	}
	if !rules.MatchJobFilter(filter, job.Name()) {
		return nil
	}

	if !rules.Eligible(job.Rules(), node) {
		return nil
	}

	ok, err := s.frequencyOpen(ctx, job, node)
	if err != nil || !ok {
		return err
	}

	platforms := entry.Platforms()
	if len(platforms) == 0 {
		return s.dispatch(ctx, entry, event, node, nil)
	}
	platformFilter := node.Data.PlatformFilter
	if 0 < len(event.PlatformFilter) {
		platformFilter = event.PlatformFilter
	}
	for _, platform := range platforms {
		if !rules.MatchJobFilter(platformFilter, platform.Name()) {
			continue
		}
		if err := s.dispatch(ctx, entry, event, node, platform); err != nil {
			s.logger.Printf(
				"%s %s %s %s: %v",
				node.ID, entry.Runtime().Name(), platform.Name(), job.Name(), err,
			)
		}
	}
	return nil
}

// frequencyOpen checks the job's frequency gate: eligible only when no
// prior same-name node exists for the same (tree, branch) within the
// window.
func (s *Scheduler) frequencyOpen(
	ctx context.Context, job *config.Job, node domain.Node,
) (bool, error) {
	window := job.Rules().Frequency()
	if window <= 0 {
		return true, nil
	}
	rev := node.Data.KernelRevision
	if rev == nil {
		return true, nil
	}
	since := rfctime.New(time.Now().Add(-window))
	prior, err := s.store.FindNodes(
		ctx,
		api.Where("name", job.Name()),
		api.Where("data.kernel_revision.tree", rev.Tree),
		api.Where("data.kernel_revision.branch", rev.Branch),
		api.WhereOp("created", api.OpGt, since.String()),
	)
	if err != nil {
		return false, err
	}
	return len(prior) == 0, nil
}

func (s *Scheduler) dispatch(
	ctx context.Context,
	entry *config.SchedulerEntry,
	event api.Event,
	parent domain.Node,
	platform *config.Platform,
) error {
	job := entry.Job()
	rt := s.runtimes[entry.Runtime().Name()]

	// single-writer per (parent, job, platform, attempt): abort when the
	// child already exists, so replayed events stay idempotent. The
	// retry counter keeps retry siblings distinguishable from the
	// attempt they replace.
	dedup := []api.Filter{
		api.Where("parent", parent.ID),
		api.Where("name", job.Name()),
		api.Where("data.retry_counter", strconv.Itoa(event.RetryCounter)),
	}
	if platform != nil {
		dedup = append(dedup, api.Where("data.platform", platform.Name()))
	}
	existing, err := s.store.FindNodes(ctx, dedup...)
	if err != nil {
		return err
	}
	if 0 < len(existing) {
		return nil
	}

	kind, err := domain.AsNodeKind(job.Kind())
	if err != nil {
		return err
	}

	timeout := rfctime.New(time.Now().Add(s.conf.Settings().JobTimeout()))
	child := domain.Node{
		Kind:    kind,
		Name:    job.Name(),
		Path:    parent.ChildPath(job.Name()),
		Parent:  parent.ID,
		Group:   job.Name(),
		State:   domain.Running,
		Timeout: &timeout,
		Data: domain.NodeData{
			KernelRevision: parent.Data.KernelRevision,
			Arch:           parent.Data.Arch,
			Compiler:       parent.Data.Compiler,
			Defconfig:      parent.Data.Defconfig,
			ConfigFull:     parent.Data.ConfigFull,
			Fragments:      parent.Data.Fragments,
			Runtime:        entry.Runtime().Name(),
			RetryCounter:   event.RetryCounter,
			IdempotencyKey: uuid.NewString(),
		},
		Owner:      parent.Owner,
		Submitter:  parent.Submitter,
		UserGroups: parent.UserGroups,
		TreeID:     parent.TreeID,
	}
	for k, v := range job.Params() {
		switch k {
		case "arch":
			child.Data.Arch = v
		case "compiler":
			child.Data.Compiler = v
		case "defconfig":
			child.Data.Defconfig = v
		case "config_full":
			child.Data.ConfigFull = v
		}
	}
	if platform != nil {
		child.Data.Platform = platform.Name()
		if child.Data.Arch == "" {
			child.Data.Arch = platform.Arch()
		}
	}

	created, err := s.store.CreateNode(ctx, child)
	if err != nil {
		if errors.Is(err, domain.ErrClosedParent) {
			return nil // the reconciler closed the parent first; drop
		}
		return err
	}

	params := runtime.JobParams(created, job.Params())
	if platform != nil {
		for k, v := range platform.Params() {
			params[k] = v
		}
	}
	definition, err := s.renderer.Render(job.Template(), params)
	if err != nil {
		return s.abandon(ctx, created, "render_error", err)
	}

	rendered := runtime.RenderedJob{
		Name:       job.Name(),
		Definition: definition,
		Params:     params,
	}
	if filename, err := runtime.SaveDefinition(
		s.conf.Settings().OutputDir(), created, definition,
	); err == nil {
		rendered.Filename = filename
	}

	s.wg.Add(1)
	pool := s.pools[rt.Name()]
	go func() {
		defer s.wg.Done()
		pool <- struct{}{}
		defer func() { <-pool }()
		s.run(ctx, rt, rendered, created)
	}()
	return nil
}

// run submits the job and, for synchronous runtimes, follows it to
// completion. All failures land on the node; nothing is raised across
// service boundaries.
func (s *Scheduler) run(
	ctx context.Context,
	rt runtime.Runtime,
	job runtime.RenderedJob,
	node domain.Node,
) {
	submitCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	handle, err := rt.Submit(submitCtx, job, node)
	cancel()
	if err != nil {
		s.logger.Printf("%s %s %s: %v", node.ID, rt.Name(), job.Name, err)
		if err := s.abandon(ctx, node, "submit_error", err); err != nil {
			s.logger.Printf("%s: %v", node.ID, err)
		}
		return
	}

	node.Data.JobID = handle.JobID
	updated, err := s.store.UpdateNode(ctx, node, domain.Running)
	if err != nil {
		s.logger.Printf("%s: recording job id: %v", node.ID, err)
	} else {
		node = updated
	}
	s.logger.Printf("%s %s %s %s", node.ID, rt.Name(), job.Name, handle.JobID)

	if rt.Asynchronous() {
		return // completion arrives through the callback endpoint
	}

	status, err := s.await(ctx, rt, handle, node)
	if err != nil {
		return
	}

	outcome, err := rt.IngestResult(ctx, node, nil)
	if err != nil {
		s.logger.Printf("%s: ingesting results: %v", node.ID, err)
		outcome = runtime.Outcome{
			Result: domain.Incomplete, ErrorCode: "runtime_error", ErrorMsg: err.Error(),
		}
	}
	if status == runtime.Failed && outcome.Result == domain.Pass {
		// never let a failed job pass on a stale result document
		outcome.Result = domain.Fail
	}
	if _, err := ingest.Apply(
		ctx, s.store, node, outcome, s.conf.Settings().Holdoff(),
	); err != nil {
		s.logger.Printf("%s: applying results: %v", node.ID, err)
	}
}

// await polls a synchronous runtime until the job is terminal, the node
// deadline passes, or the service stops.
func (s *Scheduler) await(
	ctx context.Context,
	rt runtime.Runtime,
	handle runtime.Handle,
	node domain.Node,
) (runtime.Status, error) {
	deadline := time.Now().Add(s.conf.Settings().JobTimeout())
	if node.Timeout != nil {
		deadline = node.Timeout.Time()
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		status, err := rt.Poll(ctx, handle)
		if err == nil && status.Terminal() {
			return status, nil
		}
		if err != nil {
			s.logger.Printf("%s %s: poll: %v", node.ID, rt.Name(), err)
		}
		if deadline.Before(time.Now()) {
			// leave the node to the timeout reconciler
			return "", context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// abandon closes a node that never reached its runtime. The retry loop
// picks the incomplete node up and schedules a sibling.
func (s *Scheduler) abandon(
	ctx context.Context, node domain.Node, code string, cause error,
) error {
	node.State = domain.Done
	node.Result = domain.Incomplete
	node.Data.ErrorCode = code
	node.Data.ErrorMsg = cause.Error()
	_, err := s.store.UpdateNode(ctx, node, domain.Running)
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}

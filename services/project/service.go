// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project is the projects service: it keeps the trace project
// model of a workspace in sync with storage and serves it over HTTP.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianProjects/pkg/extensions"
	"github.com/AleutianAI/AleutianProjects/services/project/bounds"
	"github.com/AleutianAI/AleutianProjects/services/project/config"
	"github.com/AleutianAI/AleutianProjects/services/project/model"
	"github.com/AleutianAI/AleutianProjects/services/project/notify"
	"github.com/AleutianAI/AleutianProjects/services/project/ondemand"
	"github.com/AleutianAI/AleutianProjects/services/project/reconcile"
	"github.com/AleutianAI/AleutianProjects/services/project/registry"
	"github.com/AleutianAI/AleutianProjects/services/project/storage"
	"github.com/AleutianAI/AleutianProjects/services/project/storage/badger"
	"github.com/AleutianAI/AleutianProjects/services/project/telemetry"
	"github.com/AleutianAI/AleutianProjects/services/project/traces"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Storage is the workspace. Required. Providers that can deliver change
	// batches themselves (such as storage.MemoryProvider) are subscribed to
	// the reconciler; a FileProvider is fed by a Watcher instead.
	Storage storage.Provider

	// Properties persists trace types. Nil keeps them in memory.
	Properties storage.PropertyStore

	// Types is the trace type registry. Nil registers the built-in types.
	Types *traces.Registry

	// SupplementaryFolder is the per-project cache folder.
	// Default: ".tracing"
	SupplementaryFolder string

	// Bus configures presentation refresh throttling.
	Bus notify.Options

	// Concurrency bounds parallel subtree refreshes per batch. Default: 4
	Concurrency int

	// Metrics records service-level metrics. Optional.
	Metrics *telemetry.Metrics

	// Logger is the service logger. Nil disables logging.
	Logger *slog.Logger

	// Prompter answers changed-while-open confirmations. Nil uses the web
	// prompter served under /v1/projects/prompts.
	Prompter reconcile.Prompter

	// Extensions authenticates API callers and audits state changes.
	// Zero value: everyone is the local user, nothing is audited.
	Extensions extensions.ServiceOptions
}

type subscriber interface {
	Subscribe(storage.BatchHandler)
}

// Service owns every long-lived component of the projects service.
//
// # Description
//
// One Service serves one workspace. It holds the project registry, the
// on-demand checker, the presentation bus, the changed-while-open prompt
// queue and the reconciler that applies storage change batches to the
// model. Bounds jobs started through the service run until they finish or
// the service closes.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	store    storage.Provider
	env      *model.Env
	checker  *ondemand.Checker
	bus      *notify.Bus[model.Element]
	registry *registry.Registry
	hub      *Hub
	prompter *WebPrompter
	prompts  *reconcile.PromptQueue
	rec      *reconcile.Reconciler
	ext      extensions.ServiceOptions

	ctx    context.Context
	cancel context.CancelFunc

	// Set by NewFromConfig.
	stopWatcher func()
	closeDB     func() error

	mu     sync.Mutex
	jobs   map[string]*boundsJob
	closed bool
}

type boundsJob struct {
	job     *bounds.Job
	project string
	queued  int
}

// NewService wires the components around cfg.Storage.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Storage == nil {
		return nil, errors.New("new service: nil storage")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	types := cfg.Types
	if types == nil {
		types = traces.NewRegistry()
		if err := traces.RegisterBuiltins(types); err != nil {
			return nil, fmt.Errorf("register built-in trace types: %w", err)
		}
	}
	busOpts := cfg.Bus
	if busOpts.Name == "" {
		busOpts.Name = "presentation"
	}
	busOpts.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		logger:  logger,
		metrics: cfg.Metrics,
		store:   cfg.Storage,
		checker: ondemand.NewChecker(logger.With(slog.String("component", "ondemand"))),
		bus:     notify.New[model.Element](busOpts),
		hub:     NewHub(logger),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*boundsJob),
		ext:     cfg.Extensions.Normalize(),
	}
	s.env = &model.Env{
		Storage:             cfg.Storage,
		Properties:          cfg.Properties,
		Types:               types,
		Checker:             s.checker,
		Bus:                 s.bus,
		Logger:              logger.With(slog.String("component", "model")),
		SupplementaryFolder: cfg.SupplementaryFolder,
	}
	s.registry = registry.New(s.env)
	s.prompter = NewWebPrompter(func(req reconcile.Request) {
		s.hub.Broadcast(promptEvent(req))
	})
	var prompter reconcile.Prompter = s.prompter
	if cfg.Prompter != nil {
		prompter = cfg.Prompter
	}
	s.prompts = reconcile.NewPromptQueue(prompter, logger.With(slog.String("component", "prompts")))
	s.rec = reconcile.New(reconcile.Options{
		Registry:    s.registry,
		Storage:     cfg.Storage,
		Prompts:     s.prompts,
		Bus:         s.bus,
		Concurrency: cfg.Concurrency,
		Logger:      logger.With(slog.String("component", "reconcile")),
	})
	s.bus.Subscribe(func(e model.Element) {
		s.hub.Broadcast(refreshEvent(e))
	})

	if sub, ok := cfg.Storage.(subscriber); ok {
		sub.Subscribe(s.rec.Handler(ctx))
	}
	return s, nil
}

// NewFromConfig opens the workspace described by cfg: a FileProvider on
// the workspace directory, a badger property store and a Watcher feeding
// the reconciler. The watcher runs until Close. base supplies the logger,
// metrics, trace types and prompter; its storage fields are replaced.
func NewFromConfig(ctx context.Context, cfg config.Config, base ServiceConfig) (*Service, error) {
	logger := base.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	provider, err := storage.NewFileProvider(cfg.WorkspaceDir())
	if err != nil {
		return nil, err
	}

	dbCfg := cfg.BadgerConfig()
	dbCfg.Logger = logger.With(slog.String("component", "badger"))
	db, err := badger.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open property store: %w", err)
	}

	base.Storage = provider
	base.Properties = badger.NewProperties(db)
	base.SupplementaryFolder = cfg.Workspace.SupplementaryFolder
	base.Bus = cfg.BusOptions("presentation")
	base.Concurrency = cfg.Reconcile.Concurrency
	base.Logger = logger
	s, err := NewService(base)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.closeDB = db.Close

	opts := cfg.WatcherOptions()
	opts.Logger = logger.With(slog.String("component", "watcher"))
	watcher, err := storage.NewWatcher(provider, s.rec.Handler(s.ctx), &opts)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	s.stopWatcher = watcher.Stop

	logger.Info("workspace opened",
		slog.String("workspace", provider.Root()),
		slog.String("supplementary_folder", cfg.Workspace.SupplementaryFolder))
	return s, nil
}

// Env returns the model environment.
func (s *Service) Env() *model.Env { return s.env }

// Registry returns the project registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Reconciler returns the change reconciler.
func (s *Service) Reconciler() *reconcile.Reconciler { return s.rec }

// Prompts returns the changed-while-open confirmation queue.
func (s *Service) Prompts() *reconcile.PromptQueue { return s.prompts }

// Extensions returns the authentication and audit hooks.
func (s *Service) Extensions() extensions.ServiceOptions { return s.ext }

// Prompter returns the web prompter answering the queue.
func (s *Service) Prompter() *WebPrompter { return s.prompter }

// Hub returns the event hub.
func (s *Service) Hub() *Hub { return s.hub }

// Bus returns the presentation bus.
func (s *Service) Bus() *notify.Bus[model.Element] { return s.bus }

// Checker returns the on-demand checker.
func (s *Service) Checker() *ondemand.Checker { return s.checker }

// Open returns the named project, creating and refreshing it on first use.
func (s *Service) Open(ctx context.Context, name string) (*model.Project, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	if clean, err := storage.Clean(name); err == nil {
		name = clean
	}
	_, existed := s.registry.Get(name)
	p, err := s.registry.GetOrCreate(ctx, name)
	if err != nil {
		return nil, err
	}
	if !existed && s.metrics != nil {
		s.metrics.ProjectsOpen.Add(ctx, 1)
	}
	return p, nil
}

// Project returns an open project.
func (s *Service) Project(name string) (*model.Project, error) {
	p, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrProjectNotOpen)
	}
	return p, nil
}

// CloseProject disposes an open project. Returns false if it was not open.
func (s *Service) CloseProject(ctx context.Context, name string) bool {
	if !s.registry.Dispose(name) {
		return false
	}
	if s.metrics != nil {
		s.metrics.ProjectsOpen.Add(ctx, -1)
	}
	return true
}

// Projects returns summaries of the open projects sorted by name.
func (s *Service) Projects() []ProjectSummary {
	projects := s.registry.Projects()
	out := make([]ProjectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, summarize(p))
	}
	return out
}

func summarize(p *model.Project) ProjectSummary {
	return ProjectSummary{
		Name:        p.Name(),
		Location:    p.Location(),
		Traces:      len(p.Traces()),
		Experiments: len(p.Experiments()),
	}
}

// Refresh refreshes an open project from storage.
func (s *Service) Refresh(ctx context.Context, name string) error {
	p, err := s.Project(name)
	if err != nil {
		return err
	}
	if err := p.Refresh(ctx); err != nil {
		return err
	}
	s.bus.Publish(p)
	return nil
}

// Find returns the element at path in an open project.
func (s *Service) Find(path string, exact bool) (model.Element, error) {
	e := s.registry.Find(path, exact)
	if e == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrElementNotFound)
	}
	return e, nil
}

// TraceType sets or detects the type of the trace at path. An explicit
// typeID wins; otherwise the type is detected with hint preferred.
func (s *Service) TraceType(path, hint, typeID string) (string, error) {
	e, err := s.Find(path, true)
	if err != nil {
		return "", err
	}
	t, ok := e.(*model.TraceElement)
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrNotTrace)
	}
	if typeID != "" {
		if err := t.SetTypeID(typeID); err != nil {
			return "", err
		}
		s.bus.Publish(t)
		return typeID, nil
	}
	id, err := t.ResolveType(hint)
	if err != nil {
		return "", err
	}
	s.bus.Publish(t)
	return id, nil
}

// StartBounds starts a bounds job over the named traces of a project, or
// over all its traces when paths is empty.
func (s *Service) StartBounds(name string, paths []string) (BoundsJobResponse, error) {
	if err := s.alive(); err != nil {
		return BoundsJobResponse{}, err
	}
	p, err := s.Project(name)
	if err != nil {
		return BoundsJobResponse{}, err
	}

	var nodes []model.TraceNode
	if len(paths) == 0 {
		for _, t := range p.Traces() {
			nodes = append(nodes, t)
		}
	} else {
		for _, path := range paths {
			t := p.FindTrace(path)
			if t == nil {
				return BoundsJobResponse{}, fmt.Errorf("%s: %w", path, ErrElementNotFound)
			}
			nodes = append(nodes, t)
		}
	}

	job := bounds.NewJob(bounds.JobOptions{
		Logger: s.logger.With(slog.String("component", "bounds"), slog.String("project", name)),
		Reporter: func(t model.TraceNode, err error) {
			s.logger.Error("trace bounds unavailable",
				slog.String("trace", t.Path()),
				slog.String("error", err.Error()))
		},
	})
	job.Schedule(nodes...)
	if err := job.Start(s.ctx); err != nil {
		return BoundsJobResponse{}, err
	}

	entry := &boundsJob{job: job, project: name, queued: len(nodes)}
	s.mu.Lock()
	s.jobs[job.ID()] = entry
	s.mu.Unlock()
	go s.watchJob(entry)

	return s.describe(entry), nil
}

func (s *Service) watchJob(entry *boundsJob) {
	err := entry.job.Wait(context.Background())
	if p, ok := s.registry.Get(entry.project); ok {
		s.bus.Publish(p)
	}
	if s.metrics == nil {
		return
	}
	outcome := "completed"
	if err != nil {
		outcome = "canceled"
	}
	s.metrics.BoundsJobsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// BoundsJob describes a bounds job.
func (s *Service) BoundsJob(id string) (BoundsJobResponse, error) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return BoundsJobResponse{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return s.describe(entry), nil
}

// WaitBoundsJob blocks until the job finished or ctx is done, then
// describes it.
func (s *Service) WaitBoundsJob(ctx context.Context, id string) (BoundsJobResponse, error) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return BoundsJobResponse{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	select {
	case <-entry.job.Done():
	case <-ctx.Done():
		return s.describe(entry), ctx.Err()
	}
	return s.describe(entry), nil
}

// CancelBoundsJob cancels a running bounds job.
func (s *Service) CancelBoundsJob(id string) error {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	entry.job.Cancel()
	return nil
}

func (s *Service) describe(entry *boundsJob) BoundsJobResponse {
	resp := BoundsJobResponse{
		JobID:   entry.job.ID(),
		Project: entry.project,
		Queued:  entry.queued,
	}
	select {
	case <-entry.job.Done():
		resp.Done = true
		if err := entry.job.Wait(context.Background()); err != nil {
			resp.Error = err.Error()
		}
	default:
	}
	results := entry.job.Results()
	if len(results) > 0 {
		resp.Results = make(map[string]BoundsResult, len(results))
		for id, r := range results {
			resp.Results[id] = BoundsResult{Start: r.Start, End: r.End, Source: string(r.Source)}
		}
	}
	return resp
}

// Jobs returns the ids of the known bounds jobs, sorted.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// Close stops the watcher, cancels running bounds jobs and waits for them,
// then releases every project. It is safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	jobs := make([]*boundsJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	if s.stopWatcher != nil {
		s.stopWatcher()
	}
	s.cancel()
	for _, j := range jobs {
		_ = j.job.Wait(context.Background())
	}
	s.prompts.Close()
	s.checker.Close()
	s.registry.Close()
	s.bus.Close()
	s.hub.Close()
	if s.closeDB != nil {
		if err := s.closeDB(); err != nil {
			return fmt.Errorf("close property store: %w", err)
		}
	}
	return nil
}

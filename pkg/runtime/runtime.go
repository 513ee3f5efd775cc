// Package runtime wires configuration, the context manager, host
// resolution, persistence and observability into a Session.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/rtfscore/pkg/audit"
	"github.com/jllopis/rtfscore/pkg/checkpoint"
	"github.com/jllopis/rtfscore/pkg/config"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/eval"
	"github.com/jllopis/rtfscore/pkg/execctx"
	"github.com/jllopis/rtfscore/pkg/host"
	"github.com/jllopis/rtfscore/pkg/mcp"
	"github.com/jllopis/rtfscore/pkg/plan"
	"github.com/jllopis/rtfscore/pkg/telemetry"
	"github.com/jllopis/rtfscore/pkg/value"

	_ "modernc.org/sqlite"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithResolver adds a resolver consulted before the local capabilities.
func WithResolver(r host.Resolver) Option {
	return func(s *Session) { s.extra = append(s.extra, r) }
}

// WithApprovalHook resolves pending policy decisions.
func WithApprovalHook(h host.ApprovalHook) Option {
	return func(s *Session) { s.approval = h }
}

// WithCheckpointStore overrides the configured checkpoint store.
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(s *Session) { s.checkpoints = store }
}

// WithAuditStore overrides the configured audit store.
func WithAuditStore(store audit.Store) Option {
	return func(s *Session) { s.audit = store }
}

// Session owns one context tree and everything needed to evaluate against
// it.
type Session struct {
	id          string
	cfg         *config.ReloadableConfig
	logger      *slog.Logger
	tracer      trace.Tracer
	mgr         *execctx.Manager
	checkpoints checkpoint.Store
	audit       audit.Store
	metrics     *telemetry.ContextMetrics
	policy      *host.Policy
	approval    host.ApprovalHook
	local       *host.LocalHost
	extra       []host.Resolver
	mcpClient   *mcp.Client
	driver      *host.Driver
	executor    *plan.Executor
	impurity    eval.Impurity
	steps       stepObservers
	stores      *Stores
	health      *Health

	mu      sync.Mutex
	started bool
	sweep   sweepState

	sweepMu      sync.Mutex
	sweepers     []namedSweeper
	sweepTimeout time.Duration
}

// NewSession builds a session from cfg. The root context is initialized and
// the MCP server, when configured, is connected.
func NewSession(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, rterrors.New(rterrors.CodeInvalidInput, "config is required", nil)
	}
	s := &Session{
		cfg:    config.NewReloadableConfig(cfg),
		logger: slog.Default(),
		tracer: otel.Tracer("rtfs/runtime"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))

	if err := s.open(ctx, cfg); err != nil {
		_ = s.release()
		return nil, err
	}
	s.logger.InfoContext(ctx, "runtime.session.ready",
		slog.String("root_id", string(s.mgr.RootID())),
		slog.String("checkpoint_store", cfg.Checkpoint.Store),
		slog.String("audit_store", cfg.Audit.Store),
		slog.Bool("mcp", s.mcpClient != nil),
	)
	return s, nil
}

func (s *Session) open(ctx context.Context, cfg *config.Config) error {
	var err error
	if s.metrics, err = telemetry.NewContextMetrics(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	ownCheckpoints, ownAudit := s.checkpoints == nil, s.audit == nil
	if s.stores, err = openStores(cfg, ownCheckpoints, ownAudit); err != nil {
		return err
	}
	if ownCheckpoints {
		s.checkpoints = s.stores.Checkpoints
	}
	if ownAudit {
		s.audit = s.stores.Audit
	}

	s.mgr = execctx.NewManager(
		execctx.WithCheckpointSink(s.checkpoints),
		execctx.WithCheckpointInterval(cfg.Context.CheckpointInterval),
		execctx.WithObserver(s.metrics),
		execctx.WithLogger(s.logger),
	)
	if _, err := s.mgr.Initialize(""); err != nil {
		return err
	}

	policyOpts := []host.PolicyOption{
		host.WithDecisionCacheSize(cfg.Host.DecisionCacheSize),
		host.WithDefaultDecision(host.Decision{
			Status: decisionStatus(cfg.Host.DefaultDecision),
			Reason: "default decision",
		}),
	}
	if s.approval != nil {
		policyOpts = append(policyOpts, host.WithApprovalHook(s.approval))
	}
	if s.policy, err = host.NewPolicy(policyRules(cfg.Host.Policies), policyOpts...); err != nil {
		return rterrors.New(rterrors.CodeInvalidInput, "host policies", err)
	}

	s.local = host.NewLocalHost()
	host.RegisterStandard(s.local, s.logger)
	resolvers := append([]host.Resolver{}, s.extra...)
	if mcpHost, err := s.connectMCP(ctx, cfg.MCP); err != nil {
		return err
	} else if mcpHost != nil {
		resolvers = append(resolvers, mcpHost)
	}
	resolvers = append(resolvers, s.local)

	driverOpts := []host.DriverOption{
		host.WithPolicy(s.policy),
		host.WithRetry(retryConfig(cfg.Host.Retry)),
		host.WithCallTimeout(cfg.Host.CallTimeout),
		host.WithBreaker(host.BreakerConfig{}),
		host.WithDispatchObserver(s.metrics),
		host.WithDriverLogger(s.logger),
	}
	s.steps = stepObservers{s.metrics}
	if s.audit != nil {
		recorder := audit.NewRecorder(s.audit, s.id, s.logger)
		driverOpts = append(driverOpts, host.WithDispatchObserver(recorder))
		s.steps = append(s.steps, recorder)
	}
	s.driver = host.NewDriver(host.NewRouter(resolvers...), driverOpts...)

	s.impurity = eval.NewImpurity(cfg.Host.ImpurePrefixes, cfg.Host.ImpureSymbols)
	s.executor = plan.NewExecutor(s.driver,
		plan.WithStepObserver(s.steps),
		plan.WithMachineOptions(s.machineOptions()...),
		plan.WithLogger(s.logger),
	)

	s.health = NewHealth()
	s.health.Register("checkpoints", checkpointHealth(s.checkpoints))
	if s.audit != nil {
		s.health.Register("audit", auditHealth(s.audit))
	}
	s.health.Register("host", driverHealth(s.driver))
	if s.mcpClient != nil {
		s.health.Register("mcp", mcpHealth(s.mcpClient))
	}
	return nil
}

func (s *Session) machineOptions() []eval.Option {
	return []eval.Option{
		eval.WithImpurity(s.impurity),
		eval.WithObserver(s.steps),
		eval.WithLogger(s.logger),
		eval.WithCallContext(map[string]string{"session_id": s.id}),
	}
}

func (s *Session) connectMCP(ctx context.Context, cfg config.MCPConfig) (*host.MCPHost, error) {
	if cfg.Command == "" && cfg.URL == "" {
		return nil, nil
	}
	opts := []mcp.ClientOption{mcp.WithTimeout(cfg.Timeout)}
	var err error
	if cfg.Command != "" {
		s.mcpClient, err = mcp.NewStdioClient(ctx, cfg.Command, cfg.Args, opts...)
	} else {
		s.mcpClient, err = mcp.NewStreamableHTTPClient(ctx, cfg.URL, opts...)
	}
	if err != nil {
		return nil, rterrors.New(rterrors.CodeHostFailure, "connect mcp server", err)
	}
	names, err := s.mcpClient.ToolNames(ctx)
	if err != nil {
		return nil, rterrors.New(rterrors.CodeHostFailure, "list mcp tools", err)
	}
	s.logger.InfoContext(ctx, "runtime.mcp.connected",
		slog.String("prefix", cfg.SymbolPrefix),
		slog.Any("tools", names),
	)
	return host.NewMCPHost(s.mcpClient, cfg.SymbolPrefix), nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Manager returns the session's context manager.
func (s *Session) Manager() *execctx.Manager { return s.mgr }

// Driver returns the host driver.
func (s *Session) Driver() *host.Driver { return s.driver }

// Local returns the registry of in-process capabilities.
func (s *Session) Local() *host.LocalHost { return s.local }

// Checkpoints returns the checkpoint store.
func (s *Session) Checkpoints() checkpoint.Store { return s.checkpoints }

// Audit returns the audit store, nil when auditing is disabled.
func (s *Session) Audit() audit.Store { return s.audit }

// Health returns the session's component health registry. Callers may
// register extra checkers.
func (s *Session) Health() *Health { return s.health }

// Config returns the current configuration.
func (s *Session) Config() *config.Config { return s.cfg.Get() }

func (s *Session) withIDs(ctx context.Context) context.Context {
	ctx = telemetry.WithSessionID(ctx, s.id)
	return telemetry.WithContextID(ctx, string(s.mgr.CurrentID()))
}

// Eval evaluates expr at the current context, resolving host calls through
// the driver.
func (s *Session) Eval(ctx context.Context, expr eval.Expr) (value.Value, error) {
	ctx = s.withIDs(ctx)
	m := eval.New(s.mgr, s.machineOptions()...)
	v, err := s.driver.Run(ctx, m, expr)
	if err != nil {
		s.metrics.RecordError(ctx, err, "eval")
	}
	return v, err
}

// RunPlan executes doc at the current context. Isolation and merge policy
// default to the configured ones when the document leaves them empty.
func (s *Session) RunPlan(ctx context.Context, doc *plan.Document) (*plan.Result, error) {
	if doc == nil {
		return nil, rterrors.New(rterrors.CodeInvalidInput, "plan is required", nil)
	}
	cfg := s.cfg.Get()
	d := *doc
	if d.Isolation == "" {
		d.Isolation = cfg.Context.DefaultIsolation
	}
	if d.MergePolicy == "" {
		d.MergePolicy = cfg.Context.DefaultMergePolicy
	}

	ctx = s.withIDs(ctx)
	ctx, span := s.tracer.Start(ctx, "Session.RunPlan", trace.WithAttributes(
		attribute.String(telemetry.AttrSessionID, s.id),
		attribute.String("plan.id", d.ID),
	))
	defer span.End()

	s.logger.InfoContext(ctx, "runtime.plan.start", slog.String("plan_id", d.ID))
	res, err := s.executor.Run(ctx, s.mgr, &d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan failed")
		s.metrics.RecordError(ctx, err, "plan")
		s.logger.ErrorContext(ctx, "runtime.plan.error",
			slog.String("plan_id", d.ID),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	s.logger.InfoContext(ctx, "runtime.plan.complete",
		slog.String("plan_id", d.ID),
		slog.Int("outputs", len(res.Outputs)),
	)
	return res, nil
}

// Checkpoint stores the current chain under label.
func (s *Session) Checkpoint(ctx context.Context, label string) (execctx.Checkpoint, error) {
	return s.mgr.Checkpoint(s.withIDs(ctx), label)
}

// Restore replaces the session tree with the stored checkpoint id.
func (s *Session) Restore(ctx context.Context, id string) (execctx.Checkpoint, error) {
	cp, err := checkpoint.Restore(ctx, s.checkpoints, id, s.mgr)
	if err != nil {
		return cp, err
	}
	s.logger.InfoContext(ctx, "runtime.checkpoint.restored",
		slog.String("checkpoint_id", cp.ID),
		slog.String("context_id", string(cp.ContextID)),
	)
	return cp, nil
}

// ApplyConfig swaps the reloadable parts of cfg into the running session:
// host policy rules and retention settings.
func (s *Session) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	if err := s.policy.SetRules(policyRules(cfg.Host.Policies)); err != nil {
		s.logger.Warn("runtime.config.rejected", slog.String("error", err.Error()))
		return rterrors.New(rterrors.CodeInvalidInput, "host policies", err)
	}
	s.cfg.Update(cfg)
	s.logger.Info("runtime.config.applied", slog.Int("policies", len(cfg.Host.Policies)))
	return nil
}

// Watch applies every configuration reload reported by w.
func (s *Session) Watch(w *config.Watcher) {
	w.OnChange(func(cfg *config.Config) { _ = s.ApplyConfig(cfg) })
}

// Start launches background sweepers.
func (s *Session) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.startSweeper()
	return nil
}

// Close stops background work and releases stores and connections.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.stopSweeper()
		s.started = false
	}
	s.mu.Unlock()

	s.mgr.Close()
	err := s.release()
	s.logger.InfoContext(ctx, "runtime.session.closed")
	return err
}

func (s *Session) release() error {
	var first error
	if s.stores != nil {
		first = s.stores.Close()
		if s.checkpoints != nil && s.stores.Checkpoints == nil {
			if err := s.checkpoints.Close(); err != nil && first == nil {
				first = err
			}
		}
	} else if s.checkpoints != nil {
		first = s.checkpoints.Close()
	}
	if s.mcpClient != nil {
		if err := s.mcpClient.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func policyRules(in []config.PolicyRuleConfig) []host.Rule {
	out := make([]host.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, host.Rule{
			ID:        r.ID,
			Effect:    r.Effect,
			Symbol:    r.Symbol,
			Namespace: r.Namespace,
			Reason:    r.Reason,
		})
	}
	return out
}

func decisionStatus(s string) host.DecisionStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deny":
		return host.DecisionDeny
	case "pending":
		return host.DecisionPending
	default:
		return host.DecisionAllow
	}
}

func retryConfig(in config.RetryConfig) host.RetryConfig {
	rc := host.DefaultRetryConfig()
	if in.MaxAttempts > 0 {
		rc.MaxAttempts = in.MaxAttempts
	}
	if in.InitialDelay > 0 {
		rc.InitialDelay = in.InitialDelay
	}
	if in.MaxDelay > 0 {
		rc.MaxDelay = in.MaxDelay
	}
	return rc
}

type stepObservers []eval.StepObserver

func (o stepObservers) OnStep(ctx context.Context, ev eval.StepEvent) {
	for _, obs := range o {
		obs.OnStep(ctx, ev)
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"AgentEscrow/internal/agent"
	"AgentEscrow/internal/anomaly"
	"AgentEscrow/internal/api"
	"AgentEscrow/internal/auth"
	"AgentEscrow/internal/config"
	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/internal/events"
	"AgentEscrow/internal/knowledge"
	"AgentEscrow/internal/llm"
	"AgentEscrow/internal/llm/openai"
	"AgentEscrow/internal/llm/pythonbridge"
	"AgentEscrow/internal/observability/alerting"
	"AgentEscrow/internal/observability/metrics"
	"AgentEscrow/internal/orchestrator"
	"AgentEscrow/internal/storage/mysql"
	"AgentEscrow/internal/trust"
	"AgentEscrow/internal/web3/provider"
	"AgentEscrow/pkg/logger"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API 服务、会话工作池与链上证明监听",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(*configPath))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.CyanString(logo))
			return serve(cmd.Context(), cfg)
		},
	}
}

// daemon 持有进程级共享资源，启动时初始化一次，各会话只读共享。
type daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	alerts  alerting.Dispatcher

	db       *sql.DB
	redis    *redis.Client
	chain    *provider.Registry
	queue    orchestrator.Queue
	machine  *escrow.Machine
	closers  []func() error
	watchers []func(context.Context) error
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	d := &daemon{cfg: cfg, log: logger.Named("escrowd"), metrics: metrics.Default()}
	defer d.close()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败",
			xerrors.WithMetadata("path", cfg.Runtime.DataDir))
	}

	d.alerts = d.buildAlerts()
	if err := d.openStorage(ctx); err != nil {
		return err
	}
	if err := d.openRedis(ctx); err != nil {
		return err
	}

	custodian, err := d.buildCustody(ctx)
	if err != nil {
		return err
	}
	publisher, err := d.buildPublisher()
	if err != nil {
		return err
	}
	relay := events.NewRelay(publisher)

	escrowStore := d.escrowStore()
	trustService, err := trust.NewService(d.trustStore(), escrow.NewHistories(escrowStore),
		trust.WithBadgeTTL(cfg.Trust.BadgeTTL.Std()),
		trust.WithCacheSize(cfg.Trust.CacheSize),
		trust.WithMetrics(d.metrics),
		trust.WithEmitter(relay),
	)
	if err != nil {
		return err
	}
	monitor := anomaly.NewMonitor(d.anomalyStore(),
		anomaly.WithRules(anomalyRules(cfg.Anomaly)),
		anomaly.WithMetrics(d.metrics),
		anomaly.WithAlertDispatcher(d.alerts),
		anomaly.WithEmitter(relay),
	)

	machine := escrow.NewMachine(escrowStore, custodian,
		escrow.WithLocker(d.escrowLocker()),
		escrow.WithGate(monitor),
		escrow.WithTrustScorer(trustService),
		escrow.WithRequiredVerifications(requiredKinds(cfg.Escrow.RequiredVerifications)),
		escrow.WithObserver(monitor),
		escrow.WithObserver(trustService),
		escrow.WithObserver(relay),
		escrow.WithMetrics(d.metrics),
		escrow.WithAlertDispatcher(d.alerts),
	)
	d.machine = machine

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	runStore, err := d.runStore()
	if err != nil {
		return err
	}
	executor := agent.NewExecutor(llmClient, runStore, executorOptions(cfg, d)...)

	if err := d.openQueue(ctx); err != nil {
		return err
	}
	sessions := d.sessionStore()
	pipeline, err := pipelineConfig(cfg.Pipeline)
	if err != nil {
		return err
	}
	runnerOpts := []orchestrator.RunnerOption{
		orchestrator.WithWorkerCount(cfg.Pipeline.Workers),
		orchestrator.WithRunnerLogger(logger.Named("orchestrator")),
		orchestrator.WithAlertDispatcher(d.alerts),
		orchestrator.WithMetrics(d.metrics),
		orchestrator.WithPipeline(pipeline),
		orchestrator.WithEscrowInitiator(machine),
	}
	if cfg.Knowledge.File != "" {
		comparables, err := knowledge.LoadStaticProvider(cfg.Knowledge.File, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		runnerOpts = append(runnerOpts, orchestrator.WithComparables(comparables))
	}
	runner, err := orchestrator.NewRunner(sessions, executor, d.queue, runnerOpts...)
	if err != nil {
		return err
	}
	workflows := orchestrator.NewService(sessions, d.queue, runStore)

	authService, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}
	serverOpts := []api.Option{
		api.WithWorkflows(workflows),
		api.WithEscrows(machine),
		api.WithTrust(trustService),
		api.WithAnomalies(monitor),
		api.WithAuth(authService),
		api.WithMetrics(d.metrics, metrics.Handler()),
		api.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
	}
	if d.db != nil {
		serverOpts = append(serverOpts, api.WithHealthCheck("mysql", d.db.PingContext))
	}
	if d.redis != nil {
		serverOpts = append(serverOpts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return d.redis.Ping(ctx).Err()
		}))
	}
	server := api.NewServer(cfg.Server.Address, serverOpts...)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := runner.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error { return server.Start(gctx) })
	for _, watch := range d.watchers {
		group.Go(func() error { return watch(gctx) })
	}

	d.log.Info("escrowd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("capability", cfg.Capability.Provider),
		slog.Bool("chain", cfg.Chain.Enabled))
	err = group.Wait()
	d.log.Info("escrowd 已退出")
	return err
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.log.Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func (d *daemon) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

func (d *daemon) buildAlerts() alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	slackCfg := d.cfg.Alerting.Slack
	if strings.TrimSpace(slackCfg.Token) != "" {
		slack, err := alerting.NewSlackNotifier(slackCfg.Token, slackCfg.ChannelID)
		if err != nil {
			d.log.Warn("Slack 告警未启用", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, slack)
		}
	}
	return alerting.NewFanout(notifiers,
		alerting.WithMinimumSeverity(xerrors.Severity(d.cfg.Alerting.MinimumSeverity)))
}

func (d *daemon) openStorage(ctx context.Context) error {
	switch d.cfg.Storage.Driver {
	case "memory":
		return nil
	case "mysql":
		db, err := mysql.Open(ctx, mysqlConfig(d.cfg.Storage.MySQL))
		if err != nil {
			return err
		}
		d.db = db
		d.onClose(db.Close)
		if d.cfg.Storage.MySQL.AutoMigrate {
			applied, err := mysql.Migrate(ctx, db)
			if err != nil {
				return err
			}
			if len(applied) > 0 {
				d.log.Info("已执行数据库迁移", slog.Any("versions", applied))
			}
		}
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的存储驱动: %s", d.cfg.Storage.Driver))
	}
}

// openRedis 只在 Redis 锁被选用时建立共享连接，队列自行管理连接。
func (d *daemon) openRedis(ctx context.Context) error {
	if d.cfg.Escrow.Lock != "redis" {
		return nil
	}
	rc := d.cfg.Queue.Redis
	if strings.TrimSpace(rc.Address) == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "Redis 锁需要配置 queue.redis.address")
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Address, Password: rc.Password, DB: rc.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	d.redis = client
	d.onClose(client.Close)
	return nil
}

func (d *daemon) openQueue(ctx context.Context) error {
	qc := d.cfg.Queue
	switch qc.Driver {
	case "memory":
		d.queue = orchestrator.NewMemoryQueue(qc.Size)
	case "redis":
		q, err := orchestrator.NewRedisQueue(ctx, orchestrator.RedisQueueConfig{
			Address:   qc.Redis.Address,
			Password:  qc.Redis.Password,
			DB:        qc.Redis.DB,
			Queue:     qc.Redis.Queue,
			BlockWait: qc.Redis.BlockWait.Std(),
		})
		if err != nil {
			return err
		}
		d.queue = q
	case "rabbitmq":
		q, err := orchestrator.NewRabbitMQQueue(orchestrator.RabbitMQConfig{
			URL:        qc.RabbitMQ.URL,
			Queue:      qc.RabbitMQ.Queue,
			Prefetch:   qc.RabbitMQ.Prefetch,
			Durable:    qc.RabbitMQ.Durable,
			AutoDelete: qc.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		d.queue = q
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", qc.Driver))
	}
	d.onClose(d.queue.Close)
	return nil
}

// buildCustody 组装资金托管后端：法币账本始终可用，启用链时追加链上金库。
func (d *daemon) buildCustody(ctx context.Context) (custody.Custody, error) {
	routes := map[custody.Backend]custody.Custody{
		custody.BackendFiat: custody.NewLedger(),
	}
	if !d.cfg.Chain.Enabled {
		return custody.NewRouter(routes), nil
	}

	registry, err := provider.NewRegistry(ctx, d.cfg.Chain)
	if err != nil {
		return nil, err
	}
	d.chain = registry
	d.onClose(func() error { registry.Close(); return nil })

	vault, err := registry.DefaultVault(ctx)
	if err != nil {
		return nil, err
	}
	routes[custody.BackendSmartContract] = custody.NewChain(vault, custody.BackendSmartContract)
	routes[custody.BackendBlockchain] = custody.NewChain(vault, custody.BackendBlockchain)

	if d.cfg.Chain.WatchAttest {
		d.watchers = append(d.watchers, func(ctx context.Context) error {
			return d.watchAttestations(ctx, vault)
		})
	}
	return custody.NewRouter(routes), nil
}

func (d *daemon) buildPublisher() (events.Publisher, error) {
	switch d.cfg.Events.Driver {
	case "none", "memory":
		return events.NewMemoryPublisher(1024), nil
	case "kafka":
		kc := d.cfg.Events.Kafka
		p, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      kc.Brokers,
			Topic:        kc.Topic,
			WriteTimeout: kc.WriteTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		d.onClose(p.Close)
		return p, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的事件驱动: %s", d.cfg.Events.Driver))
	}
}

func (d *daemon) escrowStore() escrow.Store {
	if d.db != nil {
		return escrow.NewMySQLStore(d.db)
	}
	return escrow.NewMemoryStore()
}

func (d *daemon) trustStore() trust.Store {
	if d.db != nil {
		return trust.NewMySQLStore(d.db)
	}
	return trust.NewMemoryStore()
}

func (d *daemon) anomalyStore() anomaly.Store {
	if d.db != nil {
		return anomaly.NewMySQLStore(d.db)
	}
	return anomaly.NewMemoryStore()
}

func (d *daemon) sessionStore() orchestrator.Store {
	if d.db != nil {
		return orchestrator.NewMySQLStore(d.db)
	}
	return orchestrator.NewMemoryStore()
}

// runStore 在内存模式下把运行记录追加到数据目录，进程重启后仍可诊断。
func (d *daemon) runStore() (agent.RunStore, error) {
	if d.db != nil {
		return agent.NewMySQLRunStore(d.db), nil
	}
	return agent.NewFileRunStore(d.cfg.Runtime.DataDir)
}

func (d *daemon) escrowLocker() escrow.Locker {
	if d.redis == nil {
		return escrow.NewMemoryLocker()
	}
	return escrow.NewRedisLocker(d.redis,
		escrow.WithLockTTL(d.cfg.Escrow.LockTTL.Std()),
		escrow.WithLockPrefix(d.cfg.Escrow.LockPrefix))
}

func executorOptions(cfg *config.Config, d *daemon) []agent.Option {
	opts := []agent.Option{
		agent.WithTimeout(cfg.Capability.AgentTimeout.Std()),
		agent.WithMetrics(d.metrics),
		agent.WithAlertDispatcher(d.alerts),
	}
	if cfg.Capability.AgentVersion != "" {
		opts = append(opts, agent.WithVersion(cfg.Capability.AgentVersion))
	}
	for name, timeout := range cfg.Capability.TypeTimeouts {
		opts = append(opts, agent.WithTypeTimeout(agent.Type(name), timeout.Std()))
	}
	return opts
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.Capability.Provider {
	case "python_bridge":
		py := cfg.Capability.Python
		scriptPath := pythonbridge.ResolveScriptPath(py.WorkingDir, py.ScriptPath)
		return pythonbridge.NewClient(py.PythonExecutable, scriptPath, py.WorkingDir)
	case "openai":
		oc := cfg.Capability.OpenAI
		if strings.TrimSpace(oc.APIKey) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "OpenAI provider 需要配置 api_key")
		}
		return openai.NewClient(openai.Config{
			APIKey:  oc.APIKey,
			BaseURL: oc.BaseURL,
			Model:   oc.Model,
			Timeout: oc.Timeout.Std(),
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的能力 provider: %s", cfg.Capability.Provider))
	}
}

func pipelineConfig(pc config.PipelineConfig) (orchestrator.PipelineConfig, error) {
	out := orchestrator.DefaultPipelineConfig()
	if len(pc.Steps) > 0 {
		out.Steps = agentTypes(pc.Steps)
	}
	if len(pc.Critical) > 0 {
		out.Critical = agentTypes(pc.Critical)
	}
	if pc.StepRetries > 0 {
		out.StepRetries = pc.StepRetries
	}
	if pc.MaxNonCriticalFailures > 0 {
		out.MaxNonCriticalFailures = pc.MaxNonCriticalFailures
	}
	if pc.DefaultBackend != "" {
		out.DefaultBackend = custody.Backend(pc.DefaultBackend)
	}
	return out, out.Validate()
}

func agentTypes(names []string) []agent.Type {
	out := make([]agent.Type, 0, len(names))
	for _, name := range names {
		out = append(out, agent.Type(strings.TrimSpace(name)))
	}
	return out
}

func requiredKinds(names []string) []escrow.Kind {
	out := make([]escrow.Kind, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, escrow.Kind(name))
		}
	}
	return out
}

func anomalyRules(ac config.AnomalyConfig) anomaly.Rules {
	return anomaly.Rules{
		Threshold:          ac.Threshold,
		VelocityWindow:     ac.VelocityWindow.Std(),
		VelocityLimit:      ac.VelocityLimit,
		RapidDisputeWindow: ac.RapidDisputeWindow.Std(),
		RejectionLimit:     ac.RejectionLimit,
		HighValueMinor:     ac.HighValueMinor,
		LowTrustScore:      ac.LowTrustScore,
	}
}

func buildAuth(ac config.AuthConfig) (*auth.Service, error) {
	if len(ac.Tokens) == 0 {
		logger.Named("escrowd").Warn("未配置访问令牌，API 鉴权已关闭")
		return auth.NewDisabledService(), nil
	}
	tokens := make([]auth.Token, 0, len(ac.Tokens))
	for _, t := range ac.Tokens {
		perms := make([]auth.Permission, 0, len(t.Permissions))
		for _, p := range t.Permissions {
			perms = append(perms, auth.Permission(p))
		}
		tokens = append(tokens, auth.Token{Token: t.Token, Subject: t.Subject, Permissions: perms})
	}
	return auth.NewService(tokens)
}

// watchAttestations 把链上设备证明写为验证事件，订阅断开时返回错误让进程退出重启。
func (d *daemon) watchAttestations(ctx context.Context, source custody.AttestationSource) error {
	d.log.Info("开始监听设备证明")
	return custody.WatchAttestations(ctx, source, d.machine.HandleAttestation)
}

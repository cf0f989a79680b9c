// Package engine assembles the push client: session, stream, ingestion,
// offline sync, and status reporting, each running on its own execution
// context.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/push-agent/internal/catchup"
	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/ingest"
	"github.com/alexjbarnes/push-agent/internal/metrics"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/notify"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
	"github.com/alexjbarnes/push-agent/internal/report"
	"github.com/alexjbarnes/push-agent/internal/session"
	"github.com/alexjbarnes/push-agent/internal/state"
	"github.com/alexjbarnes/push-agent/internal/stream"
	"github.com/alexjbarnes/push-agent/internal/taskq"
	"github.com/alexjbarnes/push-agent/internal/wakeup"
)

const (
	DefaultRetrySweepDelay = 30 * time.Second
	DefaultHTTPTimeout     = 60 * time.Second

	pruneInterval = time.Hour
)

// Listeners observe engine events. Any of them may be nil. They run on
// the engine's execution contexts and must return promptly.
type Listeners struct {
	// OnMessage is called once for every newly stored message that
	// arrived over the stream or the wake-up inbox, in storage order. It
	// runs while the ingest pipeline is locked.
	OnMessage func(m *models.Message)
	// OnSyncComplete receives the number of messages an offline sync
	// stored.
	OnSyncComplete func(count int)
	// OnError receives failures the engine handled on its own.
	OnError func(err *apperrors.Error)
}

// Config wires the engine.
type Config struct {
	Store *state.State

	ServerURL     string
	AppIdentifier string
	Platform      string
	// DeviceID is generated and persisted when empty.
	DeviceID string

	// HTTPClient makes request/response calls. Defaults to a client with
	// DefaultHTTPTimeout.
	HTTPClient *http.Client
	// Transport opens the event stream. Defaults to SSE.
	Transport         stream.Transport
	StreamReadTimeout time.Duration

	// Identity is used to log in when the push mode calls for it. When
	// empty the persisted identity is used.
	Identity pushapi.Identity

	SyncLimit         int
	RetrySweepDelay   time.Duration
	Retention         time.Duration
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	AuthRecoveryDelay time.Duration

	WakeupInboxDir  string
	WakeupTokenFile string

	Renderer  ingest.Renderer
	Metrics   *metrics.Metrics
	Listeners Listeners
	Logger    *slog.Logger
}

// Engine is the push client. Create it with New and start it with Run.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	db    *state.State
	store *queuedStore

	// serviceQ runs network operations, storeQ runs store operations,
	// streamQ runs connection attempts and stream events.
	serviceQ *taskq.Queue
	storeQ   *taskq.Queue
	streamQ  *taskq.Queue

	device   pushapi.Device
	client   *pushapi.Client
	svc      *session.Service
	exec     *session.Executor
	stream   *stream.Manager
	pipeline *ingest.Pipeline
	catchup  *catchup.Engine
	reporter *report.Reporter

	sweepMu    sync.Mutex
	sweepTimer *time.Timer
}

// New builds an engine from cfg. Nothing runs until Run is called.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, apperrors.New(apperrors.KindInitializationFailed, "no state store")
	}

	if cfg.ServerURL == "" {
		return nil, apperrors.New(apperrors.KindInitializationFailed, "no push server URL")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.RetrySweepDelay <= 0 {
		cfg.RetrySweepDelay = DefaultRetrySweepDelay
	}

	if cfg.SyncLimit <= 0 {
		cfg.SyncLimit = catchup.DefaultLimit
	}

	deviceID, err := ResolveDeviceID(cfg.Store, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = pushapi.NewHTTPClient(DefaultHTTPTimeout)
	}

	if cfg.Transport == nil {
		cfg.Transport = pushapi.NewSSETransport(cfg.ServerURL, nil, cfg.StreamReadTimeout)
	}

	if cfg.Renderer == nil {
		cfg.Renderer = notify.NewLogRenderer(cfg.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "engine")),
		ctx:      ctx,
		cancel:   cancel,
		db:       cfg.Store,
		serviceQ: taskq.New("service", 0, logger),
		storeQ:   taskq.New("store", 0, logger),
		streamQ:  taskq.New("stream", 0, logger),
		device: pushapi.Device{
			ID:            deviceID,
			AppIdentifier: cfg.AppIdentifier,
			Platform:      cfg.Platform,
		},
	}

	e.store = &queuedStore{ctx: ctx, db: cfg.Store, q: e.storeQ}
	e.client = pushapi.NewClient(cfg.ServerURL, e.device, cfg.HTTPClient)
	e.svc = session.NewService(e.client, e.store, logger)
	e.exec = session.NewExecutor(e.store, e.svc.ReLogin, logger)
	e.reporter = report.New(e.store, sender{e}, e.serviceQ, cfg.Metrics, logger)
	e.pipeline = ingest.New(e.store, e.reporter, cfg.Renderer, cfg.Metrics, logger)
	e.catchup = catchup.New(e.store, fetcher{e}, cfg.Metrics, logger)
	e.stream = stream.NewManager(stream.Config{
		Transport:   cfg.Transport,
		Credentials: e.store,
		Queue:       e.streamQ,
		AckQueue:    e.serviceQ,
		Ack:         e.ackHealthCheck,
		Deliver: func(raw []byte) {
			// Errors are already logged and passed to OnError.
			_, _ = e.ingest(e.ctx, raw, "stream")
		},
		OnState: func(s stream.State) {
			cfg.Metrics.Stream(s.Kind.String())
		},
		ReconnectInterval: cfg.ReconnectInterval,
		ConnectTimeout:    cfg.ConnectTimeout,
		AuthRecoveryDelay: cfg.AuthRecoveryDelay,
		Logger:            logger,
	})

	return e, nil
}

// ResolveDeviceID returns configured when set. Otherwise it returns the
// persisted device id, generating and storing one on first use.
func ResolveDeviceID(db *state.State, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	id, err := db.Get(session.KeyDeviceID, "")
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "reading device id", err)
	}

	if id != "" {
		return id, nil
	}

	u, err := uuid.NewV4()
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInitializationFailed, "generating device id", err)
	}

	if err := db.Set(session.KeyDeviceID, u.String()); err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "storing device id", err)
	}

	return u.String(), nil
}

// sender reports status through the executor.
type sender struct{ e *Engine }

func (s sender) ReportStatus(ctx context.Context, updates []pushapi.StatusUpdate) error {
	return s.e.exec.Execute(ctx, func(ctx context.Context, token string) error {
		return s.e.client.ReportStatus(ctx, token, updates)
	})
}

// fetcher calls the sync endpoint through the executor.
type fetcher struct{ e *Engine }

func (f fetcher) SyncMessages(ctx context.Context, cursor string, limit int) ([]byte, error) {
	return session.Query(ctx, f.e.exec, func(ctx context.Context, token string) ([]byte, error) {
		return f.e.client.SyncMessages(ctx, token, cursor, limit)
	})
}

func (e *Engine) ackHealthCheck(ctx context.Context, id string) error {
	return e.exec.Execute(ctx, func(ctx context.Context, token string) error {
		return e.client.HealthCheck(ctx, token, id)
	})
}

// Device returns the identity this engine registers with.
func (e *Engine) Device() pushapi.Device { return e.device }

// Run starts the execution contexts and the startup sequence, and blocks
// until ctx is cancelled. Startup failures are reported through OnError
// and never stop the engine.
func (e *Engine) Run(ctx context.Context) error {
	defer e.cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, q := range []*taskq.Queue{e.serviceQ, e.storeQ, e.streamQ} {
		g.Go(func() error { return q.Run(gctx) })
	}

	g.Go(func() error {
		e.start(gctx)
		return nil
	})

	if e.cfg.Metrics != nil {
		g.Go(func() error {
			e.trackStored(gctx)
			return nil
		})
	}

	if e.cfg.Retention > 0 {
		g.Go(func() error {
			e.pruneLoop(gctx)
			return nil
		})
	}

	if e.cfg.WakeupInboxDir != "" {
		inbox := wakeup.NewInbox(e.cfg.WakeupInboxDir, e.ingestWakeup, e.cfg.Logger)
		g.Go(func() error { return ignoreCanceled(inbox.Watch(gctx)) })
	}

	if e.cfg.WakeupTokenFile != "" {
		tf := wakeup.NewTokenFile(e.cfg.WakeupTokenFile, e.UpdateWakeupToken, e.cfg.Logger)
		g.Go(func() error { return ignoreCanceled(tf.Watch(gctx)) })
	}

	g.Go(func() error {
		<-gctx.Done()
		e.logger.Info("shutting down")
		e.stream.Close()
		e.stopSweep()

		return nil
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// start runs the startup sequence on the service queue, then schedules
// the retry sweep.
func (e *Engine) start(ctx context.Context) {
	err := e.serviceQ.Do(ctx, func(ctx context.Context) error {
		e.startup(ctx)
		return nil
	})
	if err != nil {
		return
	}

	e.scheduleSweep()

	// The offline sync waits behind anything startup queued.
	e.serviceQ.Submit(func(ctx context.Context) {
		tok, err := e.exec.Token()
		if err != nil {
			e.fail(err)
			return
		}

		if tok == "" {
			e.logger.Info("no session, skipping offline sync")
			return
		}

		if _, err := e.sync(ctx); err != nil {
			e.fail(err)
		}
	})
}

// startup syncs the push mode, then logs in and connects the stream as
// the mode requires.
func (e *Engine) startup(ctx context.Context) {
	mode, err := e.svc.SyncPushMode(ctx)
	if err != nil {
		e.fail(err)

		mode, err = e.svc.PushMode()
		if err != nil || mode == "" {
			e.logger.Warn("push mode unknown, not starting a session")
			return
		}

		e.logger.Info("using cached push mode", slog.String("push_mode", string(mode)))
	}

	if mode.UsesLogin() {
		if _, err := e.login(ctx, e.cfg.Identity); err != nil {
			e.fail(err)
		}
	}

	if mode.UsesStream() {
		if _, err := e.connect(ctx); err != nil {
			e.fail(err)
		}
	}
}

func (e *Engine) login(ctx context.Context, id pushapi.Identity) (string, error) {
	if id == (pushapi.Identity{}) {
		stored, err := e.svc.Identity()
		if err != nil {
			return "", err
		}

		id = stored
	}

	return e.svc.Login(ctx, id)
}

func (e *Engine) connect(ctx context.Context) (string, error) {
	reg, err := e.svc.Register(ctx)
	if err != nil {
		return "", err
	}

	params := pushapi.StreamParams{
		RID:           reg.RID,
		DeviceID:      e.device.ID,
		AppIdentifier: e.device.AppIdentifier,
		Platform:      e.device.Platform,
	}

	return e.stream.Connect(ctx, params, e.refreshTicket)
}

func (e *Engine) refreshTicket(ctx context.Context) (string, error) {
	reg, err := e.svc.Refresh(ctx)
	if err != nil {
		return "", err
	}

	return reg.RID, nil
}

func (e *Engine) sync(ctx context.Context) (int, error) {
	n, err := e.catchup.Sync(ctx, e.cfg.SyncLimit)
	if err != nil {
		return 0, err
	}

	if e.cfg.Listeners.OnSyncComplete != nil {
		e.cfg.Listeners.OnSyncComplete(n)
	}

	return n, nil
}

func (e *Engine) scheduleSweep() {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	if e.sweepTimer != nil {
		return
	}

	e.sweepTimer = time.AfterFunc(e.cfg.RetrySweepDelay, func() {
		e.serviceQ.Submit(func(ctx context.Context) {
			if _, err := e.reporter.RetrySweep(ctx); err != nil {
				e.fail(err)
			}
		})
	})
}

func (e *Engine) stopSweep() {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	if e.sweepTimer != nil {
		e.sweepTimer.Stop()
	}
}

// ingest runs one payload through the pipeline. OnMessage runs inside
// the pipeline for a new message, so stream and wake-up deliveries are
// notified in storage order.
func (e *Engine) ingest(ctx context.Context, raw []byte, source string) (*models.Message, error) {
	m, err := e.pipeline.ProcessNotify(ctx, raw, source, e.cfg.Listeners.OnMessage)
	if err != nil {
		e.fail(err)
		return nil, err
	}

	return m, nil
}

func (e *Engine) ingestWakeup(ctx context.Context, raw []byte) error {
	_, err := e.ingest(ctx, raw, "wakeup")
	return err
}

func (e *Engine) trackStored(ctx context.Context) {
	ch, cancel := e.db.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msgs, ok := <-ch:
			if !ok {
				return
			}

			e.cfg.Metrics.Stored(len(msgs))
		}
	}
}

func (e *Engine) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		e.prune()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) prune() {
	n, err := e.store.PruneBefore(time.Now().Add(-e.cfg.Retention))
	if err != nil {
		e.fail(apperrors.Wrap(apperrors.KindStorageFailed, "pruning messages", err))
		return
	}

	if n > 0 {
		e.logger.Info("pruned old messages", slog.Int("removed", n))
	}
}

// fail logs err and passes it to OnError.
func (e *Engine) fail(err error) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		ae = &apperrors.Error{Kind: apperrors.KindUnknown, Detail: err.Error(), Err: err}
	}

	e.logger.Warn("engine error",
		slog.String("code", ae.Kind.Code()),
		slog.String("error", err.Error()),
	)

	if e.cfg.Listeners.OnError != nil {
		e.cfg.Listeners.OnError(ae)
	}
}

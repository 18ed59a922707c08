package elevation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/pipe"
	"github.com/burnengine/burn/pkg/platform"
	"github.com/burnengine/burn/pkg/telemetry"
)

// MachineLockName is the machine-wide lock held by an elevated child for the
// whole session.
const MachineLockName = "burn.apply"

// Services are the local implementations the child dispatches to. A nil
// service answers its requests with ResultNotSupported.
type Services struct {
	Executor     engine.PackageExecutor
	Cache        engine.CacheManager
	Dependencies engine.DependencyRegistrar
	Registration engine.RegistrationSession
	Transactions engine.TransactionManager
	State        engine.StateSaver
	Launcher     engine.ExeLauncher
}

type childConfig struct {
	logger   *telemetry.Logger
	platform platform.Operations
	lockName string
}

// ChildOption configures ChildPumpMessages.
type ChildOption func(*childConfig)

// WithChildLogger sets the child's logger.
func WithChildLogger(l *telemetry.Logger) ChildOption {
	return func(c *childConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMachineLock holds the named machine lock while pumping.
func WithMachineLock(ops platform.Operations, name string) ChildOption {
	return func(c *childConfig) {
		c.platform = ops
		c.lockName = name
	}
}

// ChildPumpMessages serves the parent's requests on the main and cache
// channels until the parent sends terminate on the main channel. The
// returned termination carries the exit code and restart flag the parent
// asked for.
func ChildPumpMessages(ctx context.Context, conn *pipe.Connection, svc Services, opts ...ChildOption) (pipe.Termination, error) {
	cfg := &childConfig{logger: telemetry.NopLogger()}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger.NewComponentLogger("elevation")

	if cfg.platform != nil {
		lock, err := cfg.platform.AcquireMachineLock(ctx, cfg.lockName)
		if err != nil {
			return pipe.Termination{}, fmt.Errorf("failed to acquire machine lock: %w", err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.WithError(err).Warn("Failed to release machine lock")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	cacheCtx, stopCache := context.WithCancel(gctx)
	defer stopCache()

	var term pipe.Termination
	g.Go(func() error {
		defer stopCache()
		d := &dispatcher{svc: svc, ch: conn.Main, logger: logger}
		t, err := conn.Main.PumpMessages(gctx, d.handle)
		if err != nil {
			return fmt.Errorf("main channel: %w", err)
		}
		term = t
		return nil
	})

	if conn.Cache != nil {
		g.Go(func() error {
			d := &dispatcher{svc: svc, ch: conn.Cache, logger: logger}
			_, err := conn.Cache.PumpMessages(cacheCtx, d.handle)
			if err != nil && cacheCtx.Err() == nil {
				return fmt.Errorf("cache channel: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return pipe.Termination{}, err
	}
	logger.WithField("exit_code", term.ExitCode).Debug("Parent terminated elevated session")
	return term, nil
}

type dispatcher struct {
	svc    Services
	ch     *pipe.Channel
	logger *telemetry.Logger
}

func (d *dispatcher) progress() engine.ProgressFunc {
	return func(percent uint32) {
		data, err := json.Marshal(pipe.Notification{Kind: progressKind, Percent: percent})
		if err != nil {
			return
		}
		if err := d.ch.Notify(pipe.MessageTypeComplete, data); err != nil {
			d.logger.WithError(err).Debug("Failed to send progress")
		}
	}
}

func (d *dispatcher) handle(ctx context.Context, msg *pipe.Message) pipe.Result {
	name := MessageName(msg.Type)
	d.logger.WithField("message", name).Debug("Handling elevated request")

	resp, err := d.dispatch(ctx, msg)
	if err != nil {
		code := ResultFailed
		var reqErr *requestError
		switch {
		case errors.As(err, &reqErr):
			code = reqErr.code
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			code = ResultCanceled
		}
		d.logger.WithError(err).WithField("message", name).Warn("Elevated request failed")
		body, _ := json.Marshal(&Response{Error: err.Error()})
		return pipe.Result{Code: code, Body: body}
	}

	if resp == nil {
		resp = &Response{}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return pipe.Result{Code: ResultFailed}
	}
	return pipe.Result{Code: ResultSuccess, Body: body}
}

type requestError struct {
	code uint32
	err  error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func invalid(err error) error {
	return &requestError{code: ResultInvalidRequest, err: err}
}

func unsupported(name string) error {
	return &requestError{code: ResultNotSupported, err: fmt.Errorf("%s is not supported by this process", name)}
}

func parse[T any](data []byte) (*T, error) {
	var v T
	if err := decode(data, &v); err != nil {
		return nil, invalid(err)
	}
	return &v, nil
}

func (d *dispatcher) dispatch(ctx context.Context, msg *pipe.Message) (*Response, error) {
	name := MessageName(msg.Type)

	switch msg.Type {
	case MessageBeginSession, MessageEndSession:
		if d.svc.Registration == nil {
			return nil, unsupported(name)
		}
		req, err := parse[SessionRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		if req.Registration == nil {
			return nil, invalid(errors.New("registration is required"))
		}
		if msg.Type == MessageBeginSession {
			return nil, d.svc.Registration.BeginSession(ctx, req.Registration, req.Operations)
		}
		return nil, d.svc.Registration.EndSession(ctx, req.Registration, req.Keep, restartOrNone(req.Restart))

	case MessageSaveState:
		if d.svc.State == nil {
			return nil, unsupported(name)
		}
		req, err := parse[SaveStateRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, d.svc.State.SaveState(ctx, req.BundleID, req.State)

	case MessageCacheAcquireContainer, MessageCachePreparePackage, MessageCacheCompletePayload,
		MessageCacheVerifyPayload, MessageCachePackage, MessageCacheUncachePackage,
		MessageCacheCleanup, MessageCleanPackage, MessageCleanCompatiblePackage:
		return d.dispatchCache(ctx, msg)

	case MessageProcessDependentRegistration:
		if d.svc.Dependencies == nil {
			return nil, unsupported(name)
		}
		req, err := parse[engine.DependentRegistration](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, d.svc.Dependencies.ProcessDependentRegistration(ctx, *req)

	case MessageExecutePackageProviderAction, MessageExecutePackageDependencyAction:
		if d.svc.Dependencies == nil {
			return nil, unsupported(name)
		}
		req, err := parse[ProviderRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		if msg.Type == MessageExecutePackageProviderAction {
			return nil, d.svc.Dependencies.ExecutePackageProviderAction(ctx, req.PackageID, req.Providers, req.Action)
		}
		return nil, d.svc.Dependencies.ExecutePackageDependencyAction(ctx, req.PackageID, req.Providers, req.BundleProviderKey, req.Action)

	case MessageExecuteRelatedBundle, MessageExecuteBundlePackage, MessageExecuteExePackage,
		MessageExecuteMsiPackage, MessageExecuteMspPackage, MessageExecuteMsuPackage,
		MessageUninstallMsiCompatiblePackage:
		if d.svc.Executor == nil {
			return nil, unsupported(name)
		}
		req, err := parse[engine.ExecuteRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		if want, err := executeMessage(req); err != nil || want != msg.Type {
			return nil, invalid(fmt.Errorf("%s does not match package %s of type %q", name, req.PackageID, req.Type))
		}
		restart, err := d.svc.Executor.ExecutePackage(ctx, req, d.progress())
		if err != nil {
			return nil, err
		}
		return &Response{Restart: restart}, nil

	case MessageBeginMsiTransaction, MessageCommitMsiTransaction, MessageRollbackMsiTransaction:
		if d.svc.Transactions == nil {
			return nil, unsupported(name)
		}
		req, err := parse[TransactionRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		var restart engine.RestartState
		switch msg.Type {
		case MessageBeginMsiTransaction:
			err = d.svc.Transactions.BeginTransaction(ctx, req.BoundaryID)
		case MessageCommitMsiTransaction:
			restart, err = d.svc.Transactions.CommitTransaction(ctx, req.BoundaryID)
		default:
			restart, err = d.svc.Transactions.RollbackTransaction(ctx, req.BoundaryID)
		}
		if err != nil {
			return nil, err
		}
		return &Response{Restart: restart}, nil

	case MessageLaunchApprovedExe:
		if d.svc.Launcher == nil {
			return nil, unsupported(name)
		}
		req, err := parse[LaunchRequest](msg.Data)
		if err != nil {
			return nil, err
		}
		pid, err := d.svc.Launcher.LaunchApprovedExe(ctx, req.ExeID, req.Arguments)
		if err != nil {
			return nil, err
		}
		return &Response{ProcessID: pid}, nil
	}

	return nil, &requestError{code: ResultUnknownMessage, err: fmt.Errorf("unknown message type %d", uint32(msg.Type))}
}

func (d *dispatcher) dispatchCache(ctx context.Context, msg *pipe.Message) (*Response, error) {
	if d.svc.Cache == nil {
		return nil, unsupported(MessageName(msg.Type))
	}
	req, err := parse[CacheRequest](msg.Data)
	if err != nil {
		return nil, err
	}
	cache := d.svc.Cache

	switch msg.Type {
	case MessageCacheAcquireContainer:
		err = cache.AcquireContainer(ctx, req.ContainerID, d.progress())
	case MessageCachePreparePackage:
		err = cache.PreparePackage(ctx, req.PackageID)
	case MessageCacheCompletePayload:
		err = cache.CompletePayload(ctx, req.PackageID, req.PayloadID, req.SourcePath, req.Move, d.progress())
	case MessageCacheVerifyPayload:
		err = cache.VerifyPayload(ctx, req.PackageID, req.PayloadID, req.CachedPath)
	case MessageCachePackage:
		err = cache.CachePackage(ctx, req.PackageID, req.Containers, d.progress())
	case MessageCacheUncachePackage:
		err = cache.UncachePackage(ctx, req.PackageID)
	case MessageCacheCleanup:
		err = cache.Cleanup(ctx, req.BundleID)
	case MessageCleanPackage:
		err = cache.CleanPackage(ctx, req.PackageID)
	case MessageCleanCompatiblePackage:
		err = cache.CleanCompatiblePackage(ctx, req.PackageID, req.ProductCode)
	}
	return nil, err
}

// LogWriter sends every write as one log frame. Hand it to a zerolog
// logger in the child so its lines reach the parent.
type LogWriter struct {
	ch *pipe.Channel
}

// NewLogWriter creates a writer for the child's logging channel.
func NewLogWriter(ch *pipe.Channel) *LogWriter {
	return &LogWriter{ch: ch}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if err := w.ch.Notify(pipe.MessageTypeLog, []byte(line)); err != nil {
		return 0, err
	}
	return len(p), nil
}

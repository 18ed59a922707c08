package elevation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/burnengine/burn/pkg/engine"
	"github.com/burnengine/burn/pkg/pipe"
	"github.com/burnengine/burn/pkg/telemetry"
)

// Client is the parent side of an elevation session. Every privileged
// operation is one blocking request; log and progress frames that arrive
// while it waits are forwarded to the logger and the caller's progress func.
type Client struct {
	conn   *pipe.Connection
	logger *telemetry.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger that receives relayed child log lines.
func WithClientLogger(l *telemetry.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient wraps an accepted connection.
func NewClient(conn *pipe.Connection, opts ...ClientOption) *Client {
	c := &Client{
		conn:   conn,
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.NewComponentLogger("elevation")
	return c
}

var (
	_ engine.PackageExecutor     = (*Client)(nil)
	_ engine.CacheManager        = (*Client)(nil)
	_ engine.DependencyRegistrar = (*Client)(nil)
	_ engine.RegistrationSession = (*Client)(nil)
	_ engine.TransactionManager  = (*Client)(nil)
	_ engine.StateSaver          = (*Client)(nil)
	_ engine.ExeLauncher         = (*Client)(nil)
)

func (c *Client) call(ctx context.Context, ch *pipe.Channel, msgType pipe.MessageType, req any, progress engine.ProgressFunc) (*Response, error) {
	name := MessageName(msgType)
	resp := &Response{}

	err := telemetry.RecordRPC(ctx, name, func(ctx context.Context) error {
		payload, err := encode(req)
		if err != nil {
			return err
		}

		result, err := ch.SendMessage(ctx, msgType, payload, c.notify(progress))
		if err != nil {
			return transportError(name, err)
		}

		if err := decode(result.Body, resp); err != nil {
			return engine.NewTransportError("malformed elevated response", err).WithOperation(name)
		}
		if result.Code != ResultSuccess {
			return operationError(name, result.Code, resp.Error)
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("message", name).Debug("Elevated request failed")
		return nil, err
	}
	return resp, nil
}

func (c *Client) notify(progress engine.ProgressFunc) pipe.NotifyFunc {
	return func(msg *pipe.Message) error {
		switch msg.Type {
		case pipe.MessageTypeLog:
			relayLine(c.logger, msg.Data)
		case pipe.MessageTypeComplete:
			n, err := pipe.ParseNotification(msg.Data)
			if err != nil {
				c.logger.WithError(err).Warn("Ignoring malformed notification")
				return nil
			}
			if n.Kind == progressKind && progress != nil {
				progress(n.Percent)
			}
		}
		return nil
	}
}

// relayLine re-emits one child log line through the parent's logger.
func relayLine(logger *telemetry.Logger, data []byte) {
	line := strings.TrimSpace(string(data))
	if line == "" {
		return
	}

	zl := logger.Zerolog()
	var fields struct {
		Level     string `json:"level"`
		Message   string `json:"message"`
		Component string `json:"component"`
	}
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		zl.Info().Str("origin", "elevated").Msg(line)
		return
	}

	level, err := zerolog.ParseLevel(fields.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	ev := zl.WithLevel(level).Str("origin", "elevated")
	if fields.Component != "" {
		ev = ev.Str("child_component", fields.Component)
	}
	ev.Msg(fields.Message)
}

// RelayLogs forwards lines from the child's logging channel until the
// channel closes or ctx is done.
func RelayLogs(ctx context.Context, ch *pipe.Channel, logger *telemetry.Logger) {
	for {
		msg, err := ch.Read(ctx)
		if err != nil {
			return
		}
		if msg.Type == pipe.MessageTypeLog {
			relayLine(logger, msg.Data)
		}
	}
}

// Registration session

func (c *Client) BeginSession(ctx context.Context, reg *engine.Registration, ops engine.RegistrationOperation) error {
	_, err := c.call(ctx, c.conn.Main, MessageBeginSession, &SessionRequest{Registration: reg, Operations: ops}, nil)
	return err
}

func (c *Client) EndSession(ctx context.Context, reg *engine.Registration, keep bool, restart engine.RestartState) error {
	_, err := c.call(ctx, c.conn.Main, MessageEndSession, &SessionRequest{Registration: reg, Keep: keep, Restart: restart}, nil)
	return err
}

func (c *Client) SaveState(ctx context.Context, bundleID string, state []byte) error {
	_, err := c.call(ctx, c.conn.Main, MessageSaveState, &SaveStateRequest{BundleID: bundleID, State: state}, nil)
	return err
}

// Cache. Acquisition runs on the cache channel so it can overlap execution.

func (c *Client) AcquireContainer(ctx context.Context, containerID string, progress engine.ProgressFunc) error {
	_, err := c.call(ctx, c.conn.Cache, MessageCacheAcquireContainer, &CacheRequest{ContainerID: containerID}, progress)
	return err
}

func (c *Client) PreparePackage(ctx context.Context, packageID string) error {
	_, err := c.call(ctx, c.conn.Cache, MessageCachePreparePackage, &CacheRequest{PackageID: packageID}, nil)
	return err
}

func (c *Client) CompletePayload(ctx context.Context, packageID, payloadID, sourcePath string, move bool, progress engine.ProgressFunc) error {
	_, err := c.call(ctx, c.conn.Cache, MessageCacheCompletePayload, &CacheRequest{
		PackageID:  packageID,
		PayloadID:  payloadID,
		SourcePath: sourcePath,
		Move:       move,
	}, progress)
	return err
}

func (c *Client) VerifyPayload(ctx context.Context, packageID, payloadID, cachedPath string) error {
	_, err := c.call(ctx, c.conn.Cache, MessageCacheVerifyPayload, &CacheRequest{
		PackageID:  packageID,
		PayloadID:  payloadID,
		CachedPath: cachedPath,
	}, nil)
	return err
}

func (c *Client) CachePackage(ctx context.Context, packageID string, containers []string, progress engine.ProgressFunc) error {
	_, err := c.call(ctx, c.conn.Cache, MessageCachePackage, &CacheRequest{PackageID: packageID, Containers: containers}, progress)
	return err
}

func (c *Client) UncachePackage(ctx context.Context, packageID string) error {
	_, err := c.call(ctx, c.conn.Main, MessageCacheUncachePackage, &CacheRequest{PackageID: packageID}, nil)
	return err
}

func (c *Client) Cleanup(ctx context.Context, bundleID string) error {
	_, err := c.call(ctx, c.conn.Main, MessageCacheCleanup, &CacheRequest{BundleID: bundleID}, nil)
	return err
}

func (c *Client) CleanPackage(ctx context.Context, packageID string) error {
	_, err := c.call(ctx, c.conn.Main, MessageCleanPackage, &CacheRequest{PackageID: packageID}, nil)
	return err
}

func (c *Client) CleanCompatiblePackage(ctx context.Context, packageID, productCode string) error {
	_, err := c.call(ctx, c.conn.Main, MessageCleanCompatiblePackage, &CacheRequest{PackageID: packageID, ProductCode: productCode}, nil)
	return err
}

// Dependency registration

func (c *Client) ProcessDependentRegistration(ctx context.Context, action engine.DependentRegistration) error {
	_, err := c.call(ctx, c.conn.Main, MessageProcessDependentRegistration, &action, nil)
	return err
}

func (c *Client) ExecutePackageProviderAction(ctx context.Context, packageID string, providers []engine.DependencyProvider, action engine.DependencyAction) error {
	_, err := c.call(ctx, c.conn.Main, MessageExecutePackageProviderAction, &ProviderRequest{
		PackageID: packageID,
		Providers: providers,
		Action:    action,
	}, nil)
	return err
}

func (c *Client) ExecutePackageDependencyAction(ctx context.Context, packageID string, providers []engine.DependencyProvider, bundleProviderKey string, action engine.DependencyAction) error {
	_, err := c.call(ctx, c.conn.Main, MessageExecutePackageDependencyAction, &ProviderRequest{
		PackageID:         packageID,
		Providers:         providers,
		BundleProviderKey: bundleProviderKey,
		Action:            action,
	}, nil)
	return err
}

// Package execution

// ExecutePackage sends the request with the message type matching its
// package type.
func (c *Client) ExecutePackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	msgType, err := executeMessage(req)
	if err != nil {
		return engine.RestartNone, engine.NewPlanningInputError("cannot execute package", err).
			WithResource(req.PackageID).
			WithCode(engine.ErrCodeInvalidPackage)
	}
	return c.execute(ctx, msgType, req, progress)
}

func (c *Client) ExecuteRelatedBundle(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	related := *req
	related.Related = true
	return c.execute(ctx, MessageExecuteRelatedBundle, &related, progress)
}

func (c *Client) ExecuteBundlePackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	return c.execute(ctx, MessageExecuteBundlePackage, req, progress)
}

func (c *Client) ExecuteExePackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	return c.execute(ctx, MessageExecuteExePackage, req, progress)
}

func (c *Client) ExecuteMsiPackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	return c.execute(ctx, MessageExecuteMsiPackage, req, progress)
}

func (c *Client) ExecuteMspPackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	return c.execute(ctx, MessageExecuteMspPackage, req, progress)
}

func (c *Client) ExecuteMsuPackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	return c.execute(ctx, MessageExecuteMsuPackage, req, progress)
}

func (c *Client) UninstallMsiCompatiblePackage(ctx context.Context, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	compatible := *req
	compatible.Compatible = true
	return c.execute(ctx, MessageUninstallMsiCompatiblePackage, &compatible, progress)
}

func (c *Client) execute(ctx context.Context, msgType pipe.MessageType, req *engine.ExecuteRequest, progress engine.ProgressFunc) (engine.RestartState, error) {
	resp, err := c.call(ctx, c.conn.Main, msgType, req, progress)
	if err != nil {
		return engine.RestartNone, err
	}
	return restartOrNone(resp.Restart), nil
}

// MSI transactions

func (c *Client) BeginTransaction(ctx context.Context, boundaryID string) error {
	_, err := c.call(ctx, c.conn.Main, MessageBeginMsiTransaction, &TransactionRequest{BoundaryID: boundaryID}, nil)
	return err
}

func (c *Client) CommitTransaction(ctx context.Context, boundaryID string) (engine.RestartState, error) {
	resp, err := c.call(ctx, c.conn.Main, MessageCommitMsiTransaction, &TransactionRequest{BoundaryID: boundaryID}, nil)
	if err != nil {
		return engine.RestartNone, err
	}
	return restartOrNone(resp.Restart), nil
}

func (c *Client) RollbackTransaction(ctx context.Context, boundaryID string) (engine.RestartState, error) {
	resp, err := c.call(ctx, c.conn.Main, MessageRollbackMsiTransaction, &TransactionRequest{BoundaryID: boundaryID}, nil)
	if err != nil {
		return engine.RestartNone, err
	}
	return restartOrNone(resp.Restart), nil
}

// LaunchApprovedExe starts the executable and returns its process id.
func (c *Client) LaunchApprovedExe(ctx context.Context, exeID, arguments string) (int, error) {
	resp, err := c.call(ctx, c.conn.Main, MessageLaunchApprovedExe, &LaunchRequest{ExeID: exeID, Arguments: arguments}, nil)
	if err != nil {
		return 0, err
	}
	return resp.ProcessID, nil
}

// Terminate asks the child to stop pumping and exit with exitCode.
func (c *Client) Terminate(exitCode uint32, restart bool) error {
	term := pipe.Termination{ExitCode: exitCode, Restart: restart}
	if c.conn.Cache != nil {
		if err := c.conn.Cache.Terminate(term); err != nil {
			return transportError("terminate", err)
		}
	}
	if err := c.conn.Main.Terminate(term); err != nil {
		return transportError("terminate", err)
	}
	return nil
}

func restartOrNone(r engine.RestartState) engine.RestartState {
	if r == "" {
		return engine.RestartNone
	}
	return r
}

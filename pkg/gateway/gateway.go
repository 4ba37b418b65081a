// Package gateway announces applications and publishes run reports over
// NATS JetStream.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/apps"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/message"
)

// DefaultReportTimeout bounds publishing one run report.
const DefaultReportTimeout = 5 * time.Second

// Publisher is the part of the message service the gateway uses.
type Publisher interface {
	PublishRegistration(ctx context.Context, subject string, r *message.Registration) error
	PublishReport(ctx context.Context, subject string, r *message.RunReport) error
}

// Config names the subjects the gateway publishes on.
type Config struct {
	// GatewaySubject is the prefix of registration subjects.
	GatewaySubject string
	// ResultSubject is the prefix of report subjects; reports go to
	// "<prefix>.<story>".
	ResultSubject string
	// TriggerSubject is the prefix triggers are accepted on, announced with
	// every registration.
	TriggerSubject string
	// Instance identifies this engine process.
	Instance      string
	ReportTimeout time.Duration
}

// Gateway implements apps.Gateway and apps.RunObserver.
type Gateway struct {
	pub    Publisher
	cfg    Config
	logger *zap.Logger
}

// New creates a gateway publishing through pub.
func New(pub Publisher, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}
	return &Gateway{pub: pub, cfg: cfg, logger: logger}
}

// Register announces app.
func (g *Gateway) Register(ctx context.Context, app apps.Info) error {
	return g.announce(ctx, message.ActionRegister, app)
}

// Unregister withdraws app.
func (g *Gateway) Unregister(ctx context.Context, app apps.Info) error {
	return g.announce(ctx, message.ActionUnregister, app)
}

func (g *Gateway) announce(ctx context.Context, action string, app apps.Info) error {
	reg := &message.Registration{
		Action:   action,
		App:      app.Name,
		StoryID:  app.StoryID,
		Instance: g.cfg.Instance,
	}
	if g.cfg.TriggerSubject != "" {
		reg.Subject = g.cfg.TriggerSubject + "." + app.StoryID
	}
	return g.pub.PublishRegistration(ctx, g.cfg.GatewaySubject+"."+action, reg)
}

// RunFinished publishes the report of run. Failures are logged; a report
// that cannot be published never affects the run.
func (g *Gateway) RunFinished(ctx context.Context, run *apps.Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ReportTimeout)
	defer cancel()

	report := BuildReport(run)
	if err := g.pub.PublishReport(ctx, g.cfg.ResultSubject+"."+run.StoryID, report); err != nil {
		g.logger.Error("Failed to publish run report",
			zap.String("run_id", run.ID),
			zap.String("story_id", run.StoryID),
			zap.Error(err))
	}
}

// BuildReport turns a finished run into its report.
func BuildReport(run *apps.Run) *message.RunReport {
	report := &message.RunReport{
		RunID:         run.ID,
		App:           run.App,
		StoryID:       run.StoryID,
		CorrelationID: run.CorrelationID,
		Status:        message.StatusSuccess,
		Start:         run.Started,
		End:           run.Finished(),
	}

	results := run.Context.Results()
	report.Order = run.Context.Order()
	report.Results = make(map[string]message.LineReport, len(results))
	for id, r := range results {
		report.Results[id] = message.LineReport{
			Output:   r.Output,
			Start:    r.Start,
			End:      r.End,
			ExitCode: r.ExitCode,
			Error:    r.Err,
		}
	}

	if err := run.Err(); err != nil {
		report.Status = message.StatusFailed
		report.Error = describe(err)
	}
	return report
}

func describe(err error) *message.ReportError {
	re := &message.ReportError{Kind: Kind(err), Message: err.Error()}
	var lineErr *storyerrors.LineError
	if errors.As(err, &lineErr) {
		re.Line = lineErr.LineID
		re.Output = lineErr.Output
	}
	return re
}

// Kind classifies a run failure for reports.
func Kind(err error) string {
	var (
		resolution *storyerrors.ResolutionError
		callStack  *storyerrors.CallStackError
		build      *storyerrors.GraphBuildError
	)
	switch {
	case errors.Is(err, storyerrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, storyerrors.ErrCancelled):
		return "cancelled"
	case errors.Is(err, storyerrors.ErrProvision):
		return "provision"
	case errors.Is(err, storyerrors.ErrRuntime):
		return "runtime"
	case errors.As(err, &resolution):
		return "resolution"
	case errors.As(err, &callStack):
		return "call_stack"
	case errors.As(err, &build):
		return "build"
	default:
		return "internal"
	}
}

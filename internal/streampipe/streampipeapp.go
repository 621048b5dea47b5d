package streampipe

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
	"k8s.io/utils/clock"

	"github.com/pulto/streampipe/internal/common"
	"github.com/pulto/streampipe/internal/common/app"
	"github.com/pulto/streampipe/internal/common/health"
	"github.com/pulto/streampipe/internal/common/streamcontext"
	"github.com/pulto/streampipe/internal/common/task"
	"github.com/pulto/streampipe/internal/streampipe/configuration"
	"github.com/pulto/streampipe/internal/streampipe/metrics"
	"github.com/pulto/streampipe/internal/streampipe/model"
	"github.com/pulto/streampipe/internal/streampipe/orchestrator"
	"github.com/pulto/streampipe/internal/streampipe/registry"
	"github.com/pulto/streampipe/internal/streampipe/source"
)

// Run sets up a streaming pipeline fed by the synthetic producer and runs it until a SIGTERM is received or,
// if duration is positive, until duration has elapsed.
func Run(config configuration.Configuration, duration time.Duration) error {
	ctx, cancel := app.WithOptionalDeadline(app.CreateContextWithShutdown(), duration)
	defer cancel()
	g, ctx := streamcontext.ErrGroup(ctx)

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	logMetricsHook, err := promrus.NewPrometheusHook()
	if err != nil {
		return errors.WithMessage(err, "error registering log metrics")
	}
	log.AddHook(logMetricsHook)
	promRegistry := prometheus.NewRegistry()
	pipelineMetrics := metrics.New(promRegistry)

	//////////////////////////////////////////////////////////////////////////
	// Pipeline
	//////////////////////////////////////////////////////////////////////////
	clk := clock.RealClock{}
	streamRegistry, err := registry.New(pipelineMetrics)
	if err != nil {
		return errors.WithMessage(err, "error creating stream registry")
	}
	consumer := source.NewLoggingConsumer(ctx)
	pipeline, err := orchestrator.New(
		config.Pipeline,
		streamRegistry,
		source.NewProducer(streamRegistry, config.Demo.Seed, clk),
		source.SimulatedLoad(config.Demo.LoadLatency, clk),
		consumer,
		pipelineMetrics,
		task.NewBackgroundTaskManager(metrics.MetricsPrefix, promRegistry, clk),
		clk,
	)
	if err != nil {
		return errors.WithMessage(err, "error creating pipeline")
	}

	//////////////////////////////////////////////////////////////////////////
	// Metrics and health endpoints
	//////////////////////////////////////////////////////////////////////////
	if config.Metrics.Port > 0 {
		mux := common.MetricsMux(prometheus.Gatherers{prometheus.DefaultGatherer, promRegistry})
		health.SetupHttpMux(mux, health.NewMultiChecker(pipelineHealth(pipeline)))
		shutdownHttpServer := common.ServeHttp(config.Metrics.Port, mux)
		defer shutdownHttpServer()
	}

	// List of services to run concurrently. They are only started once the pipeline is streaming.
	var services []func() error
	services = append(services, func() error { return watchStatus(ctx, pipeline) })
	services = append(services, func() error {
		<-ctx.Done()
		status := pipeline.Stop()
		ctx.Log.Infof("Pipeline stopped, %s", status.State)
		ctx.Log.Infof("Chunks loaded by level: %v", consumer.Loaded())
		return nil
	})

	status, err := pipeline.Start(ctx, config.Streams)
	if err != nil {
		return errors.WithMessage(err, "error starting pipeline")
	}
	ctx.Log.Infof("Streaming %d streams with chunk sizes %v", len(status.Streams), config.Pipeline.ChunkSizes)

	for _, service := range services {
		g.Go(service)
	}
	return g.Wait()
}

// watchStatus logs every status published by the pipeline until ctx is done. It fails if the pipeline moves
// to Error, which cancels the remaining services.
func watchStatus(ctx *streamcontext.Context, pipeline *orchestrator.Orchestrator) error {
	updates, unsubscribe := pipeline.Subscribe()
	defer unsubscribe()
	lastState := model.StateIdle
	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-updates:
			if status.State != lastState {
				ctx.Log.Infof("Pipeline is %s", status.State)
				lastState = status.State
			}
			if status.State == model.StateError {
				return errors.Errorf("pipeline failed: %s", status.Message)
			}
			ctx.Log.WithFields(log.Fields{
				"cycles":    status.Cycles,
				"processed": status.ProcessedCount,
				"total":     status.TotalCount,
				"loaded":    status.LoadedChunks,
				"failed":    status.FailedChunks,
				"pending":   status.PendingChunks,
				"inFlight":  status.InFlight,
			}).Debug("Pipeline status")
		}
	}
}

func pipelineHealth(pipeline *orchestrator.Orchestrator) health.Checker {
	return health.CheckerFunc(func() error {
		status := pipeline.Status()
		if status.State == model.StateError {
			return errors.Errorf("pipeline is in error state: %s", status.Message)
		}
		return nil
	})
}

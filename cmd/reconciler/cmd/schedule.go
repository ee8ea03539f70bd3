package cmd

import (
	"context"
	"fmt"

	"golang-reconciliation-engine/internal/retraining"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the model lifecycle jobs on their cron schedules",
	Long: `Schedule keeps running until interrupted and triggers, for every known
tenant:
  monitoring  ml.schedules.monitoring  evaluate and retrain unhealthy models
  training    ml.schedules.training    retrain tenants with ml.autoTrainingEnabled
  cleanup     ml.schedules.cleanup     delete old artifacts and purge aged data`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	log := a.logger.WithComponent("scheduler")
	scheduler, err := newScheduler(ctx, a, log)
	if err != nil {
		return err
	}

	scheduler.Start()
	log.WithField("jobs", len(scheduler.Entries())).Info("Scheduler started")

	<-ctx.Done()
	log.Info("Stopping scheduler, waiting for running jobs")
	<-scheduler.Stop().Done()
	return nil
}

// newScheduler registers the lifecycle jobs of a. Jobs of one kind never
// overlap and a panicking job does not stop the scheduler.
func newScheduler(ctx context.Context, a *app, log logger.Logger) (*cron.Cron, error) {
	cl := cronLogger{log: log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	schedules := a.cfg.ML.Schedules

	jobs := []struct {
		name    string
		spec    string
		enabled bool
		run     func()
	}{
		{"monitoring", schedules.Monitoring, true, func() {
			results, failed := a.orchestrator.MonitorAll(ctx)
			logBatch(log, "monitoring", len(results), failed)
		}},
		{"training", schedules.Training, a.autoTrainingConfigured(), func() {
			results, failed := a.orchestrator.AutoTrainAll(ctx)
			logBatch(log, "training", len(results), failed)
		}},
		{"cleanup", schedules.Cleanup, true, func() {
			results, failed := a.orchestrator.CleanupAll(ctx)
			logBatch(log, "cleanup", len(results), failed)
		}},
	}

	for _, job := range jobs {
		if !job.enabled || job.spec == "" {
			log.WithField("job", job.name).Info("Job disabled")
			continue
		}
		if _, err := c.AddFunc(job.spec, job.run); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", job.name, job.spec, err)
		}
	}
	return c, nil
}

func logBatch(log logger.Logger, job string, succeeded int, failed []retraining.TenantError) {
	entry := log.WithFields(logger.Fields{"job": job, "tenants": succeeded, "failed": len(failed)})
	if len(failed) > 0 {
		entry.WithError(tenantErrorSummary(failed)).Warn("Scheduled job finished with failures")
		return
	}
	entry.Info("Scheduled job finished")
}

// cronLogger routes scheduler events to the structured logger
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logger.Fields {
	fields := make(logger.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

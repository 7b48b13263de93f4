package cmd

import (
	"context"

	"mediagrabber/config"
	"mediagrabber/services"
)

// app is the set of long-lived components shared by the commands
type app struct {
	settings  *config.Settings
	bus       *services.ProgressBus
	store     *services.ProgressStore
	output    *services.OutputManager
	transcode *services.TranscodeQueue
	jobs      services.JobQueue
	janitor   *services.Janitor
}

// appOptions replace the external tools and retry timing, for tests
type appOptions struct {
	fetcher      services.Fetcher
	transcoder   services.Transcoder
	disk         services.DiskStater
	retryOptions []services.RetryOption
}

func newApp(settings *config.Settings, opts appOptions) (*app, error) {
	var outputOpts []services.OutputOption
	if opts.disk != nil {
		outputOpts = append(outputOpts, services.WithDiskStater(opts.disk))
	}
	output, err := services.NewOutputManager(settings.OutputDir, outputOpts...)
	if err != nil {
		return nil, err
	}
	transcode, err := services.NewTranscodeQueue(settings.MaxTranscodeWorkers)
	if err != nil {
		return nil, err
	}

	a := &app{
		settings:  settings,
		bus:       services.NewProgressBus(settings.ProgressTTL),
		store:     services.NewProgressStore(settings.ProgressTTL),
		output:    output,
		transcode: transcode,
	}
	a.jobs, err = services.NewJobQueue(services.JobQueueDeps{
		Settings:     settings,
		Bus:          a.bus,
		Store:        a.store,
		Output:       output,
		Transcode:    transcode,
		Fetcher:      opts.fetcher,
		Transcoder:   opts.transcoder,
		RetryOptions: opts.retryOptions,
	})
	if err != nil {
		return nil, err
	}
	a.janitor, err = services.NewJanitor(output, a.store, a.jobs, settings.CleanupInterval, settings.FileMaxAge)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) start(ctx context.Context, withJanitor bool) {
	a.jobs.Start(ctx)
	if withJanitor {
		a.janitor.Start()
	}
}

func (a *app) stop() {
	a.janitor.Stop()
	a.jobs.Stop()
}

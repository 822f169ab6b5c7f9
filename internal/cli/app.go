package cli

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/coah80/bgm/internal/alerts"
	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/metrics"
	"github.com/coah80/bgm/internal/services"
	"github.com/coah80/bgm/internal/util"
)

const (
	metricsNamespace = "bgm"
	tagAlbum         = "bgm uploads"
)

// app holds the pipeline built from one config.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	registry *prometheus.Registry
	recorder metrics.Recorder
	alerts   *alerts.Discord
	gate     *services.Gate
	placer   *services.Placer
	runner   *services.Runner
	uploader *services.Uploader
	sweeper  *services.Sweeper
}

func newApp(cfg *config.Config, fs afero.Fs, logger *log.Logger) (*app, error) {
	discord, err := alerts.NewDiscord(cfg.DiscordWebhookURL, cfg.DiscordPingUserID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up alerts: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewProm(metricsNamespace, reg)

	placer := services.NewPlacer(fs, cfg.StorageRoot, int64(cfg.MaxUploadSize),
		services.WithPlacerLogger(logger))

	gate := services.NewGate(services.GateConfig{
		Root:          placer.Root(),
		MaxConcurrent: int64(cfg.MaxConcurrentUploads),
		MinFreeDisk:   uint64(cfg.MinFreeDisk),
		MaxUploadSize: int64(cfg.MaxUploadSize),
	},
		services.WithGateLogger(logger),
		services.WithGateMetrics(recorder),
		services.WithGateAlerts(discord),
	)

	runner := services.NewRunner(
		services.WithFFmpegPath(cfg.FFmpegPath),
		services.WithWaitTimeout(cfg.ExtractWaitTimeout),
		services.WithHardTimeout(cfg.ExtractHardTimeout),
		services.WithRunnerLogger(logger),
	)

	uploader := services.NewUploader(gate, placer, runner, cfg.PublicURL,
		services.WithTagger(services.NewTagger(tagAlbum)),
		services.WithUploaderAlerts(discord),
		services.WithUploaderMetrics(recorder),
		services.WithUploaderLogger(logger),
	)

	sweeper := services.NewSweeper(fs, cfg.StorageRoot, cfg.RetentionAge,
		services.WithSweepLogger(logger),
		services.WithSweepMetrics(recorder),
		services.WithSweepAlerts(discord),
		services.WithSweepDiskCheck(util.GetDiskSpace, uint64(cfg.MinFreeDisk)),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		recorder: recorder,
		alerts:   discord,
		gate:     gate,
		placer:   placer,
		runner:   runner,
		uploader: uploader,
		sweeper:  sweeper,
	}, nil
}

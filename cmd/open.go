package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/automation"
	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/orchestrator"
	"github.com/xkilldash9x/browserkit/internal/session"
)

// errBrowserExited ends `open` when the user closes the browser window.
var errBrowserExited = errors.New("the browser exited")

func newOpenCmd(a *app) *cobra.Command {
	var (
		endpoint string
		videoDir string
	)
	openCmd := &cobra.Command{
		Use:   "open <url>",
		Short: "Launch a browser at url and keep the session open until interrupted",
		Long: `Launch the selected browser with a fresh profile, attach to its first tab and navigate
it to url. With --endpoint, attach to the tab showing url in an already running browser instead.
Automation events (downloads, frame changes, utility binding calls) are logged as they arrive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd, args[0], endpoint, videoDir)
		},
	}

	flags := openCmd.Flags()
	flags.StringP("browser", "b", "", "browser to use, as name[:channel] or a path to the binary")
	flags.Bool("headless", false, "run without a visible window")
	flags.Bool("isolate-tabs", false, "open each spec in a new tab")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&endpoint, "endpoint", "", "debugging endpoint of a running browser to attach to")
	flags.StringVar(&videoDir, "video-dir", "", "write screencast frames to this directory (Chromium only)")

	// Bind flags to their corresponding Viper keys so they override the config file and
	// environment with the right precedence.
	_ = a.v.BindPFlag("browser.name", flags.Lookup("browser"))
	_ = a.v.BindPFlag("browser.headless", flags.Lookup("headless"))
	_ = a.v.BindPFlag("browser.isolate_tabs", flags.Lookup("isolate-tabs"))
	_ = a.v.BindPFlag("metrics.address", flags.Lookup("metrics-addr"))
	return openCmd
}

func (a *app) open(cmd *cobra.Command, url, endpoint, videoDir string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cfg, logger := a.cfg, a.logger.Named("open")

	if cfg.Metrics.Enabled || cmd.Flags().Changed("metrics-addr") {
		if _, err := serveMetrics(ctx, cfg.Metrics.Address, logger); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	discoverOpts := browsers.OptionsFromConfig(cfg.Browser, logger)
	found, err := a.discover(ctx, discoverOpts)
	if err != nil {
		return fmt.Errorf("browser discovery failed: %w", err)
	}
	b, err := browsers.FindByNameOrPath(ctx, found, cfg.Browser.Name, discoverOpts)
	if err != nil {
		return err
	}
	if b.Warning != "" {
		logger.Warn(b.Warning, zap.String("browser", b.Selector()))
	}

	bridge := automation.NewBridge(logger, 64)
	defer bridge.Shutdown()
	events, unsubscribe := bridge.Subscribe()
	defer unsubscribe()
	go logEvents(logger, bridge, events)

	errs := make(chan error, 1)
	opts := session.OpenOptions{
		Headless:    cfg.Browser.Headless,
		IsolateTabs: cfg.Browser.IsolateTabs,
		Interactive: cfg.Browser.Interactive,
		Endpoint:    endpoint,
		Bridge:      bridge,
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	}
	var frames *frameDir
	if videoDir != "" || cfg.Video.Enabled {
		if videoDir == "" {
			videoDir = "frames"
		}
		if frames, err = newFrameDir(videoDir); err != nil {
			return err
		}
		opts.Video = frames
	}

	mgr, err := orchestrator.New(cfg, a.logger)
	if err != nil {
		return err
	}
	defer mgr.Close(context.Background())

	var done <-chan struct{}
	if endpoint != "" {
		if err := mgr.ConnectToExisting(ctx, b, url, opts); err != nil {
			return err
		}
	} else {
		inst, err := mgr.Open(ctx, b, url, opts)
		if err != nil {
			return err
		}
		done = inst.Done()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Opened %s at %s. Press Ctrl+C to close.\n", b.DisplayName, url)

	defer func() {
		if frames != nil {
			logger.Info("Screencast finished.", zap.Int("frames", frames.count()), zap.String("dir", frames.dir))
		}
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	case <-done:
		return errBrowserExited
	}
}

// logEvents logs automation events until the bridge shuts down.
func logEvents(logger *zap.Logger, bridge *automation.Bridge, events <-chan automation.Message) {
	for msg := range events {
		logger.Info("Automation event.", zap.String("kind", string(msg.Event.Kind())), zap.Any("event", msg.Event))
		bridge.Acknowledge(msg)
	}
}

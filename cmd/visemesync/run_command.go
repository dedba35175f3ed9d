package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/visemesync/internal/audio"
	"github.com/normanking/visemesync/internal/avatar3d"
	"github.com/normanking/visemesync/internal/bus"
	"github.com/normanking/visemesync/internal/config"
	"github.com/normanking/visemesync/internal/gltfmodel"
	"github.com/normanking/visemesync/internal/logging"
	"github.com/normanking/visemesync/internal/observe"
	"github.com/normanking/visemesync/internal/pipeline"
	"github.com/normanking/visemesync/internal/posestream"
	"github.com/normanking/visemesync/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

type runOptions struct {
	model    string
	input    string
	format   string
	channels int
	listen   string
	level    string
}

func newRunCommand(configFlag *string) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyze speech audio and stream avatar poses over websocket",
		Long: `Run loads a glTF avatar, analyzes audio read from --input ("-" for stdin)
at real-time pace and broadcasts poses to websocket clients.

Input formats:
  pcm   raw mono s16le samples at analyzer.sample_rate
  opus  Opus packets at 48 kHz, each prefixed with a 2-byte little-endian length`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(ctx, *configFlag, opts, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "glTF/GLB avatar (overrides animator.model_path)")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Audio input file, or - for stdin")
	cmd.Flags().StringVar(&opts.format, "input-format", formatPCM, "Input format: pcm or opus")
	cmd.Flags().IntVar(&opts.channels, "channels", 1, "Opus channel count (1 or 2)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address (overrides server.listen_addr)")
	cmd.Flags().StringVar(&opts.level, "log-level", "", "Log level (overrides log.level)")

	return cmd
}

func runService(ctx context.Context, configPath string, opts runOptions, stdin io.Reader) error {
	loader := config.NewLoader(configPath, zerolog.Nop())
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	applyRunOptions(cfg, opts)

	logs, err := logging.New(&logging.Config{
		LogDir:  cfg.Log.Dir,
		Level:   logging.LogLevel(cfg.Log.Level),
		Console: cfg.Log.Console,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	log := logs.Component("main")

	if cfg.Metrics.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}
	metrics := observe.DefaultMetrics()

	if cfg.Animator.ModelPath == "" {
		return errors.New("no avatar model: set animator.model_path or pass --model")
	}
	model, err := gltfmodel.Load(cfg.Animator.ModelPath)
	if err != nil {
		return err
	}

	var input io.Reader
	if opts.input != "" {
		r, closeInput, err := openInput(opts.input, stdin)
		if err != nil {
			return err
		}
		defer closeInput()
		input = r
	}

	// Audio: the input feeds the configured stream, the other stays silent.
	feedTap, frames, err := openFrames(opts.format, input, cfg.Analyzer.SampleRate, opts.channels)
	if err != nil {
		return err
	}
	otherTap := audio.NewSpectrumTap(feedTap.SampleRate())
	stream := audio.StreamKind(cfg.Analyzer.Stream)
	in, out := feedTap, otherTap
	if stream == audio.StreamOutput {
		in, out = otherTap, feedTap
	}
	streams, err := audio.NewStreamSelector(in, out)
	if err != nil {
		return err
	}

	analyzer, err := audio.NewAnalyzer(cfg.Analyzer.ToAudio(), logs.Zerolog(), audio.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := analyzer.Attach(streams); err != nil {
		return err
	}

	animator := avatar3d.NewAnimator(logs.Zerolog(), avatar3d.WithMetrics(metrics))
	if err := animator.Bind(model); err != nil {
		return err
	}
	eventBus := bus.NewEventBus()
	controller := session.NewController(animator, analyzer, streams, eventBus, logs.Zerolog())
	if err := controller.Start(); err != nil {
		return err
	}
	defer controller.Stop()
	eventBus.PublishSync(bus.Event{Type: bus.EventTypeConnected})

	initial, err := initialState(cfg)
	if err != nil {
		return err
	}
	if err := animator.SetState(initial); err != nil {
		return err
	}

	hub := posestream.NewHub(eventBus, metrics, logs.Zerolog())
	defer hub.Close()

	var sink pipeline.PoseSink
	if cfg.Server.Enabled {
		sink = hub
	}
	runner, err := pipeline.NewRunner(pipeline.Config{
		TickInterval:   cfg.Analyzer.TickInterval,
		RenderInterval: cfg.Animator.RenderInterval,
	}, analyzer, animator, sink, logs.Zerolog())
	if err != nil {
		return err
	}

	if loader.ConfigFile() != "" {
		watchConfig(loader, cfg, analyzer, streams, animator, log)
	}

	var (
		srv *http.Server
		ln  net.Listener
	)
	if cfg.Server.Enabled {
		srv = &http.Server{
			Handler:           newMux(cfg, hub),
			ReadHeaderTimeout: 5 * time.Second,
		}
		if ln, err = net.Listen("tcp", cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
		}
		log.Info().
			Str("addr", ln.Addr().String()).
			Str("pose_path", cfg.Server.PosePath).
			Msg("Pose server listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })

	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if input != nil {
		feeder := newFeeder(frames, stream, eventBus, logs.Zerolog())
		g.Go(func() error { return feeder.Run(gctx) })
	}

	log.Info().
		Str("model", model.ID()).
		Int("meshes", len(animator.Bindings())).
		Str("stream", string(stream)).
		Float64("sample_rate", feedTap.SampleRate()).
		Msg("visemesync running")

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	eventBus.PublishSync(bus.Event{Type: bus.EventTypeDisconnected})
	log.Info().Msg("visemesync stopped")
	return err
}

func applyRunOptions(cfg *config.Config, opts runOptions) {
	if opts.model != "" {
		cfg.Animator.ModelPath = opts.model
	}
	if opts.listen != "" {
		cfg.Server.ListenAddr = opts.listen
	}
	if opts.level != "" {
		cfg.Log.Level = opts.level
	}
}

func initialState(cfg *config.Config) (avatar3d.AnimationState, error) {
	s, err := avatar3d.ParseState(cfg.Animator.InitialState)
	if err != nil {
		return "", fmt.Errorf("animator.initial_state: %w", err)
	}
	return s, nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func newMux(cfg *config.Config, hub *posestream.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.PosePath, hub)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, observe.Handler())
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","clients":%d}`, hub.ClientCount())
	})
	return mux
}

// watchConfig applies analyzer tuning and model changes without a restart.
func watchConfig(loader *config.Loader, current *config.Config, analyzer *audio.Analyzer, streams *audio.StreamSelector, animator *avatar3d.Animator, log zerolog.Logger) {
	modelPath := current.Animator.ModelPath
	loader.Watch(func(cfg *config.Config, e fsnotify.Event) {
		if err := analyzer.SetSensitivity(cfg.Analyzer.Sensitivity); err != nil {
			log.Warn().Err(err).Msg("Rejected sensitivity change")
		}
		streams.SetSmoothing(float64(cfg.Analyzer.Smoothing))

		if cfg.Animator.ModelPath == "" || cfg.Animator.ModelPath == modelPath {
			return
		}
		model, err := gltfmodel.Load(cfg.Animator.ModelPath)
		if err != nil {
			log.Warn().Err(err).Str("model", cfg.Animator.ModelPath).Msg("Keeping current model")
			return
		}
		if err := animator.Reload(model); err != nil {
			log.Warn().Err(err).Msg("Model reload failed")
			return
		}
		modelPath = cfg.Animator.ModelPath
		log.Info().Str("model", model.ID()).Str("file", e.Name).Msg("Model reloaded")
	})
}

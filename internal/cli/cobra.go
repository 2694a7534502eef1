package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autoalign/internal/align"
	"autoalign/internal/display"
	"autoalign/internal/logging"
	"autoalign/internal/server"
	"autoalign/internal/storage"
	"autoalign/internal/telemetry"
	"autoalign/internal/tools"
	"autoalign/internal/web"
)

// Command builds the cobra command tree.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoalign",
		Short: "AutoAlign corrects telescope collimation and focus",
		Long: `AutoAlign takes exposures, measures coma, astigmatism and defocus from the detected
stars, and moves the hexapod until the optics are aligned.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return r.setup()
		},
	}
	rootCmd.PersistentFlags().StringVar(&r.configPath, "config", "", "configuration file (default $AUTOALIGN_CONFIG or ~/.config/autoalign/config.json)")

	rootCmd.AddCommand(newRunCmd(r))
	rootCmd.AddCommand(newHistoryCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newToolsCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

type runOptions struct {
	exptime          float64
	filter           string
	binning          string
	window           string
	intra            bool
	checkDistrib     bool
	minimumStars     int
	niter            int
	defocus          int
	noDisplay        bool
	markStars        bool
	viewer           string
	record           bool
	serve            bool
	telemetryEnabled bool
}

func newRunCmd(root *Root) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one alignment session",
		Long: `Run one alignment session: optionally defocus, then iterate exposures and corrections
until coma and astigmatism are within tolerance, and finally apply the focus offset.

Examples:
  # Use the configured defaults
  autoalign run

  # 15 second exposures in R, starting 200 steps intra-focal
  autoalign run --exptime 15 --filter R --defocus 200`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runSession(cmd, opts)
		},
	}

	d := root.defaults()
	cmd.Flags().Float64Var(&opts.exptime, "exptime", d.ExposureTime, "exposure time in seconds")
	cmd.Flags().StringVar(&opts.filter, "filter", d.Filter.String(), `filter for the exposures ("current" keeps the wheel as is)`)
	cmd.Flags().StringVar(&opts.binning, "binning", d.Binning, "camera binning")
	cmd.Flags().StringVar(&opts.window, "window", d.Window, "camera readout window")
	cmd.Flags().BoolVar(&opts.intra, "intra", d.Intra, "start intra-focal (false for extra-focal)")
	cmd.Flags().BoolVar(&opts.checkDistrib, "check-stellar-distribution", d.CheckStellarDistribution, "require stars spread over the whole field")
	cmd.Flags().IntVar(&opts.minimumStars, "minimum-stars", d.MinimumStars, "minimum number of detected stars")
	cmd.Flags().IntVar(&opts.niter, "niter", d.MaxIterations, "maximum number of iterations")
	cmd.Flags().IntVar(&opts.defocus, "defocus", 0, "focuser steps to defocus before the first exposure")
	cmd.Flags().BoolVar(&opts.noDisplay, "no-display", false, "do not show frames in the image viewer")
	cmd.Flags().BoolVar(&opts.markStars, "mark", false, "mark detected stars in the viewer")
	cmd.Flags().StringVar(&opts.viewer, "viewer", "", "image viewer (ds9|preview|none), config default if empty")
	cmd.Flags().BoolVar(&opts.record, "record", true, "store the session in the history database")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "serve the live session feed while running")
	cmd.Flags().BoolVar(&opts.telemetryEnabled, "telemetry", true, "export traces when an OTLP endpoint is configured")

	return cmd
}

// defaults returns the flag defaults. Flags are registered before the configuration is loaded,
// so only an injected configuration is reflected here; setup reapplies file values later.
func (r *Root) defaults() align.Config {
	if r.cfg != nil {
		return r.cfg.Session()
	}
	return align.DefaultConfig()
}

// sessionConfig layers explicitly set flags over the configured defaults.
func (r *Root) sessionConfig(cmd *cobra.Command, opts runOptions) align.Config {
	cfg := r.cfg.Session()
	flags := cmd.Flags()
	if flags.Changed("exptime") {
		cfg.ExposureTime = opts.exptime
	}
	if flags.Changed("filter") {
		cfg.Filter = align.ParseFilter(opts.filter)
	}
	if flags.Changed("binning") {
		cfg.Binning = opts.binning
	}
	if flags.Changed("window") {
		cfg.Window = opts.window
	}
	if flags.Changed("intra") {
		cfg.Intra = opts.intra
	}
	if flags.Changed("check-stellar-distribution") {
		cfg.CheckStellarDistribution = opts.checkDistrib
	}
	if flags.Changed("minimum-stars") {
		cfg.MinimumStars = opts.minimumStars
	}
	if flags.Changed("niter") {
		cfg.MaxIterations = opts.niter
	}
	if flags.Changed("defocus") {
		d := opts.defocus
		cfg.Defocus = &d
	}
	return cfg
}

func (r *Root) runSession(cmd *cobra.Command, opts runOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sessionCfg := r.sessionConfig(cmd, opts)
	sessionID := r.newID()
	log := r.log.With("session", sessionID)

	if opts.telemetryEnabled {
		shutdown, err := telemetry.Setup(ctx, r.cfg.Telemetry, Version)
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				_ = shutdown(flushCtx)
			}()
		}
	}

	listeners := []align.StepListener{r.metrics}
	observers := []align.Observer{r.metrics}

	feed := r.feed.Begin(sessionID)
	listeners = append(listeners, feed)
	observers = append(observers, feed)

	var store *storage.Store
	if opts.record {
		var err error
		store, err = r.openStore(r.cfg.Paths.DatabasePath)
		if err != nil {
			log.Warn("session history disabled", "error", err)
		} else {
			defer store.Close()
			rec, err := store.BeginSession(sessionID, sessionCfg)
			if err != nil {
				log.Warn("session history disabled", "error", err)
			} else {
				listeners = append(listeners, rec)
				observers = append(observers, rec)
				defer func() {
					if err := rec.Err(); err != nil {
						log.Warn("failed to record session result", "error", err)
					}
				}()
			}
		}
	}

	if opts.serve {
		srv := server.NewServer(r.cfg.Server.Addr, store, r.feed, r.log,
			server.WithMetrics(r.metrics.Handler()),
			server.WithHub(web.NewHub(r.log)),
		)
		go func() {
			if err := r.serveFn(ctx, srv); err != nil {
				log.Warn("live feed server stopped", "error", err)
			}
		}()
	}

	reporterOpts := []align.ReporterOption{align.WithListeners(listeners...)}
	if disp := r.attachDisplay(ctx, opts); disp != nil {
		defer disp.Close()
		reporterOpts = append(reporterOpts, align.WithDisplay(disp, opts.markStars || r.cfg.Display.MarkStars))
	}
	reporter := align.NewReporter(cmd.OutOrStdout(), log, reporterOpts...)

	focuser := r.focuserFactory(r.cfg, log)
	aligner := r.alignerFactory(r.cfg, focuser, log)
	ctrl := align.NewController(aligner, focuser, reporter, log, align.WithObservers(observers...))

	logging.LogSessionStart(log, sessionID, sessionCfg)
	res := ctrl.Run(ctx, sessionCfg, align.PreMoveFor(sessionCfg))
	if res.Failure != nil {
		logging.LogSessionError(log, sessionID, res)
		fmt.Fprintln(cmd.ErrOrStderr(), res.Failure.Message)
		return &ExitError{Code: res.Failure.Kind.ExitCode(), Failure: res.Failure}
	}
	logging.LogSessionComplete(log, sessionID, res)
	return nil
}

func (r *Root) attachDisplay(ctx context.Context, opts runOptions) *display.Display {
	if opts.noDisplay {
		return nil
	}
	cfg := *r.cfg
	if opts.viewer != "" {
		cfg.Display.Viewer = opts.viewer
	}
	viewer := r.viewerFactory(&cfg, r.log)
	if viewer == nil {
		return nil
	}
	return display.Attach(ctx, viewer, display.Options{Timeout: cfg.DisplayTimeout(), Log: r.log})
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List recorded sessions, or the steps of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore(root.cfg.Paths.DatabasePath)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			if len(args) == 1 {
				return printSteps(cmd, store, args[0])
			}
			recs, err := store.RecentSessions(limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tSTEPS\tFOCUS\tERROR")
			for _, rec := range recs {
				focus := "-"
				if rec.Final != nil {
					focus = align.FormatLinear(rec.Final.Z)
				}
				status := rec.Status
				if rec.FailureKind != "" {
					status = rec.FailureKind
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					rec.ID, rec.StartedAt.Local().Format("2006-01-02 15:04:05"), status, rec.Steps, focus, rec.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to list")
	return cmd
}

func printSteps(cmd *cobra.Command, store *storage.Store, id string) error {
	rec, err := store.Session(id)
	if err != nil {
		return err
	}
	steps, err := store.Steps(id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s (%s, filter %s, exptime %gs)\n", rec.ID, rec.Status, rec.Filter, rec.ExposureTime)
	for _, s := range steps {
		fmt.Fprintf(out, "\nIteration %d: %d stars, %s\n", s.Iteration, s.StarCount, s.FramePath)
		fmt.Fprint(out, align.FormatStep(s.Position))
	}
	if rec.Final != nil {
		fmt.Fprint(out, "\n"+align.FormatFinal(*rec.Final))
	} else if rec.Error != "" {
		fmt.Fprintf(out, "\n%s\n", rec.Error)
	}
	return nil
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve session history, live progress and metrics over HTTP",
		Long: `Start an HTTP server exposing /healthz, /sessions, /sessions/{id}, /sessions/{id}/steps,
/stream (server-sent events), /ws (websocket) and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			store, err := root.openStore(root.cfg.Paths.DatabasePath)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			srv := server.NewServer(addr, store, root.feed, root.log,
				server.WithMetrics(root.metrics.Handler()),
				server.WithHub(web.NewHub(root.log)),
			)
			root.log.Info("server ready",
				"addr", addr,
				"endpoints", []string{"/healthz", "/sessions", "/stream", "/ws", "/metrics"},
			)
			return root.serveFn(cmd.Context(), srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port), config default if empty")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the external programs alignment depends on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := root.toolFactory(root.cfg)
			status := mgr.GetToolStatus()
			out := cmd.OutOrStdout()
			for _, group := range tools.Groups(status) {
				fmt.Fprintf(out, "%s:\n", strings.ToUpper(group[:1])+group[1:])
				names := make([]string, 0, len(status[group]))
				for name := range status[group] {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					st := status[group][name]
					logging.LogToolStatus(root.log, name, st.Available, st.Version, st.Path, st.Error)
					if st.Available {
						fmt.Fprintf(out, "  ✅ %s", name)
						if st.Version != "" {
							fmt.Fprintf(out, " (%s)", st.Version)
						}
						fmt.Fprintln(out)
					} else {
						fmt.Fprintf(out, "  ❌ %s: not available\n", name)
					}
				}
			}
			if name, err := mgr.DetectionTool(); err != nil {
				fmt.Fprintf(out, "\n%s\n", align.Classify(err).Message)
			} else {
				fmt.Fprintf(out, "\nStar detection: %s\n", name)
			}
			return nil
		},
	}
}

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/andresmejia3/hardhat/internal/engine"
	"github.com/andresmejia3/hardhat/internal/monitor"
	"github.com/andresmejia3/hardhat/internal/monitoring"
	"github.com/andresmejia3/hardhat/internal/types"
	"github.com/andresmejia3/hardhat/internal/utils"
	"github.com/andresmejia3/hardhat/internal/worker"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// stopGrace is how long monitors get to finish their current frame after Ctrl+C
// before the decoder and detector processes are killed.
const stopGrace = 5 * time.Second

var monitorOpts Options

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch one or more video sources for workers without helmets",
	Long: `Runs person and helmet tracking on every frame and raises a CRITICAL alert when a
person stays without a helmet for longer than --timeout. Each -i starts an independent
monitor: a file path, a camera index (e.g. 0 for /dev/video0) or a stream URL.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateMonitorFlags(&monitorOpts); err != nil {
			utils.Die("Invalid monitor flags", err, nil)
		}
		runMonitor(cmd.Context(), monitorOpts)
	},
}

func init() {
	addDetectorFlags(monitorCmd, &monitorOpts)
	monitorCmd.Flags().StringArrayVarP(&monitorOpts.Inputs, "input", "i", nil, "Video file, camera index or stream URL (repeatable)")
	monitorCmd.Flags().DurationVarP(&monitorOpts.Timeout, "timeout", "t", engine.DefaultViolationTimeout, "How long a person may stay without a helmet before a CRITICAL alert")
	monitorCmd.Flags().Float64Var(&monitorOpts.TopFraction, "top-fraction", engine.DefaultTopFraction, "Height fraction of the person box where a helmet center must fall")
	monitorCmd.Flags().IntVar(&monitorOpts.FPSWindow, "fps-window", engine.DefaultFPSWindow, "Frames per processing-rate sample")
	monitorCmd.Flags().StringVar(&monitorOpts.LogFile, "log-file", "hardhat.log", "Append alerts to this file as JSON lines (empty disables)")
	monitorCmd.Flags().BoolVar(&monitorOpts.SkipFailedFrames, "skip-failed-frames", false, "Drop frames the detector fails on instead of stopping the monitor")
	monitorCmd.Flags().BoolVar(&monitorOpts.Verbose, "verbose", false, "Print diagnostics even while the progress bar is shown")

	monitorCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(monitorCmd)
}

// addDetectorFlags registers the flags that configure the detector process.
func addDetectorFlags(cmd *cobra.Command, opts *Options) {
	def := worker.DefaultDetectConfig()
	cmd.Flags().StringVar(&opts.PersonModel, "person-model", def.PersonModel, "YOLO weights for person tracking")
	cmd.Flags().StringVar(&opts.HelmetModel, "helmet-model", def.HelmetModel, "YOLO weights for helmet tracking")
	cmd.Flags().Float64Var(&opts.PersonConfidence, "person-conf", def.PersonConfidence, "Minimum person detection confidence")
	cmd.Flags().Float64Var(&opts.HelmetConfidence, "helmet-conf", def.HelmetConfidence, "Minimum helmet detection confidence")
	cmd.Flags().DurationVar(&opts.WorkerTimeout, "worker-timeout", def.ReadTimeout, "Maximum wait for the detector on a single frame")
}

func detectConfig(opts Options) worker.DetectConfig {
	cfg := worker.DefaultDetectConfig()
	cfg.PersonModel = opts.PersonModel
	cfg.HelmetModel = opts.HelmetModel
	cfg.PersonConfidence = opts.PersonConfidence
	cfg.HelmetConfidence = opts.HelmetConfidence
	cfg.ReadTimeout = opts.WorkerTimeout
	return cfg
}

// pipeline is everything attached to one source: decoder, detector and session.
type pipeline struct {
	input     string
	sourceID  string
	ffmpeg    *exec.Cmd
	ffmpegErr *bytes.Buffer
	frames    io.ReadCloser
	worker    *worker.PythonWorker
	session   uuid.UUID
	monitor   *monitor.Monitor
	// sourceFPS is the file's nominal frame rate, 0 for live sources or when ffprobe fails.
	sourceFPS float64
}

// runMonitor orchestrates one monitor per input: FFmpeg decoding, a Python detector each,
// alert sinks and the optional progress bar.
func runMonitor(ctx context.Context, opts Options) {
	// Processes outlive ctx so Ctrl+C can finish the current frame cleanly.
	procCtx, killProcs := context.WithCancel(context.WithoutCancel(ctx))
	defer killProcs()

	sinks := []monitor.AlertSink{consoleSink{}}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			utils.Die("Failed to open alert log", err, nil)
		}
		defer f.Close()
		sinks = append(sinks, monitor.NewLogSink(f))
	}

	var bar *progressbar.ProgressBar
	if len(opts.Inputs) == 1 && !utils.IsCamera(opts.Inputs[0]) && !utils.IsStream(opts.Inputs[0]) {
		bar = newMonitorBar(procCtx, opts.Inputs[0])
		if !opts.Verbose {
			monitoring.SetLogger(nil)
		}
	}

	fmt.Fprintf(os.Stderr, "⚙️  Starting %d monitor(s) (timeout %s, helmet conf %.2f)...\n",
		len(opts.Inputs), opts.Timeout, opts.HelmetConfidence)

	pipes := make([]*pipeline, 0, len(opts.Inputs))
	for i, input := range opts.Inputs {
		p, err := openPipeline(procCtx, i, input, opts)
		if err != nil {
			for _, open := range pipes {
				open.close()
			}
			utils.Die(fmt.Sprintf("Failed to start monitor for %s", input), err, nil)
		}
		pipes = append(pipes, p)
	}

	for _, p := range pipes {
		cfg := monitor.Config{
			TopFraction:      opts.TopFraction,
			Timeout:          opts.Timeout,
			FPSWindow:        opts.FPSWindow,
			SkipFailedFrames: opts.SkipFailedFrames,
		}
		if bar != nil {
			var fps float64
			cfg.OnFPS = func(f float64) { fps = f }
			cfg.OnFrame = func(r monitor.FrameReport) {
				bar.Describe(fmt.Sprintf("🦺 %d ok | %d violating | %.1f fps",
					r.Totals.Compliant, r.Totals.NonCompliant, fps))
				bar.Add(1)
			}
		}

		pSinks := sinks
		if DB != nil {
			pSinks = append(append([]monitor.AlertSink{}, sinks...), DB.Sink(p.session))
		}
		p.monitor = monitor.New(p.input, utils.NewJpegFrameReader(p.frames), p.worker, cfg, pSinks...)
	}

	for _, p := range pipes {
		p.monitor.Start(procCtx)
	}
	allDone := make(chan struct{})
	go func() {
		for _, p := range pipes {
			<-p.monitor.Done()
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "\n🛑 Stopping monitors...\n")
		for _, p := range pipes {
			p.monitor.Stop()
		}
		select {
		case <-allDone:
		case <-time.After(stopGrace):
			killProcs()
			<-allDone
		}
	}

	if bar != nil {
		bar.Finish()
	}

	failed := false
	for _, p := range pipes {
		err := p.monitor.Wait()
		if err != nil {
			// The detector may be wedged mid-frame; don't wait on it.
			killProcs()
		}
		p.close()
		totals := p.monitor.Totals()
		if DB != nil {
			if ferr := DB.FinishSession(context.Background(), p.session, time.Now(), totals.Frames, totals.CriticalAlerts); ferr != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to close session for %s: %v\n", p.input, ferr)
			}
		}
		printSummary(os.Stderr, monitorSummary{
			Input:     p.input,
			Elapsed:   p.monitor.Elapsed(),
			SourceFPS: p.sourceFPS,
			Totals:    totals,
		})
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			failed = true
			utils.ShowError(fmt.Sprintf("Monitor for %s failed", p.input), err, p.worker.Cmd)
			if p.ffmpegErr.Len() > 0 {
				fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", p.ffmpegErr.String())
			}
		case p.ffmpegErr.Len() > 0:
			// A decoder failure looks like an early end of stream to the monitor.
			fmt.Fprintf(os.Stderr, "⚠️  FFmpeg reported errors for %s:\n%s\n", p.input, p.ffmpegErr.String())
		}
	}
	if failed {
		os.Exit(1)
	}
}

func openPipeline(ctx context.Context, id int, input string, opts Options) (*pipeline, error) {
	sourceID, err := utils.GenerateSourceID(input)
	if err != nil {
		return nil, fmt.Errorf("generate source id: %w", err)
	}
	p := &pipeline{input: input, sourceID: sourceID, ffmpegErr: &bytes.Buffer{}}

	// Start FFmpeg
	p.ffmpeg = utils.NewFFmpegCmd(ctx, input)
	p.ffmpeg.Stderr = p.ffmpegErr
	p.frames, err = p.ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := p.ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	if !utils.IsCamera(input) && !utils.IsStream(input) {
		if fps, err := utils.GetVideoFPS(ctx, input); err == nil {
			p.sourceFPS = fps
		} else {
			monitoring.Logf("%s: unknown source frame rate: %v", input, err)
		}
	}

	p.worker, err = worker.NewPythonWorker(ctx, id, detectConfig(opts))
	if err != nil {
		p.close()
		return nil, err
	}

	if DB != nil {
		p.session, err = DB.CreateSession(ctx, input, sourceID, time.Now())
		if err != nil {
			p.close()
			return nil, fmt.Errorf("register session: %w", err)
		}
		fmt.Fprintf(os.Stderr, "📼 %s -> session %s\n", input, p.session.String()[:8])
	} else {
		fmt.Fprintf(os.Stderr, "📼 %s -> source %s\n", input, sourceID[:12])
	}
	return p, nil
}

// close releases the detector and decoder. The frame pipe is closed before
// waiting on FFmpeg so a decoder still writing does not block.
func (p *pipeline) close() {
	if p.worker != nil {
		p.worker.Close()
	}
	if p.frames != nil {
		p.frames.Close()
	}
	if p.ffmpeg != nil && p.ffmpeg.Process != nil {
		p.ffmpeg.Process.Kill()
		p.ffmpeg.Wait()
	}
}

func newMonitorBar(ctx context.Context, input string) *progressbar.ProgressBar {
	total := utils.GetTotalFrames(ctx, input)
	if total <= 0 {
		// Fallback to a spinner if ffprobe fails
		total = -1
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🦺 Hardhat Monitoring"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// consoleSink prints alerts for the operator.
type consoleSink struct{}

func (consoleSink) Alert(_ context.Context, ev types.AlertEvent) error {
	icon := "ℹ️ "
	switch {
	case ev.Severity == types.SeverityCritical:
		icon = "🚨"
	case ev.Kind == types.AlertResolved:
		icon = "✅"
	case ev.Severity == types.SeverityWarning:
		icon = "⚠️ "
	case ev.Severity == types.SeverityError:
		icon = "❌"
	}
	fmt.Fprintf(os.Stderr, "\n%s [%s] %s %s: %s\n", icon, ev.Severity, ev.Time.Local().Format("15:04:05"), ev.Source, ev.Message)
	return nil
}

type monitorSummary struct {
	Input     string
	Elapsed   time.Duration
	SourceFPS float64
	Totals    engine.Totals
}

func printSummary(out io.Writer, s monitorSummary) {
	t := s.Totals
	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "📊 MONITOR SUMMARY: %s\n", s.Input)
	fmt.Fprintf(out, "---------------------------------------------------------\n")
	fmt.Fprintf(out, "⏱️  Duration:                 %s\n", utils.FmtDuration(s.Elapsed))
	fmt.Fprintf(out, "🎞️  Frames Processed:         %d\n", t.Frames)
	if secs := s.Elapsed.Seconds(); secs > 0 && t.Frames > 0 {
		rate := fmt.Sprintf("%.1f fps", float64(t.Frames)/secs)
		if s.SourceFPS > 0 {
			rate += fmt.Sprintf(" (source %.1f fps)", s.SourceFPS)
		}
		fmt.Fprintf(out, "⚡ Processing Rate:          %s\n", rate)
	}
	fmt.Fprintf(out, "🦺 Compliant Observations:   %d\n", t.CompliantSeen)
	fmt.Fprintf(out, "🚧 Violating Observations:   %d\n", t.NonCompliantSeen)
	fmt.Fprintf(out, "🚨 Critical Alerts:          %d\n", t.CriticalAlerts)
	fmt.Fprintf(out, "---------------------------------------------------------\n")
}

// validateMonitorFlags ensures all CLI arguments are valid before starting heavy processes.
func validateMonitorFlags(opts *Options) error {
	if len(opts.Inputs) == 0 {
		return errors.New("at least one --input is required")
	}
	seen := make(map[string]bool, len(opts.Inputs))
	for _, in := range opts.Inputs {
		if seen[in] {
			return fmt.Errorf("input %q given twice", in)
		}
		seen[in] = true
		if utils.IsCamera(in) || utils.IsStream(in) {
			continue
		}
		info, err := os.Stat(in)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file %s does not exist", in)
			}
			return fmt.Errorf("unable to access input file %s: %w", in, err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a video file", in)
		}
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", opts.Timeout)
	}
	if opts.TopFraction <= 0 || opts.TopFraction > 1 {
		return fmt.Errorf("top-fraction must be within (0, 1], got %v", opts.TopFraction)
	}
	if opts.FPSWindow < 1 {
		opts.FPSWindow = engine.DefaultFPSWindow
	}
	return detectConfig(*opts).Validate()
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/knadh/koanf"
	"github.com/maruel/interrupt"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/modscope/acquisition"
	"github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/catalog"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "modscope.yml"
	k              = koanf.New(".")
)

func root() {
	str := `modscope runs modulated illumination microscopy acquisitions:
a camera triggered by a DMD pattern projector, with frames saved to disk.

Usage:
	modscope <command>

Commands:
	run
	acquire
	background
	import <files or folders...>
	sessions
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `modscope is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.
Any key may also be set with an environment variable, MODSCOPE_ followed by the
key path with levels separated by two underscores, e.g.
MODSCOPE_ACQUISITION__SAVETODISK=true.  A .env file in the working directory is
read first.

run serves the HTTP interface at Addr, under Root.  Sessions are started with
POST /start and stopped with POST /interrupt; GET /endpoints lists every route.
Prometheus metrics are served at /metrics.

acquire runs a single session with the Acquisition settings and exits.  A run
till abort session shows frames until Ctrl-C.  With SaveToDisk set it instead
saves Camera.NumberFrames consecutive frames (at most Camera.Buffers) starting
with the newest, then stops by itself.

background captures a single frame with the projector showing black, which is
saved when SaveToDisk is set.  It requires DMDTrigger.

Camera.Mode selects fixed_length or run_till_abort.  DMD.Model selects the
projector, vialux or ti; leave it empty when no projector is attached.

Datasets are written to SaveDir as yymmdd_HHMMSS_<Label>[_<sample>].zarr and
every session is recorded in the Catalog database, see the sessions command.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("modscope version %v\n", Version)
}

// interruptible returns a context cancelled by Ctrl-C
func interruptible() (context.Context, context.CancelFunc) {
	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-interrupt.Channel:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func run() {
	ctx, cancel := interruptible()
	defer cancel()
	r, err := connect(ctx, loadconfig())
	if err != nil {
		log.Fatal(err)
	}
	defer r.close()
	if err := serve(ctx, r); err != nil {
		r.log.Sugar().Fatal(err)
	}
}

// progress shows session progress on a spinner
type progress struct {
	acquisition.NopObserver
	spin *yacspin.Spinner
	ctl  *acquisition.Controller
	last time.Time
}

func (p *progress) message(s acquisition.Session) {
	// at most ten messages a second
	if time.Since(p.last) < 100*time.Millisecond {
		return
	}
	p.last = time.Now()
	if s.Mode == camera.FixedLength || s.SaveToDisk {
		p.spin.Message(fmt.Sprintf("%s %3.0f%%, %d stored", p.ctl.State(), s.Progress(), s.Stored))
		return
	}
	p.spin.Message(fmt.Sprintf("%s frame %d", p.ctl.State(), s.FrameIndex+1))
}

func (p *progress) FrameCaptured(s acquisition.Session)      { p.message(s) }
func (p *progress) FrameStored(s acquisition.Session, _ int) { p.message(s) }

func (p *progress) CaptureHalted(acquisition.Session) {
	p.spin.Message("capture halted to protect unsaved frames")
}

func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           "configuring",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

func acquire(background bool) {
	ctx, cancel := interruptible()
	defer cancel()
	cfg := loadconfig()
	r, err := connect(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer r.close()
	spin, err := newSpinner()
	if err != nil {
		log.Fatal(err)
	}
	r.ctl.Observe(&progress{spin: spin, ctl: r.ctl})
	spin.Start()
	if background {
		err = r.ctl.AcquireBackground(ctx, cfg.Acquisition)
	} else {
		err = r.ctl.Run(ctx, cfg.Acquisition)
	}
	rep, ok := r.ctl.LastReport()
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("no session ran")
		}
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		r.close()
		os.Exit(1)
	}
	spin.StopMessage(string(rep.Outcome))
	spin.Stop()
	printReport(rep)
}

func outcome(o string) string {
	switch acquisition.Outcome(o) {
	case acquisition.Completed:
		return color.GreenString(o)
	case acquisition.Interrupted:
		return color.YellowString(o)
	case acquisition.Failed:
		return color.RedString(o)
	}
	return o
}

func printReport(rep acquisition.Report) {
	fmt.Printf("session  %s\n", rep.ID)
	fmt.Printf("outcome  %s\n", outcome(string(rep.Outcome)))
	fmt.Printf("mode     %s\n", rep.Mode)
	fmt.Printf("frames   %d of %d, %d stored\n", rep.FrameIndex+1, rep.Expected, rep.Stored)
	fmt.Printf("elapsed  %v\n", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	if rep.Halted {
		fmt.Println(color.YellowString("capture was halted to protect unsaved frames"))
	}
	if rep.Dataset != "" {
		fmt.Printf("dataset  %s\n", rep.Dataset)
	}
}

func importSequence(paths []string) {
	if len(paths) == 0 {
		log.Fatal("import needs at least one file or folder")
	}
	ctx, cancel := interruptible()
	defer cancel()
	r, err := connect(ctx, loadconfig())
	if err != nil {
		log.Fatal(err)
	}
	defer r.close()
	n, err := r.ctl.ImportSequence(paths)
	if err != nil {
		r.close()
		log.Fatal(err)
	}
	free, _ := r.ctl.Projector.AvailableMemory()
	fmt.Printf("%s patterns loaded, %d binary frames free\n", color.GreenString("%d", n), free)
}

func sessions() {
	cfg := loadconfig()
	cat, err := catalog.Open(cfg.Catalog, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer cat.Close()
	entries, err := cat.List(context.Background(), 20)
	if err != nil {
		cat.Close()
		log.Fatal(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tDMD\tSTORED\tOUTCOME\tDATASET")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d/%d\t%s\t%s\n", e.Started.Local().Format("2006-01-02 15:04:05"),
			e.Mode, e.DMDTrigger, e.Stored, e.Expected, outcome(e.Outcome), e.Dataset)
	}
	tw.Flush()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "acquire":
		acquire(false)
		return
	case "background":
		acquire(true)
		return
	case "import":
		importSequence(args[2:])
		return
	case "sessions":
		sessions()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}

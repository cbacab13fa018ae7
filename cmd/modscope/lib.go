package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"

	"github.com/nasa-jpl/modscope/acquisition"
	"github.com/nasa-jpl/modscope/camera"
	"github.com/nasa-jpl/modscope/catalog"
	"github.com/nasa-jpl/modscope/comm"
	"github.com/nasa-jpl/modscope/dataset"
	"github.com/nasa-jpl/modscope/display"
	"github.com/nasa-jpl/modscope/dmd"
	"github.com/nasa-jpl/modscope/generichttp"
	httpacq "github.com/nasa-jpl/modscope/generichttp/acquisition"
	"github.com/nasa-jpl/modscope/imgrec"
	"github.com/nasa-jpl/modscope/logging"
	"github.com/nasa-jpl/modscope/metrics"
	"github.com/nasa-jpl/modscope/server/middleware/locker"
)

// EnvPrefix prefixes the environment variables read as configuration.
// MODSCOPE_CAMERA__BUFFERS sets Camera.Buffers.
const EnvPrefix = "MODSCOPE_"

type cameraConfig struct {
	// Width and Height are the sensor size of the mock camera
	Width  int `yaml:"Width" koanf:"Width"`
	Height int `yaml:"Height" koanf:"Height"`

	// Buffers is the number of ring slots
	Buffers int `yaml:"Buffers" koanf:"Buffers"`

	// Mode is fixed_length or run_till_abort
	Mode string `yaml:"Mode" koanf:"Mode"`

	// NumberFrames is the frame count of fixed length sessions and the save
	// count of run till abort sessions
	NumberFrames int `yaml:"NumberFrames" koanf:"NumberFrames"`
}

type dmdConfig struct {
	// Model is the projector profile, vialux or ti; empty for no projector
	Model string `yaml:"Model" koanf:"Model"`

	// Sequence is a list of pattern files or folders loaded at startup
	Sequence []string `yaml:"Sequence" koanf:"Sequence"`
}

type recorder struct {
	// Root is the root folder to write snapshots to
	Root string `yaml:"Root" koanf:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	// Enabled records the last frame of every session
	Enabled bool `yaml:"Enabled" koanf:"Enabled"`
}

type config struct {
	Addr string `yaml:"Addr" koanf:"Addr"`
	Root string `yaml:"Root" koanf:"Root"`

	// SaveDir is where datasets are created
	SaveDir string `yaml:"SaveDir" koanf:"SaveDir"`

	// Label names datasets, yymmdd_HHMMSS_<Label>[_<sample>].zarr
	Label string `yaml:"Label" koanf:"Label"`

	// Catalog is the session database file
	Catalog string `yaml:"Catalog" koanf:"Catalog"`

	// Orientation of the live view: none, flipv, fliph, transpose, rot90
	Orientation string `yaml:"Orientation" koanf:"Orientation"`

	Camera      cameraConfig         `yaml:"Camera" koanf:"Camera"`
	DMD         dmdConfig            `yaml:"DMD" koanf:"DMD"`
	Recorder    recorder             `yaml:"Recorder" koanf:"Recorder"`
	Acquisition acquisition.Settings `yaml:"Acquisition" koanf:"Acquisition"`
	Log         logging.Config       `yaml:"Log" koanf:"Log"`
}

func defaults() config {
	return config{
		Addr:        ":8000",
		Root:        "/",
		SaveDir:     "data",
		Label:       dataset.DefaultLabel,
		Catalog:     "data/catalog.db",
		Orientation: string(display.None),
		Camera: cameraConfig{
			Width:        2048,
			Height:       2048,
			Buffers:      camera.DefaultBuffers,
			Mode:         camera.RunTillAbort.String(),
			NumberFrames: 100,
		},
		DMD:         dmdConfig{Model: "vialux", Sequence: []string{}},
		Recorder:    recorder{Root: "snapshots", Prefix: "modscope_"},
		Acquisition: acquisition.DefaultSettings(),
		Log:         logging.DefaultConfig(),
	}
}

func setupconfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("error loading .env: %v", err)
	}
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	// keys are matched without regard to case
	canon := map[string]string{}
	for _, key := range k.Keys() {
		canon[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", "."))
		if c, ok := canon[key]; ok {
			return c
		}
		return key
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func loadconfig() config {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatal(err)
	}
	return cfg
}

// rig is everything built from the configuration
type rig struct {
	cfg     config
	log     *zap.Logger
	cam     *camera.Mock
	proj    *dmd.Mock
	ctl     *acquisition.Controller
	catalog *catalog.Catalog
	metrics *metrics.Collector
	locker  *locker.Locker
	rec     *imgrec.Recorder
}

// connect brings up the devices and wires the controller and its observers
func connect(ctx context.Context, cfg config) (*rig, error) {
	lg, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	r := &rig{cfg: cfg, log: lg}

	r.cam = camera.NewMock(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.Buffers)
	if err := comm.Connect(ctx, "camera", r.cam.Initialize, lg); err != nil {
		return nil, err
	}
	mode, err := camera.ParseAcquisitionMode(cfg.Camera.Mode)
	if err != nil {
		return nil, err
	}
	if err := r.cam.SetAcquisitionMode(mode); err != nil {
		return nil, err
	}
	if err := r.cam.SetNumberFrames(cfg.Camera.NumberFrames); err != nil {
		return nil, err
	}

	var proj dmd.PatternProjector
	if cfg.DMD.Model != "" {
		r.proj, err = dmd.NewMock(cfg.DMD.Model)
		if err != nil {
			return nil, err
		}
		if err := comm.Connect(ctx, "dmd", r.proj.Initialize, lg); err != nil {
			return nil, err
		}
		r.proj.Connect(r.cam.Pulse)
		proj = r.proj
	}

	store := &dataset.Store{Root: cfg.SaveDir, Label: cfg.Label, Log: lg.Named("dataset")}
	r.ctl = acquisition.NewController(r.cam, proj, store, lg.Named("acquisition"))
	if err := r.ctl.SetSettings(cfg.Acquisition); err != nil {
		return nil, err
	}
	if len(cfg.DMD.Sequence) > 0 && proj != nil {
		n, err := r.ctl.ImportSequence(cfg.DMD.Sequence)
		if err != nil {
			return nil, err
		}
		lg.Info("startup sequence loaded", zap.Int("patterns", n))
	}

	r.catalog, err = catalog.Open(cfg.Catalog, lg.Named("catalog"))
	if err != nil {
		return nil, err
	}
	r.metrics = metrics.New(r.ctl.Progress)
	r.locker = locker.New()
	r.rec = &imgrec.Recorder{
		Root:    cfg.Recorder.Root,
		Prefix:  cfg.Recorder.Prefix,
		Enabled: cfg.Recorder.Enabled,
		Source:  r.ctl,
		Log:     lg.Named("imgrec"),
	}
	for _, o := range []acquisition.Observer{r.catalog, r.metrics, r.locker, r.rec} {
		r.ctl.Observe(o)
	}
	return r, nil
}

func (r *rig) close() {
	if r.catalog != nil {
		if err := r.catalog.Close(); err != nil {
			r.log.Error("closing catalog", zap.Error(err))
		}
	}
	r.log.Sync()
}

// BuildMux mounts the acquisition routes at the configured root behind the
// locker, and serves the metrics at /metrics
func BuildMux(r *rig, h generichttp.HTTPer) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Handle("/metrics", r.metrics.Handler())

	rt := h.RT()
	locker.Inject(rt, r.locker)
	imgrec.NewHTTPWrapper(r.rec).Inject(rt)

	mux := chi.NewRouter()
	mux.Use(r.locker.Check)
	rt.Bind(mux)
	root.Mount(generichttp.SubMuxSanitize(r.cfg.Root), mux)
	return root
}

// serve runs the HTTP server until ctx is done, then interrupts any session
// and shuts down
func serve(ctx context.Context, r *rig) error {
	orient, err := display.ParseOrientation(r.cfg.Orientation)
	if err != nil {
		return err
	}
	live := display.NewLiveView(r.ctl, r.log.Named("display"))
	live.Orientation = orient
	go func() {
		if err := live.Run(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("live view stopped", zap.Error(err))
		}
	}()

	h := httpacq.NewHTTPAcquisition(ctx, r.ctl, live, r.catalog, r.log.Named("http"))
	srv := &http.Server{Addr: r.cfg.Addr, Handler: BuildMux(r, h)}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	r.log.Info("now listening for requests", zap.String("addr", r.cfg.Addr+r.cfg.Root))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	r.ctl.Interrupt()
	shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shut); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

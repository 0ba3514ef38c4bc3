package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dbscope/api"
	"dbscope/catalog"
	"dbscope/config"
	"dbscope/kafka"
	"dbscope/logging"
	"dbscope/mqtt"
	"dbscope/s7"
	"dbscope/session"
	"dbscope/snapshot"
	"dbscope/tui"
	"dbscope/valkey"
	"dbscope/www"
)

// env is what every mode starts from: the scanned catalog, the data source
// and a session over both.
type env struct {
	catalog *catalog.Catalog
	manager *session.Manager
	client  *s7.Client // nil unless connected to a PLC
	replay  *snapshot.Replay
	source  string // address or capture path, for captures and logs
}

func (e *env) close() {
	if e.client != nil {
		e.client.Close()
	}
}

// newEnv scans the source folder and opens the data source. A PLC that
// cannot be reached is reported but leaves the session usable offline
// unless requireSource is set.
func newEnv(cfg *config.Config, requireSource bool) (*env, error) {
	dir := cfg.SourceDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cat := catalog.New(dir, nil)
	if err := cat.Scan(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	cfg.Lock()
	dbs := append([]config.DatablockConfig(nil), cfg.Datablocks...)
	cfg.Unlock()
	cat.Merge(dbs, cfg.DatablockPath)
	for _, w := range cat.Warnings() {
		logf("catalog: %v", w)
	}

	e := &env{catalog: cat}
	var src session.Source

	switch {
	case *replayPath != "":
		c, err := snapshot.Load(*replayPath)
		if err != nil {
			return nil, err
		}
		e.replay = snapshot.NewReplay(c, *replayLoop)
		e.source = *replayPath
		src = e.replay
	case cfg.PLC.Enabled && cfg.PLC.Address != "":
		client, err := s7.Connect(cfg.PLC.Address,
			s7.WithRackSlot(cfg.PLC.Rack, cfg.PLC.Slot),
			s7.WithTimeout(cfg.PLC.Timeout))
		if err != nil {
			if requireSource {
				return nil, err
			}
			fmt.Fprintf(os.Stderr, "Warning: PLC %s not reachable: %v\n", cfg.PLC.Address, err)
			break
		}
		e.client = client
		e.source = client.Address()
		src = client
	}
	if requireSource && src == nil {
		return nil, errors.New("no data source: enable the PLC in the config or pass -replay")
	}

	e.manager = session.NewManager(cat, src)
	return e, nil
}

// initialDatablock picks the datablock to open: the named one, the one a
// replay was recorded from, or the first configured for polling.
func initialDatablock(cfg *config.Config, name string, replay *snapshot.Replay) string {
	if name != "" {
		return name
	}
	if replay != nil {
		return replay.Capture().Datablock
	}
	cfg.Lock()
	defer cfg.Unlock()
	for _, db := range cfg.Datablocks {
		if db.Poll {
			return db.Name
		}
	}
	return ""
}

// writeHandler applies a write from a broker to the open datablock.
// Writes naming any other datablock are refused.
func writeHandler(m *session.Manager) func(ctx context.Context, datablock, path, literal string) error {
	return func(ctx context.Context, datablock, path, literal string) error {
		info, err := m.Info()
		if err != nil {
			return err
		}
		if info.Name != datablock {
			return fmt.Errorf("datablock %s is not open", datablock)
		}
		_, err = m.Write(ctx, path, literal)
		if err == nil {
			logf("write %s.%s = %s", datablock, path, literal)
		}
		return err
	}
}

// sinks holds every publisher fed by the poller.
type sinks struct {
	mqtt   []*mqtt.Publisher
	valkey *valkey.Manager
	kafka  *kafka.Manager
	hub    *api.EventHub
}

func newSinks(cfg *config.Config, m *session.Manager) *sinks {
	handler := writeHandler(m)

	var names []string
	for _, e := range m.Catalog().Entries() {
		names = append(names, e.Name)
	}

	s := &sinks{
		valkey: valkey.NewManager(cfg.Namespace),
		kafka:  kafka.NewManager(cfg.Namespace),
		hub:    api.NewEventHub(),
	}
	for i := range cfg.MQTT {
		pub := mqtt.NewPublisher(&cfg.MQTT[i], cfg.Namespace)
		pub.SetWriteHandler(handler)
		pub.SetDatablocks(names)
		s.mqtt = append(s.mqtt, pub)
	}
	s.valkey.SetWriteHandler(handler)
	s.valkey.LoadFromConfig(cfg.Valkey)
	s.kafka.SetWriteHandler(handler)
	s.kafka.LoadFromConfig(cfg.Kafka)
	return s
}

func (s *sinks) list() []session.Sink {
	out := make([]session.Sink, 0, len(s.mqtt)+3)
	for _, pub := range s.mqtt {
		out = append(out, pub)
	}
	return append(out, s.valkey, s.kafka, s.hub)
}

// start connects every enabled publisher in the background.
func (s *sinks) start() {
	for _, pub := range s.mqtt {
		if !pub.Config().Enabled {
			continue
		}
		go func(pub *mqtt.Publisher) {
			if err := pub.Start(); err != nil {
				logf("mqtt %s: %v", pub.Name(), err)
				tui.DebugLogError("MQTT %s: %v", pub.Name(), err)
				return
			}
			logf("mqtt %s connected to %s", pub.Name(), pub.Address())
		}(pub)
	}
	go func() {
		if n := s.valkey.StartAll(); n > 0 {
			logf("valkey: %d publisher(s) started", n)
		}
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if n := s.kafka.ConnectEnabled(ctx); n > 0 {
			logf("kafka: %d cluster(s) connected", n)
		}
	}()
}

func (s *sinks) stop() {
	for _, pub := range s.mqtt {
		pub.Stop()
	}
	s.valkey.StopAll()
	s.kafka.StopAll()
	s.hub.Stop()
}

// startWeb serves the login-protected API. It returns nil when the web
// server is disabled or fails to start.
func startWeb(cfg *config.Config, m *session.Manager, hub *api.EventHub) *api.Server {
	if !cfg.Web.Enabled {
		return nil
	}
	added, err := www.EnsureDefaultAdmin(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return nil
	}
	if added {
		fmt.Fprintln(os.Stderr, "Warning: created web user admin/admin, change the password")
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to save config: %v\n", err)
		}
	}

	srv := api.NewServer(www.NewRouter(cfg, *configPath, m, hub), cfg.Web.Host, cfg.Web.Port)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to start web server on port %d: %v\n", cfg.Web.Port, err)
		fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		return nil
	}
	return srv
}

// run is the startup flow for both TUI and headless modes.
func run(cfg *config.Config, headless bool) error {
	e, err := newEnv(cfg, false)
	if err != nil {
		return err
	}
	defer e.close()
	m := e.manager

	if name := initialDatablock(cfg, *openName, e.replay); name != "" {
		info, err := m.Open(name)
		if err != nil {
			return err
		}
		logf("opened %s (DB%d, %d bytes)", info.Name, info.Number, info.Size)
	}

	s := newSinks(cfg, m)
	poller := session.NewPoller(m, cfg.PollRate, s.list()...)
	s.start()
	defer s.stop()

	webServer := startWeb(cfg, m, s.hub)
	if webServer != nil {
		defer webServer.Stop()
		if headless {
			fmt.Printf("Web server at %s\n", webServer.Address())
		}
	}

	if headless {
		return runHeadless(m, poller)
	}

	// The terminal belongs to the TUI from here on, so runtime errors go
	// to a file instead.
	stderrPath := filepath.Join(filepath.Dir(*configPath), "dbscope-crash.log")
	if f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		redirectStderr(f)
		defer f.Close()
	}

	app := tui.NewApp(cfg, *configPath, m, poller)
	if fileLogger != nil {
		tui.SetDebugFileLogger(fileLogger)
	}
	for _, w := range e.catalog.Warnings() {
		tui.DebugLogError("%v", w)
	}
	if webServer != nil {
		tui.DebugLog("Web server at %s", webServer.Address())
	}
	return app.Run()
}

func runHeadless(m *session.Manager, poller *session.Poller) error {
	if m.IsOpen() && m.Source() != nil {
		poller.Start()
		defer poller.Stop()
		fmt.Printf("Polling every %v\n", poller.Rate())
	} else {
		fmt.Fprintln(os.Stderr, "Warning: nothing to poll, pass -open and enable the PLC or -replay")
	}

	fmt.Println("Running in headless mode. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	stats := poller.Stats()
	logging.DebugLog("session", "poller stats: %+v", stats)
	return nil
}

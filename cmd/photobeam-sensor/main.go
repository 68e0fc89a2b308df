// Command photobeam-sensor polls photobeam detectors through a serial ADC
// bridge and publishes beam state changes to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/photobeam-sensor/internal/calib"
	"github.com/sweeney/photobeam-sensor/internal/config"
	"github.com/sweeney/photobeam-sensor/internal/hal"
	"github.com/sweeney/photobeam-sensor/internal/logic"
	"github.com/sweeney/photobeam-sensor/internal/mqtt"
	"github.com/sweeney/photobeam-sensor/internal/status"
	"github.com/sweeney/photobeam-sensor/internal/web"
)

const (
	defaultConfigPath = "/etc/photobeam-sensor/config.yaml"

	// resetQueue bounds pending POST /reset requests.
	resetQueue = 8

	// statusInterval limits how often an unchanged status is pushed to
	// websocket clients.
	statusInterval = time.Second

	// printStateWindow is how long -print-state polls before reporting, long
	// enough for the range gate to open on a beam that is toggling.
	printStateWindow = 2 * time.Second
)

// options holds the parsed command line.
type options struct {
	configPath string
	printState bool
	calibrate  time.Duration
	overrides  config.Overrides
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg, opts); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// parseFlags parses args. Only flags given explicitly end up in overrides,
// so unset flags never mask values from the config file.
func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("photobeam-sensor", flag.ContinueOnError)

	configPath := fs.String("config", defaultConfigPath, "YAML config file")
	poll := fs.Duration("poll", 10*time.Millisecond, "Detector polling interval")
	heartbeat := fs.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	broker := fs.String("broker", "tcp://localhost:1883", "MQTT broker address")
	httpAddr := fs.String("http", ":8080", "HTTP status address (empty to disable)")
	serialPort := fs.String("serial", "/dev/ttyACM0", "Serial port of the ADC bridge")
	printState := fs.Bool("print-state", false, "Print current beam state and exit")
	calibrate := fs.Duration("calibrate", 0, "Sample raw inputs for this long, print noise statistics and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	opts := options{
		configPath: *configPath,
		printState: *printState,
		calibrate:  *calibrate,
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "poll":
			ms := int(poll.Milliseconds())
			opts.overrides.PollMs = &ms
		case "heartbeat":
			ms := int(heartbeat.Milliseconds())
			opts.overrides.HeartbeatMs = &ms
		case "broker":
			opts.overrides.Broker = broker
		case "http":
			opts.overrides.HTTPAddr = httpAddr
		case "serial":
			opts.overrides.SerialPort = serialPort
		}
	})
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	opts.overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(cfg config.Config, opts options) error {
	poll := time.Duration(cfg.PollMs) * time.Millisecond
	heartbeat := time.Duration(cfg.HeartbeatMs) * time.Millisecond

	// Initialize the bridge and detectors
	bridge, err := hal.OpenBridge(cfg.Serial.Port, cfg.Serial.PortOptions)
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	defer bridge.Close()

	reg := logic.NewRegistry()
	beams, err := cfg.NewDetectors(bridge, reg)
	if err != nil {
		return fmt.Errorf("init detectors: %w", err)
	}
	monitor := logic.NewMonitor(reg, time.Now(), beams...)
	defer monitor.Close()
	if err := monitor.Begin(); err != nil {
		return fmt.Errorf("begin detectors: %w", err)
	}

	// Print state mode
	if opts.printState {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		return printState(os.Stdout, monitor, ticker.C, max(int(printStateWindow/poll), 1))
	}

	// Calibration mode
	if opts.calibrate > 0 {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		n := max(int(opts.calibrate/poll), 1)
		return runCalibration(ctx, os.Stdout, bridge, monitor.Beams(), n, ticker.C)
	}

	// Initialize MQTT
	publisher := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.MQTT.Broker,
		ClientID:   cfg.MQTT.ClientID,
		BufferSize: cfg.MQTT.BufferSize,
	})
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:      poll.Milliseconds(),
		HeartbeatMs: heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
		Serial:      cfg.Serial.Port,
		Websocket:   cfg.HTTP.Addr != "" && cfg.HTTP.WS,
	}, uuid.NewString())
	tracker.Update(monitor.Snapshots(), monitor.Mask(), false, logic.EventCounts{})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	resets := make(chan uint8, resetQueue)

	// Start HTTP status server
	var srv *web.Server
	var live broadcaster
	if cfg.HTTP.Addr != "" {
		srv = web.New(cfg.HTTP.Addr, tracker, web.Options{
			Resets:    resets,
			Websocket: cfg.HTTP.WS,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		live = srv
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	// Mirror the registry onto GPIO lines
	var mirror maskApplier
	if lines := cfg.MirrorLines(); lines != nil {
		m, err := hal.NewMirror(cfg.Mirror.Chip, lines)
		if err != nil {
			return fmt.Errorf("init mirror: %w", err)
		}
		defer m.Close()
		mirror = m
		log.Printf("mirroring %d beams to %s", len(lines), cfg.Mirror.Chip)
	}

	log.Printf("started: beams=%d poll=%v broker=%s heartbeat=%v serial=%s",
		len(beams), poll, cfg.MQTT.Broker, heartbeat, cfg.Serial.Port)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if srv != nil && srv.Hub() != nil {
		hub := srv.Hub()
		g.Go(func() error { return hub.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return runLoop(monitor, publisher, publisher, tracker, live, mirror, heartbeat, time.Now, ticker.C, sigCh, resets)
	})
	return g.Wait()
}

// broadcaster pushes live updates to websocket clients.
type broadcaster interface {
	BroadcastEvent(e logic.Event)
	BroadcastStatus()
}

// maskApplier copies the registry bitmask to outputs.
type maskApplier interface {
	Apply(mask uint32) error
}

func runLoop(monitor *logic.Monitor, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, live broadcaster, mirror maskApplier, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, resets <-chan uint8) error {
	var (
		lastReadErr   string
		mirrorFailing bool
		lastStatus    time.Time
	)

	refresh := func() {
		if tracker == nil {
			return
		}
		tracker.Update(monitor.Snapshots(), monitor.Mask(), monitor.IsBaselined(), monitor.EventCountsSnapshot())
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
	}

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				refresh()
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case idx := <-resets:
			if err := monitor.Reset(idx); err != nil {
				log.Printf("reset: %v", err)
				continue
			}
			reason := fmt.Sprintf("beam %d", idx)
			log.Printf("history reset for %s", reason)

			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "RESET",
				Reason:    reason,
			}
			if tracker != nil {
				refresh()
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "RESET", reason)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("reset publish error: %v", err)
			}

		case <-tick:
			t := now()
			events, err := monitor.Process(t)
			if err != nil {
				// Log once per distinct failure; a dead bridge fails every tick.
				if msg := err.Error(); msg != lastReadErr {
					log.Printf("detector read error: %v", err)
					lastReadErr = msg
				}
			} else if lastReadErr != "" {
				log.Printf("detector reads recovered")
				lastReadErr = ""
			}

			for _, event := range events {
				log.Printf("event: %s beam=%d (%s) reading=%d threshold=%d mask=%b",
					event.Type, event.Beam, event.Name, event.Reading, event.Threshold, event.Mask)
				if err := publisher.Publish(event); err != nil {
					log.Printf("publish error: %v", err)
					// Don't crash on publish failure
				}
				if live != nil {
					live.BroadcastEvent(event)
				}
			}

			if mirror != nil {
				if err := mirror.Apply(monitor.Mask()); err != nil {
					if !mirrorFailing {
						log.Printf("mirror error: %v", err)
					}
					mirrorFailing = true
				} else {
					mirrorFailing = false
				}
			}

			// Check for heartbeat
			if hbData := monitor.CheckHeartbeat(t, heartbeat); hbData != nil {
				log.Printf("heartbeat: uptime=%v blocked=%d cleared=%d mask=%b",
					hbData.Uptime, hbData.Counts.Blocked, hbData.Counts.Cleared, hbData.Mask)

				hbEvent := mqtt.SystemEvent{
					Timestamp: hbData.Timestamp,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					// Refresh network info for heartbeat
					if net := readNetworkInfo(); net != nil {
						tracker.SetNetwork(net)
					}
					refresh()
					snap := tracker.Snapshot()
					hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}

			// Update status tracker for HTTP/websocket consumers
			refresh()
			if live != nil && tracker != nil && (len(events) > 0 || t.Sub(lastStatus) >= statusInterval) {
				live.BroadcastStatus()
				lastStatus = t
			}
		}
	}
}

// printState polls n times, one poll per tick, then writes one line per beam.
func printState(w io.Writer, monitor *logic.Monitor, tick <-chan time.Time, n int) error {
	var lastErr error
	for i := 0; i < n; i++ {
		<-tick
		if _, err := monitor.Process(time.Now()); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("read detectors: %w", lastErr)
	}

	snaps := monitor.Snapshots()
	for _, b := range snaps {
		fmt.Fprintf(w, "%s (beam %d): %s reading=%d raw=%d threshold=%d range=%d/%d\n",
			b.Name, b.Index, status.StateLabel(b), b.Reading, b.RawReading, b.Threshold, b.History.Range(), b.MinRange)
	}
	fmt.Fprintf(w, "mask: %s\n", status.MaskBits(monitor.Mask(), len(snaps)))
	return nil
}

// runCalibration samples every beam's raw input n times and prints noise
// statistics with a suggested min_range for each.
func runCalibration(ctx context.Context, w io.Writer, r calib.Reader, beams []*logic.Photodetector, n int, tick <-chan time.Time) error {
	pins := make([]logic.Pin, len(beams))
	for i, d := range beams {
		pins[i] = d.Pin()
	}

	log.Printf("calibrate: sampling %d beams, %d samples each", len(beams), n)
	samples, err := calib.Collect(ctx, r, pins, n, tick)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("calibrate: %w", err)
	}

	for _, d := range beams {
		st := calib.Summarize(samples[d.Pin()])
		fmt.Fprintf(w, "%s (beam %d, pin %d): %s\n", d.Name(), d.Index(), d.Pin(), st)
		fmt.Fprintf(w, "  suggested min_range: %d\n", calib.SuggestMinRange(st))
	}
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

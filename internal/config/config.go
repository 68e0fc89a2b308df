// Package config loads the photobeam-sensor YAML configuration.
//
// Defaults, file values and flag overrides are layered in that order, then
// Validate checks the result so the rest of the daemon can assume a
// well-formed config.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/photobeam-sensor/internal/hal"
	"github.com/sweeney/photobeam-sensor/internal/logic"
	"github.com/sweeney/photobeam-sensor/internal/mqtt"
)

// Config is the top-level YAML configuration.
type Config struct {
	PollMs      int          `yaml:"poll_ms"`
	HeartbeatMs int          `yaml:"heartbeat_ms"` // 0 disables heartbeats
	MQTT        MQTTConfig   `yaml:"mqtt"`
	HTTP        HTTPConfig   `yaml:"http"`
	Serial      SerialConfig `yaml:"serial"`
	Mirror      MirrorConfig `yaml:"mirror"`
	Beams       []BeamConfig `yaml:"beams"`
}

type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	BufferSize int    `yaml:"buffer_size"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the status server
	WS   bool   `yaml:"ws"`
}

type SerialConfig struct {
	Port            string `yaml:"port"`
	hal.PortOptions `yaml:",inline"`
}

// MirrorConfig maps beam indices to GPIO line offsets on Chip.
type MirrorConfig struct {
	Chip  string        `yaml:"chip"`
	Lines map[uint8]int `yaml:"lines"`
}

// BeamConfig describes one detector. Unset optional values keep the
// detector defaults.
type BeamConfig struct {
	Name           string   `yaml:"name"`
	Pin            uint8    `yaml:"pin"`
	Index          uint8    `yaml:"index"`
	BlockedHigh    *bool    `yaml:"blocked_high"`
	Sensitivity    *float64 `yaml:"sensitivity"`
	Threshold      *uint16  `yaml:"threshold"` // set means a fixed threshold
	MinRange       *uint16  `yaml:"min_range"`
	ResetTimeoutMs *uint16  `yaml:"reset_timeout_ms"`
	LowpassHz      *float64 `yaml:"lowpass_hz"`
	EmitterPin     *uint8   `yaml:"emitter_pin"`
	EmitterPWM     *uint8   `yaml:"emitter_pwm"`
}

// Default returns a Config with every daemon-level default filled in.
// It has no beams; those must come from the file.
func Default() Config {
	return Config{
		PollMs:      10,
		HeartbeatMs: 15 * 60 * 1000,
		MQTT: MQTTConfig{
			Broker:     "tcp://localhost:1883",
			ClientID:   mqtt.DefaultClientID,
			BufferSize: mqtt.DefaultBufferSize,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
			WS:   true,
		},
		Serial: SerialConfig{
			Port:        "/dev/ttyACM0",
			PortOptions: hal.PortOptions{BaudRate: hal.DefaultBaudRate},
		},
		Mirror: MirrorConfig{
			Chip: "gpiochip0",
		},
	}
}

// Load reads and parses a YAML config file on top of Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of Default. Unknown fields are rejected so typos
// surface at startup.
func Parse(b []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Overrides holds flag values that replace file values. A nil field was not
// set on the command line.
type Overrides struct {
	PollMs      *int
	HeartbeatMs *int
	Broker      *string
	HTTPAddr    *string
	SerialPort  *string
}

// Apply merges the overrides into cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.PollMs != nil {
		cfg.PollMs = *o.PollMs
	}
	if o.HeartbeatMs != nil {
		cfg.HeartbeatMs = *o.HeartbeatMs
	}
	if o.Broker != nil {
		cfg.MQTT.Broker = *o.Broker
	}
	if o.HTTPAddr != nil {
		cfg.HTTP.Addr = *o.HTTPAddr
	}
	if o.SerialPort != nil {
		cfg.Serial.Port = *o.SerialPort
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Sensitivity and min_range are passed through unchecked; the detector
// clamps the derived threshold itself.
func (c *Config) Validate() error {
	if c.PollMs <= 0 {
		return errors.New("poll_ms must be > 0")
	}
	if c.HeartbeatMs < 0 {
		return errors.New("heartbeat_ms must be >= 0")
	}
	if c.MQTT.Broker == "" {
		return errors.New("mqtt.broker must not be empty")
	}
	if c.MQTT.BufferSize < 0 {
		return errors.New("mqtt.buffer_size must be >= 0")
	}
	if c.Serial.Port == "" {
		return errors.New("serial.port must not be empty")
	}
	if _, err := c.Serial.PortOptions.Normalize(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	if len(c.Beams) == 0 {
		return errors.New("beams must not be empty")
	}
	indices := make(map[uint8]bool, len(c.Beams))
	names := make(map[string]bool, len(c.Beams))
	inputs := make(map[uint8]int, len(c.Beams))
	for i, b := range c.Beams {
		if _, ok := inputs[b.Pin]; !ok {
			inputs[b.Pin] = i
		}
	}
	for i, b := range c.Beams {
		if b.Index >= logic.MaxBeams {
			return fmt.Errorf("beams[%d].index %d must be < %d", i, b.Index, logic.MaxBeams)
		}
		if indices[b.Index] {
			return fmt.Errorf("beams[%d].index %d is used by another beam", i, b.Index)
		}
		indices[b.Index] = true

		if b.Name != "" {
			if names[b.Name] {
				return fmt.Errorf("beams[%d].name %q is used by another beam", i, b.Name)
			}
			names[b.Name] = true
		}
		if b.EmitterPin != nil {
			if *b.EmitterPin == b.Pin {
				return fmt.Errorf("beams[%d].emitter_pin must differ from pin %d", i, b.Pin)
			}
			if j, ok := inputs[*b.EmitterPin]; ok {
				return fmt.Errorf("beams[%d].emitter_pin %d is the detector pin of beams[%d]", i, *b.EmitterPin, j)
			}
		}
	}

	if len(c.Mirror.Lines) > 0 && c.Mirror.Chip == "" {
		return errors.New("mirror.chip must not be empty when mirror.lines is set")
	}
	for idx := range c.Mirror.Lines {
		if !indices[idx] {
			return fmt.Errorf("mirror.lines: no beam with index %d", idx)
		}
	}

	return nil
}

// Polarity reports whether a blocked beam reads high. Defaults to true.
func (b BeamConfig) Polarity() bool {
	return b.BlockedHigh == nil || *b.BlockedHigh
}

// Apply configures d from the beam section. The emitter duty cycle is stored
// before the pin is assigned so the pin is driven once.
func (b BeamConfig) Apply(d *logic.Photodetector) error {
	if b.Sensitivity != nil {
		d.SetSensitivity(*b.Sensitivity)
	}
	if b.Threshold != nil {
		d.SetThreshold(*b.Threshold)
	}
	if b.MinRange != nil {
		d.SetMinRange(*b.MinRange)
	}
	if b.ResetTimeoutMs != nil {
		d.SetResetTimeout(*b.ResetTimeoutMs)
	}
	if b.LowpassHz != nil {
		d.SetLowpassCutoff(*b.LowpassHz)
	}
	if b.EmitterPWM != nil {
		if err := d.SetEmitterPWM(*b.EmitterPWM); err != nil {
			return err
		}
	}
	if b.EmitterPin != nil {
		if err := d.SetEmitterPin(logic.Pin(*b.EmitterPin)); err != nil {
			return err
		}
	}
	return nil
}

// NewDetectors builds one detector per beam, claiming each index in reg.
// On error, detectors already built are closed.
func (c *Config) NewDetectors(io logic.IO, reg *logic.Registry) ([]*logic.Photodetector, error) {
	var beams []*logic.Photodetector
	fail := func(err error) ([]*logic.Photodetector, error) {
		for _, d := range beams {
			d.Close()
		}
		return nil, err
	}

	for _, b := range c.Beams {
		var opts []logic.Option
		if b.Name != "" {
			opts = append(opts, logic.WithName(b.Name))
		}
		d, err := logic.NewPhotodetector(io, reg, logic.Pin(b.Pin), b.Index, b.Polarity(), opts...)
		if err != nil {
			return fail(err)
		}
		beams = append(beams, d)
		if err := b.Apply(d); err != nil {
			return fail(err)
		}
	}
	return beams, nil
}

// MirrorLines returns the beam-to-line mapping, or nil when mirroring is off.
func (c *Config) MirrorLines() map[uint8]int {
	if len(c.Mirror.Lines) == 0 {
		return nil
	}
	return c.Mirror.Lines
}

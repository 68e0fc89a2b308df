package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/photobeam-sensor/internal/hal"
	"github.com/sweeney/photobeam-sensor/internal/logic"
)

const sampleYAML = `
poll_ms: 5
heartbeat_ms: 60000
mqtt:
  broker: tcp://10.0.0.2:1883
  client_id: hall
  buffer_size: 64
http:
  addr: ":9000"
  ws: false
serial:
  port: /dev/ttyUSB1
  baud_rate: 57600
  parity: even
mirror:
  chip: gpiochip1
  lines:
    0: 17
    2: 27
beams:
  - name: door
    pin: 14
    index: 0
    sensitivity: 0.3
    min_range: 80
    reset_timeout_ms: 10000
    lowpass_hz: 20
    emitter_pin: 9
    emitter_pwm: 200
  - name: window
    pin: 15
    index: 2
    blocked_high: false
    threshold: 512
`

func u16(v uint16) *uint16   { return &v }
func u8(v uint8) *uint8      { return &v }
func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool     { return &v }
func intp(v int) *int        { return &v }
func strp(v string) *string  { return &v }

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	want := Config{
		PollMs:      5,
		HeartbeatMs: 60000,
		MQTT:        MQTTConfig{Broker: "tcp://10.0.0.2:1883", ClientID: "hall", BufferSize: 64},
		HTTP:        HTTPConfig{Addr: ":9000", WS: false},
		Serial: SerialConfig{
			Port:        "/dev/ttyUSB1",
			PortOptions: hal.PortOptions{BaudRate: 57600, Parity: "even"},
		},
		Mirror: MirrorConfig{Chip: "gpiochip1", Lines: map[uint8]int{0: 17, 2: 27}},
		Beams: []BeamConfig{
			{
				Name: "door", Pin: 14, Index: 0,
				Sensitivity: f64(0.3), MinRange: u16(80), ResetTimeoutMs: u16(10000),
				LowpassHz: f64(20), EmitterPin: u8(9), EmitterPWM: u8(200),
			},
			{Name: "window", Pin: 15, Index: 2, BlockedHigh: boolp(false), Threshold: u16(512)},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("beams:\n  - pin: 3\n"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.PollMs, cfg.PollMs)
	assert.Equal(t, def.MQTT, cfg.MQTT)
	assert.Equal(t, def.Serial, cfg.Serial)
	assert.True(t, cfg.HTTP.WS)
	require.Len(t, cfg.Beams, 1)
	assert.True(t, cfg.Beams[0].Polarity(), "polarity defaults to blocked-high")
	assert.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("pol_ms: 5\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsTrailingDocument(t *testing.T) {
	_, err := Parse([]byte("poll_ms: 5\n---\npoll_ms: 6\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photobeam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	assert.Equal(t, filepath.Join(home, "cfg.yaml"), ExpandPath("~/cfg.yaml"))
	assert.Equal(t, "/etc/cfg.yaml", ExpandPath("/etc/cfg.yaml"))
	assert.Equal(t, "~user/x", ExpandPath("~user/x"))
}

func TestOverridesApply(t *testing.T) {
	cfg := Default()
	Overrides{
		PollMs:      intp(20),
		HeartbeatMs: intp(0),
		Broker:      strp("tcp://other:1883"),
		HTTPAddr:    strp(""),
		SerialPort:  strp("/dev/ttyS0"),
	}.Apply(&cfg)

	assert.Equal(t, 20, cfg.PollMs)
	assert.Equal(t, 0, cfg.HeartbeatMs, "explicit zero overrides")
	assert.Equal(t, "tcp://other:1883", cfg.MQTT.Broker)
	assert.Equal(t, "", cfg.HTTP.Addr)
	assert.Equal(t, "/dev/ttyS0", cfg.Serial.Port)

	before := cfg
	Overrides{}.Apply(&cfg)
	assert.Equal(t, before, cfg, "nil overrides change nothing")
	Overrides{PollMs: intp(1)}.Apply(nil)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Beams = []BeamConfig{{Name: "a", Pin: 1, Index: 0}, {Name: "b", Pin: 2, Index: 1}}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"poll", func(c *Config) { c.PollMs = 0 }, "poll_ms"},
		{"heartbeat", func(c *Config) { c.HeartbeatMs = -1 }, "heartbeat_ms"},
		{"broker", func(c *Config) { c.MQTT.Broker = "" }, "mqtt.broker"},
		{"buffer", func(c *Config) { c.MQTT.BufferSize = -1 }, "mqtt.buffer_size"},
		{"serial port", func(c *Config) { c.Serial.Port = "" }, "serial.port"},
		{"serial parity", func(c *Config) { c.Serial.Parity = "mark" }, "parity"},
		{"no beams", func(c *Config) { c.Beams = nil }, "beams must not be empty"},
		{"index range", func(c *Config) { c.Beams[1].Index = logic.MaxBeams }, "must be < 32"},
		{"duplicate index", func(c *Config) { c.Beams[1].Index = 0 }, "index 0 is used"},
		{"duplicate name", func(c *Config) { c.Beams[1].Name = "a" }, `name "a" is used`},
		{"emitter on sensor pin", func(c *Config) { c.Beams[0].EmitterPin = u8(1) }, "emitter_pin"},
		{"emitter on another beam's pin", func(c *Config) { c.Beams[0].EmitterPin = u8(2) }, "detector pin of beams[1]"},
		{"mirror unknown beam", func(c *Config) { c.Mirror.Lines = map[uint8]int{5: 17} }, "no beam with index 5"},
		{"mirror chip", func(c *Config) {
			c.Mirror.Chip = ""
			c.Mirror.Lines = map[uint8]int{0: 17}
		}, "mirror.chip"},
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}

func TestValidateAllowsUnnamedBeamsAndOddTuning(t *testing.T) {
	cfg := Default()
	cfg.Beams = []BeamConfig{
		{Pin: 1, Index: 0, Sensitivity: f64(1.5)},
		{Pin: 2, Index: 1, Sensitivity: f64(-0.2), MinRange: u16(0)},
	}
	assert.NoError(t, cfg.Validate())
}

func TestNewDetectorsAppliesBeamSettings(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	io := hal.NewFakeIO()
	reg := logic.NewRegistry()
	beams, err := cfg.NewDetectors(io, reg)
	require.NoError(t, err)
	require.Len(t, beams, 2)

	door, window := beams[0], beams[1]
	assert.Equal(t, "door", door.Name())
	assert.Equal(t, logic.Pin(14), door.Pin())
	assert.True(t, door.Polarity())
	assert.True(t, door.AutoThreshold())
	assert.Equal(t, 0.3, door.Sensitivity())
	assert.Equal(t, uint16(80), door.MinRange())
	assert.Equal(t, uint16(10000), door.ResetTimeout())
	assert.Equal(t, 20.0, door.LowpassCutoff())
	pin, ok := door.EmitterPin()
	assert.True(t, ok)
	assert.Equal(t, logic.Pin(9), pin)
	assert.Equal(t, uint8(200), door.EmitterPWM())
	assert.Equal(t, []hal.PinWrite{{Pin: 9, Value: 200}}, io.PWMWrites, "emitter driven once")

	assert.Equal(t, "window", window.Name())
	assert.Equal(t, uint8(2), window.Index())
	assert.False(t, window.Polarity())
	assert.False(t, window.AutoThreshold())
	assert.Equal(t, uint16(512), window.Threshold())
	assert.Equal(t, uint16(logic.DefaultMinRange), window.MinRange())
	_, ok = window.EmitterPin()
	assert.False(t, ok)
}

func TestNewDetectorsReleasesOnError(t *testing.T) {
	cfg := Default()
	cfg.Beams = []BeamConfig{
		{Pin: 1, Index: 4},
		{Pin: 2, Index: 5, EmitterPin: u8(9)},
	}

	io := hal.NewFakeIO()
	io.WriteError = assert.AnError
	reg := logic.NewRegistry()

	_, err := cfg.NewDetectors(io, reg)
	require.ErrorIs(t, err, assert.AnError)

	// Both indices must be claimable again.
	_, err = reg.Claim(4)
	assert.NoError(t, err)
	_, err = reg.Claim(5)
	assert.NoError(t, err)
}

func TestMirrorLines(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.MirrorLines())
	cfg.Mirror.Lines = map[uint8]int{0: 4}
	assert.Equal(t, map[uint8]int{0: 4}, cfg.MirrorLines())
}

// Package config loads airbrush.toml.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mastercactapus/airbrush/coord"
	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/mastercactapus/airbrush/poller"
	"github.com/mastercactapus/airbrush/surface"
	"github.com/mastercactapus/airbrush/transport"
)

// Duration decodes TOML strings such as "250ms".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func dur(v time.Duration) Duration { return Duration{v} }

type Config struct {
	Transport Transport `toml:"transport"`
	Dispatch  Dispatch  `toml:"dispatch"`
	Poller    Poller    `toml:"poller"`
	Surface   Surface   `toml:"surface"`
	API       API       `toml:"api"`
	MQTT      MQTT      `toml:"mqtt"`
	Log       Log       `toml:"log"`
}

type Transport struct {
	Kind     string   `toml:"kind"`
	Port     string   `toml:"port"`
	Baud     int      `toml:"baud"`
	URL      string   `toml:"url"`
	Password string   `toml:"password"`
	Timeout  Duration `toml:"timeout"`
}

type Dispatch struct {
	CommandTimeout     Duration `toml:"command_timeout"`
	LongRunningTimeout Duration `toml:"long_running_timeout"`
	QueryTimeout       Duration `toml:"query_timeout"`
	AckProbe           string   `toml:"ack_probe"`
	AckBackoffInitial  Duration `toml:"ack_backoff_initial"`
	AckBackoffMax      Duration `toml:"ack_backoff_max"`
	StopTimeout        Duration `toml:"stop_timeout"`
}

type Poller struct {
	// Mode is "tiered", "motion", "both" or "off".
	Mode       string   `toml:"mode"`
	Cadence    Duration `toml:"cadence"`
	Fast       Duration `toml:"fast"`
	Medium     Duration `toml:"medium"`
	Full       Duration `toml:"full"`
	Slow       Duration `toml:"slow"`
	Cooldown   Duration `toml:"cooldown"`
	StaleAfter Duration `toml:"stale_after"`
	Epsilon    float64  `toml:"epsilon"`
}

type Surface struct {
	Enabled    bool        `toml:"enabled"`
	ReferenceZ float64     `toml:"reference_z"`
	Points     [][]float64 `toml:"points"`
}

type API struct {
	Listen string `toml:"listen"`
}

type MQTT struct {
	Broker   string `toml:"broker"`
	Prefix   string `toml:"prefix"`
	ClientID string `toml:"client_id"`
}

type Log struct {
	Level   string `toml:"level"`
	NoColor bool   `toml:"no_color"`
	JSON    bool   `toml:"json"`
}

func Default() Config {
	d := dispatch.DefaultConfig()
	p := poller.DefaultConfig()
	return Config{
		Transport: Transport{
			Kind:    "serial",
			Port:    "/dev/ttyACM0",
			Baud:    115200,
			Timeout: dur(3 * time.Second),
		},
		Dispatch: Dispatch{
			CommandTimeout:     dur(d.CommandTimeout),
			LongRunningTimeout: dur(d.LongRunningTimeout),
			QueryTimeout:       dur(d.QueryTimeout),
			AckProbe:           d.AckProbe,
			AckBackoffInitial:  dur(d.AckBackoffInitial),
			AckBackoffMax:      dur(d.AckBackoffMax),
			StopTimeout:        dur(d.StopTimeout),
		},
		Poller: Poller{
			Mode:       "tiered",
			Cadence:    dur(p.Cadence),
			Fast:       dur(p.Fast),
			Medium:     dur(p.Medium),
			Full:       dur(p.Full),
			Slow:       dur(p.Slow),
			Cooldown:   dur(p.Cooldown),
			StaleAfter: dur(p.StaleAfter),
			Epsilon:    p.Epsilon,
		},
		API:  API{Listen: ":8080"},
		MQTT: MQTT{Prefix: "airbrush"},
		Log:  Log{Level: "info"},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("load %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return cfg, fmt.Errorf("load %s: unknown key %q", path, undec[0].String())
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Transport.Kind {
	case "serial":
		if c.Transport.Port == "" {
			errs = append(errs, errors.New("transport.port is required for serial"))
		}
	case "http":
		if c.Transport.URL == "" {
			errs = append(errs, errors.New("transport.url is required for http"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q: must be serial or http", c.Transport.Kind))
	}
	switch c.Poller.Mode {
	case "tiered", "motion", "both", "off":
	default:
		errs = append(errs, fmt.Errorf("poller.mode %q: must be tiered, motion, both or off", c.Poller.Mode))
	}
	if c.Dispatch.AckBackoffInitial.Duration <= 0 || c.Dispatch.AckBackoffMax.Duration < c.Dispatch.AckBackoffInitial.Duration {
		errs = append(errs, errors.New("dispatch: ack backoff must be positive and max >= initial"))
	}
	if c.Poller.Cadence.Duration <= 0 {
		errs = append(errs, errors.New("poller.cadence must be positive"))
	}
	for i, p := range c.Surface.Points {
		if len(p) != 3 {
			errs = append(errs, fmt.Errorf("surface.points[%d]: want [x, y, z]", i))
		}
	}
	if c.Surface.Enabled && len(c.Surface.Points) < 3 {
		errs = append(errs, errors.New("surface: at least 3 points required"))
	}
	return errors.Join(errs...)
}

func (c Config) DispatchConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	d := c.Dispatch
	cfg.CommandTimeout = d.CommandTimeout.Duration
	cfg.LongRunningTimeout = d.LongRunningTimeout.Duration
	cfg.QueryTimeout = d.QueryTimeout.Duration
	if d.AckProbe != "" {
		cfg.AckProbe = d.AckProbe
	}
	cfg.AckBackoffInitial = d.AckBackoffInitial.Duration
	cfg.AckBackoffMax = d.AckBackoffMax.Duration
	cfg.StopTimeout = d.StopTimeout.Duration
	return cfg
}

func (c Config) PollerConfig() poller.Config {
	p := c.Poller
	return poller.Config{
		Cadence:    p.Cadence.Duration,
		Fast:       p.Fast.Duration,
		Medium:     p.Medium.Duration,
		Full:       p.Full.Duration,
		Slow:       p.Slow.Duration,
		Cooldown:   p.Cooldown.Duration,
		StaleAfter: p.StaleAfter.Duration,
		Epsilon:    p.Epsilon,
	}
}

func (c Config) SerialConfig() transport.SerialConfig {
	return transport.SerialConfig{
		Port:         c.Transport.Port,
		Baud:         c.Transport.Baud,
		QueryTimeout: c.Transport.Timeout.Duration,
	}
}

func (c Config) HTTPConfig() transport.HTTPConfig {
	return transport.HTTPConfig{
		BaseURL:  c.Transport.URL,
		Password: c.Transport.Password,
		Timeout:  c.Transport.Timeout.Duration,
	}
}

// Mesh builds the surface mesh, or returns nil when compensation is disabled.
func (c Config) Mesh() (*surface.Mesh, error) {
	if !c.Surface.Enabled {
		return nil, nil
	}
	points := make([]coord.Point, 0, len(c.Surface.Points))
	for _, p := range c.Surface.Points {
		if len(p) != 3 {
			continue
		}
		points = append(points, coord.Point{X: p[0], Y: p[1], Z: p[2]})
	}
	return surface.NewMesh(surface.OffsetFrom(c.Surface.ReferenceZ, points))
}

package state

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/guardian/helpers"
	"github.com/temoto/guardian/internal/agent"
	"github.com/temoto/guardian/internal/feedback"
	"github.com/temoto/guardian/internal/link"
	"github.com/temoto/guardian/internal/sensor"
	"github.com/temoto/guardian/internal/upload"
	"github.com/temoto/guardian/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	DeviceId string        `hcl:"device_id"`
	Server   upload.Config `hcl:"server"`
	Schedule struct {
		PostIntervalMs      int `hcl:"post_interval_ms"`
		TickMs              int `hcl:"tick_ms"`
		EscalationThreshold int `hcl:"escalation_threshold"`
	} `hcl:"schedule"`
	Network    link.Config       `hcl:"network"`
	Feedback   feedback.Config   `hcl:"feedback"`
	Sensors    []sensor.Config   `hcl:"sensor"`
	Thresholds []ThresholdConfig `hcl:"threshold"`
	Metrics    struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`
	Collector struct {
		Listen string `hcl:"listen"`
		DbPath string `hcl:"db_path"`
	} `hcl:"collector"`
	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// ThresholdConfig is warning/danger level of metric family, e.g. "temp" covers temp1..temp3.
// Agent only validates them, collector raises alerts.
type ThresholdConfig struct {
	Name    string  `hcl:"name,key"`
	Warning float64 `hcl:"warning"`
	Danger  float64 `hcl:"danger"`
}

const (
	DefaultDeviceId        = "home_guardian_01"
	DefaultCollectorListen = ":3000"
)

// Defaults from the device firmware.
var defaultThresholds = []ThresholdConfig{
	{Name: "temp", Warning: 30, Danger: 40},
	{Name: "smoke", Warning: 500, Danger: 500},
}

func (c *Config) PostInterval() time.Duration {
	return helpers.IntMillisecondDefault(c.Schedule.PostIntervalMs, agent.DefaultInterval)
}

func (c *Config) TickInterval() time.Duration {
	return helpers.IntMillisecondDefault(c.Schedule.TickMs, agent.DefaultTickInterval)
}

func (c *Config) Threshold(name string) (ThresholdConfig, bool) {
	for _, t := range c.Thresholds {
		if t.Name == name {
			return t, true
		}
	}
	return ThresholdConfig{}, false
}

// Normalize fills defaults. Idempotent.
func (c *Config) Normalize() {
	if c.DeviceId == "" {
		c.DeviceId = DefaultDeviceId
	}
	if c.Schedule.EscalationThreshold <= 0 {
		c.Schedule.EscalationThreshold = agent.DefaultEscalationThreshold
	}
	for _, d := range defaultThresholds {
		if _, ok := c.Threshold(d.Name); !ok {
			c.Thresholds = append(c.Thresholds, d)
		}
	}
	if c.Collector.Listen == "" {
		c.Collector.Listen = DefaultCollectorListen
	}
}

func (c *Config) validateThresholds() []error {
	errs := make([]error, 0)
	seen := make(map[string]struct{}, len(c.Thresholds))
	for _, t := range c.Thresholds {
		if _, ok := seen[t.Name]; ok {
			errs = append(errs, errors.NotValidf("threshold=%s duplicate", t.Name))
		}
		seen[t.Name] = struct{}{}
		if t.Warning > t.Danger {
			errs = append(errs, errors.NotValidf("threshold=%s warning=%v above danger=%v", t.Name, t.Warning, t.Danger))
		}
	}
	return errs
}

func (c *Config) ValidateAgent() error {
	errs := c.validateThresholds()
	if strings.TrimSpace(c.DeviceId) == "" {
		errs = append(errs, errors.NotValidf("device_id empty"))
	}
	if c.Schedule.PostIntervalMs < 0 {
		errs = append(errs, errors.NotValidf("schedule.post_interval_ms=%d", c.Schedule.PostIntervalMs))
	}
	if c.PostInterval() < 2*c.TickInterval() {
		errs = append(errs, errors.NotValidf("schedule.post_interval_ms=%d too short for tick_ms=%d", c.Schedule.PostIntervalMs, c.Schedule.TickMs))
	}
	if len(c.Sensors) == 0 {
		errs = append(errs, errors.NotValidf("no sensor configured"))
	}
	for i := range c.Sensors {
		if err := c.Sensors[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) ValidateCollector() error {
	return helpers.FoldErrors(c.validateThresholds())
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	// secrets live in config, do not echo content
	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values override earlier.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.Normalize()
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Package config loads the workflow configuration: notification recipients,
// deadline stage policy, extra role grants and the user directory.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/production-workflow/deadlines"
	"github.com/songzhibin97/production-workflow/notify"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/songzhibin97/production-workflow/workflow"
)

//go:embed workflow.yaml
var defaultConfig []byte

//go:embed schema.json
var schema []byte

// ErrInvalidConfig is returned when a document does not match the schema.
var ErrInvalidConfig = errors.New("invalid workflow configuration")

// Duration is a time.Duration that also accepts a day suffix ("2d").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses Go durations plus whole or fractional days.
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("invalid duration %q: must be positive", s)
	}
	return parsed, nil
}

type Recipient struct {
	EntityType types.EntityType `yaml:"entity_type"`
	Transition string           `yaml:"transition"`
	Roles      []types.Role     `yaml:"roles"`
}

type Deadline struct {
	EntityType types.EntityType `yaml:"entity_type"`
	State      types.State      `yaml:"state"`
	Role       types.Role       `yaml:"role"`
	Within     Duration         `yaml:"within"`
}

type Grant struct {
	EntityType types.EntityType `yaml:"entity_type"`
	Transition string           `yaml:"transition"`
	Roles      []types.Role     `yaml:"roles"`
}

// User is a directory entry; Active defaults to true.
type User struct {
	ID     string       `yaml:"id"`
	Name   string       `yaml:"name"`
	Roles  []types.Role `yaml:"roles"`
	Active *bool        `yaml:"active"`
}

// Config is a parsed workflow configuration.
type Config struct {
	Recipients []Recipient `yaml:"recipients"`
	Deadlines  []Deadline  `yaml:"deadlines"`
	Grants     []Grant     `yaml:"grants"`
	Users      []User      `yaml:"users"`
}

// Default returns the embedded configuration.
func Default() (*Config, error) {
	return Parse(defaultConfig)
}

// Load reads a configuration file; an empty path means Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow config: %w", err)
	}
	return Parse(data)
}

// Parse validates a YAML document against the schema and decodes it.
func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &c, nil
}

func validate(doc map[string]any) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	return nil
}

// Apply grants the configured extra roles on an unfrozen table.
func (c *Config) Apply(table *workflow.Table) error {
	for _, g := range c.Grants {
		if err := table.Grant(g.EntityType, g.Transition, g.Roles...); err != nil {
			return fmt.Errorf("grant %s.%s: %w", g.EntityType, g.Transition, err)
		}
	}
	return nil
}

// Routes returns the configured recipients, or notify.DefaultRoutes when none are set.
func (c *Config) Routes() []notify.Route {
	if len(c.Recipients) == 0 {
		return notify.DefaultRoutes()
	}
	routes := make([]notify.Route, 0, len(c.Recipients))
	for _, r := range c.Recipients {
		routes = append(routes, notify.Route{EntityType: r.EntityType, Transition: r.Transition, Roles: r.Roles})
	}
	return routes
}

// Mapping builds the notification mapping.
func (c *Config) Mapping() *notify.Mapping {
	return notify.NewMapping(c.Routes()...)
}

// Policy returns the configured stage policy, or deadlines.DefaultPolicy when none is set.
func (c *Config) Policy() []deadlines.StagePolicy {
	if len(c.Deadlines) == 0 {
		return deadlines.DefaultPolicy()
	}
	policy := make([]deadlines.StagePolicy, 0, len(c.Deadlines))
	for _, d := range c.Deadlines {
		policy = append(policy, deadlines.StagePolicy{
			EntityType: d.EntityType,
			State:      d.State,
			Role:       d.Role,
			Within:     time.Duration(d.Within),
		})
	}
	return policy
}

// Directory builds the user directory.
func (c *Config) Directory() *notify.StaticDirectory {
	users := make([]notify.User, 0, len(c.Users))
	for _, u := range c.Users {
		users = append(users, notify.User{ID: u.ID, Name: u.Name, Roles: u.Roles, Active: u.Active == nil || *u.Active})
	}
	return notify.NewStaticDirectory(users...)
}

// CheckTable reports routes and stage policies that reference transitions or
// states the frozen table does not declare.
func (c *Config) CheckTable(table *workflow.Table) error {
	var errs []error
	for _, r := range c.Routes() {
		if _, err := table.TargetOf(r.EntityType, r.Transition); err != nil {
			errs = append(errs, fmt.Errorf("recipient %s.%s: %w", r.EntityType, r.Transition, err))
		}
	}
	for _, p := range c.Policy() {
		if !hasState(table.States(p.EntityType), p.State) {
			errs = append(errs, fmt.Errorf("deadline %s.%s: unknown state", p.EntityType, p.State))
		}
	}
	return errors.Join(errs...)
}

func hasState(states []types.State, s types.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// Package updatecfg parses and validates the per-repository update
// configuration file (dependabot.yml).
package updatecfg

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SupportedVersion is the only supported config file format version.
const SupportedVersion = 2

const DefOpenPullRequestsLimit = 5

// Config is the parsed content of one repository's dependabot.yml file.
type Config struct {
	Version    int                  `yaml:"version"`
	Updates    []*Directive         `yaml:"updates"`
	Registries map[string]*Registry `yaml:"registries,omitempty"`
}

// Directive describes the update settings for one package ecosystem and one
// or more directories.
type Directive struct {
	PackageEcosystem      string            `yaml:"package-ecosystem"`
	Directory             string            `yaml:"directory,omitempty"`
	Directories           []string          `yaml:"directories,omitempty"`
	TargetBranch          string            `yaml:"target-branch,omitempty"`
	Schedule              *Schedule         `yaml:"schedule,omitempty"`
	OpenPullRequestsLimit *int              `yaml:"open-pull-requests-limit,omitempty"`
	Registries            []string          `yaml:"registries,omitempty"`
	Ignore                []IgnoreCondition `yaml:"ignore,omitempty"`
	Groups                map[string]*Group `yaml:"groups,omitempty"`
	Labels                []string          `yaml:"labels,omitempty"`
	Milestone             int               `yaml:"milestone,omitempty"`
	Experiments           map[string]string `yaml:"experiments,omitempty"`
}

// Registry describes one private package registry and how to authenticate
// against it. Token, Username, Password and Key may contain unexpanded
// `${{ name }}` placeholders referencing secrets.
type Registry struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	Key          string `yaml:"key,omitempty"`
	ReplacesBase bool   `yaml:"replaces-base,omitempty"`
}

type IgnoreCondition struct {
	DependencyName string   `yaml:"dependency-name"`
	Versions       []string `yaml:"versions,omitempty"`
	UpdateTypes    []string `yaml:"update-types,omitempty"`
}

// Group describes a dependency group, updates for its members are collected
// in a single pull request.
type Group struct {
	AppliesTo       string   `yaml:"applies-to,omitempty"`
	Patterns        []string `yaml:"patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude-patterns,omitempty"`
	UpdateTypes     []string `yaml:"update-types,omitempty"`
}

// Parse parses the content of a dependabot.yml file.
// Unknown fields are ignored for forward-compatibility.
func Parse(content []byte) (*Config, error) {
	var result Config

	if err := yaml.Unmarshal(content, &result); err != nil {
		return nil, fmt.Errorf("parsing yaml document failed: %w", err)
	}

	return &result, nil
}

// Validate checks the config for semantic errors.
func (c *Config) Validate() error {
	if c.Version != SupportedVersion {
		return fmt.Errorf("unsupported config version %d, only version %d is supported", c.Version, SupportedVersion)
	}

	if len(c.Updates) == 0 {
		return errors.New("config does not contain any update directives")
	}

	seen := map[string]struct{}{}

	for i, directive := range c.Updates {
		if err := directive.validate(c.Registries); err != nil {
			return fmt.Errorf("updates[%d]: %w", i, err)
		}

		key := directive.DirectoryKey()
		if _, exist := seen[key]; exist {
			return fmt.Errorf("updates[%d]: duplicate ecosystem and directory combination: %s", i, key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

func (d *Directive) validate(registries map[string]*Registry) error {
	if d.PackageEcosystem == "" {
		return errors.New("package-ecosystem is empty")
	}

	if d.Directory == "" && len(d.Directories) == 0 {
		return errors.New("directory and directories are both empty")
	}

	if d.Directory != "" && len(d.Directories) > 0 {
		return errors.New("directory and directories are mutually exclusive")
	}

	if d.OpenPullRequestsLimit != nil && *d.OpenPullRequestsLimit < 0 {
		return fmt.Errorf("open-pull-requests-limit is %d, must be >=0", *d.OpenPullRequestsLimit)
	}

	for _, name := range d.Registries {
		if name == "*" {
			continue
		}

		if _, exist := registries[name]; !exist {
			return fmt.Errorf("registry %q is referenced but not defined", name)
		}
	}

	if d.Schedule != nil {
		if err := d.Schedule.validate(); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	return nil
}

// EffectiveDirectories returns the directories of the directive,
// regardless of which of the two config keys was used.
func (d *Directive) EffectiveDirectories() []string {
	if d.Directory != "" {
		return []string{d.Directory}
	}

	return d.Directories
}

// DirectoryKey returns the identifier that scopes one directive:
// `ecosystem::directory[,directory...]`.
func (d *Directive) DirectoryKey() string {
	return d.PackageEcosystem + "::" + strings.Join(d.EffectiveDirectories(), ",")
}

// EffectiveOpenPullRequestsLimit returns the configured limit or the default.
func (d *Directive) EffectiveOpenPullRequestsLimit() int {
	if d.OpenPullRequestsLimit == nil {
		return DefOpenPullRequestsLimit
	}

	return *d.OpenPullRequestsLimit
}

// ReferencedRegistries resolves the directive's registry references to
// registry definitions, sorted by name.
// A single "*" reference selects all defined registries.
func (d *Directive) ReferencedRegistries(registries map[string]*Registry) []NamedRegistry {
	var names []string

	if len(d.Registries) == 1 && d.Registries[0] == "*" {
		for name := range registries {
			names = append(names, name)
		}
	} else {
		names = append(names, d.Registries...)
	}

	sort.Strings(names)

	result := make([]NamedRegistry, 0, len(names))
	for _, name := range names {
		registry, exist := registries[name]
		if !exist {
			continue
		}

		result = append(result, NamedRegistry{Name: name, Registry: registry})
	}

	return result
}

type NamedRegistry struct {
	Name string
	*Registry
}

var placeholderRe = regexp.MustCompile(`\$\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// ExpandPlaceholders replaces `${{ name }}` placeholders in content with
// values from vars.
// It returns the expanded content and the names of all placeholders that
// could not be resolved, placeholders without a value are left unchanged.
func ExpandPlaceholders(content string, vars map[string]string) (expanded string, unresolved []string) {
	expanded = placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]

		if val, exist := vars[name]; exist {
			return val
		}

		unresolved = append(unresolved, name)
		return match
	})

	return expanded, unresolved
}

// ExpandPlaceholdersFunc replaces `${{ name }}` placeholders in content with
// the value returned by resolve. The first resolve error aborts the
// expansion and is returned.
func ExpandPlaceholdersFunc(content string, resolve func(name string) (string, error)) (string, error) {
	var resolveErr error

	expanded := placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		if resolveErr != nil {
			return match
		}

		name := placeholderRe.FindStringSubmatch(match)[1]

		val, err := resolve(name)
		if err != nil {
			resolveErr = fmt.Errorf("resolving placeholder %q failed: %w", name, err)
			return match
		}

		return val
	})

	if resolveErr != nil {
		return "", resolveErr
	}

	return expanded, nil
}

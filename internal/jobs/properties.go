package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/simplesurance/drover/internal/set"
)

// Property names under which drover stores metadata on pull requests at the
// source-control provider.
const (
	PropertyPackageManager      = "Drover.PackageManager"
	PropertyDirectoryKey        = "Drover.DirectoryKey"
	PropertyDependencyGroupName = "Drover.DependencyGroupName"
	PropertyDependencies        = "Drover.Dependencies"
)

// Dependency is one dependency change contained in a pull request.
type Dependency struct {
	Name    string `json:"dependency-name"`
	Version string `json:"dependency-version,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

// PullRequestProperties is the drover metadata attached to a pull request at
// the provider. It is the durable state that existing pull requests are
// matched and diffed against.
type PullRequestProperties struct {
	PackageManager      string
	DirectoryKey        string
	DependencyGroupName string
	Dependencies        []Dependency
}

// Encode converts the properties to the provider property map representation.
func (p *PullRequestProperties) Encode() (map[string]string, error) {
	deps, err := json.Marshal(p.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("marshalling dependency list failed: %w", err)
	}

	result := map[string]string{
		PropertyPackageManager: p.PackageManager,
		PropertyDirectoryKey:   p.DirectoryKey,
		PropertyDependencies:   string(deps),
	}

	if p.DependencyGroupName != "" {
		result[PropertyDependencyGroupName] = p.DependencyGroupName
	}

	return result, nil
}

// DecodeProperties parses a provider property map.
// It returns nil when the map carries no drover metadata, the pull request
// was then not created by drover.
func DecodeProperties(props map[string]string) (*PullRequestProperties, error) {
	packageManager, exist := props[PropertyPackageManager]
	if !exist {
		return nil, nil
	}

	result := PullRequestProperties{
		PackageManager:      packageManager,
		DirectoryKey:        props[PropertyDirectoryKey],
		DependencyGroupName: props[PropertyDependencyGroupName],
	}

	if depsJSON, exist := props[PropertyDependencies]; exist && depsJSON != "" {
		if err := json.Unmarshal([]byte(depsJSON), &result.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshalling dependency list property failed: %w", err)
		}
	}

	return &result, nil
}

// DependencySet returns the dependency list as a set of
// name@version[:removed] identifiers, used to detect no-op reconciliations.
func (p *PullRequestProperties) DependencySet() map[string]struct{} {
	return DependencySet(p.Dependencies)
}

func DependencySet(deps []Dependency) map[string]struct{} {
	result := make(map[string]struct{}, len(deps))

	for _, dep := range deps {
		id := dep.Name + "@" + dep.Version
		if dep.Removed {
			id += ":removed"
		}

		result[id] = struct{}{}
	}

	return result
}

// SameDependencies returns true when both dependency lists describe the same
// set of changes, order is irrelevant.
func SameDependencies(a, b []Dependency) bool {
	return set.Equal(DependencySet(a), DependencySet(b))
}

package jobs

import (
	"fmt"
	"strings"
)

// Ecosystem is a package-manager family with its own updater container image.
type Ecosystem string

const (
	EcosystemBundler       Ecosystem = "bundler"
	EcosystemCargo         Ecosystem = "cargo"
	EcosystemComposer      Ecosystem = "composer"
	EcosystemDocker        Ecosystem = "docker"
	EcosystemGithubActions Ecosystem = "github-actions"
	EcosystemGitSubmodule  Ecosystem = "gitsubmodule"
	EcosystemGoModules     Ecosystem = "gomod"
	EcosystemGradle        Ecosystem = "gradle"
	EcosystemMaven         Ecosystem = "maven"
	EcosystemMix           Ecosystem = "mix"
	EcosystemNpm           Ecosystem = "npm"
	EcosystemNuget         Ecosystem = "nuget"
	EcosystemPip           Ecosystem = "pip"
	EcosystemPub           Ecosystem = "pub"
	EcosystemSwift         Ecosystem = "swift"
	EcosystemTerraform     Ecosystem = "terraform"
)

// ecosystemInfo holds the per-ecosystem quirks: the identifier used in the
// updater image name and the package-manager identifier that updaters report
// in pull-request properties.
type ecosystemInfo struct {
	imageEcosystem string
	packageManager string
}

var ecosystems = map[Ecosystem]ecosystemInfo{
	EcosystemBundler:       {imageEcosystem: "bundler", packageManager: "bundler"},
	EcosystemCargo:         {imageEcosystem: "cargo", packageManager: "cargo"},
	EcosystemComposer:      {imageEcosystem: "composer", packageManager: "composer"},
	EcosystemDocker:        {imageEcosystem: "docker", packageManager: "docker"},
	EcosystemGithubActions: {imageEcosystem: "github-actions", packageManager: "github_actions"},
	EcosystemGitSubmodule:  {imageEcosystem: "gitsubmodule", packageManager: "submodules"},
	EcosystemGoModules:     {imageEcosystem: "gomod", packageManager: "go_modules"},
	EcosystemGradle:        {imageEcosystem: "gradle", packageManager: "gradle"},
	EcosystemMaven:         {imageEcosystem: "maven", packageManager: "maven"},
	EcosystemMix:           {imageEcosystem: "mix", packageManager: "hex"},
	EcosystemNpm:           {imageEcosystem: "npm", packageManager: "npm_and_yarn"},
	EcosystemNuget:         {imageEcosystem: "nuget", packageManager: "nuget"},
	EcosystemPip:           {imageEcosystem: "pip", packageManager: "pip"},
	EcosystemPub:           {imageEcosystem: "pub", packageManager: "pub"},
	EcosystemSwift:         {imageEcosystem: "swift", packageManager: "swift"},
	EcosystemTerraform:     {imageEcosystem: "terraform", packageManager: "terraform"},
}

// ParseEcosystem converts a package-ecosystem config value to an Ecosystem.
// Aliases used in dependabot.yml files are normalized.
func ParseEcosystem(val string) (Ecosystem, error) {
	switch strings.ToLower(val) {
	case "npm", "pnpm", "yarn":
		return EcosystemNpm, nil
	case "pip", "pipenv", "pip-compile", "poetry", "uv":
		return EcosystemPip, nil
	case "gomod", "golang":
		return EcosystemGoModules, nil
	}

	eco := Ecosystem(strings.ToLower(val))
	if _, exist := ecosystems[eco]; !exist {
		return "", fmt.Errorf("unsupported package-ecosystem: %q", val)
	}

	return eco, nil
}

// PackageManagerID returns the package-manager identifier that updater
// containers report for the ecosystem.
func (e Ecosystem) PackageManagerID() string {
	return ecosystems[e].packageManager
}

// ImagePlaceholder is the substring of an updater image template that is
// replaced with the ecosystem identifier.
const ImagePlaceholder = "{ecosystem}"

// UpdaterImage expands an image template for the ecosystem.
func (e Ecosystem) UpdaterImage(template string) string {
	return strings.ReplaceAll(template, ImagePlaceholder, ecosystems[e].imageEcosystem)
}

func (e Ecosystem) String() string {
	return string(e)
}

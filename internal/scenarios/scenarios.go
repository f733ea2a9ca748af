// Package scenarios embeds the built-in grocery load test configurations.
package scenarios

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
)

// Default is the scenario run when none is named.
const Default = "baseline"

//go:embed *.yaml
var files embed.FS

// Info describes an embedded scenario.
type Info struct {
	Name        string
	Title       string
	Description string
}

// Names returns the embedded scenario names in order.
func Names() []string {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Raw returns the YAML source of a scenario.
func Raw(name string) ([]byte, error) {
	data, err := files.ReadFile(name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return data, nil
}

// Load parses a scenario into a fresh configuration.
func Load(name string) (*config.TestConfig, error) {
	data, err := Raw(name)
	if err != nil {
		return nil, err
	}

	cfg, err := config.ParseConfig(data, name+".yaml")
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	return cfg, nil
}

// List describes every embedded scenario.
func List() ([]Info, error) {
	names := Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		cfg, err := Load(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Info{
			Name:        name,
			Title:       cfg.Name,
			Description: strings.TrimSpace(cfg.Description),
		})
	}
	return out, nil
}

package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/sparqlcache/internal/expr"
)

const inlineSourceName = "inline-config"

// EndpointBundle is the merged endpoint registry after every configured
// source has been read.
type EndpointBundle struct {
	Endpoints map[string]EndpointConfig
	Sources   []string
	Skipped   []DefinitionSkip
}

type endpointDocument struct {
	Endpoints map[string]EndpointConfig `koanf:"endpoints"`
}

type endpointAggregator struct {
	endpoints map[string]EndpointConfig
	origins   map[string]string
	skips     map[string]*DefinitionSkip
	sources   map[string]struct{}
}

func newEndpointAggregator() *endpointAggregator {
	return &endpointAggregator{
		endpoints: make(map[string]EndpointConfig),
		origins:   make(map[string]string),
		skips:     make(map[string]*DefinitionSkip),
		sources:   make(map[string]struct{}),
	}
}

func (a *endpointAggregator) addDocument(doc endpointDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Endpoints {
		a.add(name, cfg, source)
	}
}

// add registers a definition. A name seen twice is quarantined in both
// places rather than letting load order pick a winner.
func (a *endpointAggregator) add(name string, cfg EndpointConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.skip(name, "duplicate definition", prev, source)
		return
	}
	a.origins[name] = source
	a.endpoints[name] = cfg
}

func (a *endpointAggregator) skip(name, reason string, sources ...string) {
	delete(a.origins, name)
	delete(a.endpoints, name)
	skip, ok := a.skips[name]
	if !ok {
		skip = &DefinitionSkip{Kind: "endpoint", Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = skip
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

// validate quarantines endpoints with bad URLs, durations or predicates.
func (a *endpointAggregator) validate(env *expr.Environment) {
	for name, cfg := range a.endpoints {
		err := cfg.Validate()
		if err == nil && strings.TrimSpace(cfg.StoreWhen) != "" {
			if _, compileErr := env.Compile(cfg.StoreWhen); compileErr != nil {
				err = fmt.Errorf("storeWhen: %w", compileErr)
			}
		}
		if err != nil {
			a.skip(name, fmt.Sprintf("invalid endpoint: %v", err), a.origins[name])
		}
	}
}

func (a *endpointAggregator) bundle() EndpointBundle {
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return EndpointBundle{Endpoints: maps.Clone(a.endpoints), Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildEndpointBundle(ctx context.Context, inline map[string]EndpointConfig, source EndpointsSourceConfig) (EndpointBundle, error) {
	agg := newEndpointAggregator()
	if len(inline) > 0 {
		agg.addDocument(endpointDocument{Endpoints: inline}, inlineSourceName)
	}

	files, err := collectEndpointSources(ctx, source)
	if err != nil {
		return EndpointBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return EndpointBundle{}, ctx.Err()
		default:
		}
		doc, err := loadEndpointDocument(path)
		if err != nil {
			return EndpointBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewResponseEnvironment()
	if err != nil {
		return EndpointBundle{}, err
	}
	agg.validate(env)
	return agg.bundle(), nil
}

// LoadEndpoints reads a standalone endpoints document. Invalid definitions
// are reported in Skipped rather than failing the whole file.
func LoadEndpoints(ctx context.Context, path string) (EndpointBundle, error) {
	if err := ensureFileExists(path); err != nil {
		return EndpointBundle{}, err
	}
	return buildEndpointBundle(ctx, nil, EndpointsSourceConfig{EndpointsFile: path})
}

func collectEndpointSources(ctx context.Context, source EndpointsSourceConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if source.EndpointsFile != "" {
		if err := ensureFileExists(source.EndpointsFile); err != nil {
			return nil, err
		}
		return []string{source.EndpointsFile}, nil
	}
	if source.EndpointsFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(source.EndpointsFolder)
	if err != nil {
		return nil, fmt.Errorf("config: endpoints folder %s: %w", source.EndpointsFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: endpoints folder %s is not a directory", source.EndpointsFolder)
	}
	var files []string
	err = filepath.WalkDir(source.EndpointsFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedConfigFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk endpoints folder %s: %w", source.EndpointsFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: endpoints file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: endpoints file %s: expected a file, found directory", path)
	}
	return nil
}

func loadEndpointDocument(path string) (endpointDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return endpointDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return endpointDocument{}, fmt.Errorf("config: load endpoints from %s: %w", path, err)
	}
	var doc endpointDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return endpointDocument{}, fmt.Errorf("config: decode endpoints from %s: %w", path, err)
	}
	if doc.Endpoints == nil {
		doc.Endpoints = make(map[string]EndpointConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
}

func isSupportedConfigFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneEndpointMap(in map[string]EndpointConfig) map[string]EndpointConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

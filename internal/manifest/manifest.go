// Package manifest parses Ispc.toml project manifests into kernel build
// configurations. Section keys that compile as boolean expressions form
// conditional subsections merged into their parent when the expression
// evaluates true against the host environment.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"

	ispc "github.com/MarijnS95/ispc-go"
)

// ManifestName is the file a project directory is recognized by.
const ManifestName = "Ispc.toml"

// defaultProfiles returns fresh built-in profiles on every call. Decoding
// writes through pointer fields, so handing out a shared instance would
// let one manifest's profile overrides leak into every later parse.
func defaultProfiles() map[string]ProfileSection {
	return map[string]ProfileSection{
		"release": {OptLevel: intRef(3)},
		"debug":   {OptLevel: intRef(0), Debug: boolRef(true)},
	}
}

func intRef(v int) *int    { return &v }
func boolRef(v bool) *bool { return &v }

type Manifest struct {
	Module   ModuleSection             `toml:"module"`
	Build    BuildSection              `toml:"build"`
	Profile  map[string]ProfileSection `toml:"profile"`
	Prebuilt PrebuiltSection           `toml:"prebuilt"`
}

// Profiles returns the known profile names, sorted.
func (m *Manifest) Profiles() []string {
	profiles := make([]string, 0, len(m.Profile))
	for k := range m.Profile {
		profiles = append(profiles, k)
	}
	slices.Sort(profiles)
	return profiles
}

// ModuleSection defines the [module] section
type ModuleSection struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Description string   `toml:"description"`
	Authors     []string `toml:"authors"`
}

// BuildSection defines the [build(.*)] section. Pointer fields distinguish
// an explicit zero from an absent key, so conditional subsections can turn
// a knob off as well as on.
type BuildSection struct {
	Sources          []string          `toml:"sources"`
	Targets          []string          `toml:"targets"`
	Defines          map[string]string `toml:"defines"`
	IncludePaths     []string          `toml:"include-paths"`
	OptLevel         *int              `toml:"opt-level"`
	Debug            *bool             `toml:"debug"`
	MathLib          string            `toml:"math-lib"`
	Addressing       *int              `toml:"addressing"`
	PIC              *bool             `toml:"pic"`
	TargetOS         string            `toml:"target-os"`
	Arch             string            `toml:"arch"`
	Werror           *bool             `toml:"werror"`
	WnoPerf          *bool             `toml:"wno-perf"`
	ForceAlignment   *int              `toml:"force-alignment"`
	Instrument       *bool             `toml:"instrument"`
	Assertions       *bool             `toml:"assertions"`
	PerTargetObjects *bool             `toml:"per-target-objects"`
	Flags            []string          `toml:"flags"`
	LinkFlags        []string          `toml:"link-flags"`
	OutDir           string            `toml:"out-dir"`
}

// ProfileSection defines the [profile.*] section
type ProfileSection struct {
	OptLevel *int     `toml:"opt-level"`
	Debug    *bool    `toml:"debug"`
	Flags    []string `toml:"flags"`
}

// PrebuiltSection defines the [prebuilt(.*)] section
type PrebuiltSection struct {
	Force bool   `toml:"force"`
	Path  string `toml:"path"`
}

// mergeStructs merges the fields of the src struct into the dst struct
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// unmarshalSection is a helper to parse sections without conditional logic
func unmarshalSection(rawCfg map[string]any, name string, dst any) error {
	if data, ok := rawCfg[name]; ok {
		if err := toml.Unmarshal([]byte(mustMarshal(data)), dst); err != nil {
			return fmt.Errorf("failed to parse [%s] section: %w", name, err)
		}
	}
	return nil
}

// unmarshalConditionalSection is a helper to parse, evaluate and merge multiple sections with conditional logic
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			_, err := expr.Compile(key, expr.Env(env))
			if err == nil {
				conditionalFields[key] = subMap
			} else {
				baseFields[key] = val
			}
		} else {
			baseFields[key] = val
		}
	}

	if len(baseFields) > 0 {
		if err := toml.Unmarshal([]byte(mustMarshal(baseFields)), dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	// Evaluate conditionals in sorted key order so overlapping sections
	// merge the same way on every parse.
	for _, expression := range slices.Sorted(maps.Keys(conditionalFields)) {
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := toml.Unmarshal([]byte(mustMarshal(conditionalFields[expression])), &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeStructs(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, matchIndexes := range matches {
		fullMatchStart := matchIndexes[0]
		fullMatchEnd := matchIndexes[1]
		expressionStart := matchIndexes[2]
		expressionEnd := matchIndexes[3]

		builder.WriteString(s[lastIndex:fullMatchStart])

		expression := strings.TrimSpace(s[expressionStart:expressionEnd])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		builder.WriteString(fmt.Sprintf("%v", result))
		lastIndex = fullMatchEnd
	}

	builder.WriteString(s[lastIndex:])

	return builder.String(), nil
}

// processExpressions recursively walks the parsed TOML data and evaluates expressions in strings
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}

func ParseManifest(rdr io.Reader, env ConfigEnv) (*Manifest, error) {
	var rawManifest map[string]any
	dec := toml.NewDecoder(rdr)
	if err := dec.Decode(&rawManifest); err != nil {
		if derr, ok := err.(*toml.DecodeError); ok {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}

	processed, err := processExpressions(rawManifest, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in manifest: %w", err)
	}
	rawManifest = processed.(map[string]any)

	m := new(Manifest)
	m.Profile = defaultProfiles()

	if err := unmarshalSection(rawManifest, "module", &m.Module); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawManifest, "build", &m.Build, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawManifest, "profile", &m.Profile, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawManifest, "prebuilt", &m.Prebuilt, env); err != nil {
		return nil, err
	}

	if m.Module.Name == "" {
		return nil, errors.New("manifest is missing module.name")
	}

	return m, nil
}

// ParseManifestFromFile parses a manifest from a filepath
func ParseManifestFromFile(path string, env ConfigEnv) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseManifest(bufio.NewReader(f), env)
}

// Configure turns the manifest into a kernel build config rooted at dir,
// with the named profile's overrides applied on top of the [build] section.
// The returned config is not finalized, so the caller can still layer
// command-line overrides on it.
func (m *Manifest) Configure(dir, profile string) (*ispc.Config, error) {
	prof, ok := m.Profile[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(m.Profiles(), ", "))
	}

	cfg := ispc.NewConfig()
	if err := cfg.SetBaseDir(dir); err != nil {
		return nil, err
	}

	targets := m.Build.Targets
	if len(targets) == 0 {
		targets = []string{string(ispc.Host)}
	}
	isas := make([]ispc.TargetISA, 0, len(targets))
	for _, name := range targets {
		isa, err := ispc.ParseISA(name)
		if err != nil {
			return nil, err
		}
		isas = append(isas, isa)
	}
	if err := cfg.SetTargets(isas...); err != nil {
		return nil, err
	}

	// A force-prebuilt project never compiles, so it only needs sources when
	// the manifest names some explicitly.
	patterns := m.Build.Sources
	if len(patterns) == 0 && !m.Prebuilt.Force {
		patterns = []string{"src/**/*.ispc"}
	}
	if len(patterns) > 0 {
		sources, err := collectSources(dir, patterns)
		if err != nil {
			return nil, err
		}
		for _, src := range sources {
			if err := cfg.AddFile(src); err != nil {
				return nil, err
			}
		}
	}

	// TOML tables carry no order, so defines are applied sorted by key to
	// keep the compiler argv identical across runs.
	for _, key := range slices.Sorted(maps.Keys(m.Build.Defines)) {
		cfg.Define(key, m.Build.Defines[key])
	}

	for _, inc := range m.Build.IncludePaths {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		cfg.AddIncludePath(inc)
	}

	if m.Build.OptLevel != nil {
		if err := cfg.SetOptLevel(ispc.OptLevel(*m.Build.OptLevel)); err != nil {
			return nil, err
		}
	}
	if m.Build.Debug != nil {
		cfg.SetDebug(*m.Build.Debug)
	}
	if m.Build.MathLib != "" {
		if err := cfg.SetMathLib(ispc.MathLib(strings.ToLower(m.Build.MathLib))); err != nil {
			return nil, err
		}
	}
	if m.Build.Addressing != nil {
		if err := cfg.SetAddressing(ispc.Addressing(*m.Build.Addressing)); err != nil {
			return nil, err
		}
	}
	if m.Build.PIC != nil {
		cfg.SetPIC(*m.Build.PIC)
	}
	if m.Build.TargetOS != "" {
		if err := cfg.SetTargetOS(ispc.TargetOS(strings.ToLower(m.Build.TargetOS))); err != nil {
			return nil, err
		}
	}
	if m.Build.Arch != "" {
		if err := cfg.SetArch(ispc.Arch(strings.ToLower(m.Build.Arch))); err != nil {
			return nil, err
		}
	}
	if m.Build.Werror != nil {
		cfg.SetWerror(*m.Build.Werror)
	}
	if m.Build.WnoPerf != nil {
		cfg.SetWnoPerf(*m.Build.WnoPerf)
	}
	if m.Build.ForceAlignment != nil {
		if err := cfg.SetForceAlignment(*m.Build.ForceAlignment); err != nil {
			return nil, err
		}
	}
	if m.Build.Instrument != nil {
		cfg.SetInstrument(*m.Build.Instrument)
	}
	if m.Build.Assertions != nil {
		cfg.SetAssertions(*m.Build.Assertions)
	}
	if m.Build.PerTargetObjects != nil {
		cfg.PerTargetObjects(*m.Build.PerTargetObjects)
	}
	cfg.AppendFlags(m.Build.Flags...)

	if prof.OptLevel != nil {
		if err := cfg.SetOptLevel(ispc.OptLevel(*prof.OptLevel)); err != nil {
			return nil, err
		}
	}
	if prof.Debug != nil {
		cfg.SetDebug(*prof.Debug)
	}
	cfg.AppendFlags(prof.Flags...)

	if m.Build.OutDir != "" {
		outDir := m.Build.OutDir
		if !filepath.IsAbs(outDir) {
			outDir = filepath.Join(dir, outDir)
		}
		if err := cfg.SetOutDir(outDir); err != nil {
			return nil, err
		}
	}
	cfg.AppendLinkFlags(m.Build.LinkFlags...)

	if m.Module.Version != "" {
		cfg.SetVersion(m.Module.Version)
	}
	if m.Prebuilt.Force {
		cfg.ForcePrebuilt(true)
	}
	if m.Prebuilt.Path != "" {
		cfg.SetPrebuiltPath(m.Prebuilt.Path)
	}

	return cfg, nil
}

// collectSources expands the manifest's source patterns into files. Absolute
// paths pass through unexpanded; everything else globs relative to dir.
func collectSources(dir string, patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	fsys := os.DirFS(dir)

	for _, pat := range patterns {
		if filepath.IsAbs(pat) {
			pat = filepath.Clean(pat)
			if _, dup := seen[pat]; !dup {
				seen[pat] = struct{}{}
				files = append(files, pat)
			}
			continue
		}
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pat), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad source pattern %q: %w", pat, err)
		}
		for _, match := range matches {
			abs, err := filepath.Abs(filepath.Join(dir, match))
			if err != nil {
				return nil, fmt.Errorf("while globbing %s: %w", match, err)
			}
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			files = append(files, abs)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no kernel sources matched %s", strings.Join(patterns, ", "))
	}
	return files, nil
}

//
// expr-lang helpers
//

// ConfigEnv is the expression environment conditional sections and {{...}}
// strings evaluate against.
type ConfigEnv struct {
	TargetOS   string            `expr:"target_os"`
	TargetArch string            `expr:"target_arch"`
	Environ    map[string]string `expr:"environ"`
	basedir    string
}

func NewConfigEnv(basedir string) ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	return ConfigEnv{
		TargetOS:   runtime.GOOS,
		TargetArch: runtime.GOARCH,
		Environ:    environ,
		basedir:    basedir,
	}
}

// ReadFile reads a file relative to the manifest's directory, for use in
// {{...}} expressions. Paths escaping the directory are rejected.
func (env ConfigEnv) ReadFile(path string) (string, error) {
	fullPath := filepath.Join(env.basedir, path)
	rel, err := filepath.Rel(env.basedir, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside of the module directory %q", path, env.basedir)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

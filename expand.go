package ispc

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"slices"
	"strings"
)

// TargetUnit is one kernel compiler invocation: one source file compiled
// for a fixed ISA subset into one object and one generated header. Units
// are created by expansion and never mutated.
type TargetUnit struct {
	Source string
	ISAs   []TargetISA
	Object string
	Header string

	id string
}

// ID returns the stable unit identity the fingerprint cache is keyed by:
// the slash-separated relative source path and the sorted ISA subset.
func (u TargetUnit) ID() string {
	return u.id
}

// ExpandUnits deterministically expands a config into compile units. By
// default each source file becomes a single unit carrying every requested
// ISA; with per-target objects each (source, ISA) pair becomes its own
// unit. Identical configs always expand to identical units and paths.
func ExpandUnits(cfg *BuildConfig) []TargetUnit {
	return expandUnits(cfg, 0)
}

// expandUnits also honors the compiler's ISA batch limit: batched groups
// larger than the limit are split into consecutive chunks.
func expandUnits(cfg *BuildConfig, batchLimit int) []TargetUnit {
	isas := slices.Clone(cfg.targets)
	slices.Sort(isas)

	var groups [][]TargetISA
	switch {
	case cfg.perTarget:
		for _, isa := range isas {
			groups = append(groups, []TargetISA{isa})
		}
	case batchLimit > 0 && len(isas) > batchLimit:
		for start := 0; start < len(isas); start += batchLimit {
			groups = append(groups, isas[start:min(start+batchLimit, len(isas))])
		}
	default:
		groups = [][]TargetISA{isas}
	}

	objExt := ".o"
	if cfg.targetsWindows() {
		objExt = ".obj"
	}

	units := make([]TargetUnit, 0, len(cfg.sources)*len(groups))
	for _, src := range cfg.sources {
		rel := relSourcePath(cfg.basedir, src)
		for _, group := range groups {
			tag := rel + "." + isaTag(group)
			units = append(units, TargetUnit{
				Source: src,
				ISAs:   group,
				Object: filepath.Join(cfg.outDir, "objs", filepath.FromSlash(tag)+objExt),
				Header: filepath.Join(cfg.outDir, "headers", filepath.FromSlash(tag)+".h"),
				id:     rel + "@" + joinISAs(group, ","),
			})
		}
	}
	return units
}

// relSourcePath maps a source file to the slash-separated relative path
// used for unit identities and output naming. Sources outside the base
// directory get a short path hash prefix so they cannot collide.
func relSourcePath(basedir, src string) string {
	rel, err := filepath.Rel(basedir, src)
	if err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(filepath.Dir(src))))
	return hex.EncodeToString(sum[:])[:8] + "_" + filepath.Base(src)
}

// isaTag returns the filename-safe tag for an ISA subset.
func isaTag(isas []TargetISA) string {
	return joinISAs(isas, "_")
}

package ispc

import (
	"slices"
	"strings"
)

// TargetISA identifies one instruction-set variant the kernel compiler can
// emit code for, in the compiler's own target naming scheme.
type TargetISA string

const (
	SSE2i32x4       TargetISA = "sse2-i32x4"
	SSE2i32x8       TargetISA = "sse2-i32x8"
	SSE4i32x4       TargetISA = "sse4-i32x4"
	SSE4i32x8       TargetISA = "sse4-i32x8"
	SSE4i8x16       TargetISA = "sse4-i8x16"
	SSE4i16x8       TargetISA = "sse4-i16x8"
	AVX1i32x8       TargetISA = "avx1-i32x8"
	AVX1i32x16      TargetISA = "avx1-i32x16"
	AVX1i64x4       TargetISA = "avx1-i64x4"
	AVX2i32x8       TargetISA = "avx2-i32x8"
	AVX2i32x16      TargetISA = "avx2-i32x16"
	AVX2i64x4       TargetISA = "avx2-i64x4"
	AVX512KNLi32x16 TargetISA = "avx512knl-i32x16"
	AVX512SKXi32x8  TargetISA = "avx512skx-i32x8"
	AVX512SKXi32x16 TargetISA = "avx512skx-i32x16"
	Neoni8x16       TargetISA = "neon-i8x16"
	Neoni16x8       TargetISA = "neon-i16x8"
	Neoni32x4       TargetISA = "neon-i32x4"
	Neoni32x8       TargetISA = "neon-i32x8"

	// Host lets the compiler pick the best ISA for the build machine. It
	// cannot be combined with other targets.
	Host TargetISA = "host"
)

var knownISAs = map[TargetISA]bool{
	SSE2i32x4:       true,
	SSE2i32x8:       true,
	SSE4i32x4:       true,
	SSE4i32x8:       true,
	SSE4i8x16:       true,
	SSE4i16x8:       true,
	AVX1i32x8:       true,
	AVX1i32x16:      true,
	AVX1i64x4:       true,
	AVX2i32x8:       true,
	AVX2i32x16:      true,
	AVX2i64x4:       true,
	AVX512KNLi32x16: true,
	AVX512SKXi32x8:  true,
	AVX512SKXi32x16: true,
	Neoni8x16:       true,
	Neoni16x8:       true,
	Neoni32x4:       true,
	Neoni32x8:       true,
	Host:            true,
}

// KnownISAs returns every accepted target ISA name, sorted.
func KnownISAs() []TargetISA {
	isas := make([]TargetISA, 0, len(knownISAs))
	for isa := range knownISAs {
		isas = append(isas, isa)
	}
	slices.Sort(isas)
	return isas
}

// ParseISA validates a target ISA name against the compiler's target set.
func ParseISA(s string) (TargetISA, error) {
	isa := TargetISA(strings.ToLower(strings.TrimSpace(s)))
	if !knownISAs[isa] {
		return "", &UnsupportedTargetError{ISA: s}
	}
	return isa, nil
}

func joinISAs(isas []TargetISA, sep string) string {
	names := make([]string, len(isas))
	for i, isa := range isas {
		names[i] = string(isa)
	}
	return strings.Join(names, sep)
}

// OptLevel is the compiler optimization level, -O0 through -O3.
type OptLevel int

const (
	O0 OptLevel = iota
	O1
	O2
	O3
)

// MathLib selects the math library kernels are compiled against.
type MathLib string

const (
	MathDefault MathLib = "default"
	MathFast    MathLib = "fast"
	MathSVML    MathLib = "svml"
	MathSystem  MathLib = "system"
)

var knownMathLibs = map[MathLib]bool{
	MathDefault: true,
	MathFast:    true,
	MathSVML:    true,
	MathSystem:  true,
}

// Addressing selects 32- or 64-bit addressing inside kernels. 32-bit is the
// compiler default and the faster choice when buffers stay under 4GB.
type Addressing int

const (
	Addressing32 Addressing = 32
	Addressing64 Addressing = 64
)

// TargetOS overrides the operating system kernels are compiled for. An
// empty value leaves the choice to the compiler.
type TargetOS string

const (
	OSWindows TargetOS = "windows"
	OSLinux   TargetOS = "linux"
	OSMacOS   TargetOS = "macos"
	OSAndroid TargetOS = "android"
	OSIOS     TargetOS = "ios"
	OSPS4     TargetOS = "ps4"
	OSFreeBSD TargetOS = "freebsd"
)

var knownTargetOSes = map[TargetOS]bool{
	OSWindows: true,
	OSLinux:   true,
	OSMacOS:   true,
	OSAndroid: true,
	OSIOS:     true,
	OSPS4:     true,
	OSFreeBSD: true,
}

// Arch overrides the CPU architecture kernels are compiled for. An empty
// value leaves the choice to the compiler.
type Arch string

const (
	ArchX86     Arch = "x86"
	ArchX86_64  Arch = "x86-64"
	ArchARM     Arch = "arm"
	ArchAarch64 Arch = "aarch64"
)

var knownArches = map[Arch]bool{
	ArchX86:     true,
	ArchX86_64:  true,
	ArchARM:     true,
	ArchAarch64: true,
}

package ispc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHeader = `//
// blur_ispc.h
// (Header automatically generated by the ispc compiler.)
// DO NOT EDIT THIS FILE.
//

#pragma once
#include <stdint.h>

#if !defined(__cplusplus)
#include <stdbool.h>
#endif

#ifdef __cplusplus
extern "C" {
#endif

struct FilterParams {
    float radius;
    int32_t passes;
};

enum BlurMode { BLUR_BOX, BLUR_GAUSS };

typedef int32_t lane_t;

/* per-pixel kernel */
void blur(struct FilterParams * params, float * img,
          int32_t width, int32_t height);

extern int32_t blur_lane_width;

#ifdef __cplusplus
} /* end extern "C" */
#endif
`

func TestParseHeaderText_SplitsGeneratedHeaderIntoDeclarations(t *testing.T) {
	decls := parseHeaderText(sampleHeader, "blur_ispc.h")
	require.Len(t, decls, 5)

	assert.Equal(t, "FilterParams", decls[0].name)
	assert.False(t, decls[0].fn)
	assert.Equal(t, "struct FilterParams { float radius; int32_t passes; };", decls[0].norm)

	assert.Equal(t, "BlurMode", decls[1].name)
	assert.Equal(t, "lane_t", decls[2].name)

	assert.Equal(t, "blur", decls[3].name)
	assert.True(t, decls[3].fn)
	assert.Equal(t, "void blur(struct FilterParams * params, float * img, int32_t width, int32_t height);", decls[3].norm)

	assert.Equal(t, "blur_lane_width", decls[4].name)
	assert.False(t, decls[4].fn)

	for _, d := range decls {
		assert.Equal(t, "blur_ispc.h", d.origin)
	}

	assert.Equal(t, []string{"blur"}, exportedSymbols(decls))
}

func TestParseHeaderFile_MissingFile(t *testing.T) {
	_, err := parseHeaderFile(filepath.Join(t.TempDir(), "missing.h"))
	var ioerr *IOError
	require.ErrorAs(t, err, &ioerr)
	assert.Equal(t, "read generated header", ioerr.Op)
}

func TestStripComments(t *testing.T) {
	assert.Equal(t, "int a;\n", stripComments("int a; // trailing\n"))
	assert.Equal(t, "int  b;", stripComments("int /* inline */ b;"))
	assert.Equal(t, "keep ", stripComments("keep /* unterminated"))
	assert.Equal(t, "a\nb\n", stripComments("a\n// whole line\nb\n"))
}

func TestDeclName(t *testing.T) {
	cases := map[string]string{
		"void blur(float * img);":                 "blur",
		"int32_t reduce(int32_t * v, int32_t n);": "reduce",
		"struct vec3 { float x, y, z; };":         "vec3",
		"enum Mode { A, B };":                     "Mode",
		"union pun { float f; int32_t i; };":      "pun",
		"typedef int32_t lane_t;":                 "lane_t",
		"extern int32_t width;":                   "width",
		"extern float table[256];":                "table",
	}
	for norm, want := range cases {
		assert.Equal(t, want, declName(norm), "norm %q", norm)
	}
}

func TestMergeDecls_DeduplicatesAcrossUnits(t *testing.T) {
	a := parseHeaderText("struct vec3 { float x, y, z; };\nvoid alpha(struct vec3 * v);\n", "a.h")
	b := parseHeaderText("struct vec3 {\n    float x, y, z;\n};\nvoid beta(struct vec3 * v);\n", "b.h")

	merged, err := mergeDecls([][]declaration{a, b})
	require.NoError(t, err)
	require.Len(t, merged, 3, "layout differences must not duplicate the struct")
	assert.Equal(t, "vec3", merged[0].name)
	assert.Equal(t, "a.h", merged[0].origin, "first-seen declaration wins")
	assert.Equal(t, "alpha", merged[1].name)
	assert.Equal(t, "beta", merged[2].name)
}

func TestMergeDecls_ConflictReportsBothOrigins(t *testing.T) {
	a := parseHeaderText("void kernel_main(float * data, int32_t n);\n", "a.h")
	b := parseHeaderText("void kernel_main(double * data, int64_t n);\n", "b.h")

	_, err := mergeDecls([][]declaration{a, b})
	var herr *HeaderConflictError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "kernel_main", herr.Symbol)
	assert.Equal(t, "a.h", herr.FirstOrigin)
	assert.Equal(t, "b.h", herr.SecondOrigin)
	assert.Equal(t, "void kernel_main(float * data, int32_t n);", herr.First)
	assert.Equal(t, "void kernel_main(double * data, int64_t n);", herr.Second)
	assert.NotEmpty(t, herr.Diff)
	assert.Contains(t, herr.Error(), "conflicting declarations")
}

func TestWriteMergedHeader_StableLayout(t *testing.T) {
	decls := parseHeaderText("void blur(float * img, int32_t n);\n", "blur.h")
	path := filepath.Join(t.TempDir(), "kern_ispc.h")
	require.NoError(t, writeMergedHeader(path, "kern", decls))

	want := `/* Interface of the kern kernel library. Generated, do not edit. */
#pragma once

#include <stdint.h>
#include <stdbool.h>

#ifdef __cplusplus
extern "C" {
#endif

void blur(float * img, int32_t n);

#ifdef __cplusplus
} // extern "C"
#endif
`
	assert.Equal(t, want, readFileStr(t, path))

	// Writing the same declarations again reproduces identical bytes.
	require.NoError(t, writeMergedHeader(path, "kern", decls))
	assert.Equal(t, want, readFileStr(t, path))
}

func TestWriteMergedHeader_RoundTripsThroughParser(t *testing.T) {
	decls := parseHeaderText(sampleHeader, "blur_ispc.h")
	path := filepath.Join(t.TempDir(), "kern_ispc.h")
	require.NoError(t, writeMergedHeader(path, "kern", decls))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	reparsed := parseHeaderText(string(data), path)
	require.Len(t, reparsed, len(decls))
	for i := range decls {
		assert.Equal(t, decls[i].norm, reparsed[i].norm)
	}
}

func TestMergedHeaderName(t *testing.T) {
	assert.Equal(t, "kern_ispc.h", mergedHeaderName("kern"))
}

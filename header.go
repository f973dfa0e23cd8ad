package ispc

import (
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// declaration is one C-level statement parsed out of a generated header.
type declaration struct {
	name   string
	text   string // trimmed original text, semicolon included
	norm   string // whitespace-normalized text used for comparison
	origin string // header file it was first seen in
	fn     bool   // function prototype, an exported kernel symbol
}

// parseHeaderText splits generated header content into declarations.
// Comments, preprocessor lines and the extern "C" wrapper are dropped;
// what remains are struct/typedef/enum definitions and prototypes, each
// terminated by a semicolon at brace depth zero.
func parseHeaderText(content, origin string) []declaration {
	var decls []declaration
	var stmt strings.Builder
	depth := 0

	flush := func() {
		text := strings.TrimSpace(stmt.String())
		stmt.Reset()
		if text == "" || text == "}" {
			return
		}
		norm := normalizeDecl(text)
		if norm == `extern "C" {` || norm == "{" {
			return
		}
		decls = append(decls, declaration{
			name:   declName(norm),
			text:   text,
			norm:   norm,
			origin: origin,
			fn:     isPrototype(norm),
		})
	}

	for _, line := range strings.Split(stripComments(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if depth == 0 && (trimmed == `extern "C" {` || trimmed == "}" || trimmed == `} // extern "C"`) {
			continue
		}
		stmt.WriteString(line)
		stmt.WriteByte('\n')
		for _, c := range trimmed {
			switch c {
			case '{':
				depth++
			case '}':
				depth--
			}
		}
		if depth == 0 && strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()

	return decls
}

// parseHeaderFile parses one generated header from disk.
func parseHeaderFile(path string) ([]declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read generated header", Path: path, Err: err}
	}
	return parseHeaderText(string(data), path), nil
}

// stripComments removes // and /* */ comments.
func stripComments(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "//") {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			continue
		}
		if strings.HasPrefix(s[i:], "/*") {
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				break
			}
			i += end + 4
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// normalizeDecl collapses runs of whitespace so layout differences do not
// count as conflicts.
func normalizeDecl(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// declName extracts the declared identifier from a normalized statement.
func declName(norm string) string {
	if idx := strings.IndexByte(norm, '('); idx >= 0 {
		return lastIdent(norm[:idx])
	}
	for _, kw := range []string{"struct ", "enum ", "union "} {
		if rest, ok := strings.CutPrefix(norm, kw); ok {
			if brace := strings.IndexByte(rest, '{'); brace >= 0 {
				return strings.TrimSpace(rest[:brace])
			}
		}
	}
	return lastIdent(strings.TrimSuffix(norm, ";"))
}

// isPrototype reports whether a normalized statement declares a function.
func isPrototype(norm string) bool {
	paren := strings.IndexByte(norm, '(')
	brace := strings.IndexByte(norm, '{')
	return paren >= 0 && (brace < 0 || paren < brace)
}

// lastIdent returns the last identifier in s, skipping trailing array
// brackets and pointer stars.
func lastIdent(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '['); idx >= 0 {
		s = s[:idx]
	}
	end := len(s)
	for end > 0 && !identRune(s[end-1]) {
		end--
	}
	start := end
	for start > 0 && identRune(s[start-1]) {
		start--
	}
	return s[start:end]
}

func identRune(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// mergeDecls consolidates per-unit declaration lists into one ordered
// list. Declarations whose normalized text matches are deduplicated;
// reusing a name with different text is a conflict and aborts the pass
// before anything is linked. ISA-suffixed variants have distinct names
// and pass through untouched.
func mergeDecls(lists [][]declaration) ([]declaration, error) {
	var merged []declaration
	byName := make(map[string]declaration)

	for _, list := range lists {
		for _, d := range list {
			prev, ok := byName[d.name]
			if !ok {
				byName[d.name] = d
				merged = append(merged, d)
				continue
			}
			if prev.norm == d.norm {
				continue
			}
			dmp := diffmatchpatch.New()
			patches := dmp.PatchMake(prev.norm, d.norm)
			return nil, &HeaderConflictError{
				Symbol:       d.name,
				FirstOrigin:  prev.origin,
				First:        prev.norm,
				SecondOrigin: d.origin,
				Second:       d.norm,
				Diff:         dmp.PatchToText(patches),
			}
		}
	}
	return merged, nil
}

// writeMergedHeader emits the consolidated header for the whole library.
// Declarations keep their first-seen order, so the output is identical
// from run to run.
func writeMergedHeader(path, name string, decls []declaration) error {
	var sb strings.Builder
	writeln(&sb, "/* Interface of the ", name, " kernel library. Generated, do not edit. */")
	writeln(&sb, "#pragma once")
	writeln(&sb)
	writeln(&sb, "#include <stdint.h>")
	writeln(&sb, "#include <stdbool.h>")
	writeln(&sb)
	writeln(&sb, "#ifdef __cplusplus")
	writeln(&sb, `extern "C" {`)
	writeln(&sb, "#endif")
	writeln(&sb)
	for _, d := range decls {
		writeln(&sb, d.text)
		writeln(&sb)
	}
	writeln(&sb, "#ifdef __cplusplus")
	writeln(&sb, `} // extern "C"`)
	writeln(&sb, "#endif")

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return &IOError{Op: "write merged header", Path: path, Err: err}
	}
	return nil
}

func writeln(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
	sb.WriteByte('\n')
}

// exportedSymbols lists the kernel entry points a declaration list
// exposes.
func exportedSymbols(decls []declaration) []string {
	var symbols []string
	for _, d := range decls {
		if d.fn && d.name != "" {
			symbols = append(symbols, d.name)
		}
	}
	return symbols
}

// mergedHeaderName names the consolidated header for a library.
func mergedHeaderName(name string) string {
	return fmt.Sprintf("%s_ispc.h", name)
}

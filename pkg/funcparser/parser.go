// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package funcparser extracts LLM tool descriptors from Python-style action
// sources without executing them. It scans function definitions, maps type
// annotations to JSON schema fragments, pulls descriptions out of
// docstrings, and follows re-export chains across files in the kit.
package funcparser

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/types"
)

const maxImportDepth = 10

var (
	defRe    = regexp.MustCompile(`^(\s*)(async\s+)?def\s+(\w+)\s*\(`)
	importRe = regexp.MustCompile(`^\s*from\s+(\S+)\s+import\s+(.+?)\s*$`)
	classRe  = regexp.MustCompile(`^(\s*)class\s+(\w+)\s*(?:\(([^)]*)\))?\s*:`)
)

// Parse locates functionName inside fileRel (relative to actionsDir) and
// returns its tool-facing function spec. Re-exports via `from X import name`
// are followed through the kit; an unresolvable chain fails with
// ErrFunctionNotFound.
func Parse(actionsDir, fileRel, functionName string) (*types.FunctionSpec, error) {
	visited := map[string]bool{}
	return resolve(actionsDir, fileRel, functionName, visited, 0)
}

// Descriptor is Parse wrapped in the OpenAI tool envelope.
func Descriptor(actionsDir, fileRel, functionName string) (*types.ToolDescriptor, error) {
	spec, err := Parse(actionsDir, fileRel, functionName)
	if err != nil {
		return nil, err
	}
	d := types.NewToolDescriptor(*spec)
	return &d, nil
}

func resolve(actionsDir, fileRel, functionName string, visited map[string]bool, depth int) (*types.FunctionSpec, error) {
	if depth > maxImportDepth {
		return nil, errdefs.WithDetail(errdefs.ErrFunctionNotFound,
			"import chain for %q exceeds depth %d", functionName, maxImportDepth)
	}

	path := filepath.Join(actionsDir, filepath.FromSlash(fileRel))
	key := path + "#" + functionName
	if visited[key] {
		return nil, errdefs.WithDetail(errdefs.ErrFunctionNotFound,
			"circular import while resolving %q", functionName)
	}
	visited[key] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrFunctionNotFound,
			"source file %q: %v", fileRel, err)
	}
	lines := strings.Split(string(data), "\n")

	for i, line := range lines {
		m := defRe.FindStringSubmatch(line)
		if m == nil || m[3] != functionName || m[1] != "" {
			continue
		}
		return parseFunctionAt(lines, i)
	}

	// Not defined here. Follow re-exports.
	for _, line := range lines {
		m := importRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		original, ok := importedName(m[2], functionName)
		if !ok {
			continue
		}
		for _, nextRel := range moduleCandidates(fileRel, m[1]) {
			if _, err := os.Stat(filepath.Join(actionsDir, filepath.FromSlash(nextRel))); err != nil {
				continue
			}
			spec, err := resolve(actionsDir, nextRel, original, visited, depth+1)
			if err == nil {
				return spec, nil
			}
		}
	}

	return nil, errdefs.WithDetail(errdefs.ErrFunctionNotFound,
		"function %q not found in %q", functionName, fileRel)
}

// importedName checks an import list ("a, b as c") for name and returns the
// original symbol to chase.
func importedName(list, name string) (string, bool) {
	for _, item := range splitTopLevel(list, ',') {
		item = strings.Trim(item, "() ")
		parts := strings.Fields(item)
		switch {
		case len(parts) == 1 && parts[0] == name:
			return parts[0], true
		case len(parts) == 3 && parts[1] == "as" && parts[2] == name:
			return parts[0], true
		}
	}
	return "", false
}

// moduleCandidates maps an import module path to candidate files relative to
// the actions dir. Relative imports resolve against the importing file.
func moduleCandidates(fromRel, module string) []string {
	dots := 0
	for dots < len(module) && module[dots] == '.' {
		dots++
	}
	rest := strings.ReplaceAll(module[dots:], ".", "/")

	var base string
	if dots > 0 {
		base = filepath.ToSlash(filepath.Dir(fromRel))
		for i := 1; i < dots; i++ {
			base = filepath.ToSlash(filepath.Dir(base))
		}
		if base == "." {
			base = ""
		}
	}

	join := func(p string) string {
		if base == "" {
			return p
		}
		return base + "/" + p
	}
	if rest == "" {
		return []string{join("__init__.py")}
	}
	return []string{join(rest + ".py"), join(rest + "/__init__.py")}
}

// parseFunctionAt builds a FunctionSpec from the def starting at line idx.
func parseFunctionAt(lines []string, idx int) (*types.FunctionSpec, error) {
	m := defRe.FindStringSubmatch(lines[idx])
	if m == nil {
		return nil, fmt.Errorf("line %d is not a function definition", idx+1)
	}
	name := m[3]
	isAsync := strings.TrimSpace(m[2]) == "async"

	sig, bodyStart, err := collectSignature(lines, idx)
	if err != nil {
		return nil, err
	}

	doc := extractDocstring(lines, bodyStart)
	descs := paramDescriptions(doc)

	properties := map[string]*types.Schema{}
	var required []string
	for _, p := range splitTopLevel(sig, ',') {
		pname, annotation, hasDefault, ok := parseParam(p)
		if !ok {
			continue
		}
		s := schemaFor(annotation)
		if d, found := descs[pname]; found {
			s.Description = d
		} else {
			s.Description = "Parameter " + pname
		}
		properties[pname] = s
		if !hasDefault {
			required = append(required, pname)
		}
	}

	description := firstParagraph(doc)
	if description == "" {
		description = fmt.Sprintf("Execute the %s action", name)
	}

	return &types.FunctionSpec{
		Name:        name,
		Description: description,
		IsAsync:     isAsync,
		Parameters:  types.NewObjectSchema(properties, required),
	}, nil
}

// collectSignature joins the parameter list across continuation lines and
// returns it with the index of the first body line.
func collectSignature(lines []string, idx int) (string, int, error) {
	var sb strings.Builder
	depth := 0
	started := false
	for i := idx; i < len(lines); i++ {
		for _, r := range lines[i] {
			switch r {
			case '(', '[', '{':
				depth++
				if !started {
					started = true
					continue
				}
			case ')', ']', '}':
				depth--
				if started && depth == 0 {
					return sb.String(), i + 1, nil
				}
			}
			if started && depth >= 1 {
				sb.WriteRune(r)
			}
		}
		if started && depth >= 1 {
			sb.WriteRune(' ')
		}
	}
	return "", 0, fmt.Errorf("unterminated parameter list at line %d", idx+1)
}

// parseParam splits "name: annotation = default". Receivers, bare markers,
// and star parameters are skipped.
func parseParam(p string) (name, annotation string, hasDefault, ok bool) {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" || strings.HasPrefix(p, "*") {
		return "", "", false, false
	}

	if eq := topLevelIndex(p, '='); eq >= 0 {
		hasDefault = true
		p = strings.TrimSpace(p[:eq])
	}
	if colon := topLevelIndex(p, ':'); colon >= 0 {
		annotation = strings.TrimSpace(p[colon+1:])
		p = strings.TrimSpace(p[:colon])
	}
	name = p
	if name == "" || name == "self" || name == "cls" {
		return "", "", false, false
	}
	return name, annotation, hasDefault, true
}

func topLevelIndex(s string, target rune) int {
	depth := 0
	var quote rune
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[' || r == '(' || r == '{':
			depth++
		case r == ']' || r == ')' || r == '}':
			depth--
		case r == target && depth == 0:
			return i
		}
	}
	return -1
}

// extractDocstring returns the docstring starting at the first body line, or
// "" when the body opens with something else.
func extractDocstring(lines []string, bodyStart int) string {
	i := bodyStart
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return ""
	}
	trimmed := strings.TrimSpace(lines[i])

	for _, q := range []string{`"""`, "'''"} {
		if !strings.HasPrefix(trimmed, q) {
			continue
		}
		rest := trimmed[len(q):]
		if end := strings.Index(rest, q); end >= 0 {
			return rest[:end]
		}
		var doc []string
		doc = append(doc, rest)
		for j := i + 1; j < len(lines); j++ {
			if end := strings.Index(lines[j], q); end >= 0 {
				doc = append(doc, lines[j][:end])
				return strings.Join(doc, "\n")
			}
			doc = append(doc, lines[j])
		}
		return strings.Join(doc, "\n")
	}

	// Single-quoted one-line docstring.
	for _, q := range []string{`"`, `'`} {
		if strings.HasPrefix(trimmed, q) && strings.HasSuffix(trimmed, q) && len(trimmed) >= 2 {
			return trimmed[1 : len(trimmed)-1]
		}
	}
	return ""
}

// FindClassFile searches dir for the file defining className, trying
// __init__.py first, then <lower(className)>.py, then every peer .py file.
func FindClassFile(dir, className string) (string, error) {
	ordered := []string{
		filepath.Join(dir, "__init__.py"),
		filepath.Join(dir, strings.ToLower(className)+".py"),
	}
	seen := map[string]bool{}
	for _, p := range ordered {
		seen[p] = true
		if fileDefinesClass(p, className) {
			return p, nil
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errdefs.WithDetail(errdefs.ErrFunctionNotFound, "agents dir %q: %v", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".py") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if seen[p] {
			continue
		}
		if fileDefinesClass(p, className) {
			return p, nil
		}
	}
	return "", errdefs.WithDetail(errdefs.ErrFunctionNotFound,
		"class %q not found under %q", className, dir)
}

func fileDefinesClass(path, className string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if m := classRe.FindStringSubmatch(line); m != nil && m[2] == className {
			return true
		}
	}
	return false
}

// ClassTools returns descriptors for className's methods carrying the given
// decorator marker ("tool" matches both @tool and @tool(...)).
func ClassTools(path, className, decorator string) ([]types.ToolDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrFunctionNotFound, "source file %q: %v", path, err)
	}
	lines := strings.Split(string(data), "\n")

	classIdx := -1
	classIndent := 0
	for i, line := range lines {
		if m := classRe.FindStringSubmatch(line); m != nil && m[2] == className {
			classIdx = i
			classIndent = len(m[1])
			break
		}
	}
	if classIdx < 0 {
		return nil, errdefs.WithDetail(errdefs.ErrFunctionNotFound,
			"class %q not found in %q", className, path)
	}

	var tools []types.ToolDescriptor
	marked := false
	for i := classIdx + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := len(lines[i]) - len(strings.TrimLeft(lines[i], " \t"))
		if indent <= classIndent {
			break
		}
		if strings.HasPrefix(trimmed, "@") {
			dec := strings.TrimPrefix(trimmed, "@")
			if base, _, _ := strings.Cut(dec, "("); strings.TrimSpace(base) == decorator ||
				strings.HasSuffix(strings.TrimSpace(base), "."+decorator) {
				marked = true
			}
			continue
		}
		if defRe.MatchString(lines[i]) {
			if marked {
				spec, err := parseFunctionAt(lines, i)
				if err != nil {
					return nil, err
				}
				tools = append(tools, types.NewToolDescriptor(*spec))
			}
			marked = false
			continue
		}
		marked = false
	}
	return tools, nil
}

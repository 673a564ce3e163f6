// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package funcparser

import (
	"regexp"
	"strings"
)

// googleParamRe matches "name (type): description" or "name: description"
// lines inside a Google-style Args block.
var googleParamRe = regexp.MustCompile(`^\s*(\*{0,2}\w+)\s*(?:\(([^)]*)\))?\s*:\s*(.*)$`)

// numpyParamRe matches "name : type" header lines in a NumPy Parameters block.
var numpyParamRe = regexp.MustCompile(`^(\w+)\s*(?::\s*(.*))?$`)

// firstParagraph returns the docstring's leading paragraph as one line.
func firstParagraph(doc string) string {
	var out []string
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(out) > 0 {
				break
			}
			continue
		}
		// Section headers terminate the summary even without a blank line.
		if isSectionHeader(trimmed) {
			break
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, " ")
}

func isSectionHeader(line string) bool {
	switch strings.TrimSuffix(line, ":") {
	case "Args", "Arguments", "Parameters", "Returns", "Raises", "Yields", "Examples", "Notes":
		return true
	}
	return false
}

// paramDescriptions extracts per-parameter descriptions from a Google Args
// block or a NumPy Parameters block, whichever the docstring uses.
func paramDescriptions(doc string) map[string]string {
	lines := strings.Split(doc, "\n")
	if descs := googleParams(lines); len(descs) > 0 {
		return descs
	}
	return numpyParams(lines)
}

func googleParams(lines []string) map[string]string {
	descs := map[string]string{}
	inBlock := false
	blockIndent := -1
	current := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == "Args:" || trimmed == "Arguments:" {
				inBlock = true
			}
			continue
		}
		if trimmed == "" || isSectionHeader(trimmed) {
			break
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if blockIndent < 0 {
			blockIndent = indent
		}
		if indent > blockIndent && current != "" {
			// Continuation line of the previous parameter.
			descs[current] += " " + trimmed
			continue
		}
		if m := googleParamRe.FindStringSubmatch(line); m != nil {
			current = strings.TrimLeft(m[1], "*")
			descs[current] = strings.TrimSpace(m[3])
		}
	}
	return descs
}

func numpyParams(lines []string) map[string]string {
	descs := map[string]string{}
	inBlock := false
	current := ""
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == "Parameters" && i+1 < len(lines) &&
				strings.HasPrefix(strings.TrimSpace(lines[i+1]), "---") {
				inBlock = true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "---") {
			continue
		}
		if trimmed == "" {
			break
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if current != "" && indent > numpyHeaderIndent(lines) {
			if existing := descs[current]; existing != "" {
				descs[current] = existing + " " + trimmed
			} else {
				descs[current] = trimmed
			}
			continue
		}
		if m := numpyParamRe.FindStringSubmatch(trimmed); m != nil {
			current = m[1]
			descs[current] = ""
		}
	}
	for k, v := range descs {
		if v == "" {
			delete(descs, k)
		}
	}
	return descs
}

// numpyHeaderIndent finds the indent of the Parameters header so that
// deeper-indented lines read as description continuations.
func numpyHeaderIndent(lines []string) int {
	for _, line := range lines {
		if strings.TrimSpace(line) == "Parameters" {
			return len(line) - len(strings.TrimLeft(line, " \t"))
		}
	}
	return 0
}

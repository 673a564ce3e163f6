// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package funcparser

import (
	"strconv"
	"strings"

	"github.com/kilnworks/kiln/pkg/types"
)

// schemaFor maps a source type annotation to a JSON schema fragment.
// Unrecognized annotations degrade to an open object.
func schemaFor(annotation string) *types.Schema {
	ann := strings.TrimSpace(annotation)
	if ann == "" {
		return &types.Schema{Type: "object"}
	}

	head, inner, generic := splitGeneric(ann)
	switch strings.ToLower(head) {
	case "str":
		return &types.Schema{Type: "string"}
	case "int":
		return &types.Schema{Type: "integer"}
	case "float":
		return &types.Schema{Type: "number"}
	case "bool":
		return &types.Schema{Type: "boolean"}
	case "list", "sequence":
		s := &types.Schema{Type: "array"}
		if generic {
			s.Items = schemaFor(inner)
		}
		return s
	case "dict", "mapping":
		s := &types.Schema{Type: "object"}
		if generic {
			if args := splitTopLevel(inner, ','); len(args) == 2 {
				s.AdditionalProps = schemaFor(args[1])
			}
		}
		return s
	case "optional":
		if !generic {
			return &types.Schema{Type: "object"}
		}
		return nullable(schemaFor(inner))
	case "union":
		if !generic {
			return &types.Schema{Type: "object"}
		}
		return unionSchema(splitTopLevel(inner, ','))
	case "literal":
		if !generic {
			return &types.Schema{Type: "object"}
		}
		s := &types.Schema{Type: "string"}
		for _, v := range splitTopLevel(inner, ',') {
			s.Enum = append(s.Enum, unquote(v))
		}
		return s
	case "none", "nonetype":
		return &types.Schema{Type: "null"}
	default:
		return &types.Schema{Type: "object"}
	}
}

// nullable adds "null" to a schema's type list.
func nullable(s *types.Schema) *types.Schema {
	if s.Type != "" {
		s.NullableTypes = []string{s.Type, "null"}
		s.Type = ""
	}
	return s
}

// unionSchema builds oneOf over the member types. A None member folds into
// the other members' type lists instead of producing a null branch.
func unionSchema(members []string) *types.Schema {
	var schemas []*types.Schema
	hasNull := false
	for _, m := range members {
		lower := strings.ToLower(strings.TrimSpace(m))
		if lower == "none" || lower == "nonetype" {
			hasNull = true
			continue
		}
		schemas = append(schemas, schemaFor(m))
	}
	if hasNull {
		for _, s := range schemas {
			nullable(s)
		}
	}
	if len(schemas) == 1 {
		return schemas[0]
	}
	return &types.Schema{OneOf: schemas}
}

// splitGeneric splits "list[int]" into ("list", "int", true).
func splitGeneric(ann string) (head, inner string, ok bool) {
	open := strings.IndexByte(ann, '[')
	if open < 0 || !strings.HasSuffix(ann, "]") {
		return ann, "", false
	}
	return strings.TrimSpace(ann[:open]), ann[open+1 : len(ann)-1], true
}

// splitTopLevel splits on sep, ignoring separators nested in brackets,
// parens, or string literals.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	depth := 0
	var quote rune
	start := 0
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
		case r == sep && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + len(string(r))
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" {
		parts = append(parts, last)
	}
	return parts
}

// unquote strips quotes from a literal member, converting bare numbers and
// booleans to their JSON types.
func unquote(v string) interface{} {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if v == "True" {
		return true
	}
	if v == "False" {
		return false
	}
	return v
}

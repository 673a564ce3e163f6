// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Filter selects documents by their JSON values. Leaf filters constrain
// dotted field paths; composite filters combine sub-filters with and/or.
type Filter struct {
	// ValueFilters maps a dotted field path to {op: rhs} constraints.
	// All paths and all ops must match.
	ValueFilters map[string]map[string]interface{} `json:"value_filters,omitempty"`

	// SubFilters with CombineOp build composite filters.
	SubFilters []*Filter `json:"sub_filters,omitempty"`
	CombineOp  string    `json:"combine_op,omitempty"`

	// SortBy chains sort keys lexicographically.
	SortBy SortChain `json:"sort_by,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// And combines two filters conjunctively.
func (f *Filter) And(other *Filter) *Filter {
	return &Filter{SubFilters: []*Filter{f, other}, CombineOp: "and"}
}

// Or combines two filters disjunctively.
func (f *Filter) Or(other *Filter) *Filter {
	return &Filter{SubFilters: []*Filter{f, other}, CombineOp: "or"}
}

// SortKey is one link of a sort chain.
type SortKey struct {
	Path string
	Desc bool
}

// SortChain preserves the key order of the sort_by JSON object, which
// encoding/json's map type would lose.
type SortChain []SortKey

func (c *SortChain) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("sort_by must be an object")
	}
	var chain SortChain
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		dir, _ := valTok.(string)
		if dir != "asc" && dir != "desc" {
			return fmt.Errorf("sort direction must be asc or desc, got %v", valTok)
		}
		chain = append(chain, SortKey{Path: keyTok.(string), Desc: dir == "desc"})
	}
	*c = chain
	return nil
}

func (c SortChain) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range c {
		if i > 0 {
			sb.WriteByte(',')
		}
		key, _ := json.Marshal(k.Path)
		sb.Write(key)
		if k.Desc {
			sb.WriteString(`:"desc"`)
		} else {
			sb.WriteString(`:"asc"`)
		}
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// Matches evaluates the filter against a decoded JSON value, bottom-up
// through sub-filters.
func (f *Filter) Matches(value map[string]interface{}) (bool, error) {
	if f == nil {
		return true, nil
	}
	if len(f.SubFilters) > 0 {
		or := f.CombineOp == "or"
		for _, sub := range f.SubFilters {
			ok, err := sub.Matches(value)
			if err != nil {
				return false, err
			}
			if or && ok {
				return true, nil
			}
			if !or && !ok {
				return false, nil
			}
		}
		return !or, nil
	}
	for path, ops := range f.ValueFilters {
		field, present := lookupPath(value, path)
		for op, rhs := range ops {
			ok, err := applyOp(op, field, present, rhs)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// apply sorts, offsets, and limits a matched result set in place.
func (f *Filter) apply(docs []Document) []Document {
	if f == nil {
		return docs
	}
	if len(f.SortBy) > 0 {
		sort.SliceStable(docs, func(i, j int) bool {
			for _, key := range f.SortBy {
				a, aok := lookupPath(docs[i].Value, key.Path)
				b, bok := lookupPath(docs[j].Value, key.Path)
				c := compareValues(a, aok, b, bok)
				if c == 0 {
					continue
				}
				if key.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if f.Offset > 0 {
		if f.Offset >= len(docs) {
			return nil
		}
		docs = docs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(docs) {
		docs = docs[:f.Limit]
	}
	return docs
}

// lookupPath walks a dotted path through nested JSON objects.
func lookupPath(value map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = value
	for _, seg := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func applyOp(op string, field interface{}, present bool, rhs interface{}) (bool, error) {
	switch op {
	case "eq":
		return present && jsonEqual(field, rhs), nil
	case "lt", "lte", "gt", "gte":
		if !present {
			return false, nil
		}
		c, ok := orderedCompare(field, rhs)
		if !ok {
			return false, nil
		}
		switch op {
		case "lt":
			return c < 0, nil
		case "lte":
			return c <= 0, nil
		case "gt":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "in":
		if !present {
			return false, nil
		}
		list, ok := rhs.([]interface{})
		if !ok {
			return false, fmt.Errorf("in requires an array rhs")
		}
		for _, item := range list {
			if jsonEqual(field, item) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		if !present {
			return false, nil
		}
		return contains(field, rhs), nil
	default:
		return false, fmt.Errorf("unknown filter op %q", op)
	}
}

// contains is set-contains on arrays, subobject-match on objects, and
// substring on strings.
func contains(field, rhs interface{}) bool {
	switch lhs := field.(type) {
	case []interface{}:
		wanted, ok := rhs.([]interface{})
		if !ok {
			wanted = []interface{}{rhs}
		}
		for _, w := range wanted {
			found := false
			for _, item := range lhs {
				if jsonEqual(item, w) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case map[string]interface{}:
		sub, ok := rhs.(map[string]interface{})
		if !ok {
			return false
		}
		return subobjectMatch(lhs, sub)
	case string:
		s, ok := rhs.(string)
		return ok && strings.Contains(lhs, s)
	default:
		return false
	}
}

func subobjectMatch(obj, sub map[string]interface{}) bool {
	for k, want := range sub {
		got, ok := obj[k]
		if !ok {
			return false
		}
		if wantObj, isObj := want.(map[string]interface{}); isObj {
			gotObj, gotIsObj := got.(map[string]interface{})
			if !gotIsObj || !subobjectMatch(gotObj, wantObj) {
				return false
			}
			continue
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares decoded JSON values with numeric normalization, so an
// int rhs matches a float64 document field.
func jsonEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// orderedCompare returns -1/0/1 for comparable values (numbers or strings).
func orderedCompare(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// compareValues orders sort keys; missing values sort after present ones.
func compareValues(a interface{}, aok bool, b interface{}, bok bool) int {
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return 1
	case !bok:
		return -1
	}
	if c, ok := orderedCompare(a, b); ok {
		return c
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

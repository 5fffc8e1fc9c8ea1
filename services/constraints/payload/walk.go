// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package payload

import "strconv"

// Visitor is called for every scalar leaf reached by Walk.
//
// container is the innermost object or array holding the leaf and key is the
// field name (or decimal index for arrays) under which it is stored.
// Returning true stops the walk.
type Visitor func(container *Value, key string, leaf *Value) (stop bool)

// Walk visits the leaves of v depth-first, field-order-first.
//
// Description:
//
//	Each container's entries are examined in canonical order. A scalar entry
//	is handed to visit; a container entry is descended into before the next
//	sibling is examined. Walk reports whether visit stopped the traversal.
func Walk(v *Value, visit Visitor) bool {
	switch v.Kind() {
	case KindObject:
		for _, f := range v.fields {
			if walkEntry(v, f.Key, f.Value, visit) {
				return true
			}
		}
	case KindArray:
		for i, item := range v.items {
			if walkEntry(v, strconv.Itoa(i), item, visit) {
				return true
			}
		}
	}
	return false
}

func walkEntry(container *Value, key string, entry *Value, visit Visitor) bool {
	switch entry.Kind() {
	case KindObject, KindArray:
		return Walk(entry, visit)
	default:
		return visit(container, key, entry)
	}
}

// HasValue searches v for a string leaf equal to target.
//
// Description:
//
//	The search is depth-first and field-order-first; the first match wins,
//	which is not necessarily the shallowest one. Only string leaves are
//	compared, so the number 5 never matches the target "5".
//
// Outputs:
//
//	found - True if a match exists.
//	container - The innermost record holding the match, nil when not found.
//	key - The field name (or array index) of the match, "" when not found.
//
// Limitations:
//
//	When target occurs in several fields the reported container depends on
//	field order alone.
func HasValue(v *Value, target string) (found bool, container *Value, key string) {
	Walk(v, func(c *Value, k string, leaf *Value) bool {
		if leaf.Kind() == KindString && leaf.text == target {
			found, container, key = true, c, k
			return true
		}
		return false
	})
	return found, container, key
}

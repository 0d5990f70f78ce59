package record

import "strings"

// Scope says whether records of a type belong to one page or to the whole
// document.
type Scope int

const (
	ScopePage   Scope = iota // owned by exactly one page
	ScopeGlobal              // visible on every page (document root, page list)
)

// PageIDPrefix marks record ids that name a page.
const PageIDPrefix = "page:"

// maxParentDepth bounds the parent walk so a cyclic parent chain terminates.
const maxParentDepth = 64

// Scope returns the scope attribute of a type.
func (t Type) Scope() Scope {
	switch t {
	case TypeDocument, TypePage:
		return ScopeGlobal
	default:
		return ScopePage
	}
}

// IsPageID reports whether id follows the page id convention.
func IsPageID(id string) bool { return strings.HasPrefix(id, PageIDPrefix) }

// Lookup resolves a record id against some record set.
type Lookup func(id string) (Record, bool)

// IndexByID builds a Lookup over rs.
func IndexByID(rs []Record) Lookup {
	idx := make(map[string]Record, len(rs))
	for _, r := range rs {
		idx[r.ID] = r
	}
	return MapLookup(idx)
}

// MapLookup adapts an id-keyed map into a Lookup.
func MapLookup(m map[string]Record) Lookup {
	return func(id string) (Record, bool) {
		r, ok := m[id]
		return r, ok
	}
}

// Owner resolves the page that owns r. Global-scoped types report
// global=true. A page-scoped record whose chain cannot be resolved to a page
// is also reported global.
func Owner(r Record, lookup Lookup) (pageID string, global bool) {
	if r.TypeName.Scope() == ScopeGlobal {
		return "", true
	}
	cur := r
	for depth := 0; depth < maxParentDepth; depth++ {
		if cur.PageID != "" {
			return cur.PageID, false
		}
		if cur.ParentID == "" {
			return "", true
		}
		if IsPageID(cur.ParentID) {
			return cur.ParentID, false
		}
		if lookup == nil {
			return "", true
		}
		parent, ok := lookup(cur.ParentID)
		if !ok {
			return "", true
		}
		if parent.TypeName == TypePage {
			return parent.ID, false
		}
		cur = parent
	}
	return "", true
}

// InScope reports whether r is visible on pageID: owned by it, or global.
func InScope(r Record, pageID string, lookup Lookup) bool {
	owner, global := Owner(r, lookup)
	return global || owner == pageID
}

// ForPage returns the content records of rs that are in scope for pageID.
func ForPage(rs []Record, pageID string) []Record {
	lookup := IndexByID(rs)
	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		if IsEphemeral(r) {
			continue
		}
		if InScope(r, pageID, lookup) {
			out = append(out, r)
		}
	}
	return out
}

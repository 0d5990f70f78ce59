// Package record defines the synchronized document model: opaque records with
// an identity, a type tag and a page owner, plus the snapshot, delta and
// function-definition payloads built from them.
//
// Records are classified as ephemeral (per-client UI state, never leaves the
// process) or content (shared). Classification is total: any type this
// package does not know is content, so an unrecognised record is synced
// rather than silently dropped.
package record

// Type is the record type tag carried in "typeName".
type Type string

const (
	TypeShape    Type = "shape"
	TypeAsset    Type = "asset"
	TypeBinding  Type = "binding"
	TypePage     Type = "page"
	TypeDocument Type = "document"

	TypeInstance          Type = "instance"            // per-client editor instance
	TypeInstancePageState Type = "instance_page_state" // selection, hover, editing id
	TypePresence          Type = "presence"            // cursor, user name/color
	TypeCamera            Type = "camera"              // viewport position and zoom
)

var ephemeralTypes = map[Type]bool{
	TypeInstance:          true,
	TypeInstancePageState: true,
	TypePresence:          true,
	TypeCamera:            true,
}

// Record is one document entity. Props is opaque to the sync layer. Extra
// holds every other top-level field (x, y, rotation, meta...) so records
// written by newer editors survive a round trip untouched.
type Record struct {
	ID       string         `json:"id"`
	TypeName Type           `json:"typeName"`
	ParentID string         `json:"parentId,omitempty"`
	PageID   string         `json:"pageId,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	Extra    map[string]any `json:"-"`
}

// IsEphemeral reports whether r is per-client state that must never be
// broadcast or persisted.
func IsEphemeral(r Record) bool { return ephemeralTypes[r.TypeName] }

// IsContent reports whether r is shared document content.
func IsContent(r Record) bool { return !IsEphemeral(r) }

// FilterEphemeral returns the content records of rs, preserving order.
// The input slice is not modified.
func FilterEphemeral(rs []Record) []Record {
	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		if IsContent(r) {
			out = append(out, r)
		}
	}
	return out
}

// FilterEphemeralMap is FilterEphemeral for id-keyed maps. Entries whose key
// does not match the record id are re-keyed by id.
func FilterEphemeralMap(m map[string]Record) map[string]Record {
	out := make(map[string]Record, len(m))
	for id, r := range m {
		if IsEphemeral(r) {
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		out[r.ID] = r
	}
	return out
}

// Clone returns a deep copy of r so the caller can hand it to another owner
// without sharing the Props maps.
func (r Record) Clone() Record {
	if r.Props != nil {
		r.Props = cloneValue(r.Props).(map[string]any)
	}
	if r.Extra != nil {
		r.Extra = cloneValue(r.Extra).(map[string]any)
	}
	return r
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

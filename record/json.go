package record

import (
	"encoding/json"
	"fmt"
)

// knownFields are the top-level keys Record maps to struct fields.
var knownFields = map[string]bool{
	"id":       true,
	"typeName": true,
	"parentId": true,
	"pageId":   true,
	"props":    true,
}

// recordFields has Record's layout without its methods.
type recordFields struct {
	ID       string         `json:"id"`
	TypeName Type           `json:"typeName"`
	ParentID string         `json:"parentId,omitempty"`
	PageID   string         `json:"pageId,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
}

// MarshalJSON writes the known fields and then Extra. A key in Extra that
// names a known field is dropped.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		if !knownFields[k] {
			out[k] = v
		}
	}
	out["id"] = r.ID
	out["typeName"] = r.TypeName
	if r.ParentID != "" {
		out["parentId"] = r.ParentID
	}
	if r.PageID != "" {
		out["pageId"] = r.PageID
	}
	if len(r.Props) > 0 {
		out["props"] = r.Props
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the known fields and keeps the rest in Extra.
func (r *Record) UnmarshalJSON(b []byte) error {
	var f recordFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	var extra map[string]any
	for k, raw := range all {
		if knownFields[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("record: field %q: %w", k, err)
		}
		if extra == nil {
			extra = make(map[string]any, len(all))
		}
		extra[k] = v
	}
	*r = Record{
		ID:       f.ID,
		TypeName: f.TypeName,
		ParentID: f.ParentID,
		PageID:   f.PageID,
		Props:    f.Props,
		Extra:    extra,
	}
	return nil
}

package models

import "time"

// Record converters between typed models and the schemaless records the
// remote store deals in. Field access tolerates both native values (in-memory
// store) and JSON-decoded ones (websocket change feed), so readers accept
// time.Time as well as RFC3339 strings, and int as well as float64.

func (d *Document) Record() map[string]any {
	return map[string]any{
		"id":         d.ID,
		"title":      d.Title,
		"content":    d.Content,
		"tags":       d.Tags,
		"ownerId":    d.OwnerID,
		"notebookId": d.NotebookID,
		"updatedBy":  d.UpdatedBy,
	}
}

func DocumentFromRecord(rec map[string]any) *Document {
	return &Document{
		ID:         str(rec, "id"),
		Title:      str(rec, "title"),
		Content:    str(rec, "content"),
		Tags:       strSlice(rec, "tags"),
		OwnerID:    str(rec, "ownerId"),
		NotebookID: str(rec, "notebookId"),
		UpdatedBy:  str(rec, "updatedBy"),
		UpdatedAt:  timeAt(rec, "updatedAt"),
		RevisionID: str(rec, "revisionId"),
	}
}

func (v *Version) Record() map[string]any {
	return map[string]any{
		"id":            v.ID,
		"documentId":    v.DocumentID,
		"content":       v.Content,
		"timestamp":     v.Timestamp,
		"author":        v.Author,
		"changeSummary": v.ChangeSummary,
		"byteSize":      v.ByteSize,
		"isDelta":       v.IsDelta,
		"baseVersionId": v.BaseVersionID,
	}
}

func VersionFromRecord(rec map[string]any) *Version {
	return &Version{
		ID:            str(rec, "id"),
		DocumentID:    str(rec, "documentId"),
		Content:       str(rec, "content"),
		Timestamp:     timeAt(rec, "timestamp"),
		Author:        str(rec, "author"),
		ChangeSummary: str(rec, "changeSummary"),
		ByteSize:      intAt(rec, "byteSize"),
		RevisionID:    str(rec, "revisionId"),
		IsDelta:       boolAt(rec, "isDelta"),
		BaseVersionID: str(rec, "baseVersionId"),
	}
}

func (c *ConflictData) Record() map[string]any {
	rec := map[string]any{
		"id":               c.ID,
		"documentId":       c.DocumentID,
		"user1Id":          c.User1ID,
		"user2Id":          c.User2ID,
		"user1Content":     c.User1Content,
		"user2Content":     c.User2Content,
		"user1Timestamp":   c.User1Timestamp,
		"user2Timestamp":   c.User2Timestamp,
		"resolution":       string(c.Resolution),
		"resolvedBy":       c.ResolvedBy,
		"resolutionMethod": string(c.ResolutionMethod),
	}
	if c.ResolvedAt != nil {
		rec["resolvedAt"] = *c.ResolvedAt
	}
	return rec
}

func ConflictFromRecord(rec map[string]any) *ConflictData {
	c := &ConflictData{
		ID:               str(rec, "id"),
		DocumentID:       str(rec, "documentId"),
		User1ID:          str(rec, "user1Id"),
		User2ID:          str(rec, "user2Id"),
		User1Content:     str(rec, "user1Content"),
		User2Content:     str(rec, "user2Content"),
		User1Timestamp:   timeAt(rec, "user1Timestamp"),
		User2Timestamp:   timeAt(rec, "user2Timestamp"),
		Resolution:       Resolution(str(rec, "resolution")),
		ResolvedBy:       str(rec, "resolvedBy"),
		ResolutionMethod: ResolutionMethod(str(rec, "resolutionMethod")),
	}
	if _, ok := rec["resolvedAt"]; ok {
		t := timeAt(rec, "resolvedAt")
		if !t.IsZero() {
			c.ResolvedAt = &t
		}
	}
	return c
}

func str(rec map[string]any, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func timeAt(rec map[string]any, key string) time.Time {
	switch v := rec[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func intAt(rec map[string]any, key string) int {
	switch v := rec[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func boolAt(rec map[string]any, key string) bool {
	v, _ := rec[key].(bool)
	return v
}

func strSlice(rec map[string]any, key string) []string {
	switch v := rec[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

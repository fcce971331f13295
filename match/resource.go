package match

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Summary is one fixture row of a list.
type Summary struct {
	ID       ItemID `json:"id"`
	League   string `json:"league,omitempty"`
	Kickoff  string `json:"kickoff,omitempty"`
	Status   string `json:"status,omitempty"`
	HomeTeam string `json:"homeTeam"`
	AwayTeam string `json:"awayTeam"`
	HomeLogo string `json:"homeLogo,omitempty"`
	AwayLogo string `json:"awayLogo,omitempty"`
}

// AsDetail returns the subset of a detail payload that a summary already
// carries. It is only used to derive asset records on list ingest and is
// never stored as a detail.
func (s Summary) AsDetail() *Detail {
	return &Detail{
		ID: s.ID,
		Fields: map[string]any{
			"homeTeam": s.HomeTeam,
			"awayTeam": s.AwayTeam,
			"homeLogo": s.HomeLogo,
			"awayLogo": s.AwayLogo,
		},
	}
}

// ListResource is the fixture list answering one view. It is replaced
// wholesale on every successful fetch.
type ListResource struct {
	View        ViewKey   `json:"view"`
	GeneratedAt string    `json:"generatedAt"`
	Matches     []Summary `json:"matches"`
}

// Detail is the analysis payload of a single match. Apart from the ID its
// shape (scoreboard, predictions, trends...) is opaque here.
type Detail struct {
	ID     ItemID
	Fields map[string]any
}

// ParseDetail decodes an upstream detail body. The id is read from "id",
// falling back to "matchId"; fallback is used when the body carries neither.
func ParseDetail(body []byte, fallback ItemID) (*Detail, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("match: decoding detail: %w", err)
	}
	if fields == nil {
		return nil, errors.New("match: detail body is not an object")
	}
	id := fallback
	for _, k := range []string{"id", "matchId"} {
		if v, ok := itemIDFromAny(fields[k]); ok {
			id = v
			break
		}
	}
	delete(fields, "id")
	return &Detail{ID: id, Fields: fields}, nil
}

func (d *Detail) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+1)
	for k, v := range d.Fields {
		out[k] = v
	}
	out["id"] = d.ID
	return json.Marshal(out)
}

func (d *Detail) UnmarshalJSON(b []byte) error {
	parsed, err := ParseDetail(b, 0)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// Clone returns a copy whose top-level field map can be modified without
// affecting d.
func (d *Detail) Clone() *Detail {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return &Detail{ID: d.ID, Fields: fields}
}

// Merge overlays newer on top of d key by key. Keys that newer does not
// carry keep their previous value, so a partially enriched earlier fetch is
// not discarded. d is not modified.
func (d *Detail) Merge(newer *Detail) *Detail {
	merged := d.Clone()
	for k, v := range newer.Fields {
		merged.Fields[k] = v
	}
	return merged
}

// ProducedAt returns the upstream production timestamp of the payload, or
// an empty string when it carries none.
func (d *Detail) ProducedAt() string {
	for _, k := range []string{"generatedAt", "updatedAt"} {
		if s, ok := d.Fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// DetailHints are optional context forwarded with a detail fetch.
type DetailHints struct {
	Date string
	View ViewKey
}

// Package match defines the resources exchanged with the match-analysis
// upstream: fixture lists per view, per-match detail payloads, the asset
// records derived from them, and the ticket returned while an analysis is
// still queued.
package match

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrUnknownView is returned by ParseViewKey for keys outside the fixed set.
	ErrUnknownView = errors.New("match: unknown view")
	// ErrInvalidItemID is returned when an identifier cannot be coerced to a number.
	ErrInvalidItemID = errors.New("match: invalid item id")
)

// ViewKey identifies a list partition.
type ViewKey string

const (
	ViewToday    ViewKey = "today"
	ViewTomorrow ViewKey = "tomorrow"

	// ViewManual is only valid as a detail hint: the match was opened
	// directly rather than from a fixture list.
	ViewManual ViewKey = "manual"
)

// Views returns every list view in display order.
func Views() []ViewKey {
	return []ViewKey{ViewToday, ViewTomorrow}
}

// ParseViewKey validates a list view key. Matching is case-insensitive.
func ParseViewKey(s string) (ViewKey, error) {
	switch v := ViewKey(strings.ToLower(strings.TrimSpace(s))); v {
	case ViewToday, ViewTomorrow:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownView, s)
}

// ParseDetailView validates the view hint sent with a detail fetch. An empty
// string is allowed and means "no hint".
func ParseDetailView(s string) (ViewKey, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	if strings.EqualFold(strings.TrimSpace(s), string(ViewManual)) {
		return ViewManual, nil
	}
	return ParseViewKey(s)
}

// ItemID is the canonical numeric identifier of a match. Every cache and
// in-flight key uses this form so "42" and 42 refer to the same match.
type ItemID int64

// ParseItemID coerces a string to an ItemID. Integral float notation
// ("42.0") is accepted.
func ParseItemID(s string) (ItemID, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ItemID(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidItemID, s)
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidItemID, s)
	}
	return ItemID(f), nil
}

func (id ItemID) String() string { return strconv.FormatInt(int64(id), 10) }

// UnmarshalJSON accepts both JSON numbers and numeric strings.
func (id *ItemID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseItemID(s)
		if err != nil {
			return err
		}
		*id = v
		return nil
	}
	v, err := ParseItemID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// itemIDFromAny coerces a decoded JSON value to an ItemID.
func itemIDFromAny(v any) (ItemID, bool) {
	switch t := v.(type) {
	case json.Number:
		id, err := ParseItemID(t.String())
		return id, err == nil
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return ItemID(t), true
	case string:
		id, err := ParseItemID(t)
		return id, err == nil
	}
	return 0, false
}

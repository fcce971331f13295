package match

// AssetRecord is the small projection of a detail that front-ends need to
// render a match header: team names and logos.
type AssetRecord struct {
	ID       ItemID `json:"id"`
	HomeName string `json:"homeName"`
	AwayName string `json:"awayName"`
	HomeLogo string `json:"homeLogo"`
	AwayLogo string `json:"awayLogo"`
}

// DeriveAssets projects a detail onto an AssetRecord. Team fields are read
// from the top level first and from the scoreboard section second. A team
// may be a plain name or an object with name and logo.
func DeriveAssets(d *Detail) AssetRecord {
	rec := AssetRecord{ID: d.ID}
	sources := []map[string]any{d.Fields}
	if sb, ok := d.Fields["scoreboard"].(map[string]any); ok {
		sources = append(sources, sb)
	}
	for _, src := range sources {
		fillSide(src, "home", &rec.HomeName, &rec.HomeLogo)
		fillSide(src, "away", &rec.AwayName, &rec.AwayLogo)
	}
	return rec
}

// fillSide sets name and logo from src unless they are already set.
func fillSide(src map[string]any, side string, name, logo *string) {
	switch team := src[side+"Team"].(type) {
	case string:
		setIfEmpty(name, team)
	case map[string]any:
		setIfEmpty(name, firstString(team, "name", "shortName"))
		setIfEmpty(logo, firstString(team, "logo", "logoUrl"))
	}
	setIfEmpty(logo, firstString(src, side+"Logo"))
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

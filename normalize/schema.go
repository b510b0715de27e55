package normalize

// Rule is a Column Preference List for one canonical attribute:
// candidate source column names in preferential order, most-preferred
// first. Immutable per-source configuration.
type Rule struct {
	Candidates []string `json:"candidates" mapstructure:"candidates"`
}

// Declared reports whether the rule names any candidates.
func (r Rule) Declared() bool { return len(r.Candidates) > 0 }

// MetricRule maps a numeric canonical metric to source columns.
type MetricRule struct {
	// Name is the canonical metric name, e.g. "total_footfall".
	Name       string   `json:"name" mapstructure:"name"`
	Candidates []string `json:"candidates" mapstructure:"candidates"`
	// Optional metrics default to Default (typically 0.00) when the
	// source omits the column entirely. Default substitution is a
	// policy, not an error.
	Optional bool    `json:"optional" mapstructure:"optional"`
	Default  float64 `json:"default" mapstructure:"default"`
	// Transform names a value transform ("kelvin_to_celsius") applied
	// after parsing. Empty means identity.
	Transform string `json:"transform" mapstructure:"transform"`
}

// SourceSchema describes how one source's raw layout resolves into the
// canonical record shape.
type SourceSchema struct {
	// Source identifies the origin in errors, logs and metrics.
	Source string `json:"source" mapstructure:"source"`

	// Entity resolves entity_id. When undeclared, entity_id takes the
	// resolved location value (single-sensor sources).
	Entity Rule `json:"entity" mapstructure:"entity"`

	// Location resolves the location attribute; LocationLiteral tags
	// every record with a fixed value instead (per-city sources).
	Location        Rule   `json:"location" mapstructure:"location"`
	LocationLiteral string `json:"location_literal" mapstructure:"location_literal"`

	// Date resolves the date (or full timestamp) column. Layouts are
	// tried in order; the layout "unix" reads epoch seconds.
	Date        Rule     `json:"date" mapstructure:"date"`
	DateLayouts []string `json:"date_layouts" mapstructure:"date_layouts"`

	// Hour, when declared, resolves the free-form hour token column.
	// Rows with an empty hour are aggregate rollups and are dropped.
	// Undeclared means the date column carries full precision.
	Hour Rule `json:"hour" mapstructure:"hour"`

	Metrics []MetricRule `json:"metrics" mapstructure:"metrics"`
}

package domain

// SortKey orders fetch results by one attribute.
type SortKey struct {
	Attribute  string `json:"attribute"`
	Descending bool   `json:"descending,omitempty"`
}

// FetchRequest describes which objects of one entity to fetch.
// Predicate is an expression evaluated against each object's attributes;
// an empty predicate matches everything. Limit <= 0 means unlimited.
type FetchRequest struct {
	Key       string    `json:"key,omitempty"`
	Entity    string    `json:"entity"`
	Predicate string    `json:"predicate,omitempty"`
	SortBy    []SortKey `json:"sortBy,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

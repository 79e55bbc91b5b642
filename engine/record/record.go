// Package record maps raw arXiv metadata into the flat record written to
// shard files.
package record

// Metadata is the raw per-record field mapping produced by an OAI-PMH
// client: field name to values in document order.
type Metadata map[string][]string

// Record is the normalized output record. Pointer fields marshal as null
// when the source field is missing or empty. Authors and Categories are
// never nil so they always marshal as arrays.
type Record struct {
	ID         *string  `json:"id"`
	Title      *string  `json:"title"`
	Authors    []string `json:"authors"`
	Abstract   *string  `json:"abstract"`
	Categories []string `json:"categories"`
	Created    *string  `json:"created"`
	Updated    *string  `json:"updated"`
}

// Normalize flattens m into a Record. Missing keys are treated as empty.
func Normalize(m Metadata) Record {
	categories := append([]string{}, m["categories"]...)
	return Record{
		ID:         first(m, "id"),
		Title:      first(m, "title"),
		Authors:    Authors(m),
		Abstract:   first(m, "abstract"),
		Categories: categories,
		Created:    first(m, "created"),
		Updated:    first(m, "updated"),
	}
}

// Authors pairs keyname and forenames by position. A missing forename
// yields the bare keyname; forenames without keynames are ignored.
func Authors(m Metadata) []string {
	keynames := m["keyname"]
	forenames := m["forenames"]

	authors := make([]string, 0, len(keynames))
	for i, key := range keynames {
		if i < len(forenames) && forenames[i] != "" {
			authors = append(authors, forenames[i]+" "+key)
			continue
		}
		authors = append(authors, key)
	}
	return authors
}

func first(m Metadata, key string) *string {
	vals := m[key]
	if len(vals) == 0 {
		return nil
	}
	v := vals[0]
	return &v
}

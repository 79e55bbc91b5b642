// Package oaipmh is a minimal OAI-PMH 2.0 harvesting client. It issues
// ListRecords requests, follows resumption tokens and exposes the result as
// a lazy sequence of records with flattened metadata.
package oaipmh

import (
	"fmt"
	"net/url"
	"time"
)

// DefaultEndpoint is the arXiv OAI-PMH base URL.
const DefaultEndpoint = "https://oaipmh.arxiv.org/oai"

// OAI-PMH error codes.
const (
	CodeBadArgument       = "badArgument"
	CodeBadResumption     = "badResumptionToken"
	CodeBadVerb           = "badVerb"
	CodeCannotDissem      = "cannotDisseminateFormat"
	CodeNoRecordsMatch    = "noRecordsMatch"
	CodeNoSetHierarchy    = "noSetHierarchy"
	CodeIDDoesNotExist    = "idDoesNotExist"
	CodeNoMetadataFormats = "noMetadataFormats"
)

// Params are the selective-harvesting arguments of a ListRecords request.
// Empty fields are omitted from the query.
type Params struct {
	MetadataPrefix string
	Set            string
	From           string
	Until          string
}

func (p Params) values() url.Values {
	q := url.Values{"verb": {"ListRecords"}, "metadataPrefix": {p.MetadataPrefix}}
	if p.Set != "" {
		q.Set("set", p.Set)
	}
	if p.From != "" {
		q.Set("from", p.From)
	}
	if p.Until != "" {
		q.Set("until", p.Until)
	}
	return q
}

// Header is the record header.
type Header struct {
	Identifier string
	Datestamp  string
	SetSpecs   []string
	Deleted    bool
}

// Record is one harvested record. Metadata maps every element name found
// under the metadata payload (namespace stripped) to its text values in
// document order. It is nil for deleted records.
type Record struct {
	Header   Header
	Metadata map[string][]string
}

// OAIError is an <error> element returned by the repository.
type OAIError struct {
	Code    string
	Message string
}

func (e *OAIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("oaipmh: %s", e.Code)
	}
	return fmt.Sprintf("oaipmh: %s: %s", e.Code, e.Message)
}

// HTTPError is a non-200 response.
type HTTPError struct {
	StatusCode int
	URL        string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("oaipmh: unexpected status %d from %s", e.StatusCode, e.URL)
}

// RetryDelay reports the server-requested wait before the next attempt.
func (e *HTTPError) RetryDelay() time.Duration { return e.RetryAfter }

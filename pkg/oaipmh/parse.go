package oaipmh

import (
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
)

const (
	xpRoot     = "/*[local-name()='OAI-PMH']"
	xpError    = xpRoot + "/*[local-name()='error']"
	xpList     = xpRoot + "/*[local-name()='ListRecords']"
	xpRecords  = xpList + "/*[local-name()='record']"
	xpToken    = xpList + "/*[local-name()='resumptionToken']"
	xpHeader   = "*[local-name()='header']"
	xpPayload  = "*[local-name()='metadata']/*"
	xpSetSpecs = "*[local-name()='setSpec']"
)

// page is one parsed ListRecords response.
type page struct {
	records []Record
	token   string
	// cursor and size are informational; repositories may omit them.
	cursor string
	size   string
}

func parsePage(r io.Reader) (*page, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("oaipmh: parse response: %w", err)
	}
	if xmlquery.FindOne(doc, xpRoot) == nil {
		return nil, fmt.Errorf("oaipmh: parse response: missing OAI-PMH root element")
	}
	if e := xmlquery.FindOne(doc, xpError); e != nil {
		return nil, &OAIError{Code: e.SelectAttr("code"), Message: strings.TrimSpace(e.InnerText())}
	}

	p := &page{}
	for _, n := range xmlquery.Find(doc, xpRecords) {
		p.records = append(p.records, parseRecord(n))
	}
	if t := xmlquery.FindOne(doc, xpToken); t != nil {
		p.token = strings.TrimSpace(t.InnerText())
		p.cursor = t.SelectAttr("cursor")
		p.size = t.SelectAttr("completeListSize")
	}
	return p, nil
}

func parseRecord(n *xmlquery.Node) Record {
	var rec Record
	if h := xmlquery.FindOne(n, xpHeader); h != nil {
		rec.Header = Header{
			Identifier: childText(h, "identifier"),
			Datestamp:  childText(h, "datestamp"),
			Deleted:    h.SelectAttr("status") == "deleted",
		}
		for _, s := range xmlquery.Find(h, xpSetSpecs) {
			rec.Header.SetSpecs = append(rec.Header.SetSpecs, strings.TrimSpace(s.InnerText()))
		}
	}
	if payload := xmlquery.FindOne(n, xpPayload); payload != nil {
		rec.Metadata = make(map[string][]string)
		flatten(payload, rec.Metadata)
	}
	return rec
}

func childText(n *xmlquery.Node, local string) string {
	c := xmlquery.FindOne(n, "*[local-name()='"+local+"']")
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.InnerText())
}

// flatten walks the element tree in document order and appends each
// element's leading text (the text before its first child element) under
// its local name. Container elements contribute their leading whitespace.
func flatten(n *xmlquery.Node, out map[string][]string) {
	out[n.Data] = append(out[n.Data], leadingText(n))
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			flatten(c, out)
		}
	}
}

func leadingText(n *xmlquery.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case xmlquery.ElementNode:
			return b.String()
		case xmlquery.TextNode, xmlquery.CharDataNode:
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

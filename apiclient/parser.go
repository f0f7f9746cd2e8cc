package apiclient

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"strings"

	json "github.com/goccy/go-json"
)

// parseResponse decodes a response body according to its Content-Type:
//
//   - JSON media types decode into any (maps, slices, primitives);
//   - XML media types decode into a nested map[string]any keyed by the
//     root element name;
//   - text/plain and text/tab-separated-values decode into the lines of
//     the body as []string;
//   - anything else is tried as JSON first and otherwise returned as
//     map[string]any{"raw": <body text>}.
//
// The unknown branch never fails; declared JSON or XML that does not
// decode is an error.
func parseResponse(contentType string, body []byte) (any, error) {
	mediaType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = mt
	}
	mediaType = strings.ToLower(mediaType)

	switch {
	case strings.Contains(mediaType, "json"):
		return parseJSON(body)
	case strings.Contains(mediaType, "xml"):
		return parseXML(body)
	case mediaType == "text/plain" || mediaType == "text/tab-separated-values":
		return parseLines(body), nil
	default:
		return parseUnknown(body), nil
	}
}

func parseJSON(body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("apiclient: decode json: %w", err)
	}
	return v, nil
}

// parseXML decodes an XML document into map[string]any keyed by the root
// element name. Attributes merge into the element's map, repeated child
// tags collapse into an ordered []any, and character data sits under
// "#text" when the element also has attributes or children.
//
// encoding/xml never resolves external entities, so a hostile document
// cannot trigger file or network reads. Strict mode is off so undeclared
// entities in real-world feeds pass through as literals instead of
// failing the decode.
func parseXML(body []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("apiclient: decode xml: no root element")
		}
		if err != nil {
			return nil, fmt.Errorf("apiclient: decode xml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			// Prolog, comments, directives.
			continue
		}

		value, err := xmlElement(dec, start)
		if err != nil {
			return nil, fmt.Errorf("apiclient: decode xml: %w", err)
		}
		return map[string]any{start.Name.Local: value}, nil
	}
}

// xmlElement consumes tokens up to start's matching EndElement and returns
// the element's value: a map when it carries attributes or children, its
// trimmed character data when it carries only text, nil when empty.
func xmlElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	node := make(map[string]any, len(start.Attr))
	for _, attr := range start.Attr {
		node[attr.Name.Local] = attr.Value
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("unexpected end of document inside <%s>", start.Name.Local)
			}
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			child, err := xmlElement(dec, t)
			if err != nil {
				return nil, err
			}
			addXMLChild(node, t.Name.Local, child)

		case xml.CharData:
			text.Write(t)

		case xml.EndElement:
			content := strings.TrimSpace(text.String())
			if len(node) == 0 {
				if content == "" {
					return nil, nil
				}
				return content, nil
			}
			if content != "" {
				node["#text"] = content
			}
			return node, nil
		}
	}
}

// addXMLChild inserts child under name, promoting a repeated tag to an
// ordered slice on its second occurrence.
func addXMLChild(node map[string]any, name string, child any) {
	existing, ok := node[name]
	if !ok {
		node[name] = child
		return
	}
	if list, ok := existing.([]any); ok {
		node[name] = append(list, child)
		return
	}
	node[name] = []any{existing, child}
}

// parseLines splits body into lines, dropping only the empty tail a final
// newline produces. Interior blank lines are data and stay.
func parseLines(body []byte) []string {
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func parseUnknown(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return map[string]any{"raw": string(body)}
}

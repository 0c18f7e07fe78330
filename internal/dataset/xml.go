package dataset

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

const xmlRecordElement = "record"

type xmlNode struct {
	XMLName  xml.Name
	Children []xmlNode `xml:",any"`
	Text     string    `xml:",chardata"`
}

// parseXML reads <record> elements under the document root. Each child element
// of a record (e.g. <document>, <text>, <label>) becomes a field.
func parseXML(path string, _ Options) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var root xmlNode
	if err := xml.NewDecoder(file).Decode(&root); err != nil {
		return nil, fmt.Errorf("invalid xml: %w", err)
	}

	var records []Record
	for i, node := range root.Children {
		if node.XMLName.Local != xmlRecordElement {
			continue
		}
		if len(node.Children) == 0 {
			return nil, fmt.Errorf("record %d has no fields", i)
		}
		r := make(Record, len(node.Children))
		for _, field := range node.Children {
			r[field.XMLName.Local] = strings.TrimSpace(field.Text)
		}
		records = append(records, r)
	}
	return records, nil
}

package dataset

import (
	"fmt"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// parsePDF extracts the text of every page into a single record.
func parsePDF(path string, _ Options) ([]Record, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("error opening pdf: %w", err)
	}
	defer doc.Close()

	pages := make([]string, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("error extracting text from page %d: %w", i, err)
		}
		pages = append(pages, text)
	}

	return []Record{{"text": strings.Join(pages, "\n\n")}}, nil
}

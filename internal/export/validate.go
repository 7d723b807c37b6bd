package export

import "fmt"

// Report is the outcome of validating an assembled document.
type Report struct {
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors"`
	Summary Summary  `json:"summary"`
}

// Summary counts the document tables.
type Summary struct {
	Images      int `json:"images"`
	Annotations int `json:"annotations"`
	Categories  int `json:"categories"`
}

// Validate checks an assembled document: non-empty tables and referential
// integrity of every annotation's image and category ids. It is a pure
// function over the document and never mutates it.
func Validate(doc *Document) Report {
	errs := []string{}

	if len(doc.Images) == 0 {
		errs = append(errs, "no images found")
	}
	if len(doc.Annotations) == 0 {
		errs = append(errs, "no annotations found")
	}
	if len(doc.Categories) == 0 {
		errs = append(errs, "no categories found")
	}

	imageIDs := make(map[int]bool, len(doc.Images))
	for _, img := range doc.Images {
		imageIDs[img.ID] = true
	}
	categoryIDs := make(map[int]bool, len(doc.Categories))
	for _, cat := range doc.Categories {
		categoryIDs[cat.ID] = true
	}

	for _, ann := range doc.Annotations {
		if !imageIDs[ann.ImageID] {
			errs = append(errs, fmt.Sprintf("annotation %d references invalid image_id %d", ann.ID, ann.ImageID))
		}
		if !categoryIDs[ann.CategoryID] {
			errs = append(errs, fmt.Sprintf("annotation %d references invalid category_id %d", ann.ID, ann.CategoryID))
		}
	}

	return Report{
		Valid:  len(errs) == 0,
		Errors: errs,
		Summary: Summary{
			Images:      len(doc.Images),
			Annotations: len(doc.Annotations),
			Categories:  len(doc.Categories),
		},
	}
}

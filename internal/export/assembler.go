// Package export assembles accumulated annotations into a COCO interchange
// document: opaque string image ids become dense integers starting at 1,
// categories become dense integers starting at 0, and segmentations are
// emitted as polygons or uncompressed RLE.
package export

import (
	"fmt"
	"time"

	"github.com/seglab/seglab/internal/mask"
	"go.uber.org/zap"
)

// Format selects the segmentation encoding of the document.
type Format string

const (
	FormatPolygon Format = "polygon"
	FormatRLE     Format = "rle"
)

// categoryIDBase is where remapped category ids start. Image ids start at 1.
const categoryIDBase = 0

// Image is the caller-supplied image metadata.
type Image struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Category is the caller-supplied category metadata. ID may be any string the
// caller assigned; Name is the preferred join key.
type Category struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

// Annotation is one accumulated annotation as the caller persisted it.
type Annotation struct {
	ID           int64      `json:"id"`
	ImageID      string     `json:"image_id"`
	CategoryID   string     `json:"category_id"`
	CategoryName string     `json:"category_name"`
	Segmentation mask.RLE   `json:"segmentation"`
	BBox         [4]float64 `json:"bbox"` // [x, y, width, height]
	Area         float64    `json:"area"`
	Score        float64    `json:"score"`
}

// Document is the assembled interchange structure.
type Document struct {
	Info        Info            `json:"info"`
	Licenses    []License       `json:"licenses"`
	Images      []DocImage      `json:"images"`
	Annotations []DocAnnotation `json:"annotations"`
	Categories  []DocCategory   `json:"categories"`
}

type Info struct {
	Description string `json:"description"`
	Version     string `json:"version"`
	Year        int    `json:"year"`
	DateCreated string `json:"date_created"`
}

type License struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type DocImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type DocCategory struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

// DocAnnotation carries the remapped ids. Segmentation is either [][]float64
// (polygon format) or mask.RLE (rle format).
type DocAnnotation struct {
	ID           int        `json:"id"`
	ImageID      int        `json:"image_id"`
	CategoryID   int        `json:"category_id"`
	Segmentation any        `json:"segmentation"`
	BBox         [4]float64 `json:"bbox"`
	Area         float64    `json:"area"`
	IsCrowd      int        `json:"iscrowd"`
	Score        float64    `json:"score"`
}

// Assembler builds documents. SimplifyTolerance is the polygon simplification
// tolerance in pixels.
type Assembler struct {
	SimplifyTolerance float64
	log               *zap.Logger
}

// NewAssembler returns an assembler with the given polygon tolerance.
func NewAssembler(simplifyTolerance float64, log *zap.Logger) *Assembler {
	return &Assembler{SimplifyTolerance: simplifyTolerance, log: log}
}

// Assemble converts a batch into a document. Unconvertible or malformed
// annotations are skipped, each recorded as a warning; one bad annotation
// never aborts the export. The returned document is always structurally
// complete (Validate reports referential problems separately).
func (a *Assembler) Assemble(images []Image, categories []Category, annotations []Annotation, format Format) (*Document, []string, error) {
	if format != FormatPolygon && format != FormatRLE {
		return nil, nil, fmt.Errorf("unknown export format %q", format)
	}

	now := time.Now()
	doc := &Document{
		Info: Info{
			Description: "seglab annotation export",
			Version:     "1.0.0",
			Year:        now.Year(),
			DateCreated: now.Format(time.RFC3339),
		},
		Licenses:    []License{{ID: 1, Name: "Unknown", URL: ""}},
		Images:      []DocImage{},
		Annotations: []DocAnnotation{},
		Categories:  []DocCategory{},
	}

	imageIDs := make(map[string]int, len(images))
	for i, img := range images {
		id := i + 1
		imageIDs[img.ID] = id
		doc.Images = append(doc.Images, DocImage{
			ID:       id,
			FileName: img.FileName,
			Width:    img.Width,
			Height:   img.Height,
		})
	}

	catByName := make(map[string]int, len(categories))
	catByID := make(map[string]int, len(categories))
	for i, cat := range categories {
		id := categoryIDBase + i
		if cat.Name != "" {
			catByName[cat.Name] = id
		}
		if cat.ID != "" {
			catByID[cat.ID] = id
		}
		doc.Categories = append(doc.Categories, DocCategory{
			ID:            id,
			Name:          cat.Name,
			Supercategory: cat.Supercategory,
		})
	}

	var warnings []string
	nextID := 1
	for _, ann := range annotations {
		// Names are the more reliable join key across independently
		// assigned numeric ids.
		catID, ok := catByName[ann.CategoryName]
		if !ok {
			catID, ok = catByID[ann.CategoryID]
		}
		if !ok {
			// Kept with an out-of-table id so validation can name it;
			// dropping it here would hide the referential problem.
			catID = -1
			warnings = append(warnings, fmt.Sprintf("annotation %d: unknown category %q/%q", ann.ID, ann.CategoryName, ann.CategoryID))
			a.log.Warn("export: unknown category", zap.Int64("annotation_id", ann.ID), zap.String("category_name", ann.CategoryName))
		}

		// Same for unknown image references: the zero id is never assigned
		// to a real image, so validation flags it instead of a silent
		// misfile onto image 1.
		imageID := imageIDs[ann.ImageID]

		var segmentation any
		var iscrowd int
		switch format {
		case FormatPolygon:
			polys, err := mask.PolygonsFromRLE(ann.Segmentation, a.SimplifyTolerance)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("annotation %d: malformed segmentation, skipped: %v", ann.ID, err))
				a.log.Warn("export: malformed RLE", zap.Int64("annotation_id", ann.ID), zap.Error(err))
				continue
			}
			if len(polys) == 0 {
				warnings = append(warnings, fmt.Sprintf("annotation %d: mask produced no polygons, skipped", ann.ID))
				a.log.Warn("export: unconvertible mask", zap.Int64("annotation_id", ann.ID))
				continue
			}
			segmentation = polys
			iscrowd = 0
		case FormatRLE:
			if err := revalidateRLE(ann.Segmentation); err != nil {
				warnings = append(warnings, fmt.Sprintf("annotation %d: invalid RLE, skipped: %v", ann.ID, err))
				a.log.Warn("export: invalid RLE", zap.Int64("annotation_id", ann.ID), zap.Error(err))
				continue
			}
			segmentation = ann.Segmentation
			iscrowd = 1
		}

		doc.Annotations = append(doc.Annotations, DocAnnotation{
			ID:           nextID,
			ImageID:      imageID,
			CategoryID:   catID,
			Segmentation: segmentation,
			BBox:         ann.BBox,
			Area:         ann.Area,
			IsCrowd:      iscrowd,
			Score:        ann.Score,
		})
		nextID++
	}

	return doc, warnings, nil
}

// revalidateRLE checks the structural invariants of a pass-through RLE.
func revalidateRLE(r mask.RLE) error {
	h, w := r.Size[0], r.Size[1]
	if h <= 0 || w <= 0 {
		return fmt.Errorf("non-positive size [%d %d]", h, w)
	}
	sum := 0
	for _, c := range r.Counts {
		if c < 0 {
			return fmt.Errorf("negative count %d", c)
		}
		sum += c
	}
	if sum != h*w {
		return fmt.Errorf("counts sum %d, want %d", sum, h*w)
	}
	return nil
}

package export

import (
	"strings"
	"testing"

	"github.com/seglab/seglab/internal/mask"
	"go.uber.org/zap"
)

func testAssembler() *Assembler {
	return NewAssembler(1.0, zap.NewNop())
}

// squareRLE encodes a filled square with the given top-left corner and side
// inside a w by h mask.
func squareRLE(w, h, x, y, side int) mask.RLE {
	m := mask.New(w, h)
	for dy := 0; dy < side; dy++ {
		for dx := 0; dx < side; dx++ {
			m.Set(x+dx, y+dy, true)
		}
	}
	return mask.Encode(m)
}

func testBatch() ([]Image, []Category, []Annotation) {
	images := []Image{
		{ID: "img-a", FileName: "a.jpg", Width: 16, Height: 16},
		{ID: "img-b", FileName: "b.jpg", Width: 16, Height: 16},
	}
	categories := []Category{
		{ID: "7", Name: "cat", Supercategory: "animal"},
		{ID: "9", Name: "dog", Supercategory: "animal"},
	}
	annotations := []Annotation{
		{ID: 100, ImageID: "img-a", CategoryName: "cat", Segmentation: squareRLE(16, 16, 2, 2, 5), BBox: [4]float64{2, 2, 5, 5}, Area: 25, Score: 0.9},
		{ID: 101, ImageID: "img-b", CategoryName: "dog", Segmentation: squareRLE(16, 16, 8, 8, 4), BBox: [4]float64{8, 8, 4, 4}, Area: 16, Score: 0.8},
	}
	return images, categories, annotations
}

func TestAssembleRemapsIDs(t *testing.T) {
	images, categories, annotations := testBatch()

	doc, warnings, err := testAssembler().Assemble(images, categories, annotations, FormatPolygon)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	// Image ids are dense from 1 in input order.
	for i, want := range []int{1, 2} {
		if doc.Images[i].ID != want {
			t.Errorf("image %d id = %d, want %d", i, doc.Images[i].ID, want)
		}
	}
	// Category ids are dense from 0 regardless of the caller's string ids.
	for i, want := range []int{0, 1} {
		if doc.Categories[i].ID != want {
			t.Errorf("category %d id = %d, want %d", i, doc.Categories[i].ID, want)
		}
	}
	// Annotation ids are renumbered from 1.
	if len(doc.Annotations) != 2 {
		t.Fatalf("got %d annotations, want 2", len(doc.Annotations))
	}
	if doc.Annotations[0].ID != 1 || doc.Annotations[1].ID != 2 {
		t.Errorf("annotation ids = %d, %d, want 1, 2", doc.Annotations[0].ID, doc.Annotations[1].ID)
	}
	if doc.Annotations[0].ImageID != 1 || doc.Annotations[1].ImageID != 2 {
		t.Errorf("annotation image ids = %d, %d, want 1, 2", doc.Annotations[0].ImageID, doc.Annotations[1].ImageID)
	}
	if doc.Annotations[0].CategoryID != 0 || doc.Annotations[1].CategoryID != 1 {
		t.Errorf("annotation category ids = %d, %d, want 0, 1", doc.Annotations[0].CategoryID, doc.Annotations[1].CategoryID)
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	images, categories, annotations := testBatch()
	a := testAssembler()

	first, _, err := a.Assemble(images, categories, annotations, FormatRLE)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	second, _, err := a.Assemble(images, categories, annotations, FormatRLE)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	for i := range first.Annotations {
		if first.Annotations[i].ImageID != second.Annotations[i].ImageID ||
			first.Annotations[i].CategoryID != second.Annotations[i].CategoryID {
			t.Errorf("annotation %d remapped differently across runs", i)
		}
	}
}

func TestAssemblePolygonFormat(t *testing.T) {
	images, categories, annotations := testBatch()

	doc, _, err := testAssembler().Assemble(images, categories, annotations, FormatPolygon)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	for _, ann := range doc.Annotations {
		if ann.IsCrowd != 0 {
			t.Errorf("annotation %d iscrowd = %d, want 0", ann.ID, ann.IsCrowd)
		}
		polys, ok := ann.Segmentation.([][]float64)
		if !ok {
			t.Fatalf("annotation %d segmentation is %T, want [][]float64", ann.ID, ann.Segmentation)
		}
		if len(polys) == 0 {
			t.Errorf("annotation %d has no polygons", ann.ID)
		}
		for _, poly := range polys {
			if len(poly) < 6 || len(poly)%2 != 0 {
				t.Errorf("annotation %d polygon has %d coords", ann.ID, len(poly))
			}
		}
	}
}

func TestAssembleRLEFormat(t *testing.T) {
	images, categories, annotations := testBatch()

	doc, _, err := testAssembler().Assemble(images, categories, annotations, FormatRLE)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	for i, ann := range doc.Annotations {
		if ann.IsCrowd != 1 {
			t.Errorf("annotation %d iscrowd = %d, want 1", ann.ID, ann.IsCrowd)
		}
		rle, ok := ann.Segmentation.(mask.RLE)
		if !ok {
			t.Fatalf("annotation %d segmentation is %T, want mask.RLE", ann.ID, ann.Segmentation)
		}
		want := annotations[i].Segmentation
		if rle.Size != want.Size || len(rle.Counts) != len(want.Counts) {
			t.Errorf("annotation %d RLE was altered in passthrough", ann.ID)
		}
	}
}

func TestAssembleSkipsUnconvertibleMask(t *testing.T) {
	images, categories, annotations := testBatch()
	// A single pixel cannot form a valid polygon and must be skipped with a
	// warning in polygon format.
	annotations = append(annotations, Annotation{
		ID: 102, ImageID: "img-a", CategoryName: "cat",
		Segmentation: squareRLE(16, 16, 0, 0, 1),
	})

	doc, warnings, err := testAssembler().Assemble(images, categories, annotations, FormatPolygon)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(doc.Annotations) != 2 {
		t.Errorf("got %d annotations, want 2 after skip", len(doc.Annotations))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "102") {
		t.Errorf("warnings = %v, want one naming annotation 102", warnings)
	}
}

func TestAssembleSkipsMalformedRLE(t *testing.T) {
	images, categories, annotations := testBatch()
	annotations[0].Segmentation = mask.RLE{Counts: []int{5}, Size: [2]int{16, 16}}

	doc, warnings, err := testAssembler().Assemble(images, categories, annotations, FormatRLE)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(doc.Annotations) != 1 {
		t.Errorf("got %d annotations, want 1 after skip", len(doc.Annotations))
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want exactly one", warnings)
	}
}

func TestAssembleUnknownCategoryFailsValidation(t *testing.T) {
	images, categories, annotations := testBatch()
	annotations[0].CategoryName = "bird"
	annotations[0].CategoryID = "999"

	doc, warnings, err := testAssembler().Assemble(images, categories, annotations, FormatRLE)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	// The annotation is kept so validation can name the problem.
	if len(doc.Annotations) != 2 {
		t.Fatalf("got %d annotations, want 2", len(doc.Annotations))
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want exactly one", warnings)
	}

	report := Validate(doc)
	if report.Valid {
		t.Fatal("validation passed despite unknown category")
	}
	found := false
	for _, e := range report.Errors {
		if strings.Contains(e, "invalid category_id") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want an invalid category_id entry", report.Errors)
	}
}

func TestAssembleUnknownFormat(t *testing.T) {
	images, categories, annotations := testBatch()
	if _, _, err := testAssembler().Assemble(images, categories, annotations, Format("tfrecord")); err == nil {
		t.Fatal("Assemble accepted an unknown format")
	}
}

func TestValidateEmptyDocument(t *testing.T) {
	report := Validate(&Document{})
	if report.Valid {
		t.Fatal("empty document validated")
	}
	if len(report.Errors) != 3 {
		t.Errorf("got %d errors, want 3 empty-table errors", len(report.Errors))
	}
	if report.Summary.Images != 0 || report.Summary.Annotations != 0 || report.Summary.Categories != 0 {
		t.Errorf("summary = %+v, want zeros", report.Summary)
	}
}

func TestValidateHealthyDocument(t *testing.T) {
	images, categories, annotations := testBatch()
	doc, _, err := testAssembler().Assemble(images, categories, annotations, FormatPolygon)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	report := Validate(doc)
	if !report.Valid {
		t.Fatalf("validation failed: %v", report.Errors)
	}
	if report.Summary.Images != 2 || report.Summary.Annotations != 2 || report.Summary.Categories != 2 {
		t.Errorf("summary = %+v, want 2/2/2", report.Summary)
	}
}

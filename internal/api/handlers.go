package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seglab/seglab/internal/backend"
	"github.com/seglab/seglab/internal/database"
	"github.com/seglab/seglab/internal/export"
	"github.com/seglab/seglab/internal/mask"
	"github.com/seglab/seglab/internal/prompt"
	"github.com/seglab/seglab/internal/session"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// App carries the wired dependencies of every handler.
type App struct {
	Store       *session.Store
	Router      *prompt.Router
	Annotations *database.AnnotationRepo
	Assembler   *export.Assembler
	Log         *zap.Logger

	MaxUploadSize int64
	// AllowedTypes lists the accepted image MIME types; empty allows any
	// decodable format.
	AllowedTypes []string
	// DefaultThreshold applies to segment requests that omit the field. An
	// explicit 0 in a request means keep everything and is passed through.
	DefaultThreshold float64
}

// threshold resolves an optional request threshold against the configured
// default.
func (app *App) threshold(v *float64) float64 {
	if v == nil {
		return app.DefaultThreshold
	}
	return *v
}

// formatAllowed checks a decoded image format name against the configured
// MIME allowlist.
func (app *App) formatAllowed(format string) bool {
	if len(app.AllowedTypes) == 0 {
		return true
	}
	mime := "image/" + format
	for _, t := range app.AllowedTypes {
		if t == mime {
			return true
		}
	}
	return false
}

func (app *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UploadHandler registers an image from a multipart form. The optional
// image_id field allows re-upload under a stable id.
func (app *App) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "file too large or malformed form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode image: %v", err))
		return
	}
	if !app.formatAllowed(format) {
		respondError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("image type %q is not allowed", "image/"+format))
		return
	}

	imageID := r.FormValue("image_id")
	if imageID == "" {
		imageID = uuid.New().String()
	}

	app.Store.Register(imageID, header.Filename, img)
	app.Log.Info("image uploaded",
		zap.String("image_id", imageID),
		zap.String("format", format),
		zap.Int64("size", header.Size))

	info, _ := app.Store.Info(imageID)
	respondJSON(w, http.StatusOK, info)
}

type registerImageRequest struct {
	ImageID  string `json:"image_id"`
	FileName string `json:"file_name"`
	Data     string `json:"data"` // base64, optionally a data: URL
}

// RegisterImageHandler registers an image from base64-encoded bytes, for
// clients that cannot send multipart forms.
func (app *App) RegisterImageHandler(w http.ResponseWriter, r *http.Request) {
	var req registerImageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, app.MaxUploadSize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	payload := req.Data
	if i := strings.Index(payload, ","); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid base64 image data")
		return
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode image: %v", err))
		return
	}
	if !app.formatAllowed(format) {
		respondError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("image type %q is not allowed", "image/"+format))
		return
	}

	if req.ImageID == "" {
		req.ImageID = uuid.New().String()
	}
	app.Store.Register(req.ImageID, req.FileName, img)

	info, _ := app.Store.Info(req.ImageID)
	respondJSON(w, http.StatusOK, info)
}

// ImageHandler serves the registered pixels back as JPEG.
func (app *App) ImageHandler(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")

	sess, err := app.Store.Get(imageID)
	if err != nil {
		app.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, sess.Image(), &jpeg.Options{Quality: 90}); err != nil {
		app.Log.Error("failed to encode image response", zap.String("image_id", imageID), zap.Error(err))
	}
}

func (app *App) ListImagesHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, app.Store.List())
}

type segmentTextRequest struct {
	ImageID   string   `json:"image_id"`
	Prompt    string   `json:"prompt"`
	Threshold *float64 `json:"threshold"`
}

func (app *App) SegmentTextHandler(w http.ResponseWriter, r *http.Request) {
	var req segmentTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	app.segment(w, r, &prompt.Text{
		ImageID:   req.ImageID,
		Prompt:    req.Prompt,
		Threshold: app.threshold(req.Threshold),
	})
}

type segmentPointsRequest struct {
	ImageID   string          `json:"image_id"`
	Points    []backend.Point `json:"points"`
	Threshold *float64        `json:"threshold"`
	ResetMask bool            `json:"reset_mask"`
}

func (app *App) SegmentPointsHandler(w http.ResponseWriter, r *http.Request) {
	var req segmentPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	app.segment(w, r, &prompt.Points{
		ImageID:   req.ImageID,
		Points:    req.Points,
		Threshold: app.threshold(req.Threshold),
		ResetMask: req.ResetMask,
	})
}

type segmentBoxRequest struct {
	ImageID   string   `json:"image_id"`
	X1        float64  `json:"x1"`
	Y1        float64  `json:"y1"`
	X2        float64  `json:"x2"`
	Y2        float64  `json:"y2"`
	Positive  *bool    `json:"positive"`
	Threshold *float64 `json:"threshold"`
}

func (app *App) SegmentBoxHandler(w http.ResponseWriter, r *http.Request) {
	var req segmentBoxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	positive := true
	if req.Positive != nil {
		positive = *req.Positive
	}
	app.segment(w, r, &prompt.Box{
		ImageID: req.ImageID,
		X1:      req.X1, Y1: req.Y1, X2: req.X2, Y2: req.Y2,
		Positive:  positive,
		Threshold: app.threshold(req.Threshold),
	})
}

type segmentTemplateRequest struct {
	ImageID       string   `json:"image_id"`
	SourceImageID string   `json:"source_image_id"`
	X1            float64  `json:"x1"`
	Y1            float64  `json:"y1"`
	X2            float64  `json:"x2"`
	Y2            float64  `json:"y2"`
	Threshold     *float64 `json:"threshold"`
}

func (app *App) SegmentTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req segmentTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	app.segment(w, r, &prompt.Template{
		ImageID:       req.ImageID,
		SourceImageID: req.SourceImageID,
		X1:            req.X1, Y1: req.Y1, X2: req.X2, Y2: req.Y2,
		Threshold: app.threshold(req.Threshold),
	})
}

type segmentResponse struct {
	ImageID string          `json:"image_id"`
	Results []prompt.Result `json:"results"`
}

func (app *App) segment(w http.ResponseWriter, r *http.Request, p prompt.Prompt) {
	results, err := app.Router.Segment(r.Context(), p)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, segmentResponse{ImageID: p.TargetImage(), Results: results})
}

// ResetMaskHandler drops the refinement logits of one image, starting the
// next point sequence from scratch.
func (app *App) ResetMaskHandler(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")

	cleared, err := app.Router.ResetMask(imageID)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"image_id": imageID, "cleared": cleared})
}

// ResetPromptsHandler clears backend prompt state and refinement logits for
// one image.
func (app *App) ResetPromptsHandler(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")

	cleared, err := app.Router.ResetMask(imageID)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	if err := app.Router.ResetPrompts(r.Context(), imageID); err != nil {
		app.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"image_id": imageID, "cleared": cleared})
}

type createAnnotationRequest struct {
	ImageID      string     `json:"image_id"`
	CategoryID   string     `json:"category_id"`
	CategoryName string     `json:"category_name"`
	Segmentation mask.RLE   `json:"mask_rle"`
	BBox         [4]float64 `json:"bbox"`
	Area         float64    `json:"area"`
	Score        float64    `json:"score"`
}

func (app *App) CreateAnnotationHandler(w http.ResponseWriter, r *http.Request) {
	var req createAnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := app.Store.Get(req.ImageID)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	// Decoding proves the RLE is structurally sound before it is persisted.
	if _, err := mask.Decode(req.Segmentation); err != nil {
		app.respondErr(w, err)
		return
	}
	if req.Segmentation.Size != [2]int{sess.Height(), sess.Width()} {
		respondError(w, http.StatusBadRequest, fmt.Sprintf(
			"mask size %v does not match image %q (%dx%d)",
			req.Segmentation.Size, req.ImageID, sess.Width(), sess.Height()))
		return
	}

	ann := &export.Annotation{
		ImageID:      req.ImageID,
		CategoryID:   req.CategoryID,
		CategoryName: req.CategoryName,
		Segmentation: req.Segmentation,
		BBox:         req.BBox,
		Area:         req.Area,
		Score:        req.Score,
	}
	if err := app.Annotations.Insert(r.Context(), ann); err != nil {
		app.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ann)
}

func (app *App) ListAnnotationsHandler(w http.ResponseWriter, r *http.Request) {
	var (
		anns []export.Annotation
		err  error
	)
	if imageID := r.URL.Query().Get("image_id"); imageID != "" {
		anns, err = app.Annotations.ListByImage(r.Context(), imageID)
	} else {
		anns, err = app.Annotations.ListAll(r.Context())
	}
	if err != nil {
		app.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, anns)
}

func (app *App) GetAnnotationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid annotation id")
		return
	}

	ann, err := app.Annotations.GetByID(r.Context(), id)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	if ann == nil {
		respondError(w, http.StatusNotFound, "annotation not found")
		return
	}
	respondJSON(w, http.StatusOK, ann)
}

func (app *App) DeleteAnnotationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid annotation id")
		return
	}

	existed, err := app.Annotations.Delete(r.Context(), id)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, "annotation not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

type exportRequest struct {
	Format     string            `json:"format"`
	ImageIDs   []string          `json:"image_ids"`
	Categories []export.Category `json:"categories"`
}

type exportResponse struct {
	Document *export.Document `json:"document"`
	Warnings []string         `json:"warnings"`
}

// assembleFromRequest gathers the images and annotations named by the request
// and runs the assembler. An empty image list means every registered image.
func (app *App) assembleFromRequest(r *http.Request, req exportRequest) (*export.Document, []string, error) {
	format := export.Format(req.Format)
	if req.Format == "" {
		format = export.FormatPolygon
	}

	var images []export.Image
	var annotations []export.Annotation

	if len(req.ImageIDs) == 0 {
		for _, info := range app.Store.List() {
			images = append(images, export.Image(info))
		}
		all, err := app.Annotations.ListAll(r.Context())
		if err != nil {
			return nil, nil, err
		}
		annotations = all
	} else {
		for _, id := range req.ImageIDs {
			info, err := app.Store.Info(id)
			if err != nil {
				return nil, nil, err
			}
			images = append(images, export.Image(info))

			anns, err := app.Annotations.ListByImage(r.Context(), id)
			if err != nil {
				return nil, nil, err
			}
			annotations = append(annotations, anns...)
		}
	}

	return app.Assembler.Assemble(images, req.Categories, annotations, format)
}

func (app *App) ExportCocoHandler(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	doc, warnings, err := app.assembleFromRequest(r, req)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exportResponse{Document: doc, Warnings: warnings})
}

func (app *App) ValidateCocoHandler(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	doc, _, err := app.assembleFromRequest(r, req)
	if err != nil {
		app.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, export.Validate(doc))
}

// respondErr maps domain errors onto HTTP statuses.
func (app *App) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, prompt.ErrInvalidPrompt), errors.Is(err, mask.ErrMalformedRLE):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backend.ErrNotSupported):
		respondError(w, http.StatusNotImplemented, err.Error())
	default:
		app.Log.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

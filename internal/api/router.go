package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter builds the HTTP surface of the service.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(app.Log))
	r.Use(middleware.Recoverer)

	r.Get("/health", app.HealthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/upload", app.UploadHandler)
		r.Post("/register-image", app.RegisterImageHandler)
		r.Get("/images", app.ListImagesHandler)
		r.Get("/image/{imageID}", app.ImageHandler)

		r.Route("/segment", func(r chi.Router) {
			r.Post("/text", app.SegmentTextHandler)
			r.Post("/points", app.SegmentPointsHandler)
			r.Post("/box", app.SegmentBoxHandler)
			r.Post("/template", app.SegmentTemplateHandler)
			r.Post("/reset-mask/{imageID}", app.ResetMaskHandler)
		})

		r.Post("/reset/{imageID}", app.ResetPromptsHandler)

		r.Route("/annotations", func(r chi.Router) {
			r.Post("/", app.CreateAnnotationHandler)
			r.Get("/", app.ListAnnotationsHandler)
			r.Get("/{id}", app.GetAnnotationHandler)
			r.Delete("/{id}", app.DeleteAnnotationHandler)
		})

		r.Route("/export", func(r chi.Router) {
			r.Post("/coco", app.ExportCocoHandler)
			r.Post("/coco/validate", app.ValidateCocoHandler)
		})
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

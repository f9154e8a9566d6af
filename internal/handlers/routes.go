package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// NewRouter mounts every endpoint under /api. ws may be nil to disable the
// live triage feed.
func NewRouter(h *Handler, ws http.Handler, allowedOrigins []string, logger *slog.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(WithRequestID(logger.With("component", "http")))

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/model/info", h.ModelInfo).Methods(http.MethodGet)
	api.HandleFunc("/predict", h.Predict).Methods(http.MethodPost)
	api.HandleFunc("/predict/tensor", h.PredictTensor).Methods(http.MethodPost)
	api.HandleFunc("/predict-with-gradcam", h.PredictWithGradCAM).Methods(http.MethodPost)
	api.HandleFunc("/gradcam", h.GradCAM).Methods(http.MethodPost)
	api.HandleFunc("/audit", h.Audit).Methods(http.MethodGet)
	api.HandleFunc("/models", h.ListModels).Methods(http.MethodGet)
	api.HandleFunc("/models", h.RegisterModel).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}/activate", h.ActivateModel).Methods(http.MethodPost)
	if ws != nil {
		api.Handle("/ws/triage", ws).Methods(http.MethodGet)
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
	})
	return c.Handler(router)
}

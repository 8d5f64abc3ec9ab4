package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"aluda-backend/internal/imagegen"
	"aluda-backend/pkg/api"
)

type ImageService struct {
	images *imagegen.Service
}

func NewImageService(images *imagegen.Service) *ImageService {
	return &ImageService{images: images}
}

func (s *ImageService) AddRoutes(r chi.Router) {
	r.Route("/images", func(r chi.Router) {
		r.Post("/generate", s.GenerateImage)
		r.Get("/history", RestHandler(s.GetHistory))
	})
}

func (s *ImageService) GenerateImage(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromRequest(r)

	req, err := ParseRequest[api.GenerateImageRequest](r)
	if err != nil {
		writeRestError(w, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeRestError(w, CodedErrorf(http.StatusUnprocessableEntity, "prompt must not be empty"))
		return
	}

	item, err := s.images.Generate(r.Context(), actor, req.Prompt, req.Size)
	if err != nil {
		var quotaErr *imagegen.ErrImageQuotaExceeded
		if errors.As(err, &quotaErr) {
			writeQuotaExceeded(w, &quotaErr.Decision)
			return
		}
		writeRestError(w, err)
		return
	}

	WriteJsonResponse(w, api.GenerateImageResponse{Image: item})
}

func (s *ImageService) GetHistory(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)
	return s.images.History(r.Context(), actor)
}

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/helioslabs/subscription-service/internal/cms"
	"github.com/helioslabs/subscription-service/internal/domain"
	"github.com/helioslabs/subscription-service/pkg/logger"
	"github.com/helioslabs/subscription-service/pkg/res"
)

// ContentFetcher reads documents from the content API.
type ContentFetcher interface {
	GetContent(ctx context.Context, collection, locale string) ([]cms.Content, error)
}

// Collections the public endpoint is allowed to proxy. The CMS token
// grants wider access than we want to expose.
var publicCollections = map[string]bool{
	"pricing-page": true,
	"articles":     true,
	"faqs":         true,
}

// ContentHandler serves marketing content fetched from the CMS.
type ContentHandler struct {
	content ContentFetcher
	log     *logger.Logger
}

func NewContentHandler(content ContentFetcher, log *logger.Logger) *ContentHandler {
	return &ContentHandler{content: content, log: log}
}

// GetCollection handles GET /api/content/:collection.
func (h *ContentHandler) GetCollection(c *gin.Context) {
	collection := c.Param("collection")
	if !publicCollections[collection] {
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "unknown collection"}, http.StatusNotFound)
		return
	}

	locale := c.DefaultQuery("locale", "en")

	docs, err := h.content.GetContent(c.Request.Context(), collection, locale)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "content not found"}, http.StatusNotFound)
			return
		}
		h.log.Errorw("Failed to fetch content", "collection", collection, "locale", locale, "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "content temporarily unavailable"}, http.StatusBadGateway)
		return
	}

	res.JsonResponse(c.Writer, gin.H{"data": docs}, http.StatusOK)
}

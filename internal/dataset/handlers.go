package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/pagination"
)

// Handler provides HTTP endpoints for the local dataset.
type Handler struct {
	store Store
}

// NewHandler creates a new dataset handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the dataset routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dataset", h.List)
	r.GET("/dataset/export", h.Export)
	r.GET("/dataset/:id", h.Get)
	r.DELETE("/dataset/:id", h.Delete)
	r.DELETE("/dataset", h.Clear)
}

func (h *Handler) kind(c *gin.Context) (biometrics.Kind, bool) {
	kind, err := ParseKind(c.Query("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "kind must be pin or captcha",
		})
		return "", false
	}
	return kind, true
}

// List handles GET /dataset
func (h *Handler) List(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	page, err := ListPage(c.Request.Context(), h.store, kind, c.Query("cursor"), limit)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list dataset",
		})
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get handles GET /dataset/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Export handles GET /dataset/export
func (h *Handler) Export(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if _, err := Export(c.Request.Context(), h.store, kind, &buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "export_failed",
			"message": "Failed to export dataset",
		})
		return
	}

	name := fmt.Sprintf("%s_dataset_%s.csv", kindLabel(kind), time.Now().UTC().Format("20060102T150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// Delete handles DELETE /dataset/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Clear handles DELETE /dataset
func (h *Handler) Clear(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}
	n, err := h.store.Clear(c.Request.Context(), kind)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dataset entry not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Request failed",
	})
}

// Package httpapi is the thin gin adapter fronting the render-grid core: one
// handler per operation named in §6, JSON (de)serialization only. No
// auth/rate-limiting/CORS — those are named out of scope upstream.
package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelrender/rendergrid"
)

// Handler wires gin routes to a *rendergrid.Service.
type Handler struct {
	svc *rendergrid.Service
}

// NewHandler returns a Handler bound to svc.
func NewHandler(svc *rendergrid.Service) *Handler {
	return &Handler{svc: svc}
}

// Register attaches every route to r.
func (h *Handler) Register(r *gin.RouterGroup) {
	r.POST("/pdf", h.submitPDF)
	r.POST("/screenshot", h.submitScreenshot)
	r.GET("/jobs/:key", h.getStatus)
	r.POST("/jobs/:kind/:key/cancel", h.cancel)
	r.DELETE("/jobs/:kind/:key", h.remove)
	r.GET("/queue/:kind", h.queueStats)
	r.GET("/jobs/:key/artifact", h.openArtifact)
}

// submitRequest is the JSON body shared by submitPDF/submitScreenshot; Kind
// is filled in by the handler from the route, not the body.
type submitRequest struct {
	Key        string                   `json:"key" binding:"required"`
	SourceKind rendergrid.SourceKind    `json:"sourceKind" binding:"required"`
	Source     string                   `json:"source" binding:"required"`
	Options    rendergrid.RenderOptions `json:"options"`
	ReCreate   bool                     `json:"reCreate"`
}

func (h *Handler) submitPDF(c *gin.Context)        { h.submit(c, rendergrid.JobKindPDF) }
func (h *Handler) submitScreenshot(c *gin.Context) { h.submit(c, rendergrid.JobKindScreenshot) }

func (h *Handler) submit(c *gin.Context, kind rendergrid.JobKind) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.svc.Submit(rendergrid.SubmitRequest{
		Kind:       kind,
		Key:        rendergrid.RequestedKey(req.Key),
		SourceKind: req.SourceKind,
		Source:     req.Source,
		Options:    req.Options,
		ReCreate:   req.ReCreate,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, job.ToView())
}

func (h *Handler) getStatus(c *gin.Context) {
	key := rendergrid.RequestedKey(c.Param("key"))

	view, ok := h.svc.GetStatus(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) cancel(c *gin.Context) {
	kind := rendergrid.JobKind(c.Param("kind"))
	key := rendergrid.RequestedKey(c.Param("key"))

	if h.svc.Cancel(kind, key) {
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"cancelled": false})
}

func (h *Handler) remove(c *gin.Context) {
	kind := rendergrid.JobKind(c.Param("kind"))
	key := rendergrid.RequestedKey(c.Param("key"))

	removed, err := h.svc.Remove(kind, key)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"removed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *Handler) queueStats(c *gin.Context) {
	kind := rendergrid.JobKind(c.Param("kind"))
	c.JSON(http.StatusOK, h.svc.QueueStats(kind))
}

func (h *Handler) openArtifact(c *gin.Context) {
	key := rendergrid.RequestedKey(c.Param("key"))

	artifact, err := h.svc.OpenArtifact(key)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	defer artifact.Close()

	c.Header("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	c.DataFromReader(http.StatusOK, artifact.Size, artifact.MIME, io.Reader(artifact), nil)
}

// statusFor maps the sentinel errors named in §7 to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rendergrid.ErrInvalidInput), errors.Is(err, rendergrid.ErrUnsafeSource):
		return http.StatusBadRequest
	case errors.Is(err, rendergrid.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, rendergrid.ErrQueueFull), errors.Is(err, rendergrid.ErrStoreClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, rendergrid.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rendergrid.ErrNotReady):
		return http.StatusAccepted
	case errors.Is(err, rendergrid.ErrRenderFailed), errors.Is(err, rendergrid.ErrCancelled):
		return http.StatusGone
	case errors.Is(err, rendergrid.ErrArtifactMissing):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/catalog"
	"github.com/carepick/carepick/internal/deduplication"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/export"
	"github.com/carepick/carepick/internal/orchestrator"
	"github.com/carepick/carepick/internal/types"
)

// MaxImageBytes bounds a single upload
const MaxImageBytes = 20 << 20

// RegisterProductRoutes registers product listing, deletion and dedup endpoints.
func (s *Server) RegisterProductRoutes(r *gin.Engine) {
	g := r.Group("/api/products")
	g.GET("", s.handleListProducts)
	g.POST("/batch-delete", s.handleBatchDelete)
	g.POST("/dedup/suggest", s.handleDedupSuggest)
	g.POST("/dedup/suggest/stream", s.handleDedupStream)
	g.GET("/:id", s.handleGetProduct)
}

// RegisterUploadRoutes registers the two-stage ingest endpoints.
func (s *Server) RegisterUploadRoutes(r *gin.Engine) {
	g := r.Group("/api/upload")
	g.POST("/stage1", s.handleStage1)
	g.POST("/stage1/stream", s.handleStage1Stream)
	g.POST("/stage2", s.handleStage2)
	g.POST("/stage2/stream", s.handleStage2Stream)
}

func (s *Server) handleListProducts(c *gin.Context) {
	filter := types.ProductFilter{
		Category: strings.TrimSpace(c.Query("category")),
		Query:    strings.TrimSpace(c.Query("q")),
	}
	if filter.Category != "" {
		if _, err := types.ParseCategory(filter.Category); err != nil {
			respondError(c, ai.InvalidInput("Invalid category: '%s'.", filter.Category))
			return
		}
	}
	var err error
	if filter.Offset, err = queryInt(c, "offset", 0, 0, 1<<30); err != nil {
		respondError(c, err)
		return
	}
	if filter.Limit, err = queryInt(c, "limit", 0, 0, 1000); err != nil {
		respondError(c, err)
		return
	}
	cards, err := s.catalog.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cards)
}

func (s *Server) handleGetProduct(c *gin.Context) {
	doc, err := s.catalog.LoadDoc(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleBatchDelete(c *gin.Context) {
	var req catalog.DeleteRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	res, err := s.catalog.BatchDelete(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDedupSuggest(c *gin.Context) {
	var req deduplication.Request
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	res, err := s.dedup.Suggest(c.Request.Context(), req, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	if c.Query("format") == "xlsx" {
		data, err := export.SuggestionsXLSX(res)
		if err != nil {
			respondError(c, err)
			return
		}
		attachment(c, "dedup_suggestions.xlsx", data)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDedupStream(c *gin.Context) {
	var req deduplication.Request
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ch := orchestrator.StartWorker(c.Request.Context(), 0, nil, func(ctx context.Context, progress events.ProgressFunc) (any, error) {
		return s.dedup.Suggest(ctx, req, progress)
	})
	s.stream(c, ch)
}

// upload reads the multipart "image" field fully into memory
func upload(c *gin.Context) (string, []byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxImageBytes+1<<20)
	fh, err := c.FormFile("image")
	if err != nil {
		return "", nil, ai.InvalidInput("Missing image upload: %v", err)
	}
	if ct := fh.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return "", nil, ai.InvalidInput("Only image upload is supported.")
	}
	if fh.Size > MaxImageBytes {
		return "", nil, ai.InvalidInput("Image exceeds %d bytes.", MaxImageBytes)
	}
	data, err := readPart(fh)
	if err != nil {
		return "", nil, ai.InvalidInput("Failed to read image upload: %v", err)
	}
	return fh.Filename, data, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleStage1(c *gin.Context) {
	name, data, err := upload(c)
	if err != nil {
		respondError(c, err)
		return
	}
	res, err := s.catalog.Stage1(c.Request.Context(), name, bytes.NewReader(data), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleStage1Stream(c *gin.Context) {
	name, data, err := upload(c)
	if err != nil {
		respondError(c, err)
		return
	}
	ch := orchestrator.StartWorker(c.Request.Context(), 0, nil, func(ctx context.Context, progress events.ProgressFunc) (any, error) {
		return s.catalog.Stage1(ctx, name, bytes.NewReader(data), progress)
	})
	s.stream(c, ch)
}

func (s *Server) handleStage2(c *gin.Context) {
	res, err := s.catalog.Stage2(c.Request.Context(), c.PostForm("trace_id"), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleStage2Stream(c *gin.Context) {
	traceID := c.PostForm("trace_id")
	if strings.TrimSpace(traceID) == "" {
		respondError(c, ai.InvalidInput("trace_id is required."))
		return
	}
	ch := orchestrator.StartWorker(c.Request.Context(), 0, nil, func(ctx context.Context, progress events.ProgressFunc) (any, error) {
		return s.catalog.Stage2(ctx, traceID, progress)
	})
	s.stream(c, ch)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/retina-grader/internal/auth"
	"github.com/menta2k/retina-grader/internal/repository"
	"github.com/menta2k/retina-grader/pkg/pipeline"
	"github.com/menta2k/retina-grader/pkg/types"
)

// MaxUploadSize is the largest accepted image upload
const MaxUploadSize = 10 << 20

var allowedContentTypes = map[string]bool{
	"image/png":                true,
	"image/jpeg":               true,
	"image/jpg":                true,
	"image/webp":               true,
	"application/octet-stream": true,
}

type routeOptions struct {
	maxUpload int64
}

// RouteOption adjusts RegisterRoutes
type RouteOption func(*routeOptions)

// WithMaxUploadSize overrides MaxUploadSize
func WithMaxUploadSize(n int64) RouteOption {
	return func(o *routeOptions) {
		if n > 0 {
			o.maxUpload = n
		}
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// guards /predict and /result when non-nil.
func RegisterRoutes(router *gin.Engine, uc *PredictionUseCase, authMiddleware gin.HandlerFunc, opts ...RouteOption) {
	options := routeOptions{maxUpload: MaxUploadSize}
	for _, opt := range opts {
		opt(&options)
	}
	maxUpload := options.maxUpload

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_ready": uc.Ready()})
	})

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}

	protected.POST("/predict", func(c *gin.Context) {
		cfg, err := parsePipelineConfig(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}

		if file.Size > maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxUpload)})
			return
		}

		contentType := strings.ToLower(strings.TrimSpace(file.Header.Get("Content-Type")))
		if contentType != "" && !allowedContentTypes[contentType] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + contentType})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, maxUpload+1))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if int64(len(data)) > maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxUpload)})
			return
		}

		subject, _ := auth.GetSubject(c.Request.Context())
		outcome, err := uc.Predict(c.Request.Context(), subject, data, cfg)
		if err != nil {
			c.JSON(StatusCode(err), gin.H{
				"error":  err.Error(),
				"kind":   types.KindOf(err).String(),
				"status": types.StatusMessage(err),
			})
			return
		}

		c.JSON(http.StatusOK, outcome)
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		subject, _ := auth.GetSubject(c.Request.Context())
		outcome, err := uc.GetResult(c.Request.Context(), subject, requestID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, outcome)
	})
}

// StatusCode maps a prediction error onto an HTTP status
func StatusCode(err error) int {
	var stageErr *types.StageError
	if errors.As(err, &stageErr) && stageErr.Stage == pipeline.StageConfig {
		return http.StatusBadRequest
	}

	switch types.KindOf(err) {
	case types.KindInvalidImage:
		return http.StatusBadRequest
	case types.KindDegenerateCrop, types.KindResizeFailure, types.KindCropSizeExceedsImage, types.KindTensorConversionFailure:
		return http.StatusUnprocessableEntity
	case types.KindModelUnavailable:
		return http.StatusServiceUnavailable
	case types.KindInferenceFailure:
		return http.StatusBadGateway
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func parsePipelineConfig(c *gin.Context) (types.PipelineConfig, error) {
	contrast, err := formBool(c, "contrast", true)
	if err != nil {
		return types.PipelineConfig{}, err
	}
	sharpen, err := formBool(c, "sharpen", true)
	if err != nil {
		return types.PipelineConfig{}, err
	}

	sigma := int(types.Sigma10)
	if raw := strings.TrimSpace(c.PostForm("sigma")); raw != "" {
		sigma, err = strconv.Atoi(raw)
		if err != nil {
			return types.PipelineConfig{}, errors.New("sigma must be 10 or 20")
		}
	}
	return types.NewPipelineConfig(contrast, sharpen, sigma)
}

func formBool(c *gin.Context, name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(c.PostForm(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return v, nil
}

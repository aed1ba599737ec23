package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/leafscan/service"
)

var errUnauthorized = errors.New("unauthorized")

type Handler struct {
	svc     *service.Service
	token   string
	metrics *metrics
}

func newHandler(svc *service.Service, token string, m *metrics) *Handler {
	return &Handler{svc: svc, token: token, metrics: m}
}

type PredictRequest struct {
	Image *string `json:"image"`
}

type DiagnoseResponse struct {
	*service.Prediction
	service.Diagnosis
}

type ErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

func authenticate(c *gin.Context, expectedToken string) error {
	if expectedToken == "" {
		return nil
	}
	auth := c.GetHeader("Authorization")
	providedToken := ""
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}
	return nil
}

func (h *Handler) RequireToken(c *gin.Context) {
	if err := authenticate(c, h.token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
		return
	}
	c.Next()
}

func (h *Handler) Predict(c *gin.Context) {
	pred, ok := h.predict(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, pred)
}

func (h *Handler) Diagnose(c *gin.Context) {
	pred, ok := h.predict(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, DiagnoseResponse{
		Prediction: pred,
		Diagnosis:  service.Diagnose(pred.ClassName),
	})
}

func (h *Handler) predict(c *gin.Context) (*service.Prediction, bool) {
	logger := requestLogger(c)
	ctx := c.Request.Context()

	if err := h.svc.EnsureModel(ctx); err != nil {
		h.fail(c, err)
		return nil, false
	}

	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, service.StageValidation, "Request body too large")
			return nil, false
		}
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		respondError(c, http.StatusBadRequest, service.StageValidation, "Invalid JSON body")
		return nil, false
	}
	if req.Image == nil {
		logger.Warn("No image data found in request")
		respondError(c, http.StatusBadRequest, service.StageValidation, "No image data provided")
		return nil, false
	}
	logger.Info("Received image data", slog.Int("length", len(*req.Image)))

	start := time.Now()
	pred, err := h.svc.Predict(ctx, *req.Image)
	h.metrics.observePrediction(err, time.Since(start))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}

	logger.Info("Prediction successful",
		slog.String("class", pred.ClassName),
		slog.Float64("probability", pred.Probability),
	)
	return pred, true
}

// fail maps a pipeline error onto the HTTP response.
func (h *Handler) fail(c *gin.Context, err error) {
	status, stage, msg := describeError(err)
	logger := requestLogger(c)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", slog.String("stage", string(stage)), slog.String("error", err.Error()))
	} else {
		logger.Warn("Request rejected", slog.String("stage", string(stage)), slog.String("error", err.Error()))
	}
	respondError(c, status, stage, msg)
}

func describeError(err error) (int, service.Stage, string) {
	var se *service.StageError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError, "", "Internal server error"
	}
	switch se.Stage {
	case service.StageValidation:
		return http.StatusBadRequest, se.Stage, se.Err.Error()
	case service.StageDecode:
		return http.StatusBadRequest, se.Stage, fmt.Sprintf("Failed to process image: %v", se.Err)
	case service.StageLoad:
		return http.StatusInternalServerError, se.Stage, "Failed to load the model"
	case service.StageInference:
		return http.StatusInternalServerError, se.Stage, fmt.Sprintf("Prediction failed: %v", se.Err)
	}
	return http.StatusInternalServerError, se.Stage, "Internal server error"
}

func respondError(c *gin.Context, status int, stage service.Stage, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Stage: string(stage)})
}

func (h *Handler) Health(c *gin.Context) {
	st := h.svc.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "Plant disease detection API is running",
		"model":   st.State.String(),
	})
}

func (h *Handler) Labels(c *gin.Context) {
	labels := h.svc.Labels()
	c.JSON(http.StatusOK, gin.H{
		"classes": labels,
		"count":   len(labels),
	})
}

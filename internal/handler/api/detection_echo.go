package api

import (
	"errors"
	"net/http"
	"time"

	models "MarketSentry/internal/domain/models"
	"MarketSentry/internal/repository"
	"MarketSentry/internal/services/alerting"
	"MarketSentry/internal/services/detection"
	"MarketSentry/internal/usecase"
	"MarketSentry/pkg/config"
	xhttp "MarketSentry/pkg/http"
	xlogger "MarketSentry/pkg/logger"
	"MarketSentry/pkg/util"

	"github.com/labstack/echo/v4"
)

// DetectionEchoHandler exposes the detection engine over HTTP.
type DetectionEchoHandler struct {
	logger *xlogger.Logger
	engine *usecase.DetectionEngine
	now    func() time.Time
}

func NewDetectionEchoHandler(logger *xlogger.Logger, engine *usecase.DetectionEngine) *DetectionEchoHandler {
	if logger == nil {
		logger = xlogger.NewNop()
	}
	return &DetectionEchoHandler{logger: logger, engine: engine, now: time.Now}
}

func (h *DetectionEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api/v1")
	g.GET("/status", h.Status)
	g.GET("/sources/health", h.SourcesHealth)
	g.GET("/data/latest", h.LatestData)
	g.POST("/detect", h.Detect)
	g.POST("/detect/missing-data", h.DetectMissingData)
	g.POST("/detect/price-movement", h.DetectPriceMovement)
	g.POST("/detect/ml-anomalies", h.DetectMLAnomalies)
	g.POST("/train", h.Train)
	g.POST("/model/save", h.SaveModel)
	g.POST("/model/load", h.LoadModel)
	g.PUT("/rules", h.ReplaceRules)
}

type HealthResponse struct {
	Status    string               `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Sources   usecase.HealthStatus `json:"sources"`
	Model     usecase.ModelStatus  `json:"model"`
}

type DetectResponse struct {
	Anomalies   []*models.Anomaly `json:"anomalies"`
	Count       int               `json:"count"`
	ProcessedAt time.Time         `json:"processed_at"`
}

type RulesRequest struct {
	Rules []config.AlertRuleEntry `json:"rules"`
}

type RulesResponse struct {
	Loaded  int      `json:"loaded"`
	Skipped int      `json:"skipped"`
	Names   []string `json:"names"`
}

// Health reports 200 when at least one adapter is connected, 503 otherwise.
func (h *DetectionEchoHandler) Health(c echo.Context) error {
	res := HealthResponse{Status: "healthy", Timestamp: h.now().UTC(), Model: h.engine.ModelStatus()}
	if reg := h.engine.Registry(); reg != nil {
		res.Sources = reg.HealthStatus()
	}
	if !res.Sources.OverallHealthy {
		res.Status = "degraded"
		return xhttp.ServiceUnavailableResponse(c, res)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *DetectionEchoHandler) Status(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.engine.Status())
}

func (h *DetectionEchoHandler) SourcesHealth(c echo.Context) error {
	reg := h.engine.Registry()
	if reg == nil {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("no data sources configured"))
	}
	return xhttp.SuccessResponse(c, reg.HealthStatus())
}

func (h *DetectionEchoHandler) LatestData(c echo.Context) error {
	req := &models.LatestDataRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	reg := h.engine.Registry()
	if reg == nil {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("no data sources configured"))
	}
	pts, err := reg.LatestData(c.Request().Context(), util.SplitCSV(req.Sources), util.SplitCSV(req.Symbols), req.Limit)
	if err != nil {
		h.logger.Error("latest data error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, pts, int64(len(pts)))
}

func (h *DetectionEchoHandler) Detect(c echo.Context) error {
	req := &models.DetectRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	pts, err := models.Points(req.Data)
	if err != nil {
		return pointsError(c, err)
	}
	return h.detected(c, h.engine.Detect(c.Request().Context(), pts))
}

func (h *DetectionEchoHandler) DetectMissingData(c echo.Context) error {
	req := &models.MissingDataRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	pts, err := models.Points(req.Data)
	if err != nil {
		return pointsError(c, err)
	}
	return h.detected(c, h.engine.DetectMissingData(c.Request().Context(), pts, req.ThresholdMinutes))
}

func (h *DetectionEchoHandler) DetectPriceMovement(c echo.Context) error {
	req := &models.PriceMovementRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	pts, err := models.Points(req.Data)
	if err != nil {
		return pointsError(c, err)
	}
	found := h.engine.DetectPriceMovement(c.Request().Context(), pts, req.ThresholdPercent, req.WindowMinutes)
	return h.detected(c, found)
}

func (h *DetectionEchoHandler) DetectMLAnomalies(c echo.Context) error {
	req := &models.DetectRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	pts, err := models.Points(req.Data)
	if err != nil {
		return pointsError(c, err)
	}
	return h.detected(c, h.engine.DetectStatistical(c.Request().Context(), pts))
}

func pointsError(c echo.Context, err error) error {
	var pe *models.PointError
	if errors.As(err, &pe) {
		return xhttp.AppErrorResponse(c, xhttp.InvalidFieldError(pe.Field(), pe.Err.Error()))
	}
	return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
}

func (h *DetectionEchoHandler) detected(c echo.Context, found []*models.Anomaly) error {
	if found == nil {
		found = []*models.Anomaly{}
	}
	return xhttp.SuccessResponse(c, DetectResponse{Anomalies: found, Count: len(found), ProcessedAt: h.now().UTC()})
}

func (h *DetectionEchoHandler) Train(c echo.Context) error {
	req := &models.TrainRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	pts, err := models.Points(req.Data)
	if err != nil {
		return pointsError(c, err)
	}
	res, err := h.engine.Train(c.Request().Context(), pts)
	switch {
	case err == nil:
		return xhttp.SuccessResponse(c, res)
	case errors.Is(err, usecase.ErrMLDisabled):
		return xhttp.ServiceUnavailableResponse(c, res)
	case errors.Is(err, usecase.ErrNoTrainingData):
		return xhttp.BadRequestResponse(c, res)
	default:
		h.logger.Error("train usecase error", xlogger.Error(err))
		return xhttp.DataResponse(c, http.StatusInternalServerError, res)
	}
}

func (h *DetectionEchoHandler) SaveModel(c echo.Context) error {
	if err := h.engine.SaveModel(c.Request().Context()); err != nil {
		return h.modelError(c, "save", err)
	}
	return xhttp.SuccessResponse(c, h.engine.ModelStatus())
}

func (h *DetectionEchoHandler) LoadModel(c echo.Context) error {
	if err := h.engine.LoadModel(c.Request().Context()); err != nil {
		return h.modelError(c, "load", err)
	}
	return xhttp.SuccessResponse(c, h.engine.ModelStatus())
}

func (h *DetectionEchoHandler) modelError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, usecase.ErrMLDisabled), errors.Is(err, usecase.ErrNoModelStore):
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError(err.Error()))
	case errors.Is(err, detection.ErrNotFitted):
		return xhttp.AppErrorResponse(c, xhttp.ConflictError("model is not trained"))
	case errors.Is(err, repository.ErrModelNotFound):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("no saved model"))
	}
	h.logger.Error("model "+op+" error", xlogger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.InternalError("model "+op+" failed").WithError(err))
}

// ReplaceRules swaps the whole rule set. Entries are decoded with their
// defaults applied, so the envelope is bound directly instead of going
// through the default setter. Bad entries are skipped; if every entry is bad
// the current rules stay.
func (h *DetectionEchoHandler) ReplaceRules(c echo.Context) error {
	alerts := h.engine.Alerts()
	if alerts == nil {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("alerting is not configured"))
	}
	req := &RulesRequest{}
	if err := c.Bind(req); err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("invalid rules payload").WithError(err))
	}
	rules := alerting.BuildRules(req.Rules, h.logger)
	if len(rules) == 0 && len(req.Rules) > 0 {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("no valid alert rules in payload"))
	}
	alerts.ReplaceRules(rules)

	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	h.logger.Info("alert rules replaced", xlogger.Int("loaded", len(rules)), xlogger.Int("skipped", len(req.Rules)-len(rules)))
	return xhttp.SuccessResponse(c, RulesResponse{Loaded: len(rules), Skipped: len(req.Rules) - len(rules), Names: names})
}

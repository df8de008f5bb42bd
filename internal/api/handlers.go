package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reliastack/incident-engine/internal/engine"
	"github.com/reliastack/incident-engine/internal/ingest"
	"github.com/reliastack/incident-engine/internal/models"
	"github.com/reliastack/incident-engine/internal/patterns"
	"github.com/reliastack/incident-engine/internal/timeline"
	"github.com/reliastack/incident-engine/internal/utils"
)

// Store is the read/write slice of persistence the handlers use directly;
// everything stateful goes through the lifecycle controller instead.
type Store interface {
	ListHypotheses(ctx context.Context, incidentID string) ([]models.Hypothesis, error)
	ListSignals(ctx context.Context, entities []string, since, until time.Time) ([]models.Signal, error)
	GetSignals(ctx context.Context, ids []string) ([]models.Signal, []string, error)
	InsertSLO(ctx context.Context, slo models.SLO) error
}

// Handlers contains the HTTP handlers for the engine API.
type Handlers struct {
	lifecycle *engine.Lifecycle
	ingestor  *ingest.Ingestor
	impact    *engine.ImpactCalculator
	miner     *patterns.Miner
	timeline  *timeline.Builder
	rules     *engine.RuleEngine
	store     Store
	log       *slog.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(lc *engine.Lifecycle, in *ingest.Ingestor, impact *engine.ImpactCalculator, miner *patterns.Miner, tb *timeline.Builder, rules *engine.RuleEngine, store Store, log *slog.Logger) *Handlers {
	return &Handlers{
		lifecycle: lc,
		ingestor:  in,
		impact:    impact,
		miner:     miner,
		timeline:  tb,
		rules:     rules,
		store:     store,
		log:       log,
	}
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", h.HandleHealth)
	router.GET("/readyz", h.HandleReady)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/incidents", h.HandleCreateIncident)
		v1.GET("/incidents/:id", h.HandleGetIncident)
		v1.PATCH("/incidents/:id", h.HandlePatchIncident)
		v1.GET("/incidents/:id/hypotheses", h.HandleListHypotheses)
		v1.GET("/incidents/:id/recommendations", h.HandleListRecommendations)
		v1.GET("/incidents/:id/timeline", h.HandleGetTimeline)
		v1.POST("/incidents/:id/correlate", h.HandleCorrelate)
		v1.GET("/incidents/:id/impact", h.HandleImpact)
		v1.GET("/incidents/:id/watch", h.HandleWatch)

		v1.POST("/signals", h.HandleIngestSignal)
		v1.GET("/signals", h.HandleListSignals)

		v1.POST("/slos", h.HandleCreateSLO)
		v1.GET("/patterns/hotspots", h.HandleHotspots)
	}
	return router
}

// HandleCreateIncident opens a new incident in Detected state.
func (h *Handlers) HandleCreateIncident(c *gin.Context) {
	var req models.CreateIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inc, err := h.lifecycle.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inc)
}

// HandleGetIncident returns the current aggregate snapshot.
func (h *Handlers) HandleGetIncident(c *gin.Context) {
	inc, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

// HandlePatchIncident applies a lifecycle transition. Rejected transitions
// come back as 409 with the unchanged incident and the rejection reason.
func (h *Handlers) HandlePatchIncident(c *gin.Context) {
	var req models.PatchIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.lifecycle.Patch(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		if utils.IsKind(err, utils.KindPrecondition) {
			c.JSON(http.StatusConflict, result)
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) HandleListHypotheses(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.lifecycle.Get(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	hyps, err := h.store.ListHypotheses(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if hyps == nil {
		hyps = []models.Hypothesis{}
	}
	hyps = h.dropPrunedSignalRefs(c.Request.Context(), id, hyps)
	c.JSON(http.StatusOK, hyps)
}

// dropPrunedSignalRefs removes supporting-signal ids that no longer resolve.
// Hypotheses outlive the signal audit horizon, so old ones can point at
// signals the pruner already removed.
func (h *Handlers) dropPrunedSignalRefs(ctx context.Context, incidentID string, hyps []models.Hypothesis) []models.Hypothesis {
	var all []string
	for _, hyp := range hyps {
		all = append(all, hyp.SupportingSignalIDs...)
	}
	if len(all) == 0 {
		return hyps
	}
	_, missing, err := h.store.GetSignals(ctx, all)
	if err != nil || len(missing) == 0 {
		return hyps
	}
	gone := make(map[string]bool, len(missing))
	for _, id := range missing {
		gone[id] = true
	}
	h.log.Warn("hypotheses reference pruned signals",
		slog.String("incident_id", incidentID),
		slog.Int("missing", len(missing)))
	for i := range hyps {
		kept := hyps[i].SupportingSignalIDs[:0:0]
		for _, id := range hyps[i].SupportingSignalIDs {
			if !gone[id] {
				kept = append(kept, id)
			}
		}
		hyps[i].SupportingSignalIDs = kept
	}
	return hyps
}

// HandleListRecommendations returns rule-based mitigation suggestions for
// the incident's current hypotheses.
func (h *Handlers) HandleListRecommendations(c *gin.Context) {
	id := c.Param("id")
	inc, err := h.lifecycle.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	hyps, err := h.store.ListHypotheses(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	recs := h.rules.Recommend(inc, hyps)
	if recs == nil {
		recs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"incident_id": id, "recommendations": recs})
}

func (h *Handlers) HandleGetTimeline(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.lifecycle.Get(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	events, err := h.timeline.Read(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if events == nil {
		events = []models.TimelineEvent{}
	}
	c.JSON(http.StatusOK, events)
}

type correlateRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// HandleCorrelate triggers one correlation pass. The response carries
// whatever hypotheses the pass produced plus the partial flag when the
// pass was degraded.
func (h *Handlers) HandleCorrelate(c *gin.Context) {
	var req correlateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	var window models.TimeRange
	if req.Start != "" {
		t, err := utils.ParseRFC3339(req.Start)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start is not RFC 3339"})
			return
		}
		window.Start = t
	}
	if req.End != "" {
		t, err := utils.ParseRFC3339(req.End)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end is not RFC 3339"})
			return
		}
		window.End = t
	}

	outcome, err := h.lifecycle.RunCorrelation(c.Request.Context(), c.Param("id"), window)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if outcome.Hypotheses == nil {
		outcome.Hypotheses = []models.Hypothesis{}
	}
	c.JSON(http.StatusOK, outcome)
}

// HandleImpact evaluates every SLO bound to the incident's services.
func (h *Handlers) HandleImpact(c *gin.Context) {
	inc, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	report, err := h.impact.Evaluate(c.Request.Context(), inc)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleIngestSignal normalizes and stores one raw signal payload. This
// endpoint is for the ingestion pipeline, not end users.
func (h *Handlers) HandleIngestSignal(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	sig, err := h.ingestor.Ingest(c.Request.Context(), payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sig)
}

// HandleListSignals is the audit view over the stored signal stream.
func (h *Handlers) HandleListSignals(c *gin.Context) {
	entity := c.Query("entity")
	if entity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entity query parameter is required"})
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	until := time.Now().UTC()
	if v := c.Query("since"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since is not RFC 3339"})
			return
		}
		since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := utils.ParseRFC3339(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "until is not RFC 3339"})
			return
		}
		until = t
	}
	signals, err := h.store.ListSignals(c.Request.Context(), []string{entity}, since, until)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if signals == nil {
		signals = []models.Signal{}
	}
	c.JSON(http.StatusOK, signals)
}

type createSLORequest struct {
	Service         string  `json:"service" binding:"required"`
	Name            string  `json:"name" binding:"required"`
	Metric          string  `json:"metric" binding:"required"`
	TargetValue     float64 `json:"target_value" binding:"required"`
	Polarity        string  `json:"polarity" binding:"required"`
	WindowDays      int     `json:"window_days"`
	AllowedDowntime float64 `json:"allowed_downtime_seconds"`
}

// HandleCreateSLO registers an objective for later impact evaluation.
func (h *Handlers) HandleCreateSLO(c *gin.Context) {
	var req createSLORequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	polarity := models.SLOPolarity(req.Polarity)
	if polarity != models.PolarityHigherIsBetter && polarity != models.PolarityLowerIsBetter {
		c.JSON(http.StatusBadRequest, gin.H{"error": "polarity must be higher_is_better or lower_is_better"})
		return
	}
	slo := models.SLO{
		ID:              uuid.NewString(),
		Service:         req.Service,
		Name:            req.Name,
		Metric:          req.Metric,
		TargetValue:     req.TargetValue,
		Polarity:        polarity,
		WindowDays:      req.WindowDays,
		AllowedDowntime: req.AllowedDowntime,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.store.InsertSLO(c.Request.Context(), slo); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, slo)
}

// HandleHotspots returns recurrence hotspots mined from resolved incidents.
func (h *Handlers) HandleHotspots(c *gin.Context) {
	hotspots, err := h.miner.Mine(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if hotspots == nil {
		hotspots = []patterns.Hotspot{}
	}
	c.JSON(http.StatusOK, hotspots)
}

func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) HandleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch utils.KindOf(err) {
	case utils.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case utils.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case utils.KindPrecondition:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case utils.KindUpstreamTimeout:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

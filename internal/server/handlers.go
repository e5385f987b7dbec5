package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"sellerflow/internal/store"
	syncpkg "sellerflow/internal/sync"
	"sellerflow/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"name":    s.cfg.Sellerflow.Name,
		"version": s.cfg.Sellerflow.Version,
	})
}

type triggerSyncRequest struct {
	Mode         string `json:"mode" binding:"omitempty,oneof=full-backfill incremental status-only"`
	LookbackDays int    `json:"lookbackDays" binding:"omitempty,min=1"`
}

func (s *Server) handleTriggerSync(c *gin.Context) {
	marketplace := c.Param("marketplace")

	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := models.SyncMode(req.Mode)
	if req.Mode == "" {
		mode = models.ModeIncremental
	}

	result, err := s.orchestrator.Run(c.Request.Context(), marketplace, mode, req.LookbackDays)
	switch {
	case errors.Is(err, syncpkg.ErrUnknownMarketplace):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress", "marketplace": marketplace})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	marketplace := c.Param("marketplace")

	cursor, err := s.store.GetCursor(c.Request.Context(), marketplace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if cursor == nil {
		c.JSON(http.StatusOK, gin.H{
			"marketplace": marketplace,
			"status":      models.CursorIdle,
			"synced":      false,
		})
		return
	}

	count, err := s.store.CountOrders(c.Request.Context(), marketplace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cursor, "orderCount": count})
}

// splitFilter turns a comma-separated query value into a list, dropping
// empties.
func splitFilter(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type summaryQuery struct {
	Start         string `form:"start" binding:"required,datetime=2006-01-02"`
	End           string `form:"end" binding:"required,datetime=2006-01-02"`
	PreviousStart string `form:"previousStart" binding:"omitempty,datetime=2006-01-02"`
	PreviousEnd   string `form:"previousEnd" binding:"omitempty,datetime=2006-01-02"`
	Channels      string `form:"channels"`
	Statuses      string `form:"statuses"`
	Refresh       bool   `form:"refresh"`
}

// derivePrevious defaults the comparison window to the span immediately
// before the current one, same length.
func derivePrevious(q summaryQuery) models.DateRange {
	if q.PreviousStart != "" && q.PreviousEnd != "" {
		return models.DateRange{Start: q.PreviousStart, End: q.PreviousEnd}
	}
	start, err1 := time.Parse("2006-01-02", q.Start)
	end, err2 := time.Parse("2006-01-02", q.End)
	if err1 != nil || err2 != nil || end.Before(start) {
		return models.DateRange{}
	}
	span := end.Sub(start) + 24*time.Hour
	return models.DateRange{
		Start: start.Add(-span).Format("2006-01-02"),
		End:   start.Add(-24 * time.Hour).Format("2006-01-02"),
	}
}

func (s *Server) handleDashboardSummary(c *gin.Context) {
	var q summaryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	current := models.DateRange{Start: q.Start, End: q.End}
	summary, info, err := s.builder.GetAggregate(c.Request.Context(),
		current, derivePrevious(q), splitFilter(q.Channels), splitFilter(q.Statuses), q.Refresh)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "cache": info})
}

type settlementRequest struct {
	Start    string   `json:"start" binding:"required,datetime=2006-01-02"`
	End      string   `json:"end" binding:"required,datetime=2006-01-02"`
	Channels []string `json:"channels"`
	Statuses []string `json:"statuses"`
}

func (s *Server) handleComputeSettlement(c *gin.Context) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	orders, err := s.store.OrdersInRange(ctx, req.Start, req.End, req.Channels, req.Statuses)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	idsByMarketplace := make(map[string][]string)
	for _, o := range orders {
		idsByMarketplace[o.Marketplace] = append(idsByMarketplace[o.Marketplace], o.ExternalID)
	}
	var items []models.OrderItem
	for marketplace, ids := range idsByMarketplace {
		batch, err := s.store.ItemsForOrders(ctx, marketplace, ids)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items = append(items, batch...)
	}

	settlements, err := s.fees.ComputeBatch(ctx, orders, items)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var gross, net, totalFees float64
	for _, st := range settlements {
		gross += st.GrossValue
		net += st.NetValue
		totalFees += st.TotalFees
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":      len(settlements),
		"grossValue":  gross,
		"netValue":    net,
		"totalFees":   totalFees,
		"settlements": settlements,
	})
}

func (s *Server) handleListFeePeriods(c *gin.Context) {
	periods, err := s.store.ListFeePeriods(c.Request.Context(), c.Query("marketplace"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"periods": periods})
}

type feePeriodRequest struct {
	Marketplace        string  `json:"marketplace" binding:"required"`
	ValidFrom          string  `json:"validFrom" binding:"required,datetime=2006-01-02"`
	ValidTo            string  `json:"validTo" binding:"omitempty,datetime=2006-01-02"`
	CommissionPercent  float64 `json:"commissionPercent" binding:"min=0"`
	ServiceFeePercent  float64 `json:"serviceFeePercent" binding:"min=0"`
	FixedFeePerProduct float64 `json:"fixedFeePerProduct" binding:"min=0"`
	Notes              string  `json:"notes"`
}

func (s *Server) handleCreateFeePeriod(c *gin.Context) {
	var req feePeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	validFrom, _ := time.Parse("2006-01-02", req.ValidFrom)
	period := &models.FeePeriod{
		Marketplace:        req.Marketplace,
		ValidFrom:          validFrom,
		CommissionPercent:  req.CommissionPercent,
		ServiceFeePercent:  req.ServiceFeePercent,
		FixedFeePerProduct: req.FixedFeePerProduct,
	}
	if req.ValidTo != "" {
		validTo, _ := time.Parse("2006-01-02", req.ValidTo)
		if !validFrom.Before(validTo) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validTo must be after validFrom"})
			return
		}
		period.ValidTo = &validTo
	}
	if req.Notes != "" {
		period.Notes = &req.Notes
	}

	id, err := s.store.InsertFeePeriod(c.Request.Context(), period)
	switch {
	case errors.Is(err, store.ErrFeePeriodOverlap):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		period.ID = id
		// New rates take effect immediately, not after the cache TTL.
		s.fees.Invalidate(req.Marketplace)
		c.JSON(http.StatusCreated, period)
	}
}

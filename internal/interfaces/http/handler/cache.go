package handler

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	appparam "github.com/paramcache/backend/internal/application/parameter"
	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/interfaces/http/middleware"
)

// CacheService is the part of the application cache service the HTTP API uses
type CacheService interface {
	GetSystemRate(ctx context.Context, name string) (*parameter.SystemRate, error)
	GetDocumentTypes(ctx context.Context) ([]parameter.DocumentType, error)
	GetSystemDates(ctx context.Context) ([]parameter.SystemDate, error)
	Today(ctx context.Context) (parameter.Date, error)
	IsHoliday(ctx context.Context, day parameter.Date) (bool, error)
	GetDay(ctx context.Context, days int) (parameter.Date, error)
	AddDay(ctx context.Context, days int) (parameter.Date, error)
	Stats(ctx context.Context) (appparam.Stats, error)
	Populate(ctx context.Context, kind parameter.Kind) (appparam.PopulateReport, error)
	InvalidateFrom(ctx context.Context, scope parameter.Scope, origin string) error
}

// CacheHandler serves cached parameters, calendar arithmetic and cache
// administration
type CacheHandler struct {
	BaseHandler
	svc CacheService
}

// NewCacheHandler creates a new CacheHandler
func NewCacheHandler(svc CacheService) *CacheHandler {
	return &CacheHandler{svc: svc}
}

// SystemRateQuery selects one system rate
type SystemRateQuery struct {
	Name string `form:"name" binding:"required,max=64"`
}

// SystemDatesQuery optionally filters system dates by tag
type SystemDatesQuery struct {
	Type string `form:"type" binding:"omitempty,daytype"`
}

// HolidayQuery selects a calendar day
type HolidayQuery struct {
	Day string `form:"day" binding:"required,isodate"`
}

// OffsetQuery carries a day offset, positive or negative
type OffsetQuery struct {
	Days int `form:"days"`
}

// PopulateQuery selects the kind to warm
type PopulateQuery struct {
	Kind string `form:"kind" binding:"required,kind"`
}

// InvalidateRequest is the optional body of POST /invalidate
type InvalidateRequest struct {
	Kind string `json:"kind" binding:"omitempty,kind" example:"system_rates"`
	Name string `json:"name" binding:"omitempty,max=64" example:"IVA"`
}

// HolidayResponse answers whether a day is a non-working day
type HolidayResponse struct {
	Day     parameter.Date `json:"day" swaggertype:"string" format:"date" example:"2024-03-16"`
	Holiday bool           `json:"holiday" example:"true"`
}

// DayResponse carries the result of a calendar computation
type DayResponse struct {
	Days int            `json:"days" example:"3"`
	Day  parameter.Date `json:"day" swaggertype:"string" format:"date" example:"2024-03-19"`
}

// InvalidateResponse echoes what was cleared
type InvalidateResponse struct {
	Scope string `json:"scope" example:"system_rates:IVA"`
}

// GetSystemRate godoc
//
//	@ID				getSystemRate
//	@Summary		Get a system rate
//	@Description	Returns one named rate, loading it from the parameter service on a miss
//	@Tags			cache
//	@Produce		json
//	@Param			name	query		string	true	"Rate name"	maxlength(64)
//	@Success		200		{object}	APIResponse[parameter.SystemRate]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Router			/cache/sysvar [get]
func (h *CacheHandler) GetSystemRate(c *gin.Context) {
	var q SystemRateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	rate, err := h.svc.GetSystemRate(c.Request.Context(), q.Name)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rate)
}

// GetDocumentTypes godoc
//
//	@ID				getDocumentTypes
//	@Summary		List document types
//	@Description	Returns every document type, populating the store on first use
//	@Tags			cache
//	@Produce		json
//	@Success		200	{object}	APIResponse[[]parameter.DocumentType]
//	@Failure		502	{object}	ErrorResponse
//	@Router			/cache/doctypes [get]
func (h *CacheHandler) GetDocumentTypes(c *gin.Context) {
	docs, err := h.svc.GetDocumentTypes(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, docs)
}

// GetSystemDates godoc
//
//	@ID				getSystemDates
//	@Summary		List system dates
//	@Description	Returns the calendar entries, optionally filtered by tag
//	@Tags			cache
//	@Produce		json
//	@Param			type	query		string	false	"Day tag"	Enums(TODAY, HOLIDAY)
//	@Success		200		{object}	APIResponse[[]parameter.SystemDate]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Router			/cache/dates [get]
func (h *CacheHandler) GetSystemDates(c *gin.Context) {
	var q SystemDatesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	dates, err := h.svc.GetSystemDates(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if q.Type != "" {
		want, _ := parameter.ParseDayType(q.Type)
		filtered := make([]parameter.SystemDate, 0, len(dates))
		for _, d := range dates {
			if d.Name == want {
				filtered = append(filtered, d)
			}
		}
		dates = filtered
	}
	h.Success(c, dates)
}

// GetToday godoc
//
//	@ID			getToday
//	@Summary	Get the business date
//	@Tags		calendar
//	@Produce	json
//	@Success	200	{object}	APIResponse[DayResponse]
//	@Failure	404	{object}	ErrorResponse
//	@Router		/cache/today [get]
func (h *CacheHandler) GetToday(c *gin.Context) {
	today, err := h.svc.Today(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, DayResponse{Day: today})
}

// IsHoliday godoc
//
//	@ID				isHoliday
//	@Summary		Check a day
//	@Description	Reports whether the day is a weekend or a listed holiday
//	@Tags			calendar
//	@Produce		json
//	@Param			day	query		string	true	"Day (YYYY-MM-DD)"	format(date)
//	@Success		200	{object}	APIResponse[HolidayResponse]
//	@Failure		400	{object}	ErrorResponse
//	@Router			/cache/holiday [get]
func (h *CacheHandler) IsHoliday(c *gin.Context) {
	var q HolidayQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	day, err := parameter.ParseDate(q.Day)
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}
	holiday, err := h.svc.IsHoliday(c.Request.Context(), day)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, HolidayResponse{Day: day, Holiday: holiday})
}

// GetDay godoc
//
//	@ID				getDay
//	@Summary		Offset the business date by calendar days
//	@Description	Adds days to TODAY and rolls forward past weekends and holidays
//	@Tags			calendar
//	@Produce		json
//	@Param			days	query		int	false	"Day offset, may be negative"
//	@Success		200		{object}	APIResponse[DayResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Router			/cache/day [get]
func (h *CacheHandler) GetDay(c *gin.Context) {
	h.offset(c, h.svc.GetDay)
}

// AddDay godoc
//
//	@ID				addDay
//	@Summary		Offset the business date by working days
//	@Description	Steps one day at a time from TODAY, counting only working days
//	@Tags			calendar
//	@Produce		json
//	@Param			days	query		int	false	"Working day offset, may be negative"
//	@Success		200		{object}	APIResponse[DayResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Router			/cache/addday [get]
func (h *CacheHandler) AddDay(c *gin.Context) {
	h.offset(c, h.svc.AddDay)
}

func (h *CacheHandler) offset(c *gin.Context, compute func(context.Context, int) (parameter.Date, error)) {
	var q OffsetQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BadRequest(c, "days must be an integer")
		return
	}
	day, err := compute(c.Request.Context(), q.Days)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, DayResponse{Days: q.Days, Day: day})
}

// GetStats godoc
//
//	@ID			getCacheStats
//	@Summary	Count cached entities per kind
//	@Tags		cache
//	@Produce	json
//	@Success	200	{object}	APIResponse[appparam.Stats]
//	@Failure	500	{object}	ErrorResponse
//	@Router		/cache/stats [get]
func (h *CacheHandler) GetStats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}

// Populate godoc
//
//	@ID				populateCache
//	@Summary		Reload one kind from the parameter service
//	@Description	Replaces the stored entities of the kind. The store is untouched when the fetch fails.
//	@Tags			admin
//	@Produce		json
//	@Security		BearerAuth
//	@Param			kind	query		string	true	"Kind"	Enums(document_types, system_dates)
//	@Success		200		{object}	APIResponse[appparam.PopulateReport]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Failure		501		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Router			/cache/populate [post]
func (h *CacheHandler) Populate(c *gin.Context) {
	var q PopulateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	kind, _ := parameter.ParseKind(q.Kind)
	report, err := h.svc.Populate(c.Request.Context(), kind)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, report)
}

// InvalidateAll godoc
//
//	@ID				invalidateCache
//	@Summary		Invalidate cached parameters
//	@Description	Without a body every kind is cleared; a body narrows the scope
//	@Tags			admin
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		InvalidateRequest	false	"Scope"
//	@Success		200		{object}	APIResponse[InvalidateResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Router			/cache/invalidate [post]
func (h *CacheHandler) InvalidateAll(c *gin.Context) {
	scope := parameter.ScopeAll()
	if c.Request.ContentLength != 0 {
		var req InvalidateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.HandleValidationError(c, err)
			return
		}
		kind, _ := parameter.ParseKind(req.Kind)
		scope = parameter.Scope{Kind: kind, Name: strings.TrimSpace(req.Name)}
	}
	h.invalidate(c, scope)
}

// InvalidateDates godoc
//
//	@ID			invalidateDates
//	@Summary	Invalidate system dates
//	@Tags		admin
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	APIResponse[InvalidateResponse]
//	@Failure	401	{object}	ErrorResponse
//	@Router		/cache/invalidate/dates [post]
func (h *CacheHandler) InvalidateDates(c *gin.Context) {
	h.invalidate(c, parameter.ScopeKind(parameter.KindSystemDates))
}

// InvalidateDocuments godoc
//
//	@ID			invalidateDocuments
//	@Summary	Invalidate document types
//	@Tags		admin
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	APIResponse[InvalidateResponse]
//	@Failure	401	{object}	ErrorResponse
//	@Router		/cache/invalidate/documents [post]
func (h *CacheHandler) InvalidateDocuments(c *gin.Context) {
	h.invalidate(c, parameter.ScopeKind(parameter.KindDocumentTypes))
}

// InvalidateRates godoc
//
//	@ID			invalidateRates
//	@Summary	Invalidate system rates
//	@Tags		admin
//	@Produce	json
//	@Security	BearerAuth
//	@Param		name	query		string	false	"Only this rate"
//	@Success	200		{object}	APIResponse[InvalidateResponse]
//	@Failure	401		{object}	ErrorResponse
//	@Router		/cache/invalidate/rates [post]
func (h *CacheHandler) InvalidateRates(c *gin.Context) {
	if name := strings.TrimSpace(c.Query("name")); name != "" {
		h.invalidate(c, parameter.ScopeRate(name))
		return
	}
	h.invalidate(c, parameter.ScopeKind(parameter.KindSystemRates))
}

func (h *CacheHandler) invalidate(c *gin.Context, scope parameter.Scope) {
	if scope.Name != "" && scope.Kind != parameter.KindSystemRates {
		h.BadRequest(c, "name is only accepted for system_rates")
		return
	}
	if err := h.svc.InvalidateFrom(c.Request.Context(), scope, appparam.OriginAPI); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, InvalidateResponse{Scope: scope.String()})
}

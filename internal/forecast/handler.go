package forecast

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/obraplan/obraplan/internal/ledger"
	"github.com/obraplan/obraplan/internal/money"
	"github.com/obraplan/obraplan/internal/platform/httpx"
)

const dateLayout = "2006-01-02"

// Handler wires HTTP endpoints for forecasts and supply groups.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers forecast and group routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/forecasts", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.With(httprate.LimitByIP(30, time.Minute)).Post("/reorder", h.handleReorder)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)
			r.Post("/advance", h.handleAdvance)
			r.Post("/pay", h.handlePay)
			r.Post("/clear", h.handleClear)
			r.Post("/move-up", h.handleMoveUp)
			r.Post("/move-down", h.handleMoveDown)
		})
	})
	r.Route("/groups", func(r chi.Router) {
		r.Get("/", h.handleListGroups)
		r.Post("/", h.handleCreateGroup)
		r.Post("/convert", h.handleConvert)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetGroup)
			r.Patch("/", h.handleUpdateGroup)
			r.Delete("/", h.handleDeleteGroup)
			r.Post("/items", h.handleAddItems)
		})
	})
}

type createForecastRequest struct {
	ProjectID   int64  `json:"project_id" validate:"required"`
	Description string `json:"description" validate:"required"`
	Unit        string `json:"unit"`
	SupplierID  int64  `json:"supplier_id"`
	CategoryID  int64  `json:"category_id"`

	Quantity  float64 `json:"quantity" validate:"gte=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`

	DiscountValue   *float64 `json:"discount_value" validate:"omitempty,gte=0"`
	DiscountPercent *float64 `json:"discount_percent" validate:"omitempty,gte=0,lte=100"`

	EstimatedDate string `json:"estimated_date"`
}

type updateForecastRequest struct {
	Description *string `json:"description"`
	Unit        *string `json:"unit"`
	SupplierID  *int64  `json:"supplier_id"`
	CategoryID  *int64  `json:"category_id"`

	Quantity  *float64 `json:"quantity" validate:"omitempty,gte=0"`
	UnitPrice *float64 `json:"unit_price" validate:"omitempty,gte=0"`

	DiscountValue   *float64 `json:"discount_value" validate:"omitempty,gte=0"`
	DiscountPercent *float64 `json:"discount_percent" validate:"omitempty,gte=0,lte=100"`

	EstimatedDate *string `json:"estimated_date"`
}

type advanceRequest struct {
	Status       string `json:"status" validate:"required"`
	IsPaid       *bool  `json:"is_paid"`
	PaymentProof string `json:"payment_proof"`
	InvoiceDoc   string `json:"invoice_doc"`
}

type payRequest struct {
	Paid         bool   `json:"paid"`
	PaymentProof string `json:"payment_proof"`
}

type clearRequest struct {
	Cleared    bool   `json:"cleared"`
	InvoiceDoc string `json:"invoice_doc"`
}

type reorderRequest struct {
	ProjectID int64   `json:"project_id" validate:"required"`
	Status    string  `json:"status" validate:"required"`
	IDs       []int64 `json:"ids" validate:"required,min=1"`
}

type groupItemRequest struct {
	Description string  `json:"description" validate:"required"`
	Unit        string  `json:"unit"`
	CategoryID  int64   `json:"category_id"`
	Quantity    float64 `json:"quantity" validate:"gte=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`

	DiscountValue   *float64 `json:"discount_value" validate:"omitempty,gte=0"`
	DiscountPercent *float64 `json:"discount_percent" validate:"omitempty,gte=0,lte=100"`
}

type createGroupRequest struct {
	ProjectID     int64              `json:"project_id" validate:"required"`
	Title         string             `json:"title" validate:"required"`
	SupplierID    int64              `json:"supplier_id"`
	EstimatedDate string             `json:"estimated_date"`
	Items         []groupItemRequest `json:"items" validate:"required,min=1,dive"`
}

type convertRequest struct {
	ProjectID     int64   `json:"project_id" validate:"required"`
	ForecastIDs   []int64 `json:"forecast_ids" validate:"required,min=1"`
	Title         string  `json:"title" validate:"required"`
	SupplierID    int64   `json:"supplier_id"`
	EstimatedDate string  `json:"estimated_date"`
}

type updateGroupRequest struct {
	Title         *string `json:"title"`
	SupplierID    *int64  `json:"supplier_id"`
	EstimatedDate *string `json:"estimated_date"`

	Status       *string `json:"status"`
	IsPaid       *bool   `json:"is_paid"`
	PaymentProof *string `json:"payment_proof"`
	IsCleared    *bool   `json:"is_cleared"`
	InvoiceDoc   *string `json:"invoice_doc"`
}

type addItemsRequest struct {
	Items []groupItemRequest `json:"items" validate:"required,min=1,dive"`
}

type forecastResponse struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Description string `json:"description"`
	Unit        string `json:"unit,omitempty"`
	SupplierID  int64  `json:"supplier_id,omitempty"`
	CategoryID  int64  `json:"category_id,omitempty"`

	Quantity        float64 `json:"quantity"`
	UnitPrice       float64 `json:"unit_price"`
	DiscountValue   float64 `json:"discount_value"`
	DiscountPercent float64 `json:"discount_percent"`
	GrossAmount     float64 `json:"gross_amount"`
	NetAmount       float64 `json:"net_amount"`
	NetDisplay      string  `json:"net_display"`

	Status       string `json:"status"`
	IsPaid       bool   `json:"is_paid"`
	IsCleared    bool   `json:"is_cleared"`
	PaymentProof string `json:"payment_proof,omitempty"`
	InvoiceDoc   string `json:"invoice_doc,omitempty"`

	PurchaseDate  string `json:"purchase_date,omitempty"`
	DeliveryDate  string `json:"delivery_date,omitempty"`
	EstimatedDate string `json:"estimated_date,omitempty"`

	GroupID  int64 `json:"group_id,omitempty"`
	Position int   `json:"position"`
	Version  int64 `json:"version"`
}

type groupResponse struct {
	ID         int64  `json:"id"`
	ProjectID  int64  `json:"project_id"`
	Title      string `json:"title"`
	SupplierID int64  `json:"supplier_id,omitempty"`

	Status       string `json:"status"`
	IsPaid       bool   `json:"is_paid"`
	IsCleared    bool   `json:"is_cleared"`
	PaymentProof string `json:"payment_proof,omitempty"`
	InvoiceDoc   string `json:"invoice_doc,omitempty"`

	PurchaseDate  string `json:"purchase_date,omitempty"`
	DeliveryDate  string `json:"delivery_date,omitempty"`
	EstimatedDate string `json:"estimated_date,omitempty"`

	Total        float64            `json:"total"`
	TotalDisplay string             `json:"total_display"`
	Version      int64              `json:"version"`
	Members      []forecastResponse `json:"members"`
}

func toForecastResponse(f Forecast) forecastResponse {
	return forecastResponse{
		ID:              f.ID,
		ProjectID:       f.ProjectID,
		Description:     f.Description,
		Unit:            f.Unit,
		SupplierID:      f.SupplierID,
		CategoryID:      f.CategoryID,
		Quantity:        f.Quantity,
		UnitPrice:       f.UnitPrice,
		DiscountValue:   f.DiscountValue,
		DiscountPercent: f.DiscountPercent,
		GrossAmount:     f.GrossAmount(),
		NetAmount:       f.NetAmount(),
		NetDisplay:      money.Format(f.NetAmount()),
		Status:          string(f.Status),
		IsPaid:          f.IsPaid,
		IsCleared:       f.IsCleared,
		PaymentProof:    f.PaymentProof,
		InvoiceDoc:      f.InvoiceDoc,
		PurchaseDate:    formatDate(f.PurchaseDate),
		DeliveryDate:    formatDate(f.DeliveryDate),
		EstimatedDate:   formatDate(f.EstimatedDate),
		GroupID:         f.GroupID,
		Position:        f.Position,
		Version:         f.Version,
	}
}

func toGroupResponse(gm GroupWithMembers) groupResponse {
	members := make([]forecastResponse, 0, len(gm.Members))
	for _, m := range gm.Members {
		members = append(members, toForecastResponse(m))
	}
	return groupResponse{
		ID:            gm.Group.ID,
		ProjectID:     gm.Group.ProjectID,
		Title:         gm.Group.Title,
		SupplierID:    gm.Group.SupplierID,
		Status:        string(gm.Group.Status),
		IsPaid:        gm.Group.IsPaid,
		IsCleared:     gm.Group.IsCleared,
		PaymentProof:  gm.Group.PaymentProof,
		InvoiceDoc:    gm.Group.InvoiceDoc,
		PurchaseDate:  formatDate(gm.Group.PurchaseDate),
		DeliveryDate:  formatDate(gm.Group.DeliveryDate),
		EstimatedDate: formatDate(gm.Group.EstimatedDate),
		Total:         gm.Total(),
		TotalDisplay:  money.Format(gm.Total()),
		Version:       gm.Group.Version,
		Members:       members,
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	supplierID, _ := strconv.ParseInt(r.URL.Query().Get("supplier_id"), 10, 64)
	filters := ListFilters{
		ProjectID:  projectID,
		Status:     r.URL.Query().Get("status"),
		SupplierID: supplierID,
		Search:     r.URL.Query().Get("search"),
		SortBy:     r.URL.Query().Get("sort"),
		SortDir:    r.URL.Query().Get("dir"),
	}
	items, total, err := h.service.List(r.Context(), limit, offset, filters)
	if err != nil {
		h.respondError(w, r, "list forecasts", err)
		return
	}
	out := make([]forecastResponse, 0, len(items))
	for _, f := range items {
		out = append(out, toForecastResponse(f))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out, "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createForecastRequest
	if !h.decode(w, r, &req) {
		return
	}
	estimated, err := parseDate(req.EstimatedDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "estimated_date must be YYYY-MM-DD")
		return
	}
	f, err := h.service.Create(r.Context(), CreateInput{
		ProjectID:       req.ProjectID,
		Description:     req.Description,
		Unit:            req.Unit,
		SupplierID:      req.SupplierID,
		CategoryID:      req.CategoryID,
		Quantity:        req.Quantity,
		UnitPrice:       req.UnitPrice,
		DiscountValue:   req.DiscountValue,
		DiscountPercent: req.DiscountPercent,
		EstimatedDate:   estimated,
	})
	if err != nil {
		h.respondError(w, r, "create forecast", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toForecastResponse(f))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	f, err := h.service.Get(r.Context(), urlID(r))
	if err != nil {
		h.respondError(w, r, "get forecast", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toForecastResponse(f))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateForecastRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := UpdateInput{
		Description:     req.Description,
		Unit:            req.Unit,
		SupplierID:      req.SupplierID,
		CategoryID:      req.CategoryID,
		Quantity:        req.Quantity,
		UnitPrice:       req.UnitPrice,
		DiscountValue:   req.DiscountValue,
		DiscountPercent: req.DiscountPercent,
	}
	if req.EstimatedDate != nil {
		estimated, err := parseDate(*req.EstimatedDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "estimated_date must be YYYY-MM-DD")
			return
		}
		patch.EstimatedDate = &estimated
	}
	f, err := h.service.Update(r.Context(), urlID(r), patch)
	if err != nil {
		h.respondError(w, r, "update forecast", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toForecastResponse(f))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), urlID(r)); err != nil {
		h.respondError(w, r, "delete forecast", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.service.AdvanceStatus(r.Context(), urlID(r), AdvanceInput{
		Target:       Status(req.Status),
		IsPaid:       req.IsPaid,
		PaymentProof: req.PaymentProof,
		InvoiceDoc:   req.InvoiceDoc,
	})
	if err != nil {
		h.respondError(w, r, "advance forecast", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toForecastResponse(f))
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.service.SetPaid(r.Context(), urlID(r), req.Paid, req.PaymentProof)
	if err != nil {
		h.respondError(w, r, "set paid", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toForecastResponse(f))
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.service.SetCleared(r.Context(), urlID(r), req.Cleared, req.InvoiceDoc)
	if err != nil {
		h.respondError(w, r, "set cleared", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toForecastResponse(f))
}

func (h *Handler) handleMoveUp(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MoveUp(r.Context(), urlID(r)); err != nil {
		h.respondError(w, r, "move up", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMoveDown(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MoveDown(r.Context(), urlID(r)); err != nil {
		h.respondError(w, r, "move down", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.Reorder(r.Context(), req.ProjectID, Status(req.Status), req.IDs); err != nil {
		h.respondError(w, r, "reorder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.ParseInt(r.URL.Query().Get("project_id"), 10, 64)
	if projectID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "project_id is required")
		return
	}
	groups, err := h.service.ListGroups(r.Context(), projectID)
	if err != nil {
		h.respondError(w, r, "list groups", err)
		return
	}
	out := make([]groupResponse, 0, len(groups))
	for _, gm := range groups {
		out = append(out, toGroupResponse(gm))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	estimated, err := parseDate(req.EstimatedDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "estimated_date must be YYYY-MM-DD")
		return
	}
	gm, err := h.service.CreateGroup(r.Context(), CreateGroupInput{
		ProjectID:     req.ProjectID,
		Title:         req.Title,
		SupplierID:    req.SupplierID,
		EstimatedDate: estimated,
		Items:         toGroupItems(req.Items),
	})
	if err != nil {
		h.respondError(w, r, "create group", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGroupResponse(gm))
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !h.decode(w, r, &req) {
		return
	}
	estimated, err := parseDate(req.EstimatedDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "estimated_date must be YYYY-MM-DD")
		return
	}
	gm, err := h.service.ConvertToGroup(r.Context(), ConvertInput{
		ProjectID:     req.ProjectID,
		ForecastIDs:   req.ForecastIDs,
		Title:         req.Title,
		SupplierID:    req.SupplierID,
		EstimatedDate: estimated,
	})
	if err != nil {
		h.respondError(w, r, "convert to group", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGroupResponse(gm))
}

func (h *Handler) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	gm, err := h.service.GetGroup(r.Context(), urlID(r))
	if err != nil {
		h.respondError(w, r, "get group", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGroupResponse(gm))
}

func (h *Handler) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req updateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := GroupPatch{
		Title:      req.Title,
		SupplierID: req.SupplierID,
		Lifecycle: LifecyclePatch{
			IsPaid:       req.IsPaid,
			PaymentProof: req.PaymentProof,
			IsCleared:    req.IsCleared,
			InvoiceDoc:   req.InvoiceDoc,
		},
	}
	if req.Status != nil {
		target := Status(*req.Status)
		patch.Lifecycle.Target = &target
	}
	if req.EstimatedDate != nil {
		estimated, err := parseDate(*req.EstimatedDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "estimated_date must be YYYY-MM-DD")
			return
		}
		patch.EstimatedDate = &estimated
	}
	gm, err := h.service.UpdateGroup(r.Context(), urlID(r), patch)
	if err != nil {
		h.respondError(w, r, "update group", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGroupResponse(gm))
}

func (h *Handler) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteGroup(r.Context(), urlID(r)); err != nil {
		h.respondError(w, r, "delete group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddItems(w http.ResponseWriter, r *http.Request) {
	var req addItemsRequest
	if !h.decode(w, r, &req) {
		return
	}
	gm, err := h.service.AddItems(r.Context(), urlID(r), toGroupItems(req.Items))
	if err != nil {
		h.respondError(w, r, "add group items", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGroupResponse(gm))
}

func toGroupItems(items []groupItemRequest) []GroupItemInput {
	out := make([]GroupItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, GroupItemInput{
			Description:     item.Description,
			Unit:            item.Unit,
			CategoryID:      item.CategoryID,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			DiscountValue:   item.DiscountValue,
			DiscountPercent: item.DiscountPercent,
		})
	}
	return out
}

// decode parses and validates the JSON body, writing the problem response
// itself when the request is malformed.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "request body must be valid JSON")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Error())
		} else {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request")
		}
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrIllegalTransition):
		httpx.Problem(w, http.StatusConflict, "Illegal Transition", err.Error())
	case errors.Is(err, ErrGroupedMember):
		httpx.Problem(w, http.StatusConflict, "Grouped Member", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "the record was modified concurrently, retry with fresh data")
	case errors.Is(err, ledger.ErrSyncFailed):
		// The lifecycle change is committed; only the ledger projection
		// lags behind and will be reconciled.
		httpx.Problem(w, http.StatusBadGateway, "Ledger Sync Failed", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func urlID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}

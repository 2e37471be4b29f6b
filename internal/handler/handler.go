// Package handler содержит HTTP-обработчики API платформы fundchain.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manishjadhav9/fundchain/internal/engine"
	"github.com/manishjadhav9/fundchain/internal/ledger"
	"github.com/manishjadhav9/fundchain/internal/middleware"
	"github.com/manishjadhav9/fundchain/internal/model"
	"github.com/manishjadhav9/fundchain/internal/repository"
	"github.com/manishjadhav9/fundchain/internal/resolver"
	"github.com/manishjadhav9/fundchain/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)
	GetUser(ctx context.Context, login string) (*model.User, error)
	CreateCampaign(ctx context.Context, owner string, params engine.CreateCampaignParams) (*model.CampaignView, error)
	GetCampaignView(ctx context.Context, id string) (*model.CampaignView, error)
	ListCampaigns(ctx context.Context, status *model.CampaignStatus) ([]model.CampaignView, error)
	Verify(ctx context.Context, id string) (*model.CampaignView, error)
	Donate(ctx context.Context, id string, amountUnits int64, idempotencyKey string) (*model.CampaignView, error)
	ConfirmPayment(ctx context.Context, campaignID string, amountUnits int64, idempotencyKey string) (*model.CampaignView, error)
	CompleteMilestone(ctx context.Context, id string, idx int, caller string) (*model.CampaignView, error)
	Withdraw(ctx context.Context, id string, amountUnits int64, idempotencyKey, caller string) (*model.CampaignView, error)
	ResolveAsset(ctx context.Context, ref string) ([]byte, error)
	PinAsset(ctx context.Context, ref string) bool
	AssetPinned(ctx context.Context, ref string) (bool, error)
}

// Handler реализует HTTP-обработчики API платформы fundchain.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.Login)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, engine.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.Login)
	w.WriteHeader(http.StatusOK)
}

type milestoneRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type createCampaignRequest struct {
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	Type         string             `json:"type"`
	Target       float64            `json:"target"`
	ImageRef     string             `json:"image_ref"`
	DocumentRefs []string           `json:"document_refs"`
	Milestones   []milestoneRequest `json:"milestones"`
}

type milestoneResponse struct {
	Index       int     `json:"index"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
	Completed   bool    `json:"completed"`
}

type campaignResponse struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	Type         string              `json:"type"`
	Target       float64             `json:"target"`
	Raised       float64             `json:"raised"`
	Donors       int                 `json:"donors"`
	Status       string              `json:"status"`
	Owner        string              `json:"owner"`
	ImageRef     string              `json:"image_ref,omitempty"`
	DocumentRefs []string            `json:"document_refs,omitempty"`
	Milestones   []milestoneResponse `json:"milestones"`
	Source       string              `json:"source"`
	Confirmed    bool                `json:"confirmed"`
	CreatedAt    string              `json:"created_at"`
	UpdatedAt    string              `json:"updated_at"`
}

func toCampaignResponse(v *model.CampaignView) campaignResponse {
	c := v.Campaign
	milestones := make([]milestoneResponse, 0, len(c.Milestones))
	for _, m := range c.Milestones {
		milestones = append(milestones, milestoneResponse{
			Index:       m.Index,
			Title:       m.Title,
			Description: m.Description,
			Amount:      model.ToTokens(m.AmountUnits),
			Completed:   m.IsCompleted,
		})
	}
	return campaignResponse{
		ID:           c.ID,
		Title:        c.Title,
		Description:  c.Description,
		Type:         string(c.CampaignType),
		Target:       model.ToTokens(c.TargetUnits),
		Raised:       model.ToTokens(c.RaisedUnits),
		Donors:       c.DonorCount,
		Status:       string(c.Status),
		Owner:        c.Owner,
		ImageRef:     c.ImageRef,
		DocumentRefs: c.DocumentRefs,
		Milestones:   milestones,
		Source:       string(v.Source),
		Confirmed:    v.Confirmed,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) writeCampaignJSON(w http.ResponseWriter, status int, v *model.CampaignView) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(toCampaignResponse(v)); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// writeCampaignError переводит ошибки движка кампаний в HTTP-статусы.
func (h *Handler) writeCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrCampaignNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, engine.ErrCampaignClosed):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, engine.ErrPermissionDenied), errors.Is(err, ledger.ErrPermissionDenied):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, engine.ErrMilestoneNotFound):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrInsufficientFunds):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, engine.ErrUnconfirmedCampaign), errors.Is(err, ledger.ErrLedgerUnreachable):
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		var rejected *ledger.RejectedError
		if errors.As(err, &rejected) {
			http.Error(w, rejected.Reason, http.StatusConflict)
			return
		}
		h.logger.Error("campaign operation error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// requireLogin достаёт логин текущего пользователя из контекста запроса.
func requireLogin(w http.ResponseWriter, r *http.Request) (string, bool) {
	login, ok := middleware.GetUserLoginFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return login, true
}

// requireAdmin проверяет, что текущий пользователь имеет права администратора.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	login, ok := requireLogin(w, r)
	if !ok {
		return "", false
	}
	user, err := h.service.GetUser(r.Context(), login)
	if err != nil {
		h.logger.Error("get user error", zap.Error(err), zap.String("login", login))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return "", false
	}
	if !user.IsAdmin {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return "", false
	}
	return login, true
}

// CreateCampaign создаёт кампанию от имени текущего пользователя.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	login, ok := requireLogin(w, r)
	if !ok {
		return
	}

	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Title == "" || req.Target <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	campaignType := model.CampaignType(req.Type)
	if !validCampaignType(campaignType) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if req.ImageRef != "" && !validation.IsValidContentRef(req.ImageRef) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	for _, ref := range req.DocumentRefs {
		if !validation.IsValidContentRef(ref) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
	}

	plan := make([]validation.MilestonePlan, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		plan = append(plan, validation.MilestonePlan{
			Title:       m.Title,
			Description: m.Description,
			AmountUnits: model.ToUnits(m.Amount),
		})
	}

	view, err := h.service.CreateCampaign(r.Context(), login, engine.CreateCampaignParams{
		Title:        req.Title,
		Description:  req.Description,
		CampaignType: campaignType,
		TargetUnits:  model.ToUnits(req.Target),
		ImageRef:     req.ImageRef,
		DocumentRefs: req.DocumentRefs,
		Milestones:   plan,
	})
	if err != nil {
		if errors.Is(err, validation.ErrMilestoneSumMismatch) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.writeCampaignError(w, err)
		return
	}

	h.writeCampaignJSON(w, http.StatusCreated, view)
}

func validCampaignType(t model.CampaignType) bool {
	for _, known := range model.CampaignTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ListCampaigns возвращает список кампаний, опционально отфильтрованный по статусу.
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	var statusFilter *model.CampaignStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := model.CampaignStatus(raw)
		switch status {
		case model.StatusOpen, model.StatusVerified, model.StatusClosed:
			statusFilter = &status
		default:
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	views, err := h.service.ListCampaigns(r.Context(), statusFilter)
	if err != nil {
		h.logger.Error("list campaigns error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(views) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]campaignResponse, 0, len(views))
	for i := range views {
		resp = append(resp, toCampaignResponse(&views[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetCampaign возвращает сведённое представление одной кампании.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.service.GetCampaignView(r.Context(), id)
	if err != nil {
		h.writeCampaignError(w, err)
		return
	}

	h.writeCampaignJSON(w, http.StatusOK, view)
}

// VerifyCampaign переводит кампанию в статус VERIFIED. Доступно только администраторам.
func (h *Handler) VerifyCampaign(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	view, err := h.service.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeCampaignError(w, err)
		return
	}

	h.writeCampaignJSON(w, http.StatusOK, view)
}

type donateRequest struct {
	Amount float64 `json:"amount"`
}

// Donate принимает пожертвование в кампанию от текущего пользователя.
func (h *Handler) Donate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireLogin(w, r); !ok {
		return
	}

	var req donateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	view, err := h.service.Donate(r.Context(), chi.URLParam(r, "id"), model.ToUnits(req.Amount), key)
	if err != nil {
		h.writeCampaignError(w, err)
		return
	}

	h.writeCampaignJSON(w, http.StatusOK, view)
}

type paymentConfirmRequest struct {
	CampaignID     string  `json:"campaign_id"`
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// ConfirmPayment принимает подтверждение платежа от платёжного провайдера.
// Дедупликация выполняется по ключу идемпотентности из тела события.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.CampaignID == "" || req.IdempotencyKey == "" || req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	view, err := h.service.ConfirmPayment(r.Context(), req.CampaignID, model.ToUnits(req.Amount), req.IdempotencyKey)
	if err != nil {
		h.writeCampaignError(w, err)
		return
	}

	h.writeCampaignJSON(w, http.StatusOK, view)
}

// CompleteMilestone отмечает этап кампании завершённым. Доступно только владельцу.
func (h *Handler) CompleteMilestone(w http.ResponseWriter, r *http.Request) {
	login, ok := requireLogin(w, r)
	if !ok {
		return
	}

	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil || idx < 0 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	view, err := h.service.CompleteMilestone(r.Context(), chi.URLParam(r, "id"), idx, login)
	if err != nil {
		h.writeCampaignError(w, err)
		return
	}

	h.writeCampaignJSON(w, http.StatusOK, view)
}

type withdrawRequest struct {
	Amount float64 `json:"amount"`
}

// Withdraw выводит средства из эскроу кампании. Доступно только владельцу.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	login, ok := requireLogin(w, r)
	if !ok {
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	view, err := h.service.Withdraw(r.Context(), chi.URLParam(r, "id"), model.ToUnits(req.Amount), key, login)
	if err != nil {
		h.writeCampaignError(w, err)
		return
	}

	h.writeCampaignJSON(w, http.StatusOK, view)
}

// GetAsset отдаёт содержимое по контентной ссылке через цепочку шлюзов.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	data, err := h.service.ResolveAsset(r.Context(), ref)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrInvalidReference):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, resolver.ErrNotResolvable):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("resolve asset error", zap.Error(err), zap.String("ref", ref))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("write asset error", zap.Error(err), zap.String("ref", ref))
	}
}

type pinResponse struct {
	Ref    string `json:"ref"`
	Pinned bool   `json:"pinned"`
}

// PinAsset закрепляет содержимое в сервисе пиннинга. Доступно только администраторам.
func (h *Handler) PinAsset(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}

	ref := chi.URLParam(r, "ref")
	if !validation.IsValidContentRef(ref) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	pinned := h.service.PinAsset(r.Context(), ref)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pinResponse{Ref: ref, Pinned: pinned}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Package engine реализует сверку состояния кампаний между леджером и локальным кэшем
// и машину состояний эскроу.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/manishjadhav9/fundchain/internal/ledger"
	"github.com/manishjadhav9/fundchain/internal/model"
	"github.com/manishjadhav9/fundchain/internal/repository"
	"github.com/manishjadhav9/fundchain/internal/validation"
)

// ErrCampaignNotFound возвращается, когда кампания неизвестна ни леджеру, ни кэшу.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrCampaignClosed возвращается для мутаций закрытой кампании.
	ErrCampaignClosed = errors.New("campaign is closed")
	// ErrPermissionDenied возвращается, когда вызывающий не владелец кампании.
	ErrPermissionDenied = errors.New("caller is not the campaign owner")
	// ErrMilestoneNotFound возвращается для индекса этапа вне диапазона.
	ErrMilestoneNotFound = errors.New("milestone index out of range")
	// ErrUnconfirmedCampaign возвращается при попытке высвобождения средств
	// по кампании, которую леджер ещё не подтвердил.
	ErrUnconfirmedCampaign = errors.New("campaign is not yet confirmed on the ledger")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Repository описывает контракт локального кэша, используемый движком.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, isAdmin bool) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	SaveCampaign(ctx context.Context, cc *repository.CachedCampaign) error
	GetCampaign(ctx context.Context, id string) (*repository.CachedCampaign, error)
	ListCampaigns(ctx context.Context, status *model.CampaignStatus) ([]repository.CachedCampaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	ApplyDonation(ctx context.Context, id string, amountUnits int64, idempotencyKey string, confirmed bool) (bool, error)
	CompleteMilestone(ctx context.Context, id string, idx int) error
	UpdateStatus(ctx context.Context, id string, status model.CampaignStatus, statusPending bool) error
	CreateWithdrawal(ctx context.Context, id string, amountUnits int64, idempotencyKey string) error
	WithdrawnTotal(ctx context.Context, id string) (int64, error)
	ListPendingSync(ctx context.Context, limit int) ([]repository.CachedCampaign, error)
	PendingDonations(ctx context.Context, id string) ([]repository.PendingDonation, error)
	MarkDonationConfirmed(ctx context.Context, idempotencyKey string) error
	MarkCampaignConfirmed(ctx context.Context, oldID, ledgerID string) error
	RecalcPendingSync(ctx context.Context, id string) error
}

// Ledger описывает контракт шлюза леджера, используемый движком.
type Ledger interface {
	SubmitCreate(ctx context.Context, params ledger.CreateParams) (string, bool, error)
	ReadCampaign(ctx context.Context, id string) (*model.Campaign, model.RecordSource, error)
	SubmitVerify(ctx context.Context, id string) error
	SubmitDonate(ctx context.Context, id string, amountUnits int64, idempotencyKey string) error
	SubmitCompleteMilestone(ctx context.Context, id string, idx int) error
	SubmitWithdraw(ctx context.Context, id string, amountUnits int64, idempotencyKey string) error
	ListCampaignIDs(ctx context.Context) ([]string, error)
}

// AssetResolver описывает контракт резолвера контента, используемый движком.
type AssetResolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
	Pin(ctx context.Context, ref string) bool
	IsPinned(ctx context.Context, ref string) (bool, error)
}

// Engine — ядро сверки: единственный компонент, решающий, чьи данные побеждают.
type Engine struct {
	repo     Repository
	ledger   Ledger
	resolver AssetResolver
	logger   *zap.Logger
	locks    *keyedLock
}

// New создаёт движок сверки.
func New(repo Repository, lg Ledger, res AssetResolver, logger *zap.Logger) *Engine {
	return &Engine{
		repo:     repo,
		ledger:   lg,
		resolver: res,
		logger:   logger,
		locks:    newKeyedLock(),
	}
}

// Close закрывает ресурсы движка.
func (e *Engine) Close() error {
	if e.repo != nil {
		return e.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (e *Engine) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := e.repo.CreateUser(ctx, login, hashed, false)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль и возвращает пользователя.
func (e *Engine) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := e.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetUser возвращает пользователя по логину.
func (e *Engine) GetUser(ctx context.Context, login string) (*model.User, error) {
	return e.repo.GetUserByLogin(ctx, login)
}

// CreateCampaignParams описывает параметры создания кампании.
type CreateCampaignParams struct {
	Title        string
	Description  string
	CampaignType model.CampaignType
	TargetUnits  int64
	ImageRef     string
	DocumentRefs []string
	Milestones   []validation.MilestonePlan
}

// CreateCampaign проверяет план кампании, отправляет создание в леджер и сохраняет
// результат в кэш. При недоступном леджере кампания живёт под локальным суррогатным
// идентификатором до подтверждения.
func (e *Engine) CreateCampaign(ctx context.Context, owner string, params CreateCampaignParams) (*model.CampaignView, error) {
	if !validCampaignType(params.CampaignType) {
		return nil, fmt.Errorf("unknown campaign type %q", params.CampaignType)
	}
	if params.Title == "" {
		return nil, errors.New("title must not be empty")
	}
	if err := validation.ValidateMilestonePlan(params.TargetUnits, params.Milestones); err != nil {
		return nil, err
	}
	if params.ImageRef != "" && !validation.IsValidContentRef(params.ImageRef) {
		return nil, fmt.Errorf("image ref: invalid content reference %q", params.ImageRef)
	}
	for _, ref := range params.DocumentRefs {
		if !validation.IsValidContentRef(ref) {
			return nil, fmt.Errorf("document ref: invalid content reference %q", ref)
		}
	}

	milestones := make([]model.Milestone, 0, len(params.Milestones))
	for i, m := range params.Milestones {
		milestones = append(milestones, model.Milestone{
			Index:       i,
			Title:       m.Title,
			Description: m.Description,
			AmountUnits: m.AmountUnits,
		})
	}

	id, confirmed, err := e.ledger.SubmitCreate(ctx, ledger.CreateParams{
		Title:        params.Title,
		Description:  params.Description,
		CampaignType: params.CampaignType,
		TargetUnits:  params.TargetUnits,
		Owner:        owner,
		ImageRef:     params.ImageRef,
		DocumentRefs: params.DocumentRefs,
		Milestones:   milestones,
	})
	if err != nil {
		return nil, fmt.Errorf("submit create: %w", err)
	}

	now := time.Now().UTC()
	cc := &repository.CachedCampaign{
		Campaign: model.Campaign{
			ID:           id,
			Title:        params.Title,
			Description:  params.Description,
			CampaignType: params.CampaignType,
			TargetUnits:  params.TargetUnits,
			Status:       model.StatusOpen,
			Owner:        owner,
			ImageRef:     params.ImageRef,
			DocumentRefs: params.DocumentRefs,
			Milestones:   milestones,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Confirmed:   confirmed,
		PendingSync: !confirmed,
	}

	if err := e.repo.SaveCampaign(ctx, cc); err != nil {
		return nil, fmt.Errorf("save campaign: %w", err)
	}

	// Пиннинг best-effort: отказ сервиса пиннинга не должен срывать создание.
	if params.ImageRef != "" {
		e.resolver.Pin(ctx, params.ImageRef)
	}
	for _, ref := range params.DocumentRefs {
		e.resolver.Pin(ctx, ref)
	}

	if !confirmed {
		e.logger.Warn("campaign accepted locally, ledger unreachable",
			zap.String("campaign", id))
	}

	return e.viewOf(cc), nil
}

func validCampaignType(t model.CampaignType) bool {
	for _, known := range model.CampaignTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (e *Engine) viewOf(cc *repository.CachedCampaign) *model.CampaignView {
	source := model.SourceLocalUnconfirmed
	if cc.Confirmed && !cc.PendingSync {
		source = model.SourceLedgerConfirmed
	}
	return &model.CampaignView{
		Campaign:  cc.Campaign,
		Source:    source,
		Confirmed: cc.Confirmed && !cc.PendingSync,
	}
}

// GetCampaignView возвращает единое представление кампании. Порядок источников:
// подтверждённый леджер, затем кэш, затем детерминированная заглушка.
func (e *Engine) GetCampaignView(ctx context.Context, id string) (*model.CampaignView, error) {
	ledgerCampaign, source, readErr := e.ledger.ReadCampaign(ctx, id)

	cached, cacheErr := e.repo.GetCampaign(ctx, id)
	if cacheErr != nil && !errors.Is(cacheErr, repository.ErrCampaignNotFound) {
		return nil, fmt.Errorf("read cache: %w", cacheErr)
	}
	cacheHit := cacheErr == nil

	if readErr != nil {
		// Леджер недоступен: деградируем до кэша, чтение не должно падать.
		if cacheHit {
			return e.viewOf(cached), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}

	switch source {
	case model.SourceLedgerConfirmed:
		merged := mergeConfirmed(ledgerCampaign, cached)
		if !cacheHit || !cached.PendingSync {
			cc := &repository.CachedCampaign{Campaign: merged, Confirmed: true}
			if err := e.repo.SaveCampaign(ctx, cc); err != nil {
				e.logger.Warn("cache refresh failed", zap.String("campaign", id), zap.Error(err))
			}
		}
		return &model.CampaignView{Campaign: merged, Source: model.SourceLedgerConfirmed, Confirmed: true}, nil

	case model.SourceSynthesized:
		// Настоящие локальные данные побеждают заглушку.
		if cacheHit {
			return e.viewOf(cached), nil
		}
		return &model.CampaignView{Campaign: *ledgerCampaign, Source: model.SourceSynthesized, Confirmed: false}, nil

	default:
		if cacheHit {
			return e.viewOf(cached), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
}

// mergeConfirmed объединяет подтверждённую запись леджера с кэшем по таблице приоритетов:
// финансовые поля и статус — из леджера, описательные поля, которых в леджере нет, — из кэша.
func mergeConfirmed(ledgerCampaign *model.Campaign, cached *repository.CachedCampaign) model.Campaign {
	merged := *ledgerCampaign

	if cached == nil {
		return merged
	}

	if merged.Title == "" {
		merged.Title = cached.Campaign.Title
	}
	if merged.Description == "" {
		merged.Description = cached.Campaign.Description
	}
	if merged.ImageRef == "" {
		merged.ImageRef = cached.Campaign.ImageRef
	}
	if len(merged.DocumentRefs) == 0 {
		merged.DocumentRefs = cached.Campaign.DocumentRefs
	}
	if merged.Owner == "" {
		merged.Owner = cached.Campaign.Owner
	}
	if len(merged.Milestones) == 0 {
		merged.Milestones = cached.Campaign.Milestones
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = cached.Campaign.CreatedAt
	}

	return merged
}

// ListCampaigns возвращает представления кампаний из кэша, опционально по статусу.
func (e *Engine) ListCampaigns(ctx context.Context, status *model.CampaignStatus) ([]model.CampaignView, error) {
	cached, err := e.repo.ListCampaigns(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	views := make([]model.CampaignView, 0, len(cached))
	for i := range cached {
		views = append(views, *e.viewOf(&cached[i]))
	}
	return views, nil
}

// loadForMutation возвращает запись кэша, при необходимости заполняя кэш из леджера.
func (e *Engine) loadForMutation(ctx context.Context, id string) (*repository.CachedCampaign, error) {
	cached, err := e.repo.GetCampaign(ctx, id)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, repository.ErrCampaignNotFound) {
		return nil, fmt.Errorf("read cache: %w", err)
	}

	ledgerCampaign, source, readErr := e.ledger.ReadCampaign(ctx, id)
	if readErr != nil || source != model.SourceLedgerConfirmed {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}

	cc := &repository.CachedCampaign{Campaign: *ledgerCampaign, Confirmed: true}
	if err := e.repo.SaveCampaign(ctx, cc); err != nil {
		return nil, fmt.Errorf("seed cache: %w", err)
	}
	return cc, nil
}

// submitOnce выполняет запись в леджер, повторяя ровно один раз при недоступности.
func (e *Engine) submitOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ledger.ErrLedgerUnreachable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Verify переводит кампанию OPEN -> VERIFIED. Повторная верификация — no-op успех.
// При недоступном леджере переход принимается локально и помечается неподтверждённым.
func (e *Engine) Verify(ctx context.Context, id string) (*model.CampaignView, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	cc, err := e.loadForMutation(ctx, id)
	if err != nil {
		return nil, err
	}

	switch cc.Campaign.Status {
	case model.StatusVerified:
		return e.viewOf(cc), nil
	case model.StatusClosed:
		return nil, fmt.Errorf("%w: cannot verify", ErrCampaignClosed)
	}

	statusPending := false
	if cc.Confirmed {
		err = e.submitOnce(ctx, func(ctx context.Context) error {
			return e.ledger.SubmitVerify(ctx, cc.Campaign.ID)
		})
		switch {
		case err == nil:
		case errors.Is(err, ledger.ErrLedgerUnreachable):
			statusPending = true
			e.logger.Warn("verify accepted locally, ledger unreachable", zap.String("campaign", id))
		default:
			return nil, err
		}
	} else {
		// Кампания ещё не известна леджеру: переход уедет вместе с созданием.
		statusPending = true
	}

	if err := e.repo.UpdateStatus(ctx, cc.Campaign.ID, model.StatusVerified, statusPending); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	cc.Campaign.Status = model.StatusVerified
	cc.StatusPending = statusPending
	cc.PendingSync = cc.PendingSync || statusPending
	return e.viewOf(cc), nil
}

// CloseCampaign переводит кампанию в терминальный статус CLOSED.
func (e *Engine) CloseCampaign(ctx context.Context, id string) (*model.CampaignView, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	cc, err := e.loadForMutation(ctx, id)
	if err != nil {
		return nil, err
	}

	if cc.Campaign.Status == model.StatusClosed {
		return e.viewOf(cc), nil
	}

	if err := e.repo.UpdateStatus(ctx, cc.Campaign.ID, model.StatusClosed, !cc.Confirmed); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	cc.Campaign.Status = model.StatusClosed
	return e.viewOf(cc), nil
}

// Donate применяет пожертвование. Допустимо для OPEN и VERIFIED, запрещено для CLOSED.
// Ключ идемпотентности защищает от двойного применения при повторах; при недоступном
// леджере пожертвование принимается локально и помечается неподтверждённым.
func (e *Engine) Donate(ctx context.Context, id string, amountUnits int64, idempotencyKey string) (*model.CampaignView, error) {
	if amountUnits <= 0 {
		return nil, errors.New("donation amount must be positive")
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	cc, err := e.loadForMutation(ctx, id)
	if err != nil {
		return nil, err
	}

	if cc.Campaign.Status == model.StatusClosed {
		return nil, fmt.Errorf("%w: donations are not accepted", ErrCampaignClosed)
	}

	confirmed := false
	if cc.Confirmed {
		err = e.submitOnce(ctx, func(ctx context.Context) error {
			return e.ledger.SubmitDonate(ctx, cc.Campaign.ID, amountUnits, idempotencyKey)
		})
		switch {
		case err == nil:
			confirmed = true
		case errors.Is(err, ledger.ErrLedgerUnreachable):
			e.logger.Warn("donation accepted locally, ledger unreachable",
				zap.String("campaign", id), zap.String("key", idempotencyKey))
		default:
			return nil, err
		}
	}

	applied, err := e.repo.ApplyDonation(ctx, cc.Campaign.ID, amountUnits, idempotencyKey, confirmed)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
		}
		return nil, fmt.Errorf("apply donation: %w", err)
	}

	if applied {
		cc.Campaign.RaisedUnits += amountUnits
		cc.Campaign.DonorCount++
		cc.PendingSync = cc.PendingSync || !confirmed
	}

	return e.viewOf(cc), nil
}

// ConfirmPayment превращает событие платёжного провайдера в идемпотентное пожертвование.
func (e *Engine) ConfirmPayment(ctx context.Context, campaignID string, amountUnits int64, idempotencyKey string) (*model.CampaignView, error) {
	if idempotencyKey == "" {
		return nil, errors.New("payment confirmation requires an idempotency key")
	}
	return e.Donate(ctx, campaignID, amountUnits, idempotencyKey)
}

// CompleteMilestone помечает этап завершённым. Требует владельца; повторное завершение —
// no-op успех. Операция высвобождения средств: при недоступном леджере не принимается
// локально, а возвращает ошибку.
func (e *Engine) CompleteMilestone(ctx context.Context, id string, idx int, caller string) (*model.CampaignView, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	cc, err := e.loadForMutation(ctx, id)
	if err != nil {
		return nil, err
	}

	if cc.Campaign.Owner != caller {
		return nil, ErrPermissionDenied
	}
	if idx < 0 || idx >= len(cc.Campaign.Milestones) {
		return nil, fmt.Errorf("%w: %d", ErrMilestoneNotFound, idx)
	}
	if cc.Campaign.Milestones[idx].IsCompleted {
		return e.viewOf(cc), nil
	}
	if !cc.Confirmed {
		return nil, ErrUnconfirmedCampaign
	}

	err = e.submitOnce(ctx, func(ctx context.Context) error {
		return e.ledger.SubmitCompleteMilestone(ctx, cc.Campaign.ID, idx)
	})
	if err != nil {
		// Фиксация высвобождения без подтверждения леджера была бы фабрикацией успеха.
		return nil, err
	}

	if err := e.repo.CompleteMilestone(ctx, cc.Campaign.ID, idx); err != nil {
		return nil, fmt.Errorf("complete milestone: %w", err)
	}

	cc.Campaign.Milestones[idx].IsCompleted = true
	return e.viewOf(cc), nil
}

// Withdraw выводит средства кампании. Требует владельца, проверяет накопленный остаток
// и никогда не принимается локально без подтверждения леджера.
func (e *Engine) Withdraw(ctx context.Context, id string, amountUnits int64, idempotencyKey, caller string) (*model.CampaignView, error) {
	if amountUnits <= 0 {
		return nil, errors.New("withdraw amount must be positive")
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	cc, err := e.loadForMutation(ctx, id)
	if err != nil {
		return nil, err
	}

	if cc.Campaign.Owner != caller {
		return nil, ErrPermissionDenied
	}
	if !cc.Confirmed {
		return nil, ErrUnconfirmedCampaign
	}

	withdrawn, err := e.repo.WithdrawnTotal(ctx, cc.Campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("withdrawn total: %w", err)
	}
	if amountUnits > cc.Campaign.RaisedUnits-withdrawn {
		return nil, repository.ErrInsufficientFunds
	}

	err = e.submitOnce(ctx, func(ctx context.Context) error {
		return e.ledger.SubmitWithdraw(ctx, cc.Campaign.ID, amountUnits, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}

	if err := e.repo.CreateWithdrawal(ctx, cc.Campaign.ID, amountUnits, idempotencyKey); err != nil {
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	return e.viewOf(cc), nil
}

// ResolveAsset загружает содержимое по контент-адресу через резолвер.
func (e *Engine) ResolveAsset(ctx context.Context, ref string) ([]byte, error) {
	return e.resolver.Resolve(ctx, ref)
}

// PinAsset запрашивает закрепление содержимого. Best-effort.
func (e *Engine) PinAsset(ctx context.Context, ref string) bool {
	return e.resolver.Pin(ctx, ref)
}

// AssetPinned сообщает, закреплено ли содержимое.
func (e *Engine) AssetPinned(ctx context.Context, ref string) (bool, error) {
	return e.resolver.IsPinned(ctx, ref)
}

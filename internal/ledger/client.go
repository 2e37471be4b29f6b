// Package ledger предоставляет отказоустойчивый клиент авторитетного леджера кампаний.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/manishjadhav9/fundchain/internal/model"
)

// ErrLedgerUnavailable возвращается при чтении, когда леджер недоступен по сети.
var (
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrLedgerUnreachable возвращается при записи, когда леджер недоступен по сети.
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	// ErrPermissionDenied возвращается, когда леджер отклонил операцию по правам доступа.
	ErrPermissionDenied = errors.New("permission denied by ledger")
)

// RejectedError описывает отклонение операции леджером с указанием причины.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected operation: %s", e.Reason)
}

const localIDPrefix = "local-"

// NewLocalID выпускает локальный суррогатный идентификатор кампании.
func NewLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// IsLocalID сообщает, является ли идентификатор локальным суррогатом.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}

// Client инкапсулирует HTTP-взаимодействие с сервисом леджера.
// Все мутирующие вызовы несут ключ идемпотентности, поэтому транспортные
// повторы retryablehttp не приводят к двойному применению.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент леджера по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// CreateParams описывает параметры создания кампании в леджере.
type CreateParams struct {
	Title        string
	Description  string
	CampaignType model.CampaignType
	TargetUnits  int64
	Owner        string
	ImageRef     string
	DocumentRefs []string
	Milestones   []model.Milestone
}

type createRequest struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	CampaignType string            `json:"campaign_type"`
	TargetUnits  int64             `json:"target_units"`
	Owner        string            `json:"owner"`
	ImageRef     string            `json:"image_ref,omitempty"`
	DocumentRefs []string          `json:"document_refs,omitempty"`
	Milestones   []milestoneRecord `json:"milestones"`
}

type milestoneRecord struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
	AmountUnits int64  `json:"amount_units"`
	IsCompleted bool   `json:"is_completed"`
}

type campaignRecord struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	CampaignType string            `json:"campaign_type"`
	TargetUnits  int64             `json:"target_units"`
	RaisedUnits  int64             `json:"raised_units"`
	DonorCount   int               `json:"donor_count"`
	Status       string            `json:"status"`
	Owner        string            `json:"owner"`
	ImageRef     string            `json:"image_ref"`
	DocumentRefs []string          `json:"document_refs"`
	Milestones   []milestoneRecord `json:"milestones"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// SubmitCreate отправляет создание кампании. При недоступности или отказе леджера
// возвращает локальный суррогатный идентификатор и confirmed=false.
func (c *Client) SubmitCreate(ctx context.Context, params CreateParams) (string, bool, error) {
	body := createRequest{
		Title:        params.Title,
		Description:  params.Description,
		CampaignType: string(params.CampaignType),
		TargetUnits:  params.TargetUnits,
		Owner:        params.Owner,
		ImageRef:     params.ImageRef,
		DocumentRefs: params.DocumentRefs,
	}
	for _, m := range params.Milestones {
		body.Milestones = append(body.Milestones, milestoneRecord{
			Index:       m.Index,
			Title:       m.Title,
			Description: m.Description,
			AmountUnits: m.AmountUnits,
		})
	}

	resp, err := c.doJSON(ctx, http.MethodPost, "/api/campaigns", body)
	if err != nil {
		return NewLocalID(), false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return NewLocalID(), false, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return NewLocalID(), false, nil
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.ID == "" {
		return NewLocalID(), false, nil
	}

	return result.ID, true, nil
}

// ReadCampaign читает состояние кампании из леджера, классифицируя отказы.
// Отсутствие контракта по адресу и нераспознаваемый ответ дают детерминированную
// заглушку; сетевые ошибки возвращаются как ErrLedgerUnavailable.
func (c *Client) ReadCampaign(ctx context.Context, id string) (*model.Campaign, model.RecordSource, error) {
	if IsLocalID(id) {
		// Локальный суррогат заведомо неизвестен леджеру, сеть не трогаем.
		return Synthesize(id), model.SourceSynthesized, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/campaigns/"+id), nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Synthesize(id), model.SourceSynthesized, nil
	case resp.StatusCode >= 500:
		return nil, "", fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrLedgerUnavailable, err)
	}

	var rec campaignRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" {
		// Несовпадение схемы трактуем как отсутствие валидных данных по адресу.
		return Synthesize(id), model.SourceSynthesized, nil
	}

	return recordToCampaign(&rec), model.SourceLedgerConfirmed, nil
}

func recordToCampaign(rec *campaignRecord) *model.Campaign {
	c := &model.Campaign{
		ID:           rec.ID,
		Title:        rec.Title,
		Description:  rec.Description,
		CampaignType: model.CampaignType(rec.CampaignType),
		TargetUnits:  rec.TargetUnits,
		RaisedUnits:  rec.RaisedUnits,
		DonorCount:   rec.DonorCount,
		Status:       model.CampaignStatus(rec.Status),
		Owner:        rec.Owner,
		ImageRef:     rec.ImageRef,
		DocumentRefs: rec.DocumentRefs,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	for _, m := range rec.Milestones {
		c.Milestones = append(c.Milestones, model.Milestone{
			Index:       m.Index,
			Title:       m.Title,
			Description: m.Description,
			AmountUnits: m.AmountUnits,
			IsCompleted: m.IsCompleted,
		})
	}
	return c
}

// Synthesize строит детерминированную заглушку кампании: все поля выводятся
// из sha256 идентификатора, поэтому повторный вызов даёт байт-в-байт тот же результат.
func Synthesize(id string) *model.Campaign {
	h := sha256.Sum256([]byte(id))

	campaignType := model.CampaignTypes[int(h[0])%len(model.CampaignTypes)]
	targetTokens := int64(binary.BigEndian.Uint32(h[1:5]))%9901 + 100
	targetUnits := targetTokens * model.UnitsPerToken
	donorCount := int(h[5]) % 50
	raisedUnits := targetUnits * int64(h[6]%100) / 100

	firstAmount := targetUnits * 60 / 100
	createdAt := time.Unix(1600000000+int64(binary.BigEndian.Uint32(h[7:11]))%100000000, 0).UTC()

	shortID := id
	if len(shortID) > 10 {
		shortID = shortID[:10]
	}

	return &model.Campaign{
		ID:           id,
		Title:        fmt.Sprintf("Campaign %s", shortID),
		Description:  fmt.Sprintf("Campaign record reconstructed for address %s", id),
		CampaignType: campaignType,
		TargetUnits:  targetUnits,
		RaisedUnits:  raisedUnits,
		DonorCount:   donorCount,
		Status:       model.StatusVerified,
		Owner:        "0x" + fmt.Sprintf("%x", h[11:31]),
		Milestones: []model.Milestone{
			{Index: 0, Title: "Milestone 1", AmountUnits: firstAmount},
			{Index: 1, Title: "Milestone 2", AmountUnits: targetUnits - firstAmount},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// SubmitVerify отправляет верификацию кампании.
func (c *Client) SubmitVerify(ctx context.Context, id string) error {
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/campaigns/"+id+"/verify", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	defer resp.Body.Close()
	return c.mutationStatus(resp)
}

type donateRequest struct {
	AmountUnits    int64  `json:"amount_units"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SubmitDonate отправляет пожертвование с ключом идемпотентности.
func (c *Client) SubmitDonate(ctx context.Context, id string, amountUnits int64, idempotencyKey string) error {
	body := donateRequest{AmountUnits: amountUnits, IdempotencyKey: idempotencyKey}
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/campaigns/"+id+"/donations", body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	defer resp.Body.Close()
	return c.mutationStatus(resp)
}

// SubmitCompleteMilestone отправляет завершение этапа.
func (c *Client) SubmitCompleteMilestone(ctx context.Context, id string, idx int) error {
	resp, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/campaigns/%s/milestones/%d/complete", id, idx), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	defer resp.Body.Close()
	return c.mutationStatus(resp)
}

type withdrawRequest struct {
	AmountUnits    int64  `json:"amount_units"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SubmitWithdraw отправляет вывод средств с ключом идемпотентности.
func (c *Client) SubmitWithdraw(ctx context.Context, id string, amountUnits int64, idempotencyKey string) error {
	body := withdrawRequest{AmountUnits: amountUnits, IdempotencyKey: idempotencyKey}
	resp, err := c.doJSON(ctx, http.MethodPost, "/api/campaigns/"+id+"/withdrawals", body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	defer resp.Body.Close()
	return c.mutationStatus(resp)
}

// ListCampaignIDs возвращает идентификаторы всех кампаний, известных леджеру.
func (c *Client) ListCampaignIDs(ctx context.Context) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/campaigns"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	}

	var result struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return result.IDs, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.url(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) mutationStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrLedgerUnreachable, resp.StatusCode)
	default:
		reason := http.StatusText(resp.StatusCode)
		data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
		if err == nil && len(data) > 0 {
			reason = strings.TrimSpace(string(data))
		}
		return &RejectedError{Reason: reason}
	}
}

// Package resolver загружает контент по контент-адресам через набор независимых шлюзов.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manishjadhav9/fundchain/internal/validation"
)

// ErrInvalidReference возвращается для строки, не являющейся контент-адресом.
var (
	ErrInvalidReference = errors.New("invalid content reference")
	// ErrNotResolvable возвращается, когда ни один шлюз не вернул содержимое.
	ErrNotResolvable = errors.New("content not resolvable through any gateway")
)

const defaultGatewayTimeout = 5 * time.Second

// Resolver обращается к упорядоченному списку шлюзов контента и к сервису пиннинга.
type Resolver struct {
	gateways       []string
	pinBase        string
	gatewayTimeout time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
}

// New создаёт резолвер с указанными шлюзами (в порядке приоритета) и адресом сервиса пиннинга.
func New(gateways []string, pinBase string, logger *zap.Logger) *Resolver {
	normalized := make([]string, 0, len(gateways))
	for _, g := range gateways {
		g = strings.TrimRight(g, "/")
		if g != "" {
			normalized = append(normalized, g)
		}
	}

	return &Resolver{
		gateways:       normalized,
		pinBase:        strings.TrimRight(pinBase, "/"),
		gatewayTimeout: defaultGatewayTimeout,
		httpClient:     &http.Client{},
		logger:         logger,
	}
}

// Resolve возвращает содержимое по контент-адресу. Шлюзы опрашиваются по порядку,
// побеждает первый непустой ответ 2xx; каждый шлюз ограничен собственным таймаутом.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if !validation.IsValidContentRef(ref) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}

	if len(r.gateways) == 0 {
		return nil, ErrNotResolvable
	}

	var lastErr error
	for _, gw := range r.gateways {
		data, err := r.fetchOnce(ctx, gw, ref)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %s (last error: %v)", ErrNotResolvable, ref, lastErr)
}

func (r *Resolver) fetchOnce(ctx context.Context, gateway, ref string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, gateway+"/"+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway %s: unexpected status %d", gateway, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("gateway %s: empty body", gateway)
	}

	return data, nil
}

// Pin запрашивает закрепление содержимого у сервиса пиннинга. Операция best-effort:
// отказ логируется и возвращается как false, а не как ошибка, чтобы не блокировать загрузку.
func (r *Resolver) Pin(ctx context.Context, ref string) bool {
	if !validation.IsValidContentRef(ref) {
		r.logger.Warn("pin rejected for malformed ref", zap.String("ref", ref))
		return false
	}
	if r.pinBase == "" {
		return false
	}

	if err := r.pinRequest(ctx, "/pin/add", ref); err != nil {
		r.logger.Warn("pin failed", zap.String("ref", ref), zap.Error(err))
		return false
	}

	return true
}

// IsPinned проверяет, закреплено ли содержимое на сервисе пиннинга.
func (r *Resolver) IsPinned(ctx context.Context, ref string) (bool, error) {
	if !validation.IsValidContentRef(ref) {
		return false, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if r.pinBase == "" {
		return false, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()

	u := r.pinBase + "/pin/ls?ref=" + url.QueryEscape(ref)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("pin service: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Pins []string `json:"pins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	for _, p := range body.Pins {
		if p == ref {
			return true, nil
		}
	}

	return false, nil
}

func (r *Resolver) pinRequest(ctx context.Context, path, ref string) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()

	u := r.pinBase + path + "?ref=" + url.QueryEscape(ref)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pin service: unexpected status %d", resp.StatusCode)
	}

	return nil
}

package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/manishjadhav9/fundchain/internal/ledger"
	"github.com/manishjadhav9/fundchain/internal/model"
	"github.com/manishjadhav9/fundchain/internal/repository"
)

const pendingBatchSize = 100

// StartReconciliation выполняет периодическую досылку локальных изменений в леджер
// и импорт кампаний, появившихся в леджере помимо этого узла. Блокируется до отмены контекста.
func (e *Engine) StartReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcilePending(ctx)
			e.importFromLedger(ctx)
		}
	}
}

func (e *Engine) reconcilePending(ctx context.Context) {
	pending, err := e.repo.ListPendingSync(ctx, pendingBatchSize)
	if err != nil {
		e.logger.Warn("list pending campaigns failed", zap.Error(err))
		return
	}

	for i := range pending {
		e.reconcileCampaign(ctx, &pending[i])
		if ctx.Err() != nil {
			return
		}
	}
}

// reconcileCampaign досылает в леджер всё, что было принято локально:
// сначала создание, затем переход статуса, затем пожертвования.
func (e *Engine) reconcileCampaign(ctx context.Context, cc *repository.CachedCampaign) {
	unlock := e.locks.Lock(cc.Campaign.ID)
	defer unlock()

	id := cc.Campaign.ID

	if !cc.Confirmed {
		ledgerID, confirmed, err := e.ledger.SubmitCreate(ctx, ledger.CreateParams{
			Title:        cc.Campaign.Title,
			Description:  cc.Campaign.Description,
			CampaignType: cc.Campaign.CampaignType,
			TargetUnits:  cc.Campaign.TargetUnits,
			Owner:        cc.Campaign.Owner,
			ImageRef:     cc.Campaign.ImageRef,
			DocumentRefs: cc.Campaign.DocumentRefs,
			Milestones:   cc.Campaign.Milestones,
		})
		if err != nil || !confirmed {
			// Леджер всё ещё недоступен, кампания подождёт следующего прохода.
			return
		}

		if err := e.repo.MarkCampaignConfirmed(ctx, id, ledgerID); err != nil {
			e.logger.Error("mark campaign confirmed failed",
				zap.String("campaign", id), zap.Error(err))
			return
		}

		e.logger.Info("local campaign confirmed by ledger",
			zap.String("local", id), zap.String("ledger", ledgerID))

		id = ledgerID
		cc.Confirmed = true
	}

	if cc.StatusPending && cc.Campaign.Status != model.StatusOpen {
		if err := e.replayStatus(ctx, id, cc.Campaign.Status); err != nil {
			return
		}
	}

	donations, err := e.repo.PendingDonations(ctx, id)
	if err != nil {
		e.logger.Warn("list pending donations failed", zap.String("campaign", id), zap.Error(err))
		return
	}

	for _, d := range donations {
		err := e.ledger.SubmitDonate(ctx, id, d.AmountUnits, d.IdempotencyKey)

		var rejected *ledger.RejectedError
		switch {
		case err == nil:
		case errors.As(err, &rejected):
			// Отклонение повторной отправки означает, что леджер уже применил ключ.
			e.logger.Info("donation already applied by ledger",
				zap.String("campaign", id), zap.String("key", d.IdempotencyKey),
				zap.String("reason", rejected.Reason))
		default:
			return
		}

		if err := e.repo.MarkDonationConfirmed(ctx, d.IdempotencyKey); err != nil {
			e.logger.Error("mark donation confirmed failed",
				zap.String("key", d.IdempotencyKey), zap.Error(err))
			return
		}
	}

	if err := e.repo.RecalcPendingSync(ctx, id); err != nil {
		e.logger.Error("recalc pending sync failed", zap.String("campaign", id), zap.Error(err))
	}
}

func (e *Engine) replayStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	err := e.ledger.SubmitVerify(ctx, id)

	var rejected *ledger.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &rejected):
		// Кампания уже верифицирована в леджере — переход считается доставленным.
	default:
		return err
	}

	if err := e.repo.UpdateStatus(ctx, id, status, false); err != nil {
		e.logger.Error("clear pending status failed", zap.String("campaign", id), zap.Error(err))
		return err
	}
	return nil
}

// importFromLedger подтягивает в кэш кампании, о которых леджер знает, а кэш — нет.
func (e *Engine) importFromLedger(ctx context.Context) {
	ids, err := e.ledger.ListCampaignIDs(ctx)
	if err != nil {
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		_, err := e.repo.GetCampaign(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrCampaignNotFound) {
			e.logger.Warn("cache lookup failed", zap.String("campaign", id), zap.Error(err))
			continue
		}

		c, source, err := e.ledger.ReadCampaign(ctx, id)
		if err != nil || source != model.SourceLedgerConfirmed {
			continue
		}

		cc := &repository.CachedCampaign{Campaign: *c, Confirmed: true}
		if err := e.repo.SaveCampaign(ctx, cc); err != nil {
			e.logger.Warn("import campaign failed", zap.String("campaign", id), zap.Error(err))
		}
	}
}

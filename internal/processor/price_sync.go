package processor

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
)

type PriceStore interface {
	UpsertPrice(ctx context.Context, p domain.Price) error
}

// PriceSync mirrors a billing price snapshot into the local price table.
type PriceSync struct {
	prices PriceStore
	log    *zap.Logger
}

func NewPriceSync(prices PriceStore, log *zap.Logger) *PriceSync {
	return &PriceSync{prices: prices, log: logging.OrNop(log).With(zap.String("component", "price_sync"))}
}

func (p *PriceSync) Type() domain.JobType { return domain.PriceSync }

func (p *PriceSync) Process(ctx context.Context, job domain.Job) error {
	var price domain.Price
	if err := json.Unmarshal([]byte(job.Payload), &price); err != nil {
		return errors.Wrap(err, "price sync: decode payload")
	}
	if price.ID == "" {
		return errors.New("price sync: price without id")
	}
	if err := p.prices.UpsertPrice(ctx, price); err != nil {
		return errors.Wrapf(err, "price sync %s", price.ID)
	}
	p.log.Info("price mirrored",
		zap.String("price", price.ID),
		zap.Int64("unit_amount", price.UnitAmount),
		zap.String("currency", price.Currency))
	return nil
}

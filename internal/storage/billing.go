package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
)

func (s *Store) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := s.db.Exec(ctx, `insert into subscription (
id, customer_email, price_id, status, region, specification_id, title, caption, subdomain, current_period_end, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
on conflict (id) do update set
  customer_email = excluded.customer_email,
  price_id = excluded.price_id,
  status = excluded.status,
  region = excluded.region,
  specification_id = excluded.specification_id,
  title = excluded.title,
  caption = excluded.caption,
  subdomain = excluded.subdomain,
  current_period_end = excluded.current_period_end,
  updated_at = now()`,
		sub.ID, sub.CustomerEmail, sub.PriceID, sub.Status, sub.Region, sub.SpecificationID,
		sub.Title, sub.Caption, sub.Subdomain, sub.CurrentPeriodEnd,
	)
	return errors.Wrapf(err, "upsert subscription %s", sub.ID)
}

func (s *Store) GetSubscription(ctx context.Context, id string) (domain.Subscription, error) {
	var sub domain.Subscription
	err := s.db.QueryRow(ctx, `select id, customer_email, price_id, status, region, specification_id,
title, caption, subdomain, current_period_end, updated_at
from subscription where id = $1`, id).Scan(
		&sub.ID, &sub.CustomerEmail, &sub.PriceID, &sub.Status, &sub.Region, &sub.SpecificationID,
		&sub.Title, &sub.Caption, &sub.Subdomain, &sub.CurrentPeriodEnd, &sub.UpdatedAt,
	)
	if err != nil {
		return domain.Subscription{}, notFound(err, "get subscription "+id)
	}
	return sub, nil
}

func (s *Store) UpsertPrice(ctx context.Context, p domain.Price) error {
	_, err := s.db.Exec(ctx, `insert into price (
id, product_id, specification_id, currency, unit_amount, billing_interval, active, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,now())
on conflict (id) do update set
  product_id = excluded.product_id,
  specification_id = excluded.specification_id,
  currency = excluded.currency,
  unit_amount = excluded.unit_amount,
  billing_interval = excluded.billing_interval,
  active = excluded.active,
  updated_at = now()`,
		p.ID, p.ProductID, p.SpecificationID, p.Currency, p.UnitAmount, p.Interval, p.Active,
	)
	return errors.Wrapf(err, "upsert price %s", p.ID)
}

func (s *Store) GetPrice(ctx context.Context, id string) (domain.Price, error) {
	var p domain.Price
	err := s.db.QueryRow(ctx, `select id, product_id, specification_id, currency, unit_amount, billing_interval, active, updated_at
from price where id = $1`, id).Scan(
		&p.ID, &p.ProductID, &p.SpecificationID, &p.Currency, &p.UnitAmount, &p.Interval, &p.Active, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Price{}, notFound(err, "get price "+id)
	}
	return p, nil
}

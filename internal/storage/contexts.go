package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
)

// Slot columns in the order slotArgs and slotScan use them.
var slotColumns = []string{
	"dedicated_node_id", "node_id", "node_ipv4", "a_record_id", "a_record_name", "panel_node_id",
	"allocation_id", "allocation_port", "server_id", "server_uid", "c_name_record_id",
}

var contextColumns = func() []string {
	cols := []string{
		"subscription_id", "mode", "step_type", "execution_status", "region", "specification_id",
		"title", "caption", "subdomain", "owner_email", "last_error",
	}
	for _, prefix := range []string{"current_", "new_"} {
		for _, c := range slotColumns {
			cols = append(cols, prefix+c)
		}
	}
	return cols
}()

var (
	selectContextSQL = `select ` + strings.Join(contextColumns, ", ") + `, updated_at from execution_context where subscription_id = $1`
	upsertContextSQL = buildUpsertContext()
)

func buildUpsertContext() string {
	var b strings.Builder
	b.WriteString("insert into execution_context (")
	b.WriteString(strings.Join(contextColumns, ", "))
	b.WriteString(", updated_at) values (")
	for i := range contextColumns {
		fmt.Fprintf(&b, "$%d,", i+1)
	}
	b.WriteString("now()) on conflict (subscription_id) do update set ")
	for _, c := range contextColumns[1:] {
		fmt.Fprintf(&b, "%s = excluded.%s, ", c, c)
	}
	b.WriteString("updated_at = now() returning updated_at")
	return b.String()
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullPort(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func slotArgs(r saga.Resources) []any {
	return []any{
		nullInt(r.DedicatedNodeID), nullInt(r.NodeID), nullString(r.NodeIPv4), nullString(r.ARecordID),
		nullString(r.ARecordName), nullInt(r.PanelNodeID), nullInt(r.AllocationID), nullPort(r.AllocationPort),
		nullInt(r.ServerID), nullString(r.ServerUID), nullString(r.CNameRecordID),
	}
}

type slotScan struct {
	dedicated, node, panelNode, allocation, server *int64
	port                                           *int
	ipv4, aID, aName, uid, cname                   *string
}

func (s *slotScan) dest() []any {
	return []any{
		&s.dedicated, &s.node, &s.ipv4, &s.aID, &s.aName, &s.panelNode,
		&s.allocation, &s.port, &s.server, &s.uid, &s.cname,
	}
}

func (s *slotScan) resources() saga.Resources {
	return saga.Resources{
		DedicatedNodeID: deref(s.dedicated),
		NodeID:          deref(s.node),
		NodeIPv4:        deref(s.ipv4),
		ARecordID:       deref(s.aID),
		ARecordName:     deref(s.aName),
		PanelNodeID:     deref(s.panelNode),
		AllocationID:    deref(s.allocation),
		AllocationPort:  deref(s.port),
		ServerID:        deref(s.server),
		ServerUID:       deref(s.uid),
		CNameRecordID:   deref(s.cname),
	}
}

// SaveContext upserts the context row and appends a transition audit row in
// the same transaction.
func (s *Store) SaveContext(ctx context.Context, ec saga.ExecutionContext, note string) error {
	args := []any{
		ec.SubscriptionID, ec.Mode, ec.StepType, ec.Status, ec.Region, ec.SpecificationID,
		ec.Title, ec.Caption, ec.Subdomain, ec.OwnerEmail, nullString(ec.LastError),
	}
	args = append(args, slotArgs(ec.Current)...)
	args = append(args, slotArgs(ec.New)...)

	return s.withTx(ctx, func(tx pgx.Tx) error {
		var updated time.Time
		if err := tx.QueryRow(ctx, upsertContextSQL, args...).Scan(&updated); err != nil {
			return errors.Wrapf(err, "save context %s", ec.SubscriptionID)
		}
		return insertTransition(ctx, tx, ec, note)
	})
}

func insertTransition(ctx context.Context, tx pgx.Tx, ec saga.ExecutionContext, note string) error {
	_, err := tx.Exec(ctx, `insert into execution_transition
(subscription_id, mode, step_type, execution_status, note, last_error) values ($1,$2,$3,$4,$5,$6)`,
		ec.SubscriptionID, ec.Mode, ec.StepType, ec.Status, note, nullString(ec.LastError))
	return errors.Wrapf(err, "record transition for %s", ec.SubscriptionID)
}

// GetContext loads a subscription's context; ok is false when none exists.
func (s *Store) GetContext(ctx context.Context, subscriptionID string) (saga.ExecutionContext, bool, error) {
	var (
		ec       saga.ExecutionContext
		lastErr  *string
		cur, nxt slotScan
	)
	dest := []any{
		&ec.SubscriptionID, &ec.Mode, &ec.StepType, &ec.Status, &ec.Region, &ec.SpecificationID,
		&ec.Title, &ec.Caption, &ec.Subdomain, &ec.OwnerEmail, &lastErr,
	}
	dest = append(dest, cur.dest()...)
	dest = append(dest, nxt.dest()...)
	dest = append(dest, &ec.UpdatedAt)

	err := s.db.QueryRow(ctx, selectContextSQL, subscriptionID).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.ExecutionContext{}, false, nil
	}
	if err != nil {
		return saga.ExecutionContext{}, false, errors.Wrapf(err, "get context %s", subscriptionID)
	}
	ec.LastError = deref(lastErr)
	ec.Current = cur.resources()
	ec.New = nxt.resources()
	return ec, true, nil
}

// DeleteContext removes a torn-down subscription's context. The audit trail
// is kept.
func (s *Store) DeleteContext(ctx context.Context, subscriptionID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var ec saga.ExecutionContext
		err := tx.QueryRow(ctx, `delete from execution_context where subscription_id = $1
returning subscription_id, mode, step_type, execution_status`, subscriptionID).
			Scan(&ec.SubscriptionID, &ec.Mode, &ec.StepType, &ec.Status)
		if err != nil {
			return notFound(err, "delete context "+subscriptionID)
		}
		return insertTransition(ctx, tx, ec, "deleted")
	})
}

type Transition struct {
	Mode      saga.Mode
	StepType  saga.StepType
	Status    saga.Status
	Note      string
	LastError string
	CreatedAt time.Time
}

// Transitions returns the most recent audit rows for a subscription, newest
// first.
func (s *Store) Transitions(ctx context.Context, subscriptionID string, limit int) ([]Transition, error) {
	rows, err := s.db.Query(ctx, `select mode, step_type, execution_status, note, last_error, created_at
from execution_transition where subscription_id = $1 order by id desc limit $2`, subscriptionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list transitions")
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var lastErr *string
		if err := rows.Scan(&t.Mode, &t.StepType, &t.Status, &t.Note, &lastErr, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transition")
		}
		t.LastError = deref(lastErr)
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "transition rows")
}

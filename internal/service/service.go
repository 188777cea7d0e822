// Package service is the inventory allocation and ledger engine. Every stock change goes
// through a single store transaction that locks the touched balances, writes the
// before/after-balanced ledger entries and updates the balances together.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/stockledger/internal/domain"
	"kasirinaja/stockledger/internal/metrics"
	"kasirinaja/stockledger/internal/recipe"
	"kasirinaja/stockledger/internal/store"
)

const (
	costScale           = 4
	defaultLedgerLimit  = 100
	maxLedgerLimit      = 1000
	defaultCostLookback = 5
)

var (
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must not be negative", store.ErrInvalidTransaction)
	ErrInvalidUnitCost = fmt.Errorf("%w: unit cost must not be negative", store.ErrInvalidTransaction)
	ErrActorRequired   = fmt.Errorf("%w: actor required", store.ErrInvalidTransaction)
)

type actorContextKey struct{}

// WithActor attaches the acting user to ctx; requests without an explicit actor use it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	return actor, ok && actor != ""
}

// Invalidator is implemented by resolvers that cache recipes.
type Invalidator interface {
	Invalidate(ctx context.Context, unitID string) error
}

type Options struct {
	AllowNegativeStock bool
	MaxConflictRetries int
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

type Service struct {
	repo       store.Repository
	resolver   recipe.Resolver
	validate   *validator.Validate
	logger     *zap.Logger
	metrics    *metrics.Metrics
	allowNeg   bool
	maxRetries int
}

func New(repo store.Repository, resolver recipe.Resolver, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = recipe.NewRouter(repo, logger)
	}
	retries := opts.MaxConflictRetries
	if retries < 0 {
		retries = 0
	}

	return &Service{
		repo:       repo,
		resolver:   resolver,
		validate:   newValidator(),
		logger:     logger.Named("service"),
		metrics:    opts.Metrics,
		allowNeg:   opts.AllowNegativeStock,
		maxRetries: retries,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func (s *Service) check(req interface{}) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	return nil
}

func (s *Service) resolveActor(ctx context.Context, actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor != "" {
		return actor, nil
	}
	if fromCtx, ok := ActorFromContext(ctx); ok {
		return fromCtx, nil
	}
	return "", ErrActorRequired
}

// withRetry reruns fn while the store reports a concurrency conflict.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !store.IsRetryable(err) {
			return err
		}
		if attempt == s.maxRetries {
			break
		}

		s.metrics.ConflictRetry()
		s.logger.Debug("retrying after concurrency conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func (s *Service) recordEntries(entries []domain.LedgerEntry) {
	for _, e := range entries {
		s.metrics.LedgerEntry(string(e.Type))
	}
}

func roundCost(d decimal.Decimal) decimal.Decimal {
	return d.Round(costScale)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

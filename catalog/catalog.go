package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bookwell/billing-engine/models"
	"github.com/bookwell/billing-engine/utils"
)

const planPrefix = "plan"

// PlanFetcher is the slice of the store the catalog reads through to.
type PlanFetcher interface {
	FetchPlan(id string) utils.Result[*models.SubscriptionPlan]
	FetchAllPlans() utils.Result[[]models.SubscriptionPlan]
	FetchActivePlans() utils.Result[[]models.SubscriptionPlan]
}

// Catalog is the read-mostly plan registry. Every subscription transition
// reads at least one plan, so plans are served from an in-memory BadgerDB
// cache fronting the database. Entries carry a TTL so deactivations and
// price corrections converge without explicit invalidation.
type Catalog struct {
	db     *badger.DB
	store  PlanFetcher
	logger *slog.Logger
	ttl    time.Duration
}

type CatalogConfig struct {
	Store  PlanFetcher
	Logger *slog.Logger
	TTL    time.Duration
}

func NewCatalog(config CatalogConfig) (*Catalog, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &Catalog{
		db:     db,
		store:  config.Store,
		logger: config.Logger.With("pkg", "catalog"),
		ttl:    ttl,
	}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func buildPlanKey(id string) string {
	return fmt.Sprintf("%s:%s", planPrefix, id)
}

// GetPlan returns the plan from cache, falling back to the store on a miss.
// Inactive plans are served too: grandfathered subscriptions keep reading
// plans long after deactivation.
func (c *Catalog) GetPlan(id string) utils.Result[*models.SubscriptionPlan] {
	cached := getJSON[models.SubscriptionPlan](c, buildPlanKey(id))
	if cached.Success() {
		return cached
	}

	fetched := c.store.FetchPlan(id)
	if fetched.Failure() {
		return fetched
	}

	plan := fetched.Value()
	if res := setJSON(c, buildPlanKey(plan.ID), plan, c.ttl); res.Failure() {
		c.logger.Error(
			"Failed to cache plan",
			slog.String("plan_id", plan.ID),
			slog.String("error", res.ErrorMsg()),
		)
	}

	return fetched
}

// ActivePlans always reads from the store; the listing is rare compared to
// per-transition plan lookups.
func (c *Catalog) ActivePlans() utils.Result[[]models.SubscriptionPlan] {
	return c.store.FetchActivePlans()
}

// Invalidate drops a cached plan so the next read refetches it.
func (c *Catalog) Invalidate(id string) utils.Result[bool] {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(buildPlanKey(id)))
	})
	if err != nil {
		return utils.FailedBoolResult(err)
	}

	return utils.SuccessResult(true)
}

// LoadSnapshot warms the cache with every plan, including inactive ones.
func (c *Catalog) LoadSnapshot() utils.Result[int] {
	c.logger.Info("Starting plan snapshot load")
	start := time.Now()

	plansResult := c.store.FetchAllPlans()
	if plansResult.Failure() {
		return utils.FailedResult[int](plansResult.Error())
	}

	plans := plansResult.Value()
	count := 0
	for i := range plans {
		plan := &plans[i]
		if res := setJSON(c, buildPlanKey(plan.ID), plan, c.ttl); res.Failure() {
			c.logger.Error(
				"Failed to cache plan",
				slog.String("plan_id", plan.ID),
				slog.String("error", res.ErrorMsg()),
			)
			utils.CaptureErrorResult(res)
			continue
		}
		count++
	}

	duration := time.Since(start)
	c.logger.Info(
		"Completed plan snapshot load",
		slog.Int("count", count),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	return utils.SuccessResult(count)
}

func setJSON[T any](c *Catalog, key string, value *T, ttl time.Duration) utils.Result[bool] {
	data, err := json.Marshal(value)
	if err != nil {
		return utils.FailedBoolResult(err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return utils.FailedBoolResult(err)
	}

	return utils.SuccessResult(true)
}

func getJSON[T any](c *Catalog, key string) utils.Result[*T] {
	var out T
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})

	if err == badger.ErrKeyNotFound {
		return utils.FailedResult[*T](err).NonCapturable().NonRetryable()
	}
	if err != nil {
		return utils.FailedResult[*T](err)
	}

	return utils.SuccessResult(&out)
}

package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/config"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	Cache     *cache.Cache
	TenantSvc tenantdomain.Service
	QuotaSvc  quotadomain.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	cfg   config.Config
	cache *cache.Cache

	tenantsvc tenantdomain.Service
	quotasvc  quotadomain.Service
	metrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("usage.service"),
		genID:     p.GenID,
		cfg:       p.Cfg,
		cache:     p.Cache,
		tenantsvc: p.TenantSvc,
		quotasvc:  p.QuotaSvc,
		metrics:   p.Metrics,
	}
}

// planned tracks one input through the pipeline.
type planned struct {
	input  usagedomain.EventInput
	record *usagedomain.UsageEvent
	dup    bool
	dupID  snowflake.ID
}

func (s *Service) Ingest(ctx context.Context, orgID snowflake.ID, inputs []usagedomain.EventInput) ([]usagedomain.IngestResult, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if len(inputs) == 0 {
		return nil, usagedomain.ErrEmptyBatch
	}
	if len(inputs) > usagedomain.MaxBatchSize {
		return nil, usagedomain.ErrBatchTooLarge
	}

	now := time.Now().UTC()
	for _, in := range inputs {
		if err := in.Validate(now); err != nil {
			return nil, err
		}
	}

	externalIDs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		externalIDs = append(externalIDs, in.TenantExternalID)
	}
	tenants, err := s.tenantsvc.Resolve(ctx, orgID, externalIDs)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.IdempotencyKey != "" {
			keys = append(keys, in.IdempotencyKey)
		}
	}
	existing, err := s.classify(ctx, orgID, keys)
	if err != nil {
		return nil, err
	}

	// Split duplicates from fresh. A repeated key inside one batch counts as
	// a duplicate of the first occurrence.
	plans := make([]*planned, len(inputs))
	firstInBatch := make(map[string]*planned, len(inputs))
	fresh := make([]*planned, 0, len(inputs))
	for i, in := range inputs {
		plan := &planned{input: in}
		plans[i] = plan

		if in.IdempotencyKey != "" {
			if id, ok := existing[in.IdempotencyKey]; ok {
				plan.dup = true
				plan.dupID = id
				continue
			}
			if prior, ok := firstInBatch[in.IdempotencyKey]; ok {
				plan.dup = true
				plan.dupID = prior.record.ID
				continue
			}
		}

		occurredAt := now
		if in.Timestamp != nil {
			occurredAt = in.Timestamp.UTC()
		}
		record := &usagedomain.UsageEvent{
			ID:         s.genID.Generate(),
			OrgID:      orgID,
			TenantID:   tenants[in.TenantExternalID],
			EventType:  in.EventType,
			Quantity:   in.Quantity,
			OccurredAt: occurredAt,
			CreatedAt:  now,
		}
		if in.Metadata != nil {
			record.Metadata = datatypes.JSONMap(in.Metadata)
		}
		if in.IdempotencyKey != "" {
			key := in.IdempotencyKey
			record.IdempotencyKey = &key
			firstInBatch[key] = plan
		}
		plan.record = record
		fresh = append(fresh, plan)
	}

	warnings, err := s.reserveQuota(ctx, fresh, tenants, now)
	if err != nil {
		return nil, err
	}

	if err := s.persist(ctx, orgID, fresh, now); err != nil {
		return nil, err
	}

	s.warmIdempotencyCache(ctx, orgID, fresh)
	s.bumpRollingCounters(orgID, fresh)

	results := make([]usagedomain.IngestResult, len(inputs))
	for i, plan := range plans {
		result := usagedomain.IngestResult{
			TenantExternalID: plan.input.TenantExternalID,
			TenantID:         tenants[plan.input.TenantExternalID],
			EventType:        plan.input.EventType,
			IdempotencyKey:   plan.input.IdempotencyKey,
		}
		if plan.dup {
			result.EventID = plan.dupID
			result.Deduplicated = true
		} else {
			result.EventID = plan.record.ID
			result.Warning = warnings[pairOf(plan.record.TenantID, plan.record.EventType)]
		}
		results[i] = result
		if s.metrics != nil {
			s.metrics.RecordIngest(plan.input.EventType, result.Deduplicated)
		}
	}
	return results, nil
}

type pair struct {
	tenantID  snowflake.ID
	eventType string
}

func pairOf(tenantID snowflake.ID, eventType string) pair {
	return pair{tenantID: tenantID, eventType: eventType}
}

// reserveQuota pre-sums fresh quantities per (tenant, eventType) and checks
// them once. Any violation rejects the whole batch.
func (s *Service) reserveQuota(ctx context.Context, fresh []*planned, tenants map[string]snowflake.ID, now time.Time) (map[pair]bool, error) {
	sums := make(map[pair]decimal.Decimal)
	order := make([]pair, 0)
	for _, plan := range fresh {
		p := pairOf(plan.record.TenantID, plan.record.EventType)
		if _, ok := sums[p]; !ok {
			order = append(order, p)
		}
		sums[p] = sums[p].Add(plan.record.Quantity)
	}
	if len(order) == 0 {
		return nil, nil
	}

	demands := make([]quotadomain.Demand, 0, len(order))
	for _, p := range order {
		demands = append(demands, quotadomain.Demand{
			TenantID:  p.tenantID,
			EventType: p.eventType,
			Quantity:  sums[p],
		})
	}

	violations, err := s.quotasvc.CheckAndReserveBatch(ctx, demands, now)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		externalByID := make(map[snowflake.ID]string, len(tenants))
		for external, id := range tenants {
			externalByID[id] = external
		}
		batchViolations := make([]usagedomain.BatchViolation, 0, len(violations))
		for _, v := range violations {
			batchViolations = append(batchViolations, usagedomain.BatchViolation{
				TenantExternalID: externalByID[v.TenantID],
				EventType:        v.EventType,
				Result:           v.Result,
			})
			if s.metrics != nil {
				s.metrics.RecordQuotaRejection(v.EventType)
			}
		}
		return nil, &usagedomain.QuotaExceededError{Violations: batchViolations}
	}

	warnings := make(map[pair]bool, len(order))
	return warnings, s.markWarnings(ctx, demands, warnings, now)
}

// markWarnings re-evaluates reserved pairs for soft-limit warnings.
func (s *Service) markWarnings(ctx context.Context, demands []quotadomain.Demand, warnings map[pair]bool, now time.Time) error {
	for _, demand := range demands {
		result, err := s.quotasvc.CheckAndReserve(ctx, demand.TenantID, demand.EventType, decimal.Zero, now)
		if err != nil {
			return err
		}
		if result.Warning {
			warnings[pairOf(demand.TenantID, demand.EventType)] = true
		}
	}
	return nil
}

// persist writes the fresh set in one batched insert. A concurrent writer
// who got the same idempotency key first wins at the unique constraint; the
// loser is converted into a duplicate result and its reservation returned.
func (s *Service) persist(ctx context.Context, orgID snowflake.ID, fresh []*planned, now time.Time) error {
	if len(fresh) == 0 {
		return nil
	}

	records := make([]*usagedomain.UsageEvent, 0, len(fresh))
	for _, plan := range fresh {
		records = append(records, plan.record)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&records).Error
	if err != nil {
		return err
	}

	// Re-read keyed rows to find races we lost.
	keyed := make(map[string]*planned)
	keys := make([]string, 0)
	for _, plan := range fresh {
		if plan.record.IdempotencyKey != nil {
			keyed[*plan.record.IdempotencyKey] = plan
			keys = append(keys, *plan.record.IdempotencyKey)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	var winners []usagedomain.UsageEvent
	err = s.db.WithContext(ctx).
		Select("id", "tenant_id", "event_type", "quantity", "idempotency_key").
		Where("org_id = ? AND idempotency_key IN ?", orgID, keys).
		Find(&winners).Error
	if err != nil {
		return err
	}
	for _, winner := range winners {
		plan, ok := keyed[*winner.IdempotencyKey]
		if !ok || winner.ID == plan.record.ID {
			continue
		}
		plan.dup = true
		plan.dupID = winner.ID
		// The duplicate reserved quota it will not use.
		s.quotasvc.Release(ctx, plan.record.TenantID, plan.record.EventType, plan.record.Quantity, now)
	}
	return nil
}

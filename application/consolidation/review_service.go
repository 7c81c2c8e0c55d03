package consolidation

import (
	"context"

	"go.uber.org/zap"

	"cartograph-backend/application/ports"
	cdomain "cartograph-backend/domain/consolidation"
	"cartograph-backend/domain/events"
	"cartograph-backend/domain/tenant"
	"cartograph-backend/internal/errors"
)

const defaultReviewPageSize = 50

// ReviewDecisionRequest resolves one queued pair. CanonicalID is only
// consulted on approve and must be one of the pair's two entities; empty
// defaults to entity A.
type ReviewDecisionRequest struct {
	ItemID      string
	Decision    string
	ReviewerID  string
	Notes       string
	CanonicalID string
}

// ReviewDecisionResult reports the recorded decision and, on approve, the
// merge it triggered.
type ReviewDecisionResult struct {
	ItemID       string
	Decision     string
	CanonicalID  string
	MergeEventID string
}

// ReviewService reads the review queue and records decisions as events on
// the pair stream. Approvals merge first and record the decision second:
// if the merge is rejected (an entity was merged elsewhere meanwhile) the
// item stays pending instead of reading approved with nothing behind it.
type ReviewService struct {
	store   EventAppender
	reviews ports.ReviewRepository
	merges  *MergeService
	logger  *zap.Logger
}

func NewReviewService(store EventAppender, reviews ports.ReviewRepository, merges *MergeService, logger *zap.Logger) *ReviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewService{
		store:   store,
		reviews: reviews,
		merges:  merges,
		logger:  logger.Named("review"),
	}
}

// Get returns one queue item.
func (s *ReviewService) Get(ctx context.Context, itemID string) (*cdomain.MergeReviewItem, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.reviews.GetByID(ctx, tenantID, itemID)
}

// List pages the queue, highest priority first.
func (s *ReviewService) List(ctx context.Context, filter cdomain.ReviewFilter) ([]*cdomain.MergeReviewItem, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultReviewPageSize
	}
	return s.reviews.List(ctx, tenantID, filter)
}

// Stats summarizes the tenant's queue.
func (s *ReviewService) Stats(ctx context.Context) (*cdomain.ReviewStats, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.reviews.Stats(ctx, tenantID)
}

// Decide records a reviewer's verdict on a pending or deferred item.
func (s *ReviewService) Decide(ctx context.Context, req ReviewDecisionRequest) (*ReviewDecisionResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	switch req.Decision {
	case events.DecisionApprove, events.DecisionReject, events.DecisionDefer, events.DecisionMarkDifferent:
	default:
		return nil, errors.Validation("REVIEW_DECISION_INVALID", "decision must be approve, reject, defer, or mark_different").
			WithTenant(tenantID).
			WithResource(req.ItemID).
			Build()
	}

	item, err := s.reviews.GetByID(ctx, tenantID, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != cdomain.ReviewPending && item.Status != cdomain.ReviewDeferred {
		return nil, errors.Conflict("REVIEW_ALREADY_DECIDED", "item is no longer open for review").
			WithTenant(tenantID).
			WithResource(req.ItemID).
			Build()
	}

	reviewer := req.ReviewerID
	if reviewer == "" {
		reviewer = tenant.Actor(ctx)
	}

	result := &ReviewDecisionResult{ItemID: item.ID, Decision: req.Decision}
	if req.Decision == events.DecisionApprove {
		canonicalID, mergedID, err := approveRoles(item, req.CanonicalID)
		if err != nil {
			return nil, err
		}
		merge, err := s.merges.Merge(ctx, MergeRequest{
			CanonicalID: canonicalID,
			MergedIDs:   []string{mergedID},
			Reason:      ReasonUserApproved,
			Scores:      map[string]float64(item.SimilarityScores),
			MergedBy:    reviewer,
		})
		if err != nil {
			return nil, err
		}
		result.CanonicalID = canonicalID
		result.MergeEventID = merge.MergeEventID
	}

	pairID := cdomain.PairID(tenantID, item.EntityAID, item.EntityBID)
	version, err := s.store.StreamVersion(ctx, pairID, events.AggregateMergePair)
	if err != nil {
		return nil, err
	}
	decision := events.NewMergeReviewDecisionEvent(pairID, tenantID, item.ID,
		item.EntityAID, item.EntityBID, req.Decision, reviewer, req.Notes,
		item.Confidence, version+1)
	if _, err := s.store.Append(ctx, pairID, events.AggregateMergePair,
		[]events.DomainEvent{decision}, version); err != nil {
		return nil, err
	}

	s.logger.Info("review decided",
		zap.String("tenant_id", tenantID),
		zap.String("item_id", item.ID),
		zap.String("decision", req.Decision),
		zap.String("reviewer", reviewer))
	return result, nil
}

// approveRoles picks which side of the pair survives. The override must be
// one of the two entities.
func approveRoles(item *cdomain.MergeReviewItem, override string) (canonicalID, mergedID string, err error) {
	switch override {
	case "", item.EntityAID:
		return item.EntityAID, item.EntityBID, nil
	case item.EntityBID:
		return item.EntityBID, item.EntityAID, nil
	default:
		return "", "", errors.Validation("REVIEW_CANONICAL_INVALID", "canonical override must be one of the pair's entities").
			WithTenant(item.TenantID).
			WithResource(item.ID).
			Build()
	}
}

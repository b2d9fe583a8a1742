package retrieve

import (
	"context"
	"time"

	"github.com/google/uuid"

	"salesmesh/internal/apperrors"
	"salesmesh/internal/audit"
	"salesmesh/internal/observability"
	"salesmesh/internal/persistence/databases"
	"salesmesh/internal/rag/embedder"
)

// Retriever implements the hybrid retrieval pipeline from routing through
// audit. Construct one per process; it holds no per-request state.
type Retriever struct {
	knowledge     databases.KnowledgeStore
	strategy      databases.StrategyStore
	events        databases.EventStore
	knowledgeVec  databases.VectorStore
	strategyVec   databases.VectorStore
	embedder      embedder.Embedder
	recorder      *audit.Recorder
	router        Router
	reranker      Reranker
	rerankEnabled bool
	halfLife      time.Duration
	log           observability.Logger
	metrics       observability.Metrics
}

type Option func(*Retriever)

func WithLogger(l observability.Logger) Option   { return func(r *Retriever) { r.log = l } }
func WithMetrics(m observability.Metrics) Option { return func(r *Retriever) { r.metrics = m } }
func WithHalfLife(d time.Duration) Option        { return func(r *Retriever) { r.halfLife = d } }
func WithRouter(router Router) Option            { return func(r *Retriever) { r.router = router } }
func WithReranker(rr Reranker, enabled bool) Option {
	return func(r *Retriever) { r.reranker = rr; r.rerankEnabled = enabled }
}

func NewRetriever(
	knowledge databases.KnowledgeStore,
	strategy databases.StrategyStore,
	events databases.EventStore,
	knowledgeVec, strategyVec databases.VectorStore,
	emb embedder.Embedder,
	recorder *audit.Recorder,
	opts ...Option,
) *Retriever {
	r := &Retriever{
		knowledge:    knowledge,
		strategy:     strategy,
		events:       events,
		knowledgeVec: knowledgeVec,
		strategyVec:  strategyVec,
		embedder:     emb,
		recorder:     recorder,
		router:       DefaultRouter(),
		reranker:     NoopReranker{},
		halfLife:     0, // decay.DefaultHalfLife applied by decay.Weight when <= 0
		log:          observability.NoopLogger{},
		metrics:      observability.NoopMetrics{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Query runs the full retrieval pipeline and appends one MemoryAudit row
// for every query that passes the tenant check and recall; a tenant
// mismatch or a recall error returns without an audit row, and no row is
// written when the Retriever has no recorder. subjectTenant is the tenant embedded in the
// caller's auth subject, empty if unauthenticated or not tenant-scoped.
func (r *Retriever) Query(ctx context.Context, subjectTenant string, req Request) (Response, error) {
	if subjectTenant != "" && subjectTenant != req.TenantID {
		return Response{}, apperrors.New(apperrors.Forbidden, "tenant mismatch")
	}
	topK := 8
	if req.TopK != nil {
		topK = *req.TopK
		if topK < 0 {
			topK = 0
		}
	}
	req.TopK = &topK

	requestID := uuid.NewString()
	route := r.router.Route(req.IntentHint, req.Query)
	now := time.Now().UTC()

	var cands []candidate
	var err error
	switch route {
	case RouteKnowledge:
		cands, err = r.queryKnowledge(ctx, req, now)
	case RouteStrategy:
		cands, err = r.queryStrategy(ctx, req, now)
	default:
		cands = nil
	}
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.Upstream, "recall failed", err)
	}

	if r.rerankEnabled {
		cands = r.reranker.Rerank(ctx, req.Query, cands)
	}
	if len(cands) > topK {
		cands = cands[:topK]
	}

	r.reactivate(ctx, cands, now)
	hits, citations := r.toHitsAndCitations(ctx, cands)

	retrievedIDs := make([]string, 0, len(hits))
	for _, h := range hits {
		retrievedIDs = append(retrievedIDs, h.ID)
	}
	r.appendAudit(ctx, requestID, req, route, retrievedIDs, citations)

	r.metrics.IncCounter("retrieve_query_total", map[string]string{"route": string(route)})
	return Response{RequestID: requestID, RouteDecision: route, Hits: hits, Citations: citations}, nil
}

func (r *Retriever) queryKnowledge(ctx context.Context, req Request, now time.Time) ([]candidate, error) {
	rows, err := r.recallKnowledge(ctx, req, now)
	if err != nil {
		return nil, err
	}
	vecHits := r.recallVector(ctx, r.knowledgeVec, req)
	return fuseKnowledge(rows, vecHits, now, r.halfLife), nil
}

func (r *Retriever) queryStrategy(ctx context.Context, req Request, now time.Time) ([]candidate, error) {
	rows, err := r.recallStrategy(ctx, req, now)
	if err != nil {
		return nil, err
	}
	vecHits := r.recallVector(ctx, r.strategyVec, req)
	return fuseStrategy(rows, vecHits, now, r.halfLife), nil
}

func (r *Retriever) appendAudit(ctx context.Context, requestID string, req Request, route Route, retrievedIDs []string, citations []databases.Citation) {
	if r.recorder == nil {
		return
	}
	outputDigest := audit.Digest(audit.CanonicalJSON(citationsToJSON(citations)))
	_ = r.recorder.Append(ctx, databases.MemoryAudit{
		RequestID:      requestID,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		InputDigest:    audit.Digest(req.Query),
		Route:          string(route),
		RetrievedIDs:   retrievedIDs,
		Citations:      citations,
		ComplianceHits: nil,
		OutputDigest:   outputDigest,
		Metadata:       map[string]string{"route_policy": req.RoutePolicy},
		CreatedAt:      time.Now().UTC(),
	})
}

func citationsToJSON(citations []databases.Citation) map[string]interface{} {
	items := make([]interface{}, 0, len(citations))
	for _, c := range citations {
		items = append(items, map[string]interface{}{
			"type": c.Type, "id": c.ID, "version": c.Version,
			"snippet": c.Snippet, "source_ref": c.SourceRef,
		})
	}
	return map[string]interface{}{"citations": items}
}

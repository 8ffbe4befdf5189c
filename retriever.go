package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ResultRetriever resolves a job's result for consumers. It tries the result
// cache, then the metadata store, then the live queue. Terminal results found
// past the cache are written back so the next read is a cache hit.
type ResultRetriever struct {
	manager  *QueueManager
	metadata MetadataStore
	cache    *ResultCache
	ttl      time.Duration
	log      zerolog.Logger
}

// NewResultRetriever reads from manager's queues plus whatever WithResultCache
// and WithMetadataStore supply.
func NewResultRetriever(manager *QueueManager, opt ...Opt) (*ResultRetriever, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: result retriever needs a queue manager", ErrConfig)
	}
	o, err := applyOpts("result-retriever", opt)
	if err != nil {
		return nil, err
	}
	return &ResultRetriever{
		manager:  manager,
		metadata: o.metadata,
		cache:    o.results,
		ttl:      o.resultTTL,
		log:      o.logger,
	}, nil
}

// Retrieve returns the best known result for jobID on queueName. A job found
// nowhere yields a result with status not_found and a nil error.
func (r *ResultRetriever) Retrieve(ctx context.Context, queueName, jobID string) (*JobRetrievalResult, error) {
	if r.cache != nil {
		if cached := r.cache.Get(ctx, jobID); cached != nil {
			cached.Source = SourceCache
			return cached, nil
		}
	}

	if r.metadata != nil {
		meta, err := r.metadata.Get(ctx, jobID)
		switch {
		case err == nil:
			result := resultFromMetadata(meta)
			r.writeBack(ctx, result)
			return result, nil
		case !errors.Is(err, ErrNotFound):
			r.log.Warn().Err(err).Str("job", jobID).Msg("metadata lookup failed, falling back to queue")
		}
	}

	job, err := r.manager.GetJob(ctx, queueName, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return &JobRetrievalResult{JobID: jobID, Status: ResultNotFound, Source: SourceQueue}, nil
	}
	if err != nil {
		return nil, err
	}
	result := resultFromJob(job)
	r.writeBack(ctx, result)
	return result, nil
}

func (r *ResultRetriever) writeBack(ctx context.Context, result *JobRetrievalResult) {
	if r.cache == nil || (result.Status != ResultCompleted && result.Status != ResultFailed) {
		return
	}
	if err := r.cache.Set(ctx, result.JobID, result, r.ttl); err != nil {
		r.log.Warn().Err(err).Str("job", result.JobID).Msg("could not write result back to cache")
	}
}

func resultFromJob(job *Job) *JobRetrievalResult {
	result := &JobRetrievalResult{
		JobID:       job.ID,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.FinishedOn,
		Source:      SourceQueue,
	}
	result.AgentID, _ = job.Payload["agentId"].(string)
	result.UserID, _ = job.Payload["userId"].(string)
	switch job.State {
	case StateCompleted:
		result.Status = ResultCompleted
		result.Data = job.ReturnValue
	case StateFailed:
		result.Status = ResultFailed
		result.Error = job.FailedReason
	default:
		result.Status = ResultProcessing
		result.CompletedAt = nil
	}
	return result
}

func resultFromMetadata(meta *JobMetadata) *JobRetrievalResult {
	result := &JobRetrievalResult{
		JobID:     meta.ID,
		AgentID:   meta.AgentID,
		UserID:    meta.UserID,
		CreatedAt: meta.CreatedAt,
		Source:    SourceDatabase,
	}
	switch meta.Status {
	case StatusCompleted:
		result.Status = ResultCompleted
		result.Data = meta.Result
		result.CompletedAt = meta.CompletedAt
	case StatusFailed:
		result.Status = ResultFailed
		result.Error = meta.Error
		result.CompletedAt = meta.CompletedAt
	default:
		result.Status = ResultProcessing
	}
	return result
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wikichat/internal/ai"
	"wikichat/internal/knowledge"
	"wikichat/internal/metrics"
)

// MaxQueryChars bounds a single query; anything longer is rejected during
// validation.
const MaxQueryChars = 2000

var tracer = otel.Tracer("wikichat/chat")

// Request is a fully resolved chat request: optional fields have already
// been defaulted by the caller.
type Request struct {
	Query        string
	UseKnowledge bool
	MaxTokens    int
	Temperature  float64
}

// Response is the assembled outcome of one request. TurnID is nil and
// Persisted false when the turn could not be stored; the answer is still
// present in that case.
type Response struct {
	Answer        string
	Query         string
	UsedKnowledge bool
	SourceURL     string
	TurnID        *int64
	Persisted     bool
	Model         string
	TokensUsed    int
	CreatedAt     time.Time
}

// Retriever fetches a factual extract for a topic. Lookups are best-effort
// from the pipeline's point of view.
type Retriever interface {
	Lookup(ctx context.Context, topic string) (knowledge.Extract, error)
}

// JobQueue announces queued job ids to the async workers.
type JobQueue interface {
	Publish(ctx context.Context, jobID string) error
}

type Service struct {
	repo        *Repo
	retriever   Retriever
	provider    ai.Provider
	queue       JobQueue
	maxAttempts int
	log         *zap.Logger
}

// NewService wires the orchestrator. queue may be nil for deployments
// without async workers; EnqueueGeneration then refuses.
func NewService(repo *Repo, retriever Retriever, provider ai.Provider, queue JobQueue, maxAttempts int, log *zap.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		retriever:   retriever,
		provider:    provider,
		queue:       queue,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

func (r Request) validate() error {
	q := strings.TrimSpace(r.Query)
	if q == "" {
		return &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if len([]rune(q)) > MaxQueryChars {
		return &ValidationError{Field: "query", Reason: fmt.Sprintf("longer than %d characters", MaxQueryChars)}
	}
	if r.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	return nil
}

// Handle runs one request through the pipeline:
// validate -> optionally augment -> generate -> persist.
//
// Augmentation never fails the request; it degrades to the bare query.
// A generation failure aborts before anything is stored. A persistence
// failure still returns the generated answer, with Persisted=false and a
// nil TurnID, so callers can tell the two apart.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "chat.handle")
	defer span.End()

	// 1) validate before touching any collaborator
	if err := req.validate(); err != nil {
		metrics.ChatRequests.WithLabelValues("validation_failed").Inc()
		metrics.StageFailures.WithLabelValues(string(StageValidating)).Inc()
		return nil, &StageError{Stage: StageValidating, Err: err}
	}
	query := strings.TrimSpace(req.Query)

	// 2) best-effort augmentation
	var ext knowledge.Extract
	if req.UseKnowledge {
		ext = s.augment(ctx, query)
	}
	span.SetAttributes(attribute.Bool("chat.augmented", ext.Found))

	// 3) generate
	prompt := buildPrompt(query, ext)
	started := time.Now()
	answer, err := s.provider.Generate(ctx, prompt, ai.Params{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	metrics.ProviderLatency.WithLabelValues(s.provider.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ChatRequests.WithLabelValues("generation_failed").Inc()
		metrics.StageFailures.WithLabelValues(string(StageGenerating)).Inc()
		s.log.Warn("generation failed",
			zap.String("provider", s.provider.Name()),
			zap.Error(err))
		return nil, &StageError{Stage: StageGenerating, Err: err}
	}

	resp := &Response{
		Answer:        answer.Text,
		Query:         query,
		UsedKnowledge: ext.Found,
		SourceURL:     ext.SourceURL,
		Model:         answer.Model,
		TokensUsed:    answer.TokensUsed,
		CreatedAt:     time.Now().UTC(),
	}

	// 4) persist; a failed write must not cost the caller the answer
	turn := &Turn{
		Query:         query,
		Answer:        answer.Text,
		UsedKnowledge: ext.Found,
	}
	if ext.Found && ext.SourceURL != "" {
		u := ext.SourceURL
		turn.SourceURL = &u
	}
	if err := s.repo.AppendTurn(ctx, turn); err != nil {
		metrics.ChatRequests.WithLabelValues("persist_failed").Inc()
		metrics.StageFailures.WithLabelValues(string(StagePersisting)).Inc()
		s.log.Error("turn not persisted", zap.Error(err))
		return resp, nil
	}

	resp.Persisted = true
	resp.TurnID = &turn.ID
	resp.CreatedAt = turn.CreatedAt
	metrics.TurnsPersisted.Inc()
	metrics.ChatRequests.WithLabelValues("completed").Inc()
	return resp, nil
}

func (s *Service) augment(ctx context.Context, query string) knowledge.Extract {
	ctx, span := tracer.Start(ctx, "chat.augment")
	defer span.End()

	ext, err := s.retriever.Lookup(ctx, query)
	if err != nil {
		metrics.KnowledgeLookups.WithLabelValues("error").Inc()
		s.log.Warn("knowledge lookup failed, continuing without context", zap.Error(err))
		return knowledge.Extract{}
	}
	if !ext.Found {
		metrics.KnowledgeLookups.WithLabelValues("not_found").Inc()
		return ext
	}
	metrics.KnowledgeLookups.WithLabelValues("found").Inc()
	return ext
}

// buildPrompt puts the extract ahead of the question behind a clear
// delimiter. The instruction keeps the model from treating the extract as
// gospel.
func buildPrompt(query string, ext knowledge.Extract) string {
	if !ext.Found || strings.TrimSpace(ext.Text) == "" {
		return query
	}
	var b strings.Builder
	b.WriteString("Use the following background extract as supplementary context. ")
	b.WriteString("It may be incomplete or outdated; prefer well-established facts when they conflict.\n\n")
	fmt.Fprintf(&b, "Background (%s):\n%s\n\n", ext.Title, ext.Text)
	b.WriteString("---\n\n")
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

// History returns stored turns oldest first, plus the total count.
func (s *Service) History(ctx context.Context, limit, offset int) ([]Turn, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	turns, err := s.repo.ListTurns(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountTurns(ctx)
	if err != nil {
		return nil, 0, err
	}
	return turns, total, nil
}

func (s *Service) ClearHistory(ctx context.Context) (int64, error) {
	n, err := s.repo.ClearTurns(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Info("history cleared", zap.Int64("turns", n))
	return n, nil
}

// EnqueueGeneration validates and stores a job, then announces it. The
// second return reports whether the job is new; an idempotency key replay
// returns the existing job with created=false.
func (s *Service) EnqueueGeneration(ctx context.Context, req Request, idempotencyKey string) (*Job, bool, error) {
	if s.queue == nil {
		return nil, false, errors.New("chat: job queue not configured")
	}
	if err := req.validate(); err != nil {
		return nil, false, &StageError{Stage: StageValidating, Err: err}
	}

	id, err := NewJobID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{
		ID:           id,
		Query:        strings.TrimSpace(req.Query),
		UseKnowledge: req.UseKnowledge,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Status:       JobQueued,
	}
	if k := strings.TrimSpace(idempotencyKey); k != "" {
		job.IdempotencyKey = &k
	}

	created, fresh, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if fresh {
		if err := s.queue.Publish(ctx, created.ID); err != nil {
			// The row exists but no worker will ever hear about it; fail it
			// now so pollers are not left waiting forever.
			_ = s.repo.MarkJobFailed(ctx, created.ID, "publish: "+err.Error())
			return nil, false, err
		}
	}
	return created, fresh, nil
}

func (s *Service) JobByID(ctx context.Context, id string) (*Job, error) {
	return s.repo.JobByID(ctx, id)
}

// RunJob executes one announced job. A nil return means the message can be
// acked: the job reached a terminal state or was a duplicate delivery. An
// error asks the queue to redeliver.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	job, err := s.repo.JobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Warn("job not found, dropping", zap.String("job_id", jobID))
			return nil
		}
		return err
	}
	if job.Status == JobSucceeded || job.Status == JobFailed {
		return nil
	}

	if err := s.repo.MarkJobRunning(ctx, job.ID); err != nil {
		return err
	}
	attempt := job.Attempts + 1

	resp, err := s.Handle(ctx, Request{
		Query:        job.Query,
		UseKnowledge: job.UseKnowledge,
		MaxTokens:    job.MaxTokens,
		Temperature:  job.Temperature,
	})
	if err != nil {
		if s.retryable(err) && attempt < s.maxAttempts {
			if rqErr := s.repo.RequeueJob(ctx, job.ID, err.Error()); rqErr != nil {
				return rqErr
			}
			metrics.JobsProcessed.WithLabelValues("retried").Inc()
			s.log.Warn("job scheduled for retry",
				zap.String("job_id", job.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		if mkErr := s.repo.MarkJobFailed(ctx, job.ID, err.Error()); mkErr != nil {
			return mkErr
		}
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		s.log.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return nil
	}

	if !resp.Persisted {
		// The answer exists but async callers can only read it through the
		// stored turn, so an unpersisted turn is a failure here.
		persistErr := errors.New("turn could not be persisted")
		if attempt < s.maxAttempts {
			if rqErr := s.repo.RequeueJob(ctx, job.ID, persistErr.Error()); rqErr != nil {
				return rqErr
			}
			metrics.JobsProcessed.WithLabelValues("retried").Inc()
			return persistErr
		}
		if mkErr := s.repo.MarkJobFailed(ctx, job.ID, persistErr.Error()); mkErr != nil {
			return mkErr
		}
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		return nil
	}

	if err := s.repo.MarkJobSucceeded(ctx, job.ID, *resp.TurnID); err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues("succeeded").Inc()
	s.log.Info("job succeeded",
		zap.String("job_id", job.ID),
		zap.Int64("turn_id", *resp.TurnID))
	return nil
}

// retryable reports whether another attempt could change the outcome:
// transient provider trouble and transient storage trouble qualify,
// validation never does.
func (s *Service) retryable(err error) bool {
	var genErr *ai.GenerationError
	if errors.As(err, &genErr) {
		return genErr.Transient()
	}
	var stErr *StorageError
	if errors.As(err, &stErr) {
		return stErr.Transient
	}
	return false
}

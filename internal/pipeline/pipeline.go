package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/deploy"
	"github.com/kookaburracodes/kookaburra/internal/domain"
	"github.com/kookaburracodes/kookaburra/internal/githubapp"
	"github.com/kookaburracodes/kookaburra/internal/repository"
)

// PushEvent is the subset of the GitHub push payload the pipeline needs.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
		CloneURL      string `json:"clone_url"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// ParsePushEvent decodes a webhook body into a PushEvent.
func ParsePushEvent(body []byte) (*PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode push event: %w", err)
	}
	return &event, nil
}

// IsDefaultBranchPush reports whether the push targets the repository's
// default branch.
func (e *PushEvent) IsDefaultBranchPush() bool {
	if e.Ref == "" || e.Repository.DefaultBranch == "" {
		return false
	}
	return strings.HasSuffix(e.Ref, "/"+e.Repository.DefaultBranch)
}

// CredentialIssuer mints installation credentials and reports commit
// statuses.
type CredentialIssuer interface {
	Credential(ctx context.Context, repoFullName string) (githubapp.InstallationCredential, error)
	PostCommitStatus(ctx context.Context, repoFullName, sha string, state githubapp.StatusState, description, installationToken string) error
}

// Fetcher materializes a repository checkout on local disk.
type Fetcher interface {
	Clone(ctx context.Context, cloneURL, installationToken, dest string) (string, error)
}

// Bundler assembles a checkout into a deployable bundle directory.
type Bundler interface {
	Package(appPath string) (string, error)
}

// statusReportTimeout bounds each commit-status call. Terminal reports run
// on their own deadline: the pipeline's may already have expired when the
// failure being reported is a timeout.
const statusReportTimeout = 30 * time.Second

// Handler runs the push-to-deploy pipeline.
type Handler struct {
	creds       CredentialIssuer
	fetcher     Fetcher
	bundler     Bundler
	deployer    deploy.Deployer
	phones      PhoneProvisioner
	llms        repository.LLMRepository
	accountName string
	timeout     time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer

	mu    sync.Mutex
	locks map[string]*repoLock
}

// PhoneProvisioner allocates and releases inbound numbers.
type PhoneProvisioner interface {
	Provision(ctx context.Context) (string, error)
	Release(ctx context.Context, number string) error
}

// NewHandler wires dependencies.
func NewHandler(creds CredentialIssuer, fetcher Fetcher, bundler Bundler, deployer deploy.Deployer, phones PhoneProvisioner, llms repository.LLMRepository, accountName string, timeout time.Duration, logger *zap.Logger) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Handler{
		creds:       creds,
		fetcher:     fetcher,
		bundler:     bundler,
		deployer:    deployer,
		phones:      phones,
		llms:        llms,
		accountName: accountName,
		timeout:     timeout,
		logger:      logger,
		tracer:      otel.Tracer("github.com/kookaburracodes/kookaburra/internal/pipeline"),
	}
}

// Process runs the full deploy pipeline for one push. It is meant to be
// called on its own goroutine with a detached context: the webhook response
// has already been sent, so all failures end up as commit statuses and log
// lines rather than errors to a caller.
func (h *Handler) Process(event *PushEvent, userID int64) {
	if !event.IsDefaultBranchPush() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	ctx, span := h.startSpan(ctx, "Pipeline.Process")
	defer span.End()

	repo := event.Repository.FullName
	logger := h.logger.With(
		zap.String("repo", repo),
		zap.String("sha", event.After),
		zap.String("pusher", event.Pusher.Name),
	)

	cred, err := h.creds.Credential(ctx, repo)
	if err != nil {
		span.RecordError(err)
		logger.Error("mint installation credential", zap.Error(err))
		return
	}

	h.reportStatus(ctx, logger, event, cred.Token, githubapp.StatusPending, "Deploying your llm")

	target, err := h.run(ctx, event, cred.Token, userID)
	if err != nil {
		span.RecordError(err)
		logger.Error("pipeline failed", zap.Error(err))
		h.reportStatus(ctx, logger, event, cred.Token, githubapp.StatusFailure, "Deploy failed")
		return
	}

	logger.Info("pipeline succeeded",
		zap.String("llm_id", target.ID.String()),
		zap.String("endpoint", target.EndpointURL),
	)
	h.reportStatus(ctx, logger, event, cred.Token, githubapp.StatusSuccess, "Deployed "+target.EndpointURL)
}

func (h *Handler) run(ctx context.Context, event *PushEvent, token string, userID int64) (domain.LLM, error) {
	cloneURL := event.Repository.CloneURL

	// One deploy at a time per repo. Concurrent first pushes would
	// otherwise race to create the target and provision two numbers.
	lock := h.acquireLock(cloneURL)
	defer h.releaseLock(cloneURL, lock)

	target, err := h.resolveTarget(ctx, cloneURL, userID)
	if err != nil {
		return domain.LLM{}, err
	}

	workspace, err := os.MkdirTemp("", "kookaburra-src-")
	if err != nil {
		return domain.LLM{}, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	appPath, err := h.fetcher.Clone(ctx, cloneURL, token, filepath.Join(workspace, "app"))
	if err != nil {
		return domain.LLM{}, err
	}

	bundle, err := h.bundler.Package(appPath)
	if err != nil {
		return domain.LLM{}, err
	}
	defer os.RemoveAll(bundle)

	if _, err := h.deployer.Deploy(ctx, bundle, target.ID.String()); err != nil {
		return domain.LLM{}, err
	}
	return target, nil
}

// resolveTarget finds the deployment target for a clone URL, creating it on
// first push. The unique constraint on clone_url backs up the in-process
// lock: on ErrDuplicate another replica won the insert, so refetch.
func (h *Handler) resolveTarget(ctx context.Context, cloneURL string, userID int64) (domain.LLM, error) {
	target, err := h.llms.GetByCloneURL(ctx, cloneURL)
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.LLM{}, fmt.Errorf("lookup target: %w", err)
	}

	number, err := h.phones.Provision(ctx)
	if err != nil {
		return domain.LLM{}, fmt.Errorf("provision phone number: %w", err)
	}

	id := uuid.New()
	target, err = h.llms.Create(ctx, domain.LLM{
		ID:          id,
		CloneURL:    cloneURL,
		PhoneNumber: number,
		EndpointURL: deploy.EndpointURL(h.accountName, id.String()),
		UserID:      userID,
	})
	if err == nil {
		h.logger.Info("created deployment target",
			zap.String("llm_id", id.String()),
			zap.String("clone_url", cloneURL),
			zap.String("phone_number", number),
		)
		return target, nil
	}

	if errors.Is(err, repository.ErrDuplicate) {
		if relErr := h.phones.Release(ctx, number); relErr != nil {
			h.logger.Warn("release orphaned phone number", zap.String("number", number), zap.Error(relErr))
		}
		target, err = h.llms.GetByCloneURL(ctx, cloneURL)
		if err != nil {
			return domain.LLM{}, fmt.Errorf("refetch target: %w", err)
		}
		return target, nil
	}
	return domain.LLM{}, fmt.Errorf("create target: %w", err)
}

func (h *Handler) reportStatus(ctx context.Context, logger *zap.Logger, event *PushEvent, token string, state githubapp.StatusState, description string) {
	// Detach from the pipeline deadline so a timeout failure still gets
	// its failure status instead of leaving the commit pending forever.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusReportTimeout)
	defer cancel()
	if err := h.creds.PostCommitStatus(ctx, event.Repository.FullName, event.After, state, description, token); err != nil {
		logger.Warn("post commit status", zap.String("state", string(state)), zap.Error(err))
	}
}

// repoLock is a per-repo mutex with a reference count so idle entries can
// be evicted instead of accreting one per repository ever pushed.
type repoLock struct {
	mu   sync.Mutex
	refs int
}

func (h *Handler) acquireLock(cloneURL string) *repoLock {
	h.mu.Lock()
	if h.locks == nil {
		h.locks = make(map[string]*repoLock)
	}
	lock, ok := h.locks[cloneURL]
	if !ok {
		lock = &repoLock{}
		h.locks[cloneURL] = lock
	}
	lock.refs++
	h.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (h *Handler) releaseLock(cloneURL string, lock *repoLock) {
	lock.mu.Unlock()

	h.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(h.locks, cloneURL)
	}
	h.mu.Unlock()
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h == nil || h.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.tracer.Start(ctx, name)
}

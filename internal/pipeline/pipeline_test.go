package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/domain"
	"github.com/kookaburracodes/kookaburra/internal/githubapp"
	"github.com/kookaburracodes/kookaburra/internal/repository"
)

type recordedStatus struct {
	state       githubapp.StatusState
	description string
}

type fakeCreds struct {
	mu       sync.Mutex
	statuses []recordedStatus
	credErr  error
}

func (f *fakeCreds) Credential(ctx context.Context, repoFullName string) (githubapp.InstallationCredential, error) {
	if f.credErr != nil {
		return githubapp.InstallationCredential{}, f.credErr
	}
	return githubapp.InstallationCredential{InstallationID: 7, Token: "ghs_test"}, nil
}

func (f *fakeCreds) PostCommitStatus(ctx context.Context, repoFullName, sha string, state githubapp.StatusState, description, installationToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, recordedStatus{state: state, description: description})
	return nil
}

func (f *fakeCreds) recorded() []recordedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedStatus, len(f.statuses))
	copy(out, f.statuses)
	return out
}

type fakeFetcher struct{ err error }

func (f *fakeFetcher) Clone(ctx context.Context, cloneURL, installationToken, dest string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	return dest, nil
}

type fakeBundler struct{}

func (f *fakeBundler) Package(appPath string) (string, error) {
	return os.MkdirTemp("", "bundle-")
}

type fakeDeployer struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (f *fakeDeployer) Deploy(ctx context.Context, bundlePath, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return "deployed", nil
}

func (f *fakeDeployer) Stop(ctx context.Context, name string) error { return nil }

// slowDeployer blocks until the pipeline deadline expires.
type slowDeployer struct{}

func (d *slowDeployer) Deploy(ctx context.Context, bundlePath, name string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (d *slowDeployer) Stop(ctx context.Context, name string) error { return nil }

type fakePhones struct {
	mu        sync.Mutex
	count     int
	released  []string
	provision error
}

func (f *fakePhones) Provision(ctx context.Context) (string, error) {
	if f.provision != nil {
		return "", f.provision
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return fmt.Sprintf("+1555000%04d", f.count), nil
}

func (f *fakePhones) Release(ctx context.Context, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, number)
	return nil
}

type fakeLLMRepo struct {
	mu      sync.Mutex
	byClone map[string]domain.LLM
	creates int
}

func newFakeLLMRepo() *fakeLLMRepo {
	return &fakeLLMRepo{byClone: map[string]domain.LLM{}}
}

func (f *fakeLLMRepo) GetByCloneURL(ctx context.Context, cloneURL string) (domain.LLM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	llm, ok := f.byClone[cloneURL]
	if !ok {
		return domain.LLM{}, repository.ErrNotFound
	}
	return llm, nil
}

func (f *fakeLLMRepo) GetByPhoneNumber(ctx context.Context, phoneNumber string) (domain.LLM, error) {
	return domain.LLM{}, repository.ErrNotFound
}

func (f *fakeLLMRepo) GetForUser(ctx context.Context, id uuid.UUID, userID int64) (domain.LLM, error) {
	return domain.LLM{}, repository.ErrNotFound
}

func (f *fakeLLMRepo) ListByUser(ctx context.Context, userID int64) ([]domain.LLM, error) {
	return nil, nil
}

func (f *fakeLLMRepo) Create(ctx context.Context, llm domain.LLM) (domain.LLM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byClone[llm.CloneURL]; ok {
		return domain.LLM{}, repository.ErrDuplicate
	}
	f.creates++
	llm.CreatedAt = time.Now()
	f.byClone[llm.CloneURL] = llm
	return llm, nil
}

func (f *fakeLLMRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func pushEvent() *PushEvent {
	event, _ := ParsePushEvent([]byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {
			"full_name": "octocat/llm-app",
			"default_branch": "main",
			"clone_url": "https://github.com/octocat/llm-app.git"
		},
		"pusher": {"name": "octocat"}
	}`))
	return event
}

type harness struct {
	handler  *Handler
	creds    *fakeCreds
	deployer *fakeDeployer
	phones   *fakePhones
	llms     *fakeLLMRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		creds:    &fakeCreds{},
		deployer: &fakeDeployer{},
		phones:   &fakePhones{},
		llms:     newFakeLLMRepo(),
	}
	h.handler = NewHandler(h.creds, &fakeFetcher{}, &fakeBundler{}, h.deployer, h.phones, h.llms, "kookaburra", time.Minute, zap.NewNop())
	return h
}

func TestIsDefaultBranchPush(t *testing.T) {
	event := pushEvent()
	require.True(t, event.IsDefaultBranchPush())

	event.Ref = "refs/heads/feature"
	require.False(t, event.IsDefaultBranchPush())

	event.Ref = ""
	require.False(t, event.IsDefaultBranchPush())
}

func TestProcessFirstPushCreatesTarget(t *testing.T) {
	h := newHarness(t)
	event := pushEvent()

	h.handler.Process(event, 42)

	target, err := h.llms.GetByCloneURL(context.Background(), event.Repository.CloneURL)
	require.NoError(t, err)
	require.NotEmpty(t, target.PhoneNumber)
	require.Equal(t, int64(42), target.UserID)
	require.Contains(t, target.EndpointURL, target.ID.String())
	require.Contains(t, target.EndpointURL, "modal.run")

	require.Equal(t, []string{target.ID.String()}, h.deployer.names)

	statuses := h.creds.recorded()
	require.Len(t, statuses, 2)
	require.Equal(t, githubapp.StatusPending, statuses[0].state)
	require.Equal(t, githubapp.StatusSuccess, statuses[1].state)
	require.Contains(t, statuses[1].description, target.EndpointURL)
}

func TestProcessIgnoresNonDefaultBranch(t *testing.T) {
	h := newHarness(t)
	event := pushEvent()
	event.Ref = "refs/heads/feature"

	h.handler.Process(event, 42)

	require.Empty(t, h.creds.recorded())
	require.Equal(t, 0, h.llms.creates)
	require.Empty(t, h.deployer.names)
}

func TestProcessReusesExistingTarget(t *testing.T) {
	h := newHarness(t)
	event := pushEvent()

	existing, err := h.llms.Create(context.Background(), domain.LLM{
		ID:          uuid.New(),
		CloneURL:    event.Repository.CloneURL,
		PhoneNumber: "+15550001111",
		EndpointURL: "https://kookaburra--existing--api.modal.run/",
		UserID:      42,
	})
	require.NoError(t, err)

	h.handler.Process(event, 42)

	require.Equal(t, 0, h.phones.count)
	require.Equal(t, []string{existing.ID.String()}, h.deployer.names)
}

func TestProcessDeployFailureReportsFailureStatus(t *testing.T) {
	h := newHarness(t)
	h.deployer.err = errors.New("modal exploded")

	h.handler.Process(pushEvent(), 42)

	statuses := h.creds.recorded()
	require.Len(t, statuses, 2)
	require.Equal(t, githubapp.StatusPending, statuses[0].state)
	require.Equal(t, githubapp.StatusFailure, statuses[1].state)
}

func TestProcessTimeoutStillReportsFailure(t *testing.T) {
	h := newHarness(t)
	h.handler.deployer = &slowDeployer{}
	h.handler.timeout = 50 * time.Millisecond

	h.handler.Process(pushEvent(), 42)

	statuses := h.creds.recorded()
	require.Len(t, statuses, 2)
	require.Equal(t, githubapp.StatusPending, statuses[0].state)
	require.Equal(t, githubapp.StatusFailure, statuses[1].state)
}

func TestProcessCredentialFailureSkipsStatuses(t *testing.T) {
	h := newHarness(t)
	h.creds.credErr = errors.New("no installation")

	h.handler.Process(pushEvent(), 42)

	require.Empty(t, h.creds.recorded())
	require.Equal(t, 0, h.llms.creates)
}

func TestProcessConcurrentFirstPushSingleTarget(t *testing.T) {
	h := newHarness(t)
	event := pushEvent()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handler.Process(event, 42)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, h.llms.creates)
	require.Equal(t, 1, h.phones.count)
	require.Empty(t, h.phones.released)

	h.handler.mu.Lock()
	defer h.handler.mu.Unlock()
	require.Empty(t, h.handler.locks)
}

func TestLockMapEvictedWhenIdle(t *testing.T) {
	h := newHarness(t)

	h.handler.Process(pushEvent(), 42)

	h.handler.mu.Lock()
	defer h.handler.mu.Unlock()
	require.Empty(t, h.handler.locks)
}

func TestResolveTargetDuplicateRefetches(t *testing.T) {
	h := newHarness(t)
	event := pushEvent()

	// Simulate another replica winning the insert between lookup and create.
	winner := domain.LLM{
		ID:          uuid.New(),
		CloneURL:    event.Repository.CloneURL,
		PhoneNumber: "+15559990000",
		UserID:      7,
	}
	repo := &racingLLMRepo{fakeLLMRepo: h.llms, winner: winner}
	h.handler.llms = repo

	target, err := h.handler.resolveTarget(context.Background(), event.Repository.CloneURL, 42)
	require.NoError(t, err)
	require.Equal(t, winner.ID, target.ID)
	require.Len(t, h.phones.released, 1)
}

type racingLLMRepo struct {
	*fakeLLMRepo
	winner   domain.LLM
	inserted bool
}

func (r *racingLLMRepo) GetByCloneURL(ctx context.Context, cloneURL string) (domain.LLM, error) {
	if !r.inserted {
		return domain.LLM{}, repository.ErrNotFound
	}
	return r.winner, nil
}

func (r *racingLLMRepo) Create(ctx context.Context, llm domain.LLM) (domain.LLM, error) {
	r.inserted = true
	return domain.LLM{}, repository.ErrDuplicate
}

package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// StubFile is the deployment template's entrypoint inside a bundle.
const StubFile = "_modal.py"

// ErrDeployFailed signals that the serverless platform rejected or errored
// the deploy. Retryable by a future push.
var ErrDeployFailed = errors.New("deploy: deploy failed")

// Deployer deploys a packaged bundle as a named serverless unit. Naming is
// always by the stable resource id, so repeated deploys update the same
// deployment rather than creating duplicates.
type Deployer interface {
	Deploy(ctx context.Context, bundlePath, name string) (string, error)
	Stop(ctx context.Context, name string) error
}

// EndpointURL is the deterministic public URL for a deployed unit. It can be
// computed before the deploy completes; treat it as reserved, not live,
// until the pipeline reports success.
func EndpointURL(accountName, resourceID string) string {
	return fmt.Sprintf("https://%s--%s--api.modal.run/", accountName, resourceID)
}

// ModalDeployer shells out to the modal CLI.
type ModalDeployer struct {
	accountName string
	tokenID     string
	tokenSecret string
	modalPath   string
	logger      *zap.Logger
}

var _ Deployer = (*ModalDeployer)(nil)

// NewModalDeployer constructs a Deployer for the given platform account.
func NewModalDeployer(accountName, tokenID, tokenSecret string, logger *zap.Logger) *ModalDeployer {
	return &ModalDeployer{
		accountName: accountName,
		tokenID:     tokenID,
		tokenSecret: tokenSecret,
		modalPath:   "modal",
		logger:      logger,
	}
}

// Deploy deploys the bundle under the given name and returns the unit's
// endpoint URL.
func (d *ModalDeployer) Deploy(ctx context.Context, bundlePath, name string) (string, error) {
	if err := d.setToken(ctx); err != nil {
		return "", err
	}
	if err := d.run(ctx, bundlePath, "deploy", "--name", name, StubFile); err != nil {
		return "", err
	}
	return EndpointURL(d.accountName, name), nil
}

// Stop tears down the named deployment.
func (d *ModalDeployer) Stop(ctx context.Context, name string) error {
	return d.run(ctx, "", "app", "stop", name)
}

func (d *ModalDeployer) setToken(ctx context.Context) error {
	if d.tokenID == "" {
		return nil
	}
	return d.run(ctx, "", "token", "set", "--token-id", d.tokenID, "--token-secret", d.tokenSecret)
}

func (d *ModalDeployer) run(ctx context.Context, dir string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.modalPath, args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(redactSecret(stderr.String(), d.tokenSecret))
		d.logger.Warn("modal command failed",
			zap.String("command", args[0]),
			zap.String("stderr", detail),
		)
		return fmt.Errorf("%w: modal %s: %s", ErrDeployFailed, args[0], detail)
	}
	return nil
}

func redactSecret(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}

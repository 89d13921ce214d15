package phone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoNumbersAvailable signals the carrier had no SMS-capable numbers to
// provision. Retryable later.
var ErrNoNumbersAvailable = errors.New("phone: no phone numbers available")

// Provisioner acquires, releases, and sends from SMS phone numbers. Carrier
// integration details stay behind this interface.
type Provisioner interface {
	Provision(ctx context.Context) (string, error)
	Release(ctx context.Context, number string) error
	SendMessage(ctx context.Context, from, to, body string) error
}

// RESTProvisioner is the default HTTP implementation against the SMS
// gateway's REST API.
type RESTProvisioner struct {
	baseURL    string
	accountSID string
	authToken  string
	smsHookURL string
	httpClient *http.Client
}

var _ Provisioner = (*RESTProvisioner)(nil)

// NewRESTProvisioner constructs the default Provisioner. smsHookURL is the
// webhook the gateway posts inbound messages to.
func NewRESTProvisioner(baseURL, accountSID, authToken, smsHookURL string, client *http.Client) *RESTProvisioner {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTProvisioner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		smsHookURL: smsHookURL,
		httpClient: client,
	}
}

// Provision acquires an SMS-capable number and points its inbound webhook at
// this deployment.
func (p *RESTProvisioner) Provision(ctx context.Context) (string, error) {
	var out struct {
		PhoneNumber string `json:"phone_number"`
	}
	err := p.do(ctx, http.MethodPost, "/phone-numbers", map[string]string{
		"capability": "sms",
		"sms_url":    p.smsHookURL,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.PhoneNumber == "" {
		return "", ErrNoNumbersAvailable
	}
	return out.PhoneNumber, nil
}

// Release returns a provisioned number to the carrier.
func (p *RESTProvisioner) Release(ctx context.Context, number string) error {
	return p.do(ctx, http.MethodDelete, "/phone-numbers/"+number, nil, nil)
}

// SendMessage sends an outbound SMS.
func (p *RESTProvisioner) SendMessage(ctx context.Context, from, to, body string) error {
	return p.do(ctx, http.MethodPost, "/messages", map[string]string{
		"from": from,
		"to":   to,
		"body": body,
	}, nil)
}

func (p *RESTProvisioner) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s %s: status=%d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}

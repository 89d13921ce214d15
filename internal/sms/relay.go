package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kookaburracodes/kookaburra/internal/repository"
)

// Responder asks a deployed model endpoint for a reply to an inbound
// message.
type Responder interface {
	Respond(ctx context.Context, endpointURL, message string) (string, error)
}

// MessageSender delivers the reply back over the carrier gateway.
type MessageSender interface {
	SendMessage(ctx context.Context, from, to, body string) error
}

// InboundMessage is a carrier webhook payload.
type InboundMessage struct {
	From string
	To   string
	Body string
}

// Relay routes inbound SMS to the model deployed behind the receiving
// number and texts the reply back.
type Relay struct {
	llms      repository.LLMRepository
	responder Responder
	sender    MessageSender
	logger    *zap.Logger
}

// NewRelay wires dependencies.
func NewRelay(llms repository.LLMRepository, responder Responder, sender MessageSender, logger *zap.Logger) *Relay {
	return &Relay{llms: llms, responder: responder, sender: sender, logger: logger}
}

// Handle processes one inbound message. Messages to numbers with no
// deployed model are dropped silently so carriers do not retry.
func (r *Relay) Handle(ctx context.Context, msg InboundMessage) error {
	llm, err := r.llms.GetByPhoneNumber(ctx, msg.To)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Info("sms to unknown number dropped", zap.String("to", msg.To))
			return nil
		}
		return fmt.Errorf("lookup llm by phone number: %w", err)
	}

	reply, err := r.responder.Respond(ctx, llm.EndpointURL, msg.Body)
	if err != nil {
		return fmt.Errorf("ask llm: %w", err)
	}

	if err := r.sender.SendMessage(ctx, msg.To, msg.From, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// HTTPResponder posts the message to the model's hey endpoint.
type HTTPResponder struct {
	client *http.Client
}

var _ Responder = (*HTTPResponder)(nil)

// NewHTTPResponder constructs a responder. Models can take a while to
// answer, so the default timeout is generous.
func NewHTTPResponder(client *http.Client) *HTTPResponder {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPResponder{client: client}
}

// Respond implements Responder.
func (h *HTTPResponder) Respond(ctx context.Context, endpointURL, message string) (string, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	url := strings.TrimRight(endpointURL, "/") + "/hey"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("model endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	return body.Message, nil
}

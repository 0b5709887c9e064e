package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
)

// HTTPEmailProvider talks to an SES-style JSON API.
type HTTPEmailProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	name       string
	apiURL     string
	apiKey     string
	region     string
}

func NewHTTPEmailProvider(logger *slog.Logger, name, apiURL, apiKey, region string, httpClient *http.Client) *HTTPEmailProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPEmailProvider{
		logger:     logger.With("provider", name),
		httpClient: httpClient,
		name:       name,
		apiURL:     apiURL,
		apiKey:     apiKey,
		region:     region,
	}
}

// SendEmailRequest is the body of the provider's send call.
type SendEmailRequest struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty"`
	Text        string            `json:"text,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
}

type sendEmailResponse struct {
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *HTTPEmailProvider) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(SendEmailRequest{
		From:        msg.From,
		To:          []string{msg.To},
		Subject:     msg.Subject,
		HTML:        msg.HTMLBody,
		Text:        msg.TextBody,
		Headers:     msg.Headers,
		ReferenceID: msg.ReferenceID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.region != "" {
		req.Header.Set("X-Region", p.region)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.WarnContext(ctx, "Provider request failed", "error", err, "reference_id", msg.ReferenceID)
		return "", fmt.Errorf("send via %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read %s response (status %d): %w", p.name, resp.StatusCode, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok sendEmailResponse
		if err := json.Unmarshal(respBody, &ok); err != nil || ok.MessageID == "" {
			// Without a message id delivery events cannot be correlated.
			return "", &classifier.ProviderError{Provider: p.name, Code: "MalformedResponse", StatusCode: resp.StatusCode, Message: "missing message_id in provider response"}
		}
		p.logger.DebugContext(ctx, "Email accepted by provider", "provider_message_id", ok.MessageID, "reference_id", msg.ReferenceID)
		return ok.MessageID, nil
	}

	pe := &classifier.ProviderError{Provider: p.name, StatusCode: resp.StatusCode}
	var er errorResponse
	if err := json.Unmarshal(respBody, &er); err == nil {
		pe.Code, pe.Message = er.Code, er.Message
	} else if len(respBody) > 0 && len(respBody) < 512 {
		pe.Message = string(respBody)
	}
	p.logger.WarnContext(ctx, "Provider rejected email", "status_code", resp.StatusCode, "code", pe.Code, "message", pe.Message, "reference_id", msg.ReferenceID)
	return "", pe
}

func (p *HTTPEmailProvider) Name() string { return p.name }

func (p *HTTPEmailProvider) Family() classifier.Family { return classifier.FamilySES }

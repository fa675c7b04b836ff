// Package whatsapp wraps the Meta Graph API calls used to deliver template
// messages. The client only performs the outbound network call; it never
// persists or caches anything.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/minatran/wabulk-be/internal/engine/domain"
)

const (
	// DefaultBaseURL is the Graph API endpoint for the supported version
	DefaultBaseURL = "https://graph.facebook.com/v19.0"

	// DefaultTimeout bounds every outbound provider call
	DefaultTimeout = 10 * time.Second

	// CategoryAuthentication marks OTP-style templates whose body and URL
	// button carry the same parameter
	CategoryAuthentication = "AUTHENTICATION"
)

// Graph error codes the engine cares about
const (
	graphCodeParamMismatch    = 132000
	graphCodeTemplateNotFound = 132001
)

// Config holds dispatch client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Credentials identify one owner's WhatsApp Business account. The bearer
// token and sender phone number id come from the business-info collaborator
// and are supplied per call.
type Credentials struct {
	AccessToken   string
	PhoneNumberID string
}

// SendTemplateInput describes one template message delivery.
type SendTemplateInput struct {
	Credentials Credentials
	To          string
	Template    domain.TemplateRef
	// Variables maps placeholder index ("1", "2", ...) to its value
	Variables map[string]string
	// MediaID, when set, becomes an image header component
	MediaID string
}

// Client calls the Meta Graph API with a per-call timeout.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a new dispatch client.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger,
	}
}

type graphErrorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type sendMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendTemplate delivers one template message and returns the provider
// message id. Failures are classified: timeouts, network errors and
// 429/5xx responses are retryable; 401/403 surface domain.ErrUnauthorized;
// every other 4xx is permanent.
func (c *Client) SendTemplate(ctx context.Context, in SendTemplateInput) (string, error) {
	to, err := NormalizePhone(in.To)
	if err != nil {
		return "", domain.NewPermanentError("invalid_recipient", err)
	}

	payload := buildTemplatePayload(to, in)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal send payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, in.Credentials.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+in.Credentials.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// timeouts and connection failures are worth another attempt
		return "", domain.NewRetryableError(fmt.Errorf("provider call failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to read provider response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.classifyFailure(resp.StatusCode, respBody, to, in.Template.Name)
	}

	var sendResp sendMessageResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to parse provider response: %w", err))
	}
	if len(sendResp.Messages) == 0 {
		return "", domain.NewRetryableError(errors.New("provider response contained no message id"))
	}

	c.logger.Debug("Template message accepted by provider",
		slog.String("to", to),
		slog.String("template", in.Template.Name),
		slog.String("message_id", sendResp.Messages[0].ID),
	)

	return sendResp.Messages[0].ID, nil
}

// classifyFailure converts a non-200 Graph response into a classified error.
func (c *Client) classifyFailure(status int, body []byte, to, template string) error {
	var graphErr graphErrorResponse
	_ = json.Unmarshal(body, &graphErr)

	message := graphErr.Error.Message
	if message == "" {
		message = string(body)
	}

	c.logger.Warn("Provider rejected template message",
		slog.Int("status", status),
		slog.Int("code", graphErr.Error.Code),
		slog.String("to", to),
		slog.String("template", template),
		slog.String("message", message),
	)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, message)
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.NewRetryableError(fmt.Errorf("provider error (status %d): %s", status, message))
	case graphErr.Error.Code == graphCodeTemplateNotFound:
		return domain.NewPermanentError("template_not_approved", fmt.Errorf("template not approved: %s", message))
	case graphErr.Error.Code == graphCodeParamMismatch:
		return domain.NewPermanentError("parameter_count_mismatch", fmt.Errorf("parameter count mismatch: %s", message))
	default:
		return domain.NewPermanentError(fmt.Sprintf("graph_%d", graphErr.Error.Code),
			fmt.Errorf("provider error (status %d): %s", status, message))
	}
}

type uploadMediaResponse struct {
	ID string `json:"id"`
}

// UploadMedia uploads header media and returns the provider media id for
// use in a subsequent template send.
func (c *Client) UploadMedia(ctx context.Context, creds Credentials, filename, mimeType string, data io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := mw.WriteField("type", mimeType); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return "", fmt.Errorf("failed to read media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	url := fmt.Sprintf("%s/%s/media", c.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("media upload failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.NewRetryableError(fmt.Errorf("failed to read upload response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.classifyFailure(resp.StatusCode, respBody, "", "media")
	}

	var uploadResp uploadMediaResponse
	if err := json.Unmarshal(respBody, &uploadResp); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if uploadResp.ID == "" {
		return "", errors.New("upload response contained no media id")
	}

	return uploadResp.ID, nil
}

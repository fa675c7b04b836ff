package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minatran/wabulk-be/internal/engine/domain"
	"github.com/minatran/wabulk-be/shared/logger"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain digits", "84912345678", "84912345678", false},
		{"plus prefix", "+84912345678", "84912345678", false},
		{"spaces and dashes", "+84 91-234-5678", "84912345678", false},
		{"parentheses", "(84) 912 345 678", "84912345678", false},
		{"eight digits minimum", "12345678", "12345678", false},
		{"fifteen digits maximum", "123456789012345", "123456789012345", false},
		{"too short", "1234567", "", true},
		{"too long", "1234567890123456", "", true},
		{"letters only", "not-a-phone", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidRecipient)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestBuildTemplatePayload_Standard(t *testing.T) {
	msg := buildTemplatePayload("84912345678", SendTemplateInput{
		Template:  domain.TemplateRef{Name: "order_update", Language: "en_US", Category: "UTILITY"},
		Variables: map[string]string{"2": "tomorrow", "1": "Alice", "10": "warehouse 3"},
	})

	assert.Equal(t, "whatsapp", msg.MessagingProduct)
	assert.Equal(t, "84912345678", msg.To)
	assert.Equal(t, "template", msg.Type)
	assert.Equal(t, "order_update", msg.Template.Name)
	assert.Equal(t, "en_US", msg.Template.Language.Code)

	require.Len(t, msg.Template.Components, 1)
	body := msg.Template.Components[0]
	assert.Equal(t, "body", body.Type)
	require.Len(t, body.Parameters, 3)
	// positional order follows numeric placeholder index, not map order
	assert.Equal(t, "Alice", body.Parameters[0].Text)
	assert.Equal(t, "tomorrow", body.Parameters[1].Text)
	assert.Equal(t, "warehouse 3", body.Parameters[2].Text)
}

func TestBuildTemplatePayload_Authentication(t *testing.T) {
	msg := buildTemplatePayload("84912345678", SendTemplateInput{
		Template:  domain.TemplateRef{Name: "otp_login", Language: "en", Category: CategoryAuthentication},
		Variables: map[string]string{"1": "991122"},
	})

	require.Len(t, msg.Template.Components, 2)
	assert.Equal(t, "body", msg.Template.Components[0].Type)
	button := msg.Template.Components[1]
	assert.Equal(t, "button", button.Type)
	assert.Equal(t, "url", button.SubType)
	assert.Equal(t, "0", button.Index)
	require.Len(t, button.Parameters, 1)
	assert.Equal(t, "991122", button.Parameters[0].Text, "button carries the same OTP parameter as the body")
}

func TestBuildTemplatePayload_MediaHeader(t *testing.T) {
	msg := buildTemplatePayload("84912345678", SendTemplateInput{
		Template:  domain.TemplateRef{Name: "promo", Language: "en", Category: "MARKETING"},
		Variables: map[string]string{"1": "Alice"},
		MediaID:   "media-77",
	})

	require.Len(t, msg.Template.Components, 2)
	header := msg.Template.Components[0]
	assert.Equal(t, "header", header.Type)
	require.Len(t, header.Parameters, 1)
	require.NotNil(t, header.Parameters[0].Image)
	assert.Equal(t, "media-77", header.Parameters[0].Image.ID)
}

func TestBuildTemplatePayload_NoVariables(t *testing.T) {
	msg := buildTemplatePayload("84912345678", SendTemplateInput{
		Template: domain.TemplateRef{Name: "welcome", Language: "en", Category: "UTILITY"},
	})
	assert.Empty(t, msg.Template.Components, "templates without placeholders send no components")
}

func testCreds() Credentials {
	return Credentials{AccessToken: "token-abc", PhoneNumberID: "1055501"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(&Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, logger.NewNop().Logger)
	return client, srv
}

func TestSendTemplate_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody templateMessage

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.XYZ"}]}`)
	})

	id, err := client.SendTemplate(context.Background(), SendTemplateInput{
		Credentials: testCreds(),
		To:          "+84 912 345 678",
		Template:    domain.TemplateRef{Name: "order_update", Language: "en_US"},
		Variables:   map[string]string{"1": "Alice"},
	})

	require.NoError(t, err)
	assert.Equal(t, "wamid.XYZ", id)
	assert.Equal(t, "/1055501/messages", gotPath)
	assert.Equal(t, "Bearer token-abc", gotAuth)
	assert.Equal(t, "84912345678", gotBody.To, "phone is normalized before the call")
}

func TestSendTemplate_InvalidRecipient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no provider call expected for an invalid recipient")
	})

	_, err := client.SendTemplate(context.Background(), SendTemplateInput{
		Credentials: testCreds(),
		To:          "12",
		Template:    domain.TemplateRef{Name: "order_update", Language: "en_US"},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRecipient)
	assert.False(t, domain.IsRetryable(err))
}

func TestSendTemplate_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
		wantSystemic  bool
		wantCode      string
	}{
		{
			name:          "server error is retryable",
			status:        http.StatusInternalServerError,
			body:          `{"error":{"message":"internal","code":1}}`,
			wantRetryable: true,
		},
		{
			name:          "rate limited is retryable",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"message":"too many requests","code":80007}}`,
			wantRetryable: true,
		},
		{
			name:         "unauthorized is systemic",
			status:       http.StatusUnauthorized,
			body:         `{"error":{"message":"token expired","code":190}}`,
			wantSystemic: true,
		},
		{
			name:     "template not approved is permanent",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"template name does not exist","code":132001}}`,
			wantCode: "template_not_approved",
		},
		{
			name:     "parameter mismatch is permanent",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"number of parameters does not match","code":132000}}`,
			wantCode: "parameter_count_mismatch",
		},
		{
			name:     "other client error is permanent",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"unsupported message type","code":131051}}`,
			wantCode: "graph_131051",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := client.SendTemplate(context.Background(), SendTemplateInput{
				Credentials: testCreds(),
				To:          "84912345678",
				Template:    domain.TemplateRef{Name: "order_update", Language: "en_US"},
			})

			require.Error(t, err)
			assert.Equal(t, tt.wantRetryable, domain.IsRetryable(err))
			assert.Equal(t, tt.wantSystemic, domain.IsSystemic(err))
			if tt.wantCode != "" {
				var de *domain.DispatchError
				require.True(t, errors.As(err, &de))
				assert.Equal(t, domain.ErrorKindPermanent, de.Kind)
				assert.Equal(t, tt.wantCode, de.Code)
			}
		})
	}
}

func TestSendTemplate_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"messages":[{"id":"wamid.LATE"}]}`)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(&Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, logger.NewNop().Logger)

	_, err := client.SendTemplate(context.Background(), SendTemplateInput{
		Credentials: testCreds(),
		To:          "84912345678",
		Template:    domain.TemplateRef{Name: "order_update", Language: "en_US"},
	})

	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestUploadMedia(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1055501/media", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whatsapp", r.FormValue("messaging_product"))
		assert.Equal(t, "image/png", r.FormValue("type"))
		fmt.Fprint(w, `{"id":"media-1234"}`)
	})

	id, err := client.UploadMedia(context.Background(), testCreds(), "header.png", "image/png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "media-1234", id)
}

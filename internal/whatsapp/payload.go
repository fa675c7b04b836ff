package whatsapp

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/minatran/wabulk-be/internal/engine/domain"
)

var nonDigits = regexp.MustCompile(`\D`)

// NormalizePhone reduces a phone number to the provider's international
// digit format: every non-digit stripped, 8 to 15 digits remaining.
func NormalizePhone(phone string) (string, error) {
	digits := nonDigits.ReplaceAllString(phone, "")
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidRecipient, phone)
	}
	return digits, nil
}

type templateMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []templateParameter `json:"parameters,omitempty"`
}

type templateParameter struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Image *imageParameter `json:"image,omitempty"`
}

type imageParameter struct {
	ID string `json:"id"`
}

// buildTemplatePayload assembles the Graph API message body. Standard
// templates receive text parameters only on components that declared
// placeholders; AUTHENTICATION templates additionally receive the same
// OTP parameter on the copy-code URL button.
func buildTemplatePayload(to string, in SendTemplateInput) templateMessage {
	var components []templateComponent

	if in.MediaID != "" {
		components = append(components, templateComponent{
			Type: "header",
			Parameters: []templateParameter{
				{Type: "image", Image: &imageParameter{ID: in.MediaID}},
			},
		})
	}

	params := orderedParameters(in.Variables)
	if len(params) > 0 {
		components = append(components, templateComponent{
			Type:       "body",
			Parameters: params,
		})
	}

	if in.Template.Category == CategoryAuthentication && len(params) > 0 {
		components = append(components, templateComponent{
			Type:    "button",
			SubType: "url",
			Index:   "0",
			Parameters: []templateParameter{
				{Type: "text", Text: params[0].Text},
			},
		})
	}

	return templateMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: templatePayload{
			Name:       in.Template.Name,
			Language:   templateLanguage{Code: in.Template.Language},
			Components: components,
		},
	}
}

// orderedParameters converts the placeholder map into the positional
// parameter list the provider expects. Keys are placeholder indexes; any
// non-numeric key sorts after the numeric ones.
func orderedParameters(vars map[string]string) []templateParameter {
	if len(vars) == 0 {
		return nil
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		if aErr == nil && bErr == nil {
			return a < b
		}
		if aErr == nil {
			return true
		}
		if bErr == nil {
			return false
		}
		return keys[i] < keys[j]
	})

	params := make([]templateParameter, 0, len(keys))
	for _, k := range keys {
		params = append(params, templateParameter{Type: "text", Text: vars[k]})
	}
	return params
}

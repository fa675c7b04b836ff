package dto

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() SubmitBulkJobRequest {
	return SubmitBulkJobRequest{
		OwnerID: "owner-1",
		Template: TemplateInput{
			Name:     "order_update",
			Language: "en_US",
		},
		Variables: map[string]string{"1": "hello"},
		Recipients: []RecipientInput{
			{Phone: "84912345678"},
		},
	}
}

func TestSubmitBulkJobRequest_Validate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*SubmitBulkJobRequest)
		violations []string
	}{
		{
			name:   "valid request",
			mutate: func(*SubmitBulkJobRequest) {},
		},
		{
			name:       "missing owner",
			mutate:     func(r *SubmitBulkJobRequest) { r.OwnerID = "" },
			violations: []string{"owner_id is required"},
		},
		{
			name:       "missing template name",
			mutate:     func(r *SubmitBulkJobRequest) { r.Template.Name = "" },
			violations: []string{"template.name is required"},
		},
		{
			name:       "missing template language",
			mutate:     func(r *SubmitBulkJobRequest) { r.Template.Language = "" },
			violations: []string{"template.language is required"},
		},
		{
			name:       "empty recipients",
			mutate:     func(r *SubmitBulkJobRequest) { r.Recipients = nil },
			violations: []string{"recipients must not be empty"},
		},
		{
			name: "recipient without phone",
			mutate: func(r *SubmitBulkJobRequest) {
				r.Recipients = append(r.Recipients, RecipientInput{})
			},
			violations: []string{"recipients[1].phone is required"},
		},
		{
			name: "negative options",
			mutate: func(r *SubmitBulkJobRequest) {
				r.Options = &JobOptions{BatchSize: -1, MaxRetries: -1}
			},
			violations: []string{
				"options.batch_size must not be negative",
				"options.max_retries must not be negative",
			},
		},
		{
			name: "all violations reported together",
			mutate: func(r *SubmitBulkJobRequest) {
				r.OwnerID = ""
				r.Template.Name = ""
				r.Template.Language = ""
				r.Recipients = nil
			},
			violations: []string{
				"owner_id is required",
				"template.name is required",
				"template.language is required",
				"recipients must not be empty",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			got := req.Validate(0)

			if len(tt.violations) == 0 {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, len(tt.violations))
			for _, want := range tt.violations {
				assert.Contains(t, got, want)
			}
		})
	}
}

func TestSubmitBulkJobRequest_Validate_RecipientCap(t *testing.T) {
	const maxRecipients = 100

	makeRecipients := func(n int) []RecipientInput {
		recipients := make([]RecipientInput, n)
		for i := range recipients {
			recipients[i] = RecipientInput{Phone: fmt.Sprintf("8491234%05d", i)}
		}
		return recipients
	}

	t.Run("exactly at the cap is accepted", func(t *testing.T) {
		req := validRequest()
		req.Recipients = makeRecipients(maxRecipients)
		assert.Empty(t, req.Validate(maxRecipients))
	})

	t.Run("one above the cap is rejected", func(t *testing.T) {
		req := validRequest()
		req.Recipients = makeRecipients(maxRecipients + 1)
		violations := req.Validate(maxRecipients)
		require.Len(t, violations, 1)
		assert.Contains(t, violations[0], "recipients exceed the maximum of 100")
	})
}

package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/minatran/wabulk-be/internal/api/storage"
)

// Job listings paginate with an opaque keyset cursor. The wire form is the
// base64 of "<created_at unix nanos>|<job_id>", pointing at the last job of
// the previous page.

// EncodeJobCursor renders the cursor for the page following cur.
func EncodeJobCursor(cur *storage.JobCursor) string {
	raw := strconv.FormatInt(cur.CreatedAt.UnixNano(), 10) + "|" + cur.JobID
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeJobCursor parses a client-supplied cursor. An empty string means
// the first page and decodes to nil.
func DecodeJobCursor(encoded string) (*storage.JobCursor, error) {
	if encoded == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}

	nanosPart, jobID, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("malformed cursor: missing separator")
	}

	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor timestamp: %w", err)
	}

	return &storage.JobCursor{
		CreatedAt: time.Unix(0, nanos),
		JobID:     jobID,
	}, nil
}

package tools

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := PermissionDenied("path escapes workspace: %s", "../../etc/passwd")
	assert.Equal(t, "permission_denied: path escapes workspace: ../../etc/passwd", err.Error())

	withDetail := err.WithDetail("resolved to /etc/passwd")
	assert.Contains(t, withDetail.Error(), "resolved to /etc/passwd")
}

func TestSizeLimitExceeded_CarriesSizes(t *testing.T) {
	err := SizeLimitExceeded(2048, 1024)
	assert.Equal(t, CodeSizeLimitExceeded, err.Code)
	assert.Contains(t, err.Message, "2048")
	assert.Contains(t, err.Message, "1024")
}

func TestAsError_PassesThroughTyped(t *testing.T) {
	orig := Timeout("command exceeded 30s")
	wrapped := fmt.Errorf("run bash: %w", orig)

	got := AsError(wrapped)
	assert.Equal(t, CodeTimeout, got.Code)
	assert.Equal(t, orig.Message, got.Message)
}

func TestAsError_WrapsUnknown(t *testing.T) {
	got := AsError(errors.New("disk on fire"))
	require.NotNil(t, got)
	assert.Equal(t, CodeExecutionFailed, got.Code)
	assert.Contains(t, got.Message, "disk on fire")
}

func TestWriteFileRequest_Validate(t *testing.T) {
	content := "hello"
	search, replace := "old", "new"

	tests := []struct {
		name    string
		req     WriteFileRequest
		wantErr bool
	}{
		{"content only", WriteFileRequest{Path: "a.txt", Content: &content}, false},
		{"search and replace", WriteFileRequest{Path: "a.txt", Search: &search, Replace: &replace}, false},
		{"search without replace", WriteFileRequest{Path: "a.txt", Search: &search}, true},
		{"neither mode", WriteFileRequest{Path: "a.txt"}, true},
		{"both modes", WriteFileRequest{Path: "a.txt", Content: &content, Search: &search, Replace: &replace}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				var toolErr *Error
				require.True(t, errors.As(err, &toolErr))
				assert.Equal(t, CodeInvalidArgument, toolErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAskUserRequest_Validate(t *testing.T) {
	valid := AskUserRequest{Questions: []Question{{ID: "q1", Question: "?", ResponseType: QuestionText}}}
	assert.NoError(t, valid.Validate())

	empty := AskUserRequest{}
	assert.Error(t, empty.Validate())

	dup := AskUserRequest{Questions: []Question{
		{ID: "q1", Question: "?", ResponseType: QuestionText},
		{ID: "q1", Question: "again?", ResponseType: QuestionText},
	}}
	assert.Error(t, dup.Validate())

	selectNoOptions := AskUserRequest{Questions: []Question{{ID: "q1", Question: "?", ResponseType: QuestionSelect}}}
	assert.Error(t, selectNoOptions.Validate())
}

func TestFetchStats_Merge(t *testing.T) {
	a := FetchStats{ItemsFetched: 3, ItemsSkipped: 1, MaxDepthSeen: 1}
	b := FetchStats{ItemsFetched: 2, ItemsFailed: 1, MaxDepthSeen: 3}

	a.Merge(b)
	assert.Equal(t, 5, a.ItemsFetched)
	assert.Equal(t, 1, a.ItemsSkipped)
	assert.Equal(t, 1, a.ItemsFailed)
	assert.Equal(t, 3, a.MaxDepthSeen)
}

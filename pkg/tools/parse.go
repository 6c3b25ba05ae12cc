package tools

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// responseErrorTag marks a failed call in the response union.
const responseErrorTag = "error"

// NewRequest returns an empty request of the named tool, or CodeNotFound
// for a tool outside the union.
func NewRequest(tool string) (Request, error) {
	switch tool {
	case ToolListFiles:
		return &ListFilesRequest{}, nil
	case ToolReadFile:
		return &ReadFileRequest{}, nil
	case ToolWriteFile:
		return &WriteFileRequest{}, nil
	case ToolApplyPatch:
		return &ApplyPatchRequest{}, nil
	case ToolGrep:
		return &GrepRequest{}, nil
	case ToolBash:
		return &BashRequest{}, nil
	case ToolAskUser:
		return &AskUserRequest{}, nil
	case ToolFetchURL:
		return &FetchURLRequest{}, nil
	case ToolQueryDatabase:
		return &QueryDatabaseRequest{}, nil
	case ToolExtractImageText:
		return &ExtractImageTextRequest{}, nil
	default:
		return nil, NotFound("unknown tool %q", tool)
	}
}

// validator is implemented by requests with cross-field rules the schema
// cannot check.
type validator interface {
	Validate() error
}

// ParseRequest turns a model-proposed tool call into a typed request.
// Arguments are validated against the tool's schema before decoding, so a
// malformed call fails here and never reaches an executor. Failures are
// *Error values: CodeNotFound for an unknown tool, CodeInvalidArgument for
// bad arguments.
func ParseRequest(tool string, args json.RawMessage) (Request, error) {
	req, err := NewRequest(tool)
	if err != nil {
		return nil, err
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	schema, err := compiledSchema(tool)
	if err != nil {
		return nil, ExecutionFailed("tool schema unavailable: %v", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, InvalidArgument("arguments are not valid JSON").WithDetail(err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return nil, InvalidArgument("invalid arguments for %s", tool).WithDetail(strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(args, req); err != nil {
		return nil, InvalidArgument("decode arguments for %s", tool).WithDetail(err.Error())
	}
	if v, ok := req.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// EncodeRequest renders a request in its internally tagged wire form,
// with the tool name under "type".
func EncodeRequest(req Request) ([]byte, error) {
	return encodeTagged(req.ToolName(), req)
}

// DecodeRequest parses an internally tagged request, e.g. one replayed
// from the session store. Unlike ParseRequest it trusts the payload and
// skips schema validation.
func DecodeRequest(data []byte) (Request, error) {
	tag, err := probeTag(data)
	if err != nil {
		return nil, err
	}
	req, err := NewRequest(tag)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, InvalidArgument("decode %s request", tag).WithDetail(err.Error())
	}
	return req, nil
}

// EncodeResponse renders a response in its internally tagged wire form.
// Error responses carry the tag "error"; the failing tool's name lives in
// the "tool" field.
func EncodeResponse(resp Response) ([]byte, error) {
	switch resp.(type) {
	case *ErrorResponse, ErrorResponse:
		return encodeTagged(responseErrorTag, resp)
	default:
		return encodeTagged(resp.ToolName(), resp)
	}
}

// EncodeError renders a failed call for a given tool.
func EncodeError(tool string, toolErr *Error) ([]byte, error) {
	er := NewErrorResponse(tool, toolErr)
	return encodeTagged(responseErrorTag, &er)
}

// DecodeResponse parses an internally tagged response. Payloads tagged
// "error" decode to *ErrorResponse.
func DecodeResponse(data []byte) (Response, error) {
	tag, err := probeTag(data)
	if err != nil {
		return nil, err
	}

	var resp Response
	switch tag {
	case responseErrorTag:
		resp = &ErrorResponse{}
	case ToolListFiles:
		resp = &ListFilesResponse{}
	case ToolReadFile:
		resp = &ReadFileResponse{}
	case ToolWriteFile:
		resp = &WriteFileResponse{}
	case ToolApplyPatch:
		resp = &ApplyPatchResponse{}
	case ToolGrep:
		resp = &GrepResponse{}
	case ToolBash:
		resp = &BashResponse{}
	case ToolAskUser:
		resp = &AskUserResponse{}
	case ToolFetchURL:
		resp = &FetchURLResponse{}
	case ToolQueryDatabase:
		resp = &QueryDatabaseResponse{}
	case ToolExtractImageText:
		resp = &ExtractImageTextResponse{}
	default:
		return nil, NotFound("unknown response type %q", tag)
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, InvalidArgument("decode %s response", tag).WithDetail(err.Error())
	}
	return resp, nil
}

// ToolName reports the tool an error response belongs to.
func (e ErrorResponse) ToolName() string { return e.Tool }

func (ErrorResponse) isToolResponse() {}

func probeTag(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", InvalidArgument("payload is not valid JSON").WithDetail(err.Error())
	}
	if probe.Type == "" {
		return "", InvalidArgument("payload has no type tag")
	}
	return probe.Type, nil
}

func encodeTagged(tag string, v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"] = tag
	return json.Marshal(m)
}

// Package tools defines the typed request/response protocol every tool
// obeys. The set of tools is a closed, tagged union: the model's textual
// tool calls are parsed into these types before anything executes, and
// adding a tool means adding one request variant, one response variant,
// one schema entry and one executor handler.
package tools

// Wire names of the supported tools. These are the "type" tags used in
// persisted payloads and in the schema advertised to the model.
const (
	ToolListFiles        = "list_files"
	ToolReadFile         = "read_file"
	ToolWriteFile        = "write_file"
	ToolApplyPatch       = "apply_patch"
	ToolGrep             = "grep"
	ToolBash             = "bash"
	ToolAskUser          = "ask_user"
	ToolFetchURL         = "fetch_url"
	ToolQueryDatabase    = "query_database"
	ToolExtractImageText = "extract_text_from_image"
)

// Request is one variant of the closed tool-request union.
type Request interface {
	ToolName() string
	isToolRequest()
}

// Response is one variant of the closed tool-response union.
type Response interface {
	ToolName() string
	isToolResponse()
}

// ListFilesRequest lists files and directories under a path.
type ListFilesRequest struct {
	Path          string `json:"path"`
	Recursive     bool   `json:"recursive,omitempty"`
	IncludeHidden bool   `json:"include_hidden,omitempty"`
	MaxFiles      int    `json:"max_files,omitempty"`
}

// ListFilesResponse carries a rendered tree plus entry metadata.
type ListFilesResponse struct {
	CurrentPath string     `json:"current_path"`
	Files       string     `json:"files"`
	Entries     []FileInfo `json:"entries,omitempty"`
	TotalFiles  int        `json:"total_files"`
	Truncated   bool       `json:"truncated"`
	Limit       int        `json:"limit"`
}

// FileInfo describes one listed entry, path relative to the sandbox root.
type FileInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"is_directory"`
	Size        int64  `json:"size,omitempty"`
	ModifiedAt  string `json:"modified_at,omitempty"`
}

// ReadFileRequest reads a file, capped at max_size bytes.
type ReadFileRequest struct {
	Path    string `json:"path"`
	MaxSize int64  `json:"max_size,omitempty"`
}

type ReadFileResponse struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

// WriteFileRequest writes a file. Two modes: full write via content, or
// search-and-replace via search+replace. Exactly one mode must be used.
type WriteFileRequest struct {
	Path             string  `json:"path"`
	Content          *string `json:"content,omitempty"`
	CreateDirs       bool    `json:"create_dirs,omitempty"`
	Append           bool    `json:"append,omitempty"`
	Search           *string `json:"search,omitempty"`
	Replace          *string `json:"replace,omitempty"`
	CreateIfNotExist bool    `json:"create_if_not_exists,omitempty"`
}

// Validate enforces the content-xor-search/replace rule the schema
// cannot express.
func (r *WriteFileRequest) Validate() error {
	if (r.Search == nil) != (r.Replace == nil) {
		return InvalidArgument("both 'search' and 'replace' must be provided together")
	}
	if r.Content == nil && r.Search == nil {
		return InvalidArgument("either 'content' or 'search'+'replace' is required")
	}
	if r.Content != nil && r.Search != nil {
		return InvalidArgument("'content' and 'search'+'replace' are mutually exclusive")
	}
	return nil
}

type WriteFileResponse struct {
	Path         string `json:"path"`
	Success      bool   `json:"success"`
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
	Modified     bool   `json:"modified"`
}

// ApplyPatchRequest applies a patch envelope of the form:
//
//	*** Begin Patch
//	*** Add File: path/to/new.txt
//	+line content
//	*** Update File: path/to/existing.txt
//	@@ optional context
//	-old line
//	+new line
//	*** Delete File: path/to/remove.txt
//	*** End Patch
//
// All paths are relative to the sandbox root.
type ApplyPatchRequest struct {
	Patch string `json:"patch"`
}

func (r *ApplyPatchRequest) Validate() error {
	if r.Patch == "" {
		return InvalidArgument("patch is required")
	}
	return nil
}

// PatchFileChange records one file affected by an apply_patch call.
type PatchFileChange struct {
	Path        string `json:"path"`
	Operation   string `json:"operation"` // add, update, delete, move
	NewPath     string `json:"new_path,omitempty"`
	UnifiedDiff string `json:"unified_diff,omitempty"`
}

type ApplyPatchResponse struct {
	Success        bool              `json:"success"`
	FilesChanged   []PatchFileChange `json:"files_changed"`
	TotalAdditions int               `json:"total_additions"`
	TotalDeletions int               `json:"total_deletions"`
	Message        string            `json:"message"`
}

// GrepRequest searches file contents with a regular expression.
type GrepRequest struct {
	Pattern          string `json:"pattern"`
	Path             string `json:"path,omitempty"`
	IncludePattern   string `json:"include_pattern,omitempty"`
	ExcludePattern   string `json:"exclude_pattern,omitempty"`
	Recursive        *bool  `json:"recursive,omitempty"`      // default true
	CaseSensitive    bool   `json:"case_sensitive,omitempty"` // default false
	MaxResults       int    `json:"max_results,omitempty"`
	MaxFilesSearched int    `json:"max_files_searched,omitempty"`
}

// RecursiveOrDefault reports whether the search descends into
// subdirectories; unset means yes.
func (r *GrepRequest) RecursiveOrDefault() bool {
	return r.Recursive == nil || *r.Recursive
}

type GrepMatch struct {
	FilePath    string `json:"file_path"`
	LineNumber  int    `json:"line_number"`
	LineContent string `json:"line_content"`
	MatchStart  int    `json:"match_start"`
	MatchEnd    int    `json:"match_end"`
	MatchedText string `json:"matched_text"`
}

type GrepResponse struct {
	Pattern       string      `json:"pattern"`
	Matches       []GrepMatch `json:"matches"`
	TotalMatches  int         `json:"total_matches"`
	FilesSearched int         `json:"files_searched"`
	Truncated     bool        `json:"truncated"`
}

// BashRequest executes a shell command, subject to the permission policy.
type BashRequest struct {
	Command     string `json:"command"`
	WorkingDir  string `json:"working_dir,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
	Description string `json:"description,omitempty"`
}

func (r *BashRequest) Validate() error {
	if r.Command == "" {
		return InvalidArgument("command is required")
	}
	return nil
}

type BashResponse struct {
	Command           string  `json:"command"`
	WorkingDir        string  `json:"working_dir,omitempty"`
	Stdout            string  `json:"stdout"`
	Stderr            string  `json:"stderr"`
	ExitCode          int     `json:"exit_code"`
	TimedOut          bool    `json:"timed_out"`
	ExecutionTimeSecs float64 `json:"execution_time_secs"`
}

// QuestionType enumerates the typed answers ask_user can request.
type QuestionType string

const (
	QuestionText        QuestionType = "text"
	QuestionNumber      QuestionType = "number"
	QuestionBoolean     QuestionType = "boolean"
	QuestionSelect      QuestionType = "select"
	QuestionMultiSelect QuestionType = "multiselect"
	QuestionPassword    QuestionType = "password"
	QuestionFilePath    QuestionType = "filepath"
	QuestionEmail       QuestionType = "email"
	QuestionURL         QuestionType = "url"
)

// Question is one prompt the model wants answered by a human.
type Question struct {
	ID           string       `json:"id"`
	Question     string       `json:"question"`
	ResponseType QuestionType `json:"response_type"`
	Default      interface{}  `json:"default,omitempty"`
	Options      []string     `json:"options,omitempty"`
	Description  string       `json:"description,omitempty"`
	Required     bool         `json:"required,omitempty"`
}

// AskUserRequest suspends the conversation until a human answers.
type AskUserRequest struct {
	Prompt      string     `json:"prompt"`
	Questions   []Question `json:"questions"`
	TimeoutSecs int        `json:"timeout_secs,omitempty"`
}

func (r *AskUserRequest) Validate() error {
	if len(r.Questions) == 0 {
		return InvalidArgument("at least one question is required")
	}
	seen := make(map[string]bool, len(r.Questions))
	for _, q := range r.Questions {
		if q.ID == "" {
			return InvalidArgument("question id is required")
		}
		if seen[q.ID] {
			return InvalidArgument("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
		if (q.ResponseType == QuestionSelect || q.ResponseType == QuestionMultiSelect) && len(q.Options) == 0 {
			return InvalidArgument("question %q requires options", q.ID)
		}
	}
	return nil
}

// Answer carries one human answer plus its validation verdict.
type Answer struct {
	QuestionID      string      `json:"question_id"`
	Answer          interface{} `json:"answer"`
	Valid           bool        `json:"valid"`
	ValidationError string      `json:"validation_error,omitempty"`
}

type AskUserResponse struct {
	Completed        bool     `json:"completed"`
	Responses        []Answer `json:"responses"`
	Message          string   `json:"message,omitempty"`
	ResponseTimeSecs float64  `json:"response_time_secs"`
}

// FetchURLRequest fetches an HTTP(S) resource. When follow_field and
// follow_url are set, array values of that field in a JSON response are
// treated as child ids and fetched through the url template — bounded by
// an explicit frontier with max_depth/max_items, never open recursion.
type FetchURLRequest struct {
	URL         string `json:"url"`
	MaxSize     int64  `json:"max_size,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
	FollowField string `json:"follow_field,omitempty"`
	FollowURL   string `json:"follow_url,omitempty"` // template containing {id}
	MaxDepth    int    `json:"max_depth,omitempty"`
	MaxItems    int    `json:"max_items,omitempty"`
}

func (r *FetchURLRequest) Validate() error {
	if r.URL == "" {
		return InvalidArgument("url is required")
	}
	if (r.FollowField == "") != (r.FollowURL == "") {
		return InvalidArgument("follow_field and follow_url must be provided together")
	}
	return nil
}

// FetchedItem is one child document retrieved by a recursive fetch.
type FetchedItem struct {
	URL     string `json:"url"`
	Status  int    `json:"status"`
	Content string `json:"content,omitempty"`
	Depth   int    `json:"depth"`
}

// FetchStats tallies the outcome of a recursive fetch.
type FetchStats struct {
	ItemsFetched int `json:"items_fetched"`
	ItemsSkipped int `json:"items_skipped"`
	ItemsFailed  int `json:"items_failed"`
	MaxDepthSeen int `json:"max_depth_seen"`
}

// Merge folds another batch's tally into this one.
func (s *FetchStats) Merge(other FetchStats) {
	s.ItemsFetched += other.ItemsFetched
	s.ItemsSkipped += other.ItemsSkipped
	s.ItemsFailed += other.ItemsFailed
	if other.MaxDepthSeen > s.MaxDepthSeen {
		s.MaxDepthSeen = other.MaxDepthSeen
	}
}

type FetchURLResponse struct {
	URL         string        `json:"url"`
	Status      int           `json:"status"`
	ContentType string        `json:"content_type,omitempty"`
	Content     string        `json:"content"`
	Size        int64         `json:"size"`
	Truncated   bool          `json:"truncated"`
	Items       []FetchedItem `json:"items,omitempty"`
	Stats       *FetchStats   `json:"stats,omitempty"`
}

// QueryDatabaseRequest runs a read-only query against a SQLite database
// at a caller-supplied path. Only single SELECT or PRAGMA statements pass
// validation; results are row-capped.
type QueryDatabaseRequest struct {
	DBPath string `json:"db_path"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
}

func (r *QueryDatabaseRequest) Validate() error {
	if r.DBPath == "" {
		return InvalidArgument("db_path is required")
	}
	if r.Query == "" {
		return InvalidArgument("query is required")
	}
	return nil
}

type QueryDatabaseResponse struct {
	Columns         []string        `json:"columns"`
	Rows            [][]interface{} `json:"rows"`
	RowCount        int             `json:"row_count"`
	Truncated       bool            `json:"truncated"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
}

// ExtractImageTextRequest runs OCR over an image inside the sandbox.
type ExtractImageTextRequest struct {
	ImagePath string `json:"image_path"`
	Language  string `json:"language,omitempty"`
}

type ExtractImageTextResponse struct {
	ImagePath       string `json:"image_path"`
	Text            string `json:"text"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// ErrorResponse is the wire form of a failed tool call, tagged "error"
// in the response union.
type ErrorResponse struct {
	Tool    string `json:"tool"`
	Error   Code   `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// NewErrorResponse pairs a tool name with its typed failure.
func NewErrorResponse(tool string, err *Error) ErrorResponse {
	return ErrorResponse{Tool: tool, Error: err.Code, Message: err.Message, Detail: err.Detail}
}

func (ListFilesRequest) ToolName() string        { return ToolListFiles }
func (ReadFileRequest) ToolName() string         { return ToolReadFile }
func (WriteFileRequest) ToolName() string        { return ToolWriteFile }
func (ApplyPatchRequest) ToolName() string       { return ToolApplyPatch }
func (GrepRequest) ToolName() string             { return ToolGrep }
func (BashRequest) ToolName() string             { return ToolBash }
func (AskUserRequest) ToolName() string          { return ToolAskUser }
func (FetchURLRequest) ToolName() string         { return ToolFetchURL }
func (QueryDatabaseRequest) ToolName() string    { return ToolQueryDatabase }
func (ExtractImageTextRequest) ToolName() string { return ToolExtractImageText }

func (ListFilesRequest) isToolRequest()        {}
func (ReadFileRequest) isToolRequest()         {}
func (WriteFileRequest) isToolRequest()        {}
func (ApplyPatchRequest) isToolRequest()       {}
func (GrepRequest) isToolRequest()             {}
func (BashRequest) isToolRequest()             {}
func (AskUserRequest) isToolRequest()          {}
func (FetchURLRequest) isToolRequest()         {}
func (QueryDatabaseRequest) isToolRequest()    {}
func (ExtractImageTextRequest) isToolRequest() {}

func (ListFilesResponse) ToolName() string        { return ToolListFiles }
func (ReadFileResponse) ToolName() string         { return ToolReadFile }
func (WriteFileResponse) ToolName() string        { return ToolWriteFile }
func (ApplyPatchResponse) ToolName() string       { return ToolApplyPatch }
func (GrepResponse) ToolName() string             { return ToolGrep }
func (BashResponse) ToolName() string             { return ToolBash }
func (AskUserResponse) ToolName() string          { return ToolAskUser }
func (FetchURLResponse) ToolName() string         { return ToolFetchURL }
func (QueryDatabaseResponse) ToolName() string    { return ToolQueryDatabase }
func (ExtractImageTextResponse) ToolName() string { return ToolExtractImageText }

func (ListFilesResponse) isToolResponse()        {}
func (ReadFileResponse) isToolResponse()         {}
func (WriteFileResponse) isToolResponse()        {}
func (ApplyPatchResponse) isToolResponse()       {}
func (GrepResponse) isToolResponse()             {}
func (BashResponse) isToolResponse()             {}
func (AskUserResponse) isToolResponse()          {}
func (FetchURLResponse) isToolResponse()         {}
func (QueryDatabaseResponse) isToolResponse()    {}
func (ExtractImageTextResponse) isToolResponse() {}

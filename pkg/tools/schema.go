package tools

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Param describes one parameter of a tool for schema generation.
type Param struct {
	Name        string
	Type        string // string, number, integer, boolean, object, array
	Description string
	Required    bool
	Default     interface{}
	Enum        []string
	Items       map[string]interface{} // item schema for array params
}

// Spec is the model-facing description of one tool. The same spec drives
// both the tool list sent to the LLM and the pre-dispatch argument
// validation.
type Spec struct {
	Name        string
	Description string
	Params      []Param
}

// JSONSchema renders the spec as a JSON Schema object. Unknown properties
// are rejected so a hallucinated argument fails parsing instead of being
// silently dropped.
func (s Spec) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Params))
	required := []string{}

	for _, p := range s.Params {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = p.Items
		}
		properties[p.Name] = prop

		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// questionItemSchema constrains each entry of ask_user's questions array.
var questionItemSchema = map[string]interface{}{
	"type":                 "object",
	"additionalProperties": false,
	"properties": map[string]interface{}{
		"id":       map[string]interface{}{"type": "string", "description": "Stable identifier for matching the answer"},
		"question": map[string]interface{}{"type": "string", "description": "The question text shown to the user"},
		"response_type": map[string]interface{}{
			"type":        "string",
			"description": "Expected answer type",
			"enum": []string{
				string(QuestionText), string(QuestionNumber), string(QuestionBoolean),
				string(QuestionSelect), string(QuestionMultiSelect), string(QuestionPassword),
				string(QuestionFilePath), string(QuestionEmail), string(QuestionURL),
			},
		},
		"default":     map[string]interface{}{"description": "Default answer if the user submits nothing"},
		"options":     map[string]interface{}{"type": "array", "description": "Choices for select/multiselect", "items": map[string]interface{}{"type": "string"}},
		"description": map[string]interface{}{"type": "string", "description": "Extra context shown under the question"},
		"required":    map[string]interface{}{"type": "boolean", "description": "Whether an answer is mandatory"},
	},
	"required": []string{"id", "question", "response_type"},
}

// Specs returns the full tool catalogue in a stable order.
func Specs() []Spec {
	return []Spec{
		{
			Name:        ToolListFiles,
			Description: "List files and directories at a path inside the workspace. Returns a rendered tree.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "Directory to list, relative to the workspace root", Required: true},
				{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories", Default: false},
				{Name: "include_hidden", Type: "boolean", Description: "Include dotfiles", Default: false},
				{Name: "max_files", Type: "integer", Description: "Maximum entries to return"},
			},
		},
		{
			Name:        ToolReadFile,
			Description: "Read a file's contents, truncated at max_size bytes.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File to read, relative to the workspace root", Required: true},
				{Name: "max_size", Type: "integer", Description: "Maximum bytes to return"},
			},
		},
		{
			Name:        ToolWriteFile,
			Description: "Write a file. Provide either full content, or search+replace to edit in place.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File to write, relative to the workspace root", Required: true},
				{Name: "content", Type: "string", Description: "Full file content to write"},
				{Name: "create_dirs", Type: "boolean", Description: "Create missing parent directories", Default: false},
				{Name: "append", Type: "boolean", Description: "Append content instead of overwriting", Default: false},
				{Name: "search", Type: "string", Description: "Exact text to find (with 'replace')"},
				{Name: "replace", Type: "string", Description: "Replacement text (with 'search')"},
				{Name: "create_if_not_exists", Type: "boolean", Description: "Create the file when search/replace targets a missing file", Default: false},
			},
		},
		{
			Name:        ToolApplyPatch,
			Description: "Apply a multi-file patch in the '*** Begin Patch' envelope format with Add/Update/Delete/Move sections.",
			Params: []Param{
				{Name: "patch", Type: "string", Description: "The patch text, starting with '*** Begin Patch'", Required: true},
			},
		},
		{
			Name:        ToolGrep,
			Description: "Search file contents with a regular expression.",
			Params: []Param{
				{Name: "pattern", Type: "string", Description: "Regular expression to search for", Required: true},
				{Name: "path", Type: "string", Description: "File or directory to search, relative to the workspace root"},
				{Name: "include_pattern", Type: "string", Description: "Glob of file names to include, e.g. *.go"},
				{Name: "exclude_pattern", Type: "string", Description: "Glob of file names to exclude"},
				{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories", Default: true},
				{Name: "case_sensitive", Type: "boolean", Description: "Match case exactly", Default: false},
				{Name: "max_results", Type: "integer", Description: "Maximum matches to return"},
				{Name: "max_files_searched", Type: "integer", Description: "Maximum files to open"},
			},
		},
		{
			Name:        ToolBash,
			Description: "Run a shell command inside the workspace. Commands must be allowed by the execution policy.",
			Params: []Param{
				{Name: "command", Type: "string", Description: "The command line to run", Required: true},
				{Name: "working_dir", Type: "string", Description: "Working directory relative to the workspace root"},
				{Name: "timeout_secs", Type: "integer", Description: "Kill the command after this many seconds"},
				{Name: "description", Type: "string", Description: "One line describing what the command does"},
			},
		},
		{
			Name:        ToolAskUser,
			Description: "Ask the human one or more typed questions and wait for the answers.",
			Params: []Param{
				{Name: "prompt", Type: "string", Description: "Context shown above the questions"},
				{Name: "questions", Type: "array", Description: "Questions to ask", Required: true, Items: questionItemSchema},
				{Name: "timeout_secs", Type: "integer", Description: "Give up waiting after this many seconds"},
			},
		},
		{
			Name:        ToolFetchURL,
			Description: "Fetch an HTTP(S) URL. Optionally follow an id field in JSON responses to fetch child items, bounded by depth and count.",
			Params: []Param{
				{Name: "url", Type: "string", Description: "URL to fetch", Required: true},
				{Name: "max_size", Type: "integer", Description: "Maximum response bytes to keep"},
				{Name: "timeout_secs", Type: "integer", Description: "Per-request timeout"},
				{Name: "follow_field", Type: "string", Description: "JSON field whose array values are child ids, e.g. kids"},
				{Name: "follow_url", Type: "string", Description: "URL template for child ids containing {id}"},
				{Name: "max_depth", Type: "integer", Description: "Maximum follow depth"},
				{Name: "max_items", Type: "integer", Description: "Maximum child items to fetch"},
			},
		},
		{
			Name:        ToolQueryDatabase,
			Description: "Run a single read-only SELECT or PRAGMA query against a SQLite database file.",
			Params: []Param{
				{Name: "db_path", Type: "string", Description: "SQLite database file, relative to the workspace root", Required: true},
				{Name: "query", Type: "string", Description: "The SELECT or PRAGMA statement", Required: true},
				{Name: "limit", Type: "integer", Description: "Maximum rows to return"},
			},
		},
		{
			Name:        ToolExtractImageText,
			Description: "Extract text from an image in the workspace using OCR.",
			Params: []Param{
				{Name: "image_path", Type: "string", Description: "Image file, relative to the workspace root", Required: true},
				{Name: "language", Type: "string", Description: "OCR language code, e.g. eng"},
			},
		},
	}
}

// SpecFor returns the spec for a single tool name.
func SpecFor(name string) (Spec, bool) {
	for _, s := range Specs() {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*gojsonschema.Schema
)

// compiledSchema returns the compiled JSON Schema for a tool, building the
// whole catalogue on first use.
func compiledSchema(tool string) (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemas = make(map[string]*gojsonschema.Schema)
		for _, spec := range Specs() {
			loader := gojsonschema.NewGoLoader(spec.JSONSchema())
			schema, err := gojsonschema.NewSchema(loader)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema for %s: %w", spec.Name, err)
				return
			}
			schemas[spec.Name] = schema
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	schema, ok := schemas[tool]
	if !ok {
		return nil, fmt.Errorf("no schema for tool %s", tool)
	}
	return schema, nil
}

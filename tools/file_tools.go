package tools

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
)

// resolvePath joins a possibly-relative path against the execution
// context's working directory, grounded in
// LocalExecutionEnvironment.resolvePath.
func resolvePath(workingDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workingDir, path)
}

// atomicWriteFile writes data to a temp file in dst's directory, then
// renames it over dst, so a reader never observes a partially-written edit.
func atomicWriteFile(dst string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ReadInput is read_file's argument shape.
type ReadInput struct {
	Path   string `json:"path" validate:"required"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// RegisterReadFile registers the read_file tool, grounded in
// agentloop/core_tools.go's registerReadFile, extended with image support
// the teacher lacks.
func RegisterReadFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the filesystem. Returns line-numbered text content, or image metadata for image files.",
			Schema:      Schema(ReadInput{}),
		},
		Decode: func(raw json.RawMessage) (any, error) {
			var in ReadInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, err
			}
			return &in, nil
		},
		Executor: func(raw json.RawMessage, ec ExecutionContext) (ToolResult, error) {
			var in ReadInput
			_ = json.Unmarshal(raw, &in)
			resolved := resolvePath(ec.WorkingDir, in.Path)

			if mediaType, ok := imageExtensions[strings.ToLower(filepath.Ext(resolved))]; ok {
				return readImage(resolved, mediaType)
			}

			data, err := os.ReadFile(resolved)
			if err != nil {
				return ToolResult{}, err
			}

			lines := strings.Split(string(data), "\n")
			start := 0
			if in.Offset > 0 {
				start = in.Offset - 1
			}
			if start >= len(lines) {
				return ToolResult{Output: ""}, nil
			}
			limit := in.Limit
			if limit <= 0 {
				limit = MaxLines
			}
			end := len(lines)
			if start+limit < end {
				end = start + limit
			}

			var sb strings.Builder
			for i := start; i < end; i++ {
				fmt.Fprintf(&sb, "%d\t%s\n", i+1, lines[i])
			}
			return ToolResult{Output: sb.String()}, nil
		},
	})
}

func readImage(path, mediaType string) (ToolResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{}, err
	}
	cfg, _, err := image.DecodeConfig(strings.NewReader(string(data)))
	meta := map[string]any{
		"image":     true,
		"mediaType": mediaType,
		"base64":    base64.StdEncoding.EncodeToString(data),
	}
	if err == nil {
		meta["width"] = cfg.Width
		meta["height"] = cfg.Height
	}
	return ToolResult{
		Output:   fmt.Sprintf("[image %s, %d bytes]", mediaType, len(data)),
		Metadata: meta,
	}, nil
}

// WriteInput is write_file's argument shape.
type WriteInput struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// RegisterWriteFile registers the write_file tool, grounded in
// agentloop/core_tools.go's registerWriteFile.
func RegisterWriteFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories as needed.",
			Schema:      Schema(WriteInput{}),
		},
		Decode: func(raw json.RawMessage) (any, error) {
			var in WriteInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, err
			}
			return &in, nil
		},
		Executor: func(raw json.RawMessage, ec ExecutionContext) (ToolResult, error) {
			var in WriteInput
			_ = json.Unmarshal(raw, &in)
			resolved := resolvePath(ec.WorkingDir, in.Path)
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return ToolResult{}, err
			}
			if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Output: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
		},
	})
}

// EditInput is edit_file's argument shape.
type EditInput struct {
	Path       string `json:"path" validate:"required"`
	OldString  string `json:"old_string" validate:"required"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all"`
}

// RegisterEditFile registers the edit_file tool, grounded in
// agentloop/core_tools.go's registerEditFile. §8's round-trip law
// (edit(old,new) then edit(new,old) restores byte-identical content) holds
// here because both calls go through the same exact-match-count logic with
// no normalization of either string.
func RegisterEditFile(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "edit_file",
			Description: "Replace an exact string occurrence in a file. old_string must be unique unless replace_all is set.",
			Schema:      Schema(EditInput{}),
		},
		Decode: func(raw json.RawMessage) (any, error) {
			var in EditInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, err
			}
			return &in, nil
		},
		Executor: func(raw json.RawMessage, ec ExecutionContext) (ToolResult, error) {
			var in EditInput
			_ = json.Unmarshal(raw, &in)
			resolved := resolvePath(ec.WorkingDir, in.Path)

			data, err := os.ReadFile(resolved)
			if err != nil {
				return ToolResult{}, err
			}
			content := string(data)

			count := strings.Count(content, in.OldString)
			if count == 0 {
				return ToolResult{IsError: true, Output: fmt.Sprintf("old_string not found in %s", in.Path)}, nil
			}
			if count > 1 && !in.ReplaceAll {
				return ToolResult{IsError: true, Output: fmt.Sprintf(
					"old_string found %d times in %s; provide more surrounding context or set replace_all", count, in.Path)}, nil
			}

			var newContent string
			replacements := 1
			if in.ReplaceAll {
				newContent = strings.ReplaceAll(content, in.OldString, in.NewString)
				replacements = count
			} else {
				newContent = strings.Replace(content, in.OldString, in.NewString, 1)
			}

			if err := atomicWriteFile(resolved, []byte(newContent), 0o644); err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Output: fmt.Sprintf("replaced %d occurrence(s) in %s", replacements, in.Path)}, nil
		},
	})
}

// GrepInput is grep's argument shape.
type GrepInput struct {
	Pattern         string `json:"pattern" validate:"required"`
	Path            string `json:"path"`
	GlobFilter      string `json:"glob_filter"`
	CaseInsensitive bool   `json:"case_insensitive"`
	MaxResults      int    `json:"max_results"`
	Context         int    `json:"context"`
}

// RegisterGrep registers the grep tool, grounded in
// agentloop/core_tools.go's registerGrep and agentloop/execution.go's
// Grep/grepFallback, but implemented with dlclark/regexp2 instead of
// shelling out to rg/grep so the tool has no external binary dependency.
func RegisterGrep(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "grep",
			Description: "Search file contents by regex. Returns matching lines with file paths and line numbers, with optional surrounding context lines.",
			Schema:      Schema(GrepInput{}),
		},
		Decode: func(raw json.RawMessage) (any, error) {
			var in GrepInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, err
			}
			return &in, nil
		},
		Executor: func(raw json.RawMessage, ec ExecutionContext) (ToolResult, error) {
			var in GrepInput
			_ = json.Unmarshal(raw, &in)

			opts := regexp2.RegexOptions(regexp2.RE2)
			if in.CaseInsensitive {
				opts |= regexp2.IgnoreCase
			}
			re, err := regexp2.Compile(in.Pattern, opts)
			if err != nil {
				return ToolResult{IsError: true, Output: fmt.Sprintf("invalid pattern: %v", err)}, nil
			}

			root := resolvePath(ec.WorkingDir, in.Path)
			if root == "" {
				root = ec.WorkingDir
			}
			maxResults := in.MaxResults
			if maxResults <= 0 {
				maxResults = 100
			}

			context := in.Context
			if context < 0 {
				context = 0
			}

			var results []string
			walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				if in.GlobFilter != "" {
					if ok, _ := filepath.Match(in.GlobFilter, d.Name()); !ok {
						return nil
					}
				}
				data, err := os.ReadFile(path)
				if err != nil || isBinary(data) {
					return nil
				}
				lines := strings.Split(string(data), "\n")
				lastPrinted := -1
				for lineNo, line := range lines {
					if len(results) >= maxResults {
						return fs.SkipAll
					}
					matched, _ := re.MatchString(line)
					if !matched {
						continue
					}
					from := lineNo - context
					if from < 0 {
						from = 0
					}
					if from > lastPrinted+1 && lastPrinted >= 0 {
						results = append(results, "--")
					}
					start := from
					if start <= lastPrinted {
						start = lastPrinted + 1
					}
					to := lineNo + context
					if to >= len(lines) {
						to = len(lines) - 1
					}
					for i := start; i <= to; i++ {
						sep := "-"
						if i == lineNo {
							sep = ":"
						}
						results = append(results, fmt.Sprintf("%s:%d%s%s", path, i+1, sep, TruncateGrepLine(lines[i])))
					}
					lastPrinted = to
				}
				return nil
			})
			if walkErr != nil && walkErr != fs.SkipAll {
				return ToolResult{}, walkErr
			}
			if len(results) == 0 {
				return ToolResult{Output: "no matches found"}, nil
			}
			return ToolResult{Output: strings.Join(results, "\n")}, nil
		},
	})
}

func isBinary(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

// FindInput is find's argument shape.
type FindInput struct {
	Pattern string `json:"pattern" validate:"required"`
	Path    string `json:"path"`
	Limit   int    `json:"limit"`
}

// RegisterFind registers the find tool, grounded in
// agentloop/core_tools.go's registerGlob.
func RegisterFind(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "find",
			Description: "Find files matching a glob pattern, sorted by modification time descending.",
			Schema:      Schema(FindInput{}),
		},
		Decode: func(raw json.RawMessage) (any, error) {
			var in FindInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, err
			}
			return &in, nil
		},
		Executor: func(raw json.RawMessage, ec ExecutionContext) (ToolResult, error) {
			var in FindInput
			_ = json.Unmarshal(raw, &in)
			root := resolvePath(ec.WorkingDir, in.Path)
			if root == "" {
				root = ec.WorkingDir
			}
			matches, err := filepath.Glob(filepath.Join(root, in.Pattern))
			if err != nil {
				return ToolResult{}, err
			}
			if len(matches) == 0 {
				return ToolResult{Output: "no files matched"}, nil
			}

			type match struct {
				path    string
				modTime int64
			}
			stamped := make([]match, 0, len(matches))
			for _, m := range matches {
				info, err := os.Stat(m)
				var mt int64
				if err == nil {
					mt = info.ModTime().UnixNano()
				}
				stamped = append(stamped, match{path: m, modTime: mt})
			}
			sort.Slice(stamped, func(i, j int) bool { return stamped[i].modTime > stamped[j].modTime })

			limit := in.Limit
			if limit > 0 && limit < len(stamped) {
				stamped = stamped[:limit]
			}

			paths := make([]string, len(stamped))
			for i, m := range stamped {
				paths[i] = m.path
			}
			return ToolResult{Output: strings.Join(paths, "\n")}, nil
		},
	})
}

// LsInput is ls's argument shape. ls is a supplemental tool the teacher
// lacks (agentloop/core_tools.go has no directory-listing tool; only
// ExecutionEnvironment.ListDirectory, never exposed to the model).
type LsInput struct {
	Path string `json:"path"`
}

// RegisterLs registers the ls tool.
func RegisterLs(reg *ToolRegistry) {
	reg.Register(RegisteredTool{
		Definition: ToolDefinition{
			Name:        "ls",
			Description: "List the entries of a directory, non-recursively.",
			Schema:      Schema(LsInput{}),
		},
		Decode: func(raw json.RawMessage) (any, error) {
			var in LsInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, err
			}
			return &in, nil
		},
		Executor: func(raw json.RawMessage, ec ExecutionContext) (ToolResult, error) {
			var in LsInput
			_ = json.Unmarshal(raw, &in)
			root := resolvePath(ec.WorkingDir, in.Path)
			if root == "" {
				root = ec.WorkingDir
			}
			entries, err := os.ReadDir(root)
			if err != nil {
				return ToolResult{}, err
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&sb, "%s/\n", e.Name())
				} else {
					info, _ := e.Info()
					size := int64(0)
					if info != nil {
						size = info.Size()
					}
					fmt.Fprintf(&sb, "%s\t%d\n", e.Name(), size)
				}
			}
			return ToolResult{Output: sb.String()}, nil
		},
	})
}

// RegisterFileTools registers every file tool on reg.
func RegisterFileTools(reg *ToolRegistry) {
	RegisterReadFile(reg)
	RegisterWriteFile(reg)
	RegisterEditFile(reg)
	RegisterGrep(reg)
	RegisterFind(reg)
	RegisterLs(reg)
}

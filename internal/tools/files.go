package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/fragments/internal/step"
	"github.com/ashureev/fragments/internal/stream"
	"github.com/mark3labs/mcp-go/mcp"
)

// CreateOrUpdateFiles writes files to the sandbox and merges them into the
// shared file map.
type CreateOrUpdateFiles struct{}

type fileInput struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

type createOrUpdateArgs struct {
	Files []fileInput `json:"files"`
}

// fileWriteResult is the memoized outcome of a write step. Exactly one of
// Files or Error is set.
type fileWriteResult struct {
	Files map[string]string
	Error string
}

func (CreateOrUpdateFiles) Name() string { return NameCreateOrUpdateFiles }

func (CreateOrUpdateFiles) Definition() mcp.Tool {
	return mcp.NewTool(NameCreateOrUpdateFiles,
		mcp.WithDescription("Create or update files in the sandbox"),
		mcp.WithArray("files",
			mcp.Required(),
			mcp.Description("Files to write, relative to the working directory"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required":             []string{"path", "content"},
				"additionalProperties": false,
			}),
		),
	)
}

func (t CreateOrUpdateFiles) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, error) {
	var args createOrUpdateArgs
	if err := decodeArgs(NameCreateOrUpdateFiles, raw, &args); err != nil {
		return "", err
	}
	if args.Files == nil {
		return "", missing(NameCreateOrUpdateFiles, "files")
	}
	for i, f := range args.Files {
		if f.Path == "" {
			return "", missing(NameCreateOrUpdateFiles, fmt.Sprintf("files[%d].path", i))
		}
		if f.Content == nil {
			return "", missing(NameCreateOrUpdateFiles, fmt.Sprintf("files[%d].content", i))
		}
	}

	result, err := step.Do(ctx, tc.Steps, NameCreateOrUpdateFiles, args, func(ctx context.Context) (fileWriteResult, error) {
		paths := make([]string, 0, len(args.Files))
		for _, f := range args.Files {
			paths = append(paths, f.Path)
		}
		tc.emit(stream.Event{Type: stream.EventToolCall, Tool: NameCreateOrUpdateFiles, Data: strings.Join(paths, ", ")})

		updated := tc.State.Files()
		h, err := tc.Sandboxes.Connect(ctx, tc.SandboxID)
		if err != nil {
			if ctx.Err() != nil {
				return fileWriteResult{}, ctx.Err()
			}
			return fileWriteResult{Error: "Error: " + err.Error()}, nil
		}
		for _, f := range args.Files {
			if err := h.WriteFile(ctx, f.Path, *f.Content); err != nil {
				if ctx.Err() != nil {
					return fileWriteResult{}, ctx.Err()
				}
				return fileWriteResult{Error: "Error: " + err.Error()}, nil
			}
			updated[f.Path] = *f.Content
		}
		return fileWriteResult{Files: updated}, nil
	})
	if err != nil {
		return "", err
	}
	if result.Error != "" {
		return result.Error, nil
	}

	tc.State.MergeFiles(result.Files)

	written := make([]string, 0, len(args.Files))
	for _, f := range args.Files {
		written = append(written, f.Path)
	}
	sort.Strings(written)
	return fmt.Sprintf("Updated %d file(s): %s", len(written), strings.Join(written, ", ")), nil
}

// ReadFiles reads files from the sandbox.
type ReadFiles struct{}

type readFilesArgs struct {
	Files []string `json:"files"`
}

type fileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (ReadFiles) Name() string { return NameReadFiles }

func (ReadFiles) Definition() mcp.Tool {
	return mcp.NewTool(NameReadFiles,
		mcp.WithDescription("Read files from the sandbox"),
		mcp.WithArray("files",
			mcp.Required(),
			mcp.Description("Paths of the files to read"),
			mcp.WithStringItems(),
		),
	)
}

func (t ReadFiles) Execute(ctx context.Context, raw json.RawMessage, tc *Context) (string, error) {
	var args readFilesArgs
	if err := decodeArgs(NameReadFiles, raw, &args); err != nil {
		return "", err
	}
	if args.Files == nil {
		return "", missing(NameReadFiles, "files")
	}

	return step.Do(ctx, tc.Steps, NameReadFiles, args, func(ctx context.Context) (string, error) {
		tc.emit(stream.Event{Type: stream.EventToolCall, Tool: NameReadFiles, Data: strings.Join(args.Files, ", ")})

		h, err := tc.Sandboxes.Connect(ctx, tc.SandboxID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "Error: " + err.Error(), nil
		}
		contents := make([]fileContent, 0, len(args.Files))
		for _, p := range args.Files {
			content, err := h.ReadFile(ctx, p)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "Error: " + err.Error(), nil
			}
			contents = append(contents, fileContent{Path: p, Content: content})
		}
		out, err := json.Marshal(contents)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		return string(out), nil
	})
}

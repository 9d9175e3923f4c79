// Package mcpserver registers the MCP tools that make up the daemon's
// local control surface: sync status, manual sync, a remote diff, and
// read/write access to the synchronized areas.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"github.com/alexjbarnes/dash-sync/internal/store"
	"github.com/alexjbarnes/dash-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

// Controller is the sync side of the control surface. *syncer.Manager
// implements it.
type Controller interface {
	UserID() string
	Status() (syncer.Status, error)
	TriggerSync(ctx context.Context, force bool) error
	Diff(ctx context.Context) (string, error)
}

// RegisterTools adds all dash-sync tools to the given MCP server. Area
// tools work on the local stores and are available while signed out.
func RegisterTools(server *mcp.Server, ctrl Controller, stores *store.Stores) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report whether a user is signed in, whether a sync is running, when the device last synced, and the last sync error.",
	}, statusHandler(ctrl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a sync cycle now. By default pulls the remote record, merges it, and pushes local state. With force=false, only pushes if local state changed.",
	}, syncNowHandler(ctrl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_diff",
		Description: "Show a line diff between the remote record and local state. Lines starting with '-' are only remote, '+' only local. Empty when in sync.",
	}, diffHandler(ctrl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "area_get",
		Description: "Read the local state of one area (app, habits, reminders). An optional gjson path selects part of it, e.g. tasks.#.title.",
	}, areaGetHandler(stores))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "area_put",
		Description: "Replace fields of one area's local state. Fields not given keep their value. The change is synced like any local edit.",
	}, areaPutHandler(stores))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput holds parameters for sync_now.
type SyncNowInput struct {
	Force *bool `json:"force,omitempty" jsonschema:"pull and merge before pushing, defaults to true"`
}

// DiffInput has no parameters.
type DiffInput struct{}

// AreaGetInput holds parameters for area_get.
type AreaGetInput struct {
	Area string `json:"area" jsonschema:"required,area name: app, habits or reminders"`
	Path string `json:"path,omitempty" jsonschema:"gjson path within the area, defaults to the whole area"`
}

// AreaPutInput holds parameters for area_put.
type AreaPutInput struct {
	Area  string         `json:"area" jsonschema:"required,area name: app, habits or reminders"`
	State map[string]any `json:"state" jsonschema:"required,fields to replace, keyed by field name"`
}

// --- Output types ---

// StatusResult is the sync_status output.
type StatusResult struct {
	SignedIn     bool   `json:"signed_in"`
	UserID       string `json:"user_id,omitempty"`
	Syncing      bool   `json:"syncing"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
	SyncError    string `json:"sync_error,omitempty"`
}

// DiffResult is the sync_diff output.
type DiffResult struct {
	InSync bool   `json:"in_sync"`
	Diff   string `json:"diff,omitempty"`
}

// AreaResult is the area_get output.
type AreaResult struct {
	Area  string `json:"area"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value"`
}

// AreaPutResult is the area_put output.
type AreaPutResult struct {
	Area     string   `json:"area"`
	Warnings []string `json:"warnings,omitempty"`
}

// --- Handlers ---

func statusHandler(ctrl Controller) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := currentStatus(ctrl)
		return textResult(result), result, nil
	}
}

func syncNowHandler(ctrl Controller) mcp.ToolHandlerFor[SyncNowInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SyncNowInput) (*mcp.CallToolResult, *StatusResult, error) {
		force := true
		if input.Force != nil {
			force = *input.Force
		}

		if err := ctrl.TriggerSync(ctx, force); err != nil {
			return nil, nil, fmt.Errorf("sync failed: %w", err)
		}

		result := currentStatus(ctrl)
		return textResult(result), result, nil
	}
}

func diffHandler(ctrl Controller) mcp.ToolHandlerFor[DiffInput, *DiffResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ DiffInput) (*mcp.CallToolResult, *DiffResult, error) {
		diff, err := ctrl.Diff(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &DiffResult{InSync: diff == "", Diff: diff}
		return textResult(result), result, nil
	}
}

func areaGetHandler(stores *store.Stores) mcp.ToolHandlerFor[AreaGetInput, *AreaResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AreaGetInput) (*mcp.CallToolResult, *AreaResult, error) {
		if err := checkArea(input.Area); err != nil {
			return nil, nil, err
		}

		raw, ok := snapshot.Build(stores, time.Now()).Section(input.Area)
		if !ok {
			return nil, nil, fmt.Errorf("area %s could not be encoded", input.Area)
		}

		result := &AreaResult{Area: input.Area, Path: input.Path}

		if input.Path == "" {
			if err := json.Unmarshal(raw, &result.Value); err != nil {
				return nil, nil, fmt.Errorf("decoding area %s: %w", input.Area, err)
			}
		} else {
			v := gjson.GetBytes(raw, input.Path)
			if !v.Exists() {
				return nil, nil, fmt.Errorf("no value at %s in area %s", input.Path, input.Area)
			}

			result.Value = v.Value()
		}

		return textResult(result), result, nil
	}
}

func areaPutHandler(stores *store.Stores) mcp.ToolHandlerFor[AreaPutInput, *AreaPutResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AreaPutInput) (*mcp.CallToolResult, *AreaPutResult, error) {
		if err := checkArea(input.Area); err != nil {
			return nil, nil, err
		}

		if len(input.State) == 0 {
			return nil, nil, fmt.Errorf("state must name at least one field")
		}

		doc, err := json.Marshal(map[string]any{
			"version":  snapshot.Version,
			input.Area: input.State,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("encoding state: %w", err)
		}

		snap, err := snapshot.Parse(doc)
		if err != nil {
			return nil, nil, err
		}

		result := &AreaPutResult{Area: input.Area}
		for _, p := range snapshot.Apply(stores, snap) {
			result.Warnings = append(result.Warnings, p.Error())
		}

		return textResult(result), result, nil
	}
}

func currentStatus(ctrl Controller) *StatusResult {
	st, err := ctrl.Status()
	if err != nil {
		return &StatusResult{}
	}

	result := &StatusResult{
		SignedIn: true,
		UserID:   ctrl.UserID(),
		Syncing:  st.Syncing,
	}

	if !st.LastSyncedAt.IsZero() {
		result.LastSyncedAt = st.LastSyncedAt.UTC().Format(time.RFC3339Nano)
	}

	if st.SyncError != nil {
		result.SyncError = st.SyncError.Error()
	}

	return result
}

func checkArea(area string) error {
	if !slices.Contains(store.Areas, area) {
		return fmt.Errorf("unknown area %q, expected one of %v", area, store.Areas)
	}

	return nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

package tools

import (
	"context"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"annailabs/annai/internal/notion"
)

func strSchema(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func intSchema(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: desc}
}

func objSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// stringArg reads an optional string argument; schema validation has
// already rejected wrong types for declared properties.
func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func mapArg(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

// RegisterNotionTools installs the fixed workspace catalog against a
// client. Tool names and shapes are what the system prompt teaches the
// model to chain.
func RegisterNotionTools(r *Registry, client *notion.Client) error {
	catalog := []*Tool{
		{
			Name:        "search_notion",
			Description: "Search pages and databases by text query. Use this first when IDs are unknown.",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"query": strSchema("Search query text"),
				"limit": intSchema("Maximum number of results"),
			}, "query"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.Search(ctx, stringArg(args, "query"), intArg(args, "limit"))
			},
		},
		{
			Name:        "query_database",
			Description: "Run a structured query against a database. Use get_database first if the properties are unknown.",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"databaseId": strSchema("Database ID"),
				"filter":     {Type: "object", Description: "Notion filter object"},
				"pageSize":   intSchema("Maximum number of rows"),
			}, "databaseId"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.QueryDatabase(ctx, stringArg(args, "databaseId"), mapArg(args, "filter"), intArg(args, "pageSize"))
			},
		},
		{
			Name:        "retrieve_page",
			Description: "Retrieve a page's metadata and properties by ID.",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"pageId": strSchema("Page ID"),
			}, "pageId"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.RetrievePage(ctx, stringArg(args, "pageId"))
			},
		},
		{
			Name:        "get_page_content",
			Description: "Retrieve a page's block content (the text of the page body).",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"pageId": strSchema("Page ID"),
			}, "pageId"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.GetPageContent(ctx, stringArg(args, "pageId"))
			},
		},
		{
			Name:        "create_page",
			Description: "Create a new page under a parent page, optionally with initial content.",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"parentId": strSchema("Parent page ID"),
				"title":    strSchema("Page title"),
				"content":  strSchema("Optional initial paragraph"),
			}, "parentId", "title"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.CreatePage(ctx, stringArg(args, "parentId"), stringArg(args, "title"), stringArg(args, "content"))
			},
		},
		{
			Name:        "update_page_properties",
			Description: "Update a page's properties or archive it. Use for metadata changes, not body content.",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"pageId":     strSchema("Page ID"),
				"properties": {Type: "object", Description: "Notion properties object"},
				"archived":   {Type: "boolean", Description: "Archive or restore the page"},
			}, "pageId"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				var archived *bool
				if v, ok := args["archived"].(bool); ok {
					archived = &v
				}
				return client.UpdatePageProperties(ctx, stringArg(args, "pageId"), mapArg(args, "properties"), archived)
			},
		},
		{
			Name:        "append_block_to_page",
			Description: "Append a content block to a page. Block types: " + strings.Join(notion.BlockTypes, ", ") + ".",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"pageId":    strSchema("Page ID"),
				"blockType": strSchema("Block type"),
				"content":   strSchema("Block text content"),
			}, "pageId", "content"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.AppendBlock(ctx, stringArg(args, "pageId"), stringArg(args, "blockType"), stringArg(args, "content"))
			},
		},
		{
			Name:        "get_database",
			Description: "Retrieve a database's schema (its property names and types).",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"databaseId": strSchema("Database ID"),
			}, "databaseId"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.GetDatabase(ctx, stringArg(args, "databaseId"))
			},
		},
		{
			Name:        "list_users",
			Description: "List the users in the workspace.",
			Schema:      objSchema(map[string]*jsonschema.Schema{}),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.ListUsers(ctx)
			},
		},
		{
			Name:        "create_comment",
			Description: "Add a comment to a page.",
			Schema: objSchema(map[string]*jsonschema.Schema{
				"pageId": strSchema("Page ID"),
				"text":   strSchema("Comment text"),
			}, "pageId", "text"),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.CreateComment(ctx, stringArg(args, "pageId"), stringArg(args, "text"))
			},
		},
		{
			Name:        "get_self",
			Description: "Return the bot user this integration runs as.",
			Schema:      objSchema(map[string]*jsonschema.Schema{}),
			Execute: func(ctx context.Context, args map[string]any) (any, error) {
				return client.GetSelf(ctx)
			},
		},
	}

	for _, tool := range catalog {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

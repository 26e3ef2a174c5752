package api

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/switchyard/internal/registry"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the dispatch API. The
// command field lists the applications routable in table.
func buildOpenAPIDoc(table *registry.Table) map[string]any {
	ids := table.Identifiers()
	examples := make(map[string]any, len(ids))
	for _, id := range ids {
		examples[id] = map[string]any{
			"summary": descriptionOf(table, id),
			"value":   map[string]any{"command": fmt.Sprintf("/%s <request>", id)},
		}
	}

	commandDesc := "Raw command \"/<application> <request>\"; the request is passed to the application unchanged."
	if len(ids) > 0 {
		commandDesc += " Routable applications: " + strings.Join(ids, ", ") + "."
	}

	bearer := []any{map[string]any{"BearerAuth": []string{}}}
	result := map[string]any{"$ref": "#/components/schemas/DispatchResult"}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Switchyard Command Router",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/v1/dispatch": map[string]any{
				"post": map[string]any{
					"operationId": "dispatch",
					"summary":     "Route one command to its application",
					"security":    bearer,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{
									"type":     "object",
									"required": []string{"command"},
									"properties": map[string]any{
										"command": map[string]any{"type": "string", "description": commandDesc},
										"timeout": map[string]any{"type": "string", "description": "Go duration, e.g. 30s"},
									},
								},
								"examples": examples,
							},
						},
					},
					"responses": map[string]any{
						"200": jsonResponse("Completed", result),
						"422": jsonResponse("Rejected: malformed command or unknown application", result),
						"502": jsonResponse("Degraded: the application could not complete; see fallback", result),
						"400": map[string]any{"description": "Bad request body"},
						"503": map[string]any{"description": "Too many concurrent dispatches"},
					},
				},
			},
			"/v1/apps": map[string]any{
				"get": map[string]any{"operationId": "listApps", "summary": "List routable applications", "security": bearer,
					"responses": map[string]any{"200": map[string]any{"description": "Routing table"}}},
			},
			"/v1/apps/rediscover": map[string]any{
				"post": map[string]any{"operationId": "rediscover", "summary": "Rescan discovery roots", "security": bearer,
					"responses": map[string]any{"200": map[string]any{"description": "New routing table"}}},
			},
			"/v1/events": map[string]any{
				"get": map[string]any{"operationId": "events", "summary": "Server-sent dispatch lifecycle events", "security": bearer,
					"responses": map[string]any{"200": map[string]any{"description": "text/event-stream"}}},
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": map[string]any{
				"DispatchResult": map[string]any{
					"type":     "object",
					"required": []string{"status", "state"},
					"properties": map[string]any{
						"status":          map[string]any{"type": "string", "enum": []string{"completed", "rejected", "degraded"}},
						"dispatch_id":     map[string]any{"type": "string"},
						"app":             map[string]any{"type": "string"},
						"state":           map[string]any{"type": "string"},
						"output_location": map[string]any{"type": "string"},
						"artifacts":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"kind":            map[string]any{"type": "string"},
						"message":         map[string]any{"type": "string"},
						"fallback":        map[string]any{"type": "string"},
						"known":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"exit_code":       map[string]any{"type": "integer"},
						"stderr":          map[string]any{"type": "string"},
						"duration_ms":     map[string]any{"type": "integer"},
					},
				},
			},
		},
	}
}

func jsonResponse(description string, schema map[string]any) map[string]any {
	return map[string]any{
		"description": description,
		"content": map[string]any{
			"application/json": map[string]any{"schema": schema},
		},
	}
}

func descriptionOf(table *registry.Table, id string) string {
	desc, err := table.Resolve(id)
	if err != nil || desc.Description == "" {
		return id
	}
	return desc.Description
}

package api

import "fmt"

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one run operation per task.
func buildOpenAPIDoc(tasks []string) map[string]any {
	paths := map[string]any{}

	for _, name := range tasks {
		paths[fmt.Sprintf("/run/%s", name)] = map[string]any{
			"post": map[string]any{
				"operationId": "run__" + name,
				"summary":     fmt.Sprintf("Run %s and wait for its result", name),
				"tags":        []string{name},
				"requestBody": map[string]any{
					"required": false,
					"content": map[string]any{
						"application/json": map[string]any{"schema": map[string]any{}},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Task output"},
					"400": map[string]any{"description": "Bad request"},
					"404": map[string]any{"description": "Unknown task"},
					"502": map[string]any{"description": "Task failed"},
					"504": map[string]any{"description": "Task timed out"},
				},
				"security": []any{map[string]any{"BearerAuth": []string{}}},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "offload",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/mattjoyce/triggerhost/internal/trigger"
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildOpenAPIDoc(s.deps.Router.Triggers()))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the fixed routes plus
// one enqueue operation per queue trigger source.
func buildOpenAPIDoc(descs []*trigger.Descriptor) map[string]any {
	paths := map[string]any{
		"/objects/{container}/{name}": map[string]any{
			"put": operation("putObject", "Store an object", "objects", "201"),
			"get": operation("getObject", "Fetch an object", "objects", "200"),
		},
		"/notify": map[string]any{
			"post": operation("notifyCandidate", "Hint that an object changed", "triggers", "202"),
		},
		"/triggers": map[string]any{
			"get": operation("listTriggers", "List registered triggers", "triggers", "200"),
		},
		"/invocations": map[string]any{
			"get": operation("listInvocations", "Recent function invocations", "invocations", "200"),
		},
		"/events": map[string]any{
			"get": operation("streamEvents", "Server-sent event stream", "events", "200"),
		},
	}

	queues := map[string][]string{}
	for _, d := range descs {
		if d.Kind == trigger.KindQueue {
			queues[d.Source] = append(queues[d.Source], d.Function)
		}
	}
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fns := queues[name]
		sort.Strings(fns)
		op := operation("enqueue__"+name, fmt.Sprintf("Enqueue a message for %v", fns), name, "201")
		op["requestBody"] = map[string]any{
			"required": true,
			"content": map[string]any{
				"application/octet-stream": map[string]any{
					"schema": map[string]any{"type": "string", "format": "binary"},
				},
			},
		}
		paths[fmt.Sprintf("/queues/%s/messages", name)] = map[string]any{"post": op}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "triggerhost",
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

func operation(id, summary, tag, okStatus string) map[string]any {
	return map[string]any{
		"operationId": id,
		"summary":     summary,
		"tags":        []string{tag},
		"responses": map[string]any{
			okStatus: map[string]any{"description": "OK"},
			"400":    map[string]any{"description": "Bad request"},
			"403":    map[string]any{"description": "Insufficient scope"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}

// ABOUTME: Aggregates component OpenAPI fragments into one 3.0 document
// ABOUTME: Walks the installed routes once; undocumented routes get a stub

package openapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/morrigan-server/morrigan/internal/component"
)

// componentSubkeys are the recognized mergeable children of "components".
var componentSubkeys = []string{
	"schemas", "responses", "parameters", "examples", "requestBodies",
	"headers", "securitySchemes", "links", "callbacks",
}

// Info names the aggregated document.
type Info struct {
	Title       string
	Version     string
	Description string
}

// Build merges the installed routes and every component's fragment into a
// single OpenAPI 3.0 document. Fragment merge rules: "components" subkeys
// shallow-merge with last writer winning, "security" and "tags" concatenate
// in component-name order, paths come from the routes themselves.
func Build(info Info, routes []component.Route, fragments map[string]map[string]any) map[string]any {
	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       info.Title,
			"version":     info.Version,
			"description": info.Description,
		},
	}

	components := map[string]any{}
	var security []any
	var tags []any

	names := make([]string, 0, len(fragments))
	for name := range fragments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		frag := fragments[name]
		mergeComponents(components, frag)
		if s, ok := frag["security"].([]any); ok {
			security = append(security, s...)
		}
		if t, ok := frag["tags"].([]any); ok {
			tags = append(tags, t...)
		}
	}

	if len(components) > 0 {
		doc["components"] = components
	}
	if len(security) > 0 {
		doc["security"] = security
	}
	if len(tags) > 0 {
		doc["tags"] = tags
	}

	doc["paths"] = buildPaths(routes)
	return doc
}

func mergeComponents(into map[string]any, frag map[string]any) {
	src, ok := frag["components"].(map[string]any)
	if !ok {
		return
	}
	for _, subkey := range componentSubkeys {
		entries, ok := src[subkey].(map[string]any)
		if !ok {
			continue
		}
		dst, ok := into[subkey].(map[string]any)
		if !ok {
			dst = map[string]any{}
			into[subkey] = dst
		}
		for k, v := range entries {
			dst[k] = v
		}
	}
}

func buildPaths(routes []component.Route) map[string]any {
	paths := map[string]any{}
	for _, route := range routes {
		item, ok := paths[route.Pattern].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[route.Pattern] = item
		}

		op := map[string]any{"summary": "undocumented"}
		if route.Doc != nil {
			op = make(map[string]any, len(route.Doc)+1)
			for k, v := range route.Doc {
				op[k] = v
			}
		}
		if _, ok := op["responses"]; !ok {
			op["responses"] = map[string]any{
				"200": map[string]any{"description": "OK"},
			}
		}
		item[strings.ToLower(route.Method)] = op
	}
	return paths
}

// Handler serves the aggregated document as JSON.
func Handler(doc map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		component.WriteJSON(w, http.StatusOK, doc)
	}
}

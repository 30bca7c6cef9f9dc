// Package schemas holds the JSON Schemas for responses from external services.
package schemas

import "embed"

// Schema file names.
const (
	CatalogResponse = "catalog_response.schema.json"
	SearchResponse  = "search_response.schema.json"
)

// FS contains every *.schema.json file in this directory.
//
//go:embed *.schema.json
var FS embed.FS

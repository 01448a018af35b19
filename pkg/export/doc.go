// Package export writes compiled fingerprint statistics to files.
//
// # Overview
//
// A compile query produces, for every path seen in the matching fingerprints,
// the count of each serialized value (and of list lengths for list-valued
// paths). Export renders that table so it can be archived, diffed between
// collection runs, or loaded into other tools.
//
// # Supported Formats
//
// JSON Format:
//   - The table exactly as /api/v1/compile returns it
//   - A metadata header (filter, matched document count, export time, version)
//   - Can be read back with ReadJSON and merged with other exports
//
// CSV Format:
//   - One row per (path, value) with columns path,value,count
//   - Paths are JSON arrays of keys; values are canonical JSON text
//   - List lengths appear as value "l:<n>"
//   - Export-only
//
// # HTTP API
//
// Export endpoint: GET /api/v1/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - q: JSON filter document, e.g. {"category":"windows"} (default: all)
//
// Example:
//
//	curl -G "http://localhost:8080/api/v1/export" \
//	  --data-urlencode 'q={"category":"mac"}' -d format=csv -o mac.csv
package export

package whisperqueue

import _ "embed"

// OpenAPISpec is served at /api/v1/openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte

// Package api holds the service's OpenAPI document.
package api

import _ "embed"

// OpenAPI is the OpenAPI 3 description of the HTTP surface. The
// RegistrationPayload schema doubles as the submission validation rules.
//
//go:embed openapi.yaml
var OpenAPI []byte

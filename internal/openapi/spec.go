// Package openapi builds the OpenAPI document served at /openapi.json.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Spec generates the OpenAPI 3.1 description of the broker API.
func Spec(version, baseURL string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Keygate API",
			Description: "Credential broker: exchange a long-lived upstream API key for a short-lived rotating JWT, then call the upstream API through /upstream/*.",
			Version:     version,
		},
		Servers: openapi3.Servers{{URL: baseURL}},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"basicAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "basic"},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		},
	}
	doc.Components = &components

	doc.Components.Schemas["Envelope"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"status":  schemaRef("string"),
				"message": schemaRef("string"),
				"data":    &openapi3.SchemaRef{Value: &openapi3.Schema{}},
			},
		},
	}
	doc.Components.Schemas["AuthError"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: openapi3.Schemas{"message": schemaRef("string")},
		},
	}

	doc.Paths = openapi3.NewPaths()

	doc.Paths.Set("/get-jwt", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "exchangeKey",
			Summary:     "Exchange an upstream API key for a signed token",
			Security:    &openapi3.SecurityRequirements{{"basicAuth": {}}},
			RequestBody: &openapi3.RequestBodyRef{
				Value: openapi3.NewRequestBody().WithJSONSchema(&openapi3.Schema{
					Type:       &openapi3.Types{"object"},
					Required:   []string{"key"},
					Properties: openapi3.Schemas{"key": schemaRef("string")},
				}),
			},
			Responses: envelopeResponses(map[string]string{
				"201": "Token minted",
				"202": "Existing token accepted or replaced",
				"400": "Upstream key malformed",
				"401": "Basic-Auth failure",
			}),
		},
	})

	for path, op := range map[string]*openapi3.PathItem{
		"/upstream/models":       {Get: upstreamOp("listModels", "List upstream models")},
		"/upstream/models/{id}":  {Get: upstreamOp("getModel", "Get one upstream model")},
		"/upstream/completions":  {Post: upstreamOp("createCompletion", "Create a chat completion")},
		"/upstream/files":        {Get: upstreamOp("listFiles", "List uploaded files"), Post: upstreamOp("uploadFile", "Upload a file")},
		"/upstream/files/{id}":   {Delete: upstreamOp("deleteFile", "Delete an uploaded file")},
	} {
		doc.Paths.Set(path, op)
	}

	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "healthz",
			Summary:     "Liveness probe",
			Responses:   envelopeResponses(map[string]string{"200": "Process is running"}),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "readyz",
			Summary:     "Readiness probe (token store reachable)",
			Responses:   envelopeResponses(map[string]string{"200": "Ready", "503": "Store unreachable"}),
		},
	})

	return doc
}

func upstreamOp(id, summary string) *openapi3.Operation {
	return &openapi3.Operation{
		OperationID: id,
		Summary:     summary,
		Security:    &openapi3.SecurityRequirements{{"bearerAuth": {}}},
		Responses: envelopeResponses(map[string]string{
			"200": "Upstream response relayed",
			"401": "Missing or invalid token",
			"502": "Upstream unreachable",
		}),
	}
}

func envelopeResponses(byStatus map[string]string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	for status, desc := range byStatus {
		d := desc
		responses.Set(status, &openapi3.ResponseRef{
			Value: &openapi3.Response{Description: &d},
		})
	}
	return responses
}

func schemaRef(typ string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{typ}}}
}

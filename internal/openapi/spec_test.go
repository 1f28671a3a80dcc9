package openapi

import (
	"encoding/json"
	"testing"
)

func TestSpecCoversBrokerSurface(t *testing.T) {
	doc := Spec("1.0.0", "http://localhost:3003")

	for _, path := range []string{
		"/get-jwt",
		"/upstream/models",
		"/upstream/completions",
		"/upstream/files",
		"/healthz",
		"/readyz",
	} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("spec missing path %s", path)
		}
	}

	if doc.Paths.Find("/get-jwt").Post == nil {
		t.Error("/get-jwt should document POST")
	}
	if doc.Components.SecuritySchemes["bearerAuth"] == nil {
		t.Error("bearerAuth scheme missing")
	}

	// The document must serialize cleanly; it is served verbatim.
	if _, err := json.Marshal(doc); err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
}

package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

// Paths served outside the documented API.
var uncheckedPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/version": true,
}

// OpenAPIValidator checks API exchanges against api/openapi/openapi.yaml.
type OpenAPIValidator struct {
	router routers.Router
}

// LoadOpenAPIValidator loads and validates the OpenAPI document at specPath.
func LoadOpenAPIValidator(specPath string) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI document from %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate OpenAPI document: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create OpenAPI router: %w", err)
	}
	return &OpenAPIValidator{router: router}, nil
}

func skipped(path string) bool {
	// The live endpoint is a WebSocket upgrade.
	return uncheckedPaths[path] || strings.HasSuffix(path, "/live")
}

// Check validates the request that was sent and the response that came back.
// Failures are reported with t.Errorf. resp.Body is left readable.
func (v *OpenAPIValidator) Check(t *testing.T, method, path string, header http.Header, reqBody []byte, resp *http.Response) {
	t.Helper()
	if skipped(path) {
		return
	}

	// The router matches on the path alone; the document has no servers block.
	req, err := http.NewRequest(method, path, bytes.NewReader(reqBody))
	if err != nil {
		t.Errorf("OpenAPI: build request: %v", err)
		return
	}
	req.Header = header.Clone()

	route, params, err := v.router.FindRoute(req)
	if err != nil {
		t.Errorf("OpenAPI: no route for %s %s: %v", method, path, err)
		return
	}

	ctx := context.Background()
	input := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: params,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	if err := openapi3filter.ValidateRequest(ctx, input); err != nil {
		t.Errorf("OpenAPI: request %s %s does not match contract: %v", method, path, err)
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		t.Errorf("OpenAPI: read response body: %v", err)
		return
	}

	err = openapi3filter.ValidateResponse(ctx, &openapi3filter.ResponseValidationInput{
		RequestValidationInput: input,
		Status:                 resp.StatusCode,
		Header:                 resp.Header,
		Body:                   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	})
	if err != nil {
		t.Errorf("OpenAPI: response to %s %s (status %d) does not match contract:\n%s\nbody: %s",
			method, path, resp.StatusCode, clip(err.Error(), 500), clip(strings.TrimSpace(string(body)), 200))
	}
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

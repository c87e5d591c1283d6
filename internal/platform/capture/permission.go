package capture

import (
	"net/http"
	"strings"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

// PermissionResolver maps an inbound request onto the permission the gate
// evaluates: an explicit override for the route, else resource:verb.
type PermissionResolver struct {
	overrides  map[string]string
	classifier *hipaa.Classifier
}

// DefaultPermissionOverrides covers routes whose permission is not the
// plain resource:verb pair.
func DefaultPermissionOverrides() map[string]string {
	return map[string]string{
		"POST /api/v1/crypto/encrypt":                  "crypto:encrypt",
		"POST /api/v1/crypto/encrypt/batch":            "crypto:encrypt",
		"POST /api/v1/crypto/decrypt":                  "crypto:decrypt",
		"GET /api/v1/keys/:owner":                      "keys:read",
		"POST /api/v1/keys/:owner/rotate":              "keys:rotate",
		"GET /api/v1/audit/search":                     "audit:read",
		"GET /api/v1/audit/report":                     "audit:read",
		"GET /api/v1/audit/:id":                        "audit:read",
		"GET /api/v1/audit/:id/verify":                 "audit:read",
		"GET /api/v1/audit/export/csv":                 "audit:export",
		"GET /api/v1/audit/export/json":                "audit:export",
		"POST /api/v1/admin/retention/sweep":           "retention:sweep",
		"GET /api/v1/admin/retention/status":           "retention:read",
		"GET /api/v1/anomaly/sessions/:user/:session":  "anomaly:read",
		"POST /api/v1/disclosures":                     "disclosures:create",
		"GET /api/v1/disclosures/patients/:patient_id": "disclosures:read",
	}
}

func NewPermissionResolver(overrides map[string]string, classifier *hipaa.Classifier) *PermissionResolver {
	if overrides == nil {
		overrides = DefaultPermissionOverrides()
	}
	if classifier == nil {
		classifier = hipaa.NewClassifier(nil, nil, nil)
	}
	return &PermissionResolver{overrides: overrides, classifier: classifier}
}

// unknownResource names routes nothing resolves; only a "*" grant covers it.
const unknownResource = "unresolved"

// Resolve returns the permission for method on route (template) or path.
func (p *PermissionResolver) Resolve(method, route, path string) string {
	if perm, ok := p.overrides[method+" "+route]; ok {
		return perm
	}
	resource := ""
	if route != "" {
		resource, _ = p.classifier.ResourceForRoute(route)
	}
	if resource == "" {
		resource = p.classifier.Classify(path, hipaa.Null(), hipaa.Null()).ResourceType
	}
	if resource == "" {
		resource = unknownResource
	}
	return resource + ":" + verbFor(method, path)
}

func verbFor(method, path string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	if strings.Contains(strings.ToLower(path), "/export") {
		return "export"
	}
	return "read"
}

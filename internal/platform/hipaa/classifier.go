package hipaa

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UnknownPHIResource is the resource type recorded when PHI fields are found
// on a path that no route or keyword resolves.
const UnknownPHIResource = "unknown_phi_resource"

// FieldMatch is one PHI field found in a payload.
type FieldMatch struct {
	Path     string      `json:"path"`
	Category PHICategory `json:"category"`
	Type     FieldType   `json:"type"`
	Source   string      `json:"source"`
}

// Classification is the classifier's verdict for one operation.
type Classification struct {
	ResourceType   string       `json:"resource_type"`
	Fields         []FieldMatch `json:"fields,omitempty"`
	PHIDetected    bool         `json:"phi_detected"`
	PatientIDs     []string     `json:"patient_ids,omitempty"`
	ResourceIDs    []string     `json:"resource_ids,omitempty"`
	RuleSetVersion string       `json:"rule_set_version"`
}

// RouteResource binds a route (template or concrete) to a resource type.
type RouteResource struct {
	Route        string
	ResourceType string
	PHI          bool
}

// KeywordResource infers a resource type from a path segment keyword.
type KeywordResource struct {
	Keyword      string
	ResourceType string
}

// DefaultRouteResources is the static route map for the clinical API.
func DefaultRouteResources() []RouteResource {
	return []RouteResource{
		{"/api/v1/patients", "patients", true},
		{"/api/v1/patients/:id", "patients", true},
		{"/api/v1/patients/:id/notes", FreeTextResourceType, true},
		{"/api/v1/notes", FreeTextResourceType, true},
		{"/api/v1/notes/:id", FreeTextResourceType, true},
		{"/api/v1/encounters", "encounters", true},
		{"/api/v1/encounters/:id", "encounters", true},
		{"/api/v1/medications", "medications", true},
		{"/api/v1/medications/:id", "medications", true},
		{"/api/v1/labs", "lab_results", true},
		{"/api/v1/labs/:id", "lab_results", true},
		{"/api/v1/billing/claims", "billing", true},
		{"/api/v1/billing/claims/:id", "billing", true},
		{"/api/v1/consents", "consents", true},
		{"/api/v1/consents/:id", "consents", true},
		{"/api/v1/disclosures", DisclosureResourceType, true},
		{"/api/v1/disclosures/patients/:patient_id", DisclosureResourceType, true},
		{"/api/v1/appointments", "appointments", false},
		{"/api/v1/appointments/:id", "appointments", false},
		{"/api/v1/crypto/encrypt", ResourceTypeEncryption, false},
		{"/api/v1/crypto/encrypt/batch", ResourceTypeEncryption, false},
		{"/api/v1/crypto/decrypt", ResourceTypeEncryption, false},
		{"/api/v1/keys/:owner", "encryption_keys", false},
		{"/api/v1/keys/:owner/rotate", "encryption_keys", false},
		{"/api/v1/audit/search", "audit_log", false},
		{"/api/v1/audit/report", "audit_log", false},
		{"/api/v1/audit/export/csv", "audit_log", false},
		{"/api/v1/audit/export/json", "audit_log", false},
		{"/api/v1/audit/:id", "audit_log", false},
		{"/api/v1/audit/:id/verify", "audit_log", false},
		{"/api/v1/admin/retention/sweep", "retention", false},
		{"/api/v1/admin/retention/status", "retention", false},
		{"/api/v1/anomaly/sessions/:user/:session", "anomaly_sessions", false},
	}
}

// DefaultKeywordResources is evaluated in order; the first keyword contained
// in any path segment wins.
func DefaultKeywordResources() []KeywordResource {
	return []KeywordResource{
		{"patient", "patients"},
		{"note", FreeTextResourceType},
		{"encounter", "encounters"},
		{"medication", "medications"},
		{"prescription", "medications"},
		{"lab", "lab_results"},
		{"claim", "billing"},
		{"bill", "billing"},
		{"insurance", "billing"},
		{"consent", "consents"},
		{"appointment", "appointments"},
	}
}

// Classifier identifies PHI in request and response payloads. It is pure:
// the same inputs always produce the same Classification.
type Classifier struct {
	routes   map[string]RouteResource
	keywords []KeywordResource
	rules    []PHIFieldRule
	phiTypes map[string]bool
}

// NewClassifier builds a classifier. Nil arguments select the defaults.
func NewClassifier(routes []RouteResource, keywords []KeywordResource, rules []PHIFieldRule) *Classifier {
	if routes == nil {
		routes = DefaultRouteResources()
	}
	if keywords == nil {
		keywords = DefaultKeywordResources()
	}
	if rules == nil {
		rules = DefaultPHIFieldRules()
	}
	c := &Classifier{
		routes:   make(map[string]RouteResource, len(routes)),
		keywords: keywords,
		rules:    rules,
		phiTypes: map[string]bool{UnknownPHIResource: true},
	}
	for _, r := range routes {
		c.routes[r.Route] = r
		if r.PHI {
			c.phiTypes[r.ResourceType] = true
		}
	}
	return c
}

// IsPHIResource reports whether resourceType always carries PHI.
func (c *Classifier) IsPHIResource(resourceType string) bool {
	return c.phiTypes[resourceType]
}

// ResourceForRoute resolves a registered route template directly.
func (c *Classifier) ResourceForRoute(route string) (string, bool) {
	r, ok := c.routes[route]
	return r.ResourceType, ok
}

// Classify inspects the path and both payloads.
func (c *Classifier) Classify(path string, request, response Value) Classification {
	out := Classification{RuleSetVersion: PHIRuleSetVersion}
	w := &walker{rules: c.rules}

	w.source = "request"
	w.walk("", request)
	w.source = "response"
	w.walk("", response)

	out.Fields = w.fields
	out.PHIDetected = len(w.fields) > 0
	out.ResourceType = c.resolve(path)

	if id := trailingID(path); id != "" {
		w.resourceIDs = append(w.resourceIDs, id)
		if out.ResourceType == IdentityResourceType {
			w.patientIDs = append(w.patientIDs, id)
		}
	}
	if out.ResourceType == "" && out.PHIDetected {
		out.ResourceType = UnknownPHIResource
	}

	out.PatientIDs = sortedUnique(w.patientIDs)
	out.ResourceIDs = sortedUnique(w.resourceIDs)
	return out
}

func (c *Classifier) resolve(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if r, ok := c.routes[path]; ok {
		return r.ResourceType
	}
	if id := trailingID(path); id != "" {
		base := path[:len(path)-len(id)-1]
		if r, ok := c.routes[base]; ok {
			return r.ResourceType
		}
		if r, ok := c.routes[base+"/:id"]; ok {
			return r.ResourceType
		}
	}

	segments := strings.Split(strings.ToLower(path), "/")
	for _, kw := range c.keywords {
		for _, seg := range segments {
			if strings.HasPrefix(seg, ":") || IsIDLike(seg) {
				continue
			}
			if strings.Contains(seg, kw.Keyword) {
				return kw.ResourceType
			}
		}
	}
	return ""
}

// walker accumulates matches during one traversal.
type walker struct {
	rules       []PHIFieldRule
	source      string
	fields      []FieldMatch
	patientIDs  []string
	resourceIDs []string
}

func (w *walker) walk(path string, v Value) {
	switch v.Kind() {
	case KindArray:
		for i, item := range v.Items() {
			w.walk(path+"["+strconv.Itoa(i)+"]", item)
		}
	case KindObject:
		w.collectIDs(v)
		for _, key := range v.Keys() {
			child, _ := v.Field(key)
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if m, ok := w.match(childPath, key, child); ok {
				// a matched container reports its own PHI leaves when it has any
				if k := child.Kind(); k == KindObject || k == KindArray {
					before := len(w.fields)
					w.walk(childPath, child)
					if len(w.fields) > before {
						continue
					}
				}
				w.fields = append(w.fields, m)
				continue
			}
			w.walk(childPath, child)
		}
	}
}

func (w *walker) match(path, key string, v Value) (FieldMatch, bool) {
	name, typ := normalizeFieldName(key)
	for _, r := range w.rules {
		if !r.Pattern.MatchString(name) {
			continue
		}
		if v.Kind() == KindNull {
			return FieldMatch{}, false
		}
		if s, ok := v.Text(); ok && typ == FieldPlaintext && strings.HasPrefix(s, encryptedValuePrefix) {
			typ = FieldEncrypted
		}
		return FieldMatch{Path: path, Category: r.Category, Type: typ, Source: w.source}, true
	}
	return FieldMatch{}, false
}

var patientKeys = []string{"patient_id", "patientId", "patient"}

func (w *walker) collectIDs(obj Value) {
	for _, k := range patientKeys {
		if f, ok := obj.Field(k); ok {
			if s, ok := f.Text(); ok && s != "" {
				w.patientIDs = append(w.patientIDs, s)
			}
		}
	}
	idVal, ok := obj.Field("id")
	if !ok {
		return
	}
	id, ok := idVal.Text()
	if !ok || id == "" {
		return
	}
	if looksLikePatient(obj) {
		w.patientIDs = append(w.patientIDs, id)
		return
	}
	w.resourceIDs = append(w.resourceIDs, id)
}

func looksLikePatient(obj Value) bool {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if f, ok := obj.Field(k); ok && f.Kind() != KindNull {
				return true
			}
		}
		return false
	}
	return has("first_name", "firstName", "given_name", "givenName") &&
		has("last_name", "lastName", "family_name", "familyName")
}

var prefixedID = regexp.MustCompile(`^[A-Za-z]{1,4}[-_]?\d{2,}$`)

// IsIDLike reports whether a path segment is an identifier rather than a
// collection name: a UUID, an integer, or a short prefix followed by two or
// more digits.
func IsIDLike(s string) bool {
	if s == "" {
		return false
	}
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	if _, err := strconv.ParseUint(s, 10, 64); err == nil {
		return true
	}
	return prefixedID.MatchString(s)
}

// trailingID returns the last path segment when it is id-like.
func trailingID(path string) string {
	path = strings.TrimSuffix(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	seg := path[i+1:]
	if IsIDLike(seg) {
		return seg
	}
	return ""
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

package capture

import (
	"net/http"
	"strings"
	"time"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Config carries the pipeline's tunables.
type Config struct {
	FailClosedTimeout time.Duration
	// Location is the zone used for after-hours detection.
	Location  *time.Location
	Retention *hipaa.RetentionPolicies
}

const defaultFailClosedTimeout = 5 * time.Second

func (c Config) withDefaults() Config {
	if c.FailClosedTimeout <= 0 {
		c.FailClosedTimeout = defaultFailClosedTimeout
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Retention == nil {
		c.Retention = hipaa.NewRetentionPolicies(0, hipaa.DefaultRetentionPolicies())
	}
	return c
}

// sensitiveResources hold security metadata rather than patient data.
var sensitiveResources = map[string]bool{
	hipaa.ResourceTypeEncryption: true,
	"encryption_keys":            true,
	"audit_log":                  true,
	"retention":                  true,
	"anomaly_sessions":           true,
}

func classify(resourceType string, phi bool) hipaa.DataClassification {
	switch {
	case phi:
		return hipaa.ClassificationPHI
	case sensitiveResources[resourceType]:
		return hipaa.ClassificationSensitive
	default:
		return hipaa.ClassificationPII
	}
}

// deriveAction maps the method and shape of an operation onto an audit verb.
func deriveAction(op Operation, body hipaa.Value) hipaa.Action {
	if op.Action != "" {
		return op.Action
	}
	path := strings.ToLower(op.Path)
	bulk := strings.Contains(path, "/bulk") || (body.Kind() == hipaa.KindArray && len(body.Items()) > 1)

	switch op.Method {
	case http.MethodGet, http.MethodHead:
		if strings.Contains(path, "/export") {
			return hipaa.ActionExport
		}
		if bulk {
			return hipaa.ActionBulkRead
		}
		if hasTrailingParam(op) {
			return hipaa.ActionRead
		}
		return hipaa.ActionSearch
	case http.MethodPost:
		if bulk {
			return hipaa.ActionBulkCreate
		}
		return hipaa.ActionCreate
	case http.MethodPut, http.MethodPatch:
		if bulk {
			return hipaa.ActionBulkUpdate
		}
		return hipaa.ActionUpdate
	case http.MethodDelete:
		if bulk {
			return hipaa.ActionBulkDelete
		}
		return hipaa.ActionDelete
	}
	return hipaa.ActionRead
}

func hasTrailingParam(op Operation) bool {
	if op.Route != "" {
		i := strings.LastIndexByte(op.Route, '/')
		return i >= 0 && strings.HasPrefix(op.Route[i+1:], ":")
	}
	path := strings.TrimSuffix(op.Path, "/")
	i := strings.LastIndexByte(path, '/')
	return i >= 0 && hipaa.IsIDLike(path[i+1:])
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// details builds one PHIAccessDetail per distinct field path.
func details(fields []hipaa.FieldMatch, patientIDs []string, justification string) []hipaa.PHIAccessDetail {
	if len(fields) == 0 {
		return nil
	}
	patient := ""
	if len(patientIDs) == 1 {
		patient = patientIDs[0]
	}
	seen := make(map[string]bool, len(fields))
	out := make([]hipaa.PHIAccessDetail, 0, len(fields))
	for _, f := range fields {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		out = append(out, hipaa.PHIAccessDetail{
			FieldName:     f.Path,
			FieldType:     f.Type,
			PatientID:     patient,
			Justification: justification,
		})
	}
	return out
}

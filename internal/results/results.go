// Package results converts raw scan findings into the paginated, filtered,
// field-projected line format returned to API clients.
//
// Output is a sequence of JSON lines: one schema line, one metadata line,
// one line per record on the requested page and a trailing pagination line.
package results

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
)

// Record is a single raw finding as returned by a scanner backend.
type Record map[string]any

// Profile is a named field projection.
type Profile string

const (
	ProfileMinimal Profile = "minimal"
	ProfileSummary Profile = "summary"
	ProfileBrief   Profile = "brief"
	ProfileFull    Profile = "full"
)

// DefaultPageSize is used when a page is requested without a page size.
const DefaultPageSize = 50

var profileFields = map[Profile][]string{
	ProfileMinimal: {"host", "port", "plugin_id", "severity"},
	ProfileSummary: {"host", "port", "protocol", "plugin_id", "plugin_name", "severity", "cvss_score"},
	ProfileBrief: {
		"host", "port", "protocol", "plugin_id", "plugin_name", "plugin_family",
		"severity", "cvss_score", "cvss3_score", "cve", "synopsis", "exploit_available",
	},
	ProfileFull: nil,
}

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profileFields[p]; !ok {
		return "", errors.ErrValidation(fmt.Sprintf("unknown schema profile %q", s))
	}
	return p, nil
}

// Options selects fields, filters and the page of a projection.
type Options struct {
	Profile      string
	CustomFields []string
	Filters      map[string]string
	Page         int
	PageSize     int
}

// Metadata summarizes the task the records belong to.
type Metadata struct {
	TaskID          string     `json:"task_id"`
	TraceID         string     `json:"trace_id,omitempty"`
	Name            string     `json:"name,omitempty"`
	Targets         string     `json:"targets,omitempty"`
	Status          string     `json:"status"`
	ScannerInstance string     `json:"scanner_instance,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type schemaLine struct {
	Type    string            `json:"type"`
	Profile string            `json:"profile,omitempty"`
	Fields  []string          `json:"fields"`
	Filters map[string]string `json:"filters"`
}

type metadataLine struct {
	Type string `json:"type"`
	Metadata
	TotalRecords int `json:"total_records"`
}

// Pagination is the trailing summary line.
type Pagination struct {
	Type     string `json:"type"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	HasMore  bool   `json:"has_more"`
}

// Project filters, sorts, paginates and projects records.
func Project(meta Metadata, records []Record, opts Options) ([]string, error) {
	fields, profile, err := resolveFields(opts)
	if err != nil {
		return nil, err
	}
	if opts.Page < 0 || opts.PageSize < 0 {
		return nil, errors.ErrValidation("page and page_size must not be negative")
	}

	filters, applied := compileFilters(opts.Filters)

	matched := make([]Record, 0, len(records))
	for _, r := range records {
		if matchesAll(r, filters) {
			matched = append(matched, r)
		}
	}
	sortRecords(matched)

	page := paginate(matched, opts.Page, opts.PageSize)

	lines := make([]string, 0, len(page.records)+3)

	schemaFields := fields
	if schemaFields == nil {
		schemaFields = []string{"*"}
	}
	if err := appendJSON(&lines, schemaLine{
		Type: "schema", Profile: string(profile), Fields: schemaFields, Filters: applied,
	}); err != nil {
		return nil, err
	}
	if err := appendJSON(&lines, metadataLine{
		Type: "metadata", Metadata: meta, TotalRecords: len(records),
	}); err != nil {
		return nil, err
	}
	for _, r := range page.records {
		if err := appendJSON(&lines, project(r, fields)); err != nil {
			return nil, err
		}
	}
	if err := appendJSON(&lines, page.summary); err != nil {
		return nil, err
	}
	return lines, nil
}

// Render joins projected lines into a newline-delimited document.
func Render(lines []string) string {
	return strings.Join(lines, "\n")
}

// resolveFields returns nil fields for an unrestricted projection.
func resolveFields(opts Options) ([]string, Profile, error) {
	custom := make([]string, 0, len(opts.CustomFields))
	seen := make(map[string]struct{}, len(opts.CustomFields))
	for _, f := range opts.CustomFields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		custom = append(custom, f)
	}

	hasProfile := strings.TrimSpace(opts.Profile) != ""
	if hasProfile && len(custom) > 0 {
		return nil, "", errors.ErrMutuallyExclusive("schema_profile", "custom_fields")
	}
	if len(custom) > 0 {
		return custom, "", nil
	}
	if !hasProfile {
		return nil, ProfileFull, nil
	}

	profile, err := ParseProfile(opts.Profile)
	if err != nil {
		return nil, "", err
	}
	return profileFields[profile], profile, nil
}

func project(r Record, fields []string) Record {
	if fields == nil {
		return r
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

type pageResult struct {
	records []Record
	summary Pagination
}

func paginate(matched []Record, page, pageSize int) pageResult {
	total := len(matched)
	if page == 0 {
		return pageResult{
			records: matched,
			summary: Pagination{Type: "pagination", Total: total, Page: 0, PageSize: total},
		}
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return pageResult{
		records: matched[start:end],
		summary: Pagination{
			Type: "pagination", Total: total, Page: page, PageSize: pageSize, HasMore: end < total,
		},
	}
}

func appendJSON(lines *[]string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapTaskError(errors.CodeUnknown, "failed to encode result line", "", err)
	}
	*lines = append(*lines, string(data))
	return nil
}

var severityRank = map[string]float64{
	"info": 0, "none": 0, "low": 1, "medium": 2, "high": 3, "critical": 4,
}

func severityOf(r Record) float64 {
	v := r["severity"]
	if s, ok := v.(string); ok {
		if rank, ok := severityRank[strings.ToLower(s)]; ok {
			return rank
		}
	}
	f, _ := toFloat(v)
	return f
}

// sortRecords orders by severity descending, then host, port and plugin id
// ascending so pages are stable across calls.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if sa, sb := severityOf(a), severityOf(b); sa != sb {
			return sa > sb
		}
		if ha, hb := fmt.Sprint(a["host"]), fmt.Sprint(b["host"]); ha != hb {
			return ha < hb
		}
		pa, _ := toFloat(a["port"])
		pb, _ := toFloat(b["port"])
		if pa != pb {
			return pa < pb
		}
		ia, _ := toFloat(a["plugin_id"])
		ib, _ := toFloat(b["plugin_id"])
		return ia < ib
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

package results

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanqueue/internal/errors"
)

func sampleRecords(n int) []Record {
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record{
			"host":              fmt.Sprintf("10.0.0.%d", i%5),
			"port":              float64(20 + i),
			"protocol":          "tcp",
			"plugin_id":         float64(10000 + i),
			"plugin_name":       fmt.Sprintf("Plugin %d", i),
			"plugin_family":     "General",
			"severity":          float64(i % 5),
			"cvss_score":        float64(i%10) + 0.5,
			"cvss3_score":       float64(i % 10),
			"cve":               []any{fmt.Sprintf("CVE-2024-%04d", i)},
			"synopsis":          "The remote host is affected by a vulnerability.",
			"description":       "A long description of the finding that only the full profile returns.",
			"solution":          "Upgrade to the latest version.",
			"plugin_output":     "Installed version : 1.0\nFixed version : 1.1",
			"exploit_available": i%2 == 0,
		})
	}
	return records
}

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &out))
	return out
}

func TestProjectLineLayout(t *testing.T) {
	lines, err := Project(Metadata{TaskID: "t-1", Status: "COMPLETED"}, sampleRecords(3), Options{Profile: "minimal"})
	require.NoError(t, err)
	require.Len(t, lines, 6)

	schema := decode(t, lines[0])
	assert.Equal(t, "schema", schema["type"])
	assert.Equal(t, "minimal", schema["profile"])
	assert.ElementsMatch(t, []any{"host", "port", "plugin_id", "severity"}, schema["fields"])

	meta := decode(t, lines[1])
	assert.Equal(t, "metadata", meta["type"])
	assert.Equal(t, "t-1", meta["task_id"])
	assert.Equal(t, float64(3), meta["total_records"])

	rec := decode(t, lines[2])
	assert.Len(t, rec, 4)
	assert.NotContains(t, rec, "description")

	pag := decode(t, lines[5])
	assert.Equal(t, "pagination", pag["type"])
	assert.Equal(t, float64(3), pag["total"])
	assert.Equal(t, false, pag["has_more"])
}

func TestProfileAndCustomFieldsAreExclusive(t *testing.T) {
	_, err := Project(Metadata{}, sampleRecords(1), Options{Profile: "brief", CustomFields: []string{"host"}})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestUnknownProfile(t *testing.T) {
	_, err := Project(Metadata{}, sampleRecords(1), Options{Profile: "everything"})
	assert.True(t, errors.IsValidation(err))
}

func TestMinimalSmallerThanFull(t *testing.T) {
	records := sampleRecords(10)

	minimal, err := Project(Metadata{TaskID: "t"}, records, Options{Profile: "minimal"})
	require.NoError(t, err)
	full, err := Project(Metadata{TaskID: "t"}, records, Options{Profile: "full"})
	require.NoError(t, err)

	assert.Less(t, len(Render(minimal)), len(Render(full)))
}

func TestCustomFields(t *testing.T) {
	lines, err := Project(Metadata{}, sampleRecords(2), Options{CustomFields: []string{"host", " host", "solution", ""}})
	require.NoError(t, err)

	schema := decode(t, lines[0])
	assert.Equal(t, []any{"host", "solution"}, schema["fields"])
	rec := decode(t, lines[2])
	assert.Len(t, rec, 2)
}

func TestPagination(t *testing.T) {
	records := sampleRecords(25)
	expected := []struct {
		page    int
		count   int
		hasMore bool
	}{
		{1, 10, true},
		{2, 10, true},
		{3, 5, false},
	}

	seen := make(map[float64]bool)
	for _, tt := range expected {
		t.Run(fmt.Sprintf("page %d", tt.page), func(t *testing.T) {
			lines, err := Project(Metadata{}, records, Options{Page: tt.page, PageSize: 10})
			require.NoError(t, err)
			assert.Len(t, lines, tt.count+3)

			pag := decode(t, lines[len(lines)-1])
			assert.Equal(t, tt.hasMore, pag["has_more"])
			assert.Equal(t, float64(25), pag["total"])

			for _, l := range lines[2 : len(lines)-1] {
				id := decode(t, l)["plugin_id"].(float64)
				assert.False(t, seen[id], "record repeated across pages")
				seen[id] = true
			}
		})
	}
}

func TestPageZeroReturnsAll(t *testing.T) {
	lines, err := Project(Metadata{}, sampleRecords(25), Options{Page: 0, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, lines, 28)
}

func TestPageBeyondEnd(t *testing.T) {
	lines, err := Project(Metadata{}, sampleRecords(5), Options{Page: 4, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, lines, 3)
}

func TestSortOrder(t *testing.T) {
	records := []Record{
		{"host": "b", "port": 80, "plugin_id": 2, "severity": 1},
		{"host": "a", "port": 443, "plugin_id": 1, "severity": 4},
		{"host": "a", "port": 22, "plugin_id": 3, "severity": 1},
		{"host": "a", "port": 22, "plugin_id": 1, "severity": "Low"},
	}
	lines, err := Project(Metadata{}, records, Options{CustomFields: []string{"host", "port", "plugin_id"}})
	require.NoError(t, err)

	got := make([]string, 0, 4)
	for _, l := range lines[2:6] {
		r := decode(t, l)
		got = append(got, fmt.Sprintf("%v:%v:%v", r["host"], r["port"], r["plugin_id"]))
	}
	assert.Equal(t, []string{"a:443:1", "a:22:1", "a:22:3", "b:80:2"}, got)
}

func TestFilters(t *testing.T) {
	records := sampleRecords(20)

	tests := []struct {
		name    string
		filters map[string]string
		check   func(t *testing.T, r map[string]any)
	}{
		{
			name:    "numeric greater or equal",
			filters: map[string]string{"severity": ">=3"},
			check: func(t *testing.T, r map[string]any) {
				assert.GreaterOrEqual(t, r["severity"].(float64), 3.0)
			},
		},
		{
			name:    "bare number is equality",
			filters: map[string]string{"severity": "2"},
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, 2.0, r["severity"])
			},
		},
		{
			name:    "string substring is case-sensitive",
			filters: map[string]string{"plugin_name": "Plugin 1"},
			check: func(t *testing.T, r map[string]any) {
				assert.Contains(t, r["plugin_name"], "Plugin 1")
			},
		},
		{
			name:    "boolean equality",
			filters: map[string]string{"exploit_available": "true"},
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, true, r["exploit_available"])
			},
		},
		{
			name:    "list membership",
			filters: map[string]string{"cve": "CVE-2024-0007"},
			check: func(t *testing.T, r map[string]any) {
				assert.Equal(t, float64(10007), r["plugin_id"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := Project(Metadata{}, records, Options{Filters: tt.filters})
			require.NoError(t, err)
			require.Greater(t, len(lines), 3, "filter should match at least one record")

			schema := decode(t, lines[0])
			assert.Len(t, schema["filters"], len(tt.filters))

			for _, l := range lines[2 : len(lines)-1] {
				tt.check(t, decode(t, l))
			}
		})
	}

	t.Run("lowercase substring misses", func(t *testing.T) {
		lines, err := Project(Metadata{}, records, Options{Filters: map[string]string{"plugin_name": "plugin"}})
		require.NoError(t, err)
		assert.Len(t, lines, 3)
	})

	t.Run("empty filter values are not applied", func(t *testing.T) {
		lines, err := Project(Metadata{}, records, Options{Filters: map[string]string{"host": " "}})
		require.NoError(t, err)
		assert.Len(t, lines, 23)
		assert.Empty(t, decode(t, lines[0])["filters"])
	})

	t.Run("missing field excludes record", func(t *testing.T) {
		lines, err := Project(Metadata{}, records, Options{Filters: map[string]string{"see_also": "x"}})
		require.NoError(t, err)
		assert.Len(t, lines, 3)
	})
}

func TestNegativePaging(t *testing.T) {
	_, err := Project(Metadata{}, nil, Options{Page: -1})
	assert.True(t, errors.IsValidation(err))
}

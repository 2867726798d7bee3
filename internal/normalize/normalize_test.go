package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsentry/internal/model"
)

func TestDecodeAgentPayload(t *testing.T) {
	payload := `{
		"vmId": "vm-42",
		"hostname": "web-01",
		"timestamp": 1740830400000,
		"cpu": {"usage": 91.5, "cores": [90, 93, 88, 95]},
		"memory": {"total": 8000, "used": 6000, "percent": 75},
		"swap": {"total": 1000, "used": 10, "percent": 1},
		"disk": {"total": 100, "used": 97, "percent": 97, "inodesPercent": 12.5, "ioWait": 3.2},
		"loadAverage": [3.1, 2.0, 1.5],
		"services": {
			"nginx": {"state": "down", "checks": {"http": {"passed": false, "message": "refused"}}},
			"redis": "healthy"
		},
		"processes": [{"pid": 1, "name": "init", "cpu_percent": 0.1, "memoryPercent": 0.2}]
	}`
	res, err := Decode([]byte(payload), "rest")
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)

	s := res.Sample
	assert.Equal(t, "vm-42", s.EntityID)
	assert.Equal(t, "web-01", s.DisplayName)
	assert.Equal(t, "rest", s.Source)
	assert.Equal(t, time.UnixMilli(1740830400000).UTC(), s.Timestamp)
	require.NotNil(t, s.CPU)
	assert.Equal(t, 91.5, s.CPU.Usage)
	assert.Equal(t, 4, s.CoreCount, "core count falls back to per-core readings")
	require.NotNil(t, s.Disk)
	require.NotNil(t, s.Disk.InodesPercent)
	assert.Equal(t, 12.5, *s.Disk.InodesPercent)
	require.NotNil(t, s.Disk.IOWait)
	assert.Equal(t, []float64{3.1, 2.0, 1.5}, s.LoadAverage)
	assert.Equal(t, model.ServiceDown, s.Services["nginx"].State)
	assert.False(t, s.Services["nginx"].Checks["http"].Passed)
	assert.Equal(t, model.ServiceHealthy, s.Services["redis"].State)
	require.Len(t, s.Processes, 1)
	assert.Equal(t, 0.2, s.Processes[0].MemoryPercent)
}

func TestSnakeAndCamelCaseAreEquivalent(t *testing.T) {
	camel, err := Decode([]byte(`{"vmId":"a","coreCount":8,"loadAverage":[1],"disk":{"percent":1,"inodesPercent":2,"ioWait":3}}`), "")
	require.NoError(t, err)
	snake, err := Decode([]byte(`{"vm_id":"a","core_count":8,"load_average":[1],"disk":{"percent":1,"inodes_percent":2,"io_wait":3}}`), "")
	require.NoError(t, err)
	assert.Equal(t, camel.Sample, snake.Sample)
}

func TestMalformedFieldsAreSkipped(t *testing.T) {
	payload := `{
		"vm_id": "vm-1",
		"timestamp": "yesterday",
		"cpu": {"usage": "high"},
		"memory": {"percent": 50},
		"disk": {"percent": 40, "inodes_percent": "n/a"},
		"load_average": [1, "x"],
		"core_count": 2.5,
		"services": {"nginx": 3}
	}`
	res, err := Decode([]byte(payload), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"timestamp", "cpu.usage", "disk.inodes_percent", "load_average", "core_count", "services.nginx",
	}, res.Skipped)

	s := res.Sample
	assert.Nil(t, s.CPU)
	require.NotNil(t, s.Memory)
	assert.Equal(t, 50.0, s.Memory.Percent)
	require.NotNil(t, s.Disk)
	assert.Nil(t, s.Disk.InodesPercent)
	assert.True(t, s.Timestamp.IsZero())
	assert.Empty(t, s.LoadAverage)
}

func TestMissingEntityIsRejected(t *testing.T) {
	_, err := Decode([]byte(`{"cpu":{"usage":10}}`), "")
	assert.ErrorIs(t, err, ErrMissingEntity)

	_, err = Decode([]byte(`[1,2]`), "")
	assert.Error(t, err)
}

func TestDisplayNameDropsControlCharacters(t *testing.T) {
	res, err := Decode([]byte(`{"vmId":"vm-1","hostname":"web-01\r\nBcc: x@example.net\t"}`), "")
	require.NoError(t, err)
	assert.Equal(t, "web-01  Bcc: x@example.net", res.Sample.DisplayName)
}

func TestDecodeBatch(t *testing.T) {
	list, err := DecodeBatch([]byte(` [{"vmId":"a"},{"vmId":"b"}]`))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = DecodeBatch([]byte(`{"vmId":"a"}`))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = DecodeBatch([]byte("  "))
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"1700000000":                time.Unix(1700000000, 0).UTC(),
		"1700000000123":             time.UnixMilli(1700000000123).UTC(),
		"1700000000.5":              time.Unix(1700000000, 500000000).UTC(),
		"2024-03-01T10:00:00Z":      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		"2024-03-01 10:00:00":       time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		"2024-03-01T15:30:00+05:30": time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in, time.UTC)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}
	_, err := ParseTimestamp("not a time", time.UTC)
	assert.Error(t, err)
}

func TestParseState(t *testing.T) {
	assert.Equal(t, model.ServiceDown, ParseState("FAILED"))
	assert.Equal(t, model.ServiceDegraded, ParseState(" degraded "))
	assert.Equal(t, model.ServiceHealthy, ParseState("running"))
	assert.Equal(t, model.ServiceUnknown, ParseState("rebooting"))
}

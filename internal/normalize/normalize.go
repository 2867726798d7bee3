package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"vmsentry/internal/model"
)

var ErrMissingEntity = errors.New("sample has no entity id")

// Result is a normalized sample plus the names of fields that were present
// but malformed and therefore dropped.
type Result struct {
	Sample  model.MetricSample
	Skipped []string
}

// Decode parses one JSON sample document.
func Decode(data []byte, source string) (Result, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return Result{}, err
	}
	return Sample(obj, source)
}

// DecodeBatch parses either a single sample object or an array of them.
func DecodeBatch(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}
	if trimmed[0] != '[' {
		obj, err := decodeObject(trimmed)
		if err != nil {
			return nil, err
		}
		return []map[string]any{obj}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var list []map[string]any
	if err := dec.Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("sample is not an object")
	}
	return obj, nil
}

// fields indexes an object by a canonical key: lower case without
// underscores, so vmId, vm_id and VMID are the same field.
type fields map[string]any

func canon(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", ""))
}

func index(obj map[string]any) fields {
	f := make(fields, len(obj))
	for k, v := range obj {
		f[canon(k)] = v
	}
	return f
}

func (f fields) get(names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := f[canon(n)]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

type collector struct {
	prefix  string
	skipped *[]string
}

func (c collector) skip(field string) {
	if c.prefix != "" {
		field = c.prefix + "." + field
	}
	*c.skipped = append(*c.skipped, field)
}

// Sample maps a decoded agent document onto the canonical sample shape.
// Only a missing entity id is an error; every other bad field is dropped and
// listed in Result.Skipped.
func Sample(obj map[string]any, source string) (Result, error) {
	f := index(obj)
	var skipped []string
	root := collector{skipped: &skipped}

	entity, _ := f.get("vmId", "entityId", "id")
	entityID := strings.TrimSpace(toString(entity))
	if entityID == "" {
		return Result{}, ErrMissingEntity
	}
	s := model.MetricSample{EntityID: entityID, Source: source}
	if name, ok := f.get("hostname", "displayName", "name"); ok {
		s.DisplayName = printable(toString(name))
	}
	if s.DisplayName == "" {
		s.DisplayName = entityID
	}

	if raw, ok := f.get("timestamp", "ts", "time"); ok {
		ts, err := parseTimestampValue(raw)
		if err != nil {
			root.skip("timestamp")
		} else {
			s.Timestamp = ts
		}
	}

	if raw, ok := f.get("cpu"); ok {
		s.CPU = parseCPU(raw, collector{prefix: "cpu", skipped: &skipped})
	}
	if raw, ok := f.get("memory"); ok {
		if total, used, pct, ok := parseUsage(raw, collector{prefix: "memory", skipped: &skipped}); ok {
			s.Memory = &model.MemoryReading{Total: total, Used: used, Percent: pct}
		}
	}
	if raw, ok := f.get("swap"); ok {
		if total, used, pct, ok := parseUsage(raw, collector{prefix: "swap", skipped: &skipped}); ok {
			s.Swap = &model.SwapReading{Total: total, Used: used, Percent: pct}
		}
	}
	if raw, ok := f.get("disk"); ok {
		s.Disk = parseDisk(raw, collector{prefix: "disk", skipped: &skipped})
	}
	if raw, ok := f.get("loadAverage", "loadavg", "load"); ok {
		load, ok := toFloatList(raw)
		if !ok {
			root.skip("load_average")
		} else {
			s.LoadAverage = load
		}
	}
	if raw, ok := f.get("coreCount", "cores", "cpuCount"); ok {
		n, ok := toFloat(raw)
		if !ok || n < 0 || n != math.Trunc(n) {
			root.skip("core_count")
		} else {
			s.CoreCount = int(n)
		}
	}
	if s.CoreCount == 0 && s.CPU != nil {
		s.CoreCount = len(s.CPU.Cores)
	}
	if raw, ok := f.get("services"); ok {
		s.Services = parseServices(raw, collector{prefix: "services", skipped: &skipped})
	}
	if raw, ok := f.get("processes"); ok {
		s.Processes = parseProcesses(raw, root)
	}
	return Result{Sample: s, Skipped: skipped}, nil
}

func parseCPU(raw any, c collector) *model.CPUReading {
	obj, ok := raw.(map[string]any)
	if !ok {
		c.skip("usage")
		return nil
	}
	f := index(obj)
	v, _ := f.get("usage", "percent")
	usage, ok := toFloat(v)
	if !ok {
		c.skip("usage")
		return nil
	}
	reading := &model.CPUReading{Usage: usage}
	if raw, ok := f.get("cores"); ok {
		cores, ok := toFloatList(raw)
		if !ok {
			c.skip("cores")
		} else {
			reading.Cores = cores
		}
	}
	return reading
}

func parseUsage(raw any, c collector) (uint64, uint64, float64, bool) {
	obj, ok := raw.(map[string]any)
	if !ok {
		c.skip("percent")
		return 0, 0, 0, false
	}
	f := index(obj)
	v, _ := f.get("percent", "usage")
	pct, ok := toFloat(v)
	if !ok {
		c.skip("percent")
		return 0, 0, 0, false
	}
	total := toUint(f, "total")
	used := toUint(f, "used")
	return total, used, pct, true
}

// parseDisk needs a valid percent; the inode and I/O wait readings are
// optional and dropped independently.
func parseDisk(raw any, c collector) *model.DiskReading {
	total, used, pct, ok := parseUsage(raw, c)
	if !ok {
		return nil
	}
	d := &model.DiskReading{Total: total, Used: used, Percent: pct}
	f := index(raw.(map[string]any))
	if v, ok := f.get("inodesPercent", "inodes"); ok {
		if n, ok := toFloat(v); ok {
			d.InodesPercent = &n
		} else {
			c.skip("inodes_percent")
		}
	}
	if v, ok := f.get("ioWait", "iowait"); ok {
		if n, ok := toFloat(v); ok {
			d.IOWait = &n
		} else {
			c.skip("io_wait")
		}
	}
	return d
}

func parseServices(raw any, c collector) map[string]model.ServiceStatus {
	obj, ok := raw.(map[string]any)
	if !ok {
		c.skip("*")
		return nil
	}
	out := make(map[string]model.ServiceStatus, len(obj))
	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch v := obj[name].(type) {
		case string:
			out[name] = model.ServiceStatus{State: ParseState(v)}
		case map[string]any:
			f := index(v)
			state, _ := f.get("state", "status")
			st := model.ServiceStatus{State: ParseState(toString(state))}
			if checks, ok := f.get("checks"); ok {
				st.Checks = parseChecks(checks)
			}
			out[name] = st
		default:
			c.skip(name)
		}
	}
	return out
}

func parseChecks(raw any) map[string]model.CheckResult {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]model.CheckResult, len(obj))
	for name, v := range obj {
		switch check := v.(type) {
		case bool:
			out[name] = model.CheckResult{Passed: check}
		case map[string]any:
			f := index(check)
			passed, _ := f.get("passed", "ok")
			msg, _ := f.get("message", "msg")
			b, _ := passed.(bool)
			out[name] = model.CheckResult{Passed: b, Message: toString(msg)}
		}
	}
	return out
}

// ParseState maps agent state strings onto the known service states.
func ParseState(v string) model.ServiceState {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "healthy", "up", "running", "ok", "active":
		return model.ServiceHealthy
	case "degraded", "warning":
		return model.ServiceDegraded
	case "down", "failed", "stopped", "inactive", "dead":
		return model.ServiceDown
	}
	return model.ServiceUnknown
}

func parseProcesses(raw any, c collector) []model.Process {
	list, ok := raw.([]any)
	if !ok {
		c.skip("processes")
		return nil
	}
	out := make([]model.Process, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := index(obj)
		p := model.Process{}
		if v, ok := f.get("pid"); ok {
			if n, ok := toFloat(v); ok {
				p.PID = int(n)
			}
		}
		if v, ok := f.get("name"); ok {
			p.Name = toString(v)
		}
		if v, ok := f.get("cpuPercent"); ok {
			p.CPUPercent, _ = toFloat(v)
		}
		if v, ok := f.get("memoryPercent"); ok {
			p.MemoryPercent, _ = toFloat(v)
		}
		out = append(out, p)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func toFloatList(v any) ([]float64, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		n, ok := toFloat(item)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func toUint(f fields, name string) uint64 {
	v, ok := f.get(name)
	if !ok {
		return 0
	}
	n, ok := toFloat(v)
	if !ok || n < 0 {
		return 0
	}
	return uint64(n)
}

// printable replaces control characters with spaces and trims the result.
func printable(v string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, v))
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func parseTimestampValue(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		return ParseTimestamp(x, time.UTC)
	case json.Number:
		return ParseTimestamp(x.String(), time.UTC)
	case float64:
		return ParseTimestamp(strconv.FormatInt(int64(x), 10), time.UTC)
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts unix seconds, unix milliseconds (13+ digits), or
// one of the RFC3339-like layouts. Layouts without a zone use loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dot := false
	for _, ch := range value {
		if ch == '.' && !dot {
			dot = true
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if i := strings.IndexByte(value, '.'); i >= 0 {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		if i >= 13 {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

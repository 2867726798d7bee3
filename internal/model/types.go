package model

import (
	"strings"
	"time"
)

type MetricKind string

const (
	MetricCPUUsage    MetricKind = "cpu_usage"
	MetricMemoryUsage MetricKind = "memory_usage"
	MetricDiskUsage   MetricKind = "disk_usage"
	MetricSwapUsage   MetricKind = "swap_usage"
	MetricLoadAverage MetricKind = "load_average"
	MetricDiskInodes  MetricKind = "disk_inodes"
	MetricDiskIOWait  MetricKind = "disk_io_wait"
)

const servicePrefix = "service_"

// NumericKinds lists the threshold-evaluated metrics in evaluation order.
var NumericKinds = []MetricKind{
	MetricCPUUsage,
	MetricMemoryUsage,
	MetricSwapUsage,
	MetricDiskUsage,
	MetricDiskInodes,
	MetricDiskIOWait,
	MetricLoadAverage,
}

func IsNumericKind(kind MetricKind) bool {
	for _, k := range NumericKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ServiceKind is the health channel name of a monitored service.
func ServiceKind(service string) MetricKind {
	return MetricKind(servicePrefix + service)
}

func (k MetricKind) IsService() bool {
	return strings.HasPrefix(string(k), servicePrefix)
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type ServiceState string

const (
	ServiceHealthy  ServiceState = "healthy"
	ServiceDegraded ServiceState = "degraded"
	ServiceDown     ServiceState = "down"
	ServiceUnknown  ServiceState = "unknown"
)

type CPUReading struct {
	Usage float64   `json:"usage"`
	Cores []float64 `json:"cores,omitempty"`
}

type MemoryReading struct {
	Total   uint64  `json:"total,omitempty"`
	Used    uint64  `json:"used,omitempty"`
	Percent float64 `json:"percent"`
}

type SwapReading struct {
	Total   uint64  `json:"total,omitempty"`
	Used    uint64  `json:"used,omitempty"`
	Percent float64 `json:"percent"`
}

type DiskReading struct {
	Total         uint64   `json:"total,omitempty"`
	Used          uint64   `json:"used,omitempty"`
	Percent       float64  `json:"percent"`
	InodesPercent *float64 `json:"inodes_percent,omitempty"`
	IOWait        *float64 `json:"io_wait,omitempty"`
}

type CheckResult struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type ServiceStatus struct {
	State  ServiceState           `json:"state"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type Process struct {
	PID           int     `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// MetricSample is one agent report for one entity. Nil readings were not
// reported and are not evaluated.
type MetricSample struct {
	EntityID    string                   `json:"entity_id"`
	DisplayName string                   `json:"display_name"`
	Timestamp   time.Time                `json:"timestamp"`
	CPU         *CPUReading              `json:"cpu,omitempty"`
	Memory      *MemoryReading           `json:"memory,omitempty"`
	Swap        *SwapReading             `json:"swap,omitempty"`
	Disk        *DiskReading             `json:"disk,omitempty"`
	LoadAverage []float64                `json:"load_average,omitempty"`
	CoreCount   int                      `json:"core_count,omitempty"`
	Services    map[string]ServiceStatus `json:"services,omitempty"`
	Processes   []Process                `json:"processes,omitempty"`
	Source      string                   `json:"source,omitempty"`
}

func (s MetricSample) Context() EntityContext {
	return EntityContext{EntityID: s.EntityID, DisplayName: s.DisplayName}
}

type EntityContext struct {
	EntityID    string `json:"entity_id"`
	DisplayName string `json:"display_name"`
}

type Alert struct {
	ID           string       `json:"id,omitempty"`
	EntityID     string       `json:"entity_id"`
	DisplayName  string       `json:"display_name"`
	Metric       MetricKind   `json:"metric"`
	Service      string       `json:"service,omitempty"`
	ServiceState ServiceState `json:"service_state,omitempty"`
	Severity     Severity     `json:"severity"`
	Threshold    float64      `json:"threshold"`
	Value        float64      `json:"value"`
	Message      string       `json:"message"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (a Alert) IsService() bool {
	return a.Service != "" || a.Metric.IsService()
}

func (a Alert) Context() EntityContext {
	return EntityContext{EntityID: a.EntityID, DisplayName: a.DisplayName}
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Module lifecycle statuses. A record is live for uniqueness and capacity
// purposes in every status except StatusRemoved.
const (
	StatusPending      = "pending"
	StatusInstalling   = "installing"
	StatusRunning      = "running"
	StatusStopped      = "stopped"
	StatusError        = "error"
	StatusUninstalling = "uninstalling"
	StatusRemoved      = "removed"
)

// Container health as observed by the poller.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// PortMapping maps a host port to a container port.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// HealthCheck describes the container-level health probe configured for a
// module. An empty Command means no probe; the column stores NULL.
type HealthCheck struct {
	Command  []string `json:"command,omitempty"`
	Interval string   `json:"interval,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Retries  int      `json:"retries,omitempty"`
}

// Empty reports whether no probe is configured.
func (h HealthCheck) Empty() bool {
	return len(h.Command) == 0
}

// PortMappings is a JSONB-backed slice of port mappings.
type PortMappings []PortMapping

// StringSlice is a JSONB-backed list of strings (volumes, dependencies).
type StringSlice []string

// StringMap is a JSONB-backed map of environment variables.
type StringMap map[string]string

// Module is a row in the modules table: one installed (or attempted)
// third-party module and its container configuration.
type Module struct {
	ID                  string        `db:"id" json:"id"`
	Name                string        `db:"name" json:"name"`
	DisplayName         string        `db:"display_name" json:"display_name"`
	DockerImage         string        `db:"docker_image" json:"docker_image"`
	Version             string        `db:"version" json:"version"`
	LicenseKeyEncrypted string        `db:"license_key_encrypted" json:"-"`
	LicenseSalt         string        `db:"license_salt" json:"-"`
	Status              string        `db:"status" json:"status"`
	Health              string        `db:"health" json:"health"`
	ContainerID         string        `db:"container_id" json:"container_id,omitempty"`
	ContainerName       string        `db:"container_name" json:"container_name,omitempty"`
	Ports               PortMappings  `db:"ports" json:"ports,omitempty"`
	Env                 StringMap     `db:"env" json:"env,omitempty"`
	Volumes             StringSlice   `db:"volumes" json:"volumes,omitempty"`
	CPULimit            float64       `db:"cpu_limit" json:"cpu_limit,omitempty"`
	MemLimitMB          int64         `db:"mem_limit_mb" json:"mem_limit_mb,omitempty"`
	NetworkMode         string        `db:"network_mode" json:"network_mode,omitempty"`
	DependsOn           StringSlice   `db:"depends_on" json:"depends_on,omitempty"`
	HealthCheckSpec     HealthCheck   `db:"health_check" json:"health_check,omitempty"`
	RoutePrefix         string        `db:"route_prefix" json:"route_prefix"`
	InstalledBy         string        `db:"installed_by" json:"installed_by"`
	InstalledAt         time.Time     `db:"installed_at" json:"installed_at"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at"`
	ErrorMessage        string        `db:"error_message" json:"error_message,omitempty"`
	ErrorCount          int           `db:"error_count" json:"error_count"`
	LastErrorAt         *time.Time    `db:"last_error_at" json:"last_error_at,omitempty"`
	RestartCount        int           `db:"restart_count" json:"restart_count"`
}

// Active reports whether the record counts against capacity limits and
// name/route uniqueness.
func (m *Module) Active() bool {
	return m.Status != StatusRemoved
}

func (p PortMappings) Value() (driver.Value, error) { return jsonbValue(p) }
func (p *PortMappings) Scan(src any) error          { return jsonbScan(src, p) }

func (s StringSlice) Value() (driver.Value, error) { return jsonbValue(s) }
func (s *StringSlice) Scan(src any) error          { return jsonbScan(src, s) }

func (m StringMap) Value() (driver.Value, error) { return jsonbValue(m) }
func (m *StringMap) Scan(src any) error          { return jsonbScan(src, m) }

func (h HealthCheck) Value() (driver.Value, error) {
	if h.Empty() {
		return nil, nil
	}
	return json.Marshal(h)
}

func (h *HealthCheck) Scan(src any) error { return jsonbScan(src, h) }

func jsonbValue(v any) (driver.Value, error) {
	return json.Marshal(v)
}

func jsonbScan(src any, dst any) error {
	if src == nil {
		return nil
	}
	switch data := src.(type) {
	case []byte:
		return json.Unmarshal(data, dst)
	case string:
		return json.Unmarshal([]byte(data), dst)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

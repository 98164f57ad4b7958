package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Runtime identifiers accepted for the server entry.
const (
	RuntimeProcess = "process"
	RuntimeDocker  = "docker"
)

// Manifest mirrors the tandem.yaml document structure.
type Manifest struct {
	Version string      `yaml:"version"`
	Pair    PairMeta    `yaml:"pair"`
	Server  *ServerSpec `yaml:"server"`
	Proxy   *ProxySpec  `yaml:"proxy"`
}

// PairMeta contains metadata about the supervised pair.
type PairMeta struct {
	Name    string `yaml:"name"`
	Workdir string `yaml:"workdir"`
}

// ServerSpec describes the background server.
type ServerSpec struct {
	Runtime     string            `yaml:"runtime"`
	Command     []string          `yaml:"command"`
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	LogFile     string            `yaml:"logFile"`
	Ready       *ProbeSpec        `yaml:"ready"`
	Shutdown    *ShutdownSpec     `yaml:"shutdown"`

	ResolvedWorkdir string `yaml:"-"`
	ResolvedLogFile string `yaml:"-"`
}

// ShutdownSpec controls teardown of the server process group.
type ShutdownSpec struct {
	Grace Duration `yaml:"grace"`
}

// ProxySpec describes the foreground proxy occupying the terminal.
type ProxySpec struct {
	Command    []string          `yaml:"command"`
	Port       int               `yaml:"port"`
	ConfigFile string            `yaml:"configFile"`
	Env        map[string]string `yaml:"env"`

	ResolvedConfigFile string `yaml:"-"`
}

// ProbeSpec configures the server readiness gate.
type ProbeSpec struct {
	GracePeriod      Duration       `yaml:"gracePeriod"`
	Interval         Duration       `yaml:"interval"`
	Timeout          Duration       `yaml:"timeout"`
	FailureThreshold int            `yaml:"failureThreshold"`
	SuccessThreshold int            `yaml:"successThreshold"`
	HTTP             *HTTPProbeSpec `yaml:"http"`
	TCP              *TCPProbeSpec  `yaml:"tcp"`
	Command          *CommandProbe  `yaml:"cmd"`
	Log              *LogProbeSpec  `yaml:"log"`
}

// HTTPProbeSpec defines an HTTP probe.
type HTTPProbeSpec struct {
	URL          string `yaml:"url"`
	ExpectStatus []int  `yaml:"expectStatus"`
}

// TCPProbeSpec defines a TCP probe.
type TCPProbeSpec struct {
	Address string `yaml:"address"`
}

// CommandProbe defines a command probe.
type CommandProbe struct {
	Command []string `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

// LogProbeSpec matches a pattern against the server's log output.
type LogProbeSpec struct {
	Pattern string   `yaml:"pattern"`
	Sources []string `yaml:"sources"`
	Levels  []string `yaml:"levels"`
}

const (
	defaultLogFile       = "server.log"
	defaultShutdownGrace = 2 * time.Second
)

// ApplyDefaults fills unset fields with their documented defaults.
func (m *Manifest) ApplyDefaults() error {
	if m.Server == nil {
		return fmt.Errorf("%s: is required", fieldPath("server"))
	}
	srv := m.Server
	srv.Runtime = strings.ToLower(strings.TrimSpace(srv.Runtime))
	if srv.Runtime == "" {
		srv.Runtime = RuntimeProcess
	}
	if srv.LogFile == "" {
		srv.LogFile = defaultLogFile
	}
	if srv.Shutdown == nil {
		srv.Shutdown = &ShutdownSpec{}
	}
	if !srv.Shutdown.Grace.IsSet() {
		srv.Shutdown.Grace = Duration{Duration: defaultShutdownGrace}
	}
	if srv.Ready != nil {
		srv.Ready.applyDefaults()
	}
	return nil
}

func (p *ProbeSpec) applyDefaults() {
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 3
	}
	if p.SuccessThreshold == 0 {
		p.SuccessThreshold = 1
	}
	if p.Interval.Duration == 0 {
		p.Interval.Duration = 2 * time.Second
	}
	if p.Timeout.Duration == 0 {
		p.Timeout.Duration = time.Second
	}
	if p.Command != nil && p.Command.Timeout.Duration == 0 {
		p.Command.Timeout = p.Timeout
	}
}

// Validate enforces schema invariants.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if m.Pair.Name == "" {
		return fmt.Errorf("%s: is required", fieldPath("pair", "name"))
	}
	if m.Server == nil {
		return fmt.Errorf("%s: is required", fieldPath("server"))
	}
	if m.Proxy == nil {
		return fmt.Errorf("%s: is required", fieldPath("proxy"))
	}

	srv := m.Server
	switch srv.Runtime {
	case RuntimeProcess:
		if len(srv.Command) == 0 {
			return fmt.Errorf("%s: must contain at least one entry", serverField("command"))
		}
		if len(srv.Ports) > 0 {
			return fmt.Errorf("%s: only supported by the docker runtime", serverField("ports"))
		}
	case RuntimeDocker:
		if strings.TrimSpace(srv.Image) == "" {
			return fmt.Errorf("%s: is required", serverField("image"))
		}
	default:
		return fmt.Errorf("%s: unsupported runtime %q (supported values: process, docker)", serverField("runtime"), srv.Runtime)
	}
	if strings.TrimSpace(srv.LogFile) == "" {
		return fmt.Errorf("%s: is required", serverField("logFile"))
	}
	for i, port := range srv.Ports {
		if err := validatePort(port); err != nil {
			return fmt.Errorf("%s: %w", serverField(fmt.Sprintf("ports[%d]", i)), err)
		}
	}
	if srv.Shutdown != nil && srv.Shutdown.Grace.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", serverField("shutdown", "grace"))
	}
	if srv.Ready != nil {
		if err := validateProbe(srv.Ready); err != nil {
			return err
		}
	}

	proxy := m.Proxy
	if len(proxy.Command) == 0 {
		return fmt.Errorf("%s: must contain at least one entry", proxyField("command"))
	}
	if proxy.Port <= 0 || proxy.Port > 65535 {
		return fmt.Errorf("%s: must be in range 1-65535", proxyField("port"))
	}
	if strings.TrimSpace(proxy.ConfigFile) == "" {
		return fmt.Errorf("%s: is required", proxyField("configFile"))
	}
	return nil
}

func validateProbe(p *ProbeSpec) error {
	probes := 0
	if p.HTTP != nil {
		probes++
		if p.HTTP.URL == "" {
			return fmt.Errorf("%s: is required", probeField("http", "url"))
		}
	}
	if p.TCP != nil {
		probes++
		if p.TCP.Address == "" {
			return fmt.Errorf("%s: is required", probeField("tcp", "address"))
		}
	}
	if p.Command != nil {
		probes++
		if len(p.Command.Command) == 0 {
			return fmt.Errorf("%s: must contain at least one entry", probeField("cmd", "command"))
		}
	}
	if p.Log != nil {
		probes++
		if strings.TrimSpace(p.Log.Pattern) == "" {
			return fmt.Errorf("%s: is required", probeField("log", "pattern"))
		}
		if _, err := regexp.Compile(p.Log.Pattern); err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", probeField("log", "pattern"), p.Log.Pattern, err)
		}
	}
	if probes == 0 {
		return fmt.Errorf("%s: probe configuration is required", probeField())
	}
	if probes > 1 {
		return fmt.Errorf("%s: at most one probe type may be configured", probeField())
	}
	if p.FailureThreshold < 0 {
		return fmt.Errorf("%s: must be non-negative", probeField("failureThreshold"))
	}
	if p.SuccessThreshold < 0 {
		return fmt.Errorf("%s: must be non-negative", probeField("successThreshold"))
	}
	return nil
}

func validatePort(spec string) error {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return fmt.Errorf("invalid port mapping %q: %w", spec, err)
	}
	if len(mappings) == 0 {
		return fmt.Errorf("invalid port mapping %q: no port definitions found", spec)
	}
	for _, mapping := range mappings {
		hostPort := strings.TrimSpace(mapping.Binding.HostPort)
		if hostPort == "" {
			return fmt.Errorf("invalid port mapping %q: host port must be specified", spec)
		}
		hostStart, hostEnd, err := nat.ParsePortRange(hostPort)
		if err != nil {
			return fmt.Errorf("invalid port mapping %q: invalid host port %q", spec, hostPort)
		}
		if hostStart == 0 || hostEnd == 0 {
			return fmt.Errorf("invalid port mapping %q: host port must be in range 1-65535", spec)
		}
		containerStart, containerEnd, err := mapping.Port.Range()
		if err != nil {
			return fmt.Errorf("invalid port mapping %q: %w", spec, err)
		}
		if containerStart == 0 || containerEnd == 0 {
			return fmt.Errorf("invalid port mapping %q: container port must be in range 1-65535", spec)
		}
	}
	return nil
}

// Argv renders the foreground command line: the configured argv with the
// port and config file path appended as flags.
func (p *ProxySpec) Argv() []string {
	argv := append([]string(nil), p.Command...)
	argv = append(argv, "--port", fmt.Sprintf("%d", p.Port))
	configFile := p.ResolvedConfigFile
	if configFile == "" {
		configFile = p.ConfigFile
	}
	argv = append(argv, "--config", configFile)
	return argv
}

// Clone creates a deep copy of the server specification.
func (s *ServerSpec) Clone() *ServerSpec {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Command != nil {
		cp.Command = append([]string(nil), s.Command...)
	}
	if s.Ports != nil {
		cp.Ports = append([]string(nil), s.Ports...)
	}
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	if s.Ready != nil {
		cp.Ready = s.Ready.Clone()
	}
	if s.Shutdown != nil {
		shutdown := *s.Shutdown
		cp.Shutdown = &shutdown
	}
	return &cp
}

// Clone creates a deep copy of the probe configuration.
func (p *ProbeSpec) Clone() *ProbeSpec {
	if p == nil {
		return nil
	}
	cp := *p
	if p.HTTP != nil {
		cp.HTTP = &HTTPProbeSpec{
			URL:          p.HTTP.URL,
			ExpectStatus: append([]int(nil), p.HTTP.ExpectStatus...),
		}
	}
	if p.TCP != nil {
		cp.TCP = &TCPProbeSpec{Address: p.TCP.Address}
	}
	if p.Command != nil {
		cp.Command = &CommandProbe{
			Command: append([]string(nil), p.Command.Command...),
			Timeout: p.Command.Timeout,
		}
	}
	if p.Log != nil {
		cp.Log = &LogProbeSpec{
			Pattern: p.Log.Pattern,
			Sources: append([]string(nil), p.Log.Sources...),
			Levels:  append([]string(nil), p.Log.Levels...),
		}
	}
	return &cp
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func serverField(parts ...string) string {
	return fieldPath(append([]string{"server"}, parts...)...)
}

func proxyField(parts ...string) string {
	return fieldPath(append([]string{"proxy"}, parts...)...)
}

func probeField(parts ...string) string {
	return serverField(append([]string{"ready"}, parts...)...)
}

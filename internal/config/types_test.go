package config

import (
	"strings"
	"testing"
)

func baseManifest() *Manifest {
	return &Manifest{
		Version: "1",
		Pair:    PairMeta{Name: "fs-tools"},
		Server: &ServerSpec{
			Runtime: RuntimeProcess,
			Command: []string{"./server"},
			LogFile: "server.log",
		},
		Proxy: &ProxySpec{
			Command:    []string{"./proxy"},
			Port:       8321,
			ConfigFile: "proxy.yaml",
		},
	}
}

func TestValidateAcceptsMinimalManifest(t *testing.T) {
	if err := baseManifest().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Manifest)
		wantSub string
	}{
		{
			name:    "missing version",
			mutate:  func(m *Manifest) { m.Version = "" },
			wantSub: "version",
		},
		{
			name:    "missing pair name",
			mutate:  func(m *Manifest) { m.Pair.Name = "" },
			wantSub: "pair.name",
		},
		{
			name:    "missing proxy",
			mutate:  func(m *Manifest) { m.Proxy = nil },
			wantSub: "proxy",
		},
		{
			name:    "process runtime without command",
			mutate:  func(m *Manifest) { m.Server.Command = nil },
			wantSub: "server.command",
		},
		{
			name:    "unknown runtime",
			mutate:  func(m *Manifest) { m.Server.Runtime = "lxc" },
			wantSub: "server.runtime",
		},
		{
			name: "docker runtime without image",
			mutate: func(m *Manifest) {
				m.Server.Runtime = RuntimeDocker
				m.Server.Image = ""
			},
			wantSub: "server.image",
		},
		{
			name:    "ports on process runtime",
			mutate:  func(m *Manifest) { m.Server.Ports = []string{"8080:8080"} },
			wantSub: "server.ports",
		},
		{
			name: "invalid docker port",
			mutate: func(m *Manifest) {
				m.Server.Runtime = RuntimeDocker
				m.Server.Image = "example/server:latest"
				m.Server.Ports = []string{"nonsense:"}
			},
			wantSub: "server.ports[0]",
		},
		{
			name:    "proxy port out of range",
			mutate:  func(m *Manifest) { m.Proxy.Port = 70000 },
			wantSub: "proxy.port",
		},
		{
			name:    "proxy without config file",
			mutate:  func(m *Manifest) { m.Proxy.ConfigFile = "" },
			wantSub: "proxy.configFile",
		},
		{
			name:    "empty probe",
			mutate:  func(m *Manifest) { m.Server.Ready = &ProbeSpec{} },
			wantSub: "server.ready",
		},
		{
			name: "two probe types",
			mutate: func(m *Manifest) {
				m.Server.Ready = &ProbeSpec{
					TCP: &TCPProbeSpec{Address: "127.0.0.1:1"},
					Log: &LogProbeSpec{Pattern: "ready"},
				}
			},
			wantSub: "at most one probe type",
		},
		{
			name: "invalid log pattern",
			mutate: func(m *Manifest) {
				m.Server.Ready = &ProbeSpec{Log: &LogProbeSpec{Pattern: "("}}
			},
			wantSub: "server.ready.log.pattern",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := baseManifest()
			tc.mutate(m)
			err := m.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantSub, err)
			}
		})
	}
}

func TestProxyArgvAppendsPortAndConfig(t *testing.T) {
	proxy := &ProxySpec{
		Command:            []string{"./proxy", "--verbose"},
		Port:               8321,
		ConfigFile:         "proxy.yaml",
		ResolvedConfigFile: "/srv/pair/proxy.yaml",
	}

	argv := proxy.Argv()
	want := []string{"./proxy", "--verbose", "--port", "8321", "--config", "/srv/pair/proxy.yaml"}
	if len(argv) != len(want) {
		t.Fatalf("unexpected argv %v", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
	if proxy.Command[len(proxy.Command)-1] == "--config" {
		t.Fatal("Argv mutated the configured command")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1500ms")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Duration.Milliseconds() != 1500 {
		t.Fatalf("unexpected duration %v", d.Duration)
	}
	if !d.IsSet() {
		t.Fatal("explicit duration should report IsSet")
	}
	if err := d.UnmarshalText([]byte("nonsense")); err == nil {
		t.Fatal("expected parse error")
	}
}

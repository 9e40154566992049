package shipohoy

// Sandbox envelope values.
const (
	SandboxMemoryBytes int64 = 4 << 30
	SandboxCPUPeriod   int64 = 100_000
	SandboxCPUQuota    int64 = 200_000
	SandboxCPUShares   int64 = 512
)

// Envelope is the provisioning profile applied to every sandbox container the
// orchestrator creates. Resource and security settings are not overridable per ContainerSpec.
type Envelope struct {
	NamePrefix string
	Env        map[string]string
	Labels     map[string]string
	Resources  ResourceCaps
	Security   SecurityProfile
	// KeepAlive allocates a terminal and clears the command so the
	// container idles until it is stopped.
	KeepAlive bool
}

// SandboxEnvelope returns the fixed sandbox profile: 4 GiB memory, two
// cores of CFS quota, CPU weight 512, no privilege escalation, every
// capability dropped, kept alive by a terminal.
func SandboxEnvelope() Envelope {
	return Envelope{
		Resources: ResourceCaps{
			MemoryBytes: SandboxMemoryBytes,
			CPUPeriod:   SandboxCPUPeriod,
			CPUQuota:    SandboxCPUQuota,
			CPUShares:   SandboxCPUShares,
		},
		Security: SecurityProfile{
			NoNewPrivileges: true,
			CapDrop:         []string{"ALL"},
		},
		KeepAlive: true,
	}
}

// Apply overlays the envelope onto spec.
func (e Envelope) Apply(spec ContainerSpec) ContainerSpec {
	out := spec
	out.Env = map[string]string{}
	for k, v := range spec.Env {
		out.Env[k] = v
	}
	out.Labels = map[string]string{}
	for k, v := range spec.Labels {
		out.Labels[k] = v
	}
	for k, v := range e.Env {
		if _, ok := out.Env[k]; !ok {
			out.Env[k] = v
		}
	}
	for k, v := range e.Labels {
		if _, ok := out.Labels[k]; !ok {
			out.Labels[k] = v
		}
	}
	if e.NamePrefix != "" {
		out.Name = e.NamePrefix + out.Name
	}
	caps := e.Resources
	out.ResourceCaps = &caps
	out.Security = SecurityProfile{
		NoNewPrivileges: e.Security.NoNewPrivileges,
		CapDrop:         append([]string(nil), e.Security.CapDrop...),
		CapAdd:          append([]string(nil), e.Security.CapAdd...),
	}
	if e.KeepAlive {
		out.TTY = true
		out.Command = nil
	}
	return out
}

package vmoor

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// archTemplate holds the QEMU system-emulator-specific argv fragments that
// differ between target architectures.
type archTemplate struct {
	machine    string
	cpu        string
	extraFlags []string
}

var archTemplates = map[string]archTemplate{
	"x86_64": {
		machine: "pc",
		cpu:     "qemu64",
	},
	"aarch64": {
		machine:    "virt",
		cpu:        "cortex-a57",
		extraFlags: []string{"-bios", "/usr/share/qemu-efi-aarch64/QEMU_EFI.fd"},
	},
	"mipsel": {
		machine: "malta",
		cpu:     "24Kc",
	},
}

// hostResourceCapFraction is the ceiling on how much of the host's memory
// and CPU a single guest may request, matching the original's "never let
// one container starve the host" guard.
const hostResourceCapFraction = 0.75

// BuildQEMUArgs renders a container's Config into a QEMU argv list,
// following the same idea as the teacher's struct-tag/reflection ToArgs
// builder but generalized to a plain map, since QEMU's argument set isn't
// a closed set of flags the way the original CLI's was.
func BuildQEMUArgs(c *Config, home, name string, sshHostPort int, hostMemoryMB, hostCPUs int) ([]string, error) {
	tmpl, ok := archTemplates[c.Arch]
	if !ok {
		return nil, fmt.Errorf("no qemu argument template for arch %q", c.Arch)
	}

	smpRequested := c.SMP
	if smpRequested <= 0 {
		smpRequested = 1
	}
	memory := cappedResource(c.Memory, hostMemoryMB)
	smp := cappedResource(smpRequested, hostCPUs)

	args := []string{
		"-machine", tmpl.machine,
		"-cpu", tmpl.cpu,
		"-m", fmt.Sprintf("%d", memory),
		"-smp", fmt.Sprintf("%d", smp),
		"-serial", "stdio",
		"-monitor", "none",
		"-drive", fmt.Sprintf("file=%s,format=qcow2", ContainerDiskPath(home, name)),
	}
	args = append(args, tmpl.extraFlags...)

	if !c.Legacy {
		args = append(args,
			"-kernel", ContainerKernelPath(home, name),
			"-initrd", ContainerInitrdPath(home, name),
		)
	}

	args = append(args, "-netdev", netdevSpec(c, sshHostPort), "-device", "e1000,netdev=net0")
	args = append(args, renderArguments(c.Arguments)...)

	return args, nil
}

// cappedResource clamps requested against hostResourceCapFraction of the
// host total, so a misconfigured manifest can't starve the hypervisor
// host itself.
func cappedResource(requested, hostTotal int) int {
	if hostTotal <= 0 {
		return requested
	}
	cap := int(float64(hostTotal) * hostResourceCapFraction)
	if cap < 1 {
		cap = 1
	}
	if requested > cap {
		return cap
	}
	if requested < 1 {
		return 1
	}
	return requested
}

// netdevSpec renders the `user,hostfwd=...` netdev string from the
// container's port-forward table plus the implicit SSH forward pair.
func netdevSpec(c *Config, sshHostPort int) string {
	spec := "user,id=net0"
	spec += fmt.Sprintf(",hostfwd=tcp::%d-:22", sshHostPort)
	for _, fwd := range c.PortFwd {
		guestPort, hostPort := fwd[0], fwd[1]
		spec += fmt.Sprintf(",hostfwd=tcp::%d-:%d", hostPort, guestPort)
	}
	return spec
}

// renderArguments turns the free-form config.arguments map into `-flag
// value` pairs, sorted by flag name so the resulting argv (and therefore
// the boot log) is deterministic across runs of the same config.
func renderArguments(arguments map[string]any) []string {
	if len(arguments) == 0 {
		return nil
	}
	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		flag := k
		if flag[0] != '-' {
			flag = "-" + flag
		}
		out = append(out, flag)
		if v := fmt.Sprintf("%v", arguments[k]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// hostResources reports the host's total memory (MiB) and logical CPU
// count, used to cap guest resource requests. Memory detection has no
// portable stdlib API, so memory is read from /proc/meminfo's MemTotal and
// left uncapped (0 means "no cap") on hosts where that file can't be read.
func hostResources() (memoryMB, cpus int) {
	cpus = runtime.NumCPU()
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, cpus
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			if kb, err := strconv.Atoi(fields[1]); err == nil {
				return kb / 1024, cpus
			}
		}
	}
	return 0, cpus
}

package core

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/cpu"
	"golang.org/x/sys/unix"
)

// osDescription returns "<sysname> <release> <machine>" of the running kernel
func osDescription() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown"
	}
	return strings.Join([]string{
		unix.ByteSliceToString(u.Sysname[:]),
		unix.ByteSliceToString(u.Release[:]),
		unix.ByteSliceToString(u.Machine[:]),
	}, " ")
}

// cpuFeatures lists the instruction set extensions the processor reports
func cpuFeatures() []string {
	var features []string
	add := func(name string, ok bool) {
		if ok {
			features = append(features, name)
		}
	}

	add("sse2", cpu.X86.HasSSE2)
	add("sse4.2", cpu.X86.HasSSE42)
	add("avx", cpu.X86.HasAVX)
	add("avx2", cpu.X86.HasAVX2)
	add("avx512f", cpu.X86.HasAVX512F)
	add("aes", cpu.X86.HasAES || cpu.ARM64.HasAES)
	add("asimd", cpu.ARM64.HasASIMD)
	add("crc32", cpu.ARM64.HasCRC32)
	add("sha2", cpu.ARM64.HasSHA2)
	add("atomics", cpu.ARM64.HasATOMICS)
	return features
}

// networkAddresses returns "ip (interface)" for every non-loopback address
func networkAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			out = append(out, ipnet.IP.String()+" ("+iface.Name+")")
		}
	}
	return out
}

// lastCrash returns the newest modification time among files matching
// pattern, and false when there are none
func lastCrash(pattern string) (time.Time, bool) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return time.Time{}, false
	}

	var newest time.Time
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, !newest.IsZero()
}

package sfu

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const ipProbeURL = "https://api.ipify.org"

// ResolveAnnouncedIP picks the IP address advertised in ICE candidates.
// An explicit override wins; in production we ask an external echo service;
// otherwise we fall back to the first non-loopback interface address, then
// loopback.
func ResolveAnnouncedIP(override string, production bool) string {
	if override != "" {
		return override
	}
	if production {
		if ip := probePublicIP(); ip != "" {
			return ip
		}
	}
	if ip := firstNonLoopbackIPv4(); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

func probePublicIP() string {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(ipProbeURL)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func firstNonLoopbackIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

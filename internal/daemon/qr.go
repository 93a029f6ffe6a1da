package daemon

import (
	"fmt"
	"net"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// GetLocalIPs returns the host's non-loopback IPv4 addresses, used to print
// a reachable URL when the server binds to all interfaces.
func GetLocalIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			ips = append(ips, ip4.String())
		}
	}
	return ips
}

// GenerateQRCodeASCII renders a terminal QR code for the UI URL so a phone
// on the same network can open the session view by scanning it.
func GenerateQRCodeASCII(host string, port int, token string) (string, error) {
	target := fmt.Sprintf("http://%s:%d/", host, port)
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}
	qr, err := qrcode.New(target, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encoding QR: %w", err)
	}
	return qr.ToSmallString(false), nil
}

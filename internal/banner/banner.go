// Package banner prints the startup QR/URL banner the launcher (C9) shows
// once the transport is listening: the URL a phone or browser should open,
// embedding the bearer token, plus a scannable QR code drawn with text
// characters. No check is made of what the terminal can display.
package banner

import (
	"fmt"
	"io"
	"net"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// Options carries everything needed to render the banner.
type Options struct {
	// PublicURL, when set, overrides auto-detected scheme/host/port.
	PublicURL string
	Scheme    string
	Host      string
	Port      int
	Token     string
	// NoAuth suppresses the token query param and the "keep this secret"
	// notice.
	NoAuth bool
}

// URL returns the address the banner advertises, honoring PublicURL.
func (o Options) URL() string {
	if o.PublicURL != "" {
		return appendToken(o.PublicURL, o.Token, o.NoAuth)
	}
	host := o.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		if ips := LocalIPv4s(); len(ips) > 0 {
			host = ips[0].String()
		} else {
			host = "localhost"
		}
	}
	base := fmt.Sprintf("%s://%s:%d/app/", o.Scheme, host, o.Port)
	return appendToken(base, o.Token, o.NoAuth)
}

func appendToken(base, token string, noAuth bool) string {
	if noAuth || token == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%stoken=%s", base, sep, token)
}

// Write renders the URL line plus an ASCII QR code to w.
func Write(w io.Writer, o Options) error {
	url := o.URL()
	fmt.Fprintf(w, "\n  ACP proxy listening. Open this URL on your device:\n\n  %s\n\n", url)
	if !o.NoAuth {
		fmt.Fprintf(w, "  Keep this URL secret: it carries the access token.\n\n")
	}

	ascii, err := ASCII(url)
	if err != nil {
		fmt.Fprintf(w, "  (QR code unavailable: %v)\n", err)
		return nil
	}
	fmt.Fprint(w, ascii)
	return nil
}

// PNG renders the URL as a PNG QR code of the given pixel size.
func PNG(url string, size int) ([]byte, error) {
	if size <= 0 || size > 1024 {
		size = 256
	}
	return qrcode.Encode(url, qrcode.Medium, size)
}

// ASCII renders the URL as a terminal-friendly block QR code.
func ASCII(url string) (string, error) {
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return q.ToString(false) + "\n", nil
}

// LocalIPv4s returns the non-loopback IPv4 addresses of up interfaces, for
// advertising a LAN-reachable URL when bound to 0.0.0.0.
func LocalIPv4s() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			ips = append(ips, ip4)
		}
	}
	return ips
}

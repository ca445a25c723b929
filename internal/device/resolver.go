// Package device resolves a stable, opaque device key for each client.
// On the gateway the key is the client's MAC address, found via dnsmasq
// leases or the kernel ARP table; when no MAC can be resolved (dev
// machines, proxied requests) a long-lived cookie token stands in.
package device

import (
	"bufio"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// CookieName carries the fallback device token.
	CookieName = "device_id"
	// cookieMaxAge is five years, matching the portal's retention of a
	// device's identity across visits.
	cookieMaxAge = 60 * 60 * 24 * 365 * 5

	fallbackPrefix = "device:"
	zeroMAC        = "00:00:00:00:00:00"
)

var macPattern = regexp.MustCompile(`([0-9a-fA-F]{2}(?:[:-][0-9a-fA-F]{2}){5})`)

// Resolver maps client IPs to device keys.
type Resolver struct {
	leasePaths []string
	arpPath    string
	arpCmd     func(ip string) (string, error)
}

// NewResolver builds a resolver using the standard gateway paths.
func NewResolver() *Resolver {
	return NewResolverFrom(
		[]string{
			"/var/lib/misc/dnsmasq.leases",
			"/var/lib/dnsmasq/dnsmasq.leases",
		},
		"/proc/net/arp",
		runArp,
	)
}

// NewResolverFrom builds a resolver reading the given lease files and ARP
// table path. A nil arpCmd disables the arp-command fallback, so a resolver
// with no sources identifies devices by cookie alone.
func NewResolverFrom(leasePaths []string, arpPath string, arpCmd func(ip string) (string, error)) *Resolver {
	if arpCmd == nil {
		arpCmd = func(string) (string, error) {
			return "", errors.New("arp lookup disabled")
		}
	}
	return &Resolver{
		leasePaths: leasePaths,
		arpPath:    arpPath,
		arpCmd:     arpCmd,
	}
}

// MACForIP resolves the MAC address for ip, trying dnsmasq leases first
// (most reliable on the gateway), then the kernel ARP table, then the arp
// command. Returns "" when nothing matches.
func (r *Resolver) MACForIP(ip string) string {
	if mac := r.fromLeases(ip); mac != "" {
		return mac
	}
	if mac := r.fromProcArp(ip); mac != "" {
		return mac
	}
	out, err := r.arpCmd(ip)
	if err != nil {
		return ""
	}
	if !strings.Contains(out, ip) {
		return ""
	}
	if m := macPattern.FindString(out); m != "" && m != zeroMAC {
		return strings.ToLower(m)
	}
	return ""
}

func (r *Resolver) fromLeases(ip string) string {
	for _, path := range r.leasePaths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			// dnsmasq lease format: <expiry> <mac> <ip> <hostname> <client-id>
			fields := strings.Fields(scanner.Text())
			if len(fields) >= 3 && fields[2] == ip && fields[1] != zeroMAC {
				f.Close()
				return strings.ToLower(fields[1])
			}
		}
		f.Close()
	}
	return ""
}

func (r *Resolver) fromProcArp(ip string) string {
	f, err := os.Open(r.arpPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 4 && fields[0] == ip && fields[3] != zeroMAC {
			return strings.ToLower(fields[3])
		}
	}
	return ""
}

func runArp(ip string) (string, error) {
	out, err := exec.Command("arp", "-n", ip).Output()
	if err != nil {
		out, err = exec.Command("arp", "-a", ip).Output()
	}
	return string(out), err
}

// Identity is the resolved device key for one request, plus whether a
// fallback cookie needs to be set on the response.
type Identity struct {
	Key       string
	SetCookie bool
}

// Identify returns the device key for the request: a resolved MAC when
// possible, otherwise the request's device cookie, otherwise a freshly
// minted fallback token that the handler must persist via SetCookie.
func (r *Resolver) Identify(req *http.Request, clientIP string) Identity {
	if mac := r.MACForIP(clientIP); mac != "" {
		return Identity{Key: mac}
	}

	if c, err := req.Cookie(CookieName); err == nil && c.Value != "" {
		return Identity{Key: fallbackPrefix + c.Value}
	}

	return Identity{
		Key:       fallbackPrefix + uuid.NewString(),
		SetCookie: true,
	}
}

// SetCookie persists a fallback identity on the response.
func SetCookie(w http.ResponseWriter, identity Identity) {
	if !identity.SetCookie {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    strings.TrimPrefix(identity.Key, fallbackPrefix),
		Path:     "/",
		MaxAge:   cookieMaxAge,
		SameSite: http.SameSiteLaxMode,
	})
}

// Package security は配信中継先への外向きHTTP接続を保護する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrBlockedEndpoint は中継先URLが接続ポリシーに反する場合のエラー。
var ErrBlockedEndpoint = errors.New("blocked publisher endpoint")

// blockedNetworks は中継先として許可しないネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	// クラウドメタデータ (169.254.169.254) を含む
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, network)
	}
	return nets
}

// EndpointPolicy は配信Webhookの接続先に課す制約。
type EndpointPolicy struct {
	AllowedSchemes []string
	AllowedPorts   []int
	BlockedHosts   []string
}

// DefaultEndpointPolicy はhttp/httpsの標準ポートのみを許可するポリシーを返す。
func DefaultEndpointPolicy() EndpointPolicy {
	return EndpointPolicy{
		AllowedSchemes: []string{"http", "https"},
		AllowedPorts:   []int{80, 443},
		BlockedHosts:   []string{"localhost"},
	}
}

// NewClient はポリシーを適用したHTTPクライアントを生成する。
// safeurlはダイヤル時にDNS解決後のIPアドレスを検証するため、
// Validateをすり抜けたDNS再バインディングもここで遮断される。
func (p EndpointPolicy) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(p.AllowedSchemes...).
		SetAllowedPorts(p.AllowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// Validate は起動時に中継先URLを静的に検証する。DNS解決は行わない。
func (p EndpointPolicy) Validate(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrBlockedEndpoint)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrBlockedEndpoint, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(p.AllowedSchemes, scheme) {
		return fmt.Errorf("%w: scheme %q is not allowed", ErrBlockedEndpoint, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedEndpoint)
	}

	port, err := effectivePort(parsed, scheme)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedEndpoint, err)
	}
	if !slices.Contains(p.AllowedPorts, port) {
		return fmt.Errorf("%w: port %d is not allowed", ErrBlockedEndpoint, port)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("%w: address %s is in %s", ErrBlockedEndpoint, ip, network)
			}
		}
		return nil
	}

	for _, blocked := range p.BlockedHosts {
		if strings.EqualFold(host, blocked) {
			return fmt.Errorf("%w: host %s", ErrBlockedEndpoint, host)
		}
	}
	return nil
}

// effectivePort はURLに明示されたポート、なければスキームの既定ポートを返す。
func effectivePort(u *url.URL, scheme string) (int, error) {
	if s := u.Port(); s != "" {
		port, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		return port, nil
	}
	if scheme == "https" {
		return 443, nil
	}
	return 80, nil
}

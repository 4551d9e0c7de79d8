package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はゲートウェイURLとして許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は内部ネットワーク上のゲートウェイを明示的に許可しない限り拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // クラウドメタデータIPを含む
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ValidateGatewayURL はゲートウェイURLを検証し、解析済みのURLを返す。
// allowPrivateがfalseの場合、プライベートIP・ループバック・localhostを拒否する。
func ValidateGatewayURL(rawURL string, allowPrivate bool) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return nil, fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if allowPrivate {
		return parsed, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("blocked IP address: %s (set GATEWAY_ALLOW_PRIVATE to allow)", ip.String())
		}
		return parsed, nil
	}
	if strings.EqualFold(host, "localhost") {
		return nil, fmt.Errorf("blocked host: %s (set GATEWAY_ALLOW_PRIVATE to allow)", host)
	}
	return parsed, nil
}

// NewGatewayHTTPClient はゲートウェイ呼び出し用のHTTPクライアントを生成する。
// allowPrivateがfalseの場合はsafeurlのクライアントを使い、DNS解決後のIPアドレスも検証する。
// 許可するポートはゲートウェイURLのポートのみ。
func NewGatewayHTTPClient(gatewayURL string, timeout time.Duration, allowPrivate bool) (*http.Client, error) {
	parsed, err := ValidateGatewayURL(gatewayURL, allowPrivate)
	if err != nil {
		return nil, err
	}
	if allowPrivate {
		return &http.Client{Timeout: timeout}, nil
	}

	port, err := portOf(parsed)
	if err != nil {
		return nil, err
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(port).
		Build()

	return safeurl.Client(config).Client, nil
}

func portOf(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", p, err)
		}
		return n, nil
	}
	if strings.EqualFold(u.Scheme, "https") {
		return 443, nil
	}
	return 80, nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

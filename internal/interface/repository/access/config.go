package access

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlockList はスコープファイルの形式
type BlockList struct {
	BlockedIPs     []string `yaml:"blocked_ips"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

// rules はBlockListを正規化した判定用データ
type rules struct {
	ips     map[string]bool
	nets    []*net.IPNet
	domains map[string]bool
}

func loadBlockList(path string) (*BlockList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultBlockList(path)
		}
		return nil, fmt.Errorf("failed to read scope file: %w", err)
	}

	var list BlockList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse scope file: %w", err)
	}
	return &list, nil
}

func createDefaultBlockList(path string) (*BlockList, error) {
	list := &BlockList{
		BlockedIPs:     []string{},
		BlockedDomains: []string{},
	}

	data, err := yaml.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to create default scope file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write default scope file: %w", err)
	}
	return list, nil
}

// prepare は設定データを正規化する. CIDR表記はネットワークとして扱う.
func (l *BlockList) prepare() (*rules, error) {
	r := &rules{
		ips:     make(map[string]bool),
		domains: make(map[string]bool),
	}

	for _, ip := range l.BlockedIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, n, err := net.ParseCIDR(ip)
			if err != nil {
				return nil, fmt.Errorf("invalid blocked network %q: %w", ip, err)
			}
			r.nets = append(r.nets, n)
			continue
		}
		r.ips[ip] = true
	}

	for _, d := range l.BlockedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			r.domains[d] = true
		}
	}
	return r, nil
}

func (r *rules) ipBlocked(clientIP string) bool {
	if r.ips[clientIP] {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range r.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// domainBlocked は完全一致とワイルドカード("*.example.com")で判定する
func (r *rules) domainBlocked(host string) (bool, string) {
	if r.domains[host] {
		return true, host
	}
	parts := strings.Split(host, ".")
	for i := 0; i < len(parts)-1; i++ {
		wildcard := "*." + strings.Join(parts[i+1:], ".")
		if r.domains[wildcard] {
			return true, wildcard
		}
	}
	return false, ""
}

package models

import (
	"fmt"
	"sort"
	"strings"
)

type Network struct {
	Meta
	PhysicalNetwork string   `json:"provider_physical_network,omitempty"`
	SegmentationID  int64    `json:"provider_segmentation_id,omitempty"`
	NetworkType     string   `json:"provider_network_type,omitempty"`
	Shared          bool     `json:"shared"`
	ProjectID       string   `json:"project_id,omitempty"`
	Subnets         []string `json:"subnets,omitempty"`
}

func (n *Network) Kind() Kind  { return KindNetwork }
func (n *Network) Base() *Meta { return &n.Meta }

func (n *Network) Attrs() Fields {
	f := Fields{
		"provider_physical_network": n.PhysicalNetwork,
		"provider_segmentation_id":  formatInt(n.SegmentationID),
		"provider_network_type":     n.NetworkType,
		"shared":                    formatBool(n.Shared),
		"project_id":                n.ProjectID,
		"subnets":                   encodeList(n.Subnets),
	}
	n.metaAttrs(f)
	return f
}

func (n *Network) SetAttrs(f Fields) error {
	for k, v := range f {
		if n.setMeta(k, v) {
			continue
		}
		switch k {
		case "provider_physical_network":
			n.PhysicalNetwork = v
		case "provider_segmentation_id":
			n.SegmentationID = parseInt(v)
		case "provider_network_type":
			n.NetworkType = v
		case "shared":
			n.Shared = parseBool(v)
		case "project_id":
			n.ProjectID = v
		case "subnets":
			n.Subnets = decodeList(v)
		default:
			return fmt.Errorf("network has no attribute %q", k)
		}
	}
	return nil
}

func (n *Network) Clone() Resource {
	out := *n
	out.Meta = n.cloneMeta()
	out.Subnets = append([]string(nil), n.Subnets...)
	return &out
}

type Subnet struct {
	Meta
	NetworkID  string `json:"network_id"`
	CIDR       string `json:"cidr"`
	Gateway    string `json:"gateway_ip,omitempty"`
	IPVersion  int64  `json:"ip_version"`
	EnableDHCP bool   `json:"enable_dhcp"`
	ProjectID  string `json:"project_id,omitempty"`
}

func (s *Subnet) Kind() Kind  { return KindSubnet }
func (s *Subnet) Base() *Meta { return &s.Meta }

func (s *Subnet) Attrs() Fields {
	f := Fields{
		"network_id":  s.NetworkID,
		"cidr":        s.CIDR,
		"gateway_ip":  s.Gateway,
		"ip_version":  formatInt(s.IPVersion),
		"enable_dhcp": formatBool(s.EnableDHCP),
		"project_id":  s.ProjectID,
	}
	s.metaAttrs(f)
	return f
}

func (s *Subnet) SetAttrs(f Fields) error {
	for k, v := range f {
		if s.setMeta(k, v) {
			continue
		}
		switch k {
		case "network_id":
			s.NetworkID = v
		case "cidr":
			s.CIDR = v
		case "gateway_ip":
			s.Gateway = v
		case "ip_version":
			s.IPVersion = parseInt(v)
		case "enable_dhcp":
			s.EnableDHCP = parseBool(v)
		case "project_id":
			s.ProjectID = v
		default:
			return fmt.Errorf("subnet has no attribute %q", k)
		}
	}
	return nil
}

func (s *Subnet) Clone() Resource {
	out := *s
	out.Meta = s.cloneMeta()
	return &out
}

// FixedIP is an address reservation on a subnet.
type FixedIP struct {
	SubnetID  string `json:"subnet_id"`
	IPAddress string `json:"ip_address"`
}

type Port struct {
	Meta
	NetworkID   string    `json:"network_id"`
	MACAddress  string    `json:"mac_address,omitempty"`
	FixedIPs    []FixedIP `json:"fixed_ips,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	DeviceOwner string    `json:"device_owner,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
}

func (p *Port) Kind() Kind  { return KindPort }
func (p *Port) Base() *Meta { return &p.Meta }

func (p *Port) Attrs() Fields {
	f := Fields{
		"network_id":   p.NetworkID,
		"mac_address":  p.MACAddress,
		"fixed_ips":    EncodeFixedIPs(p.FixedIPs),
		"device_id":    p.DeviceID,
		"device_owner": p.DeviceOwner,
		"project_id":   p.ProjectID,
	}
	p.metaAttrs(f)
	return f
}

func (p *Port) SetAttrs(f Fields) error {
	for k, v := range f {
		if p.setMeta(k, v) {
			continue
		}
		switch k {
		case "network_id":
			p.NetworkID = v
		case "mac_address":
			p.MACAddress = v
		case "fixed_ips":
			p.FixedIPs = DecodeFixedIPs(v)
		case "device_id":
			p.DeviceID = v
		case "device_owner":
			p.DeviceOwner = v
		case "project_id":
			p.ProjectID = v
		default:
			return fmt.Errorf("port has no attribute %q", k)
		}
	}
	return nil
}

func (p *Port) Clone() Resource {
	out := *p
	out.Meta = p.cloneMeta()
	out.FixedIPs = append([]FixedIP(nil), p.FixedIPs...)
	return &out
}

// IPs returns the port's addresses sorted.
func (p *Port) IPs() []string {
	ips := make([]string, 0, len(p.FixedIPs))
	for _, ip := range p.FixedIPs {
		ips = append(ips, ip.IPAddress)
	}
	sort.Strings(ips)
	return ips
}

// EncodeFixedIPs renders reservations as ip@subnet sorted by address.
func EncodeFixedIPs(ips []FixedIP) string {
	parts := make([]string, 0, len(ips))
	for _, ip := range ips {
		parts = append(parts, ip.IPAddress+"@"+ip.SubnetID)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func DecodeFixedIPs(s string) []FixedIP {
	var out []FixedIP
	for _, part := range decodeList(s) {
		ip, subnet, _ := strings.Cut(part, "@")
		out = append(out, FixedIP{IPAddress: ip, SubnetID: subnet})
	}
	return out
}

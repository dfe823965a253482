package translate

import (
	"context"
	"strconv"
	"strings"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Networks rendezvous on what identifies the physical segment.
type networkTranslator struct {
	opts Options
}

func (t *networkTranslator) Kind() models.Kind { return models.KindNetwork }

func (t *networkTranslator) SyncKey(_ context.Context, _ models.Side, r models.Resource) (string, error) {
	n, ok := r.(*models.Network)
	if !ok {
		return "", syncerr.New(syncerr.InvalidState, "network key", "unexpected %s", r.Kind())
	}
	return strings.Join([]string{n.Name, n.PhysicalNetwork, strconv.FormatInt(n.SegmentationID, 10)}, "|"), nil
}

func (t *networkTranslator) Canonical(_ context.Context, _ models.Side, r models.Resource) (models.Fields, error) {
	n, ok := r.(*models.Network)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidState, "canonical network", "unexpected %s", r.Kind())
	}
	f := models.Fields{}
	pick(f, n.Attrs(), "name", "provider_physical_network", "provider_segmentation_id", "provider_network_type", "shared")
	return f, nil
}

func (t *networkTranslator) Apply(_ context.Context, _ models.Side, f models.Fields, base models.Resource) (models.Resource, error) {
	return overlay(base, f)
}

func (t *networkTranslator) ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error) {
	if side == models.Upstream {
		return nil, syncerr.New(syncerr.InvalidState, "translate network", "networks are not exported upstream")
	}
	f, err := t.Canonical(ctx, models.Upstream, src)
	if err != nil {
		return nil, err
	}
	out, err := overlay(&models.Network{}, f)
	if err != nil {
		return nil, err
	}
	out.(*models.Network).ProjectID = t.opts.StagingProjectID
	return out, nil
}

// Segment identity never changes after creation.
var networkFilter = filterSet("provider_physical_network", "provider_segmentation_id", "provider_network_type")

func (t *networkTranslator) UpdateFilter(models.Side) map[string]bool { return networkFilter }

// networkKey resolves the sync key of the network a subnet or port belongs
// to. The network must be mapped and not on its way out.
func networkKey(ctx context.Context, refs Refs, side models.Side, networkID string) (*storage.MappingRecord, error) {
	if refs == nil {
		return nil, missing("no network mappings")
	}
	rec, err := refs.Lookup(ctx, models.KindNetwork, side, networkID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, missing("network %s is not mapped", networkID)
	}
	if rec.State == storage.StateDeleting {
		return nil, missing("network %s is being deleted", networkID)
	}
	return rec, nil
}

type subnetTranslator struct {
	opts Options
	refs Refs
}

func (t *subnetTranslator) Kind() models.Kind { return models.KindSubnet }

func (t *subnetTranslator) SyncKey(ctx context.Context, side models.Side, r models.Resource) (string, error) {
	s, ok := r.(*models.Subnet)
	if !ok {
		return "", syncerr.New(syncerr.InvalidState, "subnet key", "unexpected %s", r.Kind())
	}
	net, err := networkKey(ctx, t.refs, side, s.NetworkID)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{net.SyncKey, s.CIDR, s.Gateway}, "|"), nil
}

func (t *subnetTranslator) Canonical(_ context.Context, _ models.Side, r models.Resource) (models.Fields, error) {
	s, ok := r.(*models.Subnet)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidState, "canonical subnet", "unexpected %s", r.Kind())
	}
	f := models.Fields{}
	pick(f, s.Attrs(), "name", "cidr", "gateway_ip", "ip_version", "enable_dhcp")
	return f, nil
}

func (t *subnetTranslator) Apply(_ context.Context, _ models.Side, f models.Fields, base models.Resource) (models.Resource, error) {
	return overlay(base, f)
}

func (t *subnetTranslator) ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error) {
	if side == models.Upstream {
		return nil, syncerr.New(syncerr.InvalidState, "translate subnet", "subnets are not exported upstream")
	}
	s := src.(*models.Subnet)
	net, err := networkKey(ctx, t.refs, models.Upstream, s.NetworkID)
	if err != nil {
		return nil, err
	}
	if net.LocalID == "" {
		return nil, missing("network %s has no local twin yet", s.NetworkID)
	}
	f, err := t.Canonical(ctx, models.Upstream, src)
	if err != nil {
		return nil, err
	}
	out, err := overlay(&models.Subnet{}, f)
	if err != nil {
		return nil, err
	}
	sub := out.(*models.Subnet)
	sub.NetworkID = net.LocalID
	sub.ProjectID = t.opts.StagingProjectID
	return sub, nil
}

var subnetFilter = filterSet("cidr", "ip_version")

func (t *subnetTranslator) UpdateFilter(models.Side) map[string]bool { return subnetFilter }

// Ports rendezvous on their network and the addresses they reserve.
type portTranslator struct {
	opts Options
	refs Refs
}

func (t *portTranslator) Kind() models.Kind { return models.KindPort }

func (t *portTranslator) SyncKey(ctx context.Context, side models.Side, r models.Resource) (string, error) {
	p, ok := r.(*models.Port)
	if !ok {
		return "", syncerr.New(syncerr.InvalidState, "port key", "unexpected %s", r.Kind())
	}
	net, err := networkKey(ctx, t.refs, side, p.NetworkID)
	if err != nil {
		return "", err
	}
	ips := p.IPs()
	if len(ips) == 0 {
		return "", missing("port %s has no fixed ip", p.ID)
	}
	return net.SyncKey + "|" + strings.Join(ips, ","), nil
}

// Canonical is the name only: addresses are part of the key and binding
// follows the compute flow.
func (t *portTranslator) Canonical(_ context.Context, _ models.Side, r models.Resource) (models.Fields, error) {
	p, ok := r.(*models.Port)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidState, "canonical port", "unexpected %s", r.Kind())
	}
	f := models.Fields{"name": p.Name}
	props(f, r)
	return f, nil
}

func (t *portTranslator) Apply(_ context.Context, _ models.Side, f models.Fields, base models.Resource) (models.Resource, error) {
	return overlay(base, f)
}

// ForCreate keeps the reserved addresses, rewriting network, subnets and the
// bound instance into ids of side. At least one subnet must be mapped.
func (t *portTranslator) ForCreate(ctx context.Context, side models.Side, src models.Resource) (models.Resource, error) {
	from := side.Opposite()
	s := src.(*models.Port)
	net, err := networkKey(ctx, t.refs, from, s.NetworkID)
	if err != nil {
		return nil, err
	}
	netID := net.ID(side)
	if netID == "" {
		return nil, missing("network %s has no %s twin", s.NetworkID, side)
	}
	var ips []models.FixedIP
	for _, ip := range s.FixedIPs {
		subnet, ok, err := Counterpart(ctx, t.refs, models.KindSubnet, from, ip.SubnetID)
		if err != nil {
			return nil, err
		}
		if ok {
			ips = append(ips, models.FixedIP{SubnetID: subnet, IPAddress: ip.IPAddress})
		}
	}
	if len(ips) == 0 {
		return nil, missing("port %s has no mapped subnet", s.ID)
	}
	device, _, err := Counterpart(ctx, t.refs, models.KindInstance, from, s.DeviceID)
	if err != nil {
		return nil, err
	}

	f, err := t.Canonical(ctx, from, src)
	if err != nil {
		return nil, err
	}
	out, err := overlay(&models.Port{}, f)
	if err != nil {
		return nil, err
	}
	p := out.(*models.Port)
	p.NetworkID = netID
	p.FixedIPs = ips
	p.MACAddress = s.MACAddress
	p.DeviceID = device
	if device != "" {
		p.DeviceOwner = s.DeviceOwner
	}
	if side == models.Local {
		p.ProjectID = t.opts.StagingProjectID
	}
	return p, nil
}

var portFilter = filterSet()

func (t *portTranslator) UpdateFilter(models.Side) map[string]bool { return portFilter }

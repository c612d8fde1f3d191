package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
)

// Defaults used when a Config field is left zero
const (
	DefaultAddressSpace    = "10.200.0.0/16"
	DefaultBlockPrefix     = 30
	DefaultPortStart       = 20000
	DefaultPortEnd         = 29999
	DefaultBindingsPerLink = 8

	maxBlockBits = 24
)

var ErrLinkExists = errors.New("transport link already exists")

// LinkStore persists links and bindings so leases survive a restart
type LinkStore interface {
	SaveLink(ctx context.Context, link *model.TransportLink) error
	DeleteLink(ctx context.Context, networkID string) error
	ListLinks(ctx context.Context) ([]model.TransportLink, error)
	SaveBinding(ctx context.Context, binding *model.PortBinding) error
	DeleteBinding(ctx context.Context, networkID, portID string) error
	// ListBindings lists the bindings of one network, or of all networks
	// when networkID is empty.
	ListBindings(ctx context.Context, networkID string) ([]model.PortBinding, error)
}

// Config describes the address and port space handed out by the pool
type Config struct {
	AddressSpace    string `yaml:"address_space"`
	BlockPrefix     int    `yaml:"block_prefix"`
	PortStart       int    `yaml:"port_start"`
	PortEnd         int    `yaml:"port_end"`
	BindingsPerLink int    `yaml:"bindings_per_link"`
}

// Stats is a capacity snapshot of the pool
type Stats struct {
	Blocks      int `json:"blocks"`
	BlocksUsed  int `json:"blocks_used"`
	Windows     int `json:"windows"`
	WindowsUsed int `json:"windows_used"`
	Bindings    int `json:"bindings"`
}

// Pool leases address blocks and UDP port windows to networks and hands out
// per-port bindings from each network's window.
//
// mu guards blocks, windows and links. Each lease has its own mutex for
// its slots; mu is never acquired while a lease mutex is held.
type Pool struct {
	mu      sync.Mutex
	store   LinkStore
	space   netip.Prefix
	base    uint32
	block   uint32 // addresses per block
	blocks  *bitmap
	windows *bitmap
	cfg     Config
	links   map[string]*lease
}

type lease struct {
	mu       sync.Mutex
	link     model.TransportLink
	block    int
	window   int
	slots    *bitmap
	bindings map[string]int // port id -> slot
	released bool
}

// NewPool validates cfg and returns an empty pool backed by store
func NewPool(cfg Config, store LinkStore) (*Pool, error) {
	cfg = cfg.withDefaults()

	space, err := netip.ParsePrefix(cfg.AddressSpace)
	if err != nil {
		return nil, fmt.Errorf("parsing address space: %w", err)
	}
	if !space.Addr().Is4() {
		return nil, fmt.Errorf("address space %s: only IPv4 is supported", cfg.AddressSpace)
	}
	space = space.Masked()

	if cfg.BlockPrefix < space.Bits() || cfg.BlockPrefix > 30 {
		return nil, fmt.Errorf("block prefix /%d must be between /%d and /30", cfg.BlockPrefix, space.Bits())
	}
	if cfg.BlockPrefix-space.Bits() > maxBlockBits {
		return nil, fmt.Errorf("address space %s splits into too many /%d blocks", cfg.AddressSpace, cfg.BlockPrefix)
	}
	if cfg.BindingsPerLink <= 0 {
		return nil, fmt.Errorf("bindings per link must be positive")
	}
	if cfg.PortStart <= 0 || cfg.PortEnd > 65535 || cfg.PortStart > cfg.PortEnd {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortStart, cfg.PortEnd)
	}

	windowSize := 2 * cfg.BindingsPerLink
	windowCount := (cfg.PortEnd - cfg.PortStart + 1) / windowSize
	if windowCount == 0 {
		return nil, fmt.Errorf("port range %d-%d is smaller than one window of %d ports", cfg.PortStart, cfg.PortEnd, windowSize)
	}

	a4 := space.Addr().As4()
	return &Pool{
		store:   store,
		space:   space,
		base:    binary.BigEndian.Uint32(a4[:]),
		block:   1 << uint(32-cfg.BlockPrefix),
		blocks:  newBitmap(1 << uint(cfg.BlockPrefix-space.Bits())),
		windows: newBitmap(windowCount),
		cfg:     cfg,
		links:   make(map[string]*lease),
	}, nil
}

func (c Config) withDefaults() Config {
	if c.AddressSpace == "" {
		c.AddressSpace = DefaultAddressSpace
	}
	if c.BlockPrefix == 0 {
		c.BlockPrefix = DefaultBlockPrefix
	}
	if c.PortStart == 0 {
		c.PortStart = DefaultPortStart
	}
	if c.PortEnd == 0 {
		c.PortEnd = DefaultPortEnd
	}
	if c.BindingsPerLink == 0 {
		c.BindingsPerLink = DefaultBindingsPerLink
	}
	return c
}

// Restore rebuilds the lease bookkeeping from the persisted links and
// bindings. It must run before the pool serves requests.
func (p *Pool) Restore(ctx context.Context) error {
	links, err := p.store.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("listing transport links: %w", err)
	}
	bindings, err := p.store.ListBindings(ctx, "")
	if err != nil {
		return fmt.Errorf("listing port bindings: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, link := range links {
		block, window, err := p.locate(link)
		if err != nil {
			return fmt.Errorf("restoring link for network %s: %w", link.NetworkID, err)
		}
		if !p.blocks.set(block) || !p.windows.set(window) {
			return fmt.Errorf("restoring link for network %s: block or window leased twice", link.NetworkID)
		}
		p.links[link.NetworkID] = p.newLease(link, block, window)
	}

	for _, b := range bindings {
		l, ok := p.links[b.NetworkID]
		if !ok {
			log.Warn("Skipping binding without transport link", "network_id", b.NetworkID, "port_id", b.PortID)
			continue
		}
		slot := (b.SrcPort - l.link.Port) / 2
		if b.SrcPort < l.link.Port || !l.slots.set(slot) {
			return fmt.Errorf("restoring binding for port %s: slot %d unavailable", b.PortID, slot)
		}
		l.bindings[b.PortID] = slot
	}

	log.Info("Transport pool restored", "links", len(links), "bindings", len(bindings))
	return nil
}

// locate maps a persisted link back onto its block and window ordinals
func (p *Pool) locate(link model.TransportLink) (int, int, error) {
	prefix, err := netip.ParsePrefix(link.CIDR)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing cidr: %w", err)
	}
	if prefix.Bits() != p.cfg.BlockPrefix || !p.space.Contains(prefix.Addr()) {
		return 0, 0, fmt.Errorf("cidr %s is outside the configured address space", link.CIDR)
	}
	a4 := prefix.Masked().Addr().As4()
	block := int((binary.BigEndian.Uint32(a4[:]) - p.base) / p.block)

	windowSize := 2 * p.cfg.BindingsPerLink
	offset := link.Port - p.cfg.PortStart
	if offset < 0 || offset%windowSize != 0 {
		return 0, 0, fmt.Errorf("port %d is not a window base", link.Port)
	}
	return block, offset / windowSize, nil
}

func (p *Pool) newLease(link model.TransportLink, block, window int) *lease {
	return &lease{
		link:     link,
		block:    block,
		window:   window,
		slots:    newBitmap(p.cfg.BindingsPerLink),
		bindings: make(map[string]int),
	}
}

func (p *Pool) blockLink(networkID string, block, window int) model.TransportLink {
	addr := func(n uint32) netip.Addr {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], n)
		return netip.AddrFrom4(b)
	}
	start := p.base + uint32(block)*p.block
	return model.TransportLink{
		NetworkID: networkID,
		CIDR:      netip.PrefixFrom(addr(start), p.cfg.BlockPrefix).String(),
		Left:      addr(start + 1).String(),
		Right:     addr(start + 2).String(),
		Port:      p.cfg.PortStart + window*2*p.cfg.BindingsPerLink,
	}
}

// AllocateLink reserves a fresh address block and port window for the
// network and persists the link.
func (p *Pool) AllocateLink(ctx context.Context, networkID string) (*model.TransportLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, exists := p.links[networkID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("network %s: %w", networkID, ErrLinkExists)
	}
	block := p.blocks.firstFree()
	if block < 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("no free address block in %s: %w", p.space, model.ErrResourceExhausted)
	}
	window := p.windows.firstFree()
	if window < 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("no free port window in %d-%d: %w", p.cfg.PortStart, p.cfg.PortEnd, model.ErrResourceExhausted)
	}
	p.blocks.set(block)
	p.windows.set(window)
	l := p.newLease(p.blockLink(networkID, block, window), block, window)
	p.links[networkID] = l
	p.mu.Unlock()

	link := l.link
	if err := p.store.SaveLink(ctx, &link); err != nil {
		p.mu.Lock()
		delete(p.links, networkID)
		p.blocks.clear(block)
		p.windows.clear(window)
		p.mu.Unlock()
		return nil, fmt.Errorf("saving transport link: %w", err)
	}

	log.Debug("Transport link allocated", "network_id", networkID, "cidr", link.CIDR, "port", link.Port)
	return &link, nil
}

// ReleaseLink returns the network's block and window to the pool. Releasing
// a link that does not exist is an error.
func (p *Pool) ReleaseLink(ctx context.Context, networkID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.links[networkID]
	if !ok {
		return fmt.Errorf("transport link for network %s: %w", networkID, model.ErrNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := p.store.DeleteLink(ctx, networkID); err != nil {
		return fmt.Errorf("deleting transport link: %w", err)
	}

	l.released = true
	delete(p.links, networkID)
	p.blocks.clear(l.block)
	p.windows.clear(l.window)

	log.Debug("Transport link released", "network_id", networkID, "cidr", l.link.CIDR, "bindings", len(l.bindings))
	return nil
}

// GetLink returns the link leased to the network
func (p *Pool) GetLink(networkID string) (*model.TransportLink, error) {
	l, err := p.lease(networkID)
	if err != nil {
		return nil, err
	}
	link := l.link
	return &link, nil
}

func (p *Pool) lease(networkID string) (*lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.links[networkID]
	if !ok {
		return nil, fmt.Errorf("transport link for network %s: %w", networkID, model.ErrNotFound)
	}
	return l, nil
}

// AllocateBinding draws the lowest free slot of the network's port window
// and binds it to the port. A port that already holds a binding gets it back.
func (p *Pool) AllocateBinding(ctx context.Context, networkID, portID string) (*model.PortBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l, err := p.lease(networkID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil, fmt.Errorf("transport link for network %s: %w", networkID, model.ErrNotFound)
	}
	if slot, ok := l.bindings[portID]; ok {
		b := l.binding(portID, slot)
		return &b, nil
	}

	slot := l.slots.firstFree()
	if slot < 0 {
		return nil, fmt.Errorf("network %s has no free binding slot: %w", networkID, model.ErrResourceExhausted)
	}
	l.slots.set(slot)

	b := l.binding(portID, slot)
	if err := p.store.SaveBinding(ctx, &b); err != nil {
		l.slots.clear(slot)
		return nil, fmt.Errorf("saving port binding: %w", err)
	}
	l.bindings[portID] = slot

	log.Debug("Port binding allocated", "network_id", networkID, "port_id", portID, "src_port", b.SrcPort, "dst_port", b.DstPort)
	return &b, nil
}

func (l *lease) binding(portID string, slot int) model.PortBinding {
	return model.PortBinding{
		PortID:     portID,
		NetworkID:  l.link.NetworkID,
		SrcAddress: l.link.Left,
		SrcPort:    l.link.Port + 2*slot,
		DstAddress: l.link.Right,
		DstPort:    l.link.Port + 2*slot + 1,
	}
}

// ReleaseBinding returns the port's slot to its network's window. Releasing
// a binding that was never allocated is a no-op.
func (p *Pool) ReleaseBinding(ctx context.Context, networkID, portID string) error {
	l, err := p.lease(networkID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.bindings[portID]
	if !ok || l.released {
		return nil
	}
	if err := p.store.DeleteBinding(ctx, networkID, portID); err != nil {
		return fmt.Errorf("deleting port binding: %w", err)
	}
	delete(l.bindings, portID)
	l.slots.clear(slot)

	log.Debug("Port binding released", "network_id", networkID, "port_id", portID)
	return nil
}

// GetBinding returns the binding held by the port
func (p *Pool) GetBinding(networkID, portID string) (*model.PortBinding, error) {
	l, err := p.lease(networkID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.bindings[portID]
	if !ok {
		return nil, fmt.Errorf("binding for port %s: %w", portID, model.ErrNotFound)
	}
	b := l.binding(portID, slot)
	return &b, nil
}

// Links returns a snapshot of every leased link ordered by port window
func (p *Pool) Links() []model.TransportLink {
	p.mu.Lock()
	defer p.mu.Unlock()

	links := make([]model.TransportLink, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l.link)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Port < links[j].Port })
	return links
}

// Bindings returns a snapshot of the network's bindings ordered by slot
func (p *Pool) Bindings(networkID string) []model.PortBinding {
	l, err := p.lease(networkID)
	if err != nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bindings := make([]model.PortBinding, 0, len(l.bindings))
	for portID, slot := range l.bindings {
		bindings = append(bindings, l.binding(portID, slot))
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].SrcPort < bindings[j].SrcPort })
	return bindings
}

// Stats reports the pool's current capacity usage
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	leases := make([]*lease, 0, len(p.links))
	for _, l := range p.links {
		leases = append(leases, l)
	}
	s := Stats{
		Blocks:      p.blocks.size,
		BlocksUsed:  p.blocks.used,
		Windows:     p.windows.size,
		WindowsUsed: p.windows.used,
	}
	p.mu.Unlock()

	for _, l := range leases {
		l.mu.Lock()
		s.Bindings += len(l.bindings)
		l.mu.Unlock()
	}
	return s
}

// Config returns the effective pool configuration
func (p *Pool) Config() Config {
	return p.cfg
}

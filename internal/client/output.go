package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/transport"
)

// Output formats accepted by NewPrinter
const (
	FormatAuto  = "auto"
	FormatTable = "table"
	FormatJSON  = "json"
)

// Printer renders API results as tables for a terminal and as JSON otherwise
type Printer struct {
	w    io.Writer
	json bool
}

// NewPrinter creates a printer writing to stdout. FormatAuto picks a table
// when stdout is a terminal.
func NewPrinter(format string) (*Printer, error) {
	switch format {
	case FormatAuto, "":
		return &Printer{w: os.Stdout, json: !term.IsTerminal(int(os.Stdout.Fd()))}, nil
	case FormatTable:
		return &Printer{w: os.Stdout}, nil
	case FormatJSON:
		return &Printer{w: os.Stdout, json: true}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

func (p *Printer) writeJSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
}

func (p *Printer) Networks(networks []model.NetworkView) error {
	if p.json {
		return p.writeJSON(networks)
	}
	if len(networks) == 0 {
		fmt.Fprintln(p.w, "No networks found")
		return nil
	}
	tw := p.table()
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tLINK")
	for _, n := range networks {
		link := "-"
		if n.Link != nil {
			link = n.Link.CIDR
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.ID, n.Name, n.Status, link)
	}
	return tw.Flush()
}

func (p *Printer) Network(network *model.NetworkView) error {
	if p.json {
		return p.writeJSON(network)
	}
	fmt.Fprintf(p.w, "ID:       %s\n", network.ID)
	fmt.Fprintf(p.w, "Name:     %s\n", network.Name)
	fmt.Fprintf(p.w, "Status:   %s\n", network.Status)
	if network.Link != nil {
		fmt.Fprintf(p.w, "Link:     %s (%s <-> %s, ports from %d)\n",
			network.Link.CIDR, network.Link.Left, network.Link.Right, network.Link.Port)
	}
	if len(network.Ports) > 0 {
		fmt.Fprintln(p.w, "Ports:")
		return p.Ports(network.Ports)
	}
	return nil
}

func (p *Printer) Link(link *model.TransportLink) error {
	if p.json {
		return p.writeJSON(link)
	}
	fmt.Fprintf(p.w, "CIDR:     %s\n", link.CIDR)
	fmt.Fprintf(p.w, "Left:     %s\n", link.Left)
	fmt.Fprintf(p.w, "Right:    %s\n", link.Right)
	fmt.Fprintf(p.w, "Port:     %d\n", link.Port)
	return nil
}

func (p *Printer) Ports(ports []model.PortView) error {
	if p.json {
		return p.writeJSON(ports)
	}
	if len(ports) == 0 {
		fmt.Fprintln(p.w, "No ports found")
		return nil
	}
	tw := p.table()
	fmt.Fprintln(tw, "ID\tADMIN\tSTATUS\tATTACHMENT")
	for _, port := range ports {
		attachment := port.Attachment
		if attachment == "" {
			attachment = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", port.ID, port.AdminState, port.Status, attachment)
	}
	return tw.Flush()
}

func (p *Printer) Port(port *model.PortView) error {
	if p.json {
		return p.writeJSON(port)
	}
	return p.Ports([]model.PortView{*port})
}

func (p *Printer) Binding(binding *model.PortBinding) error {
	if p.json {
		return p.writeJSON(binding)
	}
	fmt.Fprintf(p.w, "Port:     %s\n", binding.PortID)
	fmt.Fprintf(p.w, "Source:   %s:%d\n", binding.SrcAddress, binding.SrcPort)
	fmt.Fprintf(p.w, "Dest:     %s:%d\n", binding.DstAddress, binding.DstPort)
	return nil
}

func (p *Printer) Attributes(attrs model.PortAttributes) error {
	if p.json {
		return p.writeJSON(attrs)
	}
	if len(attrs) == 0 {
		fmt.Fprintln(p.w, "No attributes")
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := p.table()
	for _, k := range keys {
		value, err := json.Marshal(attrs[k])
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\n", k, value)
	}
	return tw.Flush()
}

func (p *Printer) Stats(stats *transport.Stats) error {
	if p.json {
		return p.writeJSON(stats)
	}
	fmt.Fprintf(p.w, "Blocks:   %d/%d\n", stats.BlocksUsed, stats.Blocks)
	fmt.Fprintf(p.w, "Windows:  %d/%d\n", stats.WindowsUsed, stats.Windows)
	fmt.Fprintf(p.w, "Bindings: %d\n", stats.Bindings)
	return nil
}

// Value renders anything without a dedicated table as JSON
func (p *Printer) Value(v any) error {
	return p.writeJSON(v)
}

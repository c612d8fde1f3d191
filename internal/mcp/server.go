package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/martinsuchenak/vnetd/internal/allocator"
	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/paularlott/mcp"
)

const serverVersion = "1.0.0"

// Server exposes the allocator as MCP tools
type Server struct {
	mcpServer   *mcp.Server
	alloc       allocator.Service
	bearerToken string
}

// NewServer creates a new MCP server over the allocator
func NewServer(alloc allocator.Service, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("vnetd", serverVersion),
		alloc:       alloc,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

// registerTools registers all network and port tools
func (s *Server) registerTools() {
	// Network tools
	s.mcpServer.RegisterTool(
		mcp.NewTool("network_list", "List the networks owned by a tenant",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
		),
		s.handleNetworkList,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("network_create", "Create a network and allocate its transport link",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("name", "Network name", mcp.Required()),
		),
		s.handleNetworkCreate,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("network_get", "Get a network with its transport link and ports",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
		),
		s.handleNetworkGet,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("network_update", "Rename a network or change its status (DOWN, ACTIVE, BUILD, ERROR)",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("name", "New network name"),
			mcp.String("status", "New network status"),
		),
		s.handleNetworkUpdate,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("network_delete", "Delete a network, its ports and its transport link. Fails while any port is attached.",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
		),
		s.handleNetworkDelete,
	)

	// Port tools
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_list", "List the ports of a network",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
		),
		s.handlePortList,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_create", "Create a port and allocate its transport binding",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("admin_state", "Administrative state, UP or DOWN (default UP)"),
		),
		s.handlePortCreate,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_get", "Get a port",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
		),
		s.handlePortGet,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_update", "Change the administrative state or transport status of a port",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
			mcp.String("admin_state", "Administrative state, UP or DOWN"),
			mcp.String("status", "Transport status, UP or DOWN"),
		),
		s.handlePortUpdate,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_delete", "Delete a port and release its binding. Fails while an interface is attached.",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
		),
		s.handlePortDelete,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_plug", "Attach a virtual interface to a port",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
			mcp.String("attachment", "Virtual interface ID", mcp.Required()),
		),
		s.handlePortPlug,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_unplug", "Detach the virtual interface from a port",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
		),
		s.handlePortUnplug,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_binding", "Get the transport binding of a port",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
		),
		s.handlePortBinding,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_attributes_get", "Get the attributes of a port",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
		),
		s.handlePortAttributesGet,
	)
	s.mcpServer.RegisterTool(
		mcp.NewTool("port_attributes_set", "Replace the attributes of a port",
			mcp.String("tenant", "Tenant ID owning the resources", mcp.Required()),
			mcp.String("network_id", "Network ID", mcp.Required()),
			mcp.String("port_id", "Port ID", mcp.Required()),
			mcp.String("attributes", "Attributes as a JSON object", mcp.Required()),
		),
		s.handlePortAttributesSet,
	)

	// Pool tools
	s.mcpServer.RegisterTool(
		mcp.NewTool("pool_stats", "Show transport pool usage"),
		s.handlePoolStats,
	)
}

// HandleRequest handles MCP HTTP requests with optional bearer token authentication
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			log.Warn("MCP request missing Authorization header", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Missing Authorization header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			log.Warn("MCP request invalid Authorization format", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid Authorization format", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
		log.Debug("MCP request authenticated successfully")
	}

	s.mcpServer.HandleRequest(w, r)
}

// GetHTTPHandler returns the MCP endpoint handler
func (s *Server) GetHTTPHandler() http.HandlerFunc {
	return s.HandleRequest
}

// LogStartup logs the MCP configuration and the registered tools
func (s *Server) LogStartup() {
	log.Info("MCP Server initialized", "version", serverVersion)
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
	for _, tool := range tools {
		log.Debug("MCP tool registered", "name", tool.Name, "description", tool.Description)
	}
}

// isClientError reports whether err was caused by the request rather than the server
func isClientError(err error) bool {
	for _, kind := range []error{
		model.ErrNotFound,
		model.ErrNotAuthorized,
		model.ErrAlreadyAttached,
		model.ErrPortInUse,
		model.ErrNetworkInUse,
		model.ErrResourceExhausted,
		model.ErrValidation,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// toolError converts an allocator error into an MCP tool error
func toolError(tool string, err error) error {
	if isClientError(err) {
		log.Warn("MCP request rejected", "tool", tool, "error", err)
		return mcp.NewToolErrorInvalidParams(err.Error())
	}
	log.Error("MCP request failed", "tool", tool, "error", err)
	return mcp.NewToolErrorInternal(tool + " failed")
}

// required reads the named string parameters, all of which must be present
func required(req *mcp.ToolRequest, names ...string) ([]string, error) {
	values := make([]string, len(names))
	for i, name := range names {
		v, err := req.String(name)
		if err != nil {
			log.Warn("MCP request missing parameter", "parameter", name, "error", err)
			return nil, mcp.NewToolErrorInvalidParams(name + " is required: " + err.Error())
		}
		values[i] = v
	}
	return values, nil
}

// jsonResponse renders v as indented JSON text
func jsonResponse(v any) (*mcp.ToolResponse, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, mcp.NewToolErrorInternal("failed to encode response: " + err.Error())
	}
	return mcp.NewToolResponseText(string(data)), nil
}

// optional returns a pointer to the named parameter, or nil when it is absent
func optional(req *mcp.ToolRequest, name string) *string {
	v := req.StringOr(name, "")
	if v == "" {
		return nil
	}
	return &v
}

// Network tool handlers

func (s *Server) handleNetworkList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant")
	if err != nil {
		return nil, err
	}

	networks, err := s.alloc.ListNetworks(ctx, args[0])
	if err != nil {
		return nil, toolError("network_list", err)
	}
	if len(networks) == 0 {
		return mcp.NewToolResponseText("No networks found"), nil
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Found %d networks:\n\n", len(networks))
	for _, network := range networks {
		result.WriteString(formatNetworkSummary(&network))
		result.WriteString("\n")
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleNetworkCreate(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "name")
	if err != nil {
		return nil, err
	}

	network, err := s.alloc.CreateNetwork(ctx, args[0], args[1])
	if err != nil {
		return nil, toolError("network_create", err)
	}

	log.Info("MCP network created", "tenant", args[0], "id", network.ID)
	return mcp.NewToolResponseText(fmt.Sprintf("Network created: %s (ID: %s, link %s)", network.Name, network.ID, network.Link.CIDR)), nil
}

func (s *Server) handleNetworkGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id")
	if err != nil {
		return nil, err
	}

	network, err := s.alloc.GetNetwork(ctx, args[0], args[1])
	if err != nil {
		return nil, toolError("network_get", err)
	}
	return jsonResponse(network)
}

func (s *Server) handleNetworkUpdate(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id")
	if err != nil {
		return nil, err
	}

	update := model.NetworkUpdate{
		Name:   optional(req, "name"),
		Status: optional(req, "status"),
	}
	network, err := s.alloc.UpdateNetwork(ctx, args[0], args[1], update)
	if err != nil {
		return nil, toolError("network_update", err)
	}
	return jsonResponse(network)
}

func (s *Server) handleNetworkDelete(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id")
	if err != nil {
		return nil, err
	}

	network, err := s.alloc.DeleteNetwork(ctx, args[0], args[1])
	if err != nil {
		return nil, toolError("network_delete", err)
	}

	log.Info("MCP network deleted", "tenant", args[0], "id", network.ID)
	return mcp.NewToolResponseText(fmt.Sprintf("Network deleted: %s (ID: %s, %d ports removed)", network.Name, network.ID, len(network.Ports))), nil
}

// Port tool handlers

func (s *Server) handlePortList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id")
	if err != nil {
		return nil, err
	}

	ports, err := s.alloc.ListPorts(ctx, args[0], args[1])
	if err != nil {
		return nil, toolError("port_list", err)
	}
	if len(ports) == 0 {
		return mcp.NewToolResponseText("No ports found"), nil
	}

	var result strings.Builder
	fmt.Fprintf(&result, "Found %d ports:\n\n", len(ports))
	for _, port := range ports {
		result.WriteString(formatPortSummary(&port))
		result.WriteString("\n")
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handlePortCreate(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id")
	if err != nil {
		return nil, err
	}

	port, err := s.alloc.CreatePort(ctx, args[0], args[1], req.StringOr("admin_state", ""))
	if err != nil {
		return nil, toolError("port_create", err)
	}

	log.Info("MCP port created", "tenant", args[0], "network", args[1], "id", port.ID)
	return jsonResponse(port)
}

func (s *Server) handlePortGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id")
	if err != nil {
		return nil, err
	}

	port, err := s.alloc.GetPort(ctx, args[0], args[1], args[2])
	if err != nil {
		return nil, toolError("port_get", err)
	}
	return jsonResponse(port)
}

func (s *Server) handlePortUpdate(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id")
	if err != nil {
		return nil, err
	}

	update := model.PortUpdate{
		AdminState: optional(req, "admin_state"),
		Status:     optional(req, "status"),
	}
	port, err := s.alloc.UpdatePort(ctx, args[0], args[1], args[2], update)
	if err != nil {
		return nil, toolError("port_update", err)
	}
	return jsonResponse(port)
}

func (s *Server) handlePortDelete(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id")
	if err != nil {
		return nil, err
	}

	if _, err := s.alloc.DeletePort(ctx, args[0], args[1], args[2]); err != nil {
		return nil, toolError("port_delete", err)
	}

	log.Info("MCP port deleted", "tenant", args[0], "network", args[1], "id", args[2])
	return mcp.NewToolResponseText("Port deleted successfully"), nil
}

func (s *Server) handlePortPlug(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id", "attachment")
	if err != nil {
		return nil, err
	}

	port, err := s.alloc.PlugInterface(ctx, args[0], args[1], args[2], args[3])
	if err != nil {
		return nil, toolError("port_plug", err)
	}
	return mcp.NewToolResponseText(fmt.Sprintf("Interface %s plugged into port %s", port.Attachment, port.ID)), nil
}

func (s *Server) handlePortUnplug(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id")
	if err != nil {
		return nil, err
	}

	port, err := s.alloc.UnplugInterface(ctx, args[0], args[1], args[2])
	if err != nil {
		return nil, toolError("port_unplug", err)
	}
	return mcp.NewToolResponseText(fmt.Sprintf("Port %s unplugged", port.ID)), nil
}

func (s *Server) handlePortBinding(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id")
	if err != nil {
		return nil, err
	}

	binding, err := s.alloc.GetPortBinding(ctx, args[0], args[1], args[2])
	if err != nil {
		return nil, toolError("port_binding", err)
	}
	return jsonResponse(binding)
}

func (s *Server) handlePortAttributesGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id")
	if err != nil {
		return nil, err
	}

	attrs, err := s.alloc.GetPortAttributes(ctx, args[0], args[1], args[2])
	if err != nil {
		return nil, toolError("port_attributes_get", err)
	}
	return jsonResponse(attrs)
}

func (s *Server) handlePortAttributesSet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	args, err := required(req, "tenant", "network_id", "port_id", "attributes")
	if err != nil {
		return nil, err
	}

	attrs, err := parseAttributes(args[3])
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams(err.Error())
	}

	stored, err := s.alloc.SetPortAttributes(ctx, args[0], args[1], args[2], attrs)
	if err != nil {
		return nil, toolError("port_attributes_set", err)
	}
	return jsonResponse(stored)
}

func (s *Server) handlePoolStats(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	return jsonResponse(s.alloc.PoolStats())
}

// parseAttributes decodes a JSON object given as a tool argument
func parseAttributes(raw string) (model.PortAttributes, error) {
	var attrs model.PortAttributes
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("attributes must be a JSON object: %w", err)
	}
	if attrs == nil {
		return nil, errors.New("attributes must be a JSON object")
	}
	return attrs, nil
}

func formatNetworkSummary(n *model.NetworkView) string {
	link := "no link"
	if n.Link != nil {
		link = n.Link.CIDR
	}
	return fmt.Sprintf("- %s (ID: %s) status=%s link=%s", n.Name, n.ID, n.Status, link)
}

func formatPortSummary(p *model.PortView) string {
	attachment := p.Attachment
	if attachment == "" {
		attachment = "none"
	}
	return fmt.Sprintf("- %s admin=%s status=%s attachment=%s", p.ID, p.AdminState, p.Status, attachment)
}

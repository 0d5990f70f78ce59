package relay

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/kit"
	"github.com/hazyhaar/boardsync/record"
)

// RegisterMCP registers the relay tools on srv. Board tools are only
// registered when the server has a backing store.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerRoomsTool(srv)
	if s.store != nil {
		s.registerPagesTool(srv)
		s.registerSnapshotTool(srv)
		s.registerFunctionsTool(srv)
	}
}

func (s *Server) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Logging(s.opts.logger, name)(ep)
}

// --- relay_rooms ---

type roomsReq struct{}

func (s *Server) registerRoomsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "relay_rooms",
		Description: "List the live rooms of the relay with their connected clients.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}
	endpoint := func(context.Context, any) (any, error) {
		return map[string]any{"rooms": s.hub.Rooms(), "stats": s.hub.Stats()}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[roomsReq]())
}

// --- board_pages ---

type pagesReq struct {
	Board string `json:"board"`
}

func (s *Server) registerPagesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "board_pages",
		Description: "List the persisted pages of a board with their last update time and author.",
		InputSchema: kit.InputSchema(map[string]any{
			"board": map[string]any{"type": "string", "description": "Board id"},
		}, "board"),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pagesReq)
		if r.Board == "" {
			return nil, errors.New("board is required")
		}
		pages, err := s.store.ListPages(ctx, r.Board)
		if err != nil {
			return nil, err
		}
		if pages == nil {
			pages = []boardstore.PageVersion{}
		}
		return map[string]any{"board": r.Board, "pages": pages}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[pagesReq]())
}

// --- board_snapshot ---

type pageReq struct {
	Board string `json:"board"`
	Page  string `json:"page"`
}

func (r *pageReq) validate() error {
	if r.Board == "" || r.Page == "" {
		return errors.New("board and page are required")
	}
	return nil
}

func (s *Server) registerSnapshotTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "board_snapshot",
		Description: "Read the persisted snapshot of one page of a board.",
		InputSchema: kit.InputSchema(map[string]any{
			"board": map[string]any{"type": "string", "description": "Board id"},
			"page":  map[string]any{"type": "string", "description": "Page id, e.g. page:main"},
		}, "board", "page"),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pageReq)
		if err := r.validate(); err != nil {
			return nil, err
		}
		return s.store.LoadSnapshot(ctx, r.Board, r.Page)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[pageReq]())
}

// --- board_functions ---

func (s *Server) registerFunctionsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "board_functions",
		Description: "List the function definitions of one page of a board.",
		InputSchema: kit.InputSchema(map[string]any{
			"board": map[string]any{"type": "string", "description": "Board id"},
			"page":  map[string]any{"type": "string", "description": "Page id"},
		}, "board", "page"),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pageReq)
		if err := r.validate(); err != nil {
			return nil, err
		}
		fns, err := s.store.ListFunctions(ctx, r.Board, r.Page)
		if err != nil {
			return nil, err
		}
		if fns == nil {
			fns = []record.FunctionDefinition{}
		}
		return map[string]any{"board": r.Board, "page": r.Page, "functions": fns}, nil
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[pageReq]())
}

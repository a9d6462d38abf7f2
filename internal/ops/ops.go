// Package ops exposes read-only operator tooling over the MCP streamable
// HTTP transport (github.com/modelcontextprotocol/go-sdk).
//
// The tools answer the questions an operator asks a running relay: which
// rooms exist, who is in them, what a speaker's pipeline is doing right now,
// and which enrolled voices sound suspiciously alike. Nothing here mutates
// server state; every tool is a snapshot read.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxrelay/voxrelay/internal/profile"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/room"
)

// defaultMatchLimit is used when a similar_voices call omits the limit.
const defaultMatchLimit = 5

// maxMatchLimit caps how many matches a single call may request.
const maxMatchLimit = 25

// Server bundles the registry, the pipeline coordinator, and the optional
// voice store behind MCP tools. Create instances with [New].
type Server struct {
	registry *room.Registry
	coord    *relay.Coordinator
	store    profile.Store // nil when no store is configured

	mcp *mcpsdk.Server
}

// New builds the ops server and registers its tool catalogue. store may be
// nil; the similar_voices tool then reports that no store is configured.
func New(registry *room.Registry, coord *relay.Coordinator, store profile.Store) *Server {
	s := &Server{
		registry: registry,
		coord:    coord,
		store:    store,
		mcp: mcpsdk.NewServer(
			&mcpsdk.Implementation{Name: "voxrelay-ops", Version: "1.0.0"},
			nil,
		),
	}

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "list_rooms",
		Description: "List all active rooms with their member counts.",
	}, s.listRooms)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "room_members",
		Description: "List the members of one room.",
	}, s.roomMembers)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "speaker_state",
		Description: "Report the live pipeline state of one speaker.",
	}, s.speakerState)

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "similar_voices",
		Description: "Find enrolled users whose voice prints are closest to the given user's.",
	}, s.similarVoices)

	return s
}

// Register mounts the streamable HTTP endpoint on mux at /mcp.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/mcp", s.Handler())
}

// Handler returns the streamable HTTP handler serving the MCP session.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return s.mcp },
		nil,
	)
}

type listRoomsArgs struct{}

type roomSummary struct {
	RoomID  string `json:"room_id"`
	Members int    `json:"members"`
}

type listRoomsResult struct {
	Rooms []roomSummary `json:"rooms"`
}

func (s *Server) listRooms(_ context.Context, _ *mcpsdk.CallToolRequest, _ listRoomsArgs) (*mcpsdk.CallToolResult, listRoomsResult, error) {
	ids := s.registry.Rooms()
	out := listRoomsResult{Rooms: make([]roomSummary, 0, len(ids))}
	for _, id := range ids {
		out.Rooms = append(out.Rooms, roomSummary{
			RoomID:  id,
			Members: s.registry.MemberCount(id),
		})
	}
	return nil, out, nil
}

type roomMembersArgs struct {
	RoomID string `json:"room_id" jsonschema:"the room to inspect"`
}

type memberInfo struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	PipelineRunning bool   `json:"pipeline_running"`
}

type roomMembersResult struct {
	RoomID  string       `json:"room_id"`
	Members []memberInfo `json:"members"`
}

func (s *Server) roomMembers(_ context.Context, _ *mcpsdk.CallToolRequest, args roomMembersArgs) (*mcpsdk.CallToolResult, roomMembersResult, error) {
	if args.RoomID == "" {
		return nil, roomMembersResult{}, errors.New("room_id must not be empty")
	}
	members := s.registry.Members(args.RoomID)
	if len(members) == 0 {
		return nil, roomMembersResult{}, fmt.Errorf("room %q has no members", args.RoomID)
	}
	out := roomMembersResult{RoomID: args.RoomID, Members: make([]memberInfo, 0, len(members))}
	for _, m := range members {
		out.Members = append(out.Members, memberInfo{
			UserID:          m.ID,
			Username:        m.Username,
			FullName:        m.FullName,
			PipelineRunning: s.coord.Running(m.ID),
		})
	}
	return nil, out, nil
}

type speakerStateArgs struct {
	UserID string `json:"user_id" jsonschema:"the speaker to inspect"`
}

type speakerStateResult struct {
	UserID          string   `json:"user_id"`
	RoomID          string   `json:"room_id"`
	InputLanguage   string   `json:"input_language,omitempty"`
	OutputLanguage  string   `json:"output_language,omitempty"`
	SpeaksPref      []string `json:"speaks_pref,omitempty"`
	UnderstandsPref []string `json:"understands_pref,omitempty"`
	LastGoodInput   string   `json:"last_good_input,omitempty"`
	LastDecided     string   `json:"last_decided,omitempty"`
	Muted           bool     `json:"muted"`
	Speaking        bool     `json:"speaking"`
	PendingChars    int      `json:"pending_chars"`
	BufferedMS      int      `json:"buffered_ms"`
}

func (s *Server) speakerState(_ context.Context, _ *mcpsdk.CallToolRequest, args speakerStateArgs) (*mcpsdk.CallToolResult, speakerStateResult, error) {
	if args.UserID == "" {
		return nil, speakerStateResult{}, errors.New("user_id must not be empty")
	}
	snap, ok := s.coord.Snapshot(args.UserID)
	if !ok {
		return nil, speakerStateResult{}, fmt.Errorf("no running pipeline for user %q", args.UserID)
	}
	return nil, speakerStateResult{
		UserID:          snap.UserID,
		RoomID:          snap.RoomID,
		InputLanguage:   snap.Settings.InputLang,
		OutputLanguage:  snap.Settings.OutputLang,
		SpeaksPref:      snap.Settings.SpeaksPref,
		UnderstandsPref: snap.Settings.UnderstandsPref,
		LastGoodInput:   snap.LastGoodInput,
		LastDecided:     snap.LastDecided,
		Muted:           snap.Muted,
		Speaking:        snap.Speaking,
		PendingChars:    snap.PendingChars,
		BufferedMS:      snap.BufferedMS,
	}, nil
}

type similarVoicesArgs struct {
	UserID string `json:"user_id" jsonschema:"the user whose voice print anchors the search"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of matches to return"`
}

type voiceMatch struct {
	UserID   string  `json:"user_id"`
	Distance float64 `json:"distance"`
}

type similarVoicesResult struct {
	UserID  string       `json:"user_id"`
	Matches []voiceMatch `json:"matches"`
}

func (s *Server) similarVoices(ctx context.Context, _ *mcpsdk.CallToolRequest, args similarVoicesArgs) (*mcpsdk.CallToolResult, similarVoicesResult, error) {
	if s.store == nil {
		return nil, similarVoicesResult{}, errors.New("voice store is not configured")
	}
	if args.UserID == "" {
		return nil, similarVoicesResult{}, errors.New("user_id must not be empty")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultMatchLimit
	}
	if limit > maxMatchLimit {
		limit = maxMatchLimit
	}

	matches, err := s.store.SimilarVoices(ctx, args.UserID, limit)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return nil, similarVoicesResult{}, fmt.Errorf("user %q has no voice print", args.UserID)
		}
		return nil, similarVoicesResult{}, fmt.Errorf("voice store lookup: %w", err)
	}

	out := similarVoicesResult{UserID: args.UserID, Matches: make([]voiceMatch, 0, len(matches))}
	for _, m := range matches {
		out.Matches = append(out.Matches, voiceMatch{UserID: m.UserID, Distance: m.Distance})
	}
	return nil, out, nil
}

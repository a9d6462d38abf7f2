package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxrelay/voxrelay/internal/gateway"
	"github.com/voxrelay/voxrelay/internal/intake"
	"github.com/voxrelay/voxrelay/internal/profile"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/room"
	roommock "github.com/voxrelay/voxrelay/internal/room/mock"
	asrmock "github.com/voxrelay/voxrelay/pkg/provider/asr/mock"
	mtmock "github.com/voxrelay/voxrelay/pkg/provider/mt/mock"
	ttsmock "github.com/voxrelay/voxrelay/pkg/provider/tts/mock"
)

type fixture struct {
	registry *room.Registry
	coord    *relay.Coordinator
	session  *mcpsdk.ClientSession
}

// newFixture builds an ops server over mock collaborators and connects an
// MCP client to it through in-memory transports. store may be nil.
func newFixture(t *testing.T, store profile.Store) *fixture {
	t.Helper()

	registry := room.NewRegistry()
	buf := intake.NewBuffer()
	models := gateway.NewSet(&asrmock.Recognizer{}, &mtmock.Translator{}, &ttsmock.Synthesizer{})
	coord := relay.NewCoordinator(relay.Config{TickInterval: time.Hour}, registry, buf, models)
	t.Cleanup(func() { _ = coord.Close() })

	srv := New(registry, coord, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	serverSession, err := srv.mcp.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "ops-test", Version: "0.0.1"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() {
		_ = clientSession.Close()
		_ = serverSession.Wait()
	})

	return &fixture{registry: registry, coord: coord, session: clientSession}
}

// call invokes a tool and returns the raw result, failing the test on
// transport errors. Tool-level errors come back in the result.
func (f *fixture) call(t *testing.T, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := f.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

// textOf concatenates all text content blocks of a result.
func textOf(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// decode unmarshals the result's text content into out, failing the test if
// the tool reported an error.
func decode(t *testing.T, res *mcpsdk.CallToolResult, out any) {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool returned error: %s", textOf(res))
	}
	if err := json.Unmarshal([]byte(textOf(res)), out); err != nil {
		t.Fatalf("decode result %q: %v", textOf(res), err)
	}
}

func wantToolError(t *testing.T, res *mcpsdk.CallToolResult, substr string) {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected tool error containing %q, got success: %s", substr, textOf(res))
	}
	if got := textOf(res); !strings.Contains(got, substr) {
		t.Fatalf("tool error = %q, want it to contain %q", got, substr)
	}
}

func TestListRooms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.registry.Register(room.Identity{ID: "alice", Username: "alice"}, "lobby", &roommock.Channel{})
	f.registry.Register(room.Identity{ID: "bob", Username: "bob"}, "lobby", &roommock.Channel{})
	f.registry.Register(room.Identity{ID: "carol", Username: "carol"}, "war-room", &roommock.Channel{})

	var out listRoomsResult
	decode(t, f.call(t, "list_rooms", nil), &out)

	if len(out.Rooms) != 2 {
		t.Fatalf("rooms = %+v, want 2 entries", out.Rooms)
	}
	if out.Rooms[0].RoomID != "lobby" || out.Rooms[0].Members != 2 {
		t.Errorf("rooms[0] = %+v, want lobby with 2 members", out.Rooms[0])
	}
	if out.Rooms[1].RoomID != "war-room" || out.Rooms[1].Members != 1 {
		t.Errorf("rooms[1] = %+v, want war-room with 1 member", out.Rooms[1])
	}
}

func TestListRooms_Empty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	var out listRoomsResult
	decode(t, f.call(t, "list_rooms", nil), &out)

	if len(out.Rooms) != 0 {
		t.Fatalf("rooms = %+v, want none", out.Rooms)
	}
}

func TestRoomMembers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.registry.Register(room.Identity{ID: "alice", Username: "alice", FullName: "Alice A"}, "lobby", &roommock.Channel{})
	f.registry.Register(room.Identity{ID: "bob", Username: "bob"}, "lobby", &roommock.Channel{})
	if err := f.coord.StartSpeaker("alice", "lobby", relay.Settings{InputLang: "en"}); err != nil {
		t.Fatalf("StartSpeaker: %v", err)
	}

	var out roomMembersResult
	decode(t, f.call(t, "room_members", map[string]any{"room_id": "lobby"}), &out)

	if out.RoomID != "lobby" || len(out.Members) != 2 {
		t.Fatalf("result = %+v, want lobby with 2 members", out)
	}
	alice, bob := out.Members[0], out.Members[1]
	if alice.UserID != "alice" || alice.FullName != "Alice A" || !alice.PipelineRunning {
		t.Errorf("alice = %+v, want running pipeline and full name", alice)
	}
	if bob.UserID != "bob" || bob.PipelineRunning {
		t.Errorf("bob = %+v, want idle pipeline", bob)
	}
}

func TestRoomMembers_UnknownRoom(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	wantToolError(t, f.call(t, "room_members", map[string]any{"room_id": "ghost-town"}), "no members")
}

func TestSpeakerState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.registry.Register(room.Identity{ID: "alice", Username: "alice"}, "lobby", &roommock.Channel{})
	if err := f.coord.StartSpeaker("alice", "lobby", relay.Settings{InputLang: "en", OutputLang: "pt"}); err != nil {
		t.Fatalf("StartSpeaker: %v", err)
	}

	var out speakerStateResult
	decode(t, f.call(t, "speaker_state", map[string]any{"user_id": "alice"}), &out)

	if out.UserID != "alice" || out.RoomID != "lobby" {
		t.Fatalf("result = %+v, want alice in lobby", out)
	}
	if out.InputLanguage != "en" || out.OutputLanguage != "pt" {
		t.Errorf("languages = %s/%s, want en/pt", out.InputLanguage, out.OutputLanguage)
	}
	if out.Muted || out.Speaking {
		t.Errorf("muted=%v speaking=%v, want both false", out.Muted, out.Speaking)
	}
}

func TestSpeakerState_NotRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	wantToolError(t, f.call(t, "speaker_state", map[string]any{"user_id": "nobody"}), "no running pipeline")
}

func TestSimilarVoices(t *testing.T) {
	t.Parallel()

	store := profile.NewMemoryStore()
	ctx := context.Background()
	if err := store.SavePrint(ctx, "alice", []float32{1, 0, 0}); err != nil {
		t.Fatalf("SavePrint: %v", err)
	}
	if err := store.SavePrint(ctx, "bob", []float32{0.9, 0.1, 0}); err != nil {
		t.Fatalf("SavePrint: %v", err)
	}
	if err := store.SavePrint(ctx, "mallory", []float32{0, 1, 0}); err != nil {
		t.Fatalf("SavePrint: %v", err)
	}

	f := newFixture(t, store)

	var out similarVoicesResult
	decode(t, f.call(t, "similar_voices", map[string]any{"user_id": "alice"}), &out)

	if len(out.Matches) != 2 {
		t.Fatalf("matches = %+v, want 2", out.Matches)
	}
	if out.Matches[0].UserID != "bob" {
		t.Errorf("closest match = %q, want bob", out.Matches[0].UserID)
	}
	if out.Matches[0].Distance >= out.Matches[1].Distance {
		t.Errorf("distances not ascending: %+v", out.Matches)
	}
}

func TestSimilarVoices_LimitApplied(t *testing.T) {
	t.Parallel()

	store := profile.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := store.SavePrint(ctx, id, []float32{1, 0, 0}); err != nil {
			t.Fatalf("SavePrint(%s): %v", id, err)
		}
	}

	f := newFixture(t, store)

	var out similarVoicesResult
	decode(t, f.call(t, "similar_voices", map[string]any{"user_id": "alice", "limit": 1}), &out)

	if len(out.Matches) != 1 {
		t.Fatalf("matches = %+v, want exactly 1", out.Matches)
	}
}

func TestSimilarVoices_NoStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	wantToolError(t, f.call(t, "similar_voices", map[string]any{"user_id": "alice"}), "voice store is not configured")
}

func TestSimilarVoices_NoPrint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.NewMemoryStore())

	wantToolError(t, f.call(t, "similar_voices", map[string]any{"user_id": "ghost"}), "has no voice print")
}

func TestRegisterMountsEndpoint(t *testing.T) {
	t.Parallel()

	registry := room.NewRegistry()
	buf := intake.NewBuffer()
	models := gateway.NewSet(&asrmock.Recognizer{}, &mtmock.Translator{}, &ttsmock.Synthesizer{})
	coord := relay.NewCoordinator(relay.Config{TickInterval: time.Hour}, registry, buf, models)
	t.Cleanup(func() { _ = coord.Close() })

	mux := http.NewServeMux()
	New(registry, coord, nil).Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code == http.StatusNotFound {
		t.Fatal("/mcp not mounted")
	}
}

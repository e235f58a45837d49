package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/embedbridge/internal/backend"
	"github.com/danmuck/embedbridge/internal/mirror"
	"github.com/danmuck/embedbridge/internal/poll"
	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/danmuck/embedbridge/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

// fakeEmbed answers calls synchronously from Post, the way a local embed would
// from its message handler.
type fakeEmbed struct {
	mu      sync.Mutex
	sent    []protocol.Request
	respond func(req protocol.Request) (data string, errText string, ok bool)
	// follow returns messages delivered right after the reply to req.
	follow func(req protocol.Request) [][]byte
	bridge *Bridge
}

func (f *fakeEmbed) Post(_ context.Context, text []byte) error {
	var req protocol.Request
	if err := json.Unmarshal(text, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	respond, follow := f.respond, f.follow
	f.mu.Unlock()
	if respond == nil || req.Kind() != protocol.KindCall {
		return nil
	}
	data, errText, ok := respond(req)
	if !ok {
		return nil
	}
	f.bridge.Receive(completion(req.ID, data, errText))
	if follow != nil {
		for _, msg := range follow(req) {
			f.bridge.Receive(msg)
		}
	}
	return nil
}

func (f *fakeEmbed) calls(fragment string) []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Request
	for _, req := range f.sent {
		if req.Kind() == protocol.KindCall && strings.Contains(req.Command, fragment) {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeEmbed) last() protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return protocol.Request{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeEmbed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func completion(id, data, errText string) []byte {
	msg := map[string]any{"channel": protocol.ChannelReply, "id": id}
	if data != "" {
		msg["data"] = json.RawMessage(data)
	}
	if errText != "" {
		msg["error"] = errText
	}
	raw, _ := json.Marshal(msg)
	return raw
}

func objectAdded(tuid, guid, pset string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"channel":    protocol.ChannelReply,
		"subchannel": protocol.SubchannelObjectAdded,
		"data": map[string]any{
			"tuid": tuid,
			"guid": guid,
			"pset": json.RawMessage(pset),
		},
	})
	return raw
}

func meshPSet(name, material string) string {
	return fmt.Sprintf(`{
		"name":{"id":"name","name":"Name","type":"string","value":%q},
		"tuid":{"id":"tuid","name":"Type","type":"string","value":"MeshID"},
		"Materials":{"tmaterial":{"id":"tmaterial","name":"Material","type":"guid","value":%q}}
	}`, name, material)
}

func namedPSet(name, tuid string) string {
	return fmt.Sprintf(`{
		"name":{"id":"name","name":"Name","type":"string","value":%q},
		"tuid":{"id":"tuid","name":"Type","type":"string","value":%q}
	}`, name, tuid)
}

const cameraPSet = `{
	"name":{"id":"name","name":"Name","type":"string","value":"Main"},
	"tuid":{"id":"tuid","name":"Type","type":"string","value":"CameraID"},
	"Resolution":{
		"width":{"id":"width","name":"Width","type":"int","value":640},
		"height":{"id":"height","name":"Height","type":"int","value":480}
	}
}`

var testClassed = `{"SceneID":["s1"],"CameraID":["c1","c2"],"MeshID":["m1","m2"],"MaterialID":["mat1","mat2"]}`

var testPSets = map[string]string{
	"c1":   cameraPSet,
	"c2":   namedPSet("Side", "CameraID"),
	"m1":   meshPSet("Box", "mat1"),
	"m2":   meshPSet("Sphere", "mat1"),
	"mat1": namedPSet("Red", "MaterialID"),
	"mat2": namedPSet("Blue", "MaterialID"),
}

// sceneResponder answers the bootstrap sequence; loadedAfter is the number of
// getSceneLoaded polls answered false first.
func sceneResponder(loadedAfter int, extra func(protocol.Request) (string, string, bool)) func(protocol.Request) (string, string, bool) {
	var mu sync.Mutex
	polls := 0
	return func(req protocol.Request) (string, string, bool) {
		switch {
		case req.Command == "ACTIVEAPP.getSceneLoaded();":
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			return fmt.Sprint(n > loadedAfter), "", true
		case strings.Contains(req.Command, "ACTIVEAPP.GetClassedItems()"):
			return testClassed, "", true
		case strings.Contains(req.Command, "PropertySet.flatten") && strings.Contains(req.Command, "VALUE_ID"):
			for guid, pset := range testPSets {
				if strings.Contains(req.Command, fmt.Sprintf("GetByGUID(%q)", guid)) {
					return pset, "", true
				}
			}
			return "", protocol.ErrorExec, true
		}
		if extra != nil {
			return extra(req)
		}
		return "", "", false
	}
}

type testBridge struct {
	*Bridge
	embed  *fakeEmbed
	clock  *poll.ManualClock
	loaded int
	added  []*mirror.Object
}

func newTestBridge(t *testing.T, backendURL string, respond func(protocol.Request) (string, string, bool)) *testBridge {
	t.Helper()
	embed := &fakeEmbed{respond: respond}
	tb := &testBridge{embed: embed, clock: poll.NewManualClock(time.Unix(0, 0))}
	n := 0
	var idMu sync.Mutex
	b, err := New(embed, Options{
		ID: "bridge-test",
		IDGenerator: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("req%07d", n)
		},
		Hooks: Hooks{
			OnSceneLoaded: func(*mirror.Scene) { tb.loaded++ },
			OnObjectAdded: func(o *mirror.Object) { tb.added = append(tb.added, o) },
		},
		Clock:   tb.clock,
		Backend: backend.Config{BaseURL: backendURL},
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	embed.bridge = b
	tb.Bridge = b
	return tb
}

func bootedBridge(t *testing.T, extra func(protocol.Request) (string, string, bool)) *testBridge {
	t.Helper()
	tb := newTestBridge(t, "", sceneResponder(0, extra))
	if err := tb.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return tb
}

func TestBootstrapPollsUntilSceneLoaded(t *testing.T) {
	testlog.Start(t)
	tb := newTestBridge(t, "", sceneResponder(2, nil))

	done := make(chan error, 1)
	go func() { done <- tb.Bootstrap(context.Background()) }()

	deadline := time.After(2 * time.Second)
	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		case <-deadline:
			t.Fatalf("bootstrap did not finish")
		default:
			tb.clock.Advance(DefaultReadyInterval)
			time.Sleep(time.Millisecond)
		}
	}
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if got := len(tb.embed.calls("getSceneLoaded")); got != 3 {
		t.Fatalf("expected 3 readiness polls, got %d", got)
	}
	if got := len(tb.embed.calls("GetClassedItems")); got != 1 {
		t.Fatalf("expected one enumeration, got %d", got)
	}
	scene := tb.Scene()
	if scene == nil || scene.GUID() != "s1" {
		t.Fatalf("unexpected scene: %+v", scene)
	}
	if scene.GetObjectCount() != 6 {
		t.Fatalf("expected 6 objects, got %d", scene.GetObjectCount())
	}
	if _, ok := scene.GetObjectByGuid("s1"); ok {
		t.Fatalf("scene guid must not be mirrored as an object")
	}
	if tb.loaded != 1 || !tb.Loaded() {
		t.Fatalf("scene-loaded hook fired %d times", tb.loaded)
	}
	cam, ok := tb.ActiveCamera()
	if !ok || cam.GUID() != "c1" {
		t.Fatalf("first camera must be active, got %+v", cam)
	}
	if tb.Engine().PendingCount() != 0 {
		t.Fatalf("expected no pending requests, got %d", tb.Engine().PendingCount())
	}
	if err := tb.Bootstrap(context.Background()); !errors.Is(err, ErrAlreadyBootstrap) {
		t.Fatalf("expected ErrAlreadyBootstrap, got %v", err)
	}
}

func TestBootstrapSettlesWithFailedObjects(t *testing.T) {
	testlog.Start(t)
	respond := sceneResponder(0, nil)
	tb := newTestBridge(t, "", func(req protocol.Request) (string, string, bool) {
		if strings.Contains(req.Command, `GetByGUID("m2")`) {
			return "", protocol.ErrorExec, true
		}
		return respond(req)
	})
	if err := tb.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	m2, ok := tb.Scene().GetObjectByGuid("m2")
	if !ok || m2.State() != mirror.StateFailed {
		t.Fatalf("expected m2 failed, got %+v", m2)
	}
	if tb.loaded != 1 {
		t.Fatalf("scene-loaded must still fire once, got %d", tb.loaded)
	}
}

func TestBootstrapCancelled(t *testing.T) {
	testlog.Start(t)
	tb := newTestBridge(t, "", func(protocol.Request) (string, string, bool) { return "", "", false })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tb.Bootstrap(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tb.Scene() != nil {
		t.Fatalf("scene must stay unset")
	}
}

func TestObjectAddedRightAfterClassedItemsIsMirrored(t *testing.T) {
	testlog.Start(t)
	tb := newTestBridge(t, "", sceneResponder(0, nil))
	tb.embed.follow = func(req protocol.Request) [][]byte {
		if strings.Contains(req.Command, "ACTIVEAPP.GetClassedItems()") {
			return [][]byte{objectAdded("MeshID", "m-new", meshPSet("Cone", "mat2"))}
		}
		return nil
	}
	if err := tb.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	obj, ok := tb.Scene().GetObjectByGuid("m-new")
	if !ok || obj.State() != mirror.StateReady || obj.Name() != "Cone" {
		t.Fatalf("broadcast after enumeration must be mirrored, got %+v", obj)
	}
	if got := tb.Scene().GetObjectCount(); got != 7 {
		t.Fatalf("expected 7 objects, got %d", got)
	}
	if len(tb.added) != 1 || tb.loaded != 1 {
		t.Fatalf("unexpected hooks: added=%d loaded=%d", len(tb.added), tb.loaded)
	}
}

func TestDuplicateCompletesThroughObjectAdded(t *testing.T) {
	testlog.Start(t)
	tb := bootedBridge(t, func(req protocol.Request) (string, string, bool) {
		if strings.Contains(req.Command, "generateGUID") {
			return `"m1-copy"`, "", true
		}
		return "", "", false
	})

	var copies []*mirror.Object
	if err := tb.DuplicateObject(context.Background(), "m1", func(o *mirror.Object) { copies = append(copies, o) }); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if !strings.Contains(tb.embed.last().Command, `pset.name.value = "Box Copy 0";`) {
		t.Fatalf("unexpected duplicate instruction: %s", tb.embed.last().Command)
	}
	if len(copies) != 0 {
		t.Fatalf("copy must wait for objectAdded")
	}

	tb.Receive(objectAdded("MeshID", "m1-copy", meshPSet("Box Copy 0", "mat1")))
	if len(copies) != 1 || copies[0].GUID() != "m1-copy" || copies[0].Name() != "Box Copy 0" {
		t.Fatalf("unexpected copies: %+v", copies)
	}
	if len(tb.added) != 1 {
		t.Fatalf("object-added hook fired %d times", len(tb.added))
	}
	if got := tb.Scene().GetObjectCount(); got != 7 {
		t.Fatalf("expected count 7, got %d", got)
	}
	if tb.Engine().PendingCount() != 0 {
		t.Fatalf("await entry must be consumed")
	}

	tb.Receive(objectAdded("MeshID", "m1-copy", meshPSet("Box Copy 0", "mat1")))
	if got := tb.Scene().GetObjectCount(); got != 7 {
		t.Fatalf("re-announce must not grow the scene, got %d", got)
	}
	if len(copies) != 1 {
		t.Fatalf("duplicate callback must fire once")
	}
}

func TestDuplicateCameraRefused(t *testing.T) {
	testlog.Start(t)
	tb := bootedBridge(t, nil)
	before := tb.embed.count()
	if err := tb.DuplicateObject(context.Background(), "c1", nil); !errors.Is(err, mirror.ErrDuplicateRefused) {
		t.Fatalf("expected ErrDuplicateRefused, got %v", err)
	}
	if tb.embed.count() != before {
		t.Fatalf("refused duplicate must not send")
	}
	if err := tb.DuplicateObject(context.Background(), "nope", nil); !errors.Is(err, mirror.ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
}

func TestObjectAddedBeforeSceneIsDropped(t *testing.T) {
	testlog.Start(t)
	tb := newTestBridge(t, "", nil)
	tb.Receive(objectAdded("MeshID", "early", meshPSet("Early", "")))
	if tb.Scene() != nil || len(tb.added) != 0 {
		t.Fatalf("broadcast before bootstrap must be dropped")
	}
}

func TestApplyMaterialHelpers(t *testing.T) {
	testlog.Start(t)
	tb := bootedBridge(t, nil)
	ctx := context.Background()

	if err := tb.ApplyMaterialToMeshByName(ctx, "Blue", "Sphere"); err != nil {
		t.Fatalf("apply by name: %v", err)
	}
	want := `ACTIVEAPP.setObjectParameter("m2",{"property":"Materials","value":{"tmaterial":"mat2"}});`
	if got := tb.embed.last().Command; got != want {
		t.Fatalf("unexpected instruction:\n got=%s\nwant=%s", got, want)
	}
	m2, _ := tb.Scene().GetObjectByGuid("m2")
	if mat, ok := m2.GetMaterial(); !ok || mat.GUID() != "mat2" {
		t.Fatalf("mirror not updated: %+v", mat)
	}

	if err := tb.ApplyMaterialToObjectByGuid(ctx, "mat2", "m1"); err != nil {
		t.Fatalf("apply by guid: %v", err)
	}
	if got := tb.embed.last().Command; !strings.Contains(got, `"m1"`) || !strings.Contains(got, `"tmaterial":"mat2"`) {
		t.Fatalf("unexpected instruction: %s", got)
	}

	if err := tb.ApplyMaterialToMeshByName(ctx, "Green", "Sphere"); !errors.Is(err, mirror.ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
	if err := tb.ApplyMaterialToObjectByGuid(ctx, "mat1", "c1"); !errors.Is(err, mirror.ErrNoMaterialSlot) {
		t.Fatalf("expected ErrNoMaterialSlot, got %v", err)
	}
}

func TestSetCameraResolutionKeepsMirroredValues(t *testing.T) {
	testlog.Start(t)
	tb := bootedBridge(t, nil)
	width := 1920
	if err := tb.SetCameraResolution(context.Background(), Resolution{Width: &width}); err != nil {
		t.Fatalf("set resolution: %v", err)
	}
	want := `ACTIVEAPP.setObjectParameter("c1",{"property":"Resolution","value":{"height":480,"width":1920}});`
	if got := tb.embed.last().Command; got != want {
		t.Fatalf("unexpected instruction:\n got=%s\nwant=%s", got, want)
	}

	fresh := newTestBridge(t, "", nil)
	if err := fresh.SetCameraResolution(context.Background(), Resolution{}); !errors.Is(err, ErrNoCamera) {
		t.Fatalf("expected ErrNoCamera, got %v", err)
	}
}

func TestRenderStateTracksCommands(t *testing.T) {
	testlog.Start(t)
	tb := bootedBridge(t, nil)
	ctx := context.Background()
	if err := tb.StartRender(ctx); err != nil || !tb.IsRendering() {
		t.Fatalf("start render: err=%v rendering=%v", err, tb.IsRendering())
	}
	if err := tb.StopRender(ctx); err != nil || tb.IsRendering() {
		t.Fatalf("stop render: err=%v rendering=%v", err, tb.IsRendering())
	}
	if got := tb.embed.last().Command; got != "ACTIVEAPP.StopRender();" {
		t.Fatalf("unexpected instruction: %s", got)
	}
}

func TestCallBlocksForReplyAndForgetsOnCancel(t *testing.T) {
	testlog.Start(t)
	tb := bootedBridge(t, func(req protocol.Request) (string, string, bool) {
		switch req.Command {
		case "compressScene":
			return `{"blob":"abc"}`, "", true
		case "broken":
			return "", protocol.ErrorExec, true
		}
		return "", "", false
	})

	r, err := tb.Call(context.Background(), protocol.Command{Instruction: "compressScene"})
	if err != nil || string(r.Data) != `{"blob":"abc"}` {
		t.Fatalf("unexpected call result: data=%s err=%v", r.Data, err)
	}
	if _, err := tb.Call(context.Background(), protocol.Command{Instruction: "broken"}); !errors.Is(err, mirror.ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tb.Call(ctx, protocol.Command{Instruction: "silent"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tb.Engine().PendingCount() != 0 {
		t.Fatalf("cancelled call must drop its pending entry")
	}

	var fetched json.RawMessage
	if err := tb.FetchScene(context.Background(), func(data json.RawMessage, err error) {
		if err != nil {
			t.Errorf("fetch scene: %v", err)
		}
		fetched = data
	}); err != nil {
		t.Fatalf("fetch scene: %v", err)
	}
	if string(fetched) != `{"blob":"abc"}` {
		t.Fatalf("unexpected scene payload: %s", fetched)
	}
}

func TestBackendJobsThroughBridge(t *testing.T) {
	testlog.Start(t)
	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/versions/v1.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"guid":"v1","state":"done"}`))
	}))
	defer status.Close()

	tb := newTestBridge(t, status.URL, func(req protocol.Request) (string, string, bool) {
		if req.Command == backend.CommandSaveScene {
			return `{"version_guid":"v1"}`, "", true
		}
		return "", "", false
	})

	results := make(chan backend.Result, 1)
	err := tb.SaveScene(context.Background(), []string{"final"}, func(res backend.Result, err error) {
		if err != nil {
			t.Errorf("job: %v", err)
		}
		results <- res
	})
	if err != nil {
		t.Fatalf("save scene: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-results:
			if res.VersionGUID != "v1" || res.Status.Get("state").String() != "done" {
				t.Fatalf("unexpected result: %+v", res)
			}
			return
		case <-deadline:
			t.Fatalf("job did not complete")
		default:
			tb.clock.Advance(backend.DefaultInterval)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBackendDisabledWithoutURL(t *testing.T) {
	testlog.Start(t)
	tb := newTestBridge(t, "", nil)
	if err := tb.SaveRender(context.Background(), nil); !errors.Is(err, ErrBackendDisabled) {
		t.Fatalf("expected ErrBackendDisabled, got %v", err)
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	tb := newTestBridge(t, "", sceneResponder(0, func(req protocol.Request) (string, string, bool) {
		switch {
		case req.Command == "compressScene":
			return `{"blob":"abc"}`, "", true
		case req.Command == "loadAssets":
			return `["a1"]`, "", true
		case strings.Contains(req.Command, "AddEngineMaterial"):
			return `"mat3"`, "", true
		}
		return "", "", false
	}))
	router := tb.Router(nil, "")

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := do(http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before bootstrap, got %d", w.Code)
	}
	if w := do(http.MethodGet, "/scene/objects/m1", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for objects before bootstrap, got %d", w.Code)
	}
	if err := tb.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if w := do(http.MethodGet, "/health", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "bridge-test") {
		t.Fatalf("unexpected health: %d %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodGet, "/ready", ""); w.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", w.Code)
	}

	w := do(http.MethodGet, "/scene", "")
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Loaded || st.Camera != "c1" || st.Scene == nil || st.Scene.Count != 6 {
		t.Fatalf("unexpected status: %+v", st)
	}

	w = do(http.MethodGet, "/scene/objects/m1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"tmaterial"`) {
		t.Fatalf("unexpected object view: %d %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodGet, "/scene/objects/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = do(http.MethodPut, "/scene/objects/m1/parameters", `{"property":"Materials","parameter":"tmaterial","value":"mat2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set parameter: %d %s", w.Code, w.Body.String())
	}
	if got := tb.embed.last().Command; !strings.Contains(got, `{"property":"Materials","value":{"tmaterial":"mat2"}}`) {
		t.Fatalf("unexpected instruction: %s", got)
	}
	if w := do(http.MethodPut, "/scene/objects/m1/parameters", `{"property":"Nope","parameter":"x","value":1}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", w.Code)
	}
	if w := do(http.MethodPut, "/scene/objects/m1/parameters", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing parameter, got %d", w.Code)
	}

	if w := do(http.MethodPost, "/scene/objects/c1/duplicate", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for camera duplicate, got %d", w.Code)
	}
	if w := do(http.MethodPost, "/scene/objects/m1/duplicate", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for duplicate, got %d", w.Code)
	}

	if w := do(http.MethodPost, "/render/start", ""); w.Code != http.StatusOK || !tb.IsRendering() {
		t.Fatalf("render start: %d", w.Code)
	}
	if w := do(http.MethodPost, "/tools/OrbitTool", ""); w.Code != http.StatusOK {
		t.Fatalf("tool: %d", w.Code)
	}
	if w := do(http.MethodPost, "/tools/LassoTool", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tool, got %d", w.Code)
	}

	w = do(http.MethodPost, "/scene/objects/m1/bindings/Materials", "")
	var bound struct {
		Listener uint64 `json:"listener"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bound); err != nil || w.Code != http.StatusOK {
		t.Fatalf("bind: %d %s", w.Code, w.Body.String())
	}
	if last := tb.embed.last(); last.Kind() != protocol.KindBind || last.ID != "m1:Materials" {
		t.Fatalf("expected bind envelope, got %+v", last)
	}
	tb.Receive(completion("m1:Materials", `{"tmaterial":{"value":"mat1"}}`, ""))
	m1, _ := tb.Scene().GetObjectByGuid("m1")
	if mat, ok := m1.GetMaterial(); !ok || mat.GUID() != "mat1" {
		t.Fatalf("bound event must update the mirror, got %+v", mat)
	}
	if w := do(http.MethodPost, "/scene/objects/m1/bindings/Nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown binding path, got %d", w.Code)
	}
	listenerPath := fmt.Sprintf("/scene/objects/m1/bindings/Materials?listener=%d", bound.Listener)
	if w := do(http.MethodDelete, listenerPath, ""); w.Code != http.StatusNoContent {
		t.Fatalf("unbind listener: %d %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodDelete, listenerPath, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for removed listener, got %d", w.Code)
	}
	if w := do(http.MethodDelete, "/scene/objects/m1/bindings/Materials", ""); w.Code != http.StatusNoContent {
		t.Fatalf("unbind: %d", w.Code)
	}
	if last := tb.embed.last(); last.Kind() != protocol.KindUnbind || last.ID != "m1:Materials" {
		t.Fatalf("expected unbind envelope, got %+v", last)
	}

	if w := do(http.MethodPut, "/scene/objects/m2/material", `{"material":"mat2"}`); w.Code != http.StatusOK {
		t.Fatalf("apply material: %d %s", w.Code, w.Body.String())
	}
	if got := tb.embed.last().Command; !strings.Contains(got, `"m2"`) || !strings.Contains(got, `"tmaterial":"mat2"`) {
		t.Fatalf("unexpected instruction: %s", got)
	}
	if w := do(http.MethodPut, "/scene/objects/c1/material", `{"material":"mat2"}`); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without material slot, got %d", w.Code)
	}
	if w := do(http.MethodPost, "/materials/assign", `{"material":"Red","mesh":"Sphere"}`); w.Code != http.StatusOK {
		t.Fatalf("assign by name: %d %s", w.Code, w.Body.String())
	}
	if w := do(http.MethodPost, "/materials/assign", `{"material":"Red"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without mesh, got %d", w.Code)
	}

	if w := do(http.MethodPost, "/materials", `{"type":"GlossyDiffuse"}`); w.Code != http.StatusAccepted {
		t.Fatalf("add material: %d %s", w.Code, w.Body.String())
	}
	tb.Receive(objectAdded("MaterialID", "mat3", namedPSet("Glossy", "MaterialID")))
	if _, ok := tb.Scene().GetObjectByGuid("mat3"); !ok {
		t.Fatalf("new material must be mirrored")
	}
	if w := do(http.MethodPost, "/lights", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without light type, got %d", w.Code)
	}

	w = do(http.MethodGet, "/scene/export", "")
	if w.Code != http.StatusOK || w.Body.String() != `{"blob":"abc"}` {
		t.Fatalf("export: %d %s", w.Code, w.Body.String())
	}
	w = do(http.MethodPost, "/assets", `[{"name":"chair","datatype":1,"version_guid":"v9"}]`)
	if w.Code != http.StatusOK || w.Body.String() != `["a1"]` {
		t.Fatalf("load assets: %d %s", w.Code, w.Body.String())
	}

	if w := do(http.MethodPut, "/camera/resolution", `{"width":800}`); w.Code != http.StatusOK {
		t.Fatalf("resolution: %d %s", w.Code, w.Body.String())
	}
	if got := tb.embed.last().Command; !strings.Contains(got, `{"height":480,"width":800}`) {
		t.Fatalf("unexpected instruction: %s", got)
	}
	if w := do(http.MethodPost, "/toolbar", `{"show":false}`); w.Code != http.StatusOK {
		t.Fatalf("toolbar: %d", w.Code)
	}
	if got := tb.embed.last().Command; got != "ACTIVEAPP.toolbar.hide();" {
		t.Fatalf("unexpected instruction: %s", got)
	}
	if w := do(http.MethodPost, "/toolbar", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without show, got %d", w.Code)
	}
	if w := do(http.MethodPost, "/deselect", ""); w.Code != http.StatusNoContent {
		t.Fatalf("deselect: %d", w.Code)
	}
	if w := do(http.MethodPost, "/jobs/save-render", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without backend, got %d", w.Code)
	}
	if w := do(http.MethodGet, "/jobs/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", w.Code)
	}

	if w := do(http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestAdminJobRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	status := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/versions/v7.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"guid":"v7","state":"done"}`))
	}))
	defer status.Close()

	tb := newTestBridge(t, status.URL, func(req protocol.Request) (string, string, bool) {
		switch req.Command {
		case backend.CommandSaveScene:
			return `{"version_guid":"v7"}`, "", true
		case backend.CommandSaveRender:
			return "", protocol.ErrorExec, true
		}
		return "", "", false
	})
	router := tb.Router(nil, "")
	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}
	readJob := func(path string) JobStatus {
		w := do(http.MethodGet, path, "")
		var job JobStatus
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil || w.Code != http.StatusOK {
			t.Fatalf("job %s: %d %s", path, w.Code, w.Body.String())
		}
		return job
	}

	w := do(http.MethodPost, "/jobs/save-render", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("save render: %d %s", w.Code, w.Body.String())
	}
	if job := readJob(w.Header().Get("Location")); job.State != JobFailed || job.Error == "" {
		t.Fatalf("failed command must settle the job, got %+v", job)
	}

	w = do(http.MethodPost, "/jobs/save-scene", `{"tags":["final"]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("save scene: %d %s", w.Code, w.Body.String())
	}
	if last := tb.embed.last(); last.Command != backend.CommandSaveScene {
		t.Fatalf("unexpected instruction: %+v", last)
	}
	location := w.Header().Get("Location")

	deadline := time.After(2 * time.Second)
	for {
		job := readJob(location)
		if job.State == JobDone {
			if job.VersionGUID != "v7" || !strings.Contains(string(job.Status), `"state":"done"`) || job.Finished == nil {
				t.Fatalf("unexpected job: %+v", job)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not complete: %+v", job)
		default:
			tb.clock.Advance(backend.DefaultInterval)
			time.Sleep(time.Millisecond)
		}
	}

	w = do(http.MethodGet, "/jobs", "")
	var listed struct {
		Jobs []JobStatus `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil || len(listed.Jobs) != 2 {
		t.Fatalf("unexpected job list: %s", w.Body.String())
	}
}

func TestAdminTokenGuardsMutatingRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	tb := bootedBridge(t, nil)
	router := tb.Router(nil, "s3cret")

	post := func(path, token string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}
	if code := post("/render/start", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if tb.IsRendering() {
		t.Fatalf("denied request must not reach the embed")
	}
	if code := post("/render/start", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", code)
	}
	if code := post("/render/start", "s3cret"); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/scene", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("read routes stay open, got %d", w.Code)
	}
}

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/embedbridge/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrLinkRequired     = errors.New("mirror: link required")
	ErrUnknownObject    = errors.New("mirror: unknown object")
	ErrDuplicateRefused = errors.New("mirror: states and cameras cannot be duplicated")
)

// Category labels reported by the embed's classed items.
const (
	CategoryScene      = "SceneID"
	CategoryLight      = "LightID"
	CategoryCamera     = "CameraID"
	CategoryMesh       = "MeshID"
	CategoryMaterial   = "MaterialID"
	CategoryTexture    = "TextureID"
	CategoryGroup      = "GroupID"
	CategoryProjection = "TextureProjectionID"
	CategoryState      = "StateID"

	// TypeSceneState is the tuid carried by state objects.
	TypeSceneState = "SceneStateID"
)

// Scene indexes mirrored objects by guid and by category. Objects are only ever
// added; adding a known guid replaces the previous object.
type Scene struct {
	guid string
	link Link

	mu      sync.RWMutex
	classed map[string]map[string]*Object
	index   map[string]*Object
}

func NewScene(guid string, link Link) (*Scene, error) {
	if link == nil {
		return nil, ErrLinkRequired
	}
	return &Scene{
		guid:    guid,
		link:    link,
		classed: make(map[string]map[string]*Object),
		index:   make(map[string]*Object),
	}, nil
}

func (s *Scene) GUID() string { return s.guid }

// AddObject mirrors guid under category tuid. A decodable pset builds the object
// immediately and onReady runs before AddObject returns; otherwise the tree is
// fetched and onReady runs when the reply lands. onReady never runs for an object
// that failed to hydrate.
func (s *Scene) AddObject(ctx context.Context, tuid, guid string, pset json.RawMessage, onReady func(*Object)) {
	s.addObject(ctx, tuid, guid, pset, func(o *Object, err error) {
		if err == nil && onReady != nil {
			onReady(o)
		}
	})
}

func (s *Scene) addObject(ctx context.Context, tuid, guid string, pset json.RawMessage, settle func(*Object, error)) {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		log.Warn().Str("tuid", tuid).Msg("mirror.Scene.AddObject missing guid")
		if settle != nil {
			settle(nil, ErrUnknownObject)
		}
		return
	}
	o := newObject(s, s.link, tuid, guid)

	s.mu.Lock()
	if prev, ok := s.index[guid]; ok && prev.category != tuid {
		delete(s.classed[prev.category], guid)
	}
	class, ok := s.classed[tuid]
	if !ok {
		class = make(map[string]*Object)
		s.classed[tuid] = class
	}
	class[guid] = o
	s.index[guid] = o
	s.mu.Unlock()

	log.Debug().Str("tuid", tuid).Str("guid", guid).Msg("mirror.Scene.AddObject")
	o.hydrate(ctx, pset, settle)
}

// Hydrate mirrors every guid of classed through the fetch path. done runs once
// after every object has either become ready or failed.
func (s *Scene) Hydrate(ctx context.Context, classed map[string][]string, done func(ready, failed int)) {
	total := 0
	for _, guids := range classed {
		total += len(guids)
	}
	if total == 0 {
		if done != nil {
			done(0, 0)
		}
		return
	}

	var mu sync.Mutex
	ready, failed := 0, 0
	settle := func(_ *Object, err error) {
		mu.Lock()
		if err != nil {
			failed++
		} else {
			ready++
		}
		finished := ready+failed == total
		r, f := ready, failed
		mu.Unlock()
		if finished && done != nil {
			done(r, f)
		}
	}

	categories := make([]string, 0, len(classed))
	for category := range classed {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		for _, guid := range classed[category] {
			s.addObject(ctx, category, guid, nil, settle)
		}
	}
}

// GetObjectByGuid reports false for unknown guids.
func (s *Scene) GetObjectByGuid(guid string) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.index[guid]
	return o, ok
}

// GetObjectByName returns every object whose "name" parameter equals name.
func (s *Scene) GetObjectByName(name string) []*Object {
	var out []*Object
	for _, o := range s.all() {
		if o.Name() == name {
			out = append(out, o)
		}
	}
	return out
}

func (s *Scene) all() []*Object {
	s.mu.RLock()
	out := make([]*Object, 0, len(s.index))
	for _, o := range s.index {
		out = append(out, o)
	}
	s.mu.RUnlock()
	sortObjects(out)
	return out
}

// Objects lists one category ordered by guid.
func (s *Scene) Objects(category string) []*Object {
	s.mu.RLock()
	class := s.classed[category]
	out := make([]*Object, 0, len(class))
	for _, o := range class {
		out = append(out, o)
	}
	s.mu.RUnlock()
	sortObjects(out)
	return out
}

func sortObjects(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].guid < objs[j].guid })
}

func (s *Scene) GetLights() []*Object      { return s.Objects(CategoryLight) }
func (s *Scene) GetCameras() []*Object     { return s.Objects(CategoryCamera) }
func (s *Scene) GetMeshes() []*Object      { return s.Objects(CategoryMesh) }
func (s *Scene) GetMaterials() []*Object   { return s.Objects(CategoryMaterial) }
func (s *Scene) GetTextures() []*Object    { return s.Objects(CategoryTexture) }
func (s *Scene) GetGroups() []*Object      { return s.Objects(CategoryGroup) }
func (s *Scene) GetProjections() []*Object { return s.Objects(CategoryProjection) }
func (s *Scene) GetStates() []*Object      { return s.Objects(CategoryState) }

func (s *Scene) GetObjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Categories lists category labels with their object counts.
func (s *Scene) Categories() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.classed))
	for category, class := range s.classed {
		out[category] = len(class)
	}
	return out
}

func duplicateRefused(tag string) bool {
	switch tag {
	case TypeSceneState, CategoryState, CategoryCamera:
		return true
	default:
		return false
	}
}

// DuplicateObject clones obj in the embed as "<name> Copy <n>". The direct reply only
// carries the new guid; onAdded runs once the copy is announced and mirrored.
// States and cameras are refused without any remote traffic.
func (s *Scene) DuplicateObject(ctx context.Context, obj *Object, onAdded func(*Object)) error {
	if obj == nil {
		return ErrUnknownObject
	}
	if duplicateRefused(obj.TypeTag()) || duplicateRefused(obj.category) {
		log.Warn().Str("guid", obj.guid).Str("tuid", obj.TypeTag()).Msg("mirror.Scene.DuplicateObject refused")
		return fmt.Errorf("%w: %s", ErrDuplicateRefused, obj.guid)
	}
	name := fmt.Sprintf("%s Copy %d", obj.Name(), obj.nextCopy())
	return s.link.DuplicateObject(ctx, obj.guid, name, s.onCreated("duplicate", onAdded))
}

// AddNewMaterial creates a material of minorType, e.g. "Glossy Diffuse".
func (s *Scene) AddNewMaterial(ctx context.Context, minorType string, onAdded func(*Object)) error {
	return s.link.AddMaterial(ctx, minorType, s.onCreated("material", onAdded))
}

// AddNewLight creates a light of minorType, e.g. "DomeLight".
func (s *Scene) AddNewLight(ctx context.Context, minorType string, onAdded func(*Object)) error {
	return s.link.AddLight(ctx, minorType, s.onCreated("light", onAdded))
}

// onCreated turns a reply carrying a new guid into a wait for that guid's
// objectAdded announcement. A copy already mirrored is handed over at once.
func (s *Scene) onCreated(op string, onAdded func(*Object)) func(protocol.Reply) {
	if onAdded == nil {
		return nil
	}
	return func(r protocol.Reply) {
		if r.Failed() {
			log.Warn().Str("op", op).Str("error", r.Error).Msg("mirror.Scene create failed")
			return
		}
		var guid string
		if err := r.DecodeData(&guid); err != nil || strings.TrimSpace(guid) == "" {
			log.Warn().Str("op", op).Err(err).Msg("mirror.Scene create reply without guid")
			return
		}
		if o, ok := s.GetObjectByGuid(guid); ok && o.State() == StateReady {
			onAdded(o)
			return
		}
		s.link.Await(guid, func(protocol.Reply) {
			if o, ok := s.GetObjectByGuid(guid); ok {
				onAdded(o)
			}
		})
	}
}

// SceneSnapshot is a read-only view for diagnostics.
type SceneSnapshot struct {
	GUID       string         `json:"guid"`
	Count      int            `json:"count"`
	Categories map[string]int `json:"categories"`
}

func (s *Scene) Snapshot() SceneSnapshot {
	return SceneSnapshot{GUID: s.guid, Count: s.GetObjectCount(), Categories: s.Categories()}
}

package mirror

import (
	"context"

	"github.com/danmuck/embedbridge/internal/rpc"
)

// Commands is the subset of the remote facade the mirror issues.
type Commands interface {
	SetObjectParameter(ctx context.Context, guid, property string, values map[string]any, fn rpc.ReplyFunc) error
	FlattenPropertySet(ctx context.Context, guid string, fn rpc.ReplyFunc) error
	DuplicateObject(ctx context.Context, guid, name string, fn rpc.ReplyFunc) error
	AddMaterial(ctx context.Context, minorType string, fn rpc.ReplyFunc) error
	AddLight(ctx context.Context, minorType string, fn rpc.ReplyFunc) error
	ComputeTransformedAABB(ctx context.Context, guid string, fn rpc.ReplyFunc) error
	FetchChildren(ctx context.Context, guid string, fn rpc.ReplyFunc) error
	Translate(ctx context.Context, guid, axis string, distance float64) error
}

// Events is the subset of the correlation engine the mirror subscribes through.
type Events interface {
	Subscribe(ctx context.Context, path string, resolve func() rpc.Listener, listener rpc.Listener) (rpc.ListenerID, error)
	Subscribed(path string) bool
	Unsubscribe(ctx context.Context, path string) error
	UnsubscribeListener(path string, id rpc.ListenerID) bool
	Await(id string, fn rpc.ReplyFunc)
}

// Link is everything a mirrored object needs from its bridge.
type Link interface {
	Commands
	Events
}

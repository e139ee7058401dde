package platform

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bwchat/realtime-dm/internal/model"
)

// Remote is the Capability of a device connected over an event stream. It
// mirrors the state the device reports and turns notifications, chimes and
// permission prompts into events.
type Remote struct {
	emit    func(model.Event)
	timeout time.Duration

	mu         sync.Mutex
	permission Permission
	visible    bool
	waiters    []chan Permission
}

// NewRemote creates a Remote that emits through emit. timeout bounds how long
// RequestPermission waits for the device to answer.
func NewRemote(emit func(model.Event), timeout time.Duration) *Remote {
	return &Remote{
		emit:       emit,
		timeout:    timeout,
		permission: PermissionDefault,
		visible:    true,
	}
}

func (r *Remote) Permission() Permission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permission
}

// SetPermission records the device's answer and releases pending requests.
func (r *Remote) SetPermission(p Permission) {
	r.mu.Lock()
	r.permission = p
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- p
	}
}

// RequestPermission prompts the device once and waits for SetPermission.
// When the device does not answer in time the state stays PermissionDefault.
func (r *Remote) RequestPermission(ctx context.Context) (Permission, error) {
	r.mu.Lock()
	if r.permission != PermissionDefault {
		p := r.permission
		r.mu.Unlock()
		return p, nil
	}
	ch := make(chan Permission, 1)
	r.waiters = append(r.waiters, ch)
	first := len(r.waiters) == 1
	r.mu.Unlock()

	if first {
		r.emit(model.Event{Type: model.EventPermissionRequest})
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		return p, nil
	case <-timer.C:
		r.dropWaiter(ch)
		return PermissionDefault, nil
	case <-ctx.Done():
		r.dropWaiter(ch)
		return PermissionDefault, ctx.Err()
	}
}

func (r *Remote) dropWaiter(ch chan Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters = slices.DeleteFunc(r.waiters, func(w chan Permission) bool { return w == ch })
}

func (r *Remote) IsVisible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// SetVisible records the device's tab visibility.
func (r *Remote) SetVisible(v bool) {
	r.mu.Lock()
	r.visible = v
	r.mu.Unlock()
}

func (r *Remote) Notify(ctx context.Context, n Notification) error {
	r.emit(model.Event{Type: model.EventNotification, Data: &model.NotificationEvent{
		Title:      n.Title,
		Body:       n.Body,
		Icon:       n.Icon,
		RoutingKey: n.RoutingKey,
	}})
	return nil
}

func (r *Remote) PlayChime(ctx context.Context) error {
	r.emit(model.Event{Type: model.EventChime})
	return nil
}

package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"bangremind/internal/reminder"
	kit "bangremind/internal/transport"
)

// Routes maps owners to chats. Default is used for owners without an entry;
// a zero Default means unrouted owners fail with ErrNoRoute.
type Routes struct {
	Owners  map[int64]kit.ChatTarget
	Default kit.ChatTarget

	// Zones picks the timezone the due time is shown in; nil means UTC.
	Zones       map[int64]*time.Location
	DefaultZone *time.Location
}

// ParseRoutes builds Routes from config strings ("chat" or "chat:thread").
func ParseRoutes(owners map[string]string, def string) (Routes, error) {
	r := Routes{Owners: make(map[int64]kit.ChatTarget, len(owners))}
	for k, v := range owners {
		owner, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || owner <= 0 {
			return Routes{}, fmt.Errorf("dispatch.chats: invalid owner id %q", k)
		}
		t, err := kit.ParseChatTarget(v)
		if err != nil {
			return Routes{}, fmt.Errorf("dispatch.chats[%s]: %w", k, err)
		}
		r.Owners[owner] = t
	}
	if def != "" {
		t, err := kit.ParseChatTarget(def)
		if err != nil {
			return Routes{}, fmt.Errorf("dispatch.default_chat: %w", err)
		}
		r.Default = t
	}
	return r, nil
}

// WithZones returns r with owner timezones (IANA names) parsed from config.
func (r Routes) WithZones(zones map[string]string, def string) (Routes, error) {
	r.Zones = make(map[int64]*time.Location, len(zones))
	for k, v := range zones {
		owner, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || owner <= 0 {
			return Routes{}, fmt.Errorf("dispatch.timezones: invalid owner id %q", k)
		}
		loc, err := time.LoadLocation(strings.TrimSpace(v))
		if err != nil {
			return Routes{}, fmt.Errorf("dispatch.timezones[%s]: %w", k, err)
		}
		r.Zones[owner] = loc
	}
	r.DefaultZone = nil
	if def = strings.TrimSpace(def); def != "" {
		loc, err := time.LoadLocation(def)
		if err != nil {
			return Routes{}, fmt.Errorf("dispatch.default_timezone: %w", err)
		}
		r.DefaultZone = loc
	}
	return r, nil
}

func (r Routes) zone(owner int64) *time.Location {
	if loc, ok := r.Zones[owner]; ok {
		return loc
	}
	return r.DefaultZone
}

func (r Routes) lookup(owner int64) (kit.ChatTarget, bool) {
	if t, ok := r.Owners[owner]; ok {
		return t, true
	}
	return r.Default, !r.Default.IsZero()
}

// ChatDispatcher sends rendered reminders through a transport adapter.
type ChatDispatcher struct {
	adapter kit.Adapter

	mu     sync.RWMutex
	routes Routes
}

func NewChatDispatcher(adapter kit.Adapter, routes Routes) *ChatDispatcher {
	return &ChatDispatcher{adapter: adapter, routes: routes}
}

// SetRoutes swaps the owner routing table.
func (d *ChatDispatcher) SetRoutes(r Routes) {
	d.mu.Lock()
	d.routes = r
	d.mu.Unlock()
}

func (d *ChatDispatcher) Deliver(ctx context.Context, p reminder.Payload) error {
	d.mu.RLock()
	to, ok := d.routes.lookup(p.OwnerID)
	loc := d.routes.zone(p.OwnerID)
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %d", ErrNoRoute, p.OwnerID)
	}
	_, err := d.adapter.SendText(ctx, to, RenderHTML(p, loc), &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		return fmt.Errorf("send reminder %d to %s: %w", p.ReminderID, to, err)
	}
	return nil
}

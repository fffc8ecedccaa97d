package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/model"
)

// State is the client's view of its notifications, newest first.
// UnreadCount always equals the number of held records with Read false.
type State struct {
	Notifications []*model.Notification
	UnreadCount   int
}

type ActionKind int

const (
	ActionLoad ActionKind = iota + 1
	ActionPush
	ActionMarkRead
	ActionMarkAllRead
	ActionDelete
	ActionDeleteAll
)

type Action struct {
	Kind          ActionKind
	Notifications []*model.Notification // ActionLoad
	Notification  *model.Notification   // ActionPush
	ID            int64                 // ActionMarkRead, ActionDelete
}

// Reduce applies one action and returns the next state. s is not
// modified; records that change are copied.
func Reduce(s State, a Action) State {
	switch a.Kind {
	case ActionLoad:
		next := State{Notifications: make([]*model.Notification, 0, len(a.Notifications))}
		for _, n := range a.Notifications {
			if n == nil {
				continue
			}
			next.Notifications = append(next.Notifications, n.Clone())
			if !n.Read {
				next.UnreadCount++
			}
		}
		return next

	case ActionPush:
		if a.Notification == nil || indexOf(s.Notifications, a.Notification.ID) >= 0 {
			return s
		}
		next := State{
			Notifications: make([]*model.Notification, 0, len(s.Notifications)+1),
			UnreadCount:   s.UnreadCount,
		}
		next.Notifications = append(next.Notifications, a.Notification.Clone())
		next.Notifications = append(next.Notifications, s.Notifications...)
		if !a.Notification.Read {
			next.UnreadCount++
		}
		return next

	case ActionMarkRead:
		i := indexOf(s.Notifications, a.ID)
		if i < 0 || s.Notifications[i].Read {
			return s
		}
		next := State{Notifications: append([]*model.Notification(nil), s.Notifications...), UnreadCount: s.UnreadCount - 1}
		n := s.Notifications[i].Clone()
		n.Read = true
		next.Notifications[i] = n
		return next

	case ActionMarkAllRead:
		next := State{Notifications: make([]*model.Notification, len(s.Notifications))}
		for i, n := range s.Notifications {
			if n.Read {
				next.Notifications[i] = n
				continue
			}
			c := n.Clone()
			c.Read = true
			next.Notifications[i] = c
		}
		return next

	case ActionDelete:
		i := indexOf(s.Notifications, a.ID)
		if i < 0 {
			return s
		}
		next := State{
			Notifications: make([]*model.Notification, 0, len(s.Notifications)-1),
			UnreadCount:   s.UnreadCount,
		}
		next.Notifications = append(next.Notifications, s.Notifications[:i]...)
		next.Notifications = append(next.Notifications, s.Notifications[i+1:]...)
		if !s.Notifications[i].Read {
			next.UnreadCount--
		}
		return next

	case ActionDeleteAll:
		return State{Notifications: []*model.Notification{}}
	}
	return s
}

func indexOf(list []*model.Notification, id int64) int {
	for i, n := range list {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Backend is the pull API the cache reconciles against.
type Backend interface {
	List(ctx context.Context) ([]*model.Notification, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) error
}

// Alert is a transient heads-up for one live notification.
type Alert struct {
	Title        string
	Message      string
	Notification *model.Notification
}

// Cache holds State and applies actions one at a time. Mutations are
// optimistic: the local state changes first, and a failed server call
// schedules a reconciling Load instead of a local rollback.
type Cache struct {
	mu      sync.Mutex
	state   State
	loadSeq uint64

	api       Backend
	alerts    chan Alert
	reconcile chan struct{}
	changes   chan State
	logger    *zap.SugaredLogger
}

func NewCache(api Backend, logger *zap.SugaredLogger) *Cache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Cache{
		state:     State{Notifications: []*model.Notification{}},
		api:       api,
		alerts:    make(chan Alert, 32),
		reconcile: make(chan struct{}, 1),
		changes:   make(chan State, 1),
		logger:    logger,
	}
}

// Alerts delivers one Alert per live push. Alerts nobody reads are dropped.
func (c *Cache) Alerts() <-chan Alert { return c.alerts }

// Changes carries the latest state after every update; intermediate
// states may be skipped.
func (c *Cache) Changes() <-chan State { return c.changes }

func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cache) apply(a Action) {
	c.mu.Lock()
	c.state = Reduce(c.state, a)
	s := c.state
	c.mu.Unlock()

	select {
	case <-c.changes:
	default:
	}
	select {
	case c.changes <- s:
	default:
	}
}

// Load replaces the state with the server's list. When loads overlap
// only the most recently started one is applied.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	c.loadSeq++
	seq := c.loadSeq
	c.mu.Unlock()

	list, err := c.api.List(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	stale := seq != c.loadSeq
	c.mu.Unlock()
	if stale {
		return nil
	}
	c.apply(Action{Kind: ActionLoad, Notifications: list})
	return nil
}

// Push adds a live notification and raises an alert for it.
func (c *Cache) Push(n *model.Notification) {
	if n == nil {
		return
	}
	c.mu.Lock()
	dup := indexOf(c.state.Notifications, n.ID) >= 0
	c.mu.Unlock()
	if dup {
		return
	}
	c.apply(Action{Kind: ActionPush, Notification: n})
	select {
	case c.alerts <- Alert{Title: n.Title, Message: n.Message, Notification: n}:
	default:
	}
}

func (c *Cache) MarkRead(ctx context.Context, id int64) error {
	c.apply(Action{Kind: ActionMarkRead, ID: id})
	return c.settle(c.api.MarkRead(ctx, id))
}

func (c *Cache) MarkAllRead(ctx context.Context) error {
	c.apply(Action{Kind: ActionMarkAllRead})
	return c.settle(c.api.MarkAllRead(ctx))
}

func (c *Cache) Delete(ctx context.Context, id int64) error {
	c.apply(Action{Kind: ActionDelete, ID: id})
	return c.settle(c.api.Delete(ctx, id))
}

func (c *Cache) DeleteAll(ctx context.Context) error {
	c.apply(Action{Kind: ActionDeleteAll})
	return c.settle(c.api.DeleteAll(ctx))
}

func (c *Cache) settle(err error) error {
	if err != nil {
		c.logger.Warnw("mutation failed, reloading", "err", err)
		select {
		case c.reconcile <- struct{}{}:
		default:
		}
	}
	return err
}

// Run feeds socket events into the cache until ctx ends or events is
// closed. Every Connected event triggers a Load; during a disconnect
// the last state is kept as is.
func (c *Cache) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconcile:
			c.load(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case Connected:
				c.load(ctx)
			case MessageReceived:
				c.Push(ev.Notification)
			case Disconnected:
				c.logger.Debugw("socket disconnected, keeping cached state", "err", ev.Err)
			}
		}
	}
}

func (c *Cache) load(ctx context.Context) {
	if err := c.Load(ctx); err != nil {
		c.logger.Warnw("load failed", "err", err)
	}
}

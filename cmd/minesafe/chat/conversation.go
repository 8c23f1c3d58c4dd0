package chatcmder

import (
	"context"
	"strings"

	"github.com/papercomputeco/minesafe/api/client"
	"github.com/papercomputeco/minesafe/pkg/chat"
	"github.com/papercomputeco/minesafe/pkg/storage"
)

// recentSessions is how many sessions /sessions lists.
const recentSessions = 20

type localConversation struct {
	manager *chat.Manager
	model   string
	closeFn func() error
}

func (l *localConversation) Session() storage.SessionRef {
	conv := l.manager.CurrentSession()
	if conv == nil {
		return storage.SessionRef{}
	}
	return conv.Session.Ref()
}

func (l *localConversation) Model() string {
	return l.model
}

func (l *localConversation) Send(ctx context.Context, content string, obs chat.Observer) (chat.Turn, error) {
	return l.manager.SendMessage(ctx, content, obs)
}

func (l *localConversation) New(ctx context.Context, title string) error {
	_, err := l.manager.CreateSession(ctx, title)
	return err
}

func (l *localConversation) Rename(ctx context.Context, title string) error {
	return l.manager.UpdateSessionTitle(ctx, l.Session().ID, title)
}

func (l *localConversation) Clear(ctx context.Context) error {
	return l.manager.ClearMessages(ctx, l.Session().ID)
}

func (l *localConversation) Sessions(ctx context.Context) ([]storage.Session, error) {
	if err := l.manager.LoadSessions(ctx); err != nil {
		return nil, err
	}
	sessions := l.manager.Sessions()
	if len(sessions) > recentSessions {
		sessions = sessions[:recentSessions]
	}
	return sessions, nil
}

func (l *localConversation) Close() error {
	return l.closeFn()
}

// remoteConversation runs turns through the API relay. The server loads
// history and persists the turn.
type remoteConversation struct {
	api     *client.Client
	model   string
	session *storage.Session
}

func (r *remoteConversation) Session() storage.SessionRef {
	return r.session.Ref()
}

func (r *remoteConversation) Model() string {
	return r.model
}

func (r *remoteConversation) Send(ctx context.Context, content string, obs chat.Observer) (chat.Turn, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Turn{}, chat.ErrEmptyMessage
	}
	return chat.RunTurn(ctx, r.api.Session(r.session.ID, r.model), nil, content, obs), nil
}

func (r *remoteConversation) New(ctx context.Context, title string) error {
	session, err := r.api.CreateSession(ctx, title)
	if err != nil {
		return err
	}
	r.session = session
	return nil
}

func (r *remoteConversation) Rename(ctx context.Context, title string) error {
	session, err := r.api.RenameSession(ctx, r.session.ID, title)
	if err != nil {
		return err
	}
	r.session = session
	return nil
}

func (r *remoteConversation) Clear(ctx context.Context) error {
	return r.api.ClearMessages(ctx, r.session.ID)
}

func (r *remoteConversation) Sessions(ctx context.Context) ([]storage.Session, error) {
	page, err := r.api.ListSessions(ctx, 1, recentSessions)
	if err != nil {
		return nil, err
	}
	return page.List, nil
}

func (r *remoteConversation) Close() error {
	return nil
}

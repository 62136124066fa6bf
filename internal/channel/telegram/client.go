package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/joseph-ayodele/airraid-tracker/internal/channel"
	"github.com/joseph-ayodele/airraid-tracker/internal/common"
	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
)

// Config for the MTProto channel client.
type Config struct {
	APIID       int
	APIHash     string
	SessionFile string
	Channel     string // username without the leading @
}

type client struct {
	api     *tg.Client
	peer    tg.InputPeerClass
	channel string
	logger  *slog.Logger
}

// Connect runs the MTProto client for the lifetime of fn, resolves the
// configured channel, and hands fn a channel.Client bound to it. The session
// file must already hold an authorized session; the interactive login
// handshake is not this program's job.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger, fn func(context.Context, channel.Client) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	tc := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
	})
	return tc.Run(ctx, func(ctx context.Context) error {
		status, err := tc.Auth().Status(ctx)
		if err != nil {
			return common.WrapError(err, "query auth status")
		}
		if !status.Authorized {
			return common.NewAppError("TELEGRAM_AUTH",
				"session is not authorized; log in first and retry", common.ErrFatal)
		}

		api := tc.API()
		peer, title, err := resolveChannel(ctx, api, cfg.Channel)
		if err != nil {
			return err
		}
		logger.Info("channel resolved", "channel", cfg.Channel, "title", title)

		return fn(ctx, &client{api: api, peer: peer, channel: cfg.Channel, logger: logger})
	})
}

func resolveChannel(ctx context.Context, api *tg.Client, username string) (tg.InputPeerClass, string, error) {
	resolved, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, "", common.WrapError(err, fmt.Sprintf("resolve channel %q", username))
	}
	for _, c := range resolved.Chats {
		if ch, ok := c.(*tg.Channel); ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, ch.Title, nil
		}
	}
	return nil, "", common.NewAppError("TELEGRAM_RESOLVE",
		fmt.Sprintf("%q did not resolve to a channel", username), common.ErrFatal)
}

func (c *client) Search(ctx context.Context, phrase string, offsetID int64, limit int) ([]entity.Message, error) {
	res, err := c.api.MessagesSearch(ctx, &tg.MessagesSearchRequest{
		Peer:     c.peer,
		Q:        phrase,
		Filter:   &tg.InputMessagesFilterEmpty{},
		OffsetID: int(offsetID),
		Limit:    limit,
	})
	if err != nil {
		return nil, c.classify(err, true)
	}
	return c.collect(res)
}

func (c *client) History(ctx context.Context, offsetID int64, limit int) ([]entity.Message, error) {
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     c.peer,
		OffsetID: int(offsetID),
		Limit:    limit,
	})
	if err != nil {
		return nil, c.classify(err, false)
	}
	return c.collect(res)
}

func (c *client) collect(res tg.MessagesMessagesClass) ([]entity.Message, error) {
	var raw []tg.MessageClass
	switch m := res.(type) {
	case *tg.MessagesChannelMessages:
		raw = m.Messages
	case *tg.MessagesMessagesSlice:
		raw = m.Messages
	case *tg.MessagesMessages:
		raw = m.Messages
	default:
		return nil, fmt.Errorf("unexpected messages response %T", res)
	}

	out := make([]entity.Message, 0, len(raw))
	for _, mc := range raw {
		msg, ok := mc.(*tg.Message)
		if !ok {
			// Service messages (joins, pins) carry no report text.
			continue
		}
		out = append(out, entity.Message{
			ID:      int64(msg.ID),
			Date:    time.Unix(int64(msg.Date), 0).UTC(),
			Text:    msg.Message,
			Channel: c.channel,
		})
	}
	return out, nil
}

// classify maps Telegram RPC errors onto the retrieval error taxonomy.
func (c *client) classify(err error, search bool) error {
	if d, ok := tgerr.AsFloodWait(err); ok {
		c.logger.Warn("flood wait from telegram", "wait", d, "search", search)
		return channel.TransientAfter(err, d)
	}
	if tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "USER_DEACTIVATED") {
		return common.NewAppError("TELEGRAM_AUTH", err.Error(), common.ErrFatal)
	}
	if search && tgerr.Is(err, "SEARCH_QUERY_EMPTY", "SEARCH_DISABLED", "MSG_SEARCH_DISABLED") {
		return fmt.Errorf("%w: %v", channel.ErrSearchUnavailable, err)
	}
	return channel.Transient(err)
}
